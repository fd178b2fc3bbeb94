package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	redisclient "github.com/melodia-app/melodia-backend/internal/clients/redis"
	"github.com/melodia-app/melodia-backend/internal/db"
	"github.com/melodia-app/melodia-backend/internal/logger"
	"github.com/melodia-app/melodia-backend/internal/repos"
	"github.com/melodia-app/melodia-backend/internal/services"
	"github.com/melodia-app/melodia-backend/internal/utils"
	"github.com/melodia-app/melodia-backend/internal/worker"
)

func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Error("Postgres init failed", "error", err)
		os.Exit(1)
	}
	thePG := postgresService.DB()
	jobRepo := repos.NewJobRepo(thePG, log)

	// Job queue
	queue, err := redisclient.NewJobQueue(log, redisclient.QueueConfigFromEnv(log))
	if err != nil {
		log.Error("Could not init job queue", "error", err)
		os.Exit(1)
	}
	defer queue.Close()
	log.Info("Consuming as", "consumer", queue.Consumer())

	// Generator backends
	endpoints := services.GeneratorEndpointsFromEnv()
	if len(endpoints) == 0 {
		log.Error("No generator backends configured; set GENERATOR_<NAME>_URL")
		os.Exit(1)
	}
	generatorToken := utils.GetEnv("ORCHESTRATOR_TOKEN", "", log)
	generatorTimeout := time.Duration(utils.GetEnvAsInt("GENERATOR_TIMEOUT_SECONDS", 120, log)) * time.Second
	generatorClient := services.NewGeneratorClient(log, endpoints, generatorToken, generatorTimeout)

	// Artifact bucket
	var bucket services.BucketService
	if utils.GetEnvAsBool("WORKER_WRITE_ARTIFACTS", true, log) {
		bucket, err = services.NewBucketService(log)
		if err != nil {
			log.Warn("Could not init BucketService; artifacts will not be persisted", "error", err)
			bucket = nil
		}
	}

	// Reporter back to the API; nil means direct job-store writes.
	reporter := worker.NewHTTPReporter(log)
	if reporter == nil {
		log.Warn("API_BASE_URL not set; job state will be written directly, realtime events skipped")
	}

	pool := worker.New(log, worker.ConfigFromEnv(log), queue, jobRepo, generatorClient, bucket, reporter)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := pool.Run(ctx); err != nil {
		log.Error("Worker pool failed", "error", err)
		os.Exit(1)
	}
}
