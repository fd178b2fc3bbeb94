package main

import (
	"context"
	"fmt"
	"os"
	"time"

	redisclient "github.com/melodia-app/melodia-backend/internal/clients/redis"
	"github.com/melodia-app/melodia-backend/internal/db"
	"github.com/melodia-app/melodia-backend/internal/handlers"
	"github.com/melodia-app/melodia-backend/internal/logger"
	"github.com/melodia-app/melodia-backend/internal/middleware"
	"github.com/melodia-app/melodia-backend/internal/repos"
	"github.com/melodia-app/melodia-backend/internal/server"
	"github.com/melodia-app/melodia-backend/internal/services"
	"github.com/melodia-app/melodia-backend/internal/sse"
	"github.com/melodia-app/melodia-backend/internal/utils"
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

	// Env
	log.Info("Loading environment variables from main...")
	jwtSecretKey := utils.GetEnv("JWT_SECRET", "defaultsecret", log)
	accessTokenTTL := utils.GetEnvAsInt("ACCESS_TOKEN_TTL", 3600, log)
	refreshTokenTTL := utils.GetEnvAsInt("REFRESH_TOKEN_TTL", 86400, log)
	enforceOrchestratorRole := utils.GetEnvAsBool("REQUIRE_ORCHESTRATOR_JWT", true, log)

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Error("Postgres init failed", "error", err)
		os.Exit(1)
	}
	if err = postgresService.AutoMigrateAll(); err != nil {
		log.Warn("Postgres auto migration failed", "error", err)
	}
	thePG := postgresService.DB()

	// Repos
	log.Info("Setting up Repos from main...")
	userRepo := repos.NewUserRepo(thePG, log)
	userTokenRepo := repos.NewUserTokenRepo(thePG, log)
	jobRepo := repos.NewJobRepo(thePG, log)

	// SSE
	log.Info("Setting up SSE hub now...")
	sseHub := sse.NewSSEHub(log)
	sseBus, err := redisclient.NewSSEBus(log)
	if err != nil {
		log.Warn("Redis SSE bus unavailable; events stay replica-local", "error", err)
		sseBus = nil
	} else {
		if err := sseBus.StartForwarder(context.Background(), sseHub.Broadcast); err != nil {
			log.Warn("Could not start SSE forwarder; events stay replica-local", "error", err)
			_ = sseBus.Close()
			sseBus = nil
		}
	}

	// Job queue
	log.Info("Setting up job queue from main...")
	queue, err := redisclient.NewJobQueue(log, redisclient.QueueConfigFromEnv(log))
	if err != nil {
		log.Error("Could not init job queue", "error", err)
		os.Exit(1)
	}
	defer queue.Close()
	if err := queue.EnsureGroup(context.Background()); err != nil {
		log.Warn("Could not ensure consumer group", "error", err)
	}

	// Services
	log.Info("Setting up Services from main...")
	authService := services.NewAuthService(thePG, log, userRepo, userTokenRepo, jwtSecretKey, time.Duration(accessTokenTTL)*time.Second, time.Duration(refreshTokenTTL)*time.Second)
	notifier := services.NewJobNotifier(log, sseHub, sseBus)
	generators := make([]string, 0)
	for name := range services.GeneratorEndpointsFromEnv() {
		generators = append(generators, name)
	}
	jobService := services.NewJobService(thePG, log, jobRepo, queue, notifier, generators)

	// Handlers
	log.Info("Setting up handlers from main...")
	authHandler := handlers.NewAuthHandler(authService)
	songsHandler := handlers.NewSongsHandler(jobService)
	jobsHandler := handlers.NewJobsHandler(jobService)
	sseHandler := handlers.NewSSEHandler(log, sseHub, jobService)

	// Middleware
	log.Info("Setting up middleware from main...")
	authMiddleware := middleware.NewAuthMiddleware(log, authService)

	// Router
	log.Info("Setting up router from main...")
	router := server.NewRouter(server.RouterConfig{
		Logger:                  log,
		AuthHandler:             authHandler,
		AuthMiddleware:          authMiddleware,
		SongsHandler:            songsHandler,
		JobsHandler:             jobsHandler,
		SSEHandler:              sseHandler,
		EnforceOrchestratorRole: enforceOrchestratorRole,
	})

	port := utils.GetEnv("PORT", "8080", log)
	fmt.Printf("Server listening on :%s\n", port)
	if err := router.Run(":" + port); err != nil {
		log.Error("Server failed", "error", err)
	}
}
