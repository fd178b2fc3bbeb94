// Package worker is the orchestrator's dispatch pool. It consumes queued
// generation jobs from the Redis stream, drives the generator backends, and
// settles each job exactly once through retries, dead-lettering, and crash
// recovery via pending-entry reclaim.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/melodia-app/melodia-backend/internal/clients/redis"
	"github.com/melodia-app/melodia-backend/internal/logger"
	"github.com/melodia-app/melodia-backend/internal/repos"
	"github.com/melodia-app/melodia-backend/internal/services"
	"github.com/melodia-app/melodia-backend/internal/utils"
)

// Queue is the slice of the stream client the pool consumes. *redis.JobQueue
// satisfies it.
type Queue interface {
	EnsureGroup(ctx context.Context) error
	Enqueue(ctx context.Context, e redis.StreamEntry) (string, error)
	Read(ctx context.Context) (*redis.JobMessage, error)
	Claim(ctx context.Context, minIdle time.Duration, count int) ([]*redis.JobMessage, error)
	Ack(ctx context.Context, messageID string) error
	DeadLetter(ctx context.Context, e redis.StreamEntry, errMsg string, attempts int) error
}

type Config struct {
	Concurrency      int
	MaxRetries       int
	ClaimThreshold   time.Duration
	ClaimBatch       int
	WriteArtifacts   bool
	GeneratorTimeout time.Duration
}

func ConfigFromEnv(log *logger.Logger) Config {
	return Config{
		Concurrency:      utils.GetEnvAsInt("WORKER_CONCURRENCY", 2, log),
		MaxRetries:       utils.GetEnvAsInt("MAX_RETRIES", 3, log),
		ClaimThreshold:   time.Duration(utils.GetEnvAsInt("WORKER_CLAIM_THRESHOLD_SECONDS", 60, log)) * time.Second,
		ClaimBatch:       utils.GetEnvAsInt("WORKER_CLAIM_BATCH", 10, log),
		WriteArtifacts:   utils.GetEnvAsBool("WORKER_WRITE_ARTIFACTS", true, log),
		GeneratorTimeout: time.Duration(utils.GetEnvAsInt("GENERATOR_TIMEOUT_SECONDS", 120, log)) * time.Second,
	}
}

type Worker struct {
	log       *logger.Logger
	cfg       Config
	queue     Queue
	repo      repos.JobRepo
	generator services.GeneratorClient
	bucket    services.BucketService
	reporter  Reporter
}

func New(
	log *logger.Logger,
	cfg Config,
	queue Queue,
	repo repos.JobRepo,
	generator services.GeneratorClient,
	bucket services.BucketService,
	reporter Reporter,
) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.ClaimThreshold <= 0 {
		cfg.ClaimThreshold = 60 * time.Second
	}
	if cfg.ClaimBatch <= 0 {
		cfg.ClaimBatch = 10
	}
	if cfg.GeneratorTimeout <= 0 {
		cfg.GeneratorTimeout = 120 * time.Second
	}
	return &Worker{
		log:       log.With("component", "Worker"),
		cfg:       cfg,
		queue:     queue,
		repo:      repo,
		generator: generator,
		bucket:    bucket,
		reporter:  reporter,
	}
}

// Run blocks until ctx is cancelled, then drains in-flight dispatches before
// returning. Entries being worked at shutdown are left pending and recovered
// by another consumer's claim loop.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	w.log.Info("Worker pool starting",
		"concurrency", w.cfg.Concurrency,
		"max_retries", w.cfg.MaxRetries,
		"claim_threshold", w.cfg.ClaimThreshold,
	)

	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.readLoop(ctx, slot)
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.claimLoop(ctx)
	}()

	wg.Wait()
	w.log.Info("Worker pool stopped")
	return nil
}

func (w *Worker) readLoop(ctx context.Context, slot int) {
	log := w.log.With("slot", slot)
	for {
		if ctx.Err() != nil {
			return
		}
		msg, err := w.queue.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("Stream read failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if msg == nil {
			continue
		}
		w.dispatch(ctx, msg)
	}
}

// claimLoop periodically sweeps entries another consumer took but never
// acked, so a crashed worker's jobs get re-dispatched.
func (w *Worker) claimLoop(ctx context.Context) {
	interval := w.cfg.ClaimThreshold / 2
	if interval < 5*time.Second {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		msgs, err := w.queue.Claim(ctx, w.cfg.ClaimThreshold, w.cfg.ClaimBatch)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Error("Pending-entry claim failed", "error", err)
			continue
		}
		for _, msg := range msgs {
			if ctx.Err() != nil {
				return
			}
			w.log.Info("Reclaimed pending entry", "message_id", msg.MessageID, "job_id", msg.Entry.JobID)
			w.dispatch(ctx, msg)
		}
	}
}
