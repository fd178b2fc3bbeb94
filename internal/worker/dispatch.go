package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/melodia-app/melodia-backend/internal/clients/redis"
	"github.com/melodia-app/melodia-backend/internal/logger"
	"github.com/melodia-app/melodia-backend/internal/repos"
	"github.com/melodia-app/melodia-backend/internal/services"
)

// dispatch runs one stream entry end to end: claim the job record, call the
// generator, settle the outcome, ack. Returning without an ack leaves the
// entry pending so the claim loop re-delivers it after the idle threshold.
func (w *Worker) dispatch(ctx context.Context, msg *redis.JobMessage) {
	entry := msg.Entry

	jobID, err := uuid.Parse(entry.JobID)
	if err != nil {
		w.log.Warn("Dropping stream entry with invalid job id", "message_id", msg.MessageID, "job_id", entry.JobID)
		w.ack(ctx, msg)
		return
	}

	job, err := w.repo.GetByID(ctx, nil, jobID)
	if errors.Is(err, repos.ErrNotFound) {
		// Orphaned entry: the record never landed or was purged.
		w.log.Warn("Dropping stream entry for unknown job", "message_id", msg.MessageID, "job_id", jobID)
		w.ack(ctx, msg)
		return
	}
	if err != nil {
		w.log.Error("Job lookup failed; leaving entry pending", "job_id", jobID, "error", err)
		return
	}

	rid := entry.RequestID
	if rid == "" {
		rid = job.RequestID
	}
	if rid == "" {
		rid = uuid.New().String()
	}
	if job.RequestID == "" {
		if err := w.repo.SetRequestID(ctx, nil, jobID, rid); err != nil {
			w.log.Warn("Failed to persist request id", "job_id", jobID, "request_id", rid, "error", err)
		}
	}
	log := w.log.With("job_id", jobID, "request_id", rid)

	if job.IsTerminal() {
		// Duplicate delivery, or the user cancelled before dispatch.
		log.Debug("Skipping terminal job", "status", job.Status)
		w.ack(ctx, msg)
		return
	}

	job, err = w.repo.MarkProcessing(ctx, nil, jobID)
	if errors.Is(err, repos.ErrIllegalTransition) {
		w.ack(ctx, msg)
		return
	}
	if err != nil {
		log.Error("Failed to claim job; leaving entry pending", "error", err)
		return
	}
	log.Info("Dispatching job", "generator", entry.Generator, "attempt", job.Attempts, "retry_count", entry.RetryCount)

	genCtx, cancel := context.WithTimeout(ctx, w.cfg.GeneratorTimeout)
	result, genErr := w.generator.Generate(genCtx, entry.Generator, services.GenerateRequest{
		Narrative: entry.Narrative,
		Duration:  entry.Duration,
		Model:     entry.Model,
		Options:   optionsJSON(entry.Options),
		RequestID: rid,
	})
	cancel()

	if genErr == nil {
		w.settleCompleted(ctx, msg, jobID, rid, entry.Generator, result)
		return
	}
	if ctx.Err() != nil {
		// Shutdown mid-dispatch; the entry stays pending for reclaim.
		log.Warn("Dispatch interrupted by shutdown", "error", genErr)
		return
	}
	w.settleFailed(ctx, msg, jobID, rid, job.Attempts, genErr)
}

func (w *Worker) settleCompleted(ctx context.Context, msg *redis.JobMessage, jobID uuid.UUID, rid string, generator string, result *services.GenerateResult) {
	log := w.log.With("job_id", jobID, "request_id", rid)

	artifactURL := ""
	if w.cfg.WriteArtifacts && w.bucket != nil && len(result.Artifact) > 0 {
		key := fmt.Sprintf("%s/artifacts/job-%s.%s", generator, jobID, result.ArtifactExt)
		if err := w.bucket.UploadFile(ctx, key, bytes.NewReader(result.Artifact)); err != nil {
			log.Warn("Artifact upload failed; completing without artifact URL", "key", key, "error", err)
		} else {
			artifactURL = w.bucket.GetPublicURL(key)
		}
	}

	if w.reporter != nil {
		if err := w.reporter.Completed(ctx, jobID, rid, artifactURL, result.Result); err == nil {
			log.Info("Job completed", "artifact_url", artifactURL)
			w.ack(ctx, msg)
			return
		} else {
			log.Warn("Completion report failed; writing job state directly", "error", err)
		}
	}
	err := w.repo.MarkCompleted(ctx, nil, jobID, artifactURL, datatypes.JSON(result.Result))
	if err != nil && !errors.Is(err, repos.ErrIllegalTransition) {
		log.Error("Failed to mark job completed; leaving entry pending", "error", err)
		return
	}
	log.Info("Job completed", "artifact_url", artifactURL)
	w.ack(ctx, msg)
}

func (w *Worker) settleFailed(ctx context.Context, msg *redis.JobMessage, jobID uuid.UUID, rid string, attempts int, genErr error) {
	log := w.log.With("job_id", jobID, "request_id", rid)
	errMsg := genErr.Error()

	if services.IsRetryableGeneratorErr(genErr) && attempts < w.cfg.MaxRetries {
		delay := Backoff(attempts)
		log.Warn("Dispatch failed; retrying", "attempt", attempts, "delay", delay, "error", genErr)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		next := msg.Entry
		next.RequestID = rid
		next.RetryCount = msg.Entry.RetryCount + 1
		if _, err := w.queue.Enqueue(ctx, next); err != nil {
			// Leave the original pending; reclaim will retry the whole entry.
			log.Error("Failed to re-enqueue for retry", "error", err)
			return
		}
		w.ack(ctx, msg)
		return
	}

	log.Error("Dispatch failed permanently", "attempt", attempts, "error", genErr)
	if w.reporter != nil {
		if err := w.reporter.Failed(ctx, jobID, rid, errMsg); err != nil {
			log.Warn("Failure report failed; writing job state directly", "error", err)
			w.markFailedDirect(ctx, jobID, errMsg, log)
		}
	} else {
		w.markFailedDirect(ctx, jobID, errMsg, log)
	}
	if err := w.queue.DeadLetter(ctx, msg.Entry, errMsg, attempts); err != nil {
		log.Error("Failed to dead-letter entry", "error", err)
	}
	w.ack(ctx, msg)
}

func (w *Worker) markFailedDirect(ctx context.Context, jobID uuid.UUID, errMsg string, log *logger.Logger) {
	if err := w.repo.MarkFailed(ctx, nil, jobID, errMsg); err != nil && !errors.Is(err, repos.ErrIllegalTransition) {
		log.Error("Failed to mark job failed", "error", err)
	}
}

func (w *Worker) ack(ctx context.Context, msg *redis.JobMessage) {
	if err := w.queue.Ack(ctx, msg.MessageID); err != nil {
		w.log.Warn("Ack failed", "message_id", msg.MessageID, "error", err)
	}
}

func optionsJSON(options string) json.RawMessage {
	if options == "" {
		return nil
	}
	return json.RawMessage(options)
}
