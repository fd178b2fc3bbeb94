package services

import (
	"context"

	"github.com/melodia-app/melodia-backend/internal/clients/redis"
	"github.com/melodia-app/melodia-backend/internal/logger"
	"github.com/melodia-app/melodia-backend/internal/sse"
	"github.com/melodia-app/melodia-backend/internal/types"
)

// JobNotifier pushes job lifecycle events to the realtime gateway. When a
// Redis bus is configured events go through it so every API replica's hub
// sees them; otherwise they broadcast into the local hub only.
type JobNotifier interface {
	JobStatus(ctx context.Context, job *types.Job)
	JobProgress(ctx context.Context, job *types.Job, progress types.JobProgress)
	JobCompleted(ctx context.Context, job *types.Job)
	JobFailed(ctx context.Context, job *types.Job)
}

type jobNotifier struct {
	log *logger.Logger
	hub *sse.SSEHub
	bus redis.SSEBus
}

func NewJobNotifier(log *logger.Logger, hub *sse.SSEHub, bus redis.SSEBus) JobNotifier {
	return &jobNotifier{
		log: log.With("service", "JobNotifier"),
		hub: hub,
		bus: bus,
	}
}

func (n *jobNotifier) JobStatus(ctx context.Context, job *types.Job) {
	n.emit(ctx, job, sse.SSEEventJobStatus, map[string]any{
		"id":     job.ID,
		"status": job.Status,
	})
}

func (n *jobNotifier) JobProgress(ctx context.Context, job *types.Job, progress types.JobProgress) {
	n.emit(ctx, job, sse.SSEEventJobProgress, map[string]any{
		"id":       job.ID,
		"progress": progress,
	})
}

func (n *jobNotifier) JobCompleted(ctx context.Context, job *types.Job) {
	n.emit(ctx, job, sse.SSEEventJobCompleted, map[string]any{
		"job": job,
	})
}

func (n *jobNotifier) JobFailed(ctx context.Context, job *types.Job) {
	n.emit(ctx, job, sse.SSEEventJobFailed, map[string]any{
		"id":    job.ID,
		"error": job.Error,
	})
}

func (n *jobNotifier) emit(ctx context.Context, job *types.Job, event sse.SSEEvent, data map[string]any) {
	channels := []string{sse.JobChannel(job.ID)}
	if job.UserID != nil {
		channels = append(channels, sse.UserChannel(*job.UserID))
	}
	for _, ch := range channels {
		msg := sse.SSEMessage{Channel: ch, Event: event, Data: data}
		if n.bus != nil {
			if err := n.bus.Publish(ctx, msg); err != nil {
				n.log.Warn("SSE bus publish failed; falling back to local hub",
					"job_id", job.ID, "event", event, "error", err)
				n.hub.Broadcast(msg)
			}
			continue
		}
		n.hub.Broadcast(msg)
	}
}
