package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	redisclient "github.com/melodia-app/melodia-backend/internal/clients/redis"
	"github.com/melodia-app/melodia-backend/internal/logger"
	"github.com/melodia-app/melodia-backend/internal/repos"
	"github.com/melodia-app/melodia-backend/internal/requestdata"
	"github.com/melodia-app/melodia-backend/internal/types"
)

const (
	// MaxNarrativeBytes caps the prompt length.
	MaxNarrativeBytes = 1500
	// MaxOptionsBytes caps the serialized options payload.
	MaxOptionsBytes = 16 * 1024
	MinDurationSec  = 5
	MaxDurationSec  = 600
)

// JobEnqueuer is the slice of the stream client the submission path needs.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, e redisclient.StreamEntry) (string, error)
}

type SubmitRequest struct {
	Narrative string          `json:"narrative"`
	Duration  int             `json:"duration"`
	Generator string          `json:"generator"`
	Model     string          `json:"model,omitempty"`
	Async     bool            `json:"async"`
	Options   json.RawMessage `json:"options,omitempty"`
}

const (
	ReportTypeProgress  = "progress"
	ReportTypeCompleted = "completed"
	ReportTypeFailed    = "failed"
)

type ReportRequest struct {
	JobID       uuid.UUID          `json:"job_id"`
	Type        string             `json:"type"`
	Progress    *types.JobProgress `json:"progress,omitempty"`
	ArtifactURL string             `json:"artifact_url,omitempty"`
	Result      json.RawMessage    `json:"result,omitempty"`
	Error       string             `json:"error,omitempty"`
}

// JobService owns the submission, query, cancel, and report paths of the
// generation pipeline. The persistence write always lands before the stream
// entry; a failed enqueue marks the job failed so status queries never show a
// phantom queued job.
type JobService interface {
	Submit(ctx context.Context, req SubmitRequest) (*types.Job, error)
	GetForRequestUser(ctx context.Context, id uuid.UUID) (*types.Job, error)
	ListForRequestUser(ctx context.Context, limit int) ([]*types.Job, error)
	Cancel(ctx context.Context, id uuid.UUID) (*types.Job, error)
	Report(ctx context.Context, req ReportRequest) error
}

type jobService struct {
	db         *gorm.DB
	log        *logger.Logger
	jobRepo    repos.JobRepo
	queue      JobEnqueuer
	notifier   JobNotifier
	generators map[string]bool
}

func NewJobService(
	db *gorm.DB,
	log *logger.Logger,
	jobRepo repos.JobRepo,
	queue JobEnqueuer,
	notifier JobNotifier,
	generators []string,
) JobService {
	allowed := make(map[string]bool, len(generators))
	for _, g := range generators {
		allowed[g] = true
	}
	return &jobService{
		db:         db,
		log:        log.With("service", "JobService"),
		jobRepo:    jobRepo,
		queue:      queue,
		notifier:   notifier,
		generators: allowed,
	}
}

func (s *jobService) Submit(ctx context.Context, req SubmitRequest) (*types.Job, error) {
	if err := s.validateSubmit(req); err != nil {
		return nil, err
	}

	rd := requestdata.GetRequestData(ctx)
	requestID := ""
	var userID *uuid.UUID
	if rd != nil {
		requestID = rd.RequestID
		if rd.UserID != uuid.Nil {
			uid := rd.UserID
			userID = &uid
		}
	}
	if requestID == "" {
		requestID = uuid.New().String()
	}

	job := &types.Job{
		ID:        uuid.New(),
		UserID:    userID,
		Narrative: req.Narrative,
		Duration:  req.Duration,
		Generator: req.Generator,
		Model:     req.Model,
		Status:    types.JobStatusQueued,
		Attempts:  0,
		RequestID: requestID,
	}
	if len(req.Options) > 0 {
		job.Options = datatypes.JSON(req.Options)
	}

	if err := s.jobRepo.Create(ctx, nil, job); err != nil {
		return nil, fmt.Errorf("persist job: %w", err)
	}

	entry := redisclient.StreamEntry{
		JobID:     job.ID.String(),
		Narrative: job.Narrative,
		Duration:  job.Duration,
		Generator: job.Generator,
		Model:     job.Model,
		Options:   string(job.Options),
		RequestID: requestID,
	}
	if _, err := s.queue.Enqueue(ctx, entry); err != nil {
		// Compensating write: the record must reflect that the job will
		// never be picked up.
		if mErr := s.jobRepo.MarkFailed(ctx, nil, job.ID, "enqueue-failed"); mErr != nil {
			s.log.Error("Failed to mark job failed after enqueue error",
				"job_id", job.ID, "request_id", requestID, "error", mErr)
		}
		s.log.Error("Enqueue failed", "job_id", job.ID, "request_id", requestID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrEnqueueFailed, err)
	}

	s.log.Info("Job submitted", "job_id", job.ID, "request_id", requestID, "generator", job.Generator)
	return job, nil
}

func (s *jobService) validateSubmit(req SubmitRequest) error {
	if len(req.Narrative) == 0 {
		return &ValidationError{Field: "narrative", Msg: "must not be empty"}
	}
	if len(req.Narrative) > MaxNarrativeBytes {
		return &ValidationError{Field: "narrative", Msg: fmt.Sprintf("must be at most %d bytes", MaxNarrativeBytes)}
	}
	if req.Duration < MinDurationSec || req.Duration > MaxDurationSec {
		return &ValidationError{Field: "duration", Msg: fmt.Sprintf("must be between %d and %d seconds", MinDurationSec, MaxDurationSec)}
	}
	if req.Generator == "" {
		return &ValidationError{Field: "generator", Msg: "must not be empty"}
	}
	if len(s.generators) > 0 && !s.generators[req.Generator] {
		return &ValidationError{Field: "generator", Msg: "unknown generator " + req.Generator}
	}
	if len(req.Options) > MaxOptionsBytes {
		return &ValidationError{Field: "options", Msg: fmt.Sprintf("must be at most %d bytes serialized", MaxOptionsBytes)}
	}
	if len(req.Options) > 0 && !json.Valid(req.Options) {
		return &ValidationError{Field: "options", Msg: "must be valid JSON"}
	}
	return nil
}

func (s *jobService) GetForRequestUser(ctx context.Context, id uuid.UUID) (*types.Job, error) {
	job, err := s.jobRepo.GetByID(ctx, nil, id)
	if err != nil {
		if errors.Is(err, repos.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := authorizeJobAccess(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *jobService) ListForRequestUser(ctx context.Context, limit int) ([]*types.Job, error) {
	rd := requestdata.GetRequestData(ctx)
	if rd == nil || rd.UserID == uuid.Nil {
		return nil, ErrForbidden
	}
	return s.jobRepo.ListByUser(ctx, nil, rd.UserID, limit)
}

func (s *jobService) Cancel(ctx context.Context, id uuid.UUID) (*types.Job, error) {
	job, err := s.GetForRequestUser(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.jobRepo.MarkCancelled(ctx, nil, id); err != nil {
		if errors.Is(err, repos.ErrIllegalTransition) {
			return nil, ErrAlreadyTerminal
		}
		return nil, err
	}
	job, err = s.jobRepo.GetByID(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	s.notifier.JobStatus(ctx, job)
	s.log.Info("Job cancelled", "job_id", id, "request_id", job.RequestID)
	return job, nil
}

// Report applies an orchestrator status report. Completed and failed reports
// are idempotent: a report against an already-terminal job returns nil
// without mutating the record or emitting an event.
func (s *jobService) Report(ctx context.Context, req ReportRequest) error {
	if req.JobID == uuid.Nil {
		return &ValidationError{Field: "job_id", Msg: "must be a valid uuid"}
	}

	switch req.Type {
	case ReportTypeProgress:
		return s.reportProgress(ctx, req)
	case ReportTypeCompleted:
		return s.reportCompleted(ctx, req)
	case ReportTypeFailed:
		return s.reportFailed(ctx, req)
	default:
		return &ValidationError{Field: "type", Msg: "must be one of progress, completed, failed"}
	}
}

func (s *jobService) reportProgress(ctx context.Context, req ReportRequest) error {
	if req.Progress == nil {
		return &ValidationError{Field: "progress", Msg: "must be present for progress reports"}
	}
	raw, err := json.Marshal(req.Progress)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	if err := s.jobRepo.UpdateProgress(ctx, nil, req.JobID, datatypes.JSON(raw)); err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	job, err := s.loadJob(ctx, req.JobID)
	if err != nil {
		return err
	}
	if job.IsTerminal() {
		// The progress write was a silent no-op; nothing to push.
		return nil
	}
	s.notifier.JobProgress(ctx, job, *req.Progress)
	return nil
}

func (s *jobService) reportCompleted(ctx context.Context, req ReportRequest) error {
	var result datatypes.JSON
	if len(req.Result) > 0 {
		result = datatypes.JSON(req.Result)
	}
	err := s.jobRepo.MarkCompleted(ctx, nil, req.JobID, req.ArtifactURL, result)
	if err != nil {
		if errors.Is(err, repos.ErrIllegalTransition) {
			s.log.Debug("Duplicate completion report absorbed", "job_id", req.JobID)
			return nil
		}
		return fmt.Errorf("mark completed: %w", err)
	}
	job, err := s.loadJob(ctx, req.JobID)
	if err != nil {
		return err
	}
	s.notifier.JobCompleted(ctx, job)
	s.log.Info("Job completed", "job_id", job.ID, "request_id", job.RequestID)
	return nil
}

func (s *jobService) reportFailed(ctx context.Context, req ReportRequest) error {
	errMsg := req.Error
	if errMsg == "" {
		errMsg = "generation failed"
	}
	err := s.jobRepo.MarkFailed(ctx, nil, req.JobID, errMsg)
	if err != nil {
		if errors.Is(err, repos.ErrIllegalTransition) {
			s.log.Debug("Duplicate failure report absorbed", "job_id", req.JobID)
			return nil
		}
		return fmt.Errorf("mark failed: %w", err)
	}
	job, err := s.loadJob(ctx, req.JobID)
	if err != nil {
		return err
	}
	s.notifier.JobFailed(ctx, job)
	s.log.Info("Job failed", "job_id", job.ID, "request_id", job.RequestID, "error", errMsg)
	return nil
}

func (s *jobService) loadJob(ctx context.Context, id uuid.UUID) (*types.Job, error) {
	job, err := s.jobRepo.GetByID(ctx, nil, id)
	if err != nil {
		if errors.Is(err, repos.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

// authorizeJobAccess allows the owner or an admin; jobs submitted without an
// owner are readable by anyone holding the id.
func authorizeJobAccess(ctx context.Context, job *types.Job) error {
	if job.UserID == nil {
		return nil
	}
	rd := requestdata.GetRequestData(ctx)
	if rd == nil {
		return ErrForbidden
	}
	if rd.Role == types.RoleAdmin || rd.Role == types.RoleOrchestrator {
		return nil
	}
	if rd.UserID == *job.UserID {
		return nil
	}
	return ErrForbidden
}
