package repos

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/melodia-app/melodia-backend/internal/logger"
	"github.com/melodia-app/melodia-backend/internal/types"
)

// JobRepo is the source of truth for job records. All status mutations are
// compare-and-set: the WHERE clause encodes the permitted prior states and a
// zero-row update surfaces as ErrIllegalTransition.
type JobRepo interface {
	Create(ctx context.Context, tx *gorm.DB, job *types.Job) error
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Job, error)
	ListByUser(ctx context.Context, tx *gorm.DB, userID uuid.UUID, limit int) ([]*types.Job, error)
	MarkProcessing(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Job, error)
	UpdateProgress(ctx context.Context, tx *gorm.DB, id uuid.UUID, progress datatypes.JSON) error
	MarkCompleted(ctx context.Context, tx *gorm.DB, id uuid.UUID, artifactURL string, result datatypes.JSON) error
	MarkFailed(ctx context.Context, tx *gorm.DB, id uuid.UUID, errMsg string) error
	MarkCancelled(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
	SetRequestID(ctx context.Context, tx *gorm.DB, id uuid.UUID, requestID string) error
}

type jobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewJobRepo(db *gorm.DB, baseLog *logger.Logger) JobRepo {
	return &jobRepo{
		db:  db,
		log: baseLog.With("repo", "JobRepo"),
	}
}

func (r *jobRepo) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *jobRepo) Create(ctx context.Context, tx *gorm.DB, job *types.Job) error {
	if job == nil {
		return nil
	}
	err := r.conn(tx).WithContext(ctx).Create(job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(strings.ToLower(err.Error()), "duplicate") || strings.Contains(strings.ToLower(err.Error()), "unique") {
			return ErrConflict
		}
		return err
	}
	return nil
}

func (r *jobRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Job, error) {
	var job types.Job
	err := r.conn(tx).WithContext(ctx).Where("id = ?", id).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *jobRepo) ListByUser(ctx context.Context, tx *gorm.DB, userID uuid.UUID, limit int) ([]*types.Job, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var out []*types.Job
	err := r.conn(tx).WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MarkProcessing claims the job for a dispatch attempt. Re-claiming a job
// that is already processing is allowed so a reclaimed stream entry can be
// retried after a worker crash; terminal jobs never move.
func (r *jobRepo) MarkProcessing(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Job, error) {
	now := time.Now().UTC()
	res := r.conn(tx).WithContext(ctx).
		Model(&types.Job{}).
		Where("id = ? AND status IN ?", id, []string{types.JobStatusQueued, types.JobStatusProcessing}).
		Updates(map[string]interface{}{
			"status":     types.JobStatusProcessing,
			"attempts":   gorm.Expr("attempts + 1"),
			"started_at": gorm.Expr("COALESCE(started_at, ?)", now),
			"updated_at": now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrIllegalTransition
	}
	return r.GetByID(ctx, tx, id)
}

// UpdateProgress writes the progress blob without touching status. A
// progress update that races with a terminal transition loses silently.
func (r *jobRepo) UpdateProgress(ctx context.Context, tx *gorm.DB, id uuid.UUID, progress datatypes.JSON) error {
	return r.conn(tx).WithContext(ctx).
		Model(&types.Job{}).
		Where("id = ? AND status NOT IN ?", id, types.JobTerminalStatuses).
		Updates(map[string]interface{}{
			"progress":   progress,
			"updated_at": time.Now().UTC(),
		}).Error
}

func (r *jobRepo) MarkCompleted(ctx context.Context, tx *gorm.DB, id uuid.UUID, artifactURL string, result datatypes.JSON) error {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"status":       types.JobStatusCompleted,
		"completed_at": now,
		"updated_at":   now,
	}
	if artifactURL != "" {
		updates["artifact_url"] = artifactURL
	}
	if result != nil {
		updates["result"] = result
	}
	return r.casTerminal(ctx, tx, id, updates)
}

func (r *jobRepo) MarkFailed(ctx context.Context, tx *gorm.DB, id uuid.UUID, errMsg string) error {
	now := time.Now().UTC()
	return r.casTerminal(ctx, tx, id, map[string]interface{}{
		"status":       types.JobStatusFailed,
		"error":        errMsg,
		"completed_at": now,
		"updated_at":   now,
	})
}

func (r *jobRepo) MarkCancelled(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	now := time.Now().UTC()
	return r.casTerminal(ctx, tx, id, map[string]interface{}{
		"status":       types.JobStatusCancelled,
		"completed_at": now,
		"updated_at":   now,
	})
}

func (r *jobRepo) casTerminal(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
	res := r.conn(tx).WithContext(ctx).
		Model(&types.Job{}).
		Where("id = ? AND status NOT IN ?", id, types.JobTerminalStatuses).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrIllegalTransition
	}
	return nil
}

// SetRequestID persists the correlation id on first observation only.
func (r *jobRepo) SetRequestID(ctx context.Context, tx *gorm.DB, id uuid.UUID, requestID string) error {
	return r.conn(tx).WithContext(ctx).
		Model(&types.Job{}).
		Where("id = ? AND (request_id IS NULL OR request_id = '')", id).
		Updates(map[string]interface{}{
			"request_id": requestID,
			"updated_at": time.Now().UTC(),
		}).Error
}
