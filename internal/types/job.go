package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusCancelled  = "cancelled"
)

// JobTerminalStatuses are the states a job can never leave.
var JobTerminalStatuses = []string{JobStatusCompleted, JobStatusFailed, JobStatusCancelled}

type Job struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	UserID      *uuid.UUID     `gorm:"type:uuid;index" json:"user_id,omitempty"`
	Narrative   string         `gorm:"type:text;not null" json:"narrative"`
	Duration    int            `gorm:"not null" json:"duration"`
	Generator   string         `gorm:"not null;index" json:"generator"`
	Model       string         `json:"model,omitempty"`
	Options     datatypes.JSON `gorm:"type:jsonb" json:"options,omitempty"`
	Status      string         `gorm:"not null;index" json:"status"`
	Attempts    int            `gorm:"not null;default:0" json:"attempts"`
	RequestID   string         `gorm:"column:request_id;index" json:"request_id"`
	ArtifactURL string         `gorm:"column:artifact_url" json:"artifact_url,omitempty"`
	Result      datatypes.JSON `gorm:"type:jsonb" json:"result,omitempty"`
	Progress    datatypes.JSON `gorm:"type:jsonb" json:"progress,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP;index" json:"created_at"`
	StartedAt   *time.Time     `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
	UpdatedAt   time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (Job) TableName() string { return "job" }

func (j *Job) IsTerminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// JobProgress mirrors the progress payload reported by the orchestrator.
type JobProgress struct {
	Current    int    `json:"current"`
	Total      int    `json:"total"`
	Percentage int    `json:"percentage"`
	Message    string `json:"message,omitempty"`
}
