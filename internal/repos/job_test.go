package repos

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/melodia-app/melodia-backend/internal/logger"
	"github.com/melodia-app/melodia-backend/internal/types"
)

func setupJobRepo(t *testing.T) (JobRepo, *gorm.DB) {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open("file::memory:?cache=shared&_pragma=foreign_keys(1)"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := gdb.AutoMigrate(&types.Job{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	t.Cleanup(log.Sync)
	return NewJobRepo(gdb, log), gdb
}

func newQueuedJob(t *testing.T, repo JobRepo) *types.Job {
	t.Helper()
	job := &types.Job{
		ID:        uuid.New(),
		Narrative: "A quiet story",
		Duration:  45,
		Generator: "jen1",
		Status:    types.JobStatusQueued,
		RequestID: "req-" + uuid.New().String()[:8],
	}
	if err := repo.Create(context.Background(), nil, job); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return job
}

func TestJobRepoCreateIsIdempotentOnConflict(t *testing.T) {
	repo, _ := setupJobRepo(t)
	job := newQueuedJob(t, repo)

	dup := &types.Job{ID: job.ID, Narrative: "other", Duration: 10, Generator: "jen1", Status: types.JobStatusQueued}
	err := repo.Create(context.Background(), nil, dup)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate create: want ErrConflict, got %v", err)
	}
}

func TestJobRepoMarkProcessingIncrementsAttempts(t *testing.T) {
	repo, _ := setupJobRepo(t)
	job := newQueuedJob(t, repo)
	ctx := context.Background()

	claimed, err := repo.MarkProcessing(ctx, nil, job.ID)
	if err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	if claimed.Status != types.JobStatusProcessing {
		t.Fatalf("status: want=%s got=%s", types.JobStatusProcessing, claimed.Status)
	}
	if claimed.Attempts != 1 {
		t.Fatalf("attempts: want=1 got=%d", claimed.Attempts)
	}
	if claimed.StartedAt == nil {
		t.Fatalf("started_at should be set after first claim")
	}
	firstStart := *claimed.StartedAt

	// Second claim (retry path) bumps attempts but keeps the original start.
	reclaimed, err := repo.MarkProcessing(ctx, nil, job.ID)
	if err != nil {
		t.Fatalf("MarkProcessing retry: %v", err)
	}
	if reclaimed.Attempts != 2 {
		t.Fatalf("attempts after retry: want=2 got=%d", reclaimed.Attempts)
	}
	if reclaimed.StartedAt == nil || !reclaimed.StartedAt.Equal(firstStart) {
		t.Fatalf("started_at changed on retry: want=%v got=%v", firstStart, reclaimed.StartedAt)
	}
}

func TestJobRepoStatusIsMonotone(t *testing.T) {
	repo, _ := setupJobRepo(t)
	job := newQueuedJob(t, repo)
	ctx := context.Background()

	if _, err := repo.MarkProcessing(ctx, nil, job.ID); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	if err := repo.MarkCompleted(ctx, nil, job.ID, "https://cdn/artifact.wav", datatypes.JSON(`{"title":"Q"}`)); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}

	// Terminal state never moves.
	if err := repo.MarkFailed(ctx, nil, job.ID, "late failure"); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("MarkFailed after completed: want ErrIllegalTransition, got %v", err)
	}
	if _, err := repo.MarkProcessing(ctx, nil, job.ID); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("MarkProcessing after completed: want ErrIllegalTransition, got %v", err)
	}
	if err := repo.MarkCancelled(ctx, nil, job.ID); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("MarkCancelled after completed: want ErrIllegalTransition, got %v", err)
	}

	got, err := repo.GetByID(ctx, nil, job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != types.JobStatusCompleted {
		t.Fatalf("status regressed: got %s", got.Status)
	}
	if got.ArtifactURL != "https://cdn/artifact.wav" {
		t.Fatalf("artifact_url: got %q", got.ArtifactURL)
	}
	if got.CompletedAt == nil {
		t.Fatalf("completed_at should be set on terminal job")
	}
	if got.Error != "" {
		t.Fatalf("error should be empty after failed no-op, got %q", got.Error)
	}
}

func TestJobRepoDuplicateCompletionIsNoOp(t *testing.T) {
	repo, _ := setupJobRepo(t)
	job := newQueuedJob(t, repo)
	ctx := context.Background()

	if _, err := repo.MarkProcessing(ctx, nil, job.ID); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	if err := repo.MarkCompleted(ctx, nil, job.ID, "", datatypes.JSON(`{"title":"first"}`)); err != nil {
		t.Fatalf("first MarkCompleted: %v", err)
	}
	after1, _ := repo.GetByID(ctx, nil, job.ID)

	err := repo.MarkCompleted(ctx, nil, job.ID, "", datatypes.JSON(`{"title":"second"}`))
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("second MarkCompleted: want ErrIllegalTransition, got %v", err)
	}
	after2, _ := repo.GetByID(ctx, nil, job.ID)

	if string(after1.Result) != string(after2.Result) {
		t.Fatalf("replayed completion mutated result: %s vs %s", after1.Result, after2.Result)
	}
	if !after1.CompletedAt.Equal(*after2.CompletedAt) {
		t.Fatalf("replayed completion mutated completed_at")
	}
}

func TestJobRepoProgressIgnoredOnTerminalJob(t *testing.T) {
	repo, _ := setupJobRepo(t)
	job := newQueuedJob(t, repo)
	ctx := context.Background()

	if _, err := repo.MarkProcessing(ctx, nil, job.ID); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	if err := repo.UpdateProgress(ctx, nil, job.ID, datatypes.JSON(`{"current":1,"total":4,"percentage":25}`)); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}
	if err := repo.MarkFailed(ctx, nil, job.ID, "generator unavailable"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if err := repo.UpdateProgress(ctx, nil, job.ID, datatypes.JSON(`{"current":4,"total":4,"percentage":100}`)); err != nil {
		t.Fatalf("UpdateProgress on terminal job should be silent, got %v", err)
	}

	got, _ := repo.GetByID(ctx, nil, job.ID)
	if string(got.Progress) != `{"current":1,"total":4,"percentage":25}` {
		t.Fatalf("terminal progress mutated: %s", got.Progress)
	}
}

func TestJobRepoRequestIDImmutable(t *testing.T) {
	repo, _ := setupJobRepo(t)
	ctx := context.Background()

	job := &types.Job{
		ID:        uuid.New(),
		Narrative: "no request id yet",
		Duration:  30,
		Generator: "muscgen",
		Status:    types.JobStatusQueued,
	}
	if err := repo.Create(ctx, nil, job); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := repo.SetRequestID(ctx, nil, job.ID, "e2e-001"); err != nil {
		t.Fatalf("SetRequestID: %v", err)
	}
	if err := repo.SetRequestID(ctx, nil, job.ID, "e2e-OVERWRITE"); err != nil {
		t.Fatalf("second SetRequestID: %v", err)
	}

	got, _ := repo.GetByID(ctx, nil, job.ID)
	if got.RequestID != "e2e-001" {
		t.Fatalf("request id mutated: want=e2e-001 got=%s", got.RequestID)
	}
}

func TestJobRepoCancelSupersedesQueuedAndProcessing(t *testing.T) {
	repo, _ := setupJobRepo(t)
	ctx := context.Background()

	queued := newQueuedJob(t, repo)
	if err := repo.MarkCancelled(ctx, nil, queued.ID); err != nil {
		t.Fatalf("cancel queued: %v", err)
	}

	processing := newQueuedJob(t, repo)
	if _, err := repo.MarkProcessing(ctx, nil, processing.ID); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	if err := repo.MarkCancelled(ctx, nil, processing.ID); err != nil {
		t.Fatalf("cancel processing: %v", err)
	}

	// Completing a cancelled job must fail the CAS.
	if err := repo.MarkCompleted(ctx, nil, processing.ID, "", nil); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("complete after cancel: want ErrIllegalTransition, got %v", err)
	}
}

func TestJobRepoGetMissingReturnsNotFound(t *testing.T) {
	repo, _ := setupJobRepo(t)
	_, err := repo.GetByID(context.Background(), nil, uuid.New())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}
