package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/melodia-app/melodia-backend/internal/logger"
)

func testQueue(t *testing.T, m *miniredis.Miniredis, consumer string) *JobQueue {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	t.Cleanup(log.Sync)

	q, err := NewJobQueue(log, QueueConfig{
		URL:      "redis://" + m.Addr(),
		Stream:   "jobs:stream",
		Group:    "orchestrators",
		Consumer: consumer,
		BlockMs:  50,
	})
	if err != nil {
		t.Fatalf("NewJobQueue: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	if err := q.EnsureGroup(context.Background()); err != nil {
		t.Fatalf("EnsureGroup: %v", err)
	}
	return q
}

func TestJobQueueEnqueueReadAck(t *testing.T) {
	m := miniredis.RunT(t)
	q := testQueue(t, m, "worker-a")
	ctx := context.Background()

	entry := StreamEntry{
		JobID:     "6d9a3a41-0001-4000-8000-000000000001",
		Narrative: "foggy harbor at dawn",
		Duration:  45,
		Generator: "jen1",
		Model:     "jen1-large",
		Options:   `{"tempo":90}`,
		RequestID: "req-7",
	}
	if _, err := q.Enqueue(ctx, entry); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	msg, err := q.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if msg == nil {
		t.Fatalf("Read returned nothing")
	}
	if msg.Entry != entry {
		t.Fatalf("round trip mismatch:\n want %+v\n got  %+v", entry, msg.Entry)
	}

	pending, err := q.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount: %v", err)
	}
	if pending != 1 {
		t.Fatalf("pending before ack: want 1, got %d", pending)
	}

	if err := q.Ack(ctx, msg.MessageID); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	pending, err = q.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount after ack: %v", err)
	}
	if pending != 0 {
		t.Fatalf("pending after ack: want 0, got %d", pending)
	}
}

func TestJobQueueEnsureGroupIsIdempotent(t *testing.T) {
	m := miniredis.RunT(t)
	q := testQueue(t, m, "worker-a")
	if err := q.EnsureGroup(context.Background()); err != nil {
		t.Fatalf("second EnsureGroup: %v", err)
	}
}

func TestJobQueueReadEmptyReturnsNil(t *testing.T) {
	m := miniredis.RunT(t)
	q := testQueue(t, m, "worker-a")

	msg, err := q.Read(context.Background())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if msg != nil {
		t.Fatalf("expected no message, got %+v", msg)
	}
}

func TestJobQueueClaimRecoversUnackedEntries(t *testing.T) {
	m := miniredis.RunT(t)
	crashed := testQueue(t, m, "worker-crashed")
	survivor := testQueue(t, m, "worker-survivor")
	ctx := context.Background()

	entry := StreamEntry{JobID: "job-1", Narrative: "n", Duration: 10, Generator: "jen1", RequestID: "r"}
	if _, err := crashed.Enqueue(ctx, entry); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// Delivered but never acked: the consumer dies mid-dispatch.
	msg, err := crashed.Read(ctx)
	if err != nil || msg == nil {
		t.Fatalf("Read: msg=%v err=%v", msg, err)
	}

	claimed, err := survivor.Claim(ctx, 0, 10)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("claimed entries: want 1, got %d", len(claimed))
	}
	if claimed[0].Entry.JobID != "job-1" {
		t.Fatalf("claimed wrong entry: %+v", claimed[0].Entry)
	}

	if err := survivor.Ack(ctx, claimed[0].MessageID); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	pending, err := survivor.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount: %v", err)
	}
	if pending != 0 {
		t.Fatalf("pending after claim+ack: want 0, got %d", pending)
	}
}

func TestJobQueueDeadLetterCarriesFailureContext(t *testing.T) {
	m := miniredis.RunT(t)
	q := testQueue(t, m, "worker-a")
	ctx := context.Background()

	entry := StreamEntry{JobID: "job-dead", Narrative: "n", Duration: 10, Generator: "jen1", RequestID: "r", RetryCount: 3}
	if err := q.DeadLetter(ctx, entry, "generator returned HTTP 500", 3); err != nil {
		t.Fatalf("DeadLetter: %v", err)
	}

	opts, err := goredis.ParseURL("redis://" + m.Addr())
	if err != nil {
		t.Fatalf("ParseURL: %v", err)
	}
	rdb := goredis.NewClient(opts)
	defer rdb.Close()

	msgs, err := rdb.XRange(ctx, "jobs:stream:dead", "-", "+").Result()
	if err != nil {
		t.Fatalf("XRange: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("dead entries: want 1, got %d", len(msgs))
	}
	values := msgs[0].Values
	if values["jobId"] != "job-dead" {
		t.Fatalf("jobId: got %v", values["jobId"])
	}
	if values["error"] != "generator returned HTTP 500" {
		t.Fatalf("error: got %v", values["error"])
	}
	if values["attempts"] != "3" {
		t.Fatalf("attempts: got %v", values["attempts"])
	}
	if values["deadlettered_at"] == "" {
		t.Fatalf("deadlettered_at missing")
	}
}

func TestJobQueueDefaultsConsumerName(t *testing.T) {
	m := miniredis.RunT(t)
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	t.Cleanup(log.Sync)

	q, err := NewJobQueue(log, QueueConfig{URL: "redis://" + m.Addr()})
	if err != nil {
		t.Fatalf("NewJobQueue: %v", err)
	}
	defer q.Close()
	if q.Consumer() == "" {
		t.Fatalf("consumer name should be defaulted")
	}

	// The block timeout must not stall an empty read forever.
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.EnsureGroup(context.Background())
		_, _ = q.Read(context.Background())
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("Read blocked past the configured timeout")
	}
}
