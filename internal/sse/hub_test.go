package sse

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/melodia-app/melodia-backend/internal/logger"
)

func testHub(t *testing.T) *SSEHub {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	t.Cleanup(log.Sync)
	return NewSSEHub(log)
}

func TestHubBroadcastReachesOnlySubscribedChannel(t *testing.T) {
	hub := testHub(t)
	jobID := uuid.New()

	subscriber := hub.NewSSEClient(uuid.New())
	bystander := hub.NewSSEClient(uuid.New())
	hub.AddChannel(subscriber, JobChannel(jobID))
	hub.AddChannel(bystander, JobChannel(uuid.New()))

	hub.Broadcast(SSEMessage{Channel: JobChannel(jobID), Event: SSEEventJobStatus, Data: "x"})

	select {
	case msg := <-subscriber.Outbound:
		if msg.Event != SSEEventJobStatus {
			t.Fatalf("event: got %s", msg.Event)
		}
	default:
		t.Fatalf("subscriber did not receive the broadcast")
	}
	select {
	case msg := <-bystander.Outbound:
		t.Fatalf("bystander received %+v", msg)
	default:
	}
}

func TestHubBroadcastDropsOnFullBuffer(t *testing.T) {
	hub := testHub(t)
	client := hub.NewSSEClient(uuid.New())
	channel := JobChannel(uuid.New())
	hub.AddChannel(client, channel)

	// One more than the buffer; the send must not block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < cap(client.Outbound)+1; i++ {
			hub.Broadcast(SSEMessage{Channel: channel, Event: SSEEventJobProgress, Data: i})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("broadcast blocked on a slow client")
	}
	if len(client.Outbound) != cap(client.Outbound) {
		t.Fatalf("buffered: want %d, got %d", cap(client.Outbound), len(client.Outbound))
	}
}

func TestHubRemoveClientDropsAllSubscriptions(t *testing.T) {
	hub := testHub(t)
	client := hub.NewSSEClient(uuid.New())
	ch1 := JobChannel(uuid.New())
	ch2 := UserChannel(client.UserID)
	hub.AddChannel(client, ch1)
	hub.AddChannel(client, ch2)

	hub.RemoveClient(client)

	hub.Broadcast(SSEMessage{Channel: ch1, Event: SSEEventJobStatus})
	hub.Broadcast(SSEMessage{Channel: ch2, Event: SSEEventJobStatus})
	select {
	case msg := <-client.Outbound:
		t.Fatalf("removed client received %+v", msg)
	default:
	}
}

func TestHubServeHTTPWritesEventFrames(t *testing.T) {
	hub := testHub(t)
	client := hub.NewSSEClient(uuid.New())
	jobID := uuid.New()
	hub.AddChannel(client, JobChannel(jobID))

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest("GET", "/sse/stream", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	served := make(chan struct{})
	go func() {
		defer close(served)
		hub.ServeHTTP(rec, req, client)
	}()

	hub.Broadcast(SSEMessage{
		Channel: JobChannel(jobID),
		Event:   SSEEventJobCompleted,
		Data:    map[string]string{"id": jobID.String()},
	})

	// Give the writer a moment to drain the outbound channel, then hang up.
	deadline := time.After(2 * time.Second)
	for len(client.Outbound) > 0 {
		select {
		case <-deadline:
			t.Fatalf("event was never drained")
		case <-time.After(10 * time.Millisecond):
		}
	}
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-served

	body := rec.Body.String()
	if !strings.Contains(body, "event: job:completed") {
		t.Fatalf("missing event frame, body: %q", body)
	}
	if !strings.Contains(body, jobID.String()) {
		t.Fatalf("missing payload, body: %q", body)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("content type: got %q", got)
	}
}
