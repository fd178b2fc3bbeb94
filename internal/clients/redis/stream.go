// Package redis wraps the Redis Streams job queue and the pub/sub event bus
// shared by the API and the orchestrator worker pool.
//
// The job queue uses a consumer group so each stream entry is delivered to
// exactly one consumer at a time; entries left pending past the claim
// threshold are recovered with XAUTOCLAIM. Terminal failures land on a
// separate dead-letter stream.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/melodia-app/melodia-backend/internal/logger"
	"github.com/melodia-app/melodia-backend/internal/utils"
)

// StreamEntry is the wire form of a queued generation job.
type StreamEntry struct {
	JobID      string
	Narrative  string
	Duration   int
	Generator  string
	Model      string
	Options    string // serialized JSON, forwarded verbatim
	RequestID  string
	RetryCount int
}

// JobMessage pairs a parsed entry with its broker-assigned id for ack.
type JobMessage struct {
	MessageID string
	Entry     StreamEntry
}

type QueueConfig struct {
	URL        string
	Stream     string
	DeadStream string
	Group      string
	Consumer   string
	BlockMs    int
}

func QueueConfigFromEnv(log *logger.Logger) QueueConfig {
	stream := utils.GetEnv("JOBS_STREAM", "jobs:stream", log)
	return QueueConfig{
		URL:        utils.GetEnv("REDIS_URL", "redis://localhost:6379", log),
		Stream:     stream,
		DeadStream: stream + ":dead",
		Group:      utils.GetEnv("JOBS_GROUP", "orchestrators", log),
		Consumer:   utils.GetEnv("JOBS_CONSUMER", "", log),
		BlockMs:    utils.GetEnvAsInt("JOBS_BLOCK_MS", 5000, log),
	}
}

type JobQueue struct {
	log *logger.Logger
	rdb *goredis.Client
	cfg QueueConfig
}

func NewJobQueue(log *logger.Logger, cfg QueueConfig) (*JobQueue, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if cfg.Stream == "" {
		cfg.Stream = "jobs:stream"
	}
	if cfg.DeadStream == "" {
		cfg.DeadStream = cfg.Stream + ":dead"
	}
	if cfg.Group == "" {
		cfg.Group = "orchestrators"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "orchestrator-" + strconv.FormatInt(time.Now().UnixNano()%1_000_000, 10)
	}
	if cfg.BlockMs <= 0 {
		cfg.BlockMs = 5000
	}

	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := goredis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &JobQueue{
		log: log.With("client", "JobQueue", "stream", cfg.Stream),
		rdb: rdb,
		cfg: cfg,
	}, nil
}

// EnsureGroup creates the consumer group, tolerating an existing one.
func (q *JobQueue) EnsureGroup(ctx context.Context) error {
	err := q.rdb.XGroupCreateMkStream(ctx, q.cfg.Stream, q.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

func (q *JobQueue) Enqueue(ctx context.Context, e StreamEntry) (string, error) {
	id, err := q.rdb.XAdd(ctx, &goredis.XAddArgs{
		Stream: q.cfg.Stream,
		Values: entryValues(e),
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}
	return id, nil
}

// Read blocks up to the configured timeout for the next undelivered entry.
// Returns nil when no entry arrived.
func (q *JobQueue) Read(ctx context.Context) (*JobMessage, error) {
	streams, err := q.rdb.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		Streams:  []string{q.cfg.Stream, ">"},
		Count:    1,
		Block:    time.Duration(q.cfg.BlockMs) * time.Millisecond,
	}).Result()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, nil
	}
	return parseMessage(streams[0].Messages[0]), nil
}

// Claim transfers entries pending longer than minIdle to this consumer so
// work from a crashed worker is re-dispatched.
func (q *JobQueue) Claim(ctx context.Context, minIdle time.Duration, count int) ([]*JobMessage, error) {
	if count <= 0 {
		count = 10
	}
	msgs, _, err := q.rdb.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
		Stream:   q.cfg.Stream,
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    int64(count),
	}).Result()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("xautoclaim: %w", err)
	}
	out := make([]*JobMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, parseMessage(m))
	}
	return out, nil
}

func (q *JobQueue) Ack(ctx context.Context, messageID string) error {
	return q.rdb.XAck(ctx, q.cfg.Stream, q.cfg.Group, messageID).Err()
}

// DeadLetter appends the exhausted entry to the dead stream.
func (q *JobQueue) DeadLetter(ctx context.Context, e StreamEntry, errMsg string, attempts int) error {
	values := entryValues(e)
	values["error"] = errMsg
	values["attempts"] = attempts
	values["deadlettered_at"] = time.Now().UTC().Format(time.RFC3339)
	err := q.rdb.XAdd(ctx, &goredis.XAddArgs{
		Stream: q.cfg.DeadStream,
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd dead letter: %w", err)
	}
	return nil
}

func (q *JobQueue) PendingCount(ctx context.Context) (int64, error) {
	info, err := q.rdb.XPending(ctx, q.cfg.Stream, q.cfg.Group).Result()
	if err != nil {
		if err == goredis.Nil {
			return 0, nil
		}
		return 0, err
	}
	return info.Count, nil
}

func (q *JobQueue) Consumer() string { return q.cfg.Consumer }

func (q *JobQueue) Close() error {
	if q == nil || q.rdb == nil {
		return nil
	}
	return q.rdb.Close()
}

func entryValues(e StreamEntry) map[string]interface{} {
	values := map[string]interface{}{
		"jobId":     e.JobID,
		"narrative": e.Narrative,
		"duration":  e.Duration,
		"generator": e.Generator,
		"requestId": e.RequestID,
	}
	if e.Model != "" {
		values["model"] = e.Model
	}
	if e.Options != "" {
		values["options"] = e.Options
	}
	if e.RetryCount > 0 {
		values["retryCount"] = e.RetryCount
	}
	return values
}

func parseMessage(msg goredis.XMessage) *JobMessage {
	e := StreamEntry{
		JobID:     stringValue(msg.Values, "jobId"),
		Narrative: stringValue(msg.Values, "narrative"),
		Generator: stringValue(msg.Values, "generator"),
		Model:     stringValue(msg.Values, "model"),
		Options:   stringValue(msg.Values, "options"),
		RequestID: stringValue(msg.Values, "requestId"),
	}
	e.Duration, _ = strconv.Atoi(stringValue(msg.Values, "duration"))
	e.RetryCount, _ = strconv.Atoi(stringValue(msg.Values, "retryCount"))
	return &JobMessage{MessageID: msg.ID, Entry: e}
}

func stringValue(values map[string]interface{}, key string) string {
	if v, ok := values[key].(string); ok {
		return v
	}
	return ""
}
