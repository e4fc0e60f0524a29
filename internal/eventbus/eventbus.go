// Copyright 2025 Newsloom Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package eventbus adapts redis streams into the durable, partitioned
// log the orchestrator dispatches work over: consumer groups own
// in-flight messages until they are acknowledged or reclaimed by id.
// Delivery is at-least-once; idempotency lives with the consumers.
package eventbus

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"
	"github.com/redis/go-redis/v9"
)

// ErrUnavailable indicates the bus could not be reached after bounded
// retries.
const ErrUnavailable = errors.ConstError("event bus unavailable")

// Stream names one partition of the orchestrator log.
type Stream string

const (
	Preloads      Stream = "preloads"
	InferenceJobs Stream = "inference_jobs"
	IngestEvents  Stream = "ingest_events"
	Control       Stream = "control"
	DLQ           Stream = "dlq"
)

// Key returns the redis key for the stream.
func (s Stream) Key() string {
	return "stream:orchestrator:" + string(s)
}

// Consumer group names follow the persisted layout contract.
const (
	GroupPreloadWorkers   = "cg:preloads:workers"
	GroupIngestWorkers    = "cg:ingest:workers"
	GroupInferenceWorkers = "cg:inference:workers"
)

// InferenceGroup returns the consumer group for one pool's inference
// workers.
func InferenceGroup(poolID string) string {
	return "cg:inference:pool-" + poolID
}

// Entry is the payload appended to a stream.
type Entry struct {
	JobID       string
	Type        string
	Payload     json.RawMessage
	Attempts    int
	OriginMsgID string
}

// Message is a delivered entry with its stream id.
type Message struct {
	ID string
	Entry
}

// PendingEntry describes an unacknowledged message in a consumer
// group.
type PendingEntry struct {
	ID         string
	Consumer   string
	Idle       time.Duration
	Deliveries int64
}

// Bus is the event bus adapter.
type Bus struct {
	client redis.UniversalClient
	clock  clock.Clock
}

// New returns a bus over an existing redis client.
func New(client redis.UniversalClient, clk clock.Clock) *Bus {
	return &Bus{client: client, clock: clk}
}

// Dial connects to redis and verifies reachability.
func Dial(ctx context.Context, addr string, clk clock.Clock) (*Bus, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	b := &Bus{client: client, clock: clk}
	if err := b.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, errors.Trace(err)
	}
	return b, nil
}

// Ping verifies the bus is reachable.
func (b *Bus) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return errors.Annotatef(ErrUnavailable, "%v", err)
	}
	return nil
}

// Close releases the underlying client.
func (b *Bus) Close() error {
	return errors.Trace(b.client.Close())
}

// Append adds the entry to the stream and returns its message id.
// Transient failures are retried with bounded backoff.
func (b *Bus) Append(ctx context.Context, stream Stream, e Entry) (string, error) {
	values := map[string]any{
		"job_id":   e.JobID,
		"type":     e.Type,
		"payload":  string(e.Payload),
		"attempts": strconv.Itoa(e.Attempts),
	}
	if e.OriginMsgID != "" {
		values["origin_msg_id"] = e.OriginMsgID
	}

	var id string
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			var err error
			id, err = b.client.XAdd(ctx, &redis.XAddArgs{
				Stream: stream.Key(),
				ID:     "*",
				Values: values,
			}).Result()
			return err
		},
		Attempts:    4,
		Delay:       25 * time.Millisecond,
		MaxDelay:    time.Second,
		BackoffFunc: retry.DoubleDelay,
		Clock:       b.clock,
		Stop:        ctx.Done(),
	})
	if err != nil {
		return "", errors.Annotatef(ErrUnavailable, "appending to %s: %v", stream, retryCause(err))
	}
	return id, nil
}

// EnsureGroup creates the consumer group, starting from the beginning
// of the stream if fromStart is set. An already-existing group is not
// an error.
func (b *Bus) EnsureGroup(ctx context.Context, stream Stream, group string, fromStart bool) error {
	start := "$"
	if fromStart {
		start = "0"
	}
	err := b.client.XGroupCreateMkStream(ctx, stream.Key(), group, start).Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return errors.Annotatef(err, "ensuring group %q on %s", group, stream)
	}
	return nil
}

// ReadGroup delivers up to count messages to the consumer, blocking at
// most block. Only never-delivered or explicitly reclaimed messages
// are returned. A timeout yields an empty slice.
func (b *Bus) ReadGroup(ctx context.Context, stream Stream, group, consumer string, count int64, block time.Duration) ([]Message, error) {
	streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream.Key(), ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Annotatef(err, "reading %s as %s/%s", stream, group, consumer)
	}

	var msgs []Message
	for _, s := range streams {
		for _, m := range s.Messages {
			msgs = append(msgs, decode(m))
		}
	}
	return msgs, nil
}

// Ack acknowledges messages for the group. Acknowledging an already
// acked or unknown id is a no-op.
func (b *Bus) Ack(ctx context.Context, stream Stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := b.client.XAck(ctx, stream.Key(), group, ids...).Err(); err != nil {
		return errors.Annotatef(err, "acking %v on %s", ids, stream)
	}
	return nil
}

// Pending returns the group's unacknowledged entries idle for at least
// the given duration.
func (b *Bus) Pending(ctx context.Context, stream Stream, group string, idle time.Duration, count int64) ([]PendingEntry, error) {
	ext, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream.Key(),
		Group:  group,
		Idle:   idle,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Annotatef(err, "inspecting pending on %s/%s", stream, group)
	}

	entries := make([]PendingEntry, 0, len(ext))
	for _, p := range ext {
		entries = append(entries, PendingEntry{
			ID:         p.ID,
			Consumer:   p.Consumer,
			Idle:       p.Idle,
			Deliveries: p.RetryCount,
		})
	}
	return entries, nil
}

// Reclaim transfers ownership of the given pending messages to the
// consumer, provided they have been idle at least minIdle.
func (b *Bus) Reclaim(ctx context.Context, stream Stream, group, consumer string, minIdle time.Duration, ids ...string) ([]Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	claimed, err := b.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream.Key(),
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Annotatef(err, "reclaiming %v on %s/%s", ids, stream, group)
	}

	msgs := make([]Message, 0, len(claimed))
	for _, m := range claimed {
		msgs = append(msgs, decode(m))
	}
	return msgs, nil
}

func decode(m redis.XMessage) Message {
	msg := Message{ID: m.ID}
	if v, ok := m.Values["job_id"].(string); ok {
		msg.JobID = v
	}
	if v, ok := m.Values["type"].(string); ok {
		msg.Type = v
	}
	if v, ok := m.Values["payload"].(string); ok && v != "" {
		msg.Payload = json.RawMessage(v)
	}
	if v, ok := m.Values["attempts"].(string); ok {
		if n, err := strconv.Atoi(v); err == nil {
			msg.Attempts = n
		}
	}
	if v, ok := m.Values["origin_msg_id"].(string); ok {
		msg.OriginMsgID = v
	}
	return msg
}

func retryCause(err error) error {
	if retry.IsAttemptsExceeded(err) || retry.IsDurationExceeded(err) {
		return retry.LastError(err)
	}
	return err
}
