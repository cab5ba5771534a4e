// Package events implements the EventPublisher of spec.md §4.K: at-least-
// once delivery of domain events to a message bus, with a dead-letter
// fallback into Store's dlq collection. The async, buffered batch-writer
// shape (channel + periodic flush + drain-on-shutdown) is ported from the
// teacher's internal/audit.Writer; the transport is Redis Streams
// (XADD) instead of a Postgres INSERT, since spec.md's event topics are
// pub/sub fan-out, not a queryable audit trail.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tsromanox/openfinance-sub003/pkg/clock"
	"github.com/tsromanox/openfinance-sub003/pkg/store"
)

// Topic names, per spec.md §6's "Event topics" list.
const (
	TopicConsentEvents   = "consent-events"
	TopicAccountUpdates  = "account-updates"
	TopicBatchCompleted  = "batch-completed"
)

// DLQSuffix is appended to a topic to form its dead-letter topic name.
const DLQSuffix = "-dlq"

// Event is one envelope published to a topic. Key is the partition/grouping
// key the spec assigns per topic (consentId, accountId, runId).
type Event struct {
	Topic     string          `json:"topic"`
	Key       string          `json:"key"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

// ConsentStatusChanged is published whenever ConsentEngine transitions a
// consent's status (spec.md §4.G).
type ConsentStatusChanged struct {
	ConsentID      string `json:"consentId"`
	OrganisationID string `json:"organisationId"`
	FromStatus     string `json:"fromStatus"`
	ToStatus       string `json:"toStatus"`
}

// AccountSynced is published once per successful ACCOUNT_SYNC job.
type AccountSynced struct {
	OrganisationID string `json:"organisationId"`
	AccountID      string `json:"accountId"`
	RunID          string `json:"runId"`
	Outcome        string `json:"outcome"`
}

// BatchStarted is published when a Scheduler run is persisted.
type BatchStarted struct {
	RunID     string    `json:"runId"`
	StartedAt time.Time `json:"startedAt"`
}

// BatchCompleted is published once every job dispatched for a run has
// terminated, carrying the finalised RunReport counters.
type BatchCompleted struct {
	RunID            string `json:"runId"`
	TotalProcessed   int    `json:"totalProcessed"`
	TotalSuccess     int    `json:"totalSuccess"`
	TotalErrors      int    `json:"totalErrors"`
	TotalSkipped     int    `json:"totalSkipped"`
}

// Publisher is the contract every component that emits domain events
// depends on, passed as an explicit constructor parameter.
type Publisher interface {
	Publish(ctx context.Context, topic, key, eventType string, payload any) error
}

const (
	bufferSize    = 1024
	flushInterval = 2 * time.Second
	flushBatch    = 64
)

// RedisWriter is an async, buffered Publisher backed by Redis Streams
// (XADD). Publish never blocks the caller beyond a full-buffer drop into the
// dead-letter path. Each buffered event gets a single XADD attempt on
// flush; a failed XADD is not retried, and the event is written to the
// dlq collection instead.
type RedisWriter struct {
	rdb    *redis.Client
	store  store.Store
	clock  clock.Clock
	logger *slog.Logger

	entries chan Event
	wg      sync.WaitGroup
}

// NewRedisWriter constructs a RedisWriter. Call Start to begin flushing.
func NewRedisWriter(rdb *redis.Client, st store.Store, clk clock.Clock, logger *slog.Logger) *RedisWriter {
	return &RedisWriter{
		rdb:     rdb,
		store:   st,
		clock:   clk,
		logger:  logger,
		entries: make(chan Event, bufferSize),
	}
}

// Start begins the background flush loop in its own goroutine and returns
// immediately. The loop exits once ctx is cancelled and every buffered
// entry has been flushed or dead-lettered; Close waits for that.
func (w *RedisWriter) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Close waits for the flush loop to drain and exit.
func (w *RedisWriter) Close() { w.wg.Wait() }

// Publish enqueues an event for async delivery. It never blocks; if the
// buffer is full the event is written directly to the dead-letter
// collection and a warning is logged.
func (w *RedisWriter) Publish(ctx context.Context, topic, key, eventType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("events: marshalling %s payload: %w", eventType, err)
	}
	e := Event{Topic: topic, Key: key, Type: eventType, Payload: raw, CreatedAt: w.clock.Now()}

	select {
	case w.entries <- e:
		return nil
	default:
		w.logger.Warn("event buffer full, dead-lettering", "topic", topic, "type", eventType, "key", key)
		return w.deadLetter(ctx, e, fmt.Errorf("events: buffer full"))
	}
}

func (w *RedisWriter) run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, flushBatch)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flush(context.Background(), batch)
		batch = batch[:0]
	}

	for {
		select {
		case e, ok := <-w.entries:
			if !ok {
				flush()
				return
			}
			batch = append(batch, e)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case e, ok := <-w.entries:
					if !ok {
						flush()
						return
					}
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (w *RedisWriter) flush(ctx context.Context, batch []Event) {
	for _, e := range batch {
		values := map[string]any{
			"key":       e.Key,
			"type":      e.Type,
			"payload":   string(e.Payload),
			"createdAt": e.CreatedAt.Format(time.RFC3339Nano),
		}
		err := w.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: e.Topic,
			Values: values,
			MaxLen: 100_000,
			Approx: true,
		}).Err()
		if err != nil {
			w.logger.Error("publishing event to stream, dead-lettering", "topic", e.Topic, "type", e.Type, "error", err)
			if derr := w.deadLetter(ctx, e, err); derr != nil {
				w.logger.Error("dead-lettering event also failed, dropping", "topic", e.Topic, "type", e.Type, "error", derr)
			}
		}
	}
}

// deadLetter durably persists an undeliverable event into Store's dlq
// collection, keyed by topic+the event's original key.
func (w *RedisWriter) deadLetter(ctx context.Context, e Event, cause error) error {
	doc := store.Document{
		Partition:      e.Topic + DLQSuffix,
		Key:            fmt.Sprintf("%s:%d", e.Key, w.clock.Now().UnixNano()),
		OrganisationID: e.Key,
		Status:         "DEAD",
		CreatedAt:      w.clock.Now(),
		UpdatedAt:      w.clock.Now(),
	}
	body := struct {
		Event Event  `json:"event"`
		Cause string `json:"cause"`
	}{Event: e, Cause: cause.Error()}
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	doc.Payload = raw
	_, err = w.store.Upsert(ctx, store.CollectionDLQ, doc, nil)
	return err
}
