package events

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/tsromanox/openfinance-sub003/pkg/clock"
	"github.com/tsromanox/openfinance-sub003/pkg/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPublishDeadLettersWhenBufferFull(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	clk := clock.NewMutable(time.Now())
	// Start is deliberately not called: nothing drains the buffered channel,
	// so filling it to capacity exercises the dead-letter fallback path
	// without needing a live Redis connection.
	w := NewRedisWriter(nil, st, clk, discardLogger())

	for i := 0; i < bufferSize; i++ {
		if err := w.Publish(ctx, TopicConsentEvents, "consent-1", "ConsentStatusChanged", ConsentStatusChanged{ConsentID: "consent-1"}); err != nil {
			t.Fatalf("Publish(%d): %v", i, err)
		}
	}

	if err := w.Publish(ctx, TopicConsentEvents, "consent-overflow", "ConsentStatusChanged", ConsentStatusChanged{ConsentID: "consent-overflow"}); err != nil {
		t.Fatalf("Publish(overflow): %v", err)
	}

	docs, _, err := st.Query(ctx, store.CollectionDLQ, store.Predicate{ExcludeDeleted: true}, 10, "")
	if err != nil {
		t.Fatalf("Query dlq: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("dlq has %d documents, want 1", len(docs))
	}
	if docs[0].Partition != TopicConsentEvents+DLQSuffix {
		t.Fatalf("dlq document partition = %q, want %q", docs[0].Partition, TopicConsentEvents+DLQSuffix)
	}
}

func TestPublishMarshalError(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	clk := clock.NewMutable(time.Now())
	w := NewRedisWriter(nil, st, clk, discardLogger())

	if err := w.Publish(ctx, TopicAccountUpdates, "k", "Broken", make(chan int)); err == nil {
		t.Fatal("Publish with an unmarshallable payload succeeded, want error")
	}
}
