package jobqueue

import (
	"context"
	"testing"
	"time"

	"github.com/tsromanox/openfinance-sub003/pkg/clock"
	"github.com/tsromanox/openfinance-sub003/pkg/store"
)

func TestEnqueueDedupRaisesPriority(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMutable(time.Now())
	q := New(store.NewMemory(), clk)

	id1, err := q.Enqueue(ctx, Job{Kind: KindAccountSync, ConsentID: "c1", OrganisationID: "org-1", Priority: 1})
	if err != nil {
		t.Fatalf("Enqueue(first): %v", err)
	}

	id2, err := q.Enqueue(ctx, Job{Kind: KindAccountSync, ConsentID: "c1", OrganisationID: "org-1", Priority: 5})
	if err != nil {
		t.Fatalf("Enqueue(dedup): %v", err)
	}
	if id1 != id2 {
		t.Fatalf("Enqueue(dedup) returned a new job id %q, want the existing %q", id2, id1)
	}

	leased, err := q.Lease(ctx, 10, "node-1", time.Minute)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if len(leased) != 1 {
		t.Fatalf("leased %d jobs, want 1 (dedup must not create a second row)", len(leased))
	}
	if leased[0].Priority != 5 {
		t.Fatalf("leased job priority = %d, want 5 (raised by the dedup enqueue)", leased[0].Priority)
	}
}

func TestLeaseSkipsAlreadyLeasedAndNotYetVisibleJobs(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMutable(time.Now())
	q := New(store.NewMemory(), clk)

	if _, err := q.Enqueue(ctx, Job{Kind: KindAccountSync, ConsentID: "c1", OrganisationID: "org-1"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	leased, err := q.Lease(ctx, 10, "node-1", time.Minute)
	if err != nil {
		t.Fatalf("Lease(first): %v", err)
	}
	if len(leased) != 1 {
		t.Fatalf("Lease(first) leased %d jobs, want 1", len(leased))
	}

	again, err := q.Lease(ctx, 10, "node-2", time.Minute)
	if err != nil {
		t.Fatalf("Lease(second): %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("Lease(second) leased %d jobs, want 0 (already leased)", len(again))
	}
}

func TestAckMarksJobDone(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMutable(time.Now())
	q := New(store.NewMemory(), clk)

	if _, err := q.Enqueue(ctx, Job{Kind: KindAccountSync, ConsentID: "c1", OrganisationID: "org-1"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	leased, err := q.Lease(ctx, 1, "node-1", time.Minute)
	if err != nil || len(leased) != 1 {
		t.Fatalf("Lease: %v, %d jobs", err, len(leased))
	}

	if err := q.Ack(ctx, leased[0].JobID, "c1", "", KindAccountSync, "org-1"); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	docs, _, err := q.store.Query(ctx, store.CollectionJobs, store.Predicate{ExcludeDeleted: true, OrganisationID: "org-1"}, 10, "")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(docs) != 1 || docs[0].Status != string(StatusDone) {
		t.Fatalf("job status = %v, want DONE", docs)
	}
}

func TestNackRetriesThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMutable(time.Now())
	q := New(store.NewMemory(), clk)

	if _, err := q.Enqueue(ctx, Job{Kind: KindAccountSync, ConsentID: "c1", OrganisationID: "org-1", MaxAttempts: 2}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	leased, err := q.Lease(ctx, 1, "node-1", time.Minute)
	if err != nil || len(leased) != 1 {
		t.Fatalf("Lease: %v", err)
	}
	if err := q.Nack(ctx, leased[0].JobID, "c1", "", KindAccountSync, "org-1", true); err != nil {
		t.Fatalf("Nack(retryable): %v", err)
	}

	docs, _, err := q.store.Query(ctx, store.CollectionJobs, store.Predicate{ExcludeDeleted: true, OrganisationID: "org-1"}, 10, "")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if docs[0].Status != string(StatusPending) {
		t.Fatalf("status after first retryable Nack = %s, want PENDING", docs[0].Status)
	}

	clk.Advance(time.Minute)
	leased, err = q.Lease(ctx, 1, "node-1", time.Minute)
	if err != nil || len(leased) != 1 {
		t.Fatalf("Lease(second attempt): %v, %d jobs", err, len(leased))
	}
	if err := q.Nack(ctx, leased[0].JobID, "c1", "", KindAccountSync, "org-1", true); err != nil {
		t.Fatalf("Nack(final): %v", err)
	}

	docs, _, err = q.store.Query(ctx, store.CollectionJobs, store.Predicate{ExcludeDeleted: true, OrganisationID: "org-1"}, 10, "")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if docs[0].Status != string(StatusDead) {
		t.Fatalf("status after exhausting MaxAttempts = %s, want DEAD", docs[0].Status)
	}
}

func TestRecoverExpiredLeases(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMutable(time.Now())
	q := New(store.NewMemory(), clk)

	if _, err := q.Enqueue(ctx, Job{Kind: KindAccountSync, ConsentID: "c1", OrganisationID: "org-1"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := q.Lease(ctx, 1, "node-1", time.Minute); err != nil {
		t.Fatalf("Lease: %v", err)
	}

	clk.Advance(2 * time.Minute)
	recovered, err := q.RecoverExpiredLeases(ctx)
	if err != nil {
		t.Fatalf("RecoverExpiredLeases: %v", err)
	}
	if recovered != 1 {
		t.Fatalf("RecoverExpiredLeases recovered %d, want 1", recovered)
	}

	docs, _, err := q.store.Query(ctx, store.CollectionJobs, store.Predicate{ExcludeDeleted: true, OrganisationID: "org-1"}, 10, "")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if docs[0].Status != string(StatusPending) {
		t.Fatalf("status after lease expiry recovery = %s, want PENDING", docs[0].Status)
	}
}
