// Package jobqueue implements the JobQueue of spec.md §4.H: a durable,
// at-least-once queue of SyncJobs on top of Store's jobs collection, with
// conditional-update leasing, dedup-by-key enqueue, and backoff-retry nack.
// The Store-as-source-of-truth-plus-lightweight-in-memory-hint split
// mirrors the teacher's pkg/escalation split between Postgres rows and a
// Redis pub/sub hint: here a sync.Map of jobId->leaseExpiry short-circuits
// obviously-dead leases between round trips, but is never authoritative.
package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tsromanox/openfinance-sub003/pkg/clock"
	"github.com/tsromanox/openfinance-sub003/pkg/store"
)

// Kind is the job type, per spec.md §3.
type Kind string

const (
	KindAccountSync Kind = "ACCOUNT_SYNC"
	KindBalanceSync Kind = "BALANCE_SYNC"
	KindTxSync      Kind = "TX_SYNC"
	KindConsentSync Kind = "CONSENT_SYNC"
)

// Status is a job's lifecycle state, per spec.md §3.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusLeased  Status = "LEASED"
	StatusDone    Status = "DONE"
	StatusFailed  Status = "FAILED"
	StatusDead    Status = "DEAD"
)

// Lease is an exclusive, time-bounded claim on a job by a worker node.
type Lease struct {
	Node  string    `json:"node"`
	Until time.Time `json:"until"`
}

// Job is a SyncJob, spec.md §3.
type Job struct {
	JobID          string    `json:"jobId"`
	Kind           Kind      `json:"kind"`
	ConsentID      string    `json:"consentId"`
	AccountID      string    `json:"accountId,omitempty"`
	OrganisationID string    `json:"organisationId"`
	Priority       int       `json:"priority"`
	Attempts       int       `json:"attempts"`
	MaxAttempts    int       `json:"maxAttempts"`
	Status         Status    `json:"status"`
	Lease          *Lease    `json:"lease,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	RunID          string    `json:"runId"`

	// NextVisibleAt gates re-leasing after a nack with backoff; a job is
	// only a lease candidate once now >= NextVisibleAt.
	NextVisibleAt time.Time `json:"nextVisibleAt,omitempty"`
}

func dedupKey(kind Kind, consentID, accountID string) string {
	return fmt.Sprintf("%s:%s:%s", kind, consentID, accountID)
}

// Queue is the JobQueue.
type Queue struct {
	store store.Store
	clock clock.Clock

	liveness sync.Map // jobId -> lease-expiry time.Time hint, advisory only
}

// New constructs a Queue over an existing Store.
func New(st store.Store, clk clock.Clock) *Queue {
	return &Queue{store: st, clock: clk}
}

// Enqueue inserts a new job, or, if a non-terminal job already exists for
// (kind, consentId, accountId), raises its priority to max(old, new) and
// advances updatedAt instead of inserting a duplicate, per spec.md §4.H.
func (q *Queue) Enqueue(ctx context.Context, j Job) (string, error) {
	key := dedupKey(j.Kind, j.ConsentID, j.AccountID)
	existing, next, err := q.store.Query(ctx, store.CollectionJobs, store.Predicate{
		OrganisationID: j.OrganisationID,
		ExternalID:     key,
		StatusIn:       []string{string(StatusPending), string(StatusLeased)},
		ExcludeDeleted: true,
	}, 1, "")
	if err != nil {
		return "", fmt.Errorf("jobqueue: checking dedup for %s: %w", key, err)
	}
	_ = next

	if len(existing) > 0 {
		doc := existing[0]
		var cur Job
		if err := json.Unmarshal(doc.Payload, &cur); err != nil {
			return "", fmt.Errorf("jobqueue: decoding existing job %s: %w", doc.Key, err)
		}
		if j.Priority > cur.Priority {
			cur.Priority = j.Priority
		}
		cur.UpdatedAt = q.clock.Now()
		if err := q.put(ctx, cur, &doc.Version); err != nil {
			return "", err
		}
		return cur.JobID, nil
	}

	if j.JobID == "" {
		j.JobID = uuid.New().String()
	}
	if j.MaxAttempts == 0 {
		j.MaxAttempts = 5
	}
	j.Status = StatusPending
	now := q.clock.Now()
	j.CreatedAt = now
	j.UpdatedAt = now
	if err := q.put(ctx, j, nil); err != nil {
		return "", err
	}
	return j.JobID, nil
}

// Lease atomically transitions up to n PENDING jobs (highest priority,
// oldest first, and whose NextVisibleAt has passed) to LEASED with
// lease.until = now + duration. Jobs already locked by other nodes between
// the query and the conditional update are skipped, not blocked on.
func (q *Queue) Lease(ctx context.Context, n int, node string, duration time.Duration) ([]Job, error) {
	now := q.clock.Now()
	docs, _, err := q.store.Query(ctx, store.CollectionJobs, store.Predicate{
		Status:         string(StatusPending),
		ExcludeDeleted: true,
	}, n*3, "") // over-fetch: some candidates will lose the race or are not yet visible
	if err != nil {
		return nil, fmt.Errorf("jobqueue: querying lease candidates: %w", err)
	}

	leased := make([]Job, 0, n)
	for _, doc := range docs {
		if len(leased) >= n {
			break
		}
		var j Job
		if err := json.Unmarshal(doc.Payload, &j); err != nil {
			continue
		}
		if j.Status != StatusPending {
			continue
		}
		if !j.NextVisibleAt.IsZero() && j.NextVisibleAt.After(now) {
			continue
		}

		j.Status = StatusLeased
		j.Lease = &Lease{Node: node, Until: now.Add(duration)}
		j.UpdatedAt = now
		version := doc.Version
		if err := q.put(ctx, j, &version); err != nil {
			if err == store.ErrConflict {
				continue // another node won the race
			}
			return leased, err
		}
		q.liveness.Store(j.JobID, j.Lease.Until)
		leased = append(leased, j)
	}
	return leased, nil
}

// Ack marks a leased job DONE. A DONE job is never resurrected.
func (q *Queue) Ack(ctx context.Context, jobID, consentID, accountID string, kind Kind, organisationID string) error {
	return q.update(ctx, organisationID, dedupKey(kind, consentID, accountID), func(j *Job) error {
		j.Status = StatusDone
		j.Lease = nil
		return nil
	})
}

// Nack reports a job's failure. If retryable and attempts+1 < maxAttempts,
// the job returns to PENDING with attempts incremented and NextVisibleAt
// set by exponential backoff; otherwise it is marked DEAD, per spec.md §4.H.
func (q *Queue) Nack(ctx context.Context, jobID, consentID, accountID string, kind Kind, organisationID string, retryable bool) error {
	return q.update(ctx, organisationID, dedupKey(kind, consentID, accountID), func(j *Job) error {
		j.Attempts++
		if retryable && j.Attempts < j.MaxAttempts {
			j.Status = StatusPending
			j.Lease = nil
			j.NextVisibleAt = q.clock.Now().Add(clock.Backoff(j.Attempts, 500*time.Millisecond, time.Minute))
		} else {
			j.Status = StatusDead
			j.Lease = nil
		}
		return nil
	})
}

// RecoverExpiredLeases returns every LEASED job whose lease.until has
// passed back to PENDING without incrementing attempts, per spec.md §4.H.
// Intended to run on a background ticker.
func (q *Queue) RecoverExpiredLeases(ctx context.Context) (int, error) {
	now := q.clock.Now()
	recovered := 0
	pageToken := ""
	for {
		docs, next, err := q.store.Query(ctx, store.CollectionJobs, store.Predicate{
			Status:         string(StatusLeased),
			DueBefore:      &now,
			ExcludeDeleted: true,
		}, 200, pageToken)
		if err != nil {
			return recovered, fmt.Errorf("jobqueue: querying expired leases: %w", err)
		}
		for _, doc := range docs {
			var j Job
			if err := json.Unmarshal(doc.Payload, &j); err != nil {
				continue
			}
			if j.Lease == nil || j.Lease.Until.After(now) {
				continue
			}
			j.Status = StatusPending
			j.Lease = nil
			j.UpdatedAt = now
			version := doc.Version
			if err := q.put(ctx, j, &version); err == nil {
				q.liveness.Delete(j.JobID)
				recovered++
			}
		}
		if next == "" {
			return recovered, nil
		}
		pageToken = next
	}
}

func (q *Queue) update(ctx context.Context, organisationID, key string, mutate func(*Job) error) error {
	docs, _, err := q.store.Query(ctx, store.CollectionJobs, store.Predicate{
		OrganisationID: organisationID,
		ExternalID:     key,
		StatusIn:       []string{string(StatusLeased)},
		ExcludeDeleted: true,
	}, 1, "")
	if err != nil {
		return fmt.Errorf("jobqueue: looking up job %s: %w", key, err)
	}
	if len(docs) == 0 {
		return store.ErrNotFound
	}
	doc := docs[0]
	var j Job
	if err := json.Unmarshal(doc.Payload, &j); err != nil {
		return err
	}
	if err := mutate(&j); err != nil {
		return err
	}
	j.UpdatedAt = q.clock.Now()
	version := doc.Version
	return q.put(ctx, j, &version)
}

func (q *Queue) put(ctx context.Context, j Job, expectedVersion *int) error {
	raw, err := json.Marshal(j)
	if err != nil {
		return err
	}
	doc := store.Document{
		Partition:      j.OrganisationID,
		Key:            j.JobID,
		Payload:        raw,
		Status:         string(j.Status),
		OrganisationID: j.OrganisationID,
		ExternalID:     dedupKey(j.Kind, j.ConsentID, j.AccountID),
		Priority:       j.Priority,
		CreatedAt:      j.CreatedAt,
		UpdatedAt:      j.UpdatedAt,
	}
	if j.Lease != nil {
		doc.DueAt = j.Lease.Until
	}
	_, err = q.store.Upsert(ctx, store.CollectionJobs, doc, expectedVersion)
	return err
}
