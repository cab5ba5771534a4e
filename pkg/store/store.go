// Package store implements the partitioned document store of spec.md §4.B:
// a durable key/partition store for consents, accounts, balances,
// transactions, jobs, and runs, with conditional (optimistic-version)
// upserts and paged queries. It is backed by Postgres (jackc/pgx/v5,
// the teacher's driver), one physical table per collection, each storing
// its document as jsonb alongside a handful of indexed scalar columns so
// that Query predicates can be pushed down to SQL instead of scanning JSON
// in process.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Collection names, matching spec.md §6's persisted state layout.
const (
	CollectionConsents          = "consents"
	CollectionConsentExtensions = "consent_extensions"
	CollectionAccounts          = "accounts"
	CollectionBalances          = "balances"
	CollectionLimits            = "limits"
	CollectionTransactions      = "transactions"
	CollectionJobs              = "jobs"
	CollectionRuns              = "runs"
	CollectionDLQ               = "dlq"
)

// ErrConflict is returned by Upsert when expectedVersion does not match the
// document's current version.
var ErrConflict = errors.New("store: version conflict")

// ErrNotFound is returned by Get when the document is absent or soft-deleted.
var ErrNotFound = errors.New("store: not found")

// Document is one row: a partitioned, versioned, JSON payload plus the
// indexed scalar columns used for predicate push-down.
type Document struct {
	Partition string
	Key       string
	Version   int
	Payload   json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time

	// Indexed projects used by Query predicates. Not every collection uses
	// every field; each writer (pkg/consent, pkg/account's Repository,
	// pkg/jobqueue) fills in the fields its own entity is queried by.
	Status         string
	OrganisationID string
	ExternalID     string
	Priority       int
	DueAt          time.Time
}

// Predicate filters a Query. Zero-value fields are not applied. Combine
// fields with logical AND; there is no OR in this simple contract.
type Predicate struct {
	Partition        string // exact match, optional (query across all partitions if empty)
	Status           string
	StatusIn         []string
	OrganisationID   string
	ExternalID       string
	DueBefore        *time.Time
	ExcludeDeleted   bool
	OrderByDueAtDesc bool
}

// Store is the contract every domain package (consent, account, jobqueue)
// depends on. Pass it as an explicit constructor parameter, never reach for
// a package-level singleton (Design Notes §9).
type Store interface {
	// Upsert conditionally writes doc into collection at (partition, key).
	// expectedVersion == nil means "insert if absent, fail if present".
	// A mismatched version (including "doc already exists" when nil was
	// passed) returns ErrConflict.
	Upsert(ctx context.Context, collection string, doc Document, expectedVersion *int) (newVersion int, err error)

	// Get fetches one document. Returns ErrNotFound if absent or soft-deleted.
	Get(ctx context.Context, collection, partition, key string) (Document, error)

	// Query pages over a collection's documents matching pred, ordered
	// deterministically (priority descending, then created_at, then key), or
	// by (due_at descending, key) when OrderByDueAtDesc is set.
	Query(ctx context.Context, collection string, pred Predicate, limit int, pageToken string) (docs []Document, nextPageToken string, err error)

	// Delete soft-deletes a document (sets deleted_at); physical removal is
	// left to SweepRetention.
	Delete(ctx context.Context, collection, partition, key string) error

	// SweepRetention physically deletes documents past their collection's
	// retention window as of now. Returns the number of rows removed.
	SweepRetention(ctx context.Context, now time.Time) (deleted int, err error)
}

// Retention returns the retention window for a collection given a document's
// status and expiry, per spec.md §4.B: REJECTED/REVOKED consents live 1 day;
// others follow min(expiresAt+30d, defaultTTL). Accounts share their
// consent's partition and TTL.
func Retention(status string, expiresAt *time.Time, defaultTTL time.Duration) time.Duration {
	switch status {
	case "REJECTED", "REVOKED":
		return 24 * time.Hour
	}
	if expiresAt == nil {
		return defaultTTL
	}
	extended := 30 * 24 * time.Hour
	if defaultTTL < extended {
		return defaultTTL
	}
	return extended
}

func fmtCollectionErr(collection string, err error) error {
	return fmt.Errorf("store: collection %q: %w", collection, err)
}
