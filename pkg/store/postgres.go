package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is the production Store, one physical table per collection.
// Queries are hand-written (no sqlc-generated Queries type), following the
// same raw pgx.Pool/QueryRow/Scan pattern the teacher uses throughout its
// own store files.
type Postgres struct {
	pool       *pgxpool.Pool
	defaultTTL time.Duration
}

// NewPostgres wraps an existing connection pool. defaultTTL bounds the
// retention window for collections whose documents never set expiresAt.
func NewPostgres(pool *pgxpool.Pool, defaultTTL time.Duration) *Postgres {
	if defaultTTL <= 0 {
		defaultTTL = 180 * 24 * time.Hour
	}
	return &Postgres{pool: pool, defaultTTL: defaultTTL}
}

func validCollection(c string) bool {
	switch c {
	case CollectionConsents, CollectionConsentExtensions, CollectionAccounts,
		CollectionBalances, CollectionLimits, CollectionTransactions, CollectionJobs, CollectionRuns, CollectionDLQ:
		return true
	}
	return false
}

func (p *Postgres) Upsert(ctx context.Context, collection string, doc Document, expectedVersion *int) (int, error) {
	if !validCollection(collection) {
		return 0, fmtCollectionErr(collection, errors.New("unknown collection"))
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var currentVersion int
	var deletedAt *time.Time
	row := tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT version, deleted_at FROM %s WHERE partition_key=$1 AND doc_key=$2 FOR UPDATE`, collection),
		doc.Partition, doc.Key)
	err = row.Scan(&currentVersion, &deletedAt)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if expectedVersion != nil {
			return 0, ErrConflict
		}
		newVersion := 1
		_, err = tx.Exec(ctx, fmt.Sprintf(`
			INSERT INTO %s (partition_key, doc_key, version, payload, status, organisation_id,
				external_id, priority, due_at, created_at, updated_at, deleted_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10,NULL)`, collection),
			doc.Partition, doc.Key, newVersion, doc.Payload, doc.Status, doc.OrganisationID,
			doc.ExternalID, doc.Priority, nullableTime(doc.DueAt), doc.CreatedAt)
		if err != nil {
			return 0, fmt.Errorf("store: insert into %s: %w", collection, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return 0, fmt.Errorf("store: commit: %w", err)
		}
		return newVersion, nil
	case err != nil:
		return 0, fmt.Errorf("store: reading current version from %s: %w", collection, err)
	}

	if expectedVersion == nil || *expectedVersion != currentVersion {
		return 0, ErrConflict
	}

	newVersion := currentVersion + 1
	_, err = tx.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET version=$1, payload=$2, status=$3, organisation_id=$4, external_id=$5,
			priority=$6, due_at=$7, updated_at=$8, deleted_at=NULL
		WHERE partition_key=$9 AND doc_key=$10`, collection),
		newVersion, doc.Payload, doc.Status, doc.OrganisationID, doc.ExternalID,
		doc.Priority, nullableTime(doc.DueAt), doc.UpdatedAt, doc.Partition, doc.Key)
	if err != nil {
		return 0, fmt.Errorf("store: updating %s: %w", collection, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("store: commit: %w", err)
	}
	return newVersion, nil
}

func (p *Postgres) Get(ctx context.Context, collection, partition, key string) (Document, error) {
	if !validCollection(collection) {
		return Document{}, fmtCollectionErr(collection, errors.New("unknown collection"))
	}
	row := p.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT partition_key, doc_key, version, payload, status, organisation_id, external_id,
			priority, due_at, created_at, updated_at, deleted_at
		FROM %s WHERE partition_key=$1 AND doc_key=$2 AND deleted_at IS NULL`, collection),
		partition, key)
	doc, err := scanDoc(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("store: get from %s: %w", collection, err)
	}
	return doc, nil
}

func (p *Postgres) Query(ctx context.Context, collection string, pred Predicate, limit int, pageToken string) ([]Document, string, error) {
	if !validCollection(collection) {
		return nil, "", fmtCollectionErr(collection, errors.New("unknown collection"))
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if pred.ExcludeDeleted {
		where = append(where, "deleted_at IS NULL")
	}
	if pred.Partition != "" {
		where = append(where, "partition_key = "+arg(pred.Partition))
	}
	if pred.Status != "" {
		where = append(where, "status = "+arg(pred.Status))
	}
	if len(pred.StatusIn) > 0 {
		ors := make([]string, 0, len(pred.StatusIn))
		for _, s := range pred.StatusIn {
			ors = append(ors, "status = "+arg(s))
		}
		where = append(where, "("+strings.Join(ors, " OR ")+")")
	}
	if pred.OrganisationID != "" {
		where = append(where, "organisation_id = "+arg(pred.OrganisationID))
	}
	if pred.ExternalID != "" {
		where = append(where, "external_id = "+arg(pred.ExternalID))
	}
	if pred.DueBefore != nil {
		where = append(where, "due_at < "+arg(*pred.DueBefore))
	}

	offset := 0
	if pageToken != "" {
		var err error
		offset, err = decodePageToken(pageToken)
		if err != nil {
			return nil, "", fmt.Errorf("store: invalid page token: %w", err)
		}
	}

	order := "ORDER BY priority DESC, created_at ASC, doc_key ASC"
	if pred.OrderByDueAtDesc {
		order = "ORDER BY due_at DESC, doc_key ASC"
	}

	whereClause := ""
	if len(where) > 0 {
		whereClause = "WHERE " + strings.Join(where, " AND ")
	}

	query := fmt.Sprintf(`
		SELECT partition_key, doc_key, version, payload, status, organisation_id, external_id,
			priority, due_at, created_at, updated_at, deleted_at
		FROM %s %s %s LIMIT %s OFFSET %s`, collection, whereClause, order, arg(limit+1), arg(offset))

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("store: querying %s: %w", collection, err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		doc, err := scanDocRows(rows)
		if err != nil {
			return nil, "", fmt.Errorf("store: scanning %s row: %w", collection, err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("store: iterating %s: %w", collection, err)
	}

	next := ""
	if len(docs) > limit {
		docs = docs[:limit]
		next = encodePageToken(offset + limit)
	}
	return docs, next, nil
}

func (p *Postgres) Delete(ctx context.Context, collection, partition, key string) error {
	if !validCollection(collection) {
		return fmtCollectionErr(collection, errors.New("unknown collection"))
	}
	tag, err := p.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET deleted_at = now() WHERE partition_key=$1 AND doc_key=$2 AND deleted_at IS NULL`, collection),
		partition, key)
	if err != nil {
		return fmt.Errorf("store: deleting from %s: %w", collection, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SweepRetention physically removes rows whose soft-delete or terminal
// retention window has elapsed, per spec.md §4.B. Consents/accounts compute
// their window from (status, due_at-as-expiry); jobs/runs/dlq use a flat
// window since they carry no regulatory retention requirement.
func (p *Postgres) SweepRetention(ctx context.Context, now time.Time) (int, error) {
	total := 0
	for _, collection := range []string{CollectionConsents, CollectionAccounts, CollectionConsentExtensions} {
		for _, status := range []string{"REJECTED", "REVOKED"} {
			cutoff := now.Add(-24 * time.Hour)
			tag, err := p.pool.Exec(ctx, fmt.Sprintf(
				`DELETE FROM %s WHERE status=$1 AND updated_at < $2`, collection), status, cutoff)
			if err != nil {
				return total, fmt.Errorf("store: sweeping %s/%s: %w", collection, status, err)
			}
			total += int(tag.RowsAffected())
		}
		// non-REJECTED/REVOKED rows retain for min(expiresAt+30d, defaultTTL);
		// the expiresAt argument only needs to be non-nil to select that
		// branch of Retention, since due_at itself is applied as the SQL cutoff.
		anyExpiry := now
		window := Retention("", &anyExpiry, p.defaultTTL)
		cutoff := now.Add(-window)
		tag, err := p.pool.Exec(ctx, fmt.Sprintf(
			`DELETE FROM %s WHERE status NOT IN ('REJECTED','REVOKED') AND due_at IS NOT NULL AND due_at < $1`, collection),
			cutoff)
		if err != nil {
			return total, fmt.Errorf("store: sweeping %s default ttl: %w", collection, err)
		}
		total += int(tag.RowsAffected())
	}
	for _, collection := range []string{CollectionJobs, CollectionRuns, CollectionDLQ} {
		cutoff := now.Add(-p.defaultTTL)
		tag, err := p.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE created_at < $1`, collection), cutoff)
		if err != nil {
			return total, fmt.Errorf("store: sweeping %s: %w", collection, err)
		}
		total += int(tag.RowsAffected())
	}
	return total, nil
}

func scanDoc(row pgx.Row) (Document, error) {
	var d Document
	var dueAt, deletedAt *time.Time
	var payload json.RawMessage
	err := row.Scan(&d.Partition, &d.Key, &d.Version, &payload, &d.Status, &d.OrganisationID,
		&d.ExternalID, &d.Priority, &dueAt, &d.CreatedAt, &d.UpdatedAt, &deletedAt)
	if err != nil {
		return Document{}, err
	}
	d.Payload = payload
	if dueAt != nil {
		d.DueAt = *dueAt
	}
	d.DeletedAt = deletedAt
	return d, nil
}

func scanDocRows(rows pgx.Rows) (Document, error) {
	var d Document
	var dueAt, deletedAt *time.Time
	var payload json.RawMessage
	err := rows.Scan(&d.Partition, &d.Key, &d.Version, &payload, &d.Status, &d.OrganisationID,
		&d.ExternalID, &d.Priority, &dueAt, &d.CreatedAt, &d.UpdatedAt, &deletedAt)
	if err != nil {
		return Document{}, err
	}
	d.Payload = payload
	if dueAt != nil {
		d.DueAt = *dueAt
	}
	d.DeletedAt = deletedAt
	return d, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func encodePageToken(offset int) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.Itoa(offset)))
}

func decodePageToken(token string) (int, error) {
	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(string(b))
}
