// Package directory implements the DirectoryResolver of spec.md §4.D: it
// maps an organisationId to the transmitter's base URL, auth URL, and
// supported API families, with a lazy-on-miss / eager-on-schedule refresh
// cached in pkg/cache. The participants-directory HTTP client itself is an
// out-of-scope collaborator (spec.md §1) — it is modelled here as the
// pluggable Source port.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tsromanox/openfinance-sub003/pkg/cache"
	"github.com/tsromanox/openfinance-sub003/pkg/clock"
)

// Entry describes one holder institution's transmitter endpoints.
type Entry struct {
	OrganisationID    string   `json:"organisationId"`
	BaseURL           string   `json:"baseUrl"`
	AuthURL           string   `json:"authUrl"`
	SupportedFamilies []string `json:"supportedFamilies"`
}

// Source is the out-of-scope participants-directory client, described only
// by interface per spec.md §1.
type Source interface {
	Lookup(ctx context.Context, organisationID string) (Entry, error)
}

// Resolver is the contract TokenProvider and TransmitterClient depend on.
type Resolver interface {
	Resolve(ctx context.Context, organisationID string) (Entry, error)
}

// CachedResolver lazily refreshes on cache miss and eagerly refreshes on a
// fixed interval (default 2h per spec.md's Open Question resolution); stale
// reads are served for up to one previous refresh interval if Source is down.
type CachedResolver struct {
	source   Source
	cache    cache.Cache
	clock    clock.Clock
	logger   *slog.Logger
	interval time.Duration

	mu    sync.Mutex
	stale map[string]staleEntry
}

type staleEntry struct {
	entry      Entry
	refreshedAt time.Time
}

// NewCachedResolver constructs a CachedResolver. interval <= 0 defaults to 2h.
func NewCachedResolver(source Source, c cache.Cache, clk clock.Clock, logger *slog.Logger, interval time.Duration) *CachedResolver {
	if interval <= 0 {
		interval = 2 * time.Hour
	}
	return &CachedResolver{
		source:   source,
		cache:    c,
		clock:    clk,
		logger:   logger,
		interval: interval,
		stale:    make(map[string]staleEntry),
	}
}

func cacheKey(organisationID string) string {
	return "directory:" + organisationID
}

// Resolve returns the cached entry if fresh, otherwise refreshes lazily.
func (r *CachedResolver) Resolve(ctx context.Context, organisationID string) (Entry, error) {
	key := cacheKey(organisationID)
	if raw, ok, err := r.cache.Get(ctx, key); err == nil && ok {
		var e Entry
		if jerr := json.Unmarshal(raw, &e); jerr == nil {
			return e, nil
		}
	}

	entry, err := r.source.Lookup(ctx, organisationID)
	if err != nil {
		r.mu.Lock()
		stale, ok := r.stale[organisationID]
		r.mu.Unlock()
		if ok && r.clock.Now().Sub(stale.refreshedAt) <= r.interval {
			r.logger.Warn("directory lookup failed, serving stale entry",
				"organisation_id", organisationID, "error", err)
			return stale.entry, nil
		}
		return Entry{}, fmt.Errorf("directory: resolving %s: %w", organisationID, err)
	}

	r.remember(organisationID, entry)
	return entry, nil
}

// RefreshAll eagerly re-fetches every organisation currently held in the
// stale/fresh set, intended to be called by a scheduled ticker.
func (r *CachedResolver) RefreshAll(ctx context.Context) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.stale))
	for id := range r.stale {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		entry, err := r.source.Lookup(ctx, id)
		if err != nil {
			r.logger.Error("directory scheduled refresh failed", "organisation_id", id, "error", err)
			continue
		}
		r.remember(id, entry)
	}
}

// Run starts the scheduled refresh loop, blocking until ctx is cancelled.
func (r *CachedResolver) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RefreshAll(ctx)
		}
	}
}

func (r *CachedResolver) remember(organisationID string, entry Entry) {
	raw, _ := json.Marshal(entry)
	_ = r.cache.Put(context.Background(), cacheKey(organisationID), raw, r.interval)
	r.mu.Lock()
	r.stale[organisationID] = staleEntry{entry: entry, refreshedAt: r.clock.Now()}
	r.mu.Unlock()
}
