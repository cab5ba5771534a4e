package directory

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/tsromanox/openfinance-sub003/pkg/cache"
	"github.com/tsromanox/openfinance-sub003/pkg/clock"
)

type fakeSource struct {
	mu      sync.Mutex
	entries map[string]Entry
	err     error
	calls   int
}

func (f *fakeSource) Lookup(_ context.Context, organisationID string) (Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return Entry{}, f.err
	}
	e, ok := f.entries[organisationID]
	if !ok {
		return Entry{}, errors.New("unknown organisation")
	}
	return e, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCachedResolverResolveCachesEntry(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{entries: map[string]Entry{
		"org-1": {OrganisationID: "org-1", BaseURL: "https://org1.example"},
	}}
	clk := clock.NewMutable(time.Now())
	r := NewCachedResolver(src, cache.NewMemory(clk.Now), clk, discardLogger(), time.Hour)

	entry, err := r.Resolve(ctx, "org-1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if entry.BaseURL != "https://org1.example" {
		t.Fatalf("Resolve returned %+v", entry)
	}

	if _, err := r.Resolve(ctx, "org-1"); err != nil {
		t.Fatalf("Resolve (cached): %v", err)
	}
	if src.calls != 1 {
		t.Fatalf("source Lookup called %d times, want 1 (second Resolve should hit cache)", src.calls)
	}
}

func TestCachedResolverServesStaleOnSourceDown(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{entries: map[string]Entry{
		"org-1": {OrganisationID: "org-1", BaseURL: "https://org1.example"},
	}}
	clk := clock.NewMutable(time.Now())
	ch := cache.NewMemory(clk.Now)
	r := NewCachedResolver(src, ch, clk, discardLogger(), time.Hour)

	if _, err := r.Resolve(ctx, "org-1"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	// Evict the cache entry directly so Resolve is forced back to the source,
	// then fail the source and expect the remembered stale entry instead.
	if err := ch.Evict(ctx, cacheKey("org-1")); err != nil {
		t.Fatalf("Evict: %v", err)
	}
	src.mu.Lock()
	src.err = errors.New("directory unreachable")
	src.mu.Unlock()

	clk.Advance(30 * time.Minute)
	entry, err := r.Resolve(ctx, "org-1")
	if err != nil {
		t.Fatalf("Resolve (stale fallback): %v", err)
	}
	if entry.BaseURL != "https://org1.example" {
		t.Fatalf("Resolve (stale fallback) = %+v, want stale entry", entry)
	}
}

func TestCachedResolverErrorsWhenStaleWindowExpired(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{entries: map[string]Entry{
		"org-1": {OrganisationID: "org-1", BaseURL: "https://org1.example"},
	}}
	clk := clock.NewMutable(time.Now())
	ch := cache.NewMemory(clk.Now)
	r := NewCachedResolver(src, ch, clk, discardLogger(), time.Hour)

	if _, err := r.Resolve(ctx, "org-1"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := ch.Evict(ctx, cacheKey("org-1")); err != nil {
		t.Fatalf("Evict: %v", err)
	}

	src.mu.Lock()
	src.err = errors.New("directory unreachable")
	src.mu.Unlock()
	clk.Advance(2 * time.Hour)

	if _, err := r.Resolve(ctx, "org-1"); err == nil {
		t.Fatal("Resolve past the stale window succeeded, want error")
	}
}

func TestCachedResolverRefreshAll(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{entries: map[string]Entry{
		"org-1": {OrganisationID: "org-1", BaseURL: "https://v1.example"},
	}}
	clk := clock.NewMutable(time.Now())
	r := NewCachedResolver(src, cache.NewMemory(clk.Now), clk, discardLogger(), time.Hour)

	if _, err := r.Resolve(ctx, "org-1"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	src.mu.Lock()
	src.entries["org-1"] = Entry{OrganisationID: "org-1", BaseURL: "https://v2.example"}
	src.mu.Unlock()

	r.RefreshAll(ctx)

	entry, err := r.Resolve(ctx, "org-1")
	if err != nil {
		t.Fatalf("Resolve after RefreshAll: %v", err)
	}
	if entry.BaseURL != "https://v2.example" {
		t.Fatalf("Resolve after RefreshAll = %+v, want updated entry", entry)
	}
}
