package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// StaticSource is a file-backed Source: it reads a JSON array of Entry
// values from disk once at construction and serves lookups from memory.
// It is meant as the bootstrap Source for deployments that seed their
// directory from a snapshot file rather than a live participants-directory
// API (the live client itself remains an out-of-scope collaborator).
type StaticSource struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewStaticSource loads entries from the JSON file at path.
func NewStaticSource(path string) (*StaticSource, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading directory snapshot %q: %w", path, err)
	}

	var list []Entry
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("parsing directory snapshot %q: %w", path, err)
	}

	entries := make(map[string]Entry, len(list))
	for _, e := range list {
		entries[e.OrganisationID] = e
	}

	return &StaticSource{entries: entries}, nil
}

// Lookup implements Source.
func (s *StaticSource) Lookup(_ context.Context, organisationID string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[organisationID]
	if !ok {
		return Entry{}, fmt.Errorf("directory: unknown organisation %q", organisationID)
	}
	return e, nil
}
