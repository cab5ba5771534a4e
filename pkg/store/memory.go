package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process fake Store used by unit tests across the
// consent/account/jobqueue packages. It implements the same optimistic-
// version semantics as Postgres without requiring a database.
type Memory struct {
	mu   sync.Mutex
	data map[string]map[string]Document // collection -> partition|key -> doc
}

// NewMemory returns an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]map[string]Document)}
}

func memKey(partition, key string) string { return partition + "\x00" + key }

func (m *Memory) Upsert(_ context.Context, collection string, doc Document, expectedVersion *int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	coll, ok := m.data[collection]
	if !ok {
		coll = make(map[string]Document)
		m.data[collection] = coll
	}

	existing, found := coll[memKey(doc.Partition, doc.Key)]
	switch {
	case !found:
		if expectedVersion != nil {
			return 0, ErrConflict
		}
		doc.Version = 1
		coll[memKey(doc.Partition, doc.Key)] = doc
		return 1, nil
	case expectedVersion == nil || *expectedVersion != existing.Version:
		return 0, ErrConflict
	}

	doc.Version = existing.Version + 1
	coll[memKey(doc.Partition, doc.Key)] = doc
	return doc.Version, nil
}

func (m *Memory) Get(_ context.Context, collection, partition, key string) (Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	coll, ok := m.data[collection]
	if !ok {
		return Document{}, ErrNotFound
	}
	doc, ok := coll[memKey(partition, key)]
	if !ok || doc.DeletedAt != nil {
		return Document{}, ErrNotFound
	}
	return doc, nil
}

func (m *Memory) Query(_ context.Context, collection string, pred Predicate, limit int, pageToken string) ([]Document, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}

	var all []Document
	for _, doc := range m.data[collection] {
		if pred.ExcludeDeleted && doc.DeletedAt != nil {
			continue
		}
		if pred.Partition != "" && doc.Partition != pred.Partition {
			continue
		}
		if pred.Status != "" && doc.Status != pred.Status {
			continue
		}
		if len(pred.StatusIn) > 0 && !contains(pred.StatusIn, doc.Status) {
			continue
		}
		if pred.OrganisationID != "" && doc.OrganisationID != pred.OrganisationID {
			continue
		}
		if pred.ExternalID != "" && doc.ExternalID != pred.ExternalID {
			continue
		}
		if pred.DueBefore != nil && !doc.DueAt.Before(*pred.DueBefore) {
			continue
		}
		all = append(all, doc)
	}

	sort.Slice(all, func(i, j int) bool {
		if pred.OrderByDueAtDesc {
			return all[i].DueAt.After(all[j].DueAt)
		}
		if all[i].Priority != all[j].Priority {
			return all[i].Priority > all[j].Priority
		}
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.Before(all[j].CreatedAt)
		}
		return all[i].Key < all[j].Key
	})

	offset := 0
	if pageToken != "" {
		var err error
		offset, err = decodePageToken(pageToken)
		if err != nil {
			return nil, "", err
		}
	}
	if offset > len(all) {
		offset = len(all)
	}
	end := offset + limit
	next := ""
	if end < len(all) {
		next = encodePageToken(end)
	} else {
		end = len(all)
	}
	return all[offset:end], next, nil
}

func (m *Memory) Delete(_ context.Context, collection, partition, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	coll, ok := m.data[collection]
	if !ok {
		return ErrNotFound
	}
	doc, ok := coll[memKey(partition, key)]
	if !ok || doc.DeletedAt != nil {
		return ErrNotFound
	}
	now := time.Now().UTC()
	doc.DeletedAt = &now
	coll[memKey(partition, key)] = doc
	return nil
}

func (m *Memory) SweepRetention(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deleted := 0
	for name, coll := range m.data {
		for k, doc := range coll {
			if doc.DeletedAt != nil && now.Sub(*doc.DeletedAt) > 24*time.Hour {
				delete(coll, k)
				deleted++
			}
		}
		m.data[name] = coll
	}
	return deleted, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
