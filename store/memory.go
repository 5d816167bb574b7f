// Package store provides TokenStore implementations for imagerouter.
//
// MemoryStore keeps records in process. The redis and postgres subpackages
// share state between gateway instances.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ineyio/imagerouter"
)

// MemoryStore is an in-memory TokenStore.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]imagerouter.TokenRecord
	cursor  imagerouter.Cursor
	// retired holds the next version for ids removed by Load, so a
	// re-added id never reuses a version seen before its removal.
	retired map[string]int64
}

var _ imagerouter.TokenStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]imagerouter.TokenRecord),
		retired: make(map[string]int64),
	}
}

// Load replaces the record set. Existing ids keep their runtime state.
func (s *MemoryStore) Load(_ context.Context, records []imagerouter.TokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]imagerouter.TokenRecord, len(records))
	for _, r := range records {
		if _, dup := next[r.ID]; dup {
			return fmt.Errorf("imagerouter/store: duplicate token id %q", r.ID)
		}
		r.Secret = ""
		if cur, ok := s.records[r.ID]; ok {
			merged := imagerouter.MergeConfig(cur, r)
			merged.Version = cur.Version + 1
			next[r.ID] = merged
			continue
		}
		r.Version = s.retired[r.ID]
		delete(s.retired, r.ID)
		next[r.ID] = r
	}
	for id, cur := range s.records {
		if _, ok := next[id]; !ok {
			s.retired[id] = cur.Version + 1
		}
	}
	s.records = next
	return nil
}

// Get returns the record for id.
func (s *MemoryStore) Get(_ context.Context, id string) (imagerouter.TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return imagerouter.TokenRecord{}, fmt.Errorf("%w: %s", imagerouter.ErrNotFound, id)
	}
	return r, nil
}

// CompareAndSwap stores next when the stored version equals expectedVersion.
func (s *MemoryStore) CompareAndSwap(_ context.Context, id string, expectedVersion int64, next imagerouter.TokenRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.records[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", imagerouter.ErrNotFound, id)
	}
	if cur.Version != expectedVersion {
		return false, nil
	}
	next.ID = id
	next.Secret = ""
	next.Version = expectedVersion + 1
	s.records[id] = next
	return true, nil
}

// ListEligible returns copies of the records accepted by keep, sorted by ID.
func (s *MemoryStore) ListEligible(_ context.Context, keep func(imagerouter.TokenRecord) bool) ([]imagerouter.TokenRecord, error) {
	s.mu.Lock()
	out := make([]imagerouter.TokenRecord, 0, len(s.records))
	for _, r := range s.records {
		if keep == nil || keep(r) {
			out = append(out, r)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Cursor returns the round-robin position.
func (s *MemoryStore) Cursor(_ context.Context) (imagerouter.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor, nil
}

// AdvanceCursor moves the round-robin position when expectedVersion matches.
func (s *MemoryStore) AdvanceCursor(_ context.Context, expectedVersion int64, position string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cursor.Version != expectedVersion {
		return false, nil
	}
	s.cursor = imagerouter.Cursor{Position: position, Version: expectedVersion + 1}
	return true, nil
}
