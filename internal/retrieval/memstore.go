package retrieval

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

var _ VectorStore = (*MemoryStore)(nil)

// MemoryStore is an in-process VectorStore. Data lives only as long as the
// process does.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string][]Record
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string][]Record)}
}

func (m *MemoryStore) Insert(_ context.Context, collection string, records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.collections[collection]
	seen := make(map[string]struct{}, len(existing))
	for _, r := range existing {
		seen[r.ID] = struct{}{}
	}
	for _, r := range records {
		if _, dup := seen[r.ID]; dup {
			return fmt.Errorf("inserting record %s: duplicate id", r.ID)
		}
		seen[r.ID] = struct{}{}
		r.Collection = collection
		if r.CreatedAt.IsZero() {
			r.CreatedAt = time.Now()
		}
		r.Embedding = append([]float32(nil), r.Embedding...)
		existing = append(existing, r)
	}
	m.collections[collection] = existing
	return nil
}

func (m *MemoryStore) Search(_ context.Context, collection string, vector []float32, topK int) ([]ScoredRecord, error) {
	if topK <= 0 {
		return nil, nil
	}
	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	m.mu.RLock()
	records := m.collections[collection]
	scored := make([]ScoredRecord, 0, len(records))
	for _, r := range records {
		scored = append(scored, ScoredRecord{Record: r, Score: dotProduct(vector, r.Embedding, queryNorm)})
	}
	m.mu.RUnlock()

	sort.SliceStable(scored, func(i, j int) bool { return better(scored[i], scored[j]) })
	if len(scored) > topK {
		scored = scored[:topK]
	}
	if len(scored) == 0 {
		return nil, nil
	}
	return scored, nil
}

func (m *MemoryStore) DeleteOlderThan(_ context.Context, collection string, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	records := m.collections[collection]
	kept := records[:0]
	removed := 0
	for _, r := range records {
		if r.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	if len(kept) == 0 {
		delete(m.collections, collection)
	} else {
		m.collections[collection] = kept
	}
	return removed, nil
}

func (m *MemoryStore) Count(_ context.Context, collection string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.collections[collection]), nil
}

func (m *MemoryStore) Collections(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.collections))
	for name, records := range m.collections {
		if len(records) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemoryStore) Latest(_ context.Context, collection string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *Record
	for i := range m.collections[collection] {
		r := &m.collections[collection][i]
		if latest == nil || r.CreatedAt.After(latest.CreatedAt) {
			latest = r
		}
	}
	if latest == nil {
		return nil, nil
	}
	out := *latest
	return &out, nil
}
