package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/kalambet/pharmarag/internal/retrieval"
)

// Snapshot holds the latest successful observation per source. It is safe
// for concurrent use.
type Snapshot struct {
	mu     sync.RWMutex
	latest map[Source]Observation
}

// NewSnapshot returns an empty Snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{latest: make(map[Source]Observation)}
}

// Update records obs unless a newer observation for the same source is
// already held.
func (s *Snapshot) Update(obs Observation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.latest[obs.Source]; ok && prev.Timestamp.After(obs.Timestamp) {
		return
	}
	s.latest[obs.Source] = obs
}

// Latest returns the newest observation for src.
func (s *Snapshot) Latest(src Source) (Observation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obs, ok := s.latest[src]
	return obs, ok
}

// All returns a copy of every held observation keyed by source.
func (s *Snapshot) All() map[Source]Observation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[Source]Observation, len(s.latest))
	for k, v := range s.latest {
		out[k] = v
	}
	return out
}

// Freshness returns the timestamp of the newest observation per source.
func (s *Snapshot) Freshness() map[Source]time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[Source]time.Time, len(s.latest))
	for k, v := range s.latest {
		out[k] = v.Timestamp
	}
	return out
}

// Restore seeds the snapshot from the newest record of each source's
// collection, so a restarted process can render fallback reports before its
// first collection cycle. Records without a stored payload are skipped.
func (s *Snapshot) Restore(ctx context.Context, store retrieval.VectorStore, sources []Source) error {
	for _, src := range sources {
		rec, err := store.Latest(ctx, src.Collection())
		if err != nil {
			return fmt.Errorf("loading latest %s: %w", src, err)
		}
		if rec == nil {
			continue
		}
		raw, ok := rec.Metadata[metaPayload]
		if !ok {
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			return fmt.Errorf("decoding stored %s payload: %w", src, err)
		}
		s.Update(Observation{
			Source:    src,
			Timestamp: rec.CreatedAt,
			Payload:   payload,
			Text:      rec.Text,
		})
	}
	return nil
}
