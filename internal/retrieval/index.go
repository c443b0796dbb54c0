package retrieval

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/pharmarag/internal/metrics"
)

// EmbeddingError reports that the embedding provider could not produce a
// vector. Callers treat it as a transient dependency failure.
type EmbeddingError struct {
	Err error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embedding provider unavailable: %v", e.Err)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

// ContextItem is one retrieval result.
type ContextItem struct {
	ID         string
	Text       string
	Score      float32
	Collection string
	Timestamp  time.Time
	Metadata   Metadata
}

// Index couples an embedding Provider with a VectorStore so callers deal in
// text rather than vectors.
type Index struct {
	provider Provider
	store    VectorStore
	now      func() time.Time
}

// NewIndex creates an Index over store using provider for embeddings.
func NewIndex(provider Provider, store VectorStore) *Index {
	return &Index{provider: provider, store: store, now: time.Now}
}

// Store returns the underlying VectorStore.
func (ix *Index) Store() VectorStore { return ix.store }

// Embed embeds text, wrapping provider failures in *EmbeddingError.
func (ix *Index) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := ix.provider.Embed(ctx, text)
	if err != nil {
		return nil, &EmbeddingError{Err: err}
	}
	return vec, nil
}

// Insert embeds text and stores it in collection stamped with the current time.
func (ix *Index) Insert(ctx context.Context, collection, text string, metadata Metadata) (string, error) {
	return ix.InsertAt(ctx, collection, text, metadata, ix.now())
}

// InsertAt is Insert with an explicit creation time, used for observations
// that carry their own collection timestamp.
func (ix *Index) InsertAt(ctx context.Context, collection, text string, metadata Metadata, at time.Time) (string, error) {
	vec, err := ix.Embed(ctx, text)
	if err != nil {
		return "", err
	}

	id := uuid.New().String()
	if err := ix.store.Insert(ctx, collection, []Record{{
		ID:         id,
		Collection: collection,
		Text:       text,
		Embedding:  vec,
		Metadata:   metadata,
		CreatedAt:  at,
	}}); err != nil {
		return "", fmt.Errorf("storing record in %s: %w", collection, err)
	}
	metrics.VectorRecords.WithLabelValues(collection).Inc()
	return id, nil
}

// Entry is one text to index with its metadata.
type Entry struct {
	Text     string
	Metadata Metadata
}

// InsertBatch embeds entries concurrently and stores them in collection in a
// single write, all stamped with at. Nothing is stored when any embedding
// fails. It returns the record IDs in entry order.
func (ix *Index) InsertBatch(ctx context.Context, collection string, entries []Entry, at time.Time) ([]string, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	texts := make([]string, len(entries))
	for i, e := range entries {
		texts[i] = e.Text
	}
	vecs, err := EmbedBatch(ctx, ix.provider, texts)
	if err != nil {
		return nil, &EmbeddingError{Err: err}
	}

	ids := make([]string, len(entries))
	records := make([]Record, len(entries))
	for i, e := range entries {
		ids[i] = uuid.New().String()
		records[i] = Record{
			ID:         ids[i],
			Collection: collection,
			Text:       e.Text,
			Embedding:  vecs[i],
			Metadata:   e.Metadata,
			CreatedAt:  at,
		}
	}
	if err := ix.store.Insert(ctx, collection, records); err != nil {
		return nil, fmt.Errorf("storing %d records in %s: %w", len(records), collection, err)
	}
	metrics.VectorRecords.WithLabelValues(collection).Add(float64(len(records)))
	return ids, nil
}

// Query embeds text and returns up to k items from collection, best first.
// An empty collection yields an empty result.
func (ix *Index) Query(ctx context.Context, collection, text string, k int) ([]ContextItem, error) {
	vec, err := ix.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	return ix.QueryVector(ctx, collection, vec, k)
}

// QueryVector is Query with a precomputed query embedding.
func (ix *Index) QueryVector(ctx context.Context, collection string, vec []float32, k int) ([]ContextItem, error) {
	scored, err := ix.store.Search(ctx, collection, vec, k)
	if err != nil {
		return nil, fmt.Errorf("searching %s: %w", collection, err)
	}
	items := make([]ContextItem, 0, len(scored))
	for _, s := range scored {
		items = append(items, ContextItem{
			ID:         s.ID,
			Text:       s.Text,
			Score:      s.Score,
			Collection: collection,
			Timestamp:  s.CreatedAt,
			Metadata:   s.Metadata,
		})
	}
	return items, nil
}

// DeleteOlderThan removes records of collection created before cutoff.
// Repeating the call with the same cutoff removes nothing further.
func (ix *Index) DeleteOlderThan(ctx context.Context, collection string, cutoff time.Time) (int, error) {
	n, err := ix.store.DeleteOlderThan(ctx, collection, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.VectorRecords.WithLabelValues(collection).Sub(float64(n))
	}
	return n, nil
}

// Stats returns record counts for the given collections and refreshes the
// per-collection gauge.
func (ix *Index) Stats(ctx context.Context, collections []string) (map[string]int, error) {
	counts := make(map[string]int, len(collections))
	for _, c := range collections {
		n, err := ix.store.Count(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("counting %s: %w", c, err)
		}
		counts[c] = n
		metrics.VectorRecords.WithLabelValues(c).Set(float64(n))
	}
	return counts, nil
}
