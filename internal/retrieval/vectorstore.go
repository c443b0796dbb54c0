package retrieval

import (
	"context"
	"time"
)

// Well-known collections. Telemetry collections are named after their
// upstream source; documentation and templates hold reference text.
const (
	CollectionDefect        = "defect"
	CollectionQuality       = "quality"
	CollectionForecast      = "forecast"
	CollectionRLAction      = "rl_action"
	CollectionDocumentation = "documentation"
	CollectionTemplates     = "templates"
)

// TelemetryCollections are the collections subject to the retention window.
var TelemetryCollections = []string{
	CollectionDefect,
	CollectionQuality,
	CollectionForecast,
	CollectionRLAction,
}

// AllCollections lists every well-known collection.
var AllCollections = []string{
	CollectionDefect,
	CollectionQuality,
	CollectionForecast,
	CollectionRLAction,
	CollectionDocumentation,
	CollectionTemplates,
}

// VectorStore is the storage backend for embedding records, partitioned into
// named collections. Implementations must tolerate concurrent inserts and
// searches; records are never updated in place.
type VectorStore interface {
	// Insert adds records to the given collection.
	Insert(ctx context.Context, collection string, records []Record) error

	// Search returns up to topK records from collection ordered by cosine
	// similarity descending, ties broken by the newer CreatedAt.
	// An empty collection yields an empty result and no error.
	Search(ctx context.Context, collection string, vector []float32, topK int) ([]ScoredRecord, error)

	// DeleteOlderThan removes records created before cutoff and reports how
	// many were removed. Deleting from an empty collection is not an error.
	DeleteOlderThan(ctx context.Context, collection string, cutoff time.Time) (int, error)

	// Count returns the number of records in the given collection.
	Count(ctx context.Context, collection string) (int, error)

	// Collections lists the collections that currently hold records.
	Collections(ctx context.Context) ([]string, error)

	// Latest returns the most recently created record of collection, or nil
	// when the collection is empty.
	Latest(ctx context.Context, collection string) (*Record, error)
}

// Metadata is free-form string metadata stored alongside a record.
type Metadata map[string]string

// Record is one embedded text in the vector store.
type Record struct {
	ID         string
	Collection string
	Text       string
	Embedding  []float32
	Metadata   Metadata
	CreatedAt  time.Time
}

// ScoredRecord is a Record with a similarity score attached.
type ScoredRecord struct {
	Record
	Score float32
}

// better reports whether a ranks ahead of b: higher score first, then newer.
func better(a, b ScoredRecord) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.CreatedAt.After(b.CreatedAt)
}
