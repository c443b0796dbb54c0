// Package ingest loads documentation, splits it into chunks and indexes the
// chunks through a persistent job queue.
package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/pharmarag/internal/retrieval"
	"github.com/kalambet/pharmarag/internal/storage"
)

// JobIndexDocument is the job type that indexes one document chunk.
const JobIndexDocument = "index_document"

var (
	// ErrEmptyDocument is returned when a document has no text.
	ErrEmptyDocument = errors.New("document has no content")
	// ErrInvalidCollection is returned for collections that do not hold
	// reference documents.
	ErrInvalidCollection = errors.New("collection does not accept documents")
)

// Document is a piece of reference material submitted for indexing.
type Document struct {
	Title string
	// Collection is CollectionDocumentation (the default) or
	// CollectionTemplates.
	Collection string
	Source     string
	Content    string
	Tags       []string
}

// DocStore persists documents and queues their indexing jobs.
type DocStore interface {
	SaveKnowledgeDoc(doc storage.KnowledgeDoc) error
	EnqueueJob(job storage.Job) error
}

// Submitter accepts documents for asynchronous indexing.
type Submitter struct {
	store     DocStore
	chunkSize int
	now       func() time.Time
}

// NewSubmitter creates a Submitter. If chunkSize <= 0, DefaultChunkSize is
// used.
func NewSubmitter(store DocStore, chunkSize int) *Submitter {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Submitter{store: store, chunkSize: chunkSize, now: time.Now}
}

type indexPayload struct {
	DocID      string `json:"doc_id"`
	ChunkIndex int    `json:"chunk_index"`
	Text       string `json:"text"`
}

// Submit saves doc and enqueues one index job per chunk. It returns the
// stored document row.
func (s *Submitter) Submit(doc Document) (storage.KnowledgeDoc, error) {
	collection := doc.Collection
	if collection == "" {
		collection = retrieval.CollectionDocumentation
	}
	if collection != retrieval.CollectionDocumentation && collection != retrieval.CollectionTemplates {
		return storage.KnowledgeDoc{}, fmt.Errorf("%w: %q", ErrInvalidCollection, collection)
	}
	chunks := Chunk(doc.Content, s.chunkSize)
	if len(chunks) == 0 {
		return storage.KnowledgeDoc{}, ErrEmptyDocument
	}

	tags := doc.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return storage.KnowledgeDoc{}, fmt.Errorf("encoding tags: %w", err)
	}
	title := strings.TrimSpace(doc.Title)
	if title == "" {
		title = firstLine(chunks[0])
	}

	row := storage.KnowledgeDoc{
		ID:         uuid.New().String(),
		Title:      title,
		Collection: collection,
		Source:     doc.Source,
		Content:    doc.Content,
		Tags:       string(tagsJSON),
		Chunks:     len(chunks),
		CreatedAt:  s.now().UTC(),
	}
	if err := s.store.SaveKnowledgeDoc(row); err != nil {
		return storage.KnowledgeDoc{}, fmt.Errorf("saving document: %w", err)
	}

	for i, text := range chunks {
		payload, err := json.Marshal(indexPayload{DocID: row.ID, ChunkIndex: i, Text: text})
		if err != nil {
			return row, fmt.Errorf("encoding job payload: %w", err)
		}
		if err := s.store.EnqueueJob(storage.Job{
			ID:          uuid.New().String(),
			Type:        JobIndexDocument,
			PayloadJSON: string(payload),
		}); err != nil {
			return row, fmt.Errorf("enqueuing chunk %d: %w", i, err)
		}
	}
	return row, nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	if r := []rune(line); len(r) > 80 {
		line = string(r[:80])
	}
	return strings.TrimSpace(line)
}
