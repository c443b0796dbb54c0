package ingest

import (
	"errors"
	"strings"
	"testing"

	"github.com/kalambet/pharmarag/internal/retrieval"
)

func TestSubmit_EnqueuesOneJobPerChunk(t *testing.T) {
	store := openTestStore(t)
	content := strings.Repeat("a", 90) + "\n\n" + strings.Repeat("b", 90) + "\n\n" + strings.Repeat("c", 90)

	doc, err := NewSubmitter(store, 100).Submit(Document{Title: "Cleaning validation", Content: content, Tags: []string{"sop"}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if doc.Chunks != 3 {
		t.Errorf("Chunks = %d, want 3", doc.Chunks)
	}
	if doc.Collection != retrieval.CollectionDocumentation {
		t.Errorf("Collection = %q, want default documentation", doc.Collection)
	}

	stored, err := store.GetKnowledgeDoc(doc.ID)
	if err != nil {
		t.Fatalf("GetKnowledgeDoc: %v", err)
	}
	if stored.Title != "Cleaning validation" || stored.Tags != `["sop"]` {
		t.Errorf("stored = %+v", stored)
	}

	counts, err := store.JobCounts()
	if err != nil {
		t.Fatalf("JobCounts: %v", err)
	}
	if counts["pending"] != 3 {
		t.Errorf("pending jobs = %d, want 3", counts["pending"])
	}
}

func TestSubmit_Validation(t *testing.T) {
	store := openTestStore(t)
	s := NewSubmitter(store, 0)

	if _, err := s.Submit(Document{Content: "  \n\n "}); !errors.Is(err, ErrEmptyDocument) {
		t.Errorf("empty content: err = %v, want ErrEmptyDocument", err)
	}
	if _, err := s.Submit(Document{Content: "x", Collection: retrieval.CollectionDefect}); !errors.Is(err, ErrInvalidCollection) {
		t.Errorf("telemetry collection: err = %v, want ErrInvalidCollection", err)
	}
	doc, err := s.Submit(Document{Content: "Batch record template\nsecond line", Collection: retrieval.CollectionTemplates})
	if err != nil {
		t.Fatalf("templates: %v", err)
	}
	if doc.Title != "Batch record template second line" {
		t.Errorf("derived title = %q", doc.Title)
	}
	if doc.Tags != "[]" {
		t.Errorf("Tags = %q, want []", doc.Tags)
	}
}
