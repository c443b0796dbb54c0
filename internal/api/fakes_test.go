package api

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/pharmarag/internal/collector"
	"github.com/kalambet/pharmarag/internal/ingest"
	"github.com/kalambet/pharmarag/internal/pipeline"
	"github.com/kalambet/pharmarag/internal/report"
	"github.com/kalambet/pharmarag/internal/retrieval"
	"github.com/kalambet/pharmarag/internal/storage"
)

var testNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type mockGenerator struct {
	generateFn func(ctx context.Context, req report.Request) (*report.Report, error)
}

func (m *mockGenerator) Generate(ctx context.Context, req report.Request) (*report.Report, error) {
	if m.generateFn != nil {
		return m.generateFn(ctx, req)
	}
	if _, err := report.ParseReportType(string(req.ReportType)); err != nil {
		return nil, err
	}
	return &report.Report{
		ID:             "rep-1",
		Title:          req.ReportType.Title(),
		Content:        "# " + req.ReportType.Title() + "\n",
		ReportType:     req.ReportType,
		GeneratedAt:    testNow,
		Mode:           report.ModeFallback,
		SourcesUsed:    []report.SourceRef{},
		FallbackReason: report.ReasonNoContext,
	}, nil
}

// memHistory keeps records in insertion order, newest last.
type memHistory struct {
	mu   sync.Mutex
	recs []storage.ReportRecord
}

func (h *memHistory) add(t *testing.T, query string, rep *report.Report) {
	t.Helper()
	rec, err := pipeline.RecordFromReport(query, rep)
	if err != nil {
		t.Fatalf("RecordFromReport: %v", err)
	}
	h.mu.Lock()
	h.recs = append(h.recs, rec)
	h.mu.Unlock()
}

func (h *memHistory) GetReport(id string) (storage.ReportRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range h.recs {
		if r.ID == id {
			return r, nil
		}
	}
	return storage.ReportRecord{}, storage.ErrNotFound
}

func (h *memHistory) RecentReports(reportType string, limit int) ([]storage.ReportRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []storage.ReportRecord
	for i := len(h.recs) - 1; i >= 0 && len(out) < limit; i-- {
		if reportType == "" || h.recs[i].ReportType == reportType {
			out = append(out, h.recs[i])
		}
	}
	return out, nil
}

type mockIndex struct {
	queryFn   func(ctx context.Context, collection, text string, k int) ([]retrieval.ContextItem, error)
	counts    map[string]int
	deleted   map[string]time.Time
	deleteErr error
}

func (m *mockIndex) Query(ctx context.Context, collection, text string, k int) ([]retrieval.ContextItem, error) {
	if m.queryFn != nil {
		return m.queryFn(ctx, collection, text, k)
	}
	return nil, nil
}

func (m *mockIndex) Stats(_ context.Context, collections []string) (map[string]int, error) {
	out := make(map[string]int, len(collections))
	for _, c := range collections {
		out[c] = m.counts[c]
	}
	return out, nil
}

func (m *mockIndex) DeleteOlderThan(_ context.Context, collection string, cutoff time.Time) (int, error) {
	if m.deleteErr != nil {
		return 0, m.deleteErr
	}
	if m.deleted == nil {
		m.deleted = make(map[string]time.Time)
	}
	m.deleted[collection] = cutoff
	return 1, nil
}

type mockCollector struct {
	got  []collector.Source
	fail map[collector.Source]bool
}

func (m *mockCollector) CollectAll(_ context.Context, sources []collector.Source) ([]collector.Observation, map[collector.Source]error) {
	m.got = sources
	var obs []collector.Observation
	errs := make(map[collector.Source]error)
	for _, src := range sources {
		if m.fail[src] {
			errs[src] = fmt.Errorf("%s: connection refused", src)
			continue
		}
		obs = append(obs, collector.Observation{
			Source:    src,
			Timestamp: testNow,
			Payload:   map[string]any{"confidence": 0.9},
		})
	}
	return obs, errs
}

type staticSnapshot map[collector.Source]collector.Observation

func (s staticSnapshot) All() map[collector.Source]collector.Observation { return s }

func (s staticSnapshot) Freshness() map[collector.Source]time.Time {
	out := make(map[collector.Source]time.Time, len(s))
	for src, o := range s {
		out[src] = o.Timestamp
	}
	return out
}

type mockSubmitter struct {
	got []ingest.Document
}

func (m *mockSubmitter) Submit(doc ingest.Document) (storage.KnowledgeDoc, error) {
	if doc.Content == "" {
		return storage.KnowledgeDoc{}, ingest.ErrEmptyDocument
	}
	if doc.Collection == "" {
		doc.Collection = retrieval.CollectionDocumentation
	}
	if doc.Collection != retrieval.CollectionDocumentation && doc.Collection != retrieval.CollectionTemplates {
		return storage.KnowledgeDoc{}, fmt.Errorf("%w: %s", ingest.ErrInvalidCollection, doc.Collection)
	}
	m.got = append(m.got, doc)
	return storage.KnowledgeDoc{ID: "doc-1", Title: doc.Title, Collection: doc.Collection, Chunks: 2}, nil
}

type fixture struct {
	deps      Deps
	history   *memHistory
	index     *mockIndex
	collector *mockCollector
	docs      *mockSubmitter
}

func newFixture() *fixture {
	f := &fixture{
		history:   &memHistory{},
		index:     &mockIndex{counts: map[string]int{retrieval.CollectionDocumentation: 11}},
		collector: &mockCollector{},
		docs:      &mockSubmitter{},
	}
	f.deps = Deps{
		Reports:   &mockGenerator{},
		History:   f.history,
		Index:     f.index,
		Collector: f.collector,
		Snapshot: staticSnapshot{
			collector.SourceDefect: {Source: collector.SourceDefect, Timestamp: testNow, Payload: map[string]any{"defect_probability": 0.022}},
		},
		Docs: f.docs,
		Now:  func() time.Time { return testNow },
	}
	return f
}
