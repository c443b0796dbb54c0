// Package api exposes report generation, knowledge management and data
// collection over HTTP and MCP. Both surfaces share one service layer.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/pharmarag/internal/collector"
	"github.com/kalambet/pharmarag/internal/ingest"
	"github.com/kalambet/pharmarag/internal/pipeline"
	"github.com/kalambet/pharmarag/internal/report"
	"github.com/kalambet/pharmarag/internal/retrieval"
	"github.com/kalambet/pharmarag/internal/storage"
)

const (
	defaultSearchK    = 5
	maxSearchK        = 50
	defaultHistory    = 20
	maxHistory        = 100
	defaultKeepDays   = 30
	maxDocumentLength = 10 << 20
)

// errInvalidRequest marks caller mistakes; both surfaces report them as
// client errors.
var errInvalidRequest = errors.New("invalid request")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errInvalidRequest, fmt.Sprintf(format, args...))
}

func isClientError(err error) bool {
	return errors.Is(err, errInvalidRequest) ||
		errors.Is(err, report.ErrInvalidReportType) ||
		errors.Is(err, ingest.ErrEmptyDocument) ||
		errors.Is(err, ingest.ErrInvalidCollection)
}

// ReportGenerator produces reports.
type ReportGenerator interface {
	Generate(ctx context.Context, req report.Request) (*report.Report, error)
}

// ReportHistory reads stored reports.
type ReportHistory interface {
	GetReport(id string) (storage.ReportRecord, error)
	RecentReports(reportType string, limit int) ([]storage.ReportRecord, error)
}

// KnowledgeIndex searches, counts and expires vector records.
type KnowledgeIndex interface {
	Query(ctx context.Context, collection, text string, k int) ([]retrieval.ContextItem, error)
	Stats(ctx context.Context, collections []string) (map[string]int, error)
	DeleteOlderThan(ctx context.Context, collection string, cutoff time.Time) (int, error)
}

// DataCollector fetches fresh observations on demand.
type DataCollector interface {
	CollectAll(ctx context.Context, sources []collector.Source) ([]collector.Observation, map[collector.Source]error)
}

// SnapshotView is the latest observation per source.
type SnapshotView interface {
	All() map[collector.Source]collector.Observation
	Freshness() map[collector.Source]time.Time
}

// DocSubmitter queues reference documents for indexing.
type DocSubmitter interface {
	Submit(doc ingest.Document) (storage.KnowledgeDoc, error)
}

// JobCounter reports indexing queue depth by status.
type JobCounter interface {
	JobCounts() (map[string]int, error)
}

// Deps holds the services behind the HTTP and MCP surfaces.
type Deps struct {
	Reports   ReportGenerator
	History   ReportHistory
	Index     KnowledgeIndex
	Collector DataCollector
	Snapshot  SnapshotView
	Docs      DocSubmitter
	Jobs      JobCounter // optional
	// Token protects /api/* when non-empty.
	Token  string
	Logger *slog.Logger
	Now    func() time.Time
}

type service struct {
	Deps
}

func newService(deps Deps) *service {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &service{Deps: deps}
}

func (s *service) generate(ctx context.Context, req report.Request) (*report.Report, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, invalid("query is required")
	}
	return s.Reports.Generate(ctx, req)
}

func (s *service) recent(reportType string, limit int) ([]*report.Report, error) {
	if reportType != "" {
		t, err := report.ParseReportType(reportType)
		if err != nil {
			return nil, err
		}
		reportType = string(t)
	}
	recs, err := s.History.RecentReports(reportType, clamp(limit, defaultHistory, maxHistory))
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	out := make([]*report.Report, 0, len(recs))
	for _, rec := range recs {
		rep, err := pipeline.ReportFromRecord(rec)
		if err != nil {
			s.Logger.Warn("api: skipping unreadable history record", "id", rec.ID, "error", err)
			continue
		}
		out = append(out, rep)
	}
	return out, nil
}

func (s *service) report(id string) (*report.Report, error) {
	rec, err := s.History.GetReport(id)
	if err != nil {
		return nil, err
	}
	return pipeline.ReportFromRecord(rec)
}

type knowledgeStatus struct {
	Collections map[string]int       `json:"collections"`
	Freshness   map[string]time.Time `json:"freshness"`
	Jobs        map[string]int       `json:"jobs,omitempty"`
}

func (s *service) status(ctx context.Context) (knowledgeStatus, error) {
	counts, err := s.Index.Stats(ctx, retrieval.AllCollections)
	if err != nil {
		return knowledgeStatus{}, err
	}
	st := knowledgeStatus{Collections: counts, Freshness: map[string]time.Time{}}
	for src, at := range s.Snapshot.Freshness() {
		st.Freshness[string(src)] = at
	}
	if s.Jobs != nil {
		if st.Jobs, err = s.Jobs.JobCounts(); err != nil {
			return knowledgeStatus{}, fmt.Errorf("counting jobs: %w", err)
		}
	}
	return st, nil
}

type searchResult struct {
	ID         string             `json:"id"`
	Collection string             `json:"collection"`
	Text       string             `json:"text"`
	Score      float32            `json:"score"`
	Timestamp  time.Time          `json:"timestamp"`
	Metadata   retrieval.Metadata `json:"metadata,omitempty"`
}

func (s *service) search(ctx context.Context, query, collection string, k int) ([]searchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, invalid("query is required")
	}
	if collection == "" {
		collection = retrieval.CollectionDocumentation
	}
	if !knownCollection(collection) {
		return nil, invalid("unknown collection %q", collection)
	}
	items, err := s.Index.Query(ctx, collection, query, clamp(k, defaultSearchK, maxSearchK))
	if err != nil {
		return nil, err
	}
	out := make([]searchResult, len(items))
	for i, it := range items {
		out[i] = searchResult{
			ID:         it.ID,
			Collection: it.Collection,
			Text:       it.Text,
			Score:      it.Score,
			Timestamp:  it.Timestamp,
			Metadata:   it.Metadata,
		}
	}
	return out, nil
}

type cleanupResult struct {
	Cutoff  time.Time      `json:"cutoff"`
	Removed map[string]int `json:"removed"`
}

func (s *service) cleanup(ctx context.Context, daysToKeep int) (cleanupResult, error) {
	if daysToKeep < 0 {
		return cleanupResult{}, invalid("days_to_keep must not be negative")
	}
	if daysToKeep == 0 {
		daysToKeep = defaultKeepDays
	}
	retention := time.Duration(daysToKeep) * 24 * time.Hour
	now := s.Now()
	removed, err := collector.Cleanup(ctx, s.Index, retention, now)
	if err != nil {
		return cleanupResult{}, err
	}
	return cleanupResult{Cutoff: now.Add(-retention).UTC(), Removed: removed}, nil
}

type observationView struct {
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

func viewOf(o collector.Observation) observationView {
	return observationView{Source: string(o.Source), Timestamp: o.Timestamp, Payload: o.Payload}
}

type collectResult struct {
	Collected []observationView `json:"collected"`
	Errors    map[string]string `json:"errors,omitempty"`
}

func (s *service) collect(ctx context.Context, names []string) (collectResult, error) {
	sources, err := collector.ParseSources(names)
	if err != nil {
		return collectResult{}, invalid("%v", err)
	}
	obs, errs := s.Collector.CollectAll(ctx, sources)
	res := collectResult{Collected: make([]observationView, len(obs))}
	for i, o := range obs {
		res.Collected[i] = viewOf(o)
	}
	if len(errs) > 0 {
		res.Errors = make(map[string]string, len(errs))
		for src, e := range errs {
			res.Errors[string(src)] = e.Error()
		}
	}
	return res, nil
}

func (s *service) latest() map[string]observationView {
	all := s.Snapshot.All()
	out := make(map[string]observationView, len(all))
	for src, o := range all {
		out[string(src)] = viewOf(o)
	}
	return out
}

type documentRequest struct {
	Title      string   `json:"title"`
	Content    string   `json:"content"`
	Collection string   `json:"collection"`
	Source     string   `json:"source"`
	Tags       []string `json:"tags"`
}

type documentResponse struct {
	ID         string `json:"id"`
	Collection string `json:"collection"`
	Chunks     int    `json:"chunks"`
	Status     string `json:"status"`
}

func (s *service) addDocumentation(req documentRequest) (documentResponse, error) {
	if len(req.Content) > maxDocumentLength {
		return documentResponse{}, invalid("content exceeds %d bytes", maxDocumentLength)
	}
	doc, err := s.Docs.Submit(ingest.Document{
		Title:      req.Title,
		Collection: req.Collection,
		Source:     req.Source,
		Content:    req.Content,
		Tags:       req.Tags,
	})
	if err != nil {
		return documentResponse{}, err
	}
	return documentResponse{ID: doc.ID, Collection: doc.Collection, Chunks: doc.Chunks, Status: "queued"}, nil
}

func knownCollection(name string) bool {
	for _, c := range retrieval.AllCollections {
		if c == name {
			return true
		}
	}
	return false
}

func clamp(v, def, limit int) int {
	if v <= 0 {
		return def
	}
	if v > limit {
		return limit
	}
	return v
}
