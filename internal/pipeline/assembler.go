// Package pipeline assembles reports: it retrieves context, asks the language
// model for a report and falls back to templates whenever that path cannot
// finish in time or produces an unusable answer.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/pharmarag/internal/collector"
	"github.com/kalambet/pharmarag/internal/composer"
	"github.com/kalambet/pharmarag/internal/llm"
	"github.com/kalambet/pharmarag/internal/metrics"
	"github.com/kalambet/pharmarag/internal/report"
	"github.com/kalambet/pharmarag/internal/retrieval"
	"github.com/kalambet/pharmarag/internal/storage"
)

// DefaultDeadline bounds a whole Generate call when the caller sets no
// earlier deadline.
const DefaultDeadline = 30 * time.Second

// State is a step of report assembly.
type State string

const (
	StateStart      State = "start"
	StateRetrieving State = "retrieving"
	StateGenerating State = "generating"
	StateFallback   State = "fallback"
	StateDone       State = "done"
)

// Transition is reported to the Observer on every state change. Reason is
// set on transitions into StateFallback.
type Transition struct {
	From   State
	To     State
	Reason report.FallbackReason
}

// Observer receives transitions in order. It is called synchronously and
// must not block.
type Observer func(Transition)

var allowed = map[State][]State{
	StateStart:      {StateRetrieving},
	StateRetrieving: {StateGenerating, StateFallback},
	StateGenerating: {StateDone, StateFallback},
	StateFallback:   {StateDone},
}

// machine serializes transitions between the caller's goroutine and the
// generation goroutine. Once the caller has moved to fallback, late moves by
// the generation goroutine are rejected.
type machine struct {
	mu       sync.Mutex
	state    State
	observer Observer
}

func (m *machine) move(to State, reason report.FallbackReason) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ok := false
	for _, s := range allowed[m.state] {
		if s == to {
			ok = true
			break
		}
	}
	if !ok {
		return false
	}
	tr := Transition{From: m.state, To: to, Reason: reason}
	m.state = to
	if m.observer != nil {
		m.observer(tr)
	}
	return true
}

// ContextRetriever finds the context items for a report.
type ContextRetriever interface {
	Retrieve(ctx context.Context, query, reportType string, budget int) ([]retrieval.ContextItem, error)
}

// Generator produces text from a prompt.
type Generator interface {
	Complete(ctx context.Context, prompt string, prefs llm.ModelPreferences) (llm.Completion, error)
}

// SnapshotSource provides the latest observation per source.
type SnapshotSource interface {
	All() map[collector.Source]collector.Observation
}

// ReportStore persists generated reports.
type ReportStore interface {
	SaveReport(r storage.ReportRecord) error
}

// Options configures an Assembler. Zero values take defaults.
type Options struct {
	Budget      int
	Deadline    time.Duration
	Preferences llm.ModelPreferences
	Store       ReportStore
	Observer    Observer
	Logger      *slog.Logger
	Now         func() time.Time
}

// Assembler runs the report state machine.
type Assembler struct {
	retriever ContextRetriever
	builder   *composer.Builder
	generator Generator
	snapshot  SnapshotSource
	fallback  *report.FallbackEngine

	budget   int
	deadline time.Duration
	prefs    llm.ModelPreferences
	store    ReportStore
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
}

// New creates an Assembler.
func New(retriever ContextRetriever, builder *composer.Builder, generator Generator, snapshot SnapshotSource, opts Options) *Assembler {
	a := &Assembler{
		retriever: retriever,
		builder:   builder,
		generator: generator,
		snapshot:  snapshot,
		fallback:  report.NewFallbackEngine(),
		budget:    opts.Budget,
		deadline:  opts.Deadline,
		prefs:     opts.Preferences,
		store:     opts.Store,
		observer:  opts.Observer,
		logger:    opts.Logger,
		now:       opts.Now,
	}
	if a.builder == nil {
		a.builder = composer.New(0)
	}
	if a.budget <= 0 {
		a.budget = retrieval.DefaultBudget
	}
	if a.deadline <= 0 {
		a.deadline = DefaultDeadline
	}
	if a.prefs.Model == "" {
		a.prefs = llm.DefaultPreferences()
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a
}

// ragResult is what the generation goroutine hands back. A non-empty reason
// means the path failed and the caller must fall back.
type ragResult struct {
	items      []retrieval.ContextItem
	completion llm.Completion
	reason     report.FallbackReason
}

// Generate produces a report for req. The only error it returns wraps
// report.ErrInvalidReportType; every other failure becomes a fallback report.
func (a *Assembler) Generate(ctx context.Context, req report.Request) (*report.Report, error) {
	reportType, err := report.ParseReportType(string(req.ReportType))
	if err != nil {
		return nil, err
	}
	req.ReportType = reportType

	start := a.now()
	m := &machine{state: StateStart, observer: a.observer}

	ctx, cancel := context.WithTimeout(ctx, a.deadline)
	defer cancel()

	m.move(StateRetrieving, report.ReasonNone)

	results := make(chan ragResult, 1)
	go func() {
		results <- a.runRAG(ctx, m, req)
	}()

	var res ragResult
	select {
	case res = <-results:
	case <-ctx.Done():
		res = ragResult{reason: report.ReasonDeadline}
		a.logger.Warn("report: deadline reached, falling back", "report_type", reportType, "error", ctx.Err())
	}

	var rep *report.Report
	if res.reason == report.ReasonNone {
		m.move(StateDone, report.ReasonNone)
		rep = a.ragReport(req, res)
	} else {
		m.move(StateFallback, res.reason)
		rep = a.fallbackReport(req, res.reason)
		m.move(StateDone, report.ReasonNone)
	}

	end := a.now()
	rep.ID = uuid.New().String()
	rep.GeneratedAt = end.UTC()
	rep.DurationMs = end.Sub(start).Milliseconds()
	rep.DataFreshness = a.freshness()

	metrics.ReportsTotal.WithLabelValues(string(reportType), string(rep.Mode)).Inc()
	metrics.ReportDuration.WithLabelValues(string(rep.Mode)).Observe(float64(rep.DurationMs) / 1000)
	if rep.Mode == report.ModeFallback {
		metrics.FallbacksTotal.WithLabelValues(string(rep.FallbackReason)).Inc()
	}
	a.save(req, rep)

	a.logger.Debug("report generated",
		"id", rep.ID,
		"report_type", reportType,
		"mode", rep.Mode,
		"fallback_reason", rep.FallbackReason,
		"sources", len(rep.SourcesUsed),
		"duration_ms", rep.DurationMs,
	)
	return rep, nil
}

// runRAG retrieves context and generates the report. It never moves the
// machine into fallback itself; it reports why the caller should.
func (a *Assembler) runRAG(ctx context.Context, m *machine, req report.Request) ragResult {
	items, err := a.retriever.Retrieve(ctx, req.Query, string(req.ReportType), a.budget)
	if err != nil {
		a.logger.Warn("report: retrieval failed, falling back", "error", err)
		return ragResult{reason: report.ReasonRetrievalError}
	}
	if len(items) == 0 {
		return ragResult{reason: report.ReasonNoContext}
	}
	if !m.move(StateGenerating, report.ReasonNone) {
		return ragResult{reason: report.ReasonDeadline}
	}

	prompt := a.builder.Build(req.ReportType, req.Query, items, req.AdditionalContext)
	tokens := composer.EstimateTokens(prompt)
	metrics.PromptTokensTotal.WithLabelValues(string(req.ReportType)).Add(float64(tokens))

	comp, err := a.generator.Complete(ctx, prompt, a.prefs)
	if err != nil {
		if llm.IsTimeout(err) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ragResult{reason: report.ReasonDeadline}
		}
		a.logger.Warn("report: llm generation failed, falling back", "prompt_tokens", tokens, "error", err)
		return ragResult{reason: report.ReasonLLMError}
	}
	if missing := report.MissingSections(req.ReportType, comp.Content); len(missing) > 0 {
		a.logger.Warn("report: generated report incomplete, falling back", "missing_sections", missing)
		return ragResult{reason: report.ReasonLowConfidence}
	}
	return ragResult{items: items, completion: comp}
}

func (a *Assembler) ragReport(req report.Request, res ragResult) *report.Report {
	sources := make([]report.SourceRef, len(res.items))
	for i, it := range res.items {
		sources[i] = report.SourceRef{
			ID:         it.ID,
			Collection: it.Collection,
			Score:      it.Score,
			Timestamp:  it.Timestamp,
		}
	}
	return &report.Report{
		Title:       req.ReportType.Title(),
		Content:     res.completion.Content,
		ReportType:  req.ReportType,
		Mode:        report.ModeRAG,
		SourcesUsed: sources,
		Model:       res.completion.Model,
	}
}

func (a *Assembler) fallbackReport(req report.Request, reason report.FallbackReason) *report.Report {
	var obs map[collector.Source]collector.Observation
	if a.snapshot != nil {
		obs = a.snapshot.All()
	}
	content := a.fallback.Render(req.ReportType, report.BestEffortData{
		Observations:      obs,
		Query:             req.Query,
		AdditionalContext: req.AdditionalContext,
	})
	return &report.Report{
		Title:          req.ReportType.Title(),
		Content:        content,
		ReportType:     req.ReportType,
		Mode:           report.ModeFallback,
		SourcesUsed:    []report.SourceRef{},
		FallbackReason: reason,
	}
}

func (a *Assembler) freshness() map[string]time.Time {
	if a.snapshot == nil {
		return nil
	}
	all := a.snapshot.All()
	if len(all) == 0 {
		return nil
	}
	out := make(map[string]time.Time, len(all))
	for src, o := range all {
		out[string(src)] = o.Timestamp
	}
	return out
}

func (a *Assembler) save(req report.Request, rep *report.Report) {
	if a.store == nil {
		return
	}
	rec, err := RecordFromReport(req.Query, rep)
	if err != nil {
		a.logger.Warn("report: encoding history record", "id", rep.ID, "error", err)
		return
	}
	if err := a.store.SaveReport(rec); err != nil {
		a.logger.Warn("report: saving history", "id", rep.ID, "error", err)
	}
}
