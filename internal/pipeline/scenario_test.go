package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/pharmarag/internal/collector"
	"github.com/kalambet/pharmarag/internal/composer"
	"github.com/kalambet/pharmarag/internal/llm"
	"github.com/kalambet/pharmarag/internal/report"
	"github.com/kalambet/pharmarag/internal/retrieval"
)

// stack wires the real collector, index and retriever over an in-memory
// store and the hash embedder.
type stack struct {
	index     *retrieval.Index
	collector *collector.Collector
	retriever *retrieval.Retriever
}

func newStack(t *testing.T, baseURL string) *stack {
	t.Helper()
	ix := retrieval.NewIndex(retrieval.NewHashEmbedder(retrieval.DefaultHashDimensions), retrieval.NewMemoryStore())
	return &stack{
		index: ix,
		collector: collector.New(ix, collector.Options{
			BaseURL: baseURL,
			Timeout: time.Second,
			Now:     func() time.Time { return fixedNow },
		}),
		retriever: retrieval.NewRetriever(ix, retrieval.RetrieverOptions{Threshold: 0.1}),
	}
}

func TestScenario_DefectObservationDrivesRAGReport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/defect" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"defect_probability":0.022,"risk_level":"low","confidence":0.95}`))
	}))
	defer srv.Close()

	s := newStack(t, srv.URL)
	if _, err := s.collector.Collect(context.Background(), collector.SourceDefect); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	var prompt string
	gen := &mockGenerator{completeFn: func(_ context.Context, p string, _ llm.ModelPreferences) (llm.Completion, error) {
		prompt = p
		return llm.Completion{Content: completeReport(report.QualityControl), Model: "test-model"}, nil
	}}
	a := New(s.retriever, composer.New(0), gen, s.collector.Snapshot(), Options{})

	rep, err := a.Generate(context.Background(), report.Request{ReportType: report.QualityControl, Query: "defect trends"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if rep.Mode != report.ModeRAG {
		t.Fatalf("mode = %s (reason %s), want rag", rep.Mode, rep.FallbackReason)
	}
	if len(rep.SourcesUsed) == 0 || rep.SourcesUsed[0].Collection != retrieval.CollectionDefect {
		t.Fatalf("SourcesUsed = %+v", rep.SourcesUsed)
	}
	if rep.SourcesUsed[0].Score < s.retriever.Threshold() {
		t.Errorf("top score %v below threshold %v", rep.SourcesUsed[0].Score, s.retriever.Threshold())
	}
	if !strings.Contains(prompt, "Defect probability: 0.022") {
		t.Errorf("prompt lacks the collected observation:\n%s", prompt)
	}
	if !rep.DataFreshness[string(collector.SourceDefect)].Equal(fixedNow) {
		t.Errorf("DataFreshness = %v", rep.DataFreshness)
	}
}

func TestScenario_AllSourcesUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	s := newStack(t, srv.URL)
	obs, errs := s.collector.CollectAll(context.Background(), collector.AllSources)
	if len(obs) != 0 || len(errs) != len(collector.AllSources) {
		t.Fatalf("CollectAll = %d observations, %d errors", len(obs), len(errs))
	}

	a := New(s.retriever, nil, okGenerator(), s.collector.Snapshot(), Options{Deadline: 2 * time.Second})
	start := time.Now()
	rep, err := a.Generate(context.Background(), report.Request{ReportType: report.QualityControl, Query: "test"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("fallback exceeded the deadline")
	}
	if rep.Mode != report.ModeFallback || rep.FallbackReason != report.ReasonNoContext {
		t.Errorf("mode = %s, reason = %s", rep.Mode, rep.FallbackReason)
	}
	if !report.HasRequiredSections(report.QualityControl, rep.Content) {
		t.Error("fallback report lacks required sections")
	}
	if !strings.Contains(rep.Content, report.DataUnavailable) {
		t.Error("fallback report should carry the neutral narrative")
	}
}

func TestScenario_LLMAlwaysUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"defect_probability":0.022,"quality_class":"High","confidence":0.9}`))
	}))
	defer srv.Close()

	s := newStack(t, srv.URL)
	if _, errs := s.collector.CollectAll(context.Background(), collector.AllSources); len(errs) != 0 {
		t.Fatalf("CollectAll errors: %v", errs)
	}

	// A client without credentials fails every call as unavailable.
	client := llm.New(llm.Options{})
	for _, typ := range report.Types {
		rep, err := New(s.retriever, nil, client, s.collector.Snapshot(), Options{}).
			Generate(context.Background(), report.Request{ReportType: typ, Query: "defect probability trends"})
		if err != nil {
			t.Fatalf("%s: Generate: %v", typ, err)
		}
		if rep.Mode != report.ModeFallback {
			t.Errorf("%s: mode = %s", typ, rep.Mode)
		}
		if rep.FallbackReason != report.ReasonLLMError && rep.FallbackReason != report.ReasonNoContext {
			t.Errorf("%s: reason = %s", typ, rep.FallbackReason)
		}
		if !report.HasRequiredSections(typ, rep.Content) {
			t.Errorf("%s: missing sections %v", typ, report.MissingSections(typ, rep.Content))
		}
	}
}
