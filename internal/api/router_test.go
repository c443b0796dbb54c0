package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/pharmarag/internal/collector"
	"github.com/kalambet/pharmarag/internal/report"
	"github.com/kalambet/pharmarag/internal/retrieval"
)

func serve(t *testing.T, h http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decoding response %q: %v", rr.Body.String(), err)
	}
}

func errorType(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	decode(t, rr, &body)
	return body.Error.Type
}

func TestHealth(t *testing.T) {
	h := NewRouter(newFixture().deps)
	rr := serve(t, h, http.MethodGet, "/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var body map[string]string
	decode(t, rr, &body)
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestAuth(t *testing.T) {
	f := newFixture()
	f.deps.Token = "secret"
	h := NewRouter(f.deps)

	rr := serve(t, h, http.MethodGet, "/api/reports/types", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d, want 401", rr.Code)
	}
	if rr.Header().Get("WWW-Authenticate") == "" {
		t.Error("401 should carry WWW-Authenticate")
	}

	rr = serve(t, h, http.MethodGet, "/api/reports/types", "", "Authorization", "Bearer wrong")
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d, want 401", rr.Code)
	}

	rr = serve(t, h, http.MethodGet, "/api/reports/types", "", "Authorization", "Bearer secret")
	if rr.Code != http.StatusOK {
		t.Errorf("valid token: status = %d, want 200", rr.Code)
	}

	// /health stays public.
	if rr := serve(t, h, http.MethodGet, "/health", ""); rr.Code != http.StatusOK {
		t.Errorf("health with token configured: status = %d", rr.Code)
	}
}

func TestAuth_NoTokenConfigured(t *testing.T) {
	h := NewRouter(newFixture().deps)
	if rr := serve(t, h, http.MethodGet, "/api/reports/types", ""); rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
}

func TestGenerate(t *testing.T) {
	f := newFixture()
	var got report.Request
	f.deps.Reports = &mockGenerator{generateFn: func(_ context.Context, req report.Request) (*report.Report, error) {
		got = req
		return &report.Report{ID: "r1", ReportType: req.ReportType, Mode: report.ModeRAG, SourcesUsed: []report.SourceRef{}}, nil
	}}
	h := NewRouter(f.deps)

	rr := serve(t, h, http.MethodPost, "/api/reports/generate",
		`{"report_type":"quality_control","query":"defect trends","additional_context":{"batch_id":"B-7"}}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	var rep report.Report
	decode(t, rr, &rep)
	if rep.ID != "r1" || rep.Mode != report.ModeRAG {
		t.Errorf("report = %+v", rep)
	}
	if got.ReportType != report.QualityControl || got.Query != "defect trends" || got.AdditionalContext["batch_id"] != "B-7" {
		t.Errorf("request = %+v", got)
	}
}

func TestGenerate_ClientErrors(t *testing.T) {
	h := NewRouter(newFixture().deps)
	tests := []struct {
		name string
		body string
	}{
		{"invalid type", `{"report_type":"weather","query":"x"}`},
		{"missing query", `{"report_type":"oee","query":"  "}`},
		{"malformed json", `{"report_type":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := serve(t, h, http.MethodPost, "/api/reports/generate", tt.body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rr.Code)
			}
			if typ := errorType(t, rr); typ != "invalid_request_error" {
				t.Errorf("error type = %q", typ)
			}
		})
	}
}

func TestGenerate_InternalError(t *testing.T) {
	f := newFixture()
	f.deps.Reports = &mockGenerator{generateFn: func(context.Context, report.Request) (*report.Report, error) {
		return nil, errors.New("boom")
	}}
	rr := serve(t, NewRouter(f.deps), http.MethodPost, "/api/reports/generate", `{"report_type":"oee","query":"x"}`)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
	if typ := errorType(t, rr); typ != "api_error" {
		t.Errorf("error type = %q", typ)
	}
}

func TestReportTypes(t *testing.T) {
	rr := serve(t, NewRouter(newFixture().deps), http.MethodGet, "/api/reports/types", "")
	var types []reportTypeInfo
	decode(t, rr, &types)
	if len(types) != len(report.Types) {
		t.Fatalf("got %d types, want %d", len(types), len(report.Types))
	}
	for _, ti := range types {
		if ti.Title == "" || len(ti.Sections) == 0 {
			t.Errorf("incomplete type info %+v", ti)
		}
	}
}

func TestReportHistory(t *testing.T) {
	f := newFixture()
	for i, typ := range []report.ReportType{report.QualityControl, report.OEE, report.QualityControl} {
		f.history.add(t, "q", &report.Report{
			ID:          []string{"a", "b", "c"}[i],
			Title:       typ.Title(),
			Content:     "body",
			ReportType:  typ,
			Mode:        report.ModeFallback,
			SourcesUsed: []report.SourceRef{},
			GeneratedAt: testNow.Add(time.Duration(i) * time.Minute),
		})
	}
	h := NewRouter(f.deps)

	rr := serve(t, h, http.MethodGet, "/api/reports?type=quality_control&limit=5", "")
	var list []report.Report
	decode(t, rr, &list)
	if len(list) != 2 || list[0].ID != "c" || list[1].ID != "a" {
		t.Errorf("filtered history = %+v", list)
	}

	rr = serve(t, h, http.MethodGet, "/api/reports?type=bogus", "")
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bogus type: status = %d, want 400", rr.Code)
	}

	rr = serve(t, h, http.MethodGet, "/api/reports/b", "")
	var rep report.Report
	decode(t, rr, &rep)
	if rep.ID != "b" || rep.ReportType != report.OEE {
		t.Errorf("report = %+v", rep)
	}

	rr = serve(t, h, http.MethodGet, "/api/reports/missing", "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("missing report: status = %d, want 404", rr.Code)
	}
}

func TestKnowledgeStatus(t *testing.T) {
	rr := serve(t, NewRouter(newFixture().deps), http.MethodGet, "/api/knowledge/status", "")
	var st knowledgeStatus
	decode(t, rr, &st)
	if st.Collections[retrieval.CollectionDocumentation] != 11 {
		t.Errorf("collections = %v", st.Collections)
	}
	if len(st.Collections) != len(retrieval.AllCollections) {
		t.Errorf("status should list every collection, got %v", st.Collections)
	}
	if !st.Freshness[string(collector.SourceDefect)].Equal(testNow) {
		t.Errorf("freshness = %v", st.Freshness)
	}
}

func TestSearch(t *testing.T) {
	f := newFixture()
	var gotCollection string
	var gotK int
	f.index.queryFn = func(_ context.Context, collection, text string, k int) ([]retrieval.ContextItem, error) {
		gotCollection, gotK = collection, k
		return []retrieval.ContextItem{{ID: "x", Text: "21 CFR Part 11", Score: 0.8, Collection: collection}}, nil
	}
	h := NewRouter(f.deps)

	rr := serve(t, h, http.MethodPost, "/api/knowledge/search", `{"query":"electronic records"}`)
	var results []searchResult
	decode(t, rr, &results)
	if len(results) != 1 || results[0].ID != "x" {
		t.Fatalf("results = %+v", results)
	}
	if gotCollection != retrieval.CollectionDocumentation || gotK != defaultSearchK {
		t.Errorf("query collection=%q k=%d", gotCollection, gotK)
	}

	serve(t, h, http.MethodPost, "/api/knowledge/search", `{"query":"x","collection":"defect","k":500}`)
	if gotCollection != retrieval.CollectionDefect || gotK != maxSearchK {
		t.Errorf("query collection=%q k=%d", gotCollection, gotK)
	}

	if rr := serve(t, h, http.MethodPost, "/api/knowledge/search", `{"query":"x","collection":"nope"}`); rr.Code != http.StatusBadRequest {
		t.Errorf("unknown collection: status = %d", rr.Code)
	}
	if rr := serve(t, h, http.MethodPost, "/api/knowledge/search", `{"query":""}`); rr.Code != http.StatusBadRequest {
		t.Errorf("empty query: status = %d", rr.Code)
	}
}

func TestAddDocumentation(t *testing.T) {
	f := newFixture()
	h := NewRouter(f.deps)

	rr := serve(t, h, http.MethodPost, "/api/knowledge/documentation", `{"title":"SOP-12","content":"Line clearance steps","tags":["sop"]}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	var resp documentResponse
	decode(t, rr, &resp)
	if resp.ID != "doc-1" || resp.Status != "queued" || resp.Chunks != 2 {
		t.Errorf("response = %+v", resp)
	}
	if len(f.docs.got) != 1 || f.docs.got[0].Source != "api" || f.docs.got[0].Tags[0] != "sop" {
		t.Errorf("submitted = %+v", f.docs.got)
	}

	if rr := serve(t, h, http.MethodPost, "/api/knowledge/documentation", `{"content":""}`); rr.Code != http.StatusBadRequest {
		t.Errorf("empty content: status = %d", rr.Code)
	}
	if rr := serve(t, h, http.MethodPost, "/api/knowledge/documentation", `{"content":"x","collection":"defect"}`); rr.Code != http.StatusBadRequest {
		t.Errorf("telemetry collection: status = %d", rr.Code)
	}
}

func TestCleanup(t *testing.T) {
	f := newFixture()
	h := NewRouter(f.deps)

	rr := serve(t, h, http.MethodPost, "/api/knowledge/cleanup", `{"days_to_keep":7}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	var res cleanupResult
	decode(t, rr, &res)
	wantCutoff := testNow.Add(-7 * 24 * time.Hour)
	if !res.Cutoff.Equal(wantCutoff) {
		t.Errorf("cutoff = %v, want %v", res.Cutoff, wantCutoff)
	}
	for _, col := range retrieval.TelemetryCollections {
		if !f.index.deleted[col].Equal(wantCutoff) {
			t.Errorf("%s cutoff = %v", col, f.index.deleted[col])
		}
	}
	if _, ok := f.index.deleted[retrieval.CollectionDocumentation]; ok {
		t.Error("cleanup must not touch documentation")
	}

	// Empty body keeps the default retention.
	rr = serve(t, h, http.MethodPost, "/api/knowledge/cleanup", "")
	decode(t, rr, &res)
	if want := testNow.Add(-defaultKeepDays * 24 * time.Hour); !res.Cutoff.Equal(want) {
		t.Errorf("default cutoff = %v, want %v", res.Cutoff, want)
	}

	if rr := serve(t, h, http.MethodPost, "/api/knowledge/cleanup", `{"days_to_keep":-1}`); rr.Code != http.StatusBadRequest {
		t.Errorf("negative days: status = %d", rr.Code)
	}
}

func TestCollect(t *testing.T) {
	f := newFixture()
	f.collector.fail = map[collector.Source]bool{collector.SourceForecast: true}
	h := NewRouter(f.deps)

	rr := serve(t, h, http.MethodPost, "/api/data/collect", "")
	var res collectResult
	decode(t, rr, &res)
	if len(f.collector.got) != len(collector.AllSources) {
		t.Errorf("collected sources = %v, want all", f.collector.got)
	}
	if len(res.Collected) != len(collector.AllSources)-1 {
		t.Errorf("collected = %+v", res.Collected)
	}
	if !strings.Contains(res.Errors[string(collector.SourceForecast)], "connection refused") {
		t.Errorf("errors = %v", res.Errors)
	}

	serve(t, h, http.MethodPost, "/api/data/collect", `{"sources":["defect"]}`)
	if len(f.collector.got) != 1 || f.collector.got[0] != collector.SourceDefect {
		t.Errorf("collected sources = %v", f.collector.got)
	}

	if rr := serve(t, h, http.MethodPost, "/api/data/collect", `{"sources":["weather"]}`); rr.Code != http.StatusBadRequest {
		t.Errorf("unknown source: status = %d", rr.Code)
	}
}

func TestLatest(t *testing.T) {
	rr := serve(t, NewRouter(newFixture().deps), http.MethodGet, "/api/data/latest", "")
	var latest map[string]observationView
	decode(t, rr, &latest)
	d, ok := latest[string(collector.SourceDefect)]
	if !ok || d.Payload["defect_probability"] != 0.022 {
		t.Errorf("latest = %+v", latest)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture()
	f.deps.Token = "secret"
	rr := serve(t, NewRouter(f.deps), http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "go_goroutines") {
		t.Error("metrics output missing default collectors")
	}
}
