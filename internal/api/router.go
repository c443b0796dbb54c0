package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/pharmarag/internal/report"
	"github.com/kalambet/pharmarag/internal/storage"
)

const maxRequestBodySize = 1 << 20   // 1MB
const maxDocumentBodySize = 12 << 20 // 12MB

// NewRouter returns the HTTP handler. /health and /metrics are public; /api/*
// requires the bearer token when one is configured.
func NewRouter(deps Deps) http.Handler {
	s := newService(deps)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/reports/generate", handleGenerate(s))
		r.Get("/reports/types", handleReportTypes)
		r.Get("/reports", handleListReports(s))
		r.Get("/reports/{id}", handleGetReport(s))

		r.Get("/knowledge/status", handleKnowledgeStatus(s))
		r.Post("/knowledge/documentation", handleAddDocumentation(s))
		r.Post("/knowledge/search", handleSearch(s))
		r.Post("/knowledge/cleanup", handleCleanup(s))

		r.Post("/data/collect", handleCollect(s))
		r.Get("/data/latest", handleLatest(s))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleGenerate(s *service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req report.Request
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		rep, err := s.generate(r.Context(), req)
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rep)
	}
}

type reportTypeInfo struct {
	Type        report.ReportType `json:"type"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Sections    []string          `json:"sections"`
}

func reportTypes() []reportTypeInfo {
	out := make([]reportTypeInfo, len(report.Types))
	for i, t := range report.Types {
		out[i] = reportTypeInfo{Type: t, Title: t.Title(), Description: t.Description(), Sections: t.Sections()}
	}
	return out
}

func handleReportTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, reportTypes())
}

func handleListReports(s *service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", defaultHistory, maxHistory)
		reports, err := s.recent(r.URL.Query().Get("type"), limit)
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, reports)
	}
}

func handleGetReport(s *service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rep, err := s.report(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "report not found")
			return
		}
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rep)
	}
}

func handleKnowledgeStatus(s *service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := s.status(r.Context())
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func handleAddDocumentation(s *service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req documentRequest
		if !decodeBody(w, r, maxDocumentBodySize, &req) {
			return
		}
		if req.Source == "" {
			req.Source = "api"
		}
		resp, err := s.addDocumentation(req)
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, resp)
	}
}

type searchRequest struct {
	Query      string `json:"query"`
	Collection string `json:"collection"`
	K          int    `json:"k"`
}

func handleSearch(s *service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req searchRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		results, err := s.search(r.Context(), req.Query, req.Collection, req.K)
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, results)
	}
}

type cleanupRequest struct {
	DaysToKeep int `json:"days_to_keep"`
}

func handleCleanup(s *service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req cleanupRequest
		if r.ContentLength != 0 && !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		res, err := s.cleanup(r.Context(), req.DaysToKeep)
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

type collectRequest struct {
	Sources []string `json:"sources"`
}

func handleCollect(s *service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req collectRequest
		if r.ContentLength != 0 && !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		res, err := s.collect(r.Context(), req.Sources)
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleLatest(s *service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.latest())
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func serviceError(w http.ResponseWriter, err error) {
	if isClientError(err) {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
		return
	}
	httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
