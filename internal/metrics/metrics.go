// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Report metrics
	ReportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pharmarag_reports_total",
			Help: "Total number of reports generated",
		},
		[]string{"report_type", "mode"},
	)

	ReportDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pharmarag_report_duration_seconds",
			Help:    "Report generation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		},
		[]string{"mode"},
	)

	FallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pharmarag_fallbacks_total",
			Help: "Total number of reports rendered from fallback templates",
		},
		[]string{"reason"},
	)

	// LLM metrics
	LLMRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pharmarag_llm_requests_total",
			Help: "Total number of chat completion requests",
		},
		[]string{"model", "status"},
	)

	LLMRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pharmarag_llm_retries_total",
			Help: "Total number of rate-limit retries",
		},
	)

	PromptTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pharmarag_llm_prompt_tokens_total",
			Help: "Estimated prompt tokens sent to the LLM",
		},
		[]string{"report_type"},
	)

	// Collector metrics
	CollectorFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pharmarag_collector_fetches_total",
			Help: "Total number of upstream source fetches",
		},
		[]string{"source", "status"},
	)

	// Embedding metrics
	EmbeddingRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pharmarag_embedding_requests_total",
			Help: "Total number of embedding requests sent to the provider",
		},
		[]string{"status"},
	)

	EmbeddingCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pharmarag_embedding_cache_hits_total",
			Help: "Embedding cache hits",
		},
	)

	EmbeddingCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pharmarag_embedding_cache_misses_total",
			Help: "Embedding cache misses",
		},
	)

	// Retrieval metrics
	RetrievedItems = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pharmarag_retrieved_items",
			Help:    "Number of context items returned per retrieval",
			Buckets: prometheus.LinearBuckets(0, 5, 8),
		},
	)

	VectorRecords = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pharmarag_vector_records",
			Help: "Records currently held per collection",
		},
		[]string{"collection"},
	)
)

// Status label values shared across collectors.
const (
	StatusOK    = "ok"
	StatusError = "error"
)
