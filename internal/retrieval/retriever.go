package retrieval

import (
	"context"
	"log/slog"
	"sort"
	"unicode/utf8"

	"github.com/kalambet/pharmarag/internal/metrics"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultThreshold      = 0.25
	DefaultBudget         = 6000
	DefaultPerCollectionK = 5
)

var defaultRouting = map[string][]string{
	"quality_control": {CollectionDefect, CollectionQuality, CollectionDocumentation},
	"batch_analysis":  {CollectionForecast, CollectionQuality, CollectionDefect, CollectionDocumentation},
	"deviation":       {CollectionDefect, CollectionRLAction, CollectionForecast, CollectionDocumentation},
	"oee":             {CollectionForecast, CollectionRLAction, CollectionQuality, CollectionTemplates},
	"compliance":      {CollectionDocumentation, CollectionTemplates, CollectionQuality, CollectionDefect},
}

// DefaultRouting returns a copy of the built-in report type to collections table.
func DefaultRouting() map[string][]string {
	out := make(map[string][]string, len(defaultRouting))
	for k, v := range defaultRouting {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// RetrieverOptions tunes a Retriever. Zero values select the defaults.
type RetrieverOptions struct {
	// Routing overrides the collections searched per report type. Types not
	// present keep their default route.
	Routing        map[string][]string
	Threshold      float32
	PerCollectionK int
	Logger         *slog.Logger
}

// Retriever builds a budgeted context window for a report type by searching
// the routed collections in parallel.
type Retriever struct {
	index          *Index
	routing        map[string][]string
	threshold      float32
	perCollectionK int
	logger         *slog.Logger
}

// NewRetriever creates a Retriever over index.
func NewRetriever(index *Index, opts RetrieverOptions) *Retriever {
	routing := DefaultRouting()
	for typ, cols := range opts.Routing {
		if len(cols) > 0 {
			routing[typ] = append([]string(nil), cols...)
		}
	}
	r := &Retriever{
		index:          index,
		routing:        routing,
		threshold:      opts.Threshold,
		perCollectionK: opts.PerCollectionK,
		logger:         opts.Logger,
	}
	if r.threshold <= 0 {
		r.threshold = DefaultThreshold
	}
	if r.perCollectionK <= 0 {
		r.perCollectionK = DefaultPerCollectionK
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Threshold returns the minimum relevance score in effect.
func (r *Retriever) Threshold() float32 { return r.threshold }

// Collections returns the collections routed for reportType.
func (r *Retriever) Collections(reportType string) []string {
	return append([]string(nil), r.routing[reportType]...)
}

// Retrieve returns the most relevant items for query across the collections
// routed for reportType. The combined rune length of the returned texts never
// exceeds budget. An empty result means nothing relevant was found; the only
// error is *EmbeddingError when the query itself cannot be embedded.
func (r *Retriever) Retrieve(ctx context.Context, query, reportType string, budget int) ([]ContextItem, error) {
	collections := r.routing[reportType]
	if len(collections) == 0 || budget <= 0 {
		metrics.RetrievedItems.Observe(0)
		return nil, nil
	}

	vec, err := r.index.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	perCollection := make([][]ContextItem, len(collections))
	g, gCtx := errgroup.WithContext(ctx)
	for i, col := range collections {
		g.Go(func() error {
			items, err := r.index.QueryVector(gCtx, col, vec, r.perCollectionK)
			if err != nil {
				r.logger.Warn("retrieval: collection search failed, skipping", "collection", col, "error", err)
				return nil
			}
			perCollection[i] = r.normalize(items)
			return nil
		})
	}
	_ = g.Wait() // per-collection failures are logged and skipped

	merged := mergeItems(perCollection)
	if len(merged) == 0 || merged[0].Score < r.threshold {
		metrics.RetrievedItems.Observe(0)
		return nil, nil
	}

	packed := pack(merged, budget)
	metrics.RetrievedItems.Observe(float64(len(packed)))
	r.logger.Debug("retrieval complete",
		"report_type", reportType,
		"candidates", len(merged),
		"returned", len(packed),
		"top_score", merged[0].Score,
	)
	return packed, nil
}

// normalize drops items below the threshold and rescales the rest with
// min-max scaling anchored at the collection's best raw score, so the top
// item keeps its raw similarity.
func (r *Retriever) normalize(items []ContextItem) []ContextItem {
	kept := make([]ContextItem, 0, len(items))
	for _, it := range items {
		if it.Score >= r.threshold {
			kept = append(kept, it)
		}
	}
	if len(kept) == 0 {
		return nil
	}

	lo, hi := kept[0].Score, kept[0].Score
	for _, it := range kept[1:] {
		lo = min(lo, it.Score)
		hi = max(hi, it.Score)
	}
	if hi == lo {
		return kept
	}
	for i := range kept {
		if kept[i].Score == hi {
			continue
		}
		kept[i].Score = hi * (kept[i].Score - lo) / (hi - lo)
	}
	return kept
}

// mergeItems flattens per-collection results, keeps the best-scoring copy of
// each ID, and orders by score then recency.
func mergeItems(groups [][]ContextItem) []ContextItem {
	byID := make(map[string]ContextItem)
	for _, g := range groups {
		for _, it := range g {
			if prev, ok := byID[it.ID]; ok && !itemBetter(it, prev) {
				continue
			}
			byID[it.ID] = it
		}
	}
	out := make([]ContextItem, 0, len(byID))
	for _, it := range byID {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return itemBetter(out[i], out[j]) })
	return out
}

func itemBetter(a, b ContextItem) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	return a.ID < b.ID
}

// pack takes items in order while they fit in budget runes. An item that
// would overflow is skipped and smaller ones after it are still considered.
func pack(items []ContextItem, budget int) []ContextItem {
	var out []ContextItem
	used := 0
	for _, it := range items {
		n := utf8.RuneCountInString(it.Text)
		if used+n > budget {
			continue
		}
		used += n
		out = append(out, it)
	}
	return out
}
