package retrieval

import (
	"context"
	"fmt"
	"time"

	"github.com/kalambet/pharmarag/internal/metrics"
	"golang.org/x/sync/errgroup"
)

// Provider turns text into a fixed-length embedding vector.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Backend is a model server able to embed text with a named model.
// *ollama.Client satisfies it.
type Backend interface {
	Embed(ctx context.Context, model, text string) ([]float32, error)
}

// Embedder wraps a Backend to generate text embeddings with a fixed model.
type Embedder struct {
	backend Backend
	model   string
	timeout time.Duration
}

// NewEmbedder creates an Embedder using the given Backend and model name.
// A zero timeout means calls are bounded only by the caller's context.
func NewEmbedder(b Backend, model string, timeout time.Duration) *Embedder {
	return &Embedder{backend: b, model: model, timeout: timeout}
}

// Model returns the embedding model name.
func (e *Embedder) Model() string { return e.model }

// Embed returns the embedding vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	vec, err := e.backend.Embed(ctx, e.model, text)
	if err != nil {
		metrics.EmbeddingRequestsTotal.WithLabelValues(metrics.StatusError).Inc()
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	metrics.EmbeddingRequestsTotal.WithLabelValues(metrics.StatusOK).Inc()
	return vec, nil
}

// batchConcurrency bounds in-flight Embed calls per EmbedBatch.
const batchConcurrency = 4

// EmbedBatch embeds texts in parallel and returns vectors in input order.
// The first failure cancels the remaining calls. Empty input yields nil.
func EmbedBatch(ctx context.Context, p Provider, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vecs := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)
	for i, text := range texts {
		g.Go(func() error {
			vec, err := p.Embed(gctx, text)
			if err != nil {
				return fmt.Errorf("text %d: %w", i, err)
			}
			vecs[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vecs, nil
}
