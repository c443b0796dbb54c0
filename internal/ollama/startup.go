package ollama

import (
	"context"
	"fmt"
	"io"
	"time"
)

// EnsureReady checks that Ollama is running and the embedding model is
// available, pulling it when missing with progress written to w. It then
// embeds a probe string so the model is loaded before the first request and
// returns the vector dimension the model produces.
// Returns a non-nil error if Ollama is unreachable or the model cannot be pulled.
func EnsureReady(ctx context.Context, c *Client, embedModel string, w io.Writer) (int, error) {
	if !c.IsRunning(ctx) {
		return 0, fmt.Errorf("Ollama is not running at %s. Start it with: ollama serve", c.BaseURL())
	}

	if c.HasModel(ctx, embedModel) {
		fmt.Fprintf(w, "model %s: ready\n", embedModel)
	} else {
		fmt.Fprintf(w, "model %s: pulling...\n", embedModel)
		err := c.PullModel(ctx, embedModel, func(p PullProgress) {
			if p.Total > 0 {
				pct := float64(p.Completed) / float64(p.Total) * 100
				fmt.Fprintf(w, "  %s %.0f%%\n", p.Status, pct)
			} else {
				fmt.Fprintf(w, "  %s\n", p.Status)
			}
		})
		if err != nil {
			return 0, fmt.Errorf("pulling model %s: %w", embedModel, err)
		}
		fmt.Fprintf(w, "model %s: ready\n", embedModel)
	}

	warmCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	vec, err := c.Embed(warmCtx, embedModel, "batch release readiness check")
	if err != nil {
		fmt.Fprintf(w, "model %s: warm-up failed (non-fatal): %v\n", embedModel, err)
		return 0, nil
	}
	fmt.Fprintf(w, "model %s: warm (%d dimensions)\n", embedModel, len(vec))
	return len(vec), nil
}
