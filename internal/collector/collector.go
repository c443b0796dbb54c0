// Package collector polls the upstream prediction services, turns each
// response into an Observation and indexes it for retrieval.
package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/pharmarag/internal/metrics"
	"github.com/kalambet/pharmarag/internal/retrieval"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultTimeout = 10 * time.Second
	DefaultRLModel = "current"

	metaSource     = "source"
	metaObservedAt = "observed_at"
	metaPayload    = "payload"
)

// RLModels are the policy variants served under /api/rl_action/{model}.
var RLModels = []string{"baseline", "current", "new"}

// Inserter stores observation text in the vector index.
type Inserter interface {
	InsertAt(ctx context.Context, collection, text string, metadata retrieval.Metadata, at time.Time) (string, error)
}

// Options configures a Collector. Zero values select the defaults.
type Options struct {
	BaseURL    string
	Timeout    time.Duration
	RLModel    string
	HTTPClient *http.Client
	Logger     *slog.Logger
	Now        func() time.Time
}

// Collector fetches observations from the prediction services.
type Collector struct {
	index      Inserter
	baseURL    string
	timeout    time.Duration
	rlModel    string
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
	snapshot   *Snapshot
}

// New creates a Collector that inserts into index.
func New(index Inserter, opts Options) *Collector {
	c := &Collector{
		index:      index,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		timeout:    opts.Timeout,
		rlModel:    opts.RLModel,
		httpClient: opts.HTTPClient,
		logger:     opts.Logger,
		now:        opts.Now,
		snapshot:   NewSnapshot(),
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.rlModel == "" {
		c.rlModel = DefaultRLModel
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Snapshot returns the latest-observation-per-source view.
func (c *Collector) Snapshot() *Snapshot { return c.snapshot }

func (c *Collector) endpoint(src Source) string {
	if src == SourceRLAction {
		return c.baseURL + "/api/rl_action/" + c.rlModel
	}
	return c.baseURL + "/api/" + string(src)
}

// Collect fetches one observation from src and inserts it into the source's
// collection. A failed fetch returns *SourceUnavailableError. A failed insert
// still returns the observation, together with *retrieval.EmbeddingError.
func (c *Collector) Collect(ctx context.Context, src Source) (Observation, error) {
	payload, err := c.fetch(ctx, src)
	if err != nil {
		metrics.CollectorFetchesTotal.WithLabelValues(string(src), metrics.StatusError).Inc()
		return Observation{}, err
	}
	metrics.CollectorFetchesTotal.WithLabelValues(string(src), metrics.StatusOK).Inc()

	at := c.now().UTC().Truncate(time.Second)
	obs := Observation{
		Source:    src,
		Timestamp: at,
		Payload:   payload,
		Text:      Serialize(src, payload, at),
	}
	c.snapshot.Update(obs)

	raw, err := json.Marshal(payload)
	if err != nil {
		return obs, fmt.Errorf("encoding %s payload: %w", src, err)
	}
	meta := retrieval.Metadata{
		metaSource:     string(src),
		metaObservedAt: at.Format(time.RFC3339),
		metaPayload:    string(raw),
	}
	if _, err := c.index.InsertAt(ctx, src.Collection(), obs.Text, meta, at); err != nil {
		var embErr *retrieval.EmbeddingError
		if !errors.As(err, &embErr) {
			embErr = &retrieval.EmbeddingError{Err: err}
		}
		c.logger.Warn("collector: indexing observation failed", "source", src, "error", err)
		return obs, embErr
	}

	c.logger.Debug("collector: observation stored", "source", src, "fields", len(payload))
	return obs, nil
}

// CollectAll fetches every source concurrently. Successful observations are
// returned in the order of sources; failures are reported per source.
func (c *Collector) CollectAll(ctx context.Context, sources []Source) ([]Observation, map[Source]error) {
	results := make([]*Observation, len(sources))
	errs := make(map[Source]error)
	var mu sync.Mutex

	var g errgroup.Group
	for i, src := range sources {
		g.Go(func() error {
			obs, err := c.Collect(ctx, src)
			if err != nil {
				mu.Lock()
				errs[src] = err
				mu.Unlock()
			}
			// An indexing failure still yields a usable observation.
			var embErr *retrieval.EmbeddingError
			if err == nil || errors.As(err, &embErr) {
				results[i] = &obs
			}
			return nil
		})
	}
	_ = g.Wait()

	out := make([]Observation, 0, len(sources))
	for _, obs := range results {
		if obs != nil {
			out = append(out, *obs)
		}
	}
	return out, errs
}

func (c *Collector) fetch(ctx context.Context, src Source) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	unavailable := func(status int, err error) error {
		return &SourceUnavailableError{Source: src, Status: status, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(src), nil)
	if err != nil {
		return nil, unavailable(0, fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, unavailable(0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, unavailable(resp.StatusCode, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var body map[string]any
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return nil, unavailable(0, fmt.Errorf("decoding response: %w", err))
	}

	payload := make(map[string]any)
	Flatten("", body, payload)
	return payload, nil
}
