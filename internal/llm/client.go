// Package llm is a client for OpenAI-compatible chat completion APIs.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/pharmarag/internal/metrics"
)

const (
	DefaultBaseURL = "https://api.groq.com/openai/v1"
	DefaultModel   = "llama-3.3-70b-versatile"

	DefaultTimeout        = 20 * time.Second
	DefaultMaxRetries     = 3
	DefaultInitialBackoff = 500 * time.Millisecond
	defaultTemperature    = 0.3
	defaultMaxTokens      = 2000

	maxErrorBody = 512
)

// ModelPreferences selects the model and sampling settings for a request.
type ModelPreferences struct {
	Model string
	// FallbackModels are tried in order when the server does not know the
	// previous model.
	FallbackModels []string
	Temperature    float64
	MaxTokens      int
}

// DefaultPreferences returns the preferences used when none are configured.
func DefaultPreferences() ModelPreferences {
	return ModelPreferences{
		Model:       DefaultModel,
		Temperature: defaultTemperature,
		MaxTokens:   defaultMaxTokens,
	}
}

func (p ModelPreferences) models() []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range append([]string{p.Model}, p.FallbackModels...) {
		m = strings.TrimSpace(m)
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	if len(out) == 0 {
		out = []string{DefaultModel}
	}
	return out
}

// Completion is a successful, sanitized chat completion.
type Completion struct {
	Content          string
	Model            string
	FinishReason     string
	PromptTokens     int
	CompletionTokens int
}

// Options configures a Client. Zero values take the package defaults.
type Options struct {
	BaseURL        string
	APIKey         string
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	HTTPClient     *http.Client
	Logger         *slog.Logger
}

// Client sends chat completion requests.
type Client struct {
	apiKey         string
	baseURL        string
	timeout        time.Duration
	maxRetries     int
	initialBackoff time.Duration
	httpClient     *http.Client
	logger         *slog.Logger
}

// New creates a Client.
func New(opts Options) *Client {
	c := &Client{
		apiKey:         strings.TrimSpace(opts.APIKey),
		baseURL:        strings.TrimRight(opts.BaseURL, "/"),
		timeout:        opts.Timeout,
		maxRetries:     opts.MaxRetries,
		initialBackoff: opts.InitialBackoff,
		httpClient:     opts.HTTPClient,
		logger:         opts.Logger,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.maxRetries <= 0 {
		c.maxRetries = DefaultMaxRetries
	}
	if c.initialBackoff <= 0 {
		c.initialBackoff = DefaultInitialBackoff
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Available reports whether the client has credentials to make requests.
func (c *Client) Available() bool {
	return c.apiKey != ""
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Complete sends prompt as a single user message. Every failure is an
// *Error. Rate-limited requests are retried with exponential backoff; a model
// the server does not know moves on to the next fallback model.
func (c *Client) Complete(ctx context.Context, prompt string, prefs ModelPreferences) (Completion, error) {
	if !c.Available() {
		return Completion{}, &Error{Kind: KindUnavailable, Err: errNoAPIKey}
	}

	var lastErr error
	for _, model := range prefs.models() {
		comp, err := c.completeWithRetry(ctx, model, prompt, prefs)
		if err == nil {
			return comp, nil
		}
		lastErr = err
		if !isModelNotFound(err) {
			return Completion{}, err
		}
		c.logger.Warn("llm: model unavailable, trying next", "model", model)
	}
	return Completion{}, lastErr
}

func (c *Client) completeWithRetry(ctx context.Context, model, prompt string, prefs ModelPreferences) (Completion, error) {
	temperature := prefs.Temperature
	if temperature < 0 {
		temperature = defaultTemperature
	}
	maxTokens := prefs.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	body, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return Completion{}, &Error{Kind: KindUnavailable, Err: fmt.Errorf("marshaling request: %w", err)}
	}

	var lastErr error
	for attempt := range c.maxRetries {
		comp, err := c.doChat(ctx, model, body)
		metrics.LLMRequestsTotal.WithLabelValues(model, statusLabel(err)).Inc()
		if err == nil {
			return comp, nil
		}
		if !IsRateLimited(err) {
			return Completion{}, err
		}

		lastErr = err
		if attempt < c.maxRetries-1 {
			metrics.LLMRetriesTotal.Inc()
			backoff := time.Duration(float64(c.initialBackoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return Completion{}, &Error{Kind: KindTimeout, Err: ctx.Err()}
			case <-time.After(backoff):
			}
		}
	}

	var e *Error
	status := 0
	if errors.As(lastErr, &e) {
		status = e.Status
	}
	return Completion{}, &Error{
		Kind:   KindRateLimited,
		Status: status,
		Err:    fmt.Errorf("rate limited after %d attempts: %w", c.maxRetries, lastErr),
	}
}

func (c *Client) doChat(ctx context.Context, model string, body []byte) (Completion, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Completion{}, &Error{Kind: KindUnavailable, Err: fmt.Errorf("creating request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Completion{}, transportError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		io.Copy(io.Discard, resp.Body)
		return Completion{}, &Error{Kind: KindRateLimited, Status: resp.StatusCode, Err: errors.New("rate limited")}
	case resp.StatusCode != http.StatusOK:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return Completion{}, &Error{
			Kind:   KindUnavailable,
			Status: resp.StatusCode,
			Err:    fmt.Errorf("model %s: %s", model, strings.TrimSpace(string(msg))),
		}
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Completion{}, &Error{Kind: KindTimeout, Err: err}
		}
		return Completion{}, &Error{Kind: KindUnavailable, Status: resp.StatusCode, Err: fmt.Errorf("decoding response: %w", err)}
	}
	if len(cr.Choices) == 0 {
		return Completion{}, &Error{Kind: KindUnavailable, Status: resp.StatusCode, Err: errEmptyCompletion}
	}
	content := Sanitize(cr.Choices[0].Message.Content)
	if content == "" {
		return Completion{}, &Error{Kind: KindUnavailable, Status: resp.StatusCode, Err: errEmptyCompletion}
	}

	used := cr.Model
	if used == "" {
		used = model
	}
	return Completion{
		Content:          content,
		Model:            used,
		FinishReason:     cr.Choices[0].FinishReason,
		PromptTokens:     cr.Usage.PromptTokens,
		CompletionTokens: cr.Usage.CompletionTokens,
	}, nil
}

func transportError(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{Kind: KindTimeout, Err: err}
	}
	var ne interface{ Timeout() bool }
	if errors.As(err, &ne) && ne.Timeout() {
		return &Error{Kind: KindTimeout, Err: err}
	}
	return &Error{Kind: KindUnavailable, Err: fmt.Errorf("executing request: %w", err)}
}

func statusLabel(err error) string {
	if err == nil {
		return metrics.StatusOK
	}
	if k, ok := kindOf(err); ok {
		return k.String()
	}
	return metrics.StatusError
}
