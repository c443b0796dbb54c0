package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/pharmarag/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func completionJSON(content string) string {
	b, _ := json.Marshal(map[string]any{
		"model": "llama-3.3-70b-versatile",
		"choices": []map[string]any{{
			"message":       map[string]string{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
		"usage": map[string]int{"prompt_tokens": 120, "completion_tokens": 340},
	})
	return string(b)
}

func newTestClient(url string) *Client {
	return New(Options{
		BaseURL:        url,
		APIKey:         "test-key",
		Timeout:        2 * time.Second,
		InitialBackoff: time.Millisecond,
	})
}

func TestComplete_Success(t *testing.T) {
	var got chatRequest
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" || r.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, completionJSON("## Executive Summary\nDefect probability is 0.022 [1]."))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	comp, err := c.Complete(context.Background(), "write the report", DefaultPreferences())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if comp.Content != "## Executive Summary\nDefect probability is 0.022 [1]." {
		t.Errorf("Content = %q", comp.Content)
	}
	if comp.Model != "llama-3.3-70b-versatile" || comp.PromptTokens != 120 || comp.CompletionTokens != 340 {
		t.Errorf("completion = %+v", comp)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if got.Temperature != 0.3 || got.MaxTokens != 2000 {
		t.Errorf("temperature = %v, max_tokens = %d", got.Temperature, got.MaxTokens)
	}
	if len(got.Messages) != 1 || got.Messages[0].Role != "user" || got.Messages[0].Content != "write the report" {
		t.Errorf("messages = %+v", got.Messages)
	}
}

func TestComplete_NoAPIKey(t *testing.T) {
	var called atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Store(true)
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL})
	if c.Available() {
		t.Error("client without key must not be available")
	}
	_, err := c.Complete(context.Background(), "hi", DefaultPreferences())
	if !IsUnavailable(err) {
		t.Fatalf("err = %v, want unavailable", err)
	}
	if called.Load() {
		t.Error("no request should be made without an API key")
	}
}

func TestComplete_RateLimitRetry(t *testing.T) {
	var attempt atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempt.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, completionJSON("ok"))
	}))
	defer srv.Close()

	retriesBefore := testutil.ToFloat64(metrics.LLMRetriesTotal)

	comp, err := newTestClient(srv.URL).Complete(context.Background(), "hi", DefaultPreferences())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if comp.Content != "ok" {
		t.Errorf("Content = %q", comp.Content)
	}
	if got := attempt.Load(); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
	if d := testutil.ToFloat64(metrics.LLMRetriesTotal) - retriesBefore; d != 1 {
		t.Errorf("retries delta = %v, want 1", d)
	}
}

func TestComplete_RateLimitExhausted(t *testing.T) {
	var attempt atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempt.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL, APIKey: "k", MaxRetries: 3, InitialBackoff: time.Millisecond})
	_, err := c.Complete(context.Background(), "hi", DefaultPreferences())
	if !IsRateLimited(err) {
		t.Fatalf("err = %v, want rate limited", err)
	}
	var e *Error
	if !errors.As(err, &e) || e.Status != http.StatusTooManyRequests {
		t.Errorf("error = %+v", e)
	}
	if got := attempt.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestComplete_ServerErrorNotRetried(t *testing.T) {
	var attempt atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempt.Add(1)
		http.Error(w, "upstream exploded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Complete(context.Background(), "hi", DefaultPreferences())
	if !IsUnavailable(err) {
		t.Fatalf("err = %v, want unavailable", err)
	}
	if got := attempt.Load(); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
}

func TestComplete_FallbackModelOn404(t *testing.T) {
	var mu sync.Mutex
	var models []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		models = append(models, req.Model)
		mu.Unlock()
		if req.Model == "retired-model" {
			http.Error(w, `{"error":{"message":"model not found"}}`, http.StatusNotFound)
			return
		}
		fmt.Fprint(w, completionJSON("from fallback"))
	}))
	defer srv.Close()

	prefs := DefaultPreferences()
	prefs.Model = "retired-model"
	prefs.FallbackModels = []string{"retired-model", "llama-3.1-8b-instant"}

	comp, err := newTestClient(srv.URL).Complete(context.Background(), "hi", prefs)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if comp.Content != "from fallback" {
		t.Errorf("Content = %q", comp.Content)
	}
	if len(models) != 2 || models[0] != "retired-model" || models[1] != "llama-3.1-8b-instant" {
		t.Errorf("models tried = %v", models)
	}
}

func TestComplete_AllModelsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	prefs := DefaultPreferences()
	prefs.FallbackModels = []string{"other"}
	_, err := newTestClient(srv.URL).Complete(context.Background(), "hi", prefs)
	var e *Error
	if !errors.As(err, &e) || e.Kind != KindUnavailable || e.Status != http.StatusNotFound {
		t.Fatalf("err = %v", err)
	}
}

func TestComplete_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := New(Options{BaseURL: srv.URL, APIKey: "k", Timeout: 50 * time.Millisecond})
	start := time.Now()
	_, err := c.Complete(context.Background(), "hi", DefaultPreferences())
	if !IsTimeout(err) {
		t.Fatalf("err = %v, want timeout", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("per-call timeout not applied")
	}
}

func TestComplete_EmptyCompletion(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"no choices", `{"choices":[]}`},
		{"blank content", completionJSON("   \n ")},
		{"only emoji", completionJSON("\U0001F680\U0001F389")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			_, err := newTestClient(srv.URL).Complete(context.Background(), "hi", DefaultPreferences())
			if !IsUnavailable(err) || !errors.Is(err, errEmptyCompletion) {
				t.Errorf("err = %v, want empty completion", err)
			}
		})
	}
}

func TestComplete_CanceledDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL, APIKey: "k", InitialBackoff: time.Minute})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.Complete(ctx, "hi", DefaultPreferences())
	if !IsTimeout(err) {
		t.Fatalf("err = %v, want timeout", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("backoff ignored context cancellation")
	}
}

func TestComplete_RequestMetric(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, completionJSON("ok"))
	}))
	defer srv.Close()

	prefs := DefaultPreferences()
	prefs.Model = "metric-model"
	counter := metrics.LLMRequestsTotal.WithLabelValues("metric-model", metrics.StatusOK)
	before := testutil.ToFloat64(counter)

	if _, err := newTestClient(srv.URL).Complete(context.Background(), "hi", prefs); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if d := testutil.ToFloat64(counter) - before; d != 1 {
		t.Errorf("request metric delta = %v, want 1", d)
	}
}

func TestErrorHelpers(t *testing.T) {
	wrapped := fmt.Errorf("generating: %w", &Error{Kind: KindTimeout, Err: context.DeadlineExceeded})
	if !IsTimeout(wrapped) || IsRateLimited(wrapped) || IsUnavailable(wrapped) {
		t.Error("helpers must match through wrapping")
	}
	if IsTimeout(errors.New("plain")) {
		t.Error("plain errors are not llm errors")
	}
	if !errors.Is(wrapped, context.DeadlineExceeded) {
		t.Error("Error must unwrap to its cause")
	}
}
