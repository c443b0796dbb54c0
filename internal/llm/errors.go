package llm

import (
	"errors"
	"fmt"
)

// Kind classifies a failed completion.
type Kind int

const (
	// KindUnavailable covers missing credentials, unknown models, server
	// errors and empty completions.
	KindUnavailable Kind = iota
	KindTimeout
	KindRateLimited
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "unavailable"
	}
}

// Error is returned by every failed Complete call. Status is the HTTP status
// when the server answered, zero otherwise.
type Error struct {
	Kind   Kind
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("llm %s (HTTP %d): %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("llm %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

var (
	errNoAPIKey        = errors.New("no API key configured")
	errEmptyCompletion = errors.New("empty completion")
)

func kindOf(err error) (Kind, bool) {
	var e *Error
	if !errors.As(err, &e) {
		return 0, false
	}
	return e.Kind, true
}

// IsTimeout reports whether err is an *Error of KindTimeout.
func IsTimeout(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindTimeout
}

// IsRateLimited reports whether err is an *Error of KindRateLimited.
func IsRateLimited(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindRateLimited
}

// IsUnavailable reports whether err is an *Error of KindUnavailable.
func IsUnavailable(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindUnavailable
}

func isModelNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindUnavailable && e.Status == 404
}
