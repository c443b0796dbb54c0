package collector

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Source identifies an upstream prediction service.
type Source string

const (
	SourceDefect   Source = "defect"
	SourceQuality  Source = "quality"
	SourceForecast Source = "forecast"
	SourceRLAction Source = "rl_action"
)

// AllSources lists every known source in collection order.
var AllSources = []Source{SourceDefect, SourceQuality, SourceForecast, SourceRLAction}

// ParseSource validates a source name.
func ParseSource(s string) (Source, error) {
	src := Source(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllSources {
		if src == known {
			return src, nil
		}
	}
	return "", fmt.Errorf("unknown source %q", s)
}

// ParseSources validates a list of names; an empty list selects AllSources.
func ParseSources(names []string) ([]Source, error) {
	if len(names) == 0 {
		return append([]Source(nil), AllSources...), nil
	}
	out := make([]Source, 0, len(names))
	for _, n := range names {
		src, err := ParseSource(n)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, nil
}

// Collection is the vector store collection observations of s are kept in.
func (s Source) Collection() string { return string(s) }

// Observation is one timestamped record fetched from a source.
type Observation struct {
	Source    Source
	Timestamp time.Time
	// Payload holds the decoded response with nested values flattened to
	// dotted keys, e.g. "forecast.0.sensors.waste".
	Payload map[string]any
	Text    string
}

// Float returns the numeric payload value under key.
func (o Observation) Float(key string) (float64, bool) {
	v, ok := o.Payload[key].(float64)
	return v, ok
}

// Category returns the string payload value under key.
func (o Observation) Category(key string) (string, bool) {
	v, ok := o.Payload[key].(string)
	return v, ok
}

// SourceUnavailableError reports a failed fetch. Status is the HTTP status
// when the server answered, zero otherwise.
type SourceUnavailableError struct {
	Source Source
	Status int
	Err    error
}

func (e *SourceUnavailableError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("source %s unavailable: HTTP %d", e.Source, e.Status)
	}
	return fmt.Sprintf("source %s unavailable: %v", e.Source, e.Err)
}

func (e *SourceUnavailableError) Unwrap() error { return e.Err }

// preferredFields orders the leading fields of each source's text form.
// A preferred entry also covers its flattened children.
var preferredFields = map[Source][]string{
	SourceDefect:   {"defect_probability", "risk_level", "confidence"},
	SourceQuality:  {"quality_class", "confidence", "class_probabilities"},
	SourceForecast: {"forecast_horizon", "forecast"},
	SourceRLAction: {"recommended_actions", "confidence", "expected_reward", "optimization_target", "state_summary"},
}

// Flatten copies v into out, joining nested object keys and array indexes
// with dots under prefix.
func Flatten(prefix string, v any, out map[string]any) {
	join := func(k string) string {
		if prefix == "" {
			return k
		}
		return prefix + "." + k
	}
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			Flatten(join(k), child, out)
		}
	case []any:
		for i, child := range t {
			Flatten(join(strconv.Itoa(i)), child, out)
		}
	default:
		if prefix != "" {
			out[prefix] = v
		}
	}
}

// Serialize renders payload as the deterministic single-line text that gets
// embedded: preferred fields first, remaining keys in lexical order.
func Serialize(src Source, payload map[string]any, at time.Time) string {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	pref := preferredFields[src]
	rank := func(k string) int {
		for i, f := range pref {
			if k == f || strings.HasPrefix(k, f+".") {
				return i
			}
		}
		return len(pref)
	}
	sort.Slice(keys, func(i, j int) bool {
		ri, rj := rank(keys[i]), rank(keys[j])
		if ri != rj {
			return ri < rj
		}
		return keys[i] < keys[j]
	})

	parts := make([]string, 0, len(keys)+2)
	parts = append(parts, "Source: "+string(src))
	for _, k := range keys {
		parts = append(parts, Label(k)+": "+FormatValue(payload[k]))
	}
	parts = append(parts, "Collected at: "+at.UTC().Format(time.RFC3339))
	return strings.Join(parts, " | ")
}

// Label turns a payload key into a sentence-case label:
// "defect_probability" becomes "Defect probability".
func Label(key string) string {
	s := strings.ReplaceAll(key, "_", " ")
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// FormatValue renders a decoded JSON scalar. Numbers use the shortest exact
// decimal form.
func FormatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}
