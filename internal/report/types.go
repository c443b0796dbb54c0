// Package report defines report types, their required structure, and the
// deterministic fallback renderer used when generation is not possible.
package report

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidReportType is returned for report types outside Types.
var ErrInvalidReportType = errors.New("invalid report type")

// ReportType names one of the supported report formats.
type ReportType string

const (
	QualityControl ReportType = "quality_control"
	BatchAnalysis  ReportType = "batch_analysis"
	Deviation      ReportType = "deviation"
	OEE            ReportType = "oee"
	Compliance     ReportType = "compliance"
)

// Types lists every supported report type.
var Types = []ReportType{QualityControl, BatchAnalysis, Deviation, OEE, Compliance}

var aliases = map[string]ReportType{
	"batch_record": BatchAnalysis,
	"qc":           QualityControl,
	"quality":      QualityControl,
	"regulatory":   Compliance,
}

type typeInfo struct {
	title       string
	description string
	sections    []string
}

var typeInfos = map[ReportType]typeInfo{
	QualityControl: {
		title:       "Quality Control Report",
		description: "Defect probability, quality classification and risk assessment for the current production run",
		sections: []string{
			"Executive Summary", "Current Status Assessment", "Key Metrics",
			"Risk Assessment", "Recommendations", "Compliance Status",
		},
	},
	BatchAnalysis: {
		title:       "Batch Analysis Report",
		description: "Batch performance, yield and waste analysis against forecast",
		sections: []string{
			"Executive Summary", "Batch Performance", "Key Metrics",
			"Yield and Waste Analysis", "Recommendations", "Compliance Status",
		},
	},
	Deviation: {
		title:       "Process Deviation Investigation",
		description: "Deviation description, root cause analysis and CAPA",
		sections: []string{
			"Executive Summary", "Deviation Description", "Root Cause Analysis",
			"Impact Assessment", "Corrective and Preventive Actions", "Compliance Status",
		},
	},
	OEE: {
		title:       "OEE Performance Summary",
		description: "Overall equipment effectiveness, loss analysis and improvement opportunities",
		sections: []string{
			"Executive Summary", "OEE Metrics", "Loss Analysis",
			"Improvement Opportunities", "Recommendations", "Compliance Status",
		},
	},
	Compliance: {
		title:       "Regulatory Compliance Review",
		description: "Regulatory framework, data integrity and audit findings",
		sections: []string{
			"Executive Summary", "Regulatory Framework", "Data Integrity Assessment",
			"Findings", "Recommendations", "Compliance Status",
		},
	},
}

// ParseReportType resolves a name or alias. Unknown names wrap
// ErrInvalidReportType.
func ParseReportType(s string) (ReportType, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if alias, ok := aliases[name]; ok {
		return alias, nil
	}
	t := ReportType(name)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidReportType, s)
	}
	return t, nil
}

// Valid reports whether t is one of Types.
func (t ReportType) Valid() bool {
	_, ok := typeInfos[t]
	return ok
}

// Title is the human-readable report title.
func (t ReportType) Title() string { return typeInfos[t].title }

// Description is a one-line summary of what the report covers.
func (t ReportType) Description() string { return typeInfos[t].description }

// Sections returns the required section headings in order.
func (t ReportType) Sections() []string {
	return append([]string(nil), typeInfos[t].sections...)
}

// MissingSections returns the required sections of t that content lacks.
// A section is present when a markdown heading of level 1 to 4 carries its
// name, ignoring case, an optional leading number and a trailing colon.
func MissingSections(t ReportType, content string) []string {
	present := make(map[string]bool)
	for _, line := range strings.Split(content, "\n") {
		if h, ok := headingText(line); ok {
			present[strings.ToLower(h)] = true
		}
	}
	var missing []string
	for _, s := range typeInfos[t].sections {
		if !present[strings.ToLower(s)] {
			missing = append(missing, s)
		}
	}
	return missing
}

// HasRequiredSections reports whether content contains every required
// section heading of t.
func HasRequiredSections(t ReportType, content string) bool {
	return t.Valid() && len(MissingSections(t, content)) == 0
}

func headingText(line string) (string, bool) {
	line = strings.TrimSpace(line)
	level := 0
	for level < len(line) && line[level] == '#' {
		level++
	}
	if level == 0 || level > 4 || level >= len(line) || line[level] != ' ' {
		return "", false
	}
	text := strings.TrimSpace(strings.TrimRight(line[level:], "# "))
	text = strings.Trim(text, "*")
	text = strings.TrimSuffix(strings.TrimSpace(text), ":")

	// Drop a leading "1." or "2)" enumeration.
	if i := strings.IndexAny(text, ".)"); i > 0 && i <= 3 && isDigits(text[:i]) {
		text = text[i+1:]
	}
	return strings.TrimSpace(text), true
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// Mode tells how a report was produced.
type Mode string

const (
	ModeRAG      Mode = "rag"
	ModeFallback Mode = "fallback"
)

// FallbackReason explains why a report was rendered from templates.
type FallbackReason string

const (
	ReasonNone           FallbackReason = ""
	ReasonNoContext      FallbackReason = "no_context"
	ReasonRetrievalError FallbackReason = "retrieval_error"
	ReasonLLMError       FallbackReason = "llm_error"
	ReasonLowConfidence  FallbackReason = "low_confidence"
	ReasonDeadline       FallbackReason = "deadline"
)

// Request asks for one report.
type Request struct {
	ReportType        ReportType        `json:"report_type"`
	Query             string            `json:"query"`
	AdditionalContext map[string]string `json:"additional_context,omitempty"`
}

// SourceRef identifies a context item that informed a report.
type SourceRef struct {
	ID         string    `json:"id"`
	Collection string    `json:"collection"`
	Score      float32   `json:"score"`
	Timestamp  time.Time `json:"timestamp"`
}

// Report is a generated report. SourcesUsed is empty in fallback mode.
type Report struct {
	ID             string               `json:"id"`
	Title          string               `json:"title"`
	Content        string               `json:"content"`
	ReportType     ReportType           `json:"report_type"`
	GeneratedAt    time.Time            `json:"generated_at"`
	Mode           Mode                 `json:"mode"`
	SourcesUsed    []SourceRef          `json:"sources_used"`
	DataFreshness  map[string]time.Time `json:"data_freshness,omitempty"`
	FallbackReason FallbackReason       `json:"fallback_reason,omitempty"`
	Model          string               `json:"model,omitempty"`
	DurationMs     int64                `json:"duration_ms"`
}
