package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// TimeLayout is the fixed-width UTC layout used for every timestamp column so
// that lexical ordering in SQL matches chronological ordering.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a value written by FormatTime.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}

// ReportRecord is one generated report kept for history.
type ReportRecord struct {
	ID             string
	ReportType     string
	Mode           string
	Title          string
	Query          string
	Content        string
	SourcesJSON    string // JSON array of source references
	FallbackReason string
	Model          string
	DurationMs     int64
	GeneratedAt    time.Time
}

// KnowledgeDoc is a documentation or template document submitted for indexing.
type KnowledgeDoc struct {
	ID         string
	Title      string
	Collection string
	Source     string
	Content    string
	Tags       string // JSON array stored as text
	Chunks     int
	CreatedAt  time.Time
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
