package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/kalambet/pharmarag/internal/report"
	"github.com/kalambet/pharmarag/internal/storage"
)

// RecordFromReport converts rep into its history row.
func RecordFromReport(query string, rep *report.Report) (storage.ReportRecord, error) {
	sources := rep.SourcesUsed
	if sources == nil {
		sources = []report.SourceRef{}
	}
	b, err := json.Marshal(sources)
	if err != nil {
		return storage.ReportRecord{}, fmt.Errorf("encoding sources: %w", err)
	}
	return storage.ReportRecord{
		ID:             rep.ID,
		ReportType:     string(rep.ReportType),
		Mode:           string(rep.Mode),
		Title:          rep.Title,
		Query:          query,
		Content:        rep.Content,
		SourcesJSON:    string(b),
		FallbackReason: string(rep.FallbackReason),
		Model:          rep.Model,
		DurationMs:     rep.DurationMs,
		GeneratedAt:    rep.GeneratedAt,
	}, nil
}

// ReportFromRecord restores a report from its history row. Data freshness is
// not kept in history.
func ReportFromRecord(rec storage.ReportRecord) (*report.Report, error) {
	sources := []report.SourceRef{}
	if rec.SourcesJSON != "" {
		if err := json.Unmarshal([]byte(rec.SourcesJSON), &sources); err != nil {
			return nil, fmt.Errorf("decoding sources of report %s: %w", rec.ID, err)
		}
	}
	return &report.Report{
		ID:             rec.ID,
		Title:          rec.Title,
		Content:        rec.Content,
		ReportType:     report.ReportType(rec.ReportType),
		GeneratedAt:    rec.GeneratedAt,
		Mode:           report.Mode(rec.Mode),
		SourcesUsed:    sources,
		FallbackReason: report.FallbackReason(rec.FallbackReason),
		Model:          rec.Model,
		DurationMs:     rec.DurationMs,
	}, nil
}
