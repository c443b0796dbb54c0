// Package composer turns a report request and its retrieved context into the
// single prompt sent to the LLM.
package composer

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kalambet/pharmarag/internal/report"
	"github.com/kalambet/pharmarag/internal/retrieval"
)

// DefaultMaxChars is the prompt length limit used when New is given none.
const DefaultMaxChars = 12000

const preamble = `You are an expert pharmaceutical manufacturing analyst with deep knowledge of:
- FDA regulations (21 CFR Part 11, 21 CFR Parts 210/211)
- Good Manufacturing Practices (GMP)
- Quality assurance and control
- Process optimization and risk management

Write professional, factual and actionable reports that meet pharmaceutical industry standards.
Reports must contain no emojis and no decorative elements.`

const closing = `Write the complete report in markdown. Base every figure on the retrieved context and cite the context number in brackets, e.g. [2]. Where the context does not cover a section, say that the data is unavailable instead of estimating.`

// template is the fixed instruction set for one report type.
type template struct {
	focus []string
}

var templates = map[report.ReportType]template{
	report.QualityControl: {focus: []string{
		"Current defect probability analysis",
		"Quality classification assessment",
		"Risk level evaluation",
		"Process parameter analysis",
		"Regulatory compliance status",
		"Actionable recommendations",
	}},
	report.BatchAnalysis: {focus: []string{
		"Batch performance metrics",
		"Process parameter compliance",
		"Yield and waste analysis against forecast",
		"Quality indicators",
		"Batch disposition recommendations",
	}},
	report.Deviation: {focus: []string{
		"Description of the deviation and when it was observed",
		"Root cause analysis",
		"Impact assessment on product quality",
		"Corrective and preventive actions with a resolution timeline",
		"Regulatory implications",
	}},
	report.OEE: {focus: []string{
		"Availability, performance and quality components of OEE",
		"Production losses and waste drivers",
		"Recommended process adjustments from the optimization models",
		"Improvement opportunities with expected impact",
	}},
	report.Compliance: {focus: []string{
		"Applicable regulatory framework (21 CFR Part 11, GMP, ICH guidelines)",
		"Data integrity following ALCOA+ principles",
		"Audit findings and gaps",
		"Remediation recommendations",
	}},
}

// Builder renders prompts within a character budget.
type Builder struct {
	MaxPromptChars int
}

// New creates a Builder with the given maximum prompt length in characters.
// If maxPromptChars <= 0, the default (12000) is used.
func New(maxPromptChars int) *Builder {
	if maxPromptChars <= 0 {
		maxPromptChars = DefaultMaxChars
	}
	return &Builder{MaxPromptChars: maxPromptChars}
}

// Build renders the prompt for reportType. It is a pure function of its
// arguments. Context items are ranked by score and the lowest-ranked are
// dropped until the prompt fits; when the fixed parts alone exceed the limit
// the prompt carries no context.
func (b *Builder) Build(reportType report.ReportType, query string, items []retrieval.ContextItem, additional map[string]string) string {
	fixedHead := b.head(reportType, query, additional)

	ranked := make([]retrieval.ContextItem, len(items))
	copy(ranked, items)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].Timestamp.After(ranked[j].Timestamp)
	})

	entries := make([]string, len(ranked))
	for i, it := range ranked {
		entries[i] = formatItem(i+1, it)
	}

	const header = "[Retrieved Context]\n"
	size := func(n int) int {
		total := utf8.RuneCountInString(fixedHead) + utf8.RuneCountInString(closing)
		if n == 0 {
			return total
		}
		total += utf8.RuneCountInString(header)
		for _, e := range entries[:n] {
			total += utf8.RuneCountInString(e)
		}
		return total
	}
	n := len(entries)
	for n > 0 && size(n) > b.MaxPromptChars {
		n--
	}

	var sb strings.Builder
	sb.WriteString(fixedHead)
	if n > 0 {
		sb.WriteString(header)
		for _, e := range entries[:n] {
			sb.WriteString(e)
		}
	}
	sb.WriteString(closing)
	return sb.String()
}

func (b *Builder) head(reportType report.ReportType, query string, additional map[string]string) string {
	var sb strings.Builder
	sb.WriteString(preamble)
	sb.WriteString("\n\n")

	fmt.Fprintf(&sb, "Report: %s\n", reportType.Title())
	sb.WriteString("Focus areas:\n")
	for _, f := range templates[reportType].focus {
		sb.WriteString("- ")
		sb.WriteString(f)
		sb.WriteString("\n")
	}
	sb.WriteString("\nUse exactly these section headings, each as a level-2 markdown heading, in this order:\n")
	for _, s := range reportType.Sections() {
		sb.WriteString("## ")
		sb.WriteString(s)
		sb.WriteString("\n")
	}

	sb.WriteString("\n[Request]\n")
	sb.WriteString(strings.TrimSpace(query))
	sb.WriteString("\n\n")

	if len(additional) > 0 {
		keys := make([]string, 0, len(additional))
		for k := range additional {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString("[Additional Context]\n")
		for _, k := range keys {
			fmt.Fprintf(&sb, "%s: %s\n", k, additional[k])
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func formatItem(n int, it retrieval.ContextItem) string {
	return fmt.Sprintf("[%d] (Score: %.2f, Source: %s, Observed: %s)\n%s\n\n",
		n, it.Score, it.Collection, it.Timestamp.UTC().Format(time.RFC3339), it.Text)
}

// EstimateTokens approximates the token count of text at 4 characters per
// token.
func EstimateTokens(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}
