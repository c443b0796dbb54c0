package report

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/pharmarag/internal/collector"
)

// DataUnavailable is the narrative used wherever a section has no data.
const DataUnavailable = "Data unavailable; displaying last known values where present."

// BestEffortData is everything the fallback renderer may use. Observations
// holds the latest observation per source; any source may be missing.
type BestEffortData struct {
	Observations      map[collector.Source]collector.Observation
	Query             string
	AdditionalContext map[string]string
}

// FallbackEngine renders reports from the latest known values without any
// model. Render is deterministic: it reads no clock and iterates maps in
// sorted order, so identical input yields identical output.
type FallbackEngine struct{}

// NewFallbackEngine returns a FallbackEngine.
func NewFallbackEngine() *FallbackEngine { return &FallbackEngine{} }

// Render produces the markdown report for t. Every required section of t is
// present in the output.
func (e *FallbackEngine) Render(t ReportType, data BestEffortData) string {
	v := newView(data)

	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", t.Title())
	sb.WriteString("**Generation mode:** Template (language model unavailable)\n")
	if q := strings.TrimSpace(data.Query); q != "" {
		fmt.Fprintf(&sb, "**Query:** %s\n", q)
	}
	if latest, ok := v.latestTimestamp(); ok {
		fmt.Fprintf(&sb, "**Data as of:** %s\n", latest.UTC().Format(time.RFC3339))
	} else {
		sb.WriteString("**Data as of:** no observations collected\n")
	}
	if len(data.AdditionalContext) > 0 {
		sb.WriteString("\n**Additional context:**\n")
		for _, k := range sortedKeys(data.AdditionalContext) {
			fmt.Fprintf(&sb, "- %s: %s\n", k, data.AdditionalContext[k])
		}
	}

	for _, section := range t.Sections() {
		fmt.Fprintf(&sb, "\n## %s\n\n", section)
		body := ""
		if render, ok := sectionRenderers[section]; ok {
			body = render(t, v)
		}
		if strings.TrimSpace(body) == "" {
			body = DataUnavailable
		}
		sb.WriteString(strings.TrimRight(body, "\n"))
		sb.WriteString("\n")
	}

	sb.WriteString("\n---\n*Generated from templates over the last collected values. Manual review recommended.*\n")
	return sb.String()
}

// DefectRiskLevel maps a defect probability to a risk level.
func DefectRiskLevel(p float64) string {
	switch {
	case p > 0.7:
		return "critical"
	case p > 0.5:
		return "high"
	case p > 0.3:
		return "medium"
	default:
		return "low"
	}
}

// RiskFactor is one contribution to the composite risk score.
type RiskFactor struct {
	Name   string
	Score  int
	Detail string
}

// CompositeRisk combines defect and quality signals into a 0-100 score.
type CompositeRisk struct {
	Score   int
	Level   string
	Factors []RiskFactor
}

// AssessRisk builds the composite risk score from the defect and quality
// observations. A missing signal adds a data-availability factor.
func AssessRisk(obs map[collector.Source]collector.Observation) CompositeRisk {
	var factors []RiskFactor

	if p, ok := floatOf(obs, collector.SourceDefect, "defect_probability"); ok {
		switch {
		case p > 0.7:
			factors = append(factors, RiskFactor{"Defect probability", 40, fmt.Sprintf("critical defect probability %s", collector.FormatValue(p))})
		case p > 0.5:
			factors = append(factors, RiskFactor{"Defect probability", 25, fmt.Sprintf("high defect probability %s", collector.FormatValue(p))})
		case p > 0.3:
			factors = append(factors, RiskFactor{"Defect probability", 15, fmt.Sprintf("elevated defect probability %s", collector.FormatValue(p))})
		}
	} else {
		factors = append(factors, RiskFactor{"Defect data", 20, "defect prediction unavailable"})
	}

	if class, ok := categoryOf(obs, collector.SourceQuality, "quality_class"); ok {
		switch strings.ToLower(class) {
		case "low", "poor":
			factors = append(factors, RiskFactor{"Quality class", 30, fmt.Sprintf("quality classified %s", class)})
		case "medium":
			factors = append(factors, RiskFactor{"Quality class", 15, fmt.Sprintf("quality classified %s", class)})
		}
	} else {
		factors = append(factors, RiskFactor{"Quality data", 15, "quality classification unavailable"})
	}

	score := 0
	for _, f := range factors {
		score += f.Score
	}
	if score > 100 {
		score = 100
	}
	level := "low"
	switch {
	case score >= 60:
		level = "critical"
	case score >= 40:
		level = "high"
	case score >= 20:
		level = "medium"
	}
	return CompositeRisk{Score: score, Level: level, Factors: factors}
}

// ForecastInsight summarizes the waste forecast.
type ForecastInsight struct {
	Periods       int
	TotalWaste    float64
	AverageWaste  float64
	TotalProduced float64
	// Efficiency is produced/(produced+waste); zero when production is
	// not forecast.
	Efficiency  float64
	PeakPeriod  int
	PeakWaste   float64
	Alert       string
	HasProduced bool
}

const (
	criticalWaste = 2000
	elevatedWaste = 1500
)

// AnalyzeForecast reads the flattened forecast payload, where each period
// carries "forecast.N.sensors.waste" and optionally
// "forecast.N.sensors.produced".
func AnalyzeForecast(obs collector.Observation) (ForecastInsight, bool) {
	periods := make(map[int]bool)
	for k := range obs.Payload {
		if i, ok := forecastIndex(k); ok {
			periods[i] = true
		}
	}
	if len(periods) == 0 {
		return ForecastInsight{}, false
	}
	idx := make([]int, 0, len(periods))
	for i := range periods {
		idx = append(idx, i)
	}
	sort.Ints(idx)

	var fi ForecastInsight
	fi.PeakPeriod = -1
	for _, i := range idx {
		prefix := "forecast." + strconv.Itoa(i) + ".sensors."
		w, ok := obs.Float(prefix + "waste")
		if !ok {
			continue
		}
		fi.Periods++
		fi.TotalWaste += w
		if fi.PeakPeriod < 0 || w > fi.PeakWaste {
			fi.PeakPeriod, fi.PeakWaste = i, w
		}
		if p, ok := obs.Float(prefix + "produced"); ok {
			fi.TotalProduced += p
			fi.HasProduced = true
		}
	}
	if fi.Periods == 0 {
		return ForecastInsight{}, false
	}
	fi.AverageWaste = fi.TotalWaste / float64(fi.Periods)
	if fi.HasProduced && fi.TotalProduced+fi.TotalWaste > 0 {
		fi.Efficiency = fi.TotalProduced / (fi.TotalProduced + fi.TotalWaste)
	}
	switch {
	case fi.PeakWaste > criticalWaste:
		fi.Alert = fmt.Sprintf("CRITICAL: forecast waste of %s units in period %d exceeds %d", fmtNum(fi.PeakWaste), fi.PeakPeriod+1, criticalWaste)
	case fi.AverageWaste > elevatedWaste:
		fi.Alert = fmt.Sprintf("ELEVATED: average forecast waste of %s units exceeds %d", fmtNum(fi.AverageWaste), elevatedWaste)
	default:
		fi.Alert = "Forecast waste within expected range"
	}
	return fi, true
}

func forecastIndex(key string) (int, bool) {
	rest, ok := strings.CutPrefix(key, "forecast.")
	if !ok {
		return 0, false
	}
	num, tail, ok := strings.Cut(rest, ".")
	if !ok || tail != "sensors.waste" {
		return 0, false
	}
	i, err := strconv.Atoi(num)
	if err != nil || i < 0 {
		return 0, false
	}
	return i, true
}

// RLAction is one adjustment recommended by the optimization model.
type RLAction struct {
	Name  string
	Value string
}

// RecommendedActions lists the "recommended_actions.*" entries of an RL
// observation in name order.
func RecommendedActions(obs collector.Observation) []RLAction {
	var out []RLAction
	for _, k := range sortedKeys(obs.Payload) {
		name, ok := strings.CutPrefix(k, "recommended_actions.")
		if !ok || name == "" {
			continue
		}
		out = append(out, RLAction{Name: name, Value: collector.FormatValue(obs.Payload[k])})
	}
	return out
}

// view is the precomputed data shared by every section renderer.
type view struct {
	data     BestEffortData
	risk     CompositeRisk
	forecast ForecastInsight
	hasFcst  bool
	actions  []RLAction
}

func newView(data BestEffortData) *view {
	v := &view{data: data, risk: AssessRisk(data.Observations)}
	if obs, ok := data.Observations[collector.SourceForecast]; ok {
		v.forecast, v.hasFcst = AnalyzeForecast(obs)
	}
	if obs, ok := data.Observations[collector.SourceRLAction]; ok {
		v.actions = RecommendedActions(obs)
	}
	return v
}

func (v *view) obs(src collector.Source) (collector.Observation, bool) {
	o, ok := v.data.Observations[src]
	return o, ok
}

func (v *view) latestTimestamp() (time.Time, bool) {
	var latest time.Time
	for _, o := range v.data.Observations {
		if o.Timestamp.After(latest) {
			latest = o.Timestamp
		}
	}
	return latest, !latest.IsZero()
}

func (v *view) missing() []collector.Source {
	var out []collector.Source
	for _, src := range collector.AllSources {
		if _, ok := v.data.Observations[src]; !ok {
			out = append(out, src)
		}
	}
	return out
}

type sectionRenderer func(t ReportType, v *view) string

var sectionRenderers = map[string]sectionRenderer{
	"Executive Summary":                 renderSummary,
	"Current Status Assessment":         renderStatus,
	"Batch Performance":                 renderStatus,
	"Deviation Description":             renderDeviation,
	"Key Metrics":                       renderMetrics,
	"OEE Metrics":                       renderOEE,
	"Risk Assessment":                   renderRisk,
	"Impact Assessment":                 renderRisk,
	"Findings":                          renderRisk,
	"Yield and Waste Analysis":          renderForecast,
	"Loss Analysis":                     renderForecast,
	"Root Cause Analysis":               renderRootCause,
	"Improvement Opportunities":         renderActions,
	"Corrective and Preventive Actions": renderCAPA,
	"Recommendations":                   renderRecommendations,
	"Regulatory Framework":              renderFramework,
	"Data Integrity Assessment":         renderIntegrity,
	"Compliance Status":                 renderCompliance,
}

func renderSummary(t ReportType, v *view) string {
	if len(v.data.Observations) == 0 {
		return DataUnavailable
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "This %s was assembled from the latest collected values of %d of %d data sources. ",
		strings.ToLower(t.Title()), len(v.data.Observations), len(collector.AllSources))
	fmt.Fprintf(&sb, "Composite risk is %s (%d/100).", strings.ToUpper(v.risk.Level), v.risk.Score)
	if p, ok := floatOf(v.data.Observations, collector.SourceDefect, "defect_probability"); ok {
		fmt.Fprintf(&sb, " Defect probability is %s (%s risk).", collector.FormatValue(p), DefectRiskLevel(p))
	}
	if class, ok := categoryOf(v.data.Observations, collector.SourceQuality, "quality_class"); ok {
		fmt.Fprintf(&sb, " Product quality is classified %s.", class)
	}
	if v.hasFcst {
		fmt.Fprintf(&sb, " %s.", v.forecast.Alert)
	}
	if m := v.missing(); len(m) > 0 {
		fmt.Fprintf(&sb, "\n\n%s Missing sources: %s.", DataUnavailable, joinSources(m))
	}
	return sb.String()
}

func renderStatus(_ ReportType, v *view) string {
	var lines []string
	if p, ok := floatOf(v.data.Observations, collector.SourceDefect, "defect_probability"); ok {
		lines = append(lines, fmt.Sprintf("- Defect probability: %s (%s risk)", collector.FormatValue(p), DefectRiskLevel(p)))
	}
	if level, ok := categoryOf(v.data.Observations, collector.SourceDefect, "risk_level"); ok {
		lines = append(lines, "- Model-reported risk level: "+level)
	}
	if class, ok := categoryOf(v.data.Observations, collector.SourceQuality, "quality_class"); ok {
		lines = append(lines, "- Quality classification: "+class)
	}
	if c, ok := floatOf(v.data.Observations, collector.SourceQuality, "confidence"); ok {
		lines = append(lines, "- Quality model confidence: "+collector.FormatValue(c))
	}
	if len(lines) == 0 {
		return DataUnavailable
	}
	return strings.Join(lines, "\n")
}

func renderDeviation(t ReportType, v *view) string {
	var sb strings.Builder
	if q := strings.TrimSpace(v.data.Query); q != "" {
		fmt.Fprintf(&sb, "Reported concern: %s\n\n", q)
	}
	sb.WriteString(renderStatus(t, v))
	return sb.String()
}

func renderMetrics(_ ReportType, v *view) string {
	var sb strings.Builder
	for _, src := range collector.AllSources {
		o, ok := v.obs(src)
		if !ok {
			continue
		}
		fmt.Fprintf(&sb, "### %s\n\n", collector.Label(string(src)))
		fmt.Fprintf(&sb, "Observed at %s\n\n", o.Timestamp.UTC().Format(time.RFC3339))
		sb.WriteString("| Metric | Value |\n|---|---|\n")
		for _, k := range sortedKeys(o.Payload) {
			fmt.Fprintf(&sb, "| %s | %s |\n", collector.Label(k), collector.FormatValue(o.Payload[k]))
		}
		sb.WriteString("\n")
	}
	if m := v.missing(); len(m) > 0 {
		if sb.Len() == 0 {
			return DataUnavailable
		}
		fmt.Fprintf(&sb, "No values available for: %s.\n", joinSources(m))
	}
	return sb.String()
}

func renderOEE(t ReportType, v *view) string {
	var lines []string
	if v.hasFcst && v.forecast.HasProduced {
		lines = append(lines, fmt.Sprintf("- Forecast yield efficiency: %.1f%%", v.forecast.Efficiency*100))
		lines = append(lines, fmt.Sprintf("- Forecast production: %s units over %d periods", fmtNum(v.forecast.TotalProduced), v.forecast.Periods))
	}
	if p, ok := floatOf(v.data.Observations, collector.SourceDefect, "defect_probability"); ok {
		lines = append(lines, fmt.Sprintf("- Quality rate estimate: %.1f%% (1 - defect probability)", (1-p)*100))
	}
	if class, ok := categoryOf(v.data.Observations, collector.SourceQuality, "quality_class"); ok {
		lines = append(lines, "- Quality classification: "+class)
	}
	if len(lines) == 0 {
		return DataUnavailable
	}
	lines = append(lines, "\nAvailability and performance components require line telemetry that is not collected.")
	return strings.Join(lines, "\n")
}

func renderRisk(_ ReportType, v *view) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "**Composite risk score: %d/100 (%s)**\n\n", v.risk.Score, strings.ToUpper(v.risk.Level))
	if len(v.risk.Factors) == 0 {
		sb.WriteString("No risk factors identified in the latest values.\n")
		return sb.String()
	}
	sb.WriteString("| Factor | Score | Detail |\n|---|---|---|\n")
	for _, f := range v.risk.Factors {
		fmt.Fprintf(&sb, "| %s | %d | %s |\n", f.Name, f.Score, f.Detail)
	}
	return sb.String()
}

func renderForecast(_ ReportType, v *view) string {
	if !v.hasFcst {
		return DataUnavailable
	}
	f := v.forecast
	lines := []string{
		fmt.Sprintf("- Forecast periods: %d", f.Periods),
		fmt.Sprintf("- Total forecast waste: %s units", fmtNum(f.TotalWaste)),
		fmt.Sprintf("- Average waste per period: %s units", fmtNum(f.AverageWaste)),
		fmt.Sprintf("- Peak waste: %s units in period %d", fmtNum(f.PeakWaste), f.PeakPeriod+1),
	}
	if f.HasProduced {
		lines = append(lines, fmt.Sprintf("- Yield efficiency: %.1f%%", f.Efficiency*100))
	}
	lines = append(lines, "\n"+f.Alert+".")
	return strings.Join(lines, "\n")
}

func actionsTable(actions []RLAction) string {
	var sb strings.Builder
	sb.WriteString("| Parameter | Recommended adjustment |\n|---|---|\n")
	for _, a := range actions {
		fmt.Fprintf(&sb, "| %s | %s |\n", collector.Label(a.Name), a.Value)
	}
	return sb.String()
}

func renderActions(_ ReportType, v *view) string {
	if len(v.actions) == 0 {
		return DataUnavailable
	}
	var sb strings.Builder
	sb.WriteString("Process adjustments recommended by the optimization model:\n\n")
	sb.WriteString(actionsTable(v.actions))
	if c, ok := floatOf(v.data.Observations, collector.SourceRLAction, "confidence"); ok {
		fmt.Fprintf(&sb, "\nModel confidence: %s\n", collector.FormatValue(c))
	}
	return sb.String()
}

func renderRootCause(t ReportType, v *view) string {
	var causes []string
	if p, ok := floatOf(v.data.Observations, collector.SourceDefect, "defect_probability"); ok && p > 0.3 {
		causes = append(causes, fmt.Sprintf("- Elevated defect probability (%s) points to process parameter drift or equipment condition", collector.FormatValue(p)))
	}
	if v.hasFcst && v.forecast.AverageWaste > elevatedWaste {
		causes = append(causes, "- Forecast waste above the elevated threshold suggests material or yield losses")
	}
	if len(v.actions) > 0 {
		causes = append(causes, "- Parameters flagged by the optimization model:\n\n"+actionsTable(v.actions))
	}
	if len(causes) == 0 {
		if len(v.data.Observations) == 0 {
			return DataUnavailable
		}
		return "No contributing factor is evident in the latest values; a manual investigation is required."
	}
	return strings.Join(causes, "\n")
}

func renderCAPA(t ReportType, v *view) string {
	var sb strings.Builder
	sb.WriteString(renderRecommendations(t, v))
	if len(v.actions) > 0 {
		sb.WriteString("\nProcess adjustments for preventive action:\n\n")
		sb.WriteString(actionsTable(v.actions))
	}
	return sb.String()
}

func renderRecommendations(t ReportType, v *view) string {
	var recs []string
	if t == QualityControl {
		if p, ok := floatOf(v.data.Observations, collector.SourceDefect, "defect_probability"); ok {
			recs = qualityRecommendations[DefectRiskLevel(p)]
		} else {
			recs = noDataRecommendations
		}
	} else {
		recs = recommendations[t]
	}
	if v.hasFcst && v.forecast.PeakWaste > criticalWaste {
		recs = append([]string{"Review material handling and yield losses before the forecast waste peak"}, recs...)
	}
	var sb strings.Builder
	for _, r := range recs {
		sb.WriteString("- ")
		sb.WriteString(r)
		sb.WriteString("\n")
	}
	return sb.String()
}

func renderFramework(_ ReportType, _ *view) string {
	return strings.Join([]string{
		"- 21 CFR Part 11: electronic records and electronic signatures",
		"- 21 CFR Parts 210/211: current Good Manufacturing Practice",
		"- ICH Q7: GMP for active pharmaceutical ingredients",
		"- ICH Q9: quality risk management",
		"- ICH Q10: pharmaceutical quality system",
	}, "\n")
}

func renderIntegrity(_ ReportType, v *view) string {
	var sb strings.Builder
	sb.WriteString("| Source | Last observation |\n|---|---|\n")
	for _, src := range collector.AllSources {
		if o, ok := v.obs(src); ok {
			fmt.Fprintf(&sb, "| %s | %s |\n", src, o.Timestamp.UTC().Format(time.RFC3339))
		} else {
			fmt.Fprintf(&sb, "| %s | not available |\n", src)
		}
	}
	sb.WriteString("\nAll values are attributable to their source service and timestamp (ALCOA+).")
	if m := v.missing(); len(m) > 0 {
		fmt.Fprintf(&sb, " %s", DataUnavailable)
	}
	return sb.String()
}

func renderCompliance(_ ReportType, v *view) string {
	if m := v.missing(); len(m) > 0 {
		return fmt.Sprintf("Automated assessment is incomplete because %s could not be collected. "+
			"Manual verification against 21 CFR Part 11 and GMP requirements is required before release decisions.",
			joinSources(m))
	}
	if v.risk.Level == "high" || v.risk.Level == "critical" {
		return "Current values indicate elevated risk. Quality assurance review is required under GMP before batch disposition."
	}
	return "No compliance concerns are indicated by the latest values. Continue routine GMP monitoring and record review."
}

var qualityRecommendations = map[string][]string{
	"critical": {
		"Stop production and investigate the defect source",
		"Perform equipment calibration",
		"Notify the quality assurance team",
		"Review batch records for anomalies",
	},
	"high": {
		"Increase monitoring frequency",
		"Review recent process changes",
		"Hold affected batches pending quality review",
		"Implement preventive measures",
	},
	"medium": {
		"Increase monitoring frequency",
		"Review recent process changes",
		"Analyze trend data",
		"Implement preventive measures",
	},
	"low": {
		"Continue current monitoring protocols",
		"Maintain optimization efforts",
		"Monitor quality metric trends",
	},
}

var noDataRecommendations = []string{
	"Check connectivity to the prediction services",
	"Verify system services",
	"Perform manual quality checks",
}

var recommendations = map[ReportType][]string{
	BatchAnalysis: {
		"Review batch performance metrics",
		"Verify batch documentation completeness",
		"Analyze process parameter trends",
		"Confirm batch disposition criteria",
		"Compare with historical batch data",
	},
	Deviation: {
		"Investigate the deviation source with a documented root cause analysis",
		"Document all findings thoroughly",
		"Implement corrective actions and monitor their effectiveness",
		"Update procedures if necessary",
		"Notify regulatory affairs if required",
	},
	OEE: {
		"Minimize unplanned downtime",
		"Optimize production speed",
		"Reduce defect rates",
		"Track OEE components separately and set improvement targets",
	},
	Compliance: {
		"Ensure electronic records comply with 21 CFR Part 11",
		"Maintain complete audit trails",
		"Verify data integrity and completeness",
		"Confirm system validation status",
	},
}

func floatOf(obs map[collector.Source]collector.Observation, src collector.Source, key string) (float64, bool) {
	o, ok := obs[src]
	if !ok {
		return 0, false
	}
	return o.Float(key)
}

func categoryOf(obs map[collector.Source]collector.Observation, src collector.Source, key string) (string, bool) {
	o, ok := obs[src]
	if !ok {
		return "", false
	}
	return o.Category(key)
}

func joinSources(srcs []collector.Source) string {
	names := make([]string, len(srcs))
	for i, s := range srcs {
		names[i] = string(s)
	}
	return strings.Join(names, ", ")
}

// fmtNum renders f rounded to two decimals without trailing zeros.
func fmtNum(f float64) string {
	return strconv.FormatFloat(math.Round(f*100)/100, 'f', -1, 64)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
