package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/pharmarag/internal/config"
	"github.com/kalambet/pharmarag/internal/ingest"
	"github.com/kalambet/pharmarag/internal/report"
)

// --- report ---

type reportView struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Content        string    `json:"content"`
	ReportType     string    `json:"report_type"`
	GeneratedAt    time.Time `json:"generated_at"`
	Mode           string    `json:"mode"`
	FallbackReason string    `json:"fallback_reason"`
	Model          string    `json:"model"`
	DurationMs     int64     `json:"duration_ms"`
	SourcesUsed    []struct {
		ID         string  `json:"id"`
		Collection string  `json:"collection"`
		Score      float32 `json:"score"`
	} `json:"sources_used"`
}

var reportCmd = &cobra.Command{
	Use:   "report <type> <query>",
	Short: "Generate a report",
	Long: `Generate a report. The report markdown is written to stdout; the mode and
sources go to stderr.

Report types: quality_control, batch_analysis, deviation, oee, compliance.

Examples:
  pharmarag report quality_control "defect trends on line 3"
  pharmarag report deviation "temperature excursion" --context batch_id=B-2291
  pharmarag report oee "weekly summary" --json > oee.json`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		reportType, err := report.ParseReportType(args[0])
		if err != nil {
			return err
		}
		extra, _ := cmd.Flags().GetStringToString("context")
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return generateReport(cmd.Context(), client, cmd.OutOrStdout(), report.Request{
			ReportType:        reportType,
			Query:             strings.Join(args[1:], " "),
			AdditionalContext: extra,
		}, asJSON)
	},
}

func generateReport(ctx context.Context, c *apiClient, w io.Writer, req report.Request, asJSON bool) error {
	printStep("Generating %s report...", req.ReportType)
	resp, err := c.post(ctx, "/api/reports/generate", req)
	if err != nil {
		return err
	}
	var rep reportView
	if err := decodeJSON(resp, &rep); err != nil {
		return err
	}
	if asJSON {
		return printJSON(w, rep)
	}

	fmt.Fprintln(w, rep.Content)
	if rep.Mode == "fallback" {
		printWarning("Template fallback report %s (reason: %s)", rep.ID, rep.FallbackReason)
	} else {
		printSuccess("Report %s generated by %s from %d sources in %dms", rep.ID, rep.Model, len(rep.SourcesUsed), rep.DurationMs)
	}
	return nil
}

func init() {
	reportCmd.Flags().StringToString("context", nil, "additional context as key=value pairs")
	reportCmd.Flags().Bool("json", false, "print the full report as JSON")
}

// --- reports ---

var reportsCmd = &cobra.Command{
	Use:   "reports",
	Short: "Browse report history",
}

var reportsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent reports",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		typ, _ := cmd.Flags().GetString("type")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return listReports(cmd.Context(), client, cmd.OutOrStdout(), typ, limit)
	},
}

func listReports(ctx context.Context, c *apiClient, w io.Writer, reportType string, limit int) error {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if reportType != "" {
		q.Set("type", reportType)
	}
	resp, err := c.get(ctx, "/api/reports?"+q.Encode())
	if err != nil {
		return err
	}
	var reports []reportView
	if err := decodeJSON(resp, &reports); err != nil {
		return err
	}
	if len(reports) == 0 {
		fmt.Fprintln(w, "No reports found.")
		return nil
	}
	for _, r := range reports {
		mode := colorize(colorGreen, r.Mode)
		if r.Mode == "fallback" {
			mode = colorize(colorYellow, r.Mode+":"+r.FallbackReason)
		}
		fmt.Fprintf(w, "%s  %s  %-16s %s\n",
			colorize(colorCyan, r.ID),
			r.GeneratedAt.Format(time.RFC3339),
			r.ReportType,
			mode,
		)
	}
	return nil
}

var reportsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a stored report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/api/reports/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var rep reportView
		if err := decodeJSON(resp, &rep); err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd.OutOrStdout(), rep)
		}
		fmt.Fprintln(cmd.OutOrStdout(), rep.Content)
		return nil
	},
}

func init() {
	reportsListCmd.Flags().Int("limit", 20, "maximum number of reports to list")
	reportsListCmd.Flags().String("type", "", "only list reports of this type")
	reportsShowCmd.Flags().Bool("json", false, "print the full report as JSON")
	reportsCmd.AddCommand(reportsListCmd)
	reportsCmd.AddCommand(reportsShowCmd)
}

var typesCmd = &cobra.Command{
	Use:   "types",
	Short: "List report types and their required sections",
	RunE: func(cmd *cobra.Command, args []string) error {
		w := cmd.OutOrStdout()
		for _, t := range report.Types {
			fmt.Fprintf(w, "%s  %s\n", colorize(colorBold, string(t)), t.Title())
			fmt.Fprintf(w, "    %s\n", t.Description())
			fmt.Fprintf(w, "    sections: %s\n", strings.Join(t.Sections(), ", "))
		}
		return nil
	},
}

// --- collect ---

type collectView struct {
	Collected []struct {
		Source    string         `json:"source"`
		Timestamp time.Time      `json:"timestamp"`
		Payload   map[string]any `json:"payload"`
	} `json:"collected"`
	Errors map[string]string `json:"errors"`
}

var collectCmd = &cobra.Command{
	Use:   "collect [sources...]",
	Short: "Collect fresh observations from the prediction services",
	Long: `Collect fresh observations and index them. Without arguments every source is
collected.

Sources: defect, quality, forecast, rl_action.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return collectData(cmd.Context(), client, cmd.OutOrStdout(), args)
	},
}

func collectData(ctx context.Context, c *apiClient, w io.Writer, sources []string) error {
	resp, err := c.post(ctx, "/api/data/collect", map[string]any{"sources": sources})
	if err != nil {
		return err
	}
	var res collectView
	if err := decodeJSON(resp, &res); err != nil {
		return err
	}
	for _, o := range res.Collected {
		printStatus(w, o.Source, "%d fields at %s", len(o.Payload), o.Timestamp.Format(time.RFC3339))
	}
	for src, msg := range res.Errors {
		printError("%s: %s", src, msg)
	}
	if len(res.Collected) == 0 && len(res.Errors) > 0 {
		return fmt.Errorf("no source could be collected")
	}
	return nil
}

// --- docs ---

var docsCmd = &cobra.Command{
	Use:   "docs",
	Short: "Manage reference documentation",
}

var docsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Queue a document for indexing",
	Long: `Queue a document for indexing into the knowledge base. Files may be .txt,
.md, .html or .pdf.

Examples:
  pharmarag docs add --file ./sop-line-clearance.pdf --tags sop,packaging
  pharmarag docs add --text "Deviation reports are due within 24 hours" --title "Deviation SLA"
  pharmarag docs add --file ./batch-record.md --collection templates`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		file, _ := cmd.Flags().GetString("file")
		title, _ := cmd.Flags().GetString("title")
		collection, _ := cmd.Flags().GetString("collection")
		tags, _ := cmd.Flags().GetStringSlice("tags")

		if text == "" && file == "" {
			return fmt.Errorf("one of --text or --file is required")
		}
		if text != "" && file != "" {
			return fmt.Errorf("--text and --file are mutually exclusive")
		}

		if file != "" {
			fileTitle, content, err := ingest.LoadFile(file)
			if err != nil {
				return err
			}
			text = content
			if title == "" {
				title = fileTitle
			}
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return addDocument(cmd.Context(), client, map[string]any{
			"title":      title,
			"content":    text,
			"collection": collection,
			"source":     "cli",
			"tags":       tags,
		})
	},
}

func addDocument(ctx context.Context, c *apiClient, body map[string]any) error {
	resp, err := c.post(ctx, "/api/knowledge/documentation", body)
	if err != nil {
		return err
	}
	var result struct {
		ID         string `json:"id"`
		Collection string `json:"collection"`
		Chunks     int    `json:"chunks"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}
	printSuccess("Queued doc %s (%d chunks) for %s", result.ID, result.Chunks, result.Collection)
	return nil
}

func init() {
	docsAddCmd.Flags().String("text", "", "text content to add")
	docsAddCmd.Flags().String("file", "", "file path to add")
	docsAddCmd.Flags().String("title", "", "document title")
	docsAddCmd.Flags().String("collection", "", "documentation (default) or templates")
	docsAddCmd.Flags().StringSlice("tags", nil, "comma-separated tags")
	docsCmd.AddCommand(docsAddCmd)
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Semantic search over one knowledge collection",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		collection, _ := cmd.Flags().GetString("collection")
		k, _ := cmd.Flags().GetInt("k")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return search(cmd.Context(), client, cmd.OutOrStdout(), strings.Join(args, " "), collection, k)
	},
}

func search(ctx context.Context, c *apiClient, w io.Writer, query, collection string, k int) error {
	resp, err := c.post(ctx, "/api/knowledge/search", map[string]any{
		"query":      query,
		"collection": collection,
		"k":          k,
	})
	if err != nil {
		return err
	}
	var results []struct {
		ID         string            `json:"id"`
		Collection string            `json:"collection"`
		Text       string            `json:"text"`
		Score      float32           `json:"score"`
		Metadata   map[string]string `json:"metadata"`
	}
	if err := decodeJSON(resp, &results); err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Fprintln(w, "No results found.")
		return nil
	}
	for i, r := range results {
		fmt.Fprintf(w, "\n%s [score: %.3f]\n", colorize(colorBold, fmt.Sprintf("Result %d", i+1)), r.Score)
		if title := r.Metadata["title"]; title != "" {
			fmt.Fprintf(w, "  Title: %s\n", title)
		}
		fmt.Fprintf(w, "  %s\n", truncate(r.Text, 500))
	}
	return nil
}

func init() {
	searchCmd.Flags().String("collection", "documentation", "collection to search")
	searchCmd.Flags().Int("k", 5, "maximum number of results")
}

// --- cleanup ---

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete telemetry observations older than the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return cleanup(cmd.Context(), client, cmd.OutOrStdout(), days)
	},
}

func cleanup(ctx context.Context, c *apiClient, w io.Writer, days int) error {
	resp, err := c.post(ctx, "/api/knowledge/cleanup", map[string]any{"days_to_keep": days})
	if err != nil {
		return err
	}
	var res struct {
		Cutoff  time.Time      `json:"cutoff"`
		Removed map[string]int `json:"removed"`
	}
	if err := decodeJSON(resp, &res); err != nil {
		return err
	}
	total := 0
	for col, n := range res.Removed {
		total += n
		if n > 0 {
			printStatus(w, col, "%d removed", n)
		}
	}
	printSuccess("Removed %d observations older than %s", total, res.Cutoff.Format(time.RFC3339))
	return nil
}

func init() {
	cleanupCmd.Flags().Int("days", 30, "days of telemetry to keep")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value. Secrets (llm.api_key, server.api_token) are\n" +
		"written to the secrets file, everything else to config.yaml.\n\n" +
		"Valid keys:\n  " + strings.Join(config.ValidKeys(), "\n  "),
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			return err
		}
		if strings.HasSuffix(key, "api_key") || strings.HasSuffix(key, "api_token") {
			printSuccess("Set %s", key)
			return nil
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
