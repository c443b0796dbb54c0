package api

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/pharmarag/internal/report"
)

const recentResourceLimit = 10

// NewMCPServer creates an MCP server with the pharmarag tools and resources
// registered.
func NewMCPServer(deps Deps, version string) *server.MCPServer {
	svc := newService(deps)

	s := server.NewMCPServer(
		"pharmarag",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("pharmarag generates GMP-style manufacturing reports from live telemetry and a regulatory knowledge base."),
		server.WithRecovery(),
	)

	typeNames := make([]string, len(report.Types))
	for i, t := range report.Types {
		typeNames[i] = string(t)
	}

	s.AddTool(
		mcp.NewTool("generate_report",
			mcp.WithDescription("Generate a pharmaceutical manufacturing report. Falls back to a template report when the language model is unavailable."),
			mcp.WithString("report_type", mcp.Description("Report type"), mcp.Required(), mcp.Enum(typeNames...)),
			mcp.WithString("query", mcp.Description("What the report should focus on"), mcp.Required()),
			mcp.WithObject("additional_context", mcp.Description("Extra key/value facts such as batch_id or shift")),
		),
		mcpGenerateReport(svc),
	)

	s.AddTool(
		mcp.NewTool("search_knowledge",
			mcp.WithDescription("Semantically search one knowledge collection."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithString("collection", mcp.Description("Collection to search (default documentation)")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpSearchKnowledge(svc),
	)

	s.AddTool(
		mcp.NewTool("collect_data",
			mcp.WithDescription("Fetch fresh observations from the prediction services and index them."),
			mcp.WithArray("sources", mcp.Description("Sources to collect (default all)"), mcp.WithStringItems()),
		),
		mcpCollectData(svc),
	)

	s.AddTool(
		mcp.NewTool("add_documentation",
			mcp.WithDescription("Queue a reference document for indexing into the knowledge base."),
			mcp.WithString("title", mcp.Description("Document title")),
			mcp.WithString("content", mcp.Description("Document text"), mcp.Required()),
			mcp.WithString("collection", mcp.Description("documentation (default) or templates")),
			mcp.WithArray("tags", mcp.Description("Optional tags"), mcp.WithStringItems()),
		),
		mcpAddDocumentation(svc),
	)

	s.AddResource(
		mcp.NewResource(
			"reports://recent",
			"Recent Reports",
			mcp.WithResourceDescription("The last 10 generated reports"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(svc),
	)

	s.AddResource(
		mcp.NewResource(
			"knowledge://status",
			"Knowledge Status",
			mcp.WithResourceDescription("Record counts per collection and data freshness per source"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStatus(svc),
	)

	return s
}

func mcpGenerateReport(s *service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		reportType, err := req.RequireString("report_type")
		if err != nil {
			return mcpError("report_type is required"), nil
		}
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		rep, err := s.generate(ctx, report.Request{
			ReportType:        report.ReportType(reportType),
			Query:             query,
			AdditionalContext: stringMap(req.GetArguments()["additional_context"]),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("generate failed: %v", err)), nil
		}

		header := fmt.Sprintf("<!-- id=%s mode=%s", rep.ID, rep.Mode)
		if rep.FallbackReason != report.ReasonNone {
			header += " fallback_reason=" + string(rep.FallbackReason)
		}
		return mcpText(header + " -->\n" + rep.Content), nil
	}
}

func mcpSearchKnowledge(s *service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		results, err := s.search(ctx, query, req.GetString("collection", ""), req.GetInt("limit", defaultSearchK))
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		return mcpJSON(results)
	}
}

func mcpCollectData(s *service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res, err := s.collect(ctx, req.GetStringSlice("sources", nil))
		if err != nil {
			return mcpError(fmt.Sprintf("collect failed: %v", err)), nil
		}
		return mcpJSON(res)
	}
}

func mcpAddDocumentation(s *service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}

		resp, err := s.addDocumentation(documentRequest{
			Title:      req.GetString("title", ""),
			Content:    content,
			Collection: req.GetString("collection", ""),
			Source:     "mcp",
			Tags:       req.GetStringSlice("tags", nil),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to queue document: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Queued document %s (%d chunks) for %s", resp.ID, resp.Chunks, resp.Collection)), nil
	}
}

func mcpResourceRecent(s *service) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		reports, err := s.recent("", recentResourceLimit)
		if err != nil {
			return nil, fmt.Errorf("failed to get recent reports: %w", err)
		}

		type reportSummary struct {
			ID             string `json:"id"`
			ReportType     string `json:"report_type"`
			Title          string `json:"title"`
			Mode           string `json:"mode"`
			FallbackReason string `json:"fallback_reason,omitempty"`
			GeneratedAt    string `json:"generated_at"`
		}
		summaries := make([]reportSummary, len(reports))
		for i, rep := range reports {
			summaries[i] = reportSummary{
				ID:             rep.ID,
				ReportType:     string(rep.ReportType),
				Title:          rep.Title,
				Mode:           string(rep.Mode),
				FallbackReason: string(rep.FallbackReason),
				GeneratedAt:    rep.GeneratedAt.Format("2006-01-02T15:04:05Z07:00"),
			}
		}
		return jsonResource(req.Params.URI, summaries)
	}
}

func mcpResourceStatus(s *service) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		st, err := s.status(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get knowledge status: %w", err)
		}
		return jsonResource(req.Params.URI, st)
	}
}

// stringMap converts a JSON object argument to string values. Keys are
// visited in sorted order so repeated calls format numbers identically.
func stringMap(v any) map[string]string {
	m, ok := v.(map[string]any)
	if !ok || len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(map[string]string, len(m))
	for _, k := range keys {
		switch val := m[k].(type) {
		case string:
			out[k] = val
		default:
			b, err := json.Marshal(val)
			if err != nil {
				continue
			}
			out[k] = string(b)
		}
	}
	return out
}

func jsonResource(uri string, v any) ([]mcp.ResourceContents, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal resource: %w", err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
