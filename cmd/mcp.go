package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"codequery/internal/index"
	"codequery/internal/query"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start an MCP server exposing code search tools",
	RunE:  runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	a, err := buildApp(context.Background())
	if err != nil {
		return err
	}
	defer a.Close()

	s := mcpserver.NewMCPServer("codequery", "1.0.0", mcpserver.WithToolCapabilities(false))
	s.AddTool(searchCodeTool(), makeSearchHandler(a.engine))
	s.AddTool(indexStatusTool(), makeStatusHandler(a.manager))

	return mcpserver.ServeStdio(s)
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

var readOnlyAnnotation = mcp.ToolAnnotation{
	ReadOnlyHint:    mcp.ToBoolPtr(true),
	DestructiveHint: mcp.ToBoolPtr(false),
	IdempotentHint:  mcp.ToBoolPtr(true),
	OpenWorldHint:   mcp.ToBoolPtr(false),
}

func searchCodeTool() mcp.Tool {
	return mcp.NewTool("search_code",
		mcp.WithDescription("Semantically search the indexed codebase. Returns verified code chunks with file paths and line numbers; stale index entries are never cited."),
		mcp.WithToolAnnotation(readOnlyAnnotation),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Natural language question or keyword query"),
		),
		mcp.WithNumber("k",
			mcp.Description("Maximum number of references to return (default 8)"),
		),
		mcp.WithString("language",
			mcp.Description("Optional language filter (e.g. 'go', 'python')"),
		),
	)
}

func indexStatusTool() mcp.Tool {
	return mcp.NewTool("index_status",
		mcp.WithDescription("Report the committed state of the code index: file and chunk counts, embedding model, and last sync time."),
		mcp.WithToolAnnotation(readOnlyAnnotation),
	)
}

func makeSearchHandler(engine *query.Engine) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		q := req.GetString("query", "")
		if q == "" {
			return mcp.NewToolResultError("query is required"), nil
		}
		opts := query.Options{TopK: req.GetInt("k", query.DefaultTopK)}
		if lang := strings.ToLower(req.GetString("language", "")); lang != "" {
			opts.Languages = []string{lang}
		}

		res, err := engine.Search(ctx, q, opts)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("search failed: %v", err)), nil
		}
		return mcp.NewToolResultText(formatReferences(q, res)), nil
	}
}

func makeStatusHandler(mgr *index.Manager) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		status, err := mgr.Status(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("status failed: %v", err)), nil
		}
		data, err := json.MarshalIndent(status, "", "  ")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("encode status: %v", err)), nil
		}
		return mcp.NewToolResultText(string(data)), nil
	}
}

func formatReferences(q string, res query.Result) string {
	var sb strings.Builder
	for _, w := range res.Warnings {
		fmt.Fprintf(&sb, "> Warning: %s\n\n", w)
	}
	if len(res.References) == 0 {
		fmt.Fprintf(&sb, "No results found for query: %q", q)
		return sb.String()
	}

	fmt.Fprintf(&sb, "## Search results for %q (%d references)\n\n", q, len(res.References))
	for i, r := range res.References {
		fmt.Fprintf(&sb, "### Result %d: `%s`\n\n", i+1, r.Path)
		fmt.Fprintf(&sb, "**Kind:** %s  \n**Name:** %s  \n**Lines:** %d-%d  \n**Score:** %.3f\n\n",
			r.Kind, r.Name, r.StartLine, r.EndLine, r.Score)
		fmt.Fprintf(&sb, "```%s\n%s\n```\n\n", strings.ToLower(r.Language), r.Snippet)
	}
	return sb.String()
}
