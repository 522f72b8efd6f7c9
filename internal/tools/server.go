// Package tools exposes starbox over the Model Context Protocol so agents
// can run sandboxed Starlark as a tool call.
package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/michaelbrown/starbox/internal/executor"
	"github.com/michaelbrown/starbox/internal/grant"
	"github.com/michaelbrown/starbox/internal/storage"
)

const (
	RunTool     = "starlark_run"
	HistoryTool = "starlark_history"

	maxResultText = 16000
)

// Server handles tool calls against one executor. Grants come from the
// operator's config; callers cannot name host paths.
type Server struct {
	exec   *executor.Executor
	store  storage.Store
	grants []grant.Grant
}

// NewServer builds the MCP server. The history tool is only registered when
// store is non-nil.
func NewServer(exec *executor.Executor, store storage.Store, grants []grant.Grant, version string) *server.MCPServer {
	t := &Server{exec: exec, store: store, grants: grants}
	s := server.NewMCPServer("starbox", version)

	var mounts []string
	for _, g := range grants {
		mounts = append(mounts, g.Guest+" ("+g.Perm.String()+")")
	}
	desc := "Run a Starlark script in a fresh sandbox and return its printed output followed by the value of its final expression."
	if len(mounts) > 0 {
		desc += " Readable paths: " + strings.Join(mounts, ", ") + "."
	} else {
		desc += " The script has no filesystem access."
	}

	s.AddTool(mcp.Tool{
		Name:        RunTool,
		Description: desc,
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"script": map[string]any{
					"type":        "string",
					"description": "Starlark source to execute",
				},
			},
			Required: []string{"script"},
		},
	}, t.handleRun)

	if store != nil {
		s.AddTool(mcp.Tool{
			Name:        HistoryTool,
			Description: "List recent script runs, newest first.",
			InputSchema: mcp.ToolInputSchema{
				Type: "object",
				Properties: map[string]any{
					"limit": map[string]any{
						"type":        "number",
						"description": "Maximum number of runs to list (default 10)",
					},
					"status": map[string]any{
						"type":        "string",
						"description": "Only list runs with this status: success, failure or fault",
					},
				},
			},
		}, t.handleHistory)
	}

	return s
}

func (t *Server) handleRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]any)
	if args == nil {
		return errResult("error: invalid arguments"), nil
	}
	script, ok := args["script"].(string)
	if !ok {
		return errResult("error: 'script' is required"), nil
	}

	o, err := t.exec.Run(ctx, executor.Request{Script: script, Grants: t.grants, Source: "mcp"})
	if err != nil {
		return errResult(fmt.Sprintf("Error: %v", err)), nil
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: truncate(o.Line())}},
		IsError: !o.OK(),
	}, nil
}

func (t *Server) handleHistory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]any)

	opts := storage.RunListOptions{Limit: 10}
	if n, ok := args["limit"].(float64); ok && n > 0 {
		opts.Limit = int(n)
	}
	if status, ok := args["status"].(string); ok {
		opts.Status = storage.RunStatus(status)
	}

	runs, err := t.store.ListRuns(ctx, opts)
	if err != nil {
		return errResult(fmt.Sprintf("error: %v", err)), nil
	}
	if len(runs) == 0 {
		return textResult("no runs recorded"), nil
	}

	var b strings.Builder
	for _, r := range runs {
		fmt.Fprintf(&b, "%s  %-7s  %s  %s\n", r.ID[:8], r.Status, r.CreatedAt.Format("2006-01-02 15:04:05"), firstLine(r.Script))
	}
	return textResult(truncate(b.String())), nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	if len(line) > 60 {
		line = line[:60] + "..."
	}
	return line
}

func truncate(text string) string {
	if len(text) > maxResultText {
		return text[:maxResultText] + "\n... (output truncated)"
	}
	return text
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
	}
}

func errResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: true,
	}
}
