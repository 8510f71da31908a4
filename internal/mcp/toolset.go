package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dotcommander/yagent/internal/tools"
)

type conn struct {
	server string
	cli    *client.Client
	tools  []mcp.Tool
}

// Toolset holds open connections to MCP servers.
type Toolset struct {
	conns   []*conn
	logger  *slog.Logger
	timeout time.Duration
}

// Tools returns one agent tool per MCP tool, named <server>_<tool>.
func (ts *Toolset) Tools() ([]tools.Tool, error) {
	var out []tools.Tool
	for _, c := range ts.conns {
		for _, t := range c.tools {
			params, err := inputSchema(t)
			if err != nil {
				return nil, fmt.Errorf("mcp: tool %s_%s: %w", c.server, t.Name, err)
			}
			out = append(out, tools.Tool{
				Name:        c.server + "_" + t.Name,
				Description: t.Description,
				Parameters:  params,
				Func:        ts.caller(c, t.Name),
			})
		}
	}
	return out, nil
}

// Close closes every connection.
func (ts *Toolset) Close() error {
	var errList []error
	for _, c := range ts.conns {
		if err := c.cli.Close(); err != nil {
			errList = append(errList, fmt.Errorf("close %s: %w", c.server, err))
		}
	}
	return errors.Join(errList...)
}

func (ts *Toolset) caller(c *conn, name string) tools.Func {
	return func(ctx context.Context, rc tools.RunContext, args map[string]any) (tools.Result, error) {
		ctx, cancel := withTimeout(ctx, ts.timeout)
		defer cancel()
		ts.logger.Debug("mcp tool call", "server", c.server, "tool", name, "tool_call_id", rc.ToolCallID)

		req := mcp.CallToolRequest{}
		req.Params.Name = name
		req.Params.Arguments = args
		result, err := c.cli.CallTool(ctx, req)
		if err != nil {
			return tools.Result{}, fmt.Errorf("mcp: %s_%s: %w", c.server, name, err)
		}

		text := contentText(result.Content)
		if result.IsError {
			return tools.Retry(text), nil
		}
		return tools.Ok(text), nil
	}
}

func contentText(content []mcp.Content) string {
	var sb strings.Builder
	for _, c := range content {
		switch c := c.(type) {
		case mcp.TextContent:
			sb.WriteString(c.Text)
		case mcp.ImageContent:
			sb.WriteString("[image " + c.MIMEType + "]")
		default:
			sb.WriteString("[Non-text content]")
		}
	}
	return sb.String()
}

func inputSchema(t mcp.Tool) (map[string]any, error) {
	raw := t.RawInputSchema
	if len(raw) == 0 {
		b, err := json.Marshal(t.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("encode input schema: %w", err)
		}
		raw = b
	}
	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, fmt.Errorf("decode input schema: %w", err)
	}
	if schema["type"] == nil {
		schema["type"] = "object"
	}
	if schema["properties"] == nil {
		schema["properties"] = map[string]any{}
	}
	return schema, nil
}
