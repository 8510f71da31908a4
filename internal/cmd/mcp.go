package cmd

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	mmcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/spf13/cobra"

	"github.com/dotcommander/yagent/internal/errs"
	imcp "github.com/dotcommander/yagent/internal/mcp"
	"github.com/dotcommander/yagent/internal/present"
)

func newMCPCmd(rt *runtime) *cobra.Command {
	mcpCmd := &cobra.Command{
		Use:   "mcp",
		Short: "Inspect the MCP servers whose tools the agent can call",
	}

	mcpCmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List configured MCP servers",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				if rt.cfgErr != nil {
					return rt.cfgErr
				}
				rt.listMCPServers(cmd.OutOrStdout())
				return nil
			},
		},
		&cobra.Command{
			Use:   "tools",
			Short: "List the tools of enabled MCP servers, as the agent names them",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				if rt.cfgErr != nil {
					return rt.cfgErr
				}
				return rt.listMCPTools(cmd.Context(), cmd.OutOrStdout())
			},
		},
	)
	return mcpCmd
}

func (rt *runtime) listMCPServers(w io.Writer) {
	svc := imcp.New(&rt.cfg, rt.logger)
	for _, name := range slices.Sorted(maps.Keys(rt.cfg.MCPServers)) {
		s := name + " " + present.StdoutStyles().Comment.Render(rt.cfg.MCPServers[name].Type)
		if svc.IsEnabled(name) {
			s += present.StdoutStyles().Timeago.Render(" (enabled)")
		}
		_, _ = fmt.Fprintln(w, s)
	}
}

func (rt *runtime) listMCPTools(ctx context.Context, w io.Writer) error {
	servers, err := imcp.New(&rt.cfg, rt.logger).Tools(ctx)
	if err != nil {
		return errs.Wrap(err, "Could not list MCP tools.")
	}

	styles := present.StdoutStyles()
	for _, server := range slices.Sorted(maps.Keys(servers)) {
		tools := servers[server]
		slices.SortFunc(tools, func(a, b mmcp.Tool) int { return strings.Compare(a.Name, b.Name) })
		for _, tool := range tools {
			_, _ = fmt.Fprintf(w, "%s%s %s\n",
				styles.Timeago.Render(server+" > "),
				tool.Name,
				styles.Comment.Render(server+"_"+tool.Name),
			)
		}
	}
	return nil
}
