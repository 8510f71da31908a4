// Package mcp exposes the tools of configured MCP servers as agent tools.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/dotcommander/yagent/internal/config"
	"github.com/dotcommander/yagent/internal/errs"
)

// dialFunc creates a client for the named server. The client is started and
// initialized by the caller.
type dialFunc func(ctx context.Context, name string, server config.MCPServerConfig) (*client.Client, error)

// Service provides access to MCP server discovery and tool execution.
type Service struct {
	cfg    *config.Config
	logger *slog.Logger
	dial   dialFunc
}

// New creates a new MCP service.
func New(cfg *config.Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{cfg: cfg, logger: logger}
	s.dial = func(_ context.Context, _ string, server config.MCPServerConfig) (*client.Client, error) {
		return newClient(cfg, server)
	}
	return s
}

// IsEnabled reports whether the named MCP server is enabled.
func (s *Service) IsEnabled(name string) bool {
	return !slices.Contains(s.cfg.MCPDisable, "*") &&
		!slices.Contains(s.cfg.MCPDisable, name)
}

// EnabledServers iterates enabled MCP servers in stable order.
func (s *Service) EnabledServers() iter.Seq2[string, config.MCPServerConfig] {
	return func(yield func(string, config.MCPServerConfig) bool) {
		names := slices.Collect(maps.Keys(s.cfg.MCPServers))
		slices.Sort(names)
		for _, name := range names {
			if !s.IsEnabled(name) {
				continue
			}
			if !yield(name, s.cfg.MCPServers[name]) {
				return
			}
		}
	}
}

// Tools lists the tools of every enabled server, grouped by server name.
func (s *Service) Tools(ctx context.Context) (map[string][]mcp.Tool, error) {
	ts, err := s.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer ts.Close() //nolint:errcheck

	result := map[string][]mcp.Tool{}
	for _, conn := range ts.conns {
		result[conn.server] = conn.tools
	}
	return result, nil
}

// Open connects to every enabled server and lists its tools. The returned
// Toolset keeps the connections open until Close.
func (s *Service) Open(ctx context.Context) (*Toolset, error) {
	var mu sync.Mutex
	var wg errgroup.Group
	ts := &Toolset{logger: s.logger, timeout: s.cfg.MCPTimeout}
	for sname, server := range s.EnabledServers() {
		wg.Go(func() error {
			conn, err := s.connect(ctx, sname, server)
			if errors.Is(err, context.DeadlineExceeded) {
				return errs.Wrap(
					fmt.Errorf("timeout while listing tools for %q - make sure the configuration is correct. If your server requires a docker container, make sure it's running", sname),
					"Could not list tools",
				)
			}
			if err != nil {
				return errs.Wrap(err, "Could not list tools")
			}
			mu.Lock()
			ts.conns = append(ts.conns, conn)
			mu.Unlock()
			return nil
		})
	}
	if err := wg.Wait(); err != nil {
		_ = ts.Close()
		return nil, fmt.Errorf("mcp tools: %w", err)
	}
	slices.SortFunc(ts.conns, func(a, b *conn) int { return strings.Compare(a.server, b.server) })
	return ts, nil
}

func (s *Service) connect(ctx context.Context, name string, server config.MCPServerConfig) (*conn, error) {
	cli, err := s.dial(ctx, name, server)
	if err != nil {
		return nil, fmt.Errorf("could not setup %s: %w", name, err)
	}
	// Start binds long-lived transports to ctx, so only setup is timed.
	if err := cli.Start(ctx); err != nil {
		cli.Close() //nolint:errcheck,gosec
		return nil, fmt.Errorf("could not setup %s: failed to start MCP client: %w", name, err)
	}

	setupCtx, cancel := withTimeout(ctx, s.cfg.MCPTimeout)
	defer cancel()
	if err := initialize(setupCtx, cli); err != nil {
		cli.Close() //nolint:errcheck,gosec
		return nil, fmt.Errorf("could not setup %s: %w", name, err)
	}
	list, err := cli.ListTools(setupCtx, mcp.ListToolsRequest{})
	if err != nil {
		cli.Close() //nolint:errcheck,gosec
		return nil, fmt.Errorf("could not setup %s: %w", name, err)
	}
	s.logger.Debug("mcp server connected", "server", name, "tools", len(list.Tools))
	return &conn{server: name, cli: cli, tools: list.Tools}, nil
}

func newClient(cfg *config.Config, server config.MCPServerConfig) (*client.Client, error) {
	var cli *client.Client
	var err error

	switch server.Type {
	case "", "stdio":
		env := server.Env
		if cfg != nil && !cfg.MCPNoInheritEnv {
			env = append(os.Environ(), server.Env...)
		}
		cli, err = client.NewStdioMCPClient(
			server.Command,
			env,
			server.Args...,
		)
	case "sse":
		cli, err = client.NewSSEMCPClient(server.URL)
	case "http":
		cli, err = client.NewStreamableHttpClient(server.URL)
	default:
		return nil, fmt.Errorf("unsupported MCP server type: %q, supported types are: stdio, sse, http", server.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create MCP client: %w", err)
	}
	return cli, nil
}

func initialize(ctx context.Context, cli *client.Client) error {
	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: "yagent", Version: "1"}
	if _, err := cli.Initialize(ctx, req); err != nil {
		return fmt.Errorf("failed to initialize MCP client: %w", err)
	}
	return nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
