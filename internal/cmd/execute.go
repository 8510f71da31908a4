package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dotcommander/yagent/internal/config"
)

// Execute runs the command line and exits non-zero on error. An interrupt
// cancels the running agent.
func Execute(build BuildInfo, cfg config.Config, cfgErr error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := NewRootCmd(build, cfg, cfgErr).ExecuteContext(ctx)
	stop()
	if err != nil {
		drainStdin(os.Stdin)
		handleError(os.Stderr, err)
		os.Exit(1)
	}
}
