// Package present renders CLI output: styles, markdown and TTY detection.
package present

import (
	"os"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
)

func isTerminal(f *os.File) func() bool {
	return sync.OnceValue(func() bool {
		return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	})
}

var (
	stdinTTY  = isTerminal(os.Stdin)
	stdoutTTY = isTerminal(os.Stdout)
)

// IsInputTTY reports whether stdin is a terminal, meaning no prompt is piped in.
func IsInputTTY() bool { return stdinTTY() }

// IsOutputTTY reports whether stdout is a terminal.
func IsOutputTTY() bool { return stdoutTTY() }

var stdoutRenderer = sync.OnceValue(lipgloss.DefaultRenderer)

var stderrRenderer = sync.OnceValue(func() *lipgloss.Renderer {
	return lipgloss.NewRenderer(os.Stderr, termenv.WithColorCache(true))
})

// StdoutRenderer returns the lipgloss renderer bound to stdout.
func StdoutRenderer() *lipgloss.Renderer { return stdoutRenderer() }

// StderrRenderer returns the lipgloss renderer bound to stderr.
func StderrRenderer() *lipgloss.Renderer { return stderrRenderer() }

var (
	stdoutStyles = sync.OnceValue(func() Styles { return MakeStyles(StdoutRenderer()) })
	stderrStyles = sync.OnceValue(func() Styles { return MakeStyles(StderrRenderer()) })
)

// StdoutStyles returns styles for stdout.
func StdoutStyles() Styles { return stdoutStyles() }

// StderrStyles returns styles for stderr, where status lines and errors go.
func StderrStyles() Styles { return stderrStyles() }
