package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/dotcommander/yagent/internal/present"
)

// readPrompt joins the prompt arguments with whatever is piped on stdin.
// Piped input goes after the arguments, separated by a blank line.
func readPrompt(in io.Reader, args []string) (string, error) {
	prompt := strings.TrimSpace(strings.Join(args, " "))
	if present.IsInputTTY() {
		return prompt, nil
	}
	b, err := io.ReadAll(in)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	piped := strings.TrimSpace(string(b))
	switch {
	case piped == "":
		return prompt, nil
	case prompt == "":
		return piped, nil
	default:
		return prompt + "\n\n" + piped, nil
	}
}

// drainStdin discards piped input so the writer on the other side of the
// pipe does not block.
func drainStdin(in io.Reader) {
	if present.IsInputTTY() {
		return
	}
	_, _ = io.Copy(io.Discard, in)
}
