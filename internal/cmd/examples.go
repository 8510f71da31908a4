package cmd

import (
	"maps"
	"math/rand/v2"
	"regexp"
	"slices"

	"github.com/dotcommander/yagent/internal/present"
)

var examples = map[string]string{
	"Review a diff":                  `git diff | yagent "review this change and list risky spots"`,
	"Use tools from an MCP server":   `yagent -a anthropic "list the open issues labelled bug"`,
	"Keep a conversation going":      `yagent -C "now summarize that as a table"`,
	"Stream a long answer":           `yagent --stream "explain how TCP slow start works"`,
	"Cap what a single run may cost": `yagent --request-limit 3 --total-tokens-limit 2000 "plan a trip to Lisbon"`,
}

func randomExample() string {
	keys := slices.Sorted(maps.Keys(examples))
	return keys[rand.IntN(len(keys))] //nolint:gosec
}

var (
	quotedRe = regexp.MustCompile(`"([^"\\]|\\.)*"`)
	pipeRe   = regexp.MustCompile(`\|`)
)

func cheapHighlighting(s present.Styles, code string) string {
	code = quotedRe.ReplaceAllStringFunc(code, func(x string) string { return s.Quote.Render(x) })
	return pipeRe.ReplaceAllStringFunc(code, func(x string) string { return s.Pipe.Render(x) })
}
