package cmd

import (
	"time"

	"github.com/caarlos0/duration"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/dotcommander/yagent/internal/present"
	"github.com/dotcommander/yagent/internal/settings"
)

var helpText = map[string]string{
	"api":                "OpenAI compatible REST API (openai, anthropic, google, ollama, etc.)",
	"model":              "Default model (gpt-4o, claude-sonnet-4, etc.)",
	"system":             "System prompt, or a file:// or https:// reference to one",
	"role":               "System role to use",
	"continue":           "Continue from the last response or a given run ID or title",
	"continue-last":      "Continue the last run",
	"title":              "Save the run with the given title",
	"no-cache":           "Disables saving the run",
	"stream":             "Stream the answer as it is generated",
	"max-tokens":         "Maximum number of tokens in a response",
	"temp":               "Temperature (randomness) of results, from 0.0 to 2.0",
	"topp":               "TopP, an alternative to temperature that narrows response, from 0.0 to 1.0",
	"timeout":            "Timeout for each model request (e.g. 30s, 2m)",
	"retries":            "Retries allowed for tool and result validation failures",
	"model-retries":      "Retries allowed for failed model requests",
	"end-strategy":       "When a final result arrives with other tool calls: early or exhaustive",
	"request-limit":      "Maximum model requests per run; 0 means no limit",
	"total-tokens-limit": "Maximum tokens per run; 0 means no limit",
	"http-proxy":         "HTTP proxy to use for API requests",
	"mcp-disable":        "Disable specific MCP servers, or * for all",
	"word-wrap":          "Wrap formatted output at specific width",
	"quiet":              "Quiet mode (hide status and save messages)",
	"raw":                "Print raw text, without markdown formatting",
	"log-level":          "Log level: debug, info, warn or error",
	"log-format":         "Log format: text or json",
}

func desc(name string) string {
	return present.StdoutStyles().FlagDesc.Render(helpText[name])
}

// settingsFlags hold flag values that override model settings only when
// given explicitly, so the settings file stays in charge otherwise.
type settingsFlags struct {
	maxTokens   int64
	temperature float64
	topP        float64
	timeout     time.Duration
}

func (rt *runtime) applySettingsFlags(flags *pflag.FlagSet) {
	ms := &rt.cfg.ModelSettings
	if flags.Changed("max-tokens") {
		ms.MaxTokens = settings.Ptr(rt.flags.maxTokens)
	}
	if flags.Changed("temp") {
		ms.Temperature = settings.Ptr(rt.flags.temperature)
	}
	if flags.Changed("topp") {
		ms.TopP = settings.Ptr(rt.flags.topP)
	}
	if flags.Changed("timeout") {
		ms.Timeout = settings.Ptr(rt.flags.timeout)
	}
}

// initPersistentFlags adds the output and logging flags every command shares.
func initPersistentFlags(cmd *cobra.Command, rt *runtime) {
	flags := cmd.PersistentFlags()
	cfg := &rt.cfg
	flags.BoolVarP(&cfg.Quiet, "quiet", "q", cfg.Quiet, desc("quiet"))
	flags.BoolVarP(&cfg.Raw, "raw", "r", cfg.Raw, desc("raw"))
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, desc("log-level"))
	flags.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, desc("log-format"))
}

// initAgentFlags adds the flags of commands that run the agent.
func initAgentFlags(cmd *cobra.Command, rt *runtime) {
	flags := cmd.Flags()
	cfg := &rt.cfg
	flags.StringVarP(&cfg.API, "api", "a", cfg.API, desc("api"))
	flags.StringVarP(&cfg.Model, "model", "m", cfg.Model, desc("model"))
	flags.StringVar(&cfg.System, "system", cfg.System, desc("system"))
	flags.StringVarP(&cfg.Role, "role", "R", cfg.Role, desc("role"))
	flags.StringVarP(&cfg.Continue, "continue", "c", "", desc("continue"))
	flags.BoolVarP(&cfg.ContinueLast, "continue-last", "C", false, desc("continue-last"))
	flags.StringVarP(&cfg.Title, "title", "t", "", desc("title"))
	flags.BoolVar(&cfg.NoCache, "no-cache", cfg.NoCache, desc("no-cache"))
	flags.Int64Var(&rt.flags.maxTokens, "max-tokens", 0, desc("max-tokens"))
	flags.Float64Var(&rt.flags.temperature, "temp", 1, desc("temp"))
	flags.Float64Var(&rt.flags.topP, "topp", 1, desc("topp"))
	flags.Var(newDurationFlag(0, &rt.flags.timeout), "timeout", desc("timeout"))
	flags.IntVar(&cfg.Retries, "retries", cfg.Retries, desc("retries"))
	flags.IntVar(&cfg.ModelRetries, "model-retries", cfg.ModelRetries, desc("model-retries"))
	flags.StringVar(&cfg.EndStrategy, "end-strategy", cfg.EndStrategy, desc("end-strategy"))
	flags.IntVar(&cfg.Limits.RequestLimit, "request-limit", cfg.Limits.RequestLimit, desc("request-limit"))
	flags.IntVar(&cfg.Limits.TotalTokensLimit, "total-tokens-limit", cfg.Limits.TotalTokensLimit, desc("total-tokens-limit"))
	flags.StringVarP(&cfg.HTTPProxy, "http-proxy", "x", cfg.HTTPProxy, desc("http-proxy"))
	flags.StringArrayVar(&cfg.MCPDisable, "mcp-disable", cfg.MCPDisable, desc("mcp-disable"))
	flags.IntVar(&cfg.WordWrap, "word-wrap", cfg.WordWrap, desc("word-wrap"))
	flags.SortFlags = false

	_ = cmd.RegisterFlagCompletionFunc("continue", func(_ *cobra.Command, _ []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return rt.runCompletions(toComplete), cobra.ShellCompDirectiveNoFileComp
	})
	_ = cmd.RegisterFlagCompletionFunc("role", func(_ *cobra.Command, _ []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return roleNames(cfg, toComplete), cobra.ShellCompDirectiveNoFileComp
	})
	_ = cmd.RegisterFlagCompletionFunc("end-strategy", cobra.FixedCompletions(
		[]string{"early", "exhaustive"}, cobra.ShellCompDirectiveNoFileComp,
	))

	cmd.MarkFlagsMutuallyExclusive("continue", "continue-last")
}

func (rt *runtime) runCompletions(in string) []string {
	if rt.cfg.CachePath == "" {
		return nil
	}
	store, err := openRunStore(rt.cfg.CachePath)
	if err != nil {
		return nil
	}
	defer store.Close() //nolint:errcheck
	return store.DB.Completions(in)
}

// durationFlag accepts day and week units on top of time.ParseDuration's.
type durationFlag time.Duration

func newDurationFlag(val time.Duration, p *time.Duration) *durationFlag {
	*p = val
	return (*durationFlag)(p)
}

func (d *durationFlag) Set(s string) error {
	v, err := duration.Parse(s)
	if err != nil {
		return err //nolint:wrapcheck
	}
	*d = durationFlag(v)
	return nil
}

func (d *durationFlag) String() string { return time.Duration(*d).String() }

func (*durationFlag) Type() string { return "duration" }
