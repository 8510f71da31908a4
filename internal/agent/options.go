package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/dotcommander/yagent/internal/model"
	"github.com/dotcommander/yagent/internal/output"
	"github.com/dotcommander/yagent/internal/proto"
	"github.com/dotcommander/yagent/internal/settings"
	"github.com/dotcommander/yagent/internal/tools"
	"github.com/dotcommander/yagent/internal/usage"
)

// EndStrategy decides what happens to the remaining tool calls of a
// response once a final result has been found in it.
type EndStrategy string

// End strategies.
const (
	// EndEarly stops at the first final result; other tool calls of the
	// response are answered without being executed.
	EndEarly EndStrategy = "early"
	// EndExhaustive executes every function tool call of the response
	// before ending.
	EndExhaustive EndStrategy = "exhaustive"
)

// Defaults.
const (
	DefaultRetries      = 1
	DefaultModelRetries = 2
	DefaultBackoff      = 500 * time.Millisecond
	DefaultMaxBackoff   = 10 * time.Second
)

// SystemPromptFunc computes a system prompt at the start of a run.
type SystemPromptFunc func(ctx context.Context, rc tools.RunContext) (string, error)

// SystemPrompt is a system prompt computed by a function. Dynamic prompts
// are recomputed when a stored history is replayed; Name identifies them in
// the history.
type SystemPrompt struct {
	Name    string
	Dynamic bool
	Func    SystemPromptFunc
}

type options struct {
	name           string
	systemPrompts  []string
	promptFuncs    []SystemPrompt
	tools          []tools.Tool
	settings       *settings.ModelSettings
	retries        int
	modelRetries   int
	backoff        time.Duration
	maxBackoff     time.Duration
	endStrategy    EndStrategy
	limits         usage.Limits
	logger         *slog.Logger
	resultToolName string
	resultToolDesc string
}

func defaultOptions() options {
	return options{
		retries:      DefaultRetries,
		modelRetries: DefaultModelRetries,
		backoff:      DefaultBackoff,
		maxBackoff:   DefaultMaxBackoff,
		endStrategy:  EndEarly,
		limits:       usage.DefaultLimits(),
	}
}

// Option configures an Agent.
type Option func(*options)

// WithName names the agent in logs.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithSystemPrompt adds static system prompts.
func WithSystemPrompt(prompts ...string) Option {
	return func(o *options) { o.systemPrompts = append(o.systemPrompts, prompts...) }
}

// WithSystemPromptFunc adds a computed system prompt.
func WithSystemPromptFunc(p SystemPrompt) Option {
	return func(o *options) { o.promptFuncs = append(o.promptFuncs, p) }
}

// WithTools registers tools.
func WithTools(t ...tools.Tool) Option {
	return func(o *options) { o.tools = append(o.tools, t...) }
}

// WithModelSettings sets the default model settings of every run.
func WithModelSettings(ms *settings.ModelSettings) Option {
	return func(o *options) { o.settings = ms }
}

// WithRetries sets the retry budget for result validation, unknown tools,
// and the default budget of each tool.
func WithRetries(n int) Option {
	return func(o *options) { o.retries = n }
}

// WithModelRetries sets how many times a failed model call is retried, and
// the initial delay between attempts, doubled after each attempt.
func WithModelRetries(n int, backoff time.Duration) Option {
	return func(o *options) {
		o.modelRetries = n
		o.backoff = backoff
	}
}

// WithEndStrategy sets the end strategy.
func WithEndStrategy(s EndStrategy) Option {
	return func(o *options) { o.endStrategy = s }
}

// WithUsageLimits sets the default usage limits of every run.
func WithUsageLimits(l usage.Limits) Option {
	return func(o *options) { o.limits = l }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithResultTool overrides the name and description of the final result
// tool.
func WithResultTool(name, description string) Option {
	return func(o *options) {
		o.resultToolName = name
		o.resultToolDesc = description
	}
}

type runOptions struct {
	history  []proto.Message
	deps     any
	settings *settings.ModelSettings
	limits   *usage.Limits
	model    model.Model
	media    []proto.Media
}

// RunOption configures a single run.
type RunOption func(*runOptions)

// WithMessageHistory continues a previous conversation. System prompts are
// not added again; dynamic ones are recomputed.
func WithMessageHistory(history []proto.Message) RunOption {
	return func(o *runOptions) { o.history = history }
}

// WithDeps passes dependencies through RunContext.Deps.
func WithDeps(deps any) RunOption {
	return func(o *runOptions) { o.deps = deps }
}

// WithRunSettings overrides model settings for this run, key by key.
func WithRunSettings(ms *settings.ModelSettings) RunOption {
	return func(o *runOptions) { o.settings = ms }
}

// WithRunLimits replaces the usage limits for this run.
func WithRunLimits(l usage.Limits) RunOption {
	return func(o *runOptions) { o.limits = &l }
}

// WithModel overrides the agent's model for this run.
func WithModel(m model.Model) RunOption {
	return func(o *runOptions) { o.model = m }
}

// WithMedia attaches media to the user prompt.
func WithMedia(media ...proto.Media) RunOption {
	return func(o *runOptions) { o.media = append(o.media, media...) }
}

func resultOptions(o options) []output.Option {
	var opts []output.Option
	if o.resultToolName != "" {
		opts = append(opts, output.WithToolName(o.resultToolName))
	}
	if o.resultToolDesc != "" {
		opts = append(opts, output.WithToolDescription(o.resultToolDesc))
	}
	return opts
}
