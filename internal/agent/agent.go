package agent

import (
	"context"
	"log/slog"

	"github.com/dotcommander/yagent/internal/errs"
	"github.com/dotcommander/yagent/internal/model"
	"github.com/dotcommander/yagent/internal/output"
	"github.com/dotcommander/yagent/internal/tools"
)

// Agent runs conversations with a model until it produces a T.
//
// An Agent is configured once and then safe for concurrent runs: each run
// owns its history, usage and retry counters.
type Agent[T any] struct {
	model      model.Model
	opts       options
	registry   *tools.Registry
	schema     *output.Schema[T]
	validators []output.Validator[T]
	logger     *slog.Logger
}

// New builds an agent for model m. m may be nil if every run passes
// WithModel.
func New[T any](m model.Model, opts ...Option) (*Agent[T], error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.retries < 0 || o.modelRetries < 0 {
		return nil, errs.NewUserError("retry budgets must not be negative")
	}
	switch o.endStrategy {
	case EndEarly, EndExhaustive:
	default:
		return nil, errs.NewUserError("unknown end strategy %q", o.endStrategy)
	}

	schema, err := output.NewSchema[T](resultOptions(o)...)
	if err != nil {
		return nil, errs.NewUserError("%v", err)
	}

	registry := tools.NewRegistry(o.retries)
	if err := registry.Register(o.tools...); err != nil {
		return nil, err //nolint:wrapcheck
	}
	for _, def := range schema.Tools() {
		if _, ok := registry.Get(def.Name); ok {
			return nil, &errs.DuplicateToolError{Name: def.Name}
		}
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	if o.name != "" {
		logger = logger.With("agent", o.name)
	}

	return &Agent[T]{
		model:    m,
		opts:     o,
		registry: registry,
		schema:   schema,
		logger:   logger,
	}, nil
}

// Register adds tools after construction. It must not be called while runs
// are in progress.
func (a *Agent[T]) Register(t ...tools.Tool) error {
	for _, tool := range t {
		if a.schema.IsResultTool(tool.Name) {
			return &errs.DuplicateToolError{Name: tool.Name}
		}
	}
	return a.registry.Register(t...) //nolint:wrapcheck
}

// AddResultValidator appends a validator run on every candidate result. It
// must not be called while runs are in progress.
func (a *Agent[T]) AddResultValidator(v output.Validator[T]) {
	a.validators = append(a.validators, v)
}

// Name returns the agent name.
func (a *Agent[T]) Name() string { return a.opts.name }

// Tools returns the registered tool names.
func (a *Agent[T]) Tools() []string { return a.registry.Names() }

// Run runs the agent to completion.
func (a *Agent[T]) Run(ctx context.Context, prompt string, opts ...RunOption) (*RunResult[T], error) {
	r, err := a.newRun(prompt, opts)
	if err != nil {
		return nil, err
	}
	return r.run(ctx)
}
