package tools

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dotcommander/yagent/internal/errs"
	"github.com/dotcommander/yagent/internal/proto"
)

// DefaultMaxRetries is the per-tool retry budget when neither the tool nor
// the registry sets one.
const DefaultMaxRetries = 1

// Registry maps tool names to tools. Registration happens before a run
// starts; the registry is only read during dispatch.
type Registry struct {
	tools      map[string]Tool
	order      []string
	validators map[string]*ArgsValidator
	maxRetries int
}

// NewRegistry returns an empty registry. maxRetries is the default retry
// budget of tools that do not set their own.
func NewRegistry(maxRetries int) *Registry {
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Registry{
		tools:      make(map[string]Tool),
		validators: make(map[string]*ArgsValidator),
		maxRetries: maxRetries,
	}
}

// Register adds tools to the registry.
func (r *Registry) Register(tools ...Tool) error {
	for _, t := range tools {
		if t.Name == "" {
			return errs.NewUserError("tool name must not be empty")
		}
		if t.Func == nil {
			return errs.NewUserError("tool %s has no function", t.Name)
		}
		if _, ok := r.tools[t.Name]; ok {
			return &errs.DuplicateToolError{Name: t.Name}
		}
		validator, err := CompileArgs(t.Parameters)
		if err != nil {
			return errs.NewUserError("tool %s: %v", t.Name, err)
		}
		r.validators[t.Name] = validator
		r.tools[t.Name] = t
		r.order = append(r.order, t.Name)
	}
	return nil
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Len returns the number of registered tools.
func (r *Registry) Len() int { return len(r.tools) }

// Names returns the tool names in registration order.
func (r *Registry) Names() []string { return slices.Clone(r.order) }

// Definitions returns the definitions of the registered tools, in
// registration order, after applying each tool's Prepare function.
func (r *Registry) Definitions(ctx context.Context, rc RunContext) ([]proto.ToolDefinition, error) {
	defs := make([]proto.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		def := t.Definition()
		if t.Prepare == nil {
			defs = append(defs, def)
			continue
		}
		prepared, err := t.Prepare(ctx, rc, def)
		if err != nil {
			return nil, fmt.Errorf("prepare tool %s: %w", name, err)
		}
		if prepared != nil {
			defs = append(defs, *prepared)
		}
	}
	return defs, nil
}

func (r *Registry) budget(t Tool) int {
	if t.MaxRetries > 0 {
		return t.MaxRetries
	}
	return r.maxRetries
}

// RetryState counts consecutive retries per tool within one run.
type RetryState struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewRetryState returns empty counters.
func NewRetryState() *RetryState {
	return &RetryState{counts: make(map[string]int)}
}

// Current returns the retry count of the named tool.
func (s *RetryState) Current(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[name]
}

// Snapshot returns a copy of the counters.
func (s *RetryState) Snapshot() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.counts)
}

func (s *RetryState) incr(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[name]++
	return s.counts[name]
}

func (s *RetryState) reset(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.counts, name)
}

// Dispatch runs one tool call and returns the part answering it: a
// ToolReturnPart on success, or a RetryPromptPart when the tool asked for a
// retry, failed, or was given invalid arguments.
//
// It returns *errs.UnknownToolError for an unregistered tool and
// *errs.UnexpectedModelBehavior once the tool's retry budget is exhausted.
func (r *Registry) Dispatch(ctx context.Context, rc RunContext, state *RetryState, call proto.ToolCallPart) (proto.RequestPart, error) {
	t, ok := r.tools[call.ToolName]
	if !ok {
		return nil, &errs.UnknownToolError{Name: call.ToolName, Available: r.Names()}
	}
	if err := ctx.Err(); err != nil {
		return nil, err //nolint:wrapcheck
	}

	rc.ToolName = call.ToolName
	rc.ToolCallID = call.ToolCallID
	rc.Retry = state.Current(call.ToolName)

	args, err := call.ArgsAsMap()
	if err != nil {
		return r.retry(t, state, call, err.Error())
	}
	if problems := r.validators[t.Name].Check(args); problems != "" {
		return r.retry(t, state, call, problems)
	}

	result, err := t.Func(ctx, rc, args)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return r.retry(t, state, call, fmt.Sprintf("Error executing tool %s: %v", t.Name, err))
	}
	if result.IsRetry() {
		return r.retry(t, state, call, result.Message())
	}

	state.reset(call.ToolName)
	return proto.ToolReturnPart{
		ToolName:   call.ToolName,
		Content:    result.Value(),
		ToolCallID: call.ToolCallID,
		Timestamp:  time.Now().UTC(),
	}, nil
}

func (r *Registry) retry(t Tool, state *RetryState, call proto.ToolCallPart, msg string) (proto.RequestPart, error) {
	budget := r.budget(t)
	if n := state.incr(call.ToolName); n > budget {
		return nil, &errs.UnexpectedModelBehavior{
			Message: fmt.Sprintf("Tool exceeded max retries count of %d", budget),
			Body:    msg,
		}
	}
	return proto.RetryPromptPart{
		Content:    msg,
		ToolName:   call.ToolName,
		ToolCallID: call.ToolCallID,
		Timestamp:  time.Now().UTC(),
	}, nil
}

// DispatchAll runs calls concurrently and returns their answers in call
// order. It waits for every call to finish; the first fatal error cancels
// the rest and is returned.
func (r *Registry) DispatchAll(ctx context.Context, rc RunContext, state *RetryState, calls []proto.ToolCallPart) ([]proto.RequestPart, error) {
	parts := make([]proto.RequestPart, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		g.Go(func() error {
			part, err := r.Dispatch(gctx, rc, state, call)
			if err != nil {
				return err
			}
			parts[i] = part
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err //nolint:wrapcheck
	}
	return parts, nil
}
