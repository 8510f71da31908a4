package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/dotcommander/yagent/internal/errs"
	"github.com/dotcommander/yagent/internal/model"
	"github.com/dotcommander/yagent/internal/output"
	"github.com/dotcommander/yagent/internal/proto"
	"github.com/dotcommander/yagent/internal/settings"
	"github.com/dotcommander/yagent/internal/tools"
	"github.com/dotcommander/yagent/internal/usage"
)

// Tool return contents for calls answered without being executed.
const (
	toolNotExecuted   = "Tool not executed - a final result was already processed."
	resultToolNotUsed = "Result tool not used - a final result was already processed."
)

// The run loop moves between these nodes until it reaches an endNode.
type node interface{ isNode() }

type userPromptNode struct{}

type modelRequestNode struct {
	request *proto.Request
}

type handleResponseNode struct {
	response *proto.Response
}

type endNode[T any] struct {
	output T
	// trailing answers the tool calls of the final response, if any.
	trailing *proto.Request
}

func (userPromptNode) isNode()     {}
func (modelRequestNode) isNode()   {}
func (handleResponseNode) isNode() {}
func (endNode[T]) isNode()         {}

// run is the state of a single run.
type run[T any] struct {
	a        *Agent[T]
	id       string
	prompt   string
	media    []proto.Media
	deps     any
	model    model.Model
	settings *settings.ModelSettings
	limits   usage.Limits
	logger   *slog.Logger

	history     []proto.Message
	newStart    int
	usage       usage.Usage
	retries     int
	toolRetries *tools.RetryState
}

func (a *Agent[T]) newRun(prompt string, opts []RunOption) (*run[T], error) {
	var ro runOptions
	for _, opt := range opts {
		opt(&ro)
	}
	m := a.model
	if ro.model != nil {
		m = ro.model
	}
	if m == nil {
		return nil, errs.NewUserError("no model set: pass one to agent.New or use agent.WithModel")
	}
	limits := a.opts.limits
	if ro.limits != nil {
		limits = *ro.limits
	}
	id := uuid.NewString()
	return &run[T]{
		a:           a,
		id:          id,
		prompt:      prompt,
		media:       ro.media,
		deps:        ro.deps,
		model:       m,
		settings:    settings.Merge(a.opts.settings, ro.settings),
		limits:      limits,
		logger:      a.logger.With("run_id", id, "model", m.Name()),
		history:     proto.Conversation(ro.history).Clone(),
		newStart:    len(ro.history),
		toolRetries: tools.NewRetryState(),
	}, nil
}

func (r *run[T]) runContext() tools.RunContext {
	return tools.RunContext{
		RunID:    r.id,
		Deps:     r.deps,
		Usage:    r.usage,
		Prompt:   r.prompt,
		Messages: proto.Conversation(r.history).Clone(),
	}
}

func (r *run[T]) run(ctx context.Context) (*RunResult[T], error) {
	r.logger.Debug("run started", "history", len(r.history), "tools", r.a.registry.Len())
	var n node = userPromptNode{}
	for {
		var err error
		switch cur := n.(type) {
		case userPromptNode:
			n, err = r.startNode(ctx)
		case modelRequestNode:
			n, err = r.requestNode(ctx, cur)
		case handleResponseNode:
			n, err = r.handleNode(ctx, cur)
		case endNode[T]:
			return r.finish(cur), nil
		default:
			panic(fmt.Sprintf("agent: unknown node %T", n))
		}
		if err != nil {
			return nil, r.fail(err)
		}
	}
}

// startNode builds the first request: system prompts and the user prompt,
// or only the user prompt when continuing a history.
func (r *run[T]) startNode(ctx context.Context) (node, error) {
	var parts []proto.RequestPart
	if len(r.history) > 0 {
		if err := r.refreshDynamicPrompts(ctx); err != nil {
			return nil, err
		}
	} else {
		for _, p := range r.a.opts.systemPrompts {
			parts = append(parts, proto.SystemPromptPart{Content: p})
		}
		rc := r.runContext()
		for _, sp := range r.a.opts.promptFuncs {
			content, err := sp.Func(ctx, rc)
			if err != nil {
				return nil, fmt.Errorf("system prompt %s: %w", sp.Name, err)
			}
			part := proto.SystemPromptPart{Content: content}
			if sp.Dynamic {
				part.DynamicRef = sp.Name
			}
			parts = append(parts, part)
		}
	}
	parts = append(parts, proto.UserPrompt(r.prompt, r.media...))
	return modelRequestNode{request: proto.NewRequest(parts...)}, nil
}

func (r *run[T]) refreshDynamicPrompts(ctx context.Context) error {
	dynamic := make(map[string]SystemPromptFunc)
	for _, sp := range r.a.opts.promptFuncs {
		if sp.Dynamic && sp.Name != "" {
			dynamic[sp.Name] = sp.Func
		}
	}
	if len(dynamic) == 0 {
		return nil
	}
	rc := r.runContext()
	for _, msg := range r.history {
		req, ok := msg.(*proto.Request)
		if !ok {
			continue
		}
		for i, part := range req.Parts {
			sp, ok := part.(proto.SystemPromptPart)
			if !ok || sp.DynamicRef == "" {
				continue
			}
			fn, ok := dynamic[sp.DynamicRef]
			if !ok {
				continue
			}
			content, err := fn(ctx, rc)
			if err != nil {
				return fmt.Errorf("system prompt %s: %w", sp.DynamicRef, err)
			}
			req.Parts[i] = proto.SystemPromptPart{Content: content, DynamicRef: sp.DynamicRef}
		}
	}
	return nil
}

func (r *run[T]) parameters(ctx context.Context) (model.Parameters, error) {
	defs, err := r.a.registry.Definitions(ctx, r.runContext())
	if err != nil {
		return model.Parameters{}, err //nolint:wrapcheck
	}
	return model.Parameters{
		FunctionTools:   defs,
		ResultTools:     r.a.schema.Tools(),
		AllowTextResult: r.a.schema.AllowTextResult(),
	}, nil
}

// requestNode calls the model. The request and its response are committed
// to the history together, only once the call succeeded.
func (r *run[T]) requestNode(ctx context.Context, cur modelRequestNode) (node, error) {
	if err := r.limits.CheckBeforeRequest(r.usage); err != nil {
		return nil, err //nolint:wrapcheck
	}
	params, err := r.parameters(ctx)
	if err != nil {
		return nil, err
	}
	messages := append(proto.Conversation(r.history).Clone(), cur.request)

	resp, u, err := r.callModel(ctx, messages, params)
	if err != nil {
		return nil, err
	}
	resp = r.commit(cur.request, resp, u)
	if err := r.limits.CheckTokens(r.usage); err != nil {
		return nil, err //nolint:wrapcheck
	}
	return handleResponseNode{response: resp}, nil
}

// commit appends a request and its response to the history. Tool call ids
// that are empty or repeated within the response are replaced first, so
// every answer pairs with exactly one call. It returns the response as
// committed.
func (r *run[T]) commit(req *proto.Request, resp *proto.Response, u usage.Usage) *proto.Response {
	resp, rewritten := resp.WithUniqueToolCallIDs()
	if rewritten > 0 {
		r.logger.Debug("replaced missing or repeated tool call ids", "count", rewritten)
	}
	r.usage.Incr(u, 1)
	r.history = append(r.history, req, resp)
	r.logger.Debug("model response",
		"parts", len(resp.Parts),
		"request_tokens", u.RequestTokens,
		"response_tokens", u.ResponseTokens,
	)
	return resp
}

func (r *run[T]) callModel(ctx context.Context, messages []proto.Message, params model.Parameters) (*proto.Response, usage.Usage, error) {
	var (
		resp *proto.Response
		u    usage.Usage
	)
	err := r.retrying(ctx, func() error {
		callCtx, cancel := r.callContext(ctx)
		defer cancel()
		var err error
		resp, u, err = r.model.Request(callCtx, messages, r.settings, params)
		return err //nolint:wrapcheck
	})
	if err != nil {
		return nil, usage.Usage{}, err
	}
	if resp == nil {
		resp = &proto.Response{ModelName: r.model.Name(), Timestamp: time.Now().UTC()}
	}
	return resp, u, nil
}

// callContext bounds one model call by the configured timeout.
func (r *run[T]) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d := r.settings.TimeoutOrZero(); d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}

// retrying runs call until it succeeds, fails with an error that is not
// retryable, or exhausts the model retry budget. Every attempt sees the same
// history.
func (r *run[T]) retrying(ctx context.Context, call func() error) error {
	attempts := r.a.opts.modelRetries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		start := time.Now()
		err := call()
		latency := time.Since(start)
		if err == nil {
			r.logger.Debug("model call succeeded",
				"attempt", attempt,
				"latency_ms", latency.Milliseconds(),
			)
			return nil
		}

		lastErr = err
		r.logger.Warn("model call failed",
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err.Error(),
			"latency_ms", latency.Milliseconds(),
		)
		if ctx.Err() != nil {
			return ctx.Err() //nolint:wrapcheck
		}
		if attempt == attempts || !errs.IsRetryable(err) {
			break
		}

		delay := r.backoff(attempt)
		r.logger.Debug("retrying after backoff", "delay_ms", delay.Milliseconds())
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
	return r.modelError(lastErr)
}

func (r *run[T]) backoff(attempt int) time.Duration {
	delay := r.a.opts.backoff << (attempt - 1)
	if limit := r.a.opts.maxBackoff; limit > 0 && (delay > limit || delay <= 0) {
		delay = limit
	}
	return delay
}

// modelError turns the last failure of a model call into the error
// reported to the caller.
func (r *run[T]) modelError(err error) error {
	var httpErr *errs.ModelHTTPError
	switch {
	case errors.As(err, &httpErr):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return &errs.ModelHTTPError{StatusCode: http.StatusRequestTimeout, ModelName: r.model.Name(), Err: err}
	default:
		return err
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err() //nolint:wrapcheck
	case <-t.C:
		return nil
	}
}

// incrRetry spends one unit of the run retry budget.
func (r *run[T]) incrRetry(cause string) error {
	r.retries++
	if r.retries > r.a.opts.retries {
		return &errs.UnexpectedModelBehavior{
			Message: fmt.Sprintf("Exceeded maximum retries (%d) for result validation", r.a.opts.retries),
			Body:    cause,
		}
	}
	return nil
}

// handleNode decides what follows a model response: the end of the run,
// tool dispatch, or a retry prompt.
func (r *run[T]) handleNode(ctx context.Context, cur handleResponseNode) (node, error) {
	resp := cur.response
	if len(resp.Parts) == 0 {
		return nil, &errs.UnexpectedModelBehavior{Message: "Received empty model response"}
	}
	if calls := resp.ToolCalls(); len(calls) > 0 {
		return r.handleToolCalls(ctx, calls)
	}

	text := resp.Text()
	out, ok := r.a.schema.ParseText(text)
	if !ok {
		return r.retryPrompt(output.TextNotAllowed)
	}
	out, msg, err := output.Validate(ctx, r.runContext(), out, r.a.validators)
	if err != nil {
		return nil, err //nolint:wrapcheck
	}
	if msg != "" {
		return r.retryPrompt(msg)
	}
	return endNode[T]{output: out}, nil
}

func (r *run[T]) retryPrompt(msg string) (node, error) {
	if err := r.incrRetry(msg); err != nil {
		return nil, err
	}
	r.logger.Debug("asking model to retry", "retries", r.retries, "reason", msg)
	part := proto.RetryPromptPart{Content: msg, Timestamp: time.Now().UTC()}
	return modelRequestNode{request: proto.NewRequest(part)}, nil
}

// handleToolCalls answers every call of a response, in call order.
func (r *run[T]) handleToolCalls(ctx context.Context, calls []proto.ToolCallPart) (node, error) {
	answers := make([]proto.RequestPart, len(calls))
	now := time.Now().UTC()
	rc := r.runContext()

	var (
		final T
		found bool
	)
	for i, call := range calls {
		if !r.a.schema.IsResultTool(call.ToolName) {
			continue
		}
		out, msg := r.a.schema.ParseCall(call)
		if msg == "" {
			var err error
			out, msg, err = output.Validate(ctx, rc, out, r.a.validators)
			if err != nil {
				return nil, err //nolint:wrapcheck
			}
		}
		if msg != "" {
			if err := r.incrRetry(msg); err != nil {
				return nil, err
			}
			answers[i] = proto.RetryPromptPart{Content: msg, ToolName: call.ToolName, ToolCallID: call.ToolCallID, Timestamp: now}
		} else {
			final, found = out, true
			answers[i] = proto.ToolReturnPart{ToolName: call.ToolName, Content: output.ToolReturnContent, ToolCallID: call.ToolCallID, Timestamp: now}
		}
		break
	}

	var dispatch []int
	for i, call := range calls {
		if answers[i] != nil {
			continue
		}
		switch {
		case r.a.schema.IsResultTool(call.ToolName):
			answers[i] = proto.ToolReturnPart{ToolName: call.ToolName, Content: resultToolNotUsed, ToolCallID: call.ToolCallID, Timestamp: now}
		case r.isFunctionTool(call.ToolName):
			if found && r.a.opts.endStrategy == EndEarly {
				answers[i] = proto.ToolReturnPart{ToolName: call.ToolName, Content: toolNotExecuted, ToolCallID: call.ToolCallID, Timestamp: now}
				continue
			}
			dispatch = append(dispatch, i)
		default:
			unknown := &errs.UnknownToolError{Name: call.ToolName, Available: r.toolNames()}
			r.logger.Debug("model called unknown tool", "tool", call.ToolName)
			if err := r.incrRetry(unknown.Error()); err != nil {
				return nil, err
			}
			answers[i] = proto.RetryPromptPart{Content: unknown.Error(), ToolName: call.ToolName, ToolCallID: call.ToolCallID, Timestamp: now}
		}
	}

	if len(dispatch) > 0 {
		batch := make([]proto.ToolCallPart, len(dispatch))
		for j, i := range dispatch {
			batch[j] = calls[i]
		}
		r.logger.Debug("dispatching tools", "count", len(batch))
		parts, err := r.a.registry.DispatchAll(ctx, rc, r.toolRetries, batch)
		if err != nil {
			return nil, err //nolint:wrapcheck
		}
		for j, i := range dispatch {
			answers[i] = parts[j]
		}
	}

	req := proto.NewRequest(answers...)
	if found {
		return endNode[T]{output: final, trailing: req}, nil
	}
	return modelRequestNode{request: req}, nil
}

func (r *run[T]) isFunctionTool(name string) bool {
	_, ok := r.a.registry.Get(name)
	return ok
}

func (r *run[T]) toolNames() []string {
	names := r.a.registry.Names()
	for _, def := range r.a.schema.Tools() {
		names = append(names, def.Name)
	}
	return names
}

func (r *run[T]) finish(end endNode[T]) *RunResult[T] {
	if end.trailing != nil {
		r.history = append(r.history, end.trailing)
	}
	r.logger.Debug("run finished", "usage", r.usage.String())
	return &RunResult[T]{
		Output:   end.output,
		messages: r.history,
		newStart: r.newStart,
		usage:    r.usage,
		runID:    r.id,
	}
}

func (r *run[T]) fail(err error) error {
	r.logger.Debug("run failed", "error", err.Error(), "usage", r.usage.String())
	return &RunError{
		Err:      err,
		Messages: proto.Conversation(r.history).Clone(),
		Usage:    r.usage,
	}
}
