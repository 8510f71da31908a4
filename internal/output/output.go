// Package output describes the result an agent run must produce and how
// model output is validated into it.
package output

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/dotcommander/yagent/internal/proto"
	"github.com/dotcommander/yagent/internal/tools"
)

// Names and messages of the final result protocol.
const (
	DefaultToolName        = "final_result"
	DefaultToolDescription = "The final response which ends this conversation"
	WrapKey                = "response"
	ToolReturnContent      = "Final result processed."
	TextNotAllowed         = "Plain text responses are not permitted, please call one of the functions instead."
)

// Result is the outcome of a result validator.
type Result[T any] struct {
	value   T
	retry   string
	isRetry bool
}

// Ok accepts v as the result.
func Ok[T any](v T) Result[T] {
	return Result[T]{value: v}
}

// Retry rejects the result and asks the model to try again.
func Retry[T any](msg string) Result[T] {
	return Result[T]{retry: msg, isRetry: true}
}

// Retryf is Retry with a formatted message.
func Retryf[T any](format string, a ...any) Result[T] {
	return Retry[T](fmt.Sprintf(format, a...))
}

// IsRetry reports whether the validator asked for a retry.
func (r Result[T]) IsRetry() bool { return r.isRetry }

// Value returns the accepted value.
func (r Result[T]) Value() T { return r.value }

// Message returns the retry message.
func (r Result[T]) Message() string { return r.retry }

// Validator checks, and may transform, a candidate result. Returning an
// error aborts the run.
type Validator[T any] func(ctx context.Context, rc tools.RunContext, v T) (Result[T], error)

// Schema is the expected result of a run.
type Schema[T any] struct {
	allowText bool
	tool      *proto.ToolDefinition
	args      *tools.ArgsValidator
}

// Option configures a Schema.
type Option func(*proto.ToolDefinition)

// WithToolName overrides the final result tool name.
func WithToolName(name string) Option {
	return func(d *proto.ToolDefinition) { d.Name = name }
}

// WithToolDescription overrides the final result tool description.
func WithToolDescription(desc string) Option {
	return func(d *proto.ToolDefinition) { d.Description = desc }
}

// NewSchema builds the schema for T. A string result is produced as plain
// text; any other type is produced through a final result tool, wrapped in
// an object when T is not a struct or map.
func NewSchema[T any](opts ...Option) (*Schema[T], error) {
	t := reflect.TypeFor[T]()
	if t.Kind() == reflect.String {
		return &Schema[T]{allowText: true}, nil
	}

	params, err := tools.SchemaOf(t)
	if err != nil {
		return nil, fmt.Errorf("result schema: %w", err)
	}
	def := proto.ToolDefinition{
		Name:        DefaultToolName,
		Description: DefaultToolDescription,
		Parameters:  params,
	}
	if params["type"] != "object" {
		def.Parameters = map[string]any{
			"type":       "object",
			"properties": map[string]any{WrapKey: params},
			"required":   []any{WrapKey},
		}
		def.OuterKey = WrapKey
	}
	for _, opt := range opts {
		opt(&def)
	}
	args, err := tools.CompileArgs(def.Parameters)
	if err != nil {
		return nil, fmt.Errorf("result schema: %w", err)
	}
	return &Schema[T]{tool: &def, args: args}, nil
}

// AllowTextResult reports whether a plain text response is a valid result.
func (s *Schema[T]) AllowTextResult() bool { return s.allowText }

// Tools returns the result tool definitions.
func (s *Schema[T]) Tools() []proto.ToolDefinition {
	if s.tool == nil {
		return nil
	}
	return []proto.ToolDefinition{*s.tool}
}

// IsResultTool reports whether name is a result tool.
func (s *Schema[T]) IsResultTool(name string) bool {
	return s.tool != nil && s.tool.Name == name
}

// FindCall returns the first call to a result tool in calls.
func (s *Schema[T]) FindCall(calls []proto.ToolCallPart) (proto.ToolCallPart, bool) {
	for _, call := range calls {
		if s.IsResultTool(call.ToolName) {
			return call, true
		}
	}
	return proto.ToolCallPart{}, false
}

// ParseText converts a text response into the result. ok is false when
// text results are not allowed.
func (s *Schema[T]) ParseText(text string) (T, bool) {
	var zero T
	if !s.allowText {
		return zero, false
	}
	v := reflect.New(reflect.TypeFor[T]()).Elem()
	v.SetString(text)
	return v.Interface().(T), true //nolint:forcetypeassert
}

// ParseCall validates and decodes the arguments of a result tool call. The
// returned message is non-empty when the model should be asked to retry.
func (s *Schema[T]) ParseCall(call proto.ToolCallPart) (T, string) {
	var zero T
	args, err := call.ArgsAsMap()
	if err != nil {
		return zero, err.Error()
	}
	if problems := s.args.Check(args); problems != "" {
		return zero, problems
	}
	v, err := s.decode(args)
	if err != nil {
		return zero, err.Error()
	}
	return v, ""
}

// ParsePartial decodes possibly incomplete argument text, as seen while the
// call is still being streamed. Schema validation is skipped.
func (s *Schema[T]) ParsePartial(argsText string) (T, bool) {
	var zero T
	var args map[string]any
	if err := json.Unmarshal([]byte(CompleteJSON(argsText)), &args); err != nil {
		return zero, false
	}
	v, err := s.decode(args)
	if err != nil {
		return zero, false
	}
	return v, true
}

func (s *Schema[T]) decode(args map[string]any) (T, error) {
	var v T
	var src any = args
	if s.tool != nil && s.tool.OuterKey != "" {
		inner, ok := args[s.tool.OuterKey]
		if !ok {
			return v, fmt.Errorf("missing %q field", s.tool.OuterKey)
		}
		src = inner
	}
	b, err := json.Marshal(src)
	if err != nil {
		return v, fmt.Errorf("could not encode result: %w", err)
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return v, fmt.Errorf("invalid result: %w", err)
	}
	return v, nil
}

// Validate runs validators in order, feeding each the previous output.
// The returned message is non-empty when a validator asked for a retry.
func Validate[T any](ctx context.Context, rc tools.RunContext, v T, validators []Validator[T]) (T, string, error) {
	for _, validate := range validators {
		res, err := validate(ctx, rc, v)
		if err != nil {
			return v, "", err
		}
		if res.IsRetry() {
			return v, res.Message(), nil
		}
		v = res.Value()
	}
	return v, "", nil
}
