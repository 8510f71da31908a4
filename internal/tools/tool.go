// Package tools holds the tool registry the agent dispatches model tool
// calls to.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dotcommander/yagent/internal/proto"
	"github.com/dotcommander/yagent/internal/usage"
)

// RunContext is the run state visible to tools, dynamic system prompts and
// result validators.
type RunContext struct {
	RunID    string
	Deps     any
	Usage    usage.Usage
	Prompt   string
	Messages []proto.Message
	// ToolName, ToolCallID and Retry are set while a tool is executing.
	ToolName   string
	ToolCallID string
	Retry      int
}

// Func is the implementation of a tool. args are the decoded JSON arguments
// sent by the model.
type Func func(ctx context.Context, rc RunContext, args map[string]any) (Result, error)

// PrepareFunc may modify or drop (by returning nil) a tool definition before
// each model request.
type PrepareFunc func(ctx context.Context, rc RunContext, def proto.ToolDefinition) (*proto.ToolDefinition, error)

// Tool is a function the model may call.
type Tool struct {
	Name        string
	Description string
	// Parameters is the JSON schema of the arguments. A nil schema accepts
	// any object.
	Parameters map[string]any
	Func       Func
	// MaxRetries overrides the agent's default retry budget when > 0.
	MaxRetries int
	Prepare    PrepareFunc
}

// Definition returns the definition sent to the model.
func (t Tool) Definition() proto.ToolDefinition {
	params := t.Parameters
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return proto.ToolDefinition{Name: t.Name, Description: t.Description, Parameters: params}
}

// New builds a tool whose arguments are decoded into A. The parameter schema
// is reflected from A.
func New[A any](name, description string, fn func(ctx context.Context, rc RunContext, args A) (Result, error)) (Tool, error) {
	schema, err := Schema[A]()
	if err != nil {
		return Tool{}, fmt.Errorf("tool %s: %w", name, err)
	}
	return Tool{
		Name:        name,
		Description: description,
		Parameters:  schema,
		Func: func(ctx context.Context, rc RunContext, raw map[string]any) (Result, error) {
			var args A
			if err := Decode(raw, &args); err != nil {
				return Retry(err.Error()), nil
			}
			return fn(ctx, rc, args)
		},
	}, nil
}

// MustNew is like New but panics on error.
func MustNew[A any](name, description string, fn func(ctx context.Context, rc RunContext, args A) (Result, error)) Tool {
	t, err := New(name, description, fn)
	if err != nil {
		panic(err)
	}
	return t
}

// Decode converts decoded JSON arguments into v.
func Decode(raw map[string]any, v any) error {
	b, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("could not encode arguments: %w", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}
