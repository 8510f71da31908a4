// Package model defines the contract between the agent run loop and LLM
// provider adapters.
package model

import (
	"context"

	"github.com/dotcommander/yagent/internal/proto"
	"github.com/dotcommander/yagent/internal/settings"
	"github.com/dotcommander/yagent/internal/stream"
	"github.com/dotcommander/yagent/internal/usage"
)

// Parameters describe the tools available for one request.
type Parameters struct {
	FunctionTools   []proto.ToolDefinition
	ResultTools     []proto.ToolDefinition
	AllowTextResult bool
}

// Tools returns function tools followed by result tools.
func (p Parameters) Tools() []proto.ToolDefinition {
	tools := make([]proto.ToolDefinition, 0, len(p.FunctionTools)+len(p.ResultTools))
	tools = append(tools, p.FunctionTools...)
	return append(tools, p.ResultTools...)
}

// Model is an LLM provider adapter.
//
// Implementations must not modify messages, must return
// *errs.UnsupportedContentError for content they cannot send, and report
// transport failures as *errs.ModelHTTPError. A provider that reports no
// usage yields a zero usage.Usage.
type Model interface {
	Name() string
	Request(ctx context.Context, messages []proto.Message, ms *settings.ModelSettings, params Parameters) (*proto.Response, usage.Usage, error)
	RequestStream(ctx context.Context, messages []proto.Message, ms *settings.ModelSettings, params Parameters) (stream.Response, error)
}

// ToolChoice resolves the tool choice for a request. An explicit setting
// wins; otherwise tools are required when text results are not allowed.
// The second result is false when the request has no tools.
func ToolChoice(ms *settings.ModelSettings, params Parameters) (settings.ToolChoice, bool) {
	if len(params.FunctionTools) == 0 && len(params.ResultTools) == 0 {
		return "", false
	}
	if ms != nil && ms.ToolChoice != nil {
		return *ms.ToolChoice, true
	}
	if !params.AllowTextResult {
		return settings.ToolChoiceRequired, true
	}
	return settings.ToolChoiceAuto, true
}
