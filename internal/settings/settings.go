// Package settings holds per-request model settings.
package settings

import (
	"time"
)

// ToolChoice controls whether and which tools the model may call. Besides
// the named modes, any other value forces the tool with that name.
type ToolChoice string

// Tool choice modes.
const (
	ToolChoiceNone     ToolChoice = "none"
	ToolChoiceAuto     ToolChoice = "auto"
	ToolChoiceRequired ToolChoice = "required"
)

// ForceTool returns a ToolChoice that forces the named tool.
func ForceTool(name string) ToolChoice { return ToolChoice(name) }

// Forced returns the forced tool name, if c names a tool rather than a mode.
func (c ToolChoice) Forced() (string, bool) {
	switch c {
	case ToolChoiceNone, ToolChoiceAuto, ToolChoiceRequired, "":
		return "", false
	}
	return string(c), true
}

// ModelSettings are optional knobs passed to a model adapter. A nil field is
// unset and leaves the provider default in place.
type ModelSettings struct {
	MaxTokens         *int64         `yaml:"max-tokens,omitempty" json:"max_tokens,omitempty"`
	Temperature       *float64       `yaml:"temperature,omitempty" json:"temperature,omitempty"`
	TopP              *float64       `yaml:"top-p,omitempty" json:"top_p,omitempty"`
	Timeout           *time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	ParallelToolCalls *bool          `yaml:"parallel-tool-calls,omitempty" json:"parallel_tool_calls,omitempty"`
	Seed              *int64         `yaml:"seed,omitempty" json:"seed,omitempty"`
	PresencePenalty   *float64       `yaml:"presence-penalty,omitempty" json:"presence_penalty,omitempty"`
	FrequencyPenalty  *float64       `yaml:"frequency-penalty,omitempty" json:"frequency_penalty,omitempty"`
	LogitBias         map[string]int `yaml:"logit-bias,omitempty" json:"logit_bias,omitempty"`
	ToolChoice        *ToolChoice    `yaml:"tool-choice,omitempty" json:"tool_choice,omitempty"`
}

// Ptr returns a pointer to v, for filling ModelSettings literals.
func Ptr[T any](v T) *T { return &v }

// Merge overlays override on base, key by key. Keys set in override win;
// LogitBias is replaced, not merged. When either side is nil the other is
// returned as is.
func Merge(base, override *ModelSettings) *ModelSettings {
	if base == nil {
		return override
	}
	if override == nil {
		return base
	}
	merged := *base
	if override.MaxTokens != nil {
		merged.MaxTokens = override.MaxTokens
	}
	if override.Temperature != nil {
		merged.Temperature = override.Temperature
	}
	if override.TopP != nil {
		merged.TopP = override.TopP
	}
	if override.Timeout != nil {
		merged.Timeout = override.Timeout
	}
	if override.ParallelToolCalls != nil {
		merged.ParallelToolCalls = override.ParallelToolCalls
	}
	if override.Seed != nil {
		merged.Seed = override.Seed
	}
	if override.PresencePenalty != nil {
		merged.PresencePenalty = override.PresencePenalty
	}
	if override.FrequencyPenalty != nil {
		merged.FrequencyPenalty = override.FrequencyPenalty
	}
	if override.LogitBias != nil {
		merged.LogitBias = override.LogitBias
	}
	if override.ToolChoice != nil {
		merged.ToolChoice = override.ToolChoice
	}
	return &merged
}

// TimeoutOrZero returns the configured timeout, or zero when unset.
func (s *ModelSettings) TimeoutOrZero() time.Duration {
	if s == nil || s.Timeout == nil {
		return 0
	}
	return *s.Timeout
}
