// Package fantasybridge implements model.Model on top of charm.land/fantasy
// providers.
package fantasybridge

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"strings"

	"charm.land/fantasy"

	"github.com/dotcommander/yagent/internal/errs"
	"github.com/dotcommander/yagent/internal/model"
	"github.com/dotcommander/yagent/internal/proto"
	"github.com/dotcommander/yagent/internal/settings"
	"github.com/dotcommander/yagent/internal/stream"
	"github.com/dotcommander/yagent/internal/usage"
)

var _ model.Model = &Model{}

const (
	apiAnthropic = "anthropic"
	apiGoogle    = "google"
	apiOpenAI    = "openai"
	apiAzure     = "azure"
	apiAzureAD   = "azure-ad"
)

// Config represents provider configuration used by the fantasy bridge.
type Config struct {
	API                 string
	Model               string
	BaseURL             string
	APIKey              string
	HTTPClient          *http.Client
	ThinkingBudget      int
	User                string
	MaxCompletionTokens *int64
	Logger              *slog.Logger
}

// Model is a model.Model backed by a fantasy provider.
type Model struct {
	provider fantasy.Provider
	config   Config
	logger   *slog.Logger
}

// New creates a Fantasy-backed model.
func New(cfg Config) (*Model, error) {
	if cfg.API == "" || cfg.Model == "" {
		return nil, errs.NewUserError("missing fantasy provider configuration")
	}
	provider, err := newProvider(cfg)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Model{
		provider: provider,
		config:   cfg,
		logger:   logger.With("api", cfg.API, "model", cfg.Model),
	}, nil
}

// Name implements model.Model.
func (m *Model) Name() string { return m.config.API + ":" + m.config.Model }

// Request implements model.Model by draining a stream.
func (m *Model) Request(ctx context.Context, messages []proto.Message, ms *settings.ModelSettings, params model.Parameters) (*proto.Response, usage.Usage, error) {
	st, err := m.RequestStream(ctx, messages, ms, params)
	if err != nil {
		return nil, usage.Usage{}, err
	}
	return stream.Collect(st) //nolint:wrapcheck
}

// RequestStream implements model.Model.
func (m *Model) RequestStream(ctx context.Context, messages []proto.Message, ms *settings.ModelSettings, params model.Parameters) (stream.Response, error) {
	call, err := m.buildCall(messages, ms, params)
	if err != nil {
		return nil, err
	}
	lm, err := m.provider.LanguageModel(ctx, m.config.Model)
	if err != nil {
		return nil, m.providerError(fmt.Errorf("fantasy language model: %w", err))
	}
	seq, err := lm.Stream(ctx, call)
	if err != nil {
		return nil, m.providerError(err)
	}
	c := &chunker{m: m, streamed: map[string]bool{}, warned: map[string]struct{}{}}
	return stream.FromSeq(m.Name(), c.chunks(iter.Seq[fantasy.StreamPart](seq))), nil
}

func (m *Model) buildCall(messages []proto.Message, ms *settings.ModelSettings, params model.Parameters) (fantasy.Call, error) {
	prompt, err := toFantasyPrompt(messages, m.Name())
	if err != nil {
		return fantasy.Call{}, err
	}
	call := fantasy.Call{
		Prompt:          prompt,
		Tools:           toFantasyTools(params.Tools()),
		ToolChoice:      toolChoice(ms, params),
		ProviderOptions: fantasy.ProviderOptions{},
	}
	if ms != nil {
		call.MaxOutputTokens = ms.MaxTokens
		call.Temperature = ms.Temperature
		call.TopP = ms.TopP
		call.PresencePenalty = ms.PresencePenalty
		call.FrequencyPenalty = ms.FrequencyPenalty
	}
	applyProviderOptions(&call, m.config, ms)
	return call, nil
}

// providerError maps fantasy failures onto the error taxonomy.
func (m *Model) providerError(err error) error {
	var providerErr *fantasy.ProviderError
	if errors.As(err, &providerErr) {
		body := strings.TrimSpace(string(providerErr.ResponseBody))
		if body == "" {
			body = providerErr.Message
		}
		return &errs.ModelHTTPError{
			StatusCode: providerErr.StatusCode,
			ModelName:  m.Name(),
			Body:       body,
			Retryable:  providerErr.IsRetryable(),
			Err:        providerErr,
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	// Transport failures have no status code and are retried.
	return &errs.ModelHTTPError{ModelName: m.Name(), Retryable: true, Err: err}
}

// chunker turns fantasy stream parts into stream chunks.
type chunker struct {
	m *Model
	// streamed holds the tool calls whose input arrived as deltas.
	streamed map[string]bool
	warned   map[string]struct{}
}

func (c *chunker) chunks(seq iter.Seq[fantasy.StreamPart]) iter.Seq2[stream.Chunk, error] {
	return func(yield func(stream.Chunk, error) bool) {
		for part := range seq {
			chunk, ok, err := c.convert(part)
			if err != nil {
				yield(stream.Chunk{}, err)
				return
			}
			if ok && !yield(chunk, nil) {
				return
			}
		}
	}
}

func (c *chunker) convert(part fantasy.StreamPart) (stream.Chunk, bool, error) {
	switch part.Type {
	case fantasy.StreamPartTypeTextDelta:
		return stream.Chunk{Kind: stream.ChunkText, PartID: "text:" + part.ID, Text: part.Delta}, part.Delta != "", nil
	case fantasy.StreamPartTypeToolInputStart:
		if part.ProviderExecuted {
			return stream.Chunk{}, false, nil
		}
		return stream.ToolCallChunk(part.ID, part.ToolCallName, "", part.ID), true, nil
	case fantasy.StreamPartTypeToolInputDelta:
		if part.Delta == "" {
			return stream.Chunk{}, false, nil
		}
		c.streamed[part.ID] = true
		return stream.ToolCallChunk(part.ID, "", part.Delta, ""), true, nil
	case fantasy.StreamPartTypeToolCall:
		if part.ProviderExecuted || c.streamed[part.ID] {
			return stream.Chunk{}, false, nil
		}
		return stream.ToolCallChunk(part.ID, part.ToolCallName, part.ToolCallInput, part.ID), true, nil
	case fantasy.StreamPartTypeFinish:
		return stream.UsageChunk(toUsage(part.Usage)), true, nil
	case fantasy.StreamPartTypeError:
		if part.Error == nil {
			return stream.Chunk{}, false, nil
		}
		return stream.Chunk{}, false, c.m.providerError(part.Error)
	case fantasy.StreamPartTypeWarnings:
		c.warn(part.Warnings)
		return stream.Chunk{}, false, nil
	case fantasy.StreamPartTypeTextStart,
		fantasy.StreamPartTypeTextEnd,
		fantasy.StreamPartTypeReasoningStart,
		fantasy.StreamPartTypeReasoningDelta,
		fantasy.StreamPartTypeReasoningEnd,
		fantasy.StreamPartTypeToolInputEnd,
		fantasy.StreamPartTypeToolResult,
		fantasy.StreamPartTypeSource:
		return stream.Chunk{}, false, nil
	default:
		return stream.Chunk{}, false, nil
	}
}

func (c *chunker) warn(warnings []fantasy.CallWarning) {
	for _, warning := range warnings {
		text := strings.TrimSpace(warning.Message)
		if text == "" {
			text = strings.TrimSpace(warning.Details)
		}
		if text == "" && warning.Setting != "" {
			text = fmt.Sprintf("unsupported setting: %s", warning.Setting)
		}
		if text == "" {
			text = "provider warning"
		}
		key := string(warning.Type) + ":" + text
		if _, exists := c.warned[key]; exists {
			continue
		}
		c.warned[key] = struct{}{}
		c.m.logger.Warn("provider warning", "warning", text)
	}
}

func toUsage(u fantasy.Usage) usage.Usage {
	out := usage.Usage{
		RequestTokens:  int(u.InputTokens),
		ResponseTokens: int(u.OutputTokens),
		TotalTokens:    int(u.TotalTokens),
	}
	if out.TotalTokens == 0 {
		out.TotalTokens = out.RequestTokens + out.ResponseTokens
	}
	for name, n := range map[string]int64{
		"reasoning_tokens":      u.ReasoningTokens,
		"cache_creation_tokens": u.CacheCreationTokens,
		"cache_read_tokens":     u.CacheReadTokens,
	} {
		if n > 0 {
			if out.Details == nil {
				out.Details = map[string]int{}
			}
			out.Details[name] = int(n)
		}
	}
	return out
}
