// Package modeltest provides deterministic model.Model implementations for
// tests.
package modeltest

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/dotcommander/yagent/internal/model"
	"github.com/dotcommander/yagent/internal/proto"
	"github.com/dotcommander/yagent/internal/settings"
	"github.com/dotcommander/yagent/internal/stream"
	"github.com/dotcommander/yagent/internal/usage"
)

// Step configures one model call in a scripted sequence.
type Step struct {
	Response *proto.Response
	Usage    usage.Usage
	Err      error
	// Chunks, when set, are streamed instead of Response.
	Chunks []stream.Chunk
	// Delay is waited before answering, honoring cancellation.
	Delay time.Duration
}

// Call records the arguments of one model call.
type Call struct {
	Messages []proto.Message
	Settings *settings.ModelSettings
	Params   model.Parameters
}

// Scripted is a model that answers calls with a fixed sequence of steps.
type Scripted struct {
	name string

	mu    sync.Mutex
	index int
	steps []Step
	calls []Call
}

var _ model.Model = (*Scripted)(nil)

// NewScripted returns a model that plays steps in order.
func NewScripted(steps ...Step) *Scripted {
	return &Scripted{name: "scripted", steps: append([]Step(nil), steps...)}
}

// Text is a step answering with a single text part.
func Text(content string, u usage.Usage) Step {
	return Step{Response: Response(proto.TextPart{Content: content}), Usage: u}
}

// ToolCalls is a step answering with tool calls.
func ToolCalls(u usage.Usage, calls ...proto.ToolCallPart) Step {
	parts := make([]proto.ResponsePart, len(calls))
	for i, c := range calls {
		parts[i] = c
	}
	return Step{Response: Response(parts...), Usage: u}
}

// Fail is a step answering with an error.
func Fail(err error) Step {
	return Step{Err: err}
}

// Response builds a response from parts.
func Response(parts ...proto.ResponsePart) *proto.Response {
	return &proto.Response{Parts: parts, ModelName: "scripted"}
}

func (m *Scripted) Name() string { return m.name }

// Calls returns the calls made so far.
func (m *Scripted) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

func (m *Scripted) next(messages []proto.Message, ms *settings.ModelSettings, params model.Parameters) (Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{
		Messages: proto.Conversation(messages).Clone(),
		Settings: ms,
		Params:   params,
	})
	if m.index >= len(m.steps) {
		return Step{}, fmt.Errorf("script exhausted at step %d", m.index+1)
	}
	step := m.steps[m.index]
	m.index++
	return step, nil
}

func (m *Scripted) Request(ctx context.Context, messages []proto.Message, ms *settings.ModelSettings, params model.Parameters) (*proto.Response, usage.Usage, error) {
	step, err := m.next(messages, ms, params)
	if err != nil {
		return nil, usage.Usage{}, err
	}
	if err := wait(ctx, step.Delay); err != nil {
		return nil, usage.Usage{}, err
	}
	if step.Err != nil {
		return nil, usage.Usage{}, step.Err
	}
	if step.Response == nil {
		resp, u, err := stream.Collect(stream.FromSeq(m.name, seq(step.Chunks)))
		return resp, u.Add(step.Usage), err
	}
	resp := *step.Response
	resp.Parts = append([]proto.ResponsePart(nil), step.Response.Parts...)
	if resp.Timestamp.IsZero() {
		resp.Timestamp = time.Now().UTC()
	}
	return &resp, step.Usage, nil
}

func (m *Scripted) RequestStream(ctx context.Context, messages []proto.Message, ms *settings.ModelSettings, params model.Parameters) (stream.Response, error) {
	step, err := m.next(messages, ms, params)
	if err != nil {
		return nil, err
	}
	if err := wait(ctx, step.Delay); err != nil {
		return nil, err
	}
	if step.Err != nil {
		return nil, step.Err
	}
	chunks := step.Chunks
	if chunks == nil && step.Response != nil {
		chunks = ChunksOf(step.Response)
	}
	chunks = append(chunks, stream.UsageChunk(step.Usage))
	return stream.FromSeq(m.name, seq(chunks)), nil
}

// ChunksOf splits a response into the chunks a provider would stream.
func ChunksOf(resp *proto.Response) []stream.Chunk {
	var chunks []stream.Chunk
	for i, part := range resp.Parts {
		id := fmt.Sprint(i)
		switch p := part.(type) {
		case proto.TextPart:
			chunks = append(chunks, stream.Chunk{Kind: stream.ChunkText, PartID: id, Text: p.Content})
		case proto.ToolCallPart:
			chunks = append(chunks, stream.ToolCallChunk(id, p.ToolName, p.Args, p.ToolCallID))
		default:
			proto.UnknownPart(part)
		}
	}
	return chunks
}

func seq(chunks []stream.Chunk) iter.Seq2[stream.Chunk, error] {
	return func(yield func(stream.Chunk, error) bool) {
		for _, c := range chunks {
			if !yield(c, nil) {
				return
			}
		}
	}
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
