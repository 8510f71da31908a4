package agent

import (
	"context"
	"fmt"
	"iter"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/dotcommander/yagent/internal/errs"
	"github.com/dotcommander/yagent/internal/model"
	"github.com/dotcommander/yagent/internal/proto"
	"github.com/dotcommander/yagent/internal/stream"
	"github.com/dotcommander/yagent/internal/usage"
)

// RunStream runs the agent until the model starts streaming its final
// result, and returns a handle to consume it. Tool calls made before that
// are dispatched as in Run. When a response that started as text goes on to
// call tools, the calls are dispatched once it ends and the handle moves on
// to the stream of the next response.
func (a *Agent[T]) RunStream(ctx context.Context, prompt string, opts ...RunOption) (*StreamedRunResult[T], error) {
	r, err := a.newRun(prompt, opts)
	if err != nil {
		return nil, err
	}
	res, err := r.runStream(ctx)
	if err != nil {
		return nil, r.fail(err)
	}
	return res, nil
}

func (r *run[T]) runStream(ctx context.Context) (*StreamedRunResult[T], error) {
	r.logger.Debug("streamed run started", "history", len(r.history), "tools", r.a.registry.Len())
	return r.driveStream(ctx, userPromptNode{})
}

// driveStream runs the loop from n until a response starts streaming a
// final result, or the run ends.
func (r *run[T]) driveStream(ctx context.Context, n node) (*StreamedRunResult[T], error) {
	for {
		var err error
		switch cur := n.(type) {
		case userPromptNode:
			n, err = r.startNode(ctx)
		case modelRequestNode:
			var res *StreamedRunResult[T]
			res, n, err = r.streamNode(ctx, cur)
			if err == nil && res != nil {
				return res, nil
			}
		case handleResponseNode:
			n, err = r.handleNode(ctx, cur)
		case endNode[T]:
			return completedStream(r.finish(cur)), nil
		default:
			panic(fmt.Sprintf("agent: unknown node %T", n))
		}
		if err != nil {
			return nil, err
		}
	}
}

// streamNode opens a model stream. When the stream starts with a final
// result it is handed to the caller; otherwise it is consumed and handled
// like a regular response.
func (r *run[T]) streamNode(ctx context.Context, cur modelRequestNode) (*StreamedRunResult[T], node, error) {
	if err := r.limits.CheckBeforeRequest(r.usage); err != nil {
		return nil, nil, err //nolint:wrapcheck
	}
	params, err := r.parameters(ctx)
	if err != nil {
		return nil, nil, err
	}
	messages := append(proto.Conversation(r.history).Clone(), cur.request)

	st, cancel, err := r.openStream(ctx, messages, params)
	if err != nil {
		return nil, nil, err
	}

	var peeked []stream.Event
	for st.Next() {
		ev := st.Current()
		peeked = append(peeked, ev)
		if r.startsFinalResult(st, ev) {
			return &StreamedRunResult[T]{
				r:       r,
				request: cur.request,
				stream:  st,
				cancel:  cancel,
				pending: peeked,
				base:    r.usage,
				history: proto.Conversation(r.history).Clone(),
			}, nil, nil
		}
	}
	_ = st.Close()
	cancel()
	if err := st.Err(); err != nil {
		return nil, nil, r.modelError(err)
	}

	resp := r.commit(cur.request, st.Get(), st.Usage())
	if err := r.limits.CheckTokens(r.usage); err != nil {
		return nil, nil, err //nolint:wrapcheck
	}
	return nil, handleResponseNode{response: resp}, nil
}

func (r *run[T]) openStream(ctx context.Context, messages []proto.Message, params model.Parameters) (stream.Response, context.CancelFunc, error) {
	var (
		st     stream.Response
		cancel context.CancelFunc
	)
	err := r.retrying(ctx, func() error {
		callCtx, callCancel := r.callContext(ctx)
		s, err := r.model.RequestStream(callCtx, messages, r.settings, params)
		if err != nil {
			callCancel()
			return err //nolint:wrapcheck
		}
		st, cancel = s, callCancel
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return st, cancel, nil
}

func (r *run[T]) startsFinalResult(st stream.Response, ev stream.Event) bool {
	if !ev.Start {
		return false
	}
	switch p := ev.Part.(type) {
	case proto.TextPart:
		return r.a.schema.AllowTextResult() && len(st.Get().ToolCalls()) == 0
	case proto.ToolCallPart:
		return r.a.schema.IsResultTool(p.ToolName)
	default:
		proto.UnknownPart(p)
		return false
	}
}

// StreamedRunResult is a run whose final response is being streamed.
//
// The stream can be consumed once, through Stream, StreamText or
// GetOutput; once exhausted the run completes and the remaining accessors
// reflect the final state. Stopping a consumer early abandons the run.
type StreamedRunResult[T any] struct {
	r       *run[T]
	request *proto.Request
	stream  stream.Response
	cancel  context.CancelFunc
	pending []stream.Event
	base    usage.Usage
	history []proto.Message
	// response counts the responses streamed so far; it grows when a
	// response calls tools and the run moves on to the next one.
	response int

	mu       sync.Mutex
	consumed bool
	complete bool
	live     usage.Usage
	result   *RunResult[T]
	err      error
}

func completedStream[T any](res *RunResult[T]) *StreamedRunResult[T] {
	return &StreamedRunResult[T]{consumed: true, complete: true, result: res, base: res.usage}
}

// IsComplete reports whether the stream has been consumed and the run has
// ended.
func (s *StreamedRunResult[T]) IsComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.complete
}

// Usage returns the usage so far, including the response being streamed.
func (s *StreamedRunResult[T]) Usage() usage.Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result != nil {
		return s.result.usage
	}
	u := s.base
	u.Incr(s.live, 1)
	return u
}

// AllMessages returns the history. The response being streamed is included
// once the stream completes.
func (s *StreamedRunResult[T]) AllMessages() []proto.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result != nil {
		return s.result.AllMessages()
	}
	return proto.Conversation(s.history).Clone()
}

// NewMessages returns the messages produced by this run.
func (s *StreamedRunResult[T]) NewMessages() []proto.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result != nil {
		return s.result.NewMessages()
	}
	return proto.Conversation(s.history[s.r.newStart:]).Clone()
}

// Result returns the completed run, or the error that ended it. It returns
// nil, nil while the stream is still live.
func (s *StreamedRunResult[T]) Result() (*RunResult[T], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, s.err
}

// GetOutput consumes the rest of the stream and returns the validated
// output.
func (s *StreamedRunResult[T]) GetOutput(ctx context.Context) (T, error) {
	var zero T
	for _, err := range s.events(ctx) {
		if err != nil {
			return zero, err
		}
	}
	res, err := s.Result()
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, errs.NewUserError("stream was not consumed")
	}
	return res.Output, nil
}

// StreamText yields the text of a text result as it arrives: the whole text
// so far, or only the new text when delta is set. Chunks arriving within
// debounce of each other are yielded together; zero yields every chunk.
func (s *StreamedRunResult[T]) StreamText(ctx context.Context, delta bool, debounce time.Duration) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if s.r != nil && !s.r.a.schema.AllowTextResult() {
			yield("", errs.NewUserError("StreamText requires a text result; use Stream"))
			return
		}

		texts := func(yield func(string, error) bool) {
			var text string
			response := 0
			for ev, err := range s.events(ctx) {
				if err != nil {
					yield("", err)
					return
				}
				if ev.response != response {
					text, response = "", ev.response
				}
				if _, ok := ev.Part.(proto.TextPart); !ok {
					continue
				}
				text += ev.Delta
				out := text
				if delta {
					out = ev.Delta
				}
				if !yield(out, nil) {
					return
				}
			}
		}

		yielded := false
		for group, err := range stream.Debounce(ctx, texts, debounce) {
			if err != nil {
				yield("", err)
				return
			}
			out := group[len(group)-1]
			if delta {
				out = strings.Join(group, "")
			}
			yielded = true
			if !yield(out, nil) {
				return
			}
		}

		if res, err := s.Result(); !yielded && err == nil && res != nil {
			if text := reflect.ValueOf(res.Output).String(); text != "" {
				yield(text, nil)
			}
		}
	}
}

// Stream yields the result as it is streamed: the text so far for a text
// result, or a best-effort decoding of the partial arguments for a
// structured one. The last value is the validated output.
func (s *StreamedRunResult[T]) Stream(ctx context.Context, debounce time.Duration) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T

		partials := func(yield func(T, error) bool) {
			schema := s.r.a.schema
			var text string
			resultIdx := -1
			response := 0
			for ev, err := range s.events(ctx) {
				if err != nil {
					yield(zero, err)
					return
				}
				if ev.response != response {
					text, resultIdx, response = "", -1, ev.response
				}
				switch p := ev.Part.(type) {
				case proto.TextPart:
					if !schema.AllowTextResult() {
						continue
					}
					text += ev.Delta
					v, _ := schema.ParseText(text)
					if !yield(v, nil) {
						return
					}
				case proto.ToolCallPart:
					if !schema.IsResultTool(p.ToolName) {
						continue
					}
					if resultIdx < 0 {
						resultIdx = ev.Index
					}
					if ev.Index != resultIdx {
						continue
					}
					if v, ok := schema.ParsePartial(p.Args); ok && !yield(v, nil) {
						return
					}
				default:
					proto.UnknownPart(p)
				}
			}
		}

		var (
			last T
			have bool
		)
		if s.r != nil {
			for group, err := range stream.Debounce(ctx, partials, debounce) {
				if err != nil {
					yield(zero, err)
					return
				}
				v := group[len(group)-1]
				if have && reflect.DeepEqual(v, last) {
					continue
				}
				last, have = v, true
				if !yield(v, nil) {
					return
				}
			}
		}

		res, err := s.Result()
		if err != nil {
			yield(zero, err)
			return
		}
		if res != nil && (!have || !reflect.DeepEqual(res.Output, last)) {
			yield(res.Output, nil)
		}
	}
}

// resultEvent is a stream event tagged with the response it belongs to.
type resultEvent struct {
	stream.Event
	response int
}

// events yields the events of the final response, replaying the ones seen
// while deciding the response was final, then completes the run.
func (s *StreamedRunResult[T]) events(ctx context.Context) iter.Seq2[resultEvent, error] {
	return func(yield func(resultEvent, error) bool) {
		s.mu.Lock()
		if s.consumed {
			complete := s.complete
			s.mu.Unlock()
			if !complete {
				yield(resultEvent{}, errs.NewUserError("stream is already being consumed"))
			}
			return
		}
		s.consumed = true
		s.mu.Unlock()

		for {
			s.mu.Lock()
			st, pending, response := s.stream, s.pending, s.response
			s.pending = nil
			s.mu.Unlock()

			for _, ev := range pending {
				if !yield(resultEvent{Event: ev, response: response}, nil) {
					s.abandon()
					return
				}
			}
			for st.Next() {
				s.mu.Lock()
				s.live = st.Usage()
				s.mu.Unlock()
				if !yield(resultEvent{Event: st.Current(), response: response}, nil) {
					s.abandon()
					return
				}
			}

			next, err := s.finalize(ctx)
			if err == nil && next != nil {
				err = s.resume(ctx, next)
			}
			if err != nil {
				yield(resultEvent{}, err)
				return
			}
			if s.IsComplete() {
				return
			}
		}
	}
}

func (s *StreamedRunResult[T]) abandon() {
	_ = s.stream.Close()
	s.cancel()
	s.publish(nil, s.r.fail(errs.NewUserError("stream was abandoned before completion")))
}

// finalize commits the streamed response. It completes the run, or returns
// the request answering the tool calls the response made.
func (s *StreamedRunResult[T]) finalize(ctx context.Context) (node, error) {
	_ = s.stream.Close()
	s.cancel()
	r := s.r
	if err := s.stream.Err(); err != nil {
		return nil, s.publish(nil, r.fail(r.modelError(err)))
	}

	resp := r.commit(s.request, s.stream.Get(), s.stream.Usage())
	if err := r.limits.CheckTokens(r.usage); err != nil {
		return nil, s.publish(nil, r.fail(err))
	}

	n, err := r.handleNode(ctx, handleResponseNode{response: resp})
	if err != nil {
		return nil, s.publish(nil, r.fail(err))
	}
	if end, ok := n.(endNode[T]); ok {
		return nil, s.publish(r.finish(end), nil)
	}
	return n, nil
}

// resume runs the loop on from n and adopts the stream of the next final
// result candidate, or the result when the run ends without one.
func (s *StreamedRunResult[T]) resume(ctx context.Context, n node) error {
	s.r.logger.Debug("streamed response called tools; continuing the run")
	next, err := s.r.driveStream(ctx, n)
	if err != nil {
		return s.publish(nil, s.r.fail(err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if next.complete {
		s.complete, s.result = true, next.result
		return nil
	}
	s.request, s.stream, s.cancel, s.pending = next.request, next.stream, next.cancel, next.pending
	s.base, s.history, s.live = next.base, next.history, usage.Usage{}
	s.response++
	return nil
}

func (s *StreamedRunResult[T]) publish(res *RunResult[T], err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.complete = true
	s.result = res
	s.err = err
	return err
}
