package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dotcommander/yagent/internal/errs"
	"github.com/dotcommander/yagent/internal/model/modeltest"
	"github.com/dotcommander/yagent/internal/output"
	"github.com/dotcommander/yagent/internal/proto"
	"github.com/dotcommander/yagent/internal/settings"
	"github.com/dotcommander/yagent/internal/tools"
	"github.com/dotcommander/yagent/internal/usage"
	"github.com/stretchr/testify/require"
)

type weatherArgs struct {
	City string `json:"city"`
}

type forecast struct {
	City     string `json:"city"`
	Forecast string `json:"forecast"`
}

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func weatherTool(calls *atomic.Int32) tools.Tool {
	return tools.MustNew("get_weather", "Weather forecast", func(_ context.Context, _ tools.RunContext, args weatherArgs) (tools.Result, error) {
		if calls != nil {
			calls.Add(1)
		}
		return tools.Ok("sunny in " + args.City), nil
	})
}

func newAgent[T any](t *testing.T, m *modeltest.Scripted, opts ...Option) *Agent[T] {
	t.Helper()
	a, err := New[T](m, append([]Option{WithLogger(quiet), WithModelRetries(2, time.Millisecond)}, opts...)...)
	require.NoError(t, err)
	return a
}

func call(name, args, id string) proto.ToolCallPart {
	return proto.ToolCallPart{ToolName: name, Args: args, ToolCallID: id}
}

func lastRequest(t *testing.T, messages []proto.Message) *proto.Request {
	t.Helper()
	req := modeltest.LastRequest(messages)
	require.NotNil(t, req)
	return req
}

func tokens(req, resp int) usage.Usage {
	return usage.Usage{RequestTokens: req, ResponseTokens: resp, TotalTokens: req + resp}
}

func TestRunText(t *testing.T) {
	m := modeltest.NewScripted(modeltest.Text("hello", tokens(1, 1)))
	a := newAgent[string](t, m, WithSystemPrompt("be brief"))

	res, err := a.Run(context.Background(), "hi")
	require.NoError(t, err)
	require.Equal(t, "hello", res.Output)
	require.NotEmpty(t, res.RunID())

	msgs := res.AllMessages()
	require.Len(t, msgs, 2)
	req := msgs[0].(*proto.Request)
	require.Len(t, req.Parts, 2)
	require.Equal(t, proto.SystemPromptPart{Content: "be brief"}, req.Parts[0])
	require.Equal(t, "hi", req.Parts[1].(proto.UserPromptPart).Content)
	require.Equal(t, "hello", msgs[1].(*proto.Response).Text())

	calls := m.Calls()
	require.Len(t, calls, 1)
	require.True(t, calls[0].Params.AllowTextResult)
	require.Empty(t, calls[0].Params.ResultTools)
}

func TestUsageAcrossTurns(t *testing.T) {
	m := modeltest.NewScripted(
		modeltest.ToolCalls(tokens(5, 10), call("get_weather", `{"city":"Paris"}`, "1")),
		modeltest.ToolCalls(tokens(3, 5), call("get_weather", `{"city":"Rome"}`, "2")),
		modeltest.Text("done", tokens(3, 5)),
	)
	a := newAgent[string](t, m, WithTools(weatherTool(nil)))

	res, err := a.Run(context.Background(), "weather?")
	require.NoError(t, err)
	require.Equal(t, usage.Usage{Requests: 3, RequestTokens: 11, ResponseTokens: 20, TotalTokens: 31}, res.Usage())
	require.Len(t, res.AllMessages(), 6)
}

func TestToolCallPairing(t *testing.T) {
	delays := map[string]time.Duration{"Paris": 30 * time.Millisecond, "Rome": 15 * time.Millisecond, "Oslo": 0}
	slow := tools.MustNew("get_weather", "Weather forecast", func(ctx context.Context, rc tools.RunContext, args weatherArgs) (tools.Result, error) {
		time.Sleep(delays[args.City])
		return tools.Ok(rc.ToolCallID + ":" + args.City), nil
	})
	m := modeltest.NewScripted(
		modeltest.ToolCalls(usage.Usage{},
			call("get_weather", `{"city":"Paris"}`, "a"),
			call("get_weather", `{"city":"Rome"}`, "b"),
			call("get_weather", `{"city":"Oslo"}`, "c"),
		),
		modeltest.Text("ok", usage.Usage{}),
	)
	a := newAgent[string](t, m, WithTools(slow))

	_, err := a.Run(context.Background(), "weather?")
	require.NoError(t, err)

	req := lastRequest(t, m.Calls()[1].Messages)
	require.Len(t, req.Parts, 3)
	for i, want := range []string{"a:Paris", "b:Rome", "c:Oslo"} {
		part, ok := req.Parts[i].(proto.ToolReturnPart)
		require.True(t, ok)
		require.Equal(t, want, part.Content)
		require.Equal(t, want[:1], part.ToolCallID)
		require.Equal(t, "get_weather", part.ToolName)
	}
}

func TestToolCallIDs(t *testing.T) {
	for name, ids := range map[string][2]string{
		"repeated": {"dup", "dup"},
		"missing":  {"", ""},
	} {
		t.Run(name, func(t *testing.T) {
			m := modeltest.NewScripted(
				modeltest.ToolCalls(usage.Usage{},
					call("get_weather", `{"city":"Paris"}`, ids[0]),
					call("get_weather", `{"city":"Oslo"}`, ids[1]),
				),
				modeltest.Text("ok", usage.Usage{}),
			)
			a := newAgent[string](t, m, WithTools(weatherTool(nil)))

			res, err := a.Run(context.Background(), "weather?")
			require.NoError(t, err)

			msgs := res.AllMessages()
			require.Len(t, msgs, 4)
			calls := msgs[1].(*proto.Response).ToolCalls()
			require.Len(t, calls, 2)
			require.NotEmpty(t, calls[0].ToolCallID)
			require.NotEmpty(t, calls[1].ToolCallID)
			require.NotEqual(t, calls[0].ToolCallID, calls[1].ToolCallID)

			answers := msgs[2].(*proto.Request).Parts
			require.Len(t, answers, 2)
			for i, want := range []string{"sunny in Paris", "sunny in Oslo"} {
				ret := answers[i].(proto.ToolReturnPart)
				require.Equal(t, calls[i].ToolCallID, ret.ToolCallID)
				require.Equal(t, want, ret.Content)
			}

			// The model sees the committed ids on the next call.
			sent := m.Calls()[1].Messages[1].(*proto.Response).ToolCalls()
			require.Equal(t, calls, sent)
		})
	}
}

func TestUnknownTool(t *testing.T) {
	m := modeltest.NewScripted(
		modeltest.ToolCalls(usage.Usage{}, call("get_forecast", `{}`, "x")),
		modeltest.Text("sorry", usage.Usage{}),
	)
	a := newAgent[string](t, m, WithTools(weatherTool(nil)))

	res, err := a.Run(context.Background(), "weather?")
	require.NoError(t, err)
	require.Equal(t, "sorry", res.Output)

	req := lastRequest(t, m.Calls()[1].Messages)
	require.Len(t, req.Parts, 1)
	retry, ok := req.Parts[0].(proto.RetryPromptPart)
	require.True(t, ok)
	require.Equal(t, "x", retry.ToolCallID)
	require.Equal(t, "get_forecast", retry.ToolName)
	require.Equal(t, `Unknown tool name: "get_forecast". Available tools: [get_weather]`, retry.Content)
}

func TestRetryBudget(t *testing.T) {
	t.Run("text not allowed", func(t *testing.T) {
		m := modeltest.NewScripted(
			modeltest.Text("it is sunny", tokens(1, 1)),
			modeltest.Text("really sunny", tokens(1, 1)),
		)
		a := newAgent[forecast](t, m)

		_, err := a.Run(context.Background(), "weather?")
		var unexpected *errs.UnexpectedModelBehavior
		require.ErrorAs(t, err, &unexpected)
		require.Equal(t, "Exceeded maximum retries (1) for result validation", unexpected.Message)

		retry := lastRequest(t, m.Calls()[1].Messages).Parts[0].(proto.RetryPromptPart)
		require.Equal(t, output.TextNotAllowed, retry.Content)

		var runErr *RunError
		require.ErrorAs(t, err, &runErr)
		require.Len(t, runErr.Messages, 4)
		require.Equal(t, 2, runErr.Usage.Requests)
	})

	t.Run("tool", func(t *testing.T) {
		stubborn := tools.MustNew("get_weather", "Weather forecast", func(context.Context, tools.RunContext, weatherArgs) (tools.Result, error) {
			return tools.Retry("try another city"), nil
		})
		m := modeltest.NewScripted(
			modeltest.ToolCalls(usage.Usage{}, call("get_weather", `{"city":"Paris"}`, "1")),
			modeltest.ToolCalls(usage.Usage{}, call("get_weather", `{"city":"Lyon"}`, "2")),
		)
		a := newAgent[string](t, m, WithTools(stubborn))

		_, err := a.Run(context.Background(), "weather?")
		var unexpected *errs.UnexpectedModelBehavior
		require.ErrorAs(t, err, &unexpected)
		require.Equal(t, "Tool exceeded max retries count of 1", unexpected.Message)
		require.Len(t, CapturedMessages(err), 4)
	})

	t.Run("tool recovers", func(t *testing.T) {
		var n atomic.Int32
		flaky := tools.MustNew("get_weather", "Weather forecast", func(_ context.Context, rc tools.RunContext, args weatherArgs) (tools.Result, error) {
			if n.Add(1) == 1 {
				return tools.Retryf("city %q is ambiguous", args.City), nil
			}
			return tools.Ok(fmt.Sprintf("sunny (retry %d)", rc.Retry)), nil
		})
		m := modeltest.NewScripted(
			modeltest.ToolCalls(usage.Usage{}, call("get_weather", `{"city":"Paris"}`, "1")),
			modeltest.ToolCalls(usage.Usage{}, call("get_weather", `{"city":"Paris, FR"}`, "2")),
			modeltest.Text("sunny", usage.Usage{}),
		)
		a := newAgent[string](t, m, WithTools(flaky))

		_, err := a.Run(context.Background(), "weather?")
		require.NoError(t, err)
		retry := lastRequest(t, m.Calls()[1].Messages).Parts[0].(proto.RetryPromptPart)
		require.Equal(t, `city "Paris" is ambiguous`, retry.Content)
		ret := lastRequest(t, m.Calls()[2].Messages).Parts[0].(proto.ToolReturnPart)
		require.Equal(t, "sunny (retry 1)", ret.Content)
	})

	t.Run("invalid arguments", func(t *testing.T) {
		m := modeltest.NewScripted(
			modeltest.ToolCalls(usage.Usage{}, call("get_weather", `{"town":"Paris"}`, "1")),
			modeltest.Text("ok", usage.Usage{}),
		)
		a := newAgent[string](t, m, WithTools(weatherTool(nil)))

		_, err := a.Run(context.Background(), "weather?")
		require.NoError(t, err)
		retry := lastRequest(t, m.Calls()[1].Messages).Parts[0].(proto.RetryPromptPart)
		require.Contains(t, retry.Content, "arguments do not match the schema")
		require.Equal(t, "1", retry.ToolCallID)
	})
}

func TestModelRetries(t *testing.T) {
	t.Run("retriable", func(t *testing.T) {
		m := modeltest.NewScripted(
			modeltest.Fail(&errs.ModelHTTPError{StatusCode: 503, ModelName: "scripted"}),
			modeltest.Fail(&errs.ModelHTTPError{StatusCode: 429, ModelName: "scripted"}),
			modeltest.Text("finally", tokens(2, 2)),
		)
		a := newAgent[string](t, m)

		res, err := a.Run(context.Background(), "hi")
		require.NoError(t, err)
		require.Equal(t, "finally", res.Output)
		require.Equal(t, 1, res.Usage().Requests)

		calls := m.Calls()
		require.Len(t, calls, 3)
		require.Equal(t, len(calls[0].Messages), len(calls[2].Messages))
		require.Equal(t, proto.Conversation(calls[0].Messages).String(), proto.Conversation(calls[2].Messages).String())
	})

	t.Run("budget exhausted", func(t *testing.T) {
		m := modeltest.NewScripted(
			modeltest.Fail(&errs.ModelHTTPError{StatusCode: 500}),
			modeltest.Fail(&errs.ModelHTTPError{StatusCode: 502}),
			modeltest.Fail(&errs.ModelHTTPError{StatusCode: 503}),
		)
		a := newAgent[string](t, m)

		_, err := a.Run(context.Background(), "hi")
		var httpErr *errs.ModelHTTPError
		require.ErrorAs(t, err, &httpErr)
		require.Equal(t, 503, httpErr.StatusCode)
		require.Len(t, m.Calls(), 3)
		require.Empty(t, CapturedMessages(err))
	})

	t.Run("not retriable", func(t *testing.T) {
		m := modeltest.NewScripted(
			modeltest.Fail(&errs.ModelHTTPError{StatusCode: 400, Body: "bad request"}),
			modeltest.Text("unused", usage.Usage{}),
		)
		a := newAgent[string](t, m)

		_, err := a.Run(context.Background(), "hi")
		var httpErr *errs.ModelHTTPError
		require.ErrorAs(t, err, &httpErr)
		require.Equal(t, 400, httpErr.StatusCode)
		require.Len(t, m.Calls(), 1)
	})

	t.Run("timeout", func(t *testing.T) {
		m := modeltest.NewScripted(
			modeltest.Step{Delay: time.Second},
			modeltest.Text("quick", usage.Usage{}),
		)
		a := newAgent[string](t, m, WithModelSettings(&settings.ModelSettings{Timeout: settings.Ptr(10 * time.Millisecond)}))

		res, err := a.Run(context.Background(), "hi")
		require.NoError(t, err)
		require.Equal(t, "quick", res.Output)
		require.Len(t, m.Calls(), 2)
	})

	t.Run("timeout exhausted", func(t *testing.T) {
		m := modeltest.NewScripted(modeltest.Step{Delay: time.Second})
		a := newAgent[string](t, m,
			WithModelRetries(0, time.Millisecond),
			WithModelSettings(&settings.ModelSettings{Timeout: settings.Ptr(10 * time.Millisecond)}),
		)

		_, err := a.Run(context.Background(), "hi")
		var httpErr *errs.ModelHTTPError
		require.ErrorAs(t, err, &httpErr)
		require.Equal(t, 408, httpErr.StatusCode)
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestCancellation(t *testing.T) {
	m := modeltest.NewScripted(
		modeltest.ToolCalls(usage.Usage{}, call("get_weather", `{"city":"Paris"}`, "1")),
		modeltest.Step{Delay: time.Second},
	)
	a := newAgent[string](t, m, WithTools(weatherTool(nil)))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := a.Run(ctx, "weather?")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	msgs := CapturedMessages(err)
	require.Len(t, msgs, 2)
	require.IsType(t, &proto.Request{}, msgs[0])
	require.IsType(t, &proto.Response{}, msgs[1])
}

func TestUsageLimits(t *testing.T) {
	t.Run("requests", func(t *testing.T) {
		m := modeltest.NewScripted(
			modeltest.ToolCalls(usage.Usage{}, call("get_weather", `{"city":"Paris"}`, "1")),
			modeltest.Text("unused", usage.Usage{}),
		)
		a := newAgent[string](t, m, WithTools(weatherTool(nil)), WithUsageLimits(usage.Limits{RequestLimit: 1}))

		_, err := a.Run(context.Background(), "weather?")
		var limit *errs.UsageLimitExceeded
		require.ErrorAs(t, err, &limit)
		require.Equal(t, "The next request would exceed the request_limit of 1", limit.Message)
		require.Len(t, m.Calls(), 1)
	})

	t.Run("tokens per run", func(t *testing.T) {
		m := modeltest.NewScripted(modeltest.Text("long answer", tokens(10, 40)))
		a := newAgent[string](t, m)

		_, err := a.Run(context.Background(), "hi", WithRunLimits(usage.Limits{TotalTokensLimit: 30}))
		var limit *errs.UsageLimitExceeded
		require.ErrorAs(t, err, &limit)
		require.Equal(t, "Exceeded the total_tokens_limit of 30 (total_tokens=50)", limit.Message)
		require.Len(t, CapturedMessages(err), 2)
	})
}

func TestEndStrategy(t *testing.T) {
	response := modeltest.ToolCalls(usage.Usage{},
		call("final_result", `{"city":"Paris","forecast":"sunny"}`, "r"),
		call("get_weather", `{"city":"Paris"}`, "w"),
		call("final_result", `{"city":"Rome","forecast":"rainy"}`, "r2"),
	)

	for name, tc := range map[string]struct {
		strategy EndStrategy
		executed int32
		weather  any
	}{
		"early":      {strategy: EndEarly, executed: 0, weather: "Tool not executed - a final result was already processed."},
		"exhaustive": {strategy: EndExhaustive, executed: 1, weather: "sunny in Paris"},
	} {
		t.Run(name, func(t *testing.T) {
			var executed atomic.Int32
			m := modeltest.NewScripted(response)
			a := newAgent[forecast](t, m, WithTools(weatherTool(&executed)), WithEndStrategy(tc.strategy))

			res, err := a.Run(context.Background(), "weather?")
			require.NoError(t, err)
			require.Equal(t, forecast{City: "Paris", Forecast: "sunny"}, res.Output)
			require.Equal(t, tc.executed, executed.Load())

			msgs := res.AllMessages()
			require.Len(t, msgs, 3)
			trailing := msgs[2].(*proto.Request)
			require.Len(t, trailing.Parts, 3)
			require.Equal(t, "Final result processed.", trailing.Parts[0].(proto.ToolReturnPart).Content)
			require.Equal(t, tc.weather, trailing.Parts[1].(proto.ToolReturnPart).Content)
			require.Equal(t, "Result tool not used - a final result was already processed.", trailing.Parts[2].(proto.ToolReturnPart).Content)
			for i, id := range []string{"r", "w", "r2"} {
				require.Equal(t, id, trailing.Parts[i].(proto.ToolReturnPart).ToolCallID)
			}
		})
	}
}

func TestStructuredOutput(t *testing.T) {
	t.Run("object", func(t *testing.T) {
		m := modeltest.NewScripted(
			modeltest.ToolCalls(usage.Usage{}, call("final_result", `{"city":"Paris"}`, "1")),
		)
		a := newAgent[forecast](t, m)

		res, err := a.Run(context.Background(), "weather?")
		require.NoError(t, err)
		require.Equal(t, forecast{City: "Paris"}, res.Output)

		params := m.Calls()[0].Params
		require.False(t, params.AllowTextResult)
		require.Len(t, params.ResultTools, 1)
		require.Equal(t, "final_result", params.ResultTools[0].Name)
		require.Empty(t, params.ResultTools[0].OuterKey)
	})

	t.Run("wrapped", func(t *testing.T) {
		m := modeltest.NewScripted(
			modeltest.ToolCalls(usage.Usage{}, call("final_result", `{"response":[1,2,3]}`, "1")),
		)
		a := newAgent[[]int](t, m)

		res, err := a.Run(context.Background(), "count")
		require.NoError(t, err)
		require.Equal(t, []int{1, 2, 3}, res.Output)
		require.Equal(t, "response", m.Calls()[0].Params.ResultTools[0].OuterKey)
	})

	t.Run("scalar", func(t *testing.T) {
		m := modeltest.NewScripted(
			modeltest.ToolCalls(usage.Usage{}, call("final_result", `{"response":42}`, "1")),
		)
		a := newAgent[int](t, m)

		res, err := a.Run(context.Background(), "answer?")
		require.NoError(t, err)
		require.Equal(t, 42, res.Output)

		def := m.Calls()[0].Params.ResultTools[0]
		require.Equal(t, "response", def.OuterKey)
		require.Equal(t, []any{"response"}, def.Parameters["required"])
	})

	t.Run("invalid then valid", func(t *testing.T) {
		m := modeltest.NewScripted(
			modeltest.ToolCalls(usage.Usage{}, call("final_result", `{"response":"three"}`, "1")),
			modeltest.ToolCalls(usage.Usage{}, call("final_result", `{"response":3}`, "2")),
		)
		a := newAgent[int](t, m)

		res, err := a.Run(context.Background(), "count")
		require.NoError(t, err)
		require.Equal(t, 3, res.Output)

		retry := lastRequest(t, m.Calls()[1].Messages).Parts[0].(proto.RetryPromptPart)
		require.Equal(t, "final_result", retry.ToolName)
		require.Equal(t, "1", retry.ToolCallID)
	})

	t.Run("custom tool", func(t *testing.T) {
		m := modeltest.NewScripted(
			modeltest.ToolCalls(usage.Usage{}, call("answer", `{"city":"Oslo"}`, "1")),
		)
		a := newAgent[forecast](t, m, WithResultTool("answer", "Answer the question"))

		res, err := a.Run(context.Background(), "weather?")
		require.NoError(t, err)
		require.Equal(t, "Oslo", res.Output.City)
		require.Equal(t, "Answer the question", m.Calls()[0].Params.ResultTools[0].Description)
	})

	t.Run("clashing tool", func(t *testing.T) {
		clash := tools.MustNew("final_result", "clash", func(context.Context, tools.RunContext, weatherArgs) (tools.Result, error) {
			return tools.Ok(nil), nil
		})
		_, err := New[forecast](nil, WithTools(clash))
		var dup *errs.DuplicateToolError
		require.ErrorAs(t, err, &dup)
	})
}

func TestResultValidator(t *testing.T) {
	m := modeltest.NewScripted(
		modeltest.Text("Paris", usage.Usage{}),
		modeltest.Text("rome", usage.Usage{}),
	)
	a := newAgent[string](t, m)
	a.AddResultValidator(func(_ context.Context, _ tools.RunContext, v string) (output.Result[string], error) {
		if v == "Paris" {
			return output.Retryf[string]("pick somewhere other than %s", v), nil
		}
		return output.Ok(v + "!"), nil
	})

	res, err := a.Run(context.Background(), "city?")
	require.NoError(t, err)
	require.Equal(t, "rome!", res.Output)

	retry := lastRequest(t, m.Calls()[1].Messages).Parts[0].(proto.RetryPromptPart)
	require.Equal(t, "pick somewhere other than Paris", retry.Content)
	require.Empty(t, retry.ToolName)

	t.Run("error aborts", func(t *testing.T) {
		m := modeltest.NewScripted(modeltest.Text("x", usage.Usage{}))
		a := newAgent[string](t, m)
		boom := errors.New("boom")
		a.AddResultValidator(func(context.Context, tools.RunContext, string) (output.Result[string], error) {
			return output.Result[string]{}, boom
		})
		_, err := a.Run(context.Background(), "x")
		require.ErrorIs(t, err, boom)
	})
}

func TestEmptyResponse(t *testing.T) {
	m := modeltest.NewScripted(modeltest.Step{Response: modeltest.Response()})
	a := newAgent[string](t, m)

	_, err := a.Run(context.Background(), "hi")
	var unexpected *errs.UnexpectedModelBehavior
	require.ErrorAs(t, err, &unexpected)
	require.Equal(t, "Received empty model response", unexpected.Message)
}

func TestMessageHistory(t *testing.T) {
	m := modeltest.NewScripted(
		modeltest.Text("Hello Ada", tokens(2, 2)),
		modeltest.Text("You are Ada", tokens(4, 2)),
	)
	a := newAgent[string](t, m, WithSystemPrompt("be nice"))

	first, err := a.Run(context.Background(), "I am Ada")
	require.NoError(t, err)

	second, err := a.Run(context.Background(), "Who am I?", WithMessageHistory(first.NewMessages()))
	require.NoError(t, err)
	require.Equal(t, "You are Ada", second.Output)
	require.Len(t, second.AllMessages(), 4)
	require.Len(t, second.NewMessages(), 2)
	require.Equal(t, 1, second.Usage().Requests)

	sent := m.Calls()[1].Messages
	require.Len(t, sent, 3)
	req := sent[2].(*proto.Request)
	require.Len(t, req.Parts, 1)
	require.Equal(t, "Who am I?", req.Parts[0].(proto.UserPromptPart).Content)

	// Round trip through the wire format.
	b, err := proto.MarshalHistory(second.AllMessages())
	require.NoError(t, err)
	restored, err := proto.UnmarshalHistory(b)
	require.NoError(t, err)
	require.Equal(t, proto.Conversation(second.AllMessages()).String(), proto.Conversation(restored).String())
}

func TestDynamicSystemPrompt(t *testing.T) {
	var turn atomic.Int32
	m := modeltest.NewScripted(
		modeltest.Text("one", usage.Usage{}),
		modeltest.Text("two", usage.Usage{}),
	)
	a := newAgent[string](t, m,
		WithSystemPrompt("static"),
		WithSystemPromptFunc(SystemPrompt{Name: "turn", Dynamic: true, Func: func(context.Context, tools.RunContext) (string, error) {
			return fmt.Sprintf("turn %d", turn.Add(1)), nil
		}}),
	)

	first, err := a.Run(context.Background(), "a")
	require.NoError(t, err)
	history := first.AllMessages()
	require.Equal(t, proto.SystemPromptPart{Content: "turn 1", DynamicRef: "turn"}, history[0].(*proto.Request).Parts[1])

	_, err = a.Run(context.Background(), "b", WithMessageHistory(history))
	require.NoError(t, err)
	sent := m.Calls()[1].Messages[0].(*proto.Request)
	require.Equal(t, proto.SystemPromptPart{Content: "static"}, sent.Parts[0])
	require.Equal(t, proto.SystemPromptPart{Content: "turn 2", DynamicRef: "turn"}, sent.Parts[1])

	// The caller's history is left alone.
	require.Equal(t, "turn 1", history[0].(*proto.Request).Parts[1].(proto.SystemPromptPart).Content)
}

func TestRunOptions(t *testing.T) {
	type deps struct{ unit string }
	var seen atomic.Value
	tool := tools.MustNew("get_weather", "Weather forecast", func(_ context.Context, rc tools.RunContext, args weatherArgs) (tools.Result, error) {
		seen.Store(rc.Deps)
		return tools.Ok("20" + rc.Deps.(deps).unit), nil
	})
	m := modeltest.NewScripted(
		modeltest.ToolCalls(usage.Usage{}, call("get_weather", `{"city":"Paris"}`, "1")),
		modeltest.Text("20C", usage.Usage{}),
	)
	a := newAgent[string](t, m,
		WithTools(tool),
		WithModelSettings(&settings.ModelSettings{MaxTokens: settings.Ptr[int64](100), Temperature: settings.Ptr(0.5)}),
	)

	_, err := a.Run(context.Background(), "weather?",
		WithDeps(deps{unit: "C"}),
		WithRunSettings(&settings.ModelSettings{Temperature: settings.Ptr(0.9)}),
	)
	require.NoError(t, err)
	require.Equal(t, deps{unit: "C"}, seen.Load())

	ms := m.Calls()[0].Settings
	require.Equal(t, int64(100), *ms.MaxTokens)
	require.InDelta(t, 0.9, *ms.Temperature, 0)
	require.Equal(t, []string{"get_weather"}, a.Tools())

	t.Run("model override", func(t *testing.T) {
		other := modeltest.NewScripted(modeltest.Text("from other", usage.Usage{}))
		res, err := a.Run(context.Background(), "hi", WithModel(other))
		require.NoError(t, err)
		require.Equal(t, "from other", res.Output)
	})

	t.Run("no model", func(t *testing.T) {
		a, err := New[string](nil)
		require.NoError(t, err)
		_, err = a.Run(context.Background(), "hi")
		var userErr *errs.UserError
		require.ErrorAs(t, err, &userErr)
	})
}

func TestNewValidation(t *testing.T) {
	_, err := New[string](nil, WithRetries(-1))
	require.Error(t, err)
	_, err = New[string](nil, WithEndStrategy("sometimes"))
	require.Error(t, err)
}
