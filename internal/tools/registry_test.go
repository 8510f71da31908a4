package tools

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dotcommander/yagent/internal/errs"
	"github.com/dotcommander/yagent/internal/proto"
	"github.com/stretchr/testify/require"
)

type weatherArgs struct {
	City string `json:"city" jsonschema:"description=City name"`
	Days int    `json:"days,omitempty"`
}

func weatherTool(t *testing.T) Tool {
	t.Helper()
	tool, err := New("get_weather", "Weather forecast", func(_ context.Context, _ RunContext, args weatherArgs) (Result, error) {
		if args.City == "Atlantis" {
			return Retryf("unknown city %q", args.City), nil
		}
		return Ok(map[string]any{"city": args.City, "forecast": "rainy"}), nil
	})
	require.NoError(t, err)
	return tool
}

func newRegistry(t *testing.T, tools ...Tool) *Registry {
	t.Helper()
	r := NewRegistry(1)
	require.NoError(t, r.Register(tools...))
	return r
}

func TestRegister(t *testing.T) {
	t.Run("duplicate", func(t *testing.T) {
		r := newRegistry(t, weatherTool(t))
		err := r.Register(weatherTool(t))
		var dup *errs.DuplicateToolError
		require.ErrorAs(t, err, &dup)
		require.Equal(t, "get_weather", dup.Name)
	})

	t.Run("missing func", func(t *testing.T) {
		err := NewRegistry(1).Register(Tool{Name: "x"})
		var userErr *errs.UserError
		require.ErrorAs(t, err, &userErr)
	})

	t.Run("reflected schema", func(t *testing.T) {
		def := weatherTool(t).Definition()
		require.Equal(t, "object", def.Parameters["type"])
		require.Equal(t, []any{"city"}, def.Parameters["required"])
		require.Contains(t, def.Parameters["properties"], "days")
		require.NotContains(t, def.Parameters, "$schema")
	})

	t.Run("definitions in order with prepare", func(t *testing.T) {
		hidden := Tool{
			Name: "hidden",
			Func: func(context.Context, RunContext, map[string]any) (Result, error) { return Ok(nil), nil },
			Prepare: func(context.Context, RunContext, proto.ToolDefinition) (*proto.ToolDefinition, error) {
				return nil, nil
			},
		}
		renamed := Tool{
			Name: "plain",
			Func: func(context.Context, RunContext, map[string]any) (Result, error) { return Ok(nil), nil },
			Prepare: func(_ context.Context, _ RunContext, def proto.ToolDefinition) (*proto.ToolDefinition, error) {
				def.Description = "prepared"
				return &def, nil
			},
		}
		r := newRegistry(t, weatherTool(t), hidden, renamed)
		defs, err := r.Definitions(context.Background(), RunContext{})
		require.NoError(t, err)
		require.Len(t, defs, 2)
		require.Equal(t, "get_weather", defs[0].Name)
		require.Equal(t, "prepared", defs[1].Description)
		require.Equal(t, []string{"get_weather", "hidden", "plain"}, r.Names())
	})
}

func TestDispatch(t *testing.T) {
	ctx := context.Background()

	t.Run("ok", func(t *testing.T) {
		r := newRegistry(t, weatherTool(t))
		part, err := r.Dispatch(ctx, RunContext{}, NewRetryState(), proto.ToolCallPart{
			ToolName: "get_weather", Args: `{"city":"London"}`, ToolCallID: "c1",
		})
		require.NoError(t, err)
		ret, ok := part.(proto.ToolReturnPart)
		require.True(t, ok)
		require.Equal(t, "c1", ret.ToolCallID)
		require.Equal(t, map[string]any{"city": "London", "forecast": "rainy"}, ret.Content)
	})

	t.Run("unknown tool", func(t *testing.T) {
		r := newRegistry(t, weatherTool(t))
		_, err := r.Dispatch(ctx, RunContext{}, NewRetryState(), proto.ToolCallPart{ToolName: "nope", ToolCallID: "c1"})
		var unknown *errs.UnknownToolError
		require.ErrorAs(t, err, &unknown)
		require.Equal(t, []string{"get_weather"}, unknown.Available)
	})

	t.Run("retry then budget exhausted", func(t *testing.T) {
		r := newRegistry(t, weatherTool(t))
		state := NewRetryState()
		call := proto.ToolCallPart{ToolName: "get_weather", Args: `{"city":"Atlantis"}`, ToolCallID: "c1"}

		part, err := r.Dispatch(ctx, RunContext{}, state, call)
		require.NoError(t, err)
		require.Equal(t, proto.RetryPromptPart{
			Content:    `unknown city "Atlantis"`,
			ToolName:   "get_weather",
			ToolCallID: "c1",
			Timestamp:  part.(proto.RetryPromptPart).Timestamp,
		}, part)
		require.Equal(t, 1, state.Current("get_weather"))

		_, err = r.Dispatch(ctx, RunContext{}, state, call)
		var unexpected *errs.UnexpectedModelBehavior
		require.ErrorAs(t, err, &unexpected)
		require.Equal(t, "Tool exceeded max retries count of 1", unexpected.Message)
	})

	t.Run("success resets retries", func(t *testing.T) {
		r := newRegistry(t, weatherTool(t))
		state := NewRetryState()
		_, err := r.Dispatch(ctx, RunContext{}, state, proto.ToolCallPart{ToolName: "get_weather", Args: `{"city":"Atlantis"}`})
		require.NoError(t, err)
		_, err = r.Dispatch(ctx, RunContext{}, state, proto.ToolCallPart{ToolName: "get_weather", Args: `{"city":"Rome"}`})
		require.NoError(t, err)
		require.Zero(t, state.Current("get_weather"))
	})

	t.Run("retry count visible to tool", func(t *testing.T) {
		var seen []int
		flaky := Tool{
			Name:       "flaky",
			MaxRetries: 3,
			Func: func(_ context.Context, rc RunContext, _ map[string]any) (Result, error) {
				seen = append(seen, rc.Retry)
				return Retry("again"), nil
			},
		}
		r := newRegistry(t, flaky)
		state := NewRetryState()
		for range 3 {
			_, err := r.Dispatch(ctx, RunContext{}, state, proto.ToolCallPart{ToolName: "flaky"})
			require.NoError(t, err)
		}
		require.Equal(t, []int{0, 1, 2}, seen)
	})

	t.Run("retry message is sent verbatim", func(t *testing.T) {
		const msg = "discount must be under 50% of {price}"
		pricing := Tool{
			Name: "pricing",
			Func: func(context.Context, RunContext, map[string]any) (Result, error) {
				return Retry(msg), nil
			},
		}
		r := newRegistry(t, pricing)
		part, err := r.Dispatch(ctx, RunContext{}, NewRetryState(), proto.ToolCallPart{ToolName: "pricing", ToolCallID: "c1"})
		require.NoError(t, err)
		retry := part.(proto.RetryPromptPart)
		require.Equal(t, msg, retry.Content)
		require.Equal(t, "c1", retry.ToolCallID)

		require.Equal(t, "city 42 unknown", Retryf("city %d unknown", 42).Message())
	})

	t.Run("malformed json", func(t *testing.T) {
		r := newRegistry(t, weatherTool(t))
		part, err := r.Dispatch(ctx, RunContext{}, NewRetryState(), proto.ToolCallPart{ToolName: "get_weather", Args: `{"city":`, ToolCallID: "c1"})
		require.NoError(t, err)
		require.Contains(t, part.(proto.RetryPromptPart).Content, "invalid arguments for tool get_weather")
	})

	t.Run("schema violation", func(t *testing.T) {
		r := newRegistry(t, weatherTool(t))
		part, err := r.Dispatch(ctx, RunContext{}, NewRetryState(), proto.ToolCallPart{ToolName: "get_weather", Args: `{"days":2}`, ToolCallID: "c1"})
		require.NoError(t, err)
		retry, ok := part.(proto.RetryPromptPart)
		require.True(t, ok)
		require.Contains(t, retry.Content, "arguments do not match the schema")
	})

	t.Run("plain error becomes retry", func(t *testing.T) {
		failing := Tool{
			Name: "failing",
			Func: func(context.Context, RunContext, map[string]any) (Result, error) {
				return Result{}, errors.New("disk full")
			},
		}
		r := newRegistry(t, failing)
		part, err := r.Dispatch(ctx, RunContext{}, NewRetryState(), proto.ToolCallPart{ToolName: "failing", ToolCallID: "c9"})
		require.NoError(t, err)
		retry := part.(proto.RetryPromptPart)
		require.Equal(t, "Error executing tool failing: disk full", retry.Content)
		require.Equal(t, "c9", retry.ToolCallID)
	})

	t.Run("cancellation is fatal", func(t *testing.T) {
		blocking := Tool{
			Name: "blocking",
			Func: func(ctx context.Context, _ RunContext, _ map[string]any) (Result, error) {
				<-ctx.Done()
				return Result{}, ctx.Err()
			},
		}
		r := newRegistry(t, blocking)
		cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()
		_, err := r.Dispatch(cctx, RunContext{}, NewRetryState(), proto.ToolCallPart{ToolName: "blocking"})
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestDispatchAll(t *testing.T) {
	t.Run("concurrent and ordered", func(t *testing.T) {
		type sleepArgs struct {
			Ms int `json:"ms"`
		}
		var started sync.WaitGroup
		started.Add(3)
		allStarted := make(chan struct{})
		go func() {
			started.Wait()
			close(allStarted)
		}()
		sleeper := MustNew("sleep", "", func(ctx context.Context, _ RunContext, args sleepArgs) (Result, error) {
			started.Done()
			select {
			case <-allStarted:
			case <-time.After(time.Second):
				return Result{}, errors.New("calls did not run concurrently")
			}
			time.Sleep(time.Duration(args.Ms) * time.Millisecond)
			return Ok(args.Ms), nil
		})
		r := newRegistry(t, sleeper)
		calls := []proto.ToolCallPart{
			{ToolName: "sleep", Args: `{"ms":30}`, ToolCallID: "a"},
			{ToolName: "sleep", Args: `{"ms":1}`, ToolCallID: "b"},
			{ToolName: "sleep", Args: `{"ms":15}`, ToolCallID: "c"},
		}
		parts, err := r.DispatchAll(context.Background(), RunContext{}, NewRetryState(), calls)
		require.NoError(t, err)
		require.Len(t, parts, 3)
		for i, part := range parts {
			ret, ok := part.(proto.ToolReturnPart)
			require.True(t, ok, "part %d: %#v", i, part)
			require.Equal(t, calls[i].ToolCallID, ret.ToolCallID)
		}
		require.Equal(t, []any{30, 1, 15}, []any{
			parts[0].(proto.ToolReturnPart).Content,
			parts[1].(proto.ToolReturnPart).Content,
			parts[2].(proto.ToolReturnPart).Content,
		})
	})

	t.Run("fatal error wins", func(t *testing.T) {
		r := newRegistry(t, weatherTool(t))
		_, err := r.DispatchAll(context.Background(), RunContext{}, NewRetryState(), []proto.ToolCallPart{
			{ToolName: "get_weather", Args: `{"city":"Oslo"}`},
			{ToolName: "missing"},
		})
		var unknown *errs.UnknownToolError
		require.ErrorAs(t, err, &unknown)
	})
}
