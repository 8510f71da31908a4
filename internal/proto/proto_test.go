package proto

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var ts = time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

func sampleHistory() []Message {
	return []Message{
		NewRequest(
			SystemPromptPart{Content: "be terse"},
			UserPromptPart{Content: "weather in London?", Timestamp: ts},
		),
		&Response{
			Parts: []ResponsePart{
				TextPart{Content: "checking"},
				ToolCallPart{ToolName: "get_weather", Args: `{"city":"London"}`, ToolCallID: "call_1"},
			},
			ModelName: "test",
			Timestamp: ts,
		},
		NewRequest(
			ToolReturnPart{ToolName: "get_weather", Content: "rainy", ToolCallID: "call_1", Timestamp: ts},
		),
		&Response{Parts: []ResponsePart{TextPart{Content: "It is rainy."}}, ModelName: "test", Timestamp: ts},
	}
}

func TestHistoryJSON(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		history := sampleHistory()
		b, err := MarshalHistory(history)
		require.NoError(t, err)
		got, err := UnmarshalHistory(b)
		require.NoError(t, err)
		require.Equal(t, history, got)
	})

	t.Run("discriminators", func(t *testing.T) {
		b, err := MarshalHistory(sampleHistory()[1:2])
		require.NoError(t, err)
		require.JSONEq(t, `[{
			"kind": "response",
			"model_name": "test",
			"timestamp": "2025-03-14T09:26:53Z",
			"parts": [
				{"part_kind": "text", "content": "checking"},
				{"part_kind": "tool-call", "tool_name": "get_weather", "args": "{\"city\":\"London\"}", "tool_call_id": "call_1"}
			]
		}]`, string(b))
	})

	t.Run("empty", func(t *testing.T) {
		b, err := MarshalHistory(nil)
		require.NoError(t, err)
		require.Equal(t, "[]", string(b))
	})

	t.Run("unknown kind", func(t *testing.T) {
		_, err := UnmarshalHistory([]byte(`[{"kind":"nope","parts":[]}]`))
		require.ErrorContains(t, err, `unknown message kind "nope"`)
	})

	t.Run("unknown part", func(t *testing.T) {
		_, err := UnmarshalHistory([]byte(`[{"kind":"request","parts":[{"part_kind":"text","content":"x"}]}]`))
		require.ErrorContains(t, err, `unknown request part kind "text"`)
	})
}

func TestToolCallPart(t *testing.T) {
	t.Run("args as map", func(t *testing.T) {
		p := NewToolCallPart("f", map[string]any{"a": 1}, "id")
		args, err := p.ArgsAsMap()
		require.NoError(t, err)
		require.Equal(t, map[string]any{"a": float64(1)}, args)
		require.JSONEq(t, `{"a":1}`, p.ArgsAsJSON())
		require.True(t, p.HasContent())
	})

	t.Run("empty args", func(t *testing.T) {
		p := ToolCallPart{ToolName: "f"}
		args, err := p.ArgsAsMap()
		require.NoError(t, err)
		require.Empty(t, args)
		require.Equal(t, "{}", p.ArgsAsJSON())
		require.False(t, p.HasContent())
	})

	t.Run("malformed args", func(t *testing.T) {
		_, err := ToolCallPart{ToolName: "f", Args: "{nope"}.ArgsAsMap()
		require.ErrorContains(t, err, "invalid arguments for tool f")
	})

	t.Run("guarded id", func(t *testing.T) {
		require.Equal(t, "keep", GuardToolCallID("keep"))
		a, b := GuardToolCallID(""), GuardToolCallID("")
		require.NotEqual(t, a, b)
		require.Regexp(t, `^call_[0-9a-f]{32}$`, a)
		require.NotEmpty(t, NewToolCallPart("f", nil, "").ToolCallID)
	})

	t.Run("unique ids in a response", func(t *testing.T) {
		resp := &Response{Parts: []ResponsePart{
			TextPart{Content: "checking"},
			ToolCallPart{ToolName: "f", ToolCallID: "dup"},
			ToolCallPart{ToolName: "g", ToolCallID: "dup"},
			ToolCallPart{ToolName: "h"},
			ToolCallPart{ToolName: "k"},
		}}

		fixed, n := resp.WithUniqueToolCallIDs()
		require.Equal(t, 3, n)
		ids := map[string]bool{}
		for _, call := range fixed.ToolCalls() {
			require.NotEmpty(t, call.ToolCallID)
			require.False(t, ids[call.ToolCallID], "duplicate id %s", call.ToolCallID)
			ids[call.ToolCallID] = true
		}
		require.Equal(t, "dup", fixed.ToolCalls()[0].ToolCallID)
		require.Equal(t, TextPart{Content: "checking"}, fixed.Parts[0])

		// The input is not modified.
		require.Equal(t, "dup", resp.Parts[2].(ToolCallPart).ToolCallID)
		require.Empty(t, resp.Parts[3].(ToolCallPart).ToolCallID)

		same, n := fixed.WithUniqueToolCallIDs()
		require.Zero(t, n)
		require.Same(t, fixed, same)
	})
}

func TestModelResponse(t *testing.T) {
	require.Equal(t, "plain", ToolReturnPart{Content: "plain"}.ModelResponseStr())
	require.Equal(t, `{"temp":21.5,"unit":"<C>"}`, ToolReturnPart{Content: map[string]any{"temp": 21.5, "unit": "<C>"}}.ModelResponseStr())
	require.Equal(t, "bad input\n\nFix the errors and try again.", RetryPromptPart{Content: "bad input"}.ModelResponse())
}

func TestConversation(t *testing.T) {
	t.Run("string", func(t *testing.T) {
		want := "**System**: be terse\n\n" +
			"**Prompt**: weather in London?\n\n" +
			"**Assistant**: checking\n\n" +
			"**Assistant** called `get_weather` with `{\"city\":\"London\"}`\n\n" +
			"**Tool** `get_weather`: rainy\n\n" +
			"**Assistant**: It is rainy.\n\n"
		require.Equal(t, want, Conversation(sampleHistory()).String())
	})

	t.Run("last prompt", func(t *testing.T) {
		require.Equal(t, "weather in London?", Conversation(sampleHistory()).LastPrompt())
		require.Empty(t, Conversation(nil).LastPrompt())
	})

	t.Run("clone is independent", func(t *testing.T) {
		orig := sampleHistory()
		clone := Conversation(orig).Clone()
		require.Equal(t, orig, clone)
		clone[0].(*Request).Parts[0] = SystemPromptPart{Content: "changed"}
		require.Equal(t, SystemPromptPart{Content: "be terse"}, orig[0].(*Request).Parts[0])
	})

	t.Run("response helpers", func(t *testing.T) {
		resp := sampleHistory()[1].(*Response)
		require.Equal(t, "checking", resp.Text())
		require.Len(t, resp.ToolCalls(), 1)
		require.Equal(t, "call_1", resp.ToolCalls()[0].ToolCallID)
	})
}
