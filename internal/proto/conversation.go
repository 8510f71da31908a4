package proto

import (
	"fmt"
	"strings"
)

// Conversation is a message history that can be rendered as markdown.
type Conversation []Message

// String renders the conversation as a markdown transcript.
func (cc Conversation) String() string {
	var sb strings.Builder
	for _, msg := range cc {
		switch m := msg.(type) {
		case *Request:
			for _, part := range m.Parts {
				writeRequestPart(&sb, part)
			}
		case *Response:
			for _, part := range m.Parts {
				writeResponsePart(&sb, part)
			}
		default:
			UnknownMessage(msg)
		}
	}
	return sb.String()
}

func writeRequestPart(sb *strings.Builder, part RequestPart) {
	switch p := part.(type) {
	case SystemPromptPart:
		if p.Content == "" {
			return
		}
		sb.WriteString("**System**: " + p.Content + "\n\n")
	case UserPromptPart:
		if p.Content == "" {
			return
		}
		sb.WriteString("**Prompt**: " + p.Content + "\n\n")
	case ToolReturnPart:
		fmt.Fprintf(sb, "**Tool** `%s`: %s\n\n", p.ToolName, p.ModelResponseStr())
	case RetryPromptPart:
		if p.ToolName != "" {
			fmt.Fprintf(sb, "**Retry** `%s`: %s\n\n", p.ToolName, p.Content)
			return
		}
		sb.WriteString("**Retry**: " + p.Content + "\n\n")
	default:
		UnknownPart(part)
	}
}

func writeResponsePart(sb *strings.Builder, part ResponsePart) {
	switch p := part.(type) {
	case TextPart:
		if p.Content == "" {
			return
		}
		sb.WriteString("**Assistant**: " + p.Content + "\n\n")
	case ToolCallPart:
		fmt.Fprintf(sb, "**Assistant** called `%s` with `%s`\n\n", p.ToolName, p.ArgsAsJSON())
	default:
		UnknownPart(part)
	}
}

// LastPrompt returns the content of the most recent non-empty user prompt.
func (cc Conversation) LastPrompt() string {
	var result string
	for _, msg := range cc {
		req, ok := msg.(*Request)
		if !ok {
			continue
		}
		for _, part := range req.Parts {
			if up, ok := part.(UserPromptPart); ok && up.Content != "" {
				result = up.Content
			}
		}
	}
	return result
}

// Clone returns a copy of the conversation whose messages and part slices
// can be appended to without affecting the original.
func (cc Conversation) Clone() []Message {
	if cc == nil {
		return nil
	}
	out := make([]Message, len(cc))
	for i, msg := range cc {
		switch m := msg.(type) {
		case *Request:
			out[i] = &Request{Parts: append([]RequestPart(nil), m.Parts...)}
		case *Response:
			cp := *m
			cp.Parts = append([]ResponsePart(nil), m.Parts...)
			out[i] = &cp
		default:
			UnknownMessage(msg)
		}
	}
	return out
}
