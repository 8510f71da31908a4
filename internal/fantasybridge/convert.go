package fantasybridge

import (
	"errors"

	"charm.land/fantasy"

	"github.com/dotcommander/yagent/internal/errs"
	"github.com/dotcommander/yagent/internal/model"
	"github.com/dotcommander/yagent/internal/proto"
	"github.com/dotcommander/yagent/internal/settings"
)

// toFantasyPrompt converts a history. Consecutive request parts of the same
// role are grouped into one message.
func toFantasyPrompt(input []proto.Message, modelName string) (fantasy.Prompt, error) {
	messages := make([]fantasy.Message, 0, len(input))
	add := func(role fantasy.MessageRole, part fantasy.MessagePart) {
		if n := len(messages); n > 0 && messages[n-1].Role == role && role != fantasy.MessageRoleAssistant {
			messages[n-1].Content = append(messages[n-1].Content, part)
			return
		}
		messages = append(messages, fantasy.Message{Role: role, Content: []fantasy.MessagePart{part}})
	}

	for _, msg := range input {
		switch m := msg.(type) {
		case *proto.Request:
			for _, part := range m.Parts {
				switch p := part.(type) {
				case proto.SystemPromptPart:
					add(fantasy.MessageRoleSystem, fantasy.TextPart{Text: p.Content})
				case proto.UserPromptPart:
					add(fantasy.MessageRoleUser, fantasy.TextPart{Text: p.Content})
					for _, media := range p.Media {
						if media.URL != "" || len(media.Data) == 0 {
							return nil, &errs.UnsupportedContentError{Model: modelName, Content: "media URL"}
						}
						add(fantasy.MessageRoleUser, fantasy.FilePart{Data: media.Data, MediaType: media.MediaType})
					}
				case proto.ToolReturnPart:
					add(fantasy.MessageRoleTool, fantasy.ToolResultPart{
						ToolCallID: p.ToolCallID,
						Output:     fantasy.ToolResultOutputContentText{Text: p.ModelResponseStr()},
					})
				case proto.RetryPromptPart:
					if p.ToolCallID == "" {
						add(fantasy.MessageRoleUser, fantasy.TextPart{Text: p.ModelResponse()})
						continue
					}
					add(fantasy.MessageRoleTool, fantasy.ToolResultPart{
						ToolCallID: p.ToolCallID,
						Output:     fantasy.ToolResultOutputContentError{Error: errors.New(p.ModelResponse())},
					})
				default:
					proto.UnknownPart(part)
				}
			}
		case *proto.Response:
			parts := make([]fantasy.MessagePart, 0, len(m.Parts))
			for _, part := range m.Parts {
				switch p := part.(type) {
				case proto.TextPart:
					if p.Content != "" {
						parts = append(parts, fantasy.TextPart{Text: p.Content})
					}
				case proto.ToolCallPart:
					parts = append(parts, fantasy.ToolCallPart{
						ToolCallID:       p.ToolCallID,
						ToolName:         p.ToolName,
						Input:            p.ArgsAsJSON(),
						ProviderExecuted: false,
					})
				default:
					proto.UnknownPart(part)
				}
			}
			if len(parts) > 0 {
				messages = append(messages, fantasy.Message{Role: fantasy.MessageRoleAssistant, Content: parts})
			}
		default:
			proto.UnknownMessage(msg)
		}
	}

	return messages, nil
}

func toFantasyTools(defs []proto.ToolDefinition) []fantasy.Tool {
	tools := make([]fantasy.Tool, 0, len(defs))
	for _, def := range defs {
		schema := def.Parameters
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		tools = append(tools, fantasy.FunctionTool{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: schema,
		})
	}
	return tools
}

func toolChoice(ms *settings.ModelSettings, params model.Parameters) *fantasy.ToolChoice {
	tc, ok := model.ToolChoice(ms, params)
	if !ok {
		return nil
	}
	var choice fantasy.ToolChoice
	switch tc {
	case settings.ToolChoiceNone:
		choice = fantasy.ToolChoiceNone
	case settings.ToolChoiceRequired:
		choice = fantasy.ToolChoiceRequired
	case settings.ToolChoiceAuto:
		choice = fantasy.ToolChoiceAuto
	default:
		name, _ := tc.Forced()
		choice = fantasy.ToolChoice(name)
	}
	return &choice
}
