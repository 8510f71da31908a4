package proto

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

func marshalContent(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err //nolint:wrapcheck
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

type (
	systemPromptAlias SystemPromptPart
	userPromptAlias   UserPromptPart
	toolReturnAlias   ToolReturnPart
	retryPromptAlias  RetryPromptPart
	textAlias         TextPart
	toolCallAlias     ToolCallPart
)

func (p SystemPromptPart) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct { //nolint:wrapcheck
		PartKind PartKind `json:"part_kind"`
		systemPromptAlias
	}{PartSystemPrompt, systemPromptAlias(p)})
}

func (p UserPromptPart) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct { //nolint:wrapcheck
		PartKind PartKind `json:"part_kind"`
		userPromptAlias
	}{PartUserPrompt, userPromptAlias(p)})
}

func (p ToolReturnPart) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct { //nolint:wrapcheck
		PartKind PartKind `json:"part_kind"`
		toolReturnAlias
	}{PartToolReturn, toolReturnAlias(p)})
}

func (p RetryPromptPart) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct { //nolint:wrapcheck
		PartKind PartKind `json:"part_kind"`
		retryPromptAlias
	}{PartRetryPrompt, retryPromptAlias(p)})
}

func (p TextPart) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct { //nolint:wrapcheck
		PartKind PartKind `json:"part_kind"`
		textAlias
	}{PartText, textAlias(p)})
}

func (p ToolCallPart) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct { //nolint:wrapcheck
		PartKind PartKind `json:"part_kind"`
		toolCallAlias
	}{PartToolCall, toolCallAlias(p)})
}

type wireMessage struct {
	Kind      MessageKind       `json:"kind"`
	Parts     []json.RawMessage `json:"parts"`
	ModelName string            `json:"model_name,omitempty"`
	Timestamp *time.Time        `json:"timestamp,omitempty"`
}

type wirePart struct {
	PartKind PartKind `json:"part_kind"`
}

// MarshalJSON encodes the request with a "kind" discriminator.
func (r *Request) MarshalJSON() ([]byte, error) {
	parts := r.Parts
	if parts == nil {
		parts = []RequestPart{}
	}
	return json.Marshal(struct { //nolint:wrapcheck
		Kind  MessageKind   `json:"kind"`
		Parts []RequestPart `json:"parts"`
	}{KindRequest, parts})
}

// MarshalJSON encodes the response with a "kind" discriminator.
func (r *Response) MarshalJSON() ([]byte, error) {
	parts := r.Parts
	if parts == nil {
		parts = []ResponsePart{}
	}
	return json.Marshal(struct { //nolint:wrapcheck
		Kind      MessageKind    `json:"kind"`
		Parts     []ResponsePart `json:"parts"`
		ModelName string         `json:"model_name,omitempty"`
		Timestamp time.Time      `json:"timestamp"`
	}{KindResponse, parts, r.ModelName, r.Timestamp})
}

// MarshalHistory encodes a conversation as JSON.
func MarshalHistory(messages []Message) ([]byte, error) {
	if messages == nil {
		messages = []Message{}
	}
	b, err := json.Marshal(messages)
	if err != nil {
		return nil, fmt.Errorf("could not encode history: %w", err)
	}
	return b, nil
}

// UnmarshalHistory decodes a conversation produced by MarshalHistory.
func UnmarshalHistory(data []byte) ([]Message, error) {
	var wire []wireMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("could not decode history: %w", err)
	}
	messages := make([]Message, 0, len(wire))
	for i, wm := range wire {
		msg, err := decodeMessage(wm)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func decodeMessage(wm wireMessage) (Message, error) {
	switch wm.Kind {
	case KindRequest:
		req := &Request{Parts: make([]RequestPart, 0, len(wm.Parts))}
		for _, raw := range wm.Parts {
			part, err := decodeRequestPart(raw)
			if err != nil {
				return nil, err
			}
			req.Parts = append(req.Parts, part)
		}
		return req, nil
	case KindResponse:
		resp := &Response{Parts: make([]ResponsePart, 0, len(wm.Parts)), ModelName: wm.ModelName}
		if wm.Timestamp != nil {
			resp.Timestamp = *wm.Timestamp
		}
		for _, raw := range wm.Parts {
			part, err := decodeResponsePart(raw)
			if err != nil {
				return nil, err
			}
			resp.Parts = append(resp.Parts, part)
		}
		return resp, nil
	default:
		return nil, fmt.Errorf("unknown message kind %q", wm.Kind)
	}
}

func decodeRequestPart(raw json.RawMessage) (RequestPart, error) {
	var head wirePart
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("could not decode part: %w", err)
	}
	switch head.PartKind {
	case PartSystemPrompt:
		return decodeAs[SystemPromptPart](raw)
	case PartUserPrompt:
		return decodeAs[UserPromptPart](raw)
	case PartToolReturn:
		return decodeAs[ToolReturnPart](raw)
	case PartRetryPrompt:
		return decodeAs[RetryPromptPart](raw)
	default:
		return nil, fmt.Errorf("unknown request part kind %q", head.PartKind)
	}
}

func decodeResponsePart(raw json.RawMessage) (ResponsePart, error) {
	var head wirePart
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("could not decode part: %w", err)
	}
	switch head.PartKind {
	case PartText:
		return decodeAs[TextPart](raw)
	case PartToolCall:
		return decodeAs[ToolCallPart](raw)
	default:
		return nil, fmt.Errorf("unknown response part kind %q", head.PartKind)
	}
}

func decodeAs[T any](raw json.RawMessage) (T, error) {
	var part T
	if err := json.Unmarshal(raw, &part); err != nil {
		return part, fmt.Errorf("could not decode %T: %w", part, err)
	}
	return part, nil
}
