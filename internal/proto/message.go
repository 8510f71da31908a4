// Package proto is yagent's provider-neutral message model.
//
// A conversation is an ordered list of Message values, each either a
// *Request (what yagent sends to a model) or a *Response (what the model
// returned). Both are sealed: the part interfaces carry an unexported marker
// method so only the variants declared here can exist.
package proto

import (
	"fmt"
	"time"
)

// MessageKind discriminates the two Message variants.
type MessageKind string

// Message kinds.
const (
	KindRequest  MessageKind = "request"
	KindResponse MessageKind = "response"
)

// PartKind discriminates message parts.
type PartKind string

// Part kinds.
const (
	PartSystemPrompt PartKind = "system-prompt"
	PartUserPrompt   PartKind = "user-prompt"
	PartToolReturn   PartKind = "tool-return"
	PartRetryPrompt  PartKind = "retry-prompt"
	PartText         PartKind = "text"
	PartToolCall     PartKind = "tool-call"
)

// Message is either a *Request or a *Response.
type Message interface {
	Kind() MessageKind
	isMessage()
}

// RequestPart is a part of a Request.
type RequestPart interface {
	PartKind() PartKind
	isRequestPart()
}

// ResponsePart is a part of a Response.
type ResponsePart interface {
	PartKind() PartKind
	isResponsePart()
}

// Request is a message sent to the model.
type Request struct {
	Parts []RequestPart
}

// NewRequest builds a Request from parts.
func NewRequest(parts ...RequestPart) *Request {
	return &Request{Parts: parts}
}

// Kind implements Message.
func (*Request) Kind() MessageKind { return KindRequest }
func (*Request) isMessage()        {}

// Response is a message returned by the model.
type Response struct {
	Parts     []ResponsePart
	ModelName string
	Timestamp time.Time
}

// Kind implements Message.
func (*Response) Kind() MessageKind { return KindResponse }
func (*Response) isMessage()        {}

// ToolCalls returns the tool call parts of the response, in order.
func (r *Response) ToolCalls() []ToolCallPart {
	var calls []ToolCallPart
	for _, part := range r.Parts {
		if call, ok := part.(ToolCallPart); ok {
			calls = append(calls, call)
		}
	}
	return calls
}

// Text concatenates the text parts of the response.
func (r *Response) Text() string {
	var text string
	for _, part := range r.Parts {
		if tp, ok := part.(TextPart); ok {
			text += tp.Content
		}
	}
	return text
}

// SystemPromptPart is a system instruction.
type SystemPromptPart struct {
	Content string `json:"content"`
	// DynamicRef names the function that produced the prompt, if any.
	DynamicRef string `json:"dynamic_ref,omitempty"`
}

// UserPromptPart is the user's input, optionally with attachments.
type UserPromptPart struct {
	Content   string    `json:"content"`
	Media     []Media   `json:"media,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// UserPrompt builds a UserPromptPart stamped with the current time.
func UserPrompt(content string, media ...Media) UserPromptPart {
	return UserPromptPart{Content: content, Media: media, Timestamp: time.Now().UTC()}
}

// Media is a non-text attachment of a user prompt. Either URL or Data is set.
type Media struct {
	URL       string `json:"url,omitempty"`
	Data      []byte `json:"data,omitempty"`
	MediaType string `json:"media_type"`
}

// ToolReturnPart carries the result of a successful tool call.
type ToolReturnPart struct {
	ToolName   string    `json:"tool_name"`
	Content    any       `json:"content"`
	ToolCallID string    `json:"tool_call_id"`
	Timestamp  time.Time `json:"timestamp"`
}

// RetryPromptPart asks the model to try again. It answers a tool call when
// ToolName is set, and is sent as plain user text otherwise.
type RetryPromptPart struct {
	Content    string    `json:"content"`
	ToolName   string    `json:"tool_name,omitempty"`
	ToolCallID string    `json:"tool_call_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// TextPart is plain text produced by the model.
type TextPart struct {
	Content string `json:"content"`
}

// ToolCallPart is a request from the model to call a tool.
type ToolCallPart struct {
	ToolName string `json:"tool_name"`
	// Args is the raw JSON arguments text as sent by the model. It may be
	// malformed; validation happens at dispatch time.
	Args       string `json:"args"`
	ToolCallID string `json:"tool_call_id"`
}

func (SystemPromptPart) PartKind() PartKind { return PartSystemPrompt }
func (UserPromptPart) PartKind() PartKind   { return PartUserPrompt }
func (ToolReturnPart) PartKind() PartKind   { return PartToolReturn }
func (RetryPromptPart) PartKind() PartKind  { return PartRetryPrompt }
func (TextPart) PartKind() PartKind         { return PartText }
func (ToolCallPart) PartKind() PartKind     { return PartToolCall }

func (SystemPromptPart) isRequestPart() {}
func (UserPromptPart) isRequestPart()   {}
func (ToolReturnPart) isRequestPart()   {}
func (RetryPromptPart) isRequestPart()  {}
func (TextPart) isResponsePart()        {}
func (ToolCallPart) isResponsePart()    {}

// ModelResponseStr renders the tool result as the text sent back to the
// model: strings pass through, anything else is JSON encoded.
func (p ToolReturnPart) ModelResponseStr() string {
	if s, ok := p.Content.(string); ok {
		return s
	}
	b, err := marshalContent(p.Content)
	if err != nil {
		return fmt.Sprint(p.Content)
	}
	return string(b)
}

// ModelResponse renders the retry prompt as the text sent back to the model.
func (p RetryPromptPart) ModelResponse() string {
	return p.Content + "\n\nFix the errors and try again."
}

// UnknownMessage panics on a Message variant an exhaustive switch does not
// handle.
func UnknownMessage(msg Message) {
	panic(fmt.Sprintf("proto: unknown message type %T", msg))
}

// UnknownPart panics on a part variant an exhaustive switch does not handle.
func UnknownPart(part any) {
	panic(fmt.Sprintf("proto: unknown part type %T", part))
}
