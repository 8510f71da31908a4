package agent

import (
	"errors"
	"fmt"

	"github.com/dotcommander/yagent/internal/proto"
	"github.com/dotcommander/yagent/internal/usage"
)

// RunResult is the outcome of a completed run.
type RunResult[T any] struct {
	Output   T
	messages []proto.Message
	newStart int
	usage    usage.Usage
	runID    string
}

// AllMessages returns the full history, including any history the run was
// started with.
func (r *RunResult[T]) AllMessages() []proto.Message {
	return proto.Conversation(r.messages).Clone()
}

// NewMessages returns the messages produced by this run only. They can be
// passed to WithMessageHistory to continue the conversation.
func (r *RunResult[T]) NewMessages() []proto.Message {
	return proto.Conversation(r.messages[r.newStart:]).Clone()
}

// Usage returns the usage of the run.
func (r *RunResult[T]) Usage() usage.Usage { return r.usage }

// RunID identifies the run in logs.
func (r *RunResult[T]) RunID() string { return r.runID }

// RunError is returned when a run fails. Err is one of the errs taxonomy
// types, a context error, or an error returned by a tool or validator.
// Messages is the history committed before the failure.
type RunError struct {
	Err      error
	Messages []proto.Message
	Usage    usage.Usage
}

func (e *RunError) Error() string {
	return fmt.Sprintf("agent run failed: %v", e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// CapturedMessages returns the history carried by a *RunError in err's
// chain, or nil.
func CapturedMessages(err error) []proto.Message {
	var runErr *RunError
	if errors.As(err, &runErr) {
		return runErr.Messages
	}
	return nil
}
