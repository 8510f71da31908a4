package errs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// UserError reports a misuse of the library by the caller, such as an
// invalid agent configuration.
type UserError struct {
	Message string
}

// NewUserError formats a UserError.
func NewUserError(format string, a ...any) *UserError {
	return &UserError{Message: fmt.Sprintf(format, a...)}
}

func (e *UserError) Error() string { return e.Message }

// UnexpectedModelBehavior is raised when the model responds in a way the run
// loop cannot recover from: an empty response, an exhausted retry budget, or
// output that never validates.
type UnexpectedModelBehavior struct {
	Message string
	Body    string
}

func (e *UnexpectedModelBehavior) Error() string {
	if e.Body == "" {
		return e.Message
	}
	return fmt.Sprintf("%s, body:\n%s", e.Message, e.Body)
}

// UsageLimitExceeded is raised when a run goes over one of its usage limits.
type UsageLimitExceeded struct {
	Message string
}

func (e *UsageLimitExceeded) Error() string { return e.Message }

// ModelHTTPError is a transport or provider failure returned by a model
// adapter.
type ModelHTTPError struct {
	StatusCode int
	ModelName  string
	Body       string
	Retryable  bool
	Err        error
}

func (e *ModelHTTPError) Error() string {
	msg := fmt.Sprintf("status_code: %d, model_name: %s", e.StatusCode, e.ModelName)
	if e.StatusCode == 0 {
		msg = "model_name: " + e.ModelName
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Body != "" {
		msg += ", body: " + e.Body
	}
	return msg
}

func (e *ModelHTTPError) Unwrap() error { return e.Err }

// UnsupportedContentError is returned by adapters for content a provider
// cannot carry, such as images for a text-only model.
type UnsupportedContentError struct {
	Model   string
	Content string
}

func (e *UnsupportedContentError) Error() string {
	return fmt.Sprintf("model %s does not support %s content", e.Model, e.Content)
}

// DuplicateToolError is returned when a tool name is registered twice.
type DuplicateToolError struct {
	Name string
}

func (e *DuplicateToolError) Error() string {
	return fmt.Sprintf("tool name conflicts with existing tool: %q", e.Name)
}

// UnknownToolError is returned when the model calls a tool that is not
// registered.
type UnknownToolError struct {
	Name      string
	Available []string
}

func (e *UnknownToolError) Error() string {
	if len(e.Available) == 0 {
		return fmt.Sprintf("Unknown tool name: %q. No tools available.", e.Name)
	}
	return fmt.Sprintf("Unknown tool name: %q. Available tools: %v", e.Name, e.Available)
}

// IsRetryable reports whether a model call that failed with err may be
// attempted again with the same history.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var httpErr *ModelHTTPError
	if errors.As(err, &httpErr) {
		if httpErr.Retryable {
			return true
		}
		switch httpErr.StatusCode {
		case http.StatusRequestTimeout, http.StatusConflict, http.StatusTooManyRequests:
			return true
		}
		return httpErr.StatusCode >= http.StatusInternalServerError
	}
	return false
}
