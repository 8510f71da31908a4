package tools

import "fmt"

// Result is the outcome of a tool call: a value for the model, or a request
// that the model try again.
type Result struct {
	value   any
	retry   string
	isRetry bool
}

// Ok returns a successful result carrying v. v must be JSON serializable.
func Ok(v any) Result {
	return Result{value: v}
}

// Retry returns a result asking the model to call the tool again, with msg
// telling it what to fix.
func Retry(msg string) Result {
	return Result{retry: msg, isRetry: true}
}

// Retryf is Retry with a formatted message.
func Retryf(format string, a ...any) Result {
	return Retry(fmt.Sprintf(format, a...))
}

// IsRetry reports whether the result asks for a retry.
func (r Result) IsRetry() bool { return r.isRetry }

// Value returns the value of an Ok result.
func (r Result) Value() any { return r.value }

// Message returns the message of a Retry result.
func (r Result) Message() string { return r.retry }
