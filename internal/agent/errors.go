package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"charm.land/fantasy"

	"github.com/dotcommander/yagent/internal/config"
	"github.com/dotcommander/yagent/internal/errs"
)

// RunErrorAction describes how a failed run should be reported, and whether
// it is worth running again with another prompt or model.
type RunErrorAction struct {
	Retry         bool
	Prompt        string
	ModelOverride string
	Err           errs.Error
}

// ActionForRunError decides how to report err and whether to retry the run.
// The model call itself has already been retried by the run loop, so only a
// missing model with a fallback and an oversized prompt are retried here.
func (s *Service) ActionForRunError(err error, mod config.Model, prompt string) RunErrorAction {
	var httpErr *errs.ModelHTTPError
	var limitErr *errs.UsageLimitExceeded
	var behaviorErr *errs.UnexpectedModelBehavior
	var userErr *errs.UserError
	var contentErr *errs.UnsupportedContentError

	switch {
	case errors.Is(err, context.Canceled):
		return RunErrorAction{Err: errs.Wrap(err, "Run canceled.")}
	case errors.As(err, &httpErr):
		return s.actionForHTTPError(err, httpErr, mod, prompt)
	case errors.As(err, &limitErr):
		return RunErrorAction{Err: errs.Wrap(err, "Usage limit exceeded.")}
	case errors.As(err, &behaviorErr):
		return RunErrorAction{Err: errs.Wrap(err, "The model did not behave as expected.")}
	case errors.As(err, &contentErr):
		return RunErrorAction{Err: errs.Wrapf(err, "The %s API cannot take this input.", mod.API)}
	case errors.As(err, &userErr):
		return RunErrorAction{Err: errs.Wrap(err, "Invalid agent setup.")}
	}

	var wrapped errs.Error
	if errors.As(err, &wrapped) && wrapped.Reason != "" {
		return RunErrorAction{Err: errs.Wrap(err, wrapped.Reason)}
	}
	return RunErrorAction{
		Err: errs.Wrapf(err, "There was a problem with the %s API request.", mod.API),
	}
}

func (s *Service) actionForHTTPError(err error, httpErr *errs.ModelHTTPError, mod config.Model, prompt string) RunErrorAction {
	switch httpErr.StatusCode {
	case http.StatusNotFound:
		if mod.Fallback != "" && mod.Fallback != mod.Name {
			return RunErrorAction{
				Retry:         true,
				Prompt:        prompt,
				ModelOverride: mod.Fallback,
				Err:           errs.Wrap(err, statusReason(httpErr.StatusCode, mod, "server error")),
			}
		}
		return RunErrorAction{
			Err: errs.Wrapf(err, "Missing model '%s' for API '%s'.", mod.Name, mod.API),
		}

	case http.StatusBadRequest:
		if isContextLengthExceeded(httpErr) {
			pe := errs.Wrap(err, "Maximum prompt size exceeded.")
			cut := cutPrompt(httpErr.Body, prompt)
			if cut == prompt {
				return RunErrorAction{Err: pe}
			}
			return RunErrorAction{Retry: true, Prompt: cut, Err: pe}
		}
	case http.StatusRequestTimeout:
		if errors.Is(err, context.DeadlineExceeded) {
			return RunErrorAction{Err: errs.Wrap(err, "The model request timed out.")}
		}
	}
	return RunErrorAction{Err: errs.Wrap(err, statusReason(httpErr.StatusCode, mod, "request error"))}
}

func statusReason(code int, mod config.Model, fallback string) string {
	if code != 0 {
		if reason := fantasy.ErrorTitleForStatusCode(code); reason != "" {
			return reason
		}
	}
	return fmt.Sprintf("%s API %s.", mod.API, fallback)
}

func isContextLengthExceeded(err *errs.ModelHTTPError) bool {
	body := strings.ToLower(err.Body)
	return strings.Contains(body, "context_length_exceeded") ||
		strings.Contains(body, "maximum context length")
}

var tokenErrRe = regexp.MustCompile(`This model's maximum context length is (\d+) tokens. However, your messages resulted in (\d+) tokens`)

func cutPrompt(msg, prompt string) string {
	found := tokenErrRe.FindStringSubmatch(msg)
	if len(found) != 3 { //nolint:mnd
		return prompt
	}

	maxt, _ := strconv.Atoi(found[1])
	current, _ := strconv.Atoi(found[2])

	if maxt > current {
		return prompt
	}

	// 1 token =~ 4 chars
	// cut 10 extra chars 'just in case'
	reduceBy := 10 + (current-maxt)*4 //nolint:mnd
	if len(prompt) > reduceBy {
		return prompt[:len(prompt)-reduceBy]
	}

	return prompt
}
