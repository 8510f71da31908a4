// Package usage tracks token and request accounting for agent runs.
package usage

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/dotcommander/yagent/internal/errs"
)

// Usage is the LLM usage associated with a request or a run.
//
// Usage is additive: the usage of a run is the sum of the usage of its model
// calls.
type Usage struct {
	Requests       int            `json:"requests"`
	RequestTokens  int            `json:"request_tokens"`
	ResponseTokens int            `json:"response_tokens"`
	TotalTokens    int            `json:"total_tokens"`
	Details        map[string]int `json:"details,omitempty"`
}

// Incr adds other to u, counting requests additional requests on top of
// other.Requests.
func (u *Usage) Incr(other Usage, requests int) {
	u.Requests += requests + other.Requests
	u.RequestTokens += other.RequestTokens
	u.ResponseTokens += other.ResponseTokens
	u.TotalTokens += other.TotalTokens
	if len(other.Details) == 0 {
		return
	}
	if u.Details == nil {
		u.Details = make(map[string]int, len(other.Details))
	}
	for k, v := range other.Details {
		u.Details[k] += v
	}
}

// Add returns the sum of u and other without modifying either.
func (u Usage) Add(other Usage) Usage {
	sum := Usage{
		Requests:       u.Requests,
		RequestTokens:  u.RequestTokens,
		ResponseTokens: u.ResponseTokens,
		TotalTokens:    u.TotalTokens,
		Details:        maps.Clone(u.Details),
	}
	sum.Incr(other, 0)
	return sum
}

// IsZero reports whether no usage has been recorded.
func (u Usage) IsZero() bool {
	return u.Requests == 0 && u.RequestTokens == 0 && u.ResponseTokens == 0 &&
		u.TotalTokens == 0 && len(u.Details) == 0
}

func (u Usage) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "requests=%d request_tokens=%d response_tokens=%d total_tokens=%d",
		u.Requests, u.RequestTokens, u.ResponseTokens, u.TotalTokens)
	for _, k := range slices.Sorted(maps.Keys(u.Details)) {
		fmt.Fprintf(&sb, " %s=%d", k, u.Details[k])
	}
	return sb.String()
}

// DefaultRequestLimit is the request limit applied when none is configured.
const DefaultRequestLimit = 50

// Limits caps the usage of a run. A zero field means no limit.
type Limits struct {
	RequestLimit        int `yaml:"request-limit" env:"REQUEST_LIMIT"`
	RequestTokensLimit  int `yaml:"request-tokens-limit" env:"REQUEST_TOKENS_LIMIT"`
	ResponseTokensLimit int `yaml:"response-tokens-limit" env:"RESPONSE_TOKENS_LIMIT"`
	TotalTokensLimit    int `yaml:"total-tokens-limit" env:"TOTAL_TOKENS_LIMIT"`
}

// DefaultLimits returns the limits used when the caller sets none.
func DefaultLimits() Limits {
	return Limits{RequestLimit: DefaultRequestLimit}
}

// HasTokenLimits reports whether any token limit is set.
func (l Limits) HasTokenLimits() bool {
	return l.RequestTokensLimit > 0 || l.ResponseTokensLimit > 0 || l.TotalTokensLimit > 0
}

// CheckBeforeRequest fails if making one more request would exceed the
// request limit.
func (l Limits) CheckBeforeRequest(u Usage) error {
	if l.RequestLimit > 0 && u.Requests >= l.RequestLimit {
		return &errs.UsageLimitExceeded{
			Message: fmt.Sprintf("The next request would exceed the request_limit of %d", l.RequestLimit),
		}
	}
	return nil
}

// CheckTokens fails if u exceeds any token limit.
func (l Limits) CheckTokens(u Usage) error {
	if l.RequestTokensLimit > 0 && u.RequestTokens > l.RequestTokensLimit {
		return &errs.UsageLimitExceeded{
			Message: fmt.Sprintf("Exceeded the request_tokens_limit of %d (request_tokens=%d)", l.RequestTokensLimit, u.RequestTokens),
		}
	}
	if l.ResponseTokensLimit > 0 && u.ResponseTokens > l.ResponseTokensLimit {
		return &errs.UsageLimitExceeded{
			Message: fmt.Sprintf("Exceeded the response_tokens_limit of %d (response_tokens=%d)", l.ResponseTokensLimit, u.ResponseTokens),
		}
	}
	if l.TotalTokensLimit > 0 && u.TotalTokens > l.TotalTokensLimit {
		return &errs.UsageLimitExceeded{
			Message: fmt.Sprintf("Exceeded the total_tokens_limit of %d (total_tokens=%d)", l.TotalTokensLimit, u.TotalTokens),
		}
	}
	return nil
}
