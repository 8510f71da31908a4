package usage

import (
	"testing"

	"github.com/dotcommander/yagent/internal/errs"
	"github.com/stretchr/testify/require"
)

func TestIncr(t *testing.T) {
	t.Run("three calls", func(t *testing.T) {
		var total Usage
		for _, call := range []Usage{
			{RequestTokens: 5, ResponseTokens: 10, TotalTokens: 15},
			{RequestTokens: 3, ResponseTokens: 5, TotalTokens: 8},
			{RequestTokens: 3, ResponseTokens: 5, TotalTokens: 8},
		} {
			total.Incr(call, 1)
		}
		require.Equal(t, Usage{Requests: 3, RequestTokens: 11, ResponseTokens: 20, TotalTokens: 31}, total)
	})

	t.Run("details merge", func(t *testing.T) {
		u := Usage{Details: map[string]int{"search_units": 1}}
		u.Incr(Usage{Details: map[string]int{"search_units": 2, "classifications": 1}}, 0)
		require.Equal(t, map[string]int{"search_units": 3, "classifications": 1}, u.Details)
	})

	t.Run("add leaves operands alone", func(t *testing.T) {
		a := Usage{Requests: 1, Details: map[string]int{"x": 1}}
		b := Usage{Requests: 2, Details: map[string]int{"x": 2}}
		sum := a.Add(b)
		require.Equal(t, Usage{Requests: 3, Details: map[string]int{"x": 3}}, sum)
		require.Equal(t, map[string]int{"x": 1}, a.Details)
	})

	t.Run("zero", func(t *testing.T) {
		require.True(t, Usage{}.IsZero())
		require.False(t, Usage{Requests: 1}.IsZero())
	})

	t.Run("string", func(t *testing.T) {
		u := Usage{Requests: 1, RequestTokens: 5, ResponseTokens: 10, TotalTokens: 15, Details: map[string]int{"b": 2, "a": 1}}
		require.Equal(t, "requests=1 request_tokens=5 response_tokens=10 total_tokens=15 a=1 b=2", u.String())
	})
}

func TestLimits(t *testing.T) {
	t.Run("request limit", func(t *testing.T) {
		l := Limits{RequestLimit: 2}
		require.NoError(t, l.CheckBeforeRequest(Usage{Requests: 1}))
		err := l.CheckBeforeRequest(Usage{Requests: 2})
		var target *errs.UsageLimitExceeded
		require.ErrorAs(t, err, &target)
		require.Equal(t, "The next request would exceed the request_limit of 2", target.Message)
	})

	t.Run("token limits", func(t *testing.T) {
		u := Usage{RequestTokens: 10, ResponseTokens: 20, TotalTokens: 30}
		require.NoError(t, Limits{}.CheckTokens(u))
		require.NoError(t, Limits{TotalTokensLimit: 30}.CheckTokens(u))
		require.ErrorContains(t, Limits{RequestTokensLimit: 9}.CheckTokens(u), "request_tokens_limit of 9 (request_tokens=10)")
		require.ErrorContains(t, Limits{ResponseTokensLimit: 19}.CheckTokens(u), "response_tokens_limit of 19 (response_tokens=20)")
		require.ErrorContains(t, Limits{TotalTokensLimit: 29}.CheckTokens(u), "total_tokens_limit of 29 (total_tokens=30)")
	})

	t.Run("defaults", func(t *testing.T) {
		l := DefaultLimits()
		require.Equal(t, DefaultRequestLimit, l.RequestLimit)
		require.False(t, l.HasTokenLimits())
		require.True(t, Limits{TotalTokensLimit: 1}.HasTokenLimits())
	})
}
