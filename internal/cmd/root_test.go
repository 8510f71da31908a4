package cmd

import (
	"bytes"
	"net/http"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dotcommander/yagent/internal/config"
	"github.com/dotcommander/yagent/internal/errs"
	"github.com/dotcommander/yagent/internal/fantasybridge"
	"github.com/dotcommander/yagent/internal/model"
	"github.com/dotcommander/yagent/internal/model/modeltest"
	"github.com/dotcommander/yagent/internal/proto"
	"github.com/dotcommander/yagent/internal/storage"
	"github.com/dotcommander/yagent/internal/usage"
)

func testRuntime(t *testing.T, steps ...modeltest.Step) (*runtime, *modeltest.Scripted) {
	t.Helper()
	cfg := config.Default()
	cfg.CachePath = t.TempDir()
	cfg.SettingsPath = filepath.Join(t.TempDir(), "yagent.yml")
	cfg.API = "openai"
	cfg.Model = "gpt-4o"
	cfg.Raw = true
	cfg.ModelRetryBackoff = 0
	cfg.APIs = config.APIs{
		{
			Name:   "openai",
			APIKey: "sk-test",
			Models: map[string]config.Model{"gpt-4o": {Aliases: []string{"4o"}}},
		},
	}
	m := modeltest.NewScripted(steps...)
	rt := &runtime{
		cfg: cfg,
		newModel: func(fantasybridge.Config) (model.Model, error) {
			return m, nil
		},
	}
	return rt, m
}

type result struct {
	out, errOut string
}

func execute(t *testing.T, rt *runtime, stdin string, args ...string) (result, error) {
	t.Helper()
	cmd := newRootCmd(rt)
	var out, errOut bytes.Buffer
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(t.Context())
	return result{out: out.String(), errOut: errOut.String()}, err
}

func savedRuns(t *testing.T, rt *runtime) []storage.Run {
	t.Helper()
	store, err := openRunStore(rt.cfg.CachePath)
	require.NoError(t, err)
	defer store.Close() //nolint:errcheck
	return store.DB.List()
}

func tokens(n int) usage.Usage {
	return usage.Usage{RequestTokens: n, ResponseTokens: n, TotalTokens: 2 * n}
}

func TestRun(t *testing.T) {
	t.Run("prints the answer and saves the run", func(t *testing.T) {
		rt, m := testRuntime(t, modeltest.Text("hi-there", tokens(5)))

		res, err := execute(t, rt, "", "hello")
		require.NoError(t, err)
		require.Contains(t, res.out, "hi-there")
		require.Contains(t, res.errOut, "Run saved:")

		require.Len(t, m.Calls(), 1)
		last := modeltest.LastRequest(m.Calls()[0].Messages)
		require.NotNil(t, last)
		require.Contains(t, proto.Conversation(m.Calls()[0].Messages).LastPrompt(), "hello")

		runs := savedRuns(t, rt)
		require.Len(t, runs, 1)
		require.Equal(t, "hello", runs[0].Title)
		require.Equal(t, "openai", runs[0].API)
		require.Equal(t, "gpt-4o", runs[0].Model)
		require.Equal(t, 2, runs[0].Messages)
		require.Equal(t, 1, runs[0].Requests)
		require.Equal(t, 10, runs[0].TotalTokens)
	})

	t.Run("prompt words are not subcommands", func(t *testing.T) {
		rt, m := testRuntime(t, modeltest.Text("done", tokens(1)))

		res, err := execute(t, rt, "piped notes", "summarize", "these", "notes")
		require.NoError(t, err)
		require.Contains(t, res.out, "done")
		require.Len(t, m.Calls(), 1)
		require.Equal(t, "summarize these notes\n\npiped notes", proto.Conversation(m.Calls()[0].Messages).LastPrompt())
	})

	t.Run("continue last appends to the saved history", func(t *testing.T) {
		rt, m := testRuntime(t,
			modeltest.Text("one", tokens(1)),
			modeltest.Text("two", tokens(2)),
		)

		_, err := execute(t, rt, "", "first")
		require.NoError(t, err)
		res, err := execute(t, rt, "", "-C", "second")
		require.NoError(t, err)
		require.Contains(t, res.out, "two")

		calls := m.Calls()
		require.Len(t, calls, 2)
		require.Len(t, calls[1].Messages, 3)

		runs := savedRuns(t, rt)
		require.Len(t, runs, 1)
		require.Equal(t, "first", runs[0].Title)
		require.Equal(t, 4, runs[0].Messages)
		require.Equal(t, 2, runs[0].Requests)
		require.Equal(t, 6, runs[0].TotalTokens)
	})

	t.Run("title saves a separate run", func(t *testing.T) {
		rt, _ := testRuntime(t,
			modeltest.Text("one", tokens(1)),
			modeltest.Text("two", tokens(1)),
		)

		_, err := execute(t, rt, "", "first")
		require.NoError(t, err)
		_, err = execute(t, rt, "", "-t", "notes", "second")
		require.NoError(t, err)

		runs := savedRuns(t, rt)
		require.Len(t, runs, 2)
		require.Equal(t, "notes", runs[0].Title)
	})

	t.Run("stream", func(t *testing.T) {
		rt, _ := testRuntime(t, modeltest.Text("streamed-answer", tokens(3)))

		res, err := execute(t, rt, "", "--stream", "hello")
		require.NoError(t, err)
		require.Contains(t, res.out, "streamed-answer")

		runs := savedRuns(t, rt)
		require.Len(t, runs, 1)
		require.Equal(t, 1, runs[0].Requests)
	})

	t.Run("no cache", func(t *testing.T) {
		rt, _ := testRuntime(t, modeltest.Text("hi", tokens(1)))

		res, err := execute(t, rt, "", "--no-cache", "hello")
		require.NoError(t, err)
		require.Contains(t, res.errOut, "Run was not saved")
		require.Empty(t, savedRuns(t, rt))
	})

	t.Run("quiet", func(t *testing.T) {
		rt, _ := testRuntime(t, modeltest.Text("hi", tokens(1)))

		res, err := execute(t, rt, "", "-q", "hello")
		require.NoError(t, err)
		require.NotContains(t, res.errOut, "Run saved:")
		require.Len(t, savedRuns(t, rt), 1)
	})

	t.Run("model settings flags reach the model", func(t *testing.T) {
		rt, m := testRuntime(t, modeltest.Text("hi", tokens(1)))

		_, err := execute(t, rt, "", "--temp", "0.2", "hello")
		require.NoError(t, err)

		ms := m.Calls()[0].Settings
		require.NotNil(t, ms)
		require.NotNil(t, ms.Temperature)
		require.InDelta(t, 0.2, *ms.Temperature, 1e-9)
		require.Nil(t, ms.MaxTokens)
	})

	t.Run("empty prompt", func(t *testing.T) {
		rt, m := testRuntime(t)

		_, err := execute(t, rt, "")
		e := errs.Error{}
		require.ErrorAs(t, err, &e)
		require.Equal(t, "You haven't provided any prompt input.", e.Reason)
		require.Empty(t, m.Calls())
	})

	t.Run("model error", func(t *testing.T) {
		rt, _ := testRuntime(t, modeltest.Fail(&errs.ModelHTTPError{
			StatusCode: http.StatusUnauthorized,
			ModelName:  "gpt-4o",
			Body:       "bad key",
		}))
		rt.cfg.ModelRetries = 0

		_, err := execute(t, rt, "", "hello")
		e := errs.Error{}
		require.ErrorAs(t, err, &e)
		require.NotEmpty(t, e.Reason)
		require.Empty(t, savedRuns(t, rt))
	})

	t.Run("config error", func(t *testing.T) {
		rt, _ := testRuntime(t)
		rt.cfgErr = errs.Wrap(errs.UserErrorf("bad yaml"), "Could not parse the settings file.")

		_, err := execute(t, rt, "", "hello")
		require.ErrorIs(t, err, rt.cfgErr)
	})
}

func TestChat(t *testing.T) {
	rt, m := testRuntime(t,
		modeltest.Text("answer-one", tokens(1)),
		modeltest.Text("answer-two", tokens(1)),
	)

	res, err := execute(t, rt, "one\n\ntwo\n/exit\nignored\n", "chat")
	require.NoError(t, err)
	require.Contains(t, res.out, "answer-one")
	require.Contains(t, res.out, "answer-two")

	calls := m.Calls()
	require.Len(t, calls, 2)
	require.Len(t, calls[1].Messages, 3)

	runs := savedRuns(t, rt)
	require.Len(t, runs, 1)
	require.Equal(t, "two", runs[0].Title)
	require.Equal(t, 4, runs[0].Messages)
	require.Equal(t, 2, runs[0].Requests)
}

func TestChatWithoutTurnsSavesNothing(t *testing.T) {
	rt, m := testRuntime(t)

	_, err := execute(t, rt, "/quit\n", "chat")
	require.NoError(t, err)
	require.Empty(t, m.Calls())
	require.Empty(t, savedRuns(t, rt))
}

func TestConfigShowRedactsKeys(t *testing.T) {
	rt, _ := testRuntime(t)

	res, err := execute(t, rt, "", "config", "show")
	require.NoError(t, err)
	require.Contains(t, res.out, "openai")
	require.NotContains(t, res.out, "sk-test")
}

func TestLogFormat(t *testing.T) {
	rt, _ := testRuntime(t, modeltest.Text("hi", tokens(1)))

	_, err := execute(t, rt, "", "--log-format", "xml", "hello")
	e := errs.Error{}
	require.ErrorAs(t, err, &e)
	require.Equal(t, `Invalid log format "xml".`, e.Reason)
}
