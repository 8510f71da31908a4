package config

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadPrompt(t *testing.T) {
	t.Run("inline", func(t *testing.T) {
		msg, err := LoadPrompt(t.Context(), "be brief")
		require.NoError(t, err)
		require.Equal(t, "be brief", msg)
	})

	t.Run("text file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "prompt.txt")
		require.NoError(t, os.WriteFile(path, []byte("---\nkept: yes\n---\nbody"), 0o600))

		msg, err := LoadPrompt(t.Context(), "file://"+path)
		require.NoError(t, err)
		require.Equal(t, "---\nkept: yes\n---\nbody", msg)
	})

	t.Run("markdown file drops frontmatter", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "reviewer.md")
		require.NoError(t, os.WriteFile(path, []byte("---\nname: reviewer\n---\n\nReview the diff.\n"), 0o600))

		msg, err := LoadPrompt(t.Context(), "file://"+path)
		require.NoError(t, err)
		require.Equal(t, "Review the diff.\n", msg)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadPrompt(t.Context(), "file://"+filepath.Join(t.TempDir(), "nope.md"))
		require.ErrorContains(t, err, "read prompt file")
	})

	t.Run("url", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/ok" {
				http.Error(w, "gone", http.StatusNotFound)
				return
			}
			_, _ = w.Write([]byte("remote prompt"))
		}))
		t.Cleanup(srv.Close)

		msg, err := LoadPrompt(t.Context(), srv.URL+"/ok")
		require.NoError(t, err)
		require.Equal(t, "remote prompt", msg)

		_, err = LoadPrompt(t.Context(), srv.URL+"/missing")
		require.ErrorContains(t, err, "HTTP 404: gone")
	})

	t.Run("url too large", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(strings.Repeat("x", maxRemotePromptBytes+1)))
		}))
		t.Cleanup(srv.Close)

		_, err := LoadPrompt(t.Context(), srv.URL)
		require.ErrorContains(t, err, "larger than")
	})
}

func TestStripFrontmatter(t *testing.T) {
	body, err := StripFrontmatter("no frontmatter")
	require.NoError(t, err)
	require.Equal(t, "no frontmatter", body)

	_, err = StripFrontmatter("---\nname: [broken\n---\nbody")
	require.ErrorContains(t, err, "invalid prompt frontmatter")

	_, err = StripFrontmatter("---\nname: x\nbody")
	require.ErrorContains(t, err, "missing closing delimiter")
}
