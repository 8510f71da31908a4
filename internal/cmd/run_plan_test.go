package cmd

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dotcommander/yagent/internal/config"
	"github.com/dotcommander/yagent/internal/errs"
	"github.com/dotcommander/yagent/internal/storage"
)

func testDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	return db
}

func seedRun(t *testing.T, db *storage.DB, title string) string {
	t.Helper()
	id := storage.NewID()
	require.NoError(t, db.Save(storage.Run{ID: id, Title: title, API: "openai", Model: "gpt-4o"}))
	return id
}

func TestPlanRun(t *testing.T) {
	newCfg := func() *config.Config {
		cfg := config.Default()
		cfg.API = "anthropic"
		cfg.Model = "claude-sonnet-4"
		return &cfg
	}

	t.Run("new run", func(t *testing.T) {
		pl, err := planRun(newCfg(), testDB(t))
		require.NoError(t, err)
		require.Empty(t, pl.ReadID)
		require.Regexp(t, storage.IDRegexp, pl.WriteID)
		require.Empty(t, pl.Title)
		require.Equal(t, "anthropic", pl.API)
		require.Equal(t, "claude-sonnet-4", pl.Model)
	})

	t.Run("continue id", func(t *testing.T) {
		db := testDB(t)
		id := seedRun(t, db, "message 1")
		cfg := newCfg()
		cfg.Continue = id[:8]

		pl, err := planRun(cfg, db)
		require.NoError(t, err)
		require.Equal(t, id, pl.ReadID)
		require.Equal(t, id, pl.WriteID)
		require.Empty(t, pl.Title)
	})

	t.Run("continue keeps the saved model", func(t *testing.T) {
		db := testDB(t)
		seedRun(t, db, "message 1")
		cfg := newCfg()
		cfg.Continue = "message 1"

		pl, err := planRun(cfg, db)
		require.NoError(t, err)
		require.Equal(t, "openai", pl.API)
		require.Equal(t, "gpt-4o", pl.Model)
	})

	t.Run("continue last", func(t *testing.T) {
		db := testDB(t)
		seedRun(t, db, "message 1")
		id := seedRun(t, db, "message 2")
		cfg := newCfg()
		cfg.ContinueLast = true

		pl, err := planRun(cfg, db)
		require.NoError(t, err)
		require.Equal(t, id, pl.ReadID)
		require.Equal(t, id, pl.WriteID)
		require.Empty(t, pl.Title)
	})

	t.Run("unknown title continues the latest run", func(t *testing.T) {
		db := testDB(t)
		id := seedRun(t, db, "message 1")
		cfg := newCfg()
		cfg.Continue = "message 2"

		pl, err := planRun(cfg, db)
		require.NoError(t, err)
		require.Equal(t, id, pl.ReadID)
		require.Equal(t, id, pl.WriteID)
		require.Equal(t, "message 2", pl.Title)
	})

	t.Run("title starts a new run", func(t *testing.T) {
		cfg := newCfg()
		cfg.Title = "some title"

		pl, err := planRun(cfg, testDB(t))
		require.NoError(t, err)
		require.Empty(t, pl.ReadID)
		require.Regexp(t, storage.IDRegexp, pl.WriteID)
		require.Equal(t, "some title", pl.Title)
	})

	t.Run("title reuses a run with that title", func(t *testing.T) {
		db := testDB(t)
		id := seedRun(t, db, "some title")
		cfg := newCfg()
		cfg.Title = "some title"

		pl, err := planRun(cfg, db)
		require.NoError(t, err)
		require.Empty(t, pl.ReadID)
		require.Equal(t, id, pl.WriteID)
	})

	t.Run("continue and write under a new title", func(t *testing.T) {
		db := testDB(t)
		id := seedRun(t, db, "message 1")
		cfg := newCfg()
		cfg.Continue = id[:10]
		cfg.Title = "some title"

		pl, err := planRun(cfg, db)
		require.NoError(t, err)
		require.Equal(t, id, pl.ReadID)
		require.NotEqual(t, id, pl.WriteID)
		require.Regexp(t, storage.IDRegexp, pl.WriteID)
		require.Equal(t, "some title", pl.Title)
	})

	t.Run("nothing to continue", func(t *testing.T) {
		cfg := newCfg()
		cfg.ContinueLast = true

		_, err := planRun(cfg, testDB(t))
		require.Error(t, err)

		e := errs.Error{}
		require.ErrorAs(t, err, &e)
		require.Equal(t, "Could not find the run to continue.", e.Reason)
		require.ErrorIs(t, err, storage.ErrNoMatches)
	})
}

func TestFindRun(t *testing.T) {
	db := testDB(t)
	first := seedRun(t, db, "first")
	second := seedRun(t, db, "second")

	run, err := findRun(db, "first", false)
	require.NoError(t, err)
	require.Equal(t, first, run.ID)

	run, err = findRun(db, "", true)
	require.NoError(t, err)
	require.Equal(t, second, run.ID)

	_, err = findRun(db, "missing", false)
	require.ErrorIs(t, err, storage.ErrNoMatches)
}
