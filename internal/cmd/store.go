package cmd

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/dotcommander/yagent/internal/config"
	"github.com/dotcommander/yagent/internal/errs"
	"github.com/dotcommander/yagent/internal/present"
	"github.com/dotcommander/yagent/internal/proto"
	"github.com/dotcommander/yagent/internal/storage"
	"github.com/dotcommander/yagent/internal/storage/cache"
	"github.com/dotcommander/yagent/internal/usage"
)

// runStore pairs the run index with the history cache.
type runStore struct {
	DB      *storage.DB
	History *cache.Histories
}

func openRunStore(cachePath string) (*runStore, error) {
	histories, err := cache.NewHistories(cachePath)
	if err != nil {
		return nil, errs.Wrap(err, "Could not open the history cache.")
	}
	db, err := storage.Open(filepath.Join(cachePath, config.RunsDir))
	if err != nil {
		return nil, errs.Wrap(err, "Could not open the run index.")
	}
	return &runStore{DB: db, History: histories}, nil
}

func (s *runStore) Close() error {
	return s.DB.Close() //nolint:wrapcheck
}

// load returns the history saved for id; an empty id means a new run.
func (s *runStore) load(id string) ([]proto.Message, storage.Run, error) {
	if id == "" {
		return nil, storage.Run{}, nil
	}
	run, err := s.DB.Find(id)
	if err != nil {
		return nil, storage.Run{}, errs.Wrap(err, "Could not find the run to continue.")
	}
	msgs, err := s.History.Read(run.ID)
	if err != nil {
		return nil, storage.Run{}, errs.Wrap(err, "There was a problem reading the run history.")
	}
	return msgs, *run, nil
}

// remove deletes a run from the index and its history.
func (s *runStore) remove(id string) error {
	if err := s.DB.Delete(id); err != nil {
		return fmt.Errorf("delete run index entry: %w", err)
	}
	if err := s.History.Delete(id); err != nil {
		return fmt.Errorf("delete run history: %w", err)
	}
	return nil
}

// saveRun writes msgs under the plan's write id and records the run in the
// index. prev is the index entry of the continued run, if any.
func saveRun(w io.Writer, cfg *config.Config, store *runStore, pl runPlan, prev storage.Run, msgs []proto.Message, u usage.Usage) error {
	styles := present.StderrStyles()
	if cfg.NoCache {
		if !cfg.Quiet {
			_, _ = fmt.Fprintf(w, "\nRun was not saved because %s or %s is set.\n",
				styles.InlineCode.Render("--no-cache"),
				styles.InlineCode.Render("YAGENT_NO_CACHE"),
			)
		}
		return nil
	}

	title := strings.TrimSpace(pl.Title)
	if title == "" || storage.IDRegexp.MatchString(title) {
		title = firstLine(proto.Conversation(msgs).LastPrompt())
		if prev.ID == pl.WriteID && prev.Title != "" {
			title = prev.Title
		}
	}
	if title == "" {
		title = storage.ShortID(pl.WriteID)
	}

	reason := fmt.Sprintf("There was a problem saving run %s. Use %s to disable saving.",
		storage.ShortID(pl.WriteID), styles.InlineCode.Render("--no-cache"))
	if err := store.History.Write(pl.WriteID, msgs); err != nil {
		return errs.Wrap(err, reason)
	}

	run := storage.Run{
		ID:       pl.WriteID,
		Title:    title,
		API:      cfg.API,
		Model:    cfg.Model,
		Messages: len(msgs),
	}
	if prev.ID == pl.WriteID {
		run.Requests, run.TotalTokens = prev.Requests, prev.TotalTokens
	}
	if err := store.DB.Save(run.WithUsage(u)); err != nil {
		_ = store.History.Delete(pl.WriteID)
		return errs.Wrap(err, reason)
	}

	if !cfg.Quiet {
		_, _ = fmt.Fprintln(w, "\nRun saved:",
			styles.InlineCode.Render(storage.ShortID(pl.WriteID)),
			styles.Comment.Render(title),
		)
	}
	return nil
}

func firstLine(s string) string {
	first, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return first
}
