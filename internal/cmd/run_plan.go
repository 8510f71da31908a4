package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/x/exp/ordered"

	"github.com/dotcommander/yagent/internal/config"
	"github.com/dotcommander/yagent/internal/errs"
	"github.com/dotcommander/yagent/internal/storage"
)

// runPlan says which saved run a prompt continues and where its history
// is written back.
type runPlan struct {
	ReadID  string
	WriteID string
	Title   string
	API     string
	Model   string
}

// planRun resolves --continue, --continue-last and --title against the
// index:
//
//   - --continue X continues X in place unless --title names a new run;
//   - --continue-last continues the latest run;
//   - --title alone reuses the run with that title or starts a new one.
//
// A continued run keeps the API and model it was saved with.
func planRun(cfg *config.Config, db *storage.DB) (runPlan, error) {
	inPlace := cfg.ContinueLast || (cfg.Continue != "" && cfg.Title == "")
	pl := runPlan{
		ReadID:  cfg.Continue,
		WriteID: ordered.First(cfg.Title, cfg.Continue),
		API:     cfg.API,
		Model:   cfg.Model,
	}
	pl.Title = pl.WriteID

	if pl.ReadID != "" || cfg.ContinueLast {
		found, err := findRun(db, pl.ReadID, true)
		if err != nil {
			return runPlan{}, errs.Wrap(err, "Could not find the run to continue.")
		}
		pl.ReadID = found.ID
		if strings.HasPrefix(found.ID, pl.Title) {
			pl.Title = ""
		}
		if found.API != "" && found.Model != "" {
			pl.API, pl.Model = found.API, found.Model
		}
	}
	if inPlace {
		pl.WriteID = pl.ReadID
	}

	switch {
	case pl.WriteID == "":
		pl.WriteID = storage.NewID()
	case !storage.IDRegexp.MatchString(pl.WriteID):
		if found, err := db.Find(pl.WriteID); err == nil {
			pl.WriteID = found.ID
		} else {
			pl.WriteID = storage.NewID()
		}
	}
	return pl, nil
}

// findRun looks up in by id prefix or title. With latest set, an empty or
// unmatched input falls back to the most recent run.
func findRun(db *storage.DB, in string, latest bool) (*storage.Run, error) {
	if in != "" {
		run, err := db.Find(in)
		if err == nil {
			return run, nil
		}
		if !latest || !errors.Is(err, storage.ErrNoMatches) {
			return nil, fmt.Errorf("find run: %w", err)
		}
	}
	run, err := db.Latest()
	if err != nil {
		return nil, fmt.Errorf("find latest run: %w", err)
	}
	return run, nil
}
