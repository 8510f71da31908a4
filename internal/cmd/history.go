package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	timeago "github.com/caarlos0/timea.go"
	"github.com/charmbracelet/huh"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"

	"github.com/dotcommander/yagent/internal/errs"
	"github.com/dotcommander/yagent/internal/present"
	"github.com/dotcommander/yagent/internal/proto"
	"github.com/dotcommander/yagent/internal/storage"
)

func newHistoryCmd(rt *runtime) *cobra.Command {
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Manage saved runs",
	}
	historyCmd.AddCommand(
		newHistoryListCmd(rt),
		newHistoryShowCmd(rt),
		newHistoryDeleteCmd(rt),
		newHistoryPruneCmd(rt),
	)
	return historyCmd
}

func newHistoryListCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List saved runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if rt.cfgErr != nil {
				return rt.cfgErr
			}
			return rt.listRuns(cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
}

func newHistoryShowCmd(rt *runtime) *cobra.Command {
	showCmd := &cobra.Command{
		Use:   "show [id-or-title]",
		Short: "Print the transcript of a saved run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if rt.cfgErr != nil {
				return rt.cfgErr
			}
			drainStdin(cmd.InOrStdin())
			rt.cfg.Show = ""
			if len(args) == 1 && !rt.cfg.ShowLast {
				rt.cfg.Show = args[0]
			}
			return rt.showRun(cmd.OutOrStdout())
		},
		ValidArgsFunction: func(_ *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
			if len(args) > 0 {
				return nil, cobra.ShellCompDirectiveNoFileComp
			}
			return rt.runCompletions(toComplete), cobra.ShellCompDirectiveNoFileComp
		},
	}
	showCmd.Flags().BoolVarP(&rt.cfg.ShowLast, "last", "l", false, "Show the latest run")
	return showCmd
}

func newHistoryDeleteCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id-or-title> [more...]",
		Short: "Delete saved runs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if rt.cfgErr != nil {
				return rt.cfgErr
			}
			return rt.deleteRuns(cmd.ErrOrStderr(), args)
		},
		ValidArgsFunction: func(_ *cobra.Command, _ []string, toComplete string) ([]string, cobra.ShellCompDirective) {
			return rt.runCompletions(toComplete), cobra.ShellCompDirectiveNoFileComp
		},
	}
}

func newHistoryPruneCmd(rt *runtime) *cobra.Command {
	var olderThan time.Duration
	pruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete runs not updated within a duration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if rt.cfgErr != nil {
				return rt.cfgErr
			}
			if olderThan <= 0 {
				return errs.Wrap(errs.UserErrorf("missing --older-than"), "Could not delete old runs.")
			}
			return rt.pruneRuns(cmd.OutOrStdout(), cmd.ErrOrStderr(), olderThan)
		},
	}
	pruneCmd.Flags().Var(newDurationFlag(0, &olderThan), "older-than", "Delete runs older than this; e.g. 24h, 7d, 2w")
	return pruneCmd
}

func (rt *runtime) listRuns(w, errOut io.Writer) error {
	store, err := openRunStore(rt.cfg.CachePath)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	runs := store.DB.List()
	if len(runs) == 0 {
		_, _ = fmt.Fprintln(errOut, "No saved runs found.")
		return nil
	}
	if present.IsInputTTY() && present.IsOutputTTY() && !rt.cfg.Raw {
		selectRun(runs)
		return nil
	}
	printRuns(w, runs)
	return nil
}

func (rt *runtime) showRun(w io.Writer) error {
	store, err := openRunStore(rt.cfg.CachePath)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	found, err := findRun(store.DB, rt.cfg.Show, rt.cfg.Show == "")
	if err != nil {
		return errs.Wrap(err, "Could not find the run.")
	}
	msgs, err := store.History.Read(found.ID)
	if err != nil {
		return errs.Wrap(err, "There was a problem reading the run history.")
	}

	out := proto.Conversation(msgs).String()
	if present.IsOutputTTY() && !rt.cfg.Raw {
		if formatted, err := present.RenderMarkdown(out, rt.cfg.WordWrap); err == nil {
			out = formatted
		}
	}
	_, _ = fmt.Fprint(w, out)
	return nil
}

func (rt *runtime) deleteRuns(w io.Writer, targets []string) error {
	store, err := openRunStore(rt.cfg.CachePath)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	for _, target := range targets {
		run, err := store.DB.Find(target)
		if err != nil {
			return errs.Wrap(err, "Could not find the run to delete.")
		}
		if err := store.remove(run.ID); err != nil {
			return errs.Wrap(err, "Could not delete the run.")
		}
		if !rt.cfg.Quiet {
			present.PrintConfirmation(w, "deleted", storage.ShortID(run.ID)+" "+run.Title)
		}
	}
	return nil
}

func (rt *runtime) pruneRuns(out, errOut io.Writer, olderThan time.Duration) error {
	store, err := openRunStore(rt.cfg.CachePath)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	runs := store.DB.ListOlderThan(olderThan)
	if len(runs) == 0 {
		if !rt.cfg.Quiet {
			_, _ = fmt.Fprintln(errOut, "No saved runs found.")
		}
		return nil
	}

	if !rt.cfg.Quiet {
		printRuns(out, runs)
		if !present.IsOutputTTY() || !present.IsInputTTY() {
			_, _ = fmt.Fprintln(errOut)
			return errs.UserErrorf("To delete the runs above, run: %s", strings.Join(append(os.Args, "--quiet"), " "))
		}
		var confirm bool
		if err := huh.Run(
			huh.NewConfirm().
				Title(fmt.Sprintf("Delete runs older than %s?", olderThan)).
				Description(fmt.Sprintf("This will delete the %d runs listed above.", len(runs))).
				Value(&confirm),
		); err != nil {
			return errs.Wrap(err, "Could not delete old runs.")
		}
		if !confirm {
			return errs.UserErrorf("Aborted by user")
		}
	}

	for _, run := range runs {
		if err := store.remove(run.ID); err != nil {
			return errs.Wrap(err, "Could not delete the run.")
		}
	}
	if !rt.cfg.Quiet {
		present.PrintConfirmation(errOut, "pruned", fmt.Sprintf("%d runs", len(runs)))
	}
	return nil
}

func describeRun(run storage.Run) string {
	styles := present.StdoutStyles()
	s := styles.RunList.Render(run.Title, styles.Timeago.Render(timeago.Of(run.UpdatedAt)))
	if run.Model != "" {
		s += styles.Comment.Render(run.Model + " (" + run.API + ")")
	}
	if run.Requests > 0 {
		s += styles.Usage.Render(fmt.Sprintf(" %d requests, %d tokens", run.Requests, run.TotalTokens))
	}
	return s
}

func selectRun(runs []storage.Run) {
	opts := make([]huh.Option[string], 0, len(runs))
	for _, run := range runs {
		label := present.StdoutStyles().ID.Render(storage.ShortID(run.ID)) + " " + describeRun(run)
		opts = append(opts, huh.NewOption(label, run.ID))
	}

	var selected string
	if err := huh.NewForm(huh.NewGroup(
		huh.NewSelect[string]().Title("Runs").Value(&selected).Options(opts...),
	)).Run(); err != nil {
		if !errors.Is(err, huh.ErrUserAborted) {
			_, _ = fmt.Fprintln(os.Stderr, err.Error())
		}
		return
	}

	_ = clipboard.WriteAll(selected)
	termenv.Copy(selected)
	present.PrintConfirmation(os.Stdout, "copied", selected)

	styles := present.StdoutStyles()
	fmt.Println(styles.Comment.Render("You can use this run ID with the following commands:"))
	for _, s := range []string{
		"yagent history show " + selected,
		"yagent --continue " + selected,
		"yagent history delete " + selected,
	} {
		fmt.Printf("  %s\n", styles.InlineCode.Render(s))
	}
}

func printRuns(w io.Writer, runs []storage.Run) {
	styles := present.StdoutStyles()
	for _, run := range runs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n",
			styles.ID.Render(storage.ShortID(run.ID)),
			run.Title,
			styles.Timeago.Render(timeago.Of(run.UpdatedAt)),
		)
	}
}
