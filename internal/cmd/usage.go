package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/muesli/termenv"
	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"

	"github.com/dotcommander/yagent/internal/present"
)

func useLine(cmd *cobra.Command) string {
	styles := present.StdoutStyles()
	if cmd.HasParent() {
		return fmt.Sprintf("%s %s", cmd.CommandPath(), styles.CliArgs.Render("[OPTIONS]"))
	}
	appName := filepath.Base(os.Args[0])
	if present.StdoutRenderer().ColorProfile() == termenv.TrueColor {
		appName = present.GradientText(styles.AppName, appName)
	}
	return fmt.Sprintf("%s %s", appName, styles.CliArgs.Render("[OPTIONS] [PROMPT]"))
}

func usageFunc(cmd *cobra.Command) error {
	styles := present.StdoutStyles()
	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Usage:\n  %s\n\n", useLine(cmd))

	if cmd.HasAvailableSubCommands() {
		_, _ = fmt.Fprintln(out, "Commands:")
		for _, sub := range cmd.Commands() {
			if !sub.IsAvailableCommand() {
				continue
			}
			_, _ = fmt.Fprintf(out, "  %-44s %s\n", styles.Flag.Render(sub.Name()), styles.FlagDesc.Render(sub.Short))
		}
		_, _ = fmt.Fprintln(out)
	}

	_, _ = fmt.Fprintln(out, "Options:")
	cmd.Flags().VisitAll(func(f *flag.Flag) {
		if f.Hidden {
			return
		}
		if f.Shorthand == "" {
			_, _ = fmt.Fprintf(out, "  %-44s %s\n", styles.Flag.Render("--"+f.Name), styles.FlagDesc.Render(f.Usage))
			return
		}
		_, _ = fmt.Fprintf(out, "  %s%s %-40s %s\n",
			styles.Flag.Render("-"+f.Shorthand),
			styles.FlagComma,
			styles.Flag.Render("--"+f.Name),
			styles.FlagDesc.Render(f.Usage),
		)
	})

	if example, ok := examples[cmd.Example]; ok {
		_, _ = fmt.Fprintf(out, "\nExample:\n  %s\n  %s\n",
			styles.Comment.Render("# "+cmd.Example),
			cheapHighlighting(styles, example),
		)
	}
	return nil
}
