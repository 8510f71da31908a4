package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/charmbracelet/x/editor"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dotcommander/yagent/internal/config"
	"github.com/dotcommander/yagent/internal/errs"
	"github.com/dotcommander/yagent/internal/present"
)

func newConfigCmd(rt *runtime) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return rt.editSettings(cmd.ErrOrStderr())
		},
	}

	configCmd.AddCommand(
		&cobra.Command{
			Use:   "edit",
			Short: "Open settings in $EDITOR",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return rt.editSettings(cmd.ErrOrStderr())
			},
		},
		&cobra.Command{
			Use:   "path",
			Short: "Print the settings file path",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), rt.cfg.SettingsPath)
				return nil
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective settings, API keys masked",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				if rt.cfgErr != nil {
					return rt.cfgErr
				}
				return rt.showSettings(cmd.OutOrStdout())
			},
		},
		&cobra.Command{
			Use:   "reset",
			Short: "Reset settings to defaults, keeping a backup",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return rt.resetSettings(cmd.ErrOrStderr())
			},
		},
		&cobra.Command{
			Use:       "dirs [config|cache]",
			Short:     "Print config and cache directories",
			Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
			ValidArgs: []string{"config", "cache"},
			RunE: func(cmd *cobra.Command, args []string) error {
				printDirs(cmd.OutOrStdout(), &rt.cfg, args)
				return nil
			},
		},
		newRolesCmd(rt),
	)
	return configCmd
}

func (rt *runtime) showSettings(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2) //nolint:mnd
	if err := enc.Encode(rt.cfg.Redacted()); err != nil {
		return errs.Wrap(err, "Could not encode the settings.")
	}
	return enc.Close() //nolint:wrapcheck
}

func (rt *runtime) editSettings(w io.Writer) error {
	cfg := &rt.cfg
	if err := config.WriteConfigFile(cfg.SettingsPath); err != nil {
		return err //nolint:wrapcheck
	}

	c, err := editor.Cmd(filepath.Base(os.Args[0]), cfg.SettingsPath)
	if err != nil {
		return errs.Wrap(err, "Could not edit your settings file.")
	}
	c.Stdin, c.Stdout, c.Stderr = os.Stdin, os.Stdout, os.Stderr
	if err := c.Run(); err != nil {
		return errs.Wrapf(err, "Missing %s.", present.StderrStyles().InlineCode.Render("$EDITOR"))
	}
	if !cfg.Quiet {
		_, _ = fmt.Fprintln(w, "Wrote config file to:", cfg.SettingsPath)
	}
	return nil
}

func (rt *runtime) resetSettings(w io.Writer) error {
	path := rt.cfg.SettingsPath
	backup := path + ".bak"

	content, err := os.ReadFile(path)
	if err != nil {
		return errs.Wrap(err, "Couldn't read config file.")
	}
	if err := os.WriteFile(backup, content, 0o600); err != nil {
		return errs.Wrap(err, "Couldn't backup config file.")
	}
	if err := os.Remove(path); err != nil {
		return errs.Wrap(err, "Couldn't remove config file.")
	}
	if err := config.WriteConfigFile(path); err != nil {
		return err //nolint:wrapcheck
	}

	if !rt.cfg.Quiet {
		styles := present.StderrStyles()
		_, _ = fmt.Fprintln(w, "\nSettings restored to defaults!")
		_, _ = fmt.Fprintf(w, "\n  %s %s\n\n",
			styles.Comment.Render("Your old settings have been saved to:"),
			styles.InlineCode.Render(backup),
		)
	}
	return nil
}

func printDirs(w io.Writer, cfg *config.Config, args []string) {
	if len(args) > 0 {
		switch args[0] {
		case "config":
			_, _ = fmt.Fprintln(w, filepath.Dir(cfg.SettingsPath))
		case "cache":
			_, _ = fmt.Fprintln(w, cfg.CachePath)
		}
		return
	}
	_, _ = fmt.Fprintf(w, "Configuration: %s\n", filepath.Dir(cfg.SettingsPath))
	_, _ = fmt.Fprintf(w, "%*sCache: %s\n", 8, " ", cfg.CachePath) //nolint:mnd
}
