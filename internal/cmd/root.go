// Package cmd implements the yagent command line.
package cmd

import (
	"fmt"
	"io"
	"log/slog"

	glamour "github.com/charmbracelet/glamour/styles"
	"github.com/spf13/cobra"

	"github.com/dotcommander/yagent/internal/agent"
	"github.com/dotcommander/yagent/internal/config"
	"github.com/dotcommander/yagent/internal/errs"
	"github.com/dotcommander/yagent/internal/present"
	"github.com/dotcommander/yagent/internal/proto"
	"github.com/dotcommander/yagent/internal/usage"
)

type runtime struct {
	build  BuildInfo
	cfg    config.Config
	cfgErr error
	flags  settingsFlags
	logger *slog.Logger

	// newModel replaces the provider-backed model in tests.
	newModel agent.ModelFactory
}

// NewRootCmd constructs the Cobra root command.
func NewRootCmd(build BuildInfo, cfg config.Config, cfgErr error) *cobra.Command {
	return newRootCmd(&runtime{build: normalizeBuildInfo(build), cfg: cfg, cfgErr: cfgErr})
}

func newRootCmd(rt *runtime) *cobra.Command {
	// XXX: unset error styles in Glamour dark and light styles.
	glamour.DarkStyleConfig.CodeBlock.Chroma.Error.BackgroundColor = new(string)
	glamour.LightStyleConfig.CodeBlock.Chroma.Error.BackgroundColor = new(string)

	root := &cobra.Command{
		Use:           "yagent [prompt]",
		Short:         "Run an LLM agent with tools from the command line.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ArbitraryArgs,
		Example:       randomExample(),
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(cmd.ErrOrStderr(), rt.cfg.Settings)
			if err != nil {
				return err
			}
			rt.logger = logger
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if rt.cfgErr != nil {
				return rt.cfgErr
			}
			return rt.runAgent(cmd, args)
		},
	}

	root.SetUsageFunc(usageFunc)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return newFlagParseError(err)
	})
	root.CompletionOptions.HiddenDefaultCmd = true
	root.SetHelpCommand(&cobra.Command{Hidden: true})
	root.Version = rt.build.Version
	root.SetVersionTemplate(versionTemplate(rt.build))

	initPersistentFlags(root, rt)
	initAgentFlags(root, rt)
	root.Flags().BoolVarP(&rt.cfg.Stream, "stream", "s", rt.cfg.Stream, desc("stream"))

	root.AddCommand(
		newChatCmd(rt),
		newHistoryCmd(rt),
		newConfigCmd(rt),
		newMCPCmd(rt),
		newManCmd(root),
	)
	root.InitDefaultCompletionCmd()
	return root
}

// newLogger builds the slog logger the agent and MCP clients log to.
func newLogger(w io.Writer, s config.Settings) (*slog.Logger, error) {
	level, err := s.SlogLevel()
	if err != nil {
		return nil, err //nolint:wrapcheck
	}
	opts := &slog.HandlerOptions{Level: level}
	switch s.LogFormat {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, errs.Wrapf(errs.UserErrorf("unknown log format %q", s.LogFormat), "Invalid log format %q.", s.LogFormat)
	}
}

func (rt *runtime) service() *agent.Service {
	return agent.NewService(&rt.cfg, nil, rt.logger, rt.newModel)
}

func (rt *runtime) runAgent(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	rt.applySettingsFlags(cmd.Flags())

	prompt, err := readPrompt(cmd.InOrStdin(), args)
	if err != nil {
		return errs.Wrap(err, "Could not read the prompt.")
	}
	if prompt == "" {
		return errs.Error{
			Reason: "You haven't provided any prompt input.",
			Err: errs.UserErrorf(
				"You can give your prompt as arguments and/or pipe it from STDIN.\nExample: %s",
				present.StderrStyles().InlineCode.Render("yagent [prompt]"),
			),
		}
	}
	rt.cfg.Prefix = prompt

	store, err := openRunStore(rt.cfg.CachePath)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	pl, err := planRun(&rt.cfg, store.DB)
	if err != nil {
		return err
	}
	history, prev, err := store.load(pl.ReadID)
	if err != nil {
		return err
	}
	rt.cfg.API, rt.cfg.Model = pl.API, pl.Model
	rt.cfg.CacheReadFromID, rt.cfg.CacheWriteToID, rt.cfg.CacheWriteToTitle = pl.ReadID, pl.WriteID, pl.Title

	svc := rt.service()
	sess, err := svc.Open(ctx)
	if err != nil {
		return err //nolint:wrapcheck
	}
	defer sess.Close() //nolint:errcheck

	out := cmd.OutOrStdout()
	var (
		msgs []proto.Message
		used usage.Usage
	)
	if rt.cfg.Stream {
		res, err := sess.RunStream(ctx, prompt, history)
		if err != nil {
			return err //nolint:wrapcheck
		}
		for chunk, err := range res.StreamText(ctx, true, 0) {
			if err != nil {
				return svc.ActionForRunError(err, sess.Model, prompt).Err
			}
			_, _ = fmt.Fprint(out, chunk)
		}
		_, _ = fmt.Fprintln(out)
		msgs, used = res.AllMessages(), res.Usage()
	} else {
		res, err := sess.Run(ctx, prompt, history)
		if err != nil {
			return err //nolint:wrapcheck
		}
		printOutput(out, &rt.cfg, res.Output)
		msgs, used = res.AllMessages(), res.Usage()
	}

	rt.cfg.API, rt.cfg.Model = sess.Model.API, sess.Model.Name
	rt.logger.Info("run finished", "run", pl.WriteID, "model", rt.cfg.Model, "usage", used.String())
	return saveRun(cmd.ErrOrStderr(), &rt.cfg, store, pl, prev, msgs, used)
}

// printOutput renders markdown on a terminal and prints raw text otherwise.
func printOutput(w io.Writer, cfg *config.Config, text string) {
	if present.IsOutputTTY() && !cfg.Raw {
		if out, err := present.RenderMarkdown(text, cfg.WordWrap); err == nil {
			_, _ = fmt.Fprint(w, out)
			return
		}
	}
	_, _ = fmt.Fprintln(w, text)
}
