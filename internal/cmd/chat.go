package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/dotcommander/yagent/internal/agent"
	"github.com/dotcommander/yagent/internal/errs"
	"github.com/dotcommander/yagent/internal/present"
	"github.com/dotcommander/yagent/internal/proto"
	"github.com/dotcommander/yagent/internal/tui"
	"github.com/dotcommander/yagent/internal/usage"
)

func newChatCmd(rt *runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [first prompt]",
		Short: "Chat with the agent, one prompt per line",
		Long: "Start a multi-turn conversation. On a terminal the chat runs full screen; " +
			"otherwise each line read from stdin is a prompt that continues the history. " +
			"Type /exit or send EOF to quit. The conversation is saved when the chat ends.",
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if rt.cfgErr != nil {
				return rt.cfgErr
			}
			return rt.runChat(cmd, args)
		},
	}
	initAgentFlags(cmd, rt)
	return cmd
}

func isExit(line string) bool {
	switch line {
	case "/exit", "/quit", "/q":
		return true
	}
	return false
}

func (rt *runtime) runChat(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	rt.applySettingsFlags(cmd.Flags())

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

	svc := rt.service()
	sess, err := svc.Open(ctx)
	if err != nil {
		return err //nolint:wrapcheck
	}
	defer sess.Close() //nolint:errcheck

	prompt := strings.TrimSpace(strings.Join(args, " "))
	var c chatResult
	if present.IsInputTTY() && present.IsOutputTTY() && !rt.cfg.Raw {
		c, err = rt.chatTUI(ctx, svc, sess, history, prompt)
	} else {
		c, err = rt.chatLines(cmd, sess, history, prompt)
	}
	if err != nil {
		return err
	}
	if c.turns == 0 {
		return nil
	}

	rt.cfg.API, rt.cfg.Model = sess.Model.API, sess.Model.Name
	rt.logger.Info("chat finished", "run", pl.WriteID, "turns", c.turns, "usage", c.usage.String())
	return saveRun(cmd.ErrOrStderr(), &rt.cfg, store, pl, prev, c.history, c.usage)
}

type chatResult struct {
	history []proto.Message
	usage   usage.Usage
	turns   int
}

// chatTUI runs the full screen chat on the terminal.
func (rt *runtime) chatTUI(ctx context.Context, svc *agent.Service, sess *agent.Session, history []proto.Message, prompt string) (chatResult, error) {
	explain := func(err error) errs.Error {
		return svc.ActionForRunError(err, sess.Model, "").Err
	}
	chat := tui.NewChat(ctx, present.StderrRenderer(), &rt.cfg, sess.RunStream, explain, history, prompt)
	p := tea.NewProgram(chat, tea.WithContext(ctx), tea.WithAltScreen(), tea.WithOutput(os.Stderr))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return chatResult{}, errs.Wrap(err, "Could not run the chat.")
	}
	return chatResult{history: chat.Messages(), usage: chat.Usage(), turns: chat.Turns()}, nil
}

// chatLines reads one prompt per line, for piped input and raw output.
func (rt *runtime) chatLines(cmd *cobra.Command, sess *agent.Session, history []proto.Message, prompt string) (chatResult, error) {
	ctx := cmd.Context()
	out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
	lines := bufio.NewScanner(cmd.InOrStdin())
	c := chatResult{history: history}
	for ctx.Err() == nil {
		if prompt == "" {
			if present.IsInputTTY() {
				_, _ = fmt.Fprint(errOut, present.StderrStyles().Flag.Render("> "))
			}
			if !lines.Scan() {
				break
			}
			prompt = strings.TrimSpace(lines.Text())
			if prompt == "" {
				continue
			}
		}
		if isExit(prompt) {
			break
		}

		res, err := sess.Run(ctx, prompt, c.history)
		prompt = ""
		if err != nil {
			handleError(errOut, err)
			continue
		}
		printOutput(out, &rt.cfg, res.Output)
		c.history = res.AllMessages()
		c.usage = c.usage.Add(res.Usage())
		c.turns++
	}
	if err := lines.Err(); err != nil {
		return c, errs.Wrap(err, "Could not read the chat input.")
	}
	return c, nil
}
