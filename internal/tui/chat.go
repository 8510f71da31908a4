// Package tui holds the Bubble Tea models of the interactive terminal UI.
package tui

import (
	"bytes"
	"context"
	"fmt"
	"iter"
	"strings"
	"time"
	"unicode"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/dotcommander/yagent/internal/agent"
	"github.com/dotcommander/yagent/internal/config"
	"github.com/dotcommander/yagent/internal/errs"
	"github.com/dotcommander/yagent/internal/present"
	"github.com/dotcommander/yagent/internal/proto"
	"github.com/dotcommander/yagent/internal/usage"
)

type chatState int

const (
	chatInputState chatState = iota
	chatStreamState
)

// RunFunc streams the answer to prompt, continuing history.
type RunFunc func(ctx context.Context, prompt string, history []proto.Message) (*agent.StreamedRunResult[string], error)

// ExplainFunc turns a failed run into a user-facing error.
type ExplainFunc func(err error) errs.Error

// Chat is the Bubble Tea model for an interactive multi-turn chat.
type Chat struct {
	state    chatState
	input    textinput.Model
	viewport viewport.Model
	spinner  spinner.Model
	glam     *glamour.TermRenderer
	renderer *lipgloss.Renderer
	styles   present.Styles

	history    []proto.Message
	historyBuf bytes.Buffer // rendered conversation so far
	streamBuf  bytes.Buffer // answer being streamed
	usage      usage.Usage
	turns      int

	run     RunFunc
	explain ExplainFunc
	cfg     *config.Config
	ctx     context.Context
	cancel  context.CancelFunc
	// turn identifies the active stream; messages of older streams are
	// dropped.
	turn int

	width  int
	height int

	renderScheduled bool
	dirtyOutput     bool
	initialPrompt   string
	waitingSince    time.Time
}

// NewChat creates the chat model. history is the conversation to continue.
func NewChat(
	ctx context.Context,
	r *lipgloss.Renderer,
	cfg *config.Config,
	run RunFunc,
	explain ExplainFunc,
	history []proto.Message,
	initialPrompt string,
) *Chat {
	gr, _ := glamour.NewTermRenderer(
		glamour.WithEnvironmentConfig(),
		glamour.WithWordWrap(cfg.WordWrap),
	)

	ti := textinput.New()
	ti.Prompt = "yagent> "
	ti.Focus()
	ti.CharLimit = 0

	vp := viewport.New(0, 0)
	vp.GotoBottom()

	styles := present.MakeStyles(r)
	c := &Chat{
		state:         chatInputState,
		input:         ti,
		viewport:      vp,
		spinner:       spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(styles.Flag)),
		glam:          gr,
		renderer:      r,
		styles:        styles,
		run:           run,
		explain:       explain,
		cfg:           cfg,
		ctx:           ctx,
		history:       history,
		initialPrompt: initialPrompt,
	}
	if explain == nil {
		c.explain = func(err error) errs.Error { return errs.Wrap(err, "The run failed.") }
	}
	c.historyBuf.WriteString(proto.Conversation(history).String())
	return c
}

// chatSubmitMsg is sent when the user presses Enter with a prompt.
type chatSubmitMsg struct {
	prompt string
}

// chatStream is the text stream of one turn.
type chatStream struct {
	turn int
	res  *agent.StreamedRunResult[string]
	next func() (string, error, bool)
	stop func()
}

type chatChunkMsg struct {
	*chatStream
	content string
}

type chatDoneMsg struct {
	*chatStream
}

type chatErrMsg struct {
	turn int
	err  errs.Error
}

type chatRenderMsg struct{}

// Init implements tea.Model.
func (c *Chat) Init() tea.Cmd {
	cmds := []tea.Cmd{textinput.Blink}
	if c.initialPrompt != "" {
		prompt := c.initialPrompt
		cmds = append(cmds, func() tea.Msg {
			return chatSubmitMsg{prompt: prompt}
		})
	}
	return tea.Batch(cmds...)
}

// Update implements tea.Model.
func (c *Chat) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		c.width = msg.Width
		c.height = msg.Height
		c.resizeViewport()
		c.refreshViewport()
		return c, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			if c.state == chatStreamState {
				c.abortTurn("*Canceled.*")
				return c, nil
			}
			return c, tea.Quit
		case "enter":
			if c.state != chatInputState {
				break
			}
			text := strings.TrimSpace(c.input.Value())
			if text == "" {
				return c, nil
			}
			switch text {
			case "/exit", "/quit", "/q":
				return c, tea.Quit
			}
			c.input.SetValue("")
			return c, func() tea.Msg {
				return chatSubmitMsg{prompt: text}
			}
		}

	case chatSubmitMsg:
		fmt.Fprintf(&c.historyBuf, "**Prompt**: %s\n\n", msg.prompt)
		c.streamBuf.Reset()
		c.turn++
		c.waitingSince = time.Now()
		c.state = chatStreamState
		ctx, cancel := context.WithCancel(c.ctx)
		c.cancel = cancel
		c.resizeViewport()
		c.refreshViewport()
		return c, tea.Batch(c.startStreamCmd(ctx, c.turn, msg.prompt, c.history), c.spinner.Tick)

	case chatChunkMsg:
		if msg.turn != c.turn {
			msg.stop()
			return c, nil
		}
		if msg.content != "" {
			c.waitingSince = time.Time{}
			c.streamBuf.WriteString(msg.content)
			c.dirtyOutput = true
			if !c.renderScheduled {
				c.renderScheduled = true
				cmds = append(cmds, c.renderTickCmd())
			}
		}
		cmds = append(cmds, c.receiveStreamCmd(msg.chatStream))
		return c, tea.Batch(cmds...)

	case chatDoneMsg:
		if msg.turn != c.turn {
			return c, nil
		}
		c.history = msg.res.AllMessages()
		c.usage = c.usage.Add(msg.res.Usage())
		c.turns++
		c.finishTurn()
		return c, nil

	case chatErrMsg:
		if msg.turn != c.turn {
			return c, nil
		}
		c.abortTurn(fmt.Sprintf("**Error**: %s", msg.err.Reason))
		return c, nil

	case chatRenderMsg:
		c.renderScheduled = false
		if c.dirtyOutput {
			c.refreshViewport()
		}
		return c, nil

	case spinner.TickMsg:
		if c.state != chatStreamState || c.streamBuf.Len() > 0 {
			return c, nil
		}
		var cmd tea.Cmd
		c.spinner, cmd = c.spinner.Update(msg)
		return c, cmd
	}

	if c.state == chatInputState {
		var cmd tea.Cmd
		c.input, cmd = c.input.Update(msg)
		cmds = append(cmds, cmd)
	}
	var cmd tea.Cmd
	c.viewport, cmd = c.viewport.Update(msg)
	cmds = append(cmds, cmd)
	return c, tea.Batch(cmds...)
}

// View implements tea.Model.
func (c *Chat) View() string {
	if c.width == 0 || c.height == 0 {
		return ""
	}

	divider := c.styles.Comment.Render(strings.Repeat("─", max(c.width, 1)))
	if c.state == chatStreamState && c.streamBuf.Len() == 0 {
		return c.viewport.View() + "\n" + divider + "\n" + c.spinner.View() + " " + c.waitingStatus(time.Now())
	}
	return c.viewport.View() + "\n" + divider + "\n" + c.input.View()
}

// Messages returns the conversation history.
func (c *Chat) Messages() []proto.Message {
	return c.history
}

// Usage returns the usage of every finished turn.
func (c *Chat) Usage() usage.Usage {
	return c.usage
}

// Turns returns how many turns finished.
func (c *Chat) Turns() int {
	return c.turns
}

func (c *Chat) startStreamCmd(ctx context.Context, turn int, prompt string, history []proto.Message) tea.Cmd {
	return func() tea.Msg {
		res, err := c.run(ctx, prompt, history)
		if err != nil {
			return chatErrMsg{turn: turn, err: c.explain(err)}
		}
		next, stop := iter.Pull2(res.StreamText(ctx, true, 0))
		return c.receiveStreamCmd(&chatStream{turn: turn, res: res, next: next, stop: stop})()
	}
}

func (c *Chat) receiveStreamCmd(s *chatStream) tea.Cmd {
	return func() tea.Msg {
		chunk, err, ok := s.next()
		if !ok {
			s.stop()
			return chatDoneMsg{chatStream: s}
		}
		if err != nil {
			s.stop()
			return chatErrMsg{turn: s.turn, err: c.explain(err)}
		}
		return chatChunkMsg{chatStream: s, content: chunk}
	}
}

// finishTurn moves the streamed answer into the rendered history.
func (c *Chat) finishTurn() {
	if c.streamBuf.Len() > 0 {
		fmt.Fprintf(&c.historyBuf, "%s\n\n", c.streamBuf.String())
		c.streamBuf.Reset()
	}
	c.endTurn()
}

// abortTurn drops the partial answer and notes why.
func (c *Chat) abortTurn(note string) {
	c.streamBuf.Reset()
	fmt.Fprintf(&c.historyBuf, "%s\n\n", note)
	c.turn++
	c.endTurn()
}

func (c *Chat) endTurn() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.waitingSince = time.Time{}
	c.state = chatInputState
	c.dirtyOutput = true
	c.resizeViewport()
	c.refreshViewport()
}

func (c *Chat) refreshViewport() {
	combined := c.historyBuf.String() + c.streamBuf.String()
	if combined == "" {
		return
	}

	rendered := combined
	if c.glam != nil {
		if out, err := c.glam.Render(combined); err == nil {
			rendered = out
		}
	}
	rendered = strings.TrimRightFunc(rendered, unicode.IsSpace) + "\n"
	if c.width > 0 {
		rendered = c.renderer.NewStyle().MaxWidth(c.width).Render(rendered)
	}

	wasAtBottom := c.viewport.ScrollPercent() >= 1.0
	c.viewport.SetContent(rendered)
	if wasAtBottom {
		c.viewport.GotoBottom()
	}
	c.dirtyOutput = false
}

func (c *Chat) renderTickCmd() tea.Cmd {
	const renderInterval = 33 * time.Millisecond
	return tea.Tick(renderInterval, func(time.Time) tea.Msg {
		return chatRenderMsg{}
	})
}

func (c *Chat) resizeViewport() {
	if c.width > 0 {
		c.viewport.Width = c.width
	}
	c.viewport.Height = max(c.height-2, 1)
}

func (c *Chat) waitingStatus(now time.Time) string {
	if c.waitingSince.IsZero() {
		return c.styles.Comment.Render("Waiting for response...")
	}
	elapsed := max(now.Sub(c.waitingSince), 0)
	return c.styles.Comment.Render("Waiting for response... [" + formatElapsedClock(elapsed) + "]")
}

func formatElapsedClock(d time.Duration) string {
	totalSeconds := int(d / time.Second)
	hours := totalSeconds / 3600
	minutes := (totalSeconds % 3600) / 60
	seconds := totalSeconds % 60

	if hours > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds)
	}
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}
