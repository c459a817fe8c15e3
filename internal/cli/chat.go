package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"charm.land/bubbles/v2/spinner"
	"charm.land/bubbles/v2/textinput"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/jackkroninger/agent-api/internal/client"
)

var chatThreadID string

var chatCmd = &cobra.Command{
	Use:   "chat [prompt]",
	Short: "Chat with the agent",
	Long: `Chat with the agent.

With a prompt argument, runs a single turn and streams the reply to stdout.
Without arguments, opens an interactive session over a websocket; the thread
is kept across turns so follow-up questions have context.

Examples:
  agentctl chat "weather in NYC?"
  agentctl chat --thread trip-planning
  agentctl chat`,
	Args: cobra.MaximumNArgs(1),
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatThreadID, "thread", "", "thread id (continues an existing thread)")
}

func runChat(cmd *cobra.Command, args []string) error {
	c := newClient()

	if len(args) == 1 {
		return runChatOnce(cmd.Context(), c, args[0])
	}
	return runChatInteractive(cmd.Context(), c)
}

// runChatOnce streams a single turn to stdout.
func runChatOnce(ctx context.Context, c *client.Client, prompt string) error {
	threadID, _, err := c.Chat(ctx, chatThreadID, prompt, func(fragment string) error {
		fmt.Print(fragment)
		return nil
	})
	fmt.Println()
	if err != nil {
		return fmt.Errorf("chat: %w", err)
	}
	if verbose {
		fmt.Fprintf(os.Stderr, "thread: %s\n", threadID)
	}
	return nil
}

func runChatInteractive(ctx context.Context, c *client.Client) error {
	conn, err := c.Dial(ctx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	m := newChatModel(conn, chatThreadID)
	p := tea.NewProgram(m)

	final, err := p.Run()
	if err != nil {
		return fmt.Errorf("chat UI error: %w", err)
	}
	if fm, ok := final.(chatModel); ok && fm.err != nil {
		return fm.err
	}
	return nil
}

// chatTheme holds the color scheme for the chat display.
type chatTheme struct {
	User      lipgloss.Color
	Assistant lipgloss.Color
	Error     lipgloss.Color
	Hint      lipgloss.Color
}

var defaultChatTheme = chatTheme{
	User:      lipgloss.Color("#5FAFD7"), // light blue
	Assistant: lipgloss.Color("#00D787"), // green
	Error:     lipgloss.Color("#FF005F"), // red
	Hint:      lipgloss.Color("#6C6C6C"), // dim gray
}

func (t chatTheme) userStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.User).Bold(true)
}

func (t chatTheme) assistantStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Assistant).Bold(true)
}

func (t chatTheme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t chatTheme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

// chatLine is one rendered exchange line.
type chatLine struct {
	role string // "you" or "agent"
	text string
}

// fragmentMsg carries one streamed reply fragment.
type fragmentMsg string

// turnDoneMsg ends the current turn.
type turnDoneMsg struct {
	threadID string
	err      error
}

// chatModel is the bubbletea model for interactive chat.
type chatModel struct {
	conn     *client.Conn
	threadID string
	theme    chatTheme

	input   textinput.Model
	spinner spinner.Model

	lines   []chatLine
	events  chan tea.Msg
	waiting bool
	started bool // first fragment of the current turn arrived

	quitting bool
	err      error
}

func newChatModel(conn *client.Conn, threadID string) chatModel {
	ti := textinput.New()
	ti.Placeholder = "Ask something..."
	ti.Focus()

	sp := spinner.New(spinner.WithSpinner(spinner.Dot))

	return chatModel{
		conn:     conn,
		threadID: threadID,
		theme:    defaultChatTheme,
		input:    ti,
		spinner:  sp,
	}
}

// Init returns the initial command.
func (m chatModel) Init() tea.Cmd {
	return textinput.Blink
}

// Update handles messages and returns the updated model.
func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "enter":
			if m.waiting {
				return m, nil
			}
			prompt := strings.TrimSpace(m.input.Value())
			if prompt == "" {
				return m, nil
			}
			m.input.Reset()
			m.lines = append(m.lines, chatLine{role: "you", text: prompt})
			m.lines = append(m.lines, chatLine{role: "agent"})
			m.waiting = true
			m.started = false
			m.events = make(chan tea.Msg, 64)
			return m, tea.Batch(startTurn(m.conn, m.threadID, prompt, m.events), m.spinner.Tick)
		}

	case fragmentMsg:
		m.started = true
		m.lines[len(m.lines)-1].text += string(msg)
		return m, m.waitEvent()

	case turnDoneMsg:
		m.waiting = false
		if msg.threadID != "" {
			m.threadID = msg.threadID
		}
		if msg.err != nil {
			m.lines[len(m.lines)-1].text = m.theme.errorStyle().Render(fmt.Sprintf("✗ %s", msg.err))
		}
		return m, nil

	case spinner.TickMsg:
		if !m.waiting || m.started {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// startTurn sends the prompt and streams events back into the program.
func startTurn(conn *client.Conn, threadID, prompt string, events chan tea.Msg) tea.Cmd {
	go func() {
		newThreadID, _, err := conn.Chat(context.Background(), threadID, prompt, func(fragment string) error {
			events <- fragmentMsg(fragment)
			return nil
		})
		events <- turnDoneMsg{threadID: newThreadID, err: err}
		close(events)
	}()

	return func() tea.Msg { return <-events }
}

// waitEvent waits for the next event of the in-flight turn.
func (m chatModel) waitEvent() tea.Cmd {
	ch := m.events
	return func() tea.Msg { return <-ch }
}

// View renders the chat display.
func (m chatModel) View() tea.View {
	var sb strings.Builder

	for _, line := range m.lines {
		switch line.role {
		case "you":
			sb.WriteString(m.theme.userStyle().Render("you> ") + line.text + "\n")
		default:
			if line.text == "" && m.waiting {
				sb.WriteString(m.theme.assistantStyle().Render("agent> ") + m.spinner.View() + "\n")
				continue
			}
			sb.WriteString(m.theme.assistantStyle().Render("agent> ") + line.text + "\n")
		}
	}

	if !m.quitting {
		sb.WriteString("\n" + m.input.View() + "\n")
		sb.WriteString(m.theme.hintStyle().Render("Enter to send, Esc to quit") + "\n")
	}

	return tea.NewView(sb.String())
}
