package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/chatwithllms/chatstream/internal/admission"
	"github.com/chatwithllms/chatstream/internal/api"
	"github.com/chatwithllms/chatstream/internal/stream"
	"github.com/chatwithllms/chatstream/internal/transcript"
)

var (
	userStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	assistantStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("250"))
	statusStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	noticeStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
)

// model is the Bubble Tea model for the chat client. The transcript store is
// the single source of truth for conversation text; stream callbacks only
// wake the program up so the view re-reads it.
type model struct {
	ctrl   *stream.Controller
	store  *transcript.Store
	client *api.Client
	gate   *admission.Gate

	input textinput.Model
	cfg   stream.SessionConfig

	state   stream.State
	status  string
	history []api.ChatSummary
}

func newModel(ctrl *stream.Controller, store *transcript.Store, client *api.Client, gate *admission.Gate, cfg stream.SessionConfig) model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "send a message (/help for commands)"
	ti.Focus()

	return model{
		ctrl:   ctrl,
		store:  store,
		client: client,
		gate:   gate,
		input:  ti,
		cfg:    cfg,
		state:  ctrl.State(),
	}
}

func (m model) Init() tea.Cmd {
	return textinput.Blink
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			if m.busy() {
				return m, cancelTurn(m.ctrl)
			}
			return m, tea.Quit

		case tea.KeyEsc:
			if m.busy() {
				return m, cancelTurn(m.ctrl)
			}
			return m, nil

		case tea.KeyEnter:
			return m.submit()
		}

	case streamTokenMsg:
		// The transcript already holds the text.
		return m, nil

	case sessionStateMsg:
		m.state = msg.state
		switch msg.state {
		case stream.StateConnecting:
			m.status = ""
		case stream.StateClosedError:
			m.status = "stream failed, /retry to resend or /regen to start over"
		}
		return m, nil

	case quotaDeniedMsg:
		m.status = "daily generation limit reached"
		return m, nil

	case sessionErrMsg:
		m.status = describeErr(msg.err)
		return m, nil

	case historyMsg:
		if msg.err != nil {
			m.status = fmt.Sprintf("history lookup failed: %v", msg.err)
			return m, nil
		}
		m.history = msg.page.Chats
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// busy reports whether a session is in flight, which locks the input line.
func (m model) busy() bool {
	return m.state == stream.StateConnecting || m.state == stream.StateStreaming
}

func (m model) submit() (tea.Model, tea.Cmd) {
	if m.busy() {
		return m, nil
	}
	line := strings.TrimSpace(m.input.Value())
	if line == "" {
		return m, nil
	}
	m.input.SetValue("")
	m.status = ""
	m.history = nil

	switch {
	case line == "/quit":
		return m, tea.Quit

	case line == "/help":
		m.status = "commands: /retry /regen /model <name> /history /quit (esc cancels a running stream)"
		return m, nil

	case line == "/history":
		return m, loadHistory(m.client)

	case strings.HasPrefix(line, "/model "):
		m.cfg.ModelID = strings.TrimSpace(strings.TrimPrefix(line, "/model "))
		m.status = "model set to " + m.cfg.ModelID
		return m, nil

	case line == "/retry":
		return m, retryTurn(m.ctrl, false)

	case line == "/regen":
		// Regenerate routes through Retry after a failure and through Start
		// when the last reply closed cleanly.
		if m.ctrl.State() == stream.StateClosedError {
			return m, retryTurn(m.ctrl, true)
		}
		return m, startTurn(m.ctrl, "", m.cfg, true)
	}

	return m, startTurn(m.ctrl, line, m.cfg, false)
}

func (m model) View() string {
	var b strings.Builder

	for _, turn := range m.store.Turns() {
		b.WriteString(userStyle.Render("> " + turn.UserMessage))
		b.WriteString("\n")
		if turn.AssistantMessage != "" {
			b.WriteString(assistantStyle.Render(turn.AssistantMessage))
			b.WriteString("\n")
		}
	}
	if m.store.Len() > 0 {
		b.WriteString("\n")
	}

	for _, chat := range m.history {
		line := fmt.Sprintf("%s  %s  (%s)", chat.ID, chat.Title, chat.UpdatedAt.Format("2006-01-02 15:04"))
		b.WriteString(statusStyle.Render(line))
		b.WriteString("\n")
	}

	b.WriteString(m.statusLine())
	b.WriteString("\n")
	b.WriteString(m.input.View())
	b.WriteString("\n")
	return b.String()
}

func (m model) statusLine() string {
	if m.status != "" {
		return noticeStyle.Render(m.status)
	}
	switch m.state {
	case stream.StateConnecting:
		return statusStyle.Render("connecting...")
	case stream.StateStreaming:
		return statusStyle.Render("streaming (esc to cancel)")
	}
	return statusStyle.Render(fmt.Sprintf("%s | %d generations left", m.cfg.ModelID, m.gate.Remaining()))
}

func describeErr(err error) string {
	switch {
	case errors.Is(err, stream.ErrAdmissionBlocked):
		return "generation limit reached, top up and restart"
	case errors.Is(err, stream.ErrSessionActive):
		return "a stream is already running"
	case errors.Is(err, stream.ErrNotRetryable):
		return "nothing to retry"
	case errors.Is(err, stream.ErrNothingToRegenerate):
		return "nothing to regenerate"
	case errors.Is(err, transcript.ErrInvalidInput):
		return "message is empty"
	default:
		return fmt.Sprintf("request rejected: %v", err)
	}
}
