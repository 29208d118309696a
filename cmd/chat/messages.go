package main

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/chatwithllms/chatstream/internal/api"
	"github.com/chatwithllms/chatstream/internal/stream"
)

// historyTimeout bounds the chat-history lookup behind /history.
const historyTimeout = 15 * time.Second

// streamTokenMsg wakes the program after a fragment landed in the transcript.
type streamTokenMsg struct {
	text string
}

// sessionStateMsg reports a controller state transition.
type sessionStateMsg struct {
	state stream.State
}

// quotaDeniedMsg is sent when the backend rejects a handshake over quota.
type quotaDeniedMsg struct{}

// sessionErrMsg reports a Start or Retry call the controller rejected.
type sessionErrMsg struct {
	err error
}

// historyMsg carries one page of persisted conversations.
type historyMsg struct {
	page api.HistoryPage
	err  error
}

func startTurn(ctrl *stream.Controller, input string, cfg stream.SessionConfig, regenerate bool) tea.Cmd {
	return func() tea.Msg {
		if err := ctrl.Start(context.Background(), input, cfg, regenerate); err != nil {
			return sessionErrMsg{err: err}
		}
		return nil
	}
}

func retryTurn(ctrl *stream.Controller, regenerate bool) tea.Cmd {
	return func() tea.Msg {
		if err := ctrl.Retry(context.Background(), regenerate); err != nil {
			return sessionErrMsg{err: err}
		}
		return nil
	}
}

func cancelTurn(ctrl *stream.Controller) tea.Cmd {
	return func() tea.Msg {
		// The terminal transition arrives through OnStateChange; a cancel
		// that lost the race with a natural close needs no report.
		_ = ctrl.Cancel()
		return nil
	}
}

func loadHistory(client *api.Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
		defer cancel()

		page, err := client.ChatHistory(ctx, 1)
		return historyMsg{page: page, err: err}
	}
}
