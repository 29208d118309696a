package main

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/chatwithllms/chatstream/internal/admission"
	"github.com/chatwithllms/chatstream/internal/api"
	"github.com/chatwithllms/chatstream/internal/logger"
	"github.com/chatwithllms/chatstream/internal/stream"
	"github.com/chatwithllms/chatstream/internal/transcript"
)

type fixedQuota struct {
	n int
}

func (f fixedQuota) Generations(ctx context.Context) (int, error) {
	return f.n, nil
}

type downTransport struct{}

func (downTransport) Open(ctx context.Context, req stream.Request) (stream.Conn, int, error) {
	return nil, 0, errors.New("backend unreachable")
}

func newTestModel(t *testing.T) model {
	t.Helper()

	log := logger.New(logger.Config{Level: slog.LevelError})
	store := transcript.New()
	gate := admission.New(fixedQuota{n: 3}, log)
	if err := gate.Refresh(context.Background()); err != nil {
		t.Fatalf("gate refresh failed: %v", err)
	}

	ctrl := stream.NewController(store, gate, downTransport{}, stream.Options{Logger: log})
	client := api.NewClient("http://127.0.0.1:0", api.StaticToken("t"), log)

	cfg := stream.SessionConfig{ModelID: "gpt-4o", Temperature: 0.7, HistoryWindow: 10}
	return newModel(ctrl, store, client, gate, cfg)
}

func pressEnter(t *testing.T, m model, line string) (model, tea.Cmd) {
	t.Helper()

	m.input.SetValue(line)
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	return next.(model), cmd
}

func TestModelCommandSwitchesModel(t *testing.T) {
	m := newTestModel(t)

	m, cmd := pressEnter(t, m, "/model claude-sonnet")
	if cmd != nil {
		t.Error("model switch dispatched a command")
	}
	if m.cfg.ModelID != "claude-sonnet" {
		t.Errorf("model = %q, want claude-sonnet", m.cfg.ModelID)
	}
	if m.input.Value() != "" {
		t.Error("input not cleared after a command")
	}
}

func TestSubmitDispatchesTurnCommand(t *testing.T) {
	m := newTestModel(t)

	m, cmd := pressEnter(t, m, "hello there")
	if cmd == nil {
		t.Fatal("submit produced no command")
	}
	if m.input.Value() != "" {
		t.Error("input not cleared on submit")
	}
}

func TestInputLockedWhileStreaming(t *testing.T) {
	m := newTestModel(t)

	next, _ := m.Update(sessionStateMsg{state: stream.StateStreaming})
	m = next.(model)
	if !m.busy() {
		t.Fatal("model not busy while streaming")
	}

	m.input.SetValue("queued message")
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(model)
	if cmd != nil {
		t.Error("enter dispatched a command mid-stream")
	}
	if m.input.Value() != "queued message" {
		t.Error("input cleared while a stream was running")
	}
}

func TestEscCancelsWhileStreaming(t *testing.T) {
	m := newTestModel(t)

	next, _ := m.Update(sessionStateMsg{state: stream.StateConnecting})
	m = next.(model)

	if _, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEsc}); cmd == nil {
		t.Error("esc did not dispatch a cancel while connecting")
	}
	if _, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC}); cmd == nil {
		t.Error("ctrl-c did not dispatch a cancel while connecting")
	}
}

func TestCtrlCQuitsWhenIdle(t *testing.T) {
	m := newTestModel(t)

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	if cmd == nil {
		t.Fatal("ctrl-c produced no command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("ctrl-c while idle did not quit")
	}
}

func TestFailedCloseShowsRetryHint(t *testing.T) {
	m := newTestModel(t)

	next, _ := m.Update(sessionStateMsg{state: stream.StateClosedError})
	m = next.(model)
	if !strings.Contains(m.View(), "/retry") {
		t.Error("failed close does not surface the retry hint")
	}
}

func TestQuotaDeniedShowsNotice(t *testing.T) {
	m := newTestModel(t)

	next, _ := m.Update(quotaDeniedMsg{})
	m = next.(model)
	if !strings.Contains(m.View(), "generation limit") {
		t.Error("quota denial not shown")
	}
}

func TestRejectedStartReportsReason(t *testing.T) {
	m := newTestModel(t)

	next, _ := m.Update(sessionErrMsg{err: stream.ErrNothingToRegenerate})
	m = next.(model)
	if !strings.Contains(m.View(), "nothing to regenerate") {
		t.Error("rejection reason not shown")
	}
}
