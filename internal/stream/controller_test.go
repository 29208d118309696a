package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/chatwithllms/chatstream/internal/admission"
	"github.com/chatwithllms/chatstream/internal/logger"
	"github.com/chatwithllms/chatstream/internal/transcript"
)

type stubFetcher struct {
	n int
}

func (s stubFetcher) Generations(ctx context.Context) (int, error) {
	return s.n, nil
}

type connEvent struct {
	frag Fragment
	err  error
}

// chanConn is a scripted Conn fed through a channel. Closing the channel
// ends the stream gracefully; Recv honors ctx like the real transport.
type chanConn struct {
	events    chan connEvent
	ctx       context.Context
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *chanConn) Recv() (Fragment, error) {
	select {
	case ev, ok := <-c.events:
		if !ok {
			return Fragment{}, io.EOF
		}
		if ev.err != nil {
			return Fragment{}, ev.err
		}
		return ev.frag, nil
	case <-c.ctx.Done():
		return Fragment{}, c.ctx.Err()
	}
}

func (c *chanConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

type fakeTransport struct {
	mu      sync.Mutex
	status  int
	openErr error
	reqs    []Request
	conns   []*chanConn
}

func (f *fakeTransport) Open(ctx context.Context, req Request) (Conn, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.reqs = append(f.reqs, req)
	if f.openErr != nil {
		return nil, 0, f.openErr
	}
	if f.status != 0 && (f.status < 200 || f.status >= 300) {
		return nil, f.status, nil
	}

	conn := &chanConn{
		events: make(chan connEvent, 16),
		ctx:    ctx,
		closed: make(chan struct{}),
	}
	f.conns = append(f.conns, conn)
	return conn, 200, nil
}

func (f *fakeTransport) waitConn(t *testing.T, n int) *chanConn {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		if len(f.conns) >= n {
			conn := f.conns[n-1]
			f.mu.Unlock()
			return conn
		}
		f.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("transport connection %d never opened", n)
	return nil
}

func (f *fakeTransport) request(t *testing.T, n int) Request {
	t.Helper()

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.reqs) < n {
		t.Fatalf("expected at least %d requests, got %d", n, len(f.reqs))
	}
	return f.reqs[n-1]
}

type countingTitler struct {
	mu    sync.Mutex
	calls []string
}

func (c *countingTitler) RequestTitle(ctx context.Context, chatID, userMessage, assistantMessage string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, userMessage)
	return nil
}

func (c *countingTitler) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

type fixture struct {
	store     *transcript.Store
	gate      *admission.Gate
	transport *fakeTransport
	titler    *countingTitler
	states    chan State
	ctrl      *Controller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	log := logger.New(logger.Config{Level: slog.LevelError})
	f := &fixture{
		store:     transcript.New(),
		transport: &fakeTransport{},
		titler:    &countingTitler{},
		states:    make(chan State, 32),
	}
	f.gate = admission.New(stubFetcher{n: 5}, log)
	if err := f.gate.Refresh(context.Background()); err != nil {
		t.Fatalf("gate refresh failed: %v", err)
	}

	f.ctrl = NewController(f.store, f.gate, f.transport, Options{
		Titler:        f.titler,
		OnStateChange: func(s State) { f.states <- s },
		Logger:        log,
	})
	return f
}

func (f *fixture) waitState(t *testing.T, want State) {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-f.states:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("state %s never reached, controller in %s", want, f.ctrl.State())
		}
	}
}

func defaultConfig() SessionConfig {
	return SessionConfig{ModelID: "gpt-4o", Temperature: 0.7, HistoryWindow: 10}
}

func TestStartStreamsToSuccessfulClose(t *testing.T) {
	f := newFixture(t)

	if err := f.ctrl.Start(context.Background(), "hello there", defaultConfig(), false); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	conn := f.transport.waitConn(t, 1)
	conn.events <- connEvent{frag: Fragment{Event: "stream", Data: "Hi "}}
	conn.events <- connEvent{frag: Fragment{Event: "stream", Data: "friend"}}
	conn.events <- connEvent{frag: Fragment{Event: "stream", IsFinal: true, ChatID: "chat-1"}}
	close(conn.events)

	f.ctrl.Wait()
	f.waitState(t, StateClosedSuccess)

	last, ok := f.store.LastTurn()
	if !ok {
		t.Fatal("no turn recorded")
	}
	if last.AssistantMessage != "Hi friend" {
		t.Errorf("assistant message = %q, want %q", last.AssistantMessage, "Hi friend")
	}
	if f.store.LastIsPending() {
		t.Error("turn still pending after successful close")
	}
	if got := f.ctrl.ChatID(); got != "chat-1" {
		t.Errorf("chat id = %q, want chat-1", got)
	}
	if got := f.gate.Remaining(); got != 4 {
		t.Errorf("remaining = %d, want 4", got)
	}
}

func TestStartRejectsConcurrentSession(t *testing.T) {
	f := newFixture(t)

	if err := f.ctrl.Start(context.Background(), "first", defaultConfig(), false); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	conn := f.transport.waitConn(t, 1)
	f.waitState(t, StateStreaming)

	if err := f.ctrl.Start(context.Background(), "second", defaultConfig(), false); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("expected ErrSessionActive, got %v", err)
	}
	if got := f.store.Len(); got != 1 {
		t.Errorf("transcript has %d turns, want 1", got)
	}

	close(conn.events)
	f.ctrl.Wait()
}

func TestStartRejectsEmptyMessage(t *testing.T) {
	f := newFixture(t)

	err := f.ctrl.Start(context.Background(), "   \n\t", defaultConfig(), false)
	if !errors.Is(err, transcript.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if f.store.Len() != 0 {
		t.Error("rejected message was recorded")
	}
}

func TestQuotaDeniedHandshakeBlocks(t *testing.T) {
	f := newFixture(t)
	f.transport.status = 403

	denied := make(chan struct{}, 1)
	f.ctrl.opts.OnAdmissionDenied = func() { denied <- struct{}{} }

	if err := f.ctrl.Start(context.Background(), "hello", defaultConfig(), false); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	f.ctrl.Wait()
	f.waitState(t, StateBlocked)

	select {
	case <-denied:
	case <-time.After(time.Second):
		t.Fatal("admission-denied callback never fired")
	}

	if !f.gate.Blocked() {
		t.Error("gate not blocked after 403 handshake")
	}
	if got := f.gate.Remaining(); got != 5 {
		t.Errorf("blocked session was billed, remaining = %d", got)
	}
	last, _ := f.store.LastTurn()
	if last.AssistantMessage != "" {
		t.Errorf("blocked turn has assistant text %q", last.AssistantMessage)
	}

	if err := f.ctrl.Start(context.Background(), "again", defaultConfig(), false); !errors.Is(err, ErrAdmissionBlocked) {
		t.Fatalf("expected ErrAdmissionBlocked, got %v", err)
	}
}

func TestTransportErrorKeepsPartial(t *testing.T) {
	f := newFixture(t)

	if err := f.ctrl.Start(context.Background(), "hello", defaultConfig(), false); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	conn := f.transport.waitConn(t, 1)
	conn.events <- connEvent{frag: Fragment{Data: "partial answ"}}
	conn.events <- connEvent{err: errors.New("connection reset")}

	f.ctrl.Wait()
	f.waitState(t, StateClosedError)

	last, _ := f.store.LastTurn()
	if last.AssistantMessage != "partial answ" {
		t.Errorf("partial text lost, got %q", last.AssistantMessage)
	}
	if !f.store.LastIsPending() {
		t.Error("failed turn was finalized")
	}
	if got := f.gate.Remaining(); got != 5 {
		t.Errorf("failed session was billed, remaining = %d", got)
	}
}

func TestRetryKeepsPartialUntilFirstFragment(t *testing.T) {
	f := newFixture(t)

	if err := f.ctrl.Start(context.Background(), "hello", defaultConfig(), false); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	conn := f.transport.waitConn(t, 1)
	conn.events <- connEvent{frag: Fragment{Data: "stale partial"}}
	conn.events <- connEvent{err: errors.New("connection reset")}
	f.ctrl.Wait()
	f.waitState(t, StateClosedError)

	if err := f.ctrl.Retry(context.Background(), false); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	retryConn := f.transport.waitConn(t, 2)
	f.waitState(t, StateStreaming)

	// Stale text stays visible until the retry actually produces output.
	last, _ := f.store.LastTurn()
	if last.AssistantMessage != "stale partial" {
		t.Errorf("stale partial dropped too early, got %q", last.AssistantMessage)
	}

	retryConn.events <- connEvent{frag: Fragment{Data: "fresh"}}
	retryConn.events <- connEvent{frag: Fragment{IsFinal: true}}
	close(retryConn.events)
	f.ctrl.Wait()
	f.waitState(t, StateClosedSuccess)

	last, _ = f.store.LastTurn()
	if last.AssistantMessage != "fresh" {
		t.Errorf("assistant message = %q, want %q", last.AssistantMessage, "fresh")
	}
	if last.IsRegeneration {
		t.Error("plain retry flagged the turn as regeneration")
	}

	req := f.transport.request(t, 2)
	if req.UserInput != "hello" {
		t.Errorf("retry resubmitted %q, want original message", req.UserInput)
	}
	if len(req.ChatHistory) != 0 {
		t.Errorf("retry history includes the retried turn: %+v", req.ChatHistory)
	}
	if req.RegenerateMessage {
		t.Error("plain retry marked as regeneration on the wire")
	}
}

func TestRetryRegenerateDiscardsPartialImmediately(t *testing.T) {
	f := newFixture(t)

	if err := f.ctrl.Start(context.Background(), "hello", defaultConfig(), false); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	conn := f.transport.waitConn(t, 1)
	conn.events <- connEvent{frag: Fragment{Data: "bad partial"}}
	conn.events <- connEvent{err: errors.New("upstream hiccup")}
	f.ctrl.Wait()
	f.waitState(t, StateClosedError)

	if err := f.ctrl.Retry(context.Background(), true); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	retryConn := f.transport.waitConn(t, 2)

	last, _ := f.store.LastTurn()
	if last.AssistantMessage != "" {
		t.Errorf("regenerate retry kept partial %q", last.AssistantMessage)
	}
	if !last.IsRegeneration {
		t.Error("turn not flagged as regeneration")
	}
	if req := f.transport.request(t, 2); !req.RegenerateMessage {
		t.Error("regenerate flag not sent on the wire")
	}

	close(retryConn.events)
	f.ctrl.Wait()
}

func TestRetryOnlyFromFailedClose(t *testing.T) {
	f := newFixture(t)

	if err := f.ctrl.Retry(context.Background(), false); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("expected ErrNotRetryable from idle, got %v", err)
	}

	if err := f.ctrl.Start(context.Background(), "hello", defaultConfig(), false); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	conn := f.transport.waitConn(t, 1)
	conn.events <- connEvent{frag: Fragment{IsFinal: true}}
	close(conn.events)
	f.ctrl.Wait()
	f.waitState(t, StateClosedSuccess)

	if err := f.ctrl.Retry(context.Background(), false); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("expected ErrNotRetryable after success, got %v", err)
	}
}

func TestCancelAwaitsTeardown(t *testing.T) {
	f := newFixture(t)

	if err := f.ctrl.Start(context.Background(), "hello", defaultConfig(), false); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	conn := f.transport.waitConn(t, 1)
	conn.events <- connEvent{frag: Fragment{Data: "partial"}}
	f.waitState(t, StateStreaming)

	if err := f.ctrl.Cancel(); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	// Cancel only returns once the transport has been torn down.
	select {
	case <-conn.closed:
	default:
		t.Fatal("Cancel returned before the connection was closed")
	}

	if got := f.ctrl.State(); got != StateClosedError {
		t.Errorf("state after cancel = %s, want %s", got, StateClosedError)
	}
	last, _ := f.store.LastTurn()
	if last.AssistantMessage != "partial" {
		t.Errorf("partial text lost on cancel, got %q", last.AssistantMessage)
	}
	if got := f.gate.Remaining(); got != 5 {
		t.Errorf("canceled session was billed, remaining = %d", got)
	}

	if err := f.ctrl.Cancel(); !errors.Is(err, ErrNotCancelable) {
		t.Fatalf("expected ErrNotCancelable, got %v", err)
	}
}

func TestTitleRequestedOncePerConversation(t *testing.T) {
	f := newFixture(t)

	runSession := func(msg string) {
		t.Helper()
		if err := f.ctrl.Start(context.Background(), msg, defaultConfig(), false); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		conn := f.transport.waitConn(t, f.store.Len())
		conn.events <- connEvent{frag: Fragment{Data: "reply to " + msg}}
		conn.events <- connEvent{frag: Fragment{IsFinal: true, ChatID: "chat-9"}}
		close(conn.events)
		f.ctrl.Wait()
		f.waitState(t, StateClosedSuccess)
	}

	runSession("opening question")

	deadline := time.Now().Add(2 * time.Second)
	for f.titler.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := f.titler.count(); got != 1 {
		t.Fatalf("title requests after first close = %d, want 1", got)
	}

	runSession("follow up")
	time.Sleep(50 * time.Millisecond)

	if got := f.titler.count(); got != 1 {
		t.Errorf("title requests after second close = %d, want 1", got)
	}
	if f.titler.calls[0] != "opening question" {
		t.Errorf("title derived from %q, want the opening exchange", f.titler.calls[0])
	}
}

func TestUseChatSkipsTitleAndSendsChatID(t *testing.T) {
	f := newFixture(t)
	f.ctrl.UseChat("chat-42")

	if err := f.ctrl.Start(context.Background(), "hello again", defaultConfig(), false); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	conn := f.transport.waitConn(t, 1)
	conn.events <- connEvent{frag: Fragment{Data: "welcome back", IsFinal: true}}
	close(conn.events)
	f.ctrl.Wait()
	f.waitState(t, StateClosedSuccess)

	req := f.transport.request(t, 1)
	if req.ChatID == nil || *req.ChatID != "chat-42" {
		t.Errorf("chat id not sent for resumed conversation: %+v", req.ChatID)
	}

	time.Sleep(50 * time.Millisecond)
	if got := f.titler.count(); got != 0 {
		t.Errorf("resumed conversation requested a title %d times", got)
	}
}

func TestStartRegenerateTruncatesLastTurn(t *testing.T) {
	f := newFixture(t)

	if err := f.ctrl.Start(context.Background(), "tell me a joke", defaultConfig(), false); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	conn := f.transport.waitConn(t, 1)
	conn.events <- connEvent{frag: Fragment{Data: "first answer", IsFinal: true}}
	close(conn.events)
	f.ctrl.Wait()
	f.waitState(t, StateClosedSuccess)

	if err := f.ctrl.Start(context.Background(), "", defaultConfig(), true); err != nil {
		t.Fatalf("regenerate Start failed: %v", err)
	}
	regenConn := f.transport.waitConn(t, 2)

	req := f.transport.request(t, 2)
	if req.UserInput != "tell me a joke" {
		t.Errorf("regeneration resubmitted %q", req.UserInput)
	}
	if len(req.ChatHistory) != 0 {
		t.Errorf("regeneration history includes the regenerated turn: %+v", req.ChatHistory)
	}
	if !req.RegenerateMessage {
		t.Error("regenerate flag not sent")
	}

	regenConn.events <- connEvent{frag: Fragment{Data: "second answer", IsFinal: true}}
	close(regenConn.events)
	f.ctrl.Wait()

	if got := f.store.Len(); got != 1 {
		t.Fatalf("transcript has %d turns after regeneration, want 1", got)
	}
	last, _ := f.store.LastTurn()
	if last.AssistantMessage != "second answer" {
		t.Errorf("assistant message = %q, want %q", last.AssistantMessage, "second answer")
	}
	if !last.IsRegeneration {
		t.Error("regenerated turn not flagged")
	}
}

func TestStartRegenerateOnEmptyTranscript(t *testing.T) {
	f := newFixture(t)

	err := f.ctrl.Start(context.Background(), "", defaultConfig(), true)
	if !errors.Is(err, ErrNothingToRegenerate) {
		t.Fatalf("expected ErrNothingToRegenerate, got %v", err)
	}
}

func (f *fixture) nextState(t *testing.T) State {
	t.Helper()

	select {
	case s := <-f.states:
		return s
	case <-time.After(2 * time.Second):
		t.Fatalf("no state notification arrived, controller in %s", f.ctrl.State())
		return StateIdle
	}
}

func TestConnectingNotifiedBeforeLaterStates(t *testing.T) {
	f := newFixture(t)

	if err := f.ctrl.Start(context.Background(), "hello", defaultConfig(), false); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	conn := f.transport.waitConn(t, 1)
	conn.events <- connEvent{frag: Fragment{Data: "hi", IsFinal: true}}
	close(conn.events)
	f.ctrl.Wait()

	want := []State{StateConnecting, StateStreaming, StateClosedSuccess}
	for i, w := range want {
		if got := f.nextState(t); got != w {
			t.Fatalf("notification %d = %s, want %s", i, got, w)
		}
	}
}

func TestChatIDAdoptedOnlyFromTerminalFragment(t *testing.T) {
	f := newFixture(t)

	if err := f.ctrl.Start(context.Background(), "hello", defaultConfig(), false); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	conn := f.transport.waitConn(t, 1)
	conn.events <- connEvent{frag: Fragment{Data: "partial", ChatID: "mid-stream-id"}}

	// Wait for the fragment to be applied before checking the id.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if last, ok := f.store.LastTurn(); ok && last.AssistantMessage == "partial" {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if got := f.ctrl.ChatID(); got != "" {
		t.Errorf("chat id adopted from a mid-stream fragment: %q", got)
	}

	conn.events <- connEvent{frag: Fragment{IsFinal: true, ChatID: "chat-7"}}
	close(conn.events)
	f.ctrl.Wait()
	f.waitState(t, StateClosedSuccess)

	if got := f.ctrl.ChatID(); got != "chat-7" {
		t.Errorf("chat id = %q, want chat-7", got)
	}
}

func TestLateErrorAfterSuccessfulCloseIgnored(t *testing.T) {
	f := newFixture(t)

	if err := f.ctrl.Start(context.Background(), "hello", defaultConfig(), false); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	conn := f.transport.waitConn(t, 1)
	conn.events <- connEvent{frag: Fragment{Data: "answer", IsFinal: true}}
	close(conn.events)
	f.ctrl.Wait()
	f.waitState(t, StateClosedSuccess)

	f.ctrl.closeWithError(errors.New("late teardown"))

	if got := f.ctrl.State(); got != StateClosedSuccess {
		t.Errorf("state after late error = %s, want %s", got, StateClosedSuccess)
	}
	if f.store.LastIsPending() {
		t.Error("late error re-opened the finalized turn")
	}
	if got := f.gate.Remaining(); got != 4 {
		t.Errorf("remaining = %d, want exactly one generation consumed", got)
	}
}

func TestLateSuccessAfterCancelIgnored(t *testing.T) {
	f := newFixture(t)

	if err := f.ctrl.Start(context.Background(), "hello", defaultConfig(), false); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	conn := f.transport.waitConn(t, 1)
	conn.events <- connEvent{frag: Fragment{Data: "partial"}}
	f.waitState(t, StateStreaming)

	if err := f.ctrl.Cancel(); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	// A graceful-close signal landing after the cancel settled must lose.
	f.ctrl.closeSuccessfully()

	if got := f.ctrl.State(); got != StateClosedError {
		t.Errorf("state after late success = %s, want %s", got, StateClosedError)
	}
	if !f.store.LastIsPending() {
		t.Error("late success finalized the canceled turn")
	}
	if got := f.gate.Remaining(); got != 5 {
		t.Errorf("canceled session was billed, remaining = %d", got)
	}

	time.Sleep(50 * time.Millisecond)
	if got := f.titler.count(); got != 0 {
		t.Errorf("late success requested a title %d times", got)
	}
}

func TestHistorySentWithRequest(t *testing.T) {
	f := newFixture(t)

	f.store.LoadFromLog([]transcript.LogEntry{
		{UserMessage: "u1", AssistantMessage: "a1", UpdatedAt: time.Unix(1, 0)},
		{UserMessage: "u2", AssistantMessage: "a2", UpdatedAt: time.Unix(2, 0)},
	})

	if err := f.ctrl.Start(context.Background(), "u3", defaultConfig(), false); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	conn := f.transport.waitConn(t, 1)

	req := f.transport.request(t, 1)
	want := []HistoryEntry{
		{AIMessage: "a1", UserMessage: "u1"},
		{AIMessage: "a2", UserMessage: "u2"},
	}
	if len(req.ChatHistory) != len(want) {
		t.Fatalf("history length = %d, want %d", len(req.ChatHistory), len(want))
	}
	for i := range want {
		if req.ChatHistory[i] != want[i] {
			t.Errorf("history[%d] = %+v, want %+v", i, req.ChatHistory[i], want[i])
		}
	}

	close(conn.events)
	f.ctrl.Wait()
}
