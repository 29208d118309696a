// Package stream drives one conversation's streaming sessions. The
// controller owns the session state machine, writes incoming fragments into
// the transcript, settles the admission gate on close, and kicks off title
// generation after the first successful exchange.
package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/chatwithllms/chatstream/internal/admission"
	"github.com/chatwithllms/chatstream/internal/logger"
	"github.com/chatwithllms/chatstream/internal/transcript"
)

// titleTimeout bounds the fire-and-forget title request.
const titleTimeout = 30 * time.Second

// SessionConfig carries the per-request generation parameters.
type SessionConfig struct {
	// ModelID selects the backend model.
	ModelID string

	// Temperature is passed through to the model.
	Temperature float64

	// HistoryWindow is the number of prior turns sent upstream. The
	// transcript clamps it to the allowed range.
	HistoryWindow int
}

// Options configures a Controller. All callbacks are optional and are
// invoked from the session goroutine, never while controller locks are held.
type Options struct {
	// Titler receives the one-time title request after the first successful
	// close. Nil disables title generation.
	Titler TitleRequester

	// OnFragment is invoked for every fragment written to the transcript.
	OnFragment func(text string)

	// OnStateChange is invoked after every state transition.
	OnStateChange func(s State)

	// OnAdmissionDenied is invoked when a handshake is rejected with a
	// quota-denied status.
	OnAdmissionDenied func()

	Logger *logger.Logger
}

// Controller runs streaming sessions for a single conversation.
//
// At most one session is in flight at a time. A finished session leaves the
// controller in a terminal state from which the next Start or Retry is
// allowed; Connecting and Streaming reject everything but Cancel.
type Controller struct {
	store     *transcript.Store
	gate      *admission.Gate
	transport Transport
	opts      Options
	log       *logger.Logger

	mu        sync.Mutex
	state     State
	chatID    string
	titleDone bool

	pending         transcript.Handle
	lastUserMessage string
	lastConfig      SessionConfig
	replacePartial  bool
	terminal        bool
	cancelSession   context.CancelFunc
	done            chan struct{}
}

// NewController creates an idle controller bound to a transcript and an
// admission gate.
func NewController(store *transcript.Store, gate *admission.Gate, transport Transport, opts Options) *Controller {
	log := opts.Logger
	if log == nil {
		log = logger.New(logger.Config{Level: slog.LevelInfo})
	}

	return &Controller{
		store:     store,
		gate:      gate,
		transport: transport,
		opts:      opts,
		log:       log.WithComponent("stream-controller"),
		state:     StateIdle,
	}
}

// UseChat binds the controller to an existing persisted conversation. The
// chat already has a title, so the one-time title request is not armed.
func (c *Controller) UseChat(chatID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.chatID = chatID
	c.titleDone = true
}

// State returns the current session state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ChatID returns the server-assigned conversation id, or "" while the
// conversation has not been persisted yet.
func (c *Controller) ChatID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chatID
}

// Wait blocks until the in-flight session goroutine has exited. Returns
// immediately if no session was ever started.
func (c *Controller) Wait() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()

	if done != nil {
		<-done
	}
}

// Start begins a new streaming session.
//
// With regenerate false the user message is appended as a new pending turn.
// With regenerate true the last turn's assistant reply is discarded and the
// same user message is resubmitted; userMessage is ignored in that case.
//
// Returns ErrSessionActive while a session is in flight, ErrAdmissionBlocked
// while the gate is blocked, and transcript.ErrInvalidInput for an empty
// message.
func (c *Controller) Start(ctx context.Context, userMessage string, cfg SessionConfig, regenerate bool) error {
	c.mu.Lock()

	if c.state != StateIdle && !c.state.Terminal() {
		c.mu.Unlock()
		return ErrSessionActive
	}
	if !c.gate.CanStart() {
		c.mu.Unlock()
		return ErrAdmissionBlocked
	}

	var (
		h    transcript.Handle
		hist []HistoryEntry
		err  error
	)

	if regenerate {
		last, ok := c.store.LastTurn()
		if !ok {
			c.mu.Unlock()
			return ErrNothingToRegenerate
		}
		h, _ = c.store.LastHandle()
		userMessage = last.UserMessage

		// History stops before the turn being regenerated.
		hist = toHistory(c.store.BoundedHistory(cfg.HistoryWindow))
		if len(hist) > 0 {
			hist = hist[:len(hist)-1]
		}

		if err = c.store.TruncateLastAssistant(h); err != nil {
			c.mu.Unlock()
			return err
		}
		if err = c.store.MarkRegeneration(h); err != nil {
			c.mu.Unlock()
			return err
		}
	} else {
		hist = toHistory(c.store.BoundedHistory(cfg.HistoryWindow))
		h, err = c.store.Append(userMessage, cfg.ModelID)
		if err != nil {
			c.mu.Unlock()
			return err
		}
	}

	c.pending = h
	c.lastUserMessage = userMessage
	c.lastConfig = cfg
	c.replacePartial = false

	req := c.buildRequest(userMessage, hist, cfg, regenerate)
	run := c.launch(ctx, req)
	c.mu.Unlock()

	c.notifyState(StateConnecting)
	run()
	return nil
}

// Retry resubmits the last user message after a failed close.
//
// With regenerate false any partial assistant text is kept on screen and
// replaced only when the first fragment of the new attempt lands. With
// regenerate true the partial text is discarded immediately and the turn is
// flagged as a regeneration.
func (c *Controller) Retry(ctx context.Context, regenerate bool) error {
	c.mu.Lock()

	if c.state != StateClosedError {
		c.mu.Unlock()
		return ErrNotRetryable
	}
	if !c.gate.CanStart() {
		c.mu.Unlock()
		return ErrAdmissionBlocked
	}

	h := c.pending
	cfg := c.lastConfig
	userMessage := c.lastUserMessage

	if regenerate {
		if err := c.store.TruncateLastAssistant(h); err != nil {
			c.mu.Unlock()
			return err
		}
		if err := c.store.MarkRegeneration(h); err != nil {
			c.mu.Unlock()
			return err
		}
		c.replacePartial = false
	} else {
		c.replacePartial = true
	}

	// History stops before the turn being retried.
	hist := toHistory(c.store.BoundedHistory(cfg.HistoryWindow))
	if len(hist) > 0 {
		hist = hist[:len(hist)-1]
	}

	req := c.buildRequest(userMessage, hist, cfg, regenerate)
	run := c.launch(ctx, req)
	c.mu.Unlock()

	c.notifyState(StateConnecting)
	run()
	return nil
}

// Cancel aborts the in-flight session and waits for the transport to tear
// down. The canceled session closes as an error and is not billed; any
// partial assistant text stays on the pending turn.
func (c *Controller) Cancel() error {
	c.mu.Lock()
	if c.state != StateConnecting && c.state != StateStreaming {
		c.mu.Unlock()
		return ErrNotCancelable
	}
	cancel := c.cancelSession
	done := c.done
	c.mu.Unlock()

	cancel()
	<-done
	return nil
}

// launch arms the session. Caller holds c.mu. The session goroutine is
// started by the returned function, which the caller invokes after emitting
// the Connecting notification so a fast session cannot deliver a later state
// first.
func (c *Controller) launch(ctx context.Context, req Request) func() {
	sessionCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	c.state = StateConnecting
	c.terminal = false
	c.cancelSession = cancel
	c.done = done

	return func() { go c.run(sessionCtx, cancel, req, done) }
}

// buildRequest assembles the wire payload. Caller holds c.mu.
func (c *Controller) buildRequest(userMessage string, hist []HistoryEntry, cfg SessionConfig, regenerate bool) Request {
	req := Request{
		UserInput:         userMessage,
		ChatHistory:       hist,
		ChatModel:         cfg.ModelID,
		Temperature:       cfg.Temperature,
		RegenerateMessage: regenerate,
	}
	if c.chatID != "" {
		id := c.chatID
		req.ChatID = &id
	}
	return req
}

func (c *Controller) run(ctx context.Context, cancel context.CancelFunc, req Request, done chan struct{}) {
	defer close(done)
	defer cancel()

	conn, status, err := c.transport.Open(ctx, req)
	if err != nil {
		c.closeWithError(err)
		return
	}

	if !c.handleOpen(status) {
		if conn != nil {
			conn.Close()
		}
		return
	}
	defer conn.Close()

	for {
		frag, err := conn.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.closeSuccessfully()
			} else {
				c.closeWithError(err)
			}
			return
		}
		c.handleFragment(frag)
	}
}

// handleOpen applies the handshake outcome and reports whether the session
// entered Streaming.
func (c *Controller) handleOpen(status int) bool {
	c.mu.Lock()
	if c.terminal {
		c.mu.Unlock()
		return false
	}

	switch {
	case status >= 200 && status < 300:
		c.state = StateStreaming
		c.mu.Unlock()
		c.notifyState(StateStreaming)
		return true

	case status == http.StatusForbidden:
		c.state = StateBlocked
		c.terminal = true
		c.mu.Unlock()

		c.gate.MarkBlocked()
		c.log.Warn("stream handshake denied by quota", slog.Int("status", status))
		if c.opts.OnAdmissionDenied != nil {
			c.opts.OnAdmissionDenied()
		}
		c.notifyState(StateBlocked)
		return false

	default:
		c.state = StateClosedError
		c.terminal = true
		c.mu.Unlock()

		c.log.Error("stream handshake failed", slog.Int("status", status))
		c.notifyState(StateClosedError)
		return false
	}
}

func (c *Controller) handleFragment(frag Fragment) {
	c.mu.Lock()
	if c.state != StateStreaming {
		c.mu.Unlock()
		return
	}
	h := c.pending
	replace := c.replacePartial
	c.replacePartial = false
	if frag.IsFinal && frag.ChatID != "" && c.chatID == "" {
		c.chatID = frag.ChatID
	}
	c.mu.Unlock()

	// A plain retry keeps the stale partial visible until the new attempt
	// actually produces text.
	if replace {
		if err := c.store.TruncateLastAssistant(h); err != nil {
			c.log.Error("dropping stale partial failed", slog.Any("error", err))
		}
	}

	if frag.Data == "" {
		return
	}
	if err := c.store.AppendFragment(h, frag.Data); err != nil {
		c.log.Error("fragment write failed", slog.Any("error", err))
		return
	}
	if c.opts.OnFragment != nil {
		c.opts.OnFragment(frag.Data)
	}
}

// closeSuccessfully settles a gracefully ended stream: the pending turn is
// finalized, one generation is consumed, and the first success arms the
// title request.
func (c *Controller) closeSuccessfully() {
	c.mu.Lock()
	if c.terminal {
		c.mu.Unlock()
		return
	}
	c.terminal = true
	c.state = StateClosedSuccess

	h := c.pending
	chatID := c.chatID
	firstClose := !c.titleDone
	if firstClose {
		c.titleDone = true
	}
	c.mu.Unlock()

	c.store.Finalize(h)
	c.gate.ConsumeOne()

	if firstClose && c.opts.Titler != nil {
		if first, ok := c.store.FirstTurn(); ok {
			go c.requestTitle(chatID, first)
		}
	}

	c.notifyState(StateClosedSuccess)
}

// closeWithError settles a broken or canceled stream. The pending turn keeps
// its partial text and stays unfinalized; nothing is billed.
func (c *Controller) closeWithError(cause error) {
	c.mu.Lock()
	if c.terminal {
		c.mu.Unlock()
		return
	}
	c.terminal = true
	c.state = StateClosedError
	c.mu.Unlock()

	if errors.Is(cause, context.Canceled) {
		c.log.Info("stream canceled")
	} else {
		c.log.Error("stream failed", slog.Any("error", cause))
	}
	c.notifyState(StateClosedError)
}

func (c *Controller) requestTitle(chatID string, first transcript.Turn) {
	ctx, cancel := context.WithTimeout(context.Background(), titleTimeout)
	defer cancel()

	err := c.opts.Titler.RequestTitle(ctx, chatID, first.UserMessage, first.AssistantMessage)
	if err != nil {
		c.log.Warn("title generation failed", slog.Any("error", err))
	}
}

func (c *Controller) notifyState(s State) {
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(s)
	}
}

func toHistory(turns []transcript.Turn) []HistoryEntry {
	out := make([]HistoryEntry, 0, len(turns))
	for _, t := range turns {
		out = append(out, HistoryEntry{
			AIMessage:   t.AssistantMessage,
			UserMessage: t.UserMessage,
		})
	}
	return out
}
