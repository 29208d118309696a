package stream

import (
	"context"
	"errors"
)

// State is the lifecycle state of a stream session.
type State string

const (
	// StateIdle means no session has been started yet.
	StateIdle State = "idle"
	// StateConnecting means the handshake with the backend is in flight.
	StateConnecting State = "connecting"
	// StateStreaming means the handshake succeeded and fragments are arriving.
	StateStreaming State = "streaming"
	// StateBlocked means the backend denied the handshake because the usage
	// quota is exhausted.
	StateBlocked State = "blocked"
	// StateClosedSuccess means the stream ended with a terminal fragment.
	StateClosedSuccess State = "closed_success"
	// StateClosedError means the stream ended on a transport or protocol
	// failure, or was canceled.
	StateClosedError State = "closed_error"
)

// Terminal reports whether the state allows a new session to be started.
func (s State) Terminal() bool {
	switch s {
	case StateBlocked, StateClosedSuccess, StateClosedError:
		return true
	}
	return false
}

var (
	// ErrSessionActive is returned when a session is started while another
	// one is still connecting or streaming.
	ErrSessionActive = errors.New("stream: session already active")

	// ErrAdmissionBlocked is returned when a session is started while the
	// admission gate is in the blocked state.
	ErrAdmissionBlocked = errors.New("stream: admission blocked")

	// ErrNotRetryable is returned when Retry is called from any state other
	// than a failed close.
	ErrNotRetryable = errors.New("stream: session is not retryable")

	// ErrNotCancelable is returned when Cancel is called while no session is
	// in flight.
	ErrNotCancelable = errors.New("stream: no session in flight")

	// ErrNothingToRegenerate is returned when a regeneration is requested on
	// an empty transcript.
	ErrNothingToRegenerate = errors.New("stream: no turn to regenerate")
)

// HistoryEntry is one prior exchange sent upstream with a request.
type HistoryEntry struct {
	AIMessage   string `json:"ai_message"`
	UserMessage string `json:"user_message"`
}

// Request is the payload of a streaming chat request.
type Request struct {
	UserInput         string         `json:"user_input"`
	ChatHistory       []HistoryEntry `json:"chat_history"`
	ChatModel         string         `json:"chat_model"`
	Temperature       float64        `json:"temperature"`
	ChatID            *string        `json:"chat_id,omitempty"`
	RegenerateMessage bool           `json:"regenerate_message"`
}

// Fragment is one event received from an open stream.
type Fragment struct {
	Event   string `json:"event"`
	Data    string `json:"data"`
	IsFinal bool   `json:"is_final"`
	ChatID  string `json:"chat_id,omitempty"`
}

// Conn is an open stream of fragments. Recv returns io.EOF after the
// terminal fragment has been delivered and the stream closed cleanly; any
// other error means the stream broke mid-flight.
type Conn interface {
	Recv() (Fragment, error)
	Close() error
}

// Transport opens streaming sessions against the backend. The returned
// status is the handshake HTTP status code; a Conn is only returned for a
// successful handshake. Implementations must honor ctx cancellation on both
// the handshake and subsequent Recv calls.
type Transport interface {
	Open(ctx context.Context, req Request) (Conn, int, error)
}

// TitleRequester asks the backend to derive a conversation title from the
// opening exchange. Invoked at most once per conversation.
type TitleRequester interface {
	RequestTitle(ctx context.Context, chatID, userMessage, assistantMessage string) error
}
