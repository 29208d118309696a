// Package transcript maintains the ordered log of exchanged turns for a
// single conversation. It owns turn ordering, the pending-turn invariant,
// regeneration collapse on log replay, and the bounded history window sent
// upstream with each new request.
package transcript

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// minHistoryWindow is the smallest allowed bounded history window.
	minHistoryWindow = 10

	// maxHistoryWindow is the largest allowed bounded history window.
	maxHistoryWindow = 30
)

var (
	// ErrInvalidInput is returned when a user message is empty or whitespace-only.
	ErrInvalidInput = errors.New("transcript: invalid input")

	// ErrStaleHandle is returned when an operation addresses a turn that can no
	// longer be mutated (finalized, or superseded by a newer turn for operations
	// that require the last turn).
	ErrStaleHandle = errors.New("transcript: stale turn handle")
)

// Turn is one user/assistant exchange.
type Turn struct {
	// UserMessage is the user's input. Immutable once the turn is created.
	UserMessage string

	// AssistantMessage is the assistant reply, built up incrementally from
	// stream fragments until the turn is finalized.
	AssistantMessage string

	// ModelID identifies the backend model that produced (or will produce)
	// the assistant reply.
	ModelID string

	// IsRegeneration is true if this turn replaces a previous assistant reply
	// for the same user message.
	IsRegeneration bool
}

// LogEntry is one row of a persisted turn log, as returned by the backend.
type LogEntry struct {
	UserMessage      string
	AssistantMessage string
	ModelID          string
	IsRegeneration   bool
	UpdatedAt        time.Time
}

// Handle identifies a turn for mutation. Handles are only valid against the
// store that issued them.
type Handle struct {
	id uint64
}

type turn struct {
	Turn
	id        uint64
	finalized bool
}

// Store is the ordered, append-only-by-turn log of a conversation.
//
// At most one turn is pending (accepting fragments) at any time; all turns
// are ordered by creation sequence and never reordered. The single-pending
// invariant is upheld by the stream controller, which is the only writer.
type Store struct {
	mu     sync.Mutex
	turns  []turn
	nextID uint64
}

// New creates an empty transcript store.
func New() *Store {
	return &Store{nextID: 1}
}

// Append adds a new turn with an empty assistant message and returns a handle
// addressing it as the currently pending turn.
//
// Returns ErrInvalidInput if userMessage is empty or whitespace-only.
func (s *Store) Append(userMessage, modelID string) (Handle, error) {
	if strings.TrimSpace(userMessage) == "" {
		return Handle{}, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++

	s.turns = append(s.turns, turn{
		Turn: Turn{
			UserMessage: userMessage,
			ModelID:     modelID,
		},
		id: id,
	})

	return Handle{id: id}, nil
}

// AppendFragment concatenates text onto the addressed turn's assistant
// message.
//
// A fragment for a turn that is no longer the last one is silently dropped:
// after a fast retry a late fragment from the previous attempt must not
// land on the wrong turn. A fragment for the last turn after it has been
// finalized is a programming error and returns ErrStaleHandle.
func (s *Store) AppendFragment(h Handle, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	last := s.last()
	if last == nil || last.id != h.id {
		return nil
	}
	if last.finalized {
		return ErrStaleHandle
	}

	last.AssistantMessage += text
	return nil
}

// Finalize marks the addressed turn immutable. No further fragments are
// accepted for it. Finalizing a turn that has already been superseded or
// finalized is a no-op.
func (s *Store) Finalize(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if last := s.last(); last != nil && last.id == h.id {
		last.finalized = true
	}
}

// TruncateLastAssistant clears the assistant message on the addressed turn
// and re-opens it for fragment writes. Used by retry and regeneration.
//
// Returns ErrStaleHandle if the handle no longer addresses the last turn.
func (s *Store) TruncateLastAssistant(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	last := s.last()
	if last == nil || last.id != h.id {
		return ErrStaleHandle
	}

	last.AssistantMessage = ""
	last.finalized = false
	return nil
}

// MarkRegeneration flags the addressed turn as a regeneration of the reply
// it replaces. Returns ErrStaleHandle if the handle no longer addresses the
// last turn.
func (s *Store) MarkRegeneration(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	last := s.last()
	if last == nil || last.id != h.id {
		return ErrStaleHandle
	}

	last.IsRegeneration = true
	return nil
}

// LoadFromLog replaces the transcript wholesale with the given persisted
// entries.
//
// Entries are ordered by UpdatedAt ascending, then collapsed: a turn flagged
// as a regeneration discards the turn immediately preceding it, so the
// visible log never shows a superseded assistant reply. A regeneration flag
// on the very first entry is ignored since there is nothing to collapse.
// Loading the same log twice yields an identical transcript.
func (s *Store) LoadFromLog(entries []LogEntry) {
	sorted := make([]LogEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].UpdatedAt.Before(sorted[j].UpdatedAt)
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	s.turns = s.turns[:0]
	for _, e := range sorted {
		if e.IsRegeneration && len(s.turns) > 0 {
			s.turns = s.turns[:len(s.turns)-1]
		}

		id := s.nextID
		s.nextID++

		s.turns = append(s.turns, turn{
			Turn: Turn{
				UserMessage:      e.UserMessage,
				AssistantMessage: e.AssistantMessage,
				ModelID:          e.ModelID,
				IsRegeneration:   e.IsRegeneration,
			},
			id:        id,
			finalized: true,
		})
	}
}

// BoundedHistory returns the most recent turns in conversation order, up to
// the given limit. The limit is clamped to the allowed window range before
// being applied, so callers cannot request arbitrarily large contexts.
func (s *Store) BoundedHistory(limit int) []Turn {
	if limit < minHistoryWindow {
		limit = minHistoryWindow
	}
	if limit > maxHistoryWindow {
		limit = maxHistoryWindow
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	start := len(s.turns) - limit
	if start < 0 {
		start = 0
	}

	out := make([]Turn, 0, len(s.turns)-start)
	for _, t := range s.turns[start:] {
		out = append(out, t.Turn)
	}
	return out
}

// Turns returns a copy of the full transcript in conversation order.
func (s *Store) Turns() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Turn, 0, len(s.turns))
	for _, t := range s.turns {
		out = append(out, t.Turn)
	}
	return out
}

// Len returns the number of turns in the transcript.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns)
}

// FirstTurn returns the first turn of the conversation, if any.
func (s *Store) FirstTurn() (Turn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.turns) == 0 {
		return Turn{}, false
	}
	return s.turns[0].Turn, true
}

// LastTurn returns the most recent turn, if any.
func (s *Store) LastTurn() (Turn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	last := s.last()
	if last == nil {
		return Turn{}, false
	}
	return last.Turn, true
}

// LastHandle returns a handle addressing the most recent turn, if any.
func (s *Store) LastHandle() (Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	last := s.last()
	if last == nil {
		return Handle{}, false
	}
	return Handle{id: last.id}, true
}

// LastIsPending reports whether the last turn is still accepting fragments.
func (s *Store) LastIsPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	last := s.last()
	return last != nil && !last.finalized
}

func (s *Store) last() *turn {
	if len(s.turns) == 0 {
		return nil
	}
	return &s.turns[len(s.turns)-1]
}
