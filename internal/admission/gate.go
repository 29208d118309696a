// Package admission tracks the client-side view of the server-enforced
// generation quota. The gate mirrors the backend counter optimistically and
// flips to a blocked state when the transport reports a quota-denied
// handshake; only a fresh Refresh (after a purchase) clears the block.
package admission

import (
	"context"
	"log/slog"
	"sync"

	"github.com/chatwithllms/chatstream/internal/logger"
)

// QuotaFetcher retrieves the current allowance from the backend.
type QuotaFetcher interface {
	// Generations returns the number of generations the user has left.
	Generations(ctx context.Context) (int, error)
}

// Gate is the client-side usage-quota tracker.
type Gate struct {
	mu        sync.Mutex
	remaining int
	blocked   bool

	fetcher QuotaFetcher
	logger  *logger.Logger
}

// New creates a gate backed by the given fetcher. The gate starts unblocked
// with zero remaining; call Refresh before relying on the counter.
func New(fetcher QuotaFetcher, log *logger.Logger) *Gate {
	return &Gate{
		fetcher: fetcher,
		logger:  log.WithComponent("admission-gate"),
	}
}

// Refresh fetches the current allowance from the backend and replaces the
// local state wholesale, clearing any blocked flag.
func (g *Gate) Refresh(ctx context.Context) error {
	remaining, err := g.fetcher.Generations(ctx)
	if err != nil {
		return err
	}

	g.mu.Lock()
	g.remaining = remaining
	g.blocked = false
	g.mu.Unlock()

	g.logger.Debug("admission state refreshed", slog.Int("remaining", remaining))
	return nil
}

// ConsumeOne decrements the remaining allowance by one, never below zero.
// Called on every successfully closed stream session, regardless of how much
// text was produced.
func (g *Gate) ConsumeOne() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.remaining > 0 {
		g.remaining--
	}
}

// MarkBlocked flips the gate to the blocked state. The gate stays blocked
// until the next Refresh; there is no local unblock operation.
func (g *Gate) MarkBlocked() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.blocked {
		g.blocked = true
		g.logger.Warn("admission blocked by server")
	}
}

// CanStart reports whether a new stream session may be started.
func (g *Gate) CanStart() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.blocked
}

// Remaining returns the locally tracked allowance.
func (g *Gate) Remaining() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.remaining
}

// Blocked reports whether the gate is in the blocked state.
func (g *Gate) Blocked() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.blocked
}
