package apis

import (
	"errors"
	"sync"
	"time"
)

// ErrBudgetExhausted is returned when the rolling window has no calls left.
var ErrBudgetExhausted = errors.New("aggregator call budget exhausted")

// CallBudget bounds aggregator calls within any rolling window. It keeps the
// issue time of every call still inside the window.
type CallBudget struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu     sync.Mutex
	issued []time.Time // ascending
}

// NewCallBudget creates a budget allowing limit calls per rolling window.
func NewCallBudget(limit int, window time.Duration) *CallBudget {
	if window <= 0 {
		window = time.Minute
	}
	if limit < 0 {
		limit = 0
	}

	return &CallBudget{
		limit:  limit,
		window: window,
		now:    time.Now,
		issued: make([]time.Time, 0, limit),
	}
}

// Remaining returns the number of calls that may be issued now.
func (b *CallBudget) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.prune(b.now())
	return b.limit - len(b.issued)
}

// Take records one call, or returns ErrBudgetExhausted when the window is full.
func (b *CallBudget) Take() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.prune(now)
	if len(b.issued) >= b.limit {
		return ErrBudgetExhausted
	}

	b.issued = append(b.issued, now)
	return nil
}

// prune drops calls that left the window ending at now (caller must hold lock)
func (b *CallBudget) prune(now time.Time) {
	cutoff := now.Add(-b.window)

	n := 0
	for n < len(b.issued) && !b.issued[n].After(cutoff) {
		n++
	}
	if n > 0 {
		b.issued = append(b.issued[:0], b.issued[n:]...)
	}
}
