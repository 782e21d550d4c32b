package chains

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
)

// Handle owns one live swap listener. Dispose detaches it exactly once.
type Handle struct {
	Pool common.Address

	sub    event.Subscription
	cancel context.CancelFunc
	once   sync.Once
}

// NewHandle wraps a subscription and the cancel func of its consumer goroutine.
func NewHandle(pool common.Address, sub event.Subscription, cancel context.CancelFunc) *Handle {
	return &Handle{Pool: pool, sub: sub, cancel: cancel}
}

// Dispose stops the consumer and unsubscribes from the node.
func (h *Handle) Dispose() {
	h.once.Do(func() {
		if h.cancel != nil {
			h.cancel()
		}
		if h.sub != nil {
			h.sub.Unsubscribe()
		}
	})
}

// Registry maps token addresses to their live listener. At most one listener per
// token exists at any time; a token is first reserved, then committed or released.
type Registry struct {
	mu        sync.Mutex
	handles   map[string]*Handle
	pending   map[string]uint64 // address -> reservation ticket
	tickets   uint64
	cooldowns map[string]time.Time
	now       func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handles:   make(map[string]*Handle),
		pending:   make(map[string]uint64),
		cooldowns: make(map[string]time.Time),
		now:       time.Now,
	}
}

// Reserve claims address for subscription and returns the reservation ticket. It
// returns false when the token is already subscribed, being subscribed, or cooling
// down after a failed resolution.
func (r *Registry) Reserve(address string) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handles[address]; ok {
		return 0, false
	}
	if _, ok := r.pending[address]; ok {
		return 0, false
	}
	if until, ok := r.cooldowns[address]; ok {
		if r.now().Before(until) {
			return 0, false
		}
		delete(r.cooldowns, address)
	}

	r.tickets++
	r.pending[address] = r.tickets
	return r.tickets, true
}

// Commit stores the handle of a reserved token. It reports false and disposes h
// when the reservation was invalidated by a Reset in the meantime.
func (r *Registry) Commit(address string, ticket uint64, h *Handle) bool {
	r.mu.Lock()
	reserved := r.pending[address] == ticket
	if reserved {
		delete(r.pending, address)
		r.handles[address] = h
	}
	r.mu.Unlock()

	if !reserved {
		h.Dispose()
	}
	return reserved
}

// Release drops a reservation that did not lead to a subscription.
func (r *Registry) Release(address string, ticket uint64) {
	r.mu.Lock()
	if r.pending[address] == ticket {
		delete(r.pending, address)
	}
	r.mu.Unlock()
}

// Cooldown blocks new reservations of address for d.
func (r *Registry) Cooldown(address string, d time.Duration) {
	if d <= 0 {
		return
	}

	r.mu.Lock()
	r.cooldowns[address] = r.now().Add(d)
	r.mu.Unlock()
}

// Drop removes and disposes the handle of address if it is still h.
func (r *Registry) Drop(address string, h *Handle) bool {
	r.mu.Lock()
	current, ok := r.handles[address]
	if ok && current == h {
		delete(r.handles, address)
	}
	r.mu.Unlock()

	if ok && current == h {
		h.Dispose()
		return true
	}
	return false
}

// Reset disposes every handle and clears all reservations. Cooldowns survive.
func (r *Registry) Reset() int {
	r.mu.Lock()
	handles := r.handles
	r.handles = make(map[string]*Handle)
	r.pending = make(map[string]uint64)
	r.mu.Unlock()

	for _, h := range handles {
		h.Dispose()
	}
	return len(handles)
}

// Has reports whether address has a live listener.
func (r *Registry) Has(address string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.handles[address]
	return ok
}

// Len returns the number of live listeners.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.handles)
}

// Pool returns the pool bound to address.
func (r *Registry) Pool(address string) (common.Address, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.handles[address]
	if !ok {
		return common.Address{}, false
	}
	return h.Pool, true
}
