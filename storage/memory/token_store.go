// Package memory provides an in-process TokenStore with the same merge semantics as the Postgres store
package memory

import (
	"context"
	"math"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/sljivkov/dexoracle/domain"
	"github.com/sljivkov/dexoracle/storage"
)

// watcherBuffer is the per-watcher insert backlog. Inserts beyond it are dropped for that watcher.
const watcherBuffer = 64

// TokenStore is an in-memory implementation of storage.TokenStore.
type TokenStore struct {
	mu        sync.RWMutex
	tokens    map[string]domain.Token          // keyed by address
	snapshots map[string]*domain.PriceSnapshot // keyed by address
	attempted map[string]time.Time             // reconcile_attempted_at
	watchers  map[chan domain.Token]struct{}
}

// NewTokenStore creates an empty in-memory token store.
func NewTokenStore() *TokenStore {
	return &TokenStore{
		tokens:    make(map[string]domain.Token),
		snapshots: make(map[string]*domain.PriceSnapshot),
		attempted: make(map[string]time.Time),
		watchers:  make(map[chan domain.Token]struct{}),
	}
}

var _ storage.TokenStore = (*TokenStore)(nil)

// InsertToken registers a token and notifies watchers. Returns ErrDuplicateKey if the address exists.
func (s *TokenStore) InsertToken(_ context.Context, token domain.Token) error {
	token.Address = domain.NormalizeAddress(token.Address)
	if token.Address == "" {
		return storage.ErrInvalidInput
	}
	if token.RegisteredAt.IsZero() {
		token.RegisteredAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tokens[token.Address]; exists {
		return storage.ErrDuplicateKey
	}
	s.tokens[token.Address] = token

	for ch := range s.watchers {
		select {
		case ch <- token:
		default:
		}
	}

	return nil
}

// ListTokens returns every registered token ordered by address.
func (s *TokenStore) ListTokens(_ context.Context) ([]domain.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Token, 0, len(s.tokens))
	for _, t := range s.tokens {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })

	return out, nil
}

// GetToken retrieves a token by address. Returns ErrNotFound if not registered.
func (s *TokenStore) GetToken(_ context.Context, address string) (domain.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tokens[domain.NormalizeAddress(address)]
	if !ok {
		return domain.Token{}, storage.ErrNotFound
	}

	return t, nil
}

// GetSnapshot retrieves the snapshot of a token. Returns ErrNotFound if never written.
func (s *TokenStore) GetSnapshot(_ context.Context, address string) (domain.PriceSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[domain.NormalizeAddress(address)]
	if !ok {
		return domain.PriceSnapshot{}, storage.ErrNotFound
	}

	return copySnapshot(snap), nil
}

// ApplyPriceUpdate merges a swap-path update under the price timestamp guard.
func (s *TokenStore) ApplyPriceUpdate(_ context.Context, u domain.PriceUpdate) (bool, error) {
	if !validPrice(u.PriceUSD) {
		return false, storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.snapshotFor(u.Address)
	if err != nil {
		return false, err
	}

	if u.ObservedAt.Before(snap.PriceUpdatedAt) {
		return false, nil
	}

	snap.PriceUSD = u.PriceUSD
	if u.ValuationUSD != nil && validAmount(*u.ValuationUSD) {
		snap.ValuationUSD = *u.ValuationUSD
	}
	if u.TotalSupply != nil && u.TotalSupply.Sign() >= 0 {
		snap.TotalSupply = new(big.Int).Set(u.TotalSupply)
	}
	if u.PoolAddress != "" {
		snap.PoolAddress = domain.NormalizeAddress(u.PoolAddress)
	}
	snap.PriceUpdatedAt = u.ObservedAt
	touch(snap)

	return true, nil
}

// ApplyMarketUpdates merges reconciliation updates. Unknown addresses are skipped.
func (s *TokenStore) ApplyMarketUpdates(_ context.Context, updates []domain.MarketUpdate) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := 0
	for _, u := range updates {
		snap, err := s.snapshotFor(u.Address)
		if err != nil {
			continue
		}

		applied := false
		if hasPriceGroup(u) && !u.ObservedAt.Before(snap.PriceUpdatedAt) {
			snap.PriceUSD = *u.PriceUSD
			if u.ValuationUSD != nil && validAmount(*u.ValuationUSD) {
				snap.ValuationUSD = *u.ValuationUSD
			}
			if u.TotalSupply != nil && u.TotalSupply.Sign() >= 0 {
				snap.TotalSupply = new(big.Int).Set(u.TotalSupply)
			}
			if u.PoolAddress != "" {
				snap.PoolAddress = domain.NormalizeAddress(u.PoolAddress)
			}
			snap.PriceUpdatedAt = u.ObservedAt
			applied = true
		}

		if u.VolumeUSD24h != nil && validAmount(*u.VolumeUSD24h) && !u.ObservedAt.Before(snap.VolumeUpdatedAt) {
			snap.VolumeUSD24h = *u.VolumeUSD24h
			snap.VolumeUpdatedAt = u.ObservedAt
			applied = true
		}

		if applied {
			touch(snap)
			changed++
		}
	}

	return changed, nil
}

// StalestTokens returns up to limit tokens ordered by max(last_updated, reconcile_attempted_at).
func (s *TokenStore) StalestTokens(_ context.Context, limit int) ([]domain.StaleToken, error) {
	if limit <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.StaleToken, 0, len(s.tokens))
	for addr, t := range s.tokens {
		var key time.Time
		if snap, ok := s.snapshots[addr]; ok {
			key = snap.LastUpdated
		}
		if at := s.attempted[addr]; at.After(key) {
			key = at
		}
		out = append(out, domain.StaleToken{Token: t, LastUpdated: key})
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastUpdated.Equal(out[j].LastUpdated) {
			return out[i].LastUpdated.Before(out[j].LastUpdated)
		}
		return out[i].Address < out[j].Address
	})

	if len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

// MarkReconcileAttempted stamps the reconcile attempt time of registered addresses.
func (s *TokenStore) MarkReconcileAttempted(_ context.Context, addresses []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range addresses {
		addr := domain.NormalizeAddress(a)
		if _, ok := s.tokens[addr]; !ok {
			continue
		}
		if at.After(s.attempted[addr]) {
			s.attempted[addr] = at
		}
	}

	return nil
}

// WatchInserts streams tokens inserted after the call until ctx is done.
func (s *TokenStore) WatchInserts(ctx context.Context) (<-chan domain.Token, error) {
	ch := make(chan domain.Token, watcherBuffer)

	s.mu.Lock()
	s.watchers[ch] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()

		s.mu.Lock()
		delete(s.watchers, ch)
		close(ch)
		s.mu.Unlock()
	}()

	return ch, nil
}

// snapshotFor returns the mutable snapshot of a registered token, creating it on first write.
// Callers must hold s.mu.
func (s *TokenStore) snapshotFor(address string) (*domain.PriceSnapshot, error) {
	addr := domain.NormalizeAddress(address)

	token, ok := s.tokens[addr]
	if !ok {
		return nil, storage.ErrNotFound
	}

	snap, ok := s.snapshots[addr]
	if !ok {
		snap = &domain.PriceSnapshot{Address: addr, Decimals: token.Decimals}
		s.snapshots[addr] = snap
	}

	return snap, nil
}

// hasPriceGroup reports whether u carries a valid price; the price group is only
// written together with one.
func hasPriceGroup(u domain.MarketUpdate) bool {
	return u.PriceUSD != nil && validPrice(*u.PriceUSD)
}

func touch(snap *domain.PriceSnapshot) {
	snap.LastUpdated = snap.PriceUpdatedAt
	if snap.VolumeUpdatedAt.After(snap.LastUpdated) {
		snap.LastUpdated = snap.VolumeUpdatedAt
	}
}

func validPrice(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

func validAmount(v float64) bool {
	return v >= 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

func copySnapshot(snap *domain.PriceSnapshot) domain.PriceSnapshot {
	out := *snap
	if snap.TotalSupply != nil {
		out.TotalSupply = new(big.Int).Set(snap.TotalSupply)
	}

	return out
}
