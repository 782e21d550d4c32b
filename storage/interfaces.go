// Package storage defines the Token Store shared by the swap and reconciliation paths
package storage

import (
	"context"
	"time"

	"github.com/sljivkov/dexoracle/domain"
)

// TokenReader provides read access to registered tokens.
type TokenReader interface {
	// ListTokens returns every registered token ordered by address.
	ListTokens(ctx context.Context) ([]domain.Token, error)

	// GetToken retrieves a token by address. Returns ErrNotFound if not registered.
	GetToken(ctx context.Context, address string) (domain.Token, error)
}

// TokenWriter registers tokens. Registration belongs to an outer onboarding process;
// the oracle itself only reads tokens.
type TokenWriter interface {
	// InsertToken registers a token. Returns ErrDuplicateKey if the address exists.
	InsertToken(ctx context.Context, token domain.Token) error
}

// SnapshotStore provides guarded access to price snapshots.
type SnapshotStore interface {
	// GetSnapshot retrieves the snapshot of a token. Returns ErrNotFound if never written.
	GetSnapshot(ctx context.Context, address string) (domain.PriceSnapshot, error)

	// ApplyPriceUpdate merges a swap-path update. The price group is written only when
	// u.ObservedAt is not older than the stored price timestamp. Reports whether it was applied.
	ApplyPriceUpdate(ctx context.Context, u domain.PriceUpdate) (bool, error)

	// ApplyMarketUpdates bulk-merges reconciliation updates keyed by address. Each field
	// group is guarded by its own timestamp. Returns the number of snapshots changed.
	ApplyMarketUpdates(ctx context.Context, updates []domain.MarketUpdate) (int, error)

	// StalestTokens returns up to limit tokens ordered by ascending staleness key,
	// never-priced tokens first, ties broken by address.
	StalestTokens(ctx context.Context, limit int) ([]domain.StaleToken, error)

	// MarkReconcileAttempted stamps the reconcile attempt time of the given addresses.
	MarkReconcileAttempted(ctx context.Context, addresses []string, at time.Time) error
}

// InsertWatcher streams newly registered tokens.
type InsertWatcher interface {
	// WatchInserts delivers every token inserted after the call. The channel is closed
	// when ctx is done or the underlying stream is lost; callers re-watch to resume.
	WatchInserts(ctx context.Context) (<-chan domain.Token, error)
}

// TokenStore is the complete store used by the oracle.
type TokenStore interface {
	TokenReader
	TokenWriter
	SnapshotStore
	InsertWatcher
}
