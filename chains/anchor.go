package chains

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/sljivkov/dexoracle/contract"
	"github.com/sljivkov/dexoracle/metrics"
	"github.com/sljivkov/dexoracle/pricefeed"
)

// ErrAnchorUnavailable is returned while the reference asset has no USD price yet.
var ErrAnchorUnavailable = errors.New("anchor price unavailable")

// AnchorGuard vets a pool-derived anchor before it is accepted.
type AnchorGuard interface {
	Check(ctx context.Context, candidate float64) error
}

// AnchorPublisher receives every accepted anchor.
type AnchorPublisher interface {
	PublishAnchor(ctx context.Context, priceUSD float64, at time.Time)
}

// AnchorConfig describes the reference/stable pair the anchor is read from.
type AnchorConfig struct {
	Reference         common.Address
	ReferenceDecimals uint8
	Stable            common.Address
	StableDecimals    uint8
	MaxPriceUSD       float64
	CallTimeout       time.Duration
}

// AnchorState is a point-in-time view of the anchor.
type AnchorState struct {
	PriceUSD  float64        `json:"price_usd"`
	UpdatedAt time.Time      `json:"updated_at"`
	Pool      common.Address `json:"pool"`
	Available bool           `json:"available"`
}

// AnchorTracker keeps the live USD price of the reference asset. The stable asset
// of its pool is treated as worth exactly one dollar.
type AnchorTracker struct {
	client   ChainClient
	resolver *PoolResolver
	cfg      AnchorConfig
	guard    AnchorGuard
	sink     AnchorPublisher
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	now      func() time.Time

	mu        sync.RWMutex
	price     float64
	updatedAt time.Time
	pool      common.Address
	layout    pricefeed.PoolLayout
}

// NewAnchorTracker creates a tracker with no price.
func NewAnchorTracker(client ChainClient, resolver *PoolResolver, cfg AnchorConfig, m *metrics.Metrics, logger zerolog.Logger) *AnchorTracker {
	return &AnchorTracker{
		client:   client,
		resolver: resolver,
		cfg:      cfg,
		metrics:  m,
		logger:   logger.With().Str("component", "anchor").Logger(),
		now:      time.Now,
	}
}

// SetGuard installs an optional guard checked before every anchor update.
func (a *AnchorTracker) SetGuard(guard AnchorGuard) {
	a.guard = guard
}

// SetPublisher installs an optional sink for accepted anchors.
func (a *AnchorTracker) SetPublisher(sink AnchorPublisher) {
	a.sink = sink
}

// Price returns the current anchor and whether one is available.
func (a *AnchorTracker) Price() (float64, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return a.price, a.price > 0
}

// State returns the current anchor view.
func (a *AnchorTracker) State() AnchorState {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return AnchorState{PriceUSD: a.price, UpdatedAt: a.updatedAt, Pool: a.pool, Available: a.price > 0}
}

// Seed resolves the reference/stable pool and reads its state once.
func (a *AnchorTracker) Seed(ctx context.Context) error {
	pool, err := a.resolver.Resolve(ctx, a.cfg.Reference, a.cfg.Stable)
	if err != nil {
		return fmt.Errorf("resolve anchor pool: %w", err)
	}

	layout := a.layoutFor(pool)

	a.mu.Lock()
	a.pool = pool.Address
	a.layout = layout
	a.mu.Unlock()

	readCtx, cancel := a.callContext(ctx)
	defer cancel()

	sqrtPrice, err := a.client.SqrtPriceX96(readCtx, pool.Address)
	if err != nil {
		return fmt.Errorf("read anchor pool state: %w", err)
	}

	if err := a.update(ctx, sqrtPrice); err != nil {
		return fmt.Errorf("seed anchor: %w", err)
	}

	price, _ := a.Price()
	a.logger.Info().
		Str("pool", pool.Address.Hex()).
		Uint32("fee", pool.Fee).
		Float64("price", price).
		Msg("⚓ Anchor seeded")
	return nil
}

// Follow keeps the anchor current from the swaps of its pool. It returns nil when
// ctx is done and the subscription error otherwise.
func (a *AnchorTracker) Follow(ctx context.Context) error {
	a.mu.RLock()
	pool := a.pool
	a.mu.RUnlock()

	if pool == (common.Address{}) {
		return fmt.Errorf("follow anchor: %w", ErrAnchorUnavailable)
	}

	swaps := make(chan *contract.PoolSwap, 16)
	sub, err := a.client.WatchSwaps(ctx, pool, swaps)
	if err != nil {
		return fmt.Errorf("watch anchor pool: %w", err)
	}
	defer sub.Unsubscribe()

	a.logger.Info().Str("pool", pool.Hex()).Msg("📡 Listening for anchor swaps...")

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.Err():
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("anchor subscription: %w", err)
		case swap := <-swaps:
			if err := a.update(ctx, swap.SqrtPriceX96); err != nil {
				a.logger.Debug().Err(err).Msg("⛔ Anchor update skipped")
			}
		}
	}
}

// update prices the reference asset from a sqrt price and installs it when valid.
func (a *AnchorTracker) update(ctx context.Context, sqrtPrice *big.Int) error {
	a.mu.RLock()
	layout := a.layout
	a.mu.RUnlock()

	price, err := pricefeed.Quote(sqrtPrice, layout, 1, a.cfg.MaxPriceUSD)
	if err != nil {
		return err
	}

	if a.guard != nil {
		if err := a.guard.Check(ctx, price); err != nil {
			return err
		}
	}

	at := a.now()

	a.mu.Lock()
	a.price = price
	a.updatedAt = at
	a.mu.Unlock()

	a.metrics.SetAnchor(price)
	if a.sink != nil {
		a.sink.PublishAnchor(ctx, price, at)
	}

	return nil
}

// layoutFor places the stable asset as the reference side of the pool.
func (a *AnchorTracker) layoutFor(pool ResolvedPool) pricefeed.PoolLayout {
	if pool.Token0 == a.cfg.Stable {
		return pricefeed.PoolLayout{Decimals0: a.cfg.StableDecimals, Decimals1: a.cfg.ReferenceDecimals, ReferenceIsToken0: true}
	}
	return pricefeed.PoolLayout{Decimals0: a.cfg.ReferenceDecimals, Decimals1: a.cfg.StableDecimals, ReferenceIsToken0: false}
}

func (a *AnchorTracker) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.cfg.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.cfg.CallTimeout)
}
