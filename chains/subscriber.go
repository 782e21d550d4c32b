package chains

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/sljivkov/dexoracle/contract"
	"github.com/sljivkov/dexoracle/domain"
	"github.com/sljivkov/dexoracle/metrics"
	"github.com/sljivkov/dexoracle/pricefeed"
)

const swapBuffer = 16

// AnchorSource provides the USD price of the reference asset.
type AnchorSource interface {
	Price() (float64, bool)
}

// PriceWriter is the store surface of the swap path.
type PriceWriter interface {
	GetSnapshot(ctx context.Context, address string) (domain.PriceSnapshot, error)
	ApplyPriceUpdate(ctx context.Context, u domain.PriceUpdate) (bool, error)
}

// SubscriberConfig holds the swap path settings.
type SubscriberConfig struct {
	Reference         common.Address
	ReferenceDecimals uint8
	MaxPriceUSD       float64
	CallTimeout       time.Duration
	ResubscribeDelay  time.Duration
	ResolveCooldown   time.Duration
}

// SwapSubscriber keeps one live swap listener per token and prices the token on every swap.
type SwapSubscriber struct {
	client   ChainClient
	resolver *PoolResolver
	anchor   AnchorSource
	registry *Registry
	store    PriceWriter
	cfg      SubscriberConfig
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	now      func() time.Time
	blocks   *blockTimes
}

// NewSwapSubscriber creates a subscriber bound to registry.
func NewSwapSubscriber(
	client ChainClient,
	resolver *PoolResolver,
	anchor AnchorSource,
	registry *Registry,
	store PriceWriter,
	cfg SubscriberConfig,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *SwapSubscriber {
	return &SwapSubscriber{
		client:   client,
		resolver: resolver,
		anchor:   anchor,
		registry: registry,
		store:    store,
		cfg:      cfg,
		metrics:  m,
		logger:   logger.With().Str("component", "subscriber").Logger(),
		now:      time.Now,
		blocks:   newBlockTimes(),
	}
}

// tokenPool is everything a swap handler needs about one subscription.
type tokenPool struct {
	token  domain.Token
	pool   common.Address
	layout pricefeed.PoolLayout
}

// Subscribe resolves the pool of token and starts listening to its swaps for the
// lifetime of session. Subscribing an already subscribed token is a no-op.
func (s *SwapSubscriber) Subscribe(session context.Context, token domain.Token) error {
	address := domain.NormalizeAddress(token.Address)
	if !common.IsHexAddress(address) {
		return fmt.Errorf("subscribe %q: invalid address", token.Address)
	}
	token.Address = address

	ticket, ok := s.registry.Reserve(address)
	if !ok {
		return nil
	}

	resolveCtx, cancel := s.callContext(session)
	resolved, err := s.resolver.Resolve(resolveCtx, common.HexToAddress(address), s.cfg.Reference)
	cancel()
	if err != nil {
		s.registry.Release(address, ticket)
		if errors.Is(err, ErrPoolNotFound) {
			s.registry.Cooldown(address, s.cfg.ResolveCooldown)
			s.metrics.IncPoolNotFound()
		}
		return fmt.Errorf("subscribe %s: %w", address, err)
	}

	tp := tokenPool{token: token, pool: resolved.Address, layout: s.layoutFor(resolved, token.Decimals)}

	subCtx, stop := context.WithCancel(session)
	swaps := make(chan *contract.PoolSwap, swapBuffer)

	sub, err := s.client.WatchSwaps(subCtx, tp.pool, swaps)
	if err != nil {
		stop()
		s.registry.Release(address, ticket)
		return fmt.Errorf("watch swaps %s: %w", address, err)
	}

	handle := NewHandle(tp.pool, sub, stop)
	if !s.registry.Commit(address, ticket, handle) {
		return nil
	}
	s.metrics.SetSubscriptions(s.registry.Len())

	s.logger.Info().
		Str("token", address).
		Str("symbol", token.Symbol).
		Str("pool", tp.pool.Hex()).
		Uint32("fee", resolved.Fee).
		Msg("📡 Subscribed to swaps")

	go s.listen(session, subCtx, tp, handle, swaps)

	return nil
}

// listen consumes swaps until the handle is disposed or the subscription fails.
// A failed subscription is dropped and retried after ResubscribeDelay within the same session.
func (s *SwapSubscriber) listen(session, ctx context.Context, tp tokenPool, handle *Handle, swaps <-chan *contract.PoolSwap) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-handle.sub.Err():
			if ctx.Err() != nil {
				return
			}

			s.logger.Warn().Err(err).Str("token", tp.token.Address).Msg("🔴 Subscription error")
			s.registry.Drop(tp.token.Address, handle)
			s.metrics.SetSubscriptions(s.registry.Len())
			go s.resubscribe(session, tp.token)
			return
		case swap := <-swaps:
			s.handleSwap(ctx, tp, swap)
		}
	}
}

func (s *SwapSubscriber) resubscribe(session context.Context, token domain.Token) {
	select {
	case <-session.Done():
		return
	case <-time.After(s.cfg.ResubscribeDelay):
	}

	if err := s.Subscribe(session, token); err != nil {
		s.logger.Warn().Err(err).Str("token", token.Address).Msg("⚠️ Resubscribe failed")
	}
}

// handleSwap prices tp from the current pool state and writes the update. Every
// skip leaves the stored snapshot untouched.
func (s *SwapSubscriber) handleSwap(ctx context.Context, tp tokenPool, swap *contract.PoolSwap) {
	observedAt := s.eventTime(ctx, swap)
	s.metrics.IncSwaps()

	log := s.logger.With().Str("token", tp.token.Address).Logger()

	anchor, ok := s.anchor.Price()
	if !ok {
		log.Debug().Msg("⏳ No anchor price yet, deferring")
		s.metrics.IncQuoteSkipped("no_anchor")
		return
	}

	sqrtPrice := s.readSqrtPrice(ctx, tp.pool)
	if sqrtPrice == nil && swap != nil {
		sqrtPrice = swap.SqrtPriceX96
	}

	price, err := pricefeed.Quote(sqrtPrice, tp.layout, anchor, s.cfg.MaxPriceUSD)
	if err != nil {
		log.Debug().Err(err).Msg("⛔ Quote rejected")
		s.metrics.IncQuoteSkipped("invalid_quote")
		return
	}

	supply := s.readSupply(ctx, tp.token.Address)

	update := domain.PriceUpdate{
		Address:     tp.token.Address,
		PriceUSD:    price,
		TotalSupply: supply,
		PoolAddress: domain.NormalizeAddress(tp.pool.Hex()),
		ObservedAt:  observedAt,
	}

	valuationSupply := supply
	if valuationSupply == nil {
		if prior, err := s.store.GetSnapshot(ctx, tp.token.Address); err == nil {
			valuationSupply = prior.TotalSupply
		}
	}
	if valuation, ok := pricefeed.Valuation(price, valuationSupply, tp.token.Decimals); ok {
		update.ValuationUSD = &valuation
	}

	applied, err := s.store.ApplyPriceUpdate(ctx, update)
	switch {
	case err != nil:
		log.Error().Err(err).Msg("❌ Failed to write price")
		s.metrics.IncPriceWrite("error")
	case !applied:
		log.Debug().Msg("⏭️ Newer price already stored")
		s.metrics.IncPriceWrite("stale")
	default:
		log.Debug().Float64("price", price).Msg("💾 Price updated")
		s.metrics.IncPriceWrite("applied")
	}
}

// eventTime is the timestamp of the block holding swap. Swaps without block
// metadata, or whose header cannot be read, fall back to the receive time.
func (s *SwapSubscriber) eventTime(ctx context.Context, swap *contract.PoolSwap) time.Time {
	if swap == nil || swap.Raw.BlockNumber == 0 {
		return s.now().UTC()
	}

	readCtx, cancel := s.callContext(ctx)
	defer cancel()

	at, err := s.blocks.get(readCtx, s.client, swap.Raw.BlockNumber)
	if err != nil {
		s.logger.Debug().Err(err).Uint64("block", swap.Raw.BlockNumber).Msg("⚠️ Block header read failed, using receive time")
		s.metrics.IncContractError("block_header")
		return s.now().UTC()
	}
	return at
}

func (s *SwapSubscriber) readSqrtPrice(ctx context.Context, pool common.Address) *big.Int {
	readCtx, cancel := s.callContext(ctx)
	defer cancel()

	sqrtPrice, err := s.client.SqrtPriceX96(readCtx, pool)
	if err != nil {
		s.logger.Debug().Err(err).Str("pool", pool.Hex()).Msg("⚠️ slot0 read failed, using event price")
		s.metrics.IncContractError("slot0")
		return nil
	}
	return sqrtPrice
}

// readSupply returns nil when the read fails so the stored supply is kept.
func (s *SwapSubscriber) readSupply(ctx context.Context, address string) *big.Int {
	readCtx, cancel := s.callContext(ctx)
	defer cancel()

	supply, err := s.client.TotalSupply(readCtx, common.HexToAddress(address))
	if err != nil {
		s.logger.Debug().Err(err).Str("token", address).Msg("⚠️ totalSupply read failed, keeping stored supply")
		s.metrics.IncContractError("total_supply")
		return nil
	}
	return supply
}

// layoutFor places the reference asset on its side of the pool.
func (s *SwapSubscriber) layoutFor(pool ResolvedPool, tokenDecimals uint8) pricefeed.PoolLayout {
	if pool.Token0 == s.cfg.Reference {
		return pricefeed.PoolLayout{Decimals0: s.cfg.ReferenceDecimals, Decimals1: tokenDecimals, ReferenceIsToken0: true}
	}
	return pricefeed.PoolLayout{Decimals0: tokenDecimals, Decimals1: s.cfg.ReferenceDecimals, ReferenceIsToken0: false}
}

func (s *SwapSubscriber) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.CallTimeout)
}
