package apis

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/sljivkov/dexoracle/domain"
	"github.com/sljivkov/dexoracle/metrics"
	"github.com/sljivkov/dexoracle/pricefeed"
)

// MarketSource fetches aggregator data for a batch of addresses.
type MarketSource interface {
	TokensMulti(ctx context.Context, addresses []string) (map[string]TokenMarket, error)
}

// MarketStore is the store surface of the reconciliation path.
type MarketStore interface {
	StalestTokens(ctx context.Context, limit int) ([]domain.StaleToken, error)
	MarkReconcileAttempted(ctx context.Context, addresses []string, at time.Time) error
	ApplyMarketUpdates(ctx context.Context, updates []domain.MarketUpdate) (int, error)
}

// PollerConfig holds the reconciliation settings.
type PollerConfig struct {
	Interval    time.Duration
	BatchSize   int
	MaxPriceUSD float64
}

// CycleStats summarizes one scheduling tick.
type CycleStats struct {
	Selected int
	Batches  int
	Failed   int
	Updated  int
}

// Poller refreshes the stalest tokens from the aggregator within the call budget.
type Poller struct {
	source MarketSource
	store  MarketStore
	budget *CallBudget
	cfg    PollerConfig

	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

// NewPoller creates a reconciliation poller.
func NewPoller(source MarketSource, store MarketStore, budget *CallBudget, cfg PollerConfig, m *metrics.Metrics, logger zerolog.Logger) *Poller {
	if cfg.BatchSize <= 0 || cfg.BatchSize > MaxAddressesPerCall {
		cfg.BatchSize = MaxAddressesPerCall
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}

	return &Poller{
		source:  source,
		store:   store,
		budget:  budget,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With().Str("component", "poller").Logger(),
		now:     time.Now,
	}
}

// BudgetRemaining returns the calls left in the current budget window.
func (p *Poller) BudgetRemaining() int {
	return p.budget.Remaining()
}

// Run ticks every Interval until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info().
		Dur("interval", p.cfg.Interval).
		Int("batch_size", p.cfg.BatchSize).
		Msg("📡 Starting reconciliation poller")

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Cycle(ctx)
		}
	}
}

// Cycle runs one scheduling tick. Failures are logged and never abort the cycle.
func (p *Poller) Cycle(ctx context.Context) CycleStats {
	var stats CycleStats

	start := p.now()
	defer func() { p.metrics.ObserveCycle(p.now().Sub(start).Seconds()) }()

	remaining := p.budget.Remaining()
	p.metrics.SetBudgetRemaining(remaining)
	if remaining <= 0 {
		p.logger.Debug().Msg("⏳ Call budget exhausted, deferring to next window")
		return stats
	}

	tokens, err := p.store.StalestTokens(ctx, remaining*p.cfg.BatchSize)
	if err != nil {
		p.logger.Error().Err(err).Msg("❌ Failed to select stale tokens")
		return stats
	}
	stats.Selected = len(tokens)

	for _, batch := range partition(tokens, p.cfg.BatchSize) {
		if ctx.Err() != nil {
			break
		}
		if err := p.budget.Take(); err != nil {
			p.logger.Debug().Err(err).Msg("⏳ Budget spent mid-cycle, deferring")
			break
		}
		stats.Batches++

		updated, err := p.reconcile(ctx, batch)
		if err != nil {
			stats.Failed++
			p.logger.Warn().Err(err).Int("batch", len(batch)).Msg("⚠️ Reconciliation batch failed")
			continue
		}
		stats.Updated += updated
	}

	p.metrics.SetBudgetRemaining(p.budget.Remaining())
	p.metrics.AddReconciled(stats.Updated)

	if stats.Selected > 0 {
		p.logger.Info().
			Int("selected", stats.Selected).
			Int("batches", stats.Batches).
			Int("failed", stats.Failed).
			Int("updated", stats.Updated).
			Msg("✅ Reconciliation cycle done")
	}

	return stats
}

// reconcile issues one aggregator call for batch and upserts the returned tokens.
func (p *Poller) reconcile(ctx context.Context, batch []domain.StaleToken) (int, error) {
	addresses := make([]string, len(batch))
	for i, t := range batch {
		addresses[i] = t.Address
	}

	// stamped before the call so tokens the aggregator never returns still rotate
	if err := p.store.MarkReconcileAttempted(ctx, addresses, p.now().UTC()); err != nil {
		p.logger.Warn().Err(err).Msg("⚠️ Failed to stamp reconcile attempt")
	}

	callStart := p.now()
	markets, err := p.source.TokensMulti(ctx, addresses)
	elapsed := p.now().Sub(callStart).Seconds()
	if err != nil {
		p.metrics.ObserveAggregatorCall("error", elapsed)
		return 0, err
	}
	p.metrics.ObserveAggregatorCall("ok", elapsed)

	observedAt := p.now().UTC()

	updates := make([]domain.MarketUpdate, 0, len(markets))
	for _, token := range batch {
		market, ok := markets[token.Address]
		if !ok {
			continue
		}
		if update, ok := p.toUpdate(token, market, observedAt); ok {
			updates = append(updates, update)
		}
	}

	if len(updates) == 0 {
		return 0, nil
	}

	return p.store.ApplyMarketUpdates(ctx, updates)
}

// toUpdate keeps only the valid fields of market. ok is false when nothing is left.
func (p *Poller) toUpdate(token domain.StaleToken, market TokenMarket, observedAt time.Time) (domain.MarketUpdate, bool) {
	update := domain.MarketUpdate{
		Address:    token.Address,
		ObservedAt: observedAt,
	}

	if price, ok := toFloat(market.PriceUSD); ok {
		if err := pricefeed.ValidateQuote(price, p.cfg.MaxPriceUSD); err == nil {
			update.PriceUSD = &price
		} else {
			p.logger.Debug().Err(err).Str("token", token.Address).Msg("⛔ Aggregator price rejected")
		}
	}

	if volume, ok := toFloat(market.VolumeUSD24h); ok && volume >= 0 {
		update.VolumeUSD24h = &volume
	}

	// supply, pool and valuation ride with the price; without one they would stamp
	// the price group while leaving the price unwritten
	if update.PriceUSD != nil {
		update.TotalSupply = market.TotalSupply
		update.PoolAddress = market.TopPool

		// the registered decimals describe the raw supply read from chain
		if valuation, ok := pricefeed.Valuation(*update.PriceUSD, market.TotalSupply, token.Decimals); ok {
			update.ValuationUSD = &valuation
		} else if fdv, ok := toFloat(market.FDVUSD); ok && fdv >= 0 {
			update.ValuationUSD = &fdv
		}
	}

	return update, update.PriceUSD != nil || update.VolumeUSD24h != nil
}

func toFloat(d *decimal.Decimal) (float64, bool) {
	if d == nil {
		return 0, false
	}
	f, _ := d.Float64()
	return f, true
}

func partition(tokens []domain.StaleToken, size int) [][]domain.StaleToken {
	batches := make([][]domain.StaleToken, 0, (len(tokens)+size-1)/size)
	for start := 0; start < len(tokens); start += size {
		end := min(start+size, len(tokens))
		batches = append(batches, tokens[start:end])
	}
	return batches
}
