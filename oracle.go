package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sljivkov/dexoracle/apis"
	"github.com/sljivkov/dexoracle/cache"
	"github.com/sljivkov/dexoracle/chains"
	"github.com/sljivkov/dexoracle/config"
	"github.com/sljivkov/dexoracle/handler"
	"github.com/sljivkov/dexoracle/metrics"
	"github.com/sljivkov/dexoracle/onboarding"
	"github.com/sljivkov/dexoracle/storage"
	"github.com/sljivkov/dexoracle/storage/postgres"
)

// Oracle combines the swap-driven chain pipeline, the reconciliation poller and
// the ops server over one token store.
type Oracle struct {
	supervisor *chains.Supervisor
	poller     *apis.Poller
	ops        *handler.Handler
	httpAddr   string

	pool   *postgres.Pool
	redis  *redis.Client
	logger zerolog.Logger
}

// NewOracle connects the store and wires every component from cfg.
func NewOracle(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Oracle, error) {
	pool, err := postgres.NewPool(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}

	o := &Oracle{pool: pool, httpAddr: cfg.HTTPAddr, logger: logger}

	var store storage.TokenStore = postgres.NewTokenStore(pool)
	var publisher *cache.Publisher
	if cfg.RedisAddr != "" {
		client, err := cache.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			pool.Close()
			return nil, err
		}
		o.redis = client
		publisher = cache.NewPublisher(store, client, 0, logger)
		store = publisher
		logger.Info().Str("addr", cfg.RedisAddr).Msg("🔌 Publishing quotes to redis")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	o.supervisor = chains.NewSupervisor(
		chains.EthDialer(cfg.RPCURL, cfg.Factory()),
		store,
		store,
		pipelineConfig(cfg),
		m,
		logger,
	)

	if feed, ok := cfg.Chainlink(); ok {
		o.supervisor.Anchor().SetGuard(chains.NewChainlinkPricer(o.supervisor.Client(), feed, cfg.AnchorMaxDeviation, cfg.CallTimeout, logger))
	}
	if publisher != nil {
		o.supervisor.Anchor().SetPublisher(publisher)
	}

	o.supervisor.SetListener(onboarding.NewListener(store, o.supervisor, onboarding.Config{
		ReconcileInterval: cfg.ReconcileInterval,
		RetryDelay:        cfg.ReconnectDelay,
	}, m, logger))

	o.poller = apis.NewPoller(
		apis.NewGeckoTerminal(cfg.AggregatorURL, cfg.Network, cfg.AggregatorTimeout, logger),
		store,
		apis.NewCallBudget(cfg.CallsPerMinute, time.Minute),
		apis.PollerConfig{Interval: cfg.PollInterval, BatchSize: cfg.BatchSize, MaxPriceUSD: cfg.MaxPriceUSD},
		m,
		logger,
	)

	o.ops = handler.New(o.supervisor, o.poller, store, o.supervisor, reg, logger)

	return o, nil
}

func pipelineConfig(cfg *config.Config) chains.PipelineConfig {
	return chains.PipelineConfig{
		FeeTiers: cfg.FeeTiers,
		Anchor: chains.AnchorConfig{
			Reference:         cfg.Reference(),
			ReferenceDecimals: cfg.ReferenceDecimals,
			Stable:            cfg.Stable(),
			StableDecimals:    cfg.StableDecimals,
			MaxPriceUSD:       cfg.MaxPriceUSD,
			CallTimeout:       cfg.CallTimeout,
		},
		Subscriber: chains.SubscriberConfig{
			Reference:         cfg.Reference(),
			ReferenceDecimals: cfg.ReferenceDecimals,
			MaxPriceUSD:       cfg.MaxPriceUSD,
			CallTimeout:       cfg.CallTimeout,
			ResubscribeDelay:  cfg.ResubscribeDelay,
			ResolveCooldown:   cfg.ResolveCooldown,
		},
		Supervisor: chains.SupervisorConfig{
			ReconnectDelay:    cfg.ReconnectDelay,
			HeartbeatInterval: cfg.HeartbeatInterval,
			CallTimeout:       cfg.CallTimeout,
		},
	}
}

// Run blocks until ctx is done or the ops server fails.
func (o *Oracle) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return o.supervisor.Run(gctx) })
	g.Go(func() error { return o.poller.Run(gctx) })
	g.Go(func() error { return o.ops.Serve(gctx, o.httpAddr) })

	if err := g.Wait(); err != nil {
		return fmt.Errorf("oracle stopped: %w", err)
	}

	return nil
}

// Close releases the store connections.
func (o *Oracle) Close() {
	if o.redis != nil {
		if err := o.redis.Close(); err != nil {
			o.logger.Warn().Err(err).Msg("⚠️ Failed to close redis client")
		}
	}
	o.pool.Close()
}
