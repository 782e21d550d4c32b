// Package cache publishes applied quotes to Redis for the read layer
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/sljivkov/dexoracle/domain"
	"github.com/sljivkov/dexoracle/storage"
)

const (
	// QuoteChannel carries every published quote.
	QuoteChannel = "quotes"
	// AnchorChannel carries every accepted anchor.
	AnchorChannel = "anchor"
	// AnchorKey holds the latest accepted anchor.
	AnchorKey = "anchor:usd"

	quoteKeyPrefix = "quote:"
)

// Client is the subset of the Redis client used by the publisher.
type Client interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return client, nil
}

// Quote is the record published for a token.
type Quote struct {
	Address      string    `json:"address"`
	PriceUSD     float64   `json:"price_usd"`
	ValuationUSD float64   `json:"valuation_usd"`
	VolumeUSD24h float64   `json:"volume_usd_24h"`
	TotalSupply  string    `json:"total_supply,omitempty"`
	Decimals     uint8     `json:"decimals"`
	PoolAddress  string    `json:"pool_address,omitempty"`
	LastUpdated  time.Time `json:"last_updated"`
}

// Anchor is the record published for the reference asset.
type Anchor struct {
	PriceUSD  float64   `json:"price_usd"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Publisher decorates a TokenStore: every write the store applies is re-read and
// published to Redis. Redis failures are logged and never reach the writer.
type Publisher struct {
	storage.TokenStore

	client Client
	ttl    time.Duration
	logger zerolog.Logger
}

// NewPublisher wraps store. A zero ttl keeps quotes until overwritten.
func NewPublisher(store storage.TokenStore, client Client, ttl time.Duration, logger zerolog.Logger) *Publisher {
	return &Publisher{
		TokenStore: store,
		client:     client,
		ttl:        ttl,
		logger:     logger.With().Str("component", "cache").Logger(),
	}
}

// ApplyPriceUpdate applies u and publishes the resulting quote when it was applied.
func (p *Publisher) ApplyPriceUpdate(ctx context.Context, u domain.PriceUpdate) (bool, error) {
	applied, err := p.TokenStore.ApplyPriceUpdate(ctx, u)
	if err != nil || !applied {
		return applied, err
	}

	p.publish(ctx, u.Address)

	return true, nil
}

// ApplyMarketUpdates applies updates and publishes the quote of every address whose
// update landed. A landed update leaves one of its group timestamps at ObservedAt.
func (p *Publisher) ApplyMarketUpdates(ctx context.Context, updates []domain.MarketUpdate) (int, error) {
	n, err := p.TokenStore.ApplyMarketUpdates(ctx, updates)
	if err != nil || n == 0 {
		return n, err
	}

	for _, u := range updates {
		snap, ok := p.snapshot(ctx, u.Address)
		if !ok {
			continue
		}
		if sameInstant(snap.PriceUpdatedAt, u.ObservedAt) || sameInstant(snap.VolumeUpdatedAt, u.ObservedAt) {
			p.publishSnapshot(ctx, snap)
		}
	}

	return n, nil
}

// PublishAnchor stores and broadcasts an accepted anchor.
func (p *Publisher) PublishAnchor(ctx context.Context, priceUSD float64, at time.Time) {
	data, err := json.Marshal(Anchor{PriceUSD: priceUSD, UpdatedAt: at.UTC()})
	if err != nil {
		p.logger.Error().Err(err).Msg("❌ Failed to encode anchor")
		return
	}

	p.write(ctx, AnchorKey, AnchorChannel, data)
}

func (p *Publisher) publish(ctx context.Context, address string) {
	if snap, ok := p.snapshot(ctx, address); ok {
		p.publishSnapshot(ctx, snap)
	}
}

func (p *Publisher) snapshot(ctx context.Context, address string) (domain.PriceSnapshot, bool) {
	snap, err := p.TokenStore.GetSnapshot(ctx, address)
	if errors.Is(err, storage.ErrNotFound) {
		return snap, false
	}
	if err != nil {
		p.logger.Warn().Err(err).Str("token", address).Msg("⚠️ Snapshot unavailable for publishing")
		return snap, false
	}

	return snap, true
}

func (p *Publisher) publishSnapshot(ctx context.Context, snap domain.PriceSnapshot) {
	data, err := json.Marshal(quoteFrom(snap))
	if err != nil {
		p.logger.Error().Err(err).Str("token", snap.Address).Msg("❌ Failed to encode quote")
		return
	}

	p.write(ctx, QuoteKey(snap.Address), QuoteChannel, data)
}

func (p *Publisher) write(ctx context.Context, key, channel string, data []byte) {
	if err := p.client.Set(ctx, key, data, p.ttl).Err(); err != nil {
		p.logger.Warn().Err(err).Str("key", key).Msg("⚠️ Redis set failed")
		return
	}
	if err := p.client.Publish(ctx, channel, data).Err(); err != nil {
		p.logger.Warn().Err(err).Str("channel", channel).Msg("⚠️ Redis publish failed")
	}
}

// QuoteKey returns the Redis key of a token quote.
func QuoteKey(address string) string {
	return quoteKeyPrefix + domain.NormalizeAddress(address)
}

func quoteFrom(snap domain.PriceSnapshot) Quote {
	return Quote{
		Address:      snap.Address,
		PriceUSD:     snap.PriceUSD,
		ValuationUSD: snap.ValuationUSD,
		VolumeUSD24h: snap.VolumeUSD24h,
		TotalSupply:  supplyString(snap.TotalSupply),
		Decimals:     snap.Decimals,
		PoolAddress:  snap.PoolAddress,
		LastUpdated:  snap.LastUpdated.UTC(),
	}
}

// sameInstant compares timestamps at the store's microsecond resolution.
func sameInstant(stored, observed time.Time) bool {
	d := stored.Sub(observed)
	return d > -time.Microsecond && d < time.Microsecond
}

func supplyString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}
