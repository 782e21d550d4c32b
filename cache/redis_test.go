package cache

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sljivkov/dexoracle/domain"
	"github.com/sljivkov/dexoracle/storage/memory"
)

// fakeRedis records keys and published messages
type fakeRedis struct {
	mu        sync.Mutex
	values    map[string][]byte
	published map[string][][]byte
	setErr    error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{values: map[string][]byte{}, published: map[string][][]byte{}}
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.setErr != nil {
		return redis.NewStatusResult("", f.setErr)
	}
	f.values[key] = value.([]byte)

	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Publish(_ context.Context, channel string, message interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.published[channel] = append(f.published[channel], message.([]byte))

	return redis.NewIntResult(1, nil)
}

func (f *fakeRedis) quote(t *testing.T, address string) (Quote, bool) {
	t.Helper()

	f.mu.Lock()
	defer f.mu.Unlock()

	data, ok := f.values[QuoteKey(address)]
	if !ok {
		return Quote{}, false
	}

	var q Quote
	require.NoError(t, json.Unmarshal(data, &q))

	return q, true
}

const (
	tokenA = "0x00000000000000000000000000000000000000aa"
	tokenB = "0x00000000000000000000000000000000000000bb"
)

func newTestPublisher(t *testing.T) (*Publisher, *fakeRedis) {
	t.Helper()

	store := memory.NewTokenStore()
	for _, address := range []string{tokenA, tokenB} {
		require.NoError(t, store.InsertToken(context.Background(), domain.Token{Address: address, Symbol: "TKN", Decimals: 18}))
	}

	client := newFakeRedis()

	return NewPublisher(store, client, time.Minute, zerolog.Nop()), client
}

func TestPublisherPublishesAppliedPriceUpdate(t *testing.T) {
	p, client := newTestPublisher(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	valuation := 2_000_000.0

	applied, err := p.ApplyPriceUpdate(context.Background(), domain.PriceUpdate{
		Address:      tokenA,
		PriceUSD:     2000,
		ValuationUSD: &valuation,
		TotalSupply:  big.NewInt(1000),
		PoolAddress:  "0x00000000000000000000000000000000000000CC",
		ObservedAt:   at,
	})
	require.NoError(t, err)
	require.True(t, applied)

	q, ok := client.quote(t, tokenA)
	require.True(t, ok)
	assert.Equal(t, 2000.0, q.PriceUSD)
	assert.Equal(t, valuation, q.ValuationUSD)
	assert.Equal(t, "1000", q.TotalSupply)
	assert.Equal(t, uint8(18), q.Decimals)
	assert.Equal(t, "0x00000000000000000000000000000000000000cc", q.PoolAddress)
	assert.True(t, at.Equal(q.LastUpdated))
	assert.Len(t, client.published[QuoteChannel], 1)
}

func TestPublisherSkipsRejectedPriceUpdate(t *testing.T) {
	p, client := newTestPublisher(t)
	at := time.Now()

	_, err := p.ApplyPriceUpdate(context.Background(), domain.PriceUpdate{Address: tokenA, PriceUSD: 2, ObservedAt: at})
	require.NoError(t, err)

	// older observation loses the guard
	applied, err := p.ApplyPriceUpdate(context.Background(), domain.PriceUpdate{Address: tokenA, PriceUSD: 1, ObservedAt: at.Add(-time.Minute)})
	require.NoError(t, err)
	assert.False(t, applied)

	q, _ := client.quote(t, tokenA)
	assert.Equal(t, 2.0, q.PriceUSD)
	assert.Len(t, client.published[QuoteChannel], 1)
}

func TestPublisherPublishesMarketUpdates(t *testing.T) {
	p, client := newTestPublisher(t)
	volume := 42.0
	price := 3.5

	n, err := p.ApplyMarketUpdates(context.Background(), []domain.MarketUpdate{
		{Address: tokenA, PriceUSD: &price, ObservedAt: time.Now()},
		{Address: tokenB, VolumeUSD24h: &volume, ObservedAt: time.Now()},
		{Address: "0x00000000000000000000000000000000000000dd", PriceUSD: &price, ObservedAt: time.Now()},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	a, ok := client.quote(t, tokenA)
	require.True(t, ok)
	assert.Equal(t, price, a.PriceUSD)

	b, ok := client.quote(t, tokenB)
	require.True(t, ok)
	assert.Equal(t, volume, b.VolumeUSD24h)

	_, ok = client.quote(t, "0x00000000000000000000000000000000000000dd")
	assert.False(t, ok, "unregistered tokens are not published")
}

func TestPublisherSkipsRejectedMarketUpdates(t *testing.T) {
	p, client := newTestPublisher(t)
	swapAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	pollAt := swapAt.Add(-time.Minute)

	_, err := p.ApplyPriceUpdate(context.Background(), domain.PriceUpdate{Address: tokenA, PriceUSD: 5, ObservedAt: swapAt})
	require.NoError(t, err)
	require.Len(t, client.published[QuoteChannel], 1)

	stale := 4.0
	volume := 9.0
	n, err := p.ApplyMarketUpdates(context.Background(), []domain.MarketUpdate{
		{Address: tokenA, PriceUSD: &stale, ObservedAt: pollAt},
		{Address: tokenB, VolumeUSD24h: &volume, ObservedAt: pollAt},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// only tokenB landed; tokenA lost the price guard
	published := client.published[QuoteChannel]
	require.Len(t, published, 2)

	var q Quote
	require.NoError(t, json.Unmarshal(published[1], &q))
	assert.Equal(t, tokenB, q.Address)

	a, _ := client.quote(t, tokenA)
	assert.Equal(t, 5.0, a.PriceUSD)
}

func TestPublisherSwallowsRedisErrors(t *testing.T) {
	p, client := newTestPublisher(t)
	client.setErr = errors.New("connection refused")

	applied, err := p.ApplyPriceUpdate(context.Background(), domain.PriceUpdate{Address: tokenA, PriceUSD: 1, ObservedAt: time.Now()})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Empty(t, client.published)

	snap, err := p.GetSnapshot(context.Background(), tokenA)
	require.NoError(t, err)
	assert.Equal(t, 1.0, snap.PriceUSD)
}

func TestPublishAnchor(t *testing.T) {
	p, client := newTestPublisher(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	p.PublishAnchor(context.Background(), 2500, at)

	var anchor Anchor
	require.NoError(t, json.Unmarshal(client.values[AnchorKey], &anchor))
	assert.Equal(t, 2500.0, anchor.PriceUSD)
	assert.True(t, at.Equal(anchor.UpdatedAt))
	assert.Len(t, client.published[AnchorChannel], 1)
}
