package chains

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sljivkov/dexoracle/contract"
)

var anchorPool = common.HexToAddress("0x88e6A0c2dDD26FEEb64F039a2c41296FcB3f5640")

// anchorSqrtPrice returns the sqrt price of a USDC(6)/WETH(18) pool where one WETH is
// worth 1e12/root^2 dollars
func anchorSqrtPrice(root int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(root), q96())
}

func testAnchorConfig() AnchorConfig {
	return AnchorConfig{
		Reference:         weth,
		ReferenceDecimals: 18,
		Stable:            usdc,
		StableDecimals:    6,
		MaxPriceUSD:       1_000_000,
		CallTimeout:       time.Second,
	}
}

type rejectGuard struct{}

func (rejectGuard) Check(context.Context, float64) error { return ErrAnchorDeviation }

type recordingPublisher struct {
	mu     sync.Mutex
	prices []float64
}

func (p *recordingPublisher) PublishAnchor(_ context.Context, price float64, _ time.Time) {
	p.mu.Lock()
	p.prices = append(p.prices, price)
	p.mu.Unlock()
}

func (p *recordingPublisher) last() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.prices) == 0 {
		return 0
	}
	return p.prices[len(p.prices)-1]
}

func TestAnchorSeed(t *testing.T) {
	chain := new(MockChain)
	chain.On("GetPool", weth, usdc, uint32(500)).Return(anchorPool, nil).Once()
	chain.On("SqrtPriceX96", anchorPool).Return(anchorSqrtPrice(20000), nil).Once()

	tracker := NewAnchorTracker(chain, NewPoolResolver(chain, DefaultFeeTiers), testAnchorConfig(), nil, zerolog.Nop())
	publisher := &recordingPublisher{}
	tracker.SetPublisher(publisher)

	_, ok := tracker.Price()
	require.False(t, ok, "no anchor before seeding")

	require.NoError(t, tracker.Seed(context.Background()))

	price, ok := tracker.Price()
	require.True(t, ok)
	assert.InDelta(t, 2500, price, 1e-6)
	assert.InDelta(t, 2500, publisher.last(), 1e-6)

	state := tracker.State()
	assert.True(t, state.Available)
	assert.Equal(t, anchorPool, state.Pool)
	assert.False(t, state.UpdatedAt.IsZero())
}

func TestAnchorSeedRejectedByGuard(t *testing.T) {
	chain := new(MockChain)
	chain.On("GetPool", weth, usdc, uint32(500)).Return(anchorPool, nil)
	chain.On("SqrtPriceX96", anchorPool).Return(anchorSqrtPrice(20000), nil)

	tracker := NewAnchorTracker(chain, NewPoolResolver(chain, DefaultFeeTiers), testAnchorConfig(), nil, zerolog.Nop())
	tracker.SetGuard(rejectGuard{})

	err := tracker.Seed(context.Background())
	assert.ErrorIs(t, err, ErrAnchorDeviation)

	_, ok := tracker.Price()
	assert.False(t, ok)
}

func TestAnchorSeedReadFailure(t *testing.T) {
	chain := new(MockChain)
	chain.On("GetPool", weth, usdc, uint32(500)).Return(anchorPool, nil)
	chain.On("SqrtPriceX96", anchorPool).Return(nil, errors.New("execution reverted"))

	tracker := NewAnchorTracker(chain, NewPoolResolver(chain, DefaultFeeTiers), testAnchorConfig(), nil, zerolog.Nop())

	require.Error(t, tracker.Seed(context.Background()))
	_, ok := tracker.Price()
	assert.False(t, ok)
}

func TestAnchorFollowBeforeSeed(t *testing.T) {
	chain := new(MockChain)
	tracker := NewAnchorTracker(chain, NewPoolResolver(chain, DefaultFeeTiers), testAnchorConfig(), nil, zerolog.Nop())

	assert.ErrorIs(t, tracker.Follow(context.Background()), ErrAnchorUnavailable)
}

func TestAnchorFollowsSwaps(t *testing.T) {
	sinks := make(chan chan<- *contract.PoolSwap, 1)
	errCh := make(chan error, 1)
	sub := newSubscription(errCh)

	chain := new(MockChain)
	chain.On("GetPool", weth, usdc, uint32(500)).Return(anchorPool, nil)
	chain.On("SqrtPriceX96", anchorPool).Return(anchorSqrtPrice(20000), nil)
	chain.On("WatchSwaps", anchorPool, mock.Anything).
		Run(func(args mock.Arguments) { sinks <- args.Get(1).(chan<- *contract.PoolSwap) }).
		Return(sub, nil)

	tracker := NewAnchorTracker(chain, NewPoolResolver(chain, DefaultFeeTiers), testAnchorConfig(), nil, zerolog.Nop())
	require.NoError(t, tracker.Seed(context.Background()))

	done := make(chan error, 1)
	go func() { done <- tracker.Follow(context.Background()) }()

	sink := <-sinks

	// a rejected quote leaves the anchor unchanged
	sink <- &contract.PoolSwap{SqrtPriceX96: big.NewInt(0)}
	sink <- &contract.PoolSwap{SqrtPriceX96: anchorSqrtPrice(10000)}

	assert.Eventually(t, func() bool {
		price, _ := tracker.Price()
		return price > 9999 && price < 10001
	}, time.Second, 10*time.Millisecond)

	errCh <- errors.New("connection reset")

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Follow did not return on subscription error")
	}

	sub.AssertCalled(t, "Unsubscribe")
}

func TestAnchorFollowStopsOnCancel(t *testing.T) {
	chain := new(MockChain)
	chain.On("GetPool", weth, usdc, uint32(500)).Return(anchorPool, nil)
	chain.On("SqrtPriceX96", anchorPool).Return(anchorSqrtPrice(20000), nil)
	chain.On("WatchSwaps", anchorPool, mock.Anything).Return(newSubscription(make(chan error)), nil)

	tracker := NewAnchorTracker(chain, NewPoolResolver(chain, DefaultFeeTiers), testAnchorConfig(), nil, zerolog.Nop())
	require.NoError(t, tracker.Seed(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tracker.Follow(ctx) }()

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Follow did not return on cancel")
	}
}
