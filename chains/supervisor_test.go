package chains

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sljivkov/dexoracle/domain"
	"github.com/sljivkov/dexoracle/metrics"
	"github.com/sljivkov/dexoracle/storage/memory"
)

// countingRunner records how many sessions started it
type countingRunner struct {
	runs atomic.Int32
}

func (r *countingRunner) Run(ctx context.Context) error {
	r.runs.Add(1)
	<-ctx.Done()

	return nil
}

func testPipelineConfig(heartbeat time.Duration) PipelineConfig {
	return PipelineConfig{
		FeeTiers: DefaultFeeTiers,
		Anchor:   testAnchorConfig(),
		Subscriber: SubscriberConfig{
			Reference:         weth,
			ReferenceDecimals: 18,
			MaxPriceUSD:       1_000_000,
			CallTimeout:       time.Second,
			ResubscribeDelay:  10 * time.Millisecond,
			ResolveCooldown:   time.Minute,
		},
		Supervisor: SupervisorConfig{
			ReconnectDelay:    10 * time.Millisecond,
			HeartbeatInterval: heartbeat,
			CallTimeout:       time.Second,
			SubscribeWorkers:  2,
		},
	}
}

// healthyChain serves the anchor pool and the test token pool
func healthyChain(anchorErr chan error) (*MockChain, *MockSubscription) {
	tokenSub := newSubscription(make(chan error))

	chain := new(MockChain)
	chain.On("GetPool", weth, usdc, uint32(500)).Return(anchorPool, nil)
	chain.On("SqrtPriceX96", anchorPool).Return(anchorSqrtPrice(20000), nil)
	chain.On("WatchSwaps", anchorPool, mock.Anything).Return(newSubscription(anchorErr), nil)
	chain.On("GetPool", token, weth, uint32(500)).Return(pool, nil)
	chain.On("WatchSwaps", pool, mock.Anything).Return(tokenSub, nil)
	chain.On("BlockNumber").Return(uint64(1), nil)
	chain.On("Close").Return()

	return chain, tokenSub
}

func countingDialer(conn Conn, dials *atomic.Int32) Dialer {
	return func(context.Context) (Conn, error) {
		dials.Add(1)
		return conn, nil
	}
}

func memoryStoreWithoutTokens() *memory.TokenStore {
	return memory.NewTokenStore()
}

func runSupervisor(t *testing.T, sup *Supervisor) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("supervisor did not stop")
		}
	})
}

func TestSupervisorEstablishesSession(t *testing.T) {
	chain, _ := healthyChain(make(chan error))
	store := newTestStore(t)

	var dials atomic.Int32
	sup := NewSupervisor(countingDialer(chain, &dials), store, store, testPipelineConfig(0), nil, zerolog.Nop())
	listener := &countingRunner{}
	sup.SetListener(listener)

	runSupervisor(t, sup)

	assert.Eventually(t, func() bool {
		status := sup.Status()
		return status.Connected && status.Subscriptions == 1
	}, time.Second, 10*time.Millisecond)

	status := sup.Status()
	assert.NotEmpty(t, status.SessionID)
	assert.True(t, status.Anchor.Available)
	assert.InDelta(t, 2500, status.Anchor.PriceUSD, 1e-6)
	assert.True(t, sup.Tracked(tokenKey))
	assert.Eventually(t, func() bool { return listener.runs.Load() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), dials.Load())
}

func TestSupervisorReconnectsAfterSessionLoss(t *testing.T) {
	anchorErr := make(chan error, 1)
	chain, tokenSub := healthyChain(anchorErr)
	store := newTestStore(t)

	var dials atomic.Int32
	m := metrics.New(prometheus.NewRegistry())
	sup := NewSupervisor(countingDialer(chain, &dials), store, store, testPipelineConfig(0), m, zerolog.Nop())
	listener := &countingRunner{}
	sup.SetListener(listener)

	runSupervisor(t, sup)

	require.Eventually(t, func() bool { return sup.Status().Subscriptions == 1 }, time.Second, 10*time.Millisecond)
	first := sup.Status().SessionID

	anchorErr <- errors.New("websocket closed")

	assert.Eventually(t, func() bool {
		status := sup.Status()
		return dials.Load() >= 2 && status.Connected && status.Subscriptions == 1 && status.SessionID != first
	}, 2*time.Second, 10*time.Millisecond)

	// the first session's token listener was disposed before the new one was created
	tokenSub.AssertCalled(t, "Unsubscribe")
	assert.GreaterOrEqual(t, listener.runs.Load(), int32(2))
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.Reconnects), float64(1))
}

func TestSupervisorHeartbeatFailureEndsSession(t *testing.T) {
	chain := new(MockChain)
	chain.On("GetPool", weth, usdc, uint32(500)).Return(anchorPool, nil)
	chain.On("SqrtPriceX96", anchorPool).Return(anchorSqrtPrice(20000), nil)
	chain.On("WatchSwaps", anchorPool, mock.Anything).Return(newSubscription(make(chan error)), nil)
	chain.On("BlockNumber").Return(uint64(0), errors.New("i/o timeout"))
	chain.On("Close").Return()

	store := memoryStoreWithoutTokens()

	var dials atomic.Int32
	sup := NewSupervisor(countingDialer(chain, &dials), store, store, testPipelineConfig(10*time.Millisecond), nil, zerolog.Nop())

	runSupervisor(t, sup)

	assert.Eventually(t, func() bool { return dials.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
	chain.AssertCalled(t, "Close")
}

func TestSupervisorRetriesDialFailure(t *testing.T) {
	var dials atomic.Int32
	dial := func(context.Context) (Conn, error) {
		dials.Add(1)
		return nil, errors.New("connection refused")
	}

	store := memoryStoreWithoutTokens()
	sup := NewSupervisor(dial, store, store, testPipelineConfig(0), nil, zerolog.Nop())

	runSupervisor(t, sup)

	assert.Eventually(t, func() bool { return dials.Load() >= 3 }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, sup.Status().Connected)
}

func TestSupervisorTrackWithoutSession(t *testing.T) {
	store := memoryStoreWithoutTokens()
	sup := NewSupervisor(nil, store, store, testPipelineConfig(0), nil, zerolog.Nop())

	err := sup.Track(context.Background(), domain.Token{Address: tokenKey})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.False(t, sup.Tracked(tokenKey))
}

func TestSupervisorTrackWithinSession(t *testing.T) {
	chain, _ := healthyChain(make(chan error))
	other := "0x3000000000000000000000000000000000000003"
	otherPool := pool
	chain.On("GetPool", mock.Anything, weth, uint32(500)).Return(otherPool, nil)

	store := memoryStoreWithoutTokens()

	var dials atomic.Int32
	sup := NewSupervisor(countingDialer(chain, &dials), store, store, testPipelineConfig(0), nil, zerolog.Nop())
	runSupervisor(t, sup)

	require.Eventually(t, func() bool { return sup.Status().Connected }, time.Second, 10*time.Millisecond)

	require.NoError(t, sup.Track(context.Background(), domain.Token{Address: other, Decimals: 18}))
	assert.True(t, sup.Tracked(other))
	assert.Equal(t, 1, sup.Status().Subscriptions)
}
