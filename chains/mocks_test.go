package chains

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"github.com/stretchr/testify/mock"

	"github.com/sljivkov/dexoracle/contract"
)

// MockChain implements Conn for testing
type MockChain struct {
	mock.Mock
}

func (m *MockChain) GetPool(_ context.Context, tokenA, tokenB common.Address, fee uint32) (common.Address, error) {
	args := m.Called(tokenA, tokenB, fee)

	return args.Get(0).(common.Address), args.Error(1)
}

func (m *MockChain) SqrtPriceX96(_ context.Context, pool common.Address) (*big.Int, error) {
	args := m.Called(pool)

	if v := args.Get(0); v != nil {
		return v.(*big.Int), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockChain) TotalSupply(_ context.Context, token common.Address) (*big.Int, error) {
	args := m.Called(token)

	if v := args.Get(0); v != nil {
		return v.(*big.Int), args.Error(1)
	}
	return nil, args.Error(1)
}

//nolint:lll
func (m *MockChain) WatchSwaps(_ context.Context, pool common.Address, sink chan<- *contract.PoolSwap) (event.Subscription, error) {
	args := m.Called(pool, sink)

	if v := args.Get(0); v != nil {
		return v.(event.Subscription), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockChain) ChainlinkAnswer(_ context.Context, feed common.Address) (*big.Int, uint8, error) {
	args := m.Called(feed)

	if v := args.Get(0); v != nil {
		return v.(*big.Int), args.Get(1).(uint8), args.Error(2)
	}
	return nil, 0, args.Error(2)
}

func (m *MockChain) BlockTime(_ context.Context, number uint64) (time.Time, error) {
	args := m.Called(number)

	return args.Get(0).(time.Time), args.Error(1)
}

func (m *MockChain) BlockNumber(_ context.Context) (uint64, error) {
	args := m.Called()

	return args.Get(0).(uint64), args.Error(1)
}

func (m *MockChain) Close() {
	m.Called()
}

// MockSubscription implements event.Subscription
type MockSubscription struct {
	mock.Mock
}

func (m *MockSubscription) Unsubscribe() {
	m.Called()
}

func (m *MockSubscription) Err() <-chan error {
	args := m.Called()

	return args.Get(0).(chan error)
}

// newSubscription returns a subscription whose Err channel is errCh.
func newSubscription(errCh chan error) *MockSubscription {
	sub := new(MockSubscription)
	sub.On("Err").Return(errCh)
	sub.On("Unsubscribe").Return()

	return sub
}

// fixedAnchor is an AnchorSource with a settable price.
type fixedAnchor struct {
	mu    sync.Mutex
	price float64
}

func (a *fixedAnchor) Price() (float64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.price, a.price > 0
}

var (
	weth  = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	usdc  = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	token = common.HexToAddress("0x1000000000000000000000000000000000000001")
	pool  = common.HexToAddress("0x2000000000000000000000000000000000000002")

	// one whole token with 18 decimals
	oneToken = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
)

func q96() *big.Int {
	return new(big.Int).Lsh(big.NewInt(1), 96)
}
