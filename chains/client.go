// Package chains provides the live on-chain side of the oracle: pool discovery,
// anchor pricing, swap subscriptions and connection supervision
package chains

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/event"

	"github.com/sljivkov/dexoracle/contract"
)

// ErrNotConnected is returned by chain calls while no session is established.
var ErrNotConnected = errors.New("chain connection not established")

// PoolLookup is the factory lookup used by the resolver.
type PoolLookup interface {
	GetPool(ctx context.Context, tokenA, tokenB common.Address, fee uint32) (common.Address, error)
}

// ChainClient is the chain surface used by the tracking pipeline.
type ChainClient interface {
	PoolLookup
	SqrtPriceX96(ctx context.Context, pool common.Address) (*big.Int, error)
	TotalSupply(ctx context.Context, token common.Address) (*big.Int, error)
	WatchSwaps(ctx context.Context, pool common.Address, sink chan<- *contract.PoolSwap) (event.Subscription, error)
	ChainlinkAnswer(ctx context.Context, feed common.Address) (*big.Int, uint8, error)
	BlockTime(ctx context.Context, number uint64) (time.Time, error)
}

// Conn is one streaming session to the node.
type Conn interface {
	ChainClient
	BlockNumber(ctx context.Context) (uint64, error)
	Close()
}

// Dialer opens a new streaming session.
type Dialer func(ctx context.Context) (Conn, error)

type ethConn struct {
	*contract.Client
	eth *ethclient.Client
}

func (c *ethConn) BlockNumber(ctx context.Context) (uint64, error) {
	return c.eth.BlockNumber(ctx)
}

func (c *ethConn) BlockTime(ctx context.Context, number uint64) (time.Time, error) {
	header, err := c.eth.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(int64(header.Time), 0).UTC(), nil
}

func (c *ethConn) Close() {
	c.eth.Close()
}

// EthDialer returns a Dialer connecting to a websocket RPC endpoint with the given factory bound.
func EthDialer(rpcURL string, factory common.Address) Dialer {
	return func(ctx context.Context) (Conn, error) {
		eth, err := ethclient.DialContext(ctx, rpcURL)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
		}

		client, err := contract.NewClient(eth, factory)
		if err != nil {
			eth.Close()
			return nil, err
		}

		return &ethConn{Client: client, eth: eth}, nil
	}
}

// liveClient forwards every call to the connection of the current session.
type liveClient struct {
	mu   sync.RWMutex
	conn Conn
}

func (l *liveClient) set(conn Conn) {
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
}

func (l *liveClient) current() (Conn, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.conn == nil {
		return nil, ErrNotConnected
	}
	return l.conn, nil
}

func (l *liveClient) GetPool(ctx context.Context, tokenA, tokenB common.Address, fee uint32) (common.Address, error) {
	conn, err := l.current()
	if err != nil {
		return common.Address{}, err
	}
	return conn.GetPool(ctx, tokenA, tokenB, fee)
}

func (l *liveClient) SqrtPriceX96(ctx context.Context, pool common.Address) (*big.Int, error) {
	conn, err := l.current()
	if err != nil {
		return nil, err
	}
	return conn.SqrtPriceX96(ctx, pool)
}

func (l *liveClient) TotalSupply(ctx context.Context, token common.Address) (*big.Int, error) {
	conn, err := l.current()
	if err != nil {
		return nil, err
	}
	return conn.TotalSupply(ctx, token)
}

func (l *liveClient) WatchSwaps(ctx context.Context, pool common.Address, sink chan<- *contract.PoolSwap) (event.Subscription, error) {
	conn, err := l.current()
	if err != nil {
		return nil, err
	}
	return conn.WatchSwaps(ctx, pool, sink)
}

func (l *liveClient) ChainlinkAnswer(ctx context.Context, feed common.Address) (*big.Int, uint8, error) {
	conn, err := l.current()
	if err != nil {
		return nil, 0, err
	}
	return conn.ChainlinkAnswer(ctx, feed)
}

func (l *liveClient) BlockTime(ctx context.Context, number uint64) (time.Time, error) {
	conn, err := l.current()
	if err != nil {
		return time.Time{}, err
	}
	return conn.BlockTime(ctx, number)
}
