package contract

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
)

// Backend is the node connection the bindings run on. *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractCaller
	bind.ContractFilterer
}

// Client exposes every chain read and subscription of the oracle on a single connection.
type Client struct {
	backend Backend
	factory *Factory
}

// NewClient binds the factory at factoryAddress on backend.
func NewClient(backend Backend, factoryAddress common.Address) (*Client, error) {
	factory, err := NewFactory(factoryAddress, backend)
	if err != nil {
		return nil, fmt.Errorf("bind factory: %w", err)
	}

	return &Client{backend: backend, factory: factory}, nil
}

// GetPool looks up the pool of a pair for one fee tier.
func (c *Client) GetPool(ctx context.Context, tokenA, tokenB common.Address, fee uint32) (common.Address, error) {
	return c.factory.GetPool(&bind.CallOpts{Context: ctx}, tokenA, tokenB, fee)
}

// SqrtPriceX96 reads the current sqrt price of a pool.
func (c *Client) SqrtPriceX96(ctx context.Context, pool common.Address) (*big.Int, error) {
	binding, err := NewPool(pool, c.backend, c.backend)
	if err != nil {
		return nil, fmt.Errorf("bind pool %s: %w", pool.Hex(), err)
	}

	return binding.SqrtPriceX96(&bind.CallOpts{Context: ctx})
}

// TotalSupply reads the raw total supply of a token.
func (c *Client) TotalSupply(ctx context.Context, token common.Address) (*big.Int, error) {
	binding, err := NewERC20(token, c.backend)
	if err != nil {
		return nil, fmt.Errorf("bind token %s: %w", token.Hex(), err)
	}

	return binding.TotalSupply(&bind.CallOpts{Context: ctx})
}

// WatchSwaps opens a Swap event subscription on a pool.
func (c *Client) WatchSwaps(ctx context.Context, pool common.Address, sink chan<- *PoolSwap) (event.Subscription, error) {
	binding, err := NewPool(pool, c.backend, c.backend)
	if err != nil {
		return nil, fmt.Errorf("bind pool %s: %w", pool.Hex(), err)
	}

	return binding.WatchSwap(&bind.WatchOpts{Context: ctx}, sink)
}

// ChainlinkAnswer reads the latest answer of a Chainlink feed together with its decimals.
func (c *Client) ChainlinkAnswer(ctx context.Context, feed common.Address) (*big.Int, uint8, error) {
	binding, err := NewAggregator(feed, c.backend)
	if err != nil {
		return nil, 0, fmt.Errorf("bind feed %s: %w", feed.Hex(), err)
	}

	opts := &bind.CallOpts{Context: ctx}

	decimals, err := binding.Decimals(opts)
	if err != nil {
		return nil, 0, fmt.Errorf("read feed decimals: %w", err)
	}

	answer, err := binding.LatestAnswer(opts)
	if err != nil {
		return nil, 0, fmt.Errorf("read feed answer: %w", err)
	}

	return answer, decimals, nil
}
