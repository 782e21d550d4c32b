package contract

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
)

// Factory is a read-only binding around a Uniswap V3 factory.
type Factory struct {
	contract *bind.BoundContract
}

// NewFactory creates a factory binding.
func NewFactory(address common.Address, caller bind.ContractCaller) (*Factory, error) {
	contract, err := bindContract(FactoryMetaData, address, caller, nil)
	if err != nil {
		return nil, err
	}

	return &Factory{contract: contract}, nil
}

// GetPool returns the pool for a token pair and fee, or the zero address.
//
// Solidity: function getPool(address tokenA, address tokenB, uint24 fee) view returns(address pool)
func (f *Factory) GetPool(opts *bind.CallOpts, tokenA, tokenB common.Address, fee uint32) (common.Address, error) {
	var out []interface{}
	if err := f.contract.Call(opts, &out, "getPool", tokenA, tokenB, new(big.Int).SetUint64(uint64(fee))); err != nil {
		return common.Address{}, err
	}

	return *abi.ConvertType(out[0], new(common.Address)).(*common.Address), nil
}

// Pool is a binding around a Uniswap V3 pool.
type Pool struct {
	contract *bind.BoundContract
}

// NewPool creates a pool binding able to read state and watch swaps.
func NewPool(address common.Address, caller bind.ContractCaller, filterer bind.ContractFilterer) (*Pool, error) {
	contract, err := bindContract(PoolMetaData, address, caller, filterer)
	if err != nil {
		return nil, err
	}

	return &Pool{contract: contract}, nil
}

// SqrtPriceX96 reads the current sqrt price from slot0.
//
// Solidity: function slot0() view returns(uint160 sqrtPriceX96, int24 tick, ...)
func (p *Pool) SqrtPriceX96(opts *bind.CallOpts) (*big.Int, error) {
	var out []interface{}
	if err := p.contract.Call(opts, &out, "slot0"); err != nil {
		return nil, err
	}

	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

// PoolSwap represents a Swap event raised by a pool.
type PoolSwap struct {
	Sender       common.Address
	Recipient    common.Address
	Amount0      *big.Int
	Amount1      *big.Int
	SqrtPriceX96 *big.Int
	Liquidity    *big.Int
	Tick         *big.Int
	Raw          types.Log // Blockchain specific contextual infos
}

// WatchSwap subscribes to Swap events of the pool.
//
// Solidity: event Swap(address indexed sender, address indexed recipient, int256 amount0, int256 amount1, uint160 sqrtPriceX96, uint128 liquidity, int24 tick)
func (p *Pool) WatchSwap(opts *bind.WatchOpts, sink chan<- *PoolSwap) (event.Subscription, error) {
	logs, sub, err := p.contract.WatchLogs(opts, "Swap")
	if err != nil {
		return nil, err
	}

	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer sub.Unsubscribe()
		for {
			select {
			case log := <-logs:
				swap, err := p.ParseSwap(log)
				if err != nil {
					return err
				}

				select {
				case sink <- swap:
				case err := <-sub.Err():
					return err
				case <-quit:
					return nil
				}
			case err := <-sub.Err():
				return err
			case <-quit:
				return nil
			}
		}
	}), nil
}

// ParseSwap decodes a raw Swap log.
func (p *Pool) ParseSwap(log types.Log) (*PoolSwap, error) {
	swap := new(PoolSwap)
	if err := p.contract.UnpackLog(swap, "Swap", log); err != nil {
		return nil, err
	}
	swap.Raw = log

	return swap, nil
}
