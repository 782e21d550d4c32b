package contract

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

// ERC20 is a read-only binding around an ERC-20 token.
type ERC20 struct {
	contract *bind.BoundContract
}

// NewERC20 creates a token binding.
func NewERC20(address common.Address, caller bind.ContractCaller) (*ERC20, error) {
	contract, err := bindContract(ERC20MetaData, address, caller, nil)
	if err != nil {
		return nil, err
	}

	return &ERC20{contract: contract}, nil
}

// TotalSupply returns the raw total supply.
//
// Solidity: function totalSupply() view returns(uint256)
func (t *ERC20) TotalSupply(opts *bind.CallOpts) (*big.Int, error) {
	var out []interface{}
	if err := t.contract.Call(opts, &out, "totalSupply"); err != nil {
		return nil, err
	}

	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

// Aggregator is a read-only binding around a Chainlink price feed.
type Aggregator struct {
	contract *bind.BoundContract
}

// NewAggregator creates a Chainlink feed binding.
func NewAggregator(address common.Address, caller bind.ContractCaller) (*Aggregator, error) {
	contract, err := bindContract(AggregatorMetaData, address, caller, nil)
	if err != nil {
		return nil, err
	}

	return &Aggregator{contract: contract}, nil
}

// Decimals returns the number of decimals of the feed answer.
func (a *Aggregator) Decimals(opts *bind.CallOpts) (uint8, error) {
	var out []interface{}
	if err := a.contract.Call(opts, &out, "decimals"); err != nil {
		return 0, err
	}

	return *abi.ConvertType(out[0], new(uint8)).(*uint8), nil
}

// LatestAnswer returns the answer of the latest round.
//
// Solidity: function latestRoundData() view returns(uint80 roundId, int256 answer, uint256 startedAt, uint256 updatedAt, uint80 answeredInRound)
func (a *Aggregator) LatestAnswer(opts *bind.CallOpts) (*big.Int, error) {
	var out []interface{}
	if err := a.contract.Call(opts, &out, "latestRoundData"); err != nil {
		return nil, err
	}

	answer, ok := out[1].(*big.Int)
	if !ok || answer == nil {
		return nil, fmt.Errorf("invalid price data received from Chainlink")
	}

	return answer, nil
}
