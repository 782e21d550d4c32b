package chains

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// ErrPoolNotFound is returned when no fee tier holds a pool for the pair.
var ErrPoolNotFound = errors.New("pool not found on any fee tier")

// DefaultFeeTiers is the probe order: 0.05%, 0.3%, 1%.
var DefaultFeeTiers = []uint32{500, 3000, 10000}

// ResolvedPool is a pool found by the resolver.
type ResolvedPool struct {
	Address common.Address
	Fee     uint32
	Token0  common.Address
	Token1  common.Address
}

// PoolResolver finds the canonical pool of a pair by probing fee tiers in order.
type PoolResolver struct {
	lookup   PoolLookup
	feeTiers []uint32
}

// NewPoolResolver creates a resolver probing feeTiers in the given order.
func NewPoolResolver(lookup PoolLookup, feeTiers []uint32) *PoolResolver {
	if len(feeTiers) == 0 {
		feeTiers = DefaultFeeTiers
	}

	return &PoolResolver{
		lookup:   lookup,
		feeTiers: append([]uint32(nil), feeTiers...),
	}
}

// Resolve returns the first non-zero pool over the fee tiers. The earliest matching
// tier wins; lookup errors are returned as is and never retried here.
func (r *PoolResolver) Resolve(ctx context.Context, tokenA, tokenB common.Address) (ResolvedPool, error) {
	token0, token1 := sortTokens(tokenA, tokenB)

	for _, fee := range r.feeTiers {
		pool, err := r.lookup.GetPool(ctx, tokenA, tokenB, fee)
		if err != nil {
			return ResolvedPool{}, fmt.Errorf("get pool (fee %d): %w", fee, err)
		}

		if pool != (common.Address{}) {
			return ResolvedPool{Address: pool, Fee: fee, Token0: token0, Token1: token1}, nil
		}
	}

	return ResolvedPool{}, fmt.Errorf("%s/%s: %w", tokenA.Hex(), tokenB.Hex(), ErrPoolNotFound)
}

// sortTokens orders a pair the way the factory does: token0 < token1.
func sortTokens(a, b common.Address) (common.Address, common.Address) {
	if bytes.Compare(a.Bytes(), b.Bytes()) < 0 {
		return a, b
	}
	return b, a
}
