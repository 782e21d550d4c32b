// Package domain defines core types and interfaces for the oracle
package domain

import (
	"context"
	"math/big"
	"strings"
	"time"
)

// Token is the static identity of a tracked ERC-20 token.
type Token struct {
	Address      string    // Canonical lowercase hex address
	Name         string    // Display name
	Symbol       string    // Ticker symbol
	Decimals     uint8     // Decimal places of the raw amount
	RegisteredBy string    // Party that registered the token
	RegisteredAt time.Time // Registration time
}

// PriceSnapshot is the mutable quote state of a token.
type PriceSnapshot struct {
	Address         string
	PriceUSD        float64
	ValuationUSD    float64
	VolumeUSD24h    float64
	TotalSupply     *big.Int // Raw, not decimal adjusted
	Decimals        uint8
	PoolAddress     string
	PriceUpdatedAt  time.Time
	VolumeUpdatedAt time.Time
	LastUpdated     time.Time
}

// PriceUpdate is written by the swap path. Nil fields leave the stored value unchanged.
type PriceUpdate struct {
	Address      string
	PriceUSD     float64
	ValuationUSD *float64
	TotalSupply  *big.Int
	PoolAddress  string
	ObservedAt   time.Time
}

// MarketUpdate is written by the reconciliation path. Nil fields leave the stored value unchanged.
type MarketUpdate struct {
	Address      string
	PriceUSD     *float64
	ValuationUSD *float64
	VolumeUSD24h *float64
	TotalSupply  *big.Int
	PoolAddress  string
	ObservedAt   time.Time
}

// StaleToken is a token together with its staleness key.
type StaleToken struct {
	Token
	LastUpdated time.Time // Zero when the token was never priced
}

// Tracker establishes live price tracking for a token.
type Tracker interface {
	// Track subscribes the token if it is not subscribed yet
	Track(ctx context.Context, token Token) error

	// Tracked reports whether the token currently has a live subscription
	Tracked(address string) bool
}

// NormalizeAddress returns the canonical lowercase form of a hex address.
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
