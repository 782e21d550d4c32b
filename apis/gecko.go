// Package apis provides the external market data integration used for reconciliation
package apis

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/sljivkov/dexoracle/domain"
)

// MaxAddressesPerCall is the aggregator's per-request address limit.
const MaxAddressesPerCall = 30

// StatusError is returned for non-200 aggregator responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API returned non-200 status: %d: %s", e.Code, e.Body)
}

// TokenMarket is the aggregator view of one token. Nil fields were not reported.
type TokenMarket struct {
	Address      string
	PriceUSD     *decimal.Decimal
	FDVUSD       *decimal.Decimal
	VolumeUSD24h *decimal.Decimal
	TotalSupply  *big.Int // Raw, not decimal adjusted
	Decimals     *uint8
	TopPool      string
}

// GeckoTerminal is a client of the GeckoTerminal public API
type GeckoTerminal struct {
	baseURL string
	network string
	client  *http.Client
	logger  zerolog.Logger
}

// NewGeckoTerminal creates a client for network (e.g. "eth") on the API at baseURL.
func NewGeckoTerminal(baseURL, network string, timeout time.Duration, logger zerolog.Logger) *GeckoTerminal {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &GeckoTerminal{
		baseURL: strings.TrimRight(baseURL, "/"),
		network: network,
		client: &http.Client{
			Timeout: timeout,
		},
		logger: logger.With().Str("component", "geckoterminal").Logger(),
	}
}

type multiTokenResponse struct {
	Data []tokenResource `json:"data"`
}

type tokenResource struct {
	ID         string `json:"id"`
	Attributes struct {
		Address     string              `json:"address"`
		Decimals    *uint8              `json:"decimals"`
		TotalSupply decimal.NullDecimal `json:"total_supply"`
		PriceUSD    decimal.NullDecimal `json:"price_usd"`
		FDVUSD      decimal.NullDecimal `json:"fdv_usd"`
		VolumeUSD   struct {
			H24 decimal.NullDecimal `json:"h24"`
		} `json:"volume_usd"`
	} `json:"attributes"`
	Relationships struct {
		TopPools struct {
			Data []struct {
				ID string `json:"id"`
			} `json:"data"`
		} `json:"top_pools"`
	} `json:"relationships"`
}

// TokensMulti fetches market data for up to MaxAddressesPerCall addresses in one call.
// Addresses unknown to the aggregator are absent from the result.
func (g *GeckoTerminal) TokensMulti(ctx context.Context, addresses []string) (map[string]TokenMarket, error) {
	if len(addresses) == 0 {
		return map[string]TokenMarket{}, nil
	}
	if len(addresses) > MaxAddressesPerCall {
		return nil, fmt.Errorf("too many addresses: %d > %d", len(addresses), MaxAddressesPerCall)
	}

	escaped := make([]string, len(addresses))
	for i, a := range addresses {
		escaped[i] = url.PathEscape(a)
	}

	fullURL := fmt.Sprintf("%s/networks/%s/tokens/multi/%s",
		g.baseURL, url.PathEscape(g.network), strings.Join(escaped, ","))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch tokens: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{Code: resp.StatusCode, Body: string(body)}
	}

	var raw multiTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	markets := make(map[string]TokenMarket, len(raw.Data))
	for _, res := range raw.Data {
		market := res.toMarket()
		if market.Address == "" {
			continue
		}
		markets[market.Address] = market
	}

	g.logger.Debug().Int("requested", len(addresses)).Int("returned", len(markets)).Msg("📡 Fetched token markets")

	return markets, nil
}

func (r tokenResource) toMarket() TokenMarket {
	address := r.Attributes.Address
	if address == "" {
		// ids look like "<network>_<address>"
		if i := strings.LastIndex(r.ID, "_"); i >= 0 {
			address = r.ID[i+1:]
		}
	}

	market := TokenMarket{
		Address:      domain.NormalizeAddress(address),
		PriceUSD:     nullable(r.Attributes.PriceUSD),
		FDVUSD:       nullable(r.Attributes.FDVUSD),
		VolumeUSD24h: nullable(r.Attributes.VolumeUSD.H24),
		Decimals:     r.Attributes.Decimals,
	}

	if r.Attributes.TotalSupply.Valid && !r.Attributes.TotalSupply.Decimal.IsNegative() {
		market.TotalSupply = r.Attributes.TotalSupply.Decimal.BigInt()
	}

	if pools := r.Relationships.TopPools.Data; len(pools) > 0 {
		id := pools[0].ID
		if i := strings.LastIndex(id, "_"); i >= 0 {
			id = id[i+1:]
		}
		market.TopPool = domain.NormalizeAddress(id)
	}

	return market
}

func nullable(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	v := d.Decimal
	return &v
}
