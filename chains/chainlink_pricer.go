package chains

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// ErrAnchorDeviation is returned when a pool-derived anchor strays too far from the feed.
var ErrAnchorDeviation = errors.New("anchor deviates from chainlink feed")

// ChainlinkReader reads a Chainlink aggregator.
type ChainlinkReader interface {
	ChainlinkAnswer(ctx context.Context, feed common.Address) (*big.Int, uint8, error)
}

// referenceTTL bounds how often the feed is read while anchor swaps stream in.
const referenceTTL = time.Minute

// ChainlinkPricer guards the anchor against a Chainlink USD feed.
type ChainlinkPricer struct {
	reader       ChainlinkReader
	feed         common.Address
	maxDeviation float64
	timeout      time.Duration
	logger       zerolog.Logger
	now          func() time.Time

	mu        sync.Mutex
	reference float64
	fetchedAt time.Time
}

// NewChainlinkPricer creates a guard allowing maxDeviation relative distance from the feed.
func NewChainlinkPricer(reader ChainlinkReader, feed common.Address, maxDeviation float64, timeout time.Duration, logger zerolog.Logger) *ChainlinkPricer {
	return &ChainlinkPricer{
		reader:       reader,
		feed:         feed,
		maxDeviation: maxDeviation,
		timeout:      timeout,
		logger:       logger.With().Str("component", "chainlink").Logger(),
		now:          time.Now,
	}
}

// Price fetches the latest feed answer scaled by the feed decimals.
func (c *ChainlinkPricer) Price(ctx context.Context) (float64, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	answer, decimals, err := c.reader.ChainlinkAnswer(ctx, c.feed)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch Chainlink price data: %w", err)
	}
	if answer.Sign() <= 0 {
		return 0, fmt.Errorf("invalid price data received from Chainlink")
	}

	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	price, _ := new(big.Float).Quo(new(big.Float).SetInt(answer), scale).Float64()

	c.logger.Debug().Float64("price", price).Msg("🔗 Chainlink answer")
	return price, nil
}

// Check accepts candidate when it lies within maxDeviation of the feed. An unreadable
// feed does not block the anchor.
func (c *ChainlinkPricer) Check(ctx context.Context, candidate float64) error {
	reference, err := c.cachedPrice(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("⚠️ Chainlink fetch failed, accepting pool anchor")
		return nil
	}

	if deviation := math.Abs(candidate-reference) / reference; deviation > c.maxDeviation {
		return fmt.Errorf("%w: pool %.4f, feed %.4f", ErrAnchorDeviation, candidate, reference)
	}
	return nil
}

func (c *ChainlinkPricer) cachedPrice(ctx context.Context) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.reference > 0 && c.now().Sub(c.fetchedAt) < referenceTTL {
		return c.reference, nil
	}

	price, err := c.Price(ctx)
	if err != nil {
		return 0, err
	}

	c.reference = price
	c.fetchedAt = c.now()
	return price, nil
}
