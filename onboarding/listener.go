// Package onboarding starts live tracking for tokens registered after startup
package onboarding

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sljivkov/dexoracle/domain"
	"github.com/sljivkov/dexoracle/metrics"
)

// TokenSource is the store surface of the onboarding path.
type TokenSource interface {
	ListTokens(ctx context.Context) ([]domain.Token, error)
	WatchInserts(ctx context.Context) (<-chan domain.Token, error)
}

// Config holds the onboarding settings.
type Config struct {
	ReconcileInterval time.Duration // Period of the full registry diff
	RetryDelay        time.Duration // Wait before re-establishing a failed insert stream
}

// Listener hands every newly registered token to the tracker. The insert stream has
// no resume marker, so a periodic diff of the token set against the tracker covers
// inserts missed while the stream was down.
type Listener struct {
	tokens  TokenSource
	tracker domain.Tracker
	cfg     Config
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewListener creates an onboarding listener.
func NewListener(tokens TokenSource, tracker domain.Tracker, cfg Config, m *metrics.Metrics, logger zerolog.Logger) *Listener {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}

	return &Listener{
		tokens:  tokens,
		tracker: tracker,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With().Str("component", "onboarding").Logger(),
	}
}

// Run watches inserts and runs the periodic diff until ctx is done.
func (l *Listener) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return l.watch(gctx) })
	g.Go(func() error { return l.reconcile(gctx) })

	return g.Wait()
}

// watch consumes the insert stream and re-establishes it whenever it fails or closes.
func (l *Listener) watch(ctx context.Context) error {
	for {
		inserts, err := l.tokens.WatchInserts(ctx)
		if err != nil {
			l.logger.Warn().Err(err).Dur("retry_in", l.cfg.RetryDelay).Msg("🔴 Insert stream unavailable")
		} else {
			l.logger.Info().Msg("👂 Watching token inserts")

			for token := range inserts {
				l.onboard(ctx, token, "insert")
			}

			if ctx.Err() != nil {
				return nil
			}
			l.logger.Warn().Dur("retry_in", l.cfg.RetryDelay).Msg("🔴 Insert stream closed, re-establishing")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(l.cfg.RetryDelay):
		}
	}
}

func (l *Listener) reconcile(ctx context.Context) error {
	if l.cfg.ReconcileInterval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(l.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := l.Diff(ctx)
			if err != nil {
				l.logger.Warn().Err(err).Msg("⚠️ Registry diff failed")
				continue
			}
			if n > 0 {
				l.logger.Info().Int("onboarded", n).Msg("✅ Registry diff onboarded missed tokens")
			}
		}
	}
}

// Diff onboards every stored token the tracker does not track. It returns the number
// of tokens that became tracked.
func (l *Listener) Diff(ctx context.Context) (int, error) {
	tokens, err := l.tokens.ListTokens(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tokens: %w", err)
	}

	onboarded := 0
	for _, token := range tokens {
		if ctx.Err() != nil {
			return onboarded, ctx.Err()
		}
		if l.onboard(ctx, token, "diff") {
			onboarded++
		}
	}

	return onboarded, nil
}

// onboard tracks token once. Failures are logged and left to the next diff.
func (l *Listener) onboard(ctx context.Context, token domain.Token, trigger string) bool {
	if l.tracker.Tracked(token.Address) {
		return false
	}

	if err := l.tracker.Track(ctx, token); err != nil {
		l.logger.Info().Err(err).Str("token", token.Address).Str("trigger", trigger).Msg("⚠️ Token not onboarded")
		return false
	}

	if !l.tracker.Tracked(token.Address) {
		return false
	}

	l.metrics.IncOnboarded(trigger)
	l.logger.Info().Str("token", token.Address).Str("symbol", token.Symbol).Str("trigger", trigger).Msg("🆕 Token onboarded")

	return true
}
