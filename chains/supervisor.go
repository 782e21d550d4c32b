package chains

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sljivkov/dexoracle/domain"
	"github.com/sljivkov/dexoracle/metrics"
)

// errSessionEnded is returned when every session goroutine stopped without an error.
var errSessionEnded = errors.New("session ended")

// TokenLister loads the full token set.
type TokenLister interface {
	ListTokens(ctx context.Context) ([]domain.Token, error)
}

// SessionRunner is a component restarted with every chain session.
type SessionRunner interface {
	Run(ctx context.Context) error
}

// SupervisorConfig holds the resilience settings.
type SupervisorConfig struct {
	ReconnectDelay    time.Duration
	HeartbeatInterval time.Duration
	CallTimeout       time.Duration
	SubscribeWorkers  int
}

// Status is a point-in-time view of the chain side.
type Status struct {
	SessionID     string      `json:"session_id"`
	Connected     bool        `json:"connected"`
	Subscriptions int         `json:"subscriptions"`
	Anchor        AnchorState `json:"anchor"`
}

// Supervisor owns the streaming connection. Every session re-seeds the anchor,
// restarts the onboarding listener and subscribes all known tokens; on any failure
// it invalidates the registry and starts over after ReconnectDelay.
type Supervisor struct {
	dial       Dialer
	live       *liveClient
	anchor     *AnchorTracker
	subscriber *SwapSubscriber
	registry   *Registry
	tokens     TokenLister
	listener   SessionRunner
	cfg        SupervisorConfig
	metrics    *metrics.Metrics
	logger     zerolog.Logger

	mu        sync.RWMutex
	sessionID string
	session   context.Context
	connected bool
}

// PipelineConfig groups the settings of every chain component.
type PipelineConfig struct {
	FeeTiers   []uint32
	Anchor     AnchorConfig
	Subscriber SubscriberConfig
	Supervisor SupervisorConfig
}

// NewSupervisor wires the chain pipeline on top of a session-scoped client.
func NewSupervisor(dial Dialer, tokens TokenLister, store PriceWriter, cfg PipelineConfig, m *metrics.Metrics, logger zerolog.Logger) *Supervisor {
	live := &liveClient{}
	resolver := NewPoolResolver(live, cfg.FeeTiers)
	anchor := NewAnchorTracker(live, resolver, cfg.Anchor, m, logger)
	registry := NewRegistry()
	subscriber := NewSwapSubscriber(live, resolver, anchor, registry, store, cfg.Subscriber, m, logger)

	if cfg.Supervisor.SubscribeWorkers <= 0 {
		cfg.Supervisor.SubscribeWorkers = 8
	}

	return &Supervisor{
		dial:       dial,
		live:       live,
		anchor:     anchor,
		subscriber: subscriber,
		registry:   registry,
		tokens:     tokens,
		cfg:        cfg.Supervisor,
		metrics:    m,
		logger:     logger.With().Str("component", "supervisor").Logger(),
	}
}

// Client returns the session-scoped client, usable by components built outside the supervisor.
func (s *Supervisor) Client() ChainClient {
	return s.live
}

// Anchor returns the anchor tracker.
func (s *Supervisor) Anchor() *AnchorTracker {
	return s.anchor
}

// SetListener installs the onboarding listener restarted with every session.
func (s *Supervisor) SetListener(listener SessionRunner) {
	s.listener = listener
}

// Track subscribes token within the current session.
func (s *Supervisor) Track(ctx context.Context, token domain.Token) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	session := s.session
	s.mu.RUnlock()

	if session == nil || session.Err() != nil {
		return ErrNotConnected
	}

	return s.subscriber.Subscribe(session, token)
}

// Tracked reports whether address has a live subscription.
func (s *Supervisor) Tracked(address string) bool {
	return s.registry.Has(domain.NormalizeAddress(address))
}

// Status reports the current session state.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Status{
		SessionID:     s.sessionID,
		Connected:     s.connected,
		Subscriptions: s.registry.Len(),
		Anchor:        s.anchor.State(),
	}
}

// Run keeps a session alive until ctx is done.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		err := s.runSession(ctx)

		disposed := s.endSession()
		if ctx.Err() != nil {
			s.logger.Info().Msg("🛑 Context cancelled, supervisor stopped")
			return nil
		}

		s.metrics.IncReconnects()
		s.logger.Warn().
			Err(err).
			Int("disposed", disposed).
			Dur("retry_in", s.cfg.ReconnectDelay).
			Msg("🔴 Chain session lost, reconnecting")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.cfg.ReconnectDelay):
		}
	}
}

// runSession performs one full initialization and blocks until the session fails.
func (s *Supervisor) runSession(ctx context.Context) error {
	conn, err := s.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	sessionID := uuid.NewString()
	logger := s.logger.With().Str("session", sessionID).Logger()

	s.registry.Reset()
	s.live.set(conn)

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(sessionCtx)
	abort := func(err error) error {
		cancel()
		_ = g.Wait()
		return err
	}

	if err := s.anchor.Seed(gctx); err != nil {
		return abort(err)
	}
	g.Go(func() error { return s.anchor.Follow(gctx) })
	g.Go(func() error { return s.heartbeat(gctx, conn) })

	tokens, err := s.tokens.ListTokens(gctx)
	if err != nil {
		return abort(fmt.Errorf("list tokens: %w", err))
	}

	s.beginSession(sessionID, gctx)

	if s.listener != nil {
		g.Go(func() error { return s.listener.Run(gctx) })
	}

	subscribed := s.subscribeAll(gctx, tokens)
	logger.Info().
		Int("tokens", len(tokens)).
		Int("subscribed", subscribed).
		Msg("✅ Chain session established")

	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return errSessionEnded
}

// subscribeAll subscribes tokens with bounded concurrency. Individual failures are logged.
func (s *Supervisor) subscribeAll(ctx context.Context, tokens []domain.Token) int {
	var g errgroup.Group
	g.SetLimit(s.cfg.SubscribeWorkers)

	for _, token := range tokens {
		g.Go(func() error {
			if err := s.subscriber.Subscribe(ctx, token); err != nil {
				level := s.logger.Warn()
				if errors.Is(err, ErrPoolNotFound) {
					level = s.logger.Info()
				}
				level.Err(err).Str("token", token.Address).Msg("⚠️ Token not subscribed")
			}
			return nil
		})
	}
	_ = g.Wait()

	return s.registry.Len()
}

// heartbeat probes the connection; a failed probe ends the session.
func (s *Supervisor) heartbeat(ctx context.Context, conn Conn) error {
	if s.cfg.HeartbeatInterval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, s.probeTimeout())
			block, err := conn.BlockNumber(probeCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("heartbeat: %w", err)
			}
			s.logger.Debug().Uint64("block", block).Msg("💓 Heartbeat")
		}
	}
}

func (s *Supervisor) probeTimeout() time.Duration {
	if s.cfg.CallTimeout > 0 {
		return s.cfg.CallTimeout
	}
	return s.cfg.HeartbeatInterval
}

func (s *Supervisor) beginSession(id string, session context.Context) {
	s.mu.Lock()
	s.sessionID = id
	s.session = session
	s.connected = true
	s.mu.Unlock()

	s.metrics.SetConnected(true)
}

// endSession detaches every listener of the finished session.
func (s *Supervisor) endSession() int {
	s.mu.Lock()
	s.session = nil
	s.connected = false
	s.mu.Unlock()

	s.live.set(nil)
	disposed := s.registry.Reset()

	s.metrics.SetConnected(false)
	s.metrics.SetSubscriptions(0)
	return disposed
}
