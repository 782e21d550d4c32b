// Package handler serves the operational HTTP surface of the oracle
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/sljivkov/dexoracle/chains"
	"github.com/sljivkov/dexoracle/domain"
	"github.com/sljivkov/dexoracle/storage"
)

// StatusSource reports the chain side state.
type StatusSource interface {
	Status() chains.Status
}

// BudgetSource reports the aggregator calls left in the current window.
type BudgetSource interface {
	BudgetRemaining() int
}

// TokenGetter looks up registered tokens.
type TokenGetter interface {
	GetToken(ctx context.Context, address string) (domain.Token, error)
}

// StatusResponse is the body of /status.
type StatusResponse struct {
	chains.Status
	BudgetRemaining int `json:"budget_remaining"`
}

// TrackResponse is the body of a track request.
type TrackResponse struct {
	Address string `json:"address"`
	Tracked bool   `json:"tracked"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handler serves /health, /status, /metrics and the onboarding trigger.
type Handler struct {
	status   StatusSource
	budget   BudgetSource
	tokens   TokenGetter
	tracker  domain.Tracker
	gatherer prometheus.Gatherer
	logger   zerolog.Logger
}

// New creates the ops handler. A nil gatherer serves the default registry.
func New(status StatusSource, budget BudgetSource, tokens TokenGetter, tracker domain.Tracker, gatherer prometheus.Gatherer, logger zerolog.Logger) *Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	return &Handler{
		status:   status,
		budget:   budget,
		tokens:   tokens,
		tracker:  tracker,
		gatherer: gatherer,
		logger:   logger.With().Str("component", "http").Logger(),
	}
}

// Routes returns the request multiplexer.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("GET /status", h.statusHandler)
	mux.Handle("GET /metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("POST /tokens/{address}/track", h.track)

	return mux
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (h *Handler) Serve(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           h.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info().Str("addr", addr).Msg("🌐 Starting ops server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("ops server: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown ops server: %w", err)
	}

	return nil
}

// health is 200 only while a session is connected and the anchor is known.
func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	st := h.status.Status()
	if !st.Connected || !st.Anchor.Available {
		writeJSON(w, http.StatusServiceUnavailable, map[string]bool{
			"connected": st.Connected,
			"anchor":    st.Anchor.Available,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) statusHandler(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{Status: h.status.Status()}
	if h.budget != nil {
		resp.BudgetRemaining = h.budget.BudgetRemaining()
	}

	writeJSON(w, http.StatusOK, resp)
}

// track onboards a registered token immediately instead of waiting for the insert stream.
func (h *Handler) track(w http.ResponseWriter, r *http.Request) {
	address := domain.NormalizeAddress(r.PathValue("address"))
	if !common.IsHexAddress(address) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid token address"})
		return
	}

	token, err := h.tokens.GetToken(r.Context(), address)
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "token not registered"})
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("token", address).Msg("❌ Token lookup failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "token lookup failed"})
		return
	}

	if err := h.tracker.Track(r.Context(), token); err != nil {
		switch {
		case errors.Is(err, chains.ErrNotConnected):
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		case errors.Is(err, chains.ErrPoolNotFound):
			writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
		default:
			h.logger.Warn().Err(err).Str("token", address).Msg("⚠️ Track request failed")
			writeJSON(w, http.StatusBadGateway, errorResponse{Error: "track failed"})
		}
		return
	}

	resp := TrackResponse{Address: address, Tracked: h.tracker.Tracked(address)}
	code := http.StatusOK
	if !resp.Tracked {
		code = http.StatusAccepted
	}

	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
