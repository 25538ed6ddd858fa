package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/Quantillon-Labs/synthengine/internal/access"
	"github.com/Quantillon-Labs/synthengine/internal/engine"
	"github.com/Quantillon-Labs/synthengine/internal/hedger"
	"github.com/Quantillon-Labs/synthengine/internal/ledger"
	"github.com/Quantillon-Labs/synthengine/internal/observability"
	"github.com/Quantillon-Labs/synthengine/internal/oracle"
	"github.com/Quantillon-Labs/synthengine/internal/query"
	"github.com/Quantillon-Labs/synthengine/internal/vault"
)

// HTTPServer exposes the command and query APIs over HTTP/JSON. The
// calling identity arrives in the X-Actor-ID header; capability checks
// happen inside the engine.
type HTTPServer struct {
	eng     *engine.Engine
	queries *query.Service
	health  *observability.HealthChecker
	metrics *observability.Metrics
	logger  zerolog.Logger
	server  *http.Server
}

func NewHTTPServer(addr string, eng *engine.Engine, queries *query.Service, health *observability.HealthChecker, metrics *observability.Metrics, logger zerolog.Logger) *HTTPServer {
	s := &HTTPServer{
		eng:     eng,
		queries: queries,
		health:  health,
		metrics: metrics,
		logger:  logger.With().Str("component", "http").Logger(),
	}

	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/mint", s.handleMint)
	mux.HandleFunc("POST /v1/redeem", s.handleRedeem)
	mux.HandleFunc("POST /v1/fees/collect", s.handleCollectFees)

	mux.HandleFunc("POST /v1/positions", s.handleOpenPosition)
	mux.HandleFunc("GET /v1/positions", s.handleListPositions)
	mux.HandleFunc("GET /v1/positions/{id}", s.handleGetPosition)
	mux.HandleFunc("POST /v1/positions/{id}/margin/add", s.handleAddMargin)
	mux.HandleFunc("POST /v1/positions/{id}/margin/remove", s.handleRemoveMargin)
	mux.HandleFunc("POST /v1/positions/{id}/close", s.handleClosePosition)
	mux.HandleFunc("POST /v1/positions/{id}/liquidate", s.handleLiquidate)

	mux.HandleFunc("GET /v1/vault/metrics", s.handleVaultMetrics)
	mux.HandleFunc("GET /v1/fills/metrics", s.handleFillMetrics)
	mux.HandleFunc("GET /v1/oracle/price", s.handleOracleState)
	mux.HandleFunc("POST /v1/oracle/bounds", s.handleUpdateBounds)
	mux.HandleFunc("POST /v1/oracle/source", s.handleUpdateSource)
	mux.HandleFunc("POST /v1/oracle/circuit-breaker", s.handleCircuitBreaker)

	mux.HandleFunc("GET /v1/balances/{account}", s.handleBalances)
	mux.HandleFunc("GET /v1/history/events", s.handleEventHistory)
	mux.HandleFunc("GET /v1/history/journal/{account}", s.handleJournalHistory)
	mux.HandleFunc("GET /v1/admin/integrity", s.handleVerifyIntegrity)

	if health != nil {
		mux.HandleFunc("GET /healthz", health.LivenessHandler)
		mux.HandleFunc("GET /readyz", health.ReadinessHandler)
	}

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.instrument(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// instrument records request latency per route pattern.
func (s *HTTPServer) instrument(mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, pattern := mux.Handler(r)
		start := time.Now()
		mux.ServeHTTP(w, r)
		if s.metrics != nil && pattern != "" {
			s.metrics.QueryDuration.WithLabelValues(pattern).Observe(time.Since(start).Seconds())
		}
	})
}

// Start serves until ctx is cancelled (blocking).
func (s *HTTPServer) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// ----------------------------------------------------------------------------
// Command handlers
// ----------------------------------------------------------------------------

type mintRequest struct {
	ReserveIn string `json:"reserve_in"`
	MinOut    string `json:"min_out,omitempty"`
}

func (s *HTTPServer) handleMint(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	var req mintRequest
	if !s.decode(w, r, &req) {
		return
	}
	reserveIn, err := parseAmount(req.ReserveIn)
	if err != nil {
		s.error(w, "mint", http.StatusBadRequest, err)
		return
	}
	minOut, err := parseOptionalAmount(req.MinOut)
	if err != nil {
		s.error(w, "mint", http.StatusBadRequest, err)
		return
	}

	res, err := s.eng.Mint(actor, reserveIn, minOut)
	if err != nil {
		s.engineError(w, "mint", err)
		return
	}
	s.respond(w, "mint", http.StatusOK, map[string]any{
		"synthetic_out": res.SyntheticOut,
		"fee":           res.Fee,
		"net_reserve":   res.NetReserve,
	})
}

type redeemRequest struct {
	SyntheticIn string `json:"synthetic_in"`
	MinOut      string `json:"min_out,omitempty"`
}

func (s *HTTPServer) handleRedeem(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	var req redeemRequest
	if !s.decode(w, r, &req) {
		return
	}
	syntheticIn, err := parseAmount(req.SyntheticIn)
	if err != nil {
		s.error(w, "redeem", http.StatusBadRequest, err)
		return
	}
	minOut, err := parseOptionalAmount(req.MinOut)
	if err != nil {
		s.error(w, "redeem", http.StatusBadRequest, err)
		return
	}

	res, err := s.eng.Redeem(actor, syntheticIn, minOut)
	if err != nil {
		s.engineError(w, "redeem", err)
		return
	}
	s.respond(w, "redeem", http.StatusOK, map[string]any{
		"reserve_out": res.ReserveOut,
		"fee":         res.Fee,
		"burned":      res.Burned,
	})
}

func (s *HTTPServer) handleCollectFees(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	amount, err := s.eng.CollectFees(actor)
	if err != nil {
		s.engineError(w, "collect_fees", err)
		return
	}
	s.respond(w, "collect_fees", http.StatusOK, map[string]any{"amount": amount})
}

type openPositionRequest struct {
	Margin   string `json:"margin"`
	Leverage int64  `json:"leverage"`
}

func (s *HTTPServer) handleOpenPosition(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	var req openPositionRequest
	if !s.decode(w, r, &req) {
		return
	}
	margin, err := parseAmount(req.Margin)
	if err != nil {
		s.error(w, "open_position", http.StatusBadRequest, err)
		return
	}

	pos, err := s.eng.OpenPosition(actor, margin, req.Leverage)
	if err != nil {
		s.engineError(w, "open_position", err)
		return
	}
	s.respond(w, "open_position", http.StatusCreated, positionJSON(*pos))
}

type marginRequest struct {
	Amount string `json:"amount"`
}

func (s *HTTPServer) handleAddMargin(w http.ResponseWriter, r *http.Request) {
	s.marginOp(w, r, "add_margin", s.eng.AddMargin)
}

func (s *HTTPServer) handleRemoveMargin(w http.ResponseWriter, r *http.Request) {
	s.marginOp(w, r, "remove_margin", s.eng.RemoveMargin)
}

func (s *HTTPServer) marginOp(w http.ResponseWriter, r *http.Request, op string, apply func(uuid.UUID, uuid.UUID, decimal.Decimal) (*hedger.Position, error)) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	positionID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.error(w, op, http.StatusBadRequest, fmt.Errorf("invalid position id: %w", err))
		return
	}
	var req marginRequest
	if !s.decode(w, r, &req) {
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.error(w, op, http.StatusBadRequest, err)
		return
	}

	pos, err := apply(actor, positionID, amount)
	if err != nil {
		s.engineError(w, op, err)
		return
	}
	s.respond(w, op, http.StatusOK, positionJSON(*pos))
}

func (s *HTTPServer) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	positionID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.error(w, "close_position", http.StatusBadRequest, fmt.Errorf("invalid position id: %w", err))
		return
	}

	res, err := s.eng.ClosePosition(actor, positionID)
	if err != nil {
		s.engineError(w, "close_position", err)
		return
	}
	s.respond(w, "close_position", http.StatusOK, map[string]any{
		"position":   positionJSON(*res.Position),
		"pnl":        res.PnL,
		"settlement": res.Settlement,
	})
}

func (s *HTTPServer) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	positionID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.error(w, "liquidate", http.StatusBadRequest, fmt.Errorf("invalid position id: %w", err))
		return
	}

	res, err := s.eng.LiquidatePosition(actor, positionID)
	if err != nil {
		s.engineError(w, "liquidate", err)
		return
	}
	s.respond(w, "liquidate", http.StatusOK, map[string]any{
		"position":         positionJSON(*res.Position),
		"pnl":              res.PnL,
		"loss":             res.Loss,
		"seized_margin":    res.SeizedMargin,
		"margin_ratio_bps": res.MarginRatioBps,
	})
}

type boundsRequest struct {
	MinBound string `json:"min_bound"`
	MaxBound string `json:"max_bound"`
}

func (s *HTTPServer) handleUpdateBounds(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	var req boundsRequest
	if !s.decode(w, r, &req) {
		return
	}
	minBound, err := parseAmount(req.MinBound)
	if err != nil {
		s.error(w, "update_bounds", http.StatusBadRequest, err)
		return
	}
	maxBound, err := parseAmount(req.MaxBound)
	if err != nil {
		s.error(w, "update_bounds", http.StatusBadRequest, err)
		return
	}

	if err := s.eng.UpdatePriceBounds(actor, minBound, maxBound); err != nil {
		s.engineError(w, "update_bounds", err)
		return
	}
	s.respond(w, "update_bounds", http.StatusOK, map[string]any{"status": "ok"})
}

type sourceRequest struct {
	Source string `json:"source"`
}

func (s *HTTPServer) handleUpdateSource(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	var req sourceRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Source == "" {
		s.error(w, "update_source", http.StatusBadRequest, fmt.Errorf("source is required"))
		return
	}

	if err := s.eng.UpdatePriceSource(actor, req.Source); err != nil {
		s.engineError(w, "update_source", err)
		return
	}
	s.respond(w, "update_source", http.StatusOK, map[string]any{"status": "ok"})
}

type circuitBreakerRequest struct {
	Action string `json:"action"` // "trip" or "reset"
}

func (s *HTTPServer) handleCircuitBreaker(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	var req circuitBreakerRequest
	if !s.decode(w, r, &req) {
		return
	}

	var err error
	switch req.Action {
	case "trip":
		err = s.eng.TriggerCircuitBreaker(actor)
	case "reset":
		err = s.eng.ResetCircuitBreaker(actor)
	default:
		s.error(w, "circuit_breaker", http.StatusBadRequest, fmt.Errorf("action must be trip or reset"))
		return
	}
	if err != nil {
		s.engineError(w, "circuit_breaker", err)
		return
	}
	s.respond(w, "circuit_breaker", http.StatusOK, map[string]any{"status": "ok"})
}

// ----------------------------------------------------------------------------
// Read handlers
// ----------------------------------------------------------------------------

func (s *HTTPServer) handleVaultMetrics(w http.ResponseWriter, r *http.Request) {
	m := s.eng.VaultMetrics()
	s.respond(w, "vault_metrics", http.StatusOK, map[string]any{
		"reserve_balance":       m.ReserveBalance,
		"synthetic_supply":      m.SyntheticSupply,
		"accrued_fees":          m.AccruedFees,
		"collateralization_bps": m.CollateralizationBps,
		"last_update":           m.LastUpdate,
		"as_of_sequence":        s.eng.Sequence() - 1,
	})
}

func (s *HTTPServer) handleFillMetrics(w http.ResponseWriter, r *http.Request) {
	m := s.eng.FillMetrics()
	s.respond(w, "fill_metrics", http.StatusOK, map[string]any{
		"total_requested": m.TotalRequested,
		"total_filled":    m.TotalFilled,
		"request_count":   m.RequestCount,
		"utilization_bps": m.UtilizationBps,
	})
}

func (s *HTTPServer) handleOracleState(w http.ResponseWriter, r *http.Request) {
	st := s.eng.OracleState()
	s.respond(w, "oracle_state", http.StatusOK, map[string]any{
		"value":          st.Value,
		"updated_at":     st.UpdatedAt,
		"sequence":       st.Sequence,
		"min_bound":      st.MinBound,
		"max_bound":      st.MaxBound,
		"source":         st.Source,
		"circuit_broken": st.CircuitBroken,
	})
}

func (s *HTTPServer) handleListPositions(w http.ResponseWriter, r *http.Request) {
	views := s.eng.ActivePositions()
	out := make([]map[string]any, 0, len(views))
	for _, v := range views {
		out = append(out, positionViewJSON(v))
	}
	s.respond(w, "list_positions", http.StatusOK, map[string]any{"positions": out})
}

func (s *HTTPServer) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	positionID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.error(w, "get_position", http.StatusBadRequest, fmt.Errorf("invalid position id: %w", err))
		return
	}
	view, err := s.eng.PositionInfo(positionID)
	if err != nil {
		s.engineError(w, "get_position", err)
		return
	}
	s.respond(w, "get_position", http.StatusOK, positionViewJSON(view))
}

func (s *HTTPServer) handleBalances(w http.ResponseWriter, r *http.Request) {
	account, err := uuid.Parse(r.PathValue("account"))
	if err != nil {
		s.error(w, "balances", http.StatusBadRequest, fmt.Errorf("invalid account: %w", err))
		return
	}
	entries, err := s.queries.GetBalances(r.Context(), account)
	if err != nil {
		s.error(w, "balances", http.StatusInternalServerError, err)
		return
	}
	s.respond(w, "balances", http.StatusOK, map[string]any{"balances": entries})
}

func (s *HTTPServer) handleEventHistory(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100, 500)
	before := queryCursor(r, "before")
	entries, err := s.queries.ListEvents(r.Context(), r.URL.Query().Get("event_type"), limit, before)
	if err != nil {
		s.error(w, "event_history", http.StatusInternalServerError, err)
		return
	}
	s.respond(w, "event_history", http.StatusOK, map[string]any{"events": entries})
}

func (s *HTTPServer) handleJournalHistory(w http.ResponseWriter, r *http.Request) {
	account, err := uuid.Parse(r.PathValue("account"))
	if err != nil {
		s.error(w, "journal_history", http.StatusBadRequest, fmt.Errorf("invalid account: %w", err))
		return
	}
	limit := queryInt(r, "limit", 100, 500)
	before := queryCursor(r, "before")
	entries, err := s.queries.GetJournalHistory(r.Context(), account, limit, before)
	if err != nil {
		s.error(w, "journal_history", http.StatusInternalServerError, err)
		return
	}
	s.respond(w, "journal_history", http.StatusOK, map[string]any{"journals": entries})
}

func (s *HTTPServer) handleVerifyIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := s.queries.VerifyIntegrity(r.Context())
	if err != nil {
		s.error(w, "verify_integrity", http.StatusInternalServerError, err)
		return
	}
	s.respond(w, "verify_integrity", http.StatusOK, report)
}

// ----------------------------------------------------------------------------
// Helpers
// ----------------------------------------------------------------------------

func positionJSON(pos hedger.Position) map[string]any {
	return map[string]any{
		"position_id": pos.ID,
		"owner":       pos.Owner,
		"margin":      pos.Margin,
		"notional":    pos.Notional,
		"leverage":    pos.Leverage,
		"entry_price": pos.EntryPrice,
		"entry_time":  pos.EntryTime,
		"status":      pos.Status.String(),
	}
}

func positionViewJSON(v engine.PositionView) map[string]any {
	out := positionJSON(v.Position)
	out["filled_notional"] = v.FilledNotional
	out["margin_ratio_bps"] = v.MarginRatioBps
	return out
}

// actor extracts the caller identity from the X-Actor-ID header.
func (s *HTTPServer) actor(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := r.Header.Get("X-Actor-ID")
	if raw == "" {
		s.error(w, "auth", http.StatusUnauthorized, fmt.Errorf("X-Actor-ID header is required"))
		return uuid.Nil, false
	}
	actor, err := uuid.Parse(raw)
	if err != nil {
		s.error(w, "auth", http.StatusUnauthorized, fmt.Errorf("invalid X-Actor-ID: %w", err))
		return uuid.Nil, false
	}
	return actor, true
}

func (s *HTTPServer) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.error(w, "decode", http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return false
	}
	return true
}

func parseAmount(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, fmt.Errorf("amount is required")
	}
	return decimal.NewFromString(raw)
}

func parseOptionalAmount(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(raw)
}

func queryInt(r *http.Request, name string, def, max int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > max {
		return def
	}
	return n
}

func queryCursor(r *http.Request, name string) *int64 {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}

// engineError maps engine rejections to HTTP status codes.
func (s *HTTPServer) engineError(w http.ResponseWriter, op string, err error) {
	s.error(w, op, statusForError(err), err)
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, access.ErrUnauthorized),
		errors.Is(err, hedger.ErrNotOwner):
		return http.StatusForbidden

	case errors.Is(err, hedger.ErrPositionNotFound):
		return http.StatusNotFound

	case errors.Is(err, oracle.ErrStalePrice),
		errors.Is(err, oracle.ErrCircuitBreakerActive):
		return http.StatusServiceUnavailable

	case errors.Is(err, vault.ErrInvalidAmount),
		errors.Is(err, vault.ErrBelowMinimum),
		errors.Is(err, vault.ErrExceedsLimit),
		errors.Is(err, oracle.ErrInvalidPrice),
		errors.Is(err, hedger.ErrInvalidAmount),
		errors.Is(err, hedger.ErrInvalidLeverage):
		return http.StatusBadRequest

	case errors.Is(err, vault.ErrSlippageExceeded),
		errors.Is(err, vault.ErrInsufficientCollateralization),
		errors.Is(err, vault.ErrInsufficientReserves),
		errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, hedger.ErrTooManyPositions),
		errors.Is(err, hedger.ErrPositionNotActive),
		errors.Is(err, hedger.ErrMarginBelowMinimum),
		errors.Is(err, hedger.ErrPositionHealthy):
		return http.StatusConflict

	default:
		return http.StatusInternalServerError
	}
}

func (s *HTTPServer) error(w http.ResponseWriter, op string, status int, err error) {
	if s.metrics != nil {
		s.metrics.QueryRequests.WithLabelValues(op, strconv.Itoa(status)).Inc()
	}
	if status >= 500 {
		s.logger.Error().Err(err).Str("op", op).Msg("request failed")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func (s *HTTPServer) respond(w http.ResponseWriter, op string, status int, v any) {
	if s.metrics != nil {
		s.metrics.QueryRequests.WithLabelValues(op, strconv.Itoa(status)).Inc()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
