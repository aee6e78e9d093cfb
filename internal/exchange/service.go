// Package exchange provides the HTTP handlers and dispatch logic for
// the perp venue: account funding, the position lifecycle, oracle price
// administration, and read-side queries.
//
// Handlers load the affected records, invoke the pure engine, and
// persist every mutated record in one atomic commit. A mutex serializes
// state-changing operations (single-instance). For horizontal scaling,
// replace with distributed locking or database-level optimistic
// concurrency.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/perpx/perp-engine/internal/engine"
	"github.com/perpx/perp-engine/internal/metrics"
	"github.com/perpx/perp-engine/internal/model"
	"github.com/perpx/perp-engine/internal/risk"
	"github.com/perpx/perp-engine/internal/store"
)

// Service handles exchange operations.
type Service struct {
	store      store.Store
	adminToken string
	now        func() int64 // injectable clock, unix seconds
	mu         sync.Mutex
	wsHub      *WSHub // optional WebSocket hub for real-time broadcasts
}

// NewService creates a new exchange service. Pass nil for hub if
// WebSocket broadcasting is not needed. An empty adminToken disables
// the admin endpoints entirely.
func NewService(st store.Store, adminToken string, hub *WSHub) *Service {
	return &Service{
		store:      st,
		adminToken: adminToken,
		now:        func() int64 { return time.Now().Unix() },
		wsHub:      hub,
	}
}

// --- Request/Response types ---

// CreateAccountRequest is the JSON body for account creation.
type CreateAccountRequest struct {
	Owner string `json:"owner"`
}

// AmountRequest is the JSON body for deposits and withdrawals.
type AmountRequest struct {
	Amount uint64 `json:"amount"`
}

// OpenRequest is the JSON body for POST /positions/open.
type OpenRequest struct {
	Owner    string `json:"owner"`
	Side     string `json:"side"` // "LONG" or "SHORT"
	Margin   uint64 `json:"margin"`
	Leverage uint8  `json:"leverage"`
}

// OwnerRequest is the JSON body for POST /positions/close.
type OwnerRequest struct {
	Owner string `json:"owner"`
}

// LiquidateRequest is the JSON body for POST /positions/liquidate.
type LiquidateRequest struct {
	Owner      string `json:"owner"`
	Liquidator string `json:"liquidator"`
}

// PriceRequest is the JSON body for POST /admin/price.
type PriceRequest struct {
	Price uint64 `json:"price"`
}

// AccountResponse is an account snapshot with, when a position is open,
// its computed health.
type AccountResponse struct {
	*model.Account
	Health *risk.Health `json:"health,omitempty"`
}

// OpenResponse is returned from POST /positions/open.
type OpenResponse struct {
	Owner    string         `json:"owner"`
	Position model.Position `json:"position"`
	Notional uint64         `json:"notional"`
	Fee      uint64         `json:"fee"`
}

// CloseResponse is returned from POST /positions/close.
type CloseResponse struct {
	Owner    string `json:"owner"`
	PnL      int64  `json:"pnl"`
	Fee      uint64 `json:"fee"`
	Returned uint64 `json:"returned"`
	Price    uint64 `json:"price"`
}

// LiquidateResponse is returned from POST /positions/liquidate.
type LiquidateResponse struct {
	Owner                 string `json:"owner"`
	Liquidator            string `json:"liquidator,omitempty"`
	PnL                   int64  `json:"pnl"`
	Reward                uint64 `json:"reward"`
	InsuranceContribution uint64 `json:"insurance_contribution"`
	Price                 uint64 `json:"price"`
}

// ExchangeResponse is the venue-wide snapshot returned from GET /exchange.
type ExchangeResponse struct {
	*model.ExchangeState
	Vault *model.Vault `json:"vault"`
}

// --- HTTP Handlers ---

// CreateAccount handles POST /api/v1/accounts
func (s *Service) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid_body", "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Owner == "" {
		writeError(w, "invalid_owner", "owner is required", http.StatusBadRequest)
		return
	}

	acct := &model.Account{
		Owner:     req.Owner,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateAccount(r.Context(), acct); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			writeError(w, "account_exists", "account already exists", http.StatusConflict)
			return
		}
		writeError(w, "internal", err.Error(), http.StatusInternalServerError)
		return
	}

	slog.Info("account created", "owner", req.Owner)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(acct)
}

// GetAccount handles GET /api/v1/accounts/{owner}
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	ctx := r.Context()

	acct, err := s.store.GetAccount(ctx, owner)
	if err != nil {
		writeError(w, "account_not_found", "account not found", http.StatusNotFound)
		return
	}

	resp := AccountResponse{Account: acct}
	if acct.Position != nil {
		if st, err := s.store.GetExchangeState(ctx); err == nil {
			if h, err := risk.ComputeHealth(acct.Position, st.OraclePrice, st.Params); err == nil {
				resp.Health = h
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// Deposit handles POST /api/v1/accounts/{owner}/deposit
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid_body", "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	start := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	acct, err := s.store.GetAccount(ctx, owner)
	if err != nil {
		writeError(w, "account_not_found", "account not found", http.StatusNotFound)
		return
	}
	vault, err := s.store.GetVault(ctx)
	if err != nil {
		writeError(w, "internal", "vault unavailable", http.StatusInternalServerError)
		return
	}

	if err := engine.Deposit(acct, vault, req.Amount); err != nil {
		writeEngineError(w, model.OpDeposit, err)
		return
	}
	if err := s.store.Commit(ctx, acct, vault, nil); err != nil {
		writeError(w, "internal", "failed to commit deposit", http.StatusInternalServerError)
		return
	}

	s.recordOperation(ctx, &model.OperationRecord{
		Owner:  owner,
		Kind:   model.OpDeposit,
		Amount: req.Amount,
	})
	metrics.OperationsTotal.WithLabelValues(model.OpDeposit, "ok").Inc()
	metrics.OperationLatency.WithLabelValues(model.OpDeposit).Observe(time.Since(start).Seconds())

	slog.Info("deposit", "owner", owner, "amount", req.Amount, "balance", acct.CollateralBalance)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(acct)
}

// Withdraw handles POST /api/v1/accounts/{owner}/withdraw
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid_body", "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	start := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	acct, err := s.store.GetAccount(ctx, owner)
	if err != nil {
		writeError(w, "account_not_found", "account not found", http.StatusNotFound)
		return
	}
	vault, err := s.store.GetVault(ctx)
	if err != nil {
		writeError(w, "internal", "vault unavailable", http.StatusInternalServerError)
		return
	}

	if err := engine.Withdraw(acct, vault, req.Amount); err != nil {
		writeEngineError(w, model.OpWithdraw, err)
		return
	}
	if err := s.store.Commit(ctx, acct, vault, nil); err != nil {
		writeError(w, "internal", "failed to commit withdrawal", http.StatusInternalServerError)
		return
	}

	s.recordOperation(ctx, &model.OperationRecord{
		Owner:  owner,
		Kind:   model.OpWithdraw,
		Amount: req.Amount,
	})
	metrics.OperationsTotal.WithLabelValues(model.OpWithdraw, "ok").Inc()
	metrics.OperationLatency.WithLabelValues(model.OpWithdraw).Observe(time.Since(start).Seconds())

	slog.Info("withdraw", "owner", owner, "amount", req.Amount, "balance", acct.CollateralBalance)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(acct)
}

// OpenPosition handles POST /api/v1/positions/open
func (s *Service) OpenPosition(w http.ResponseWriter, r *http.Request) {
	var req OpenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid_body", "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Owner == "" {
		writeError(w, "invalid_owner", "owner is required", http.StatusBadRequest)
		return
	}
	if req.Side != "LONG" && req.Side != "SHORT" {
		writeError(w, "invalid_side", "side must be LONG or SHORT", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	start := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	acct, vault, st, ok := s.loadAll(ctx, w, req.Owner)
	if !ok {
		return
	}

	res, err := engine.Open(acct, vault, st, engine.OpenParams{
		IsLong:   req.Side == "LONG",
		Margin:   req.Margin,
		Leverage: req.Leverage,
	}, s.now())
	if err != nil {
		writeEngineError(w, model.OpOpen, err)
		return
	}
	if err := s.store.Commit(ctx, acct, vault, st); err != nil {
		writeError(w, "internal", "failed to commit position", http.StatusInternalServerError)
		return
	}

	s.recordOperation(ctx, &model.OperationRecord{
		Owner:  req.Owner,
		Kind:   model.OpOpen,
		Amount: req.Margin,
		Price:  res.Position.EntryPrice,
		Fee:    res.Fee,
	})
	metrics.OperationsTotal.WithLabelValues(model.OpOpen, "ok").Inc()
	metrics.OperationLatency.WithLabelValues(model.OpOpen).Observe(time.Since(start).Seconds())
	updateStateGauges(vault, st)

	slog.Info("position opened",
		"owner", req.Owner,
		"side", req.Side,
		"margin", req.Margin,
		"leverage", req.Leverage,
		"notional", res.Notional,
		"entry_price", res.Position.EntryPrice,
		"fee", res.Fee,
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:   "position_opened",
			Owner:  req.Owner,
			Side:   req.Side,
			Size:   res.Position.Size,
			Margin: req.Margin,
			Price:  res.Position.EntryPrice,
			Fee:    res.Fee,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(OpenResponse{
		Owner:    req.Owner,
		Position: res.Position,
		Notional: res.Notional,
		Fee:      res.Fee,
	})
}

// ClosePosition handles POST /api/v1/positions/close
func (s *Service) ClosePosition(w http.ResponseWriter, r *http.Request) {
	var req OwnerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid_body", "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	start := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	acct, vault, st, ok := s.loadAll(ctx, w, req.Owner)
	if !ok {
		return
	}

	res, err := engine.Close(acct, vault, st, s.now())
	if err != nil {
		writeEngineError(w, model.OpClose, err)
		return
	}
	if err := s.store.Commit(ctx, acct, vault, st); err != nil {
		writeError(w, "internal", "failed to commit close", http.StatusInternalServerError)
		return
	}

	s.recordOperation(ctx, &model.OperationRecord{
		Owner:  req.Owner,
		Kind:   model.OpClose,
		Amount: res.Returned,
		Price:  st.OraclePrice,
		PnL:    res.PnL,
		Fee:    res.Fee,
	})
	metrics.OperationsTotal.WithLabelValues(model.OpClose, "ok").Inc()
	metrics.OperationLatency.WithLabelValues(model.OpClose).Observe(time.Since(start).Seconds())
	updateStateGauges(vault, st)

	slog.Info("position closed",
		"owner", req.Owner,
		"pnl", res.PnL,
		"fee", res.Fee,
		"returned", res.Returned,
		"price", st.OraclePrice,
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:  "position_closed",
			Owner: req.Owner,
			PnL:   res.PnL,
			Fee:   res.Fee,
			Price: st.OraclePrice,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(CloseResponse{
		Owner:    req.Owner,
		PnL:      res.PnL,
		Fee:      res.Fee,
		Returned: res.Returned,
		Price:    st.OraclePrice,
	})
}

// LiquidatePosition handles POST /api/v1/positions/liquidate
func (s *Service) LiquidatePosition(w http.ResponseWriter, r *http.Request) {
	var req LiquidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid_body", "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	start := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	acct, vault, st, ok := s.loadAll(ctx, w, req.Owner)
	if !ok {
		return
	}

	res, err := engine.Liquidate(acct, vault, st, s.now())
	if err != nil {
		writeEngineError(w, model.OpLiquidate, err)
		return
	}
	if err := s.store.Commit(ctx, acct, vault, st); err != nil {
		writeError(w, "internal", "failed to commit liquidation", http.StatusInternalServerError)
		return
	}

	s.recordOperation(ctx, &model.OperationRecord{
		Owner:     req.Owner,
		Kind:      model.OpLiquidate,
		Price:     st.OraclePrice,
		PnL:       res.PnL,
		Initiator: req.Liquidator,
	})
	metrics.OperationsTotal.WithLabelValues(model.OpLiquidate, "ok").Inc()
	metrics.OperationLatency.WithLabelValues(model.OpLiquidate).Observe(time.Since(start).Seconds())
	updateStateGauges(vault, st)

	slog.Info("position liquidated",
		"owner", req.Owner,
		"liquidator", req.Liquidator,
		"pnl", res.PnL,
		"reward", res.Reward,
		"insurance_contribution", res.InsuranceContribution,
		"price", st.OraclePrice,
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:  "position_liquidated",
			Owner: req.Owner,
			PnL:   res.PnL,
			Price: st.OraclePrice,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(LiquidateResponse{
		Owner:                 req.Owner,
		Liquidator:            req.Liquidator,
		PnL:                   res.PnL,
		Reward:                res.Reward,
		InsuranceContribution: res.InsuranceContribution,
		Price:                 st.OraclePrice,
	})
}

// GetExchange handles GET /api/v1/exchange
func (s *Service) GetExchange(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	st, err := s.store.GetExchangeState(ctx)
	if err != nil {
		writeError(w, "not_initialized", "exchange not initialized", http.StatusServiceUnavailable)
		return
	}
	vault, err := s.store.GetVault(ctx)
	if err != nil {
		writeError(w, "not_initialized", "exchange not initialized", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ExchangeResponse{ExchangeState: st, Vault: vault})
}

// GetHistory handles GET /api/v1/accounts/{owner}/history
func (s *Service) GetHistory(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")

	records, err := s.store.GetOperationsByOwner(r.Context(), owner)
	if err != nil {
		writeError(w, "internal", "failed to load history", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []model.OperationRecord{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(records)
}

// --- Admin handlers ---

// UpdatePrice handles POST /api/v1/admin/price
func (s *Service) UpdatePrice(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeAdmin(w, r) {
		return
	}
	var req PriceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid_body", "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.store.GetExchangeState(ctx)
	if err != nil {
		writeError(w, "not_initialized", "exchange not initialized", http.StatusServiceUnavailable)
		return
	}

	if err := engine.SetOraclePrice(st, req.Price, s.now()); err != nil {
		writeEngineError(w, "price_update", err)
		return
	}
	if err := s.store.Commit(ctx, nil, nil, st); err != nil {
		writeError(w, "internal", "failed to commit price", http.StatusInternalServerError)
		return
	}

	metrics.OraclePrice.Set(float64(st.OraclePrice))

	slog.Info("oracle price updated", "price", req.Price)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:        "price_updated",
			OraclePrice: req.Price,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(st)
}

// Pause handles POST /api/v1/admin/pause
func (s *Service) Pause(w http.ResponseWriter, r *http.Request) {
	s.setPaused(w, r, true)
}

// Resume handles POST /api/v1/admin/resume
func (s *Service) Resume(w http.ResponseWriter, r *http.Request) {
	s.setPaused(w, r, false)
}

func (s *Service) setPaused(w http.ResponseWriter, r *http.Request, paused bool) {
	if !s.authorizeAdmin(w, r) {
		return
	}

	ctx := r.Context()

	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.store.GetExchangeState(ctx)
	if err != nil {
		writeError(w, "not_initialized", "exchange not initialized", http.StatusServiceUnavailable)
		return
	}

	st.IsPaused = paused
	if err := s.store.Commit(ctx, nil, nil, st); err != nil {
		writeError(w, "internal", "failed to commit pause state", http.StatusInternalServerError)
		return
	}

	slog.Info("trading pause state changed", "paused", paused)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:   "trading_paused",
			Paused: paused,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(st)
}

// --- Helpers ---

// loadAll fetches the three records every position operation touches.
// On failure it writes the error response and returns ok=false.
func (s *Service) loadAll(ctx context.Context, w http.ResponseWriter, owner string) (*model.Account, *model.Vault, *model.ExchangeState, bool) {
	acct, err := s.store.GetAccount(ctx, owner)
	if err != nil {
		writeError(w, "account_not_found", "account not found", http.StatusNotFound)
		return nil, nil, nil, false
	}
	vault, err := s.store.GetVault(ctx)
	if err != nil {
		writeError(w, "not_initialized", "exchange not initialized", http.StatusServiceUnavailable)
		return nil, nil, nil, false
	}
	st, err := s.store.GetExchangeState(ctx)
	if err != nil {
		writeError(w, "not_initialized", "exchange not initialized", http.StatusServiceUnavailable)
		return nil, nil, nil, false
	}
	return acct, vault, st, true
}

func (s *Service) authorizeAdmin(w http.ResponseWriter, r *http.Request) bool {
	if s.adminToken == "" || r.Header.Get("X-Admin-Token") != s.adminToken {
		writeError(w, "unauthorized_admin", engine.ErrUnauthorizedAdmin.Error(), http.StatusUnauthorized)
		return false
	}
	return true
}

// recordOperation appends an immutable audit entry. Failures are logged
// but do not fail the operation; the commit already happened.
func (s *Service) recordOperation(ctx context.Context, rec *model.OperationRecord) {
	rec.ID = uuid.New()
	rec.Timestamp = time.Unix(s.now(), 0).UTC()
	if err := s.store.InsertOperation(ctx, rec); err != nil {
		slog.Error("failed to record operation", "kind", rec.Kind, "owner", rec.Owner, "err", err)
	}
}

func updateStateGauges(vault *model.Vault, st *model.ExchangeState) {
	metrics.OpenInterestLong.Set(float64(st.TotalLongPositions))
	metrics.OpenInterestShort.Set(float64(st.TotalShortPositions))
	metrics.ReservedCollateral.Set(float64(vault.ReservedCollateral))
	metrics.InsuranceFund.Set(float64(st.InsuranceFundBalance))
	metrics.CollectedFees.Set(float64(st.CollectedFees))
}

// writeEngineError maps an engine error to an HTTP response and counts
// the rejection.
func writeEngineError(w http.ResponseWriter, kind string, err error) {
	metrics.OperationsTotal.WithLabelValues(kind, "rejected").Inc()

	code, status := "internal", http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrInvalidAmount):
		code, status = "invalid_amount", http.StatusBadRequest
	case errors.Is(err, engine.ErrInvalidLeverage):
		code, status = "invalid_leverage", http.StatusBadRequest
	case errors.Is(err, engine.ErrMarginTooLow):
		code, status = "margin_too_low", http.StatusBadRequest
	case errors.Is(err, engine.ErrInvalidPrice):
		code, status = "invalid_price", http.StatusBadRequest
	case errors.Is(err, engine.ErrPositionExists):
		code, status = "position_exists", http.StatusConflict
	case errors.Is(err, engine.ErrNoPosition):
		code, status = "no_position", http.StatusConflict
	case errors.Is(err, engine.ErrInsufficientCollateral):
		code, status = "insufficient_collateral", http.StatusConflict
	case errors.Is(err, engine.ErrPositionNotLiquidatable):
		code, status = "not_liquidatable", http.StatusConflict
	case errors.Is(err, engine.ErrTradingPaused):
		code, status = "trading_paused", http.StatusConflict
	case errors.Is(err, engine.ErrStaleOracle):
		code, status = "stale_oracle", http.StatusConflict
	case errors.Is(err, engine.ErrMathOverflow):
		code, status = "math_overflow", http.StatusConflict
	}
	writeError(w, code, err.Error(), status)
}

// writeError writes a JSON error response with a machine-readable code.
func writeError(w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message, "code": code})
}
