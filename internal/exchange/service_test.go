package exchange_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/perpx/perp-engine/internal/exchange"
	"github.com/perpx/perp-engine/internal/model"
	"github.com/perpx/perp-engine/internal/store"
)

const adminToken = "test-admin-token"

// newTestEnv creates a test Service with in-memory store and chi router.
// The exchange is initialized with oracle price 100 and a fresh timestamp.
func newTestEnv(t *testing.T) (*store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()

	st := &model.ExchangeState{
		OraclePrice:      100,
		OracleLastUpdate: time.Now().Unix(),
		Params:           model.DefaultGovernanceParams(),
	}
	if err := ms.InitExchange(context.Background(), st, &model.Vault{}); err != nil {
		t.Fatalf("failed to init exchange: %v", err)
	}

	svc := exchange.NewService(ms, adminToken, nil)

	r := chi.NewRouter()
	r.Post("/api/v1/accounts", svc.CreateAccount)
	r.Get("/api/v1/accounts/{owner}", svc.GetAccount)
	r.Post("/api/v1/accounts/{owner}/deposit", svc.Deposit)
	r.Post("/api/v1/accounts/{owner}/withdraw", svc.Withdraw)
	r.Get("/api/v1/accounts/{owner}/history", svc.GetHistory)
	r.Post("/api/v1/positions/open", svc.OpenPosition)
	r.Post("/api/v1/positions/close", svc.ClosePosition)
	r.Post("/api/v1/positions/liquidate", svc.LiquidatePosition)
	r.Get("/api/v1/exchange", svc.GetExchange)
	r.Post("/api/v1/admin/price", svc.UpdatePrice)
	r.Post("/api/v1/admin/pause", svc.Pause)
	r.Post("/api/v1/admin/resume", svc.Resume)

	return ms, r
}

// seedAccount creates a funded account directly in the store.
func seedAccount(t *testing.T, ms *store.MemoryStore, owner string, balance uint64) {
	t.Helper()
	acct := &model.Account{
		Owner:             owner,
		CollateralBalance: balance,
		CreatedAt:         time.Now().UTC(),
	}
	if err := ms.CreateAccount(context.Background(), acct); err != nil {
		t.Fatalf("failed to seed account: %v", err)
	}
	// Keep the vault consistent with the seeded balance.
	vault, err := ms.GetVault(context.Background())
	if err != nil {
		t.Fatalf("failed to get vault: %v", err)
	}
	vault.TotalBalance += balance
	if err := ms.Commit(context.Background(), nil, vault, nil); err != nil {
		t.Fatalf("failed to seed vault: %v", err)
	}
}

func doPost(t *testing.T, router chi.Router, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, _ := json.Marshal(body)
	req := httptest.NewRequest("POST", path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func doAdmin(t *testing.T, router chi.Router, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, _ := json.Marshal(body)
	req := httptest.NewRequest("POST", path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Token", adminToken)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func doGet(t *testing.T, router chi.Router, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// --- Account tests ---

func TestCreateAccount(t *testing.T) {
	_, router := newTestEnv(t)

	w := doPost(t, router, "/api/v1/accounts", exchange.CreateAccountRequest{Owner: "alice"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var acct model.Account
	json.Unmarshal(w.Body.Bytes(), &acct)
	if acct.Owner != "alice" {
		t.Errorf("expected owner=alice, got %s", acct.Owner)
	}
	if acct.CollateralBalance != 0 {
		t.Errorf("new account should start empty, got %d", acct.CollateralBalance)
	}

	// Duplicate creation conflicts.
	w = doPost(t, router, "/api/v1/accounts", exchange.CreateAccountRequest{Owner: "alice"})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for duplicate account, got %d", w.Code)
	}
}

func TestCreateAccount_MissingOwner(t *testing.T) {
	_, router := newTestEnv(t)

	w := doPost(t, router, "/api/v1/accounts", exchange.CreateAccountRequest{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing owner, got %d", w.Code)
	}
}

func TestDeposit(t *testing.T) {
	ms, router := newTestEnv(t)
	seedAccount(t, ms, "alice", 0)

	w := doPost(t, router, "/api/v1/accounts/alice/deposit", exchange.AmountRequest{Amount: 5_000_000})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var acct model.Account
	json.Unmarshal(w.Body.Bytes(), &acct)
	if acct.CollateralBalance != 5_000_000 {
		t.Errorf("expected balance 5000000, got %d", acct.CollateralBalance)
	}

	vault, _ := ms.GetVault(context.Background())
	if vault.TotalBalance != 5_000_000 {
		t.Errorf("expected vault total 5000000, got %d", vault.TotalBalance)
	}
}

func TestDeposit_ZeroAmount(t *testing.T) {
	ms, router := newTestEnv(t)
	seedAccount(t, ms, "alice", 0)

	w := doPost(t, router, "/api/v1/accounts/alice/deposit", exchange.AmountRequest{Amount: 0})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for zero deposit, got %d: %s", w.Code, w.Body.String())
	}
}

func TestWithdraw_Insufficient(t *testing.T) {
	ms, router := newTestEnv(t)
	seedAccount(t, ms, "alice", 1_000)

	w := doPost(t, router, "/api/v1/accounts/alice/withdraw", exchange.AmountRequest{Amount: 2_000})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for insufficient collateral, got %d: %s", w.Code, w.Body.String())
	}
}

func TestDeposit_AccountNotFound(t *testing.T) {
	_, router := newTestEnv(t)

	w := doPost(t, router, "/api/v1/accounts/nobody/deposit", exchange.AmountRequest{Amount: 100})
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

// --- Position lifecycle tests ---

func TestOpenPosition_RoundTrip(t *testing.T) {
	ms, router := newTestEnv(t)
	seedAccount(t, ms, "alice", 2_000_000)

	w := doPost(t, router, "/api/v1/positions/open", exchange.OpenRequest{
		Owner:    "alice",
		Side:     "LONG",
		Margin:   1_000_000,
		Leverage: 5,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var opened exchange.OpenResponse
	json.Unmarshal(w.Body.Bytes(), &opened)
	if opened.Notional != 5_000_000 {
		t.Errorf("expected notional 5000000, got %d", opened.Notional)
	}
	if opened.Fee != 10_000 {
		t.Errorf("expected fee 10000, got %d", opened.Fee)
	}
	if opened.Position.EntryPrice != 100 {
		t.Errorf("expected entry price 100, got %d", opened.Position.EntryPrice)
	}

	// Account view includes position health.
	w = doGet(t, router, "/api/v1/accounts/alice")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var acctResp exchange.AccountResponse
	json.Unmarshal(w.Body.Bytes(), &acctResp)
	if acctResp.Position == nil {
		t.Fatal("expected open position on account")
	}
	if acctResp.Health == nil {
		t.Fatal("expected health summary for open position")
	}
	if acctResp.Health.Liquidatable {
		t.Error("fresh position should not be liquidatable")
	}

	// Close at the unchanged price: margin minus close fee comes back.
	w = doPost(t, router, "/api/v1/positions/close", exchange.OwnerRequest{Owner: "alice"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var closed exchange.CloseResponse
	json.Unmarshal(w.Body.Bytes(), &closed)
	if closed.PnL != 0 {
		t.Errorf("expected zero pnl at unchanged price, got %d", closed.PnL)
	}
	if closed.Returned != 990_000 {
		t.Errorf("expected returned 990000, got %d", closed.Returned)
	}

	acct, _ := ms.GetAccount(context.Background(), "alice")
	if acct.Position != nil {
		t.Error("position should be cleared after close")
	}
}

func TestOpenPosition_InvalidSide(t *testing.T) {
	ms, router := newTestEnv(t)
	seedAccount(t, ms, "alice", 2_000_000)

	w := doPost(t, router, "/api/v1/positions/open", exchange.OpenRequest{
		Owner:    "alice",
		Side:     "SIDEWAYS",
		Margin:   1_000_000,
		Leverage: 5,
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid side, got %d", w.Code)
	}
}

func TestOpenPosition_InsufficientCollateral(t *testing.T) {
	ms, router := newTestEnv(t)
	// Enough for margin but not margin + fee.
	seedAccount(t, ms, "alice", 1_000_000)

	w := doPost(t, router, "/api/v1/positions/open", exchange.OpenRequest{
		Owner:    "alice",
		Side:     "LONG",
		Margin:   1_000_000,
		Leverage: 5,
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestOpenPosition_SecondRejected(t *testing.T) {
	ms, router := newTestEnv(t)
	seedAccount(t, ms, "alice", 4_000_000)

	w := doPost(t, router, "/api/v1/positions/open", exchange.OpenRequest{
		Owner: "alice", Side: "LONG", Margin: 1_000_000, Leverage: 2,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("first open failed: %d %s", w.Code, w.Body.String())
	}

	w = doPost(t, router, "/api/v1/positions/open", exchange.OpenRequest{
		Owner: "alice", Side: "SHORT", Margin: 1_000_000, Leverage: 2,
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for second open, got %d: %s", w.Code, w.Body.String())
	}
}

func TestClosePosition_NoPosition(t *testing.T) {
	ms, router := newTestEnv(t)
	seedAccount(t, ms, "alice", 1_000_000)

	w := doPost(t, router, "/api/v1/positions/close", exchange.OwnerRequest{Owner: "alice"})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for close without position, got %d", w.Code)
	}
}

func TestLiquidate_NotLiquidatable(t *testing.T) {
	ms, router := newTestEnv(t)
	seedAccount(t, ms, "alice", 2_000_000)

	w := doPost(t, router, "/api/v1/positions/open", exchange.OpenRequest{
		Owner: "alice", Side: "LONG", Margin: 1_000_000, Leverage: 5,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("open failed: %d %s", w.Code, w.Body.String())
	}

	w = doPost(t, router, "/api/v1/positions/liquidate", exchange.LiquidateRequest{
		Owner: "alice", Liquidator: "bob",
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for healthy position, got %d: %s", w.Code, w.Body.String())
	}
}

func TestLiquidate_AfterPriceDrop(t *testing.T) {
	ms, router := newTestEnv(t)
	seedAccount(t, ms, "alice", 2_000_000)

	w := doPost(t, router, "/api/v1/positions/open", exchange.OpenRequest{
		Owner: "alice", Side: "LONG", Margin: 1_000_000, Leverage: 5,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("open failed: %d %s", w.Code, w.Body.String())
	}

	// 5x long at 100 with 80% threshold liquidates at 96.
	w = doAdmin(t, router, "/api/v1/admin/price", exchange.PriceRequest{Price: 96})
	if w.Code != http.StatusOK {
		t.Fatalf("price update failed: %d %s", w.Code, w.Body.String())
	}

	w = doPost(t, router, "/api/v1/positions/liquidate", exchange.LiquidateRequest{
		Owner: "alice", Liquidator: "bob",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp exchange.LiquidateResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.PnL != -200_000 {
		t.Errorf("expected pnl -200000, got %d", resp.PnL)
	}
	if resp.Reward != 10_000 {
		t.Errorf("expected reward 10000, got %d", resp.Reward)
	}
	if resp.InsuranceContribution != 790_000 {
		t.Errorf("expected insurance contribution 790000, got %d", resp.InsuranceContribution)
	}

	// The target's unreserved collateral is untouched by liquidation.
	acct, _ := ms.GetAccount(context.Background(), "alice")
	if acct.Position != nil {
		t.Error("position should be cleared after liquidation")
	}
	if acct.CollateralBalance != 990_000 {
		t.Errorf("expected collateral 990000, got %d", acct.CollateralBalance)
	}
}

// --- Admin tests ---

func TestUpdatePrice_Unauthorized(t *testing.T) {
	_, router := newTestEnv(t)

	w := doPost(t, router, "/api/v1/admin/price", exchange.PriceRequest{Price: 120})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without admin token, got %d", w.Code)
	}
}

func TestUpdatePrice_Zero(t *testing.T) {
	_, router := newTestEnv(t)

	w := doAdmin(t, router, "/api/v1/admin/price", exchange.PriceRequest{Price: 0})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for zero price, got %d: %s", w.Code, w.Body.String())
	}
}

func TestPauseBlocksOpen(t *testing.T) {
	ms, router := newTestEnv(t)
	seedAccount(t, ms, "alice", 2_000_000)

	w := doAdmin(t, router, "/api/v1/admin/pause", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("pause failed: %d %s", w.Code, w.Body.String())
	}

	w = doPost(t, router, "/api/v1/positions/open", exchange.OpenRequest{
		Owner: "alice", Side: "LONG", Margin: 1_000_000, Leverage: 5,
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 while paused, got %d: %s", w.Code, w.Body.String())
	}

	// Deposits still work while paused.
	w = doPost(t, router, "/api/v1/accounts/alice/deposit", exchange.AmountRequest{Amount: 100})
	if w.Code != http.StatusOK {
		t.Errorf("deposit should work while paused, got %d", w.Code)
	}

	w = doAdmin(t, router, "/api/v1/admin/resume", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("resume failed: %d %s", w.Code, w.Body.String())
	}

	w = doPost(t, router, "/api/v1/positions/open", exchange.OpenRequest{
		Owner: "alice", Side: "LONG", Margin: 1_000_000, Leverage: 5,
	})
	if w.Code != http.StatusCreated {
		t.Errorf("open after resume should succeed, got %d: %s", w.Code, w.Body.String())
	}
}

// --- Read-side tests ---

func TestGetExchange(t *testing.T) {
	ms, router := newTestEnv(t)
	seedAccount(t, ms, "alice", 2_000_000)

	doPost(t, router, "/api/v1/positions/open", exchange.OpenRequest{
		Owner: "alice", Side: "SHORT", Margin: 1_000_000, Leverage: 3,
	})

	w := doGet(t, router, "/api/v1/exchange")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp exchange.ExchangeResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.TotalShortPositions != 3_000_000 {
		t.Errorf("expected short open interest 3000000, got %d", resp.TotalShortPositions)
	}
	if resp.Vault == nil || resp.Vault.ReservedCollateral != 1_000_000 {
		t.Errorf("expected reserved collateral 1000000, got %+v", resp.Vault)
	}
}

func TestGetHistory(t *testing.T) {
	ms, router := newTestEnv(t)
	seedAccount(t, ms, "alice", 2_000_000)

	doPost(t, router, "/api/v1/accounts/alice/deposit", exchange.AmountRequest{Amount: 500_000})
	doPost(t, router, "/api/v1/positions/open", exchange.OpenRequest{
		Owner: "alice", Side: "LONG", Margin: 1_000_000, Leverage: 5,
	})

	w := doGet(t, router, "/api/v1/accounts/alice/history")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var records []model.OperationRecord
	json.Unmarshal(w.Body.Bytes(), &records)
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].Kind != model.OpDeposit {
		t.Errorf("expected first record deposit, got %s", records[0].Kind)
	}
	if records[1].Kind != model.OpOpen {
		t.Errorf("expected second record open, got %s", records[1].Kind)
	}
	if records[1].Fee != 10_000 {
		t.Errorf("expected open fee 10000, got %d", records[1].Fee)
	}
}

func TestGetHistory_Empty(t *testing.T) {
	ms, router := newTestEnv(t)
	seedAccount(t, ms, "alice", 0)

	w := doGet(t, router, "/api/v1/accounts/alice/history")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var records []model.OperationRecord
	json.Unmarshal(w.Body.Bytes(), &records)
	if len(records) != 0 {
		t.Errorf("expected 0 records, got %d", len(records))
	}
}
