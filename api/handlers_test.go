/*
handlers_test.go - HTTP tests for the wallet API

Tests for:
- Account lifecycle and access control
- Purchases: completion, rejections, provider failure, idempotency
- Fundings, admin adjustments, manual reversal
- Provider callbacks and the finance summary
*/
package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/warp/wallet-engine/factory"
	"github.com/warp/wallet-engine/identity"
	"github.com/warp/wallet-engine/ledger"
	"github.com/warp/wallet-engine/provider"
	"github.com/warp/wallet-engine/purchase"
	"github.com/warp/wallet-engine/store/sqlite"
)

const (
	testSecret = "test-secret"
	testAPIKey = "provider-key"
)

type testServer struct {
	t         *testing.T
	router    http.Handler
	simulator *provider.Simulator
	ledger    *ledger.Ledger
	admin     string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	log := logrus.New()
	log.SetOutput(io.Discard)

	l := ledger.New(store, ledger.Config{MaxRetries: 8, RetryBackoff: time.Millisecond}, ledger.WithLogger(log))
	catalog := factory.DefaultCatalog(ledger.MustRate("0.03"))
	pins := identity.NewBcryptVerifier(store, bcrypt.MinCost)
	sim := provider.NewSimulator()
	orch := purchase.New(l, catalog, pins, sim, purchase.WithLogger(log), purchase.WithProviderTimeout(time.Second))

	h := NewHandler(l, orch, catalog, pins, log)
	router := NewRouter(h, RouterConfig{
		JWTSecret:      testSecret,
		ProviderAPIKey: testAPIKey,
		AllowedOrigins: []string{"*"},
	})

	ts := &testServer{t: t, router: router, simulator: sim, ledger: l}
	ts.admin = ts.token("ops", RoleAdmin)
	return ts
}

func (s *testServer) token(userID, role string) string {
	tok, err := IssueToken([]byte(testSecret), userID, role, time.Hour)
	require.NoError(s.t, err)
	return tok
}

func (s *testServer) do(method, path, token string, body any, headers ...string) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

// funded opens an account for userID, sets PIN 1234 and funds it.
func (s *testServer) funded(userID string, amount int64) string {
	s.t.Helper()
	tok := s.token(userID, RoleUser)

	rec := s.do(http.MethodPost, "/api/accounts", tok, OpenAccountRequest{UserID: userID})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = s.do(http.MethodPut, "/api/accounts/"+userID+"/pin", tok, SetPinRequest{Pin: "1234"})
	require.Equal(s.t, http.StatusNoContent, rec.Code, rec.Body.String())
	if amount > 0 {
		rec = s.do(http.MethodPost, "/api/accounts/"+userID+"/fundings", s.admin, FundRequest{Amount: amount, ProviderRef: "ref-" + userID, Gateway: "paystack"})
		require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	}
	return tok
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func airtime(amount int64, pin string) PurchaseRequest {
	return PurchaseRequest{
		Service: "mtn-airtime",
		Amount:  amount,
		Details: json.RawMessage(`{"network":"mtn","phone":"08030000000"}`),
		Pin:     pin,
	}
}

// =============================================================================
// ACCOUNTS AND AUTH
// =============================================================================

func TestOpenAccount_AndGetBalances(t *testing.T) {
	// GIVEN: A user with a token
	s := newTestServer(t)
	tok := s.token("u1", RoleUser)

	// WHEN: They open their account and read it back
	rec := s.do(http.MethodPost, "/api/accounts", tok, OpenAccountRequest{UserID: "u1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = s.do(http.MethodGet, "/api/accounts/u1", tok, nil)

	// THEN: All balances are zero
	require.Equal(t, http.StatusOK, rec.Code)
	acc := decode[AccountDTO](t, rec)
	assert.Equal(t, "u1", acc.UserID)
	assert.Zero(t, acc.MainBalance)
	assert.Zero(t, acc.CashbackBalance)
	assert.Zero(t, acc.ReferralBalance)

	// AND: Opening it again conflicts
	rec = s.do(http.MethodPost, "/api/accounts", tok, OpenAccountRequest{UserID: "u1"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAuth(t *testing.T) {
	s := newTestServer(t)
	s.funded("u1", 0)

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		want   int
	}{
		{"no token", http.MethodGet, "/api/accounts/u1", "", http.StatusUnauthorized},
		{"garbage token", http.MethodGet, "/api/accounts/u1", "not-a-jwt", http.StatusUnauthorized},
		{"wrong secret", http.MethodGet, "/api/accounts/u1", mustToken(t, "other", "u1"), http.StatusUnauthorized},
		{"other user", http.MethodGet, "/api/accounts/u1", s.token("u2", RoleUser), http.StatusForbidden},
		{"user on admin route", http.MethodGet, "/api/admin/transactions", s.token("u1", RoleUser), http.StatusForbidden},
		{"user funding themselves", http.MethodPost, "/api/accounts/u1/fundings", s.token("u1", RoleUser), http.StatusForbidden},
		{"admin on any account", http.MethodGet, "/api/accounts/u1", s.admin, http.StatusOK},
		{"catalog is public", http.MethodGet, "/api/services", "", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(tt.method, tt.path, tt.token, nil)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func mustToken(t *testing.T, secret, userID string) string {
	tok, err := IssueToken([]byte(secret), userID, RoleUser, time.Hour)
	require.NoError(t, err)
	return tok
}

func TestSetPin_Malformed(t *testing.T) {
	s := newTestServer(t)
	tok := s.funded("u1", 0)

	rec := s.do(http.MethodPut, "/api/accounts/u1/pin", tok, SetPinRequest{Pin: "12ab"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// PURCHASES
// =============================================================================

func TestPurchase_Completes(t *testing.T) {
	// GIVEN: u1 with 10000 kobo and a 3% airtime rate
	s := newTestServer(t)
	tok := s.funded("u1", 10000)

	// WHEN: They buy 2000 of airtime
	rec := s.do(http.MethodPost, "/api/accounts/u1/purchases", tok, airtime(2000, "1234"))

	// THEN: The purchase completes with 60 cashback
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[PurchaseResponse](t, rec)
	assert.Equal(t, string(purchase.StateCompleted), resp.State)
	assert.Equal(t, "completed", resp.Transaction.Status)
	assert.Equal(t, int64(60), resp.Transaction.CashbackEarned)
	assert.NotEmpty(t, resp.Transaction.ProviderReference)
	assert.Equal(t, int64(8000), resp.Account.MainBalance)
	assert.Equal(t, int64(60), resp.Account.CashbackBalance)

	// AND: History lists the purchase before the funding
	rec = s.do(http.MethodGet, "/api/accounts/u1/transactions", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode[[]TransactionDTO](t, rec)
	require.Len(t, history, 2)
	assert.Equal(t, "airtime", history[0].Type)
	assert.Equal(t, "funding", history[1].Type)
}

func TestPurchase_Rejections(t *testing.T) {
	s := newTestServer(t)
	tok := s.funded("u1", 1000)

	tests := []struct {
		name string
		req  PurchaseRequest
		want int
	}{
		{"wrong pin", airtime(500, "9999"), http.StatusForbidden},
		{"zero amount", airtime(0, "1234"), http.StatusBadRequest},
		{"unknown service", PurchaseRequest{Service: "nope", Amount: 500, Pin: "1234"}, http.StatusServiceUnavailable},
		{"disabled service", PurchaseRequest{Service: "startimes", Amount: 500, Pin: "1234", Details: json.RawMessage(`{"provider":"startimes","smart_card_number":"1","package_code":"basic"}`)}, http.StatusServiceUnavailable},
		{"missing details", PurchaseRequest{Service: "mtn-airtime", Amount: 500, Pin: "1234"}, http.StatusBadRequest},
		{"malformed details", PurchaseRequest{Service: "mtn-airtime", Amount: 500, Pin: "1234", Details: json.RawMessage(`[1,2]`)}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(http.MethodPost, "/api/accounts/u1/purchases", tok, tt.req)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}

	// THEN: Nothing was debited
	acc, err := s.ledger.Account(t.Context(), "u1")
	require.NoError(t, err)
	assert.Equal(t, ledger.Money(1000), acc.MainBalance)
}

func TestPurchase_InsufficientFundsReportsShortfall(t *testing.T) {
	s := newTestServer(t)
	tok := s.funded("u1", 1000)

	rec := s.do(http.MethodPost, "/api/accounts/u1/purchases", tok, airtime(1500, "1234"))

	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, int64(500), decode[ErrorResponse](t, rec).Shortfall)
}

func TestPurchase_ProviderFailureRefunds(t *testing.T) {
	// GIVEN: The provider rejects airtime
	s := newTestServer(t)
	tok := s.funded("u1", 5000)
	s.simulator.Reject["mtn-airtime"] = true

	// WHEN: u1 buys airtime
	rec := s.do(http.MethodPost, "/api/accounts/u1/purchases", tok, airtime(2000, "1234"))

	// THEN: 502 with the refunded amount, and the balance is restored
	require.Equal(t, http.StatusBadGateway, rec.Code, rec.Body.String())
	errResp := decode[ErrorResponse](t, rec)
	assert.NotEmpty(t, errResp.TransactionID)
	assert.Equal(t, int64(2000), errResp.Refunded)

	acc, err := s.ledger.Account(t.Context(), "u1")
	require.NoError(t, err)
	assert.Equal(t, ledger.Money(5000), acc.MainBalance)
	assert.Zero(t, acc.CashbackBalance)
}

func TestPurchase_IdempotencyKeyHeader(t *testing.T) {
	// GIVEN: A purchase sent twice with the same key
	s := newTestServer(t)
	tok := s.funded("u1", 5000)

	first := s.do(http.MethodPost, "/api/accounts/u1/purchases", tok, airtime(2000, "1234"), "Idempotency-Key", "k-1")
	second := s.do(http.MethodPost, "/api/accounts/u1/purchases", tok, airtime(2000, "1234"), "Idempotency-Key", "k-1")

	// THEN: The second answer replays the first
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	require.Equal(t, http.StatusOK, second.Code, second.Body.String())
	a, b := decode[PurchaseResponse](t, first), decode[PurchaseResponse](t, second)
	assert.False(t, a.Replayed)
	assert.True(t, b.Replayed)
	assert.Equal(t, a.Transaction.ID, b.Transaction.ID)
	assert.Len(t, s.simulator.Submitted(), 1)

	acc, err := s.ledger.Account(t.Context(), "u1")
	require.NoError(t, err)
	assert.Equal(t, ledger.Money(3000), acc.MainBalance)
}

// =============================================================================
// PENDING PURCHASES
// =============================================================================

func TestProviderCallback_SettlesPendingPurchase(t *testing.T) {
	// GIVEN: A deferred provider, so the purchase stays pending
	s := newTestServer(t)
	tok := s.funded("u1", 5000)
	s.simulator.Defer["mtn-airtime"] = true

	rec := s.do(http.MethodPost, "/api/accounts/u1/purchases", tok, airtime(1000, "1234"))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	pending := decode[PurchaseResponse](t, rec)
	assert.Equal(t, string(purchase.StateProviderPending), pending.State)
	assert.Equal(t, int64(4000), pending.Account.MainBalance)
	assert.Equal(t, int64(30), pending.Account.CashbackBalance)

	cb := provider.Callback{RequestID: ledger.TransactionID(pending.Transaction.ID), Success: true, Reference: "R-1", Status: "delivered"}

	// WHEN: The callback comes without the API key
	rec = s.do(http.MethodPost, "/api/provider/callback", "", cb)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// WHEN: It comes with the key
	rec = s.do(http.MethodPost, "/api/provider/callback", "", cb, "x-api-key", testAPIKey)

	// THEN: The purchase completes and keeps its cashback
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	done := decode[PurchaseResponse](t, rec)
	assert.Equal(t, string(purchase.StateCompleted), done.State)
	assert.Equal(t, "R-1", done.Transaction.ProviderReference)
	assert.Equal(t, int64(30), done.Account.CashbackBalance)

	// AND: A repeated success callback is a no-op
	rec = s.do(http.MethodPost, "/api/provider/callback", "", cb, "x-api-key", testAPIKey)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[PurchaseResponse](t, rec).Replayed)

	// AND: A late failure callback cannot reverse it
	cb.Success = false
	rec = s.do(http.MethodPost, "/api/provider/callback", "", cb, "x-api-key", testAPIKey)
	assert.Equal(t, http.StatusConflict, rec.Code)

	acc, err := s.ledger.Account(t.Context(), "u1")
	require.NoError(t, err)
	assert.Equal(t, ledger.Money(4000), acc.MainBalance)
}

func TestReverseTransaction_Manual(t *testing.T) {
	// GIVEN: A pending purchase
	s := newTestServer(t)
	tok := s.funded("u1", 5000)
	s.simulator.Defer["mtn-airtime"] = true
	rec := s.do(http.MethodPost, "/api/accounts/u1/purchases", tok, airtime(1000, "1234"))
	require.Equal(t, http.StatusAccepted, rec.Code)
	id := decode[PurchaseResponse](t, rec).Transaction.ID

	// WHEN: An admin reverses it without a reason
	rec = s.do(http.MethodPost, "/api/admin/transactions/"+id+"/reverse", s.admin, ReverseRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// WHEN: And with a reason
	rec = s.do(http.MethodPost, "/api/admin/transactions/"+id+"/reverse", s.admin, ReverseRequest{Reason: "provider confirmed failure"})

	// THEN: The debit is returned
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[PurchaseResponse](t, rec)
	assert.Equal(t, string(purchase.StateReversed), resp.State)
	assert.Equal(t, int64(5000), resp.Account.MainBalance)

	// AND: An unknown id is 404
	rec = s.do(http.MethodPost, "/api/admin/transactions/missing/reverse", s.admin, ReverseRequest{Reason: "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// FUNDING AND ADJUSTMENTS
// =============================================================================

func TestFund_SameReferenceCreditsOnce(t *testing.T) {
	s := newTestServer(t)
	s.funded("u1", 0)
	req := FundRequest{Amount: 2500, ProviderRef: "PSK-1", Gateway: "paystack"}

	first := s.do(http.MethodPost, "/api/accounts/u1/fundings", s.admin, req)
	second := s.do(http.MethodPost, "/api/accounts/u1/fundings", s.admin, req)

	assert.Equal(t, http.StatusCreated, first.Code)
	assert.Equal(t, http.StatusOK, second.Code)
	assert.True(t, decode[LedgerResultDTO](t, second).Replayed)
	assert.Equal(t, int64(2500), decode[LedgerResultDTO](t, second).Account.MainBalance)
}

func TestAdminAdjustments(t *testing.T) {
	// GIVEN: u1 with 1000 main
	s := newTestServer(t)
	s.funded("u1", 1000)

	// WHEN: An admin credits 300 to the referral wallet
	rec := s.do(http.MethodPost, "/api/admin/accounts/u1/credit", s.admin, AdjustmentRequest{Amount: 300, Wallet: "referral", Description: "referral bonus"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decode[LedgerResultDTO](t, rec)
	assert.Equal(t, "admin-credit", res.Transaction.Type)
	assert.Equal(t, int64(300), res.Account.ReferralBalance)

	// WHEN: An admin debits more than the main balance
	rec = s.do(http.MethodPost, "/api/admin/accounts/u1/debit", s.admin, AdjustmentRequest{Amount: 1500, Wallet: "main", Description: "chargeback"})

	// THEN: It is refused
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)

	// WHEN: The wallet is unknown
	rec = s.do(http.MethodPost, "/api/admin/accounts/u1/debit", s.admin, AdjustmentRequest{Amount: 100, Wallet: "gold"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// REPORTING
// =============================================================================

func TestListAllTransactions_Filters(t *testing.T) {
	s := newTestServer(t)
	tokA := s.funded("a", 5000)
	s.funded("b", 3000)
	rec := s.do(http.MethodPost, "/api/accounts/a/purchases", tokA, airtime(1000, "1234"))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(http.MethodGet, "/api/admin/transactions?type=funding", s.admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]TransactionDTO](t, rec), 2)

	rec = s.do(http.MethodGet, "/api/admin/transactions?user_id=a&type=airtime,data", s.admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]TransactionDTO](t, rec), 1)

	rec = s.do(http.MethodGet, "/api/admin/transactions?status=bogus", s.admin, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFinanceSummary(t *testing.T) {
	// GIVEN: One funding of 10000 and one airtime purchase of 2000
	s := newTestServer(t)
	tok := s.funded("u1", 10000)
	rec := s.do(http.MethodPost, "/api/accounts/u1/purchases", tok, airtime(2000, "1234"))
	require.Equal(t, http.StatusOK, rec.Code)

	// WHEN: An admin asks for the all-time summary
	rec = s.do(http.MethodGet, "/api/admin/finance/summary?period=all", s.admin, nil)

	// THEN: Totals match
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sum := decode[FinanceSummaryDTO](t, rec)
	assert.Equal(t, int64(10000), sum.Funding)
	assert.Equal(t, int64(2000), sum.PurchaseVolume)
	assert.Equal(t, 1, sum.Purchases["airtime"].Count)
	assert.Equal(t, int64(60), sum.CashbackGranted)
	assert.Equal(t, int64(8000), sum.MainHeld)

	// AND: Bad periods are rejected
	rec = s.do(http.MethodGet, "/api/admin/finance/summary?period=decade", s.admin, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = s.do(http.MethodGet, "/api/admin/finance/summary?from=2026-02-01T00:00:00Z&to=2026-01-01T00:00:00Z", s.admin, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListServices(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/api/services", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	services := decode[[]ServiceDTO](t, rec)
	require.NotEmpty(t, services)
	bySlug := map[string]ServiceDTO{}
	for _, svc := range services {
		bySlug[svc.Slug] = svc
	}
	assert.Equal(t, "0.03", bySlug["mtn-airtime"].CashbackRate)
	assert.False(t, bySlug["startimes"].Enabled)
}
