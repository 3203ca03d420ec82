/*
handlers.go - HTTP API handlers for the wallet engine

PURPOSE:
  Exposes the wallet ledger and the purchase orchestrator via REST API.
  Handles HTTP request/response, JSON serialization, and delegates to
  domain logic.

ENDPOINTS:
  Accounts:
    POST   /api/accounts                         Open account
    GET    /api/accounts/{id}                    Balances
    PUT    /api/accounts/{id}/pin                Set transaction PIN
    POST   /api/accounts/{id}/purchases          Buy a service
    POST   /api/accounts/{id}/fundings           Credit a confirmed payment
    GET    /api/accounts/{id}/transactions       History, newest first

  Admin:
    POST   /api/admin/accounts/{id}/credit       Manual credit
    POST   /api/admin/accounts/{id}/debit        Manual debit
    GET    /api/admin/transactions               All transactions, filtered
    POST   /api/admin/transactions/{id}/reverse  Reverse a pending purchase
    GET    /api/admin/finance/summary            Finance report
    POST   /api/admin/reconcile                  Sweep stale pending purchases

  Provider:
    POST   /api/provider/callback                Asynchronous outcome

  Catalog:
    GET    /api/services                         Service catalog

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input shape
  3. Call the ledger or the orchestrator
  4. Serialize response
  5. Map domain errors to status codes (errors.go)

IDEMPOTENCY:
  Purchases and adjustments take an Idempotency-Key header. It wins over
  the idempotency_key body field. Fundings are keyed by provider_ref.

SEE ALSO:
  - dto.go: Request/response data structures
  - errors.go: Error to status mapping
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/warp/wallet-engine/factory"
	"github.com/warp/wallet-engine/identity"
	"github.com/warp/wallet-engine/ledger"
	"github.com/warp/wallet-engine/provider"
	"github.com/warp/wallet-engine/purchase"
)

const (
	defaultHistoryLimit = 50
	maxListLimit        = 500
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// PinSetter stores a user's transaction PIN.
type PinSetter interface {
	SetPin(ctx context.Context, userID ledger.UserID, pin string) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger       *ledger.Ledger
	Orchestrator *purchase.Orchestrator
	Catalog      *factory.Catalog
	Pins         PinSetter

	// PendingMaxAge is the age after which a pending purchase is swept.
	PendingMaxAge time.Duration

	Log logrus.FieldLogger
	now func() time.Time
}

// NewHandler creates a handler over the given services.
func NewHandler(l *ledger.Ledger, o *purchase.Orchestrator, c *factory.Catalog, pins PinSetter, log logrus.FieldLogger) *Handler {
	return &Handler{
		Ledger:        l,
		Orchestrator:  o,
		Catalog:       c,
		Pins:          pins,
		PendingMaxAge: 15 * time.Minute,
		Log:           log,
		now:           time.Now,
	}
}

// =============================================================================
// ACCOUNT HANDLERS
// =============================================================================

// OpenAccount creates an account with zero balances.
func (h *Handler) OpenAccount(w http.ResponseWriter, r *http.Request) {
	var req OpenAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required", nil)
		return
	}
	if p, ok := PrincipalFrom(r.Context()); ok && !p.IsAdmin() && p.UserID != userID {
		writeError(w, http.StatusForbidden, "Not allowed to open this account", nil)
		return
	}

	acc, err := h.Ledger.OpenAccount(r.Context(), ledger.UserID(userID))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountDTO(acc))
}

// GetAccount returns the balances of one account.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acc, err := h.Ledger.Account(r.Context(), ledger.UserID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(acc))
}

// SetPin stores a new transaction PIN.
func (h *Handler) SetPin(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "id"))

	var req SetPinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if _, err := h.Ledger.Account(r.Context(), userID); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := h.Pins.SetPin(r.Context(), userID, req.Pin); err != nil {
		if errors.Is(err, identity.ErrPinMalformed) {
			writeError(w, http.StatusBadRequest, "PIN must be 4 to 6 digits", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to set PIN", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListUserTransactions returns a user's history, newest first.
func (h *Handler) ListUserTransactions(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "id"))

	limit, err := queryInt(r, "limit", defaultHistoryLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}
	if _, err := h.Ledger.Account(r.Context(), userID); err != nil {
		writeDomainError(w, err)
		return
	}
	recs, err := h.Ledger.UserTransactions(r.Context(), userID, min(limit, maxListLimit))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(recs))
}

// =============================================================================
// PURCHASE HANDLERS
// =============================================================================

// Purchase runs a purchase end to end. Answers:
//   - 200 completed (or replayed)
//   - 202 waiting on an asynchronous provider outcome
//   - 502 provider failed, debit refunded
//   - 500 provider failed and the refund failed too
func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "id"))

	var req PurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Service == "" {
		writeError(w, http.StatusBadRequest, "service is required", nil)
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}

	// Details are typed by the service category. Unknown services fall
	// through to the orchestrator, which rejects them.
	var details ledger.Details
	if svc, err := h.Catalog.Service(req.Service); err == nil {
		details, err = ledger.DecodeDetails(svc.Category, req.Details)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid details", fmt.Errorf("%w: %v", ledger.ErrInvalidDetails, err))
			return
		}
	}

	receipt, err := h.Orchestrator.Purchase(r.Context(), purchase.Request{
		UserID:         userID,
		ServiceSlug:    req.Service,
		Amount:         ledger.Money(req.Amount),
		Details:        details,
		Pin:            req.Pin,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	status := http.StatusOK
	if receipt.State == purchase.StateProviderPending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, toPurchaseResponse(receipt))
}

// Fund credits a payment confirmed by a gateway. The provider reference is
// the idempotency key: repeated confirmations credit once.
func (h *Handler) Fund(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "id"))

	var req FundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	res, err := h.Orchestrator.Fund(r.Context(), ledger.FundRequest{
		UserID:      userID,
		Amount:      ledger.Money(req.Amount),
		ProviderRef: req.ProviderRef,
		Gateway:     req.Gateway,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, toLedgerResultDTO(res))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// AdminCredit credits one wallet of a user.
func (h *Handler) AdminCredit(w http.ResponseWriter, r *http.Request) {
	h.adjust(w, r, ledger.DirectionCredit)
}

// AdminDebit debits one wallet of a user. The balance may not go negative.
func (h *Handler) AdminDebit(w http.ResponseWriter, r *http.Request) {
	h.adjust(w, r, ledger.DirectionDebit)
}

func (h *Handler) adjust(w http.ResponseWriter, r *http.Request, dir ledger.Direction) {
	userID := ledger.UserID(chi.URLParam(r, "id"))

	var req AdjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}
	wallet, err := ledger.ParseWalletType(req.Wallet)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid wallet", err)
		return
	}

	actor := principalOrAnonymous(r)
	res, err := h.Ledger.Adjust(r.Context(), ledger.AdjustRequest{
		UserID:         userID,
		Amount:         ledger.Money(req.Amount),
		WalletType:     wallet,
		Direction:      dir,
		Description:    req.Description,
		Actor:          actor,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if !res.Replayed {
		h.Log.WithFields(logrus.Fields{
			"user_id":   userID,
			"tx_id":     res.Record.ID,
			"direction": dir,
			"wallet":    wallet,
			"amount":    req.Amount,
			"actor":     actor,
		}).Info("admin adjustment applied")
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, toLedgerResultDTO(res))
}

// ListAllTransactions lists transactions across users.
// Query: user_id, type (comma separated), status, from, to (RFC3339), limit, offset.
func (h *Handler) ListAllTransactions(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid filter", err)
		return
	}
	recs, err := h.Ledger.AllTransactions(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(recs))
}

// ReverseTransaction manually reverses a pending purchase.
func (h *Handler) ReverseTransaction(w http.ResponseWriter, r *http.Request) {
	id := ledger.TransactionID(chi.URLParam(r, "id"))

	var req ReverseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		writeError(w, http.StatusBadRequest, "reason is required", nil)
		return
	}

	receipt, err := h.Orchestrator.ReverseManually(r.Context(), id, principalOrAnonymous(r), req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPurchaseResponse(receipt))
}

// FinanceSummary reports totals over ?period=today|week|month|year|all or
// an explicit ?from=&to= window.
func (h *Handler) FinanceSummary(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var period ledger.Period
	var err error
	if q.Get("from") != "" || q.Get("to") != "" {
		from, ferr := queryTime(r, "from")
		to, terr := queryTime(r, "to")
		if err = errors.Join(ferr, terr); err == nil {
			period, err = ledger.CustomPeriod(from, to)
		}
	} else {
		period, err = ledger.ParsePeriod(q.Get("period"), h.now())
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid period", err)
		return
	}

	summary, err := h.Ledger.Summary(r.Context(), period)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to compute summary", err)
		return
	}
	writeJSON(w, http.StatusOK, toFinanceSummaryDTO(summary))
}

// TriggerReconcile runs the stale pending sweep now.
func (h *Handler) TriggerReconcile(w http.ResponseWriter, r *http.Request) {
	n, err := h.Orchestrator.ReconcileStale(r.Context(), h.PendingMaxAge)
	if err != nil {
		h.Log.WithError(err).WithField("reversed", n).Error("manual reconcile finished with errors")
		writeError(w, http.StatusInternalServerError, "Reconcile finished with errors", err)
		return
	}
	writeJSON(w, http.StatusOK, ReconcileResponse{Reversed: n})
}

// =============================================================================
// PROVIDER HANDLERS
// =============================================================================

// ProviderCallback applies an asynchronous provider outcome.
func (h *Handler) ProviderCallback(w http.ResponseWriter, r *http.Request) {
	var cb provider.Callback
	if err := json.NewDecoder(r.Body).Decode(&cb); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if cb.RequestID == "" {
		writeError(w, http.StatusBadRequest, "request_id is required", nil)
		return
	}

	receipt, err := h.Orchestrator.HandleCallback(r.Context(), cb)
	if err != nil {
		h.Log.WithError(err).WithField("tx_id", cb.RequestID).Warn("provider callback not applied")
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPurchaseResponse(receipt))
}

// =============================================================================
// CATALOG HANDLERS
// =============================================================================

// ListServices returns the service catalog.
func (h *Handler) ListServices(w http.ResponseWriter, r *http.Request) {
	services := h.Catalog.Services()
	dtos := make([]ServiceDTO, len(services))
	for i, s := range services {
		dtos[i] = toServiceDTO(s)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Healthz reports liveness.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer, got %q", name, raw)
	}
	return n, nil
}

func queryTime(r *http.Request, name string) (*time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("%s must be RFC3339: %w", name, err)
	}
	return &t, nil
}

func parseFilter(r *http.Request) (ledger.TransactionFilter, error) {
	q := r.URL.Query()
	var f ledger.TransactionFilter

	if u := q.Get("user_id"); u != "" {
		id := ledger.UserID(u)
		f.UserID = &id
	}
	if raw := q.Get("type"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			t, err := ledger.ParseTxType(strings.TrimSpace(s))
			if err != nil {
				return f, err
			}
			f.Types = append(f.Types, t)
		}
	}
	if raw := q.Get("status"); raw != "" {
		s, err := ledger.ParseStatus(raw)
		if err != nil {
			return f, err
		}
		f.Status = &s
	}

	var err error
	if f.From, err = queryTime(r, "from"); err != nil {
		return f, err
	}
	if f.To, err = queryTime(r, "to"); err != nil {
		return f, err
	}
	if f.Limit, err = queryInt(r, "limit", defaultHistoryLimit); err != nil {
		return f, err
	}
	f.Limit = min(f.Limit, maxListLimit)
	if f.Offset, err = queryInt(r, "offset", 0); err != nil {
		return f, err
	}
	return f, nil
}
