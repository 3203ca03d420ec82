package api

import (
	"errors"
	"net/http"

	"github.com/warp/wallet-engine/ledger"
	"github.com/warp/wallet-engine/purchase"
)

// writeDomainError maps ledger and orchestrator errors to an HTTP answer.
func writeDomainError(w http.ResponseWriter, err error) {
	status, message := statusFor(err)
	resp := ErrorResponse{Error: message, Details: err.Error()}

	var short *ledger.InsufficientFundsError
	if errors.As(err, &short) {
		resp.Shortfall = int64(short.Shortfall())
	}
	var reversed *purchase.ReversedError
	if errors.As(err, &reversed) {
		resp.TransactionID = string(reversed.TransactionID)
		resp.Refunded = int64(reversed.Refunded)
	}
	writeJSON(w, status, resp)
}

func statusFor(err error) (int, string) {
	var reversed *purchase.ReversedError
	switch {
	case errors.Is(err, ledger.ErrReversalFailed):
		return http.StatusInternalServerError, "Purchase failed and could not be reversed"
	case errors.As(err, &reversed):
		return http.StatusBadGateway, "Purchase failed at the provider and was refunded"
	case errors.Is(err, ledger.ErrInvalidPin):
		return http.StatusForbidden, "Invalid transaction PIN"
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusPaymentRequired, "Insufficient funds"
	case errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusBadRequest, "Invalid amount"
	case errors.Is(err, ledger.ErrInvalidDetails):
		return http.StatusBadRequest, "Invalid details"
	case errors.Is(err, ledger.ErrServiceUnavailable):
		return http.StatusServiceUnavailable, "Service unavailable"
	case errors.Is(err, ledger.ErrAccountNotFound):
		return http.StatusNotFound, "Account not found"
	case errors.Is(err, ledger.ErrTransactionNotFound):
		return http.StatusNotFound, "Transaction not found"
	case errors.Is(err, ledger.ErrAccountExists):
		return http.StatusConflict, "Account already exists"
	case errors.Is(err, ledger.ErrDuplicateIdempotencyKey):
		return http.StatusConflict, "Idempotency key already used"
	case errors.Is(err, ledger.ErrInvalidTransition):
		return http.StatusConflict, "Transaction cannot change status"
	case errors.Is(err, ledger.ErrConcurrencyConflict):
		return http.StatusConflict, "Too many concurrent updates, retry"
	case errors.Is(err, ledger.ErrProviderTimeout), errors.Is(err, ledger.ErrProviderRejected):
		return http.StatusBadGateway, "Provider error"
	}
	return http.StatusInternalServerError, "Internal error"
}
