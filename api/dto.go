/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger's domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

AMOUNTS:
  Every amount is an integer count of kobo. Rates are decimal strings.

VALIDATION:
  Validation is done in handlers and the ledger, not in DTOs.

SEE ALSO:
  - handlers.go: Uses these types
  - ledger/details.go: Purchase details schemas
*/
package api

import (
	"encoding/json"
	"time"

	"github.com/warp/wallet-engine/ledger"
	"github.com/warp/wallet-engine/purchase"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

type OpenAccountRequest struct {
	UserID string `json:"user_id"`
}

type SetPinRequest struct {
	Pin string `json:"pin"`
}

// PurchaseRequest buys a service. Details follow the schema of the
// service's category, e.g. {"network":"mtn","phone":"0803..."} for airtime.
type PurchaseRequest struct {
	Service        string          `json:"service"`
	Amount         int64           `json:"amount"`
	Details        json.RawMessage `json:"details"`
	Pin            string          `json:"pin"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

type FundRequest struct {
	Amount      int64  `json:"amount"`
	ProviderRef string `json:"provider_ref"`
	Gateway     string `json:"gateway"`
}

type AdjustmentRequest struct {
	Amount         int64  `json:"amount"`
	Wallet         string `json:"wallet"`
	Description    string `json:"description"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type ReverseRequest struct {
	Reason string `json:"reason"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

type AccountDTO struct {
	UserID          string `json:"user_id"`
	MainBalance     int64  `json:"main_balance"`
	CashbackBalance int64  `json:"cashback_balance"`
	ReferralBalance int64  `json:"referral_balance"`
	Version         int64  `json:"version"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

type TransactionDTO struct {
	ID                string          `json:"id"`
	UserID            string          `json:"user_id"`
	Type              string          `json:"type"`
	Amount            int64           `json:"amount"`
	CashbackEarned    int64           `json:"cashback_earned"`
	Status            string          `json:"status"`
	ServiceSlug       string          `json:"service,omitempty"`
	Details           json.RawMessage `json:"details,omitempty"`
	IdempotencyKey    string          `json:"idempotency_key,omitempty"`
	ProviderReference string          `json:"provider_reference,omitempty"`
	ProviderStatus    string          `json:"provider_status,omitempty"`
	ProviderError     string          `json:"provider_error,omitempty"`
	ReversalOf        string          `json:"reversal_of,omitempty"`
	BalanceAfter      int64           `json:"balance_after"`
	CreatedAt         string          `json:"created_at"`
	UpdatedAt         string          `json:"updated_at"`
}

type PurchaseResponse struct {
	State       string         `json:"state"`
	Transaction TransactionDTO `json:"transaction"`
	Account     AccountDTO     `json:"account"`
	Replayed    bool           `json:"replayed"`
}

// LedgerResultDTO answers fundings and admin adjustments.
type LedgerResultDTO struct {
	Transaction TransactionDTO `json:"transaction"`
	Account     AccountDTO     `json:"account"`
	Replayed    bool           `json:"replayed"`
}

type ServiceDTO struct {
	Slug         string `json:"slug"`
	Name         string `json:"name"`
	Category     string `json:"category"`
	Enabled      bool   `json:"enabled"`
	CashbackRate string `json:"cashback_rate"`
	Provider     string `json:"provider,omitempty"`
}

type CategoryTotalDTO struct {
	Count    int   `json:"count"`
	Volume   int64 `json:"volume"`
	Cashback int64 `json:"cashback"`
}

type FinanceSummaryDTO struct {
	Period           string                      `json:"period"`
	From             string                      `json:"from,omitempty"`
	To               string                      `json:"to,omitempty"`
	Funding          int64                       `json:"funding"`
	FundingCount     int                         `json:"funding_count"`
	Purchases        map[string]CategoryTotalDTO `json:"purchases"`
	PurchaseVolume   int64                       `json:"purchase_volume"`
	PurchaseCount    int                         `json:"purchase_count"`
	CashbackGranted  int64                       `json:"cashback_granted"`
	CashbackRatio    string                      `json:"cashback_ratio"`
	Pending          int64                       `json:"pending"`
	PendingCount     int                         `json:"pending_count"`
	Reversals        int64                       `json:"reversals"`
	ReversalCount    int                         `json:"reversal_count"`
	CashbackReversed int64                       `json:"cashback_reversed"`
	AdminCredits     int64                       `json:"admin_credits"`
	AdminDebits      int64                       `json:"admin_debits"`
	MainHeld         int64                       `json:"main_held"`
	CashbackHeld     int64                       `json:"cashback_held"`
	ReferralHeld     int64                       `json:"referral_held"`
}

type ReconcileResponse struct {
	Reversed int `json:"reversed"`
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	// Set when a failed purchase was refunded.
	TransactionID string `json:"transaction_id,omitempty"`
	Refunded      int64  `json:"refunded,omitempty"`
	// Set on insufficient funds.
	Shortfall int64 `json:"shortfall,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func toAccountDTO(a ledger.Account) AccountDTO {
	return AccountDTO{
		UserID:          string(a.UserID),
		MainBalance:     int64(a.MainBalance),
		CashbackBalance: int64(a.CashbackBalance),
		ReferralBalance: int64(a.ReferralBalance),
		Version:         a.Version,
		CreatedAt:       formatTime(a.CreatedAt),
		UpdatedAt:       formatTime(a.UpdatedAt),
	}
}

func toTransactionDTO(r ledger.TransactionRecord) TransactionDTO {
	details, _ := ledger.EncodeDetails(r.Details)
	return TransactionDTO{
		ID:                string(r.ID),
		UserID:            string(r.UserID),
		Type:              string(r.Type),
		Amount:            int64(r.Amount),
		CashbackEarned:    int64(r.CashbackEarned),
		Status:            string(r.Status),
		ServiceSlug:       r.ServiceSlug,
		Details:           details,
		IdempotencyKey:    r.IdempotencyKey,
		ProviderReference: r.ProviderReference,
		ProviderStatus:    r.ProviderStatus,
		ProviderError:     r.ProviderError,
		ReversalOf:        string(r.ReversalOf),
		BalanceAfter:      int64(r.BalanceAfter),
		CreatedAt:         formatTime(r.CreatedAt),
		UpdatedAt:         formatTime(r.UpdatedAt),
	}
}

func toTransactionDTOs(recs []ledger.TransactionRecord) []TransactionDTO {
	dtos := make([]TransactionDTO, len(recs))
	for i, r := range recs {
		dtos[i] = toTransactionDTO(r)
	}
	return dtos
}

func toPurchaseResponse(rc purchase.Receipt) PurchaseResponse {
	return PurchaseResponse{
		State:       string(rc.State),
		Transaction: toTransactionDTO(rc.Record),
		Account:     toAccountDTO(rc.Account),
		Replayed:    rc.Replayed,
	}
}

func toLedgerResultDTO(res ledger.Result) LedgerResultDTO {
	return LedgerResultDTO{
		Transaction: toTransactionDTO(res.Record),
		Account:     toAccountDTO(res.Account),
		Replayed:    res.Replayed,
	}
}

func toServiceDTO(s ledger.ServiceDescriptor) ServiceDTO {
	return ServiceDTO{
		Slug:         s.Slug,
		Name:         s.Name,
		Category:     string(s.Category),
		Enabled:      s.Enabled,
		CashbackRate: s.CashbackRate.String(),
		Provider:     s.Provider,
	}
}

func toFinanceSummaryDTO(s ledger.FinanceSummary) FinanceSummaryDTO {
	dto := FinanceSummaryDTO{
		Period:           s.Period.Name,
		Funding:          int64(s.Funding),
		FundingCount:     s.FundingCount,
		Purchases:        make(map[string]CategoryTotalDTO, len(s.Purchases)),
		PurchaseVolume:   int64(s.PurchaseVolume),
		PurchaseCount:    s.PurchaseCount,
		CashbackGranted:  int64(s.CashbackGranted),
		CashbackRatio:    s.CashbackRatio.StringFixed(4),
		Pending:          int64(s.Pending),
		PendingCount:     s.PendingCount,
		Reversals:        int64(s.Reversals),
		ReversalCount:    s.ReversalCount,
		CashbackReversed: int64(s.CashbackReversed),
		AdminCredits:     int64(s.AdminCredits),
		AdminDebits:      int64(s.AdminDebits),
		MainHeld:         int64(s.Balances.Main),
		CashbackHeld:     int64(s.Balances.Cashback),
		ReferralHeld:     int64(s.Balances.Referral),
	}
	if s.Period.Start != nil {
		dto.From = formatTime(*s.Period.Start)
	}
	if s.Period.End != nil {
		dto.To = formatTime(*s.Period.End)
	}
	for cat, t := range s.Purchases {
		dto.Purchases[string(cat)] = CategoryTotalDTO{Count: t.Count, Volume: int64(t.Volume), Cashback: int64(t.Cashback)}
	}
	return dto
}
