/*
Package provider talks to the upstream telecom/utility fulfilment API.

PURPOSE:
  After a purchase is debited the orchestrator submits it upstream. The
  request id is the ledger record id, so a resubmission after a crash is
  recognisable on the provider side and callbacks can be matched back.

OUTCOMES:
  success  -> settle the record
  pending  -> keep the record pending until a callback or the sweeper
  error    -> ErrProviderRejected or ErrProviderTimeout; the debit is reversed

SEE ALSO:
  - client.go: HTTP implementation
  - simulator.go: In-process implementation for local runs
*/
package provider

import (
	"context"

	"github.com/warp/wallet-engine/ledger"
)

// SubmitRequest is what the provider needs to fulfil a purchase.
type SubmitRequest struct {
	UserID      ledger.UserID
	ServiceSlug string
	Category    ledger.TxType
	Amount      ledger.Money
	Details     ledger.Details
}

// Outcome is a non-failing provider answer.
type Outcome struct {
	Pending   bool // accepted, final result arrives via callback
	Reference string
	Status    string
}

// Provider submits purchases upstream. Failures are returned as errors
// wrapping ledger.ErrProviderRejected or ledger.ErrProviderTimeout.
type Provider interface {
	Submit(ctx context.Context, requestID ledger.TransactionID, req SubmitRequest) (Outcome, error)
}

// Callback is an asynchronous outcome pushed by the provider.
type Callback struct {
	RequestID ledger.TransactionID `json:"request_id"`
	Success   bool                 `json:"success"`
	Reference string               `json:"reference"`
	Status    string               `json:"status"`
	Error     string               `json:"error"`
}
