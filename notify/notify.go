/*
Package notify publishes wallet events for downstream notification dispatch.

PURPOSE:
  Completed purchases, reversals and fundings are announced on a RabbitMQ
  topic exchange. SMS/email/push senders consume them; none of that lives
  here. Publishing is best effort: a failure is logged and never rolls
  back a ledger commit.

ROUTING KEYS:
  purchase.completed  purchase.reversed  wallet.funded  reversal.failed

FALLBACK:
  When RabbitMQ is unreachable at startup the service runs with
  LogNotifier, which only logs events.
*/
package notify

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/wallet-engine/ledger"
)

const (
	EventPurchaseCompleted = "purchase.completed"
	EventPurchaseReversed  = "purchase.reversed"
	EventWalletFunded      = "wallet.funded"
	EventReversalFailed    = "reversal.failed"
)

// Event is the JSON body published for every wallet event.
type Event struct {
	Type          string    `json:"type"`
	UserID        string    `json:"user_id"`
	TransactionID string    `json:"transaction_id"`
	TxType        string    `json:"tx_type"`
	Amount        int64     `json:"amount"`
	Cashback      int64     `json:"cashback,omitempty"`
	Status        string    `json:"status"`
	ServiceSlug   string    `json:"service_slug,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	MainBalance   int64     `json:"main_balance"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// NewEvent builds the event for a record.
func NewEvent(eventType string, rec ledger.TransactionRecord, acc ledger.Account) Event {
	return Event{
		Type:          eventType,
		UserID:        string(rec.UserID),
		TransactionID: string(rec.ID),
		TxType:        string(rec.Type),
		Amount:        int64(rec.Amount),
		Cashback:      int64(rec.CashbackEarned),
		Status:        string(rec.Status),
		ServiceSlug:   rec.ServiceSlug,
		Reason:        rec.ProviderError,
		MainBalance:   int64(acc.MainBalance),
		OccurredAt:    rec.UpdatedAt,
	}
}

// Notifier delivers wallet events.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// LogNotifier logs events instead of publishing them.
type LogNotifier struct {
	Log logrus.FieldLogger
}

func (n LogNotifier) Notify(_ context.Context, e Event) error {
	n.Log.WithFields(logrus.Fields{
		"event":   e.Type,
		"user_id": e.UserID,
		"tx_id":   e.TransactionID,
		"amount":  e.Amount,
	}).Info("wallet event (no broker configured)")
	return nil
}
