package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// ADMIN ADJUSTMENT PATH
// =============================================================================
// Privileged credit/debit on any wallet. Skips PIN and provider steps but uses
// the same atomic commit and the same non-negative rule as purchases.
// The caller is expected to be authorized already.

type AdjustRequest struct {
	UserID         UserID
	Amount         Money
	WalletType     WalletType
	Direction      Direction
	Description    string
	Actor          string
	IdempotencyKey string
}

// Adjust credits or debits one wallet and appends an admin-credit or
// admin-debit record. No cashback is ever computed here.
func (l *Ledger) Adjust(ctx context.Context, req AdjustRequest) (Result, error) {
	if !req.Amount.IsPositive() {
		return Result{}, &RejectionError{Reason: ErrInvalidAmount, Message: fmt.Sprintf("amount must be positive, got %d", req.Amount)}
	}
	wallet, err := ParseWalletType(string(req.WalletType))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidDetails, err)
	}
	details := AdjustmentDetails{
		Direction:   req.Direction,
		WalletType:  wallet,
		Description: strings.TrimSpace(req.Description),
		Actor:       req.Actor,
	}
	if err := details.Validate(); err != nil {
		return Result{}, err
	}

	return l.apply(ctx, "adjust", req.UserID, details.Kind(), req.IdempotencyKey, func(acc Account, now time.Time) (Account, TransactionRecord, error) {
		delta := req.Amount
		if req.Direction == DirectionDebit {
			if err := CheckDebit(acc, wallet, req.Amount); err != nil {
				return Account{}, TransactionRecord{}, err
			}
			delta = -req.Amount
		}
		rec := TransactionRecord{
			Type:    details.Kind(),
			Amount:  req.Amount,
			Status:  StatusCompleted,
			Details: details,
		}
		return acc.WithDelta(wallet, delta), rec, nil
	})
}
