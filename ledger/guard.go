package ledger

import "fmt"

// =============================================================================
// BALANCE GUARD - Pure precondition checks
// =============================================================================

// CheckPurchase validates a purchase against a speculative read of the
// account. It has no side effects; the ledger re-validates funds inside the
// atomic commit regardless of what this returns.
//
// Checks run in order: amount, service availability, funds.
func CheckPurchase(acc Account, amount Money, svc ServiceDescriptor) error {
	if !amount.IsPositive() {
		return &RejectionError{Reason: ErrInvalidAmount, Message: fmt.Sprintf("amount must be positive, got %d", amount)}
	}
	if !svc.Enabled {
		return &RejectionError{Reason: ErrServiceUnavailable, Message: fmt.Sprintf("service %q is disabled", svc.Slug)}
	}
	if acc.MainBalance < amount {
		return &RejectionError{Reason: &InsufficientFundsError{
			UserID:    acc.UserID,
			Wallet:    WalletMain,
			Available: acc.MainBalance,
			Requested: amount,
		}}
	}
	return nil
}

// CheckDebit validates taking amount out of wallet w.
func CheckDebit(acc Account, w WalletType, amount Money) error {
	if !amount.IsPositive() {
		return &RejectionError{Reason: ErrInvalidAmount, Message: fmt.Sprintf("amount must be positive, got %d", amount)}
	}
	if acc.Balance(w) < amount {
		return &InsufficientFundsError{UserID: acc.UserID, Wallet: w, Available: acc.Balance(w), Requested: amount}
	}
	return nil
}

// Catalog is the read-only service catalog consulted before debiting.
// Unknown slugs return an error wrapping ErrServiceUnavailable.
type Catalog interface {
	Service(slug string) (ServiceDescriptor, error)
}
