/*
Package ledger provides the wallet ledger and purchase settlement core.

PURPOSE:
  Moves money out of (or into) a user's wallet balances and records an
  audit entry for every movement. Balances are kept as running values on
  the Account; TransactionRecords are the append-only history next to them.
  Both are only ever written together through one atomic commit.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: integer minor currency units (kobo), never floating point
  - Account: the three wallet balances of one user plus a version token
  - TransactionRecord: an immutable audit entry (one bounded status change)
  - ServiceDescriptor: read-only catalog entry gating purchases

DESIGN PRINCIPLES:
  1. Non-negative: no commit may persist a negative balance
  2. Atomic: balance change and record append succeed together or not at all
  3. Optimistic: every commit is conditional on the Account version it read
  4. Idempotent: an idempotency key maps to at most one record

SEE ALSO:
  - ledger.go: The atomic commit protocol (debit, credit, settle, reverse)
  - guard.go: Purchase preconditions
  - store.go: Persistence interface the commit is expressed against
*/
package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Integer minor units
// =============================================================================

// Money is an amount in minor currency units (kobo).
type Money int64

func (m Money) IsPositive() bool { return m > 0 }
func (m Money) IsNegative() bool { return m < 0 }

// Decimal returns the amount as a decimal in minor units.
func (m Money) Decimal() decimal.Decimal { return decimal.NewFromInt(int64(m)) }

// Major formats the amount in major units with two decimals, e.g. "20.00".
func (m Money) Major() string {
	return decimal.New(int64(m), -2).StringFixed(2)
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type TransactionID string

// =============================================================================
// TRANSACTION TYPES
// =============================================================================

type TxType string

const (
	TxAirtime     TxType = "airtime"
	TxData        TxType = "data"
	TxElectricity TxType = "electricity"
	TxCable       TxType = "cable"
	TxExamVoucher TxType = "exam-voucher"
	TxFunding     TxType = "funding"
	TxAdminCredit TxType = "admin-credit"
	TxAdminDebit  TxType = "admin-debit"
	TxReversal    TxType = "reversal" // compensating credit for a failed purchase
)

var allTxTypes = []TxType{
	TxAirtime, TxData, TxElectricity, TxCable, TxExamVoucher,
	TxFunding, TxAdminCredit, TxAdminDebit, TxReversal,
}

// PurchaseTypes lists the types that debit the main balance and earn cashback.
func PurchaseTypes() []TxType {
	return []TxType{TxAirtime, TxData, TxElectricity, TxCable, TxExamVoucher}
}

func (t TxType) IsPurchase() bool {
	switch t {
	case TxAirtime, TxData, TxElectricity, TxCable, TxExamVoucher:
		return true
	}
	return false
}

func ParseTxType(s string) (TxType, error) {
	for _, t := range allTxTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown transaction type %q", s)
}

// =============================================================================
// STATUS - Bounded state machine of a record
// =============================================================================

type Status string

const (
	StatusPending   Status = "pending"   // debited, waiting on the provider
	StatusCompleted Status = "completed" // terminal
	StatusFailed    Status = "failed"    // terminal, debit was reversed
)

// CanTransitionTo reports whether a record in s may move to next.
// Only pending records change. pending -> pending keeps the status and only
// records provider fields.
func (s Status) CanTransitionTo(next Status) bool {
	return s == StatusPending && (next == StatusPending || next == StatusCompleted || next == StatusFailed)
}

func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusCompleted, StatusFailed:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// =============================================================================
// WALLETS
// =============================================================================

type WalletType string

const (
	WalletMain     WalletType = "main"
	WalletCashback WalletType = "cashback"
	WalletReferral WalletType = "referral"
)

func ParseWalletType(s string) (WalletType, error) {
	switch WalletType(s) {
	case WalletMain, WalletCashback, WalletReferral:
		return WalletType(s), nil
	case "":
		return WalletMain, nil
	}
	return "", fmt.Errorf("unknown wallet type %q", s)
}

type Direction string

const (
	DirectionCredit Direction = "credit"
	DirectionDebit  Direction = "debit"
)

// =============================================================================
// ACCOUNT
// =============================================================================

// Account holds the running balances of one user.
type Account struct {
	UserID          UserID
	MainBalance     Money
	CashbackBalance Money
	ReferralBalance Money
	Version         int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Balance returns the balance of the given wallet.
func (a Account) Balance(w WalletType) Money {
	switch w {
	case WalletCashback:
		return a.CashbackBalance
	case WalletReferral:
		return a.ReferralBalance
	default:
		return a.MainBalance
	}
}

// WithDelta returns a copy of the account with delta applied to wallet w.
func (a Account) WithDelta(w WalletType, delta Money) Account {
	switch w {
	case WalletCashback:
		a.CashbackBalance += delta
	case WalletReferral:
		a.ReferralBalance += delta
	default:
		a.MainBalance += delta
	}
	return a
}

// NonNegative reports whether every balance is >= 0.
func (a Account) NonNegative() bool {
	return a.MainBalance >= 0 && a.CashbackBalance >= 0 && a.ReferralBalance >= 0
}

// Balances is an aggregate of wallet balances across accounts.
type Balances struct {
	Main     Money
	Cashback Money
	Referral Money
}

// =============================================================================
// TRANSACTION RECORD
// =============================================================================

// TransactionRecord is the audit entry for one purchase, funding, adjustment
// or reversal. Immutable once written except for a single pending -> terminal
// status transition.
type TransactionRecord struct {
	ID             TransactionID
	UserID         UserID
	Type           TxType
	Amount         Money
	CashbackEarned Money
	Status         Status
	Details        Details
	ServiceSlug    string
	IdempotencyKey string

	ProviderReference string
	ProviderStatus    string
	ProviderError     string

	ReversalOf   TransactionID
	BalanceAfter Money // main balance right after this record was committed

	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// SERVICE DESCRIPTOR - Read-only catalog entry
// =============================================================================

type ServiceDescriptor struct {
	Slug         string
	Name         string
	Category     TxType
	Enabled      bool
	CashbackRate decimal.Decimal
	Provider     string // empty: settled locally without an upstream call
}

// =============================================================================
// MUTATION - What one atomic commit writes
// =============================================================================

// StatusTransition moves a record from From to To. The store applies it only
// if the record is still in From.
type StatusTransition struct {
	ID                TransactionID
	From              Status
	To                Status
	ProviderReference string
	ProviderStatus    string
	ProviderError     string
}

// Mutation is the unit the store applies atomically: the new account state
// (conditional on ExpectedVersion), records to append and status transitions.
type Mutation struct {
	Account         Account
	ExpectedVersion int64
	Append          []TransactionRecord
	Transitions     []StatusTransition
	At              time.Time
}

// TransactionFilter selects records for listing.
type TransactionFilter struct {
	UserID *UserID
	Types  []TxType
	Status *Status
	From   *time.Time // created_at >= From
	To     *time.Time // created_at < To
	Limit  int
	Offset int
}
