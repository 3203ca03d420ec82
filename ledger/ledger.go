/*
ledger.go - The atomic commit protocol

PURPOSE:
  Every balance change goes through here. A change is computed against a
  fresh read of the account and handed to Store.Commit together with the
  version that was read. If another commit got there first the store
  refuses and the whole unit is recomputed from a new read.

COMMIT LOOP:
  for attempt := 0..MaxRetries:
      acc  := store.GetAccount(user)
      m    := build(acc)          // re-validates funds, computes cashback
      err  := store.Commit(m)     // conditional on acc.Version
      if err == nil: done
      if conflict: backoff, retry
  -> ErrConcurrencyConflict (nothing was written)

OPERATIONS:
  Debit:   purchase debit, main -= amount, cashback += floor(amount*rate)
  Fund:    confirmed payment, main += amount (idempotent on provider ref)
  Adjust:  admin credit/debit on any wallet (adjust.go)
  Settle:  pending -> completed
  Reverse: pending -> failed plus a compensating reversal record

IDEMPOTENCY:
  A request carrying an idempotency key that is already taken returns the
  existing record with Replayed=true. No second movement happens.

SEE ALSO:
  - store.go: Commit contract
  - guard.go: Speculative precondition checks
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

const (
	DefaultMaxRetries   = 8
	DefaultRetryBackoff = 2 * time.Millisecond
)

type Config struct {
	// MaxRetries bounds how often a conflicting commit is recomputed.
	MaxRetries int
	// RetryBackoff is the base delay between attempts. Each attempt waits
	// attempt*RetryBackoff plus up to one RetryBackoff of jitter.
	RetryBackoff time.Duration
}

// Observer is notified about commit outcomes. Used for metrics.
type Observer interface {
	CommitRetried(op string)
	CommitExhausted(op string)
	Committed(op string, m Mutation)
}

type nopObserver struct{}

func (nopObserver) CommitRetried(string)       {}
func (nopObserver) CommitExhausted(string)     {}
func (nopObserver) Committed(string, Mutation) {}

type Option func(*Ledger)

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithIDGenerator(gen func() TransactionID) Option {
	return func(l *Ledger) { l.newID = gen }
}

func WithObserver(o Observer) Option {
	return func(l *Ledger) { l.observer = o }
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(l *Ledger) { l.log = log }
}

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	store    Store
	cfg      Config
	now      func() time.Time
	newID    func() TransactionID
	observer Observer
	log      logrus.FieldLogger
}

func New(store Store, cfg Config, opts ...Option) *Ledger {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff < 0 {
		cfg.RetryBackoff = 0
	}
	l := &Ledger{
		store:    store,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    func() TransactionID { return TransactionID(uuid.NewString()) },
		observer: nopObserver{},
		log:      logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Result is the outcome of a ledger operation.
type Result struct {
	Record  TransactionRecord
	Account Account
	// Replayed is true when the idempotency key or the record state showed
	// the operation had already been applied. Nothing was written.
	Replayed bool
}

// errNoop aborts a build when the operation turns out to be applied already.
var errNoop = errors.New("already applied")

// =============================================================================
// ACCOUNTS
// =============================================================================

// OpenAccount creates an account with zero balances.
func (l *Ledger) OpenAccount(ctx context.Context, userID UserID) (Account, error) {
	if userID == "" {
		return Account{}, fmt.Errorf("user id is required")
	}
	now := l.now()
	acc := Account{UserID: userID, Version: 1, CreatedAt: now, UpdatedAt: now}
	if err := l.store.CreateAccount(ctx, acc); err != nil {
		return Account{}, err
	}
	return acc, nil
}

func (l *Ledger) Account(ctx context.Context, userID UserID) (Account, error) {
	return l.store.GetAccount(ctx, userID)
}

// =============================================================================
// DEBIT - Purchase
// =============================================================================

type DebitRequest struct {
	UserID         UserID
	Amount         Money
	Type           TxType
	ServiceSlug    string
	Details        Details
	CashbackRate   decimal.Decimal
	IdempotencyKey string
	// Status is the initial record status: completed for locally settled
	// services, pending when a provider still has to fulfil. Empty means completed.
	Status Status
}

// Debit takes Amount from the main balance, credits floor(Amount*CashbackRate)
// to the cashback balance and appends the purchase record, as one commit.
func (l *Ledger) Debit(ctx context.Context, req DebitRequest) (Result, error) {
	if !req.Amount.IsPositive() {
		return Result{}, &RejectionError{Reason: ErrInvalidAmount, Message: fmt.Sprintf("amount must be positive, got %d", req.Amount)}
	}
	if !req.Type.IsPurchase() {
		return Result{}, fmt.Errorf("%w: %q is not a purchase type", ErrInvalidDetails, req.Type)
	}
	if err := validateDetails(req.Type, req.Details); err != nil {
		return Result{}, err
	}
	if err := ValidateRate(req.CashbackRate); err != nil {
		return Result{}, err
	}
	status := req.Status
	if status == "" {
		status = StatusCompleted
	}
	if status != StatusCompleted && status != StatusPending {
		return Result{}, fmt.Errorf("%w: purchase cannot start as %s", ErrInvalidTransition, status)
	}

	cashback := Cashback(req.Amount, req.CashbackRate)
	return l.apply(ctx, "debit", req.UserID, req.Type, req.IdempotencyKey, func(acc Account, now time.Time) (Account, TransactionRecord, error) {
		// Funds are re-checked against this read, whatever the guard saw earlier.
		if acc.MainBalance < req.Amount {
			return Account{}, TransactionRecord{}, &RejectionError{Reason: &InsufficientFundsError{
				UserID: acc.UserID, Wallet: WalletMain, Available: acc.MainBalance, Requested: req.Amount,
			}}
		}
		next := acc.WithDelta(WalletMain, -req.Amount).WithDelta(WalletCashback, cashback)
		rec := TransactionRecord{
			Type:           req.Type,
			Amount:         req.Amount,
			CashbackEarned: cashback,
			Status:         status,
			Details:        req.Details,
			ServiceSlug:    req.ServiceSlug,
		}
		return next, rec, nil
	})
}

// =============================================================================
// FUND - Confirmed external payment
// =============================================================================

type FundRequest struct {
	UserID      UserID
	Amount      Money
	ProviderRef string
	Gateway     string
}

// FundingKey is the idempotency key used for a payment confirmation.
func FundingKey(providerRef string) string { return "funding:" + providerRef }

// Fund credits the main balance. The same provider reference credits once.
func (l *Ledger) Fund(ctx context.Context, req FundRequest) (Result, error) {
	if !req.Amount.IsPositive() {
		return Result{}, &RejectionError{Reason: ErrInvalidAmount, Message: fmt.Sprintf("amount must be positive, got %d", req.Amount)}
	}
	details := FundingDetails{Gateway: req.Gateway, ProviderRef: req.ProviderRef}
	if err := details.Validate(); err != nil {
		return Result{}, err
	}
	return l.apply(ctx, "fund", req.UserID, TxFunding, FundingKey(req.ProviderRef), func(acc Account, now time.Time) (Account, TransactionRecord, error) {
		rec := TransactionRecord{
			Type:    TxFunding,
			Amount:  req.Amount,
			Status:  StatusCompleted,
			Details: details,
		}
		return acc.WithDelta(WalletMain, req.Amount), rec, nil
	})
}

// =============================================================================
// SETTLE - pending -> completed
// =============================================================================

type Settlement struct {
	ProviderReference string
	ProviderStatus    string
}

// Settle marks a pending purchase completed. Settling a completed record is a
// no-op; settling a failed (reversed) record is ErrInvalidTransition.
func (l *Ledger) Settle(ctx context.Context, id TransactionID, s Settlement) (Result, error) {
	rec, err := l.store.GetTransaction(ctx, id)
	if err != nil {
		return Result{}, err
	}

	var current TransactionRecord
	m, err := l.mutate(ctx, "settle", rec.UserID, func(acc Account, now time.Time) (Mutation, error) {
		cur, gerr := l.store.GetTransaction(ctx, id)
		if gerr != nil {
			return Mutation{}, gerr
		}
		current = cur
		switch current.Status {
		case StatusCompleted:
			return Mutation{}, errNoop
		case StatusFailed:
			return Mutation{}, fmt.Errorf("%w: transaction %s was reversed", ErrInvalidTransition, id)
		}
		return Mutation{
			Account: acc,
			Transitions: []StatusTransition{{
				ID:                id,
				From:              StatusPending,
				To:                StatusCompleted,
				ProviderReference: s.ProviderReference,
				ProviderStatus:    s.ProviderStatus,
			}},
		}, nil
	})
	if errors.Is(err, errNoop) {
		return l.replayed(ctx, current)
	}
	if err != nil {
		return Result{}, err
	}

	current.Status = StatusCompleted
	current.ProviderReference = s.ProviderReference
	current.ProviderStatus = s.ProviderStatus
	current.UpdatedAt = m.At
	return Result{Record: current, Account: m.Account}, nil
}

// Accept records the reference of a purchase the provider took asynchronously.
// The record stays pending. A record that already left pending is returned
// unchanged with Replayed=true.
func (l *Ledger) Accept(ctx context.Context, id TransactionID, s Settlement) (Result, error) {
	rec, err := l.store.GetTransaction(ctx, id)
	if err != nil {
		return Result{}, err
	}

	var current TransactionRecord
	m, err := l.mutate(ctx, "accept", rec.UserID, func(acc Account, now time.Time) (Mutation, error) {
		cur, gerr := l.store.GetTransaction(ctx, id)
		if gerr != nil {
			return Mutation{}, gerr
		}
		current = cur
		if current.Status != StatusPending {
			return Mutation{}, errNoop
		}
		return Mutation{
			Account: acc,
			Transitions: []StatusTransition{{
				ID:                id,
				From:              StatusPending,
				To:                StatusPending,
				ProviderReference: s.ProviderReference,
				ProviderStatus:    s.ProviderStatus,
			}},
		}, nil
	})
	if errors.Is(err, errNoop) {
		return l.replayed(ctx, current)
	}
	if err != nil {
		return Result{}, err
	}

	if s.ProviderReference != "" {
		current.ProviderReference = s.ProviderReference
	}
	if s.ProviderStatus != "" {
		current.ProviderStatus = s.ProviderStatus
	}
	current.UpdatedAt = m.At
	return Result{Record: current, Account: m.Account}, nil
}

// =============================================================================
// REVERSE - pending -> failed, compensating credit
// =============================================================================

type Reversal struct {
	Reason         string
	ProviderStatus string
	ProviderError  string
}

// ReversalKey is the idempotency key of the reversal record of id.
func ReversalKey(id TransactionID) string { return "reversal:" + string(id) }

// Reverse returns a pending purchase's amount to the main balance, claws back
// its cashback, appends a reversal record and marks the purchase failed, all
// in one commit. Reversing an already failed record returns the existing
// reversal with Replayed=true.
//
// Cashback clawback is capped at the current cashback balance so the commit
// can never go negative; the amount actually clawed back is recorded in the
// reversal details.
func (l *Ledger) Reverse(ctx context.Context, id TransactionID, r Reversal) (Result, error) {
	rec, err := l.store.GetTransaction(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if !rec.Type.IsPurchase() {
		return Result{}, fmt.Errorf("%w: %s records cannot be reversed", ErrInvalidTransition, rec.Type)
	}

	var reversal TransactionRecord
	m, err := l.mutate(ctx, "reverse", rec.UserID, func(acc Account, now time.Time) (Mutation, error) {
		current, err := l.store.GetTransaction(ctx, id)
		if err != nil {
			return Mutation{}, err
		}
		switch current.Status {
		case StatusFailed:
			return Mutation{}, errNoop
		case StatusCompleted:
			return Mutation{}, fmt.Errorf("%w: transaction %s already completed", ErrInvalidTransition, id)
		}

		clawback := current.CashbackEarned
		if clawback > acc.CashbackBalance {
			clawback = acc.CashbackBalance
		}
		next := acc.WithDelta(WalletMain, current.Amount).WithDelta(WalletCashback, -clawback)
		reversal = TransactionRecord{
			ID:     l.newID(),
			UserID: current.UserID,
			Type:   TxReversal,
			Amount: current.Amount,
			Status: StatusCompleted,
			Details: ReversalDetails{
				OriginalID:       id,
				Reason:           r.Reason,
				CashbackReversed: clawback,
			},
			ServiceSlug:    current.ServiceSlug,
			IdempotencyKey: ReversalKey(id),
			ReversalOf:     id,
			BalanceAfter:   next.MainBalance,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		return Mutation{
			Account: next,
			Append:  []TransactionRecord{reversal},
			Transitions: []StatusTransition{{
				ID:             id,
				From:           StatusPending,
				To:             StatusFailed,
				ProviderStatus: r.ProviderStatus,
				ProviderError:  r.ProviderError,
			}},
		}, nil
	})
	if errors.Is(err, errNoop) || errors.Is(err, ErrDuplicateIdempotencyKey) {
		existing, ferr := l.store.FindReversal(ctx, id)
		if ferr != nil {
			return Result{}, ferr
		}
		return l.replayed(ctx, existing)
	}
	if err != nil {
		return Result{}, err
	}
	return Result{Record: reversal, Account: m.Account}, nil
}

// =============================================================================
// QUERIES
// =============================================================================

func (l *Ledger) Transaction(ctx context.Context, id TransactionID) (TransactionRecord, error) {
	return l.store.GetTransaction(ctx, id)
}

// TransactionByKey returns the record holding an idempotency key.
func (l *Ledger) TransactionByKey(ctx context.Context, key string) (TransactionRecord, error) {
	return l.store.FindByIdempotencyKey(ctx, key)
}

// UserTransactions returns a user's history, newest first.
func (l *Ledger) UserTransactions(ctx context.Context, userID UserID, limit int) ([]TransactionRecord, error) {
	if _, err := l.store.GetAccount(ctx, userID); err != nil {
		return nil, err
	}
	return l.store.ListByUser(ctx, userID, limit)
}

func (l *Ledger) AllTransactions(ctx context.Context, filter TransactionFilter) ([]TransactionRecord, error) {
	return l.store.ListTransactions(ctx, filter)
}

// StalePending returns purchases still pending after maxAge.
func (l *Ledger) StalePending(ctx context.Context, maxAge time.Duration) ([]TransactionRecord, error) {
	pending := StatusPending
	cutoff := l.now().Add(-maxAge)
	return l.store.ListTransactions(ctx, TransactionFilter{
		Types:  PurchaseTypes(),
		Status: &pending,
		To:     &cutoff,
	})
}

// =============================================================================
// COMMIT PROTOCOL
// =============================================================================

// recordBuilder computes the new account state and the record to append from
// a fresh read of the account.
type recordBuilder func(acc Account, now time.Time) (Account, TransactionRecord, error)

// apply commits a single new record. An idempotency key that is already taken
// by the same user and type replays the existing record.
func (l *Ledger) apply(ctx context.Context, op string, userID UserID, typ TxType, key string, build recordBuilder) (Result, error) {
	if key != "" {
		existing, err := l.store.FindByIdempotencyKey(ctx, key)
		switch {
		case err == nil:
			return l.replayMatching(ctx, existing, userID, typ, key)
		case !errors.Is(err, ErrTransactionNotFound):
			return Result{}, err
		}
	}

	var rec TransactionRecord
	m, err := l.mutate(ctx, op, userID, func(acc Account, now time.Time) (Mutation, error) {
		next, r, err := build(acc, now)
		if err != nil {
			return Mutation{}, err
		}
		r.ID = l.newID()
		r.UserID = userID
		r.IdempotencyKey = key
		r.BalanceAfter = next.MainBalance
		r.CreatedAt = now
		r.UpdatedAt = now
		rec = r
		return Mutation{Account: next, Append: []TransactionRecord{r}}, nil
	})
	if errors.Is(err, ErrDuplicateIdempotencyKey) && key != "" {
		// Lost a race against a request with the same key.
		existing, ferr := l.store.FindByIdempotencyKey(ctx, key)
		if ferr != nil {
			return Result{}, ferr
		}
		return l.replayMatching(ctx, existing, userID, typ, key)
	}
	if err != nil {
		return Result{}, err
	}
	return Result{Record: rec, Account: m.Account}, nil
}

// mutate runs build against a fresh account read and commits the mutation
// conditional on the version read. Conflicts recompute from scratch.
func (l *Ledger) mutate(ctx context.Context, op string, userID UserID, build func(acc Account, now time.Time) (Mutation, error)) (Mutation, error) {
	for attempt := 0; attempt <= l.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			l.observer.CommitRetried(op)
			if err := l.backoff(ctx, attempt); err != nil {
				return Mutation{}, err
			}
		}

		acc, err := l.store.GetAccount(ctx, userID)
		if err != nil {
			return Mutation{}, err
		}
		now := l.now()
		m, err := build(acc, now)
		if err != nil {
			return Mutation{}, err
		}
		m.ExpectedVersion = acc.Version
		m.Account.UserID = acc.UserID
		m.Account.CreatedAt = acc.CreatedAt
		m.Account.Version = acc.Version + 1
		m.Account.UpdatedAt = now
		m.At = now

		if !m.Account.NonNegative() {
			return Mutation{}, fmt.Errorf("%s would leave a negative balance: %w", op, ErrInsufficientFunds)
		}

		err = l.store.Commit(ctx, m)
		if err == nil {
			l.observer.Committed(op, m)
			return m, nil
		}
		if !errors.Is(err, ErrConcurrentModification) && !errors.Is(err, ErrStatusConflict) {
			return Mutation{}, err
		}
		l.log.WithFields(logrus.Fields{
			"op":      op,
			"user_id": userID,
			"attempt": attempt + 1,
		}).Debug("commit conflict, retrying with fresh read")
	}

	l.observer.CommitExhausted(op)
	return Mutation{}, fmt.Errorf("%s for user %s after %d attempts: %w", op, userID, l.cfg.MaxRetries+1, ErrConcurrencyConflict)
}

func (l *Ledger) backoff(ctx context.Context, attempt int) error {
	if l.cfg.RetryBackoff <= 0 {
		return ctx.Err()
	}
	d := time.Duration(attempt)*l.cfg.RetryBackoff + rand.N(l.cfg.RetryBackoff)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (l *Ledger) replayMatching(ctx context.Context, existing TransactionRecord, userID UserID, typ TxType, key string) (Result, error) {
	if existing.UserID != userID || existing.Type != typ {
		return Result{}, fmt.Errorf("%w: key %q belongs to a different request", ErrDuplicateIdempotencyKey, key)
	}
	return l.replayed(ctx, existing)
}

func (l *Ledger) replayed(ctx context.Context, rec TransactionRecord) (Result, error) {
	acc, err := l.store.GetAccount(ctx, rec.UserID)
	if err != nil {
		return Result{}, err
	}
	return Result{Record: rec, Account: acc, Replayed: true}, nil
}

func validateDetails(t TxType, d Details) error {
	if d == nil {
		return fmt.Errorf("%w: details required for %s", ErrInvalidDetails, t)
	}
	if d.Kind() != t {
		return fmt.Errorf("%w: %s details given for %s", ErrInvalidDetails, d.Kind(), t)
	}
	return d.Validate()
}
