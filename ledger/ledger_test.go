package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/wallet-engine/ledger"
	"github.com/warp/wallet-engine/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var threePercent = decimal.RequireFromString("0.03")

func newTestLedger(t *testing.T) (*ledger.Ledger, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	l := ledger.New(mem, ledger.Config{
		MaxRetries:   ledger.DefaultMaxRetries,
		RetryBackoff: time.Millisecond,
	})
	return l, mem
}

// fundedAccount opens an account and funds its main balance.
func fundedAccount(t *testing.T, l *ledger.Ledger, user ledger.UserID, main ledger.Money) {
	t.Helper()
	ctx := context.Background()
	_, err := l.OpenAccount(ctx, user)
	require.NoError(t, err)
	if main > 0 {
		_, err = l.Fund(ctx, ledger.FundRequest{UserID: user, Amount: main, ProviderRef: "seed-" + string(user)})
		require.NoError(t, err)
	}
}

func airtime(user ledger.UserID, amount ledger.Money, key string) ledger.DebitRequest {
	return ledger.DebitRequest{
		UserID:         user,
		Amount:         amount,
		Type:           ledger.TxAirtime,
		ServiceSlug:    "mtn-airtime",
		Details:        ledger.AirtimeDetails{Network: "mtn", Phone: "08030000000"},
		CashbackRate:   threePercent,
		IdempotencyKey: key,
	}
}

func purchases(t *testing.T, l *ledger.Ledger, user ledger.UserID) []ledger.TransactionRecord {
	t.Helper()
	all, err := l.UserTransactions(context.Background(), user, 0)
	require.NoError(t, err)
	var out []ledger.TransactionRecord
	for _, rec := range all {
		if rec.Type.IsPurchase() {
			out = append(out, rec)
		}
	}
	return out
}

// =============================================================================
// DEBIT
// =============================================================================

func TestDebit_CompletedPurchase_DebitsMainAndCreditsCashback(t *testing.T) {
	// GIVEN: Balance 10,000, cashback rate 3%
	// WHEN: Purchasing 2,000
	// THEN: main 8,000, cashback +60, one completed record {2000, 60}

	ctx := context.Background()
	l, _ := newTestLedger(t)
	fundedAccount(t, l, "alice", 10_000)

	res, err := l.Debit(ctx, airtime("alice", 2_000, ""))
	require.NoError(t, err)

	assert.False(t, res.Replayed)
	assert.Equal(t, ledger.Money(8_000), res.Account.MainBalance)
	assert.Equal(t, ledger.Money(60), res.Account.CashbackBalance)
	assert.Equal(t, ledger.Money(2_000), res.Record.Amount)
	assert.Equal(t, ledger.Money(60), res.Record.CashbackEarned)
	assert.Equal(t, ledger.StatusCompleted, res.Record.Status)
	assert.Equal(t, ledger.Money(8_000), res.Record.BalanceAfter)

	acc, err := l.Account(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, ledger.Money(8_000), acc.MainBalance)
	assert.Equal(t, ledger.Money(60), acc.CashbackBalance)

	recs := purchases(t, l, "alice")
	require.Len(t, recs, 1)
	assert.Equal(t, res.Record.ID, recs[0].ID)
}

func TestDebit_InsufficientFunds_NothingWritten(t *testing.T) {
	// GIVEN: Balance 500
	// WHEN: Purchasing 1,000
	// THEN: InsufficientFunds, no record, balance unchanged

	ctx := context.Background()
	l, _ := newTestLedger(t)
	fundedAccount(t, l, "bob", 500)

	_, err := l.Debit(ctx, airtime("bob", 1_000, "k1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	var short *ledger.InsufficientFundsError
	require.True(t, errors.As(err, &short))
	assert.Equal(t, ledger.Money(500), short.Shortfall())

	acc, err := l.Account(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, ledger.Money(500), acc.MainBalance)
	assert.Empty(t, purchases(t, l, "bob"))
}

func TestDebit_UnknownAccount(t *testing.T) {
	l, _ := newTestLedger(t)
	_, err := l.Debit(context.Background(), airtime("ghost", 100, ""))
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestDebit_RejectsInvalidInput(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	fundedAccount(t, l, "carol", 1_000)

	tests := []struct {
		name string
		req  ledger.DebitRequest
		want error
	}{
		{"zero amount", airtime("carol", 0, ""), ledger.ErrInvalidAmount},
		{"negative amount", airtime("carol", -5, ""), ledger.ErrInvalidAmount},
		{"funding is not a purchase", func() ledger.DebitRequest {
			r := airtime("carol", 100, "")
			r.Type = ledger.TxFunding
			return r
		}(), ledger.ErrInvalidDetails},
		{"details of another type", func() ledger.DebitRequest {
			r := airtime("carol", 100, "")
			r.Type = ledger.TxData
			return r
		}(), ledger.ErrInvalidDetails},
		{"missing phone", func() ledger.DebitRequest {
			r := airtime("carol", 100, "")
			r.Details = ledger.AirtimeDetails{Network: "mtn"}
			return r
		}(), ledger.ErrInvalidDetails},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Debit(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	acc, err := l.Account(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, ledger.Money(1_000), acc.MainBalance)
}

func TestDebit_SameIdempotencyKey_DebitsOnce(t *testing.T) {
	// GIVEN: A purchase with key "order-1" already succeeded
	// WHEN: The same request is submitted again
	// THEN: The existing record is returned, balance debited only once

	ctx := context.Background()
	l, _ := newTestLedger(t)
	fundedAccount(t, l, "dave", 5_000)

	first, err := l.Debit(ctx, airtime("dave", 1_000, "order-1"))
	require.NoError(t, err)
	second, err := l.Debit(ctx, airtime("dave", 1_000, "order-1"))
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.Record.ID, second.Record.ID)
	assert.Equal(t, ledger.Money(4_000), second.Account.MainBalance)
	assert.Len(t, purchases(t, l, "dave"), 1)
}

func TestDebit_IdempotencyKeyOfAnotherUser_Rejected(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	fundedAccount(t, l, "erin", 5_000)
	fundedAccount(t, l, "frank", 5_000)

	_, err := l.Debit(ctx, airtime("erin", 1_000, "shared"))
	require.NoError(t, err)

	_, err = l.Debit(ctx, airtime("frank", 1_000, "shared"))
	assert.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)

	acc, err := l.Account(ctx, "frank")
	require.NoError(t, err)
	assert.Equal(t, ledger.Money(5_000), acc.MainBalance)
}

func TestDebit_ConcurrentSameKey_DebitsOnce(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	fundedAccount(t, l, "gina", 10_000)

	var wg sync.WaitGroup
	ids := make([]ledger.TransactionID, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := l.Debit(ctx, airtime("gina", 1_000, "retry-storm"))
			if assert.NoError(t, err) {
				ids[i] = res.Record.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	acc, err := l.Account(ctx, "gina")
	require.NoError(t, err)
	assert.Equal(t, ledger.Money(9_000), acc.MainBalance)
	assert.Len(t, purchases(t, l, "gina"), 1)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestDebit_ConcurrentPurchases_NeverOverdraw(t *testing.T) {
	// GIVEN: Balance B=5,000 and N=10 concurrent purchases of A=1,000
	// WHEN: All run at once
	// THEN: Exactly floor(B/A)=5 succeed, the rest fail with InsufficientFunds,
	//       final balance B - 5*A = 0

	ctx := context.Background()
	l, _ := newTestLedger(t)
	const (
		B = ledger.Money(5_000)
		A = ledger.Money(1_000)
		N = 10
	)
	fundedAccount(t, l, "hank", B)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
		other     []error
	)
	start := make(chan struct{})
	for i := 0; i < N; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := l.Debit(ctx, airtime("hank", A, fmt.Sprintf("p-%d", i)))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ledger.ErrInsufficientFunds):
				rejected++
			default:
				other = append(other, err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	require.Empty(t, other)
	assert.Equal(t, int(B/A), succeeded)
	assert.Equal(t, N-int(B/A), rejected)

	acc, err := l.Account(ctx, "hank")
	require.NoError(t, err)
	assert.Equal(t, B-B/A*A, acc.MainBalance)
	assert.Equal(t, ledger.Money(5*30), acc.CashbackBalance)
	assert.Len(t, purchases(t, l, "hank"), int(B/A))
}

// conflictingStore reports a version conflict on every commit.
type conflictingStore struct {
	*store.Memory
	commits int
}

func (s *conflictingStore) Commit(context.Context, ledger.Mutation) error {
	s.commits++
	return ledger.ErrConcurrentModification
}

func TestDebit_RetriesExhausted_ConcurrencyConflict(t *testing.T) {
	// GIVEN: A store that always reports a concurrent modification
	// WHEN: Debiting with MaxRetries=3
	// THEN: 4 attempts, ErrConcurrencyConflict, nothing changed

	ctx := context.Background()
	mem := store.NewMemory()
	seed := ledger.New(mem, ledger.Config{})
	fundedAccount(t, seed, "ivan", 1_000)

	cs := &conflictingStore{Memory: mem}
	l := ledger.New(cs, ledger.Config{MaxRetries: 3})

	_, err := l.Debit(ctx, airtime("ivan", 100, ""))
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrConcurrencyConflict)
	assert.True(t, ledger.IsRetryable(err))
	assert.Equal(t, 4, cs.commits)

	acc, err := mem.GetAccount(ctx, "ivan")
	require.NoError(t, err)
	assert.Equal(t, ledger.Money(1_000), acc.MainBalance)
}

func TestDebit_CancelledContextStopsRetrying(t *testing.T) {
	mem := store.NewMemory()
	seed := ledger.New(mem, ledger.Config{})
	fundedAccount(t, seed, "jane", 1_000)

	cs := &conflictingStore{Memory: mem}
	l := ledger.New(cs, ledger.Config{MaxRetries: 5, RetryBackoff: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := l.Debit(ctx, airtime("jane", 100, ""))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, cs.commits)
}

// =============================================================================
// SETTLE / REVERSE
// =============================================================================

func pendingPurchase(t *testing.T, l *ledger.Ledger, user ledger.UserID, amount ledger.Money) ledger.TransactionRecord {
	t.Helper()
	req := airtime(user, amount, "")
	req.Status = ledger.StatusPending
	res, err := l.Debit(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusPending, res.Record.Status)
	return res.Record
}

func TestSettle_PendingBecomesCompleted(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	fundedAccount(t, l, "kate", 10_000)
	rec := pendingPurchase(t, l, "kate", 2_000)

	res, err := l.Settle(ctx, rec.ID, ledger.Settlement{ProviderReference: "ref-1", ProviderStatus: "delivered"})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, res.Record.Status)

	stored, err := l.Transaction(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, stored.Status)
	assert.Equal(t, "ref-1", stored.ProviderReference)
	assert.Equal(t, "delivered", stored.ProviderStatus)

	// Settling twice is a no-op.
	again, err := l.Settle(ctx, rec.ID, ledger.Settlement{ProviderReference: "ref-1"})
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, ledger.Money(8_000), again.Account.MainBalance)
}

func TestAccept_RecordsReferenceAndStaysPending(t *testing.T) {
	// GIVEN: A pending purchase
	ctx := context.Background()
	l, _ := newTestLedger(t)
	fundedAccount(t, l, "kate", 10_000)
	rec := pendingPurchase(t, l, "kate", 2_000)

	// WHEN: The provider accepts it asynchronously
	res, err := l.Accept(ctx, rec.ID, ledger.Settlement{ProviderReference: "async-7", ProviderStatus: "queued"})

	// THEN: The reference is stored and the record is still pending
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	stored, err := l.Transaction(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, stored.Status)
	assert.Equal(t, "async-7", stored.ProviderReference)
	assert.Equal(t, "queued", stored.ProviderStatus)

	// AND: Pending listings carry the reference
	pending := ledger.StatusPending
	listed, err := l.AllTransactions(ctx, ledger.TransactionFilter{Status: &pending})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "async-7", listed[0].ProviderReference)

	// AND: Once settled, accepting again changes nothing
	_, err = l.Settle(ctx, rec.ID, ledger.Settlement{ProviderReference: "async-7", ProviderStatus: "delivered"})
	require.NoError(t, err)
	again, err := l.Accept(ctx, rec.ID, ledger.Settlement{ProviderReference: "other", ProviderStatus: "queued"})
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, ledger.StatusCompleted, again.Record.Status)
	assert.Equal(t, "delivered", again.Record.ProviderStatus)
}

func TestReverse_RestoresMainAndClawsBackCashback(t *testing.T) {
	// GIVEN: Balance 10,000, pending purchase of 2,000 earning 60 cashback
	// WHEN: The provider fails and the purchase is reversed
	// THEN: main back to 10,000, cashback reduced by exactly 60,
	//       original record failed, one reversal record

	ctx := context.Background()
	l, _ := newTestLedger(t)
	fundedAccount(t, l, "liam", 10_000)
	rec := pendingPurchase(t, l, "liam", 2_000)

	before, err := l.Account(ctx, "liam")
	require.NoError(t, err)
	require.Equal(t, ledger.Money(60), before.CashbackBalance)

	res, err := l.Reverse(ctx, rec.ID, ledger.Reversal{Reason: "provider failed", ProviderError: "network down"})
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, ledger.TxReversal, res.Record.Type)
	assert.Equal(t, rec.ID, res.Record.ReversalOf)
	assert.Equal(t, ledger.Money(2_000), res.Record.Amount)
	assert.Equal(t, ledger.Money(10_000), res.Account.MainBalance)
	assert.Equal(t, before.CashbackBalance-60, res.Account.CashbackBalance)

	details, ok := res.Record.Details.(ledger.ReversalDetails)
	require.True(t, ok)
	assert.Equal(t, ledger.Money(60), details.CashbackReversed)

	original, err := l.Transaction(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, original.Status)
	assert.Equal(t, "network down", original.ProviderError)
}

func TestReverse_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	fundedAccount(t, l, "mia", 3_000)
	rec := pendingPurchase(t, l, "mia", 1_000)

	first, err := l.Reverse(ctx, rec.ID, ledger.Reversal{Reason: "timeout"})
	require.NoError(t, err)
	second, err := l.Reverse(ctx, rec.ID, ledger.Reversal{Reason: "timeout"})
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.Record.ID, second.Record.ID)
	assert.Equal(t, ledger.Money(3_000), second.Account.MainBalance)
}

func TestReverse_ConcurrentAttempts_CreditOnce(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	fundedAccount(t, l, "nina", 3_000)
	rec := pendingPurchase(t, l, "nina", 1_000)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Reverse(ctx, rec.ID, ledger.Reversal{Reason: "timeout"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	acc, err := l.Account(ctx, "nina")
	require.NoError(t, err)
	assert.Equal(t, ledger.Money(3_000), acc.MainBalance)
	assert.Equal(t, ledger.Money(0), acc.CashbackBalance)

	all, err := l.UserTransactions(ctx, "nina", 0)
	require.NoError(t, err)
	reversals := 0
	for _, r := range all {
		if r.Type == ledger.TxReversal {
			reversals++
		}
	}
	assert.Equal(t, 1, reversals)
}

func TestReverse_CompletedPurchase_InvalidTransition(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	fundedAccount(t, l, "omar", 3_000)
	res, err := l.Debit(ctx, airtime("omar", 1_000, ""))
	require.NoError(t, err)

	_, err = l.Reverse(ctx, res.Record.ID, ledger.Reversal{Reason: "manual"})
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)
}

func TestSettle_ReversedPurchase_InvalidTransition(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	fundedAccount(t, l, "pia", 3_000)
	rec := pendingPurchase(t, l, "pia", 1_000)

	_, err := l.Reverse(ctx, rec.ID, ledger.Reversal{Reason: "timeout"})
	require.NoError(t, err)

	_, err = l.Settle(ctx, rec.ID, ledger.Settlement{ProviderReference: "late"})
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)
}

func TestReverse_SpentCashback_ClawbackCapped(t *testing.T) {
	// GIVEN: A pending purchase earned 60 cashback, then admin debited 50 of it
	// WHEN: The purchase is reversed
	// THEN: Only the remaining 10 is clawed back; balances stay non-negative

	ctx := context.Background()
	l, _ := newTestLedger(t)
	fundedAccount(t, l, "quinn", 10_000)
	rec := pendingPurchase(t, l, "quinn", 2_000)

	_, err := l.Adjust(ctx, ledger.AdjustRequest{
		UserID: "quinn", Amount: 50, WalletType: ledger.WalletCashback,
		Direction: ledger.DirectionDebit, Description: "cashback payout",
	})
	require.NoError(t, err)

	res, err := l.Reverse(ctx, rec.ID, ledger.Reversal{Reason: "timeout"})
	require.NoError(t, err)
	assert.Equal(t, ledger.Money(0), res.Account.CashbackBalance)
	assert.Equal(t, ledger.Money(10_000), res.Account.MainBalance)
	assert.Equal(t, ledger.Money(10), res.Record.Details.(ledger.ReversalDetails).CashbackReversed)
}

func TestStalePending_ReturnsOnlyOldPending(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	now := time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)
	l := ledger.New(mem, ledger.Config{MaxRetries: 3}, ledger.WithClock(func() time.Time { return now }))
	fundedAccount(t, l, "rita", 10_000)

	old := pendingPurchase(t, l, "rita", 1_000)
	now = now.Add(10 * time.Minute)
	_ = pendingPurchase(t, l, "rita", 1_000)

	stale, err := l.StalePending(ctx, 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, old.ID, stale[0].ID)
}

// =============================================================================
// FUNDING
// =============================================================================

func TestFund_SameProviderRef_CreditsOnce(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	_, err := l.OpenAccount(ctx, "sam")
	require.NoError(t, err)

	req := ledger.FundRequest{UserID: "sam", Amount: 2_500, ProviderRef: "psk_123", Gateway: "paystack"}
	first, err := l.Fund(ctx, req)
	require.NoError(t, err)
	second, err := l.Fund(ctx, req)
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.Record.ID, second.Record.ID)
	assert.Equal(t, ledger.FundingKey("psk_123"), first.Record.IdempotencyKey)
	assert.Equal(t, ledger.Money(2_500), second.Account.MainBalance)
	assert.Equal(t, ledger.Money(0), first.Record.CashbackEarned)
}

func TestOpenAccount_Twice(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	acc, err := l.OpenAccount(ctx, "tom")
	require.NoError(t, err)
	assert.Zero(t, acc.MainBalance)
	assert.Zero(t, acc.CashbackBalance)
	assert.Zero(t, acc.ReferralBalance)

	_, err = l.OpenAccount(ctx, "tom")
	assert.ErrorIs(t, err, ledger.ErrAccountExists)
}

func TestUserTransactions_NewestFirst(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	now := time.Date(2025, time.June, 1, 8, 0, 0, 0, time.UTC)
	l := ledger.New(mem, ledger.Config{}, ledger.WithClock(func() time.Time {
		now = now.Add(time.Second)
		return now
	}))
	fundedAccount(t, l, "uma", 5_000)

	_, err := l.Debit(ctx, airtime("uma", 100, "a"))
	require.NoError(t, err)
	_, err = l.Debit(ctx, airtime("uma", 200, "b"))
	require.NoError(t, err)

	recs, err := l.UserTransactions(ctx, "uma", 0)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, ledger.Money(200), recs[0].Amount)
	assert.Equal(t, ledger.Money(100), recs[1].Amount)
	assert.Equal(t, ledger.TxFunding, recs[2].Type)

	limited, err := l.UserTransactions(ctx, "uma", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
