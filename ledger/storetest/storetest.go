// Package storetest holds the behavioural tests every ledger.Store must pass.
// Store packages call Run from their own _test.go files.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/wallet-engine/ledger"
)

// Factory returns an empty store. It registers its own cleanup.
type Factory func(t *testing.T) ledger.Store

var base = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

// Run exercises the Store commit contract.
func Run(t *testing.T, newStore Factory) {
	t.Run("AccountLifecycle", func(t *testing.T) { testAccountLifecycle(t, newStore(t)) })
	t.Run("CommitAppliesEverything", func(t *testing.T) { testCommitAppliesEverything(t, newStore(t)) })
	t.Run("StaleVersionRejected", func(t *testing.T) { testStaleVersionRejected(t, newStore(t)) })
	t.Run("DuplicateKeyRollsBack", func(t *testing.T) { testDuplicateKeyRollsBack(t, newStore(t)) })
	t.Run("NegativeBalanceRejected", func(t *testing.T) { testNegativeBalanceRejected(t, newStore(t)) })
	t.Run("StatusTransition", func(t *testing.T) { testStatusTransition(t, newStore(t)) })
	t.Run("ListingAndFilters", func(t *testing.T) { testListingAndFilters(t, newStore(t)) })
	t.Run("ConcurrentLedgerDebits", func(t *testing.T) { testConcurrentLedgerDebits(t, newStore(t)) })
}

func account(user ledger.UserID, main ledger.Money) ledger.Account {
	return ledger.Account{UserID: user, MainBalance: main, Version: 1, CreatedAt: base, UpdatedAt: base}
}

func purchase(id string, user ledger.UserID, amount ledger.Money, status ledger.Status, at time.Time) ledger.TransactionRecord {
	return ledger.TransactionRecord{
		ID:             ledger.TransactionID(id),
		UserID:         user,
		Type:           ledger.TxAirtime,
		Amount:         amount,
		CashbackEarned: ledger.Cashback(amount, ledger.MustRate("0.03")),
		Status:         status,
		Details:        ledger.AirtimeDetails{Network: "mtn", Phone: "08030000000"},
		ServiceSlug:    "mtn-airtime",
		IdempotencyKey: "key-" + id,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
}

// debit builds the mutation that takes rec.Amount from acc.
func debit(acc ledger.Account, rec ledger.TransactionRecord) ledger.Mutation {
	next := acc.WithDelta(ledger.WalletMain, -rec.Amount).WithDelta(ledger.WalletCashback, rec.CashbackEarned)
	next.Version = acc.Version + 1
	next.UpdatedAt = rec.CreatedAt
	rec.BalanceAfter = next.MainBalance
	return ledger.Mutation{Account: next, ExpectedVersion: acc.Version, Append: []ledger.TransactionRecord{rec}, At: rec.CreatedAt}
}

func testAccountLifecycle(t *testing.T, s ledger.Store) {
	ctx := context.Background()

	_, err := s.GetAccount(ctx, "nobody")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)

	require.NoError(t, s.CreateAccount(ctx, account("u1", 0)))
	assert.ErrorIs(t, s.CreateAccount(ctx, account("u1", 0)), ledger.ErrAccountExists)

	acc, err := s.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, ledger.UserID("u1"), acc.UserID)
	assert.Equal(t, int64(1), acc.Version)
	assert.True(t, base.Equal(acc.CreatedAt))
}

func testCommitAppliesEverything(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateAccount(ctx, account("u1", 10_000)))
	acc, err := s.GetAccount(ctx, "u1")
	require.NoError(t, err)

	rec := purchase("t1", "u1", 2_000, ledger.StatusCompleted, base.Add(time.Minute))
	require.NoError(t, s.Commit(ctx, debit(acc, rec)))

	acc, err = s.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, ledger.Money(8_000), acc.MainBalance)
	assert.Equal(t, ledger.Money(60), acc.CashbackBalance)
	assert.Equal(t, int64(2), acc.Version)

	got, err := s.GetTransaction(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, ledger.Money(2_000), got.Amount)
	assert.Equal(t, ledger.Money(60), got.CashbackEarned)
	assert.Equal(t, ledger.Money(8_000), got.BalanceAfter)
	assert.Equal(t, ledger.StatusCompleted, got.Status)
	assert.Equal(t, rec.Details, got.Details)
	assert.True(t, rec.CreatedAt.Equal(got.CreatedAt))

	byKey, err := s.FindByIdempotencyKey(ctx, "key-t1")
	require.NoError(t, err)
	assert.Equal(t, got.ID, byKey.ID)

	_, err = s.GetTransaction(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrTransactionNotFound)
	_, err = s.FindByIdempotencyKey(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrTransactionNotFound)

	sum, err := s.SumBalances(ctx)
	require.NoError(t, err)
	assert.Equal(t, ledger.Balances{Main: 8_000, Cashback: 60}, sum)
}

func testStaleVersionRejected(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateAccount(ctx, account("u1", 10_000)))
	stale, err := s.GetAccount(ctx, "u1")
	require.NoError(t, err)

	require.NoError(t, s.Commit(ctx, debit(stale, purchase("t1", "u1", 1_000, ledger.StatusCompleted, base))))

	err = s.Commit(ctx, debit(stale, purchase("t2", "u1", 1_000, ledger.StatusCompleted, base)))
	assert.ErrorIs(t, err, ledger.ErrConcurrentModification)

	_, err = s.GetTransaction(ctx, "t2")
	assert.ErrorIs(t, err, ledger.ErrTransactionNotFound)
	acc, err := s.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, ledger.Money(9_000), acc.MainBalance)
}

func testDuplicateKeyRollsBack(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateAccount(ctx, account("u1", 10_000)))
	acc, err := s.GetAccount(ctx, "u1")
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx, debit(acc, purchase("t1", "u1", 1_000, ledger.StatusCompleted, base))))

	acc, err = s.GetAccount(ctx, "u1")
	require.NoError(t, err)
	dup := purchase("t2", "u1", 1_000, ledger.StatusCompleted, base)
	dup.IdempotencyKey = "key-t1"
	err = s.Commit(ctx, debit(acc, dup))
	assert.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)

	// The account update in the same commit must not have stuck.
	after, err := s.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, acc.MainBalance, after.MainBalance)
	assert.Equal(t, acc.Version, after.Version)
}

func testNegativeBalanceRejected(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateAccount(ctx, account("u1", 500)))
	acc, err := s.GetAccount(ctx, "u1")
	require.NoError(t, err)

	err = s.Commit(ctx, debit(acc, purchase("t1", "u1", 1_000, ledger.StatusCompleted, base)))
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	after, err := s.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, ledger.Money(500), after.MainBalance)
	_, err = s.GetTransaction(ctx, "t1")
	assert.ErrorIs(t, err, ledger.ErrTransactionNotFound)
}

func testStatusTransition(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateAccount(ctx, account("u1", 10_000)))
	acc, err := s.GetAccount(ctx, "u1")
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx, debit(acc, purchase("t1", "u1", 1_000, ledger.StatusPending, base))))

	settle := func(from ledger.Status) error {
		acc, err := s.GetAccount(ctx, "u1")
		require.NoError(t, err)
		next := acc
		next.Version++
		return s.Commit(ctx, ledger.Mutation{
			Account:         next,
			ExpectedVersion: acc.Version,
			Transitions: []ledger.StatusTransition{{
				ID: "t1", From: from, To: ledger.StatusCompleted,
				ProviderReference: "prov-1", ProviderStatus: "delivered",
			}},
			At: base.Add(time.Minute),
		})
	}

	// pending -> pending only records provider fields
	acc, err = s.GetAccount(ctx, "u1")
	require.NoError(t, err)
	accepted := acc
	accepted.Version++
	require.NoError(t, s.Commit(ctx, ledger.Mutation{
		Account:         accepted,
		ExpectedVersion: acc.Version,
		Transitions: []ledger.StatusTransition{{
			ID: "t1", From: ledger.StatusPending, To: ledger.StatusPending,
			ProviderReference: "prov-0", ProviderStatus: "queued",
		}},
		At: base.Add(30 * time.Second),
	}))
	got, err := s.GetTransaction(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, got.Status)
	assert.Equal(t, "prov-0", got.ProviderReference)
	assert.Equal(t, "queued", got.ProviderStatus)

	require.NoError(t, settle(ledger.StatusPending))
	got, err = s.GetTransaction(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, got.Status)
	assert.Equal(t, "prov-1", got.ProviderReference)
	assert.Equal(t, "delivered", got.ProviderStatus)

	assert.ErrorIs(t, settle(ledger.StatusPending), ledger.ErrStatusConflict)
	assert.ErrorIs(t, settle(ledger.StatusCompleted), ledger.ErrInvalidTransition)
}

func testListingAndFilters(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateAccount(ctx, account("u1", 100_000)))
	require.NoError(t, s.CreateAccount(ctx, account("u2", 100_000)))

	for i, tc := range []struct {
		user   ledger.UserID
		status ledger.Status
	}{
		{"u1", ledger.StatusCompleted},
		{"u2", ledger.StatusPending},
		{"u1", ledger.StatusPending},
		{"u1", ledger.StatusCompleted},
	} {
		acc, err := s.GetAccount(ctx, tc.user)
		require.NoError(t, err)
		rec := purchase(fmt.Sprintf("t%d", i), tc.user, 100, tc.status, base.Add(time.Duration(i)*time.Hour))
		require.NoError(t, s.Commit(ctx, debit(acc, rec)))
	}

	u1, err := s.ListByUser(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, u1, 3)
	assert.Equal(t, ledger.TransactionID("t3"), u1[0].ID)
	assert.Equal(t, ledger.TransactionID("t2"), u1[1].ID)
	assert.Equal(t, ledger.TransactionID("t0"), u1[2].ID)

	limited, err := s.ListByUser(ctx, "u1", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	pending := ledger.StatusPending
	got, err := s.ListTransactions(ctx, ledger.TransactionFilter{Status: &pending})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	from := base.Add(time.Hour)
	to := base.Add(3 * time.Hour)
	got, err = s.ListTransactions(ctx, ledger.TransactionFilter{From: &from, To: &to})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, ledger.TransactionID("t2"), got[0].ID)
	assert.Equal(t, ledger.TransactionID("t1"), got[1].ID)

	got, err = s.ListTransactions(ctx, ledger.TransactionFilter{Types: []ledger.TxType{ledger.TxFunding}})
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = s.ListTransactions(ctx, ledger.TransactionFilter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, ledger.TransactionID("t2"), got[0].ID)

	got, err = s.ListTransactions(ctx, ledger.TransactionFilter{Offset: 3})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

// testConcurrentLedgerDebits drives the real ledger against the store: the
// version check must serialize purchases so the balance is never overdrawn.
func testConcurrentLedgerDebits(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	l := ledger.New(s, ledger.Config{MaxRetries: ledger.DefaultMaxRetries, RetryBackoff: time.Millisecond})
	_, err := l.OpenAccount(ctx, "race")
	require.NoError(t, err)
	_, err = l.Fund(ctx, ledger.FundRequest{UserID: "race", Amount: 5_000, ProviderRef: "seed"})
	require.NoError(t, err)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Debit(ctx, ledger.DebitRequest{
				UserID: "race", Amount: 1_000, Type: ledger.TxAirtime,
				Details:        ledger.AirtimeDetails{Network: "mtn", Phone: "0803"},
				CashbackRate:   ledger.MustRate("0.03"),
				IdempotencyKey: fmt.Sprintf("race-%d", i),
			})
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 5, ok)
	acc, err := l.Account(ctx, "race")
	require.NoError(t, err)
	assert.Equal(t, ledger.Money(0), acc.MainBalance)
	assert.Equal(t, ledger.Money(150), acc.CashbackBalance)
}
