package cache

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/wallet-engine/ledger"
	"github.com/warp/wallet-engine/ledger/store"
)

type mapKV struct {
	mu      sync.Mutex
	values  map[string]string
	ttls    map[string]time.Duration
	gets    int
	failGet bool
}

func newMapKV() *mapKV {
	return &mapKV{values: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (m *mapKV) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	if m.failGet {
		return "", errors.New("connection refused")
	}
	v, ok := m.values[key]
	if !ok {
		return "", errMiss
	}
	return v, nil
}

func (m *mapKV) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	m.ttls[key] = ttl
	return nil
}

// countingStore counts store-side idempotency lookups.
type countingStore struct {
	ledger.Store
	lookups int
}

func (c *countingStore) FindByIdempotencyKey(ctx context.Context, key string) (ledger.TransactionRecord, error) {
	c.lookups++
	return c.Store.FindByIdempotencyKey(ctx, key)
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newCachedLedger(t *testing.T) (*ledger.Ledger, *countingStore, *mapKV) {
	t.Helper()
	inner := &countingStore{Store: store.NewMemory()}
	kv := newMapKV()
	l := ledger.New(wrap(inner, kv, 0, quietLogger()), ledger.Config{})
	ctx := context.Background()
	_, err := l.OpenAccount(ctx, "u1")
	require.NoError(t, err)
	_, err = l.Fund(ctx, ledger.FundRequest{UserID: "u1", Amount: 10_000, ProviderRef: "pay-1", Gateway: "paystack"})
	require.NoError(t, err)
	return l, inner, kv
}

func purchase(key string) ledger.DebitRequest {
	return ledger.DebitRequest{
		UserID:         "u1",
		Amount:         2_000,
		Type:           ledger.TxAirtime,
		ServiceSlug:    "mtn-airtime",
		Details:        ledger.AirtimeDetails{Network: "mtn", Phone: "08030000000"},
		CashbackRate:   decimal.RequireFromString("0.03"),
		IdempotencyKey: key,
	}
}

func TestIdempotencyStore_ReplayServedFromCache(t *testing.T) {
	ctx := context.Background()
	l, inner, kv := newCachedLedger(t)

	// GIVEN a committed purchase
	first, err := l.Debit(ctx, purchase("k-1"))
	require.NoError(t, err)
	assert.Equal(t, string(first.Record.ID), kv.values["idempotency:k-1"])
	assert.Equal(t, DefaultTTL, kv.ttls["idempotency:k-1"])
	lookups := inner.lookups

	// WHEN the same key is submitted again
	again, err := l.Debit(ctx, purchase("k-1"))

	// THEN it replays without a store-side key search
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.Record.ID, again.Record.ID)
	assert.Equal(t, lookups, inner.lookups)
	assert.Equal(t, ledger.Money(8_000), again.Account.MainBalance)
}

func TestIdempotencyStore_FallsThroughWhenRedisFails(t *testing.T) {
	ctx := context.Background()
	l, inner, kv := newCachedLedger(t)

	first, err := l.Debit(ctx, purchase("k-1"))
	require.NoError(t, err)

	kv.failGet = true
	lookups := inner.lookups

	again, err := l.Debit(ctx, purchase("k-1"))
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.Record.ID, again.Record.ID)
	assert.Greater(t, inner.lookups, lookups)
}

func TestIdempotencyStore_MissPopulatesCache(t *testing.T) {
	ctx := context.Background()
	inner := store.NewMemory()
	kv := newMapKV()

	l := ledger.New(inner, ledger.Config{})
	_, err := l.OpenAccount(ctx, "u1")
	require.NoError(t, err)
	res, err := l.Fund(ctx, ledger.FundRequest{UserID: "u1", Amount: 500, ProviderRef: "pay-9", Gateway: "paystack"})
	require.NoError(t, err)

	// Written behind the cache's back
	cached := wrap(inner, kv, time.Hour, quietLogger())
	rec, err := cached.FindByIdempotencyKey(ctx, ledger.FundingKey("pay-9"))

	require.NoError(t, err)
	assert.Equal(t, res.Record.ID, rec.ID)
	assert.Equal(t, string(res.Record.ID), kv.values["idempotency:funding:pay-9"])
	assert.Equal(t, time.Hour, kv.ttls["idempotency:funding:pay-9"])

	_, err = cached.FindByIdempotencyKey(ctx, "unknown")
	assert.ErrorIs(t, err, ledger.ErrTransactionNotFound)
}
