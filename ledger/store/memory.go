// Package store provides an in-memory ledger.Store.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/wallet-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu           sync.RWMutex
	accounts     map[ledger.UserID]ledger.Account
	transactions map[ledger.TransactionID]*entry
	byUser       map[ledger.UserID][]*entry
	idempotency  map[string]ledger.TransactionID
	reversals    map[ledger.TransactionID]ledger.TransactionID
	seq          int64
}

// entry keeps insertion order to break created_at ties.
type entry struct {
	rec ledger.TransactionRecord
	seq int64
}

func NewMemory() *Memory {
	return &Memory{
		accounts:     make(map[ledger.UserID]ledger.Account),
		transactions: make(map[ledger.TransactionID]*entry),
		byUser:       make(map[ledger.UserID][]*entry),
		idempotency:  make(map[string]ledger.TransactionID),
		reversals:    make(map[ledger.TransactionID]ledger.TransactionID),
	}
}

func (m *Memory) CreateAccount(_ context.Context, acc ledger.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[acc.UserID]; ok {
		return ledger.ErrAccountExists
	}
	m.accounts[acc.UserID] = acc
	return nil
}

func (m *Memory) GetAccount(_ context.Context, userID ledger.UserID) (ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acc, ok := m.accounts[userID]
	if !ok {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return acc, nil
}

// Commit validates the whole mutation under the write lock before touching
// anything, so a rejected mutation leaves no trace.
func (m *Memory) Commit(_ context.Context, mut ledger.Mutation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.accounts[mut.Account.UserID]
	if !ok {
		return ledger.ErrAccountNotFound
	}
	if current.Version != mut.ExpectedVersion {
		return ledger.ErrConcurrentModification
	}
	if !mut.Account.NonNegative() {
		return ledger.ErrInsufficientFunds
	}

	seen := make(map[string]bool)
	for _, rec := range mut.Append {
		if _, dup := m.transactions[rec.ID]; dup {
			return fmt.Errorf("transaction %s already exists", rec.ID)
		}
		if rec.IdempotencyKey == "" {
			continue
		}
		if _, taken := m.idempotency[rec.IdempotencyKey]; taken || seen[rec.IdempotencyKey] {
			return ledger.ErrDuplicateIdempotencyKey
		}
		seen[rec.IdempotencyKey] = true
	}
	for _, tr := range mut.Transitions {
		e, ok := m.transactions[tr.ID]
		if !ok {
			return ledger.ErrTransactionNotFound
		}
		if e.rec.Status != tr.From {
			return ledger.ErrStatusConflict
		}
		if !tr.From.CanTransitionTo(tr.To) {
			return ledger.ErrInvalidTransition
		}
	}

	// Apply
	m.accounts[mut.Account.UserID] = mut.Account
	for _, rec := range mut.Append {
		m.seq++
		e := &entry{rec: rec, seq: m.seq}
		m.transactions[rec.ID] = e
		m.byUser[rec.UserID] = append(m.byUser[rec.UserID], e)
		if rec.IdempotencyKey != "" {
			m.idempotency[rec.IdempotencyKey] = rec.ID
		}
		if rec.ReversalOf != "" {
			m.reversals[rec.ReversalOf] = rec.ID
		}
	}
	for _, tr := range mut.Transitions {
		e := m.transactions[tr.ID]
		e.rec.Status = tr.To
		if tr.ProviderReference != "" {
			e.rec.ProviderReference = tr.ProviderReference
		}
		if tr.ProviderStatus != "" {
			e.rec.ProviderStatus = tr.ProviderStatus
		}
		if tr.ProviderError != "" {
			e.rec.ProviderError = tr.ProviderError
		}
		e.rec.UpdatedAt = mut.At
	}
	return nil
}

func (m *Memory) GetTransaction(_ context.Context, id ledger.TransactionID) (ledger.TransactionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.transactions[id]
	if !ok {
		return ledger.TransactionRecord{}, ledger.ErrTransactionNotFound
	}
	return e.rec, nil
}

func (m *Memory) FindByIdempotencyKey(_ context.Context, key string) (ledger.TransactionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.idempotency[key]
	if !ok {
		return ledger.TransactionRecord{}, ledger.ErrTransactionNotFound
	}
	return m.transactions[id].rec, nil
}

func (m *Memory) FindReversal(_ context.Context, original ledger.TransactionID) (ledger.TransactionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.reversals[original]
	if !ok {
		return ledger.TransactionRecord{}, ledger.ErrTransactionNotFound
	}
	return m.transactions[id].rec, nil
}

func (m *Memory) ListByUser(_ context.Context, userID ledger.UserID, limit int) ([]ledger.TransactionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return page(sorted(m.byUser[userID]), limit, 0), nil
}

func (m *Memory) ListTransactions(_ context.Context, filter ledger.TransactionFilter) ([]ledger.TransactionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*entry
	for _, e := range m.transactions {
		if filter.Matches(e.rec) {
			matched = append(matched, e)
		}
	}
	return page(sorted(matched), filter.Limit, filter.Offset), nil
}

func (m *Memory) SumBalances(_ context.Context) (ledger.Balances, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var b ledger.Balances
	for _, acc := range m.accounts {
		b.Main += acc.MainBalance
		b.Cashback += acc.CashbackBalance
		b.Referral += acc.ReferralBalance
	}
	return b, nil
}

// sorted returns copies of the records, newest first.
func sorted(entries []*entry) []ledger.TransactionRecord {
	es := make([]*entry, len(entries))
	copy(es, entries)
	sort.Slice(es, func(i, j int) bool {
		if !es[i].rec.CreatedAt.Equal(es[j].rec.CreatedAt) {
			return es[i].rec.CreatedAt.After(es[j].rec.CreatedAt)
		}
		return es[i].seq > es[j].seq
	})
	out := make([]ledger.TransactionRecord, len(es))
	for i, e := range es {
		out[i] = e.rec
	}
	return out
}

func page(recs []ledger.TransactionRecord, limit, offset int) []ledger.TransactionRecord {
	if offset > 0 {
		if offset >= len(recs) {
			return []ledger.TransactionRecord{}
		}
		recs = recs[offset:]
	}
	if limit > 0 && limit < len(recs) {
		recs = recs[:limit]
	}
	return recs
}
