/*
store.go - Persistence interface for accounts and transaction records

PURPOSE:
  Defines the interface between the ledger logic and the database.
  The ledger's atomicity guarantees are expressed against Commit.

KEY OPERATIONS:
  CreateAccount / GetAccount:  One account row per user
  Commit:                      The only write path for balances and records
  GetTransaction / Find...:    Record lookups
  ListByUser / ListTransactions: History queries

COMMIT CONTRACT:
  Commit applies a Mutation as one all-or-nothing unit:
  - the account row is replaced only if its version still equals
    Mutation.ExpectedVersion (else ErrConcurrentModification), and its
    version becomes ExpectedVersion+1
  - every record in Mutation.Append is inserted (a taken idempotency key
    fails the whole unit with ErrDuplicateIdempotencyKey)
  - every StatusTransition is applied only if the record is still in
    its From status (else ErrStatusConflict)
  - a negative balance fails the whole unit with ErrInsufficientFunds
  Nothing else ever updates an account or a record.

APPEND-ONLY:
  Records are never deleted. The only UPDATE on a record is the single
  pending -> completed|failed transition carried by a Commit.

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-memory for tests and local runs
  - store/sqlite/sqlite.go: database/sql + go-sqlite3
  - store/postgres/postgres.go: pgx pool

SEE ALSO:
  - ledger.go: The retrying commit protocol built on this interface
*/
package ledger

import "context"

// Store handles persistence of accounts and transaction records.
type Store interface {
	// CreateAccount inserts a new account. Returns ErrAccountExists if present.
	CreateAccount(ctx context.Context, acc Account) error

	// GetAccount returns the current account state. Returns ErrAccountNotFound.
	GetAccount(ctx context.Context, userID UserID) (Account, error)

	// Commit applies a mutation atomically. See COMMIT CONTRACT above.
	Commit(ctx context.Context, m Mutation) error

	// GetTransaction returns a record by id. Returns ErrTransactionNotFound.
	GetTransaction(ctx context.Context, id TransactionID) (TransactionRecord, error)

	// FindByIdempotencyKey returns the record holding key. Returns ErrTransactionNotFound.
	FindByIdempotencyKey(ctx context.Context, key string) (TransactionRecord, error)

	// FindReversal returns the reversal record of original. Returns ErrTransactionNotFound.
	FindReversal(ctx context.Context, original TransactionID) (TransactionRecord, error)

	// ListByUser returns a user's records, newest first. limit <= 0 means no limit.
	ListByUser(ctx context.Context, userID UserID, limit int) ([]TransactionRecord, error)

	// ListTransactions returns records matching filter, newest first.
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]TransactionRecord, error)

	// SumBalances returns the sum of every wallet across all accounts.
	SumBalances(ctx context.Context) (Balances, error)
}

// Matches reports whether rec passes the filter. Limit and Offset are ignored.
func (f TransactionFilter) Matches(rec TransactionRecord) bool {
	if f.UserID != nil && rec.UserID != *f.UserID {
		return false
	}
	if f.Status != nil && rec.Status != *f.Status {
		return false
	}
	if f.From != nil && rec.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && !rec.CreatedAt.Before(*f.To) {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if rec.Type == t {
			return true
		}
	}
	return false
}
