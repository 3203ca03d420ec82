/*
Package sqlite provides a SQLite-backed implementation of ledger.Store.

PURPOSE:
  Default durable store for single-instance deployments. The same schema
  and commit shape are used by store/postgres; only the dialect differs.

KEY TABLES:
  accounts:     One row per user, running balances plus version token
  transactions: Append-only records, one bounded status transition
  pin_hashes:   bcrypt hash of each user's transaction PIN

ATOMIC COMMIT:
  Commit runs in one SQL transaction:
    UPDATE accounts ... WHERE user_id = ? AND version = ?   (0 rows -> conflict)
    INSERT INTO transactions ...                            (UNIQUE key -> duplicate)
    UPDATE transactions SET status = ? WHERE id = ? AND status = ?
  Any failure rolls the whole unit back.

NON-NEGATIVE BACKSTOP:
  CHECK (main_balance >= 0 ...) on accounts. The ledger never sends a
  negative balance, but a bug there still cannot persist one.

INDEXES:
  - idx_transactions_user_created: user history, created_at DESC (hot path)
  - idempotency_key UNIQUE: one record per key
  - idx_transactions_reversal_of: at most one reversal per purchase
  - idx_transactions_status_created: stale pending sweeps

CONCURRENCY:
  A single connection and sync.RWMutex. SQLite has one writer anyway; the
  version check still decides who wins when ledgers race.

USAGE:
  store, err := sqlite.New("./data/wallet.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  l := ledger.New(store, ledger.Config{MaxRetries: 8})

SEE ALSO:
  - ledger/store.go: Interface and commit contract
  - ledger/store/memory.go: In-memory implementation for testing
  - store/postgres: Multi-instance deployments
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/wallet-engine/identity"
	"github.com/warp/wallet-engine/ledger"
)

// timeLayout is fixed width so text ordering equals time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements ledger.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" is per-connection, and SQLite has a single writer.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		user_id TEXT PRIMARY KEY,
		main_balance INTEGER NOT NULL DEFAULT 0 CHECK (main_balance >= 0),
		cashback_balance INTEGER NOT NULL DEFAULT 0 CHECK (cashback_balance >= 0),
		referral_balance INTEGER NOT NULL DEFAULT 0 CHECK (referral_balance >= 0),
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Transactions (append-only except the single status transition)
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES accounts(user_id),
		tx_type TEXT NOT NULL,
		amount INTEGER NOT NULL CHECK (amount > 0),
		cashback_earned INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		details_json TEXT NOT NULL,
		service_slug TEXT,
		idempotency_key TEXT UNIQUE,
		provider_reference TEXT,
		provider_status TEXT,
		provider_error TEXT,
		reversal_of TEXT,
		balance_after INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_user_created
		ON transactions(user_id, created_at DESC);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_reversal_of
		ON transactions(reversal_of) WHERE reversal_of IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_transactions_status_created
		ON transactions(status, created_at);
	CREATE INDEX IF NOT EXISTS idx_transactions_type
		ON transactions(tx_type);

	-- Transaction PIN hashes (bcrypt), one per user
	CREATE TABLE IF NOT EXISTS pin_hashes (
		user_id TEXT PRIMARY KEY,
		hash TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// PIN HASHES - identity.HashStore
// =============================================================================

func (s *Store) SavePinHash(ctx context.Context, userID ledger.UserID, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pin_hashes (user_id, hash, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET hash = excluded.hash, updated_at = excluded.updated_at`,
		userID, hash, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to save pin hash: %w", err)
	}
	return nil
}

func (s *Store) PinHash(ctx context.Context, userID ledger.UserID) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var hash string
	err := s.db.QueryRowContext(ctx, "SELECT hash FROM pin_hashes WHERE user_id = ?", userID).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", identity.ErrPinNotSet
	}
	if err != nil {
		return "", fmt.Errorf("failed to get pin hash: %w", err)
	}
	return hash, nil
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func (s *Store) CreateAccount(ctx context.Context, acc ledger.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (user_id, main_balance, cashback_balance, referral_balance, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		acc.UserID, acc.MainBalance, acc.CashbackBalance, acc.ReferralBalance, acc.Version,
		formatTime(acc.CreatedAt), formatTime(acc.UpdatedAt),
	)
	if err != nil {
		if isConstraint(err, sqlite3.ErrConstraintPrimaryKey) || isConstraint(err, sqlite3.ErrConstraintUnique) {
			return ledger.ErrAccountExists
		}
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

func (s *Store) GetAccount(ctx context.Context, userID ledger.UserID) (ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return getAccount(ctx, s.db, userID)
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getAccount(ctx context.Context, q queryer, userID ledger.UserID) (ledger.Account, error) {
	var (
		acc                  ledger.Account
		createdAt, updatedAt string
	)
	err := q.QueryRowContext(ctx, `
		SELECT user_id, main_balance, cashback_balance, referral_balance, version, created_at, updated_at
		FROM accounts WHERE user_id = ?`, userID,
	).Scan(&acc.UserID, &acc.MainBalance, &acc.CashbackBalance, &acc.ReferralBalance, &acc.Version, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	if err != nil {
		return ledger.Account{}, fmt.Errorf("failed to get account: %w", err)
	}
	acc.CreatedAt = parseTime(createdAt)
	acc.UpdatedAt = parseTime(updatedAt)
	return acc, nil
}

func (s *Store) SumBalances(ctx context.Context) (ledger.Balances, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var b ledger.Balances
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(main_balance), 0), COALESCE(SUM(cashback_balance), 0), COALESCE(SUM(referral_balance), 0)
		FROM accounts`,
	).Scan(&b.Main, &b.Cashback, &b.Referral)
	if err != nil {
		return ledger.Balances{}, fmt.Errorf("failed to sum balances: %w", err)
	}
	return b, nil
}

// =============================================================================
// COMMIT
// =============================================================================

// Commit applies the mutation in one SQL transaction.
func (s *Store) Commit(ctx context.Context, m ledger.Mutation) error {
	if !m.Account.NonNegative() {
		return ledger.ErrInsufficientFunds
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	res, err := sqlTx.ExecContext(ctx, `
		UPDATE accounts
		SET main_balance = ?, cashback_balance = ?, referral_balance = ?, version = ?, updated_at = ?
		WHERE user_id = ? AND version = ?`,
		m.Account.MainBalance, m.Account.CashbackBalance, m.Account.ReferralBalance,
		m.Account.Version, formatTime(m.Account.UpdatedAt),
		m.Account.UserID, m.ExpectedVersion,
	)
	if err != nil {
		if isConstraint(err, sqlite3.ErrConstraintCheck) {
			return ledger.ErrInsufficientFunds
		}
		return fmt.Errorf("failed to update account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := getAccount(ctx, sqlTx, m.Account.UserID); err != nil {
			return err
		}
		return ledger.ErrConcurrentModification
	}

	for _, rec := range m.Append {
		if err := insertTransaction(ctx, sqlTx, rec); err != nil {
			return err
		}
	}

	for _, tr := range m.Transitions {
		if err := applyTransition(ctx, sqlTx, tr, m.At); err != nil {
			return err
		}
	}

	return sqlTx.Commit()
}

func insertTransaction(ctx context.Context, q queryer, rec ledger.TransactionRecord) error {
	details, err := ledger.EncodeDetails(rec.Details)
	if err != nil {
		return fmt.Errorf("failed to encode details: %w", err)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO transactions
		(id, user_id, tx_type, amount, cashback_earned, status, details_json, service_slug,
		 idempotency_key, provider_reference, provider_status, provider_error, reversal_of,
		 balance_after, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.Type, rec.Amount, rec.CashbackEarned, rec.Status, string(details),
		nullString(rec.ServiceSlug), nullString(rec.IdempotencyKey),
		nullString(rec.ProviderReference), nullString(rec.ProviderStatus), nullString(rec.ProviderError),
		nullString(string(rec.ReversalOf)), rec.BalanceAfter,
		formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt),
	)
	if err != nil {
		if isConstraint(err, sqlite3.ErrConstraintUnique) {
			// The reversal_of index collides only when a reversal already exists,
			// which is the same replay case as a taken key.
			return ledger.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

func applyTransition(ctx context.Context, q queryer, tr ledger.StatusTransition, at time.Time) error {
	if !tr.From.CanTransitionTo(tr.To) {
		return ledger.ErrInvalidTransition
	}

	res, err := q.ExecContext(ctx, `
		UPDATE transactions
		SET status = ?,
		    provider_reference = COALESCE(?, provider_reference),
		    provider_status = COALESCE(?, provider_status),
		    provider_error = COALESCE(?, provider_error),
		    updated_at = ?
		WHERE id = ? AND status = ?`,
		tr.To, nullString(tr.ProviderReference), nullString(tr.ProviderStatus), nullString(tr.ProviderError),
		formatTime(at), tr.ID, tr.From,
	)
	if err != nil {
		return fmt.Errorf("failed to update transaction status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM transactions WHERE id = ?", tr.ID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check transaction: %w", err)
		}
		if exists == 0 {
			return ledger.ErrTransactionNotFound
		}
		return ledger.ErrStatusConflict
	}
	return nil
}

// =============================================================================
// TRANSACTION QUERIES
// =============================================================================

const transactionColumns = `
	id, user_id, tx_type, amount, cashback_earned, status, details_json, service_slug,
	idempotency_key, provider_reference, provider_status, provider_error, reversal_of,
	balance_after, created_at, updated_at`

func (s *Store) GetTransaction(ctx context.Context, id ledger.TransactionID) (ledger.TransactionRecord, error) {
	return s.getOne(ctx, "SELECT "+transactionColumns+" FROM transactions WHERE id = ?", id)
}

func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (ledger.TransactionRecord, error) {
	return s.getOne(ctx, "SELECT "+transactionColumns+" FROM transactions WHERE idempotency_key = ?", key)
}

func (s *Store) FindReversal(ctx context.Context, original ledger.TransactionID) (ledger.TransactionRecord, error) {
	return s.getOne(ctx, "SELECT "+transactionColumns+" FROM transactions WHERE reversal_of = ?", original)
}

func (s *Store) ListByUser(ctx context.Context, userID ledger.UserID, limit int) ([]ledger.TransactionRecord, error) {
	return s.ListTransactions(ctx, ledger.TransactionFilter{UserID: &userID, Limit: limit})
}

func (s *Store) ListTransactions(ctx context.Context, f ledger.TransactionFilter) ([]ledger.TransactionRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != nil {
		where = append(where, "user_id = ?")
		args = append(args, *f.UserID)
	}
	if len(f.Types) > 0 {
		marks := make([]string, len(f.Types))
		for i, t := range f.Types {
			marks[i] = "?"
			args = append(args, t)
		}
		where = append(where, "tx_type IN ("+strings.Join(marks, ", ")+")")
	}
	if f.Status != nil {
		where = append(where, "status = ?")
		args = append(args, *f.Status)
	}
	if f.From != nil {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(*f.From))
	}
	if f.To != nil {
		where = append(where, "created_at < ?")
		args = append(args, formatTime(*f.To))
	}

	query := "SELECT " + transactionColumns + " FROM transactions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, rowid DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	} else if f.Offset > 0 {
		query += " LIMIT -1"
	}
	if f.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, f.Offset)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	records := []ledger.TransactionRecord{}
	for rows.Next() {
		rec, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *Store) getOne(ctx context.Context, query string, arg any) (ledger.TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, err := scanTransaction(s.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.TransactionRecord{}, ledger.ErrTransactionNotFound
	}
	return rec, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (ledger.TransactionRecord, error) {
	var (
		rec                  ledger.TransactionRecord
		detailsJSON          string
		serviceSlug          sql.NullString
		idempotencyKey       sql.NullString
		providerReference    sql.NullString
		providerStatus       sql.NullString
		providerError        sql.NullString
		reversalOf           sql.NullString
		createdAt, updatedAt string
	)

	err := row.Scan(
		&rec.ID, &rec.UserID, &rec.Type, &rec.Amount, &rec.CashbackEarned, &rec.Status, &detailsJSON,
		&serviceSlug, &idempotencyKey, &providerReference, &providerStatus, &providerError, &reversalOf,
		&rec.BalanceAfter, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, err
	}
	if err != nil {
		return rec, fmt.Errorf("failed to scan transaction: %w", err)
	}

	rec.Details, err = ledger.DecodeDetails(rec.Type, []byte(detailsJSON))
	if err != nil {
		return rec, fmt.Errorf("transaction %s: %w", rec.ID, err)
	}
	rec.ServiceSlug = serviceSlug.String
	rec.IdempotencyKey = idempotencyKey.String
	rec.ProviderReference = providerReference.String
	rec.ProviderStatus = providerStatus.String
	rec.ProviderError = providerError.String
	rec.ReversalOf = ledger.TransactionID(reversalOf.String)
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	return rec, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func isConstraint(err error, code sqlite3.ErrNoExtended) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == code
}
