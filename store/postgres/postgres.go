/*
Package postgres provides a PostgreSQL-backed implementation of ledger.Store.

PURPOSE:
  Store for multi-instance deployments. Several service instances may run
  against the same database; the conditional UPDATE on accounts.version is
  what serializes commits per account, not any in-process lock.

SCHEMA:
  Same shape as store/sqlite: accounts with CHECK (>= 0) balances and a
  version column; transactions with a UNIQUE idempotency_key and a unique
  partial index on reversal_of.

ERROR MAPPING:
  23505 unique_violation -> ErrDuplicateIdempotencyKey / ErrAccountExists
  23514 check_violation  -> ErrInsufficientFunds
  UPDATE ... WHERE version = $n hitting 0 rows -> ErrConcurrentModification

SEE ALSO:
  - ledger/store.go: Interface and commit contract
  - store/sqlite: Single-instance store
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/warp/wallet-engine/identity"
	"github.com/warp/wallet-engine/ledger"
)

const (
	codeUniqueViolation = "23505"
	codeCheckViolation  = "23514"
)

// Store implements ledger.Store on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// Connect opens a pool for databaseURL and migrates the schema.
func Connect(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS accounts (
		user_id TEXT PRIMARY KEY,
		main_balance BIGINT NOT NULL DEFAULT 0 CHECK (main_balance >= 0),
		cashback_balance BIGINT NOT NULL DEFAULT 0 CHECK (cashback_balance >= 0),
		referral_balance BIGINT NOT NULL DEFAULT 0 CHECK (referral_balance >= 0),
		version BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS transactions (
		seq BIGSERIAL,
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES accounts(user_id),
		tx_type TEXT NOT NULL,
		amount BIGINT NOT NULL CHECK (amount > 0),
		cashback_earned BIGINT NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		details JSONB NOT NULL,
		service_slug TEXT,
		idempotency_key TEXT UNIQUE,
		provider_reference TEXT,
		provider_status TEXT,
		provider_error TEXT,
		reversal_of TEXT,
		balance_after BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_user_created
		ON transactions(user_id, created_at DESC, seq DESC);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_reversal_of
		ON transactions(reversal_of) WHERE reversal_of IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_transactions_status_created
		ON transactions(status, created_at);

	CREATE TABLE IF NOT EXISTS pin_hashes (
		user_id TEXT PRIMARY KEY,
		hash TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	`)
	return err
}

// =============================================================================
// PIN HASHES
// =============================================================================

func (s *Store) SavePinHash(ctx context.Context, userID ledger.UserID, hash string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pin_hashes (user_id, hash, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (user_id) DO UPDATE SET hash = EXCLUDED.hash, updated_at = now()`,
		string(userID), hash,
	)
	if err != nil {
		return fmt.Errorf("failed to save pin hash: %w", err)
	}
	return nil
}

func (s *Store) PinHash(ctx context.Context, userID ledger.UserID) (string, error) {
	var hash string
	err := s.pool.QueryRow(ctx, "SELECT hash FROM pin_hashes WHERE user_id = $1", string(userID)).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
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
	_, err := s.pool.Exec(ctx, `
		INSERT INTO accounts (user_id, main_balance, cashback_balance, referral_balance, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		string(acc.UserID), int64(acc.MainBalance), int64(acc.CashbackBalance), int64(acc.ReferralBalance),
		acc.Version, acc.CreatedAt, acc.UpdatedAt,
	)
	if err != nil {
		if hasCode(err, codeUniqueViolation) {
			return ledger.ErrAccountExists
		}
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) GetAccount(ctx context.Context, userID ledger.UserID) (ledger.Account, error) {
	return getAccount(ctx, s.pool, userID)
}

func getAccount(ctx context.Context, q querier, userID ledger.UserID) (ledger.Account, error) {
	var (
		acc                      ledger.Account
		user                     string
		main, cashback, referral int64
	)
	err := q.QueryRow(ctx, `
		SELECT user_id, main_balance, cashback_balance, referral_balance, version, created_at, updated_at
		FROM accounts WHERE user_id = $1`, string(userID),
	).Scan(&user, &main, &cashback, &referral, &acc.Version, &acc.CreatedAt, &acc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	if err != nil {
		return ledger.Account{}, fmt.Errorf("failed to get account: %w", err)
	}
	acc.UserID = ledger.UserID(user)
	acc.MainBalance = ledger.Money(main)
	acc.CashbackBalance = ledger.Money(cashback)
	acc.ReferralBalance = ledger.Money(referral)
	return acc, nil
}

func (s *Store) SumBalances(ctx context.Context) (ledger.Balances, error) {
	var main, cashback, referral int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(main_balance), 0)::BIGINT, COALESCE(SUM(cashback_balance), 0)::BIGINT,
		       COALESCE(SUM(referral_balance), 0)::BIGINT
		FROM accounts`,
	).Scan(&main, &cashback, &referral)
	if err != nil {
		return ledger.Balances{}, fmt.Errorf("failed to sum balances: %w", err)
	}
	return ledger.Balances{Main: ledger.Money(main), Cashback: ledger.Money(cashback), Referral: ledger.Money(referral)}, nil
}

// =============================================================================
// COMMIT
// =============================================================================

func (s *Store) Commit(ctx context.Context, m ledger.Mutation) error {
	if !m.Account.NonNegative() {
		return ledger.ErrInsufficientFunds
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE accounts
			SET main_balance = $1, cashback_balance = $2, referral_balance = $3, version = $4, updated_at = $5
			WHERE user_id = $6 AND version = $7`,
			int64(m.Account.MainBalance), int64(m.Account.CashbackBalance), int64(m.Account.ReferralBalance),
			m.Account.Version, m.Account.UpdatedAt, string(m.Account.UserID), m.ExpectedVersion,
		)
		if err != nil {
			if hasCode(err, codeCheckViolation) {
				return ledger.ErrInsufficientFunds
			}
			return fmt.Errorf("failed to update account: %w", err)
		}
		if tag.RowsAffected() == 0 {
			if _, err := getAccount(ctx, tx, m.Account.UserID); err != nil {
				return err
			}
			return ledger.ErrConcurrentModification
		}

		for _, rec := range m.Append {
			if err := insertTransaction(ctx, tx, rec); err != nil {
				return err
			}
		}
		for _, tr := range m.Transitions {
			if err := applyTransition(ctx, tx, tr, m.At); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertTransaction(ctx context.Context, q querier, rec ledger.TransactionRecord) error {
	details, err := ledger.EncodeDetails(rec.Details)
	if err != nil {
		return fmt.Errorf("failed to encode details: %w", err)
	}

	_, err = q.Exec(ctx, `
		INSERT INTO transactions
		(id, user_id, tx_type, amount, cashback_earned, status, details, service_slug,
		 idempotency_key, provider_reference, provider_status, provider_error, reversal_of,
		 balance_after, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		string(rec.ID), string(rec.UserID), string(rec.Type), int64(rec.Amount), int64(rec.CashbackEarned),
		string(rec.Status), details, nullable(rec.ServiceSlug), nullable(rec.IdempotencyKey),
		nullable(rec.ProviderReference), nullable(rec.ProviderStatus), nullable(rec.ProviderError),
		nullable(string(rec.ReversalOf)), int64(rec.BalanceAfter), rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		if hasCode(err, codeUniqueViolation) {
			return ledger.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

func applyTransition(ctx context.Context, q querier, tr ledger.StatusTransition, at time.Time) error {
	if !tr.From.CanTransitionTo(tr.To) {
		return ledger.ErrInvalidTransition
	}

	tag, err := q.Exec(ctx, `
		UPDATE transactions
		SET status = $1,
		    provider_reference = COALESCE($2, provider_reference),
		    provider_status = COALESCE($3, provider_status),
		    provider_error = COALESCE($4, provider_error),
		    updated_at = $5
		WHERE id = $6 AND status = $7`,
		string(tr.To), nullable(tr.ProviderReference), nullable(tr.ProviderStatus), nullable(tr.ProviderError),
		at, string(tr.ID), string(tr.From),
	)
	if err != nil {
		return fmt.Errorf("failed to update transaction status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := q.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM transactions WHERE id = $1)", string(tr.ID)).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check transaction: %w", err)
		}
		if !exists {
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
	id, user_id, tx_type, amount, cashback_earned, status, details, service_slug,
	idempotency_key, provider_reference, provider_status, provider_error, reversal_of,
	balance_after, created_at, updated_at`

func (s *Store) GetTransaction(ctx context.Context, id ledger.TransactionID) (ledger.TransactionRecord, error) {
	return s.getOne(ctx, "SELECT "+transactionColumns+" FROM transactions WHERE id = $1", string(id))
}

func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (ledger.TransactionRecord, error) {
	return s.getOne(ctx, "SELECT "+transactionColumns+" FROM transactions WHERE idempotency_key = $1", key)
}

func (s *Store) FindReversal(ctx context.Context, original ledger.TransactionID) (ledger.TransactionRecord, error) {
	return s.getOne(ctx, "SELECT "+transactionColumns+" FROM transactions WHERE reversal_of = $1", string(original))
}

func (s *Store) ListByUser(ctx context.Context, userID ledger.UserID, limit int) ([]ledger.TransactionRecord, error) {
	return s.ListTransactions(ctx, ledger.TransactionFilter{UserID: &userID, Limit: limit})
}

func (s *Store) ListTransactions(ctx context.Context, f ledger.TransactionFilter) ([]ledger.TransactionRecord, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.UserID != nil {
		where = append(where, "user_id = "+arg(string(*f.UserID)))
	}
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		where = append(where, "tx_type = ANY("+arg(types)+")")
	}
	if f.Status != nil {
		where = append(where, "status = "+arg(string(*f.Status)))
	}
	if f.From != nil {
		where = append(where, "created_at >= "+arg(*f.From))
	}
	if f.To != nil {
		where = append(where, "created_at < "+arg(*f.To))
	}

	query := "SELECT " + transactionColumns + " FROM transactions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, seq DESC"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}
	if f.Offset > 0 {
		query += " OFFSET " + arg(f.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
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
	rec, err := scanTransaction(s.pool.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.TransactionRecord{}, ledger.ErrTransactionNotFound
	}
	return rec, err
}

func scanTransaction(row pgx.Row) (ledger.TransactionRecord, error) {
	var (
		rec                                  ledger.TransactionRecord
		id, user, txType, status             string
		amount, cashback, balanceAfter       int64
		details                              []byte
		serviceSlug, idempotencyKey          *string
		providerRef, providerStatus, provErr *string
		reversalOf                           *string
	)
	err := row.Scan(
		&id, &user, &txType, &amount, &cashback, &status, &details, &serviceSlug,
		&idempotencyKey, &providerRef, &providerStatus, &provErr, &reversalOf,
		&balanceAfter, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return rec, err
	}
	if err != nil {
		return rec, fmt.Errorf("failed to scan transaction: %w", err)
	}

	rec.ID = ledger.TransactionID(id)
	rec.UserID = ledger.UserID(user)
	rec.Type = ledger.TxType(txType)
	rec.Status = ledger.Status(status)
	rec.Amount = ledger.Money(amount)
	rec.CashbackEarned = ledger.Money(cashback)
	rec.BalanceAfter = ledger.Money(balanceAfter)
	rec.ServiceSlug = deref(serviceSlug)
	rec.IdempotencyKey = deref(idempotencyKey)
	rec.ProviderReference = deref(providerRef)
	rec.ProviderStatus = deref(providerStatus)
	rec.ProviderError = deref(provErr)
	rec.ReversalOf = ledger.TransactionID(deref(reversalOf))

	rec.Details, err = ledger.DecodeDetails(rec.Type, details)
	if err != nil {
		return rec, fmt.Errorf("transaction %s: %w", rec.ID, err)
	}
	return rec, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func hasCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

// Reset deletes every row. Only for test databases.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "TRUNCATE transactions, accounts, pin_hashes")
	return err
}
