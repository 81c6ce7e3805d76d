package ledger

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

// PostgresStore persists balances and the transaction log in PostgreSQL.
// The version column on coin_balances is the compare-and-swap token.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore constructs a Postgres-backed store.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the ledger tables when they do not exist yet.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate ledger schema: %w", err)
	}
	return nil
}

// Ping checks connectivity for health reporting.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// LoadOrCreate returns the balance record, inserting a zero balance on first reference.
func (s *PostgresStore) LoadOrCreate(ctx context.Context, accountID string, kind AccountKind) (BalanceRecord, error) {
	if _, err := s.db.Exec(ctx, `INSERT INTO coin_balances (account_id, account_kind)
        VALUES ($1, $2) ON CONFLICT (account_id) DO NOTHING`, accountID, string(kind)); err != nil {
		return BalanceRecord{}, fmt.Errorf("ensure balance %s: %w", accountID, err)
	}

	const query = `SELECT account_id, account_kind, balance, version, last_updated
        FROM coin_balances WHERE account_id = $1`
	var (
		rec     BalanceRecord
		rawKind string
	)
	if err := s.db.QueryRow(ctx, query, accountID).Scan(&rec.AccountID, &rawKind, &rec.Balance, &rec.Version, &rec.LastUpdated); err != nil {
		return BalanceRecord{}, fmt.Errorf("load balance %s: %w", accountID, err)
	}
	rec.AccountKind = AccountKind(rawKind)
	rec.LastUpdated = rec.LastUpdated.UTC()
	return rec, nil
}

// FindEntry looks up the log entry for an idempotency key.
func (s *PostgresStore) FindEntry(ctx context.Context, accountID, idempotencyKey string) (Entry, error) {
	const query = `SELECT id, account_id, idempotency_key, kind, amount, reason, resulting_balance, applied_at
        FROM coin_entries WHERE account_id = $1 AND idempotency_key = $2`
	entry, err := scanEntry(s.db.QueryRow(ctx, query, accountID, idempotencyKey))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, ErrEntryNotFound
		}
		return Entry{}, fmt.Errorf("find entry %s/%s: %w", accountID, idempotencyKey, err)
	}
	return entry, nil
}

// Commit applies the conditional balance update and appends the entry in one transaction.
func (s *PostgresStore) Commit(ctx context.Context, m Mutation) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	tag, err := tx.Exec(ctx, `UPDATE coin_balances
        SET balance = $1, version = $2, last_updated = $3
        WHERE account_id = $4 AND version = $5`,
		m.Record.Balance, m.Record.Version, m.Record.LastUpdated.UTC(), m.Record.AccountID, m.ExpectedVersion)
	if err != nil {
		return fmt.Errorf("update balance %s: %w", m.Record.AccountID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}

	entryID, err := uuid.Parse(m.Entry.ID)
	if err != nil {
		return fmt.Errorf("entry id: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO coin_entries
        (id, account_id, idempotency_key, kind, amount, reason, resulting_balance, version, applied_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entryID, m.Entry.AccountID, m.Entry.IdempotencyKey, string(m.Entry.Kind), m.Entry.Amount,
		m.Entry.Reason, m.Entry.ResultingBalance, m.Record.Version, m.Entry.AppliedAt.UTC()); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicateEntry
		}
		return fmt.Errorf("insert entry %s: %w", m.Entry.IdempotencyKey, err)
	}

	return tx.Commit(ctx)
}

// History returns the newest entries first.
func (s *PostgresStore) History(ctx context.Context, accountID string, limit int) ([]Entry, error) {
	query := `SELECT id, account_id, idempotency_key, kind, amount, reason, resulting_balance, applied_at
        FROM coin_entries WHERE account_id = $1 ORDER BY version DESC`
	args := []any{accountID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history %s: %w", accountID, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func scanEntry(row pgx.Row) (Entry, error) {
	var (
		id      uuid.UUID
		rawKind string
		entry   Entry
	)
	if err := row.Scan(&id, &entry.AccountID, &entry.IdempotencyKey, &rawKind, &entry.Amount,
		&entry.Reason, &entry.ResultingBalance, &entry.AppliedAt); err != nil {
		return Entry{}, err
	}
	entry.ID = id.String()
	entry.Kind = EntryKind(rawKind)
	entry.AppliedAt = entry.AppliedAt.UTC()
	return entry, nil
}
