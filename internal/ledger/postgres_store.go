package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// Execer is satisfied by *sql.DB and *sql.Tx. Order and payout stores pass
// their transaction so entries commit together with the state change.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const entryColumns = `id, entry_key, kind, amount, account_type, account_id, order_id, payout_id, description, created_at`

func (p *PostgresStore) Append(ctx context.Context, entries ...*Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := InsertTx(ctx, tx, entries...); err != nil {
		return err
	}
	return tx.Commit()
}

// InsertTx validates and inserts entries using ex. Callers own the
// transaction; a returned error means the transaction must be rolled back.
func InsertTx(ctx context.Context, ex Execer, entries ...*Entry) error {
	if err := prepare(entries, time.Now()); err != nil {
		return err
	}
	for _, e := range entries {
		_, err := ex.ExecContext(ctx, `
			INSERT INTO transactions (`+entryColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, e.ID, e.Key, string(e.Kind), e.Amount, string(e.AccountType), e.AccountID,
			e.OrderID, e.PayoutID, e.Description, e.CreatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s", ErrDuplicateEntry, e.Key)
			}
			return fmt.Errorf("insert ledger entry %s: %w", e.Key, err)
		}
	}
	return nil
}

func (p *PostgresStore) ListByAccount(ctx context.Context, accountType AccountType, accountID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	return p.query(ctx, `
		SELECT `+entryColumns+` FROM transactions
		WHERE account_type = $1 AND account_id = $2
		ORDER BY created_at DESC
		LIMIT $3
	`, string(accountType), accountID, limit)
}

func (p *PostgresStore) ListByOrder(ctx context.Context, orderID string) ([]*Entry, error) {
	return p.query(ctx, `
		SELECT `+entryColumns+` FROM transactions WHERE order_id = $1 ORDER BY created_at
	`, orderID)
}

func (p *PostgresStore) ListByPayout(ctx context.Context, payoutID string) ([]*Entry, error) {
	return p.query(ctx, `
		SELECT `+entryColumns+` FROM transactions WHERE payout_id = $1 ORDER BY created_at
	`, payoutID)
}

func (p *PostgresStore) Sum(ctx context.Context, accountType AccountType, accountID string) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM transactions
		WHERE account_type = $1 AND account_id = $2
	`, string(accountType), accountID).Scan(&sum)
	return sum, err
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...any) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var kind, accountType string
		if err := rows.Scan(&e.ID, &e.Key, &kind, &e.Amount, &accountType, &e.AccountID,
			&e.OrderID, &e.PayoutID, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Kind = Kind(kind)
		e.AccountType = AccountType(accountType)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

var _ Store = (*PostgresStore)(nil)
