package payouts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/mbd888/settlement/internal/ledger"
	"github.com/mbd888/settlement/internal/retry"
)

// PostgresStore persists payouts and bank accounts in PostgreSQL.
type PostgresStore struct {
	db    *sql.DB
	retry retry.Policy
}

// NewPostgresStore creates a new PostgreSQL-backed payout store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db:    db,
		retry: retry.Policy{Attempts: 3, BaseDelay: 20 * time.Millisecond, MaxDelay: 200 * time.Millisecond},
	}
}

const payoutColumns = `id, seller_id, amount, account_name, account_number, bank_code, recipient_code,
	transfer_reference, transfer_code, status, failure_reason, processed_by, debited,
	created_at, processed_at, completed_at, failed_at, cancelled_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, p *Payout) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payouts (`+payoutColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		p.ID, p.SellerID, p.Amount, p.AccountName, p.AccountNumber, p.BankCode, p.RecipientCode,
		p.TransferReference, p.TransferCode, string(p.Status), p.FailureReason, p.ProcessedBy, p.Debited,
		p.CreatedAt, nullTime(p.ProcessedAt), nullTime(p.CompletedAt), nullTime(p.FailedAt), nullTime(p.CancelledAt), p.UpdatedAt,
	)
	// idx_payouts_one_pending is the only unique index a fresh ID and
	// reference can hit
	if isUniqueViolation(err) {
		return ErrPendingPayoutExists
	}
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Payout, error) {
	return getOne(ctx, s.db, `SELECT `+payoutColumns+` FROM payouts WHERE id = $1`, id)
}

func (s *PostgresStore) GetByReference(ctx context.Context, reference string) (*Payout, error) {
	return getOne(ctx, s.db, `SELECT `+payoutColumns+` FROM payouts WHERE transfer_reference = $1`, reference)
}

func (s *PostgresStore) ListBySeller(ctx context.Context, sellerID string, limit int) ([]*Payout, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.list(ctx, `
		SELECT `+payoutColumns+` FROM payouts
		WHERE seller_id = $1 ORDER BY created_at DESC LIMIT $2`, sellerID, limit)
}

func (s *PostgresStore) ListDebited(ctx context.Context, afterID string, limit int) ([]*Payout, error) {
	if limit <= 0 {
		limit = 1000
	}
	return s.list(ctx, `
		SELECT `+payoutColumns+` FROM payouts
		WHERE debited AND id > $1 ORDER BY id LIMIT $2`, afterID, limit)
}

func (s *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*Payout, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PendingTotal(ctx context.Context, sellerID, excludeID string) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM payouts
		WHERE seller_id = $1 AND status = 'pending' AND id <> $2`, sellerID, excludeID).Scan(&total)
	return total, err
}

func (s *PostgresStore) HasPending(ctx context.Context, sellerID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM payouts WHERE seller_id = $1 AND status = 'pending')`, sellerID).Scan(&exists)
	return exists, err
}

// Update runs fn under a row lock in a serializable transaction, retrying
// serialization failures.
func (s *PostgresStore) Update(ctx context.Context, id string, fn UpdateFunc) (*Payout, error) {
	var result *Payout
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		p, err := s.updateOnce(ctx, id, fn)
		if err != nil {
			if isSerializationFailure(err) {
				return err
			}
			return retry.Permanent(err)
		}
		result = p
		return nil
	})
	return result, err
}

func (s *PostgresStore) updateOnce(ctx context.Context, id string, fn UpdateFunc) (*Payout, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	p, err := getOne(ctx, tx, `SELECT `+payoutColumns+` FROM payouts WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return nil, err
	}
	entries, err := fn(p)
	if err != nil {
		return nil, err
	}
	if len(entries) > 0 {
		if err := ledger.InsertTx(ctx, tx, entries...); err != nil {
			return nil, err
		}
	}

	p.UpdatedAt = time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		UPDATE payouts SET
			recipient_code = $1, transfer_code = $2, status = $3, failure_reason = $4, processed_by = $5,
			debited = $6, processed_at = $7, completed_at = $8, failed_at = $9, cancelled_at = $10, updated_at = $11
		WHERE id = $12`,
		p.RecipientCode, p.TransferCode, string(p.Status), p.FailureReason, p.ProcessedBy,
		p.Debited, nullTime(p.ProcessedAt), nullTime(p.CompletedAt), nullTime(p.FailedAt), nullTime(p.CancelledAt), p.UpdatedAt,
		p.ID,
	)
	if isUniqueViolation(err) {
		return nil, ErrPendingPayoutExists
	}
	if err != nil {
		return nil, fmt.Errorf("update payout %s: %w", p.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *PostgresStore) SaveBankAccount(ctx context.Context, a *BankAccount) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bank_accounts (seller_id, account_name, account_number, bank_code, recipient_code, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (seller_id) DO UPDATE SET
			account_name = EXCLUDED.account_name,
			account_number = EXCLUDED.account_number,
			bank_code = EXCLUDED.bank_code,
			recipient_code = EXCLUDED.recipient_code,
			updated_at = EXCLUDED.updated_at`,
		a.SellerID, a.AccountName, a.AccountNumber, a.BankCode, a.RecipientCode, a.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetBankAccount(ctx context.Context, sellerID string) (*BankAccount, error) {
	a := &BankAccount{}
	err := s.db.QueryRowContext(ctx, `
		SELECT seller_id, account_name, account_number, bank_code, recipient_code, updated_at
		FROM bank_accounts WHERE seller_id = $1`, sellerID,
	).Scan(&a.SellerID, &a.AccountName, &a.AccountNumber, &a.BankCode, &a.RecipientCode, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoBankAccount
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *PostgresStore) SetRecipientCode(ctx context.Context, sellerID, code string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE bank_accounts SET recipient_code = $1 WHERE seller_id = $2`, code, sellerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNoBankAccount
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func getOne(ctx context.Context, q queryer, query string, args ...any) (*Payout, error) {
	p, err := scanPayout(q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPayoutNotFound
	}
	return p, err
}

func scanPayout(s scanner) (*Payout, error) {
	p := &Payout{}
	var (
		status                             string
		processedAt, completedAt, failedAt sql.NullTime
		cancelledAt                        sql.NullTime
	)
	err := s.Scan(
		&p.ID, &p.SellerID, &p.Amount, &p.AccountName, &p.AccountNumber, &p.BankCode, &p.RecipientCode,
		&p.TransferReference, &p.TransferCode, &status, &p.FailureReason, &p.ProcessedBy, &p.Debited,
		&p.CreatedAt, &processedAt, &completedAt, &failedAt, &cancelledAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Status = Status(status)
	p.ProcessedAt = timePtr(processedAt)
	p.CompletedAt = timePtr(completedAt)
	p.FailedAt = timePtr(failedAt)
	p.CancelledAt = timePtr(cancelledAt)
	return p, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && (pqErr.Code == "40001" || pqErr.Code == "40P01")
}

var _ Store = (*PostgresStore)(nil)
