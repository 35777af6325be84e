package orders

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/mbd888/settlement/internal/ledger"
	"github.com/mbd888/settlement/internal/retry"
)

// PostgresStore persists orders in PostgreSQL. Update runs in a
// serializable transaction holding a row lock, and inserts ledger entries
// into the transactions table before commit.
type PostgresStore struct {
	db    *sql.DB
	retry retry.Policy
}

// NewPostgresStore creates a new PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db:    db,
		retry: retry.Policy{Attempts: 3, BaseDelay: 20 * time.Millisecond, MaxDelay: 200 * time.Millisecond},
	}
}

const orderColumns = `id, customer_id, seller_id, total, commission_rate, commission, seller_earning, refund_amount,
	status, escrow_status, payment_status, payment_reference, payment_failure_reason, customer_code,
	dispute, sent_photo_url, received_photo_url, auto_release_at, created_at, paid_at, sent_at,
	received_at, disputed_at, dispute_resolved_at, funds_released_at, refunded_at, cancelled_at,
	updated_at, version`

func (p *PostgresStore) Create(ctx context.Context, o *Order) error {
	dispute, err := disputeJSON(o.Dispute)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
		        $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29)`,
		o.ID, o.CustomerID, o.SellerID, o.Total, nullDecimal(o.CommissionRate), o.Commission, o.SellerEarning, o.RefundAmount,
		string(o.Status), string(o.EscrowStatus), string(o.PaymentStatus), o.PaymentReference, o.PaymentFailureReason, o.CustomerCode,
		dispute, o.SentPhotoURL, o.ReceivedPhotoURL, nullTime(o.AutoReleaseAt), o.CreatedAt, nullTime(o.PaidAt), nullTime(o.SentAt),
		nullTime(o.ReceivedAt), nullTime(o.DisputedAt), nullTime(o.DisputeResolvedAt), nullTime(o.FundsReleasedAt), nullTime(o.RefundedAt), nullTime(o.CancelledAt),
		o.UpdatedAt, o.Version,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateReference
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	return p.getOne(ctx, p.db, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
}

func (p *PostgresStore) GetByReference(ctx context.Context, reference string) (*Order, error) {
	return p.getOne(ctx, p.db, `SELECT `+orderColumns+` FROM orders WHERE payment_reference = $1`, reference)
}

func (p *PostgresStore) ListBySeller(ctx context.Context, sellerID string, limit int) ([]*Order, error) {
	return p.list(ctx, `SELECT `+orderColumns+` FROM orders WHERE seller_id = $1 ORDER BY created_at DESC LIMIT $2`, sellerID, limitOr(limit, 100))
}

func (p *PostgresStore) ListByCustomer(ctx context.Context, customerID string, limit int) ([]*Order, error) {
	return p.list(ctx, `SELECT `+orderColumns+` FROM orders WHERE customer_id = $1 ORDER BY created_at DESC LIMIT $2`, customerID, limitOr(limit, 100))
}

func (p *PostgresStore) ListAwaitingRelease(ctx context.Context, after ReleaseCursor, limit int) ([]*Order, error) {
	return p.list(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status = 'sent' AND escrow_status = 'held'
		  AND (sent_at, id) > ($1, $2)
		ORDER BY sent_at, id LIMIT $3`, after.SentAt.UTC(), after.ID, limitOr(limit, 1000))
}

func (p *PostgresStore) ListSettled(ctx context.Context, afterID string, limit int) ([]*Order, error) {
	return p.list(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE escrow_status IN ('released', 'refunded') AND id > $1
		ORDER BY id LIMIT $2`, afterID, limitOr(limit, 1000))
}

// Update retries on serialization failures. fn may therefore run more than
// once and must not have side effects outside the order it is given.
func (p *PostgresStore) Update(ctx context.Context, id string, fn UpdateFunc) (*Order, error) {
	var result *Order
	err := p.retry.Do(ctx, func(ctx context.Context) error {
		o, err := p.updateOnce(ctx, id, fn)
		if err != nil {
			if isSerializationFailure(err) {
				return err
			}
			return retry.Permanent(err)
		}
		result = o
		return nil
	})
	return result, err
}

func (p *PostgresStore) updateOnce(ctx context.Context, id string, fn UpdateFunc) (*Order, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	o, err := p.getOne(ctx, tx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return nil, err
	}
	entries, err := fn(o)
	if err != nil {
		return nil, err
	}
	if len(entries) > 0 {
		if err := ledger.InsertTx(ctx, tx, entries...); err != nil {
			return nil, err
		}
	}

	o.Version++
	o.UpdatedAt = time.Now().UTC()
	dispute, err := disputeJSON(o.Dispute)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE orders SET
			commission_rate = $1, commission = $2, seller_earning = $3, refund_amount = $4,
			status = $5, escrow_status = $6, payment_status = $7, payment_failure_reason = $8, customer_code = $9,
			dispute = $10, sent_photo_url = $11, received_photo_url = $12, auto_release_at = $13,
			paid_at = $14, sent_at = $15, received_at = $16, disputed_at = $17, dispute_resolved_at = $18,
			funds_released_at = $19, refunded_at = $20, cancelled_at = $21, updated_at = $22, version = $23
		WHERE id = $24`,
		nullDecimal(o.CommissionRate), o.Commission, o.SellerEarning, o.RefundAmount,
		string(o.Status), string(o.EscrowStatus), string(o.PaymentStatus), o.PaymentFailureReason, o.CustomerCode,
		dispute, o.SentPhotoURL, o.ReceivedPhotoURL, nullTime(o.AutoReleaseAt),
		nullTime(o.PaidAt), nullTime(o.SentAt), nullTime(o.ReceivedAt), nullTime(o.DisputedAt), nullTime(o.DisputeResolvedAt),
		nullTime(o.FundsReleasedAt), nullTime(o.RefundedAt), nullTime(o.CancelledAt), o.UpdatedAt, o.Version,
		o.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("update order %s: %w", o.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return o, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func (p *PostgresStore) getOne(ctx context.Context, q queryer, query string, args ...any) (*Order, error) {
	o, err := scanOrder(q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	return o, err
}

func (p *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanOrder(s scanner) (*Order, error) {
	o := &Order{}
	var (
		rate                                    decimal.NullDecimal
		status, escrow, payment                 string
		dispute                                 []byte
		autoRelease, paidAt, sentAt, receivedAt sql.NullTime
		disputedAt, resolvedAt, releasedAt      sql.NullTime
		refundedAt, cancelledAt                 sql.NullTime
	)
	err := s.Scan(
		&o.ID, &o.CustomerID, &o.SellerID, &o.Total, &rate, &o.Commission, &o.SellerEarning, &o.RefundAmount,
		&status, &escrow, &payment, &o.PaymentReference, &o.PaymentFailureReason, &o.CustomerCode,
		&dispute, &o.SentPhotoURL, &o.ReceivedPhotoURL, &autoRelease, &o.CreatedAt, &paidAt, &sentAt,
		&receivedAt, &disputedAt, &resolvedAt, &releasedAt, &refundedAt, &cancelledAt,
		&o.UpdatedAt, &o.Version,
	)
	if err != nil {
		return nil, err
	}
	o.Status = Status(status)
	o.EscrowStatus = EscrowStatus(escrow)
	o.PaymentStatus = PaymentStatus(payment)
	if rate.Valid {
		r := rate.Decimal
		o.CommissionRate = &r
	}
	if len(dispute) > 0 {
		o.Dispute = &Dispute{}
		if err := json.Unmarshal(dispute, o.Dispute); err != nil {
			return nil, fmt.Errorf("decode dispute for order %s: %w", o.ID, err)
		}
	}
	o.AutoReleaseAt = timePtr(autoRelease)
	o.PaidAt = timePtr(paidAt)
	o.SentAt = timePtr(sentAt)
	o.ReceivedAt = timePtr(receivedAt)
	o.DisputedAt = timePtr(disputedAt)
	o.DisputeResolvedAt = timePtr(resolvedAt)
	o.FundsReleasedAt = timePtr(releasedAt)
	o.RefundedAt = timePtr(refundedAt)
	o.CancelledAt = timePtr(cancelledAt)
	return o, nil
}

func disputeJSON(d *Dispute) (any, error) {
	if d == nil {
		return nil, nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
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

func limitOr(limit, def int) int {
	if limit <= 0 {
		return def
	}
	return limit
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
