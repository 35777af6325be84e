package webhooks

import (
	"context"
	"database/sql"
)

// PostgresStore persists failed payment records in PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed failed payment store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Record(ctx context.Context, fp *FailedPayment) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO failed_payments (id, reference, order_id, event, reason, amount, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (reference, event, reason) DO NOTHING
	`, fp.ID, fp.Reference, fp.OrderID, string(fp.Event), fp.Reason, fp.Amount, fp.CreatedAt)
	return err
}

func (p *PostgresStore) List(ctx context.Context, limit int) ([]*FailedPayment, error) {
	if limit <= 0 {
		limit = 100
	}
	return p.query(ctx, `
		SELECT id, reference, order_id, event, reason, amount, created_at
		FROM failed_payments ORDER BY created_at DESC LIMIT $1`, limit)
}

func (p *PostgresStore) ListByReference(ctx context.Context, reference string) ([]*FailedPayment, error) {
	return p.query(ctx, `
		SELECT id, reference, order_id, event, reason, amount, created_at
		FROM failed_payments WHERE reference = $1 ORDER BY created_at`, reference)
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...any) ([]*FailedPayment, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*FailedPayment
	for rows.Next() {
		fp := &FailedPayment{}
		var event string
		if err := rows.Scan(&fp.ID, &fp.Reference, &fp.OrderID, &event, &fp.Reason, &fp.Amount, &fp.CreatedAt); err != nil {
			return nil, err
		}
		fp.Event = EventType(event)
		out = append(out, fp)
	}
	return out, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
