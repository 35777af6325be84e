package policy

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresStore persists the policy as the single row of platform_settings.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Load(ctx context.Context) (*Policy, error) {
	p := &Policy{}
	err := s.db.QueryRowContext(ctx, `
		SELECT commission_rate, minimum_payout, auto_release_days, updated_by, updated_at
		FROM platform_settings WHERE id = 1
	`).Scan(&p.CommissionRate, &p.MinimumPayout, &p.AutoReleaseDays, &p.UpdatedBy, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *PostgresStore) Save(ctx context.Context, p Policy) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO platform_settings (id, commission_rate, minimum_payout, auto_release_days, updated_by, updated_at)
		VALUES (1, $1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			commission_rate = EXCLUDED.commission_rate,
			minimum_payout = EXCLUDED.minimum_payout,
			auto_release_days = EXCLUDED.auto_release_days,
			updated_by = EXCLUDED.updated_by,
			updated_at = EXCLUDED.updated_at
	`, p.CommissionRate, p.MinimumPayout, p.AutoReleaseDays, p.UpdatedBy, p.UpdatedAt)
	return err
}
