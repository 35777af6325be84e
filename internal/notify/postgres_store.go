package notify

import (
	"context"
	"database/sql"
)

// PostgresStore persists to the notifications and order_messages tables.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) SaveNotification(ctx context.Context, n *Notification) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO notifications (id, recipient_id, kind, title, body, order_id, payout_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, n.ID, n.RecipientID, string(n.Kind), n.Title, n.Body, n.OrderID, n.PayoutID, n.CreatedAt)
	return err
}

func (p *PostgresStore) SaveMessage(ctx context.Context, m *Message) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO order_messages (id, order_id, sender, kind, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, m.ID, m.OrderID, m.Sender, string(m.Kind), m.Body, m.CreatedAt)
	return err
}

func (p *PostgresStore) ListNotifications(ctx context.Context, recipientID string, limit int) ([]*Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, recipient_id, kind, title, body, order_id, payout_id, created_at
		FROM notifications WHERE recipient_id = $1
		ORDER BY created_at DESC LIMIT $2
	`, recipientID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Notification
	for rows.Next() {
		n := &Notification{}
		var kind string
		if err := rows.Scan(&n.ID, &n.RecipientID, &kind, &n.Title, &n.Body, &n.OrderID, &n.PayoutID, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.Kind = Kind(kind)
		out = append(out, n)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListMessages(ctx context.Context, orderID string) ([]*Message, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, order_id, sender, kind, body, created_at
		FROM order_messages WHERE order_id = $1 ORDER BY created_at
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Message
	for rows.Next() {
		m := &Message{}
		var kind string
		if err := rows.Scan(&m.ID, &m.OrderID, &m.Sender, &kind, &m.Body, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Kind = MessageKind(kind)
		out = append(out, m)
	}
	return out, rows.Err()
}
