// Package notify records user notifications and order-scoped system chat
// messages. Delivery (email, push, SMS) is handled elsewhere; the engine
// only writes the records.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/settlement/internal/idgen"
	"github.com/mbd888/settlement/internal/metrics"
)

// Kind is a notification type.
type Kind string

const (
	KindNewOrder        Kind = "new_order"
	KindOrderConfirmed  Kind = "order_confirmed"
	KindOrderCancelled  Kind = "order_cancelled"
	KindDisputeOpened   Kind = "dispute_opened"
	KindDisputeResolved Kind = "dispute_resolved"
	KindPayoutCompleted Kind = "payout_completed"
	KindPayoutFailed    Kind = "payout_failed"
	KindPayoutReversed  Kind = "payout_reversed"
)

// MessageKind is the type of a system chat message.
type MessageKind string

const (
	MessageShipped         MessageKind = "shipped"
	MessageReceived        MessageKind = "received"
	MessageAutoReleased    MessageKind = "auto_released"
	MessageCancelled       MessageKind = "cancelled"
	MessageDisputeOpened   MessageKind = "dispute_opened"
	MessageDisputeResolved MessageKind = "dispute_resolved"
)

// SystemSender is the sender of every engine-generated chat message.
const SystemSender = "system"

// Notification is addressed to one user.
type Notification struct {
	ID          string    `json:"id"`
	RecipientID string    `json:"recipientId"`
	Kind        Kind      `json:"kind"`
	Title       string    `json:"title"`
	Body        string    `json:"body,omitempty"`
	OrderID     string    `json:"orderId,omitempty"`
	PayoutID    string    `json:"payoutId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Message is a chat message in an order's conversation.
type Message struct {
	ID        string      `json:"id"`
	OrderID   string      `json:"orderId"`
	Sender    string      `json:"sender"`
	Kind      MessageKind `json:"kind"`
	Body      string      `json:"body"`
	CreatedAt time.Time   `json:"createdAt"`
}

// Store persists notifications and messages.
type Store interface {
	SaveNotification(ctx context.Context, n *Notification) error
	SaveMessage(ctx context.Context, m *Message) error
	ListNotifications(ctx context.Context, recipientID string, limit int) ([]*Notification, error)
	ListMessages(ctx context.Context, orderID string) ([]*Message, error)
}

// Sink is the fire-and-forget interface the settlement services use.
// Implementations must not fail the caller.
type Sink interface {
	Notify(ctx context.Context, n Notification)
	PostMessage(ctx context.Context, orderID string, kind MessageKind, body string)
}

const writeTimeout = 5 * time.Second

// Emitter writes to a Store, logging and counting failures.
type Emitter struct {
	store  Store
	logger *slog.Logger
}

// NewEmitter creates an emitter over store.
func NewEmitter(store Store, logger *slog.Logger) *Emitter {
	return &Emitter{store: store, logger: logger}
}

// Notify records n. A cancelled request context does not drop the write.
func (e *Emitter) Notify(ctx context.Context, n Notification) {
	if e == nil || e.store == nil {
		return
	}
	if n.ID == "" {
		n.ID = idgen.WithPrefix("ntf_")
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	ctx, cancel := detached(ctx)
	defer cancel()
	if err := e.store.SaveNotification(ctx, &n); err != nil {
		count(string(n.Kind), "error")
		e.logger.Warn("notification write failed", "kind", n.Kind, "recipient", n.RecipientID, "order_id", n.OrderID, "error", err)
		return
	}
	count(string(n.Kind), "ok")
}

// PostMessage records a system chat message on an order.
func (e *Emitter) PostMessage(ctx context.Context, orderID string, kind MessageKind, body string) {
	if e == nil || e.store == nil {
		return
	}
	m := &Message{
		ID:        idgen.WithPrefix("msg_"),
		OrderID:   orderID,
		Sender:    SystemSender,
		Kind:      kind,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}
	ctx, cancel := detached(ctx)
	defer cancel()
	if err := e.store.SaveMessage(ctx, m); err != nil {
		count("message:"+string(kind), "error")
		e.logger.Warn("chat message write failed", "kind", kind, "order_id", orderID, "error", err)
		return
	}
	count("message:"+string(kind), "ok")
}

func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
}

func count(kind, result string) {
	metrics.NotificationsTotal.With(prometheus.Labels{"type": kind, "result": result}).Inc()
}

// Discard is a Sink that drops everything.
type Discard struct{}

func (Discard) Notify(context.Context, Notification)                    {}
func (Discard) PostMessage(context.Context, string, MessageKind, string) {}

var (
	_ Sink = (*Emitter)(nil)
	_ Sink = Discard{}
)
