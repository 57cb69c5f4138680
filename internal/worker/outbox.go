package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"

	"github.com/nyashahama/course-checkout-backend/internal/reconcile"
	"github.com/nyashahama/course-checkout-backend/internal/store"
)

// OutboxStore is the subset of the store Outbox writes through.
type OutboxStore interface {
	RecordPurchase(ctx context.Context, p store.Purchase) (store.RecordedPurchase, error)
	EnqueueNotification(ctx context.Context, p store.NotificationParams) (uuid.UUID, bool, error)
}

// Outbox implements reconcile.PurchaseRecorder and reconcile.Notifier. Rows
// are committed before they are handed to the pool, so a crash between the
// two only delays delivery until the next poll.
type Outbox struct {
	store  OutboxStore
	queue  Enqueuer
	logger *slog.Logger
}

var (
	_ reconcile.PurchaseRecorder = (*Outbox)(nil)
	_ reconcile.Notifier         = (*Outbox)(nil)
)

// NewOutbox constructs an Outbox.
func NewOutbox(st OutboxStore, queue Enqueuer, logger *slog.Logger) *Outbox {
	return &Outbox{store: st, queue: queue, logger: logger}
}

// RecordPurchase upserts the purchase and schedules its purchase_completed
// event when one was created.
func (o *Outbox) RecordPurchase(ctx context.Context, p reconcile.Purchase) error {
	rec, err := o.store.RecordPurchase(ctx, store.Purchase{
		StripeSessionID:  p.SessionID,
		StripeCustomerID: p.CustomerID,
		CustomerEmail:    p.CustomerEmail,
		AmountTotal:      p.AmountTotal,
		Currency:         p.Currency,
		PaymentStatus:    p.PaymentStatus,
		PaymentMethod:    p.PaymentMethod,
		Installments:     p.Installments,
	})
	if err != nil {
		return fmt.Errorf("outbox: record purchase: %w", err)
	}
	if rec.EventID != uuid.Nil {
		o.handOff(ctx, rec.EventID)
	}
	return nil
}

// Notify writes the notification row. A row with the same kind and
// reference already present is left untouched.
func (o *Outbox) Notify(ctx context.Context, n reconcile.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("outbox: marshal notification: %w", err)
	}

	id, created, err := o.store.EnqueueNotification(ctx, store.NotificationParams{
		Kind:      string(n.Kind),
		Recipient: n.Recipient,
		Reference: n.Reference,
		Data:      pqtype.NullRawMessage{RawMessage: data, Valid: true},
	})
	if err != nil {
		return fmt.Errorf("outbox: enqueue: %w", err)
	}
	if !created {
		o.logger.Debug("outbox: notification already queued", "kind", n.Kind, "reference", n.Reference)
		return nil
	}
	o.handOff(ctx, id)
	return nil
}

func (o *Outbox) handOff(ctx context.Context, id uuid.UUID) {
	if err := o.queue.Enqueue(ctx, id); err != nil {
		o.logger.Warn("outbox: enqueue failed, will be picked up by poller",
			"notification_id", id,
			"error", err,
		)
	}
}
