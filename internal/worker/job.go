package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/nyashahama/course-checkout-backend/internal/email"
	"github.com/nyashahama/course-checkout-backend/internal/events"
	"github.com/nyashahama/course-checkout-backend/internal/metrics"
	"github.com/nyashahama/course-checkout-backend/internal/reconcile"
	"github.com/nyashahama/course-checkout-backend/internal/store"
)

// JobStore is the subset of the store a Job needs.
type JobStore interface {
	ClaimNotification(ctx context.Context, id uuid.UUID) (store.Notification, error)
	MarkNotificationSent(ctx context.Context, id uuid.UUID) error
	ReleaseNotification(ctx context.Context, id uuid.UUID, cause error) error
	MarkNotificationFailed(ctx context.Context, id uuid.UUID, cause error) error
}

// JobConfig carries the values rendered into messages.
type JobConfig struct {
	// ProductName appears in email subjects and bodies.
	ProductName string

	// CheckoutURL is the retry link in failed-payment emails.
	CheckoutURL string

	// MaxAttempts caps total claims of one row across restarts. Default: 10.
	MaxAttempts int
}

// errUnknownKind is permanent: retrying will not help.
var errUnknownKind = errors.New("worker: unknown notification kind")

// Job delivers one outbox row.
type Job struct {
	store     JobStore
	mailer    email.Sender
	publisher events.Publisher
	cfg       JobConfig
	logger    *slog.Logger
}

// NewJob constructs a Job with all required dependencies.
func NewJob(
	st JobStore,
	mailer email.Sender,
	publisher events.Publisher,
	cfg JobConfig,
	logger *slog.Logger,
) *Job {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	return &Job{
		store:     st,
		mailer:    mailer,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run claims the row, delivers it, and records the outcome:
//
//  1. Claim the row. Rows already sent or held by another worker are skipped.
//  2. Deliver by kind: email for customer messages, Kafka for purchase events.
//  3. Mark sent, or release the row back to pending with the error.
//
// A returned error makes the Runner retry with back-off.
func (j *Job) Run(ctx context.Context, id uuid.UUID) error {
	n, err := j.store.ClaimNotification(ctx, id)
	if errors.Is(err, store.ErrNotClaimable) {
		j.logger.Debug("job: notification not claimable, skipping", "notification_id", id)
		return nil
	}
	if err != nil {
		return fmt.Errorf("job: claim: %w", err)
	}

	log := j.logger.With("notification_id", id, "kind", n.Kind, "reference", n.Reference)

	if n.Attempts > j.cfg.MaxAttempts {
		log.Error("job: attempt budget exhausted", "attempts", n.Attempts)
		metrics.Notifications.WithLabelValues(n.Kind, "failed").Inc()
		return j.store.MarkNotificationFailed(ctx, id, fmt.Errorf("exceeded %d attempts", j.cfg.MaxAttempts))
	}

	deliverErr := j.deliver(ctx, n)
	if errors.Is(deliverErr, errUnknownKind) {
		metrics.Notifications.WithLabelValues(n.Kind, "failed").Inc()
		return j.store.MarkNotificationFailed(ctx, id, deliverErr)
	}
	if deliverErr != nil {
		metrics.Notifications.WithLabelValues(n.Kind, "retry").Inc()
		if err := j.store.ReleaseNotification(ctx, id, deliverErr); err != nil {
			log.Error("job: release failed", "error", err)
		}
		return fmt.Errorf("job: deliver %s: %w", n.Kind, deliverErr)
	}

	if err := j.store.MarkNotificationSent(ctx, id); err != nil {
		// Delivered but not recorded: a later claim resends after the stale
		// window. Consumers dedupe on the reference.
		return fmt.Errorf("job: mark sent: %w", err)
	}

	metrics.Notifications.WithLabelValues(n.Kind, "sent").Inc()
	log.Info("job: notification delivered", "attempts", n.Attempts)
	return nil
}

func (j *Job) deliver(ctx context.Context, n store.Notification) error {
	switch n.Kind {
	case store.KindPurchaseCompleted:
		return j.publisher.Publish(ctx, events.Message{
			Key:     n.Reference,
			Type:    events.TypePurchaseCompleted,
			Payload: n.Data.RawMessage,
		})

	case string(reconcile.KindPurchaseConfirmation):
		msg, err := decodeMessage(n)
		if err != nil {
			return err
		}
		return j.mailer.SendPurchaseConfirmation(ctx, email.PurchaseConfirmationParams{
			To:            n.Recipient,
			Name:          msg.Name,
			ProductName:   j.cfg.ProductName,
			AmountMinor:   msg.AmountMinor,
			PaymentMethod: msg.PaymentMethod,
			Installments:  msg.Installments,
		})

	case string(reconcile.KindPaymentFailed):
		msg, err := decodeMessage(n)
		if err != nil {
			return err
		}
		return j.mailer.SendPaymentFailed(ctx, email.PaymentFailedParams{
			To:          n.Recipient,
			ProductName: j.cfg.ProductName,
			Reason:      msg.Reason,
			RetryURL:    j.cfg.CheckoutURL,
		})

	default:
		return fmt.Errorf("%w: %q", errUnknownKind, n.Kind)
	}
}

func decodeMessage(n store.Notification) (reconcile.Notification, error) {
	var msg reconcile.Notification
	if !n.Data.Valid {
		return msg, nil
	}
	if err := json.Unmarshal(n.Data.RawMessage, &msg); err != nil {
		return msg, fmt.Errorf("decode notification data: %w", err)
	}
	return msg, nil
}
