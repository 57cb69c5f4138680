// Package reconcile turns verified payment-processor webhook deliveries into
// local side effects: purchase records and customer notifications.
//
// Deliveries are at-least-once. Every side effect is keyed on a processor
// identifier (event id, session id, payment intent id) so applying the same
// event twice is harmless.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nyashahama/course-checkout-backend/internal/metrics"
	stripeinternal "github.com/nyashahama/course-checkout-backend/internal/stripe"
)

// Event types acted upon.
const (
	EventSessionCompleted      = "checkout.session.completed"
	EventAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"
	EventAsyncPaymentFailed    = "checkout.session.async_payment_failed"
	EventPaymentSucceeded      = "payment_intent.succeeded"
	EventPaymentFailed         = "payment_intent.payment_failed"
)

var (
	// ErrMissingSignature is returned when the delivery carries no signature
	// header.
	ErrMissingSignature = errors.New("reconcile: missing webhook signature")

	// ErrInvalidSignature is returned when the signature does not match the
	// payload under the configured secret.
	ErrInvalidSignature = errors.New("reconcile: invalid webhook signature")
)

// ─── COLLABORATORS ────────────────────────────────────────────────────────────

// EventLog records deliveries so a redelivered, already processed event is
// acknowledged without dispatching again.
type EventLog interface {
	BeginStripeEvent(ctx context.Context, eventID, eventType string, payload []byte) (alreadyProcessed bool, err error)
	FinishStripeEvent(ctx context.Context, eventID string, handlerErr error) error
}

// PurchaseRecorder persists completed purchases. Implementations must upsert
// on SessionID.
type PurchaseRecorder interface {
	RecordPurchase(ctx context.Context, p Purchase) error
}

// Notifier queues a customer notification. Implementations must treat
// Kind+Reference as an idempotency key.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// ─── TYPES ────────────────────────────────────────────────────────────────────

// Purchase is the record assembled from a completed checkout session.
type Purchase struct {
	SessionID     string    `json:"sessionId"`
	CustomerID    string    `json:"customerId"`
	CustomerEmail string    `json:"customerEmail"`
	CustomerName  string    `json:"customerName,omitempty"`
	AmountTotal   int64     `json:"amount"`
	Currency      string    `json:"currency"`
	PaymentStatus string    `json:"paymentStatus"`
	PaymentMethod string    `json:"paymentMethod"`
	Installments  int       `json:"installments"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Paid reports whether the purchase has settled.
func (p Purchase) Paid() bool { return p.PaymentStatus == "paid" }

// NotificationKind selects the message template.
type NotificationKind string

const (
	KindPurchaseConfirmation NotificationKind = "purchase_confirmation"
	KindPaymentFailed        NotificationKind = "payment_failed"
)

// Notification is one message for one recipient. Reference is the processor
// object the message is about.
type Notification struct {
	Kind          NotificationKind `json:"kind"`
	Recipient     string           `json:"recipient"`
	Reference     string           `json:"reference"`
	Name          string           `json:"name,omitempty"`
	AmountMinor   int64            `json:"amount,omitempty"`
	PaymentMethod string           `json:"paymentMethod,omitempty"`
	Installments  int              `json:"installments,omitempty"`
	Reason        string           `json:"reason,omitempty"`
}

// ─── RECONCILER ───────────────────────────────────────────────────────────────

// Reconciler verifies and dispatches webhook deliveries. It is safe for
// concurrent use.
type Reconciler struct {
	stripe    stripeinternal.Client
	events    EventLog
	purchases PurchaseRecorder
	notifier  Notifier
	secret    string
	logger    *slog.Logger
	now       func() time.Time
}

// New constructs a Reconciler. secret is the webhook signing secret.
func New(
	client stripeinternal.Client,
	events EventLog,
	purchases PurchaseRecorder,
	notifier Notifier,
	secret string,
	logger *slog.Logger,
) *Reconciler {
	return &Reconciler{
		stripe:    client,
		events:    events,
		purchases: purchases,
		notifier:  notifier,
		secret:    secret,
		logger:    logger,
		now:       time.Now,
	}
}

// Handle verifies the delivery and dispatches it. The only errors returned are
// ErrMissingSignature and ErrInvalidSignature; once the signature is valid the
// delivery is acknowledged even if a handler fails, because the processor
// would otherwise redeliver an event that was already accepted.
func (r *Reconciler) Handle(ctx context.Context, payload []byte, signature string) error {
	if signature == "" {
		metrics.WebhookRejected.WithLabelValues("missing_signature").Inc()
		return ErrMissingSignature
	}

	event, err := r.stripe.VerifyWebhook(payload, signature, r.secret)
	if err != nil {
		metrics.WebhookRejected.WithLabelValues("invalid_signature").Inc()
		r.logger.Warn("reconcile: signature verification failed, potential attack or misconfiguration",
			"error", err,
		)
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	log := r.logger.With("event_id", event.ID, "type", event.Type)

	// A ledger failure does not block dispatch: the handlers are idempotent.
	done, err := r.events.BeginStripeEvent(ctx, event.ID, event.Type, payload)
	if err != nil {
		log.Error("reconcile: record event failed", "error", err)
	} else if done {
		log.Debug("reconcile: event already processed, skipping")
		metrics.WebhookEvents.WithLabelValues(event.Type, "duplicate").Inc()
		return nil
	}

	handled, handlerErr := r.dispatch(ctx, event, log)

	outcome := "handled"
	switch {
	case handlerErr != nil:
		outcome = "handler_error"
		log.Error("reconcile: handler error", "error", handlerErr)
	case !handled:
		outcome = "ignored"
	}
	metrics.WebhookEvents.WithLabelValues(event.Type, outcome).Inc()

	if err := r.events.FinishStripeEvent(ctx, event.ID, handlerErr); err != nil {
		log.Error("reconcile: finish event failed", "error", err)
	}
	return nil
}

// dispatch routes event to its handler. handled is false for event types this
// service does not act on.
func (r *Reconciler) dispatch(ctx context.Context, event stripeinternal.Event, log *slog.Logger) (handled bool, err error) {
	switch event.Type {
	case EventSessionCompleted, EventAsyncPaymentSucceeded:
		return true, r.onSessionCompleted(ctx, event, log)

	case EventAsyncPaymentFailed:
		return true, r.onSessionPaymentFailed(ctx, event, log)

	case EventPaymentFailed:
		return true, r.onPaymentIntentFailed(ctx, event, log)

	case EventPaymentSucceeded:
		pi, err := stripeinternal.ExtractPaymentIntent(event)
		if err != nil {
			return true, err
		}
		log.Info("reconcile: payment processed", "payment_intent", pi.ID, "amount", pi.Amount)
		return true, nil

	default:
		log.Debug("reconcile: unhandled event type")
		return false, nil
	}
}

// ─── EVENT HANDLERS ───────────────────────────────────────────────────────────

func (r *Reconciler) onSessionCompleted(ctx context.Context, event stripeinternal.Event, log *slog.Logger) error {
	cs, err := stripeinternal.ExtractCheckoutSession(event)
	if err != nil {
		return fmt.Errorf("onSessionCompleted: %w", err)
	}

	purchase := Purchase{
		SessionID:     cs.ID,
		CustomerID:    cs.CustomerID,
		CustomerEmail: cs.CustomerEmail,
		AmountTotal:   cs.AmountTotal,
		Currency:      cs.Currency,
		PaymentStatus: cs.PaymentStatus,
		PaymentMethod: cs.Metadata["paymentMethod"],
		Installments:  parseInstallments(cs.Metadata["installments"]),
		CreatedAt:     r.now().UTC(),
	}

	// The customer record only enriches the purchase. A failed lookup falls
	// back to the session's own email so the purchase is never dropped.
	if cs.CustomerID != "" {
		cust, err := r.stripe.GetCustomer(ctx, cs.CustomerID)
		if err != nil {
			log.Warn("reconcile: customer lookup failed, using session email",
				"customer_id", cs.CustomerID,
				"error", err,
			)
		} else {
			if cust.Email != "" {
				purchase.CustomerEmail = cust.Email
			}
			purchase.CustomerName = cust.Name
		}
	}

	if err := r.purchases.RecordPurchase(ctx, purchase); err != nil {
		return fmt.Errorf("onSessionCompleted: record purchase: %w", err)
	}
	log.Info("reconcile: purchase recorded",
		"session_id", purchase.SessionID,
		"payment_status", purchase.PaymentStatus,
		"payment_method", purchase.PaymentMethod,
		"amount", purchase.AmountTotal,
	)

	// Pix sessions complete before settlement; the confirmation waits for the
	// async_payment_succeeded event.
	if !purchase.Paid() {
		return nil
	}
	if purchase.CustomerEmail == "" {
		log.Warn("reconcile: paid purchase has no email, skipping confirmation", "session_id", purchase.SessionID)
		return nil
	}

	if err := r.notifier.Notify(ctx, Notification{
		Kind:          KindPurchaseConfirmation,
		Recipient:     purchase.CustomerEmail,
		Reference:     purchase.SessionID,
		Name:          purchase.CustomerName,
		AmountMinor:   purchase.AmountTotal,
		PaymentMethod: purchase.PaymentMethod,
		Installments:  purchase.Installments,
	}); err != nil {
		return fmt.Errorf("onSessionCompleted: notify: %w", err)
	}
	return nil
}

func (r *Reconciler) onSessionPaymentFailed(ctx context.Context, event stripeinternal.Event, log *slog.Logger) error {
	cs, err := stripeinternal.ExtractCheckoutSession(event)
	if err != nil {
		return fmt.Errorf("onSessionPaymentFailed: %w", err)
	}

	recipient, err := r.recipient(ctx, cs.CustomerEmail, cs.CustomerID)
	if err != nil {
		return fmt.Errorf("onSessionPaymentFailed: %w", err)
	}
	if recipient == "" {
		log.Warn("reconcile: failed session has no email", "session_id", cs.ID)
		return nil
	}

	return r.notifyFailure(ctx, Notification{
		Kind:          KindPaymentFailed,
		Recipient:     recipient,
		Reference:     cs.ID,
		PaymentMethod: cs.Metadata["paymentMethod"],
		Reason:        "O pagamento via Pix não foi concluído dentro do prazo.",
	})
}

func (r *Reconciler) onPaymentIntentFailed(ctx context.Context, event stripeinternal.Event, log *slog.Logger) error {
	pi, err := stripeinternal.ExtractPaymentIntent(event)
	if err != nil {
		return fmt.Errorf("onPaymentIntentFailed: %w", err)
	}

	recipient, err := r.recipient(ctx, pi.ReceiptEmail, pi.CustomerID)
	if err != nil {
		return fmt.Errorf("onPaymentIntentFailed: %w", err)
	}
	if recipient == "" {
		log.Warn("reconcile: failed payment has no customer email", "payment_intent", pi.ID)
		return nil
	}

	log.Info("reconcile: payment failed", "payment_intent", pi.ID, "customer_id", pi.CustomerID)
	return r.notifyFailure(ctx, Notification{
		Kind:        KindPaymentFailed,
		Recipient:   recipient,
		Reference:   pi.ID,
		AmountMinor: pi.Amount,
		Reason:      pi.FailureMessage,
	})
}

func (r *Reconciler) notifyFailure(ctx context.Context, n Notification) error {
	if err := r.notifier.Notify(ctx, n); err != nil {
		return fmt.Errorf("notify %s: %w", n.Kind, err)
	}
	return nil
}

// recipient prefers the email carried by the event and falls back to the
// customer record.
func (r *Reconciler) recipient(ctx context.Context, email, customerID string) (string, error) {
	if email != "" || customerID == "" {
		return email, nil
	}
	cust, err := r.stripe.GetCustomer(ctx, customerID)
	if err != nil {
		return "", fmt.Errorf("get customer %s: %w", customerID, err)
	}
	return cust.Email, nil
}

func parseInstallments(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 1
	}
	return n
}
