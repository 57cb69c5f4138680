package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"
)

// KindPurchaseCompleted is the outbox kind written alongside a paid purchase.
// The worker publishes it for downstream consumers (course access, VIP group).
const KindPurchaseCompleted = "purchase_completed"

// Purchase is one completed checkout, keyed by the processor session id.
type Purchase struct {
	ID               uuid.UUID `json:"id"`
	StripeSessionID  string    `json:"session_id"`
	StripeCustomerID string    `json:"customer_id,omitempty"`
	CustomerEmail    string    `json:"customer_email,omitempty"`
	AmountTotal      int64     `json:"amount"`
	Currency         string    `json:"currency"`
	PaymentStatus    string    `json:"payment_status"`
	PaymentMethod    string    `json:"payment_method,omitempty"`
	Installments     int       `json:"installments,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Paid reports whether the purchase has been settled.
func (p Purchase) Paid() bool {
	return p.PaymentStatus == "paid"
}

// RecordedPurchase is the result of RecordPurchase. EventID is the outbox row
// created for the purchase_completed event, or uuid.Nil when none was created
// (unpaid purchase or already enqueued).
type RecordedPurchase struct {
	Purchase Purchase
	EventID  uuid.UUID
}

// RecordPurchase upserts the purchase keyed on its session id. When the
// purchase is paid, a purchase_completed outbox row is written in the same
// transaction, so the event is never lost if the process dies between the two
// writes.
//
// Replays are safe: the upsert refreshes status and amounts, and the outbox
// insert is a no-op when the row already exists.
func (s *Store) RecordPurchase(ctx context.Context, p Purchase) (RecordedPurchase, error) {
	var out RecordedPurchase

	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			INSERT INTO purchases (
				id, stripe_session_id, stripe_customer_id, customer_email,
				amount_total, currency, payment_status, payment_method, installments
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (stripe_session_id) DO UPDATE SET
				stripe_customer_id = COALESCE(EXCLUDED.stripe_customer_id, purchases.stripe_customer_id),
				customer_email     = COALESCE(EXCLUDED.customer_email, purchases.customer_email),
				amount_total       = EXCLUDED.amount_total,
				currency           = EXCLUDED.currency,
				payment_status     = EXCLUDED.payment_status,
				payment_method     = COALESCE(EXCLUDED.payment_method, purchases.payment_method),
				installments       = COALESCE(EXCLUDED.installments, purchases.installments),
				updated_at         = now()
			RETURNING id, stripe_session_id, COALESCE(stripe_customer_id, ''),
				COALESCE(customer_email, ''), amount_total, currency, payment_status,
				COALESCE(payment_method, ''), COALESCE(installments, 0), created_at, updated_at`,
			uuid.New(),
			p.StripeSessionID,
			nullString(p.StripeCustomerID),
			nullString(p.CustomerEmail),
			p.AmountTotal,
			p.Currency,
			p.PaymentStatus,
			nullString(p.PaymentMethod),
			nullInt32(p.Installments),
		)

		var rec Purchase
		if err := row.Scan(
			&rec.ID, &rec.StripeSessionID, &rec.StripeCustomerID, &rec.CustomerEmail,
			&rec.AmountTotal, &rec.Currency, &rec.PaymentStatus,
			&rec.PaymentMethod, &rec.Installments, &rec.CreatedAt, &rec.UpdatedAt,
		); err != nil {
			return fmt.Errorf("RecordPurchase: upsert purchase: %w", err)
		}
		out.Purchase = rec

		if !rec.Paid() {
			return nil
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("RecordPurchase: marshal event: %w", err)
		}

		id, created, err := insertNotification(ctx, tx, NotificationParams{
			Kind:      KindPurchaseCompleted,
			Recipient: rec.CustomerEmail,
			Reference: rec.StripeSessionID,
			Data:      pqtype.NullRawMessage{RawMessage: data, Valid: true},
		})
		if err != nil {
			return fmt.Errorf("RecordPurchase: enqueue event: %w", err)
		}
		if created {
			out.EventID = id
		}
		return nil
	})
	if err != nil {
		return RecordedPurchase{}, err
	}
	return out, nil
}

// GetPurchaseBySessionID returns the purchase for a processor session id.
// Returns sql.ErrNoRows when none exists.
func (s *Store) GetPurchaseBySessionID(ctx context.Context, sessionID string) (Purchase, error) {
	var p Purchase
	err := s.pool.QueryRowContext(ctx, `
		SELECT id, stripe_session_id, COALESCE(stripe_customer_id, ''),
			COALESCE(customer_email, ''), amount_total, currency, payment_status,
			COALESCE(payment_method, ''), COALESCE(installments, 0), created_at, updated_at
		FROM purchases WHERE stripe_session_id = $1`, sessionID,
	).Scan(
		&p.ID, &p.StripeSessionID, &p.StripeCustomerID, &p.CustomerEmail,
		&p.AmountTotal, &p.Currency, &p.PaymentStatus,
		&p.PaymentMethod, &p.Installments, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Purchase{}, err
	}
	if err != nil {
		return Purchase{}, fmt.Errorf("store: get purchase %s: %w", sessionID, err)
	}
	return p, nil
}
