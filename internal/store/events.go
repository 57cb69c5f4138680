package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// Stripe event ledger statuses.
const (
	EventReceived  = "received"
	EventProcessed = "processed"
	EventFailed    = "failed"
)

// BeginStripeEvent records a verified webhook delivery. It returns
// alreadyProcessed=true when an earlier delivery of the same event finished
// successfully, in which case the caller must skip dispatch.
//
// A redelivery of an event whose earlier attempt failed is allowed through and
// its deliveries counter is incremented.
func (s *Store) BeginStripeEvent(ctx context.Context, eventID, eventType string, payload []byte) (alreadyProcessed bool, err error) {
	if !json.Valid(payload) {
		payload = []byte("null")
	}

	var status string
	err = s.pool.QueryRowContext(ctx, `
		INSERT INTO stripe_events (stripe_event_id, type, payload)
		VALUES ($1, $2, $3)
		ON CONFLICT (stripe_event_id) DO UPDATE SET
			deliveries = stripe_events.deliveries + 1
		RETURNING status`,
		eventID, eventType, payload,
	).Scan(&status)
	if err != nil {
		return false, fmt.Errorf("store: begin stripe event %s: %w", eventID, err)
	}
	return status == EventProcessed, nil
}

// FinishStripeEvent marks the event processed, or failed with the handler
// error so the next redelivery is dispatched again.
func (s *Store) FinishStripeEvent(ctx context.Context, eventID string, handlerErr error) error {
	status, msg := EventProcessed, ""
	if handlerErr != nil {
		status, msg = EventFailed, handlerErr.Error()
	}

	_, err := s.pool.ExecContext(ctx, `
		UPDATE stripe_events
		SET status = $2,
		    error = $3,
		    processed_at = CASE WHEN $2 = 'processed' THEN now() ELSE processed_at END
		WHERE stripe_event_id = $1`,
		eventID, status, nullString(msg),
	)
	if err != nil {
		return fmt.Errorf("store: finish stripe event %s: %w", eventID, err)
	}
	return nil
}
