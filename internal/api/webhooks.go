package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/nyashahama/course-checkout-backend/internal/reconcile"
)

// ─── POST /api/webhook ────────────────────────────────────────────────────────

// handleWebhook is the entry point for all Stripe webhook deliveries.
//
// Only signature failures are reported to Stripe. Once the signature checks
// out the delivery is acknowledged, including when a handler failed. A failed
// handler leaves its stripe_events row in status "failed" with the error, so
// the event can be resent from the dashboard; only side effects already
// written to the outbox are retried automatically.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	// The signature is computed over the exact bytes Stripe sent, so read the
	// raw body before anything else touches it.
	r.Body = http.MaxBytesReader(w, r.Body, 65536) // 64 KB
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		respondErr(w, http.StatusBadRequest, "could not read request body")
		return
	}

	err = s.webhooks.Handle(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	switch {
	case errors.Is(err, reconcile.ErrMissingSignature):
		respondErr(w, http.StatusBadRequest, "missing stripe-signature header")
		return
	case errors.Is(err, reconcile.ErrInvalidSignature):
		respondErr(w, http.StatusBadRequest, "invalid webhook signature")
		return
	case err != nil:
		s.logger.Error("webhook: handler failed, acknowledging anyway", "error", err, logField(r))
	}

	respond(w, http.StatusOK, map[string]bool{"received": true})
}
