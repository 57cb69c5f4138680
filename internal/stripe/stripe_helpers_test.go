package stripe_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	stripeinternal "github.com/nyashahama/course-checkout-backend/internal/stripe"
)

// ─── ExtractCheckoutSession ───────────────────────────────────────────────────

func TestExtractCheckoutSession_Success(t *testing.T) {
	raw, _ := json.Marshal(map[string]any{
		"id":             "cs_test_abc",
		"object":         "checkout.session",
		"payment_status": "paid",
		"customer":       "cus_123",
		"amount_total":   14700,
		"currency":       "brl",
		"metadata":       map[string]string{"paymentMethod": "card", "installments": "3"},
		"customer_details": map[string]any{
			"email": "ana@example.com",
		},
	})

	cs, err := stripeinternal.ExtractCheckoutSession(stripeinternal.Event{
		ID:      "evt_test",
		Type:    "checkout.session.completed",
		DataRaw: raw,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cs.ID != "cs_test_abc" || cs.CustomerID != "cus_123" {
		t.Errorf("ids: got %q / %q", cs.ID, cs.CustomerID)
	}
	if cs.AmountTotal != 14700 || cs.Currency != "brl" || cs.PaymentStatus != "paid" {
		t.Errorf("amount/currency/status: got %d %q %q", cs.AmountTotal, cs.Currency, cs.PaymentStatus)
	}
	if cs.CustomerEmail != "ana@example.com" {
		t.Errorf("email: got %q", cs.CustomerEmail)
	}
	if cs.Metadata["installments"] != "3" {
		t.Errorf("metadata installments: got %q", cs.Metadata["installments"])
	}
}

func TestExtractCheckoutSession_NullCustomer(t *testing.T) {
	raw := json.RawMessage(`{"id":"cs_1","customer":null,"customer_details":null}`)
	cs, err := stripeinternal.ExtractCheckoutSession(stripeinternal.Event{DataRaw: raw})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cs.CustomerID != "" || cs.CustomerEmail != "" {
		t.Errorf("expected empty customer fields, got %+v", cs)
	}
}

func TestExtractCheckoutSession_EmptyIDReturnsError(t *testing.T) {
	raw := json.RawMessage(`{"id":"","object":"checkout.session"}`)
	if _, err := stripeinternal.ExtractCheckoutSession(stripeinternal.Event{DataRaw: raw}); err == nil {
		t.Error("expected error for empty id, got nil")
	}
}

func TestExtractCheckoutSession_MalformedJSONReturnsError(t *testing.T) {
	event := stripeinternal.Event{DataRaw: json.RawMessage(`{bad json`)}
	if _, err := stripeinternal.ExtractCheckoutSession(event); err == nil {
		t.Error("expected error for malformed JSON")
	}
}

// ─── ExtractPaymentIntent ─────────────────────────────────────────────────────

func TestExtractPaymentIntent_Success(t *testing.T) {
	raw, _ := json.Marshal(map[string]any{
		"id":            "pi_abc123",
		"object":        "payment_intent",
		"customer":      "cus_9",
		"receipt_email": "bia@example.com",
		"amount":        13965,
		"currency":      "brl",
		"last_payment_error": map[string]any{
			"message": "Your card was declined.",
		},
	})

	pi, err := stripeinternal.ExtractPaymentIntent(stripeinternal.Event{
		ID:      "evt_failed",
		Type:    "payment_intent.payment_failed",
		DataRaw: raw,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pi.ID != "pi_abc123" || pi.CustomerID != "cus_9" || pi.ReceiptEmail != "bia@example.com" {
		t.Errorf("unexpected fields: %+v", pi)
	}
	if pi.FailureMessage != "Your card was declined." {
		t.Errorf("failure message: got %q", pi.FailureMessage)
	}
}

func TestExtractPaymentIntent_EmptyIDReturnsError(t *testing.T) {
	raw, _ := json.Marshal(map[string]any{"id": "", "object": "payment_intent"})
	if _, err := stripeinternal.ExtractPaymentIntent(stripeinternal.Event{DataRaw: raw}); err == nil {
		t.Error("expected error for empty id, got nil")
	}
}

// ─── ErrorMessage ─────────────────────────────────────────────────────────────

func TestErrorMessage_UnwrapsStripeError(t *testing.T) {
	se := &stripe.Error{Msg: "Invalid integer: -1"}
	wrapped := fmt.Errorf("stripe: create checkout session: %w", se)
	if got := stripeinternal.ErrorMessage(wrapped); got != "Invalid integer: -1" {
		t.Errorf("got %q", got)
	}
}

func TestErrorMessage_PlainError(t *testing.T) {
	if got := stripeinternal.ErrorMessage(errors.New("dial tcp: timeout")); got != "dial tcp: timeout" {
		t.Errorf("got %q", got)
	}
	if got := stripeinternal.ErrorMessage(nil); got != "" {
		t.Errorf("expected empty string for nil, got %q", got)
	}
}

// ─── VerifyWebhook ────────────────────────────────────────────────────────────

const testSecret = "whsec_test_secret"

func signedPayload(t *testing.T, payload []byte, secret string) string {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload: payload,
		Secret:  secret,
	})
	return signed.Header
}

func TestVerifyWebhook_ValidSignature(t *testing.T) {
	client := stripeinternal.NewClient("sk_test_unused")
	payload := []byte(`{"id":"evt_1","object":"event","type":"checkout.session.completed","data":{"object":{"id":"cs_1"}}}`)

	event, err := client.VerifyWebhook(payload, signedPayload(t, payload, testSecret), testSecret)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event.ID != "evt_1" || event.Type != "checkout.session.completed" {
		t.Errorf("event: got %+v", event)
	}

	cs, err := stripeinternal.ExtractCheckoutSession(event)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if cs.ID != "cs_1" {
		t.Errorf("session id: got %q", cs.ID)
	}
}

func TestVerifyWebhook_WrongSecretFails(t *testing.T) {
	client := stripeinternal.NewClient("sk_test_unused")
	payload := []byte(`{"id":"evt_2","object":"event","type":"customer.created","data":{"object":{}}}`)

	_, err := client.VerifyWebhook(payload, signedPayload(t, payload, "whsec_other"), testSecret)
	if err == nil {
		t.Fatal("expected verification failure for wrong secret")
	}
}

func TestVerifyWebhook_TamperedBodyFails(t *testing.T) {
	client := stripeinternal.NewClient("sk_test_unused")
	payload := []byte(`{"id":"evt_3","object":"event","type":"customer.created","data":{"object":{}}}`)
	header := signedPayload(t, payload, testSecret)

	tampered := []byte(`{"id":"evt_3","object":"event","type":"customer.deleted","data":{"object":{}}}`)
	if _, err := client.VerifyWebhook(tampered, header, testSecret); err == nil {
		t.Fatal("expected verification failure for tampered body")
	}
}
