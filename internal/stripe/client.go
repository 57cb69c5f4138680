// Package stripe defines the interface for Stripe API calls and webhook
// verification, and provides helpers used by the checkout and reconcile
// packages.
package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v82"
)

// ─── TYPES ────────────────────────────────────────────────────────────────────

// Customer is the subset of a Stripe Customer that callers need.
type Customer struct {
	ID    string
	Email string
	Name  string
}

// CreateCustomerParams holds the inputs for creating a Stripe Customer.
type CreateCustomerParams struct {
	Email    string
	Name     string
	Phone    string
	Metadata map[string]string
}

// LineItem describes the single product line of a checkout session.
type LineItem struct {
	Name        string
	Description string
	Images      []string
	Currency    string
	UnitAmount  int64
	Quantity    int64
}

// CreateCheckoutSessionParams holds the inputs for a one-shot payment-mode
// Checkout Session.
type CreateCheckoutSessionParams struct {
	CustomerID         string
	PaymentMethodTypes []string
	LineItem           LineItem
	SuccessURL         string
	CancelURL          string
	ExpiresAt          time.Time
	Locale             string
	ShippingCountries  []string
	Metadata           map[string]string

	// PaymentIntentMetadata is copied onto the underlying PaymentIntent.
	PaymentIntentMetadata map[string]string

	// PixExpiresAfter sets the pix settlement window. Zero leaves the
	// processor default in place.
	PixExpiresAfter time.Duration
}

// CheckoutSession is the subset of a Stripe Checkout Session that callers need.
type CheckoutSession struct {
	ID            string
	URL           string
	PaymentStatus string // "unpaid" | "paid" | "no_payment_required"
	CustomerID    string
	CustomerEmail string // empty when Stripe returned none
	AmountTotal   int64
	Currency      string
	Metadata      map[string]string
}

// PaymentIntent is the subset of a Stripe PaymentIntent carried by
// payment_intent.* events.
type PaymentIntent struct {
	ID             string
	CustomerID     string
	ReceiptEmail   string
	Amount         int64
	Currency       string
	FailureMessage string
}

// Event is a parsed Stripe webhook event. DataRaw contains the raw JSON of the
// event's data.object so handlers can unmarshal only what they need.
type Event struct {
	ID      string
	Type    string
	DataRaw json.RawMessage
}

// ─── CLIENT INTERFACE ─────────────────────────────────────────────────────────

// Client is the interface the checkout and reconcile packages use for all
// Stripe calls. The concrete implementation wraps the official stripe-go SDK.
// Tests inject a stub.
type Client interface {
	// FindCustomerByEmail returns the first Customer whose email matches
	// exactly. found is false when there is none.
	FindCustomerByEmail(ctx context.Context, email string) (c Customer, found bool, err error)

	CreateCustomer(ctx context.Context, p CreateCustomerParams) (Customer, error)

	GetCustomer(ctx context.Context, customerID string) (Customer, error)

	// CreateCheckoutSession creates a hosted Checkout Session and returns its
	// id and redirect URL.
	CreateCheckoutSession(ctx context.Context, p CreateCheckoutSessionParams) (CheckoutSession, error)

	// GetCheckoutSession retrieves a session with its customer expanded.
	GetCheckoutSession(ctx context.Context, sessionID string) (CheckoutSession, error)

	// VerifyWebhook validates the Stripe-Signature header against the raw
	// payload and returns the parsed event.
	VerifyWebhook(payload []byte, sigHeader string, secret string) (Event, error)
}

// ─── HELPERS ─────────────────────────────────────────────────────────────────

// ErrorMessage returns the provider's human-readable message when err wraps a
// *stripe.Error, and err.Error() otherwise.
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	var se *stripe.Error
	if errors.As(err, &se) && se.Msg != "" {
		return se.Msg
	}
	return err.Error()
}

// ExtractCheckoutSession decodes the checkout.session object carried by
// checkout.session.* events. In webhook payloads the customer field is an
// unexpanded id.
func ExtractCheckoutSession(event Event) (CheckoutSession, error) {
	var obj struct {
		ID              string            `json:"id"`
		URL             *string           `json:"url"`
		PaymentStatus   string            `json:"payment_status"`
		Customer        *string           `json:"customer"`
		AmountTotal     int64             `json:"amount_total"`
		Currency        string            `json:"currency"`
		Metadata        map[string]string `json:"metadata"`
		CustomerDetails *struct {
			Email *string `json:"email"`
		} `json:"customer_details"`
	}
	if err := json.Unmarshal(event.DataRaw, &obj); err != nil {
		return CheckoutSession{}, fmt.Errorf("stripe: unmarshal checkout session: %w", err)
	}
	if obj.ID == "" {
		return CheckoutSession{}, fmt.Errorf("stripe: checkout session id is empty in event %s", event.ID)
	}

	cs := CheckoutSession{
		ID:            obj.ID,
		URL:           deref(obj.URL),
		PaymentStatus: obj.PaymentStatus,
		CustomerID:    deref(obj.Customer),
		AmountTotal:   obj.AmountTotal,
		Currency:      obj.Currency,
		Metadata:      obj.Metadata,
	}
	if obj.CustomerDetails != nil {
		cs.CustomerEmail = deref(obj.CustomerDetails.Email)
	}
	return cs, nil
}

// ExtractPaymentIntent decodes the payment_intent object carried by
// payment_intent.* events.
func ExtractPaymentIntent(event Event) (PaymentIntent, error) {
	var obj struct {
		ID               string  `json:"id"`
		Customer         *string `json:"customer"`
		ReceiptEmail     *string `json:"receipt_email"`
		Amount           int64   `json:"amount"`
		Currency         string  `json:"currency"`
		LastPaymentError *struct {
			Message string `json:"message"`
		} `json:"last_payment_error"`
	}
	if err := json.Unmarshal(event.DataRaw, &obj); err != nil {
		return PaymentIntent{}, fmt.Errorf("stripe: unmarshal payment intent: %w", err)
	}
	if obj.ID == "" {
		return PaymentIntent{}, fmt.Errorf("stripe: payment intent id is empty in event %s", event.ID)
	}

	pi := PaymentIntent{
		ID:           obj.ID,
		CustomerID:   deref(obj.Customer),
		ReceiptEmail: deref(obj.ReceiptEmail),
		Amount:       obj.Amount,
		Currency:     obj.Currency,
	}
	if obj.LastPaymentError != nil {
		pi.FailureMessage = obj.LastPaymentError.Message
	}
	return pi, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
