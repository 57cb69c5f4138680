// Package email defines the interface for transactional email delivery and
// provides a Resend-backed implementation.
package email

import "context"

// PurchaseConfirmationParams holds the data for the post-purchase welcome
// email.
type PurchaseConfirmationParams struct {
	To            string
	Name          string // buyer's name; may be empty
	ProductName   string
	AmountMinor   int64 // e.g. 14700 for R$ 147,00
	PaymentMethod string
	Installments  int
}

// PaymentFailedParams holds the data for the failed-payment email.
type PaymentFailedParams struct {
	To          string
	ProductName string
	Reason      string // processor's failure message; may be empty
	RetryURL    string // checkout page the buyer can return to
}

// Sender is the interface the outbox worker uses to send email.
// Tests inject a stub that records calls without hitting the network.
type Sender interface {
	// SendPurchaseConfirmation is sent once a checkout session is paid.
	SendPurchaseConfirmation(ctx context.Context, p PurchaseConfirmationParams) error

	// SendPaymentFailed is sent when a card charge is declined or a pix
	// code expires unpaid.
	SendPaymentFailed(ctx context.Context, p PaymentFailedParams) error
}
