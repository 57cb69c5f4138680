package stripe

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/webhook"
)

// stripeClient is the concrete implementation of Client backed by the
// official stripe-go SDK. Construct it with NewClient.
type stripeClient struct{}

// NewClient returns a Client backed by the Stripe SDK.
// secretKey is your STRIPE_SECRET_KEY env var. The SDK key is process-wide
// state: it is set once here at startup and never mutated afterwards.
func NewClient(secretKey string) Client {
	stripe.Key = secretKey
	return &stripeClient{}
}

// FindCustomerByEmail lists customers filtered by exact email, limit 1.
func (c *stripeClient) FindCustomerByEmail(ctx context.Context, email string) (Customer, bool, error) {
	params := &stripe.CustomerListParams{Email: stripe.String(email)}
	params.Limit = stripe.Int64(1)
	params.Context = ctx

	it := customer.List(params)
	if it.Next() {
		return toCustomer(it.Customer()), true, nil
	}
	if err := it.Err(); err != nil {
		return Customer{}, false, fmt.Errorf("stripe: list customers: %w", err)
	}
	return Customer{}, false, nil
}

// CreateCustomer creates a Customer carrying the buyer's contact details.
func (c *stripeClient) CreateCustomer(ctx context.Context, p CreateCustomerParams) (Customer, error) {
	params := &stripe.CustomerParams{
		Email: stripe.String(p.Email),
		Name:  stripe.String(p.Name),
	}
	if p.Phone != "" {
		params.Phone = stripe.String(p.Phone)
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx

	cust, err := customer.New(params)
	if err != nil {
		return Customer{}, fmt.Errorf("stripe: create customer: %w", err)
	}
	return toCustomer(cust), nil
}

// GetCustomer retrieves a Customer by id.
func (c *stripeClient) GetCustomer(ctx context.Context, customerID string) (Customer, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx

	cust, err := customer.Get(customerID, params)
	if err != nil {
		return Customer{}, fmt.Errorf("stripe: get customer %s: %w", customerID, err)
	}
	return toCustomer(cust), nil
}

// CreateCheckoutSession creates a payment-mode Checkout Session with a single
// price_data line item.
func (c *stripeClient) CreateCheckoutSession(ctx context.Context, p CreateCheckoutSessionParams) (CheckoutSession, error) {
	quantity := p.LineItem.Quantity
	if quantity <= 0 {
		quantity = 1
	}

	params := &stripe.CheckoutSessionParams{
		Customer:           stripe.String(p.CustomerID),
		PaymentMethodTypes: stripe.StringSlice(p.PaymentMethodTypes),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency: stripe.String(p.LineItem.Currency),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name:        stripe.String(p.LineItem.Name),
						Description: stripe.String(p.LineItem.Description),
						Images:      stripe.StringSlice(p.LineItem.Images),
					},
					UnitAmount: stripe.Int64(p.LineItem.UnitAmount),
				},
				Quantity: stripe.Int64(quantity),
			},
		},
		Mode:                     stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:               stripe.String(p.SuccessURL),
		CancelURL:                stripe.String(p.CancelURL),
		ExpiresAt:                stripe.Int64(p.ExpiresAt.Unix()),
		BillingAddressCollection: stripe.String(string(stripe.CheckoutSessionBillingAddressCollectionRequired)),
	}
	if p.Locale != "" {
		params.Locale = stripe.String(p.Locale)
	}
	if len(p.ShippingCountries) > 0 {
		params.ShippingAddressCollection = &stripe.CheckoutSessionShippingAddressCollectionParams{
			AllowedCountries: stripe.StringSlice(p.ShippingCountries),
		}
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	if len(p.PaymentIntentMetadata) > 0 {
		params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: p.PaymentIntentMetadata,
		}
	}
	if p.PixExpiresAfter > 0 {
		params.PaymentMethodOptions = &stripe.CheckoutSessionPaymentMethodOptionsParams{
			Pix: &stripe.CheckoutSessionPaymentMethodOptionsPixParams{
				ExpiresAfterSeconds: stripe.Int64(int64(p.PixExpiresAfter.Seconds())),
			},
		}
	}
	// Propagate context deadline to the Stripe HTTP call.
	params.Context = ctx

	s, err := session.New(params)
	if err != nil {
		return CheckoutSession{}, fmt.Errorf("stripe: create checkout session: %w", err)
	}
	return toCheckoutSession(s), nil
}

// GetCheckoutSession retrieves a session, expanding the customer and payment
// intent references.
func (c *stripeClient) GetCheckoutSession(ctx context.Context, sessionID string) (CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{}
	params.AddExpand("customer")
	params.AddExpand("payment_intent")
	params.Context = ctx

	s, err := session.Get(sessionID, params)
	if err != nil {
		return CheckoutSession{}, fmt.Errorf("stripe: get checkout session %s: %w", sessionID, err)
	}
	return toCheckoutSession(s), nil
}

// VerifyWebhook validates the Stripe-Signature header and returns the parsed
// event. Returns an error if the signature is invalid or the tolerance window
// has expired. Events signed under a different API version than the SDK's
// pinned one are accepted; handlers only read a few stable fields.
func (c *stripeClient) VerifyWebhook(payload []byte, sigHeader string, secret string) (Event, error) {
	stripeEvent, err := webhook.ConstructEventWithOptions(payload, sigHeader, secret,
		webhook.ConstructEventOptions{
			Tolerance:                webhook.DefaultTolerance,
			IgnoreAPIVersionMismatch: true,
		})
	if err != nil {
		return Event{}, fmt.Errorf("stripe: webhook verification failed: %w", err)
	}

	ev := Event{
		ID:   stripeEvent.ID,
		Type: string(stripeEvent.Type),
	}
	if stripeEvent.Data != nil {
		ev.DataRaw = stripeEvent.Data.Raw
	}
	return ev, nil
}

// ─── MAPPERS ─────────────────────────────────────────────────────────────────

func toCustomer(c *stripe.Customer) Customer {
	if c == nil {
		return Customer{}
	}
	return Customer{ID: c.ID, Email: c.Email, Name: c.Name}
}

func toCheckoutSession(s *stripe.CheckoutSession) CheckoutSession {
	cs := CheckoutSession{
		ID:            s.ID,
		URL:           s.URL,
		PaymentStatus: string(s.PaymentStatus),
		AmountTotal:   s.AmountTotal,
		Currency:      string(s.Currency),
		Metadata:      s.Metadata,
	}
	if s.Customer != nil {
		cs.CustomerID = s.Customer.ID
		cs.CustomerEmail = s.Customer.Email
	}
	if cs.CustomerEmail == "" && s.CustomerDetails != nil {
		cs.CustomerEmail = s.CustomerDetails.Email
	}
	return cs
}
