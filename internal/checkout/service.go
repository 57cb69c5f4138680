// Package checkout creates hosted payment sessions and projects existing
// sessions into the summary shown on the confirmation page. Pricing comes
// from the catalog; everything else is delegated to the processor.
package checkout

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nyashahama/course-checkout-backend/internal/catalog"
	"github.com/nyashahama/course-checkout-backend/internal/metrics"
	stripeinternal "github.com/nyashahama/course-checkout-backend/internal/stripe"
)

const (
	// SessionTTL is how long a created checkout session stays payable.
	SessionTTL = 30 * time.Minute

	// PixSettlementWindow is how long a pix QR code stays valid.
	PixSettlementWindow = 24 * time.Hour

	locale = "pt-BR"
)

var (
	shippingCountries = []string{"BR"}
)

// ─── TYPES ────────────────────────────────────────────────────────────────────

// Customer is the buyer data collected by the checkout form.
type Customer struct {
	Email    string `validate:"required,email"`
	FullName string `validate:"required"`
	CPF      string `validate:"omitempty,cpf"` // 000.000.000-00
	Phone    string
}

// CreateSessionParams is one checkout submission. It is consumed once.
type CreateSessionParams struct {
	PaymentMethod string
	Installments  int
	Customer      Customer
	SuccessURL    string
	CancelURL     string
}

// CreatedSession is returned to the browser, which redirects to URL.
type CreatedSession struct {
	SessionID     string
	URL           string
	PaymentMethod catalog.PaymentMethod
	UnitAmount    int64
	Installments  int
}

// Summary is the read-only projection of a processor session.
type Summary struct {
	ID            string  `json:"id"`
	PaymentStatus string  `json:"paymentStatus"`
	CustomerEmail *string `json:"customerEmail"`
	AmountTotal   int64   `json:"amountTotal"`
	Currency      string  `json:"currency"`
	PaymentMethod string  `json:"paymentMethod"`
	Installments  string  `json:"installments"`
}

// Terminal reports whether the payment status can no longer change.
func (s Summary) Terminal() bool {
	return s.PaymentStatus == "paid" || s.PaymentStatus == "no_payment_required"
}

// SummaryCache stores terminal summaries. Implementations must be safe for
// concurrent use.
type SummaryCache interface {
	Get(ctx context.Context, sessionID string) (s Summary, found bool, err error)
	Set(ctx context.Context, s Summary) error
}

// ─── SERVICE ─────────────────────────────────────────────────────────────────

// Service holds the processor client and product configuration. It has no
// mutable state and is safe for concurrent use.
type Service struct {
	stripe  stripeinternal.Client
	product catalog.Product
	cache   SummaryCache // nil disables caching
	logger  *slog.Logger
	now     func() time.Time
}

// NewService constructs a Service. cache may be nil.
func NewService(client stripeinternal.Client, product catalog.Product, cache SummaryCache, logger *slog.Logger) *Service {
	return &Service{
		stripe:  client,
		product: product,
		cache:   cache,
		logger:  logger,
		now:     time.Now,
	}
}

// Product returns the configured product.
func (s *Service) Product() catalog.Product {
	return s.product
}

// CreateSession validates the submission, resolves or creates the processor
// customer, and requests a time-boxed checkout session.
//
// Calling it twice with the same input creates two sessions. Customer lookup
// by email keeps the second call from creating a duplicate customer.
func (s *Service) CreateSession(ctx context.Context, p CreateSessionParams) (CreatedSession, error) {
	method, installments, err := s.validate(&p)
	if err != nil {
		return CreatedSession{}, err
	}

	cust, err := s.resolveCustomer(ctx, p.Customer)
	if err != nil {
		return CreatedSession{}, err
	}

	unitAmount := s.product.UnitAmount(method, installments)

	params := stripeinternal.CreateCheckoutSessionParams{
		CustomerID:         cust.ID,
		PaymentMethodTypes: []string{string(method)},
		LineItem: stripeinternal.LineItem{
			Name:        s.product.Name,
			Description: s.product.Description,
			Images:      s.product.Images,
			Currency:    s.product.Currency,
			UnitAmount:  unitAmount,
			Quantity:    1,
		},
		SuccessURL:        p.SuccessURL,
		CancelURL:         p.CancelURL,
		ExpiresAt:         s.now().Add(SessionTTL),
		Locale:            locale,
		ShippingCountries: shippingCountries,
		Metadata: map[string]string{
			"paymentMethod": string(method),
			"installments":  strconv.Itoa(installments),
		},
	}
	if p.Customer.CPF != "" {
		params.Metadata["customerCpf"] = p.Customer.CPF
	}

	switch method {
	case catalog.PaymentMethodPix:
		params.PixExpiresAfter = PixSettlementWindow
	case catalog.PaymentMethodCard:
		if installments > 1 {
			params.PaymentIntentMetadata = map[string]string{
				"installments": strconv.Itoa(installments),
			}
		}
	}

	cs, err := s.stripe.CreateCheckoutSession(ctx, params)
	if err != nil {
		return CreatedSession{}, s.upstream("create checkout session", err)
	}

	metrics.SessionsCreated.WithLabelValues(string(method)).Inc()
	s.logger.Info("checkout: session created",
		"session_id", cs.ID,
		"customer_id", cust.ID,
		"payment_method", method,
		"installments", installments,
		"unit_amount", unitAmount,
	)

	return CreatedSession{
		SessionID:     cs.ID,
		URL:           cs.URL,
		PaymentMethod: method,
		UnitAmount:    unitAmount,
		Installments:  installments,
	}, nil
}

// validate normalises p in place and returns the parsed method and
// installment count.
func (s *Service) validate(p *CreateSessionParams) (catalog.PaymentMethod, int, error) {
	c := &p.Customer
	c.Email = strings.TrimSpace(c.Email)
	c.FullName = strings.TrimSpace(c.FullName)
	c.CPF = strings.TrimSpace(c.CPF)
	c.Phone = strings.TrimSpace(c.Phone)

	if err := validateCustomer(*c); err != nil {
		return "", 0, err
	}

	method, err := catalog.ParsePaymentMethod(p.PaymentMethod)
	if err != nil {
		return "", 0, &ValidationError{Field: "paymentMethod", Message: "must be card or pix"}
	}

	installments := p.Installments
	if installments == 0 || method == catalog.PaymentMethodPix {
		installments = 1
	}
	if !catalog.ValidInstallments(installments) {
		return "", 0, &ValidationError{
			Field:   "installments",
			Message: "must be one of 1, 2, 3, 6, 12",
		}
	}
	return method, installments, nil
}

// resolveCustomer reuses the customer with the same email, or creates one.
func (s *Service) resolveCustomer(ctx context.Context, c Customer) (stripeinternal.Customer, error) {
	existing, found, err := s.stripe.FindCustomerByEmail(ctx, c.Email)
	if err != nil {
		return stripeinternal.Customer{}, s.upstream("find customer", err)
	}
	if found {
		return existing, nil
	}

	params := stripeinternal.CreateCustomerParams{
		Email: c.Email,
		Name:  c.FullName,
		Phone: c.Phone,
	}
	if c.CPF != "" {
		params.Metadata = map[string]string{"cpf": c.CPF}
	}
	created, err := s.stripe.CreateCustomer(ctx, params)
	if err != nil {
		return stripeinternal.Customer{}, s.upstream("create customer", err)
	}
	return created, nil
}

// GetSession fetches a session and projects it into a Summary. Payment method
// and installments come from the metadata written by CreateSession.
func (s *Service) GetSession(ctx context.Context, sessionID string) (Summary, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return Summary{}, ErrMissingSessionID
	}

	if s.cache != nil {
		cached, found, err := s.cache.Get(ctx, sessionID)
		if err != nil {
			s.logger.Warn("checkout: summary cache read failed", "session_id", sessionID, "error", err)
		} else if found {
			return cached, nil
		}
	}

	cs, err := s.stripe.GetCheckoutSession(ctx, sessionID)
	if err != nil {
		return Summary{}, s.upstream("get checkout session", err)
	}

	summary := Summary{
		ID:            cs.ID,
		PaymentStatus: cs.PaymentStatus,
		AmountTotal:   cs.AmountTotal,
		Currency:      cs.Currency,
		PaymentMethod: cs.Metadata["paymentMethod"],
		Installments:  cs.Metadata["installments"],
	}
	if cs.CustomerEmail != "" {
		email := cs.CustomerEmail
		summary.CustomerEmail = &email
	}

	if s.cache != nil && summary.Terminal() {
		if err := s.cache.Set(ctx, summary); err != nil {
			s.logger.Warn("checkout: summary cache write failed", "session_id", sessionID, "error", err)
		}
	}

	return summary, nil
}

func (s *Service) upstream(op string, err error) error {
	metrics.UpstreamErrors.WithLabelValues(op).Inc()
	return &UpstreamError{Op: op, Err: err}
}
