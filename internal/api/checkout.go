package api

import (
	"errors"
	"net/http"

	"github.com/nyashahama/course-checkout-backend/internal/catalog"
	"github.com/nyashahama/course-checkout-backend/internal/checkout"
)

// ─── GET /api/product ─────────────────────────────────────────────────────────

type productResponse struct {
	Name               string                    `json:"name"`
	Description        string                    `json:"description"`
	Price              int64                     `json:"price"`
	PixPrice           int64                     `json:"pixPrice"`
	Currency           string                    `json:"currency"`
	Images             []string                  `json:"images"`
	PublishableKey     string                    `json:"publishableKey"`
	InstallmentOptions []catalog.InstallmentPlan `json:"installmentOptions"`
}

// handleGetProduct returns everything the checkout page needs to render the
// offer and initialise Stripe.js.
func (s *Server) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	p := s.checkout.Product()
	respond(w, http.StatusOK, productResponse{
		Name:               p.Name,
		Description:        p.Description,
		Price:              p.Price,
		PixPrice:           p.PixPrice,
		Currency:           p.Currency,
		Images:             p.Images,
		PublishableKey:     s.cfg.PublishableKey,
		InstallmentOptions: p.InstallmentPlans(),
	})
}

// ─── POST /api/create-checkout-session ───────────────────────────────────────

type customerData struct {
	Email    string `json:"email"`
	FullName string `json:"fullName"`
	CPF      string `json:"cpf"`
	Phone    string `json:"phone"`
}

type createCheckoutSessionRequest struct {
	PaymentMethod string       `json:"paymentMethod"`
	Installments  int          `json:"installments"`
	CustomerData  customerData `json:"customerData"`
	SuccessURL    string       `json:"successUrl"`
	CancelURL     string       `json:"cancelUrl"`
}

type createCheckoutSessionResponse struct {
	SessionID     string `json:"sessionId"`
	URL           string `json:"url"`
	PaymentMethod string `json:"paymentMethod"`
	Amount        int64  `json:"amount"`
	Installments  int    `json:"installments"`
}

// handleCreateCheckoutSession creates a hosted checkout session for the
// product. The browser redirects to the returned url.
//
// Each call creates a new session; the client must not retry on 5xx without
// the user resubmitting.
func (s *Server) handleCreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	var req createCheckoutSessionRequest
	if !decode(w, r, &req) {
		return
	}

	origin := s.origin(r)
	if req.SuccessURL == "" {
		req.SuccessURL = origin + "/success?session_id={CHECKOUT_SESSION_ID}"
	}
	if req.CancelURL == "" {
		req.CancelURL = origin + "/checkout"
	}

	created, err := s.checkout.CreateSession(r.Context(), checkout.CreateSessionParams{
		PaymentMethod: req.PaymentMethod,
		Installments:  req.Installments,
		Customer: checkout.Customer{
			Email:    req.CustomerData.Email,
			FullName: req.CustomerData.FullName,
			CPF:      req.CustomerData.CPF,
			Phone:    req.CustomerData.Phone,
		},
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
	})
	if err != nil {
		s.respondCheckoutErr(w, r, "failed to create checkout session", err)
		return
	}

	s.logger.Info("checkout session created",
		"session_id", created.SessionID,
		"payment_method", created.PaymentMethod,
		"installments", created.Installments,
		logField(r),
	)

	respond(w, http.StatusOK, createCheckoutSessionResponse{
		SessionID:     created.SessionID,
		URL:           created.URL,
		PaymentMethod: string(created.PaymentMethod),
		Amount:        created.UnitAmount,
		Installments:  created.Installments,
	})
}

// ─── GET /api/checkout-session ───────────────────────────────────────────────

type checkoutSessionResponse struct {
	Session checkout.Summary `json:"session"`
}

// handleGetCheckoutSession is polled by the success page to display the
// payment outcome. It never mutates the session.
func (s *Server) handleGetCheckoutSession(w http.ResponseWriter, r *http.Request) {
	summary, err := s.checkout.GetSession(r.Context(), r.URL.Query().Get("session_id"))
	if err != nil {
		s.respondCheckoutErr(w, r, "failed to retrieve checkout session", err)
		return
	}
	respond(w, http.StatusOK, checkoutSessionResponse{Session: summary})
}

// ─── HELPERS ─────────────────────────────────────────────────────────────────

// respondCheckoutErr maps the checkout error taxonomy onto HTTP status codes.
func (s *Server) respondCheckoutErr(w http.ResponseWriter, r *http.Request, message string, err error) {
	var validation *checkout.ValidationError
	var upstream *checkout.UpstreamError

	switch {
	case errors.As(err, &validation):
		respondErr(w, http.StatusBadRequest, "invalid "+validation.Field+": "+validation.Message)
	case errors.Is(err, checkout.ErrMissingSessionID):
		respondErr(w, http.StatusBadRequest, "session_id is required")
	case errors.As(err, &upstream):
		s.respondUpstreamErr(w, r, message, err, upstream.ProviderMessage())
	default:
		s.respondInternalErr(w, r, err)
	}
}

// origin is the storefront origin used for default redirect URLs: BaseURL
// when configured, otherwise the origin the request arrived on.
func (s *Server) origin(r *http.Request) string {
	if s.cfg.BaseURL != "" {
		return s.cfg.BaseURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host
}
