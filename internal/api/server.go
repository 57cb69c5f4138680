// Package api implements the HTTP layer of the checkout backend.
// Handlers are methods on *Server. Each handler file is responsible for one
// resource group and only imports the dependencies it actually uses.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nyashahama/course-checkout-backend/internal/cache"
	"github.com/nyashahama/course-checkout-backend/internal/catalog"
	"github.com/nyashahama/course-checkout-backend/internal/checkout"
)

// Config holds values read from environment variables at startup.
type Config struct {
	// BaseURL is the storefront origin used for default redirect URLs and
	// the production CORS origin. Empty falls back to the request origin.
	BaseURL string

	// PublishableKey is exposed to the browser by GET /api/product.
	PublishableKey string

	// Env is "production", "staging", or "development".
	Env string
}

// ─── DEPENDENCIES ─────────────────────────────────────────────────────────────

// Checkout is the session creator and reader. *checkout.Service is the
// production implementation.
type Checkout interface {
	CreateSession(ctx context.Context, p checkout.CreateSessionParams) (checkout.CreatedSession, error)
	GetSession(ctx context.Context, sessionID string) (checkout.Summary, error)
	Product() catalog.Product
}

// WebhookHandler verifies and dispatches a processor webhook delivery.
// *reconcile.Reconciler is the production implementation.
type WebhookHandler interface {
	Handle(ctx context.Context, payload []byte, signature string) error
}

// RateLimiter limits create-session calls per client. *cache.RateLimiter is
// the production implementation.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (cache.Decision, error)
}

// Server holds all shared dependencies. Each handler file attaches methods to
// this type and uses only the fields it needs.
type Server struct {
	checkout Checkout
	webhooks WebhookHandler

	// limiter is nil when Redis is not configured.
	limiter RateLimiter

	cfg    Config
	logger *slog.Logger
}

// NewServer constructs the Server and wires the chi router. The returned
// http.Handler is ready to pass to http.Server. limiter may be nil.
func NewServer(
	checkoutSvc Checkout,
	webhooks WebhookHandler,
	limiter RateLimiter,
	cfg Config,
	logger *slog.Logger,
) http.Handler {
	s := &Server{
		checkout: checkoutSvc,
		webhooks: webhooks,
		limiter:  limiter,
		cfg:      cfg,
		logger:   logger,
	}

	return s.routes()
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	// ── Global middleware ─────────────────────────────────────────────────────
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggerMiddleware)
	r.Use(metricsMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware)
	r.Use(middleware.Timeout(30 * time.Second))

	// ── Health and metrics ────────────────────────────────────────────────────
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		respond(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	// ── API ───────────────────────────────────────────────────────────────────
	r.Route("/api", func(r chi.Router) {
		r.Get("/product", s.handleGetProduct)

		r.With(s.rateLimitMiddleware).Post("/create-checkout-session", s.handleCreateCheckoutSession)

		r.Get("/checkout-session", s.handleGetCheckoutSession)

		// Webhook: no auth, the signature is verified inside the handler.
		r.Post("/webhook", s.handleWebhook)
	})

	return r
}
