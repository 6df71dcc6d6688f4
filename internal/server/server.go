package server

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/hallia/billing/internal/email"
	"github.com/hallia/billing/internal/handler"
	"github.com/hallia/billing/internal/middleware"
	"github.com/hallia/billing/internal/store"
	billingstripe "github.com/hallia/billing/internal/stripe"
)

type Server struct {
	db                *sql.DB
	customerStore     *store.CustomerStore
	subscriptionStore *store.SubscriptionStore
	checkoutH         *handler.CheckoutHandler
	subscriptionH     *handler.SubscriptionHandler
	webhookH          *handler.WebhookHandler
	productsH         *handler.ProductsHandler
	stripeClient      *billingstripe.Client
	rateLimiter       *middleware.RateLimiter
	jwtSecret         string
	logger            *slog.Logger
}

type Config struct {
	Stripe      billingstripe.Config
	JWTSecret   string
	EmailClient *email.Client
}

func New(db *sql.DB, cfg Config, logger *slog.Logger) *Server {
	customerStore := store.NewCustomerStore(db)
	subscriptionStore := store.NewSubscriptionStore(db)

	stripeClient := billingstripe.NewClient(cfg.Stripe)

	resolver := handler.NewCustomerResolver(stripeClient, customerStore, logger.With("component", "resolver"))
	checkoutH := handler.NewCheckoutHandler(stripeClient, resolver, customerStore, logger.With("component", "checkout"))
	subscriptionH := handler.NewSubscriptionHandler(stripeClient, customerStore, subscriptionStore, logger.With("component", "subscription"))
	webhookH := handler.NewWebhookHandler(stripeClient, customerStore, subscriptionStore, cfg.EmailClient, logger.With("component", "webhook"))
	productsH := handler.NewProductsHandler(stripeClient, logger.With("component", "products"))

	return &Server{
		db:                db,
		customerStore:     customerStore,
		subscriptionStore: subscriptionStore,
		checkoutH:         checkoutH,
		subscriptionH:     subscriptionH,
		webhookH:          webhookH,
		productsH:         productsH,
		stripeClient:      stripeClient,
		rateLimiter:       middleware.NewRateLimiter(),
		jwtSecret:         cfg.JWTSecret,
		logger:            logger,
	}
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthCheck)

	// Stripe webhook (public, signature-verified, rate-limited by IP)
	webhookLimit := middleware.RateLimit(s.rateLimiter, middleware.RealIP, 120, time.Minute)
	mux.Handle("POST /webhooks/stripe", webhookLimit(http.HandlerFunc(s.webhookH.HandleWebhook)))

	// Authenticated billing routes; everything except the webhook and the
	// health check carries a bearer token.
	authMw := middleware.RequireAuth(s.jwtSecret)
	apiLimit := middleware.RateLimit(s.rateLimiter, middleware.RealIP, 30, time.Minute)
	protected := func(h http.HandlerFunc) http.Handler {
		return apiLimit(authMw(h))
	}

	mux.Handle("GET /api/get-stripe-products", protected(s.productsH.GetProducts))
	mux.Handle("POST /api/create-checkout-session", protected(s.checkoutH.CreateCheckoutSession))
	mux.Handle("POST /api/create-portal-session", protected(s.checkoutH.CreatePortalSession))
	mux.Handle("POST /api/stripe-update-subscription", protected(s.subscriptionH.UpdateSubscription))
	mux.Handle("POST /api/stripe-cancel-subscription", protected(s.subscriptionH.CancelSubscription))

	var root http.Handler = mux
	root = middleware.CORS(root)
	root = middleware.RequestLogger(s.logger)(root)
	return root
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
