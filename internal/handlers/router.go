package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"ticketing-checkout/internal/middleware"
)

// RouterConfig holds everything the HTTP surface is built from
type RouterConfig struct {
	Checkout *CheckoutHandler
	Payments *PaymentHandler
	Cart     *CartHandler
	Health   *HealthHandler

	Identity    *middleware.IdentityMiddleware
	RateLimiter *middleware.RateLimiter
	CORS        middleware.CORSConfig
}

// NewRouter wires the handlers onto a chi router
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestIDMiddleware)
	r.Use(middleware.LoggingMiddleware)
	r.Use(middleware.RecoveryMiddleware)
	r.Use(middleware.CORSMiddleware(cfg.CORS))
	if cfg.Identity != nil {
		r.Use(cfg.Identity.LoadIdentity)
	}

	r.NotFound(middleware.NotFoundHandler().ServeHTTP)
	r.MethodNotAllowed(middleware.MethodNotAllowedHandler().ServeHTTP)

	r.Get("/health", cfg.Health.Health)

	r.Route("/api", func(r chi.Router) {
		r.Post("/events/{eventID}/fees", cfg.Checkout.QuoteFees)
		r.Post("/events/{eventID}/validate", cfg.Checkout.ValidateSelections)

		r.Group(func(r chi.Router) {
			if cfg.RateLimiter != nil {
				r.Use(middleware.RateLimit(cfg.RateLimiter))
			}
			r.With(middleware.RequireIdentity).Post("/orders", cfg.Checkout.CreateOrder)
			r.Post("/orders/guest", cfg.Checkout.CreateGuestOrder)
			r.Post("/payments/verify", cfg.Payments.VerifyPayment)
		})

		r.Get("/payments/callback", cfg.Payments.PaymentCallback)
		r.Get("/payments/ipn", cfg.Payments.PaymentIPN)
		r.Post("/payments/ipn", cfg.Payments.PaymentIPN)
		r.Post("/payments/webhook/card", cfg.Payments.CardWebhook)

		r.Route("/cart/{eventID}", func(r chi.Router) {
			r.Get("/", cfg.Cart.GetCart)
			r.Put("/", cfg.Cart.ReplaceCart)
			r.Delete("/", cfg.Cart.ClearCart)
			r.Put("/items/{ticketTypeID}", cfg.Cart.UpdateItem)
		})
	})

	return r
}
