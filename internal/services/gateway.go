package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"ticketing-checkout/internal/idempotency"
	"ticketing-checkout/internal/models"
)

// GatewayRouter dispatches payment requests to the gateway for their method
// and makes creation idempotent per key
type GatewayRouter struct {
	gateways           map[models.PaymentMethod]PaymentGateway
	ledger             IdempotencyLedger
	settlementCurrency string
}

// NewGatewayRouter creates a new gateway router
func NewGatewayRouter(ledger IdempotencyLedger, settlementCurrency string) *GatewayRouter {
	return &GatewayRouter{
		gateways:           make(map[models.PaymentMethod]PaymentGateway),
		ledger:             ledger,
		settlementCurrency: settlementCurrency,
	}
}

// Register sets the gateway used for a payment method
func (r *GatewayRouter) Register(method models.PaymentMethod, gateway PaymentGateway) {
	r.gateways[method] = gateway
}

// Gateway returns the gateway registered for method
func (r *GatewayRouter) Gateway(method models.PaymentMethod) (PaymentGateway, error) {
	gateway, ok := r.gateways[method]
	if !ok {
		return nil, &models.ConfigurationError{Key: "CHECKOUT_ALLOWED_METHODS", Message: fmt.Sprintf("no gateway configured for %s", method)}
	}
	return gateway, nil
}

// CreatePayment creates a provider payment. A repeated request under a key
// that already succeeded returns the stored result with Duplicate set and
// does not reach the provider.
func (r *GatewayRouter) CreatePayment(ctx context.Context, req *models.PaymentRequest) (*models.PaymentResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	gateway, err := r.Gateway(req.Method)
	if err != nil {
		return nil, err
	}

	preq, err := models.NewProviderRequest(req, r.settlementCurrency)
	if err != nil {
		return nil, err
	}

	logger := logrus.WithFields(logrus.Fields{
		"order_id":        req.OrderID,
		"idempotency_key": req.IdempotencyKey,
		"provider":        gateway.Name(),
	})

	if r.ledger != nil {
		existing, err := r.ledger.Reserve(req.IdempotencyKey, idempotency.Fingerprint(req))
		switch {
		case errors.Is(err, models.ErrIdempotencyConflict):
			return nil, &models.ValidationError{Field: "idempotency_key", Message: err.Error(), Err: err}
		case err != nil:
			return nil, err
		case existing != nil:
			logger.Info("Returning stored result for repeated payment request")
			duplicate := *existing
			duplicate.Duplicate = true
			return &duplicate, nil
		}
	}

	result, err := gateway.Create(ctx, preq)
	if err != nil {
		if r.ledger != nil {
			if releaseErr := r.ledger.Release(req.IdempotencyKey); releaseErr != nil {
				logger.WithError(releaseErr).Error("Failed to release idempotency key")
			}
		}
		logger.WithError(err).Warn("Payment creation failed")
		return nil, err
	}

	if r.ledger != nil {
		if err := r.ledger.Complete(req.IdempotencyKey, result); err != nil {
			logger.WithError(err).Error("Failed to record payment result")
		}
	}

	return result, nil
}

// VerifyPayment asks the gateway for method about a payment
func (r *GatewayRouter) VerifyPayment(ctx context.Context, method models.PaymentMethod, ref models.VerificationRef) (*models.ProviderVerification, error) {
	gateway, err := r.Gateway(method)
	if err != nil {
		return nil, err
	}
	return gateway.Verify(ctx, ref)
}
