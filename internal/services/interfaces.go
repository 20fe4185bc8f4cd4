package services

import (
	"context"

	"ticketing-checkout/internal/models"
	"ticketing-checkout/internal/repositories"
)

// FeeCalculator prices ticket selections
type FeeCalculator interface {
	CalculateFees(ctx context.Context, eventID int64, selections []models.Selection) (*models.FeeResult, error)
}

// SelectionValidator checks selections against ticket inventory
type SelectionValidator interface {
	ValidateSelections(ctx context.Context, eventID int64, selections models.CartSelection) ([]models.ValidatedLineItem, error)
}

// PaymentGateway creates and verifies payments with a single provider
type PaymentGateway interface {
	Name() string
	Create(ctx context.Context, req models.ProviderRequest) (*models.PaymentResult, error)
	Verify(ctx context.Context, ref models.VerificationRef) (*models.ProviderVerification, error)
}

// PaymentCreator creates a provider payment for an order
type PaymentCreator interface {
	CreatePayment(ctx context.Context, req *models.PaymentRequest) (*models.PaymentResult, error)
}

// PaymentVerifier asks the provider behind a method for a payment's state
type PaymentVerifier interface {
	VerifyPayment(ctx context.Context, method models.PaymentMethod, ref models.VerificationRef) (*models.ProviderVerification, error)
}

// IdempotencyLedger records payment creation per idempotency key. Reserve
// returns the stored result when the key already completed with the same
// fingerprint, or nil when the caller now owns the key.
type IdempotencyLedger interface {
	Reserve(key, fingerprint string) (*models.PaymentResult, error)
	Complete(key string, result *models.PaymentResult) error
	Release(key string) error
}

// NotificationPublisher emits order confirmation events
type NotificationPublisher interface {
	PublishOrderConfirmed(ctx context.Context, event models.OrderConfirmedEvent) error
	Close() error
}

// OrderStore is the order storage used by the order creators
type OrderStore interface {
	Create(ctx context.Context, order *models.Order) (*models.Order, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*models.Order, error)
	AttachPayment(ctx context.Context, orderID int64, link *models.PaymentLink) error
	Delete(ctx context.Context, id int64) error
}

// GuestOrderStore persists a guest order and its payment atomically
type GuestOrderStore interface {
	CreateGuestOrderAtomic(ctx context.Context, order *models.Order, pay repositories.PaymentFunc) (*models.Order, error)
}

// OrderReader looks up orders for reconciliation
type OrderReader interface {
	GetByID(ctx context.Context, id int64) (*models.Order, error)
	GetByOrderNumber(ctx context.Context, orderNumber string) (*models.Order, error)
	GetByPaymentReference(ctx context.Context, reference string) (*models.Order, error)
	UpdateStatus(ctx context.Context, orderID int64, from, to models.OrderStatus) error
}

// SettlementStore applies a confirmed payment exactly once
type SettlementStore interface {
	Settle(ctx context.Context, orderID int64, paymentID string, amount int64, currency string) (*models.SettlementOutcome, error)
}

// PaymentMethodStore keeps masked payment methods
type PaymentMethodStore interface {
	Save(ctx context.Context, m *models.SavedPaymentMethod) error
}

// CartClearer clears a server-mirrored cart
type CartClearer interface {
	Clear(ctx context.Context, owner string, eventID int64) error
}
