package models

import (
	"errors"
	"fmt"
)

// Common errors used throughout the application
var (
	ErrOrderNotFound           = errors.New("order not found")
	ErrTicketTypeNotFound      = errors.New("ticket type not found")
	ErrPaymentNotFound         = errors.New("payment not found")
	ErrUnauthorized            = errors.New("unauthorized access")
	ErrDuplicateEntry          = errors.New("duplicate entry")
	ErrInvalidStatusTransition = errors.New("invalid order status transition")
	ErrIdempotencyConflict     = errors.New("idempotency key was already used with a different request")
	ErrIdempotencyInFlight     = errors.New("a payment with this idempotency key is already in progress")
	ErrCartNotFound            = errors.New("cart not found")
)

// ValidationError reports bad input shape or range. It is always raised
// before anything is persisted.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError creates a validation error for a field
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// Inventory rejection reasons
const (
	InventoryUnknownType  = "unknown_ticket_type"
	InventoryWrongEvent   = "wrong_event"
	InventorySalesPaused  = "sales_paused"
	InventoryInsufficient = "insufficient_availability"
	InventoryOverOrderMax = "exceeds_max_per_order"
	InventoryInvalidPrice = "invalid_price"
)

// InventoryError reports an availability, pause or limit violation for a
// single ticket type.
type InventoryError struct {
	TicketTypeID   int64
	TicketTypeName string
	Reason         string
	Requested      int
	Available      int
	Limit          int
}

func (e *InventoryError) Error() string {
	name := e.TicketTypeName
	if name == "" {
		name = fmt.Sprintf("#%d", e.TicketTypeID)
	}

	switch e.Reason {
	case InventoryUnknownType:
		return fmt.Sprintf("ticket type %s does not exist", name)
	case InventoryWrongEvent:
		return fmt.Sprintf("ticket type %s does not belong to this event", name)
	case InventorySalesPaused:
		return fmt.Sprintf("sales for ticket type %s are paused", name)
	case InventoryInsufficient:
		return fmt.Sprintf("only %d tickets of type %s are available, %d requested", e.Available, name, e.Requested)
	case InventoryOverOrderMax:
		return fmt.Sprintf("at most %d tickets of type %s can be bought per order, %d requested", e.Limit, name, e.Requested)
	case InventoryInvalidPrice:
		return fmt.Sprintf("ticket type %s has an invalid price", name)
	default:
		return fmt.Sprintf("ticket type %s is unavailable", name)
	}
}

// PaymentProviderError wraps a network failure or a rejection returned by a
// payment provider. Message carries the provider's own error text.
type PaymentProviderError struct {
	Provider   string
	StatusCode int
	Message    string
	Temporary  bool
	Err        error
}

func (e *PaymentProviderError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s error (status %d): %s", e.Provider, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s error: %s", e.Provider, msg)
}

func (e *PaymentProviderError) Unwrap() error {
	return e.Err
}

// ReconciliationError reports an inconsistency found while verifying a payment
type ReconciliationError struct {
	OrderID int64
	Reason  string
	Err     error
}

func (e *ReconciliationError) Error() string {
	if e.OrderID > 0 {
		return fmt.Sprintf("reconciliation failed for order %d: %s", e.OrderID, e.Reason)
	}
	return fmt.Sprintf("reconciliation failed: %s", e.Reason)
}

func (e *ReconciliationError) Unwrap() error {
	return e.Err
}

// ConfigurationError reports missing credentials or environment settings
type ConfigurationError struct {
	Key     string
	Message string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s %s", e.Key, e.Message)
}

// IsTemporary reports whether err is a provider error worth retrying
func IsTemporary(err error) bool {
	var providerErr *PaymentProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Temporary
	}
	return false
}
