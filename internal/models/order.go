package models

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"
)

// OrderStatus represents the status of an order
type OrderStatus string

const (
	OrderPending         OrderStatus = "pending"
	OrderAwaitingPayment OrderStatus = "awaiting_payment"
	OrderCompleted       OrderStatus = "completed"
	OrderCancelled       OrderStatus = "cancelled"
)

// validTransitions lists the allowed order status transitions.
// Completed and cancelled are terminal.
var validTransitions = map[OrderStatus][]OrderStatus{
	OrderPending:         {OrderAwaitingPayment, OrderCancelled},
	OrderAwaitingPayment: {OrderCompleted, OrderCancelled},
}

// Order represents a single checkout attempt
type Order struct {
	ID               int64               `json:"id" db:"id"`
	OrderNumber      string              `json:"order_number" db:"order_number"`
	UserID           *int64              `json:"user_id,omitempty" db:"user_id"`
	BillingEmail     string              `json:"billing_email" db:"billing_email"`
	BillingName      string              `json:"billing_name" db:"billing_name"`
	BillingPhone     string              `json:"billing_phone,omitempty" db:"billing_phone"`
	EventID          int64               `json:"event_id" db:"event_id"`
	Status           OrderStatus         `json:"status" db:"status"`
	Subtotal         int64               `json:"subtotal" db:"subtotal"`
	BuyerFees        int64               `json:"buyer_fees" db:"buyer_fees"`
	OrganizerFees    int64               `json:"organizer_fees" db:"organizer_fees"`
	TotalAmount      int64               `json:"total_amount" db:"total_amount"` // Amount in minor units
	Currency         string              `json:"currency" db:"currency"`
	FeeSource        FeeSource           `json:"fee_source" db:"fee_source"`
	PaymentMethod    PaymentMethod       `json:"payment_method" db:"payment_method"`
	PaymentID        string              `json:"payment_id,omitempty" db:"payment_id"`
	PaymentToken     string              `json:"-" db:"payment_token"`
	IdempotencyKey   string              `json:"-" db:"idempotency_key"`
	ProviderAmount   int64               `json:"provider_amount,omitempty" db:"provider_amount"`
	ProviderCurrency string              `json:"provider_currency,omitempty" db:"provider_currency"`
	TicketQuantities map[int64]int       `json:"ticket_quantities" db:"ticket_quantities"`
	Lines            []ValidatedLineItem `json:"lines,omitempty" db:"-"`
	CreatedAt        time.Time           `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at" db:"updated_at"`
	CompletedAt      *time.Time          `json:"completed_at,omitempty" db:"completed_at"`
}

// PaymentLink is what a successful payment creation records on an order
type PaymentLink struct {
	PaymentID        string
	PaymentToken     string
	ProviderAmount   int64
	ProviderCurrency string
}

var (
	// Order number format: ORD-YYYYMMDD-XXXXXX (e.g., ORD-20240101-123456)
	orderNumberRegex = regexp.MustCompile(`^ORD-\d{8}-\d{6}$`)
	// Email validation regex for orders
	orderEmailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
)

// Validate validates the order data before it is persisted
func (o *Order) Validate() error {
	if !orderNumberRegex.MatchString(o.OrderNumber) {
		return errors.New("order number format is invalid")
	}

	if o.EventID <= 0 {
		return errors.New("event is required")
	}

	if o.TotalAmount <= 0 {
		return errors.New("total amount must be positive")
	}

	if o.TotalAmount != o.Subtotal+o.BuyerFees {
		return errors.New("total amount does not match subtotal plus buyer fees")
	}

	if err := validateOrderStatus(o.Status); err != nil {
		return err
	}

	if !o.PaymentMethod.IsValid() {
		return errors.New("invalid payment method")
	}

	if len(o.TicketQuantities) == 0 {
		return errors.New("order has no tickets")
	}

	if err := ValidateContact(o.BillingEmail, o.BillingName); err != nil {
		return err
	}

	return nil
}

// validateOrderStatus validates an order status
func validateOrderStatus(status OrderStatus) error {
	switch status {
	case OrderPending, OrderAwaitingPayment, OrderCompleted, OrderCancelled:
		return nil
	default:
		return errors.New("invalid order status")
	}
}

// ValidateContact validates billing contact details
func ValidateContact(email, name string) error {
	if strings.TrimSpace(email) == "" {
		return NewValidationError("email", "email is required")
	}

	if len(email) > 255 {
		return NewValidationError("email", "email must be less than 255 characters")
	}

	if !IsValidEmail(email) {
		return NewValidationError("email", "email format is invalid")
	}

	if strings.TrimSpace(name) == "" {
		return NewValidationError("name", "name is required")
	}

	if len(name) > 255 {
		return NewValidationError("name", "name must be less than 255 characters")
	}

	return nil
}

// IsValidEmail checks an email address against the standard format
func IsValidEmail(email string) bool {
	return orderEmailRegex.MatchString(email)
}

// IsValidOrderNumber reports whether s looks like an internally issued order number
func IsValidOrderNumber(s string) bool {
	return orderNumberRegex.MatchString(s)
}

// GenerateOrderNumber generates a unique order number
func GenerateOrderNumber() string {
	now := time.Now()
	dateStr := now.Format("20060102")

	max := big.NewInt(1000000)
	randomNum, err := rand.Int(rand.Reader, max)
	if err != nil {
		// Fallback to timestamp-based generation if crypto/rand fails
		timestamp := now.UnixNano()
		randomPart := timestamp % 1000000
		return fmt.Sprintf("ORD-%s-%06d", dateStr, randomPart)
	}

	return fmt.Sprintf("ORD-%s-%06d", dateStr, randomNum.Int64())
}

// CanTransitionTo returns true if the order may move to the target status
func (o *Order) CanTransitionTo(target OrderStatus) bool {
	return IsValidStatusTransition(o.Status, target)
}

// IsValidStatusTransition checks a status transition against the order state machine
func IsValidStatusTransition(from, to OrderStatus) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsGuest returns true if the order was placed without an account
func (o *Order) IsGuest() bool {
	return o.UserID == nil
}

// IsPending returns true if the order is pending
func (o *Order) IsPending() bool {
	return o.Status == OrderPending
}

// IsAwaitingPayment returns true if a provider payment exists for the order
func (o *Order) IsAwaitingPayment() bool {
	return o.Status == OrderAwaitingPayment
}

// IsCompleted returns true if the order is completed
func (o *Order) IsCompleted() bool {
	return o.Status == OrderCompleted
}

// IsCancelled returns true if the order is cancelled
func (o *Order) IsCancelled() bool {
	return o.Status == OrderCancelled
}

// IsTerminal returns true if the order can no longer change status
func (o *Order) IsTerminal() bool {
	return o.Status == OrderCompleted || o.Status == OrderCancelled
}

// TotalAmountInCurrency returns the total amount in major units
func (o *Order) TotalAmountInCurrency() float64 {
	return ToMajor(o.TotalAmount, o.Currency)
}

// IsExpired returns true if a non-terminal order is older than the given duration
func (o *Order) IsExpired(expirationDuration time.Duration) bool {
	if o.IsTerminal() {
		return false
	}

	return time.Since(o.CreatedAt) > expirationDuration
}

// GetStatusDisplayName returns a human-readable status name
func (o *Order) GetStatusDisplayName() string {
	switch o.Status {
	case OrderPending:
		return "Pending"
	case OrderAwaitingPayment:
		return "Awaiting Payment"
	case OrderCompleted:
		return "Completed"
	case OrderCancelled:
		return "Cancelled"
	default:
		return string(o.Status)
	}
}
