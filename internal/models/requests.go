package models

import "strings"

// Identity is the opaque current identity supplied by the session layer
type Identity struct {
	UserID int64  `json:"user_id"`
	Email  string `json:"email"`
	Name   string `json:"name"`
}

// IsAuthenticated returns true if the identity belongs to a signed-in user
func (i *Identity) IsAuthenticated() bool {
	return i != nil && i.UserID > 0
}

// GuestIdentity is the contact tuple a guest checks out with
type GuestIdentity struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
}

// Normalize trims the guest contact fields
func (g *GuestIdentity) Normalize() {
	g.Email = strings.TrimSpace(g.Email)
	g.Name = strings.TrimSpace(g.Name)
	g.Phone = strings.TrimSpace(g.Phone)
}

// Validate validates the guest contact details
func (g *GuestIdentity) Validate() error {
	return ValidateContact(g.Email, g.Name)
}

// PaymentDetails carries method-specific checkout input
type PaymentDetails struct {
	Phone         string `json:"phone,omitempty"`
	Email         string `json:"email,omitempty"`
	Name          string `json:"name,omitempty"`
	SavedMethodID int64  `json:"saved_method_id,omitempty"`
}

// CheckoutRequest is the input to order creation
type CheckoutRequest struct {
	EventID        int64          `json:"event_id"`
	Selections     CartSelection  `json:"selections"`
	PaymentMethod  PaymentMethod  `json:"payment_method"`
	PaymentDetails PaymentDetails `json:"payment_details"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	CartOwner      string         `json:"-"`
}

// CheckoutResult is returned after an order and its payment were created
type CheckoutResult struct {
	OrderID      int64         `json:"order_id"`
	OrderNumber  string        `json:"order_number"`
	Status       OrderStatus   `json:"status"`
	Subtotal     int64         `json:"subtotal"`
	BuyerFees    int64         `json:"buyer_fees"`
	TotalAmount  int64         `json:"total_amount"`
	Currency     string        `json:"currency"`
	PaymentURL   string        `json:"payment_url,omitempty"`
	PaymentToken string        `json:"payment_token"`
	PaymentID    string        `json:"payment_id"`
	Method       PaymentMethod `json:"payment_method"`
	SimpleMode   bool          `json:"simple_mode,omitempty"`
	Duplicate    bool          `json:"duplicate"`
	FeeFallback  bool          `json:"fee_fallback,omitempty"`
}

// VerifyRequest is the input to payment verification
type VerifyRequest struct {
	Token                string          `json:"token"`
	OrderID              *int64          `json:"order_id,omitempty"`
	SaveMethodPreference bool            `json:"save_method,omitempty"`
	PaymentDetails       *PaymentDetails `json:"payment_details,omitempty"`
	UserID               int64           `json:"-"`
}

// VerifyResult is the outcome of payment verification
type VerifyResult struct {
	Success          bool        `json:"success"`
	Status           OrderStatus `json:"status"`
	PaymentID        string      `json:"payment_id"`
	OrderID          int64       `json:"order_id"`
	OrderNumber      string      `json:"order_number"`
	Message          string      `json:"message"`
	ClearCartEventID int64       `json:"clear_cart_event_id,omitempty"`
	AlreadyProcessed bool        `json:"already_processed,omitempty"`
	Optimistic       bool        `json:"optimistic,omitempty"`
}
