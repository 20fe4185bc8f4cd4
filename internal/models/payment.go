package models

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

// PaymentMethod is a buyer-selected way to pay
type PaymentMethod string

const (
	PaymentMobileMoney PaymentMethod = "MOBILE_MONEY"
	PaymentCard        PaymentMethod = "CARD"
)

// IsValid returns true if the method is on the allow-list
func (m PaymentMethod) IsValid() bool {
	switch m {
	case PaymentMobileMoney, PaymentCard:
		return true
	default:
		return false
	}
}

// ParsePaymentMethod normalizes and checks a method name
func ParsePaymentMethod(s string) (PaymentMethod, error) {
	method := PaymentMethod(strings.ToUpper(strings.TrimSpace(s)))
	if !method.IsValid() {
		return "", NewValidationError("payment_method", "unsupported payment method")
	}
	return method, nil
}

var phoneRegex = regexp.MustCompile(`^\+?[0-9]{8,15}$`)

// NormalizePhone trims a phone number and checks its format
func NormalizePhone(phone string) (string, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return "", NewValidationError("phone", "phone number is required for mobile money")
	}
	if !phoneRegex.MatchString(phone) {
		return "", NewValidationError("phone", "phone number format is invalid")
	}
	return phone, nil
}

// PaymentCustomer is the contact sent to a provider
type PaymentCustomer struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
}

// PaymentRequest is a provider-independent request to charge an order
type PaymentRequest struct {
	IdempotencyKey string          `json:"idempotency_key"`
	OrderID        int64           `json:"order_id"`
	OrderNumber    string          `json:"order_number"`
	EventID        int64           `json:"event_id"`
	Lines          []TicketLine    `json:"ticket_lines"`
	Amount         int64           `json:"amount"` // Amount in minor units
	Currency       string          `json:"currency"`
	Method         PaymentMethod   `json:"method"`
	Customer       PaymentCustomer `json:"customer"`
	ProviderToken  string          `json:"provider_token,omitempty"`
}

// AmountMajor returns the request amount in major units
func (r *PaymentRequest) AmountMajor() float64 {
	return ToMajor(r.Amount, r.Currency)
}

// Validate validates the payment request
func (r *PaymentRequest) Validate() error {
	key := strings.TrimSpace(r.IdempotencyKey)
	if key == "" {
		return NewValidationError("idempotency_key", "idempotency key is required")
	}
	if len(key) < 8 || len(key) > 128 {
		return NewValidationError("idempotency_key", "idempotency key must be between 8 and 128 characters")
	}
	if r.OrderID <= 0 {
		return NewValidationError("order_id", "order is required")
	}
	if r.Amount <= 0 {
		return NewValidationError("amount", "amount must be positive")
	}
	if NormalizeCurrency(r.Currency) == "" {
		return NewValidationError("currency", "currency is required")
	}
	if !r.Method.IsValid() {
		return NewValidationError("payment_method", "unsupported payment method")
	}
	if len(r.Lines) == 0 {
		return NewValidationError("ticket_lines", "at least one ticket line is required")
	}
	return nil
}

// ProviderRequest is the tagged variant a gateway receives
type ProviderRequest interface {
	Base() *PaymentRequest
}

// MobileMoneyRequest is a redirect-based mobile money checkout
type MobileMoneyRequest struct {
	PaymentRequest
}

// Base returns the shared request fields
func (r *MobileMoneyRequest) Base() *PaymentRequest { return &r.PaymentRequest }

// CardRequest is a card payment intent, optionally settled in another currency
type CardRequest struct {
	PaymentRequest
	SettlementCurrency string
}

// Base returns the shared request fields
func (r *CardRequest) Base() *PaymentRequest { return &r.PaymentRequest }

// NewProviderRequest wraps a request in the variant matching its method
func NewProviderRequest(req *PaymentRequest, settlementCurrency string) (ProviderRequest, error) {
	switch req.Method {
	case PaymentMobileMoney:
		return &MobileMoneyRequest{PaymentRequest: *req}, nil
	case PaymentCard:
		return &CardRequest{PaymentRequest: *req, SettlementCurrency: NormalizeCurrency(settlementCurrency)}, nil
	default:
		return nil, NewValidationError("payment_method", "unsupported payment method")
	}
}

// FXQuote is a locked exchange rate for one checkout attempt. The settlement
// amount is SourceAmount * FXNum / FXDen plus MarginBps.
type FXQuote struct {
	ID           string    `json:"id"`
	FromCurrency string    `json:"from_currency"`
	ToCurrency   string    `json:"to_currency"`
	SourceAmount int64     `json:"source_amount"`
	USDCents     int64     `json:"usd_cents"`
	FXNum        int64     `json:"fx_num"`
	FXDen        int64     `json:"fx_den"`
	MarginBps    int       `json:"margin_bps"`
	LockedAt     time.Time `json:"locked_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Validate checks that a quote can be used at the given time
func (q *FXQuote) Validate(now time.Time) error {
	if q.USDCents <= 0 {
		return errors.New("quote amount must be positive")
	}
	if q.FXNum <= 0 || q.FXDen <= 0 {
		return errors.New("quote rate is invalid")
	}
	if !q.ExpiresAt.IsZero() && !now.Before(q.ExpiresAt) {
		return errors.New("quote has expired")
	}
	return nil
}

// PaymentResult is returned by payment creation
type PaymentResult struct {
	Success          bool          `json:"success"`
	PaymentURL       string        `json:"payment_url,omitempty"`
	PaymentToken     string        `json:"payment_token"`
	PaymentID        string        `json:"payment_id"`
	OrderID          int64         `json:"order_id"`
	Provider         string        `json:"provider"`
	Method           PaymentMethod `json:"method"`
	SimpleMode       bool          `json:"simple_mode,omitempty"`
	Duplicate        bool          `json:"duplicate"`
	ProviderAmount   int64         `json:"provider_amount"`
	ProviderCurrency string        `json:"provider_currency"`
	QuoteID          string        `json:"quote_id,omitempty"`
}

// Link returns the order payment link for this result
func (r *PaymentResult) Link() PaymentLink {
	return PaymentLink{
		PaymentID:        r.PaymentID,
		PaymentToken:     r.PaymentToken,
		ProviderAmount:   r.ProviderAmount,
		ProviderCurrency: r.ProviderCurrency,
	}
}

// TokenKind identifies which system issued a verification token
type TokenKind string

const (
	TokenInternal    TokenKind = "internal"
	TokenCardIntent  TokenKind = "card_intent"
	TokenMobileMoney TokenKind = "mobile_money"
)

// VerificationRef carries the request field a provider verifies by
type VerificationRef struct {
	OrderTrackingID string
	PaymentIntentID string
}

// ClassifyToken detects whether a verification token is an internal order
// number, a card payment intent id or client secret, or a mobile money
// tracking id.
func ClassifyToken(token string) (TokenKind, string) {
	token = strings.TrimSpace(token)
	switch {
	case IsValidOrderNumber(token):
		return TokenInternal, token
	case strings.HasPrefix(token, "pi_"):
		if idx := strings.Index(token, "_secret_"); idx > 0 {
			return TokenCardIntent, token[:idx]
		}
		return TokenCardIntent, token
	default:
		return TokenMobileMoney, token
	}
}

// ProviderStatus is a provider payment state mapped onto our vocabulary
type ProviderStatus string

const (
	ProviderSucceeded ProviderStatus = "succeeded"
	ProviderPending   ProviderStatus = "pending"
	ProviderFailed    ProviderStatus = "failed"
)

// ProviderVerification is a provider's answer to a verify call
type ProviderVerification struct {
	Status         ProviderStatus
	RawStatus      string
	PaymentID      string
	Reference      string
	Amount         int64 // Amount in minor units
	Currency       string
	CardBrand      string
	CardLast4      string
	PaymentAccount string
	Description    string
}

// SavedPaymentMethod is a masked payment method kept for reuse
type SavedPaymentMethod struct {
	ID        int64         `json:"id" db:"id"`
	UserID    int64         `json:"user_id" db:"user_id"`
	Method    PaymentMethod `json:"method" db:"method"`
	Provider  string        `json:"provider" db:"provider"`
	Masked    string        `json:"masked" db:"masked"`
	Brand     string        `json:"brand,omitempty" db:"brand"`
	Last4     string        `json:"last4,omitempty" db:"last4"`
	CreatedAt time.Time     `json:"created_at" db:"created_at"`
}

// MaskCard renders a card as brand plus last four digits. Anything longer
// than four digits is cut down so a full number is never kept.
func MaskCard(brand, last4 string) (string, string) {
	digits := onlyDigits(last4)
	if len(digits) > 4 {
		digits = digits[len(digits)-4:]
	}
	brand = strings.ToUpper(strings.TrimSpace(brand))
	if brand == "" {
		brand = "CARD"
	}
	return brand + " ****" + digits, digits
}

// MaskPhone keeps the first two and last two digits of a phone number
func MaskPhone(phone string) string {
	digits := onlyDigits(phone)
	if len(digits) <= 4 {
		return strings.Repeat("*", len(digits))
	}
	return digits[:2] + strings.Repeat("*", len(digits)-4) + digits[len(digits)-2:]
}

func onlyDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
