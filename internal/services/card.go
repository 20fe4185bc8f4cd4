package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"ticketing-checkout/internal/models"
)

const cardProvider = "card"

// CardConfig represents card processor configuration
type CardConfig struct {
	SecretKey          string
	WebhookSecret      string
	BaseURL            string
	SettlementCurrency string
}

// Quoter locks an exchange rate for a checkout attempt
type Quoter interface {
	Quote(ctx context.Context, key string, amount int64, from, to string) (*models.FXQuote, error)
}

// CardGateway creates card payment intents, converting the display amount
// into the settlement currency with a locked FX quote
type CardGateway struct {
	config  CardConfig
	client  *http.Client
	baseURL string
	fx      Quoter
	now     func() time.Time
}

// NewCardGateway creates a new card gateway
func NewCardGateway(config CardConfig, fx Quoter) *CardGateway {
	baseURL := "https://api.stripe.com"
	if config.BaseURL != "" {
		baseURL = strings.TrimRight(config.BaseURL, "/")
	}
	if config.SettlementCurrency == "" {
		config.SettlementCurrency = "USD"
	}

	return &CardGateway{
		config:  config,
		client:  &http.Client{Timeout: 30 * time.Second},
		baseURL: baseURL,
		fx:      fx,
		now:     time.Now,
	}
}

type paymentIntent struct {
	ID           string            `json:"id"`
	ClientSecret string            `json:"client_secret"`
	Status       string            `json:"status"`
	Amount       int64             `json:"amount"`
	Currency     string            `json:"currency"`
	Description  string            `json:"description"`
	Metadata     map[string]string `json:"metadata"`
	LatestCharge *struct {
		ID                   string `json:"id"`
		PaymentMethodDetails struct {
			Card struct {
				Brand string `json:"brand"`
				Last4 string `json:"last4"`
			} `json:"card"`
		} `json:"payment_method_details"`
	} `json:"latest_charge"`
}

type cardAPIError struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// CardWebhookEvent is the part of a card webhook the service reads
type CardWebhookEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"object"`
	} `json:"data"`
}

// Name returns the provider name
func (g *CardGateway) Name() string {
	return cardProvider
}

// Create creates a payment intent. Without a usable quote the intent is made
// in the display currency and the processor converts it (simple mode).
func (g *CardGateway) Create(ctx context.Context, preq models.ProviderRequest) (*models.PaymentResult, error) {
	cardReq, ok := preq.(*models.CardRequest)
	if !ok {
		return nil, models.NewValidationError("payment_method", "card gateway received a non card request")
	}
	if g.config.SecretKey == "" {
		return nil, &models.ConfigurationError{Key: "CARD_SECRET_KEY", Message: "card processor credentials are not configured"}
	}

	req := cardReq.Base()
	display := models.NormalizeCurrency(req.Currency)
	settlement := models.NormalizeCurrency(cardReq.SettlementCurrency)
	if settlement == "" {
		settlement = models.NormalizeCurrency(g.config.SettlementCurrency)
	}

	form := url.Values{}
	form.Set("description", fmt.Sprintf("Tickets for order %s", req.OrderNumber))
	form.Set("metadata[order_id]", strconv.FormatInt(req.OrderID, 10))
	form.Set("metadata[order_number]", req.OrderNumber)
	form.Set("automatic_payment_methods[enabled]", "true")
	if req.Customer.Email != "" {
		form.Set("receipt_email", req.Customer.Email)
	}

	result := &models.PaymentResult{
		OrderID:  req.OrderID,
		Provider: cardProvider,
		Method:   models.PaymentCard,
	}

	quote := g.quote(ctx, req, display, settlement)
	switch {
	case display == settlement:
		result.ProviderAmount = req.Amount
		result.ProviderCurrency = display
	case quote != nil:
		result.ProviderAmount = quote.USDCents
		result.ProviderCurrency = settlement
		result.QuoteID = quote.ID
		form.Set("metadata[fx_quote_id]", quote.ID)
	default:
		result.SimpleMode = true
		result.ProviderAmount = req.Amount
		result.ProviderCurrency = display
		form.Set("automatic_currency_conversion", "true")
		logrus.WithFields(logrus.Fields{
			"order_id":        req.OrderID,
			"idempotency_key": req.IdempotencyKey,
			"currency":        display,
		}).Warn("No usable FX quote, creating card payment in simple mode")
	}

	form.Set("amount", strconv.FormatInt(result.ProviderAmount, 10))
	form.Set("currency", strings.ToLower(result.ProviderCurrency))

	var intent paymentIntent
	if err := g.do(ctx, http.MethodPost, "/v1/payment_intents", req.IdempotencyKey, form, &intent); err != nil {
		return nil, err
	}
	if intent.ID == "" || intent.ClientSecret == "" {
		return nil, &models.PaymentProviderError{Provider: cardProvider, Message: "payment intent response is missing an id or client secret"}
	}

	result.Success = true
	result.PaymentID = intent.ID
	result.PaymentToken = intent.ClientSecret

	logrus.WithFields(logrus.Fields{
		"order_id":    req.OrderID,
		"payment_id":  intent.ID,
		"simple_mode": result.SimpleMode,
		"amount":      result.ProviderAmount,
		"currency":    result.ProviderCurrency,
	}).Info("Card payment intent created")

	return result, nil
}

// quote returns a valid locked quote or nil when simple mode should be used
func (g *CardGateway) quote(ctx context.Context, req *models.PaymentRequest, display, settlement string) *models.FXQuote {
	if display == settlement || g.fx == nil {
		return nil
	}

	quote, err := g.fx.Quote(ctx, req.IdempotencyKey, req.Amount, display, settlement)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"order_id": req.OrderID,
			"error":    err,
		}).Warn("FX quote unavailable")
		return nil
	}
	if err := quote.Validate(g.now()); err != nil {
		logrus.WithFields(logrus.Fields{
			"order_id": req.OrderID,
			"quote_id": quote.ID,
			"error":    err,
		}).Warn("FX quote rejected")
		return nil
	}
	return quote
}

// Verify fetches a payment intent and maps its status
func (g *CardGateway) Verify(ctx context.Context, ref models.VerificationRef) (*models.ProviderVerification, error) {
	if ref.PaymentIntentID == "" {
		return nil, models.NewValidationError("token", "payment intent id is required")
	}
	if g.config.SecretKey == "" {
		return nil, &models.ConfigurationError{Key: "CARD_SECRET_KEY", Message: "card processor credentials are not configured"}
	}

	var intent paymentIntent
	path := "/v1/payment_intents/" + url.PathEscape(ref.PaymentIntentID) + "?expand[]=latest_charge"
	if err := g.do(ctx, http.MethodGet, path, "", nil, &intent); err != nil {
		return nil, err
	}

	verification := &models.ProviderVerification{
		RawStatus:   intent.Status,
		PaymentID:   intent.ID,
		Reference:   intent.Metadata["order_number"],
		Amount:      intent.Amount,
		Currency:    models.NormalizeCurrency(intent.Currency),
		Description: intent.Description,
	}
	if intent.LatestCharge != nil {
		verification.CardBrand = intent.LatestCharge.PaymentMethodDetails.Card.Brand
		verification.CardLast4 = intent.LatestCharge.PaymentMethodDetails.Card.Last4
	}

	switch intent.Status {
	case "succeeded":
		verification.Status = models.ProviderSucceeded
	case "canceled":
		verification.Status = models.ProviderFailed
	default:
		// processing, requires_action, requires_confirmation, requires_payment_method
		verification.Status = models.ProviderPending
	}

	return verification, nil
}

// VerifyWebhookSignature checks the hex HMAC-SHA512 of a webhook body
func (g *CardGateway) VerifyWebhookSignature(payload []byte, signature string) bool {
	if g.config.WebhookSecret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha512.New, []byte(g.config.WebhookSecret))
	mac.Write(payload)
	expectedSignature := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(strings.ToLower(signature)), []byte(expectedSignature))
}

// ParseCardWebhook decodes a webhook body
func ParseCardWebhook(payload []byte) (*CardWebhookEvent, error) {
	var event CardWebhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, models.NewValidationError("body", "invalid webhook payload")
	}
	if event.Data.Object.ID == "" {
		return nil, models.NewValidationError("data.object.id", "webhook has no payment intent")
	}
	return &event, nil
}

func (g *CardGateway) do(ctx context.Context, method, path, idempotencyKey string, form url.Values, out interface{}) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+g.config.SecretKey)
	req.Header.Set("Accept", "application/json")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return &models.PaymentProviderError{Provider: cardProvider, Message: "request failed", Temporary: true, Err: err}
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return &models.PaymentProviderError{Provider: cardProvider, StatusCode: resp.StatusCode, Message: "failed to read response", Temporary: true, Err: err}
	}

	if resp.StatusCode >= 400 {
		return g.handleAPIError(resp.StatusCode, bodyBytes)
	}

	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return &models.PaymentProviderError{Provider: cardProvider, StatusCode: resp.StatusCode, Message: "invalid response", Err: err}
	}
	return nil
}

// handleAPIError maps processor errors, keeping the processor's message
func (g *CardGateway) handleAPIError(statusCode int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	var apiErr cardAPIError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		msg = apiErr.Error.Message
	}

	providerErr := &models.PaymentProviderError{Provider: cardProvider, StatusCode: statusCode, Message: msg}

	switch {
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		providerErr.Message = "unauthorized: check API keys - " + msg
	case statusCode == http.StatusTooManyRequests, statusCode >= 500:
		providerErr.Temporary = true
	}

	return providerErr
}
