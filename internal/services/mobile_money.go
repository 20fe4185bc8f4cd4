package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"ticketing-checkout/internal/models"
)

const mobileMoneyProvider = "mobile_money"

// MobileMoneyConfig represents mobile money aggregator configuration
type MobileMoneyConfig struct {
	ConsumerKey    string
	ConsumerSecret string
	Environment    string // "sandbox" or "production"
	CallbackURL    string
	IPNID          string
	StoreName      string
	BaseURL        string // overrides the environment URL when set
}

// MobileMoneyGateway creates redirect checkouts with an OAuth-token
// aggregator and verifies them by tracking id
type MobileMoneyGateway struct {
	config  MobileMoneyConfig
	client  *http.Client
	baseURL string

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewMobileMoneyGateway creates a new mobile money gateway
func NewMobileMoneyGateway(config MobileMoneyConfig) *MobileMoneyGateway {
	baseURL := "https://pay.pesapal.com/v3"
	if config.Environment == "sandbox" {
		baseURL = "https://cybqa.pesapal.com/pesapalv3"
	}
	if config.BaseURL != "" {
		baseURL = strings.TrimRight(config.BaseURL, "/")
	}

	return &MobileMoneyGateway{
		config:  config,
		client:  &http.Client{Timeout: 30 * time.Second},
		baseURL: baseURL,
	}
}

type mobileMoneyAuthRequest struct {
	ConsumerKey    string `json:"consumer_key"`
	ConsumerSecret string `json:"consumer_secret"`
}

type mobileMoneyAuthResponse struct {
	Token      string      `json:"token"`
	ExpiryDate string      `json:"expiryDate"`
	Error      interface{} `json:"error,omitempty"`
	Message    string      `json:"message,omitempty"`
}

type mobileMoneySubmitRequest struct {
	ID             string                   `json:"id"`
	Currency       string                   `json:"currency"`
	Amount         float64                  `json:"amount"`
	Description    string                   `json:"description"`
	CallbackURL    string                   `json:"callback_url"`
	NotificationID string                   `json:"notification_id"`
	BillingAddress mobileMoneyBillingAddress `json:"billing_address"`
	LineItems      []models.TicketLine      `json:"line_items"`
}

type mobileMoneyBillingAddress struct {
	EmailAddress string `json:"email_address"`
	PhoneNumber  string `json:"phone_number"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
}

type mobileMoneySubmitResponse struct {
	OrderTrackingID   string      `json:"order_tracking_id"`
	MerchantReference string      `json:"merchant_reference"`
	RedirectURL       string      `json:"redirect_url"`
	Error             interface{} `json:"error,omitempty"`
	Message           string      `json:"message,omitempty"`
}

type mobileMoneyStatusResponse struct {
	PaymentMethod            string      `json:"payment_method"`
	Amount                   float64     `json:"amount"`
	ConfirmationCode         string      `json:"confirmation_code"`
	PaymentStatusDescription string      `json:"payment_status_description"`
	Description              string      `json:"description"`
	MerchantReference        string      `json:"merchant_reference"`
	PaymentAccount           string      `json:"payment_account"`
	StatusCode               int         `json:"status_code"`
	Currency                 string      `json:"currency"`
	Error                    interface{} `json:"error,omitempty"`
	Message                  string      `json:"message,omitempty"`
}

// MobileMoneyIPN is the instant payment notification the aggregator sends
type MobileMoneyIPN struct {
	OrderTrackingID        string `json:"OrderTrackingId"`
	OrderMerchantReference string `json:"OrderMerchantReference"`
	OrderNotificationType  string `json:"OrderNotificationType"`
}

// Name returns the provider name
func (g *MobileMoneyGateway) Name() string {
	return mobileMoneyProvider
}

// Create submits a checkout and returns the redirect URL. The idempotency key
// is sent as the merchant reference.
func (g *MobileMoneyGateway) Create(ctx context.Context, preq models.ProviderRequest) (*models.PaymentResult, error) {
	if _, ok := preq.(*models.MobileMoneyRequest); !ok {
		return nil, models.NewValidationError("payment_method", "mobile money gateway received a non mobile money request")
	}
	req := preq.Base()

	token, err := g.authenticate(ctx)
	if err != nil {
		return nil, err
	}

	firstName, lastName := splitName(req.Customer.Name)
	submit := mobileMoneySubmitRequest{
		ID:             req.IdempotencyKey,
		Currency:       models.NormalizeCurrency(req.Currency),
		Amount:         req.AmountMajor(),
		Description:    g.description(req),
		CallbackURL:    g.config.CallbackURL,
		NotificationID: g.config.IPNID,
		BillingAddress: mobileMoneyBillingAddress{
			EmailAddress: req.Customer.Email,
			PhoneNumber:  req.Customer.Phone,
			FirstName:    firstName,
			LastName:     lastName,
		},
		LineItems: req.Lines,
	}

	resp, err := g.submitOrder(ctx, token, submit)
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"order_id":        req.OrderID,
		"tracking_id":     resp.OrderTrackingID,
		"idempotency_key": req.IdempotencyKey,
	}).Info("Mobile money checkout created")

	return &models.PaymentResult{
		Success:          true,
		PaymentURL:       resp.RedirectURL,
		PaymentToken:     resp.OrderTrackingID,
		PaymentID:        resp.OrderTrackingID,
		OrderID:          req.OrderID,
		Provider:         mobileMoneyProvider,
		Method:           models.PaymentMobileMoney,
		ProviderAmount:   req.Amount,
		ProviderCurrency: models.NormalizeCurrency(req.Currency),
	}, nil
}

// Verify fetches the transaction status for a tracking id
func (g *MobileMoneyGateway) Verify(ctx context.Context, ref models.VerificationRef) (*models.ProviderVerification, error) {
	if ref.OrderTrackingID == "" {
		return nil, models.NewValidationError("token", "order tracking id is required")
	}

	token, err := g.authenticate(ctx)
	if err != nil {
		return nil, err
	}

	status, err := g.getTransactionStatus(ctx, token, ref.OrderTrackingID)
	if err != nil {
		return nil, err
	}

	verification := &models.ProviderVerification{
		RawStatus:      status.PaymentStatusDescription,
		PaymentID:      ref.OrderTrackingID,
		Reference:      status.MerchantReference,
		Amount:         models.ToMinor(status.Amount, status.Currency),
		Currency:       models.NormalizeCurrency(status.Currency),
		PaymentAccount: status.PaymentAccount,
		Description:    status.Description,
	}

	// Map aggregator status codes to our status
	switch status.StatusCode {
	case 1:
		verification.Status = models.ProviderSucceeded
	case 2, 3:
		verification.Status = models.ProviderFailed
	default:
		verification.Status = models.ProviderPending
	}

	return verification, nil
}

// authenticate returns a cached bearer token, requesting a new one when the
// cached token is missing or about to expire
func (g *MobileMoneyGateway) authenticate(ctx context.Context) (string, error) {
	if g.config.ConsumerKey == "" || g.config.ConsumerSecret == "" {
		return "", &models.ConfigurationError{Key: "MOBILE_MONEY_CONSUMER_KEY", Message: "mobile money credentials are not configured"}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.token != "" && time.Now().Add(30*time.Second).Before(g.tokenExpiry) {
		return g.token, nil
	}

	body, err := json.Marshal(mobileMoneyAuthRequest{
		ConsumerKey:    g.config.ConsumerKey,
		ConsumerSecret: g.config.ConsumerSecret,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal auth request: %w", err)
	}

	var authResponse mobileMoneyAuthResponse
	if err := g.do(ctx, http.MethodPost, "/api/Auth/RequestToken", "", body, &authResponse); err != nil {
		return "", err
	}

	if authResponse.Error != nil {
		return "", g.providerError(0, providerErrorText(authResponse.Error, authResponse.Message), false)
	}
	if authResponse.Token == "" {
		return "", g.providerError(0, "received empty authentication token", false)
	}

	expiry, err := time.Parse(time.RFC3339Nano, authResponse.ExpiryDate)
	if err != nil {
		expiry = time.Now().Add(5 * time.Minute)
	}

	g.token = authResponse.Token
	g.tokenExpiry = expiry
	return g.token, nil
}

func (g *MobileMoneyGateway) submitOrder(ctx context.Context, token string, submit mobileMoneySubmitRequest) (*mobileMoneySubmitResponse, error) {
	body, err := json.Marshal(submit)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal order request: %w", err)
	}

	var orderResponse mobileMoneySubmitResponse
	if err := g.do(ctx, http.MethodPost, "/api/Transactions/SubmitOrderRequest", token, body, &orderResponse); err != nil {
		return nil, err
	}

	if orderResponse.Error != nil {
		return nil, g.providerError(0, providerErrorText(orderResponse.Error, orderResponse.Message), false)
	}
	if orderResponse.OrderTrackingID == "" || orderResponse.RedirectURL == "" {
		return nil, g.providerError(0, "order submission returned no tracking id", false)
	}

	return &orderResponse, nil
}

func (g *MobileMoneyGateway) getTransactionStatus(ctx context.Context, token, orderTrackingID string) (*mobileMoneyStatusResponse, error) {
	path := "/api/Transactions/GetTransactionStatus?orderTrackingId=" + url.QueryEscape(orderTrackingID)

	var statusResponse mobileMoneyStatusResponse
	if err := g.do(ctx, http.MethodGet, path, token, nil, &statusResponse); err != nil {
		return nil, err
	}

	if statusResponse.Error != nil && statusResponse.StatusCode == 0 {
		return nil, g.providerError(0, providerErrorText(statusResponse.Error, statusResponse.Message), false)
	}

	return &statusResponse, nil
}

// do sends a JSON request and decodes the response into out. Transport
// failures and 5xx responses are temporary.
func (g *MobileMoneyGateway) do(ctx context.Context, method, path, token string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return &models.PaymentProviderError{Provider: mobileMoneyProvider, Message: "request failed", Temporary: true, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &models.PaymentProviderError{Provider: mobileMoneyProvider, StatusCode: resp.StatusCode, Message: "failed to read response", Temporary: true, Err: err}
	}

	if resp.StatusCode >= 400 {
		msg := strings.TrimSpace(string(respBody))
		var envelope struct {
			Error   interface{} `json:"error"`
			Message string      `json:"message"`
		}
		if json.Unmarshal(respBody, &envelope) == nil && (envelope.Error != nil || envelope.Message != "") {
			msg = providerErrorText(envelope.Error, envelope.Message)
		}
		return g.providerError(resp.StatusCode, msg, resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return &models.PaymentProviderError{Provider: mobileMoneyProvider, StatusCode: resp.StatusCode, Message: "invalid response", Err: err}
	}

	return nil
}

func (g *MobileMoneyGateway) providerError(status int, msg string, temporary bool) error {
	return &models.PaymentProviderError{Provider: mobileMoneyProvider, StatusCode: status, Message: msg, Temporary: temporary}
}

func (g *MobileMoneyGateway) description(req *models.PaymentRequest) string {
	store := g.config.StoreName
	if store == "" {
		store = "Event tickets"
	}
	desc := fmt.Sprintf("%s order %s", store, req.OrderNumber)
	// the aggregator limits descriptions to 100 characters
	if len(desc) > 100 {
		desc = desc[:100]
	}
	return desc
}

// ParseIPN reads an IPN from query parameters or a JSON body
func ParseIPN(r *http.Request) (*MobileMoneyIPN, error) {
	ipn := &MobileMoneyIPN{
		OrderTrackingID:        r.URL.Query().Get("OrderTrackingId"),
		OrderMerchantReference: r.URL.Query().Get("OrderMerchantReference"),
		OrderNotificationType:  r.URL.Query().Get("OrderNotificationType"),
	}

	if ipn.OrderTrackingID == "" && r.Body != nil && r.Method == http.MethodPost {
		if err := json.NewDecoder(r.Body).Decode(ipn); err != nil && !errors.Is(err, io.EOF) {
			return nil, models.NewValidationError("ipn", "invalid notification body")
		}
	}

	if ipn.OrderTrackingID == "" {
		return nil, models.NewValidationError("OrderTrackingId", "invalid IPN: missing order tracking id")
	}

	return ipn, nil
}

// providerErrorText flattens the aggregator's error field, which may be a
// string or an object with code, error_type and message
func providerErrorText(errField interface{}, message string) string {
	errorMsg := "unknown error"

	if errorMap, ok := errField.(map[string]interface{}); ok {
		if code, exists := errorMap["code"]; exists && code != nil && code != "" {
			errorMsg = fmt.Sprintf("%v", code)
		}
		if errorType, exists := errorMap["error_type"]; exists && errorType != nil && errorType != "" {
			errorMsg = fmt.Sprintf("%v: %s", errorType, errorMsg)
		}
		if msg, exists := errorMap["message"]; exists && msg != nil && msg != "" {
			errorMsg = fmt.Sprintf("%s - %v", errorMsg, msg)
		}
	} else if errStr, ok := errField.(string); ok && errStr != "" {
		errorMsg = errStr
	} else if message != "" {
		errorMsg = message
	}

	return errorMsg
}

func splitName(name string) (string, string) {
	parts := strings.Fields(name)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return parts[0], ""
	default:
		return parts[0], strings.Join(parts[1:], " ")
	}
}
