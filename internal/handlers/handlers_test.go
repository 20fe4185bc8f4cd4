package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/sessions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticketing-checkout/internal/cart"
	"ticketing-checkout/internal/middleware"
	"ticketing-checkout/internal/models"
)

const testSessionName = "checkout_session"

type fakeValidator struct {
	items []models.ValidatedLineItem
	err   error
	got   models.CartSelection
}

func (f *fakeValidator) ValidateSelections(ctx context.Context, eventID int64, selections models.CartSelection) ([]models.ValidatedLineItem, error) {
	f.got = selections
	return f.items, f.err
}

type fakeFees struct {
	result *models.FeeResult
	err    error
	got    []models.Selection
}

func (f *fakeFees) CalculateFees(ctx context.Context, eventID int64, selections []models.Selection) (*models.FeeResult, error) {
	f.got = selections
	return f.result, f.err
}

type fakeCheckout struct {
	result   *models.CheckoutResult
	err      error
	identity *models.Identity
	guest    models.GuestIdentity
	req      models.CheckoutRequest
}

func (f *fakeCheckout) CreateOrder(ctx context.Context, identity *models.Identity, req models.CheckoutRequest) (*models.CheckoutResult, error) {
	f.identity, f.req = identity, req
	return f.result, f.err
}

func (f *fakeCheckout) CreateGuestOrder(ctx context.Context, guest models.GuestIdentity, req models.CheckoutRequest) (*models.CheckoutResult, error) {
	f.guest, f.req = guest, req
	return f.result, f.err
}

type fakeVerifier struct {
	result *models.VerifyResult
	err    error
	reqs   []models.VerifyRequest
}

func (f *fakeVerifier) VerifyPayment(ctx context.Context, req models.VerifyRequest) (*models.VerifyResult, error) {
	f.reqs = append(f.reqs, req)
	return f.result, f.err
}

type fakeWebhooks struct{}

func (fakeWebhooks) VerifyWebhookSignature(payload []byte, signature string) bool {
	return signature == "good"
}

type fakePinger struct {
	err error
}

func (f fakePinger) PingContext(ctx context.Context) error {
	return f.err
}

type testServer struct {
	handler   http.Handler
	validator *fakeValidator
	fees      *fakeFees
	checkout  *fakeCheckout
	verifier  *fakeVerifier
	carts     *cart.Store
	sessions  *sessions.CookieStore
}

func newTestServer(t *testing.T, redirectURL string) *testServer {
	t.Helper()

	ts := &testServer{
		validator: &fakeValidator{},
		fees:      &fakeFees{},
		checkout:  &fakeCheckout{},
		verifier:  &fakeVerifier{},
		carts:     cart.NewStore(cart.NewMemoryBackend(), time.Hour),
		sessions:  middleware.NewCookieStore("test-secret-test-secret-test-sec", false),
	}

	ts.handler = NewRouter(RouterConfig{
		Checkout: NewCheckoutHandler(ts.validator, ts.fees, ts.checkout),
		Payments: NewPaymentHandler(ts.verifier, fakeWebhooks{}, ts.carts, redirectURL),
		Cart:     NewCartHandler(ts.carts),
		Health:   NewHealthHandler(fakePinger{}),
		Identity: middleware.NewIdentityMiddleware(ts.sessions, testSessionName),
		CORS:     middleware.DefaultCORSConfig(nil),
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string, headers map[string]string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}

	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

func (ts *testServer) sessionCookie(t *testing.T, userID int64) *http.Cookie {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()
	session, err := ts.sessions.Get(req, testSessionName)
	require.NoError(t, err)
	session.Values["user_id"] = userID
	session.Values["email"] = "buyer@example.com"
	require.NoError(t, session.Save(req, rr))

	cookies := rr.Result().Cookies()
	require.Len(t, cookies, 1)
	return cookies[0]
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), v), rr.Body.String())
}

func TestQuoteFees_UsesServerPrices(t *testing.T) {
	ts := newTestServer(t, "")
	ts.validator.items = []models.ValidatedLineItem{
		{TicketTypeID: 1, Name: "General", Quantity: 2, UnitPrice: 5000, Currency: "XOF", Subtotal: 10000},
	}
	ts.fees.result = &models.FeeResult{TotalBuyerFees: 300, Source: models.FeeSourceFlatFallback}

	rr := ts.do(t, http.MethodPost, "/api/events/9/fees", `{"selections":{"1":2}}`, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	assert.Equal(t, models.CartSelection{1: 2}, ts.validator.got)
	require.Len(t, ts.fees.got, 1)
	assert.Equal(t, int64(5000), ts.fees.got[0].UnitPrice)

	var body quoteResponse
	decodeBody(t, rr, &body)
	assert.True(t, body.Success)
	assert.Equal(t, int64(10000), body.Subtotal)
	assert.Equal(t, int64(10300), body.TotalAmount)
	assert.Equal(t, "XOF", body.Currency)
}

func TestValidateSelections_Errors(t *testing.T) {
	ts := newTestServer(t, "")

	rr := ts.do(t, http.MethodPost, "/api/events/abc/validate", `{"selections":{"1":1}}`, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.do(t, http.MethodPost, "/api/events/9/validate", `{"selections":{"1":1},"extra":true}`, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	ts.validator.err = &models.InventoryError{TicketTypeID: 1, TicketTypeName: "VIP", Reason: models.InventoryInsufficient, Requested: 3, Available: 1}
	rr = ts.do(t, http.MethodPost, "/api/events/9/validate", `{"selections":{"1":3}}`, map[string]string{"Accept-Language": "fr-FR,fr;q=0.9"})
	assert.Equal(t, http.StatusConflict, rr.Code)

	var body ErrorResponse
	decodeBody(t, rr, &body)
	assert.Equal(t, "inventory_error", body.Error)
	assert.Equal(t, messages["fr"]["inventory_error"], body.Message)
	assert.Contains(t, body.Detail, "VIP")
}

func TestCreateOrder_RequiresSession(t *testing.T) {
	ts := newTestServer(t, "")

	rr := ts.do(t, http.MethodPost, "/api/orders", `{"event_id":9}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Nil(t, ts.checkout.identity)
}

func TestCreateOrder(t *testing.T) {
	ts := newTestServer(t, "")
	ts.checkout.result = &models.CheckoutResult{OrderID: 11, OrderNumber: "ORD-11", Status: models.OrderAwaitingPayment}

	body := `{"event_id":9,"selections":{"1":2},"payment_method":"MOBILE_MONEY","payment_details":{"phone":"+221770000000"}}`
	rr := ts.do(t, http.MethodPost, "/api/orders", body,
		map[string]string{"Idempotency-Key": "checkout-key-0001"}, ts.sessionCookie(t, 7))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	require.NotNil(t, ts.checkout.identity)
	assert.Equal(t, int64(7), ts.checkout.identity.UserID)
	assert.Equal(t, "checkout-key-0001", ts.checkout.req.IdempotencyKey)
	assert.Equal(t, "user:7", ts.checkout.req.CartOwner)
	assert.Equal(t, models.PaymentMobileMoney, ts.checkout.req.PaymentMethod)

	ts.checkout.result.Duplicate = true
	rr = ts.do(t, http.MethodPost, "/api/orders", body,
		map[string]string{"Idempotency-Key": "checkout-key-0001"}, ts.sessionCookie(t, 7))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestCreateGuestOrder(t *testing.T) {
	ts := newTestServer(t, "")
	ts.checkout.result = &models.CheckoutResult{OrderID: 12, OrderNumber: "ORD-12"}

	body := `{"event_id":9,"selections":{"1":1},"payment_method":"CARD","idempotency_key":"body-key-000001","guest":{"email":"guest@example.com","name":"Awa"}}`
	rr := ts.do(t, http.MethodPost, "/api/orders/guest", body, map[string]string{
		"Idempotency-Key": "ignored-header-key",
		"X-Cart-ID":       "abc",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	assert.Equal(t, "guest@example.com", ts.checkout.guest.Email)
	assert.Equal(t, "body-key-000001", ts.checkout.req.IdempotencyKey)
	assert.Equal(t, "guest:abc", ts.checkout.req.CartOwner)
}

func TestWriteError_StatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "validation", err: models.NewValidationError("email", "email is required"), status: http.StatusBadRequest, code: "validation_error"},
		{name: "unauthorized", err: fmt.Errorf("create order: %w", models.ErrUnauthorized), status: http.StatusUnauthorized, code: "unauthorized"},
		{name: "provider", err: &models.PaymentProviderError{Provider: "card", StatusCode: 402, Message: "card declined"}, status: http.StatusBadGateway, code: "payment_provider_error"},
		{name: "reconciliation", err: &models.ReconciliationError{OrderID: 4, Reason: "amount mismatch"}, status: http.StatusConflict, code: "reconciliation_error"},
		{name: "configuration", err: &models.ConfigurationError{Key: "CARD_SECRET_KEY", Message: "missing"}, status: http.StatusServiceUnavailable, code: "configuration_error"},
		{name: "not found", err: fmt.Errorf("lookup: %w", models.ErrOrderNotFound), status: http.StatusNotFound, code: "not_found"},
		{name: "in flight", err: models.ErrIdempotencyInFlight, status: http.StatusConflict, code: "conflict"},
		{name: "unknown", err: errors.New("pq: connection refused"), status: http.StatusInternalServerError, code: "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			writeError(rr, httptest.NewRequest(http.MethodPost, "/api/orders", nil), tt.err)

			assert.Equal(t, tt.status, rr.Code)
			var body ErrorResponse
			decodeBody(t, rr, &body)
			assert.False(t, body.Success)
			assert.Equal(t, tt.code, body.Error)
			assert.Equal(t, messages["en"][tt.code], body.Message)
			assert.NotContains(t, rr.Body.String(), "pq:")
		})
	}
}

func TestVerifyPayment_ClearsCart(t *testing.T) {
	ts := newTestServer(t, "")
	ctx := context.Background()
	_, err := ts.carts.Set(ctx, "guest:abc", 3, models.CartSelection{1: 2})
	require.NoError(t, err)

	ts.verifier.result = &models.VerifyResult{Success: true, Status: models.OrderCompleted, OrderNumber: "ORD-1", ClearCartEventID: 3}

	rr := ts.do(t, http.MethodPost, "/api/payments/verify", `{"token":"ORD-1"}`, map[string]string{"X-Cart-ID": "abc"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Len(t, ts.verifier.reqs, 1)
	assert.Equal(t, "ORD-1", ts.verifier.reqs[0].Token)

	selection, err := ts.carts.Get(ctx, "guest:abc", 3)
	require.NoError(t, err)
	assert.Empty(t, selection)
}

func TestVerifyPayment_PassesUserID(t *testing.T) {
	ts := newTestServer(t, "")
	ts.verifier.result = &models.VerifyResult{Success: true, Status: models.OrderCompleted}

	rr := ts.do(t, http.MethodPost, "/api/payments/verify", `{"token":"pi_1","save_method":true}`, nil, ts.sessionCookie(t, 21))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, int64(21), ts.verifier.reqs[0].UserID)
	assert.True(t, ts.verifier.reqs[0].SaveMethodPreference)
}

func TestPaymentCallback(t *testing.T) {
	ts := newTestServer(t, "https://tickets.example.com/checkout/done")
	ts.verifier.result = &models.VerifyResult{Success: true, Status: models.OrderCompleted, OrderNumber: "ORD-5"}

	rr := ts.do(t, http.MethodGet, "/api/payments/callback?OrderTrackingId=trk-1", "", nil)
	assert.Equal(t, http.StatusSeeOther, rr.Code)
	location := rr.Header().Get("Location")
	assert.True(t, strings.HasPrefix(location, "https://tickets.example.com/checkout/done?"))
	assert.Contains(t, location, "status=completed")
	assert.Contains(t, location, "order=ORD-5")
	assert.Equal(t, "trk-1", ts.verifier.reqs[0].Token)

	rr = ts.do(t, http.MethodGet, "/api/payments/callback", "", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestPaymentIPN(t *testing.T) {
	ts := newTestServer(t, "")
	ts.verifier.result = &models.VerifyResult{Success: true, Status: models.OrderCompleted}

	rr := ts.do(t, http.MethodGet, "/api/payments/ipn?OrderTrackingId=trk-2&OrderMerchantReference=ORD-2&OrderNotificationType=IPNCHANGE", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var ack ipnResponse
	decodeBody(t, rr, &ack)
	assert.Equal(t, http.StatusOK, ack.Status)
	assert.Equal(t, "trk-2", ack.OrderTrackingID)

	ts.verifier.err = &models.PaymentProviderError{Provider: "mobile_money", StatusCode: 503, Temporary: true}
	rr = ts.do(t, http.MethodPost, "/api/payments/ipn", `{"OrderTrackingId":"trk-3","OrderMerchantReference":"ORD-3"}`, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	decodeBody(t, rr, &ack)
	assert.Equal(t, http.StatusInternalServerError, ack.Status)
	assert.Equal(t, "IPNCHANGE", ack.OrderNotificationType)
	assert.Equal(t, "trk-3", ts.verifier.reqs[1].Token)
}

func TestCardWebhook(t *testing.T) {
	ts := newTestServer(t, "")
	ts.verifier.result = &models.VerifyResult{Success: true, Status: models.OrderCompleted}

	payload := `{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{"id":"pi_123","status":"succeeded"}}}`

	rr := ts.do(t, http.MethodPost, "/api/payments/webhook/card", payload, map[string]string{"X-Webhook-Signature": "bad"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Empty(t, ts.verifier.reqs)

	rr = ts.do(t, http.MethodPost, "/api/payments/webhook/card", payload, map[string]string{"X-Webhook-Signature": "good"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Len(t, ts.verifier.reqs, 1)
	assert.Equal(t, "pi_123", ts.verifier.reqs[0].Token)

	other := `{"id":"evt_2","type":"charge.refunded","data":{"object":{"id":"ch_1"}}}`
	rr = ts.do(t, http.MethodPost, "/api/payments/webhook/card", other, map[string]string{"X-Webhook-Signature": "good"})
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"ignored":true`)
	assert.Len(t, ts.verifier.reqs, 1)
}

func TestCartEndpoints(t *testing.T) {
	ts := newTestServer(t, "")
	headers := map[string]string{"X-Cart-ID": "device-1"}

	cartBody := func(rr *httptest.ResponseRecorder) cartResponse {
		var body cartResponse
		decodeBody(t, rr, &body)
		return body
	}

	rr := ts.do(t, http.MethodGet, "/api/cart/4", "", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code, "no owner")

	rr = ts.do(t, http.MethodPut, "/api/cart/4", `{"selections":{"1":2,"2":0}}`, headers)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	body := cartBody(rr)
	assert.Equal(t, models.CartSelection{1: 2}, body.Selections)
	assert.Equal(t, 2, body.Count)

	rr = ts.do(t, http.MethodPut, "/api/cart/4/items/2", `{"quantity":3}`, headers)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 5, cartBody(rr).Count)

	rr = ts.do(t, http.MethodPut, "/api/cart/4/items/2", `{"quantity":-1}`, headers)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.do(t, http.MethodGet, "/api/cart/4", "", headers)
	assert.Equal(t, models.CartSelection{1: 2, 2: 3}, cartBody(rr).Selections)

	rr = ts.do(t, http.MethodDelete, "/api/cart/4", "", headers)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = ts.do(t, http.MethodGet, "/api/cart/4", "", headers)
	body = cartBody(rr)
	assert.Empty(t, body.Selections)
	assert.Zero(t, body.Count)
}

func TestSignedInCartIsKeyedByUser(t *testing.T) {
	ts := newTestServer(t, "")

	rr := ts.do(t, http.MethodPut, "/api/cart/4", `{"selections":{"1":1}}`, map[string]string{"X-Cart-ID": "device-1"}, ts.sessionCookie(t, 8))
	require.Equal(t, http.StatusOK, rr.Code)

	selection, err := ts.carts.Get(context.Background(), "user:8", 4)
	require.NoError(t, err)
	assert.Equal(t, models.CartSelection{1: 1}, selection)
}

func TestHealth(t *testing.T) {
	rr := httptest.NewRecorder()
	NewHealthHandler(fakePinger{}).Health(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	NewHealthHandler(fakePinger{err: errors.New("down")}).Health(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), "unreachable")
}

func TestRouter_NotFound(t *testing.T) {
	ts := newTestServer(t, "")
	rr := ts.do(t, http.MethodGet, "/api/unknown", "", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
}

func TestDecodeJSON_SizeLimit(t *testing.T) {
	big := bytes.Repeat([]byte("a"), maxBodyBytes+10)
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(append(append([]byte(`{"token":"`), big...), '"', '}')))
	var v models.VerifyRequest
	err := decodeJSON(req, &v)

	var validationErr *models.ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "body", validationErr.Field)
}
