package handlers

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"ticketing-checkout/internal/middleware"
	"ticketing-checkout/internal/models"
	"ticketing-checkout/internal/services"
)

const maxWebhookBytes = 64 << 10

// PaymentVerifier reconciles a payment token with its order
type PaymentVerifier interface {
	VerifyPayment(ctx context.Context, req models.VerifyRequest) (*models.VerifyResult, error)
}

// WebhookVerifier authenticates card webhook bodies
type WebhookVerifier interface {
	VerifyWebhookSignature(payload []byte, signature string) bool
}

// PaymentHandler handles verification requests and provider notifications
type PaymentHandler struct {
	verifier    PaymentVerifier
	webhooks    WebhookVerifier
	cart        services.CartClearer
	redirectURL string
}

// NewPaymentHandler creates a new payment handler. When redirectURL is set
// the browser callback redirects there instead of answering with JSON.
func NewPaymentHandler(verifier PaymentVerifier, webhooks WebhookVerifier, cart services.CartClearer, redirectURL string) *PaymentHandler {
	return &PaymentHandler{
		verifier:    verifier,
		webhooks:    webhooks,
		cart:        cart,
		redirectURL: redirectURL,
	}
}

type ipnResponse struct {
	OrderNotificationType  string `json:"orderNotificationType"`
	OrderTrackingID        string `json:"orderTrackingId"`
	OrderMerchantReference string `json:"orderMerchantReference"`
	Status                 int    `json:"status"`
}

// VerifyPayment verifies a payment on behalf of the buyer's browser
func (h *PaymentHandler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	var req models.VerifyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if identity := middleware.GetIdentity(r.Context()); identity.IsAuthenticated() {
		req.UserID = identity.UserID
	}

	result, err := h.verifier.VerifyPayment(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	h.clearCart(r, result)
	writeJSON(w, http.StatusOK, result)
}

// PaymentCallback handles the browser redirect back from the mobile money
// aggregator
func (h *PaymentHandler) PaymentCallback(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("OrderTrackingId"))
	if token == "" {
		writeError(w, r, models.NewValidationError("OrderTrackingId", "missing order tracking id"))
		return
	}

	req := models.VerifyRequest{Token: token}
	if identity := middleware.GetIdentity(r.Context()); identity.IsAuthenticated() {
		req.UserID = identity.UserID
	}

	result, err := h.verifier.VerifyPayment(r.Context(), req)
	if err != nil {
		if h.redirectURL != "" {
			h.redirect(w, r, url.Values{"status": {"error"}, "token": {token}})
			return
		}
		writeError(w, r, err)
		return
	}

	h.clearCart(r, result)

	if h.redirectURL != "" {
		h.redirect(w, r, url.Values{
			"status": {string(result.Status)},
			"order":  {result.OrderNumber},
		})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// PaymentIPN handles the aggregator's server-to-server notification. The
// aggregator expects a 200 with its own acknowledgement body either way.
func (h *PaymentHandler) PaymentIPN(w http.ResponseWriter, r *http.Request) {
	ipn, err := services.ParseIPN(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	ack := ipnResponse{
		OrderNotificationType:  ipn.OrderNotificationType,
		OrderTrackingID:        ipn.OrderTrackingID,
		OrderMerchantReference: ipn.OrderMerchantReference,
		Status:                 http.StatusOK,
	}
	if ack.OrderNotificationType == "" {
		ack.OrderNotificationType = "IPNCHANGE"
	}

	result, err := h.verifier.VerifyPayment(r.Context(), models.VerifyRequest{Token: ipn.OrderTrackingID})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"order_tracking_id":  ipn.OrderTrackingID,
			"merchant_reference": ipn.OrderMerchantReference,
			"error":              err,
		}).Error("Failed to process payment IPN")
		ack.Status = http.StatusInternalServerError
		writeJSON(w, http.StatusOK, ack)
		return
	}

	logrus.WithFields(logrus.Fields{
		"order_tracking_id": ipn.OrderTrackingID,
		"order_number":      result.OrderNumber,
		"status":            result.Status,
	}).Info("Processed payment IPN")
	writeJSON(w, http.StatusOK, ack)
}

// CardWebhook handles payment intent events from the card processor
func (h *PaymentHandler) CardWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
	if err != nil {
		writeError(w, r, models.NewValidationError("body", "could not read webhook body"))
		return
	}

	if h.webhooks == nil || !h.webhooks.VerifyWebhookSignature(payload, r.Header.Get("X-Webhook-Signature")) {
		logrus.WithField("client_ip", r.RemoteAddr).Warn("Rejected card webhook with invalid signature")
		writeError(w, r, models.ErrUnauthorized)
		return
	}

	event, err := services.ParseCardWebhook(payload)
	if err != nil {
		writeError(w, r, err)
		return
	}

	switch event.Type {
	case "payment_intent.succeeded", "payment_intent.payment_failed", "payment_intent.canceled":
	default:
		writeJSON(w, http.StatusOK, map[string]interface{}{"received": true, "ignored": true})
		return
	}

	result, err := h.verifier.VerifyPayment(r.Context(), models.VerifyRequest{Token: event.Data.Object.ID})
	if err != nil {
		writeError(w, r, err)
		return
	}

	logrus.WithFields(logrus.Fields{
		"event_id":     event.ID,
		"event_type":   event.Type,
		"order_number": result.OrderNumber,
		"status":       result.Status,
	}).Info("Processed card webhook")
	writeJSON(w, http.StatusOK, map[string]interface{}{"received": true})
}

func (h *PaymentHandler) clearCart(r *http.Request, result *models.VerifyResult) {
	if h.cart == nil || result.ClearCartEventID == 0 {
		return
	}
	owner := cartOwner(r)
	if owner == "" {
		return
	}
	if err := h.cart.Clear(r.Context(), owner, result.ClearCartEventID); err != nil {
		logrus.WithFields(logrus.Fields{
			"owner":    owner,
			"event_id": result.ClearCartEventID,
			"error":    err,
		}).Warn("Failed to clear cart after payment")
	}
}

func (h *PaymentHandler) redirect(w http.ResponseWriter, r *http.Request, params url.Values) {
	target := h.redirectURL
	if strings.Contains(target, "?") {
		target += "&" + params.Encode()
	} else {
		target += "?" + params.Encode()
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}
