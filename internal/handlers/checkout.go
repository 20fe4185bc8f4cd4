package handlers

import (
	"context"
	"net/http"
	"strings"

	"ticketing-checkout/internal/middleware"
	"ticketing-checkout/internal/models"
	"ticketing-checkout/internal/services"
)

// CheckoutService creates orders and their payments
type CheckoutService interface {
	CreateOrder(ctx context.Context, identity *models.Identity, req models.CheckoutRequest) (*models.CheckoutResult, error)
	CreateGuestOrder(ctx context.Context, guest models.GuestIdentity, req models.CheckoutRequest) (*models.CheckoutResult, error)
}

// CheckoutHandler handles pricing and order creation requests
type CheckoutHandler struct {
	validator services.SelectionValidator
	fees      services.FeeCalculator
	orders    CheckoutService
}

// NewCheckoutHandler creates a new checkout handler
func NewCheckoutHandler(validator services.SelectionValidator, fees services.FeeCalculator, orders CheckoutService) *CheckoutHandler {
	return &CheckoutHandler{
		validator: validator,
		fees:      fees,
		orders:    orders,
	}
}

type selectionsRequest struct {
	Selections models.CartSelection `json:"selections"`
}

type validateResponse struct {
	Success  bool                       `json:"success"`
	Items    []models.ValidatedLineItem `json:"items"`
	Subtotal int64                      `json:"subtotal"`
	Currency string                     `json:"currency,omitempty"`
}

type quoteResponse struct {
	validateResponse
	Fees        *models.FeeResult `json:"fees"`
	TotalAmount int64             `json:"total_amount"`
}

type guestCheckoutRequest struct {
	models.CheckoutRequest
	Guest models.GuestIdentity `json:"guest"`
}

// ValidateSelections checks a selection against live inventory
func (h *CheckoutHandler) ValidateSelections(w http.ResponseWriter, r *http.Request) {
	resp, err := h.validate(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// QuoteFees validates a selection and prices its service fees
func (h *CheckoutHandler) QuoteFees(w http.ResponseWriter, r *http.Request) {
	validated, err := h.validate(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	eventID, _ := eventIDParam(r)
	fees, err := h.fees.CalculateFees(r.Context(), eventID, models.SelectionsFromLineItems(validated.Items))
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, quoteResponse{
		validateResponse: *validated,
		Fees:             fees,
		TotalAmount:      validated.Subtotal + fees.TotalBuyerFees,
	})
}

func (h *CheckoutHandler) validate(r *http.Request) (*validateResponse, error) {
	eventID, err := eventIDParam(r)
	if err != nil {
		return nil, err
	}

	var req selectionsRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, err
	}

	items, err := h.validator.ValidateSelections(r.Context(), eventID, req.Selections)
	if err != nil {
		return nil, err
	}

	resp := &validateResponse{Success: true, Items: items}
	for _, item := range items {
		resp.Subtotal += item.Subtotal
	}
	if len(items) > 0 {
		resp.Currency = items[0].Currency
	}
	return resp, nil
}

// CreateOrder creates an order for the signed-in buyer
func (h *CheckoutHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req models.CheckoutRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	applyIdempotencyHeader(r, &req)
	req.CartOwner = cartOwner(r)

	result, err := h.orders.CreateOrder(r.Context(), middleware.GetIdentity(r.Context()), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, checkoutStatus(result), result)
}

// CreateGuestOrder creates an order for a buyer without an account
func (h *CheckoutHandler) CreateGuestOrder(w http.ResponseWriter, r *http.Request) {
	var req guestCheckoutRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	applyIdempotencyHeader(r, &req.CheckoutRequest)
	req.CartOwner = cartOwner(r)

	result, err := h.orders.CreateGuestOrder(r.Context(), req.Guest, req.CheckoutRequest)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, checkoutStatus(result), result)
}

// applyIdempotencyHeader lets clients send the key as a header instead of in
// the body
func applyIdempotencyHeader(r *http.Request, req *models.CheckoutRequest) {
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		req.IdempotencyKey = strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	}
}

func checkoutStatus(result *models.CheckoutResult) int {
	if result.Duplicate {
		return http.StatusOK
	}
	return http.StatusCreated
}
