package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"ticketing-checkout/internal/models"
)

// CartStore is the server-mirrored cart
type CartStore interface {
	Get(ctx context.Context, owner string, eventID int64) (models.CartSelection, error)
	Set(ctx context.Context, owner string, eventID int64, selection models.CartSelection) (models.CartSelection, error)
	SetQuantity(ctx context.Context, owner string, eventID, ticketTypeID int64, quantity int) (models.CartSelection, error)
	Clear(ctx context.Context, owner string, eventID int64) error
}

// CartHandler exposes the cart of the current buyer for one event
type CartHandler struct {
	store CartStore
}

// NewCartHandler creates a new cart handler
func NewCartHandler(store CartStore) *CartHandler {
	return &CartHandler{store: store}
}

type cartResponse struct {
	Success    bool                 `json:"success"`
	EventID    int64                `json:"event_id"`
	Selections models.CartSelection `json:"selections"`
	Count      int                  `json:"count"`
}

type quantityRequest struct {
	Quantity int `json:"quantity"`
}

// GetCart returns the current selection
func (h *CartHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	owner, eventID, err := cartScope(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	selection, err := h.store.Get(r.Context(), owner, eventID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newCartResponse(eventID, selection))
}

// ReplaceCart replaces the whole selection
func (h *CartHandler) ReplaceCart(w http.ResponseWriter, r *http.Request) {
	owner, eventID, err := cartScope(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req selectionsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	selection, err := h.store.Set(r.Context(), owner, eventID, req.Selections)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newCartResponse(eventID, selection))
}

// UpdateItem sets the quantity of one ticket type; zero removes it
func (h *CartHandler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	owner, eventID, err := cartScope(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	ticketTypeID, err := strconv.ParseInt(chi.URLParam(r, "ticketTypeID"), 10, 64)
	if err != nil || ticketTypeID <= 0 {
		writeError(w, r, models.NewValidationError("ticket_type_id", "invalid ticket type ID"))
		return
	}

	var req quantityRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	selection, err := h.store.SetQuantity(r.Context(), owner, eventID, ticketTypeID, req.Quantity)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newCartResponse(eventID, selection))
}

// ClearCart empties the selection
func (h *CartHandler) ClearCart(w http.ResponseWriter, r *http.Request) {
	owner, eventID, err := cartScope(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := h.store.Clear(r.Context(), owner, eventID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newCartResponse(eventID, nil))
}

func cartScope(r *http.Request) (string, int64, error) {
	eventID, err := eventIDParam(r)
	if err != nil {
		return "", 0, err
	}
	owner := cartOwner(r)
	if owner == "" {
		return "", 0, models.NewValidationError("X-Cart-ID", "sign in or send a cart id")
	}
	return owner, eventID, nil
}

func newCartResponse(eventID int64, selection models.CartSelection) cartResponse {
	if selection == nil {
		selection = models.CartSelection{}
	}
	return cartResponse{
		Success:    true,
		EventID:    eventID,
		Selections: selection,
		Count:      selection.TotalQuantity(),
	}
}
