package services

import (
	"context"
	"fmt"
	"sort"
	"time"

	"ticketing-checkout/internal/models"
)

// TicketTypeReader is the ticket type storage the inventory validator reads
type TicketTypeReader interface {
	GetTicketTypesByIDs(ctx context.Context, ids []int64) ([]*models.TicketType, error)
}

// InventoryValidator checks requested quantities against live ticket type
// state. It only reads; nothing is reserved.
type InventoryValidator struct {
	tickets     TicketTypeReader
	maxQuantity int
	now         func() time.Time
}

// NewInventoryValidator creates a new inventory validator
func NewInventoryValidator(tickets TicketTypeReader, maxQuantity int) *InventoryValidator {
	return &InventoryValidator{
		tickets:     tickets,
		maxQuantity: maxQuantity,
		now:         time.Now,
	}
}

// ValidateSelections returns priced line items sorted by ticket type id, or the
// first InventoryError found
func (v *InventoryValidator) ValidateSelections(ctx context.Context, eventID int64, selections models.CartSelection) ([]models.ValidatedLineItem, error) {
	if eventID <= 0 {
		return nil, models.NewValidationError("event_id", "event is required")
	}
	if len(selections) == 0 {
		return nil, models.NewValidationError("selections", "select at least one ticket")
	}
	if err := selections.Validate(v.maxQuantity); err != nil {
		return nil, err
	}

	ids := selections.TicketTypeIDs()
	ticketTypes, err := v.tickets.GetTicketTypesByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load ticket types: %w", err)
	}

	byID := make(map[int64]*models.TicketType, len(ticketTypes))
	for _, tt := range ticketTypes {
		byID[tt.ID] = tt
	}

	now := v.now()
	items := make([]models.ValidatedLineItem, 0, len(ids))
	var total int64
	currency := ""

	for _, id := range ids {
		qty := selections[id]
		tt, ok := byID[id]
		if !ok {
			return nil, &models.InventoryError{TicketTypeID: id, Reason: models.InventoryUnknownType, Requested: qty}
		}

		if err := checkTicketType(tt, eventID, qty, now); err != nil {
			return nil, err
		}

		ttCurrency := models.NormalizeCurrency(tt.Currency)
		if currency == "" {
			currency = ttCurrency
		} else if currency != ttCurrency {
			return nil, models.NewValidationError("selections", "all tickets in an order must share one currency")
		}

		subtotal := tt.Price * int64(qty)
		total += subtotal
		items = append(items, models.ValidatedLineItem{
			TicketTypeID: tt.ID,
			Name:         tt.Name,
			Quantity:     qty,
			UnitPrice:    tt.Price,
			Currency:     ttCurrency,
			Subtotal:     subtotal,
		})
	}

	if total <= 0 {
		return nil, models.NewValidationError("selections", "order total must be positive")
	}

	sort.Slice(items, func(i, j int) bool { return items[i].TicketTypeID < items[j].TicketTypeID })
	return items, nil
}

func checkTicketType(tt *models.TicketType, eventID int64, qty int, now time.Time) error {
	invErr := func(reason string) error {
		return &models.InventoryError{
			TicketTypeID:   tt.ID,
			TicketTypeName: tt.Name,
			Reason:         reason,
			Requested:      qty,
			Available:      tt.Available,
			Limit:          tt.MaxPerOrder,
		}
	}

	if tt.EventID != eventID {
		return invErr(models.InventoryWrongEvent)
	}
	if tt.SalesPaused(now) {
		return invErr(models.InventorySalesPaused)
	}
	if tt.Price < 0 {
		return invErr(models.InventoryInvalidPrice)
	}
	if qty > tt.Available {
		return invErr(models.InventoryInsufficient)
	}
	if tt.ExceedsOrderLimit(qty) {
		return invErr(models.InventoryOverOrderMax)
	}

	return nil
}
