package models

import (
	"errors"
	"strings"
	"time"
)

// TicketTypeStatus represents the sale status of a ticket type
type TicketTypeStatus string

const (
	TicketTypeActive   TicketTypeStatus = "active"
	TicketTypePaused   TicketTypeStatus = "paused"
	TicketTypeSoldOut  TicketTypeStatus = "sold_out"
	TicketTypeArchived TicketTypeStatus = "archived"
)

// TicketType represents a purchasable category of tickets for an event.
// Available is only decremented at settlement.
type TicketType struct {
	ID           int64            `json:"id" db:"id"`
	EventID      int64            `json:"event_id" db:"event_id"`
	Name         string           `json:"name" db:"name"`
	Price        int64            `json:"price" db:"price"` // Price in minor units
	Currency     string           `json:"currency" db:"currency"`
	Available    int              `json:"available" db:"available"`
	MaxPerOrder  int              `json:"max_per_order" db:"max_per_order"` // 0 means unbounded
	SalesEnabled bool             `json:"sales_enabled" db:"sales_enabled"`
	Status       TicketTypeStatus `json:"status" db:"status"`
	SaleStart    *time.Time       `json:"sale_start,omitempty" db:"sale_start"`
	SaleEnd      *time.Time       `json:"sale_end,omitempty" db:"sale_end"`
	CreatedAt    time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at" db:"updated_at"`
}

// Validate validates the ticket type data
func (tt *TicketType) Validate() error {
	if err := validateTicketTypeName(tt.Name); err != nil {
		return err
	}

	if tt.Price < 0 {
		return errors.New("ticket price cannot be negative")
	}

	if tt.Available < 0 {
		return errors.New("available quantity cannot be negative")
	}

	if tt.MaxPerOrder < 0 {
		return errors.New("max per order cannot be negative")
	}

	if NormalizeCurrency(tt.Currency) == "" {
		return errors.New("currency is required")
	}

	if tt.SaleStart != nil && tt.SaleEnd != nil && tt.SaleStart.After(*tt.SaleEnd) {
		return errors.New("sale start date must be before sale end date")
	}

	return nil
}

// validateTicketTypeName validates a ticket type name
func validateTicketTypeName(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("ticket type name is required")
	}

	if len(name) > 100 {
		return errors.New("ticket type name must be less than 100 characters")
	}

	return nil
}

// SalesPaused returns true if the ticket type cannot be sold at the given time
func (tt *TicketType) SalesPaused(now time.Time) bool {
	if !tt.SalesEnabled || tt.Status != TicketTypeActive {
		return true
	}

	if tt.SaleStart != nil && now.Before(*tt.SaleStart) {
		return true
	}

	if tt.SaleEnd != nil && now.After(*tt.SaleEnd) {
		return true
	}

	return false
}

// IsSoldOut returns true if no tickets remain
func (tt *TicketType) IsSoldOut() bool {
	return tt.Available <= 0
}

// ExceedsOrderLimit returns true if quantity is above the per-order maximum
func (tt *TicketType) ExceedsOrderLimit(quantity int) bool {
	return tt.MaxPerOrder > 0 && quantity > tt.MaxPerOrder
}

// PriceInCurrency returns the price in major units
func (tt *TicketType) PriceInCurrency() float64 {
	return ToMajor(tt.Price, tt.Currency)
}

// ValidatedLineItem is a ticket selection that passed inventory validation
type ValidatedLineItem struct {
	TicketTypeID int64  `json:"ticket_type_id"`
	Name         string `json:"name"`
	Quantity     int    `json:"quantity"`
	UnitPrice    int64  `json:"unit_price"`
	Currency     string `json:"currency"`
	Subtotal     int64  `json:"subtotal"`
}

// TicketLine is the provider-facing view of a line item
type TicketLine struct {
	TicketTypeID int64   `json:"ticket_type_id"`
	Name         string  `json:"name"`
	Quantity     int     `json:"quantity"`
	PriceMajor   float64 `json:"price_major"`
	Currency     string  `json:"currency"`
}

// ToTicketLine converts a validated line item into a provider ticket line
func (li ValidatedLineItem) ToTicketLine() TicketLine {
	return TicketLine{
		TicketTypeID: li.TicketTypeID,
		Name:         li.Name,
		Quantity:     li.Quantity,
		PriceMajor:   ToMajor(li.UnitPrice, li.Currency),
		Currency:     li.Currency,
	}
}

// Selection is a priced ticket selection used for fee computation
type Selection struct {
	TicketTypeID int64 `json:"ticket_type_id"`
	Quantity     int   `json:"quantity"`
	UnitPrice    int64 `json:"unit_price"`
}

// SelectionsFromLineItems converts validated line items into fee selections
func SelectionsFromLineItems(items []ValidatedLineItem) []Selection {
	selections := make([]Selection, 0, len(items))
	for _, item := range items {
		selections = append(selections, Selection{
			TicketTypeID: item.TicketTypeID,
			Quantity:     item.Quantity,
			UnitPrice:    item.UnitPrice,
		})
	}
	return selections
}
