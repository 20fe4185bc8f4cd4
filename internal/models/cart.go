package models

import (
	"fmt"
	"sort"
)

// CartSelection maps ticket type ids to requested quantities for one event
type CartSelection map[int64]int

// Validate checks that every quantity is positive and within maxPerType
func (c CartSelection) Validate(maxPerType int) error {
	for _, id := range c.TicketTypeIDs() {
		qty := c[id]
		if id <= 0 {
			return NewValidationError("ticket_type_id", "ticket type is invalid")
		}
		if qty <= 0 {
			return NewValidationError(fmt.Sprintf("quantities[%d]", id), "quantity must be positive")
		}
		if maxPerType > 0 && qty > maxPerType {
			return NewValidationError(fmt.Sprintf("quantities[%d]", id), fmt.Sprintf("quantity cannot exceed %d", maxPerType))
		}
	}
	return nil
}

// TicketTypeIDs returns the selected ticket type ids in ascending order
func (c CartSelection) TicketTypeIDs() []int64 {
	ids := make([]int64, 0, len(c))
	for id := range c {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// TotalQuantity returns the number of tickets across all types
func (c CartSelection) TotalQuantity() int {
	total := 0
	for _, qty := range c {
		total += qty
	}
	return total
}

// Compact returns a copy without zero quantities
func (c CartSelection) Compact() CartSelection {
	out := make(CartSelection, len(c))
	for id, qty := range c {
		if qty != 0 {
			out[id] = qty
		}
	}
	return out
}

// Clone returns a copy of the selection
func (c CartSelection) Clone() CartSelection {
	out := make(CartSelection, len(c))
	for id, qty := range c {
		out[id] = qty
	}
	return out
}
