package models

import "time"

// Settlement records that a confirmed payment was applied to an order.
// OrderID and PaymentID are unique so a settlement happens at most once.
type Settlement struct {
	ID           int64     `json:"id" db:"id"`
	OrderID      int64     `json:"order_id" db:"order_id"`
	PaymentID    string    `json:"payment_id" db:"payment_id"`
	Amount       int64     `json:"amount" db:"amount"`
	Currency     string    `json:"currency" db:"currency"`
	OverCapacity bool      `json:"over_capacity" db:"over_capacity"`
	SettledAt    time.Time `json:"settled_at" db:"settled_at"`
}

// SettlementOutcome reports what a settle call did
type SettlementOutcome struct {
	Applied      bool
	OverCapacity bool
	ShortTypes   []int64
	Order        *Order
}

// OrderConfirmedEvent is emitted once per completed order
type OrderConfirmedEvent struct {
	ID            string       `json:"id"`
	OrderID       int64        `json:"order_id"`
	OrderNumber   string       `json:"order_number"`
	TicketEventID int64        `json:"event_id"`
	UserID        *int64       `json:"user_id,omitempty"`
	Email         string       `json:"email"`
	Name          string       `json:"name"`
	Total         float64      `json:"total"`
	Currency      string       `json:"currency"`
	Lines         []TicketLine `json:"lines"`
	CompletedAt   time.Time    `json:"completed_at"`
}
