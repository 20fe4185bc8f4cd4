package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validOrder() Order {
	return Order{
		OrderNumber:      "ORD-20240101-123456",
		EventID:          3,
		Subtotal:         10000,
		BuyerFees:        300,
		TotalAmount:      10300,
		Currency:         "XOF",
		Status:           OrderPending,
		PaymentMethod:    PaymentMobileMoney,
		TicketQuantities: map[int64]int{1: 2},
		BillingEmail:     "test@example.com",
		BillingName:      "John Doe",
	}
}

func TestOrder_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(o *Order)
		wantErr bool
		errMsg  string
	}{
		{name: "valid order", mutate: func(o *Order) {}},
		{name: "invalid order number - empty", mutate: func(o *Order) { o.OrderNumber = "" }, wantErr: true, errMsg: "order number format is invalid"},
		{name: "invalid order number - wrong format", mutate: func(o *Order) { o.OrderNumber = "ORD-2024-1" }, wantErr: true, errMsg: "order number format is invalid"},
		{name: "missing event", mutate: func(o *Order) { o.EventID = 0 }, wantErr: true, errMsg: "event is required"},
		{name: "zero total", mutate: func(o *Order) { o.Subtotal, o.BuyerFees, o.TotalAmount = 0, 0, 0 }, wantErr: true, errMsg: "total amount must be positive"},
		{name: "total mismatch", mutate: func(o *Order) { o.TotalAmount = 10000 }, wantErr: true, errMsg: "total amount does not match subtotal plus buyer fees"},
		{name: "invalid status", mutate: func(o *Order) { o.Status = "refunded" }, wantErr: true, errMsg: "invalid order status"},
		{name: "invalid payment method", mutate: func(o *Order) { o.PaymentMethod = "PAYPAL" }, wantErr: true, errMsg: "invalid payment method"},
		{name: "no tickets", mutate: func(o *Order) { o.TicketQuantities = nil }, wantErr: true, errMsg: "order has no tickets"},
		{name: "invalid email", mutate: func(o *Order) { o.BillingEmail = "invalid-email" }, wantErr: true, errMsg: "email format is invalid"},
		{name: "missing name", mutate: func(o *Order) { o.BillingName = "  " }, wantErr: true, errMsg: "name is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			order := validOrder()
			tt.mutate(&order)

			err := order.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestIsValidStatusTransition(t *testing.T) {
	tests := []struct {
		from, to OrderStatus
		want     bool
	}{
		{OrderPending, OrderAwaitingPayment, true},
		{OrderPending, OrderCancelled, true},
		{OrderPending, OrderCompleted, false},
		{OrderAwaitingPayment, OrderCompleted, true},
		{OrderAwaitingPayment, OrderCancelled, true},
		{OrderAwaitingPayment, OrderPending, false},
		{OrderCompleted, OrderCancelled, false},
		{OrderCancelled, OrderAwaitingPayment, false},
		{OrderCancelled, OrderCompleted, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, IsValidStatusTransition(tt.from, tt.to))
			order := Order{Status: tt.from}
			assert.Equal(t, tt.want, order.CanTransitionTo(tt.to))
		})
	}
}

func TestOrder_StatusChecks(t *testing.T) {
	order := Order{Status: OrderAwaitingPayment}
	assert.True(t, order.IsAwaitingPayment())
	assert.False(t, order.IsPending())
	assert.False(t, order.IsTerminal())
	assert.True(t, order.IsGuest())

	userID := int64(4)
	order = Order{Status: OrderCompleted, UserID: &userID}
	assert.True(t, order.IsCompleted())
	assert.True(t, order.IsTerminal())
	assert.False(t, order.IsGuest())
	assert.Equal(t, "Completed", order.GetStatusDisplayName())

	order = Order{Status: OrderCancelled}
	assert.True(t, order.IsCancelled())
	assert.True(t, order.IsTerminal())
}

func TestOrder_TotalAmountInCurrency(t *testing.T) {
	order := Order{TotalAmount: 10300, Currency: "XOF"}
	assert.Equal(t, 10300.0, order.TotalAmountInCurrency())

	order = Order{TotalAmount: 1632, Currency: "USD"}
	assert.Equal(t, 16.32, order.TotalAmountInCurrency())
}

func TestOrder_IsExpired(t *testing.T) {
	order := Order{Status: OrderAwaitingPayment, CreatedAt: time.Now().Add(-2 * time.Hour)}
	assert.True(t, order.IsExpired(time.Hour))
	assert.False(t, order.IsExpired(3*time.Hour))

	order.Status = OrderCompleted
	assert.False(t, order.IsExpired(time.Hour), "terminal orders never expire")
}

func TestGenerateOrderNumber(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		number := GenerateOrderNumber()
		assert.True(t, IsValidOrderNumber(number), number)
		seen[number] = true
	}
	assert.Greater(t, len(seen), 1)
}

func TestValidateContact(t *testing.T) {
	err := ValidateContact("", "Awa")
	var validationErr *ValidationError
	assert.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "email", validationErr.Field)

	assert.NoError(t, ValidateContact("awa@example.sn", "Awa"))

	guest := GuestIdentity{Email: "  awa@example.sn ", Name: " Awa Diop "}
	guest.Normalize()
	assert.Equal(t, "awa@example.sn", guest.Email)
	assert.Equal(t, "Awa Diop", guest.Name)
	assert.NoError(t, guest.Validate())
}
