package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"ticketing-checkout/internal/models"
)

type checkoutFixture struct {
	service  *OrderService
	orders   *fakeOrderStore
	payments *fakePayments
	fees     *fakeFeeRules
	tickets  *fakeTicketReader
	cart     *fakeCartClearer
}

func newCheckoutFixture(allowed ...models.PaymentMethod) *checkoutFixture {
	payments := newFakePayments()
	f := newCheckoutFixtureWith(payments, allowed...)
	f.payments = payments
	return f
}

// newCheckoutFixtureWith builds the fixture around another payment creator,
// such as a gateway router backed by a real ledger
func newCheckoutFixtureWith(payments PaymentCreator, allowed ...models.PaymentMethod) *checkoutFixture {
	f := &checkoutFixture{
		orders: newFakeOrderStore(),
		fees: &fakeFeeRules{rules: []*models.ServiceFeeRule{
			{ID: 1, Scope: models.FeeScopeGlobal, FeeType: models.FeeTypePercentage, FeeValue: 2, AppliesTo: models.FeeAppliesToBuyer, Active: true},
		}},
		tickets: newFakeTicketReader(activeTicketType(1, 1, 5000, "XOF", 10)),
		cart:    &fakeCartClearer{},
	}

	f.service = NewOrderService(
		NewInventoryValidator(f.tickets, 100),
		NewFeeService(f.fees, 2, 100),
		NewAuthenticatedOrderCreator(f.orders, payments),
		NewGuestOrderCreator(f.orders, payments),
		f.cart,
		OrderServiceConfig{AllowedMethods: allowed, MaxQuantity: 100},
	)
	return f
}

func buyer() *models.Identity {
	return &models.Identity{UserID: 5, Email: "buyer@example.com", Name: "Ada Buyer"}
}

func mobileMoneyCheckout(quantity int) models.CheckoutRequest {
	return models.CheckoutRequest{
		EventID:        1,
		Selections:     models.CartSelection{1: quantity},
		PaymentMethod:  models.PaymentMobileMoney,
		PaymentDetails: models.PaymentDetails{Phone: "  0777000000 "},
		CartOwner:      "user:5",
	}
}

func TestOrderService_CreateOrder(t *testing.T) {
	f := newCheckoutFixture()

	result, err := f.service.CreateOrder(context.Background(), buyer(), mobileMoneyCheckout(2))
	require.NoError(t, err)

	assert.Equal(t, int64(10000), result.Subtotal)
	assert.Equal(t, int64(200), result.BuyerFees)
	assert.Equal(t, int64(10200), result.TotalAmount)
	assert.Equal(t, "XOF", result.Currency)
	assert.Equal(t, models.OrderAwaitingPayment, result.Status)
	assert.NotEmpty(t, result.PaymentURL)
	assert.NotEmpty(t, result.PaymentToken)
	assert.False(t, result.Duplicate)
	assert.False(t, result.FeeFallback)

	require.Len(t, f.payments.requests, 1)
	req := f.payments.requests[0]
	assert.Equal(t, "0777000000", req.Customer.Phone)
	assert.Equal(t, int64(10200), req.Amount)
	require.Len(t, req.Lines, 1)
	assert.Equal(t, 2, req.Lines[0].Quantity)
	assert.Equal(t, 5000.0, req.Lines[0].PriceMajor)
	assert.Equal(t, "XOF", req.Lines[0].Currency)
	assert.Len(t, req.IdempotencyKey, 36, "a UUID is generated when no key is given")

	stored, err := f.orders.GetByID(context.Background(), result.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderAwaitingPayment, stored.Status)
	assert.Equal(t, map[int64]int{1: 2}, stored.TicketQuantities)
	require.NotNil(t, stored.UserID)
	assert.Equal(t, int64(5), *stored.UserID)
	assert.Equal(t, result.PaymentID, stored.PaymentID)

	assert.Equal(t, []int64{1}, f.cart.cleared)
}

func TestOrderService_CreateOrder_RequiresIdentity(t *testing.T) {
	f := newCheckoutFixture()

	_, err := f.service.CreateOrder(context.Background(), nil, mobileMoneyCheckout(1))
	assert.ErrorIs(t, err, models.ErrUnauthorized)

	_, err = f.service.CreateOrder(context.Background(), &models.Identity{}, mobileMoneyCheckout(1))
	assert.ErrorIs(t, err, models.ErrUnauthorized)
	assert.Zero(t, f.orders.creates)
}

func TestOrderService_CreateOrder_InsufficientInventory(t *testing.T) {
	f := newCheckoutFixture()

	_, err := f.service.CreateOrder(context.Background(), buyer(), mobileMoneyCheckout(11))

	var invErr *models.InventoryError
	require.ErrorAs(t, err, &invErr)
	assert.Equal(t, models.InventoryInsufficient, invErr.Reason)
	assert.Equal(t, 10, invErr.Available)
	assert.Zero(t, f.orders.creates)
	assert.Zero(t, f.payments.calls())
}

func TestOrderService_CreateOrder_RejectsMethodBeforeAnyCall(t *testing.T) {
	tests := []struct {
		name    string
		allowed []models.PaymentMethod
		method  models.PaymentMethod
	}{
		{name: "unknown method", method: "CASH"},
		{name: "method disabled by config", allowed: []models.PaymentMethod{models.PaymentMobileMoney}, method: models.PaymentCard},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newCheckoutFixture(tt.allowed...)
			req := mobileMoneyCheckout(1)
			req.PaymentMethod = tt.method

			_, err := f.service.CreateOrder(context.Background(), buyer(), req)

			var validationErr *models.ValidationError
			require.ErrorAs(t, err, &validationErr)
			assert.Equal(t, "payment_method", validationErr.Field)
			assert.Zero(t, f.tickets.calls)
			assert.Zero(t, f.fees.rpcCalls)
			assert.Zero(t, f.orders.creates)
			assert.Zero(t, f.payments.calls())
		})
	}
}

func TestOrderService_CreateOrder_MobileMoneyNeedsPhone(t *testing.T) {
	f := newCheckoutFixture()
	req := mobileMoneyCheckout(1)
	req.PaymentDetails.Phone = "   "

	_, err := f.service.CreateOrder(context.Background(), buyer(), req)

	var validationErr *models.ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "phone", validationErr.Field)
	assert.Zero(t, f.orders.creates)
}

func TestOrderService_CreateOrder_PaymentFailureDeletesOrder(t *testing.T) {
	f := newCheckoutFixture()
	providerErr := &models.PaymentProviderError{Provider: mobileMoneyProvider, StatusCode: 400, Message: "invalid currency"}
	f.payments.err = providerErr

	_, err := f.service.CreateOrder(context.Background(), buyer(), mobileMoneyCheckout(2))

	assert.ErrorIs(t, err, providerErr)
	assert.Equal(t, 1, f.orders.creates)
	assert.Len(t, f.orders.deleted, 1)
	assert.Zero(t, f.orders.count())
	assert.Empty(t, f.cart.cleared)
}

func TestOrderService_CreateOrder_FailedCompensationKeepsOriginalError(t *testing.T) {
	f := newCheckoutFixture()
	providerErr := &models.PaymentProviderError{Provider: mobileMoneyProvider, Message: "timeout", Temporary: true}
	f.payments.err = providerErr
	f.orders.deleteErr = errors.New("connection reset")

	_, err := f.service.CreateOrder(context.Background(), buyer(), mobileMoneyCheckout(2))

	assert.ErrorIs(t, err, providerErr)
	assert.Equal(t, 1, f.orders.count(), "the orphaned order is left for the worker")
}

func TestOrderService_CreateOrder_IdempotentRetry(t *testing.T) {
	f := newCheckoutFixture()
	req := mobileMoneyCheckout(2)
	req.IdempotencyKey = "checkout-key-0001"

	first, err := f.service.CreateOrder(context.Background(), buyer(), req)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := f.service.CreateOrder(context.Background(), buyer(), req)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.OrderID, second.OrderID)
	assert.Equal(t, first.PaymentToken, second.PaymentToken)
	assert.Equal(t, 1, f.orders.count())
}

func TestOrderService_CreateOrder_ShortIdempotencyKey(t *testing.T) {
	f := newCheckoutFixture()
	req := mobileMoneyCheckout(1)
	req.IdempotencyKey = "short"

	_, err := f.service.CreateOrder(context.Background(), buyer(), req)

	var validationErr *models.ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "idempotency_key", validationErr.Field)
}

func TestOrderService_CreateOrder_FlatFeeFallback(t *testing.T) {
	f := newCheckoutFixture()
	f.fees.rpcErr = errors.New("procedure missing")
	f.fees.listErr = errors.New("table missing")

	result, err := f.service.CreateOrder(context.Background(), buyer(), mobileMoneyCheckout(2))
	require.NoError(t, err)
	assert.True(t, result.FeeFallback)
	assert.Equal(t, int64(200), result.BuyerFees)
}

func TestOrderService_CreateGuestOrder(t *testing.T) {
	f := newCheckoutFixture()
	guest := models.GuestIdentity{Email: " guest@example.com ", Name: "Guest Buyer"}

	result, err := f.service.CreateGuestOrder(context.Background(), guest, mobileMoneyCheckout(2))
	require.NoError(t, err)
	assert.Equal(t, models.OrderAwaitingPayment, result.Status)
	assert.Equal(t, int64(10200), result.TotalAmount)

	stored, err := f.orders.GetByID(context.Background(), result.OrderID)
	require.NoError(t, err)
	assert.Nil(t, stored.UserID)
	assert.Equal(t, "guest@example.com", stored.BillingEmail)
	assert.Equal(t, "0777000000", stored.BillingPhone)
}

func TestOrderService_CreateGuestOrder_ZeroQuantity(t *testing.T) {
	f := newCheckoutFixture()
	guest := models.GuestIdentity{Email: "guest@example.com", Name: "Guest Buyer"}

	_, err := f.service.CreateGuestOrder(context.Background(), guest, mobileMoneyCheckout(0))

	var validationErr *models.ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "quantity must be positive", validationErr.Message)
	assert.Zero(t, f.tickets.calls)
	assert.Zero(t, f.fees.rpcCalls)
	assert.Zero(t, f.orders.creates)
}

func TestOrderService_CreateGuestOrder_InvalidContact(t *testing.T) {
	tests := []struct {
		name      string
		guest     models.GuestIdentity
		wantField string
	}{
		{name: "bad email", guest: models.GuestIdentity{Email: "not-an-email", Name: "Guest"}, wantField: "email"},
		{name: "blank name", guest: models.GuestIdentity{Email: "guest@example.com", Name: "  "}, wantField: "name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newCheckoutFixture()
			_, err := f.service.CreateGuestOrder(context.Background(), tt.guest, mobileMoneyCheckout(1))

			var validationErr *models.ValidationError
			require.ErrorAs(t, err, &validationErr)
			assert.Equal(t, tt.wantField, validationErr.Field)
			assert.Zero(t, f.tickets.calls)
		})
	}
}

func TestOrderService_CreateGuestOrder_PaymentFailureLeavesNothing(t *testing.T) {
	f := newCheckoutFixture()
	f.payments.err = &models.PaymentProviderError{Provider: mobileMoneyProvider, StatusCode: 500, Temporary: true}
	guest := models.GuestIdentity{Email: "guest@example.com", Name: "Guest Buyer"}

	_, err := f.service.CreateGuestOrder(context.Background(), guest, mobileMoneyCheckout(2))

	var providerErr *models.PaymentProviderError
	require.ErrorAs(t, err, &providerErr)
	assert.Equal(t, 1, f.orders.creates)
	assert.Zero(t, f.orders.count())
	assert.Empty(t, f.orders.deleted, "nothing to compensate")
}

func TestOrderService_CreateOrder_RetryWhilePaymentInFlight(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	gateway := new(MockPaymentGateway)
	gateway.On("Create", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			close(entered)
			<-release
		}).
		Return(gatewayResult("trk-1", 10200, "XOF"), nil).Once()

	f := newCheckoutFixtureWith(newTestRouter(t, gateway))
	req := mobileMoneyCheckout(2)
	req.IdempotencyKey = "same-key-0001"

	type outcome struct {
		result *models.CheckoutResult
		err    error
	}
	firstDone := make(chan outcome, 1)
	go func() {
		result, err := f.service.CreateOrder(context.Background(), buyer(), req)
		firstDone <- outcome{result, err}
	}()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		require.FailNow(t, "first checkout never reached the gateway")
	}

	_, err := f.service.CreateOrder(context.Background(), buyer(), req)
	assert.ErrorIs(t, err, models.ErrIdempotencyInFlight)
	assert.Empty(t, f.orders.deleted, "the retry must not delete the order being paid")
	assert.Equal(t, 1, f.orders.count())

	close(release)
	first := <-firstDone
	require.NoError(t, first.err)
	assert.Equal(t, models.OrderAwaitingPayment, first.result.Status)
	assert.Equal(t, "trk-1", first.result.PaymentID)

	again, err := f.service.CreateOrder(context.Background(), buyer(), req)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.result.OrderID, again.OrderID)
	assert.Equal(t, "trk-1", again.PaymentID)

	gateway.AssertNumberOfCalls(t, "Create", 1)
}

func TestOrderService_CreateOrder_LedgerErrorKeepsOrder(t *testing.T) {
	payments := newFakePayments()
	payments.err = models.ErrIdempotencyInFlight
	f := newCheckoutFixtureWith(payments)

	_, err := f.service.CreateOrder(context.Background(), buyer(), mobileMoneyCheckout(2))

	assert.ErrorIs(t, err, models.ErrIdempotencyInFlight)
	assert.Empty(t, f.orders.deleted)
	assert.Equal(t, 1, f.orders.count(), "the attempt holding the key links the payment")
}

func TestOrderService_CreateGuestOrder_RetryAfterRollback(t *testing.T) {
	gateway := new(MockPaymentGateway)
	gateway.On("Create", mock.Anything, mock.Anything).
		Return(gatewayResult("trk-guest", 10200, "XOF"), nil).Once()

	f := newCheckoutFixtureWith(newTestRouter(t, gateway))
	guest := models.GuestIdentity{Email: "guest@example.com", Name: "Guest Buyer"}
	req := mobileMoneyCheckout(2)
	req.IdempotencyKey = "guest-key-0001"

	f.orders.commitErr = errors.New("commit failed")
	_, err := f.service.CreateGuestOrder(context.Background(), guest, req)
	require.Error(t, err)
	assert.Zero(t, f.orders.count())

	f.orders.commitErr = nil
	result, err := f.service.CreateGuestOrder(context.Background(), guest, req)
	require.NoError(t, err)
	assert.Equal(t, "trk-guest", result.PaymentID)

	stored, err := f.orders.GetByID(context.Background(), result.OrderID)
	require.NoError(t, err)
	assert.Equal(t, "trk-guest", stored.PaymentID)
	assert.Equal(t, models.OrderAwaitingPayment, stored.Status)

	gateway.AssertNumberOfCalls(t, "Create", 1)
}
