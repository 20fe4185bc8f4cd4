package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"ticketing-checkout/internal/idempotency"
	"ticketing-checkout/internal/models"
)

// compensationTimeout bounds the delete of an order whose payment failed
const compensationTimeout = 10 * time.Second

// OrderCreator persists a priced order and creates its provider payment
type OrderCreator interface {
	CreateOrder(ctx context.Context, order *models.Order, customer models.PaymentCustomer) (*models.Order, *models.PaymentResult, error)
}

// GuestOrderRepository is the order storage used for guest checkout
type GuestOrderRepository interface {
	GuestOrderStore
	GetByIdempotencyKey(ctx context.Context, key string) (*models.Order, error)
}

// AuthenticatedOrderCreator inserts the order, then creates the payment, and
// deletes the order again if the payment cannot be created
type AuthenticatedOrderCreator struct {
	orders   OrderStore
	payments PaymentCreator
}

// NewAuthenticatedOrderCreator creates a new authenticated order creator
func NewAuthenticatedOrderCreator(orders OrderStore, payments PaymentCreator) *AuthenticatedOrderCreator {
	return &AuthenticatedOrderCreator{orders: orders, payments: payments}
}

// CreateOrder persists the order as pending, creates the payment and moves the
// order to awaiting payment
func (c *AuthenticatedOrderCreator) CreateOrder(ctx context.Context, order *models.Order, customer models.PaymentCustomer) (*models.Order, *models.PaymentResult, error) {
	created, err := c.orders.Create(ctx, order)
	if errors.Is(err, models.ErrDuplicateEntry) {
		return c.replay(ctx, order, customer)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create order: %w", err)
	}

	result, err := c.payments.CreatePayment(ctx, newPaymentRequest(created, customer))
	if idempotency.IsLedgerError(err) {
		// a concurrent retry holds the key and will link the payment
		return nil, nil, err
	}
	if err != nil {
		c.compensate(ctx, created, err)
		return nil, nil, err
	}

	link := result.Link()
	if err := c.orders.AttachPayment(ctx, created.ID, &link); err != nil {
		logrus.WithFields(logrus.Fields{
			"flag":       "orphaned_pending_order",
			"order_id":   created.ID,
			"payment_id": result.PaymentID,
			"error":      err,
		}).Error("Payment created but could not be linked to order")
		return nil, nil, fmt.Errorf("failed to link payment to order: %w", err)
	}

	applyResult(created, result)
	return created, result, nil
}

// replay handles a retried checkout whose idempotency key already has an order
func (c *AuthenticatedOrderCreator) replay(ctx context.Context, order *models.Order, customer models.PaymentCustomer) (*models.Order, *models.PaymentResult, error) {
	existing, err := c.orders.GetByIdempotencyKey(ctx, order.IdempotencyKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load order for idempotency key: %w", err)
	}
	if !sameOwner(existing, order) {
		return nil, nil, &models.ValidationError{Field: "idempotency_key", Message: models.ErrIdempotencyConflict.Error(), Err: models.ErrIdempotencyConflict}
	}
	if existing.IsCancelled() {
		return nil, nil, &models.ValidationError{Field: "idempotency_key", Message: "the order for this idempotency key was cancelled"}
	}

	// the order belongs to the attempt that created it, a failed retry
	// never deletes it
	result, err := c.payments.CreatePayment(ctx, newPaymentRequest(existing, customer))
	if err != nil {
		return nil, nil, err
	}

	if existing.IsPending() {
		link := result.Link()
		err := c.orders.AttachPayment(ctx, existing.ID, &link)
		switch {
		case errors.Is(err, models.ErrInvalidStatusTransition):
			// the original attempt linked the payment first
		case err != nil:
			return nil, nil, fmt.Errorf("failed to link payment to order: %w", err)
		}
		applyResult(existing, result)
	}

	result.Duplicate = true
	return existing, result, nil
}

// compensate deletes a pending order whose payment failed. A failed delete is
// logged for the background worker and never masks the payment error.
func (c *AuthenticatedOrderCreator) compensate(ctx context.Context, order *models.Order, cause error) {
	// the request context may already be cancelled
	deleteCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	if err := c.orders.Delete(deleteCtx, order.ID); err != nil {
		logrus.WithFields(logrus.Fields{
			"flag":          "orphaned_pending_order",
			"order_id":      order.ID,
			"order_number":  order.OrderNumber,
			"payment_error": cause,
			"error":         err,
		}).Error("Failed to delete pending order after payment failure")
		return
	}

	logrus.WithFields(logrus.Fields{
		"order_id": order.ID,
		"error":    cause,
	}).Info("Deleted pending order after payment failure")
}

// GuestOrderCreator inserts the order and creates the payment inside one
// database transaction, so a failure leaves nothing behind
type GuestOrderCreator struct {
	orders   GuestOrderRepository
	payments PaymentCreator
}

// NewGuestOrderCreator creates a new guest order creator
func NewGuestOrderCreator(orders GuestOrderRepository, payments PaymentCreator) *GuestOrderCreator {
	return &GuestOrderCreator{orders: orders, payments: payments}
}

// CreateOrder persists the guest order and its payment atomically
func (c *GuestOrderCreator) CreateOrder(ctx context.Context, order *models.Order, customer models.PaymentCustomer) (*models.Order, *models.PaymentResult, error) {
	var result *models.PaymentResult

	created, err := c.orders.CreateGuestOrderAtomic(ctx, order, func(ctx context.Context, o *models.Order) (*models.PaymentLink, error) {
		res, err := c.payments.CreatePayment(ctx, newPaymentRequest(o, customer))
		if err != nil {
			return nil, err
		}
		result = res
		link := res.Link()
		return &link, nil
	})
	if errors.Is(err, models.ErrDuplicateEntry) {
		return c.replay(ctx, order, customer)
	}
	if err != nil {
		return nil, nil, err
	}

	// a stored result may name the order of a rolled back attempt
	result.OrderID = created.ID
	applyResult(created, result)
	return created, result, nil
}

func (c *GuestOrderCreator) replay(ctx context.Context, order *models.Order, customer models.PaymentCustomer) (*models.Order, *models.PaymentResult, error) {
	existing, err := c.orders.GetByIdempotencyKey(ctx, order.IdempotencyKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load order for idempotency key: %w", err)
	}
	if !sameOwner(existing, order) {
		return nil, nil, &models.ValidationError{Field: "idempotency_key", Message: models.ErrIdempotencyConflict.Error(), Err: models.ErrIdempotencyConflict}
	}

	result, err := c.payments.CreatePayment(ctx, newPaymentRequest(existing, customer))
	if err != nil {
		return nil, nil, err
	}

	result.Duplicate = true
	return existing, result, nil
}

// newPaymentRequest builds the provider-independent payment request for an order
func newPaymentRequest(order *models.Order, customer models.PaymentCustomer) *models.PaymentRequest {
	lines := make([]models.TicketLine, 0, len(order.Lines))
	for _, line := range order.Lines {
		lines = append(lines, line.ToTicketLine())
	}

	return &models.PaymentRequest{
		IdempotencyKey: order.IdempotencyKey,
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		EventID:        order.EventID,
		Lines:          lines,
		Amount:         order.TotalAmount,
		Currency:       order.Currency,
		Method:         order.PaymentMethod,
		Customer:       customer,
	}
}

func applyResult(order *models.Order, result *models.PaymentResult) {
	order.Status = models.OrderAwaitingPayment
	order.PaymentID = result.PaymentID
	order.PaymentToken = result.PaymentToken
	order.ProviderAmount = result.ProviderAmount
	order.ProviderCurrency = result.ProviderCurrency
}

func sameOwner(existing, requested *models.Order) bool {
	if (existing.UserID == nil) != (requested.UserID == nil) {
		return false
	}
	if existing.UserID != nil && *existing.UserID != *requested.UserID {
		return false
	}
	return existing.EventID == requested.EventID &&
		existing.TotalAmount == requested.TotalAmount &&
		strings.EqualFold(existing.BillingEmail, requested.BillingEmail)
}

// OrderService prices and validates checkouts and hands them to the creator
// for the buyer's identity
type OrderService struct {
	validator      SelectionValidator
	fees           FeeCalculator
	authenticated  OrderCreator
	guest          OrderCreator
	cart           CartClearer
	allowedMethods map[models.PaymentMethod]bool
	maxQuantity    int
}

// OrderServiceConfig holds the checkout limits the order service enforces
type OrderServiceConfig struct {
	AllowedMethods []models.PaymentMethod
	MaxQuantity    int
}

// NewOrderService creates a new order service. cart may be nil.
func NewOrderService(
	validator SelectionValidator,
	fees FeeCalculator,
	authenticated OrderCreator,
	guest OrderCreator,
	cart CartClearer,
	config OrderServiceConfig,
) *OrderService {
	allowed := make(map[models.PaymentMethod]bool, len(config.AllowedMethods))
	for _, m := range config.AllowedMethods {
		if m.IsValid() {
			allowed[m] = true
		}
	}
	if len(allowed) == 0 {
		allowed[models.PaymentMobileMoney] = true
		allowed[models.PaymentCard] = true
	}

	return &OrderService{
		validator:      validator,
		fees:           fees,
		authenticated:  authenticated,
		guest:          guest,
		cart:           cart,
		allowedMethods: allowed,
		maxQuantity:    config.MaxQuantity,
	}
}

// CreateOrder runs checkout for a signed-in buyer
func (s *OrderService) CreateOrder(ctx context.Context, identity *models.Identity, req models.CheckoutRequest) (*models.CheckoutResult, error) {
	if !identity.IsAuthenticated() {
		return nil, models.ErrUnauthorized
	}

	contact := models.GuestIdentity{
		Email: firstNonBlank(req.PaymentDetails.Email, identity.Email),
		Name:  firstNonBlank(req.PaymentDetails.Name, identity.Name),
		Phone: req.PaymentDetails.Phone,
	}
	userID := identity.UserID

	return s.checkout(ctx, s.authenticated, &userID, contact, req)
}

// CreateGuestOrder runs checkout for a buyer without an account
func (s *OrderService) CreateGuestOrder(ctx context.Context, guest models.GuestIdentity, req models.CheckoutRequest) (*models.CheckoutResult, error) {
	if guest.Phone == "" {
		guest.Phone = req.PaymentDetails.Phone
	}
	return s.checkout(ctx, s.guest, nil, guest, req)
}

func (s *OrderService) checkout(ctx context.Context, creator OrderCreator, userID *int64, contact models.GuestIdentity, req models.CheckoutRequest) (*models.CheckoutResult, error) {
	order, customer, fees, err := s.prepare(ctx, userID, contact, req)
	if err != nil {
		return nil, err
	}

	created, result, err := creator.CreateOrder(ctx, order, customer)
	if err != nil {
		return nil, err
	}

	if s.cart != nil && req.CartOwner != "" {
		if err := s.cart.Clear(ctx, req.CartOwner, req.EventID); err != nil {
			logrus.WithFields(logrus.Fields{
				"order_id": created.ID,
				"event_id": req.EventID,
				"error":    err,
			}).Warn("Failed to clear cart after order creation")
		}
	}

	logrus.WithFields(logrus.Fields{
		"order_id":        created.ID,
		"order_number":    created.OrderNumber,
		"event_id":        created.EventID,
		"payment_method":  created.PaymentMethod,
		"guest":           created.IsGuest(),
		"duplicate":       result.Duplicate,
		"idempotency_key": created.IdempotencyKey,
	}).Info("Order created")

	return &models.CheckoutResult{
		OrderID:      created.ID,
		OrderNumber:  created.OrderNumber,
		Status:       created.Status,
		Subtotal:     created.Subtotal,
		BuyerFees:    created.BuyerFees,
		TotalAmount:  created.TotalAmount,
		Currency:     created.Currency,
		PaymentURL:   result.PaymentURL,
		PaymentToken: result.PaymentToken,
		PaymentID:    result.PaymentID,
		Method:       created.PaymentMethod,
		SimpleMode:   result.SimpleMode,
		Duplicate:    result.Duplicate,
		FeeFallback:  fees != nil && fees.IsFallback(),
	}, nil
}

// prepare runs every check that must pass before anything is persisted, then
// validates inventory and prices the order
func (s *OrderService) prepare(ctx context.Context, userID *int64, contact models.GuestIdentity, req models.CheckoutRequest) (*models.Order, models.PaymentCustomer, *models.FeeResult, error) {
	var customer models.PaymentCustomer

	method, err := models.ParsePaymentMethod(string(req.PaymentMethod))
	if err != nil {
		return nil, customer, nil, err
	}
	if !s.allowedMethods[method] {
		return nil, customer, nil, models.NewValidationError("payment_method", "payment method is not available")
	}

	if req.EventID <= 0 {
		return nil, customer, nil, models.NewValidationError("event_id", "event is required")
	}
	if len(req.Selections) == 0 {
		return nil, customer, nil, models.NewValidationError("selections", "select at least one ticket")
	}
	if err := req.Selections.Validate(s.maxQuantity); err != nil {
		return nil, customer, nil, err
	}

	contact.Normalize()
	if err := contact.Validate(); err != nil {
		return nil, customer, nil, err
	}
	if method == models.PaymentMobileMoney {
		phone, err := models.NormalizePhone(contact.Phone)
		if err != nil {
			return nil, customer, nil, err
		}
		contact.Phone = phone
	}

	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		key = uuid.NewString()
	} else if len(key) < 8 || len(key) > 128 {
		return nil, customer, nil, models.NewValidationError("idempotency_key", "idempotency key must be between 8 and 128 characters")
	}

	lines, err := s.validator.ValidateSelections(ctx, req.EventID, req.Selections)
	if err != nil {
		return nil, customer, nil, err
	}

	fees, err := s.fees.CalculateFees(ctx, req.EventID, models.SelectionsFromLineItems(lines))
	if err != nil {
		return nil, customer, nil, err
	}

	var subtotal int64
	quantities := make(map[int64]int, len(lines))
	for _, line := range lines {
		subtotal += line.Subtotal
		quantities[line.TicketTypeID] = line.Quantity
	}

	order := &models.Order{
		UserID:           userID,
		BillingEmail:     contact.Email,
		BillingName:      contact.Name,
		BillingPhone:     contact.Phone,
		EventID:          req.EventID,
		Status:           models.OrderPending,
		Subtotal:         subtotal,
		BuyerFees:        fees.TotalBuyerFees,
		OrganizerFees:    fees.TotalOrganizerFees,
		TotalAmount:      subtotal + fees.TotalBuyerFees,
		Currency:         lines[0].Currency,
		FeeSource:        fees.Source,
		PaymentMethod:    method,
		IdempotencyKey:   key,
		TicketQuantities: quantities,
		Lines:            lines,
	}

	customer = models.PaymentCustomer{Email: contact.Email, Name: contact.Name, Phone: contact.Phone}
	return order, customer, fees, nil
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
