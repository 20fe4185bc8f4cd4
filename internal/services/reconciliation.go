package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"ticketing-checkout/internal/models"
)

// Verification messages shown to buyers
const (
	MessagePaymentConfirmed = "payment confirmed"
	MessageAlreadyProcessed = "payment was already confirmed"
	MessagePaymentPending   = "payment is still being processed"
	MessagePaymentFailed    = "payment failed or was cancelled"
	MessageOrderCancelled   = "order was cancelled"
	MessageNoPaymentYet     = "no payment has been created for this order"
	MessageOptimistic       = "verification is taking longer than expected; your tickets will appear once payment is confirmed"
)

const defaultNotifyTimeout = 5 * time.Second

// Decision is what reconciliation does with a provider answer
type Decision int

const (
	DecisionWait Decision = iota
	DecisionSettle
	DecisionFail
)

// PaymentAcceptancePolicy maps a provider verification onto a decision
type PaymentAcceptancePolicy interface {
	Name() string
	Decide(v *models.ProviderVerification) Decision
}

// StrictPolicy settles only payments the provider reports as succeeded
type StrictPolicy struct{}

// Name returns the policy name
func (StrictPolicy) Name() string { return "strict" }

// Decide maps provider status one to one
func (StrictPolicy) Decide(v *models.ProviderVerification) Decision {
	switch v.Status {
	case models.ProviderSucceeded:
		return DecisionSettle
	case models.ProviderFailed:
		return DecisionFail
	default:
		return DecisionWait
	}
}

// SandboxLenientPolicy also settles payments that are still pending. Sandbox
// providers often never leave the pending state.
type SandboxLenientPolicy struct{}

// Name returns the policy name
func (SandboxLenientPolicy) Name() string { return "sandbox_lenient" }

// Decide settles pending payments and logs that it did so
func (SandboxLenientPolicy) Decide(v *models.ProviderVerification) Decision {
	switch v.Status {
	case models.ProviderSucceeded:
		return DecisionSettle
	case models.ProviderFailed:
		return DecisionFail
	default:
		logrus.WithFields(logrus.Fields{
			"flag":       "sandbox_pending_accepted",
			"payment_id": v.PaymentID,
			"raw_status": v.RawStatus,
		}).Warn("Accepting pending payment under sandbox policy")
		return DecisionSettle
	}
}

// NewAcceptancePolicy returns the policy with the given name
func NewAcceptancePolicy(name string) (PaymentAcceptancePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "strict":
		return StrictPolicy{}, nil
	case "sandbox_lenient", "lenient":
		return SandboxLenientPolicy{}, nil
	default:
		return nil, &models.ConfigurationError{Key: "CHECKOUT_ACCEPTANCE_POLICY", Message: fmt.Sprintf("unknown policy %q", name)}
	}
}

// ReconciliationConfig holds verification limits
type ReconciliationConfig struct {
	VerifyTimeout time.Duration
	NotifyTimeout time.Duration
}

// ReconciliationService turns provider confirmations into order state
type ReconciliationService struct {
	orders        OrderReader
	verifier      PaymentVerifier
	settlements   SettlementStore
	methods       PaymentMethodStore
	notifier      NotificationPublisher
	policy        PaymentAcceptancePolicy
	retry         *RetryPolicy
	verifyTimeout time.Duration
	notifyTimeout time.Duration
}

// NewReconciliationService creates a new reconciliation service. methods and
// notifier may be nil.
func NewReconciliationService(
	orders OrderReader,
	verifier PaymentVerifier,
	settlements SettlementStore,
	methods PaymentMethodStore,
	notifier NotificationPublisher,
	policy PaymentAcceptancePolicy,
	retry *RetryPolicy,
	config ReconciliationConfig,
) *ReconciliationService {
	if policy == nil {
		policy = StrictPolicy{}
	}
	if retry == nil {
		retry = NewRetryPolicy(1, 0)
	}
	if config.NotifyTimeout <= 0 {
		config.NotifyTimeout = defaultNotifyTimeout
	}

	return &ReconciliationService{
		orders:        orders,
		verifier:      verifier,
		settlements:   settlements,
		methods:       methods,
		notifier:      notifier,
		policy:        policy,
		retry:         retry,
		verifyTimeout: config.VerifyTimeout,
		notifyTimeout: config.NotifyTimeout,
	}
}

// VerifyPayment checks a payment with its provider and applies the result to
// the order. Repeated calls for a settled order return the same success
// without side effects.
func (s *ReconciliationService) VerifyPayment(ctx context.Context, req models.VerifyRequest) (*models.VerifyResult, error) {
	token := strings.TrimSpace(req.Token)
	if token == "" {
		return nil, models.NewValidationError("token", "payment token is required")
	}

	kind, value := models.ClassifyToken(token)
	order, err := s.lookup(ctx, kind, value)
	if err != nil {
		return nil, err
	}

	if req.OrderID != nil && *req.OrderID != order.ID {
		return nil, &models.ReconciliationError{OrderID: *req.OrderID, Reason: "order does not match payment token"}
	}

	return s.reconcile(ctx, order, kind, req)
}

// VerifyOrder reconciles an order already loaded by the caller
func (s *ReconciliationService) VerifyOrder(ctx context.Context, order *models.Order) (*models.VerifyResult, error) {
	return s.reconcile(ctx, order, models.TokenInternal, models.VerifyRequest{Token: order.OrderNumber})
}

func (s *ReconciliationService) lookup(ctx context.Context, kind models.TokenKind, value string) (*models.Order, error) {
	if kind == models.TokenInternal {
		return s.orders.GetByOrderNumber(ctx, value)
	}
	return s.orders.GetByPaymentReference(ctx, value)
}

func (s *ReconciliationService) reconcile(ctx context.Context, order *models.Order, kind models.TokenKind, req models.VerifyRequest) (*models.VerifyResult, error) {
	logger := logrus.WithFields(logrus.Fields{
		"order_id":     order.ID,
		"order_number": order.OrderNumber,
		"payment_id":   order.PaymentID,
	})

	switch order.Status {
	case models.OrderCompleted:
		result := completedResult(order)
		result.AlreadyProcessed = true
		result.Message = MessageAlreadyProcessed
		return result, nil
	case models.OrderCancelled:
		return newResult(order, false, MessageOrderCancelled), nil
	case models.OrderPending:
		return newResult(order, false, MessageNoPaymentYet), nil
	}

	if err := checkTokenKind(order, kind); err != nil {
		return nil, err
	}

	verification, err := s.verify(ctx, order)
	if errors.Is(err, ErrRetriesExhausted) {
		logger.WithError(err).Warn("Payment verification did not finish in time")
		result := newResult(order, false, MessageOptimistic)
		result.Optimistic = true
		return result, nil
	}
	if err != nil {
		return nil, err
	}

	if err := checkAmount(order, verification); err != nil {
		logger.WithError(err).Error("Provider amount does not match order")
		return nil, err
	}

	switch s.policy.Decide(verification) {
	case DecisionSettle:
		return s.settle(ctx, order, verification, req)
	case DecisionFail:
		return s.fail(ctx, order, verification)
	default:
		return newResult(order, false, MessagePaymentPending), nil
	}
}

// verify calls the provider with retries, bounded by the verify timeout
func (s *ReconciliationService) verify(ctx context.Context, order *models.Order) (*models.ProviderVerification, error) {
	if s.verifyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.verifyTimeout)
		defer cancel()
	}

	ref := models.VerificationRef{}
	switch order.PaymentMethod {
	case models.PaymentCard:
		ref.PaymentIntentID = order.PaymentID
	default:
		ref.OrderTrackingID = order.PaymentID
	}

	var verification *models.ProviderVerification
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		v, err := s.verifier.VerifyPayment(ctx, order.PaymentMethod, ref)
		if err != nil {
			return err
		}
		verification = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return verification, nil
}

func (s *ReconciliationService) settle(ctx context.Context, order *models.Order, v *models.ProviderVerification, req models.VerifyRequest) (*models.VerifyResult, error) {
	paymentID := v.PaymentID
	if paymentID == "" {
		paymentID = order.PaymentID
	}

	outcome, err := s.settlements.Settle(ctx, order.ID, paymentID, order.TotalAmount, order.Currency)
	if errors.Is(err, models.ErrInvalidStatusTransition) {
		// the order was cancelled between the lookup and the settlement
		current, getErr := s.orders.GetByID(ctx, order.ID)
		if getErr != nil {
			return nil, fmt.Errorf("failed to reload order: %w", getErr)
		}
		return nil, &models.ReconciliationError{OrderID: order.ID, Reason: fmt.Sprintf("payment succeeded but order is %s", current.Status), Err: err}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to settle order: %w", err)
	}

	settled := outcome.Order
	if settled == nil {
		copied := *order
		now := time.Now().UTC()
		copied.Status = models.OrderCompleted
		copied.CompletedAt = &now
		settled = &copied
	}

	result := completedResult(settled)
	result.PaymentID = paymentID

	if !outcome.Applied {
		result.AlreadyProcessed = true
		result.Message = MessageAlreadyProcessed
		return result, nil
	}

	logrus.WithFields(logrus.Fields{
		"order_id":      settled.ID,
		"payment_id":    paymentID,
		"over_capacity": outcome.OverCapacity,
	}).Info("Order settled")

	s.saveMethod(ctx, settled, v, req)
	s.publish(ctx, settled)

	result.Message = MessagePaymentConfirmed
	result.ClearCartEventID = settled.EventID
	return result, nil
}

func (s *ReconciliationService) fail(ctx context.Context, order *models.Order, v *models.ProviderVerification) (*models.VerifyResult, error) {
	err := s.orders.UpdateStatus(ctx, order.ID, models.OrderAwaitingPayment, models.OrderCancelled)
	if errors.Is(err, models.ErrInvalidStatusTransition) {
		current, getErr := s.orders.GetByID(ctx, order.ID)
		if getErr != nil {
			return nil, fmt.Errorf("failed to reload order: %w", getErr)
		}
		if current.IsCompleted() {
			result := completedResult(current)
			result.AlreadyProcessed = true
			result.Message = MessageAlreadyProcessed
			return result, nil
		}
		return newResult(current, false, MessagePaymentFailed), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to cancel order: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"order_id":   order.ID,
		"payment_id": order.PaymentID,
		"raw_status": v.RawStatus,
	}).Info("Payment failed, order cancelled")

	order.Status = models.OrderCancelled
	return newResult(order, false, MessagePaymentFailed), nil
}

// saveMethod stores a masked copy of the payment method when the buyer asked
// for it. Failures are logged only.
func (s *ReconciliationService) saveMethod(ctx context.Context, order *models.Order, v *models.ProviderVerification, req models.VerifyRequest) {
	if s.methods == nil || !req.SaveMethodPreference || req.UserID <= 0 {
		return
	}
	if order.UserID == nil || *order.UserID != req.UserID {
		return
	}

	method := &models.SavedPaymentMethod{
		UserID:   req.UserID,
		Method:   order.PaymentMethod,
		Provider: string(order.PaymentMethod),
	}

	switch order.PaymentMethod {
	case models.PaymentCard:
		if v.CardLast4 == "" {
			return
		}
		method.Provider = cardProvider
		method.Masked, method.Last4 = models.MaskCard(v.CardBrand, v.CardLast4)
		method.Brand = strings.ToUpper(v.CardBrand)
	default:
		phone := v.PaymentAccount
		if req.PaymentDetails != nil && req.PaymentDetails.Phone != "" {
			phone = req.PaymentDetails.Phone
		}
		if phone == "" {
			phone = order.BillingPhone
		}
		if phone == "" {
			return
		}
		method.Provider = mobileMoneyProvider
		method.Masked = models.MaskPhone(phone)
	}

	if err := s.methods.Save(ctx, method); err != nil {
		logrus.WithFields(logrus.Fields{
			"order_id": order.ID,
			"user_id":  req.UserID,
			"error":    err,
		}).Warn("Failed to save payment method")
	}
}

// publish emits the confirmation event. It never fails the verification.
func (s *ReconciliationService) publish(ctx context.Context, order *models.Order) {
	if s.notifier == nil {
		return
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.notifyTimeout)
	defer cancel()

	if err := s.notifier.PublishOrderConfirmed(pctx, NewOrderConfirmedEvent(order)); err != nil {
		logrus.WithFields(logrus.Fields{
			"order_id": order.ID,
			"error":    err,
		}).Warn("Failed to publish order confirmation")
	}
}

// NewOrderConfirmedEvent builds the confirmation event for a completed order
func NewOrderConfirmedEvent(order *models.Order) models.OrderConfirmedEvent {
	lines := make([]models.TicketLine, 0, len(order.Lines))
	for _, line := range order.Lines {
		lines = append(lines, line.ToTicketLine())
	}

	completedAt := time.Now().UTC()
	if order.CompletedAt != nil {
		completedAt = *order.CompletedAt
	}

	return models.OrderConfirmedEvent{
		ID:            uuid.NewString(),
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		TicketEventID: order.EventID,
		UserID:        order.UserID,
		Email:         order.BillingEmail,
		Name:          order.BillingName,
		Total:         order.TotalAmountInCurrency(),
		Currency:      order.Currency,
		Lines:         lines,
		CompletedAt:   completedAt,
	}
}

// checkTokenKind rejects a provider token that belongs to another method
func checkTokenKind(order *models.Order, kind models.TokenKind) error {
	switch {
	case kind == models.TokenCardIntent && order.PaymentMethod != models.PaymentCard,
		kind == models.TokenMobileMoney && order.PaymentMethod != models.PaymentMobileMoney:
		return &models.ReconciliationError{OrderID: order.ID, Reason: "payment token does not match the order payment method"}
	}
	if order.PaymentID == "" {
		return &models.ReconciliationError{OrderID: order.ID, Reason: "order has no provider payment"}
	}
	return nil
}

// checkAmount compares what the provider charged with what the order recorded
func checkAmount(order *models.Order, v *models.ProviderVerification) error {
	if v.Status != models.ProviderSucceeded && v.Amount == 0 {
		return nil
	}

	wantAmount, wantCurrency := order.ProviderAmount, order.ProviderCurrency
	if wantAmount == 0 {
		wantAmount, wantCurrency = order.TotalAmount, order.Currency
	}

	if v.Amount != wantAmount || (v.Currency != "" && !strings.EqualFold(v.Currency, wantCurrency)) {
		return &models.ReconciliationError{
			OrderID: order.ID,
			Reason: fmt.Sprintf("provider reported %d %s, expected %d %s",
				v.Amount, v.Currency, wantAmount, wantCurrency),
		}
	}
	return nil
}

func newResult(order *models.Order, success bool, message string) *models.VerifyResult {
	return &models.VerifyResult{
		Success:     success,
		Status:      order.Status,
		PaymentID:   order.PaymentID,
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		Message:     message,
	}
}

func completedResult(order *models.Order) *models.VerifyResult {
	result := newResult(order, true, MessagePaymentConfirmed)
	result.Status = models.OrderCompleted
	result.ClearCartEventID = order.EventID
	return result
}
