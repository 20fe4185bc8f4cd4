package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"ticketing-checkout/internal/models"
	"ticketing-checkout/internal/repositories"
)

// fakeTicketReader serves ticket types from a map
type fakeTicketReader struct {
	types map[int64]*models.TicketType
	calls int
	err   error
}

func newFakeTicketReader(types ...*models.TicketType) *fakeTicketReader {
	r := &fakeTicketReader{types: make(map[int64]*models.TicketType)}
	for _, tt := range types {
		r.types[tt.ID] = tt
	}
	return r
}

func (r *fakeTicketReader) GetTicketTypesByIDs(ctx context.Context, ids []int64) ([]*models.TicketType, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	var out []*models.TicketType
	for _, id := range ids {
		if tt, ok := r.types[id]; ok {
			copied := *tt
			out = append(out, &copied)
		}
	}
	return out, nil
}

func activeTicketType(id, eventID, price int64, currency string, available int) *models.TicketType {
	return &models.TicketType{
		ID:           id,
		EventID:      eventID,
		Name:         "General Admission",
		Price:        price,
		Currency:     currency,
		Available:    available,
		SalesEnabled: true,
		Status:       models.TicketTypeActive,
	}
}

// fakeFeeRules serves rules and can fail either fee path
type fakeFeeRules struct {
	rules    []*models.ServiceFeeRule
	rpcErr   error
	listErr  error
	rpcCalls int
}

func (f *fakeFeeRules) CalculateFees(ctx context.Context, eventID int64, selections []models.Selection) (*models.FeeResult, error) {
	f.rpcCalls++
	if f.rpcErr != nil {
		return nil, f.rpcErr
	}
	return ComputeFees(f.rules, eventID, selections), nil
}

func (f *fakeFeeRules) ListActiveRules(ctx context.Context, eventID int64, ticketTypeIDs []int64) ([]*models.ServiceFeeRule, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.rules, nil
}

// fakeOrderStore keeps orders in memory. It implements every order storage
// interface the services use.
type fakeOrderStore struct {
	mu        sync.Mutex
	orders    map[int64]*models.Order
	nextID    int64
	createErr error
	attachErr error
	commitErr error
	deleteErr error
	deleted   []int64
	creates   int
}

func newFakeOrderStore() *fakeOrderStore {
	return &fakeOrderStore{orders: make(map[int64]*models.Order), nextID: 100}
}

func (s *fakeOrderStore) insert(order *models.Order) (*models.Order, error) {
	for _, existing := range s.orders {
		if existing.IdempotencyKey == order.IdempotencyKey {
			return nil, models.ErrDuplicateEntry
		}
	}
	s.nextID++
	created := *order
	created.ID = s.nextID
	created.OrderNumber = models.GenerateOrderNumber()
	created.CreatedAt = time.Now()
	created.UpdatedAt = created.CreatedAt
	return &created, nil
}

func (s *fakeOrderStore) Create(ctx context.Context, order *models.Order) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creates++
	if s.createErr != nil {
		return nil, s.createErr
	}
	created, err := s.insert(order)
	if err != nil {
		return nil, err
	}
	s.orders[created.ID] = created
	copied := *created
	return &copied, nil
}

func (s *fakeOrderStore) CreateGuestOrderAtomic(ctx context.Context, order *models.Order, pay repositories.PaymentFunc) (*models.Order, error) {
	s.mu.Lock()
	s.creates++
	if s.createErr != nil {
		s.mu.Unlock()
		return nil, s.createErr
	}
	created, err := s.insert(order)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	// nothing is stored until the payment succeeds, like a rolled back transaction
	link, err := pay(ctx, created)
	if err != nil {
		return nil, err
	}
	if s.commitErr != nil {
		return nil, s.commitErr
	}

	created.Status = models.OrderAwaitingPayment
	created.PaymentID = link.PaymentID
	created.PaymentToken = link.PaymentToken
	created.ProviderAmount = link.ProviderAmount
	created.ProviderCurrency = link.ProviderCurrency

	s.mu.Lock()
	s.orders[created.ID] = created
	s.mu.Unlock()

	copied := *created
	return &copied, nil
}

func (s *fakeOrderStore) GetByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		if o.IdempotencyKey == key {
			copied := *o
			return &copied, nil
		}
	}
	return nil, models.ErrOrderNotFound
}

func (s *fakeOrderStore) AttachPayment(ctx context.Context, orderID int64, link *models.PaymentLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attachErr != nil {
		return s.attachErr
	}
	o, ok := s.orders[orderID]
	if !ok || o.Status != models.OrderPending {
		return models.ErrInvalidStatusTransition
	}
	o.Status = models.OrderAwaitingPayment
	o.PaymentID = link.PaymentID
	o.PaymentToken = link.PaymentToken
	o.ProviderAmount = link.ProviderAmount
	o.ProviderCurrency = link.ProviderCurrency
	return nil
}

func (s *fakeOrderStore) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return s.deleteErr
	}
	if _, ok := s.orders[id]; !ok {
		return models.ErrOrderNotFound
	}
	delete(s.orders, id)
	s.deleted = append(s.deleted, id)
	return nil
}

func (s *fakeOrderStore) GetByID(ctx context.Context, id int64) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, models.ErrOrderNotFound
	}
	copied := *o
	return &copied, nil
}

func (s *fakeOrderStore) GetByOrderNumber(ctx context.Context, orderNumber string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		if o.OrderNumber == orderNumber {
			copied := *o
			return &copied, nil
		}
	}
	return nil, models.ErrOrderNotFound
}

func (s *fakeOrderStore) GetByPaymentReference(ctx context.Context, reference string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		if reference != "" && (o.PaymentID == reference || o.PaymentToken == reference) {
			copied := *o
			return &copied, nil
		}
	}
	return nil, models.ErrOrderNotFound
}

func (s *fakeOrderStore) UpdateStatus(ctx context.Context, orderID int64, from, to models.OrderStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return models.ErrOrderNotFound
	}
	if o.Status != from || !models.IsValidStatusTransition(from, to) {
		return models.ErrInvalidStatusTransition
	}
	o.Status = to
	return nil
}

func (s *fakeOrderStore) ListStale(ctx context.Context, status models.OrderStatus, olderThan time.Time, limit int) ([]*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Order
	for _, o := range s.orders {
		if o.Status == status && o.CreatedAt.Before(olderThan) {
			copied := *o
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *fakeOrderStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

func (s *fakeOrderStore) put(order *models.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[order.ID] = order
}

// fakePayments records payment requests and returns a fixed result
type fakePayments struct {
	mu       sync.Mutex
	err      error
	requests []*models.PaymentRequest
	results  map[string]*models.PaymentResult
}

func newFakePayments() *fakePayments {
	return &fakePayments{results: make(map[string]*models.PaymentResult)}
}

func (p *fakePayments) CreatePayment(ctx context.Context, req *models.PaymentRequest) (*models.PaymentResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.err != nil {
		return nil, p.err
	}
	if existing, ok := p.results[req.IdempotencyKey]; ok {
		duplicate := *existing
		duplicate.Duplicate = true
		return &duplicate, nil
	}
	result := &models.PaymentResult{
		Success:          true,
		PaymentURL:       "https://pay.example/redirect/" + req.OrderNumber,
		PaymentToken:     "trk-" + req.OrderNumber,
		PaymentID:        "trk-" + req.OrderNumber,
		OrderID:          req.OrderID,
		Provider:         mobileMoneyProvider,
		Method:           req.Method,
		ProviderAmount:   req.Amount,
		ProviderCurrency: req.Currency,
	}
	p.results[req.IdempotencyKey] = result
	copied := *result
	return &copied, nil
}

func (p *fakePayments) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// fakeVerifier returns queued answers, then repeats the last one
type fakeVerifier struct {
	mu      sync.Mutex
	answers []*models.ProviderVerification
	errs    []error
	calls   int
	refs    []models.VerificationRef
}

func (v *fakeVerifier) VerifyPayment(ctx context.Context, method models.PaymentMethod, ref models.VerificationRef) (*models.ProviderVerification, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	i := v.calls
	v.calls++
	v.refs = append(v.refs, ref)
	if i < len(v.errs) && v.errs[i] != nil {
		return nil, v.errs[i]
	}
	if len(v.answers) == 0 {
		return nil, errors.New("no answer configured")
	}
	if i >= len(v.answers) {
		i = len(v.answers) - 1
	}
	answer := *v.answers[i]
	return &answer, nil
}

// fakeSettlements settles orders held in a fakeOrderStore once
type fakeSettlements struct {
	mu        sync.Mutex
	orders    *fakeOrderStore
	tickets   *fakeTicketReader
	settled   map[int64]bool
	decrement int
}

func newFakeSettlements(orders *fakeOrderStore, tickets *fakeTicketReader) *fakeSettlements {
	return &fakeSettlements{orders: orders, tickets: tickets, settled: make(map[int64]bool)}
}

func (f *fakeSettlements) Settle(ctx context.Context, orderID int64, paymentID string, amount int64, currency string) (*models.SettlementOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.orders.mu.Lock()
	defer f.orders.mu.Unlock()

	o, ok := f.orders.orders[orderID]
	if !ok {
		return nil, models.ErrOrderNotFound
	}
	if o.Status == models.OrderCompleted || f.settled[orderID] {
		return &models.SettlementOutcome{Applied: false}, nil
	}
	if o.Status != models.OrderAwaitingPayment {
		return nil, models.ErrInvalidStatusTransition
	}

	f.settled[orderID] = true
	outcome := &models.SettlementOutcome{Applied: true}
	for id, qty := range o.TicketQuantities {
		f.decrement++
		if f.tickets == nil {
			continue
		}
		tt, ok := f.tickets.types[id]
		if !ok || tt.Available < qty {
			outcome.OverCapacity = true
			outcome.ShortTypes = append(outcome.ShortTypes, id)
			continue
		}
		tt.Available -= qty
	}

	now := time.Now()
	o.Status = models.OrderCompleted
	o.CompletedAt = &now
	return outcome, nil
}

type fakeMethodStore struct {
	saved []*models.SavedPaymentMethod
	err   error
}

func (s *fakeMethodStore) Save(ctx context.Context, m *models.SavedPaymentMethod) error {
	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, m)
	return nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []models.OrderConfirmedEvent
	err    error
}

func (n *fakeNotifier) PublishOrderConfirmed(ctx context.Context, event models.OrderConfirmedEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.events = append(n.events, event)
	return nil
}

func (n *fakeNotifier) Close() error { return nil }

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

type fakeCartClearer struct {
	cleared []int64
}

func (c *fakeCartClearer) Clear(ctx context.Context, owner string, eventID int64) error {
	c.cleared = append(c.cleared, eventID)
	return nil
}

func int64Ptr(v int64) *int64 { return &v }

// MockPaymentGateway is a mock implementation of PaymentGateway
type MockPaymentGateway struct {
	mock.Mock
}

func (m *MockPaymentGateway) Name() string { return "mock" }

func (m *MockPaymentGateway) Create(ctx context.Context, preq models.ProviderRequest) (*models.PaymentResult, error) {
	args := m.Called(ctx, preq)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.PaymentResult), args.Error(1)
}

func (m *MockPaymentGateway) Verify(ctx context.Context, ref models.VerificationRef) (*models.ProviderVerification, error) {
	args := m.Called(ctx, ref)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ProviderVerification), args.Error(1)
}

func gatewayResult(paymentID string, amount int64, currency string) *models.PaymentResult {
	return &models.PaymentResult{
		Success:          true,
		PaymentURL:       "https://pay.example/redirect/" + paymentID,
		PaymentToken:     paymentID,
		PaymentID:        paymentID,
		Provider:         "mock",
		Method:           models.PaymentMobileMoney,
		ProviderAmount:   amount,
		ProviderCurrency: currency,
	}
}
