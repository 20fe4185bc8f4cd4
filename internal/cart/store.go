package cart

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"ticketing-checkout/internal/models"
)

// EventType names a cart change
type EventType string

const (
	EventUpdated EventType = "cart_updated"
	EventCleared EventType = "cart_cleared"
	EventExpired EventType = "cart_expired"
)

// Event is sent to subscribers after a cart changes
type Event struct {
	Type      EventType            `json:"type"`
	Owner     string               `json:"owner"`
	EventID   int64                `json:"event_id"`
	Selection models.CartSelection `json:"selection,omitempty"`
	At        time.Time            `json:"at"`
}

// Entry is what a backend persists for one (owner, event) cart
type Entry struct {
	Selection models.CartSelection `json:"selection"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// Backend persists cart entries. Load returns nil when no cart exists.
type Backend interface {
	Load(ctx context.Context, owner string, eventID int64) (*Entry, error)
	Save(ctx context.Context, owner string, eventID int64, entry *Entry, ttl time.Duration) error
	Delete(ctx context.Context, owner string, eventID int64) error
}

// Store is an observable cart store scoped by owner and event. Carts for
// different events never share state.
type Store struct {
	backend Backend
	ttl     time.Duration
	now     func() time.Time

	mu        sync.Mutex
	observers map[int]func(Event)
	nextID    int
}

// NewStore creates a cart store. A non-positive ttl disables expiry.
func NewStore(backend Backend, ttl time.Duration) *Store {
	return &Store{
		backend:   backend,
		ttl:       ttl,
		now:       time.Now,
		observers: make(map[int]func(Event)),
	}
}

// Subscribe registers fn for every cart event and returns a function that
// removes it
func (s *Store) Subscribe(fn func(Event)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.observers[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.observers, id)
			s.mu.Unlock()
		})
	}
}

// Get returns the cart for owner and event. An expired cart is deleted and
// reported as empty.
func (s *Store) Get(ctx context.Context, owner string, eventID int64) (models.CartSelection, error) {
	entry, err := s.load(ctx, owner, eventID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return models.CartSelection{}, nil
	}
	return entry.Selection.Clone(), nil
}

// Set replaces the cart. Zero quantities are dropped and an empty selection
// clears the cart.
func (s *Store) Set(ctx context.Context, owner string, eventID int64, selection models.CartSelection) (models.CartSelection, error) {
	if err := checkScope(owner, eventID); err != nil {
		return nil, err
	}
	for _, id := range selection.TicketTypeIDs() {
		if selection[id] < 0 {
			return nil, models.NewValidationError(fmt.Sprintf("quantities[%d]", id), "quantity cannot be negative")
		}
	}

	compact := selection.Compact()
	if len(compact) == 0 {
		return models.CartSelection{}, s.Clear(ctx, owner, eventID)
	}
	return s.save(ctx, owner, eventID, compact)
}

// SetQuantity sets one ticket type's quantity, removing it at zero
func (s *Store) SetQuantity(ctx context.Context, owner string, eventID, ticketTypeID int64, quantity int) (models.CartSelection, error) {
	if ticketTypeID <= 0 {
		return nil, models.NewValidationError("ticket_type_id", "ticket type is invalid")
	}
	if quantity < 0 {
		return nil, models.NewValidationError("quantity", "quantity cannot be negative")
	}

	current, err := s.Get(ctx, owner, eventID)
	if err != nil {
		return nil, err
	}
	current[ticketTypeID] = quantity
	return s.Set(ctx, owner, eventID, current)
}

// Clear removes the cart for owner and event
func (s *Store) Clear(ctx context.Context, owner string, eventID int64) error {
	if err := checkScope(owner, eventID); err != nil {
		return err
	}
	if err := s.backend.Delete(ctx, owner, eventID); err != nil {
		return fmt.Errorf("failed to clear cart: %w", err)
	}
	s.emit(Event{Type: EventCleared, Owner: owner, EventID: eventID, At: s.now()})
	return nil
}

func (s *Store) load(ctx context.Context, owner string, eventID int64) (*Entry, error) {
	if err := checkScope(owner, eventID); err != nil {
		return nil, err
	}

	entry, err := s.backend.Load(ctx, owner, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to load cart: %w", err)
	}
	if entry == nil {
		return nil, nil
	}

	if s.ttl > 0 && s.now().Sub(entry.UpdatedAt) > s.ttl {
		if err := s.backend.Delete(ctx, owner, eventID); err != nil {
			return nil, fmt.Errorf("failed to delete expired cart: %w", err)
		}
		logrus.WithFields(logrus.Fields{
			"owner":      owner,
			"event_id":   eventID,
			"updated_at": entry.UpdatedAt,
		}).Debug("Cart expired")
		s.emit(Event{Type: EventExpired, Owner: owner, EventID: eventID, At: s.now()})
		return nil, nil
	}
	return entry, nil
}

func (s *Store) save(ctx context.Context, owner string, eventID int64, selection models.CartSelection) (models.CartSelection, error) {
	entry := &Entry{Selection: selection, UpdatedAt: s.now()}
	if err := s.backend.Save(ctx, owner, eventID, entry, s.ttl); err != nil {
		return nil, fmt.Errorf("failed to save cart: %w", err)
	}
	s.emit(Event{Type: EventUpdated, Owner: owner, EventID: eventID, Selection: selection.Clone(), At: entry.UpdatedAt})
	return selection.Clone(), nil
}

// emit calls observers outside the lock so they may use the store
func (s *Store) emit(event Event) {
	s.mu.Lock()
	ids := make([]int, 0, len(s.observers))
	for id := range s.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.observers[id])
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(event)
	}
}

func checkScope(owner string, eventID int64) error {
	if strings.TrimSpace(owner) == "" {
		return models.NewValidationError("owner", "cart owner is required")
	}
	if eventID <= 0 {
		return models.NewValidationError("event_id", "event is required")
	}
	return nil
}
