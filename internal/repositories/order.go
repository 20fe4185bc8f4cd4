package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/lib/pq"

	"ticketing-checkout/internal/models"
)

// uniqueViolation is the postgres error code for a unique constraint violation
const uniqueViolation = "23505"

// maxOrderNumberAttempts bounds regeneration of colliding order numbers
const maxOrderNumberAttempts = 5

// PaymentFunc creates the provider payment for an order that has been
// inserted but not yet committed
type PaymentFunc func(ctx context.Context, order *models.Order) (*models.PaymentLink, error)

// OrderRepository handles order data operations
type OrderRepository struct {
	db *sql.DB
}

// NewOrderRepository creates a new order repository
func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

const orderColumns = `id, order_number, user_id, billing_email, billing_name, billing_phone,
	event_id, status, subtotal, buyer_fees, organizer_fees, total_amount, currency,
	fee_source, payment_method, payment_id, payment_token, idempotency_key,
	provider_amount, provider_currency, ticket_quantities, created_at, updated_at, completed_at`

// Create creates a new pending order with its line items in one transaction
func (r *OrderRepository) Create(ctx context.Context, order *models.Order) (*models.Order, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertOrder(ctx, tx, order); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return order, nil
}

// CreateGuestOrderAtomic inserts the order, creates the payment through pay and
// records the payment link, all inside one transaction. If any step fails the
// transaction is rolled back and no order row is ever visible.
func (r *OrderRepository) CreateGuestOrderAtomic(ctx context.Context, order *models.Order, pay PaymentFunc) (*models.Order, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertOrder(ctx, tx, order); err != nil {
		return nil, err
	}

	link, err := pay(ctx, order)
	if err != nil {
		return nil, err
	}

	if err := attachPayment(ctx, tx, order.ID, link); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	applyPaymentLink(order, link)
	return order, nil
}

// insertOrder writes the order row and its items using tx. A colliding order
// number is regenerated; a colliding idempotency key returns ErrDuplicateEntry.
func insertOrder(ctx context.Context, tx *sql.Tx, order *models.Order) error {
	if order.OrderNumber == "" {
		order.OrderNumber = models.GenerateOrderNumber()
	}
	if order.Status == "" {
		order.Status = models.OrderPending
	}
	order.Currency = models.NormalizeCurrency(order.Currency)

	if err := order.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	quantities, err := encodeQuantities(order.TicketQuantities)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO orders (order_number, user_id, billing_email, billing_name, billing_phone,
			event_id, status, subtotal, buyer_fees, organizer_fees, total_amount, currency,
			fee_source, payment_method, idempotency_key, ticket_quantities, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $17)
		RETURNING id, created_at, updated_at`

	for attempt := 1; ; attempt++ {
		_, err = tx.ExecContext(ctx, "SAVEPOINT order_insert")
		if err != nil {
			return fmt.Errorf("failed to create savepoint: %w", err)
		}

		err = tx.QueryRowContext(ctx, query,
			order.OrderNumber,
			order.UserID,
			order.BillingEmail,
			order.BillingName,
			order.BillingPhone,
			order.EventID,
			order.Status,
			order.Subtotal,
			order.BuyerFees,
			order.OrganizerFees,
			order.TotalAmount,
			order.Currency,
			order.FeeSource,
			order.PaymentMethod,
			order.IdempotencyKey,
			quantities,
			time.Now(),
		).Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt)
		if err == nil {
			break
		}

		var pqErr *pq.Error
		if !errors.As(err, &pqErr) || pqErr.Code != uniqueViolation {
			return fmt.Errorf("failed to create order: %w", err)
		}
		if pqErr.Constraint == "orders_idempotency_key_key" {
			return fmt.Errorf("order with idempotency key already exists: %w", models.ErrDuplicateEntry)
		}
		if attempt >= maxOrderNumberAttempts {
			return fmt.Errorf("failed to generate unique order number: %w", err)
		}

		if _, err := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT order_insert"); err != nil {
			return fmt.Errorf("failed to roll back savepoint: %w", err)
		}
		order.OrderNumber = models.GenerateOrderNumber()
	}

	for _, line := range order.Lines {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, ticket_type_id, name, quantity, unit_price, currency)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			order.ID, line.TicketTypeID, line.Name, line.Quantity, line.UnitPrice, line.Currency)
		if err != nil {
			return fmt.Errorf("failed to create order item for ticket type %d: %w", line.TicketTypeID, err)
		}
	}

	return nil
}

// AttachPayment records the provider payment on a pending order and moves it
// to awaiting_payment
func (r *OrderRepository) AttachPayment(ctx context.Context, orderID int64, link *models.PaymentLink) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := attachPayment(ctx, tx, orderID, link); err != nil {
		return err
	}

	return tx.Commit()
}

func attachPayment(ctx context.Context, tx *sql.Tx, orderID int64, link *models.PaymentLink) error {
	if link == nil {
		return errors.New("payment link is required")
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $2, payment_id = $3, payment_token = $4,
		    provider_amount = $5, provider_currency = $6, updated_at = $7
		WHERE id = $1 AND status = $8`,
		orderID,
		models.OrderAwaitingPayment,
		link.PaymentID,
		link.PaymentToken,
		link.ProviderAmount,
		models.NormalizeCurrency(link.ProviderCurrency),
		time.Now(),
		models.OrderPending,
	)
	if err != nil {
		return fmt.Errorf("failed to attach payment: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("order %d is not pending: %w", orderID, models.ErrInvalidStatusTransition)
	}

	return nil
}

// GetByID retrieves an order with its line items
func (r *OrderRepository) GetByID(ctx context.Context, id int64) (*models.Order, error) {
	return r.getOne(ctx, `WHERE id = $1`, id)
}

// GetByOrderNumber retrieves an order by its order number
func (r *OrderRepository) GetByOrderNumber(ctx context.Context, orderNumber string) (*models.Order, error) {
	return r.getOne(ctx, `WHERE order_number = $1`, orderNumber)
}

// GetByIdempotencyKey retrieves the order created under an idempotency key
func (r *OrderRepository) GetByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	return r.getOne(ctx, `WHERE idempotency_key = $1`, key)
}

// GetByPaymentReference retrieves an order by provider payment id or token
func (r *OrderRepository) GetByPaymentReference(ctx context.Context, reference string) (*models.Order, error) {
	if reference == "" {
		return nil, models.ErrOrderNotFound
	}
	return r.getOne(ctx, `WHERE payment_id = $1 OR payment_token = $1 ORDER BY id DESC LIMIT 1`, reference)
}

func (r *OrderRepository) getOne(ctx context.Context, where string, arg interface{}) (*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders ` + where

	order, err := scanOrder(r.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}

	lines, err := r.getLines(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	order.Lines = lines

	return order, nil
}

func (r *OrderRepository) getLines(ctx context.Context, orderID int64) ([]models.ValidatedLineItem, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT ticket_type_id, name, quantity, unit_price, currency
		FROM order_items WHERE order_id = $1 ORDER BY ticket_type_id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get order items: %w", err)
	}
	defer rows.Close()

	var lines []models.ValidatedLineItem
	for rows.Next() {
		var line models.ValidatedLineItem
		if err := rows.Scan(&line.TicketTypeID, &line.Name, &line.Quantity, &line.UnitPrice, &line.Currency); err != nil {
			return nil, fmt.Errorf("failed to scan order item: %w", err)
		}
		line.Subtotal = line.UnitPrice * int64(line.Quantity)
		lines = append(lines, line)
	}

	return lines, rows.Err()
}

// UpdateStatus moves an order from one status to another. The update only
// applies when the order is still in the expected status.
func (r *OrderRepository) UpdateStatus(ctx context.Context, orderID int64, from, to models.OrderStatus) error {
	if !models.IsValidStatusTransition(from, to) {
		return fmt.Errorf("%s to %s: %w", from, to, models.ErrInvalidStatusTransition)
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE orders SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2`,
		orderID, from, to, time.Now())
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("order %d is not %s: %w", orderID, from, models.ErrInvalidStatusTransition)
	}

	return nil
}

// Delete removes a pending order. Orders that reached a provider are never deleted.
func (r *OrderRepository) Delete(ctx context.Context, id int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var status models.OrderStatus
	err = tx.QueryRowContext(ctx, `SELECT status FROM orders WHERE id = $1 FOR UPDATE`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ErrOrderNotFound
		}
		return fmt.Errorf("failed to check order status: %w", err)
	}

	if status != models.OrderPending {
		return fmt.Errorf("cannot delete %s order: %w", status, models.ErrInvalidStatusTransition)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM orders WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete order: %w", err)
	}

	return tx.Commit()
}

// ListStale returns orders in status whose last update is before olderThan,
// oldest first
func (r *OrderRepository) ListStale(ctx context.Context, status models.OrderStatus, olderThan time.Time, limit int) ([]*models.Order, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + orderColumns + ` FROM orders
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3`

	rows, err := r.db.QueryContext(ctx, query, status, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale orders: %w", err)
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, order)
	}

	return orders, rows.Err()
}

func applyPaymentLink(order *models.Order, link *models.PaymentLink) {
	order.Status = models.OrderAwaitingPayment
	order.PaymentID = link.PaymentID
	order.PaymentToken = link.PaymentToken
	order.ProviderAmount = link.ProviderAmount
	order.ProviderCurrency = models.NormalizeCurrency(link.ProviderCurrency)
}

// encodeQuantities renders the ticket quantity map as a JSON object keyed by
// ticket type id, sorted for stable output
func encodeQuantities(quantities map[int64]int) (string, error) {
	ids := make([]int64, 0, len(quantities))
	for id := range quantities {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	ordered := make(map[string]int, len(ids))
	for _, id := range ids {
		ordered[strconv.FormatInt(id, 10)] = quantities[id]
	}

	data, err := json.Marshal(ordered)
	if err != nil {
		return "", fmt.Errorf("failed to encode ticket quantities: %w", err)
	}
	return string(data), nil
}

func decodeQuantities(data []byte) (map[int64]int, error) {
	raw := map[string]int{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to decode ticket quantities: %w", err)
		}
	}

	quantities := make(map[int64]int, len(raw))
	for key, qty := range raw {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid ticket type id %q: %w", key, err)
		}
		quantities[id] = qty
	}
	return quantities, nil
}

func scanOrder(row rowScanner) (*models.Order, error) {
	order := &models.Order{}
	var userID sql.NullInt64
	var completedAt sql.NullTime
	var quantities []byte

	err := row.Scan(
		&order.ID,
		&order.OrderNumber,
		&userID,
		&order.BillingEmail,
		&order.BillingName,
		&order.BillingPhone,
		&order.EventID,
		&order.Status,
		&order.Subtotal,
		&order.BuyerFees,
		&order.OrganizerFees,
		&order.TotalAmount,
		&order.Currency,
		&order.FeeSource,
		&order.PaymentMethod,
		&order.PaymentID,
		&order.PaymentToken,
		&order.IdempotencyKey,
		&order.ProviderAmount,
		&order.ProviderCurrency,
		&quantities,
		&order.CreatedAt,
		&order.UpdatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	order.UserID = nullInt64Ptr(userID)
	if completedAt.Valid {
		order.CompletedAt = &completedAt.Time
	}

	order.TicketQuantities, err = decodeQuantities(quantities)
	if err != nil {
		return nil, err
	}

	return order, nil
}
