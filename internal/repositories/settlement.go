package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"ticketing-checkout/internal/models"
)

// SettlementRepository applies confirmed payments to orders
type SettlementRepository struct {
	db *sql.DB
}

// NewSettlementRepository creates a new settlement repository
func NewSettlementRepository(db *sql.DB) *SettlementRepository {
	return &SettlementRepository{db: db}
}

// Settle records the settlement of a payment, decrements inventory for every
// line of the order and completes it, all in one transaction. The unique
// order_id and payment_id on settlements make repeated calls no-ops: only the
// first caller sees Applied=true.
func (r *SettlementRepository) Settle(ctx context.Context, orderID int64, paymentID string, amount int64, currency string) (*models.SettlementOutcome, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var status models.OrderStatus
	err = tx.QueryRowContext(ctx, `SELECT status FROM orders WHERE id = $1 FOR UPDATE`, orderID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to lock order: %w", err)
	}

	if status == models.OrderCompleted {
		return &models.SettlementOutcome{Applied: false}, nil
	}
	if status != models.OrderAwaitingPayment {
		return nil, fmt.Errorf("cannot settle %s order: %w", status, models.ErrInvalidStatusTransition)
	}

	var settlementID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO settlements (order_id, payment_id, amount, currency, settled_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT DO NOTHING
		RETURNING id`,
		orderID, paymentID, amount, models.NormalizeCurrency(currency), time.Now(),
	).Scan(&settlementID)
	if errors.Is(err, sql.ErrNoRows) {
		return &models.SettlementOutcome{Applied: false}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to record settlement: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT ticket_type_id, quantity FROM order_items
		WHERE order_id = $1 ORDER BY ticket_type_id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get order items: %w", err)
	}

	type item struct {
		ticketTypeID int64
		quantity     int
	}
	var items []item
	for rows.Next() {
		var it item
		if err := rows.Scan(&it.ticketTypeID, &it.quantity); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan order item: %w", err)
		}
		items = append(items, it)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate order items: %w", err)
	}

	outcome := &models.SettlementOutcome{Applied: true}
	for _, it := range items {
		ok, err := decrementAvailable(ctx, tx, it.ticketTypeID, it.quantity)
		if err != nil {
			return nil, err
		}
		if !ok {
			outcome.OverCapacity = true
			outcome.ShortTypes = append(outcome.ShortTypes, it.ticketTypeID)
		}
	}

	if outcome.OverCapacity {
		if _, err := tx.ExecContext(ctx, `UPDATE settlements SET over_capacity = TRUE WHERE id = $1`, settlementID); err != nil {
			return nil, fmt.Errorf("failed to flag settlement: %w", err)
		}
		logrus.WithFields(logrus.Fields{
			"flag":        "settlement_over_capacity",
			"order_id":    orderID,
			"payment_id":  paymentID,
			"short_types": outcome.ShortTypes,
		}).Warn("Settlement exceeds available inventory")
	}

	now := time.Now()
	if _, err := tx.ExecContext(ctx, `
		UPDATE orders SET status = $2, completed_at = $3, updated_at = $3
		WHERE id = $1`, orderID, models.OrderCompleted, now); err != nil {
		return nil, fmt.Errorf("failed to complete order: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit settlement: %w", err)
	}

	return outcome, nil
}

// GetByOrderID returns the settlement recorded for an order
func (r *SettlementRepository) GetByOrderID(ctx context.Context, orderID int64) (*models.Settlement, error) {
	s := &models.Settlement{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, order_id, payment_id, amount, currency, over_capacity, settled_at
		FROM settlements WHERE order_id = $1`, orderID).Scan(
		&s.ID, &s.OrderID, &s.PaymentID, &s.Amount, &s.Currency, &s.OverCapacity, &s.SettledAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("failed to get settlement: %w", err)
	}
	return s, nil
}
