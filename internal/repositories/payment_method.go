package repositories

import (
	"context"
	"database/sql"
	"fmt"

	"ticketing-checkout/internal/models"
)

// PaymentMethodRepository stores masked payment methods for reuse
type PaymentMethodRepository struct {
	db *sql.DB
}

// NewPaymentMethodRepository creates a new payment method repository
func NewPaymentMethodRepository(db *sql.DB) *PaymentMethodRepository {
	return &PaymentMethodRepository{db: db}
}

// Save stores a masked payment method. Saving the same masked method twice
// for a user keeps the first row.
func (r *PaymentMethodRepository) Save(ctx context.Context, m *models.SavedPaymentMethod) error {
	if m.UserID <= 0 {
		return models.NewValidationError("user_id", "user is required")
	}
	if m.Masked == "" {
		return models.NewValidationError("masked", "masked value is required")
	}

	err := r.db.QueryRowContext(ctx, `
		INSERT INTO saved_payment_methods (user_id, method, provider, masked, brand, last4)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, method, masked) DO UPDATE SET provider = EXCLUDED.provider
		RETURNING id, created_at`,
		m.UserID, m.Method, m.Provider, m.Masked, m.Brand, m.Last4,
	).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save payment method: %w", err)
	}

	return nil
}

// ListByUser returns a user's saved payment methods, newest first
func (r *PaymentMethodRepository) ListByUser(ctx context.Context, userID int64) ([]*models.SavedPaymentMethod, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, method, provider, masked, brand, last4, created_at
		FROM saved_payment_methods WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payment methods: %w", err)
	}
	defer rows.Close()

	var methods []*models.SavedPaymentMethod
	for rows.Next() {
		m := &models.SavedPaymentMethod{}
		if err := rows.Scan(&m.ID, &m.UserID, &m.Method, &m.Provider, &m.Masked, &m.Brand, &m.Last4, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment method: %w", err)
		}
		methods = append(methods, m)
	}

	return methods, rows.Err()
}
