package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"ticketing-checkout/internal/models"
)

// TicketRepository handles ticket type data operations
type TicketRepository struct {
	db *sql.DB
}

// NewTicketRepository creates a new ticket repository
func NewTicketRepository(db *sql.DB) *TicketRepository {
	return &TicketRepository{db: db}
}

const ticketTypeColumns = `id, event_id, name, price, currency, available, max_per_order,
	sales_enabled, status, sale_start, sale_end, created_at, updated_at`

// CreateTicketType inserts a new ticket type
func (r *TicketRepository) CreateTicketType(ctx context.Context, tt *models.TicketType) (*models.TicketType, error) {
	if err := tt.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	if tt.Status == "" {
		tt.Status = models.TicketTypeActive
	}

	query := `
		INSERT INTO ticket_types (event_id, name, price, currency, available, max_per_order,
			sales_enabled, status, sale_start, sale_end, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		RETURNING ` + ticketTypeColumns

	row := r.db.QueryRowContext(ctx, query,
		tt.EventID,
		tt.Name,
		tt.Price,
		models.NormalizeCurrency(tt.Currency),
		tt.Available,
		tt.MaxPerOrder,
		tt.SalesEnabled,
		tt.Status,
		tt.SaleStart,
		tt.SaleEnd,
		time.Now(),
	)

	created, err := scanTicketType(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create ticket type: %w", err)
	}

	return created, nil
}

// GetTicketTypeByID retrieves a ticket type by ID
func (r *TicketRepository) GetTicketTypeByID(ctx context.Context, id int64) (*models.TicketType, error) {
	query := `SELECT ` + ticketTypeColumns + ` FROM ticket_types WHERE id = $1`

	tt, err := scanTicketType(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrTicketTypeNotFound
		}
		return nil, fmt.Errorf("failed to get ticket type: %w", err)
	}

	return tt, nil
}

// GetTicketTypesByIDs retrieves all ticket types with the given IDs in one query
func (r *TicketRepository) GetTicketTypesByIDs(ctx context.Context, ids []int64) ([]*models.TicketType, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `SELECT ` + ticketTypeColumns + ` FROM ticket_types WHERE id = ANY($1) ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to get ticket types: %w", err)
	}
	defer rows.Close()

	var ticketTypes []*models.TicketType
	for rows.Next() {
		tt, err := scanTicketType(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ticket type: %w", err)
		}
		ticketTypes = append(ticketTypes, tt)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate ticket types: %w", err)
	}

	return ticketTypes, nil
}

// GetTicketTypesByEvent retrieves all ticket types for an event
func (r *TicketRepository) GetTicketTypesByEvent(ctx context.Context, eventID int64) ([]*models.TicketType, error) {
	query := `SELECT ` + ticketTypeColumns + ` FROM ticket_types WHERE event_id = $1 ORDER BY price ASC, id ASC`

	rows, err := r.db.QueryContext(ctx, query, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to get ticket types: %w", err)
	}
	defer rows.Close()

	var ticketTypes []*models.TicketType
	for rows.Next() {
		tt, err := scanTicketType(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ticket type: %w", err)
		}
		ticketTypes = append(ticketTypes, tt)
	}

	return ticketTypes, rows.Err()
}

// SetSalesEnabled pauses or resumes sales for a ticket type
func (r *TicketRepository) SetSalesEnabled(ctx context.Context, id int64, enabled bool) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE ticket_types SET sales_enabled = $2, updated_at = $3 WHERE id = $1`,
		id, enabled, time.Now())
	if err != nil {
		return fmt.Errorf("failed to update ticket type: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return models.ErrTicketTypeNotFound
	}

	return nil
}

// decrementAvailable atomically takes quantity from a ticket type inside tx.
// It returns false without changing anything when fewer than quantity remain.
func decrementAvailable(ctx context.Context, tx *sql.Tx, ticketTypeID int64, quantity int) (bool, error) {
	result, err := tx.ExecContext(ctx, `
		UPDATE ticket_types
		SET available = available - $2,
		    status = CASE WHEN available - $2 = 0 AND status = 'active' THEN 'sold_out' ELSE status END,
		    updated_at = NOW()
		WHERE id = $1 AND available >= $2`, ticketTypeID, quantity)
	if err != nil {
		return false, fmt.Errorf("failed to decrement ticket type %d: %w", ticketTypeID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected == 1, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTicketType(row rowScanner) (*models.TicketType, error) {
	tt := &models.TicketType{}
	var saleStart, saleEnd sql.NullTime

	err := row.Scan(
		&tt.ID,
		&tt.EventID,
		&tt.Name,
		&tt.Price,
		&tt.Currency,
		&tt.Available,
		&tt.MaxPerOrder,
		&tt.SalesEnabled,
		&tt.Status,
		&saleStart,
		&saleEnd,
		&tt.CreatedAt,
		&tt.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if saleStart.Valid {
		tt.SaleStart = &saleStart.Time
	}
	if saleEnd.Valid {
		tt.SaleEnd = &saleEnd.Time
	}

	return tt, nil
}
