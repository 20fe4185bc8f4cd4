package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"ticketing-checkout/internal/models"
)

// FeeRuleRepository handles service fee rule data operations
type FeeRuleRepository struct {
	db *sql.DB
}

// NewFeeRuleRepository creates a new fee rule repository
func NewFeeRuleRepository(db *sql.DB) *FeeRuleRepository {
	return &FeeRuleRepository{db: db}
}

// CreateRule inserts a new fee rule
func (r *FeeRuleRepository) CreateRule(ctx context.Context, rule *models.ServiceFeeRule) (*models.ServiceFeeRule, error) {
	if err := rule.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	query := `
		INSERT INTO service_fee_rules (event_id, ticket_type_id, scope, fee_type, fee_value,
			minimum_fee, maximum_fee, applies_to, priority, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at`

	created := *rule
	err := r.db.QueryRowContext(ctx, query,
		rule.EventID,
		rule.TicketTypeID,
		rule.Scope,
		rule.FeeType,
		rule.FeeValue,
		rule.MinimumFee,
		rule.MaximumFee,
		rule.AppliesTo,
		rule.Priority,
		rule.Active,
		time.Now(),
	).Scan(&created.ID, &created.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create fee rule: %w", err)
	}

	return &created, nil
}

// ListActiveRules returns every active rule that could apply to the given
// event and ticket types
func (r *FeeRuleRepository) ListActiveRules(ctx context.Context, eventID int64, ticketTypeIDs []int64) ([]*models.ServiceFeeRule, error) {
	query := `
		SELECT id, event_id, ticket_type_id, scope, fee_type, fee_value,
			minimum_fee, maximum_fee, applies_to, priority, active, created_at
		FROM service_fee_rules
		WHERE active
		  AND (
		        (scope = 'TICKET_TYPE' AND ticket_type_id = ANY($2))
		     OR (scope = 'EVENT' AND event_id = $1)
		     OR scope = 'GLOBAL'
		  )
		ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query, eventID, pq.Array(ticketTypeIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to list fee rules: %w", err)
	}
	defer rows.Close()

	var rules []*models.ServiceFeeRule
	for rows.Next() {
		rule := &models.ServiceFeeRule{}
		var eventRef, ticketTypeRef, minFee, maxFee sql.NullInt64

		if err := rows.Scan(
			&rule.ID,
			&eventRef,
			&ticketTypeRef,
			&rule.Scope,
			&rule.FeeType,
			&rule.FeeValue,
			&minFee,
			&maxFee,
			&rule.AppliesTo,
			&rule.Priority,
			&rule.Active,
			&rule.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan fee rule: %w", err)
		}

		rule.EventID = nullInt64Ptr(eventRef)
		rule.TicketTypeID = nullInt64Ptr(ticketTypeRef)
		rule.MinimumFee = nullInt64Ptr(minFee)
		rule.MaximumFee = nullInt64Ptr(maxFee)
		rules = append(rules, rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate fee rules: %w", err)
	}

	return rules, nil
}

// CalculateFees runs the calculate_service_fees stored procedure
func (r *FeeRuleRepository) CalculateFees(ctx context.Context, eventID int64, selections []models.Selection) (*models.FeeResult, error) {
	payload, err := json.Marshal(selections)
	if err != nil {
		return nil, fmt.Errorf("failed to encode selections: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `SELECT * FROM calculate_service_fees($1, $2::jsonb)`, eventID, string(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to call calculate_service_fees: %w", err)
	}
	defer rows.Close()

	result := &models.FeeResult{Source: models.FeeSourceRules, Breakdown: []models.FeeLine{}}
	for rows.Next() {
		var line models.FeeLine
		var ruleID sql.NullInt64
		var scope, feeType, appliesTo sql.NullString

		if err := rows.Scan(
			&line.TicketTypeID,
			&ruleID,
			&scope,
			&feeType,
			&appliesTo,
			&line.Subtotal,
			&line.Fee,
			&line.BuyerFee,
			&line.OrganizerFee,
		); err != nil {
			return nil, fmt.Errorf("failed to scan fee line: %w", err)
		}

		line.RuleID = nullInt64Ptr(ruleID)
		line.Scope = models.FeeScope(scope.String)
		line.FeeType = models.FeeType(feeType.String)
		line.AppliesTo = models.FeeAppliesTo(appliesTo.String)

		result.TotalBuyerFees += line.BuyerFee
		result.TotalOrganizerFees += line.OrganizerFee
		result.Breakdown = append(result.Breakdown, line)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate fee lines: %w", err)
	}

	return result, nil
}

func nullInt64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}
