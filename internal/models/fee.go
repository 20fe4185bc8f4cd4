package models

import (
	"errors"
	"time"
)

// FeeScope is the granularity a service fee rule applies at
type FeeScope string

const (
	FeeScopeTicketType FeeScope = "TICKET_TYPE"
	FeeScopeEvent      FeeScope = "EVENT"
	FeeScopeGlobal     FeeScope = "GLOBAL"
)

// FeeType determines how a fee value is interpreted
type FeeType string

const (
	FeeTypePercentage FeeType = "PERCENTAGE"
	FeeTypeFixed      FeeType = "FIXED"
)

// FeeAppliesTo determines who pays a fee
type FeeAppliesTo string

const (
	FeeAppliesToBuyer     FeeAppliesTo = "BUYER"
	FeeAppliesToOrganizer FeeAppliesTo = "ORGANIZER"
	FeeAppliesToSplit     FeeAppliesTo = "SPLIT"
)

// FeeSource records which path produced a fee result
type FeeSource string

const (
	FeeSourceRules        FeeSource = "rules"
	FeeSourceRulesDirect  FeeSource = "rules_direct"
	FeeSourceFlatFallback FeeSource = "flat_default"
)

// ServiceFeeRule is an organizer or platform configured fee. FeeValue is a
// percent for PERCENTAGE rules (2 means 2%) and an amount in minor units per
// ticket for FIXED rules.
type ServiceFeeRule struct {
	ID           int64        `json:"id" db:"id"`
	EventID      *int64       `json:"event_id,omitempty" db:"event_id"`
	TicketTypeID *int64       `json:"ticket_type_id,omitempty" db:"ticket_type_id"`
	Scope        FeeScope     `json:"scope" db:"scope"`
	FeeType      FeeType      `json:"fee_type" db:"fee_type"`
	FeeValue     float64      `json:"fee_value" db:"fee_value"`
	MinimumFee   *int64       `json:"minimum_fee,omitempty" db:"minimum_fee"`
	MaximumFee   *int64       `json:"maximum_fee,omitempty" db:"maximum_fee"`
	AppliesTo    FeeAppliesTo `json:"applies_to" db:"applies_to"`
	Priority     int          `json:"priority" db:"priority"`
	Active       bool         `json:"active" db:"active"`
	CreatedAt    time.Time    `json:"created_at" db:"created_at"`
}

// Validate validates the fee rule data
func (r *ServiceFeeRule) Validate() error {
	switch r.Scope {
	case FeeScopeTicketType:
		if r.TicketTypeID == nil {
			return errors.New("ticket type scoped rule requires a ticket type")
		}
	case FeeScopeEvent:
		if r.EventID == nil {
			return errors.New("event scoped rule requires an event")
		}
	case FeeScopeGlobal:
	default:
		return errors.New("invalid fee scope")
	}

	switch r.FeeType {
	case FeeTypePercentage, FeeTypeFixed:
	default:
		return errors.New("invalid fee type")
	}

	switch r.AppliesTo {
	case FeeAppliesToBuyer, FeeAppliesToOrganizer, FeeAppliesToSplit:
	default:
		return errors.New("invalid fee attribution")
	}

	if r.FeeValue < 0 {
		return errors.New("fee value cannot be negative")
	}

	if r.MinimumFee != nil && r.MaximumFee != nil && *r.MinimumFee > *r.MaximumFee {
		return errors.New("minimum fee cannot exceed maximum fee")
	}

	return nil
}

// FeeLine is the fee breakdown for one selection
type FeeLine struct {
	TicketTypeID int64        `json:"ticket_type_id"`
	RuleID       *int64       `json:"rule_id,omitempty"`
	Scope        FeeScope     `json:"scope,omitempty"`
	FeeType      FeeType      `json:"fee_type,omitempty"`
	AppliesTo    FeeAppliesTo `json:"applies_to,omitempty"`
	Subtotal     int64        `json:"subtotal"`
	Fee          int64        `json:"fee"`
	BuyerFee     int64        `json:"buyer_fee"`
	OrganizerFee int64        `json:"organizer_fee"`
}

// FeeResult is the outcome of a fee calculation
type FeeResult struct {
	TotalBuyerFees     int64     `json:"total_buyer_fees"`
	TotalOrganizerFees int64     `json:"total_organizer_fees"`
	Breakdown          []FeeLine `json:"breakdown"`
	Source             FeeSource `json:"source"`
}

// IsFallback returns true if the result bypassed organizer configured rules
func (r *FeeResult) IsFallback() bool {
	return r.Source == FeeSourceFlatFallback
}
