package services

import (
	"context"
	"math"
	"sort"

	"github.com/sirupsen/logrus"

	"ticketing-checkout/internal/models"
)

// FeeRuleRepository is the fee rule storage the fee engine needs
type FeeRuleRepository interface {
	CalculateFees(ctx context.Context, eventID int64, selections []models.Selection) (*models.FeeResult, error)
	ListActiveRules(ctx context.Context, eventID int64, ticketTypeIDs []int64) ([]*models.ServiceFeeRule, error)
}

// FeeService prices ticket selections with configured service fee rules
type FeeService struct {
	rules           FeeRuleRepository
	fallbackPercent float64
	maxQuantity     int
}

// NewFeeService creates a new fee service. fallbackPercent is charged to the
// buyer when no rule source is reachable.
func NewFeeService(rules FeeRuleRepository, fallbackPercent float64, maxQuantity int) *FeeService {
	return &FeeService{
		rules:           rules,
		fallbackPercent: fallbackPercent,
		maxQuantity:     maxQuantity,
	}
}

// CalculateFees computes buyer and organizer fees for the selections. It tries
// the stored procedure, then the rules read directly, then a flat percentage.
func (s *FeeService) CalculateFees(ctx context.Context, eventID int64, selections []models.Selection) (*models.FeeResult, error) {
	if err := s.validate(eventID, selections); err != nil {
		return nil, err
	}

	if len(selections) == 0 {
		return &models.FeeResult{Breakdown: []models.FeeLine{}, Source: models.FeeSourceRules}, nil
	}

	result, err := s.rules.CalculateFees(ctx, eventID, selections)
	if err == nil {
		return result, nil
	}

	logrus.WithFields(logrus.Fields{
		"event_id":     eventID,
		"fee_fallback": models.FeeSourceRulesDirect,
		"error":        err,
	}).Warn("Fee procedure failed, computing from rules")

	rules, listErr := s.rules.ListActiveRules(ctx, eventID, selectionIDs(selections))
	if listErr == nil {
		result := ComputeFees(rules, eventID, selections)
		result.Source = models.FeeSourceRulesDirect
		return result, nil
	}

	logrus.WithFields(logrus.Fields{
		"event_id":     eventID,
		"fee_fallback": models.FeeSourceFlatFallback,
		"percent":      s.fallbackPercent,
		"error":        listErr,
	}).Error("Fee rules unavailable, applying flat default fee")

	return FlatFees(selections, s.fallbackPercent), nil
}

func (s *FeeService) validate(eventID int64, selections []models.Selection) error {
	if eventID <= 0 {
		return models.NewValidationError("event_id", "event is required")
	}

	for _, sel := range selections {
		if sel.TicketTypeID <= 0 {
			return models.NewValidationError("ticket_type_id", "ticket type is invalid")
		}
		if sel.Quantity <= 0 {
			return models.NewValidationError("quantity", "quantity must be positive")
		}
		if s.maxQuantity > 0 && sel.Quantity > s.maxQuantity {
			return models.NewValidationError("quantity", "quantity is too large")
		}
		if sel.UnitPrice < 0 {
			return models.NewValidationError("unit_price", "unit price cannot be negative")
		}
	}

	return nil
}

// ComputeFees resolves the applicable rule for each selection and computes the
// fee split. A ticket type rule beats an event rule, which beats a global rule.
// Within a scope the highest priority wins and ties go to the lowest rule id.
func ComputeFees(rules []*models.ServiceFeeRule, eventID int64, selections []models.Selection) *models.FeeResult {
	result := &models.FeeResult{Breakdown: make([]models.FeeLine, 0, len(selections)), Source: models.FeeSourceRules}

	for _, sel := range selections {
		subtotal := sel.UnitPrice * int64(sel.Quantity)
		line := models.FeeLine{TicketTypeID: sel.TicketTypeID, Subtotal: subtotal}

		if rule := resolveRule(rules, eventID, sel.TicketTypeID); rule != nil {
			id := rule.ID
			line.RuleID = &id
			line.Scope = rule.Scope
			line.FeeType = rule.FeeType
			line.AppliesTo = rule.AppliesTo
			line.Fee = ruleFee(rule, sel.UnitPrice, sel.Quantity)
			line.BuyerFee, line.OrganizerFee = splitFee(rule.AppliesTo, line.Fee)
		}

		result.TotalBuyerFees += line.BuyerFee
		result.TotalOrganizerFees += line.OrganizerFee
		result.Breakdown = append(result.Breakdown, line)
	}

	return result
}

// FlatFees charges percent of each subtotal to the buyer
func FlatFees(selections []models.Selection, percent float64) *models.FeeResult {
	result := &models.FeeResult{Breakdown: make([]models.FeeLine, 0, len(selections)), Source: models.FeeSourceFlatFallback}

	for _, sel := range selections {
		subtotal := sel.UnitPrice * int64(sel.Quantity)
		fee := int64(math.Round(float64(subtotal) * percent / 100))
		result.TotalBuyerFees += fee
		result.Breakdown = append(result.Breakdown, models.FeeLine{
			TicketTypeID: sel.TicketTypeID,
			FeeType:      models.FeeTypePercentage,
			AppliesTo:    models.FeeAppliesToBuyer,
			Subtotal:     subtotal,
			Fee:          fee,
			BuyerFee:     fee,
		})
	}

	return result
}

func resolveRule(rules []*models.ServiceFeeRule, eventID, ticketTypeID int64) *models.ServiceFeeRule {
	candidates := make([]*models.ServiceFeeRule, 0, len(rules))
	for _, rule := range rules {
		if rule.Active && ruleMatches(rule, eventID, ticketTypeID) {
			candidates = append(candidates, rule)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if scopeRank(a.Scope) != scopeRank(b.Scope) {
			return scopeRank(a.Scope) < scopeRank(b.Scope)
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.ID < b.ID
	})

	return candidates[0]
}

func ruleMatches(rule *models.ServiceFeeRule, eventID, ticketTypeID int64) bool {
	switch rule.Scope {
	case models.FeeScopeTicketType:
		return rule.TicketTypeID != nil && *rule.TicketTypeID == ticketTypeID
	case models.FeeScopeEvent:
		return rule.EventID != nil && *rule.EventID == eventID
	case models.FeeScopeGlobal:
		return true
	default:
		return false
	}
}

func scopeRank(scope models.FeeScope) int {
	switch scope {
	case models.FeeScopeTicketType:
		return 0
	case models.FeeScopeEvent:
		return 1
	default:
		return 2
	}
}

func ruleFee(rule *models.ServiceFeeRule, unitPrice int64, quantity int) int64 {
	var fee int64
	switch rule.FeeType {
	case models.FeeTypePercentage:
		fee = int64(math.Round(float64(unitPrice) * float64(quantity) * rule.FeeValue / 100))
	case models.FeeTypeFixed:
		fee = int64(math.Round(rule.FeeValue * float64(quantity)))
	}

	if rule.MinimumFee != nil && fee < *rule.MinimumFee {
		fee = *rule.MinimumFee
	}
	if rule.MaximumFee != nil && fee > *rule.MaximumFee {
		fee = *rule.MaximumFee
	}

	return fee
}

// splitFee attributes a fee. SPLIT gives the odd minor unit to the organizer.
func splitFee(appliesTo models.FeeAppliesTo, fee int64) (buyer, organizer int64) {
	switch appliesTo {
	case models.FeeAppliesToBuyer:
		return fee, 0
	case models.FeeAppliesToOrganizer:
		return 0, fee
	case models.FeeAppliesToSplit:
		return fee / 2, fee - fee/2
	default:
		return fee, 0
	}
}

func selectionIDs(selections []models.Selection) []int64 {
	ids := make([]int64, 0, len(selections))
	for _, sel := range selections {
		ids = append(ids, sel.TicketTypeID)
	}
	return ids
}
