package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mgymgy7878/CursorGPT-IDE-sub000/internal/domain"
)

// Level grades how aggressive an order is relative to the configured limits.
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// Result is the outcome of a pre-trade check.
type Result struct {
	IsValid     bool     `json:"is_valid"`
	Violations  []string `json:"violations,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
	RiskLevel   Level    `json:"risk_level"`
}

// Validator is the pre-trade gate consulted before any order reaches the
// venue. A veto blocks placement; the execution stays pending confirmation.
type Validator interface {
	ValidateParams(params domain.OrderParams) Result
}

// Limits bounds a single order. Zero decimals mean the bound is disabled.
type Limits struct {
	MaxQuantity decimal.Decimal
	MaxNotional decimal.Decimal
}

// LimitValidator enforces per-order quantity and notional caps.
type LimitValidator struct {
	limits Limits
}

// NewLimitValidator creates a validator with the given limits.
func NewLimitValidator(limits Limits) *LimitValidator {
	return &LimitValidator{limits: limits}
}

// ValidateParams checks one order request against the limits.
func (v *LimitValidator) ValidateParams(params domain.OrderParams) Result {
	res := Result{IsValid: true, RiskLevel: LevelLow}

	if params.Quantity.LessThanOrEqual(decimal.Zero) {
		res.IsValid = false
		res.RiskLevel = LevelHigh
		res.Violations = append(res.Violations, "quantity must be positive")
		return res
	}

	if v.limits.MaxQuantity.IsPositive() && params.Quantity.GreaterThan(v.limits.MaxQuantity) {
		res.IsValid = false
		res.Violations = append(res.Violations,
			fmt.Sprintf("quantity %s exceeds limit %s", params.Quantity, v.limits.MaxQuantity))
		res.Suggestions = append(res.Suggestions,
			fmt.Sprintf("reduce quantity to %s or below", v.limits.MaxQuantity))
	}

	if v.limits.MaxNotional.IsPositive() && params.Price.IsPositive() {
		notional := params.Quantity.Mul(params.Price)
		if notional.GreaterThan(v.limits.MaxNotional) {
			res.IsValid = false
			res.Violations = append(res.Violations,
				fmt.Sprintf("notional %s exceeds limit %s", notional, v.limits.MaxNotional))
		}
	}

	if !res.IsValid {
		res.RiskLevel = LevelHigh
		return res
	}

	res.RiskLevel = v.grade(params)
	return res
}

// grade marks orders near a limit as medium risk.
func (v *LimitValidator) grade(params domain.OrderParams) Level {
	threshold := decimal.RequireFromString("0.8")
	if v.limits.MaxQuantity.IsPositive() &&
		params.Quantity.GreaterThanOrEqual(v.limits.MaxQuantity.Mul(threshold)) {
		return LevelMedium
	}
	if v.limits.MaxNotional.IsPositive() && params.Price.IsPositive() &&
		params.Quantity.Mul(params.Price).GreaterThanOrEqual(v.limits.MaxNotional.Mul(threshold)) {
		return LevelMedium
	}
	return LevelLow
}

// Permissive returns a validator with every bound disabled. The hook stays
// wired even when no limits are configured; only positive-quantity sanity
// remains.
func Permissive() *LimitValidator {
	return NewLimitValidator(Limits{})
}
