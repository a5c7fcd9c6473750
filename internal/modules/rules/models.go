// Package rules stores rulesets and their ordered event-actions. A ruleset is
// the declarative bridge between an expert's recommendation and concrete trade
// actions: the engine walks its event-actions in order_index order and the
// first one whose triggers all match contributes its actions.
package rules

import "time"

// ConditionKind names a trigger condition.
type ConditionKind string

// Flag conditions evaluate to a boolean from the recommendation and position
// context alone.
const (
	CondBullish                  ConditionKind = "bullish"
	CondBearish                  ConditionKind = "bearish"
	CondHasNoPosition            ConditionKind = "has_no_position"
	CondHasPosition              ConditionKind = "has_position"
	CondHasNoPositionAccountWide ConditionKind = "has_no_position_account_wide"
	CondHasPositionAccountWide   ConditionKind = "has_position_account_wide"
	CondShortTerm                ConditionKind = "short_term"
	CondMediumTerm               ConditionKind = "medium_term"
	CondLongTerm                 ConditionKind = "long_term"
	CondHighRisk                 ConditionKind = "high_risk"
	CondMediumRisk               ConditionKind = "medium_risk"
	CondLowRisk                  ConditionKind = "low_risk"
	CondRatingPositive           ConditionKind = "current_rating_positive"
	CondRatingNeutral            ConditionKind = "current_rating_neutral"
	CondRatingNegative           ConditionKind = "current_rating_negative"
)

// Comparison conditions compare a numeric attribute against a value.
const (
	CondConfidence            ConditionKind = "confidence"
	CondExpectedProfitPercent ConditionKind = "expected_profit_target_percent"
	CondDaysOpened            ConditionKind = "days_opened"
	CondProfitLossPercent     ConditionKind = "profit_loss_percent"
)

// IsComparison reports whether the condition takes an operator and a value.
func (k ConditionKind) IsComparison() bool {
	switch k {
	case CondConfidence, CondExpectedProfitPercent, CondDaysOpened, CondProfitLossPercent:
		return true
	}
	return false
}

// Operator is a numeric comparison operator used by comparison conditions.
type Operator string

const (
	OpGT  Operator = ">"
	OpGTE Operator = ">="
	OpLT  Operator = "<"
	OpLTE Operator = "<="
	OpEQ  Operator = "=="
	OpNEQ Operator = "!="
)

// Valid reports whether the operator is known.
func (o Operator) Valid() bool {
	switch o {
	case OpGT, OpGTE, OpLT, OpLTE, OpEQ, OpNEQ:
		return true
	}
	return false
}

// ActionType names an action an event-action can emit.
type ActionType string

const (
	ActionBuy        ActionType = "BUY"
	ActionSell       ActionType = "SELL"
	ActionSetTP      ActionType = "SET_TP"
	ActionSetSL      ActionType = "SET_SL"
	ActionClose      ActionType = "CLOSE"
	ActionAdjustTPSL ActionType = "ADJUST_TP_SL"
)

// Condition is one trigger descriptor. Operator and Value are only meaningful
// for comparison kinds.
type Condition struct {
	Kind     ConditionKind `json:"kind"`
	Operator Operator      `json:"operator,omitempty"`
	Value    float64       `json:"value,omitempty"`
}

// Action is one emitted action descriptor. Params carries type-specific
// parameters: "quantity" for BUY/SELL, "percent" for SET_TP/SET_SL.
type Action struct {
	Type   ActionType         `json:"type"`
	Params map[string]float64 `json:"params,omitempty"`
}

// Param reads a named parameter, with ok=false when absent.
func (a Action) Param(name string) (float64, bool) {
	v, ok := a.Params[name]
	return v, ok
}

// Ruleset is a named, ordered collection of event-actions.
type Ruleset struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	Subtype   string    `json:"subtype,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// EventAction is a trigger set (AND of conditions) with its action list.
type EventAction struct {
	ID                 int64       `json:"id"`
	Kind               string      `json:"kind"`
	Triggers           []Condition `json:"triggers"`
	Actions            []Action    `json:"actions"`
	ContinueProcessing bool        `json:"continue_processing"`
	CreatedAt          time.Time   `json:"created_at"`
}
