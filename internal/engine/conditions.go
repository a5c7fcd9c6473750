package engine

import (
	"fmt"
	"time"

	"github.com/akrivos/helmsman/internal/domain"
	"github.com/akrivos/helmsman/internal/modules/rules"
)

// evalCondition evaluates one trigger condition against the context. Unknown
// kinds and malformed comparisons return an error, which the engine
// materialises as an error result entry rather than propagating.
func evalCondition(cond rules.Condition, ctx *Context) (bool, error) {
	rec := ctx.Recommendation

	switch cond.Kind {
	case rules.CondBullish:
		return rec.Action == domain.ActionBuy, nil
	case rules.CondBearish:
		return rec.Action == domain.ActionSell, nil
	case rules.CondHasNoPosition:
		return !ctx.HasPosition, nil
	case rules.CondHasPosition:
		return ctx.HasPosition, nil
	case rules.CondHasNoPositionAccountWide:
		return !ctx.HasPositionAccountWide, nil
	case rules.CondHasPositionAccountWide:
		return ctx.HasPositionAccountWide, nil
	case rules.CondShortTerm:
		return rec.Horizon == domain.HorizonShortTerm, nil
	case rules.CondMediumTerm:
		return rec.Horizon == domain.HorizonMediumTerm, nil
	case rules.CondLongTerm:
		return rec.Horizon == domain.HorizonLongTerm, nil
	case rules.CondHighRisk:
		return rec.Risk == domain.RiskHigh, nil
	case rules.CondMediumRisk:
		return rec.Risk == domain.RiskMedium, nil
	case rules.CondLowRisk:
		return rec.Risk == domain.RiskLow, nil
	case rules.CondRatingPositive:
		return rec.Action == domain.ActionBuy, nil
	case rules.CondRatingNeutral:
		return rec.Action == domain.ActionHold, nil
	case rules.CondRatingNegative:
		return rec.Action == domain.ActionSell, nil
	}

	if cond.Kind.IsComparison() {
		return evalComparison(cond, ctx)
	}
	return false, fmt.Errorf("unknown condition kind %q", cond.Kind)
}

func evalComparison(cond rules.Condition, ctx *Context) (bool, error) {
	var value float64
	switch cond.Kind {
	case rules.CondConfidence:
		value = ctx.Recommendation.Confidence
	case rules.CondExpectedProfitPercent:
		value = ctx.Recommendation.ExpectedProfitPct
	case rules.CondDaysOpened:
		if ctx.PositionOpenedAt == nil {
			return false, fmt.Errorf("days_opened condition without an open position")
		}
		value = time.Since(*ctx.PositionOpenedAt).Hours() / 24
	case rules.CondProfitLossPercent:
		if ctx.ProfitLossPct == nil {
			return false, fmt.Errorf("profit_loss_percent condition without an open position")
		}
		value = *ctx.ProfitLossPct
	}

	return compare(value, cond.Operator, cond.Value)
}

func compare(value float64, op rules.Operator, target float64) (bool, error) {
	switch op {
	case rules.OpGT:
		return value > target, nil
	case rules.OpGTE:
		return value >= target, nil
	case rules.OpLT:
		return value < target, nil
	case rules.OpLTE:
		return value <= target, nil
	case rules.OpEQ:
		return value == target, nil
	case rules.OpNEQ:
		return value != target, nil
	}
	return false, fmt.Errorf("unknown operator %q", op)
}
