package engine

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akrivos/helmsman/internal/domain"
	"github.com/akrivos/helmsman/internal/modules/analysis"
	"github.com/akrivos/helmsman/internal/modules/rules"
	"github.com/akrivos/helmsman/internal/testutil"
)

type engineFixture struct {
	engine *Engine
	rules  *rules.Repository
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	db := testutil.NewTestDB(t)
	repo := rules.NewRepository(db.Conn(), zerolog.Nop())
	return &engineFixture{
		engine: New(repo, zerolog.Nop()),
		rules:  repo,
	}
}

func (f *engineFixture) ruleset(t *testing.T, eventActions ...rules.EventAction) int64 {
	t.Helper()
	rs, err := f.rules.CreateRuleset(rules.Ruleset{Name: "test", Kind: "trading"})
	require.NoError(t, err)
	for _, ea := range eventActions {
		created, err := f.rules.CreateEventAction(ea)
		require.NoError(t, err)
		require.NoError(t, f.rules.Append(rs.ID, created.ID))
	}
	return rs.ID
}

func bullishRec(confidence float64) analysis.Recommendation {
	return analysis.Recommendation{
		Symbol:     "AAPL",
		Action:     domain.ActionBuy,
		Confidence: confidence,
		Risk:       domain.RiskMedium,
		Horizon:    domain.HorizonMediumTerm,
	}
}

func TestEvaluate_MissingRuleset(t *testing.T) {
	f := newEngineFixture(t)

	results := f.engine.Evaluate(12345, &Context{Recommendation: bullishRec(80)})

	require.Len(t, results, 1)
	assert.Contains(t, results[0].Err, "not found")
}

func TestEvaluate_EmptyRuleset(t *testing.T) {
	f := newEngineFixture(t)
	id := f.ruleset(t)

	results := f.engine.Evaluate(id, &Context{Recommendation: bullishRec(80)})
	assert.Empty(t, results)
}

func TestEvaluate_FirstMatchStops(t *testing.T) {
	f := newEngineFixture(t)
	id := f.ruleset(t,
		rules.EventAction{
			Kind: "trading",
			Triggers: []rules.Condition{
				{Kind: rules.CondBullish},
				{Kind: rules.CondConfidence, Operator: rules.OpGT, Value: 70},
			},
			Actions: []rules.Action{
				{Type: rules.ActionBuy, Params: map[string]float64{"quantity": 10}},
				{Type: rules.ActionSetTP, Params: map[string]float64{"percent": 5}},
			},
		},
		rules.EventAction{
			Kind:     "trading",
			Triggers: []rules.Condition{{Kind: rules.CondBullish}},
			Actions:  []rules.Action{{Type: rules.ActionSell}},
		},
	)

	results := f.engine.Evaluate(id, &Context{Recommendation: bullishRec(80)})

	require.Len(t, results, 1)
	require.Len(t, results[0].Actions, 2)
	assert.Equal(t, rules.ActionBuy, results[0].Actions[0].Type)
	qty, ok := results[0].Actions[0].Param("quantity")
	require.True(t, ok)
	assert.Equal(t, 10.0, qty)
}

func TestEvaluate_ContinueProcessing(t *testing.T) {
	f := newEngineFixture(t)
	id := f.ruleset(t,
		rules.EventAction{
			Kind:               "trading",
			Triggers:           []rules.Condition{{Kind: rules.CondBullish}},
			Actions:            []rules.Action{{Type: rules.ActionBuy}},
			ContinueProcessing: true,
		},
		rules.EventAction{
			Kind:     "trading",
			Triggers: []rules.Condition{{Kind: rules.CondLowRisk}},
			Actions:  []rules.Action{{Type: rules.ActionSetSL}},
		},
		rules.EventAction{
			Kind:     "trading",
			Triggers: []rules.Condition{{Kind: rules.CondMediumRisk}},
			Actions:  []rules.Action{{Type: rules.ActionSetTP}},
		},
	)

	results := f.engine.Evaluate(id, &Context{Recommendation: bullishRec(80)})

	// First matches and continues; low-risk misses; medium-risk matches.
	require.Len(t, results, 2)
	assert.Equal(t, rules.ActionBuy, results[0].Actions[0].Type)
	assert.Equal(t, rules.ActionSetTP, results[1].Actions[0].Type)
}

func TestEvaluate_EmptyTriggersNeverMatch(t *testing.T) {
	f := newEngineFixture(t)
	id := f.ruleset(t, rules.EventAction{
		Kind:    "trading",
		Actions: []rules.Action{{Type: rules.ActionBuy}},
	})

	results := f.engine.Evaluate(id, &Context{Recommendation: bullishRec(100)})
	assert.Empty(t, results)
}

func TestEvaluate_ConditionErrorContinues(t *testing.T) {
	f := newEngineFixture(t)
	id := f.ruleset(t,
		rules.EventAction{
			Kind:     "trading",
			Triggers: []rules.Condition{{Kind: rules.CondDaysOpened, Operator: rules.OpGT, Value: 3}},
			Actions:  []rules.Action{{Type: rules.ActionClose}},
		},
		rules.EventAction{
			Kind:     "trading",
			Triggers: []rules.Condition{{Kind: rules.CondBullish}},
			Actions:  []rules.Action{{Type: rules.ActionBuy}},
		},
	)

	// No open position: days_opened errors, the next event-action still runs.
	results := f.engine.Evaluate(id, &Context{Recommendation: bullishRec(80)})

	require.Len(t, results, 2)
	assert.Contains(t, results[0].Err, "days_opened")
	assert.Empty(t, results[0].Actions)
	assert.Equal(t, rules.ActionBuy, results[1].Actions[0].Type)
}

func TestEvaluate_PositionConditions(t *testing.T) {
	f := newEngineFixture(t)
	id := f.ruleset(t, rules.EventAction{
		Kind: "trading",
		Triggers: []rules.Condition{
			{Kind: rules.CondHasPosition},
			{Kind: rules.CondDaysOpened, Operator: rules.OpGT, Value: 5},
			{Kind: rules.CondProfitLossPercent, Operator: rules.OpGTE, Value: 2},
		},
		Actions: []rules.Action{{Type: rules.ActionClose}},
	})

	openedAt := time.Now().AddDate(0, 0, -10)
	pl := 4.5
	ctx := &Context{
		Recommendation:   bullishRec(50),
		HasPosition:      true,
		PositionOpenedAt: &openedAt,
		ProfitLossPct:    &pl,
	}

	results := f.engine.Evaluate(id, ctx)
	require.Len(t, results, 1)
	assert.Equal(t, rules.ActionClose, results[0].Actions[0].Type)

	// A young position misses the days_opened comparison.
	young := time.Now().AddDate(0, 0, -1)
	ctx.PositionOpenedAt = &young
	assert.Empty(t, f.engine.Evaluate(id, ctx))
}

func TestEvaluate_RatingConditions(t *testing.T) {
	f := newEngineFixture(t)
	id := f.ruleset(t,
		rules.EventAction{
			Kind:     "trading",
			Triggers: []rules.Condition{{Kind: rules.CondRatingNegative}},
			Actions:  []rules.Action{{Type: rules.ActionClose}},
		},
	)

	rec := bullishRec(80)
	rec.Action = domain.ActionSell
	results := f.engine.Evaluate(id, &Context{Recommendation: rec})
	require.Len(t, results, 1)

	rec.Action = domain.ActionHold
	assert.Empty(t, f.engine.Evaluate(id, &Context{Recommendation: rec}))
}
