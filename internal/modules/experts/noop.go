package experts

import (
	"context"

	"github.com/akrivos/helmsman/internal/domain"
	"github.com/akrivos/helmsman/internal/modules/accounts"
	"github.com/akrivos/helmsman/internal/modules/analysis"
)

// NoopClass is the registry tag of the built-in research expert.
const NoopClass = "noop"

// noopExpert always recommends HOLD. It keeps the system runnable end-to-end
// without any external expert plug-in and doubles as the reference
// implementation of the Expert contract.
type noopExpert struct {
	env Env
}

// RegisterBuiltins registers the expert classes that ship with the core.
func RegisterBuiltins(registry *Registry) {
	registry.Register(NoopClass, func(env Env) (Expert, error) {
		return &noopExpert{env: env}, nil
	})
}

func (e *noopExpert) Description() string {
	return "Research expert that always recommends HOLD. Useful for exercising schedules and rulesets without trading."
}

func (e *noopExpert) SettingsDefinitions() map[string]accounts.SettingDefinition {
	return map[string]accounts.SettingDefinition{
		SettingScheduleEnterMarket: {
			Type:        accounts.ValueJSON,
			Required:    false,
			Description: "Enter-market schedule (days/times)",
		},
		SettingInstrumentSelection: {
			Type:        accounts.ValueString,
			Required:    false,
			Default:     SelectionStatic,
			Description: "Instrument selection method: static, dynamic or expert",
		},
	}
}

func (e *noopExpert) Properties() Properties {
	return Properties{
		CanRecommendInstruments:   false,
		ShouldExpandInstrumentJobs: true,
	}
}

func (e *noopExpert) RunAnalysis(ctx context.Context, symbol string, ma *analysis.MarketAnalysis) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := e.env.Recommendations.Create(analysis.Recommendation{
		ExpertID:   e.env.Instance.ID,
		AnalysisID: &ma.ID,
		Symbol:     symbol,
		Action:     domain.ActionHold,
		Confidence: 50,
		Risk:       domain.RiskLow,
		Horizon:    domain.HorizonShortTerm,
		Details:    "noop expert holds by construction",
	})
	if err != nil {
		return err
	}

	return e.env.Analyses.UpdateStatus(ma.ID, domain.AnalysisCompleted, nil)
}

func (e *noopExpert) EnabledInstruments() ([]string, error) {
	return nil, nil
}

func (e *noopExpert) RecommendedInstruments() ([]string, error) {
	return nil, nil
}
