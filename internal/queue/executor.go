package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/akrivos/helmsman/internal/broker"
	"github.com/akrivos/helmsman/internal/domain"
	"github.com/akrivos/helmsman/internal/engine"
	"github.com/akrivos/helmsman/internal/modules/accounts"
	"github.com/akrivos/helmsman/internal/modules/activity"
	"github.com/akrivos/helmsman/internal/modules/analysis"
	"github.com/akrivos/helmsman/internal/modules/experts"
	"github.com/akrivos/helmsman/internal/modules/instruments"
	"github.com/akrivos/helmsman/internal/modules/orders"
)

// InstrumentSelector is the injected AI service that resolves a DYNAMIC
// instrument selection into concrete symbols.
type InstrumentSelector interface {
	SelectInstruments(ctx context.Context, prompt, model string, max int) ([]string, error)
}

// defaultMaxInstruments caps dynamic selection when the expert does not
// configure its own limit.
const defaultMaxInstruments = 10

// TaskExecutor runs analysis and expansion tasks: it is the bridge between
// the queue, the experts, the trade action engine and the broker accounts.
type TaskExecutor struct {
	manager          *Manager
	registry         *experts.Registry
	expertRepo       *experts.Repository
	instanceSettings *accounts.SettingsRepository
	analyses         *analysis.Repository
	recommendations  *analysis.RecommendationRepository
	transactions     *orders.TransactionRepository
	instruments      *instruments.Repository
	accounts         *broker.Manager
	engine           *engine.Engine
	realizer         *engine.Realizer
	selector         InstrumentSelector
	activity         *activity.Repository
	llmUsage         *activity.LLMUsageRepository
	log              zerolog.Logger
}

// ExecutorDeps bundles the collaborators of a TaskExecutor.
type ExecutorDeps struct {
	Manager          *Manager
	Registry         *experts.Registry
	Experts          *experts.Repository
	InstanceSettings *accounts.SettingsRepository
	Analyses         *analysis.Repository
	Recommendations  *analysis.RecommendationRepository
	Transactions     *orders.TransactionRepository
	Instruments      *instruments.Repository
	Accounts         *broker.Manager
	Engine           *engine.Engine
	Realizer         *engine.Realizer
	Selector         InstrumentSelector
	Activity         *activity.Repository
	LLMUsage         *activity.LLMUsageRepository
	Log              zerolog.Logger
}

// NewTaskExecutor creates the executor.
func NewTaskExecutor(deps ExecutorDeps) *TaskExecutor {
	return &TaskExecutor{
		manager:          deps.Manager,
		registry:         deps.Registry,
		expertRepo:       deps.Experts,
		instanceSettings: deps.InstanceSettings,
		analyses:         deps.Analyses,
		recommendations:  deps.Recommendations,
		transactions:     deps.Transactions,
		instruments:      deps.Instruments,
		accounts:         deps.Accounts,
		engine:           deps.Engine,
		realizer:         deps.Realizer,
		selector:         deps.Selector,
		activity:         deps.Activity,
		llmUsage:         deps.LLMUsage,
		log:              deps.Log.With().Str("component", "task_executor").Logger(),
	}
}

// ExecuteAnalysis runs one expert analysis: create the analysis row, apply
// the upfront skip checks, run the expert, then evaluate and realize the
// bound ruleset against the produced recommendation.
func (e *TaskExecutor) ExecuteAnalysis(ctx context.Context, task AnalysisTask) error {
	instance, err := e.expertRepo.Get(task.ExpertID)
	if err != nil {
		return err
	}

	if !domain.IsSpecialSymbol(task.Symbol) {
		if _, err := e.instruments.Ensure(task.Symbol, ""); err != nil {
			return err
		}
	}

	ma, err := e.analyses.Create(analysis.MarketAnalysis{
		Symbol:   task.Symbol,
		ExpertID: task.ExpertID,
		Status:   domain.AnalysisPending,
		UseCase:  task.UseCase,
	})
	if err != nil {
		return err
	}

	if skip, reason := e.shouldSkip(ctx, instance, task); skip {
		e.log.Info().
			Int64("expert_id", task.ExpertID).
			Str("symbol", task.Symbol).
			Str("reason", reason).
			Msg("Analysis skipped")
		return e.analyses.UpdateStatus(ma.ID, domain.AnalysisSkipped,
			map[string]interface{}{"skip_reason": reason})
	}

	if err := e.analyses.UpdateStatus(ma.ID, domain.AnalysisRunning, nil); err != nil {
		return err
	}

	expert, err := e.registry.Build(experts.Env{
		Instance:        *instance,
		Settings:        e.instanceSettings,
		Analyses:        e.analyses,
		Recommendations: e.recommendations,
		LLMUsage:        e.llmUsage,
		Log:             e.log,
	})
	if err != nil {
		e.failAnalysis(ma.ID, instance, err)
		return err
	}

	if err := expert.RunAnalysis(ctx, task.Symbol, &ma); err != nil {
		e.failAnalysis(ma.ID, instance, err)
		return err
	}

	current, err := e.analyses.Get(ma.ID)
	if err != nil {
		return err
	}
	if current.Status == domain.AnalysisRunning || current.Status == domain.AnalysisPending {
		if err := e.analyses.UpdateStatus(ma.ID, domain.AnalysisCompleted, nil); err != nil {
			return err
		}
	}

	return e.applyRuleset(ctx, instance, ma.ID, task.Symbol)
}

// shouldSkip applies the ENTER_MARKET upfront checks: an existing open
// transaction or an infeasible balance skips the run, unless bypassed.
func (e *TaskExecutor) shouldSkip(ctx context.Context, instance *experts.Instance, task AnalysisTask) (bool, string) {
	if task.UseCase != domain.UseCaseEnterMarket || domain.IsSpecialSymbol(task.Symbol) {
		return false, ""
	}

	if !task.BypassTransactionCheck {
		open, err := e.transactions.ListOpenByExpertSymbol(task.ExpertID, task.Symbol)
		if err != nil {
			e.log.Error().Err(err).Msg("Transaction skip check failed")
		} else if len(open) > 0 {
			return true, "open transaction exists"
		}
	}

	if !task.BypassBalanceCheck {
		account, err := e.accounts.Get(instance.AccountID)
		if err != nil {
			e.log.Error().Err(err).Msg("Balance skip check failed")
			return false, ""
		}
		balance, err := account.GetBalance(ctx)
		if err != nil {
			e.log.Error().Err(err).Msg("Balance skip check failed")
			return false, ""
		}
		if balance != nil && *balance <= 0 {
			return true, "insufficient balance"
		}
	}

	return false, ""
}

func (e *TaskExecutor) failAnalysis(analysisID int64, instance *experts.Instance, cause error) {
	if err := e.analyses.UpdateStatus(analysisID, domain.AnalysisFailed,
		map[string]interface{}{analysis.StateFailureReason: cause.Error()}); err != nil {
		e.log.Error().Err(err).Int64("analysis_id", analysisID).Msg("Failed to mark analysis failed")
	}
	expertID := instance.ID
	e.activity.Error("analysis_failed",
		fmt.Sprintf("Analysis %d failed: %v", analysisID, cause),
		map[string]interface{}{"analysis_id": analysisID},
		&instance.AccountID, &expertID)
}

// applyRuleset feeds the analysis's recommendation through the trade action
// engine and realizes the emitted actions.
func (e *TaskExecutor) applyRuleset(ctx context.Context, instance *experts.Instance, analysisID int64, symbol string) error {
	if instance.RulesetID == nil {
		return nil
	}

	rec, err := e.recommendations.LatestForAnalysis(analysisID)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}

	evalCtx, err := e.buildContext(ctx, instance, *rec)
	if err != nil {
		return err
	}

	results := e.engine.Evaluate(*instance.RulesetID, evalCtx)
	if len(results) == 0 {
		return nil
	}
	return e.realizer.Realize(ctx, instance.AccountID, instance.ID, evalCtx, results)
}

// buildContext assembles the position context a ruleset may reference.
func (e *TaskExecutor) buildContext(ctx context.Context, instance *experts.Instance, rec analysis.Recommendation) (*engine.Context, error) {
	evalCtx := &engine.Context{Recommendation: rec}

	open, err := e.transactions.ListOpenByExpertSymbol(instance.ID, rec.Symbol)
	if err != nil {
		return nil, err
	}
	if len(open) > 0 {
		evalCtx.HasPosition = true
		oldest := open[0]
		if oldest.OpenDate != nil {
			evalCtx.PositionOpenedAt = oldest.OpenDate
		}
		if pl := e.profitLossPercent(ctx, instance.AccountID, &oldest); pl != nil {
			evalCtx.ProfitLossPct = pl
		}
	}

	all, err := e.transactions.ListByStatus(domain.TxWaiting, domain.TxOpened)
	if err != nil {
		return nil, err
	}
	for _, tx := range all {
		if strings.EqualFold(tx.Symbol, rec.Symbol) {
			evalCtx.HasPositionAccountWide = true
			break
		}
	}
	return evalCtx, nil
}

// profitLossPercent computes the current signed P/L percent of a position,
// best effort: nil when prices are unavailable.
func (e *TaskExecutor) profitLossPercent(ctx context.Context, accountID int64, tx *orders.Transaction) *float64 {
	if tx.OpenPrice == nil || *tx.OpenPrice <= 0 {
		return nil
	}

	account, err := e.accounts.Get(accountID)
	if err != nil {
		return nil
	}
	price, err := account.GetInstrumentCurrentPrice(ctx, tx.Symbol, domain.PriceMid)
	if err != nil {
		return nil
	}

	pl := (price - *tx.OpenPrice) / *tx.OpenPrice * 100
	if !tx.IsLong() {
		pl = -pl
	}
	return &pl
}

// ExecuteExpansion resolves a special symbol into concrete symbols and fans
// out one high-priority analysis task per symbol through the normal
// submission path, so dedup and persistence apply.
func (e *TaskExecutor) ExecuteExpansion(ctx context.Context, task InstrumentExpansionTask) error {
	instance, err := e.expertRepo.Get(task.ExpertID)
	if err != nil {
		return err
	}

	var symbols []string
	switch task.ExpansionType {
	case domain.SymbolDynamic:
		symbols, err = e.expandDynamic(ctx, instance)
	case domain.SymbolExpert:
		symbols, err = e.expandExpert(instance, task)
	case domain.SymbolOpenPositions:
		symbols, err = e.transactions.DistinctOpenSymbols(task.ExpertID)
	default:
		return domain.ValidationErrorf("unknown expansion type %q", task.ExpansionType)
	}
	if err != nil {
		return err
	}

	submitted := 0
	for _, symbol := range symbols {
		_, _, err := e.manager.SubmitAnalysis(AnalysisTask{
			ExpertID: task.ExpertID,
			Symbol:   strings.ToUpper(symbol),
			UseCase:  task.UseCase,
			Priority: PriorityManual,
			BatchID:  task.BatchID,
		})
		if err != nil {
			// An in-flight duplicate is expected; everything else is logged.
			if !isDuplicate(err) {
				e.log.Error().Err(err).Str("symbol", symbol).Msg("Expansion fan-out submission failed")
			}
			continue
		}
		submitted++
	}

	e.log.Info().
		Int64("expert_id", task.ExpertID).
		Str("expansion", task.ExpansionType).
		Int("symbols", len(symbols)).
		Int("submitted", submitted).
		Msg("Instrument expansion complete")
	return nil
}

func (e *TaskExecutor) expandDynamic(ctx context.Context, instance *experts.Instance) ([]string, error) {
	if e.selector == nil {
		return nil, domain.ValidationErrorf("dynamic selection requires an instrument selector")
	}

	prompt, err := e.instanceSettings.GetString(accounts.OwnerExpert, instance.ID, experts.SettingSelectorPrompt)
	if err != nil {
		return nil, err
	}
	model, err := e.instanceSettings.GetString(accounts.OwnerExpert, instance.ID, experts.SettingSelectorModel)
	if err != nil {
		return nil, err
	}

	max := defaultMaxInstruments
	if v, ok, err := e.instanceSettings.GetFloat(accounts.OwnerExpert, instance.ID, experts.SettingMaxInstruments); err == nil && ok && v > 0 {
		max = int(v)
	}

	symbols, err := e.selector.SelectInstruments(ctx, prompt, model, max)
	if err != nil {
		return nil, fmt.Errorf("instrument selection failed: %w", err)
	}
	if len(symbols) > max {
		symbols = symbols[:max]
	}
	return symbols, nil
}

// expandExpert asks the expert for its recommended instruments. Experts that
// handle their own expansion instead get one analysis task with the special
// EXPERT symbol.
func (e *TaskExecutor) expandExpert(instance *experts.Instance, task InstrumentExpansionTask) ([]string, error) {
	expert, err := e.registry.Build(experts.Env{
		Instance:        *instance,
		Settings:        e.instanceSettings,
		Analyses:        e.analyses,
		Recommendations: e.recommendations,
		LLMUsage:        e.llmUsage,
		Log:             e.log,
	})
	if err != nil {
		return nil, err
	}

	if !expert.Properties().ShouldExpandInstrumentJobs {
		_, _, err := e.manager.SubmitAnalysis(AnalysisTask{
			ExpertID: task.ExpertID,
			Symbol:   domain.SymbolExpert,
			UseCase:  task.UseCase,
			Priority: PriorityManual,
			BatchID:  task.BatchID,
		})
		if err != nil && !isDuplicate(err) {
			return nil, err
		}
		return nil, nil
	}

	return expert.RecommendedInstruments()
}

func isDuplicate(err error) bool {
	return errors.Is(err, domain.ErrDuplicateTask)
}
