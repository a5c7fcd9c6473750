package queue

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akrivos/helmsman/internal/broker"
	"github.com/akrivos/helmsman/internal/broker/mock"
	"github.com/akrivos/helmsman/internal/domain"
	"github.com/akrivos/helmsman/internal/engine"
	"github.com/akrivos/helmsman/internal/modules/accounts"
	"github.com/akrivos/helmsman/internal/modules/activity"
	"github.com/akrivos/helmsman/internal/modules/analysis"
	"github.com/akrivos/helmsman/internal/modules/experts"
	"github.com/akrivos/helmsman/internal/modules/instruments"
	"github.com/akrivos/helmsman/internal/modules/orders"
	"github.com/akrivos/helmsman/internal/modules/rules"
	"github.com/akrivos/helmsman/internal/modules/settings"
	"github.com/akrivos/helmsman/internal/testutil"
)

// TestExecuteAnalysis_RealizesRulesetActions drives one analysis through the
// whole chain: expert run, ruleset evaluation and action realization against
// the broker account.
func TestExecuteAnalysis_RealizesRulesetActions(t *testing.T) {
	db := testutil.NewTestDB(t)
	conn := db.Conn()
	log := zerolog.Nop()
	ctx := context.Background()

	settingsRepo := settings.NewRepository(conn, log)
	require.NoError(t, settingsRepo.SeedDefaults())

	accountsRepo := accounts.NewRepository(conn, log)
	account, err := accountsRepo.Create(accounts.Account{
		Provider: mock.ProviderTag,
		Name:     "test account",
	})
	require.NoError(t, err)

	provider := mock.New()
	provider.SetPrice("AAPL", 100)
	registry := broker.NewProviderRegistry()
	registry.Register(mock.ProviderTag, func(accounts.Account, *accounts.SettingsRepository, zerolog.Logger) (broker.Provider, error) {
		return provider, nil
	})

	ordersRepo := orders.NewOrderRepository(conn, log)
	transactionsRepo := orders.NewTransactionRepository(conn, log)
	expertRepo := experts.NewRepository(conn, log)
	instanceSettings := accounts.NewSettingsRepository(conn, log)
	activityRepo := activity.NewRepository(conn, log)

	accountsMgr := broker.NewManager(registry, accountsRepo, broker.Deps{
		Orders:           ordersRepo,
		Transactions:     transactionsRepo,
		Experts:          expertRepo,
		InstanceSettings: instanceSettings,
		Settings:         settingsRepo,
		Activity:         activityRepo,
		PriceCache:       broker.NewPriceCache(),
		Log:              log,
	})

	// One event-action: on a neutral recommendation without a position, buy
	// two shares with a 5% take-profit.
	rulesRepo := rules.NewRepository(conn, log)
	ruleset, err := rulesRepo.CreateRuleset(rules.Ruleset{Name: "enter on neutral", Kind: "expert"})
	require.NoError(t, err)
	ea, err := rulesRepo.CreateEventAction(rules.EventAction{
		Kind: "entry",
		Triggers: []rules.Condition{
			{Kind: rules.CondRatingNeutral},
			{Kind: rules.CondHasNoPosition},
		},
		Actions: []rules.Action{
			{Type: rules.ActionBuy, Params: map[string]float64{"quantity": 2}},
			{Type: rules.ActionSetTP, Params: map[string]float64{"percent": 5}},
		},
	})
	require.NoError(t, err)
	require.NoError(t, rulesRepo.Append(ruleset.ID, ea.ID))

	instance, err := expertRepo.Create(experts.Instance{
		AccountID:        account.ID,
		Class:            experts.NoopClass,
		Enabled:          true,
		VirtualEquityPct: 50,
		RulesetID:        &ruleset.ID,
	})
	require.NoError(t, err)

	expertsRegistry := experts.NewRegistry()
	experts.RegisterBuiltins(expertsRegistry)

	analysesRepo := analysis.NewRepository(conn, log)
	executor := NewTaskExecutor(ExecutorDeps{
		Manager:          NewManager(NewRepository(conn, log), log),
		Registry:         expertsRegistry,
		Experts:          expertRepo,
		InstanceSettings: instanceSettings,
		Analyses:         analysesRepo,
		Recommendations:  analysis.NewRecommendationRepository(conn, log),
		Transactions:     transactionsRepo,
		Instruments:      instruments.NewRepository(conn, log),
		Accounts:         accountsMgr,
		Engine:           engine.New(rulesRepo, log),
		Realizer:         engine.NewRealizer(accountsMgr, transactionsRepo, log),
		Activity:         activityRepo,
		LLMUsage:         activity.NewLLMUsageRepository(conn, log),
		Log:              log,
	})

	require.NoError(t, executor.ExecuteAnalysis(ctx, AnalysisTask{
		ExpertID: instance.ID,
		Symbol:   "AAPL",
		UseCase:  domain.UseCaseEnterMarket,
	}))

	runs, err := analysesRepo.ListByExpert(instance.ID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, domain.AnalysisCompleted, runs[0].Status)

	open, err := transactionsRepo.ListOpenByExpertSymbol(instance.ID, "AAPL")
	require.NoError(t, err)
	require.Len(t, open, 1)
	tx := open[0]
	assert.Equal(t, domain.TxWaiting, tx.Status)
	assert.Equal(t, domain.SideBuy, tx.Side)
	require.NotNil(t, tx.TakeProfit)
	assert.InDelta(t, 105, *tx.TakeProfit, 1e-9)

	rows, err := ordersRepo.ListByTransaction(tx.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	var entry, leg *orders.Order
	for i := range rows {
		if rows[i].Type == domain.OrderTypeMarket {
			entry = &rows[i]
		} else {
			leg = &rows[i]
		}
	}

	require.NotNil(t, entry)
	assert.Equal(t, domain.OrderStatusAccepted, entry.Status)
	assert.Equal(t, 2.0, entry.Quantity)
	assert.NotEmpty(t, entry.BrokerOrderID)

	// The protective leg waits for the entry fill before going to the
	// broker.
	require.NotNil(t, leg)
	assert.Equal(t, domain.OrderTypeLimitSell, leg.Type)
	assert.Equal(t, domain.OrderStatusWaitingTrigger, leg.Status)
	require.NotNil(t, leg.LimitPrice)
	assert.InDelta(t, 105, *leg.LimitPrice, 1e-9)
}
