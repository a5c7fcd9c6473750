package analysis_test

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akrivos/helmsman/internal/domain"
	"github.com/akrivos/helmsman/internal/modules/accounts"
	"github.com/akrivos/helmsman/internal/modules/analysis"
	"github.com/akrivos/helmsman/internal/modules/experts"
	"github.com/akrivos/helmsman/internal/testutil"
)

func newAnalysisRepo(t *testing.T) (*analysis.Repository, int64) {
	t.Helper()
	db := testutil.NewTestDB(t)
	conn := db.Conn()
	log := zerolog.Nop()

	account, err := accounts.NewRepository(conn, log).Create(accounts.Account{
		Provider: "mock",
		Name:     "test account",
	})
	require.NoError(t, err)
	instance, err := experts.NewRepository(conn, log).Create(experts.Instance{
		AccountID:        account.ID,
		Class:            "noop",
		Enabled:          true,
		VirtualEquityPct: 100,
	})
	require.NoError(t, err)

	return analysis.NewRepository(conn, log), instance.ID
}

func TestFailRunning_PreservesPartialState(t *testing.T) {
	repo, expertID := newAnalysisRepo(t)

	running, err := repo.Create(analysis.MarketAnalysis{
		Symbol:   "AAPL",
		ExpertID: expertID,
		Status:   domain.AnalysisRunning,
		UseCase:  domain.UseCaseEnterMarket,
		State:    map[string]interface{}{"step": "fetching prices"},
	})
	require.NoError(t, err)

	completed, err := repo.Create(analysis.MarketAnalysis{
		Symbol:   "MSFT",
		ExpertID: expertID,
		Status:   domain.AnalysisCompleted,
		UseCase:  domain.UseCaseEnterMarket,
	})
	require.NoError(t, err)

	count, err := repo.FailRunning("application restart")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	got, err := repo.Get(running.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AnalysisFailed, got.Status)
	// The interrupted run's own state keys survive alongside the cleanup
	// markers.
	assert.Equal(t, "fetching prices", got.State["step"])
	assert.Equal(t, true, got.State[analysis.StateStartupCleanup])
	assert.Equal(t, "application restart", got.State[analysis.StateFailureReason])

	untouched, err := repo.Get(completed.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AnalysisCompleted, untouched.Status)
}
