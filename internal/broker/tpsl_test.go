package broker_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akrivos/helmsman/internal/broker"
	"github.com/akrivos/helmsman/internal/broker/mock"
	"github.com/akrivos/helmsman/internal/domain"
	"github.com/akrivos/helmsman/internal/modules/accounts"
	"github.com/akrivos/helmsman/internal/modules/activity"
	"github.com/akrivos/helmsman/internal/modules/experts"
	"github.com/akrivos/helmsman/internal/modules/orders"
	"github.com/akrivos/helmsman/internal/modules/settings"
	"github.com/akrivos/helmsman/internal/testutil"
)

type brokerFixture struct {
	account          *broker.Account
	provider         *mock.Provider
	orders           *orders.OrderRepository
	transactions     *orders.TransactionRepository
	activity         *activity.Repository
	instanceSettings *accounts.SettingsRepository
	accountID        int64
	expertID         int64
}

func newBrokerFixture(t *testing.T) *brokerFixture {
	t.Helper()
	db := testutil.NewTestDB(t)
	conn := db.Conn()
	log := zerolog.Nop()

	settingsRepo := settings.NewRepository(conn, log)
	require.NoError(t, settingsRepo.SeedDefaults())

	def, err := accounts.NewRepository(conn, log).Create(accounts.Account{
		Provider: mock.ProviderTag,
		Name:     "test account",
	})
	require.NoError(t, err)

	expertRepo := experts.NewRepository(conn, log)
	instance, err := expertRepo.Create(experts.Instance{
		AccountID:        def.ID,
		Class:            "noop",
		Enabled:          true,
		VirtualEquityPct: 50,
	})
	require.NoError(t, err)

	f := &brokerFixture{
		provider:         mock.New(),
		orders:           orders.NewOrderRepository(conn, log),
		transactions:     orders.NewTransactionRepository(conn, log),
		activity:         activity.NewRepository(conn, log),
		instanceSettings: accounts.NewSettingsRepository(conn, log),
		accountID:        def.ID,
		expertID:         instance.ID,
	}

	f.account = broker.NewAccount(def, f.provider, broker.Deps{
		Orders:           f.orders,
		Transactions:     f.transactions,
		Experts:          expertRepo,
		InstanceSettings: f.instanceSettings,
		Settings:         settingsRepo,
		Activity:         f.activity,
		PriceCache:       broker.NewPriceCache(),
		Log:              log,
	})
	return f
}

// openTransaction creates an open transaction with one entry order.
func (f *brokerFixture) openTransaction(t *testing.T, side domain.OrderSide, openPrice float64, entryStatus domain.OrderStatus) (orders.Transaction, orders.Order) {
	t.Helper()

	tx, err := f.transactions.Create(orders.Transaction{
		Symbol:    "AAPL",
		Quantity:  10,
		Side:      side,
		OpenPrice: &openPrice,
		Status:    domain.TxOpened,
		ExpertID:  &f.expertID,
	})
	require.NoError(t, err)

	entry, err := f.orders.Create(orders.Order{
		AccountID:     f.accountID,
		TransactionID: &tx.ID,
		Symbol:        "AAPL",
		Side:          side,
		Quantity:      10,
		Type:          domain.OrderTypeMarket,
		Status:        entryStatus,
		OpenPrice:     &openPrice,
	})
	require.NoError(t, err)
	return tx, entry
}

// protectiveOrders returns the non-terminal TP and SL legs of a transaction.
func (f *brokerFixture) protectiveOrders(t *testing.T, txID int64) (tp, sl *orders.Order) {
	t.Helper()
	rows, err := f.orders.ListByTransaction(txID)
	require.NoError(t, err)
	for i := range rows {
		o := &rows[i]
		if o.IsEntry() && o.DependsOnOrder == nil && o.Type == domain.OrderTypeMarket {
			continue
		}
		switch {
		case o.Type.IsLimit() && !o.Type.IsStop():
			tp = o
		case o.Type.IsStop() && !o.Type.IsLimit():
			sl = o
		}
	}
	return tp, sl
}

func TestAdjustTP_EnforcesMinimumLong(t *testing.T) {
	f := newBrokerFixture(t)
	tx, _ := f.openTransaction(t, domain.SideBuy, 100, domain.OrderStatusFilled)

	// 1% above open is below the 3% default floor.
	require.NoError(t, f.account.AdjustTP(context.Background(), tx.ID, 101))

	got, err := f.transactions.Get(tx.ID)
	require.NoError(t, err)
	require.NotNil(t, got.TakeProfit)
	assert.InDelta(t, 103, *got.TakeProfit, 1e-9)

	tp, _ := f.protectiveOrders(t, tx.ID)
	require.NotNil(t, tp)
	assert.Equal(t, domain.OrderTypeLimitSell, tp.Type)
	require.NotNil(t, tp.LimitPrice)
	assert.InDelta(t, 103, *tp.LimitPrice, 1e-9)
	assert.NotEmpty(t, tp.BrokerOrderID, "filled entry submits the leg immediately")

	percent, ok := tp.DataFloat(orders.DataKeyTPPercent)
	require.True(t, ok)
	assert.InDelta(t, 3, percent, 1e-9)

	entries, err := f.activity.Recent(20)
	require.NoError(t, err)
	var enforced bool
	for _, e := range entries {
		if e.Type == "tp_sl_enforcement" && e.Severity == activity.SeverityWarning {
			enforced = true
		}
	}
	assert.True(t, enforced, "enforcement must be visible in the activity log")
}

func TestAdjustSL_EnforcesMinimumShort(t *testing.T) {
	f := newBrokerFixture(t)
	tx, _ := f.openTransaction(t, domain.SideSell, 100, domain.OrderStatusFilled)

	// SHORT stop-loss sits above the open, floored at 3%.
	require.NoError(t, f.account.AdjustSL(context.Background(), tx.ID, 101))

	got, err := f.transactions.Get(tx.ID)
	require.NoError(t, err)
	require.NotNil(t, got.StopLoss)
	assert.InDelta(t, 103, *got.StopLoss, 1e-9)

	_, sl := f.protectiveOrders(t, tx.ID)
	require.NotNil(t, sl)
	assert.Equal(t, domain.OrderTypeStopBuy, sl.Type)
	require.NotNil(t, sl.StopPrice)
	assert.InDelta(t, 103, *sl.StopPrice, 1e-9)
}

func TestAdjustTP_WaitsForEntryFill(t *testing.T) {
	f := newBrokerFixture(t)
	tx, entry := f.openTransaction(t, domain.SideBuy, 100, domain.OrderStatusSubmitted)

	require.NoError(t, f.account.AdjustTP(context.Background(), tx.ID, 110))

	tp, _ := f.protectiveOrders(t, tx.ID)
	require.NotNil(t, tp)
	assert.Equal(t, domain.OrderStatusWaitingTrigger, tp.Status)
	assert.Empty(t, tp.BrokerOrderID)
	require.NotNil(t, tp.DependsOnOrder)
	assert.Equal(t, entry.ID, *tp.DependsOnOrder)
	require.NotNil(t, tp.DependsOrderStatusTrigger)
	assert.Equal(t, domain.OrderStatusFilled, *tp.DependsOrderStatusTrigger)
}

func TestAdjustTP_IdempotentThenRollbackOnFailure(t *testing.T) {
	f := newBrokerFixture(t)
	tx, _ := f.openTransaction(t, domain.SideBuy, 100, domain.OrderStatusFilled)
	ctx := context.Background()

	require.NoError(t, f.account.AdjustTP(ctx, tx.ID, 110))

	// Same target again: broker-side no-op, no second leg.
	require.NoError(t, f.account.AdjustTP(ctx, tx.ID, 110))
	rows, err := f.orders.ListByTransaction(tx.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 2) // entry + one TP leg

	// A failing broker update rolls the stored target back.
	f.provider.UpdateErr = assert.AnError
	err = f.account.AdjustTP(ctx, tx.ID, 120)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrBroker)

	got, err := f.transactions.Get(tx.ID)
	require.NoError(t, err)
	require.NotNil(t, got.TakeProfit)
	assert.InDelta(t, 110, *got.TakeProfit, 1e-9)
}

func TestAdjust_ClosedTransactionRefused(t *testing.T) {
	f := newBrokerFixture(t)
	open := 100.0
	tx, err := f.transactions.Create(orders.Transaction{
		Symbol:    "AAPL",
		Quantity:  1,
		Side:      domain.SideBuy,
		OpenPrice: &open,
		Status:    domain.TxClosed,
	})
	require.NoError(t, err)

	err = f.account.AdjustTP(context.Background(), tx.ID, 110)
	assert.ErrorIs(t, err, domain.ErrValidation)
}
