package orders

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akrivos/helmsman/internal/domain"
	"github.com/akrivos/helmsman/internal/modules/accounts"
	"github.com/akrivos/helmsman/internal/modules/experts"
	"github.com/akrivos/helmsman/internal/testutil"
)

type ordersFixture struct {
	orders       *OrderRepository
	transactions *TransactionRepository
	accountID    int64
	expertID     int64
}

func newOrdersFixture(t *testing.T) *ordersFixture {
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

	return &ordersFixture{
		orders:       NewOrderRepository(conn, log),
		transactions: NewTransactionRepository(conn, log),
		accountID:    account.ID,
		expertID:     instance.ID,
	}
}

func TestOrderCreate_Defaults(t *testing.T) {
	f := newOrdersFixture(t)

	o, err := f.orders.Create(Order{
		AccountID: f.accountID,
		Symbol:    "aapl",
		Side:      domain.SideBuy,
		Quantity:  10,
		Type:      domain.OrderTypeMarket,
	})
	require.NoError(t, err)
	require.NotZero(t, o.ID)

	got, err := f.orders.Get(o.ID)
	require.NoError(t, err)
	assert.Equal(t, "AAPL", got.Symbol)
	assert.Equal(t, domain.OrderStatusPending, got.Status)
	assert.Equal(t, domain.TIFGoodTillCanceled, got.GoodFor)
}

func TestOrderCreate_AuxiliaryData(t *testing.T) {
	f := newOrdersFixture(t)

	o := Order{
		AccountID: f.accountID,
		Symbol:    "MSFT",
		Side:      domain.SideSell,
		Quantity:  3,
		Type:      domain.OrderTypeLimitSell,
	}
	limit := 420.5
	o.LimitPrice = &limit
	o.SetDataFloat(DataKeyTPPercent, 5.25)

	created, err := f.orders.Create(o)
	require.NoError(t, err)

	got, err := f.orders.Get(created.ID)
	require.NoError(t, err)
	percent, ok := got.DataFloat(DataKeyTPPercent)
	require.True(t, ok)
	assert.InDelta(t, 5.25, percent, 1e-9)
	require.NotNil(t, got.LimitPrice)
	assert.Equal(t, 420.5, *got.LimitPrice)
}

func TestOrderUpdate_TerminalImmutable(t *testing.T) {
	f := newOrdersFixture(t)

	o, err := f.orders.Create(Order{
		AccountID: f.accountID,
		Symbol:    "AAPL",
		Side:      domain.SideBuy,
		Quantity:  10,
		Type:      domain.OrderTypeMarket,
	})
	require.NoError(t, err)

	o.Status = domain.OrderStatusFilled
	require.NoError(t, f.orders.Update(o))

	o.Status = domain.OrderStatusCanceled
	err = f.orders.Update(o)
	assert.ErrorIs(t, err, domain.ErrValidation)

	// Non-status fields of a terminal order stay writable.
	o.Status = domain.OrderStatusFilled
	o.FilledQuantity = 10
	assert.NoError(t, f.orders.Update(o))
}

func TestOrderUpdate_ErrorStatusStaysRetryable(t *testing.T) {
	f := newOrdersFixture(t)

	o, err := f.orders.Create(Order{
		AccountID: f.accountID,
		Symbol:    "AAPL",
		Side:      domain.SideBuy,
		Quantity:  10,
		Type:      domain.OrderTypeMarket,
	})
	require.NoError(t, err)

	o.Status = domain.OrderStatusError
	require.NoError(t, f.orders.Update(o))

	// ERROR is terminal but not immutable: the close path resubmits.
	o.Status = domain.OrderStatusPending
	assert.NoError(t, f.orders.Update(o))
}

func TestTransactionCreate_Validation(t *testing.T) {
	f := newOrdersFixture(t)

	_, err := f.transactions.Create(Transaction{Symbol: "AAPL", Quantity: 1})
	assert.ErrorIs(t, err, domain.ErrValidation)

	tx, err := f.transactions.Create(Transaction{
		Symbol:   "tsla",
		Quantity: 2,
		Side:     domain.SideBuy,
	})
	require.NoError(t, err)
	assert.Equal(t, "TSLA", tx.Symbol)
	assert.Equal(t, domain.TxWaiting, tx.Status)
}

func TestTransaction_RoundTrip(t *testing.T) {
	f := newOrdersFixture(t)

	open := 101.5
	openDate := time.Now().Truncate(time.Second)
	tx, err := f.transactions.Create(Transaction{
		Symbol:    "AAPL",
		Quantity:  4,
		Side:      domain.SideSell,
		OpenPrice: &open,
		OpenDate:  &openDate,
		Status:    domain.TxOpened,
		ExpertID:  &f.expertID,
	})
	require.NoError(t, err)

	got, err := f.transactions.Get(tx.ID)
	require.NoError(t, err)
	assert.False(t, got.IsLong())
	require.NotNil(t, got.OpenPrice)
	assert.Equal(t, open, *got.OpenPrice)
	require.NotNil(t, got.OpenDate)
	assert.Equal(t, openDate.Unix(), got.OpenDate.Unix())
	require.NotNil(t, got.ExpertID)
	assert.Equal(t, f.expertID, *got.ExpertID)
}

func TestListOpenByExpertSymbol(t *testing.T) {
	f := newOrdersFixture(t)

	mk := func(symbol string, status domain.TransactionStatus) {
		_, err := f.transactions.Create(Transaction{
			Symbol:   symbol,
			Quantity: 1,
			Side:     domain.SideBuy,
			Status:   status,
			ExpertID: &f.expertID,
		})
		require.NoError(t, err)
	}
	mk("AAPL", domain.TxWaiting)
	mk("AAPL", domain.TxClosed)
	mk("MSFT", domain.TxOpened)

	open, err := f.transactions.ListOpenByExpertSymbol(f.expertID, "aapl")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, domain.TxWaiting, open[0].Status)
}

func TestDistinctOpenSymbols(t *testing.T) {
	f := newOrdersFixture(t)

	mk := func(symbol string, status domain.TransactionStatus) {
		_, err := f.transactions.Create(Transaction{
			Symbol:   symbol,
			Quantity: 1,
			Side:     domain.SideBuy,
			Status:   status,
			ExpertID: &f.expertID,
		})
		require.NoError(t, err)
	}
	mk("MSFT", domain.TxOpened)
	mk("AAPL", domain.TxWaiting)
	mk("AAPL", domain.TxOpened)
	mk("TSLA", domain.TxClosed)

	symbols, err := f.transactions.DistinctOpenSymbols(f.expertID)
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL", "MSFT"}, symbols)
}

func TestOldestFilledEntryOrder(t *testing.T) {
	f := newOrdersFixture(t)

	tx, err := f.transactions.Create(Transaction{
		Symbol:   "AAPL",
		Quantity: 10,
		Side:     domain.SideBuy,
	})
	require.NoError(t, err)

	entry, err := f.orders.OldestFilledEntryOrder(tx.ID)
	require.NoError(t, err)
	assert.Nil(t, entry)

	first, err := f.orders.Create(Order{
		AccountID:     f.accountID,
		TransactionID: &tx.ID,
		Symbol:        "AAPL",
		Side:          domain.SideBuy,
		Quantity:      10,
		Type:          domain.OrderTypeMarket,
		Status:        domain.OrderStatusFilled,
	})
	require.NoError(t, err)

	// A dependent TP leg never counts as an entry.
	trigger := domain.OrderStatusFilled
	limit := 110.0
	_, err = f.orders.Create(Order{
		AccountID:                 f.accountID,
		TransactionID:             &tx.ID,
		Symbol:                    "AAPL",
		Side:                      domain.SideSell,
		Quantity:                  10,
		Type:                      domain.OrderTypeLimitSell,
		LimitPrice:                &limit,
		Status:                    domain.OrderStatusFilled,
		DependsOnOrder:            &first.ID,
		DependsOrderStatusTrigger: &trigger,
	})
	require.NoError(t, err)

	entry, err = f.orders.OldestFilledEntryOrder(tx.ID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, first.ID, entry.ID)
}

func TestAccountIDsWithOrders(t *testing.T) {
	f := newOrdersFixture(t)

	tx, err := f.transactions.Create(Transaction{Symbol: "AAPL", Quantity: 1, Side: domain.SideBuy})
	require.NoError(t, err)

	ids, err := f.orders.AccountIDsWithOrders(tx.ID)
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = f.orders.Create(Order{
		AccountID:     f.accountID,
		TransactionID: &tx.ID,
		Symbol:        "AAPL",
		Side:          domain.SideBuy,
		Quantity:      1,
		Type:          domain.OrderTypeMarket,
	})
	require.NoError(t, err)

	ids, err = f.orders.AccountIDsWithOrders(tx.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{f.accountID}, ids)
}
