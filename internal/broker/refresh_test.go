package broker_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akrivos/helmsman/internal/broker"
	"github.com/akrivos/helmsman/internal/domain"
	"github.com/akrivos/helmsman/internal/modules/orders"
)

func filledEntry(t *testing.T, f *brokerFixture, txID int64, side domain.OrderSide, qty, fillPrice float64) orders.Order {
	t.Helper()
	o, err := f.orders.Create(orders.Order{
		AccountID:      f.accountID,
		TransactionID:  &txID,
		Symbol:         "AAPL",
		Side:           side,
		Quantity:       qty,
		Type:           domain.OrderTypeMarket,
		Status:         domain.OrderStatusFilled,
		FilledQuantity: qty,
		OpenPrice:      &fillPrice,
	})
	require.NoError(t, err)
	return o
}

func TestRefreshTransactions_PromotesWaitingToOpened(t *testing.T) {
	f := newBrokerFixture(t)

	expertID := f.expertID
	tx, err := f.transactions.Create(orders.Transaction{
		Symbol:   "AAPL",
		Quantity: 10,
		Side:     domain.SideBuy,
		Status:   domain.TxWaiting,
		ExpertID: &expertID,
	})
	require.NoError(t, err)

	entry := filledEntry(t, f, tx.ID, domain.SideBuy, 10, 150)
	waitingLeg(t, f, tx.ID, entry.ID, 160, 5) // active leg keeps the tx open

	require.NoError(t, f.account.RefreshTransactions(context.Background()))

	got, err := f.transactions.Get(tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TxOpened, got.Status)
	assert.NotNil(t, got.OpenDate)
	require.NotNil(t, got.OpenPrice)
	assert.InDelta(t, 150, *got.OpenPrice, 1e-9)
	assert.Equal(t, 10.0, got.Quantity)
}

func TestRefreshTransactions_ClosesOnProtectiveFill(t *testing.T) {
	f := newBrokerFixture(t)

	open := 100.0
	tx, err := f.transactions.Create(orders.Transaction{
		Symbol:    "AAPL",
		Quantity:  10,
		Side:      domain.SideBuy,
		OpenPrice: &open,
		Status:    domain.TxOpened,
		ExpertID:  &f.expertID,
	})
	require.NoError(t, err)

	entry := filledEntry(t, f, tx.ID, domain.SideBuy, 10, 100)

	fill := 110.0
	trigger := domain.OrderStatusFilled
	limit := 110.0
	_, err = f.orders.Create(orders.Order{
		AccountID:                 f.accountID,
		TransactionID:             &tx.ID,
		Symbol:                    "AAPL",
		Side:                      domain.SideSell,
		Quantity:                  10,
		Type:                      domain.OrderTypeLimitSell,
		LimitPrice:                &limit,
		Status:                    domain.OrderStatusFilled,
		FilledQuantity:            10,
		OpenPrice:                 &fill,
		DependsOnOrder:            &entry.ID,
		DependsOrderStatusTrigger: &trigger,
	})
	require.NoError(t, err)

	require.NoError(t, f.account.RefreshTransactions(context.Background()))

	got, err := f.transactions.Get(tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TxClosed, got.Status)
	assert.Equal(t, domain.CloseReasonTPSLFilled, got.CloseReason)
	require.NotNil(t, got.ClosePrice)
	assert.InDelta(t, 110, *got.ClosePrice, 1e-9)
	assert.NotNil(t, got.CloseDate)
}

func TestRefreshTransactions_ClosesWhenEntriesNeverFilled(t *testing.T) {
	f := newBrokerFixture(t)

	tx, err := f.transactions.Create(orders.Transaction{
		Symbol:   "AAPL",
		Quantity: 10,
		Side:     domain.SideBuy,
		Status:   domain.TxWaiting,
		ExpertID: &f.expertID,
	})
	require.NoError(t, err)

	_, err = f.orders.Create(orders.Order{
		AccountID:     f.accountID,
		TransactionID: &tx.ID,
		Symbol:        "AAPL",
		Side:          domain.SideBuy,
		Quantity:      10,
		Type:          domain.OrderTypeMarket,
		Status:        domain.OrderStatusCanceled,
	})
	require.NoError(t, err)

	require.NoError(t, f.account.RefreshTransactions(context.Background()))

	got, err := f.transactions.Get(tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TxClosed, got.Status)
	assert.Equal(t, domain.CloseReasonEntryTerminalNoExec, got.CloseReason)
}

func TestRefreshTransactions_ClosesOnOCOLegFill(t *testing.T) {
	f := newBrokerFixture(t)

	open := 100.0
	tx, err := f.transactions.Create(orders.Transaction{
		Symbol:    "AAPL",
		Quantity:  10,
		Side:      domain.SideBuy,
		OpenPrice: &open,
		Status:    domain.TxOpened,
		ExpertID:  &f.expertID,
	})
	require.NoError(t, err)

	filledEntry(t, f, tx.ID, domain.SideBuy, 10, 100)

	fill := 120.0
	_, err = f.orders.Create(orders.Order{
		AccountID:      f.accountID,
		TransactionID:  &tx.ID,
		Symbol:         "AAPL",
		Side:           domain.SideSell,
		Quantity:       10,
		Type:           domain.OrderTypeOCO,
		Status:         domain.OrderStatusFilled,
		FilledQuantity: 10,
		OpenPrice:      &fill,
	})
	require.NoError(t, err)

	require.NoError(t, f.account.RefreshTransactions(context.Background()))

	got, err := f.transactions.Get(tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TxClosed, got.Status)
	assert.Equal(t, domain.CloseReasonOCOLegFilled, got.CloseReason)
	require.NotNil(t, got.ClosePrice)
	assert.InDelta(t, 120, *got.ClosePrice, 1e-9)
}

func TestRefreshTransactions_ClosesWhenVolumesBalance(t *testing.T) {
	f := newBrokerFixture(t)

	open := 100.0
	tx, err := f.transactions.Create(orders.Transaction{
		Symbol:    "AAPL",
		Quantity:  10,
		Side:      domain.SideBuy,
		OpenPrice: &open,
		Status:    domain.TxOpened,
		ExpertID:  &f.expertID,
	})
	require.NoError(t, err)

	filledEntry(t, f, tx.ID, domain.SideBuy, 10, 100)

	// An opposite-side fill without a closing marker still flattens the
	// position once the executed volumes match.
	exit := 105.0
	_, err = f.orders.Create(orders.Order{
		AccountID:      f.accountID,
		TransactionID:  &tx.ID,
		Symbol:         "AAPL",
		Side:           domain.SideSell,
		Quantity:       10,
		Type:           domain.OrderTypeMarket,
		Status:         domain.OrderStatusFilled,
		FilledQuantity: 10,
		OpenPrice:      &exit,
	})
	require.NoError(t, err)

	require.NoError(t, f.account.RefreshTransactions(context.Background()))

	got, err := f.transactions.Get(tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TxClosed, got.Status)
	assert.Equal(t, domain.CloseReasonPositionBalanced, got.CloseReason)
}

func TestRefreshTransactions_ClosesWhenEntriesTerminalAfterOpen(t *testing.T) {
	f := newBrokerFixture(t)

	open := 100.0
	tx, err := f.transactions.Create(orders.Transaction{
		Symbol:    "AAPL",
		Quantity:  20,
		Side:      domain.SideBuy,
		OpenPrice: &open,
		Status:    domain.TxOpened,
		ExpertID:  &f.expertID,
	})
	require.NoError(t, err)

	// One scaled entry filled, the other died: nothing can still execute,
	// but the entries never completed as planned.
	filledEntry(t, f, tx.ID, domain.SideBuy, 10, 100)
	_, err = f.orders.Create(orders.Order{
		AccountID:     f.accountID,
		TransactionID: &tx.ID,
		Symbol:        "AAPL",
		Side:          domain.SideBuy,
		Quantity:      10,
		Type:          domain.OrderTypeMarket,
		Status:        domain.OrderStatusCanceled,
	})
	require.NoError(t, err)

	require.NoError(t, f.account.RefreshTransactions(context.Background()))

	got, err := f.transactions.Get(tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TxClosed, got.Status)
	assert.Equal(t, domain.CloseReasonEntryTerminalAfterOpen, got.CloseReason)
}

func TestRefreshTransactions_ClosesWhenAllOrdersTerminal(t *testing.T) {
	f := newBrokerFixture(t)

	open := 100.0
	tx, err := f.transactions.Create(orders.Transaction{
		Symbol:    "AAPL",
		Quantity:  10,
		Side:      domain.SideBuy,
		OpenPrice: &open,
		Status:    domain.TxOpened,
		ExpertID:  &f.expertID,
	})
	require.NoError(t, err)

	// A lone filled entry with no working legs leaves nothing that can
	// still change the transaction.
	filledEntry(t, f, tx.ID, domain.SideBuy, 10, 100)

	require.NoError(t, f.account.RefreshTransactions(context.Background()))

	got, err := f.transactions.Get(tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TxClosed, got.Status)
	assert.Equal(t, domain.CloseReasonAllOrdersTerminal, got.CloseReason)
}

func TestRefreshOrders_SyncsFillsFromBroker(t *testing.T) {
	f := newBrokerFixture(t)
	f.provider.SetPrice("AAPL", 100)
	ctx := context.Background()

	tp := 110.0
	order, err := f.account.SubmitOrder(ctx, orders.Order{
		Symbol:   "AAPL",
		Side:     domain.SideBuy,
		Quantity: 10,
		Type:     domain.OrderTypeMarket,
	}, broker.SubmitOptions{TP: &tp, ExpertID: &f.expertID})
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusAccepted, order.Status)

	f.provider.FillOrder(order.BrokerOrderID, 100.5)
	require.NoError(t, f.account.RefreshOrders(ctx))

	got, err := f.orders.Get(order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, got.Status)
	assert.Equal(t, 10.0, got.FilledQuantity)
	require.NotNil(t, got.OpenPrice)
	assert.InDelta(t, 100.5, *got.OpenPrice, 1e-9)

	// The same pass resolves the waiting TP leg against the observed fill.
	legTP, _ := f.protectiveOrders(t, *got.TransactionID)
	require.NotNil(t, legTP)
	assert.Equal(t, domain.OrderStatusAccepted, legTP.Status)
	assert.NotEmpty(t, legTP.BrokerOrderID)

	// The follow-up reconciliation pass opens the transaction on the fill.
	require.NoError(t, f.account.RefreshTransactions(ctx))
	tx, err := f.transactions.Get(*got.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.TxOpened, tx.Status)
}

func TestRefreshOrders_UnfilledLegReportsNoVolume(t *testing.T) {
	f := newBrokerFixture(t)
	f.provider.SetPrice("AAPL", 100)
	ctx := context.Background()

	tp := 110.0
	order, err := f.account.SubmitOrder(ctx, orders.Order{
		Symbol:   "AAPL",
		Side:     domain.SideBuy,
		Quantity: 10,
		Type:     domain.OrderTypeMarket,
	}, broker.SubmitOptions{TP: &tp, ExpertID: &f.expertID})
	require.NoError(t, err)

	f.provider.FillOrder(order.BrokerOrderID, 100.5)

	// First cycle: the fill lands, the TP leg goes live, the transaction
	// opens.
	require.NoError(t, f.account.RefreshOrders(ctx))
	require.NoError(t, f.account.RefreshTransactions(ctx))

	tx, err := f.transactions.Get(*order.TransactionID)
	require.NoError(t, err)
	require.Equal(t, domain.TxOpened, tx.Status)

	// Second cycle: the ACCEPTED leg has executed nothing, so the sold
	// volume stays zero and the position must not read as balanced.
	require.NoError(t, f.account.RefreshOrders(ctx))
	require.NoError(t, f.account.RefreshTransactions(ctx))

	tx, err = f.transactions.Get(*order.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.TxOpened, tx.Status)
	assert.Empty(t, tx.CloseReason)

	legTP, _ := f.protectiveOrders(t, *order.TransactionID)
	require.NotNil(t, legTP)
	assert.Equal(t, domain.OrderStatusAccepted, legTP.Status)
	assert.Zero(t, legTP.FilledQuantity)
}

func TestRefreshOrders_SyncsPartialFill(t *testing.T) {
	f := newBrokerFixture(t)
	f.provider.SetPrice("AAPL", 100)
	ctx := context.Background()

	order, err := f.account.SubmitOrder(ctx, orders.Order{
		Symbol:   "AAPL",
		Side:     domain.SideBuy,
		Quantity: 10,
		Type:     domain.OrderTypeMarket,
	}, broker.SubmitOptions{ExpertID: &f.expertID})
	require.NoError(t, err)

	f.provider.PartialFillOrder(order.BrokerOrderID, 4, 100.2)
	require.NoError(t, f.account.RefreshOrders(ctx))
	require.NoError(t, f.account.RefreshTransactions(ctx))

	got, err := f.orders.Get(order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPartiallyFilled, got.Status)
	assert.Equal(t, 4.0, got.FilledQuantity)

	// A partial execution opens the transaction at the executed volume.
	tx, err := f.transactions.Get(*got.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.TxOpened, tx.Status)
	assert.Equal(t, 4.0, tx.Quantity)
}
