package broker_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akrivos/helmsman/internal/broker"
	"github.com/akrivos/helmsman/internal/domain"
	"github.com/akrivos/helmsman/internal/modules/activity"
	"github.com/akrivos/helmsman/internal/modules/orders"
)

func TestCloseTransaction_SubmitsClosingOrder(t *testing.T) {
	f := newBrokerFixture(t)
	ctx := context.Background()

	tx, entry := f.openTransaction(t, domain.SideBuy, 100, domain.OrderStatusFilled)
	entry.FilledQuantity = 10
	require.NoError(t, f.orders.Update(entry))
	require.NoError(t, f.account.AdjustTP(ctx, tx.ID, 110)) // live protective leg

	require.NoError(t, f.account.CloseTransaction(ctx, tx.ID))

	got, err := f.transactions.Get(tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TxClosing, got.Status, "stays CLOSING until the closing order fills")
	assert.Equal(t, 10.0, got.Quantity)

	rows, err := f.orders.ListByTransaction(tx.ID)
	require.NoError(t, err)

	var closing *orders.Order
	var tpStatus domain.OrderStatus
	for i := range rows {
		o := &rows[i]
		switch {
		case o.Type == domain.OrderTypeLimitSell:
			tpStatus = o.Status
		case o.Type == domain.OrderTypeMarket && o.Side == domain.SideSell:
			closing = o
		}
	}

	assert.Equal(t, domain.OrderStatusCanceled, tpStatus, "live TP leg is cancelled at the broker")
	require.NotNil(t, closing, "a MARKET closing order on the opposite side is submitted")
	assert.Equal(t, domain.OrderStatusAccepted, closing.Status)
	assert.Equal(t, 10.0, closing.Quantity)
	assert.Contains(t, closing.Comment, "closing position")

	// Repeating the call is a no-op: the closing order is not duplicated.
	require.NoError(t, f.account.CloseTransaction(ctx, tx.ID))
	rows, err = f.orders.ListByTransaction(tx.ID)
	require.NoError(t, err)
	count := 0
	for i := range rows {
		if rows[i].Type == domain.OrderTypeMarket && rows[i].Side == domain.SideSell {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestCloseTransaction_PositionGoneCancelsFailedCloser(t *testing.T) {
	f := newBrokerFixture(t)
	ctx := context.Background()

	tx, entry := f.openTransaction(t, domain.SideBuy, 100, domain.OrderStatusFilled)
	entry.FilledQuantity = 10
	require.NoError(t, f.orders.Update(entry))

	failed, err := f.orders.Create(orders.Order{
		AccountID:     f.accountID,
		TransactionID: &tx.ID,
		Symbol:        "AAPL",
		Side:          domain.SideSell,
		Quantity:      10,
		Type:          domain.OrderTypeMarket,
		Status:        domain.OrderStatusError,
		Comment:       "closing position",
	})
	require.NoError(t, err)

	// No position at the broker: the failed closer is retired, not retried.
	require.NoError(t, f.account.CloseTransaction(ctx, tx.ID))

	got, err := f.transactions.Get(tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TxClosed, got.Status)
	assert.Equal(t, domain.CloseReasonPositionNotAtBroker, got.CloseReason)

	closer, err := f.orders.Get(failed.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCanceled, closer.Status)
}

func TestCloseTransaction_RetriesFailedCloserWhilePositionLive(t *testing.T) {
	f := newBrokerFixture(t)
	ctx := context.Background()

	tx, entry := f.openTransaction(t, domain.SideBuy, 100, domain.OrderStatusFilled)
	entry.FilledQuantity = 10
	require.NoError(t, f.orders.Update(entry))
	f.provider.SetPosition(broker.Position{Symbol: "AAPL", Quantity: 10})

	failed, err := f.orders.Create(orders.Order{
		AccountID:     f.accountID,
		TransactionID: &tx.ID,
		Symbol:        "AAPL",
		Side:          domain.SideSell,
		Quantity:      10,
		Type:          domain.OrderTypeMarket,
		Status:        domain.OrderStatusError,
		Comment:       "closing position",
	})
	require.NoError(t, err)

	require.NoError(t, f.account.CloseTransaction(ctx, tx.ID))

	closer, err := f.orders.Get(failed.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusAccepted, closer.Status)
	assert.NotEmpty(t, closer.BrokerOrderID)

	entries, err := f.activity.Recent(20)
	require.NoError(t, err)
	var retried bool
	for _, e := range entries {
		if e.Type == "close_order_retried" && e.Severity == activity.SeverityWarning {
			retried = true
		}
	}
	assert.True(t, retried)

	got, err := f.transactions.Get(tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TxClosing, got.Status)
}
