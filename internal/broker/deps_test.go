package broker_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akrivos/helmsman/internal/domain"
	"github.com/akrivos/helmsman/internal/modules/orders"
)

func waitingLeg(t *testing.T, f *brokerFixture, txID, parentID int64, limitPrice, tpPercent float64) orders.Order {
	t.Helper()
	trigger := domain.OrderStatusFilled
	leg := orders.Order{
		AccountID:                 f.accountID,
		TransactionID:             &txID,
		Symbol:                    "AAPL",
		Side:                      domain.SideSell,
		Quantity:                  5,
		Type:                      domain.OrderTypeLimitSell,
		LimitPrice:                &limitPrice,
		Status:                    domain.OrderStatusWaitingTrigger,
		DependsOnOrder:            &parentID,
		DependsOrderStatusTrigger: &trigger,
	}
	leg.SetDataFloat(orders.DataKeyTPPercent, tpPercent)

	created, err := f.orders.Create(leg)
	require.NoError(t, err)
	return created
}

func TestResolveDependencies_SubmitsOnParentFill(t *testing.T) {
	f := newBrokerFixture(t)
	tx, entry := f.openTransaction(t, domain.SideBuy, 100, domain.OrderStatusFilled)
	leg := waitingLeg(t, f, tx.ID, entry.ID, 104, 5)

	require.NoError(t, f.account.ResolveDependencies(context.Background()))

	got, err := f.orders.Get(leg.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusAccepted, got.Status)
	assert.NotEmpty(t, got.BrokerOrderID)

	// Quantity follows the parent fill; the price re-anchors on the stored
	// percent against the parent's actual open price.
	assert.Equal(t, entry.Quantity, got.Quantity)
	require.NotNil(t, got.LimitPrice)
	assert.InDelta(t, 105, *got.LimitPrice, 1e-9)
}

func TestResolveDependencies_CancelsOnDeadParent(t *testing.T) {
	f := newBrokerFixture(t)
	tx, entry := f.openTransaction(t, domain.SideBuy, 100, domain.OrderStatusCanceled)
	leg := waitingLeg(t, f, tx.ID, entry.ID, 104, 5)

	require.NoError(t, f.account.ResolveDependencies(context.Background()))

	got, err := f.orders.Get(leg.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCanceled, got.Status)
	assert.Empty(t, got.BrokerOrderID)
}

func TestResolveDependencies_WaitsWhileParentLive(t *testing.T) {
	f := newBrokerFixture(t)
	tx, entry := f.openTransaction(t, domain.SideBuy, 100, domain.OrderStatusSubmitted)
	leg := waitingLeg(t, f, tx.ID, entry.ID, 104, 5)

	require.NoError(t, f.account.ResolveDependencies(context.Background()))

	got, err := f.orders.Get(leg.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusWaitingTrigger, got.Status)
}
