package broker

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/akrivos/helmsman/internal/domain"
	"github.com/akrivos/helmsman/internal/modules/activity"
	"github.com/akrivos/helmsman/internal/modules/orders"
)

// RefreshOrders syncs every non-terminal local order with broker state, then
// resolves any dependent orders whose trigger became observable.
func (a *Account) RefreshOrders(ctx context.Context) error {
	orderRows, err := a.deps.Orders.ListNonTerminalByAccount(a.def.ID)
	if err != nil {
		return err
	}

	for i := range orderRows {
		o := &orderRows[i]
		if o.BrokerOrderID == "" {
			continue
		}

		snapshot, err := a.provider.GetOrder(ctx, o.BrokerOrderID)
		if err != nil {
			a.log.Warn().Err(err).
				Int64("order_id", o.ID).
				Str("broker_order_id", o.BrokerOrderID).
				Msg("Failed to refresh order from broker")
			continue
		}
		if snapshot == nil {
			continue
		}

		changed := false
		if snapshot.Status != "" && snapshot.Status != o.Status {
			o.Status = snapshot.Status
			changed = true
		}
		if snapshot.FilledQuantity != o.FilledQuantity {
			o.FilledQuantity = snapshot.FilledQuantity
			changed = true
		}
		if snapshot.AvgFillPrice != nil &&
			(o.OpenPrice == nil || *o.OpenPrice != *snapshot.AvgFillPrice) {
			o.OpenPrice = snapshot.AvgFillPrice
			changed = true
		}

		if changed {
			if err := a.deps.Orders.Update(*o); err != nil {
				return err
			}
		}
	}

	return a.ResolveDependencies(ctx)
}

// RefreshTransactions reconciles every transaction that has at least one
// order on this account against the aggregate state of its orders. Purely
// local: no broker calls.
func (a *Account) RefreshTransactions(ctx context.Context) error {
	txIDs, err := a.deps.Orders.TransactionIDsWithOrdersOnAccount(a.def.ID)
	if err != nil {
		return err
	}

	for _, txID := range txIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := a.reconcileTransaction(ctx, txID); err != nil {
			a.log.Error().Err(err).Int64("transaction_id", txID).Msg("Failed to reconcile transaction")
		}
	}
	return nil
}

// reconcileTransaction applies the single-pass reconciliation rules to one
// transaction.
func (a *Account) reconcileTransaction(ctx context.Context, txID int64) error {
	tx, err := a.deps.Transactions.Get(txID)
	if err != nil {
		return err
	}
	if tx.Status == domain.TxClosed {
		return nil
	}

	orderRows, err := a.deps.Orders.ListByTransaction(txID)
	if err != nil {
		return err
	}
	if len(orderRows) == 0 {
		return nil
	}

	changed := false

	// Rule 1: an executed entry order promotes WAITING to OPENED.
	if tx.Status == domain.TxWaiting && anyEntryExecuted(orderRows) {
		tx.Status = domain.TxOpened
		if tx.OpenDate == nil {
			tx.OpenDate = openDate()
		}
		changed = true
		a.logActivity(activity.SeverityInfo, "transaction_opened",
			fmt.Sprintf("Transaction %d opened (%s %s)", tx.ID, tx.Side, tx.Symbol),
			map[string]interface{}{"transaction_id": tx.ID}, tx.ExpertID)
	}

	// Rule 2: open price follows the oldest filled entry order.
	oldestEntry, err := a.deps.Orders.OldestFilledEntryOrder(txID)
	if err != nil {
		return err
	}
	if oldestEntry != nil && oldestEntry.OpenPrice != nil {
		if tx.OpenPrice == nil || *tx.OpenPrice != *oldestEntry.OpenPrice {
			tx.OpenPrice = oldestEntry.OpenPrice
			changed = true
		}
	}

	// Rule 3: quantity is the signed sum of filled entry orders.
	if quantity := signedEntryQuantity(tx, orderRows); quantity != 0 && quantity != tx.Quantity {
		tx.Quantity = quantity
		changed = true
	}

	// Rule 4: close price follows the most recent filled closing order.
	if closing := lastFilledClosingOrder(orderRows); closing != nil && closing.OpenPrice != nil {
		if tx.ClosePrice == nil || *tx.ClosePrice != *closing.OpenPrice {
			tx.ClosePrice = closing.OpenPrice
			changed = true
		}
	}

	if reason, closePrice := a.closeDecision(tx, orderRows); reason != "" {
		a.finishTransaction(ctx, tx, reason, closePrice)
		return nil
	}

	if changed {
		return a.deps.Transactions.Update(*tx)
	}
	return nil
}

// closeDecision applies rules 5-10 and returns the close reason, or empty
// when the transaction stays open. The returned price, when non-nil,
// overrides the transaction's current close price.
func (a *Account) closeDecision(tx *orders.Transaction, orderRows []orders.Order) (string, *float64) {
	// Rule 5: an OCO leg fill closes the bracket.
	for i := range orderRows {
		o := &orderRows[i]
		if o.Type == domain.OrderTypeOCO && o.Status == domain.OrderStatusFilled {
			return domain.CloseReasonOCOLegFilled, o.OpenPrice
		}
	}

	// Rule 6: a dedicated closing order fill.
	if closing := lastFilledClosingOrder(orderRows); closing != nil {
		return domain.CloseReasonTPSLFilled, closing.OpenPrice
	}

	// Rule 7: filled buy and sell volumes balance out.
	var bought, sold float64
	anyFill := false
	for i := range orderRows {
		o := &orderRows[i]
		if o.FilledQuantity <= 0 {
			continue
		}
		anyFill = true
		if o.Side == domain.SideBuy {
			bought += o.FilledQuantity
		} else {
			sold += o.FilledQuantity
		}
	}
	if anyFill && math.Abs(bought-sold) < domain.QuantityTolerance {
		if last := lastFilledOrder(orderRows); last != nil {
			return domain.CloseReasonPositionBalanced, last.OpenPrice
		}
		return domain.CloseReasonPositionBalanced, nil
	}

	entriesTerminal := true
	entriesEverFilled := false
	for i := range orderRows {
		o := &orderRows[i]
		if !o.IsEntry() {
			continue
		}
		if !o.Status.Terminal() {
			entriesTerminal = false
		}
		if o.Status.Executed() || o.FilledQuantity > 0 {
			entriesEverFilled = true
		}
	}

	// Rule 8: every entry terminated without a single fill.
	if entriesTerminal && !entriesEverFilled && tx.Status == domain.TxWaiting {
		return domain.CloseReasonEntryTerminalNoExec, nil
	}

	// Rule 9: entries are done, position opened, and nothing dependent is
	// still working.
	if entriesTerminal && tx.Status != domain.TxWaiting && !anyDependentActive(orderRows) {
		allEntriesFilled := true
		for i := range orderRows {
			o := &orderRows[i]
			if o.IsEntry() && o.Status != domain.OrderStatusFilled {
				allEntriesFilled = false
			}
		}
		if !allEntriesFilled {
			return domain.CloseReasonEntryTerminalAfterOpen, nil
		}
	}

	// Rule 10: nothing in the transaction can still change.
	allTerminal := true
	for i := range orderRows {
		if !orderRows[i].Status.Terminal() {
			allTerminal = false
			break
		}
	}
	if allTerminal {
		return domain.CloseReasonAllOrdersTerminal, nil
	}

	return "", nil
}

// finishTransaction closes a transaction with a reason, cancelling any orders
// still working so no orphan legs stay live at the broker.
func (a *Account) finishTransaction(ctx context.Context, tx *orders.Transaction, reason string, closePrice *float64) {
	orderRows, err := a.deps.Orders.ListByTransaction(tx.ID)
	if err != nil {
		a.log.Error().Err(err).Int64("transaction_id", tx.ID).Msg("Failed to list orders for close")
		return
	}

	for i := range orderRows {
		o := &orderRows[i]
		if o.Status.Terminal() {
			continue
		}
		if o.BrokerOrderID != "" && !o.Status.Executed() {
			if err := a.provider.CancelOrder(ctx, o.BrokerOrderID); err != nil {
				a.log.Warn().Err(err).Int64("order_id", o.ID).Msg("Failed to cancel live order during close")
				continue
			}
			o.Status = domain.OrderStatusCanceled
		} else if o.BrokerOrderID == "" {
			o.Status = domain.OrderStatusClosed
		} else {
			continue
		}
		if err := a.deps.Orders.Update(*o); err != nil {
			a.log.Error().Err(err).Int64("order_id", o.ID).Msg("Failed to persist order close")
		}
	}

	tx.Status = domain.TxClosed
	tx.CloseReason = reason
	if closePrice != nil {
		tx.ClosePrice = closePrice
	}
	if tx.CloseDate == nil {
		tx.CloseDate = openDate()
	}
	if err := a.deps.Transactions.Update(*tx); err != nil {
		a.log.Error().Err(err).Int64("transaction_id", tx.ID).Msg("Failed to persist transaction close")
		return
	}

	a.logActivity(activity.SeverityInfo, "transaction_closed",
		fmt.Sprintf("Transaction %d closed: %s", tx.ID, reason),
		map[string]interface{}{"transaction_id": tx.ID, "reason": reason},
		tx.ExpertID)
}

func anyEntryExecuted(orderRows []orders.Order) bool {
	for i := range orderRows {
		o := &orderRows[i]
		if o.IsEntry() && o.Status.Executed() {
			return true
		}
	}
	return false
}

// signedEntryQuantity sums filled entry quantities with the transaction's
// side as the positive direction.
func signedEntryQuantity(tx *orders.Transaction, orderRows []orders.Order) float64 {
	var quantity float64
	for i := range orderRows {
		o := &orderRows[i]
		if !o.IsEntry() || o.FilledQuantity <= 0 {
			continue
		}
		if o.Side == tx.Side {
			quantity += o.FilledQuantity
		} else {
			quantity -= o.FilledQuantity
		}
	}
	return quantity
}

// lastFilledClosingOrder returns the most recent filled closing order:
// either a dependent TP/SL leg or an explicit closing MARKET order.
func lastFilledClosingOrder(orderRows []orders.Order) *orders.Order {
	var last *orders.Order
	for i := range orderRows {
		o := &orderRows[i]
		if o.Status != domain.OrderStatusFilled || !isClosingOrder(o) {
			continue
		}
		if last == nil || o.CreatedAt.After(last.CreatedAt) || (o.CreatedAt.Equal(last.CreatedAt) && o.ID > last.ID) {
			last = o
		}
	}
	return last
}

func lastFilledOrder(orderRows []orders.Order) *orders.Order {
	var last *orders.Order
	for i := range orderRows {
		o := &orderRows[i]
		if o.Status != domain.OrderStatusFilled {
			continue
		}
		if last == nil || o.CreatedAt.After(last.CreatedAt) || (o.CreatedAt.Equal(last.CreatedAt) && o.ID > last.ID) {
			last = o
		}
	}
	return last
}

// isClosingOrder reports whether the order reduces the position: a dependent
// protective leg or a MARKET order marked as closing in its comment.
func isClosingOrder(o *orders.Order) bool {
	if o.DependsOnOrder != nil {
		return true
	}
	return o.Type == domain.OrderTypeMarket && strings.Contains(strings.ToLower(o.Comment), "closing")
}

func anyDependentActive(orderRows []orders.Order) bool {
	for i := range orderRows {
		o := &orderRows[i]
		if o.DependsOnOrder != nil && !o.Status.Terminal() {
			return true
		}
	}
	return false
}

// refreshInterval is how long RefreshAll waits between accounts when walking
// more than one, keeping broker rate limits comfortable.
const refreshInterval = 250 * time.Millisecond

// RefreshAll runs RefreshOrders then RefreshTransactions on every account.
func (m *Manager) RefreshAll(ctx context.Context) error {
	accts, err := m.All()
	if err != nil {
		return err
	}

	for i, acc := range accts {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(refreshInterval):
			}
		}
		if err := acc.RefreshOrders(ctx); err != nil {
			acc.log.Error().Err(err).Msg("Order refresh failed")
		}
		if err := acc.RefreshTransactions(ctx); err != nil {
			acc.log.Error().Err(err).Msg("Transaction refresh failed")
		}
	}
	return nil
}
