package broker

import (
	"context"
	"fmt"
	"math"

	"github.com/akrivos/helmsman/internal/domain"
	"github.com/akrivos/helmsman/internal/modules/activity"
	"github.com/akrivos/helmsman/internal/modules/orders"
	"github.com/akrivos/helmsman/internal/modules/settings"
)

// priceEqualTolerance treats prices within a tenth of a cent as equal, so
// repeated adjustments to the same target stay broker-side no-ops.
const priceEqualTolerance = 1e-3

// AdjustTP sets a transaction's take-profit target. The transaction row is
// the source of truth; the matching broker order is created or updated to
// reflect it. Idempotent: adjusting to the already-live price is a DB no-op.
func (a *Account) AdjustTP(ctx context.Context, transactionID int64, price float64) error {
	return a.adjust(ctx, transactionID, &price, nil)
}

// AdjustSL sets a transaction's stop-loss target with the same contract as
// AdjustTP.
func (a *Account) AdjustSL(ctx context.Context, transactionID int64, price float64) error {
	return a.adjust(ctx, transactionID, nil, &price)
}

// AdjustTPSL sets both targets, exploiting native bracket support when the
// broker offers it and falling back to separate TP and SL orders otherwise.
func (a *Account) AdjustTPSL(ctx context.Context, transactionID int64, tp, sl float64) error {
	return a.adjust(ctx, transactionID, &tp, &sl)
}

func (a *Account) adjust(ctx context.Context, transactionID int64, tp, sl *float64) error {
	tx, err := a.deps.Transactions.Get(transactionID)
	if err != nil {
		return err
	}
	if tx.Status == domain.TxClosed {
		return domain.ValidationErrorf("transaction %d is closed", transactionID)
	}

	originalTP, originalSL := tx.TakeProfit, tx.StopLoss

	if tp != nil {
		enforced := a.enforceMinimum(tx, *tp, true)
		tp = &enforced
		tx.TakeProfit = tp
	}
	if sl != nil {
		enforced := a.enforceMinimum(tx, *sl, false)
		sl = &enforced
		tx.StopLoss = sl
	}
	if err := a.deps.Transactions.Update(*tx); err != nil {
		return err
	}

	// Native bracket path: one broker call covers both targets.
	if tp != nil && sl != nil {
		done, err := a.adjustNative(ctx, tx, *tp, *sl)
		if err != nil {
			a.rollbackTargets(tx, originalTP, originalSL)
			return err
		}
		if done {
			return nil
		}
	}

	if tp != nil {
		if err := a.reconcileProtectiveOrder(ctx, tx, *tp, true); err != nil {
			a.rollbackTargets(tx, originalTP, originalSL)
			return err
		}
	}
	if sl != nil {
		if err := a.reconcileProtectiveOrder(ctx, tx, *sl, false); err != nil {
			a.rollbackTargets(tx, originalTP, originalSL)
			return err
		}
	}
	return nil
}

// enforceMinimum clamps a TP/SL price to the configured minimum profit/loss
// percent relative to the transaction's open price. An unknown open price
// leaves the target untouched.
func (a *Account) enforceMinimum(tx *orders.Transaction, price float64, isTP bool) float64 {
	if tx.OpenPrice == nil || *tx.OpenPrice <= 0 {
		return price
	}

	minPct := a.deps.Settings.GetFloat(settings.KeyMinTPSLPercent, 3.0)
	open := *tx.OpenPrice

	var enforced float64
	var direction string
	if tx.IsLong() {
		direction = "LONG"
		if isTP {
			floor := open * (1 + minPct/100)
			if price < floor {
				enforced = floor
			}
		} else {
			ceiling := open * (1 - minPct/100)
			if price > ceiling {
				enforced = ceiling
			}
		}
	} else {
		direction = "SHORT"
		if isTP {
			ceiling := open * (1 - minPct/100)
			if price > ceiling {
				enforced = ceiling
			}
		} else {
			floor := open * (1 + minPct/100)
			if price < floor {
				enforced = floor
			}
		}
	}

	if enforced == 0 {
		return price
	}

	kind := "TP"
	if !isTP {
		kind = "SL"
	}
	a.logActivity(activity.SeverityWarning, "tp_sl_enforcement",
		fmt.Sprintf("%s enforcement (%s): %.4f adjusted to %.4f (min %.1f%% of open %.4f)",
			kind, direction, price, enforced, minPct, open),
		map[string]interface{}{
			"transaction_id": tx.ID,
			"requested":      price,
			"enforced":       enforced,
			"min_percent":    minPct,
		}, tx.ExpertID)
	return enforced
}

// adjustNative attempts the broker's bracket/stop-limit hook on the entry
// order. done=false means the caller must fall back to separate legs.
func (a *Account) adjustNative(ctx context.Context, tx *orders.Transaction, tp, sl float64) (bool, error) {
	entry, err := a.deps.Orders.OldestFilledEntryOrder(tx.ID)
	if err != nil {
		return false, err
	}
	if entry == nil || entry.BrokerOrderID == "" {
		return false, nil
	}

	supported, err := a.provider.SetOrderTPSL(ctx, entry, tp, sl)
	if err != nil {
		return false, domain.BrokerErrorf("set TP/SL on order %d: %v", entry.ID, err)
	}
	return supported, nil
}

// reconcileProtectiveOrder makes the TP or SL order of a transaction match
// the target price, creating, updating in-DB, or updating at the broker as
// the current state requires.
func (a *Account) reconcileProtectiveOrder(ctx context.Context, tx *orders.Transaction, price float64, isTP bool) error {
	existing, err := a.findProtectiveOrder(tx, isTP)
	if err != nil {
		return err
	}

	if existing == nil {
		return a.createProtectiveOrder(ctx, tx, price, isTP)
	}

	current := existing.StopPrice
	if isTP {
		current = existing.LimitPrice
	}
	if current != nil && math.Abs(*current-price) < priceEqualTolerance {
		return nil
	}

	if existing.BrokerOrderID == "" {
		// Not yet at the broker: a local price rewrite suffices.
		if isTP {
			existing.LimitPrice = &price
		} else {
			existing.StopPrice = &price
		}
		a.storePercent(existing, tx, price, isTP)
		return a.deps.Orders.Update(*existing)
	}

	return a.updateBrokerProtectiveOrder(ctx, tx, existing, price, isTP)
}

// findProtectiveOrder locates the active TP (limit-only) or SL (stop-only)
// order of a transaction: non-terminal and on the opposite side of the entry.
func (a *Account) findProtectiveOrder(tx *orders.Transaction, isTP bool) (*orders.Order, error) {
	orderRows, err := a.deps.Orders.ListByTransaction(tx.ID)
	if err != nil {
		return nil, err
	}

	opposite := tx.Side.Opposite()
	for i := range orderRows {
		o := &orderRows[i]
		if o.Status.Terminal() || o.Side != opposite {
			continue
		}
		if isTP && o.Type.IsLimit() && !o.Type.IsStop() {
			return o, nil
		}
		if !isTP && o.Type.IsStop() && !o.Type.IsLimit() {
			return o, nil
		}
	}
	return nil, nil
}

// createProtectiveOrder persists a new TP/SL leg. While the entry order has
// not filled the leg stays local in WAITING_TRIGGER to avoid wash-trade
// rejections; a filled entry submits it immediately.
func (a *Account) createProtectiveOrder(ctx context.Context, tx *orders.Transaction, price float64, isTP bool) error {
	entry, err := a.entryOrder(tx.ID)
	if err != nil {
		return err
	}
	if entry == nil {
		return domain.ValidationErrorf("transaction %d has no entry order to protect", tx.ID)
	}

	side := tx.Side.Opposite()
	order := orders.Order{
		AccountID:     a.def.ID,
		TransactionID: &tx.ID,
		Symbol:        tx.Symbol,
		Side:          side,
		Quantity:      entry.Quantity,
		GoodFor:       domain.TIFGoodTillCanceled,
	}
	if isTP {
		order.Type = limitType(side)
		order.LimitPrice = &price
	} else {
		order.Type = stopType(side)
		order.StopPrice = &price
	}
	a.storePercent(&order, tx, price, isTP)

	trigger := domain.OrderStatusFilled
	if entry.Status != domain.OrderStatusFilled {
		order.Status = domain.OrderStatusWaitingTrigger
		order.DependsOnOrder = &entry.ID
		order.DependsOrderStatusTrigger = &trigger
	}

	order, err = a.deps.Orders.Create(order)
	if err != nil {
		return err
	}

	order.Comment = a.trackingComment(&order, SubmitOptions{ExpertID: tx.ExpertID})
	if err := a.deps.Orders.Update(order); err != nil {
		return err
	}

	if order.Status != domain.OrderStatusWaitingTrigger {
		if err := a.submitToBroker(ctx, &order, nil, nil); err != nil {
			return err
		}
	}

	kind := "SL"
	if isTP {
		kind = "TP"
	}
	a.logActivity(activity.SeverityInfo, "tp_sl_created",
		fmt.Sprintf("%s order %d created at %.4f for transaction %d", kind, order.ID, price, tx.ID),
		map[string]interface{}{"order_id": order.ID, "transaction_id": tx.ID, "price": price},
		tx.ExpertID)
	return nil
}

// updateBrokerProtectiveOrder modifies a live TP/SL order through the broker
// hook, restoring the original price on failure.
func (a *Account) updateBrokerProtectiveOrder(ctx context.Context, tx *orders.Transaction, order *orders.Order, price float64, isTP bool) error {
	var originalPrice *float64
	var err error
	if isTP {
		originalPrice = order.LimitPrice
		order.LimitPrice = &price
		err = a.provider.UpdateTPOrder(ctx, order, price)
	} else {
		originalPrice = order.StopPrice
		order.StopPrice = &price
		err = a.provider.UpdateSLOrder(ctx, order, price)
	}

	if err != nil {
		if isTP {
			order.LimitPrice = originalPrice
		} else {
			order.StopPrice = originalPrice
		}
		return domain.BrokerErrorf("update protective order %d: %v", order.ID, err)
	}

	a.storePercent(order, tx, price, isTP)
	if err := a.deps.Orders.Update(*order); err != nil {
		return err
	}

	kind := "SL"
	if isTP {
		kind = "TP"
	}
	var before float64
	if originalPrice != nil {
		before = *originalPrice
	}
	a.logActivity(activity.SeverityInfo, "tp_sl_adjusted",
		fmt.Sprintf("%s order %d adjusted %.4f -> %.4f", kind, order.ID, before, price),
		map[string]interface{}{"order_id": order.ID, "before": before, "after": price},
		tx.ExpertID)
	return nil
}

// storePercent records the target's percent relative to the open price in the
// order's auxiliary data so the dependency resolver can re-anchor it later.
func (a *Account) storePercent(order *orders.Order, tx *orders.Transaction, price float64, isTP bool) {
	if tx.OpenPrice == nil || *tx.OpenPrice <= 0 {
		return
	}
	percent := math.Abs(price / *tx.OpenPrice * 100 - 100)
	if isTP {
		order.SetDataFloat(orders.DataKeyTPPercent, percent)
	} else {
		order.SetDataFloat(orders.DataKeySLPercent, percent)
	}
}

// rollbackTargets restores the transaction's TP/SL fields after a failed
// broker-side adjustment so partial state is not visible.
func (a *Account) rollbackTargets(tx *orders.Transaction, tp, sl *float64) {
	tx.TakeProfit = tp
	tx.StopLoss = sl
	if err := a.deps.Transactions.Update(*tx); err != nil {
		a.log.Error().Err(err).Int64("transaction_id", tx.ID).Msg("Failed to roll back TP/SL targets")
	}
}

// entryOrder returns the transaction's oldest filled entry order, falling
// back to the first entry order when nothing has filled yet.
func (a *Account) entryOrder(transactionID int64) (*orders.Order, error) {
	entry, err := a.deps.Orders.OldestFilledEntryOrder(transactionID)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		return entry, nil
	}

	orderRows, err := a.deps.Orders.ListByTransaction(transactionID)
	if err != nil {
		return nil, err
	}
	for i := range orderRows {
		if orderRows[i].IsEntry() && !orderRows[i].Status.Terminal() {
			return &orderRows[i], nil
		}
	}
	return nil, nil
}

func limitType(side domain.OrderSide) domain.OrderType {
	if side == domain.SideBuy {
		return domain.OrderTypeLimitBuy
	}
	return domain.OrderTypeLimitSell
}

func stopType(side domain.OrderSide) domain.OrderType {
	if side == domain.SideBuy {
		return domain.OrderTypeStopBuy
	}
	return domain.OrderTypeStopSell
}
