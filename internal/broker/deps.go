package broker

import (
	"context"
	"fmt"

	"github.com/akrivos/helmsman/internal/domain"
	"github.com/akrivos/helmsman/internal/modules/activity"
	"github.com/akrivos/helmsman/internal/modules/orders"
)

// ResolveDependencies walks every order waiting on a parent trigger and acts
// on the parent's observed state: a reached trigger submits the dependent to
// the broker exactly once; a parent that terminated without filling cancels
// it. The WAITING_TRIGGER status itself guarantees at-most-once submission,
// because submission moves the order out of that status first.
func (a *Account) ResolveDependencies(ctx context.Context) error {
	orderRows, err := a.deps.Orders.ListNonTerminalByAccount(a.def.ID)
	if err != nil {
		return err
	}

	for i := range orderRows {
		o := &orderRows[i]
		if o.Status != domain.OrderStatusWaitingTrigger || o.DependsOnOrder == nil {
			continue
		}
		if err := a.resolveDependent(ctx, o); err != nil {
			a.log.Error().Err(err).Int64("order_id", o.ID).Msg("Failed to resolve dependent order")
		}
	}
	return nil
}

func (a *Account) resolveDependent(ctx context.Context, order *orders.Order) error {
	parent, err := a.deps.Orders.Get(*order.DependsOnOrder)
	if err != nil {
		return err
	}

	trigger := domain.OrderStatusFilled
	if order.DependsOrderStatusTrigger != nil {
		trigger = *order.DependsOrderStatusTrigger
	}

	if parent.Status.Terminal() && parent.Status != trigger {
		order.Status = domain.OrderStatusCanceled
		if err := a.deps.Orders.Update(*order); err != nil {
			return err
		}
		a.logActivity(activity.SeverityInfo, "dependent_order_canceled",
			fmt.Sprintf("Order %d canceled: parent %d ended %s without reaching %s",
				order.ID, parent.ID, parent.Status, trigger),
			map[string]interface{}{"order_id": order.ID, "parent_id": parent.ID}, nil)
		return nil
	}

	if parent.Status != trigger {
		return nil
	}

	// Trigger observed: sync quantity from the parent before submission.
	if parent.Quantity <= 0 {
		order.Status = domain.OrderStatusError
		if err := a.deps.Orders.Update(*order); err != nil {
			return err
		}
		a.logActivity(activity.SeverityError, "dependent_order_rejected",
			fmt.Sprintf("Order %d rejected: parent %d has zero quantity", order.ID, parent.ID),
			map[string]interface{}{"order_id": order.ID, "parent_id": parent.ID}, nil)
		return nil
	}
	order.Quantity = parent.Quantity

	if err := a.reanchorPercent(order, parent); err != nil {
		return err
	}

	order.Status = domain.OrderStatusPending
	if err := a.deps.Orders.Update(*order); err != nil {
		return err
	}

	if err := a.submitToBroker(ctx, order, nil, nil); err != nil {
		return err
	}

	a.logActivity(activity.SeverityInfo, "dependent_order_submitted",
		fmt.Sprintf("Order %d submitted after parent %d reached %s", order.ID, parent.ID, trigger),
		map[string]interface{}{"order_id": order.ID, "parent_id": parent.ID}, nil)
	return nil
}

// reanchorPercent recomputes a TP/SL price from the percent target stored in
// the order's auxiliary data, anchored on the parent's actual fill price. A
// missing percent is derived from the current prices and stored as fallback.
func (a *Account) reanchorPercent(order *orders.Order, parent *orders.Order) error {
	if parent.OpenPrice == nil || *parent.OpenPrice <= 0 {
		return nil
	}
	open := *parent.OpenPrice

	var tx *orders.Transaction
	if order.TransactionID != nil {
		var err error
		tx, err = a.deps.Transactions.Get(*order.TransactionID)
		if err != nil {
			return err
		}
	}
	long := tx == nil || tx.IsLong()

	if order.Type.IsLimit() && !order.Type.IsStop() {
		percent, ok := order.DataFloat(orders.DataKeyTPPercent)
		if !ok && order.LimitPrice != nil {
			percent = percentOf(open, *order.LimitPrice)
			order.SetDataFloat(orders.DataKeyTPPercent, percent)
		}
		if percent > 0 {
			price := open * (1 + percent/100)
			if !long {
				price = open * (1 - percent/100)
			}
			order.LimitPrice = &price
		}
	}

	if order.Type.IsStop() && !order.Type.IsLimit() {
		percent, ok := order.DataFloat(orders.DataKeySLPercent)
		if !ok && order.StopPrice != nil {
			percent = percentOf(open, *order.StopPrice)
			order.SetDataFloat(orders.DataKeySLPercent, percent)
		}
		if percent > 0 {
			price := open * (1 - percent/100)
			if !long {
				price = open * (1 + percent/100)
			}
			order.StopPrice = &price
		}
	}

	return nil
}

// percentOf returns the unsigned percent distance of price from open.
func percentOf(open, price float64) float64 {
	p := price/open*100 - 100
	if p < 0 {
		return -p
	}
	return p
}
