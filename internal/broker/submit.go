package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/akrivos/helmsman/internal/domain"
	"github.com/akrivos/helmsman/internal/modules/activity"
	"github.com/akrivos/helmsman/internal/modules/orders"
)

// SubmitOptions carries the optional parameters of SubmitOrder.
type SubmitOptions struct {
	// TP and SL request take-profit / stop-loss legs alongside the order,
	// expressed as absolute prices.
	TP *float64
	SL *float64

	// IsClosing marks an order that reduces or closes an existing position.
	// Closing orders skip the position-size cap.
	IsClosing bool

	// ExpertID binds a newly created transaction to an expert instance and
	// selects the cap settings. Nil for manual orders.
	ExpertID *int64

	// UserComment is appended after the tracking prefix.
	UserComment string
}

// SubmitOrder validates, persists and places an order, creating its
// transaction when needed and attaching TP/SL legs when requested. The order
// row is persisted before the broker call so failures stay attributable.
func (a *Account) SubmitOrder(ctx context.Context, order orders.Order, opts SubmitOptions) (orders.Order, error) {
	order.AccountID = a.def.ID

	if errs := a.validateOrder(ctx, &order, opts); len(errs) > 0 {
		return orders.Order{}, errors.Join(errs...)
	}

	tx, err := a.coupleTransaction(ctx, &order, opts)
	if err != nil {
		return orders.Order{}, err
	}

	if err := a.syncDependentQuantity(&order); err != nil {
		return orders.Order{}, err
	}

	order, err = a.deps.Orders.Create(order)
	if err != nil {
		return orders.Order{}, err
	}

	order.Comment = a.trackingComment(&order, opts)
	if err := a.deps.Orders.Update(order); err != nil {
		return orders.Order{}, err
	}

	// Orders awaiting a parent trigger stay local; the dependency resolver
	// submits them when the trigger is observed.
	if order.Status != domain.OrderStatusWaitingTrigger {
		if err := a.submitToBroker(ctx, &order, opts.TP, opts.SL); err != nil {
			return order, err
		}
	}

	if opts.TP != nil || opts.SL != nil {
		if tx == nil && order.TransactionID != nil {
			tx, err = a.deps.Transactions.Get(*order.TransactionID)
			if err != nil {
				return order, err
			}
		}
		if tx != nil {
			if err := a.attachTPSL(ctx, tx, &order, opts.TP, opts.SL); err != nil {
				return order, err
			}
		}
	}

	if order.TransactionID != nil {
		if err := a.recomputeTransactionQuantity(*order.TransactionID); err != nil {
			return order, err
		}
	}

	return order, nil
}

// coupleTransaction resolves the order's transaction per the coupling rules:
// a MARKET order without a transaction creates one; a non-MARKET order
// without a transaction is rejected; an explicit reference must exist.
func (a *Account) coupleTransaction(ctx context.Context, order *orders.Order, opts SubmitOptions) (*orders.Transaction, error) {
	if order.TransactionID != nil {
		tx, err := a.deps.Transactions.Get(*order.TransactionID)
		if err != nil {
			return nil, err
		}
		return tx, nil
	}

	if order.Type != domain.OrderTypeMarket {
		return nil, domain.ValidationErrorf(
			"order type %s requires an existing transaction", order.Type)
	}

	price, err := a.GetInstrumentCurrentPrice(ctx, order.Symbol, domain.PriceMid)
	if err != nil {
		return nil, fmt.Errorf("failed to price new transaction: %w", err)
	}

	tx, err := a.deps.Transactions.Create(orders.Transaction{
		Symbol:    order.Symbol,
		Quantity:  order.Quantity,
		Side:      order.Side,
		OpenPrice: &price,
		Status:    domain.TxWaiting,
		ExpertID:  opts.ExpertID,
	})
	if err != nil {
		return nil, err
	}

	order.TransactionID = &tx.ID
	a.logActivity(activity.SeverityInfo, "transaction_created",
		fmt.Sprintf("Transaction %d created for %s %s", tx.ID, order.Side, order.Symbol),
		map[string]interface{}{"transaction_id": tx.ID, "symbol": order.Symbol},
		opts.ExpertID)
	return &tx, nil
}

// syncDependentQuantity aligns a TP/SL order's quantity with its parent so a
// scaled entry and its protective legs stay matched. Parents that are MARKET
// orders (typically closing orders) are left alone.
func (a *Account) syncDependentQuantity(order *orders.Order) error {
	if order.DependsOnOrder == nil || !(order.Type.IsLimit() || order.Type.IsStop()) {
		return nil
	}

	parent, err := a.deps.Orders.Get(*order.DependsOnOrder)
	if err != nil {
		return err
	}
	if parent.Type == domain.OrderTypeMarket {
		return nil
	}

	order.Quantity = parent.Quantity
	return nil
}

// trackingComment builds the stamped comment for a persisted order.
func (a *Account) trackingComment(order *orders.Order, opts SubmitOptions) string {
	var expertID int64
	if opts.ExpertID != nil {
		expertID = *opts.ExpertID
	}

	txID := ""
	if order.TransactionID != nil {
		txID = strconv.FormatInt(*order.TransactionID, 10)
	}

	return domain.BuildTrackingComment(a.def.ID, expertID,
		txID, strconv.FormatInt(order.ID, 10), opts.UserComment)
}

// submitToBroker places a persisted order and records the outcome. Broker
// rejections move the order to ERROR; the transaction is left for the
// reconciler to judge on aggregate state.
func (a *Account) submitToBroker(ctx context.Context, order *orders.Order, tp, sl *float64) error {
	err := a.provider.SubmitOrder(ctx, order, tp, sl)
	if err != nil {
		order.Status = domain.OrderStatusError
		if updateErr := a.deps.Orders.Update(*order); updateErr != nil {
			a.log.Error().Err(updateErr).Int64("order_id", order.ID).Msg("Failed to record order error status")
		}
		a.logActivity(activity.SeverityError, "order_submit_failed",
			fmt.Sprintf("Order %d (%s %s) rejected: %v", order.ID, order.Side, order.Symbol, err),
			map[string]interface{}{"order_id": order.ID}, nil)
		if errors.Is(err, domain.ErrBrokerTransient) {
			return fmt.Errorf("submit order %d: %w", order.ID, err)
		}
		return domain.BrokerErrorf("submit order %d: %v", order.ID, err)
	}

	if order.Status == domain.OrderStatusPending || order.Status == "" {
		order.Status = domain.OrderStatusSubmitted
	}
	if err := a.deps.Orders.Update(*order); err != nil {
		return err
	}

	a.log.Info().
		Int64("order_id", order.ID).
		Str("broker_order_id", order.BrokerOrderID).
		Str("symbol", order.Symbol).
		Str("type", string(order.Type)).
		Msg("Order submitted to broker")
	return nil
}

// attachTPSL applies the requested TP/SL through the stateless adjustment
// helpers so bracket semantics are uniform across brokers.
func (a *Account) attachTPSL(ctx context.Context, tx *orders.Transaction, entry *orders.Order, tp, sl *float64) error {
	switch {
	case tp != nil && sl != nil:
		return a.AdjustTPSL(ctx, tx.ID, *tp, *sl)
	case tp != nil:
		return a.AdjustTP(ctx, tx.ID, *tp)
	case sl != nil:
		return a.AdjustSL(ctx, tx.ID, *sl)
	}
	return nil
}

// recomputeTransactionQuantity refreshes a transaction's quantity from its
// surviving entry orders, excluding those that terminated without a fill.
// Only orders on the transaction's own side accumulate; opposite-side MARKET
// orders are closing orders, not entries.
func (a *Account) recomputeTransactionQuantity(transactionID int64) error {
	tx, err := a.deps.Transactions.Get(transactionID)
	if err != nil {
		return err
	}

	orderRows, err := a.deps.Orders.ListByTransaction(transactionID)
	if err != nil {
		return err
	}

	var quantity float64
	for _, o := range orderRows {
		if !o.IsEntry() || o.Side != tx.Side || o.Status.FailedWithoutFill() {
			continue
		}
		quantity += o.Quantity
	}

	if quantity == tx.Quantity {
		return nil
	}
	tx.Quantity = quantity
	return a.deps.Transactions.Update(*tx)
}

// openDate returns now truncated to seconds, matching storage resolution.
func openDate() *time.Time {
	now := time.Now().Truncate(time.Second)
	return &now
}
