package broker

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/akrivos/helmsman/internal/domain"
	"github.com/akrivos/helmsman/internal/modules/activity"
	"github.com/akrivos/helmsman/internal/modules/orders"
)

// CloseTransaction winds down a transaction: unsent orders are retired, live
// unfilled orders cancelled, and a MARKET closing order is submitted (or
// retried) for any filled exposure. Idempotent; safe to call repeatedly until
// the transaction reaches CLOSED.
func (a *Account) CloseTransaction(ctx context.Context, transactionID int64) error {
	tx, err := a.deps.Transactions.Get(transactionID)
	if err != nil {
		return err
	}
	if tx.Status == domain.TxClosed {
		return nil
	}

	if tx.Status != domain.TxClosing {
		tx.Status = domain.TxClosing
		if err := a.deps.Transactions.Update(*tx); err != nil {
			return err
		}
		a.logActivity(activity.SeverityInfo, "transaction_closing",
			fmt.Sprintf("Transaction %d close requested", tx.ID),
			map[string]interface{}{"transaction_id": tx.ID}, tx.ExpertID)
	}

	orderRows, err := a.deps.Orders.ListByTransaction(transactionID)
	if err != nil {
		return err
	}

	for i := range orderRows {
		o := &orderRows[i]
		if o.Status.Terminal() {
			continue
		}
		// The closing order itself is handled by ensureClosingOrder.
		if o.Type == domain.OrderTypeMarket && strings.Contains(strings.ToLower(o.Comment), "closing") {
			continue
		}

		switch {
		case o.BrokerOrderID == "":
			// Never reached the broker; nothing to cancel.
			o.Status = domain.OrderStatusClosed
			if err := a.deps.Orders.Update(*o); err != nil {
				return err
			}
		case !o.Status.Executed():
			if err := a.provider.CancelOrder(ctx, o.BrokerOrderID); err != nil {
				a.log.Warn().Err(err).Int64("order_id", o.ID).Msg("Failed to cancel order during close")
				continue
			}
			o.Status = domain.OrderStatusCanceled
			if err := a.deps.Orders.Update(*o); err != nil {
				return err
			}
		}
	}

	if err := a.ensureClosingOrder(ctx, tx, orderRows); err != nil {
		return err
	}

	// Reread: the closing-order pass may have changed order state.
	orderRows, err = a.deps.Orders.ListByTransaction(transactionID)
	if err != nil {
		return err
	}
	allTerminal := true
	for i := range orderRows {
		if !orderRows[i].Status.Terminal() {
			allTerminal = false
			break
		}
	}
	// ensureClosingOrder may already have finished the transaction with a
	// more specific reason.
	if allTerminal && tx.Status != domain.TxClosed {
		a.finishTransaction(ctx, tx, domain.CloseReasonManualClose, nil)
	}
	return nil
}

// CloseTransactionAsync runs CloseTransaction in the background followed by a
// refresh pass, so callers (typically HTTP handlers) never block on broker
// I/O.
func (a *Account) CloseTransactionAsync(ctx context.Context, transactionID int64) {
	go func() {
		if err := a.CloseTransaction(ctx, transactionID); err != nil {
			a.log.Error().Err(err).Int64("transaction_id", transactionID).Msg("Async transaction close failed")
			return
		}
		if err := a.RefreshOrders(ctx); err != nil {
			a.log.Error().Err(err).Msg("Post-close order refresh failed")
		}
		if err := a.RefreshTransactions(ctx); err != nil {
			a.log.Error().Err(err).Msg("Post-close transaction refresh failed")
		}
	}()
}

// ensureClosingOrder guarantees that filled exposure has a working MARKET
// closing order: retrying a failed one, recognising positions that vanished
// at the broker, or submitting a fresh one.
func (a *Account) ensureClosingOrder(ctx context.Context, tx *orders.Transaction, orderRows []orders.Order) error {
	closing := findClosingMarketOrder(orderRows)

	if closing != nil && closing.Status == domain.OrderStatusError {
		exists, err := a.positionExists(ctx, tx.Symbol)
		if err != nil {
			return err
		}
		if !exists {
			closing.Status = domain.OrderStatusCanceled
			if err := a.deps.Orders.Update(*closing); err != nil {
				return err
			}
			a.finishTransaction(ctx, tx, domain.CloseReasonPositionNotAtBroker, nil)
			return nil
		}

		// Position still live: retry the failed closing order.
		closing.Status = domain.OrderStatusPending
		if err := a.deps.Orders.Update(*closing); err != nil {
			return err
		}
		a.logActivity(activity.SeverityWarning, "close_order_retried",
			fmt.Sprintf("Closing order %d for transaction %d retried", closing.ID, tx.ID),
			map[string]interface{}{"order_id": closing.ID, "transaction_id": tx.ID}, tx.ExpertID)
		return a.submitToBroker(ctx, closing, nil, nil)
	}

	if closing != nil {
		// A persisted closing order that never reached the broker is
		// submitted now rather than duplicated.
		if closing.BrokerOrderID == "" && closing.Status == domain.OrderStatusPending {
			return a.submitToBroker(ctx, closing, nil, nil)
		}
		return nil
	}

	if !hasFilledEntry(orderRows) {
		return nil
	}

	quantity := math.Abs(tx.Quantity)
	if quantity <= 0 {
		return nil
	}

	order := orders.Order{
		AccountID:     a.def.ID,
		TransactionID: &tx.ID,
		Symbol:        tx.Symbol,
		Side:          tx.Side.Opposite(),
		Quantity:      quantity,
		Type:          domain.OrderTypeMarket,
		GoodFor:       domain.TIFGoodTillCanceled,
	}

	submitted, err := a.SubmitOrder(ctx, order, SubmitOptions{
		IsClosing:   true,
		ExpertID:    tx.ExpertID,
		UserComment: "closing position",
	})
	if err != nil {
		return err
	}

	a.logActivity(activity.SeverityInfo, "close_order_submitted",
		fmt.Sprintf("Closing order %d submitted for transaction %d", submitted.ID, tx.ID),
		map[string]interface{}{"order_id": submitted.ID, "transaction_id": tx.ID}, tx.ExpertID)
	return nil
}

// positionExists asks the broker whether any position is open on a symbol.
func (a *Account) positionExists(ctx context.Context, symbol string) (bool, error) {
	positions, err := a.provider.GetPositions(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to check position at broker: %w", err)
	}
	for _, p := range positions {
		if strings.EqualFold(p.Symbol, symbol) && math.Abs(p.Quantity) > domain.QuantityTolerance {
			return true, nil
		}
	}
	return false, nil
}

// findClosingMarketOrder locates the dedicated closing order of a
// transaction: MARKET type with a closing marker in its comment.
func findClosingMarketOrder(orderRows []orders.Order) *orders.Order {
	for i := range orderRows {
		o := &orderRows[i]
		if o.Type == domain.OrderTypeMarket && strings.Contains(strings.ToLower(o.Comment), "closing") {
			return o
		}
	}
	return nil
}

func hasFilledEntry(orderRows []orders.Order) bool {
	for i := range orderRows {
		o := &orderRows[i]
		if o.IsEntry() && o.Status == domain.OrderStatusFilled {
			return true
		}
	}
	return false
}
