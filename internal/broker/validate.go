package broker

import (
	"context"
	"fmt"

	"github.com/akrivos/helmsman/internal/domain"
	"github.com/akrivos/helmsman/internal/modules/accounts"
	"github.com/akrivos/helmsman/internal/modules/experts"
	"github.com/akrivos/helmsman/internal/modules/orders"
)

// validateOrder checks an order before submission. It is pure apart from
// price/equity reads and returns every problem found, not just the first.
func (a *Account) validateOrder(ctx context.Context, order *orders.Order, opts SubmitOptions) []error {
	var errs []error

	if order.Symbol == "" {
		errs = append(errs, domain.ValidationErrorf("order requires a symbol"))
	}
	if !order.Side.Valid() {
		errs = append(errs, domain.ValidationErrorf("invalid order side %q", order.Side))
	}
	if !order.Type.Valid() {
		errs = append(errs, domain.ValidationErrorf("invalid order type %q", order.Type))
	}
	if order.Quantity <= 0 {
		errs = append(errs, domain.ValidationErrorf("order quantity must be positive, got %v", order.Quantity))
	}
	if order.Type.IsLimit() && order.LimitPrice == nil {
		errs = append(errs, domain.ValidationErrorf("order type %s requires a limit price", order.Type))
	}
	if order.Type.IsStop() && order.StopPrice == nil {
		errs = append(errs, domain.ValidationErrorf("order type %s requires a stop price", order.Type))
	}
	if order.GoodFor != "" && !order.GoodFor.Valid() {
		errs = append(errs, domain.ValidationErrorf("invalid time in force %q", order.GoodFor))
	}
	if order.DependsOnOrder != nil && order.DependsOrderStatusTrigger == nil {
		errs = append(errs, domain.ValidationErrorf("depends_on_order set without a status trigger"))
	}

	if len(errs) > 0 {
		return errs
	}

	// Defence-in-depth position-size cap. Closing orders are exempt: closing
	// an oversized position must always be possible.
	if !opts.IsClosing && opts.ExpertID != nil {
		if err := a.checkPositionSizeCap(ctx, order, *opts.ExpertID); err != nil {
			errs = append(errs, err)
		}
	}

	return errs
}

// checkPositionSizeCap rejects an order whose notional value exceeds the
// expert's share of account equity times its per-instrument percent.
func (a *Account) checkPositionSizeCap(ctx context.Context, order *orders.Order, expertID int64) error {
	maxPerInstrumentPct, ok, err := a.deps.InstanceSettings.GetFloat(
		accounts.OwnerExpert, expertID, experts.SettingMaxEquityPerInstrument)
	if err != nil {
		return fmt.Errorf("failed to read per-instrument cap: %w", err)
	}
	if !ok {
		return nil
	}

	instance, err := a.deps.Experts.Get(expertID)
	if err != nil {
		return err
	}

	info, err := a.GetAccountInfo(ctx)
	if err != nil {
		return fmt.Errorf("failed to read account equity for cap check: %w", err)
	}

	price, err := a.GetInstrumentCurrentPrice(ctx, order.Symbol, domain.PriceMid)
	if err != nil {
		return fmt.Errorf("failed to read price for cap check: %w", err)
	}

	maxAllowed := info.Equity * (instance.VirtualEquityPct / 100) * (maxPerInstrumentPct / 100)
	notional := order.Quantity * price
	if notional > maxAllowed {
		return domain.ValidationErrorf(
			"order value %.2f exceeds per-instrument cap %.2f for expert %d on %s",
			notional, maxAllowed, expertID, order.Symbol)
	}
	return nil
}
