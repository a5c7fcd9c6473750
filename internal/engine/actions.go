package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/akrivos/helmsman/internal/broker"
	"github.com/akrivos/helmsman/internal/domain"
	"github.com/akrivos/helmsman/internal/modules/orders"
	"github.com/akrivos/helmsman/internal/modules/rules"
)

// Realizer translates evaluation results into broker operations. The engine
// emits descriptors; the realizer owns the imperative side.
type Realizer struct {
	accounts     *broker.Manager
	transactions *orders.TransactionRepository
	log          zerolog.Logger
}

// NewRealizer creates a realizer over the account manager.
func NewRealizer(accounts *broker.Manager, transactions *orders.TransactionRepository, log zerolog.Logger) *Realizer {
	return &Realizer{
		accounts:     accounts,
		transactions: transactions,
		log:          log.With().Str("component", "action_realizer").Logger(),
	}
}

// Realize executes the actions of every matched result entry against the
// expert's account. Error entries are logged and skipped; execution errors on
// one entry do not stop the rest.
func (r *Realizer) Realize(ctx context.Context, accountID, expertID int64, evalCtx *Context, results []Result) error {
	account, err := r.accounts.Get(accountID)
	if err != nil {
		return err
	}

	for _, result := range results {
		if result.Err != "" {
			r.log.Warn().
				Int64("event_action_id", result.EventActionID).
				Str("error", result.Err).
				Msg("Skipping errored evaluation entry")
			continue
		}
		if err := r.realizeEntry(ctx, account, expertID, evalCtx, result); err != nil {
			r.log.Error().Err(err).
				Int64("event_action_id", result.EventActionID).
				Str("symbol", evalCtx.Recommendation.Symbol).
				Msg("Failed to realize event action")
		}
	}
	return nil
}

// realizeEntry executes one matched event-action. SET_TP/SET_SL descriptors
// modify the BUY/SELL of the same entry when one is present; standalone they
// adjust the open transaction.
func (r *Realizer) realizeEntry(ctx context.Context, account *broker.Account, expertID int64, evalCtx *Context, result Result) error {
	var (
		entrySide  *domain.OrderSide
		quantity   float64
		tpPct      *float64
		slPct      *float64
		doClose    bool
		doAdjust   bool
		adjustTP   *float64
		adjustSL   *float64
	)

	for _, action := range result.Actions {
		switch action.Type {
		case rules.ActionBuy:
			side := domain.SideBuy
			entrySide = &side
			quantity, _ = action.Param("quantity")
		case rules.ActionSell:
			side := domain.SideSell
			entrySide = &side
			quantity, _ = action.Param("quantity")
		case rules.ActionSetTP:
			if pct, ok := action.Param("percent"); ok {
				tpPct = &pct
			}
		case rules.ActionSetSL:
			if pct, ok := action.Param("percent"); ok {
				slPct = &pct
			}
		case rules.ActionClose:
			doClose = true
		case rules.ActionAdjustTPSL:
			doAdjust = true
			if pct, ok := action.Param("tp_percent"); ok {
				adjustTP = &pct
			}
			if pct, ok := action.Param("sl_percent"); ok {
				adjustSL = &pct
			}
		default:
			r.log.Warn().Str("action", string(action.Type)).Msg("Unknown action type ignored")
		}
	}

	if entrySide != nil {
		if err := r.openPosition(ctx, account, expertID, evalCtx, *entrySide, quantity, tpPct, slPct); err != nil {
			return err
		}
		// TP/SL were consumed by the entry.
		tpPct, slPct = nil, nil
	}

	if doClose {
		if err := r.closePositions(ctx, account, expertID, evalCtx.Recommendation.Symbol); err != nil {
			return err
		}
	}

	if doAdjust || tpPct != nil || slPct != nil {
		if adjustTP == nil {
			adjustTP = tpPct
		}
		if adjustSL == nil {
			adjustSL = slPct
		}
		if err := r.adjustPositions(ctx, account, expertID, evalCtx.Recommendation.Symbol, adjustTP, adjustSL); err != nil {
			return err
		}
	}
	return nil
}

// openPosition submits a MARKET entry with optional TP/SL legs derived from
// the recommendation price.
func (r *Realizer) openPosition(ctx context.Context, account *broker.Account, expertID int64, evalCtx *Context,
	side domain.OrderSide, quantity float64, tpPct, slPct *float64) error {

	if quantity <= 0 {
		return domain.ValidationErrorf("entry action without a positive quantity")
	}

	symbol := evalCtx.Recommendation.Symbol
	price := evalCtx.Recommendation.PriceAtDate
	if price <= 0 {
		var err error
		price, err = account.GetInstrumentCurrentPrice(ctx, symbol, domain.PriceMid)
		if err != nil {
			return err
		}
	}

	opts := broker.SubmitOptions{ExpertID: &expertID}
	long := side == domain.SideBuy
	if tpPct != nil {
		tp := targetPrice(price, *tpPct, long, true)
		opts.TP = &tp
	}
	if slPct != nil {
		sl := targetPrice(price, *slPct, long, false)
		opts.SL = &sl
	}

	submitted, err := account.SubmitOrder(ctx, orders.Order{
		Symbol:   symbol,
		Side:     side,
		Quantity: quantity,
		Type:     domain.OrderTypeMarket,
		GoodFor:  domain.TIFGoodTillCanceled,
	}, opts)
	if err != nil {
		return err
	}

	r.log.Info().
		Int64("order_id", submitted.ID).
		Str("symbol", symbol).
		Str("side", string(side)).
		Float64("quantity", quantity).
		Msg("Entry order placed from rule evaluation")
	return nil
}

func (r *Realizer) closePositions(ctx context.Context, account *broker.Account, expertID int64, symbol string) error {
	open, err := r.transactions.ListOpenByExpertSymbol(expertID, symbol)
	if err != nil {
		return err
	}
	for _, tx := range open {
		if err := account.CloseTransaction(ctx, tx.ID); err != nil {
			return fmt.Errorf("close transaction %d: %w", tx.ID, err)
		}
	}
	return nil
}

func (r *Realizer) adjustPositions(ctx context.Context, account *broker.Account, expertID int64, symbol string, tpPct, slPct *float64) error {
	if tpPct == nil && slPct == nil {
		return nil
	}

	open, err := r.transactions.ListOpenByExpertSymbol(expertID, symbol)
	if err != nil {
		return err
	}

	for _, tx := range open {
		if tx.OpenPrice == nil || *tx.OpenPrice <= 0 {
			continue
		}
		anchor := *tx.OpenPrice
		long := tx.IsLong()

		switch {
		case tpPct != nil && slPct != nil:
			err = account.AdjustTPSL(ctx, tx.ID,
				targetPrice(anchor, *tpPct, long, true),
				targetPrice(anchor, *slPct, long, false))
		case tpPct != nil:
			err = account.AdjustTP(ctx, tx.ID, targetPrice(anchor, *tpPct, long, true))
		default:
			err = account.AdjustSL(ctx, tx.ID, targetPrice(anchor, *slPct, long, false))
		}
		if err != nil {
			return fmt.Errorf("adjust transaction %d: %w", tx.ID, err)
		}
	}
	return nil
}

// targetPrice converts a percent distance from an anchor price into an
// absolute TP or SL price for the given direction.
func targetPrice(anchor, percent float64, long, isTP bool) float64 {
	up := anchor * (1 + percent/100)
	down := anchor * (1 - percent/100)
	if long == isTP {
		return up
	}
	return down
}
