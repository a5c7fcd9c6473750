// Package alpaca adapts the Alpaca trading API to the broker provider
// contract. Credentials and endpoints come from account settings, so several
// accounts (paper and live) can coexist in one process.
package alpaca

import (
	"context"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/akrivos/helmsman/internal/broker"
	"github.com/akrivos/helmsman/internal/domain"
	"github.com/akrivos/helmsman/internal/modules/accounts"
	"github.com/akrivos/helmsman/internal/modules/orders"
)

// ProviderTag is the registry tag of the Alpaca broker.
const ProviderTag = "alpaca"

// Account setting keys the adapter reads.
const (
	SettingAPIKey    = "alpaca_api_key"
	SettingAPISecret = "alpaca_api_secret"
	SettingBaseURL   = "alpaca_base_url"
)

// Register adds the Alpaca broker to a provider registry.
func Register(registry *broker.ProviderRegistry) {
	registry.Register(ProviderTag, NewProvider)
}

// Provider implements the broker contract over the Alpaca v3 API. Every call
// goes through withRetry, so transient failures (timeouts, 5xx, 429) are
// retried a bounded number of times before surfacing.
type Provider struct {
	tradeClient *alpaca.Client
	mdClient    *marketdata.Client
	backoff     time.Duration
	log         zerolog.Logger
}

// NewProvider builds an Alpaca provider from an account's stored credentials.
func NewProvider(def accounts.Account, settings *accounts.SettingsRepository, log zerolog.Logger) (broker.Provider, error) {
	apiKey, err := settings.GetString(accounts.OwnerAccount, def.ID, SettingAPIKey)
	if err != nil {
		return nil, err
	}
	apiSecret, err := settings.GetString(accounts.OwnerAccount, def.ID, SettingAPISecret)
	if err != nil {
		return nil, err
	}
	if apiKey == "" || apiSecret == "" {
		return nil, domain.ValidationErrorf("account %d is missing alpaca credentials", def.ID)
	}
	baseURL, err := settings.GetString(accounts.OwnerAccount, def.ID, SettingBaseURL)
	if err != nil {
		return nil, err
	}

	return &Provider{
		tradeClient: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
			BaseURL:   baseURL,
		}),
		mdClient: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
		}),
		backoff: retryBackoff,
		log:     log.With().Str("provider", ProviderTag).Int64("account_id", def.ID).Logger(),
	}, nil
}

func (p *Provider) SubmitOrder(ctx context.Context, order *orders.Order, tp, sl *float64) error {
	qty := decimal.NewFromFloat(order.Quantity)
	req := alpaca.PlaceOrderRequest{
		Symbol:      order.Symbol,
		Qty:         &qty,
		Side:        mapSide(order.Side),
		Type:        mapType(order.Type),
		TimeInForce: mapTIF(order.GoodFor),
	}
	if order.LimitPrice != nil {
		price := decimal.NewFromFloat(*order.LimitPrice)
		req.LimitPrice = &price
	}
	if order.StopPrice != nil {
		price := decimal.NewFromFloat(*order.StopPrice)
		req.StopPrice = &price
	}
	if tp != nil || sl != nil {
		req.OrderClass = alpaca.Bracket
		if tp != nil {
			price := decimal.NewFromFloat(*tp)
			req.TakeProfit = &alpaca.TakeProfit{LimitPrice: &price}
		}
		if sl != nil {
			price := decimal.NewFromFloat(*sl)
			req.StopLoss = &alpaca.StopLoss{StopPrice: &price}
		}
	}

	var placed *alpaca.Order
	err := p.withRetry(ctx, "place order", func() error {
		var err error
		placed, err = p.tradeClient.PlaceOrder(req)
		return err
	})
	if err != nil {
		return err
	}

	order.BrokerOrderID = placed.ID
	if status := mapStatus(placed.Status); status != "" {
		order.Status = status
	} else {
		order.Status = domain.OrderStatusSubmitted
	}
	return nil
}

// SetOrderTPSL reports no native support: Alpaca brackets are fixed at
// placement time, so post-hoc TP/SL goes through separate legs.
func (p *Provider) SetOrderTPSL(_ context.Context, _ *orders.Order, _, _ float64) (bool, error) {
	return false, nil
}

func (p *Provider) UpdateTPOrder(ctx context.Context, order *orders.Order, newPrice float64) error {
	price := decimal.NewFromFloat(newPrice)
	var replaced *alpaca.Order
	err := p.withRetry(ctx, "replace TP order", func() error {
		var err error
		replaced, err = p.tradeClient.ReplaceOrder(order.BrokerOrderID, alpaca.ReplaceOrderRequest{
			LimitPrice: &price,
		})
		return err
	})
	if err != nil {
		return err
	}
	order.BrokerOrderID = replaced.ID
	return nil
}

func (p *Provider) UpdateSLOrder(ctx context.Context, order *orders.Order, newPrice float64) error {
	price := decimal.NewFromFloat(newPrice)
	var replaced *alpaca.Order
	err := p.withRetry(ctx, "replace SL order", func() error {
		var err error
		replaced, err = p.tradeClient.ReplaceOrder(order.BrokerOrderID, alpaca.ReplaceOrderRequest{
			StopPrice: &price,
		})
		return err
	})
	if err != nil {
		return err
	}
	order.BrokerOrderID = replaced.ID
	return nil
}

func (p *Provider) ReplaceWithStopLimit(ctx context.Context, existing *orders.Order, tp, sl float64) (*orders.Order, error) {
	limitPrice := decimal.NewFromFloat(tp)
	stopPrice := decimal.NewFromFloat(sl)
	var replaced *alpaca.Order
	err := p.withRetry(ctx, "replace with stop limit", func() error {
		var err error
		replaced, err = p.tradeClient.ReplaceOrder(existing.BrokerOrderID, alpaca.ReplaceOrderRequest{
			LimitPrice: &limitPrice,
			StopPrice:  &stopPrice,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	replacement := *existing
	replacement.BrokerOrderID = replaced.ID
	replacement.LimitPrice = &tp
	replacement.StopPrice = &sl
	return &replacement, nil
}

func (p *Provider) FetchPrices(ctx context.Context, symbols []string, priceType domain.PriceType) (map[string]float64, error) {
	var quotes map[string]marketdata.Quote
	err := p.withRetry(ctx, "latest quotes", func() error {
		var err error
		quotes, err = p.mdClient.GetLatestQuotes(symbols, marketdata.GetLatestQuoteRequest{})
		return err
	})
	if err != nil {
		return nil, err
	}

	result := make(map[string]float64, len(quotes))
	for symbol, q := range quotes {
		switch priceType {
		case domain.PriceBid:
			result[symbol] = q.BidPrice
		case domain.PriceAsk:
			result[symbol] = q.AskPrice
		default:
			result[symbol] = (q.BidPrice + q.AskPrice) / 2
		}
	}
	return result, nil
}

func (p *Provider) SymbolsExist(_ context.Context, symbols []string) (map[string]bool, error) {
	result := make(map[string]bool, len(symbols))
	for _, symbol := range symbols {
		asset, err := p.tradeClient.GetAsset(symbol)
		result[symbol] = err == nil && asset != nil && asset.Tradable
	}
	return result, nil
}

func (p *Provider) CancelOrder(ctx context.Context, brokerOrderID string) error {
	return p.withRetry(ctx, "cancel order", func() error {
		return p.tradeClient.CancelOrder(brokerOrderID)
	})
}

func (p *Provider) GetOrder(ctx context.Context, brokerOrderID string) (*broker.OrderSnapshot, error) {
	var o *alpaca.Order
	err := p.withRetry(ctx, "get order", func() error {
		var err error
		o, err = p.tradeClient.GetOrder(brokerOrderID)
		return err
	})
	if err != nil {
		return nil, err
	}
	snapshot := mapOrder(o)
	return &snapshot, nil
}

func (p *Provider) GetOrders(ctx context.Context) ([]broker.OrderSnapshot, error) {
	var alpacaOrders []alpaca.Order
	err := p.withRetry(ctx, "get orders", func() error {
		var err error
		alpacaOrders, err = p.tradeClient.GetOrders(alpaca.GetOrdersRequest{
			Status: "all",
			Limit:  500,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	result := make([]broker.OrderSnapshot, 0, len(alpacaOrders))
	for i := range alpacaOrders {
		result = append(result, mapOrder(&alpacaOrders[i]))
	}
	return result, nil
}

func (p *Provider) GetPositions(ctx context.Context) ([]broker.Position, error) {
	var positions []alpaca.Position
	err := p.withRetry(ctx, "get positions", func() error {
		var err error
		positions, err = p.tradeClient.GetPositions()
		return err
	})
	if err != nil {
		return nil, err
	}

	result := make([]broker.Position, 0, len(positions))
	for _, pos := range positions {
		mapped := broker.Position{
			Symbol:   pos.Symbol,
			Quantity: pos.Qty.InexactFloat64(),
			AvgPrice: pos.AvgEntryPrice.InexactFloat64(),
		}
		if pos.CurrentPrice != nil {
			mapped.CurrentPrice = pos.CurrentPrice.InexactFloat64()
		}
		if pos.UnrealizedPL != nil {
			mapped.UnrealizedPL = pos.UnrealizedPL.InexactFloat64()
		}
		result = append(result, mapped)
	}
	return result, nil
}

func (p *Provider) GetAccountInfo(ctx context.Context) (*broker.AccountInfo, error) {
	acct, err := p.getAccount(ctx)
	if err != nil {
		return nil, err
	}
	return &broker.AccountInfo{
		Equity:      acct.Equity.InexactFloat64(),
		Cash:        acct.Cash.InexactFloat64(),
		BuyingPower: acct.BuyingPower.InexactFloat64(),
	}, nil
}

func (p *Provider) GetBalance(ctx context.Context) (*float64, error) {
	acct, err := p.getAccount(ctx)
	if err != nil {
		return nil, err
	}
	cash := acct.Cash.InexactFloat64()
	return &cash, nil
}

func (p *Provider) getAccount(ctx context.Context) (*alpaca.Account, error) {
	var acct *alpaca.Account
	err := p.withRetry(ctx, "get account", func() error {
		var err error
		acct, err = p.tradeClient.GetAccount()
		return err
	})
	return acct, err
}

func mapOrder(o *alpaca.Order) broker.OrderSnapshot {
	snapshot := broker.OrderSnapshot{
		BrokerOrderID:  o.ID,
		Symbol:         o.Symbol,
		Status:         mapStatus(o.Status),
		FilledQuantity: o.FilledQty.InexactFloat64(),
	}
	if o.FilledAvgPrice != nil {
		price := o.FilledAvgPrice.InexactFloat64()
		snapshot.AvgFillPrice = &price
	}
	return snapshot
}

func mapStatus(status string) domain.OrderStatus {
	switch strings.ToLower(status) {
	case "new", "accepted", "pending_new", "accepted_for_bidding":
		return domain.OrderStatusAccepted
	case "filled":
		return domain.OrderStatusFilled
	case "partially_filled":
		return domain.OrderStatusPartiallyFilled
	case "canceled", "pending_cancel", "done_for_day":
		return domain.OrderStatusCanceled
	case "expired":
		return domain.OrderStatusExpired
	case "rejected", "stopped", "suspended":
		return domain.OrderStatusRejected
	default:
		return ""
	}
}

func mapSide(side domain.OrderSide) alpaca.Side {
	if side == domain.SideSell {
		return alpaca.Sell
	}
	return alpaca.Buy
}

func mapType(orderType domain.OrderType) alpaca.OrderType {
	switch {
	case orderType == domain.OrderTypeMarket:
		return alpaca.Market
	case orderType.IsLimit() && orderType.IsStop():
		return alpaca.StopLimit
	case orderType.IsStop():
		return alpaca.Stop
	default:
		return alpaca.Limit
	}
}

func mapTIF(tif domain.TimeInForce) alpaca.TimeInForce {
	switch tif {
	case domain.TIFDay:
		return alpaca.Day
	case domain.TIFImmediateOrCancel:
		return alpaca.IOC
	case domain.TIFFillOrKill:
		return alpaca.FOK
	default:
		return alpaca.GTC
	}
}
