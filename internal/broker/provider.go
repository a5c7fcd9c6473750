// Package broker implements the broker account abstraction: a uniform
// surface over heterogeneous brokers with order submission, TP/SL lifecycle,
// price caching and the order/transaction reconciler. Concrete brokers only
// implement the Provider contract; all shared behaviour lives in Account.
package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/akrivos/helmsman/internal/domain"
	"github.com/akrivos/helmsman/internal/modules/accounts"
	"github.com/akrivos/helmsman/internal/modules/orders"
)

// OrderSnapshot is the broker's view of one order.
type OrderSnapshot struct {
	BrokerOrderID  string
	Symbol         string
	Status         domain.OrderStatus
	FilledQuantity float64
	AvgFillPrice   *float64
}

// Position is the broker's view of one open position.
type Position struct {
	Symbol       string
	Quantity     float64
	AvgPrice     float64
	CurrentPrice float64
	UnrealizedPL float64
}

// AccountInfo is the broker's account-level summary.
type AccountInfo struct {
	Equity      float64
	Cash        float64
	BuyingPower float64
}

// Provider is the contract every concrete broker adapter implements. All
// methods are raw and uncached; Account layers validation, persistence and
// the price cache on top.
type Provider interface {
	// SubmitOrder places the order at the broker. Implementations must set
	// order.BrokerOrderID and the first observed status on the passed order.
	// tp and sl are hints for brokers with native bracket support.
	SubmitOrder(ctx context.Context, order *orders.Order, tp, sl *float64) error

	// SetOrderTPSL attaches TP and SL to an existing order where the broker
	// supports it natively. supported=false means the caller must fall back
	// to separate TP and SL orders.
	SetOrderTPSL(ctx context.Context, order *orders.Order, tp, sl float64) (supported bool, err error)

	// UpdateTPOrder and UpdateSLOrder modify a live TP/SL order in place
	// where the broker allows it; otherwise they must cancel-and-replace and
	// update order.BrokerOrderID.
	UpdateTPOrder(ctx context.Context, order *orders.Order, newPrice float64) error
	UpdateSLOrder(ctx context.Context, order *orders.Order, newPrice float64) error

	// ReplaceWithStopLimit replaces an existing order with a single
	// stop-limit combining TP and SL, for brokers that support it.
	ReplaceWithStopLimit(ctx context.Context, existing *orders.Order, tp, sl float64) (*orders.Order, error)

	// FetchPrices returns current prices for the given symbols, uncached.
	FetchPrices(ctx context.Context, symbols []string, priceType domain.PriceType) (map[string]float64, error)

	// SymbolsExist reports which of the given symbols the broker trades.
	SymbolsExist(ctx context.Context, symbols []string) (map[string]bool, error)

	CancelOrder(ctx context.Context, brokerOrderID string) error
	GetOrder(ctx context.Context, brokerOrderID string) (*OrderSnapshot, error)
	GetOrders(ctx context.Context) ([]OrderSnapshot, error)
	GetPositions(ctx context.Context) ([]Position, error)
	GetAccountInfo(ctx context.Context) (*AccountInfo, error)
	GetBalance(ctx context.Context) (*float64, error)
}

// ProviderFactory builds a Provider for one account from its definition and
// its stored settings (API keys and endpoints are account settings).
type ProviderFactory func(def accounts.Account, settings *accounts.SettingsRepository, log zerolog.Logger) (Provider, error)

// ProviderRegistry maps provider tags to factories.
type ProviderRegistry struct {
	mu        sync.RWMutex
	factories map[string]ProviderFactory
}

// NewProviderRegistry creates an empty provider registry.
func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{factories: make(map[string]ProviderFactory)}
}

// Register adds a provider factory under a tag, replacing any previous one.
func (r *ProviderRegistry) Register(tag string, factory ProviderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[tag] = factory
}

// Build constructs the provider for an account definition.
func (r *ProviderRegistry) Build(def accounts.Account, settings *accounts.SettingsRepository, log zerolog.Logger) (Provider, error) {
	r.mu.RLock()
	factory, ok := r.factories[def.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.NotFoundErrorf("broker provider %q", def.Provider)
	}

	provider, err := factory(def, settings, log)
	if err != nil {
		return nil, fmt.Errorf("failed to build provider %q: %w", def.Provider, err)
	}
	return provider, nil
}

// Tags lists the registered provider tags.
func (r *ProviderRegistry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tags := make([]string, 0, len(r.factories))
	for tag := range r.factories {
		tags = append(tags, tag)
	}
	return tags
}
