// Package mock provides a scriptable in-memory broker for tests and dry
// runs. Orders are accepted immediately and fill only when the test (or
// operator) says so.
package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/akrivos/helmsman/internal/broker"
	"github.com/akrivos/helmsman/internal/domain"
	"github.com/akrivos/helmsman/internal/modules/accounts"
	"github.com/akrivos/helmsman/internal/modules/orders"
)

// ProviderTag is the registry tag of the mock broker.
const ProviderTag = "mock"

// Register adds the mock broker to a provider registry.
func Register(registry *broker.ProviderRegistry) {
	registry.Register(ProviderTag, func(def accounts.Account, _ *accounts.SettingsRepository, log zerolog.Logger) (broker.Provider, error) {
		return New(), nil
	})
}

// Provider is the in-memory broker. All exported mutators are safe for
// concurrent use.
type Provider struct {
	mu        sync.Mutex
	prices    map[string]float64
	snapshots map[string]*broker.OrderSnapshot
	requested map[string]float64 // submitted quantity per broker order ID
	positions map[string]broker.Position
	info      broker.AccountInfo

	// SupportsBracket makes SetOrderTPSL report native bracket support.
	SupportsBracket bool

	// SubmitErr and UpdateErr, when set, fail the corresponding calls.
	SubmitErr error
	UpdateErr error

	// FetchCalls counts FetchPrices invocations, for cache assertions.
	FetchCalls int
}

// New creates a mock broker with a default account of 100k equity.
func New() *Provider {
	return &Provider{
		prices:    make(map[string]float64),
		snapshots: make(map[string]*broker.OrderSnapshot),
		requested: make(map[string]float64),
		positions: make(map[string]broker.Position),
		info:      broker.AccountInfo{Equity: 100_000, Cash: 100_000, BuyingPower: 200_000},
	}
}

// SetPrice scripts the current price of a symbol.
func (p *Provider) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[strings.ToUpper(symbol)] = price
}

// SetAccountInfo scripts the account summary.
func (p *Provider) SetAccountInfo(info broker.AccountInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.info = info
}

// SetPosition scripts an open position; zero quantity removes it.
func (p *Provider) SetPosition(pos broker.Position) {
	p.mu.Lock()
	defer p.mu.Unlock()
	symbol := strings.ToUpper(pos.Symbol)
	if pos.Quantity == 0 {
		delete(p.positions, symbol)
		return
	}
	p.positions[symbol] = pos
}

// FillOrder marks a submitted order as fully filled at the given price.
func (p *Provider) FillOrder(brokerOrderID string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.snapshots[brokerOrderID]; ok {
		s.Status = domain.OrderStatusFilled
		s.FilledQuantity = p.requested[brokerOrderID]
		s.AvgFillPrice = &price
	}
}

// PartialFillOrder scripts a partial execution of a submitted order.
func (p *Provider) PartialFillOrder(brokerOrderID string, quantity, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.snapshots[brokerOrderID]; ok {
		s.Status = domain.OrderStatusPartiallyFilled
		s.FilledQuantity = quantity
		s.AvgFillPrice = &price
	}
}

// SetOrderStatus scripts an arbitrary status on a submitted order.
func (p *Provider) SetOrderStatus(brokerOrderID string, status domain.OrderStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.snapshots[brokerOrderID]; ok {
		s.Status = status
	}
}

func (p *Provider) SubmitOrder(_ context.Context, order *orders.Order, _, _ *float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.SubmitErr != nil {
		return p.SubmitErr
	}

	id := uuid.NewString()
	order.BrokerOrderID = id
	order.Status = domain.OrderStatusAccepted
	// An accepted order has no executions yet; fills arrive via FillOrder.
	p.snapshots[id] = &broker.OrderSnapshot{
		BrokerOrderID: id,
		Symbol:        order.Symbol,
		Status:        domain.OrderStatusAccepted,
	}
	p.requested[id] = order.Quantity
	return nil
}

func (p *Provider) SetOrderTPSL(_ context.Context, _ *orders.Order, _, _ float64) (bool, error) {
	return p.SupportsBracket, nil
}

func (p *Provider) UpdateTPOrder(_ context.Context, order *orders.Order, newPrice float64) error {
	return p.updateOrderPrice(order)
}

func (p *Provider) UpdateSLOrder(_ context.Context, order *orders.Order, newPrice float64) error {
	return p.updateOrderPrice(order)
}

func (p *Provider) updateOrderPrice(order *orders.Order) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.UpdateErr != nil {
		return p.UpdateErr
	}
	if _, ok := p.snapshots[order.BrokerOrderID]; !ok {
		return domain.NotFoundErrorf("broker order %s", order.BrokerOrderID)
	}
	return nil
}

func (p *Provider) ReplaceWithStopLimit(ctx context.Context, existing *orders.Order, tp, sl float64) (*orders.Order, error) {
	p.mu.Lock()
	if s, ok := p.snapshots[existing.BrokerOrderID]; ok {
		s.Status = domain.OrderStatusCanceled
	}
	p.mu.Unlock()

	replacement := *existing
	replacement.LimitPrice = &tp
	replacement.StopPrice = &sl
	if err := p.SubmitOrder(ctx, &replacement, nil, nil); err != nil {
		return nil, err
	}
	return &replacement, nil
}

func (p *Provider) FetchPrices(_ context.Context, symbols []string, priceType domain.PriceType) (map[string]float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.FetchCalls++
	result := make(map[string]float64, len(symbols))
	for _, symbol := range symbols {
		if price, ok := p.prices[strings.ToUpper(symbol)]; ok {
			result[symbol] = price
		}
	}
	return result, nil
}

func (p *Provider) SymbolsExist(_ context.Context, symbols []string) (map[string]bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	result := make(map[string]bool, len(symbols))
	for _, symbol := range symbols {
		_, ok := p.prices[strings.ToUpper(symbol)]
		result[symbol] = ok
	}
	return result, nil
}

func (p *Provider) CancelOrder(_ context.Context, brokerOrderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.snapshots[brokerOrderID]
	if !ok {
		return domain.NotFoundErrorf("broker order %s", brokerOrderID)
	}
	if !s.Status.Terminal() {
		s.Status = domain.OrderStatusCanceled
	}
	return nil
}

func (p *Provider) GetOrder(_ context.Context, brokerOrderID string) (*broker.OrderSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.snapshots[brokerOrderID]
	if !ok {
		return nil, domain.NotFoundErrorf("broker order %s", brokerOrderID)
	}
	snapshot := *s
	return &snapshot, nil
}

func (p *Provider) GetOrders(_ context.Context) ([]broker.OrderSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	result := make([]broker.OrderSnapshot, 0, len(p.snapshots))
	for _, s := range p.snapshots {
		result = append(result, *s)
	}
	return result, nil
}

func (p *Provider) GetPositions(_ context.Context) ([]broker.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	result := make([]broker.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		result = append(result, pos)
	}
	return result, nil
}

func (p *Provider) GetAccountInfo(_ context.Context) (*broker.AccountInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	info := p.info
	return &info, nil
}

func (p *Provider) GetBalance(_ context.Context) (*float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cash := p.info.Cash
	return &cash, nil
}
