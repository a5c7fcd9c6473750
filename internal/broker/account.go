package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/akrivos/helmsman/internal/domain"
	"github.com/akrivos/helmsman/internal/modules/accounts"
	"github.com/akrivos/helmsman/internal/modules/activity"
	"github.com/akrivos/helmsman/internal/modules/experts"
	"github.com/akrivos/helmsman/internal/modules/orders"
	"github.com/akrivos/helmsman/internal/modules/settings"
)

// Deps bundles the repositories every Account needs. One Deps value is built
// at startup and shared by all accounts.
type Deps struct {
	Orders           *orders.OrderRepository
	Transactions     *orders.TransactionRepository
	Experts          *experts.Repository
	InstanceSettings *accounts.SettingsRepository
	Settings         *settings.Repository
	Activity         *activity.Repository
	PriceCache       *PriceCache
	Log              zerolog.Logger
}

// Account is the broker-facing state machine for one broker connection. It
// owns order submission with validation, the TP/SL lifecycle, refresh and
// transaction reconciliation. The concrete broker is behind Provider.
type Account struct {
	def      accounts.Account
	provider Provider
	deps     Deps
	log      zerolog.Logger
}

// NewAccount wires an account definition to its provider.
func NewAccount(def accounts.Account, provider Provider, deps Deps) *Account {
	return &Account{
		def:      def,
		provider: provider,
		deps:     deps,
		log: deps.Log.With().
			Str("component", "broker_account").
			Int64("account_id", def.ID).
			Str("provider", def.Provider).
			Logger(),
	}
}

// ID returns the account's database identifier.
func (a *Account) ID() int64 { return a.def.ID }

// Definition returns the account's definition row.
func (a *Account) Definition() accounts.Account { return a.def }

// GetBalance returns the account's cash balance, or nil when the broker does
// not report one.
func (a *Account) GetBalance(ctx context.Context) (*float64, error) {
	return a.provider.GetBalance(ctx)
}

// GetAccountInfo returns the broker's account-level summary.
func (a *Account) GetAccountInfo(ctx context.Context) (*AccountInfo, error) {
	return a.provider.GetAccountInfo(ctx)
}

// GetPositions returns the broker's open positions.
func (a *Account) GetPositions(ctx context.Context) ([]Position, error) {
	return a.provider.GetPositions(ctx)
}

// GetOrders returns the broker's order snapshots.
func (a *Account) GetOrders(ctx context.Context) ([]OrderSnapshot, error) {
	return a.provider.GetOrders(ctx)
}

// GetOrder returns one broker order snapshot.
func (a *Account) GetOrder(ctx context.Context, brokerOrderID string) (*OrderSnapshot, error) {
	return a.provider.GetOrder(ctx, brokerOrderID)
}

// SymbolsExist reports which of the given symbols the broker trades.
func (a *Account) SymbolsExist(ctx context.Context, symbols []string) (map[string]bool, error) {
	return a.provider.SymbolsExist(ctx, symbols)
}

// FilterSupportedSymbols keeps only the symbols the broker trades, preserving
// input order.
func (a *Account) FilterSupportedSymbols(ctx context.Context, symbols []string) ([]string, error) {
	exists, err := a.SymbolsExist(ctx, symbols)
	if err != nil {
		return nil, err
	}

	var supported []string
	for _, symbol := range symbols {
		if exists[symbol] {
			supported = append(supported, symbol)
		}
	}
	return supported, nil
}

// priceCacheTTL reads the cache lifetime from app settings on every call so a
// runtime settings change takes effect without restart.
func (a *Account) priceCacheTTL() time.Duration {
	seconds := a.deps.Settings.GetFloat(settings.KeyPriceCacheTime, 60)
	return time.Duration(seconds * float64(time.Second))
}

// GetInstrumentCurrentPrice returns the current price for one symbol, served
// from the process-wide cache when fresh.
func (a *Account) GetInstrumentCurrentPrice(ctx context.Context, symbol string, priceType domain.PriceType) (float64, error) {
	symbol = strings.ToUpper(symbol)

	return a.deps.PriceCache.Get(ctx, a.def.ID, symbol, priceType, a.priceCacheTTL(),
		func(ctx context.Context) (float64, error) {
			prices, err := a.provider.FetchPrices(ctx, []string{symbol}, priceType)
			if err != nil {
				return 0, err
			}
			price, ok := prices[symbol]
			if !ok {
				return 0, domain.NotFoundErrorf("price for %s", symbol)
			}
			return price, nil
		})
}

// GetInstrumentCurrentPrices is the bulk form: cache hits are merged with one
// provider call covering all misses.
func (a *Account) GetInstrumentCurrentPrices(ctx context.Context, symbols []string, priceType domain.PriceType) (map[string]float64, error) {
	upper := make([]string, len(symbols))
	for i, s := range symbols {
		upper[i] = strings.ToUpper(s)
	}

	return a.deps.PriceCache.GetBulk(ctx, a.def.ID, upper, priceType, a.priceCacheTTL(),
		func(ctx context.Context, misses []string) (map[string]float64, error) {
			return a.provider.FetchPrices(ctx, misses, priceType)
		})
}

// logActivity appends an account-scoped activity entry.
func (a *Account) logActivity(severity activity.Severity, entryType, description string, data map[string]interface{}, expertID *int64) {
	accountID := a.def.ID
	switch severity {
	case activity.SeverityError:
		a.deps.Activity.Error(entryType, description, data, &accountID, expertID)
	case activity.SeverityWarning:
		a.deps.Activity.Warn(entryType, description, data, &accountID, expertID)
	default:
		a.deps.Activity.Info(entryType, description, data, &accountID, expertID)
	}
}

// Manager owns the live accounts of the process, keyed by account ID.
type Manager struct {
	registry *ProviderRegistry
	accounts *accounts.Repository
	deps     Deps

	mu   sync.Mutex
	live map[int64]*Account
}

// NewManager creates an account manager over a provider registry.
func NewManager(registry *ProviderRegistry, accountRepo *accounts.Repository, deps Deps) *Manager {
	return &Manager{
		registry: registry,
		accounts: accountRepo,
		deps:     deps,
		live:     make(map[int64]*Account),
	}
}

// Get returns the live Account for an ID, building it on first use.
func (m *Manager) Get(id int64) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if acc, ok := m.live[id]; ok {
		return acc, nil
	}

	def, err := m.accounts.Get(id)
	if err != nil {
		return nil, err
	}

	provider, err := m.registry.Build(*def, m.deps.InstanceSettings, m.deps.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to build broker for account %d: %w", id, err)
	}

	acc := NewAccount(*def, provider, m.deps)
	m.live[id] = acc
	return acc, nil
}

// All returns a live Account for every stored definition.
func (m *Manager) All() ([]*Account, error) {
	defs, err := m.accounts.List()
	if err != nil {
		return nil, err
	}

	result := make([]*Account, 0, len(defs))
	for _, def := range defs {
		acc, err := m.Get(def.ID)
		if err != nil {
			return nil, err
		}
		result = append(result, acc)
	}
	return result, nil
}

// Evict drops a cached account so the next Get rebuilds it, e.g. after its
// settings changed.
func (m *Manager) Evict(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.live, id)
	m.deps.PriceCache.Invalidate(id)
}
