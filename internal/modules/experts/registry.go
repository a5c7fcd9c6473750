package experts

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/akrivos/helmsman/internal/domain"
	"github.com/akrivos/helmsman/internal/modules/accounts"
	"github.com/akrivos/helmsman/internal/modules/activity"
	"github.com/akrivos/helmsman/internal/modules/analysis"
)

// Expert is the contract every pluggable strategy class implements.
// RunAnalysis writes at minimum one recommendation and zero or more outputs
// through the repositories in its Env, and updates the analysis status.
type Expert interface {
	Description() string
	SettingsDefinitions() map[string]accounts.SettingDefinition
	Properties() Properties
	RunAnalysis(ctx context.Context, symbol string, ma *analysis.MarketAnalysis) error
	EnabledInstruments() ([]string, error)
	RecommendedInstruments() ([]string, error)
}

// Env is what a factory gets to build a bound expert for one instance.
type Env struct {
	Instance        Instance
	Settings        *accounts.SettingsRepository
	Analyses        *analysis.Repository
	Recommendations *analysis.RecommendationRepository
	LLMUsage        *activity.LLMUsageRepository
	Log             zerolog.Logger
}

// Factory builds an expert bound to one instance.
type Factory func(env Env) (Expert, error)

// Registry maps expert class tags to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty expert registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under a class tag, replacing any previous one.
func (r *Registry) Register(class string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[class] = factory
}

// Build constructs an expert for the instance's class tag.
func (r *Registry) Build(env Env) (Expert, error) {
	r.mu.RLock()
	factory, ok := r.factories[env.Instance.Class]
	r.mu.RUnlock()

	if !ok {
		return nil, domain.NotFoundErrorf("expert class %q is not registered", env.Instance.Class)
	}
	return factory(env)
}

// Classes lists the registered class tags, sorted.
func (r *Registry) Classes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	classes := make([]string, 0, len(r.factories))
	for class := range r.factories {
		classes = append(classes, class)
	}
	sort.Strings(classes)
	return classes
}
