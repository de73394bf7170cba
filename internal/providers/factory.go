package providers

import (
	"fmt"
	"sort"
	"sync"

	"github.com/agentshell/agentshell/internal/config"
	"github.com/agentshell/agentshell/internal/observability"
)

// Factory builds adapters from config and caches one instance per provider
// name. Safe for concurrent use.
type Factory struct {
	mu      sync.Mutex
	cfg     map[string]config.ProviderConfig
	cache   map[string]Adapter
	metrics *observability.Metrics
	logger  *observability.Logger
}

// NewFactory creates a factory over the configured provider sections.
func NewFactory(cfg map[string]config.ProviderConfig, metrics *observability.Metrics, logger *observability.Logger) *Factory {
	return &Factory{
		cfg:     cfg,
		cache:   make(map[string]Adapter),
		metrics: metrics,
		logger:  logger,
	}
}

// Register installs a pre-built adapter under a name, taking precedence
// over config-driven construction. Used for custom adapters and test
// doubles.
func (f *Factory) Register(name string, adapter Adapter) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cache[name] = adapter
}

// Get returns the adapter for the named provider, constructing it on first
// use. Unknown or unconfigured names are errors.
func (f *Factory) Get(name string) (Adapter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if a, ok := f.cache[name]; ok {
		return a, nil
	}

	cfg, ok := f.cfg[name]
	if !ok {
		return nil, fmt.Errorf("provider %q is not configured", name)
	}

	var adapter Adapter
	switch name {
	case "openai":
		adapter = NewOpenAI(cfg, f.metrics, f.logger)
	case "anthropic":
		adapter = NewAnthropic(cfg, f.metrics, f.logger)
	case "groq":
		adapter = NewGroq(cfg, f.metrics, f.logger)
	default:
		return nil, fmt.Errorf("unknown provider %q (supported: anthropic, groq, openai)", name)
	}

	f.cache[name] = adapter
	return adapter, nil
}

// Names returns the configured provider names, sorted.
func (f *Factory) Names() []string {
	names := make([]string, 0, len(f.cfg))
	for name := range f.cfg {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CloseAll closes every constructed adapter and clears the cache.
func (f *Factory) CloseAll() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var firstErr error
	for name, a := range f.cache {
		if err := a.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close provider %s: %w", name, err)
		}
		delete(f.cache, name)
	}
	return firstErr
}
