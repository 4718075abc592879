package provider

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/vuhlp/vuhlp/internal/common/config"
	"github.com/vuhlp/vuhlp/internal/common/logger"
)

// Registry holds the configured provider adapters keyed by provider name.
// Names are configuration keys; several names can share one adapter kind.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	logger   *logger.Logger
}

// NewRegistry builds adapters for every configured provider. Unknown kinds
// are skipped with a warning so a bad entry does not take the daemon down.
func NewRegistry(providers map[string]config.ProviderConfig, log *logger.Logger) *Registry {
	r := &Registry{
		adapters: make(map[string]Adapter),
		logger:   log.WithFields(zap.String("component", "provider-registry")),
	}
	for name, cfg := range providers {
		adapter := buildAdapter(cfg, log)
		if adapter == nil {
			r.logger.Warn("skipping provider with unknown kind",
				zap.String("provider", name), zap.String("kind", cfg.Kind))
			continue
		}
		r.adapters[name] = adapter
		r.logger.Info("registered provider",
			zap.String("provider", name), zap.String("kind", cfg.Kind))
	}
	return r
}

func buildAdapter(cfg config.ProviderConfig, log *logger.Logger) Adapter {
	switch cfg.Kind {
	case "claude":
		return NewClaudeAdapter(cfg, log)
	case "codex":
		return NewCodexAdapter(cfg, log)
	case "gemini":
		return NewGeminiAdapter(cfg, log)
	case "copilot":
		return NewCopilotAdapter(cfg, log)
	default:
		return nil
	}
}

// Register adds or replaces an adapter under the given name. Used for
// adapters constructed outside the configuration path, such as the mock.
func (r *Registry) Register(name string, adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[name] = adapter
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, name)
	}
	return adapter, nil
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
