package transport

import (
	"fmt"
	"sort"
	"sync"

	"routing-hub/internal/common/errors"
	"routing-hub/internal/config"
	"routing-hub/internal/crypto"
)

// Factory builds a transport instance from its free-form settings
type Factory interface {
	Type() string
	Create(name string, settings map[string]interface{}) (Transport, error)
}

// typedFactory decodes settings into the config type C before creating
type typedFactory[C Config] struct {
	typeName  string
	newConfig func() C
	creator   func(name string, config C) (Transport, error)
}

// NewFactory returns a factory for transports configured by C. newConfig
// returns a config holding the defaults that settings override.
func NewFactory[C Config](typeName string, newConfig func() C, creator func(name string, config C) (Transport, error)) Factory {
	return &typedFactory[C]{typeName: typeName, newConfig: newConfig, creator: creator}
}

func (f *typedFactory[C]) Type() string { return f.typeName }

func (f *typedFactory[C]) Create(name string, settings map[string]interface{}) (Transport, error) {
	cfg := f.newConfig()
	if err := config.DecodeSettings(settings, cfg); err != nil {
		return nil, errors.ConfigError(fmt.Sprintf("transport %q: %v", name, err))
	}
	return f.creator(name, cfg)
}

type Registry struct {
	factories map[string]Factory
	mu        sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

func (r *Registry) Register(factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[factory.Type()] = factory
}

// Create builds the transport described by spec. Sealed settings are opened
// with sealer, which may be nil when no setting is sealed.
func (r *Registry) Create(spec config.TransportSpec, sealer *crypto.Sealer) (Transport, error) {
	r.mu.RLock()
	factory, exists := r.factories[spec.Type]
	r.mu.RUnlock()

	if !exists {
		return nil, errors.ConfigError(fmt.Sprintf("transport type %s not registered", spec.Type))
	}

	settings := spec.Settings
	if crypto.ContainsSealed(settings) {
		if sealer == nil {
			return nil, errors.ConfigError(fmt.Sprintf("transport %q has sealed settings but ENCRYPTION_KEY is not set", spec.Name))
		}
		opened, err := sealer.OpenSettings(settings)
		if err != nil {
			return nil, err
		}
		settings = opened
	}

	return factory.Create(spec.Name, settings)
}

func (r *Registry) GetAvailableTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func (r *Registry) IsRegistered(transportType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.factories[transportType]
	return exists
}
