package knowledge

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"routing-hub/internal/common/errors"
)

// Backend names accepted by KNOWLEDGE_BACKEND
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config carries the settings of every backend; each factory reads its own
type Config struct {
	Backend        string
	DatabasePath   string
	DatabaseURL    string
	Redis          RedisConfig
	MemoryCapacity int
}

// Factory opens a store from config
type Factory func(ctx context.Context, config Config) (Store, error)

type Registry struct {
	factories map[string]Factory
	mu        sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

func (r *Registry) Register(backend string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[backend] = factory
}

func (r *Registry) Create(ctx context.Context, config Config) (Store, error) {
	r.mu.RLock()
	factory, exists := r.factories[config.Backend]
	r.mu.RUnlock()

	if !exists {
		return nil, errors.ConfigError(fmt.Sprintf("knowledge backend %s not registered", config.Backend))
	}

	return factory(ctx, config)
}

func (r *Registry) GetAvailableTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.factories))
	for backend := range r.factories {
		types = append(types, backend)
	}
	sort.Strings(types)
	return types
}

var DefaultRegistry = NewRegistry()

func init() {
	DefaultRegistry.Register(BackendMemory, func(ctx context.Context, config Config) (Store, error) {
		return NewMemoryStore(config.MemoryCapacity), nil
	})
	DefaultRegistry.Register(BackendSQLite, func(ctx context.Context, config Config) (Store, error) {
		return NewSQLiteStore(ctx, config.DatabasePath)
	})
	DefaultRegistry.Register(BackendPostgres, func(ctx context.Context, config Config) (Store, error) {
		return NewPostgresStore(ctx, config.DatabaseURL)
	})
	DefaultRegistry.Register(BackendRedis, func(ctx context.Context, config Config) (Store, error) {
		redisConfig := config.Redis
		return NewRedisStore(ctx, &redisConfig)
	})
}

// Open creates a store through the default registry
func Open(ctx context.Context, config Config) (Store, error) {
	return DefaultRegistry.Create(ctx, config)
}
