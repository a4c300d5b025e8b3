package notes

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type EntityStoreFactory func(dsn string) (EntityStore, error)

var entityStoreRegistry = struct {
	mu        sync.RWMutex
	factories map[string]EntityStoreFactory
}{
	factories: map[string]EntityStoreFactory{},
}

// RegisterEntityStoreFactory lets an embedding program add a backend for a
// DSN scheme. Registered factories take precedence over the built-in ones.
func RegisterEntityStoreFactory(scheme string, factory EntityStoreFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	entityStoreRegistry.mu.Lock()
	defer entityStoreRegistry.mu.Unlock()
	entityStoreRegistry.factories[scheme] = factory
}

func lookupEntityStoreFactory(scheme string) (EntityStoreFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	entityStoreRegistry.mu.RLock()
	defer entityStoreRegistry.mu.RUnlock()
	factory, ok := entityStoreRegistry.factories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// BuildEntityStoreFromDSN returns an in-memory store for an empty DSN.
func BuildEntityStoreFromDSN(dsn string) (EntityStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryStore(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupEntityStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryStore(), nil
	case "postgres", "postgresql":
		return NewPostgresStore(dsn)
	case "mysql", "sqlite", "file", "":
		return nil, fmt.Errorf("%w: entity store backend %q", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported entity store scheme: %s", scheme)
	}
}
