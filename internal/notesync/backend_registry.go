package notesync

import (
	"strings"
	"sync"
)

type CacheBackendFactory func(dsn string) (CacheBackend, error)
type QueueBackendFactory func(dsn string) (QueueBackend, error)

var backendFactoryRegistry = struct {
	mu             sync.RWMutex
	cacheFactories map[string]CacheBackendFactory
	queueFactories map[string]QueueBackendFactory
}{
	cacheFactories: map[string]CacheBackendFactory{},
	queueFactories: map[string]QueueBackendFactory{},
}

// RegisterCacheBackendFactory lets embedders plug in additional cache backend
// schemes. Registered schemes take precedence over the built-in set.
func RegisterCacheBackendFactory(scheme string, factory CacheBackendFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.cacheFactories[scheme] = factory
}

func RegisterQueueBackendFactory(scheme string, factory QueueBackendFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.queueFactories[scheme] = factory
}

func lookupCacheBackendFactory(scheme string) (CacheBackendFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.cacheFactories[scheme]
	return factory, ok
}

func lookupQueueBackendFactory(scheme string) (QueueBackendFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.queueFactories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
