package notesync

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildCacheBackendFromDSN resolves a cache backend from a DSN. A bare path or
// file:// DSN selects the JSON file backend; memory://, bolt:// and
// postgres:// select the matching built-ins. Registered factories win over the
// built-in schemes.
func BuildCacheBackendFromDSN(dsn string) (CacheBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupCacheBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileCacheBackend(path)
	case "memory", "mem", "inmem":
		return NewMemoryCacheBackend(), nil
	case "bolt", "bbolt":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewBoltCacheBackend(path)
	case "postgres", "postgresql":
		return NewPostgresCacheBackend(dsn)
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: cache backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported cache backend scheme: %s", scheme)
	}
}

// BuildQueueBackendFromDSN resolves a queue backend from a DSN using the same
// scheme set as the cache factory.
func BuildQueueBackendFromDSN(dsn string) (QueueBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupQueueBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileQueueBackend(path)
	case "memory", "mem", "inmem":
		return NewMemoryQueueBackend(), nil
	case "bolt", "bbolt":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewBoltQueueBackend(path)
	case "postgres", "postgresql":
		return NewPostgresQueueBackend(dsn)
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: queue backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported queue backend scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
