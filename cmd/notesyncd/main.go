package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/notesync/internal/httpapi"
	"github.com/agentworkforce/notesync/internal/notesync"
)

func main() {
	addr := os.Getenv("NOTESYNC_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	cacheDSN, queueDSN, err := storageProfileDefaultsFromEnv()
	if err != nil {
		log.Fatalf("failed to resolve storage profile: %v", err)
	}
	if dsn := strings.TrimSpace(os.Getenv("NOTESYNC_CACHE_DSN")); dsn != "" {
		cacheDSN = dsn
	}
	if dsn := strings.TrimSpace(os.Getenv("NOTESYNC_QUEUE_DSN")); dsn != "" {
		queueDSN = dsn
	}

	remote, err := buildRemoteFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize remote store: %v", err)
	}

	engine, err := notesync.New(notesync.Options{
		DeviceID:          strings.TrimSpace(os.Getenv("NOTESYNC_DEVICE_ID")),
		CacheDSN:          cacheDSN,
		QueueDSN:          queueDSN,
		Remote:            remote,
		ProbeInterval:     durationEnv("NOTESYNC_PROBE_INTERVAL", 0),
		BaseRetryDelay:    durationEnv("NOTESYNC_BASE_RETRY_DELAY", 0),
		BackoffMultiplier: floatEnv("NOTESYNC_BACKOFF_MULTIPLIER", 0),
		MaxRetries:        intEnv("NOTESYNC_MAX_RETRIES", 0),
		AutosaveDelay:     durationEnv("NOTESYNC_AUTOSAVE_DELAY", 0),
		AutosaveHighDelay: durationEnv("NOTESYNC_AUTOSAVE_HIGH_DELAY", 0),
	})
	if err != nil {
		log.Fatalf("failed to initialize sync engine: %v", err)
	}
	defer engine.Close()

	server := httpapi.NewServerWithConfig(engine, httpapi.ServerConfig{
		AuthToken:    os.Getenv("NOTESYNC_AUTH_TOKEN"),
		MaxBodyBytes: int64Env("NOTESYNC_MAX_BODY_BYTES", 0),
	})

	log.Printf("notesyncd listening on %s", addr)
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func buildRemoteFromEnv() (notesync.RemoteStore, error) {
	baseURL := strings.TrimSpace(os.Getenv("NOTESYNC_REMOTE_URL"))
	if baseURL == "" {
		// Local profile: keep everything in process.
		return notesync.NewMemoryRemoteStore(), nil
	}
	token := strings.TrimSpace(os.Getenv("NOTESYNC_REMOTE_TOKEN"))
	var provider notesync.AccessTokenProvider
	if token != "" {
		provider = notesync.StaticTokenProvider(token)
	}
	return notesync.NewHTTPRemoteStore(notesync.HTTPRemoteStoreOptions{
		BaseURL:       baseURL,
		TokenProvider: provider,
		UserAgent:     "notesyncd",
	})
}

func storageProfileDefaultsFromEnv() (cacheDSN, queueDSN string, err error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("NOTESYNC_BACKEND_PROFILE")))
	dataDir := strings.TrimSpace(os.Getenv("NOTESYNC_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".notesync"
	}
	switch profile {
	case "", "custom":
		return "", "", nil
	case "memory", "inmemory":
		return "memory://", "memory://", nil
	case "durable-local", "local-durable":
		return "bolt://" + filepath.Join(dataDir, "cache.db"),
			"file://" + filepath.Join(dataDir, "queue.json"),
			nil
	case "production", "prod":
		productionDSN := strings.TrimSpace(os.Getenv("NOTESYNC_POSTGRES_DSN"))
		if productionDSN == "" {
			return "", "", fmt.Errorf("NOTESYNC_POSTGRES_DSN is required when NOTESYNC_BACKEND_PROFILE=%s", profile)
		}
		return productionDSN, productionDSN, nil
	default:
		return "", "", fmt.Errorf("unsupported NOTESYNC_BACKEND_PROFILE: %s", profile)
	}
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %g", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
