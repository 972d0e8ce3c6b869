// Package main provides the screentest experiment API service.
//
// This is the read-and-rate surface of the system: it serves experiment
// overviews, run details with quality metrics, blinded comparison tasks, and
// collects human ratings. Generation itself happens in the worker binary.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/screentest-io/screentest/internal/api"
	"github.com/screentest-io/screentest/internal/api/middleware"
	"github.com/screentest-io/screentest/internal/config"
	"github.com/screentest-io/screentest/internal/storage"
)

// ErrNoAPIKeys is returned when auth is enabled without any usable keys.
var ErrNoAPIKeys = errors.New("SCREENTEST_API_KEYS is empty while SCREENTEST_AUTH_ENABLED=true")

// Version information.
const (
	version = "0.1.0-dev"
	name    = "screentest"
)

// apiKeyEntryParts is the owner:key shape of one SCREENTEST_API_KEYS entry.
const apiKeyEntryParts = 2

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	serverConfig := api.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))

	logger.Info("Starting screentest API service",
		slog.String("service", name),
		slog.String("version", version),
	)

	logger.Info("Loaded server configuration",
		slog.String("host", serverConfig.Host),
		slog.Int("port", serverConfig.Port),
		slog.String("artifact_root", serverConfig.ArtifactRoot),
		slog.Duration("read_timeout", serverConfig.ReadTimeout),
		slog.Duration("write_timeout", serverConfig.WriteTimeout),
		slog.Duration("shutdown_timeout", serverConfig.ShutdownTimeout),
		slog.String("log_level", serverConfig.LogLevel.String()),
	)

	// Load rate limiter configuration
	middlewareConfig := middleware.LoadConfig()

	// Create rate limiter instance (graceful shutdown handled by server.shutdown())
	rateLimiter := middleware.NewInMemoryRateLimiter(middlewareConfig)

	logger.Info("Rate limiter initialized",
		slog.Int("global_rps", middlewareConfig.GlobalRPS),
		slog.Int("global_burst", middlewareConfig.GlobalBurst),
		slog.Int("caller_rps", middlewareConfig.CallerRPS),
		slog.Int("caller_burst", middlewareConfig.CallerBurst),
		slog.Int("unauth_rps", middlewareConfig.UnAuthRPS),
		slog.Int("unauth_burst", middlewareConfig.UnAuthBurst),
	)

	// Load storage configuration
	storageConfig := storage.LoadConfig()

	dbConn, err := storage.NewConnection(storageConfig)
	if err != nil {
		logger.Error("Failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer func() {
		_ = dbConn.Close() // Ensure connection closes on normal shutdown
	}()

	var keyStore storage.KeyStore

	authEnabled := config.GetEnvBool("SCREENTEST_AUTH_ENABLED", false)
	if authEnabled {
		keyStore, err = loadKeyStoreFromEnv()
		if err != nil {
			logger.Error("Failed to load API keys", slog.String("error", err.Error()))

			_ = dbConn.Close()
			//nolint:gocritic // Explicit cleanup before os.Exit is intentional (defer won't run)
			os.Exit(1)
		}

		logger.Info("Rating authentication enabled")
	} else {
		logger.Warn("Rating authentication disabled",
			slog.String("security", "Only use in trusted networks (localhost, VPN, internal)"),
			slog.String("note", "Set SCREENTEST_AUTH_ENABLED=true to enable API key authentication"),
		)
	}

	experimentStore, err := storage.NewExperimentStore(dbConn)
	if err != nil {
		logger.Error("Failed to create experiment store", slog.String("error", err.Error()))
		// Close database connection before exit (defer won't run with os.Exit)
		_ = dbConn.Close()
		// Fail-fast: every endpoint reads or writes through the store, so the
		// server cannot start without it.
		os.Exit(1)
	}

	logger.Info("Experiment store initialized",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
		slog.Int("database_max_open_conns", storageConfig.MaxOpenConns),
		slog.Int("database_max_idle_conns", storageConfig.MaxIdleConns),
		slog.Duration("database_conn_max_lifetime", storageConfig.ConnMaxLifetime),
		slog.Duration("database_conn_max_idle_time", storageConfig.ConnMaxIdleTime),
	)

	server := api.NewServer(serverConfig, experimentStore, keyStore, rateLimiter)

	if err := server.Start(); err != nil {
		logger.Error("Server failed to start",
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	logger.Info("Screentest API service stopped")
}

// loadKeyStoreFromEnv seeds an in-memory key store from SCREENTEST_API_KEYS,
// a comma-separated list of owner:key entries where each key is in the
// screentest_ak_ format. Enabling auth with no usable keys would lock every
// writer out, so that is an error rather than a warning.
func loadKeyStoreFromEnv() (storage.KeyStore, error) {
	raw := config.GetEnvStr("SCREENTEST_API_KEYS", "")
	if strings.TrimSpace(raw) == "" {
		return nil, ErrNoAPIKeys
	}

	keyStore := storage.NewInMemoryKeyStore()
	now := time.Now()

	for i, entry := range config.ParseCommaSeparatedList(raw) {
		parts := strings.SplitN(entry, ":", apiKeyEntryParts)
		if len(parts) != apiKeyEntryParts || strings.TrimSpace(parts[0]) == "" {
			return nil, fmt.Errorf("SCREENTEST_API_KEYS entry %d is not in owner:key form", i+1)
		}

		owner := strings.TrimSpace(parts[0])

		key, err := storage.ParseAPIKey(strings.TrimSpace(parts[1]))
		if err != nil {
			return nil, fmt.Errorf("SCREENTEST_API_KEYS entry %d for owner %q: %w", i+1, owner, err)
		}

		err = keyStore.Add(&storage.Key{
			ID:        fmt.Sprintf("env-%d", i+1),
			Key:       key,
			Owner:     owner,
			Name:      owner,
			CreatedAt: now,
			Active:    true,
		})
		if err != nil {
			return nil, fmt.Errorf("SCREENTEST_API_KEYS entry %d for owner %q: %w", i+1, owner, err)
		}
	}

	return keyStore, nil
}
