// Command server runs the streamhub control plane: the HTTP API, the
// ingestion hook endpoint, and the background session purger.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"streamhub/internal/api"
	"streamhub/internal/auth"
	"streamhub/internal/ingest"
	"streamhub/internal/lifecycle"
	"streamhub/internal/observability/logging"
	"streamhub/internal/observability/metrics"
	"streamhub/internal/server"
	"streamhub/internal/serverutil"
	"streamhub/internal/storage"
)

const (
	defaultAddr          = ":8080"
	defaultDataPath      = "data/streamhub.json"
	defaultSessionTTL    = 24 * time.Hour
	defaultPurgeInterval = time.Hour
)

func main() {
	envFile := flag.String("env-file", "", "path to an env file loaded before flag resolution (defaults to .env when present)")

	addr := flag.String("addr", "", "listen address (env STREAMHUB_ADDR, default \":8080\")")
	storageDriver := flag.String("storage-driver", "", "storage backend: json or postgres (env STREAMHUB_STORAGE_DRIVER)")
	dataPath := flag.String("data", "", "path to the JSON datastore (env STREAMHUB_DATA_PATH)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string (env STREAMHUB_POSTGRES_DSN)")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum pooled Postgres connections (env STREAMHUB_POSTGRES_MIN_CONNS)")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum pooled Postgres connections (env STREAMHUB_POSTGRES_MAX_CONNS)")
	postgresOpTimeout := flag.Duration("postgres-op-timeout", 0, "per-operation Postgres timeout (env STREAMHUB_POSTGRES_OP_TIMEOUT)")

	sessionStore := flag.String("session-store", "", "session store backend: memory, postgres, or redis (env STREAMHUB_SESSION_STORE)")
	sessionPostgresDSN := flag.String("session-postgres-dsn", "", "Postgres DSN for sessions, defaults to -postgres-dsn (env STREAMHUB_SESSION_POSTGRES_DSN)")
	sessionRedisAddr := flag.String("session-redis-addr", "", "Redis address for sessions (env STREAMHUB_SESSION_REDIS_ADDR)")
	sessionRedisPassword := flag.String("session-redis-password", "", "Redis password for sessions (env STREAMHUB_SESSION_REDIS_PASSWORD)")
	sessionRedisDB := flag.Int("session-redis-db", 0, "Redis database for sessions (env STREAMHUB_SESSION_REDIS_DB)")
	sessionTTL := flag.Duration("session-ttl", 0, "absolute session lifetime (env STREAMHUB_SESSION_TTL, default 24h)")
	sessionIdleTimeout := flag.Duration("session-idle-timeout", 0, "idle session timeout, zero disables (env STREAMHUB_SESSION_IDLE_TIMEOUT)")
	sessionPurgeInterval := flag.Duration("session-purge-interval", 0, "interval between expired-session sweeps (env STREAMHUB_SESSION_PURGE_INTERVAL, default 1h)")

	hookToken := flag.String("hook-token", "", "bearer token the ingestion engine must present on hook callbacks (env STREAMHUB_HOOK_TOKEN)")
	allowSelfSignup := flag.String("allow-self-signup", "", "allow unauthenticated account creation (env STREAMHUB_ALLOW_SELF_SIGNUP, default true)")
	cookieSecureAlways := flag.String("cookie-secure-always", "", "always mark session cookies Secure instead of auto-detecting TLS (env STREAMHUB_COOKIE_SECURE_ALWAYS)")

	tlsCert := flag.String("tls-cert", "", "TLS certificate file (env STREAMHUB_TLS_CERT)")
	tlsKey := flag.String("tls-key", "", "TLS key file (env STREAMHUB_TLS_KEY)")

	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit per second, zero disables (env STREAMHUB_RATE_GLOBAL_RPS)")
	globalBurst := flag.Int("rate-global-burst", 0, "global request burst size (env STREAMHUB_RATE_GLOBAL_BURST)")
	loginLimit := flag.Int("login-rate-limit", 0, "login attempts allowed per source per window, zero disables (env STREAMHUB_LOGIN_RATE_LIMIT)")
	loginWindow := flag.Duration("login-rate-window", 0, "login rate limit window (env STREAMHUB_LOGIN_RATE_WINDOW)")
	rateRedisAddr := flag.String("rate-redis-addr", "", "Redis address for distributed login throttling (env STREAMHUB_RATE_REDIS_ADDR)")
	rateRedisPassword := flag.String("rate-redis-password", "", "Redis password for login throttling (env STREAMHUB_RATE_REDIS_PASSWORD)")

	corsOrigins := flag.String("cors-origins", "", "comma-separated list of allowed CORS origins (env STREAMHUB_CORS_ORIGINS)")

	logLevel := flag.String("log-level", "", "log level: debug, info, warn, or error (env STREAMHUB_LOG_LEVEL)")
	logFormat := flag.String("log-format", "", "log format: json or text (env STREAMHUB_LOG_FORMAT)")

	shutdownTimeout := flag.Duration("shutdown-timeout", 0, "graceful shutdown deadline (env STREAMHUB_SHUTDOWN_TIMEOUT, default 10s)")

	flag.Parse()

	loadEnvFile(*envFile)

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("STREAMHUB_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("STREAMHUB_LOG_FORMAT")),
	})

	store, err := openStore(storeOptions{
		driver:    resolveStorageDriver(*storageDriver),
		dataPath:  firstNonEmpty(*dataPath, os.Getenv("STREAMHUB_DATA_PATH"), defaultDataPath),
		dsn:       firstNonEmpty(*postgresDSN, os.Getenv("STREAMHUB_POSTGRES_DSN")),
		minConns:  resolveInt(*postgresMinConns, "STREAMHUB_POSTGRES_MIN_CONNS", 0),
		maxConns:  resolveInt(*postgresMaxConns, "STREAMHUB_POSTGRES_MAX_CONNS", 0),
		opTimeout: resolveDuration(*postgresOpTimeout, "STREAMHUB_POSTGRES_OP_TIMEOUT", 0),
	})
	if err != nil {
		logger.Error("open datastore", "error", err)
		os.Exit(1)
	}
	defer closeStore(store, logger)

	sessionBackend, err := openSessionStore(sessionStoreOptions{
		backend:       resolveSessionBackend(*sessionStore),
		postgresDSN:   firstNonEmpty(*sessionPostgresDSN, os.Getenv("STREAMHUB_SESSION_POSTGRES_DSN"), *postgresDSN, os.Getenv("STREAMHUB_POSTGRES_DSN")),
		redisAddr:     firstNonEmpty(*sessionRedisAddr, os.Getenv("STREAMHUB_SESSION_REDIS_ADDR")),
		redisPassword: firstNonEmpty(*sessionRedisPassword, os.Getenv("STREAMHUB_SESSION_REDIS_PASSWORD")),
		redisDB:       resolveInt(*sessionRedisDB, "STREAMHUB_SESSION_REDIS_DB", 0),
	})
	if err != nil {
		logger.Error("open session store", "error", err)
		os.Exit(1)
	}
	defer closeSessionStore(sessionBackend, logger)

	sessionOpts := []auth.SessionOption{}
	if sessionBackend != nil {
		sessionOpts = append(sessionOpts, auth.WithStore(sessionBackend))
	}
	if idle := resolveDuration(*sessionIdleTimeout, "STREAMHUB_SESSION_IDLE_TIMEOUT", 0); idle > 0 {
		sessionOpts = append(sessionOpts, auth.WithIdleTimeout(idle))
	}
	sessions := auth.NewSessionManager(
		resolveDuration(*sessionTTL, "STREAMHUB_SESSION_TTL", defaultSessionTTL),
		sessionOpts...,
	)

	recorder := metrics.NewRecorder()
	coordinator := lifecycle.New(store, logging.WithComponent(logger, "lifecycle"))
	coordinator.Recorder = recorder

	handler := api.NewHandler(store, coordinator, sessions)
	handler.Logger = logging.WithComponent(logger, "api")
	handler.AllowSelfSignup = resolveBool(*allowSelfSignup, "STREAMHUB_ALLOW_SELF_SIGNUP", true)
	if resolveBool(*cookieSecureAlways, "STREAMHUB_COOKIE_SECURE_ALWAYS", false) {
		handler.SessionCookiePolicy = api.SessionCookiePolicy{
			SameSite:   api.DefaultSessionCookiePolicy().SameSite,
			SecureMode: api.SessionCookieSecureAlways,
		}
	}

	var hook *ingest.HookHandler
	if token := firstNonEmpty(*hookToken, os.Getenv("STREAMHUB_HOOK_TOKEN")); token != "" {
		hook = ingest.NewHookHandler(coordinator, token, logging.WithComponent(logger, "ingest"))
		hook.Recorder = recorder
	} else {
		logger.Warn("ingest hook token not configured; hook endpoint disabled")
	}

	srv, err := server.New(handler, hook, server.Config{
		Addr: firstNonEmpty(*addr, os.Getenv("STREAMHUB_ADDR"), defaultAddr),
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("STREAMHUB_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("STREAMHUB_TLS_KEY")),
		},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:     resolveFloat(*globalRPS, "STREAMHUB_RATE_GLOBAL_RPS", 0),
			GlobalBurst:   resolveInt(*globalBurst, "STREAMHUB_RATE_GLOBAL_BURST", 0),
			LoginLimit:    resolveInt(*loginLimit, "STREAMHUB_LOGIN_RATE_LIMIT", 0),
			LoginWindow:   resolveDuration(*loginWindow, "STREAMHUB_LOGIN_RATE_WINDOW", time.Minute),
			RedisAddr:     firstNonEmpty(*rateRedisAddr, os.Getenv("STREAMHUB_RATE_REDIS_ADDR")),
			RedisPassword: firstNonEmpty(*rateRedisPassword, os.Getenv("STREAMHUB_RATE_REDIS_PASSWORD")),
		},
		CORS: server.CORSConfig{
			AllowedOrigins: splitAndTrim(firstNonEmpty(*corsOrigins, os.Getenv("STREAMHUB_CORS_ORIGINS"))),
		},
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		logger.Error("configure server", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return serverutil.Run(groupCtx, serverutil.Config{
			Server:          srv,
			ShutdownTimeout: resolveDuration(*shutdownTimeout, "STREAMHUB_SHUTDOWN_TIMEOUT", serverutil.DefaultShutdownTimeout),
		})
	})
	group.Go(func() error {
		interval := resolveDuration(*sessionPurgeInterval, "STREAMHUB_SESSION_PURGE_INTERVAL", defaultPurgeInterval)
		return runSessionPurger(groupCtx, logging.WithComponent(logger, "sessions"), sessions, interval, newTimeTicker)
	})

	logger.Info("server starting", "addr", firstNonEmpty(*addr, os.Getenv("STREAMHUB_ADDR"), defaultAddr))
	if err := group.Wait(); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

type storeOptions struct {
	driver    string
	dataPath  string
	dsn       string
	minConns  int
	maxConns  int
	opTimeout time.Duration
}

func openStore(opts storeOptions) (storage.Repository, error) {
	switch opts.driver {
	case "json":
		return storage.NewStorage(opts.dataPath)
	case "postgres":
		if opts.dsn == "" {
			return nil, errors.New("postgres storage requires -postgres-dsn or STREAMHUB_POSTGRES_DSN")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := storage.EnsureSchema(ctx, opts.dsn); err != nil {
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		pgOpts := []storage.PostgresOption{storage.WithApplicationName("streamhub")}
		if opts.minConns > 0 || opts.maxConns > 0 {
			pgOpts = append(pgOpts, storage.WithPoolLimits(int32(opts.minConns), int32(opts.maxConns)))
		}
		if opts.opTimeout > 0 {
			pgOpts = append(pgOpts, storage.WithOperationTimeout(opts.opTimeout))
		}
		return storage.NewPostgresRepository(opts.dsn, pgOpts...)
	default:
		return nil, fmt.Errorf("unknown storage driver %q (expected json or postgres)", opts.driver)
	}
}

type sessionStoreOptions struct {
	backend       string
	postgresDSN   string
	redisAddr     string
	redisPassword string
	redisDB       int
}

// openSessionStore returns nil for the memory backend; the session manager
// supplies its own in-process store in that case.
func openSessionStore(opts sessionStoreOptions) (auth.SessionStore, error) {
	switch opts.backend {
	case "memory":
		return nil, nil
	case "postgres":
		if opts.postgresDSN == "" {
			return nil, errors.New("postgres session store requires -session-postgres-dsn or STREAMHUB_SESSION_POSTGRES_DSN")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := storage.EnsureSchema(ctx, opts.postgresDSN); err != nil {
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		return auth.NewPostgresSessionStore(opts.postgresDSN)
	case "redis":
		if opts.redisAddr == "" {
			return nil, errors.New("redis session store requires -session-redis-addr or STREAMHUB_SESSION_REDIS_ADDR")
		}
		return auth.NewRedisSessionStore(auth.RedisSessionConfig{
			Addr:     opts.redisAddr,
			Password: opts.redisPassword,
			DB:       opts.redisDB,
		})
	default:
		return nil, fmt.Errorf("unknown session store %q (expected memory, postgres, or redis)", opts.backend)
	}
}

func closeStore(store storage.Repository, logger interface{ Warn(string, ...any) }) {
	closer, ok := store.(storage.Closer)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := closer.Close(ctx); err != nil {
		logger.Warn("close datastore", "error", err)
	}
}

func closeSessionStore(store auth.SessionStore, logger interface{ Warn(string, ...any) }) {
	closer, ok := store.(interface{ Close() error })
	if !ok {
		return
	}
	if err := closer.Close(); err != nil {
		logger.Warn("close session store", "error", err)
	}
}

func loadEnvFile(path string) {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			fmt.Fprintf(os.Stderr, "load env file %s: %v\n", path, err)
			os.Exit(1)
		}
		return
	}
	// A missing default .env is fine.
	_ = godotenv.Load()
}

func resolveStorageDriver(flagValue string) string {
	driver := firstNonEmpty(flagValue, os.Getenv("STREAMHUB_STORAGE_DRIVER"), "json")
	return strings.ToLower(strings.TrimSpace(driver))
}

func resolveSessionBackend(flagValue string) string {
	backend := firstNonEmpty(flagValue, os.Getenv("STREAMHUB_SESSION_STORE"), "memory")
	return strings.ToLower(strings.TrimSpace(backend))
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func resolveInt(flagValue int, envKey string, fallback int) int {
	if flagValue != 0 {
		return flagValue
	}
	if raw := strings.TrimSpace(os.Getenv(envKey)); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			return parsed
		}
	}
	return fallback
}

func resolveFloat(flagValue float64, envKey string, fallback float64) float64 {
	if flagValue != 0 {
		return flagValue
	}
	if raw := strings.TrimSpace(os.Getenv(envKey)); raw != "" {
		if parsed, err := strconv.ParseFloat(raw, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue != 0 {
		return flagValue
	}
	if raw := strings.TrimSpace(os.Getenv(envKey)); raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil {
			return parsed
		}
	}
	return fallback
}

func resolveBool(flagValue string, envKey string, fallback bool) bool {
	raw := firstNonEmpty(flagValue, os.Getenv(envKey))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
