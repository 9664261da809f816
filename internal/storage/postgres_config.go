package storage

import "time"

const defaultPostgresOperationTimeout = 5 * time.Second

// PostgresConfig describes how the repository initialises its Postgres
// connection pool.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	ConnectTimeout      time.Duration
	OperationTimeout    time.Duration
	ApplicationName     string
}

// PostgresOption mutates the Postgres repository configuration.
type PostgresOption func(*PostgresConfig)

// WithPoolLimits bounds the connection pool size.
func WithPoolLimits(min, max int32) PostgresOption {
	return func(cfg *PostgresConfig) {
		if min >= 0 {
			cfg.MinConnections = min
		}
		if max > 0 {
			cfg.MaxConnections = max
		}
	}
}

// WithOperationTimeout caps how long a single repository call may hold a
// connection before it is abandoned.
func WithOperationTimeout(timeout time.Duration) PostgresOption {
	return func(cfg *PostgresConfig) {
		if timeout > 0 {
			cfg.OperationTimeout = timeout
		}
	}
}

// WithApplicationName labels pool connections for server-side diagnostics.
func WithApplicationName(name string) PostgresOption {
	return func(cfg *PostgresConfig) {
		cfg.ApplicationName = name
	}
}

func newPostgresConfig(dsn string, opts ...PostgresOption) PostgresConfig {
	cfg := PostgresConfig{
		DSN:              dsn,
		OperationTimeout: defaultPostgresOperationTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = defaultPostgresOperationTimeout
	}
	return cfg
}
