// Command migrate-json-to-postgres copies a JSON datastore into Postgres.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"streamhub/internal/storage"
)

func main() {
	jsonPath := flag.String("json", "data/streamhub.json", "path to the JSON datastore to migrate")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	dsn := strings.TrimSpace(*postgresDSN)
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("STREAMHUB_POSTGRES_DSN"))
	}
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	}
	if dsn == "" {
		logger.Error("postgres DSN required", "hint", "set --postgres-dsn, STREAMHUB_POSTGRES_DSN, or DATABASE_URL")
		os.Exit(1)
	}

	store, err := storage.NewStorage(*jsonPath)
	if err != nil {
		logger.Error("failed to open JSON datastore", "error", err)
		os.Exit(1)
	}
	snapshot := store.Snapshot()
	logger.Info("loaded JSON snapshot", "path", *jsonPath, "accounts", len(snapshot.Accounts), "sessions", len(snapshot.Sessions))

	ctx := context.Background()
	if err := storage.EnsureSchema(ctx, dsn); err != nil {
		logger.Error("failed to ensure schema", "error", err)
		os.Exit(1)
	}

	repo, err := storage.NewPostgresRepository(dsn)
	if err != nil {
		logger.Error("failed to open postgres repository", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closer, ok := repo.(storage.Closer); ok {
			_ = closer.Close(context.Background())
		}
	}()

	importer, ok := repo.(storage.SnapshotImporter)
	if !ok {
		logger.Error("postgres repository does not support snapshot import")
		os.Exit(1)
	}
	if err := importer.ImportSnapshot(ctx, snapshot); err != nil {
		logger.Error("failed to import snapshot", "error", err)
		os.Exit(1)
	}

	if err := verifyCounts(ctx, dsn, snapshot); err != nil {
		logger.Error("verification failed", "error", err)
		os.Exit(1)
	}

	logger.Info("migration completed", "accounts", len(snapshot.Accounts), "sessions", len(snapshot.Sessions))
}

// verifyCounts opens a fresh connection and compares row counts against the
// snapshot. Import skips rows that already exist, so actual counts may exceed
// the snapshot but never fall short.
func verifyCounts(ctx context.Context, dsn string, snapshot *storage.Snapshot) error {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return fmt.Errorf("parse verification config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open verification connection: %w", err)
	}
	defer pool.Close()

	checks := []struct {
		name     string
		query    string
		expected int
	}{
		{"accounts", "SELECT COUNT(*) FROM accounts", len(snapshot.Accounts)},
		{"sessions", "SELECT COUNT(*) FROM sessions", len(snapshot.Sessions)},
	}

	for _, check := range checks {
		var actual int
		if err := pool.QueryRow(ctx, check.query).Scan(&actual); err != nil {
			return fmt.Errorf("query %s: %w", check.name, err)
		}
		if actual < check.expected {
			return fmt.Errorf("mismatch for %s: expected at least %d, got %d", check.name, check.expected, actual)
		}
	}
	return nil
}
