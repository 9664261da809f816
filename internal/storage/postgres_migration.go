package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"streamhub/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// The partial unique index on live sessions is the row-level backstop for the
// one-live-session-per-account rule; the is_live compare-and-set in BeginLive
// is the fast path that normally keeps the index from ever firing.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
	id TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	email TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL DEFAULT '',
	broadcaster BOOLEAN NOT NULL DEFAULT FALSE,
	broadcast_credential TEXT,
	is_live BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS accounts_broadcast_credential_unique
	ON accounts (broadcast_credential) WHERE broadcast_credential IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL REFERENCES accounts (id) ON DELETE CASCADE,
	credential_snapshot TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL,
	state TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	ended_at TIMESTAMPTZ
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS sessions_live_unique
	ON sessions (account_id) WHERE state = 'live'`,
	`CREATE INDEX IF NOT EXISTS sessions_account_started
	ON sessions (account_id, started_at DESC)`,
	`CREATE TABLE IF NOT EXISTS auth_sessions (
	token TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	absolute_expires_at TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS auth_sessions_expires ON auth_sessions (expires_at)`,
}

// EnsureSchema applies the schema to the target database. Statements are
// idempotent, so running it on every boot is safe.
func EnsureSchema(ctx context.Context, dsn string) error {
	if strings.TrimSpace(dsn) == "" {
		return fmt.Errorf("postgres dsn required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("open postgres pool: %w", err)
	}
	defer pool.Close()

	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// ImportSnapshot bulk-loads a dataset exported from the JSON store. Existing
// rows win on conflict, so re-running a migration cannot clobber newer data.
func (r *postgresRepository) ImportSnapshot(ctx context.Context, snapshot *Snapshot) error {
	if snapshot == nil {
		return nil
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return storeUnavailable(err)
	}
	defer rollbackTx(ctx, tx)

	if err := importSnapshotAccounts(ctx, tx, snapshot.Accounts); err != nil {
		return err
	}
	if err := importSnapshotSessions(ctx, tx, snapshot.Sessions); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return storeUnavailable(err)
	}
	return nil
}

func importSnapshotAccounts(ctx context.Context, tx pgx.Tx, accounts map[string]models.Account) error {
	ids := make([]string, 0, len(accounts))
	for id := range accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, key := range ids {
		account := accounts[key]
		id := strings.TrimSpace(account.ID)
		if id == "" {
			id = key
		}
		createdAt := account.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		} else {
			createdAt = createdAt.UTC()
		}
		var credential any
		if strings.TrimSpace(account.BroadcastCredential) != "" {
			credential = strings.TrimSpace(account.BroadcastCredential)
		}
		_, err := tx.Exec(ctx, `
INSERT INTO accounts (id, display_name, email, password_hash, broadcaster, broadcast_credential, is_live, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO NOTHING`,
			id, strings.TrimSpace(account.DisplayName), strings.TrimSpace(account.Email),
			account.PasswordHash, account.Broadcaster, credential, account.IsLive, createdAt)
		if err != nil {
			return fmt.Errorf("insert account %s: %w", id, err)
		}
	}
	return nil
}

func importSnapshotSessions(ctx context.Context, tx pgx.Tx, sessions map[string]models.Session) error {
	ids := make([]string, 0, len(sessions))
	for id := range sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, key := range ids {
		session := sessions[key]
		id := strings.TrimSpace(session.ID)
		if id == "" {
			id = key
		}
		startedAt := session.StartedAt
		if startedAt.IsZero() {
			startedAt = time.Now().UTC()
		} else {
			startedAt = startedAt.UTC()
		}
		var endedAt any
		if session.EndedAt != nil && !session.EndedAt.IsZero() {
			endedAt = session.EndedAt.UTC()
		}
		_, err := tx.Exec(ctx, `
INSERT INTO sessions (id, account_id, credential_snapshot, title, state, started_at, ended_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO NOTHING`,
			id, strings.TrimSpace(session.AccountID), session.CredentialSnapshot,
			strings.TrimSpace(session.Title), strings.TrimSpace(session.State), startedAt, endedAt)
		if err != nil {
			return fmt.Errorf("insert session %s: %w", id, err)
		}
	}
	return nil
}
