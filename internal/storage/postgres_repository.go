package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"streamhub/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	accountColumns = "id, display_name, email, password_hash, broadcaster, COALESCE(broadcast_credential, ''), is_live, created_at"
	sessionColumns = "id, account_id, credential_snapshot, title, state, started_at, ended_at"
)

type postgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

// NewPostgresRepository opens a Postgres-backed repository. Callers are
// expected to apply EnsureSchema before handing the repository to the server.
func NewPostgresRepository(dsn string, opts ...PostgresOption) (Repository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	return &postgresRepository{pool: pool, cfg: cfg}, nil
}

// Close drains the connection pool, honoring the context deadline.
func (r *postgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *postgresRepository) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.cfg.OperationTimeout)
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	if err := r.pool.Ping(ctx); err != nil {
		return storeUnavailable(err)
	}
	return nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	if pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

func rollbackTx(ctx context.Context, tx pgx.Tx) {
	_ = tx.Rollback(ctx)
}

func scanAccount(row pgx.Row) (models.Account, error) {
	var account models.Account
	err := row.Scan(
		&account.ID,
		&account.DisplayName,
		&account.Email,
		&account.PasswordHash,
		&account.Broadcaster,
		&account.BroadcastCredential,
		&account.IsLive,
		&account.CreatedAt,
	)
	return account, err
}

func scanSession(row pgx.Row) (models.Session, error) {
	var session models.Session
	err := row.Scan(
		&session.ID,
		&session.AccountID,
		&session.CredentialSnapshot,
		&session.Title,
		&session.State,
		&session.StartedAt,
		&session.EndedAt,
	)
	return session, err
}

// Account operations

func (r *postgresRepository) CreateAccount(params CreateAccountParams) (models.Account, error) {
	normalizedEmail := strings.TrimSpace(strings.ToLower(params.Email))
	if normalizedEmail == "" {
		return models.Account{}, errors.New("email is required")
	}
	displayName := strings.TrimSpace(params.DisplayName)
	if displayName == "" {
		return models.Account{}, errors.New("displayName is required")
	}
	if params.Password == "" {
		return models.Account{}, errors.New("password is required")
	}

	id, err := generateID()
	if err != nil {
		return models.Account{}, err
	}
	passwordHash, err := hashPassword(params.Password)
	if err != nil {
		return models.Account{}, fmt.Errorf("hash password: %w", err)
	}
	var credential any
	if params.Broadcaster {
		generated, err := generateCredential()
		if err != nil {
			return models.Account{}, err
		}
		credential = generated
	}

	ctx, cancel := r.opCtx()
	defer cancel()
	row := r.pool.QueryRow(ctx, `
INSERT INTO accounts (id, display_name, email, password_hash, broadcaster, broadcast_credential, is_live, created_at)
VALUES ($1, $2, $3, $4, $5, $6, FALSE, now())
RETURNING `+accountColumns, id, displayName, normalizedEmail, passwordHash, params.Broadcaster, credential)
	account, err := scanAccount(row)
	if err != nil {
		if isUniqueViolation(err, "accounts_email_key") {
			return models.Account{}, fmt.Errorf("email %s already in use", normalizedEmail)
		}
		return models.Account{}, storeUnavailable(err)
	}
	return account, nil
}

func (r *postgresRepository) GetAccount(id string) (models.Account, bool) {
	ctx, cancel := r.opCtx()
	defer cancel()
	row := r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	account, err := scanAccount(row)
	if err != nil {
		return models.Account{}, false
	}
	return account, true
}

func (r *postgresRepository) FindAccountByEmail(email string) (models.Account, bool) {
	normalizedEmail := strings.TrimSpace(strings.ToLower(email))
	ctx, cancel := r.opCtx()
	defer cancel()
	row := r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = $1`, normalizedEmail)
	account, err := scanAccount(row)
	if err != nil {
		return models.Account{}, false
	}
	return account, true
}

func (r *postgresRepository) AuthenticateAccount(email, password string) (models.Account, error) {
	if password == "" {
		return models.Account{}, errors.New("password is required")
	}
	account, ok := r.FindAccountByEmail(email)
	if !ok {
		return models.Account{}, ErrInvalidCredentials
	}
	if account.PasswordHash == "" {
		return models.Account{}, ErrPasswordLoginUnsupported
	}
	if err := verifyPassword(account.PasswordHash, password); err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			return models.Account{}, ErrInvalidCredentials
		}
		return models.Account{}, err
	}
	return account, nil
}

func (r *postgresRepository) UpdateAccount(id string, update AccountUpdate) (models.Account, error) {
	ctx, cancel := r.opCtx()
	defer cancel()

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Account{}, storeUnavailable(err)
	}
	defer rollbackTx(ctx, tx)

	row := tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id)
	account, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Account{}, fmt.Errorf("account %s not found", id)
		}
		return models.Account{}, storeUnavailable(err)
	}

	if update.DisplayName != nil {
		name := strings.TrimSpace(*update.DisplayName)
		if name == "" {
			return models.Account{}, errors.New("displayName cannot be empty")
		}
		account.DisplayName = name
	}
	if update.Email != nil {
		email := strings.TrimSpace(strings.ToLower(*update.Email))
		if email == "" {
			return models.Account{}, errors.New("email cannot be empty")
		}
		account.Email = email
	}
	if update.Broadcaster != nil && *update.Broadcaster != account.Broadcaster {
		if !*update.Broadcaster {
			if account.IsLive {
				return models.Account{}, ErrAccountLive
			}
			account.Broadcaster = false
			account.BroadcastCredential = ""
		} else {
			generated, err := generateCredential()
			if err != nil {
				return models.Account{}, err
			}
			account.Broadcaster = true
			account.BroadcastCredential = generated
		}
	}

	var credential any
	if account.BroadcastCredential != "" {
		credential = account.BroadcastCredential
	}
	_, err = tx.Exec(ctx, `
UPDATE accounts
SET display_name = $2, email = $3, broadcaster = $4, broadcast_credential = $5
WHERE id = $1`, account.ID, account.DisplayName, account.Email, account.Broadcaster, credential)
	if err != nil {
		if isUniqueViolation(err, "accounts_email_key") {
			return models.Account{}, fmt.Errorf("email %s already in use", account.Email)
		}
		return models.Account{}, storeUnavailable(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Account{}, storeUnavailable(err)
	}
	return account, nil
}

func (r *postgresRepository) SetAccountPassword(id, password string) (models.Account, error) {
	if password == "" {
		return models.Account{}, errors.New("password is required")
	}
	hashed, err := hashPassword(password)
	if err != nil {
		return models.Account{}, fmt.Errorf("hash password: %w", err)
	}

	ctx, cancel := r.opCtx()
	defer cancel()
	row := r.pool.QueryRow(ctx, `
UPDATE accounts SET password_hash = $2 WHERE id = $1
RETURNING `+accountColumns, id, hashed)
	account, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Account{}, fmt.Errorf("account %s not found", id)
		}
		return models.Account{}, storeUnavailable(err)
	}
	return account, nil
}

func (r *postgresRepository) DeleteAccount(id string) error {
	ctx, cancel := r.opCtx()
	defer cancel()

	tag, err := r.pool.Exec(ctx, `DELETE FROM accounts WHERE id = $1 AND is_live = FALSE`, id)
	if err != nil {
		return storeUnavailable(err)
	}
	if tag.RowsAffected() == 0 {
		var live bool
		if err := r.pool.QueryRow(ctx, `SELECT is_live FROM accounts WHERE id = $1`, id).Scan(&live); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("account %s not found", id)
			}
			return storeUnavailable(err)
		}
		if live {
			return ErrAccountLive
		}
		return fmt.Errorf("account %s not found", id)
	}
	return nil
}

// Credential operations

func (r *postgresRepository) ResolveCredential(credential string) (models.Account, bool) {
	trimmed := strings.TrimSpace(credential)
	if trimmed == "" {
		return models.Account{}, false
	}
	ctx, cancel := r.opCtx()
	defer cancel()
	row := r.pool.QueryRow(ctx, `
SELECT `+accountColumns+`
FROM accounts
WHERE broadcaster AND broadcast_credential = $1`, trimmed)
	account, err := scanAccount(row)
	if err != nil {
		return models.Account{}, false
	}
	return account, true
}

func (r *postgresRepository) RotateCredential(accountID string) (models.Account, error) {
	generated, err := generateCredential()
	if err != nil {
		return models.Account{}, err
	}

	ctx, cancel := r.opCtx()
	defer cancel()
	row := r.pool.QueryRow(ctx, `
UPDATE accounts SET broadcast_credential = $2
WHERE id = $1 AND broadcaster AND is_live = FALSE
RETURNING `+accountColumns, accountID, generated)
	account, err := scanAccount(row)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Account{}, storeUnavailable(err)
	}

	existing, ok := r.GetAccount(accountID)
	switch {
	case !ok:
		return models.Account{}, fmt.Errorf("account %s not found", accountID)
	case !existing.Broadcaster:
		return models.Account{}, fmt.Errorf("account %s is not a broadcaster", accountID)
	default:
		return models.Account{}, ErrAccountLive
	}
}

// Streaming operations
//
// The is_live flag is flipped with a compare-and-set so exactly one begin
// attempt wins a concurrent race; the partial unique index on live sessions
// backstops the same rule at the row level.

func (r *postgresRepository) BeginLive(params BeginLiveParams) (models.Session, error) {
	id, err := generateID()
	if err != nil {
		return models.Session{}, err
	}
	title := strings.TrimSpace(params.Title)
	if title == "" {
		title = DefaultStreamTitle
	}

	ctx, cancel := r.opCtx()
	defer cancel()

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Session{}, storeUnavailable(err)
	}
	defer rollbackTx(ctx, tx)

	tag, err := tx.Exec(ctx, `UPDATE accounts SET is_live = TRUE WHERE id = $1 AND is_live = FALSE`, params.AccountID)
	if err != nil {
		return models.Session{}, storeUnavailable(err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT TRUE FROM accounts WHERE id = $1`, params.AccountID).Scan(&exists); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return models.Session{}, fmt.Errorf("account %s not found", params.AccountID)
			}
			return models.Session{}, storeUnavailable(err)
		}
		return models.Session{}, ErrAlreadyLive
	}

	row := tx.QueryRow(ctx, `
INSERT INTO sessions (id, account_id, credential_snapshot, title, state, started_at)
VALUES ($1, $2, $3, $4, 'live', now())
RETURNING `+sessionColumns, id, params.AccountID, params.CredentialSnapshot, title)
	session, err := scanSession(row)
	if err != nil {
		if isUniqueViolation(err, "sessions_live_unique") {
			return models.Session{}, ErrAlreadyLive
		}
		return models.Session{}, storeUnavailable(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Session{}, storeUnavailable(err)
	}
	return session, nil
}

func (r *postgresRepository) EndLive(accountID string) (models.Session, error) {
	return r.endLive(accountID, "")
}

func (r *postgresRepository) EndLiveSession(accountID, sessionID string) (models.Session, error) {
	if sessionID == "" {
		return models.Session{}, errors.New("sessionID is required")
	}
	return r.endLive(accountID, sessionID)
}

func (r *postgresRepository) endLive(accountID, sessionID string) (models.Session, error) {
	ctx, cancel := r.opCtx()
	defer cancel()

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Session{}, storeUnavailable(err)
	}
	defer rollbackTx(ctx, tx)

	query := `
UPDATE sessions
SET state = 'ended', ended_at = GREATEST(now(), started_at)
WHERE account_id = $1 AND state = 'live'`
	args := []any{accountID}
	if sessionID != "" {
		query += ` AND id = $2`
		args = append(args, sessionID)
	}
	query += `
RETURNING ` + sessionColumns

	session, err := scanSession(tx.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Session{}, ErrNotLive
		}
		return models.Session{}, storeUnavailable(err)
	}

	if _, err := tx.Exec(ctx, `UPDATE accounts SET is_live = FALSE WHERE id = $1`, accountID); err != nil {
		return models.Session{}, storeUnavailable(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Session{}, storeUnavailable(err)
	}
	return session, nil
}

func (r *postgresRepository) UpdateLiveTitle(accountID, title string) (models.Session, error) {
	trimmed := strings.TrimSpace(title)
	if trimmed == "" {
		return models.Session{}, ErrInvalidTitle
	}

	ctx, cancel := r.opCtx()
	defer cancel()
	row := r.pool.QueryRow(ctx, `
UPDATE sessions SET title = $2
WHERE account_id = $1 AND state = 'live'
RETURNING `+sessionColumns, accountID, trimmed)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Session{}, ErrNotLive
		}
		return models.Session{}, storeUnavailable(err)
	}
	return session, nil
}

func (r *postgresRepository) CurrentSession(accountID string) (models.Session, bool) {
	ctx, cancel := r.opCtx()
	defer cancel()
	row := r.pool.QueryRow(ctx, `
SELECT `+sessionColumns+`
FROM sessions
WHERE account_id = $1 AND state = 'live'`, accountID)
	session, err := scanSession(row)
	if err != nil {
		return models.Session{}, false
	}
	return session, true
}

func (r *postgresRepository) ListSessions(accountID string) ([]models.Session, error) {
	ctx, cancel := r.opCtx()
	defer cancel()

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT TRUE FROM accounts WHERE id = $1`, accountID).Scan(&exists); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("account %s not found", accountID)
		}
		return nil, storeUnavailable(err)
	}

	rows, err := r.pool.Query(ctx, `
SELECT `+sessionColumns+`
FROM sessions
WHERE account_id = $1
ORDER BY started_at DESC`, accountID)
	if err != nil {
		return nil, storeUnavailable(err)
	}
	defer rows.Close()

	sessions := make([]models.Session, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, storeUnavailable(err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, storeUnavailable(err)
	}
	return sessions, nil
}

func (r *postgresRepository) ListLive(query string) []models.LiveListing {
	ctx, cancel := r.opCtx()
	defer cancel()

	rows, err := r.pool.Query(ctx, `
SELECT s.id, s.account_id, a.display_name, s.title, s.started_at
FROM sessions s
JOIN accounts a ON a.id = s.account_id
WHERE s.state = 'live'
ORDER BY s.started_at DESC, s.id`)
	if err != nil {
		return nil
	}
	defer rows.Close()

	listings := make([]models.LiveListing, 0)
	for rows.Next() {
		var listing models.LiveListing
		if err := rows.Scan(&listing.SessionID, &listing.AccountID, &listing.DisplayName, &listing.Title, &listing.StartedAt); err != nil {
			return nil
		}
		if !matchesLiveQuery(listing, query) {
			continue
		}
		listings = append(listings, listing)
	}
	if err := rows.Err(); err != nil {
		return nil
	}
	return listings
}

var (
	_ Repository       = (*postgresRepository)(nil)
	_ Closer           = (*postgresRepository)(nil)
	_ SnapshotImporter = (*postgresRepository)(nil)
)
