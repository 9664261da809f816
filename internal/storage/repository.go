package storage

import (
	"context"
	"errors"

	"streamhub/internal/models"
)

var (
	ErrInvalidCredentials       = errors.New("invalid credentials")
	ErrPasswordLoginUnsupported = errors.New("account does not support password login")

	// ErrAlreadyLive is returned when a begin attempt loses the race for an
	// account that already has a live session.
	ErrAlreadyLive = errors.New("account already live")
	// ErrNotLive is returned by end and title operations when the account has
	// no live session, including when a stale end targets a superseded session.
	ErrNotLive = errors.New("account is not live")
	// ErrInvalidTitle is returned when a title update is blank after trimming.
	ErrInvalidTitle = errors.New("title cannot be empty")
	// ErrAccountLive guards mutations that must not happen mid-broadcast,
	// such as credential rotation or account deletion.
	ErrAccountLive = errors.New("account has a live session")
	// ErrStoreUnavailable wraps persistence failures. Callers must treat it as
	// "state unknown" rather than a definitive refusal.
	ErrStoreUnavailable = errors.New("session store unavailable")
)

// CreateAccountParams captures the attributes that can be set when creating an account.
type CreateAccountParams struct {
	DisplayName string
	Email       string
	Password    string
	Broadcaster bool
}

// AccountUpdate represents the fields that can be modified for an existing account.
type AccountUpdate struct {
	DisplayName *string
	Email       *string
	Broadcaster *bool
}

// BeginLiveParams captures the inputs recorded when a live session starts.
type BeginLiveParams struct {
	AccountID          string
	CredentialSnapshot string
	Title              string
}

// Repository exposes the datastore operations required by API handlers and
// the lifecycle coordinator.
type Repository interface {
	Ping(ctx context.Context) error

	CreateAccount(params CreateAccountParams) (models.Account, error)
	AuthenticateAccount(email, password string) (models.Account, error)
	GetAccount(id string) (models.Account, bool)
	FindAccountByEmail(email string) (models.Account, bool)
	UpdateAccount(id string, update AccountUpdate) (models.Account, error)
	SetAccountPassword(id, password string) (models.Account, error)
	DeleteAccount(id string) error

	ResolveCredential(credential string) (models.Account, bool)
	RotateCredential(accountID string) (models.Account, error)

	BeginLive(params BeginLiveParams) (models.Session, error)
	EndLive(accountID string) (models.Session, error)
	EndLiveSession(accountID, sessionID string) (models.Session, error)
	UpdateLiveTitle(accountID, title string) (models.Session, error)
	CurrentSession(accountID string) (models.Session, bool)
	ListSessions(accountID string) ([]models.Session, error)
	ListLive(query string) []models.LiveListing
}

// SnapshotImporter is implemented by repositories that can bulk-load a
// dataset exported from another backend.
type SnapshotImporter interface {
	ImportSnapshot(ctx context.Context, snapshot *Snapshot) error
}

// Closer is implemented by repositories holding external connections.
type Closer interface {
	Close(ctx context.Context) error
}
