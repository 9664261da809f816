package storage

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"streamhub/internal/models"
	"golang.org/x/crypto/pbkdf2"
)

const (
	passwordHashSaltLength = 16
	passwordHashKeyLength  = 32
	passwordHashIterations = 120000
)

// DefaultStreamTitle is applied when a broadcast starts without a title.
const DefaultStreamTitle = "Untitled Stream"

type dataset struct {
	Accounts map[string]models.Account `json:"accounts"`
	Sessions map[string]models.Session `json:"sessions"`
}

func newDataset() dataset {
	return dataset{
		Accounts: make(map[string]models.Account),
		Sessions: make(map[string]models.Session),
	}
}

// Storage is a JSON-file-backed Repository intended for local development and
// tests. All mutations hold the write lock for the full read-check-persist
// cycle, so conditional operations observe a consistent dataset.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
}

func NewStorage(path string) (*Storage, error) {
	store := &Storage{filePath: path}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}

	if s.data.Accounts == nil {
		s.data.Accounts = make(map[string]models.Account)
	}
	if s.data.Sessions == nil {
		s.data.Sessions = make(map[string]models.Session)
	}

	return nil
}

func (s *Storage) persist() error {
	return s.persistDataset(s.data)
}

func (s *Storage) persistDataset(data dataset) error {
	if s.persistOverride != nil {
		if err := s.persistOverride(data); err != nil {
			return err
		}
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

func cloneDataset(src dataset) dataset {
	clone := newDataset()
	for id, account := range src.Accounts {
		clone.Accounts[id] = account
	}
	for id, session := range src.Sessions {
		cloned := session
		if session.EndedAt != nil {
			ended := *session.EndedAt
			cloned.EndedAt = &ended
		}
		clone.Sessions[id] = cloned
	}
	return clone
}

func storeUnavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

func generateID() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

func generateCredential() (string, error) {
	bytes := make([]byte, 24)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("generate broadcast credential: %w", err)
	}
	return strings.ToUpper(hex.EncodeToString(bytes)), nil
}

// Ping reports readiness. The JSON store keeps everything in memory, so it is
// always reachable once loaded.
func (s *Storage) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Account operations

func (s *Storage) CreateAccount(params CreateAccountParams) (models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	normalizedEmail := strings.TrimSpace(strings.ToLower(params.Email))
	if normalizedEmail == "" {
		return models.Account{}, errors.New("email is required")
	}
	for _, account := range s.data.Accounts {
		if account.Email == normalizedEmail {
			return models.Account{}, fmt.Errorf("email %s already in use", params.Email)
		}
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

	account := models.Account{
		ID:           id,
		DisplayName:  displayName,
		Email:        normalizedEmail,
		PasswordHash: passwordHash,
		Broadcaster:  params.Broadcaster,
		CreatedAt:    time.Now().UTC(),
	}
	if params.Broadcaster {
		credential, err := generateCredential()
		if err != nil {
			return models.Account{}, err
		}
		account.BroadcastCredential = credential
	}

	s.data.Accounts[id] = account
	if err := s.persist(); err != nil {
		delete(s.data.Accounts, id)
		return models.Account{}, storeUnavailable(err)
	}

	return account, nil
}

func (s *Storage) GetAccount(id string) (models.Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	account, ok := s.data.Accounts[id]
	return account, ok
}

// FindAccountByEmail looks up an account by its normalized email address.
func (s *Storage) FindAccountByEmail(email string) (models.Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	normalizedEmail := strings.TrimSpace(strings.ToLower(email))
	for _, account := range s.data.Accounts {
		if account.Email == normalizedEmail {
			return account, true
		}
	}
	return models.Account{}, false
}

// AuthenticateAccount verifies login credentials and returns the matching
// account on success.
func (s *Storage) AuthenticateAccount(email, password string) (models.Account, error) {
	if password == "" {
		return models.Account{}, errors.New("password is required")
	}
	account, ok := s.FindAccountByEmail(email)
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

// UpdateAccount mutates account metadata while enforcing uniqueness
// constraints. Revoking the broadcaster flag is refused mid-broadcast and
// discards the current credential.
func (s *Storage) UpdateAccount(id string, update AccountUpdate) (models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	updatedData := cloneDataset(s.data)

	account, ok := updatedData.Accounts[id]
	if !ok {
		return models.Account{}, fmt.Errorf("account %s not found", id)
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
		for existingID, existing := range updatedData.Accounts {
			if existingID == account.ID {
				continue
			}
			if existing.Email == email {
				return models.Account{}, fmt.Errorf("email %s already in use", email)
			}
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
			credential, err := generateCredential()
			if err != nil {
				return models.Account{}, err
			}
			account.Broadcaster = true
			account.BroadcastCredential = credential
		}
	}

	updatedData.Accounts[id] = account
	if err := s.persistDataset(updatedData); err != nil {
		return models.Account{}, storeUnavailable(err)
	}

	s.data = updatedData

	return account, nil
}

// SetAccountPassword replaces the stored password hash.
func (s *Storage) SetAccountPassword(id, password string) (models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if password == "" {
		return models.Account{}, errors.New("password is required")
	}

	account, ok := s.data.Accounts[id]
	if !ok {
		return models.Account{}, fmt.Errorf("account %s not found", id)
	}

	hashed, err := hashPassword(password)
	if err != nil {
		return models.Account{}, fmt.Errorf("hash password: %w", err)
	}

	previous := account.PasswordHash
	account.PasswordHash = hashed
	s.data.Accounts[id] = account
	if err := s.persist(); err != nil {
		account.PasswordHash = previous
		s.data.Accounts[id] = account
		return models.Account{}, storeUnavailable(err)
	}
	return account, nil
}

// DeleteAccount removes the account and its broadcast history. Deletion is
// refused while the account is live so the active session cannot be orphaned.
func (s *Storage) DeleteAccount(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	updatedData := cloneDataset(s.data)

	account, ok := updatedData.Accounts[id]
	if !ok {
		return fmt.Errorf("account %s not found", id)
	}
	if account.IsLive {
		return ErrAccountLive
	}

	delete(updatedData.Accounts, id)
	for sessionID, session := range updatedData.Sessions {
		if session.AccountID == id {
			delete(updatedData.Sessions, sessionID)
		}
	}

	if err := s.persistDataset(updatedData); err != nil {
		return storeUnavailable(err)
	}

	s.data = updatedData

	return nil
}

// Credential operations

// ResolveCredential maps a presented broadcast credential to its owning
// account. Only the current credential value resolves; retired values fail.
func (s *Storage) ResolveCredential(credential string) (models.Account, bool) {
	trimmed := strings.TrimSpace(credential)
	if trimmed == "" {
		return models.Account{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, account := range s.data.Accounts {
		if account.Broadcaster && account.BroadcastCredential != "" && account.BroadcastCredential == trimmed {
			return account, true
		}
	}
	return models.Account{}, false
}

// RotateCredential replaces the broadcast credential. Rotation is refused
// while the account is live; the in-flight session keeps its snapshot but a
// retired credential must not admit new broadcasts.
func (s *Storage) RotateCredential(accountID string) (models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.data.Accounts[accountID]
	if !ok {
		return models.Account{}, fmt.Errorf("account %s not found", accountID)
	}
	if !account.Broadcaster {
		return models.Account{}, fmt.Errorf("account %s is not a broadcaster", accountID)
	}
	if account.IsLive {
		return models.Account{}, ErrAccountLive
	}

	credential, err := generateCredential()
	if err != nil {
		return models.Account{}, err
	}

	previous := account.BroadcastCredential
	account.BroadcastCredential = credential
	s.data.Accounts[accountID] = account
	if err := s.persist(); err != nil {
		account.BroadcastCredential = previous
		s.data.Accounts[accountID] = account
		return models.Account{}, storeUnavailable(err)
	}
	return account, nil
}

func hashPassword(password string) (string, error) {
	salt := make([]byte, passwordHashSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	derived := pbkdf2.Key([]byte(password), salt, passwordHashIterations, passwordHashKeyLength, sha256.New)
	encodedSalt := base64.RawStdEncoding.EncodeToString(salt)
	encodedKey := base64.RawStdEncoding.EncodeToString(derived)
	return fmt.Sprintf("pbkdf2$sha256$%d$%s$%s", passwordHashIterations, encodedSalt, encodedKey), nil
}

func verifyPassword(encodedHash, candidate string) error {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 5 {
		return fmt.Errorf("verify password: invalid hash format")
	}
	if parts[0] != "pbkdf2" || parts[1] != "sha256" {
		return fmt.Errorf("verify password: unsupported hash identifier")
	}
	iterations, err := strconv.Atoi(parts[2])
	if err != nil || iterations <= 0 {
		return fmt.Errorf("verify password: invalid iteration count")
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return fmt.Errorf("verify password: decode salt: %w", err)
	}
	storedKey, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return fmt.Errorf("verify password: decode hash: %w", err)
	}
	derived := pbkdf2.Key([]byte(candidate), salt, iterations, len(storedKey), sha256.New)
	if len(derived) != len(storedKey) || subtle.ConstantTimeCompare(derived, storedKey) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}

var _ Repository = (*Storage)(nil)
