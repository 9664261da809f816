package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"streamhub/internal/models"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	store, err := NewStorage(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	return store
}

func createTestBroadcaster(t *testing.T, store *Storage, name string) models.Account {
	t.Helper()
	account, err := store.CreateAccount(CreateAccountParams{
		DisplayName: name,
		Email:       name + "@example.com",
		Password:    "correct horse battery staple",
		Broadcaster: true,
	})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	return account
}

func TestCreateAccountEnforcesUniqueEmail(t *testing.T) {
	store := newTestStorage(t)

	if _, err := store.CreateAccount(CreateAccountParams{DisplayName: "Ada", Email: "ada@example.com", Password: "pw12345678"}); err != nil {
		t.Fatalf("create account: %v", err)
	}
	_, err := store.CreateAccount(CreateAccountParams{DisplayName: "Imposter", Email: "ADA@example.com", Password: "pw12345678"})
	if err == nil || !strings.Contains(err.Error(), "already in use") {
		t.Fatalf("expected duplicate email error, got %v", err)
	}
}

func TestAuthenticateAccount(t *testing.T) {
	store := newTestStorage(t)
	account := createTestBroadcaster(t, store, "ada")

	authed, err := store.AuthenticateAccount("ADA@example.com", "correct horse battery staple")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if authed.ID != account.ID {
		t.Fatalf("expected account %s, got %s", account.ID, authed.ID)
	}

	if _, err := store.AuthenticateAccount("ada@example.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := store.AuthenticateAccount("nobody@example.com", "whatever"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown email, got %v", err)
	}
}

func TestBroadcasterAccountsGetCredentials(t *testing.T) {
	store := newTestStorage(t)

	viewer, err := store.CreateAccount(CreateAccountParams{DisplayName: "Viewer", Email: "viewer@example.com", Password: "pw12345678"})
	if err != nil {
		t.Fatalf("create viewer: %v", err)
	}
	if viewer.BroadcastCredential != "" {
		t.Fatalf("viewer should not receive a broadcast credential")
	}

	broadcaster := createTestBroadcaster(t, store, "caster")
	if broadcaster.BroadcastCredential == "" {
		t.Fatalf("broadcaster should receive a broadcast credential")
	}

	resolved, ok := store.ResolveCredential(broadcaster.BroadcastCredential)
	if !ok || resolved.ID != broadcaster.ID {
		t.Fatalf("expected credential to resolve to %s", broadcaster.ID)
	}
	if _, ok := store.ResolveCredential("NOT-A-CREDENTIAL"); ok {
		t.Fatalf("unknown credential should not resolve")
	}
	if _, ok := store.ResolveCredential(""); ok {
		t.Fatalf("empty credential should not resolve")
	}
}

func TestPromoteToBroadcasterIssuesCredential(t *testing.T) {
	store := newTestStorage(t)

	viewer, err := store.CreateAccount(CreateAccountParams{DisplayName: "Viewer", Email: "viewer@example.com", Password: "pw12345678"})
	if err != nil {
		t.Fatalf("create viewer: %v", err)
	}

	broadcaster := true
	updated, err := store.UpdateAccount(viewer.ID, AccountUpdate{Broadcaster: &broadcaster})
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if !updated.Broadcaster || updated.BroadcastCredential == "" {
		t.Fatalf("promotion should issue a credential, got %+v", updated)
	}
}

func TestRotateCredentialRetiresOldValue(t *testing.T) {
	store := newTestStorage(t)
	account := createTestBroadcaster(t, store, "caster")
	old := account.BroadcastCredential

	rotated, err := store.RotateCredential(account.ID)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if rotated.BroadcastCredential == old {
		t.Fatalf("rotation should change the credential")
	}
	if _, ok := store.ResolveCredential(old); ok {
		t.Fatalf("retired credential should no longer resolve")
	}
	if _, ok := store.ResolveCredential(rotated.BroadcastCredential); !ok {
		t.Fatalf("new credential should resolve")
	}
}

func TestRotateCredentialRefusedWhileLive(t *testing.T) {
	store := newTestStorage(t)
	account := createTestBroadcaster(t, store, "caster")

	if _, err := store.BeginLive(BeginLiveParams{AccountID: account.ID, CredentialSnapshot: account.BroadcastCredential}); err != nil {
		t.Fatalf("begin live: %v", err)
	}
	if _, err := store.RotateCredential(account.ID); !errors.Is(err, ErrAccountLive) {
		t.Fatalf("expected ErrAccountLive, got %v", err)
	}
}

func TestDeleteAccountRefusedWhileLive(t *testing.T) {
	store := newTestStorage(t)
	account := createTestBroadcaster(t, store, "caster")

	if _, err := store.BeginLive(BeginLiveParams{AccountID: account.ID}); err != nil {
		t.Fatalf("begin live: %v", err)
	}
	if err := store.DeleteAccount(account.ID); !errors.Is(err, ErrAccountLive) {
		t.Fatalf("expected ErrAccountLive, got %v", err)
	}

	if _, err := store.EndLive(account.ID); err != nil {
		t.Fatalf("end live: %v", err)
	}
	if err := store.DeleteAccount(account.ID); err != nil {
		t.Fatalf("delete after ending: %v", err)
	}
	if _, ok := store.GetAccount(account.ID); ok {
		t.Fatalf("account should be gone")
	}
}

func TestPersistFailureLeavesAccountsUnchanged(t *testing.T) {
	store := newTestStorage(t)

	store.persistOverride = func(dataset) error { return fmt.Errorf("disk full") }
	_, err := store.CreateAccount(CreateAccountParams{DisplayName: "Ada", Email: "ada@example.com", Password: "pw12345678"})
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	store.persistOverride = nil

	if _, ok := store.FindAccountByEmail("ada@example.com"); ok {
		t.Fatalf("failed create should not leave the account behind")
	}
}

func TestStorageReloadsFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	store, err := NewStorage(path)
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	account := createTestBroadcaster(t, store, "caster")

	reloaded, err := NewStorage(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got, ok := reloaded.GetAccount(account.ID)
	if !ok {
		t.Fatalf("account missing after reload")
	}
	if got.BroadcastCredential != account.BroadcastCredential {
		t.Fatalf("credential changed across reload")
	}
}
