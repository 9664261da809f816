package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"streamhub/internal/auth"
	"streamhub/internal/lifecycle"
	"streamhub/internal/storage"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "streamhub.json"))
	if err != nil {
		t.Fatalf("NewStorage returned error: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	coordinator := lifecycle.New(store, logger)
	handler := NewHandler(store, coordinator, auth.NewSessionManager(time.Hour))
	handler.Logger = logger
	return handler
}

func doJSON(t *testing.T, handlerFunc http.HandlerFunc, method, target, token string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal request payload: %v", err)
		}
		body = bytes.NewReader(encoded)
	}
	req := httptest.NewRequest(method, target, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	handlerFunc(recorder, req)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, dest any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), dest); err != nil {
		t.Fatalf("decode response body %q: %v", recorder.Body.String(), err)
	}
}

func signupTestAccount(t *testing.T, h *Handler, name string, broadcaster bool) (accountResponse, string) {
	t.Helper()
	recorder := doJSON(t, h.Signup, http.MethodPost, "/api/auth/signup", "", signupRequest{
		DisplayName: name,
		Email:       name + "@example.com",
		Password:    "correct horse battery staple",
		Broadcaster: broadcaster,
	})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("signup returned status %d: %s", recorder.Code, recorder.Body.String())
	}
	var resp authResponse
	decodeBody(t, recorder, &resp)

	token := ""
	for _, cookie := range recorder.Result().Cookies() {
		if cookie.Name == sessionCookieName {
			token = cookie.Value
		}
	}
	if token == "" {
		t.Fatal("expected signup to set a session cookie")
	}
	return resp.Account, token
}

func TestSignupFailureLogsThroughHandlerLogger(t *testing.T) {
	h := newTestHandler(t)
	var logs bytes.Buffer
	h.Logger = slog.New(slog.NewJSONHandler(&logs, nil))

	signupTestAccount(t, h, "pia", false)

	recorder := doJSON(t, h.Signup, http.MethodPost, "/api/auth/signup", "", signupRequest{
		DisplayName: "Pia Again",
		Email:       "pia@example.com",
		Password:    "correct horse battery staple",
	})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for duplicate email, got %d", recorder.Code)
	}
	if !strings.Contains(logs.String(), "signup create account failed") {
		t.Fatalf("expected failure to be logged via the handler logger, got %q", logs.String())
	}
}

func TestHealthReportsComponents(t *testing.T) {
	h := newTestHandler(t)
	recorder := doJSON(t, h.Health, http.MethodGet, "/healthz", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("health returned status %d", recorder.Code)
	}
	var payload struct {
		Status     string            `json:"status"`
		Components []componentStatus `json:"components"`
	}
	decodeBody(t, recorder, &payload)
	if payload.Status != "ok" {
		t.Fatalf("expected ok status, got %q", payload.Status)
	}
	if len(payload.Components) < 2 {
		t.Fatalf("expected datastore and session components, got %v", payload.Components)
	}
}

func TestProfileRoundTrip(t *testing.T) {
	h := newTestHandler(t)
	_, token := signupTestAccount(t, h, "alice", false)

	recorder := doJSON(t, h.Profile, http.MethodGet, "/api/profile", token, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("profile get returned status %d", recorder.Code)
	}
	var profile accountResponse
	decodeBody(t, recorder, &profile)
	if profile.DisplayName != "alice" || profile.Broadcaster {
		t.Fatalf("unexpected profile %+v", profile)
	}

	newName := "alice-renamed"
	recorder = doJSON(t, h.Profile, http.MethodPut, "/api/profile", token, updateProfileRequest{DisplayName: &newName})
	if recorder.Code != http.StatusOK {
		t.Fatalf("profile put returned status %d: %s", recorder.Code, recorder.Body.String())
	}
	decodeBody(t, recorder, &profile)
	if profile.DisplayName != newName {
		t.Fatalf("expected renamed profile, got %q", profile.DisplayName)
	}
}

func TestProfileRequiresAuthentication(t *testing.T) {
	h := newTestHandler(t)
	recorder := doJSON(t, h.Profile, http.MethodGet, "/api/profile", "", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", recorder.Code)
	}
}

func TestChangePasswordInvalidatesOldLogin(t *testing.T) {
	h := newTestHandler(t)
	_, token := signupTestAccount(t, h, "bob", false)

	recorder := doJSON(t, h.ChangePassword, http.MethodPost, "/api/profile/password", token, changePasswordRequest{
		Password: "an even longer passphrase",
	})
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("change password returned status %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = doJSON(t, h.Login, http.MethodPost, "/api/auth/login", "", loginRequest{
		Email:    "bob@example.com",
		Password: "correct horse battery staple",
	})
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected old password to fail, got %d", recorder.Code)
	}

	recorder = doJSON(t, h.Login, http.MethodPost, "/api/auth/login", "", loginRequest{
		Email:    "bob@example.com",
		Password: "an even longer passphrase",
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected new password to log in, got %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestCredentialRotation(t *testing.T) {
	h := newTestHandler(t)
	_, token := signupTestAccount(t, h, "carol", true)

	recorder := doJSON(t, h.Credential, http.MethodGet, "/api/profile/credential", token, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("credential get returned status %d", recorder.Code)
	}
	var payload map[string]string
	decodeBody(t, recorder, &payload)
	original := payload["credential"]
	if original == "" {
		t.Fatal("expected broadcaster to hold a credential")
	}

	recorder = doJSON(t, h.Credential, http.MethodPost, "/api/profile/credential", token, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("credential rotate returned status %d: %s", recorder.Code, recorder.Body.String())
	}
	decodeBody(t, recorder, &payload)
	if payload["credential"] == "" || payload["credential"] == original {
		t.Fatalf("expected a fresh credential, got %q", payload["credential"])
	}
}

func TestCredentialRefusedForViewer(t *testing.T) {
	h := newTestHandler(t)
	_, token := signupTestAccount(t, h, "dave", false)

	recorder := doJSON(t, h.Credential, http.MethodGet, "/api/profile/credential", token, nil)
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for viewer credential access, got %d", recorder.Code)
	}
}

func TestCredentialRotationRefusedWhileLive(t *testing.T) {
	h := newTestHandler(t)
	_, token := signupTestAccount(t, h, "erin", true)

	recorder := doJSON(t, h.StartStream, http.MethodPost, "/api/streams/start", token, startStreamRequest{Title: "live now"})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("start stream returned status %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = doJSON(t, h.Credential, http.MethodPost, "/api/profile/credential", token, nil)
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409 rotating while live, got %d", recorder.Code)
	}
}

func TestDeleteAccountRefusedWhileLive(t *testing.T) {
	h := newTestHandler(t)
	_, token := signupTestAccount(t, h, "frank", true)

	recorder := doJSON(t, h.StartStream, http.MethodPost, "/api/streams/start", token, startStreamRequest{})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("start stream returned status %d", recorder.Code)
	}

	recorder = doJSON(t, h.Profile, http.MethodDelete, "/api/profile", token, nil)
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409 deleting while live, got %d", recorder.Code)
	}

	recorder = doJSON(t, h.StopStream, http.MethodPost, "/api/streams/stop", token, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("stop stream returned status %d", recorder.Code)
	}

	recorder = doJSON(t, h.Profile, http.MethodDelete, "/api/profile", token, nil)
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected delete to succeed after stopping, got %d: %s", recorder.Code, recorder.Body.String())
	}
}
