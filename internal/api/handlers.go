// Package api exposes the HTTP control plane: account management,
// session-cookie authentication, and broadcast lifecycle endpoints.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"streamhub/internal/auth"
	"streamhub/internal/lifecycle"
	"streamhub/internal/models"
	"streamhub/internal/observability/logging"
	"streamhub/internal/storage"
)

// Pinger reports reachability of an auxiliary component for health checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	Store               storage.Repository
	Lifecycle           *lifecycle.Coordinator
	Sessions            *auth.SessionManager
	Logger              *slog.Logger
	RateLimiter         Pinger
	AllowSelfSignup     bool
	SessionCookiePolicy SessionCookiePolicy
}

func NewHandler(store storage.Repository, coordinator *lifecycle.Coordinator, sessions *auth.SessionManager) *Handler {
	if sessions == nil {
		sessions = auth.NewSessionManager(24 * time.Hour)
	}
	return &Handler{
		Store:           store,
		Lifecycle:       coordinator,
		Sessions:        sessions,
		AllowSelfSignup: true,
	}
}

func (h *Handler) sessionManager() *auth.SessionManager {
	if h.Sessions == nil {
		h.Sessions = auth.NewSessionManager(24 * time.Hour)
	}
	return h.Sessions
}

// logger returns the handler's logger annotated with the request's IDs.
func (h *Handler) logger(r *http.Request) *slog.Logger {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return logging.WithContext(r.Context(), logger)
}

type accountResponse struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	Email       string    `json:"email"`
	Broadcaster bool      `json:"broadcaster"`
	IsLive      bool      `json:"isLive"`
	CreatedAt   time.Time `json:"createdAt"`
}

func newAccountResponse(account models.Account) accountResponse {
	return accountResponse{
		ID:          account.ID,
		DisplayName: account.DisplayName,
		Email:       account.Email,
		Broadcaster: account.Broadcaster,
		IsLive:      account.IsLive,
		CreatedAt:   account.CreatedAt,
	}
}

type authResponse struct {
	Account   accountResponse `json:"account"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

func newAuthResponse(account models.Account, expiresAt time.Time) authResponse {
	return authResponse{Account: newAccountResponse(account), ExpiresAt: expiresAt}
}

type sessionResponse struct {
	ID        string     `json:"id"`
	AccountID string     `json:"accountId"`
	Title     string     `json:"title"`
	State     string     `json:"state"`
	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
}

func newSessionResponse(session models.Session) sessionResponse {
	return sessionResponse{
		ID:        session.ID,
		AccountID: session.AccountID,
		Title:     session.Title,
		State:     session.State,
		StartedAt: session.StartedAt,
		EndedAt:   session.EndedAt,
	}
}

type listingResponse struct {
	SessionID   string    `json:"sessionId"`
	AccountID   string    `json:"accountId"`
	DisplayName string    `json:"displayName"`
	Title       string    `json:"title"`
	StartedAt   time.Time `json:"startedAt"`
}

func newListingResponse(listing models.LiveListing) listingResponse {
	return listingResponse{
		SessionID:   listing.SessionID,
		AccountID:   listing.AccountID,
		DisplayName: listing.DisplayName,
		Title:       listing.Title,
		StartedAt:   listing.StartedAt,
	}
}
