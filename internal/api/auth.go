package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"streamhub/internal/models"
)

type contextKey string

const accountContextKey contextKey = "authenticatedAccount"

// ContextWithAccount stores the authenticated account in the provided context.
func ContextWithAccount(ctx context.Context, account models.Account) context.Context {
	return context.WithValue(ctx, accountContextKey, account)
}

// AccountFromContext retrieves the authenticated account from context if present.
func AccountFromContext(ctx context.Context) (models.Account, bool) {
	account, ok := ctx.Value(accountContextKey).(models.Account)
	return account, ok
}

// AuthenticateRequest validates the session token on the request and returns the account.
func (h *Handler) AuthenticateRequest(r *http.Request) (models.Account, error) {
	token := ExtractToken(r)
	if token == "" {
		return models.Account{}, fmt.Errorf("missing session token")
	}
	accountID, _, ok, err := h.sessionManager().Validate(token)
	if err != nil {
		return models.Account{}, fmt.Errorf("validate session: %w", err)
	}
	if !ok {
		return models.Account{}, fmt.Errorf("invalid or expired session")
	}
	account, exists := h.Store.GetAccount(accountID)
	if !exists {
		return models.Account{}, fmt.Errorf("account not found")
	}
	return account, nil
}

func (h *Handler) requireAuthenticatedAccount(w http.ResponseWriter, r *http.Request) (models.Account, bool) {
	account, ok := AccountFromContext(r.Context())
	if ok {
		return account, true
	}
	account, err := h.AuthenticateRequest(r)
	if err != nil {
		WriteError(w, http.StatusUnauthorized, fmt.Errorf("authentication required"))
		return models.Account{}, false
	}
	return account, true
}

func (h *Handler) requireBroadcaster(w http.ResponseWriter, r *http.Request) (models.Account, bool) {
	account, ok := h.requireAuthenticatedAccount(w, r)
	if !ok {
		return models.Account{}, false
	}
	if !account.Broadcaster {
		WriteError(w, http.StatusForbidden, fmt.Errorf("broadcaster privileges required"))
		return models.Account{}, false
	}
	return account, true
}

// ExtractToken pulls the session token from the Authorization header or the
// session cookie.
func ExtractToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		return cookie.Value
	}
	return ""
}
