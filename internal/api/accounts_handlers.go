package api

import (
	"errors"
	"fmt"
	"net/http"

	"streamhub/internal/storage"
)

type updateProfileRequest struct {
	DisplayName *string `json:"displayName"`
	Email       *string `json:"email"`
	Broadcaster *bool   `json:"broadcaster"`
}

type changePasswordRequest struct {
	Password string `json:"password"`
}

// Profile serves the authenticated account on GET, applies partial updates on
// PUT, and deletes the account on DELETE.
func (h *Handler) Profile(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		account, ok := h.requireAuthenticatedAccount(w, r)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, newAccountResponse(account))
	case http.MethodPut:
		account, ok := h.requireAuthenticatedAccount(w, r)
		if !ok {
			return
		}
		var req updateProfileRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		updated, err := h.Store.UpdateAccount(account.ID, storage.AccountUpdate{
			DisplayName: req.DisplayName,
			Email:       req.Email,
			Broadcaster: req.Broadcaster,
		})
		if err != nil {
			writeError(w, storageErrorStatus(err), err)
			return
		}
		writeJSON(w, http.StatusOK, newAccountResponse(updated))
	case http.MethodDelete:
		account, ok := h.requireAuthenticatedAccount(w, r)
		if !ok {
			return
		}
		if err := h.Store.DeleteAccount(account.ID); err != nil {
			if errors.Is(err, storage.ErrAccountLive) {
				writeError(w, http.StatusConflict, fmt.Errorf("stop the live session before deleting the account"))
				return
			}
			writeError(w, storageErrorStatus(err), err)
			return
		}
		if token := ExtractToken(r); token != "" {
			_ = h.sessionManager().Revoke(token)
		}
		h.ClearSessionCookie(w, r)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.Header().Set("Allow", "GET, PUT, DELETE")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	account, ok := h.requireAuthenticatedAccount(w, r)
	if !ok {
		return
	}
	var req changePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("password must be at least 8 characters"))
		return
	}
	if _, err := h.Store.SetAccountPassword(account.ID, req.Password); err != nil {
		writeError(w, storageErrorStatus(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Credential serves the broadcast credential on GET and rotates it on POST.
// Rotation is refused while the account is live so the active session's
// credential snapshot stays authoritative.
func (h *Handler) Credential(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		account, ok := h.requireBroadcaster(w, r)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"credential": account.BroadcastCredential})
	case http.MethodPost:
		account, ok := h.requireBroadcaster(w, r)
		if !ok {
			return
		}
		updated, err := h.Store.RotateCredential(account.ID)
		if err != nil {
			if errors.Is(err, storage.ErrAccountLive) {
				writeError(w, http.StatusConflict, fmt.Errorf("stop the live session before rotating the credential"))
				return
			}
			writeError(w, storageErrorStatus(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"credential": updated.BroadcastCredential})
	default:
		w.Header().Set("Allow", "GET, POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

func storageErrorStatus(err error) int {
	switch {
	case errors.Is(err, storage.ErrAccountLive):
		return http.StatusConflict
	case errors.Is(err, storage.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}
