package api

import (
	"fmt"
	"net/http"

	"streamhub/internal/lifecycle"
)

type startStreamRequest struct {
	Title string `json:"title"`
}

type updateTitleRequest struct {
	Title string `json:"title"`
}

type stopStreamResponse struct {
	Stopped bool             `json:"stopped"`
	Session *sessionResponse `json:"session,omitempty"`
}

// StartStream admits a broadcast for the authenticated broadcaster. The
// lifecycle coordinator enforces the single-live-session rule, so a concurrent
// ingest publish and API start resolve to one winner.
func (h *Handler) StartStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	account, ok := h.requireBroadcaster(w, r)
	if !ok {
		return
	}
	var req startStreamRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	outcome := h.Lifecycle.BeginByAccount(r.Context(), account.ID, req.Title)
	if !outcome.Accepted {
		writeError(w, lifecycleStatus(outcome.Reason), lifecycleError(outcome))
		return
	}
	writeJSON(w, http.StatusCreated, newSessionResponse(outcome.Session))
}

// StopStream ends the authenticated account's live session. Stopping while
// offline is acknowledged as a no-op so retries and crossed signals stay safe.
func (h *Handler) StopStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	account, ok := h.requireAuthenticatedAccount(w, r)
	if !ok {
		return
	}

	outcome := h.Lifecycle.End(r.Context(), account.ID)
	if !outcome.Accepted {
		writeError(w, lifecycleStatus(outcome.Reason), lifecycleError(outcome))
		return
	}
	resp := stopStreamResponse{Stopped: !outcome.NoOp}
	if !outcome.NoOp {
		session := newSessionResponse(outcome.Session)
		resp.Session = &session
	}
	writeJSON(w, http.StatusOK, resp)
}

// StreamTitle updates the title of the authenticated account's live session.
func (h *Handler) StreamTitle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		w.Header().Set("Allow", "PUT")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	account, ok := h.requireBroadcaster(w, r)
	if !ok {
		return
	}
	var req updateTitleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	outcome := h.Lifecycle.UpdateTitle(r.Context(), account.ID, req.Title)
	if !outcome.Accepted {
		writeError(w, lifecycleStatus(outcome.Reason), lifecycleError(outcome))
		return
	}
	writeJSON(w, http.StatusOK, newSessionResponse(outcome.Session))
}

// StreamSessions lists the authenticated account's session history, newest first.
func (h *Handler) StreamSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	account, ok := h.requireAuthenticatedAccount(w, r)
	if !ok {
		return
	}
	sessions, err := h.Store.ListSessions(account.ID)
	if err != nil {
		writeError(w, storageErrorStatus(err), err)
		return
	}
	payload := make([]sessionResponse, 0, len(sessions))
	for _, session := range sessions {
		payload = append(payload, newSessionResponse(session))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": payload})
}

// ActiveStreams lists live sessions for discovery. The q parameter filters by
// title or display name, case-insensitively.
func (h *Handler) ActiveStreams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	listings := h.Store.ListLive(r.URL.Query().Get("q"))
	payload := make([]listingResponse, 0, len(listings))
	for _, listing := range listings {
		payload = append(payload, newListingResponse(listing))
	}
	writeJSON(w, http.StatusOK, map[string]any{"streams": payload})
}

func lifecycleStatus(reason lifecycle.Reason) int {
	switch reason {
	case lifecycle.ReasonAlreadyLive:
		return http.StatusConflict
	case lifecycle.ReasonNotBroadcaster, lifecycle.ReasonInvalidCredential:
		return http.StatusForbidden
	// There is no live session resource to operate on.
	case lifecycle.ReasonNotLive, lifecycle.ReasonUnknownAccount:
		return http.StatusNotFound
	case lifecycle.ReasonInvalidTitle:
		return http.StatusBadRequest
	case lifecycle.ReasonUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

func lifecycleError(outcome lifecycle.Outcome) error {
	switch outcome.Reason {
	case lifecycle.ReasonAlreadyLive:
		return fmt.Errorf("a live session is already active")
	case lifecycle.ReasonNotLive:
		return fmt.Errorf("no live session is active")
	case lifecycle.ReasonInvalidTitle:
		return fmt.Errorf("title cannot be empty")
	case lifecycle.ReasonNotBroadcaster:
		return fmt.Errorf("broadcaster privileges required")
	case lifecycle.ReasonInvalidCredential:
		return fmt.Errorf("invalid broadcast credential")
	case lifecycle.ReasonUnknownAccount:
		return fmt.Errorf("account not found")
	case lifecycle.ReasonUnavailable:
		return fmt.Errorf("datastore unavailable, try again")
	default:
		return fmt.Errorf("request refused")
	}
}
