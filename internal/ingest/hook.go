// Package ingest receives lifecycle callbacks from the ingestion engine.
// The engine reports raw connect and disconnect events keyed by broadcast
// credential; this package translates them into coordinator operations and
// answers with verdicts the engine enforces on the media connection.
package ingest

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"streamhub/internal/lifecycle"
	"streamhub/internal/observability/logging"
	"streamhub/internal/observability/metrics"
)

type hookRequest struct {
	Action   string `json:"action"`
	Stream   string `json:"stream"`
	ClientID string `json:"client_id,omitempty"`
	Param    string `json:"param,omitempty"`
}

type hookResponse struct {
	Status    string `json:"status"`
	Action    string `json:"action"`
	AccountID string `json:"accountId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// binding remembers which session a publishing connection opened, so the
// matching disconnect ends that session and not a successor.
type binding struct {
	accountID string
	sessionID string
}

// HookHandler terminates the ingestion engine's http_hooks callbacks.
type HookHandler struct {
	Coordinator *lifecycle.Coordinator
	Token       string
	Logger      *slog.Logger
	Recorder    *metrics.Recorder

	mu       sync.Mutex
	bindings map[string]binding
}

func NewHookHandler(coordinator *lifecycle.Coordinator, token string, logger *slog.Logger) *HookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HookHandler{
		Coordinator: coordinator,
		Token:       token,
		Logger:      logging.WithComponent(logger, "ingest"),
		bindings:    make(map[string]binding),
	}
}

func normalizeHookAction(action string) string {
	normalized := strings.ToLower(strings.TrimSpace(action))
	return strings.TrimPrefix(normalized, "on_")
}

func (h *HookHandler) authorized(r *http.Request) bool {
	if h.Token == "" {
		return true
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	candidate := strings.TrimPrefix(header, "Bearer ")
	if candidate == header {
		candidate = r.URL.Query().Get("token")
	}
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(h.Token)) == 1
}

// ServeHTTP handles a single hook callback. Publish callbacks gate admission;
// unpublish callbacks are reconciliation signals and never refuse.
func (h *HookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeHookError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if !h.authorized(r) {
		h.Logger.Warn("hook rejected token", "remote", r.RemoteAddr)
		writeHookError(w, http.StatusUnauthorized, fmt.Errorf("unauthorized"))
		return
	}

	var req hookRequest
	if r.Body != nil && r.Body != http.NoBody {
		decoder := json.NewDecoder(r.Body)
		if err := decoder.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeHookError(w, http.StatusBadRequest, fmt.Errorf("decode hook payload: %w", err))
			return
		}
	}
	if req.Action == "" {
		req.Action = r.URL.Query().Get("action")
	}
	if req.Stream == "" {
		req.Stream = r.URL.Query().Get("stream")
	}

	action := normalizeHookAction(req.Action)
	if action == "" {
		writeHookError(w, http.StatusBadRequest, fmt.Errorf("action is required"))
		return
	}

	switch action {
	case "publish":
		h.handlePublish(w, r, req)
	case "unpublish":
		h.handleUnpublish(w, r, req)
	default:
		writeHookError(w, http.StatusBadRequest, fmt.Errorf("unknown action %s", req.Action))
	}
}

func (h *HookHandler) handlePublish(w http.ResponseWriter, r *http.Request, req hookRequest) {
	outcome := h.Coordinator.BeginByCredential(r.Context(), req.Stream, strings.TrimSpace(req.Param))
	if !outcome.Accepted {
		if h.Recorder != nil {
			h.Recorder.IngestRejected(string(outcome.Reason))
		}
		switch outcome.Reason {
		case lifecycle.ReasonAlreadyLive:
			writeHookError(w, http.StatusConflict, fmt.Errorf("account already live"))
		case lifecycle.ReasonUnavailable:
			writeHookError(w, http.StatusServiceUnavailable, fmt.Errorf("session store unavailable"))
		default:
			writeHookError(w, http.StatusForbidden, fmt.Errorf("credential rejected"))
		}
		return
	}

	if clientID := strings.TrimSpace(req.ClientID); clientID != "" {
		h.mu.Lock()
		h.bindings[clientID] = binding{accountID: outcome.Session.AccountID, sessionID: outcome.Session.ID}
		h.mu.Unlock()
	}

	writeHookJSON(w, http.StatusOK, hookResponse{
		Status:    "ok",
		Action:    "on_publish",
		AccountID: outcome.Session.AccountID,
		SessionID: outcome.Session.ID,
	})
}

func (h *HookHandler) handleUnpublish(w http.ResponseWriter, r *http.Request, req hookRequest) {
	var outcome lifecycle.Outcome
	clientID := strings.TrimSpace(req.ClientID)
	bound, ok := h.takeBinding(clientID)
	switch {
	case ok:
		outcome = h.Coordinator.EndSession(r.Context(), bound.accountID, bound.sessionID)
	case clientID != "":
		// A client we never admitted, or a duplicate callback whose binding
		// was already consumed. Ending by credential here could kill a newer
		// session, so acknowledge without acting.
		h.Logger.Info("unpublish for unknown client ignored", "client_id", clientID)
		outcome = lifecycle.Outcome{Accepted: true, NoOp: true, Reason: lifecycle.ReasonNotLive}
	default:
		outcome = h.Coordinator.EndByCredential(r.Context(), req.Stream)
	}

	if outcome.Reason == lifecycle.ReasonUnavailable {
		// Put the binding back so the engine's retry still targets the
		// session this connection opened.
		if ok {
			h.restoreBinding(clientID, bound)
		}
		writeHookError(w, http.StatusServiceUnavailable, fmt.Errorf("session store unavailable"))
		return
	}

	resp := hookResponse{Status: "ok", Action: "on_unpublish"}
	if outcome.Accepted && !outcome.NoOp {
		resp.AccountID = outcome.Session.AccountID
		resp.SessionID = outcome.Session.ID
	}
	writeHookJSON(w, http.StatusOK, resp)
}

func (h *HookHandler) takeBinding(clientID string) (binding, bool) {
	if clientID == "" {
		return binding{}, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	bound, ok := h.bindings[clientID]
	if ok {
		delete(h.bindings, clientID)
	}
	return bound, ok
}

// restoreBinding puts a binding back after a failed end so the engine's retry
// still targets the right session. If the engine reused the client ID for a
// newer publish in the meantime, that binding wins.
func (h *HookHandler) restoreBinding(clientID string, bound binding) {
	if clientID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.bindings[clientID]; exists {
		return
	}
	h.bindings[clientID] = bound
}

func writeHookJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeHookError(w http.ResponseWriter, status int, err error) {
	writeHookJSON(w, status, map[string]string{"error": err.Error()})
}
