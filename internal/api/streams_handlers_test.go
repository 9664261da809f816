package api

import (
	"net/http"
	"testing"
)

func TestStartStreamCreatesSession(t *testing.T) {
	h := newTestHandler(t)
	account, token := signupTestAccount(t, h, "gloria", true)

	recorder := doJSON(t, h.StartStream, http.MethodPost, "/api/streams/start", token, startStreamRequest{Title: "  launch day  "})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("start stream returned status %d: %s", recorder.Code, recorder.Body.String())
	}
	var session sessionResponse
	decodeBody(t, recorder, &session)
	if session.AccountID != account.ID {
		t.Fatalf("expected session for %s, got %s", account.ID, session.AccountID)
	}
	if session.Title != "launch day" {
		t.Fatalf("expected trimmed title, got %q", session.Title)
	}
	if session.State != "live" {
		t.Fatalf("expected live state, got %q", session.State)
	}
}

func TestStartStreamRefusedForViewer(t *testing.T) {
	h := newTestHandler(t)
	_, token := signupTestAccount(t, h, "henry", false)

	recorder := doJSON(t, h.StartStream, http.MethodPost, "/api/streams/start", token, startStreamRequest{})
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for viewer start, got %d", recorder.Code)
	}
}

func TestStartStreamConflictsWhileLive(t *testing.T) {
	h := newTestHandler(t)
	_, token := signupTestAccount(t, h, "iris", true)

	if recorder := doJSON(t, h.StartStream, http.MethodPost, "/api/streams/start", token, startStreamRequest{}); recorder.Code != http.StatusCreated {
		t.Fatalf("first start returned status %d", recorder.Code)
	}
	recorder := doJSON(t, h.StartStream, http.MethodPost, "/api/streams/start", token, startStreamRequest{})
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409 for second start, got %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestStopStreamIsIdempotent(t *testing.T) {
	h := newTestHandler(t)
	_, token := signupTestAccount(t, h, "jane", true)

	if recorder := doJSON(t, h.StartStream, http.MethodPost, "/api/streams/start", token, startStreamRequest{}); recorder.Code != http.StatusCreated {
		t.Fatalf("start returned status %d", recorder.Code)
	}

	recorder := doJSON(t, h.StopStream, http.MethodPost, "/api/streams/stop", token, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("stop returned status %d: %s", recorder.Code, recorder.Body.String())
	}
	var resp stopStreamResponse
	decodeBody(t, recorder, &resp)
	if !resp.Stopped || resp.Session == nil {
		t.Fatalf("expected first stop to end the session, got %+v", resp)
	}
	if resp.Session.EndedAt == nil {
		t.Fatal("expected ended session to carry an end time")
	}

	recorder = doJSON(t, h.StopStream, http.MethodPost, "/api/streams/stop", token, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("second stop returned status %d", recorder.Code)
	}
	resp = stopStreamResponse{}
	decodeBody(t, recorder, &resp)
	if resp.Stopped || resp.Session != nil {
		t.Fatalf("expected second stop to no-op, got %+v", resp)
	}
}

func TestStreamTitleRequiresLiveSession(t *testing.T) {
	h := newTestHandler(t)
	_, token := signupTestAccount(t, h, "kim", true)

	recorder := doJSON(t, h.StreamTitle, http.MethodPut, "/api/streams/title", token, updateTitleRequest{Title: "renamed"})
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 updating title while offline, got %d", recorder.Code)
	}

	if recorder := doJSON(t, h.StartStream, http.MethodPost, "/api/streams/start", token, startStreamRequest{Title: "initial"}); recorder.Code != http.StatusCreated {
		t.Fatalf("start returned status %d", recorder.Code)
	}

	recorder = doJSON(t, h.StreamTitle, http.MethodPut, "/api/streams/title", token, updateTitleRequest{Title: "renamed"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("title update returned status %d: %s", recorder.Code, recorder.Body.String())
	}
	var session sessionResponse
	decodeBody(t, recorder, &session)
	if session.Title != "renamed" {
		t.Fatalf("expected renamed title, got %q", session.Title)
	}
}

func TestStreamTitleRejectsBlankTitle(t *testing.T) {
	h := newTestHandler(t)
	_, token := signupTestAccount(t, h, "omar", true)

	if recorder := doJSON(t, h.StartStream, http.MethodPost, "/api/streams/start", token, startStreamRequest{Title: "initial"}); recorder.Code != http.StatusCreated {
		t.Fatalf("start returned status %d", recorder.Code)
	}

	recorder := doJSON(t, h.StreamTitle, http.MethodPut, "/api/streams/title", token, updateTitleRequest{Title: "   "})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank title, got %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = doJSON(t, h.StreamTitle, http.MethodPut, "/api/streams/title", token, updateTitleRequest{Title: "kept"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("title update after blank attempt returned %d", recorder.Code)
	}
}

func TestStreamSessionsListsHistory(t *testing.T) {
	h := newTestHandler(t)
	_, token := signupTestAccount(t, h, "lena", true)

	for i := 0; i < 2; i++ {
		if recorder := doJSON(t, h.StartStream, http.MethodPost, "/api/streams/start", token, startStreamRequest{}); recorder.Code != http.StatusCreated {
			t.Fatalf("start %d returned status %d", i, recorder.Code)
		}
		if recorder := doJSON(t, h.StopStream, http.MethodPost, "/api/streams/stop", token, nil); recorder.Code != http.StatusOK {
			t.Fatalf("stop %d returned status %d", i, recorder.Code)
		}
	}

	recorder := doJSON(t, h.StreamSessions, http.MethodGet, "/api/streams/sessions", token, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("sessions returned status %d", recorder.Code)
	}
	var payload struct {
		Sessions []sessionResponse `json:"sessions"`
	}
	decodeBody(t, recorder, &payload)
	if len(payload.Sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(payload.Sessions))
	}
	for _, session := range payload.Sessions {
		if session.State != "ended" {
			t.Fatalf("expected ended sessions, got %+v", session)
		}
	}
}

func TestActiveStreamsIsPublicAndFilters(t *testing.T) {
	h := newTestHandler(t)
	_, tokenA := signupTestAccount(t, h, "mona", true)
	_, tokenB := signupTestAccount(t, h, "nick", true)

	if recorder := doJSON(t, h.StartStream, http.MethodPost, "/api/streams/start", tokenA, startStreamRequest{Title: "Speedrun Sunday"}); recorder.Code != http.StatusCreated {
		t.Fatalf("start returned status %d", recorder.Code)
	}
	if recorder := doJSON(t, h.StartStream, http.MethodPost, "/api/streams/start", tokenB, startStreamRequest{Title: "Cooking"}); recorder.Code != http.StatusCreated {
		t.Fatalf("start returned status %d", recorder.Code)
	}

	recorder := doJSON(t, h.ActiveStreams, http.MethodGet, "/api/streams/active", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("active streams returned status %d", recorder.Code)
	}
	var payload struct {
		Streams []listingResponse `json:"streams"`
	}
	decodeBody(t, recorder, &payload)
	if len(payload.Streams) != 2 {
		t.Fatalf("expected 2 live streams, got %d", len(payload.Streams))
	}

	recorder = doJSON(t, h.ActiveStreams, http.MethodGet, "/api/streams/active?q=speedrun", "", nil)
	decodeBody(t, recorder, &payload)
	if len(payload.Streams) != 1 || payload.Streams[0].Title != "Speedrun Sunday" {
		t.Fatalf("expected filtered speedrun listing, got %+v", payload.Streams)
	}
}

func TestSessionEndpointValidatesAndRevokes(t *testing.T) {
	h := newTestHandler(t)
	account, token := signupTestAccount(t, h, "olive", false)

	recorder := doJSON(t, h.Session, http.MethodGet, "/api/auth/session", token, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("session get returned status %d", recorder.Code)
	}
	var resp authResponse
	decodeBody(t, recorder, &resp)
	if resp.Account.ID != account.ID {
		t.Fatalf("expected session for %s, got %s", account.ID, resp.Account.ID)
	}

	recorder = doJSON(t, h.Session, http.MethodDelete, "/api/auth/session", token, nil)
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("session delete returned status %d", recorder.Code)
	}

	recorder = doJSON(t, h.Session, http.MethodGet, "/api/auth/session", token, nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected revoked session to be rejected, got %d", recorder.Code)
	}
}
