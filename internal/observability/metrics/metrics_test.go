package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, rec *Recorder) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	rec.Handler().ServeHTTP(w, req)
	body, err := io.ReadAll(w.Result().Body)
	if err != nil {
		t.Fatalf("read metrics body: %v", err)
	}
	return string(body)
}

func TestRecorderCountsStreamEvents(t *testing.T) {
	rec := NewRecorder()
	rec.StreamStarted()
	rec.StreamStarted()
	rec.StreamStopped()

	body := scrape(t, rec)
	if !strings.Contains(body, `streamhub_stream_events_total{event="started"} 2`) {
		t.Fatalf("missing started counter in:\n%s", body)
	}
	if !strings.Contains(body, `streamhub_stream_events_total{event="stopped"} 1`) {
		t.Fatalf("missing stopped counter in:\n%s", body)
	}
	if !strings.Contains(body, "streamhub_active_streams 1") {
		t.Fatalf("missing active gauge in:\n%s", body)
	}
}

func TestRecorderCountsIngestRejections(t *testing.T) {
	rec := NewRecorder()
	rec.IngestRejected("already_live")
	rec.IngestRejected("already_live")
	rec.IngestRejected("")

	body := scrape(t, rec)
	if !strings.Contains(body, `streamhub_ingest_rejections_total{reason="already_live"} 2`) {
		t.Fatalf("missing rejection counter in:\n%s", body)
	}
	if !strings.Contains(body, `streamhub_ingest_rejections_total{reason="unknown"} 1`) {
		t.Fatalf("blank reason not mapped to unknown in:\n%s", body)
	}
}

func TestObserveRequestNormalizesIdentifiers(t *testing.T) {
	rec := NewRecorder()
	rec.ObserveRequest(http.MethodGet, "/api/accounts/0123456789abcdef0123456789abcdef", http.StatusOK, 12*time.Millisecond)

	body := scrape(t, rec)
	if !strings.Contains(body, `path="/api/accounts/:id"`) {
		t.Fatalf("identifier segment not collapsed in:\n%s", body)
	}
}

func TestHTTPMiddlewareRecordsStatus(t *testing.T) {
	rec := NewRecorder()
	handler := HTTPMiddleware(rec, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/brew", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusTeapot {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusTeapot)
	}
	body := scrape(t, rec)
	if !strings.Contains(body, `status="418"`) {
		t.Fatalf("middleware did not record status in:\n%s", body)
	}
}

func TestNormalizePath(t *testing.T) {
	cases := map[string]string{
		"":                  "/",
		"/":                 "/",
		"/api/streams":      "/api/streams",
		"/api/streams/live": "/api/streams/live",
		"/api/accounts/FEDCBA9876543210FEDCBA9876543210": "/api/accounts/:id",
	}
	for in, want := range cases {
		if got := normalizePath(in); got != want {
			t.Errorf("normalizePath(%q) = %q, want %q", in, got, want)
		}
	}
}
