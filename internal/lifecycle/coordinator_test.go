package lifecycle

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"streamhub/internal/models"
	"streamhub/internal/observability/metrics"
	"streamhub/internal/storage"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *storage.Storage) {
	t.Helper()
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "store.json"))
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(store, logger), store
}

func createBroadcaster(t *testing.T, store *storage.Storage, name string) models.Account {
	t.Helper()
	account, err := store.CreateAccount(storage.CreateAccountParams{
		DisplayName: name,
		Email:       name + "@example.com",
		Password:    "pw12345678",
		Broadcaster: true,
	})
	require.NoError(t, err)
	return account
}

func TestBeginByCredentialAcceptsBroadcaster(t *testing.T) {
	coordinator, store := newTestCoordinator(t)
	account := createBroadcaster(t, store, "caster")

	outcome := coordinator.BeginByCredential(context.Background(), account.BroadcastCredential, "First Stream")
	require.True(t, outcome.Accepted)
	require.Equal(t, ReasonNone, outcome.Reason)
	require.Equal(t, account.ID, outcome.Session.AccountID)
	require.Equal(t, "First Stream", outcome.Session.Title)
	require.Equal(t, account.BroadcastCredential, outcome.Session.CredentialSnapshot)
}

func TestBeginByCredentialRefusesUnknownCredential(t *testing.T) {
	coordinator, _ := newTestCoordinator(t)

	outcome := coordinator.BeginByCredential(context.Background(), "BOGUS", "")
	require.False(t, outcome.Accepted)
	require.Equal(t, ReasonInvalidCredential, outcome.Reason)
}

func TestBeginByCredentialRefusesRetiredCredential(t *testing.T) {
	coordinator, store := newTestCoordinator(t)
	account := createBroadcaster(t, store, "caster")
	retired := account.BroadcastCredential

	_, err := store.RotateCredential(account.ID)
	require.NoError(t, err)

	outcome := coordinator.BeginByCredential(context.Background(), retired, "")
	require.Equal(t, ReasonInvalidCredential, outcome.Reason)
}

func TestBeginByAccountRefusesNonBroadcaster(t *testing.T) {
	coordinator, store := newTestCoordinator(t)
	viewer, err := store.CreateAccount(storage.CreateAccountParams{
		DisplayName: "Viewer",
		Email:       "viewer@example.com",
		Password:    "pw12345678",
	})
	require.NoError(t, err)

	outcome := coordinator.BeginByAccount(context.Background(), viewer.ID, "")
	require.False(t, outcome.Accepted)
	require.Equal(t, ReasonNotBroadcaster, outcome.Reason)

	outcome = coordinator.BeginByAccount(context.Background(), "missing", "")
	require.Equal(t, ReasonUnknownAccount, outcome.Reason)
}

func TestConcurrentBeginsAdmitExactlyOne(t *testing.T) {
	coordinator, store := newTestCoordinator(t)
	account := createBroadcaster(t, store, "caster")

	const attempts = 12
	outcomes := make([]Outcome, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = coordinator.BeginByCredential(context.Background(), account.BroadcastCredential, "")
		}(i)
	}
	wg.Wait()

	accepted := 0
	for _, outcome := range outcomes {
		if outcome.Accepted {
			accepted++
			continue
		}
		require.Equal(t, ReasonAlreadyLive, outcome.Reason)
	}
	require.Equal(t, 1, accepted)
}

func TestEndIsIdempotent(t *testing.T) {
	coordinator, store := newTestCoordinator(t)
	account := createBroadcaster(t, store, "caster")

	begin := coordinator.BeginByAccount(context.Background(), account.ID, "")
	require.True(t, begin.Accepted)

	first := coordinator.End(context.Background(), account.ID)
	require.True(t, first.Accepted)
	require.False(t, first.NoOp)
	require.NotNil(t, first.Session.EndedAt)

	second := coordinator.End(context.Background(), account.ID)
	require.True(t, second.Accepted)
	require.True(t, second.NoOp)
	require.Equal(t, ReasonNotLive, second.Reason)
}

func TestEndSessionIgnoresSupersededSession(t *testing.T) {
	coordinator, store := newTestCoordinator(t)
	account := createBroadcaster(t, store, "caster")

	first := coordinator.BeginByAccount(context.Background(), account.ID, "")
	require.True(t, first.Accepted)
	require.True(t, coordinator.End(context.Background(), account.ID).Accepted)

	second := coordinator.BeginByAccount(context.Background(), account.ID, "")
	require.True(t, second.Accepted)

	stale := coordinator.EndSession(context.Background(), account.ID, first.Session.ID)
	require.True(t, stale.Accepted)
	require.True(t, stale.NoOp)

	current, ok := store.CurrentSession(account.ID)
	require.True(t, ok)
	require.Equal(t, second.Session.ID, current.ID)
}

func TestEndByCredential(t *testing.T) {
	coordinator, store := newTestCoordinator(t)
	account := createBroadcaster(t, store, "caster")

	require.True(t, coordinator.BeginByCredential(context.Background(), account.BroadcastCredential, "").Accepted)

	outcome := coordinator.EndByCredential(context.Background(), account.BroadcastCredential)
	require.True(t, outcome.Accepted)
	require.False(t, outcome.NoOp)

	unknown := coordinator.EndByCredential(context.Background(), "BOGUS")
	require.False(t, unknown.Accepted)
	require.Equal(t, ReasonInvalidCredential, unknown.Reason)
}

func TestUpdateTitleRequiresLiveSession(t *testing.T) {
	coordinator, store := newTestCoordinator(t)
	account := createBroadcaster(t, store, "caster")

	offline := coordinator.UpdateTitle(context.Background(), account.ID, "New Title")
	require.False(t, offline.Accepted)
	require.Equal(t, ReasonNotLive, offline.Reason)

	require.True(t, coordinator.BeginByAccount(context.Background(), account.ID, "Old").Accepted)
	updated := coordinator.UpdateTitle(context.Background(), account.ID, "New Title")
	require.True(t, updated.Accepted)
	require.Equal(t, "New Title", updated.Session.Title)
}

func TestUpdateTitleRefusesBlankTitle(t *testing.T) {
	coordinator, store := newTestCoordinator(t)
	account := createBroadcaster(t, store, "caster")

	require.True(t, coordinator.BeginByAccount(context.Background(), account.ID, "Keep Me").Accepted)

	blank := coordinator.UpdateTitle(context.Background(), account.ID, "   ")
	require.False(t, blank.Accepted)
	require.Equal(t, ReasonInvalidTitle, blank.Reason)
	require.NoError(t, blank.Err)

	current, ok := store.CurrentSession(account.ID)
	require.True(t, ok)
	require.Equal(t, "Keep Me", current.Title)
}

func scrapeRecorder(t *testing.T, recorder *metrics.Recorder) string {
	t.Helper()
	rec := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rec.Body.String()
}

func TestRecorderTracksSessionsAcrossPlanes(t *testing.T) {
	coordinator, store := newTestCoordinator(t)
	recorder := metrics.NewRecorder()
	coordinator.Recorder = recorder
	account := createBroadcaster(t, store, "caster")

	begin := coordinator.BeginByCredential(context.Background(), account.BroadcastCredential, "")
	require.True(t, begin.Accepted)
	require.Contains(t, scrapeRecorder(t, recorder), "streamhub_active_streams 1")

	end := coordinator.End(context.Background(), account.ID)
	require.True(t, end.Accepted)
	body := scrapeRecorder(t, recorder)
	require.Contains(t, body, "streamhub_active_streams 0")
	require.Contains(t, body, `streamhub_stream_events_total{event="started"} 1`)
	require.Contains(t, body, `streamhub_stream_events_total{event="stopped"} 1`)

	repeat := coordinator.End(context.Background(), account.ID)
	require.True(t, repeat.NoOp)
	require.Contains(t, scrapeRecorder(t, recorder), "streamhub_active_streams 0")
}

type failingRepo struct {
	storage.Repository
}

func (f failingRepo) BeginLive(storage.BeginLiveParams) (models.Session, error) {
	return models.Session{}, fmt.Errorf("%w: connection reset", storage.ErrStoreUnavailable)
}

func (f failingRepo) EndLive(string) (models.Session, error) {
	return models.Session{}, fmt.Errorf("%w: connection reset", storage.ErrStoreUnavailable)
}

func TestStoreFailureFailsClosed(t *testing.T) {
	_, store := newTestCoordinator(t)
	account := createBroadcaster(t, store, "caster")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	coordinator := New(failingRepo{Repository: store}, logger)

	begin := coordinator.BeginByCredential(context.Background(), account.BroadcastCredential, "")
	require.False(t, begin.Accepted)
	require.Equal(t, ReasonUnavailable, begin.Reason)
	require.Error(t, begin.Err)

	end := coordinator.End(context.Background(), account.ID)
	require.False(t, end.Accepted)
	require.False(t, end.NoOp)
	require.Equal(t, ReasonUnavailable, end.Reason)
}
