package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postbot/internal/content"
	"postbot/internal/pipeline"
	"postbot/internal/runtime/supervisor"
	"postbot/internal/session"
	"postbot/internal/storage"
	"postbot/internal/task/engine"
	logx "postbot/pkg/logx"
)

type fakeStore struct {
	limit  int
	status storage.Status
	since  time.Time
}

func (f *fakeStore) RecentEntries(_ context.Context, limit int, status storage.Status) ([]storage.QueueEntry, error) {
	f.limit, f.status = limit, status
	return []storage.QueueEntry{{
		ID:           "q1",
		ContentType:  content.Spotlight,
		TargetType:   content.TargetBoth,
		Message:      "Meet the bakery",
		Status:       storage.StatusPosted,
		ScheduledFor: time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC),
		PostedAt:     time.Date(2026, 10, 19, 9, 1, 0, 0, time.UTC),
		PagePostID:   "100_200",
	}}, nil
}

func (f *fakeStore) CountByStatus(context.Context) (map[storage.Status]int, error) {
	return map[storage.Status]int{storage.StatusPending: 3, storage.StatusPosted: 1}, nil
}

func (f *fakeStore) Summary(_ context.Context, since time.Time) (*storage.AnalyticsSummary, error) {
	f.since = since
	return &storage.AnalyticsSummary{Since: since, Total: storage.MetricTotals{Posts: 2, Reach: 40}}, nil
}

type fakeSession struct {
	loginErr error
	loggedIn bool
}

func (f *fakeSession) Login(context.Context) (session.Status, error) {
	if f.loginErr != nil {
		return session.Status{Account: "main", State: session.PhaseLoggedOut}, f.loginErr
	}
	f.loggedIn = true
	return session.Status{Account: "main", State: session.PhaseLoggedIn, LoggedIn: true, MinutesRemaining: 1440}, nil
}

func (f *fakeSession) Status(context.Context) (session.Status, error) {
	return session.Status{Account: "main", LoggedIn: f.loggedIn}, nil
}

func (f *fakeSession) Logout(context.Context) error {
	f.loggedIn = false
	return nil
}

var fixedNow = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

func newRouter(cfg Config, d Deps) http.Handler {
	d.Now = func() time.Time { return fixedNow }
	return Router(cfg, d, logx.Nop())
}

func do(t *testing.T, h http.Handler, method, target, token string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var body map[string]any
	if rec.Body.Len() > 0 && rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestTriggerQueueReturnsCountsAndPostIDs(t *testing.T) {
	calls := 0
	h := newRouter(Config{}, Deps{Trigger: func(context.Context) (pipeline.PostingResult, error) {
		calls++
		return pipeline.PostingResult{Created: 2, Posted: 1, PagePostIDs: []string{"100_200"}}, nil
	}})

	rec, body := do(t, h, http.MethodPost, "/trigger-queue", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, calls)
	assert.Equal(t, true, body["success"])
	assert.EqualValues(t, 2, body["created"])
	assert.Equal(t, []any{"100_200"}, body["page_post_ids"])
	assert.Equal(t, []any{}, body["group_post_ids"])
}

func TestTriggerQueueErrors(t *testing.T) {
	h := newRouter(Config{}, Deps{Trigger: func(context.Context) (pipeline.PostingResult, error) {
		return pipeline.PostingResult{}, engine.ErrOverlapSkip
	}})
	rec, _ := do(t, h, http.MethodPost, "/trigger-queue", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	h = newRouter(Config{}, Deps{Trigger: func(context.Context) (pipeline.PostingResult, error) {
		return pipeline.PostingResult{Posted: 1}, errors.New("populate: no active slots")
	}})
	rec, body := do(t, h, http.MethodPost, "/trigger-queue", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "populate: no active slots", body["error"])
	assert.EqualValues(t, 1, body["posted"])

	rec, _ = do(t, newRouter(Config{}, Deps{}), http.MethodPost, "/trigger-queue", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestQueueStatus(t *testing.T) {
	st := &fakeStore{}
	h := newRouter(Config{}, Deps{Store: st})

	rec, body := do(t, h, http.MethodGet, "/queue/status?limit=10&status=Posted", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 10, st.limit)
	assert.Equal(t, storage.StatusPosted, st.status)
	assert.Equal(t, map[string]any{"pending": float64(3), "posted": float64(1)}, body["counts"])
	entries := body["entries"].([]any)
	require.Len(t, entries, 1)
	e := entries[0].(map[string]any)
	assert.Equal(t, "q1", e["id"])
	assert.Equal(t, "100_200", e["page_post_id"])
	assert.NotContains(t, e, "group_post_id")

	rec, _ = do(t, h, http.MethodGet, "/queue/status?status=archived", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = do(t, h, http.MethodGet, "/queue/status?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAnalyticsSummaryWindow(t *testing.T) {
	st := &fakeStore{}
	h := newRouter(Config{}, Deps{Store: st})

	rec, body := do(t, h, http.MethodGet, "/analytics/summary", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, fixedNow.Add(-7*24*time.Hour), st.since)
	assert.EqualValues(t, 7, body["days"])
	assert.EqualValues(t, 40, body["total"].(map[string]any)["reach"])

	_, _ = do(t, h, http.MethodGet, "/analytics/summary?days=30", "")
	assert.Equal(t, fixedNow.Add(-30*24*time.Hour), st.since)

	rec, _ = do(t, h, http.MethodGet, "/analytics/summary?days=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSessionEndpoints(t *testing.T) {
	fs := &fakeSession{}
	var asked string
	h := newRouter(Config{}, Deps{Sessions: func(account string) Session {
		asked = account
		return fs
	}})

	rec, body := do(t, h, http.MethodPost, "/session/login?account=main", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "main", asked)
	assert.Equal(t, true, body["status"].(map[string]any)["is_logged_in"])

	_, body = do(t, h, http.MethodGet, "/session/status", "")
	assert.Equal(t, true, body["is_logged_in"])

	rec, _ = do(t, h, http.MethodPost, "/session/logout", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, fs.loggedIn)

	fs.loginErr = &session.LoginError{Stage: "submit", Err: errors.New("checkpoint")}
	rec, body = do(t, h, http.MethodPost, "/session/login", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, body["error"], "checkpoint")

	fs.loginErr = session.ErrNoCredentials
	rec, _ = do(t, h, http.MethodPost, "/session/login", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSessionUnknownAccount(t *testing.T) {
	h := newRouter(Config{}, Deps{Sessions: func(string) Session { return nil }})
	rec, _ := do(t, h, http.MethodGet, "/session/status?account=other", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBearerGuard(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("postbot_jobs_runs_total 1\n"))
	})
	h := newRouter(Config{Token: "s3cret", Metrics: true}, Deps{Store: &fakeStore{}, Metrics: metrics})

	rec, _ := do(t, h, http.MethodGet, "/queue/status", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))

	rec, _ = do(t, h, http.MethodGet, "/queue/status", "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = do(t, h, http.MethodGet, "/queue/status", "s3cret")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, h, http.MethodGet, "/metrics", "s3cret")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "postbot_jobs_runs_total")

	rec, _ = do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthReportsFailedRoutine(t *testing.T) {
	snap := supervisor.Snapshot{Routines: []supervisor.Routine{{Name: "alerts", Running: 1, Starts: 1}}}
	h := newRouter(Config{Token: "s3cret"}, Deps{Health: func() supervisor.Snapshot { return snap }})

	rec, body := do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Len(t, body["routines"], 1)

	snap.FirstError = "config.watch: inotify limit reached"
	rec, body = do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "failing", body["status"])
	assert.Equal(t, snap.FirstError, body["error"])
}

func TestMetricsDisabled(t *testing.T) {
	h := newRouter(Config{}, Deps{Metrics: http.NotFoundHandler()})
	rec, _ := do(t, h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPanicRecovered(t *testing.T) {
	h := newRouter(Config{}, Deps{Trigger: func(context.Context) (pipeline.PostingResult, error) {
		panic("boom")
	}})
	rec, _ := do(t, h, http.MethodPost, "/trigger-queue", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServerRefusesPublicBindWithoutToken(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, Deps{}, logx.Nop())
	assert.ErrorIs(t, s.Start(), ErrInsecureBind)
	assert.Empty(t, s.Addr())
}

func TestServerLifecycle(t *testing.T) {
	s := New(Config{}, Deps{}, logx.Nop())
	ctx := context.Background()
	require.NoError(t, s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"}))
	addr := s.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, s.Reconfigure(ctx, Config{Enabled: false}))
	assert.Empty(t, s.Addr())
}
