package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"postbot/internal/pipeline"
	"postbot/internal/runtime/supervisor"
	"postbot/internal/session"
	"postbot/internal/storage"
	"postbot/internal/task/engine"
	logx "postbot/pkg/logx"
)

const (
	defaultSummaryDays = 7
	maxSummaryDays     = 365
)

// Store is the read side of the queue and analytics tables.
type Store interface {
	RecentEntries(ctx context.Context, limit int, status storage.Status) ([]storage.QueueEntry, error)
	CountByStatus(ctx context.Context) (map[storage.Status]int, error)
	Summary(ctx context.Context, since time.Time) (*storage.AnalyticsSummary, error)
}

// Session is one account's actor; *session.Actor satisfies it.
type Session interface {
	Login(ctx context.Context) (session.Status, error)
	Status(ctx context.Context) (session.Status, error)
	Logout(ctx context.Context) error
}

type Deps struct {
	// Trigger runs one populate + dispatch pass and waits for it.
	Trigger func(ctx context.Context) (pipeline.PostingResult, error)
	Store   Store
	// Sessions resolves an account name ("" for the default). A nil return
	// means the account is unknown.
	Sessions func(account string) Session
	Metrics  http.Handler
	// Health reports the process routines; /healthz answers 503 once one
	// of them failed. Nil reports plain ok.
	Health func() supervisor.Snapshot
	Now    func() time.Time
}

// Router builds the chi handler tree for cfg.
func Router(cfg Config, d Deps, log logx.Logger) http.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	h := &handlers{d: d, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Get("/healthz", h.health)

	r.Group(func(r chi.Router) {
		r.Use(bearer(cfg.Token))

		r.Post("/trigger-queue", h.triggerQueue)
		r.Get("/queue/status", h.queueStatus)
		r.Get("/analytics/summary", h.analyticsSummary)

		r.Route("/session", func(r chi.Router) {
			r.Post("/login", h.sessionLogin)
			r.Get("/status", h.sessionStatus)
			r.Post("/logout", h.sessionLogout)
		})

		if cfg.Metrics && d.Metrics != nil {
			r.Method(http.MethodGet, "/metrics", d.Metrics)
		}
	})
	return r
}

type handlers struct {
	d   Deps
	log logx.Logger
}

func (h *handlers) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		if !h.log.Enabled(logx.LevelDebug) && ww.Status() < 500 {
			return
		}
		fields := []logx.Field{
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		}
		if ww.Status() >= 500 {
			h.log.Warn("http request failed", fields...)
			return
		}
		h.log.Debug("http request", fields...)
	})
}

// bearer accepts "Authorization: Bearer <token>". An empty token disables
// the check.
func bearer(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(tok)) != 1 {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type triggerResponse struct {
	Success bool `json:"success"`
	pipeline.PostingResult
	Error string `json:"error,omitempty"`
}

func (h *handlers) triggerQueue(w http.ResponseWriter, r *http.Request) {
	if h.d.Trigger == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("posting pipeline not configured"))
		return
	}
	res, err := h.d.Trigger(r.Context())
	switch {
	case errors.Is(err, engine.ErrOverlapSkip):
		writeError(w, http.StatusConflict, errors.New("posting already running"))
		return
	case errors.Is(err, engine.ErrStopped), errors.Is(err, engine.ErrStopping), errors.Is(err, engine.ErrQueueFull):
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	out := triggerResponse{Success: err == nil, PostingResult: res}
	if res.PagePostIDs == nil {
		out.PagePostIDs = []string{}
	}
	if res.GroupPostIDs == nil {
		out.GroupPostIDs = []string{}
	}
	if err != nil {
		out.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, out)
}

type entryView struct {
	ID           string     `json:"id"`
	ContentType  string     `json:"content_type"`
	TargetType   string     `json:"target_type"`
	BusinessID   *int64     `json:"business_id,omitempty"`
	BlogPostID   *int64     `json:"blog_post_id,omitempty"`
	CategoryID   *int64     `json:"category_id,omitempty"`
	Message      string     `json:"message"`
	Link         string     `json:"link,omitempty"`
	ImageURL     string     `json:"image_url,omitempty"`
	ScheduledFor time.Time  `json:"scheduled_for"`
	Status       string     `json:"status"`
	Priority     int        `json:"priority"`
	PostAngle    string     `json:"post_angle,omitempty"`
	HadMascot    bool       `json:"had_mascot,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	PostedAt     *time.Time `json:"posted_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	PagePostID   string     `json:"page_post_id,omitempty"`
	GroupPostID  string     `json:"group_post_id,omitempty"`
}

func viewOf(e storage.QueueEntry) entryView {
	v := entryView{
		ID:           e.ID,
		ContentType:  string(e.ContentType),
		TargetType:   string(e.TargetType),
		BusinessID:   e.BusinessID,
		BlogPostID:   e.BlogPostID,
		CategoryID:   e.CategoryID,
		Message:      e.Message,
		Link:         e.Link,
		ImageURL:     e.ImageURL,
		ScheduledFor: e.ScheduledFor,
		Status:       string(e.Status),
		Priority:     e.Priority,
		PostAngle:    e.PostAngle,
		HadMascot:    e.HadMascot,
		CreatedAt:    e.CreatedAt,
		ErrorMessage: e.ErrorMessage,
		PagePostID:   e.PagePostID,
		GroupPostID:  e.GroupPostID,
	}
	if !e.PostedAt.IsZero() {
		p := e.PostedAt
		v.PostedAt = &p
	}
	return v
}

func (h *handlers) queueStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 50
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be 1..500"))
			return
		}
		limit = n
	}
	status := storage.Status(strings.ToLower(strings.TrimSpace(q.Get("status"))))
	switch status {
	case "", storage.StatusPending, storage.StatusPosted, storage.StatusFailed:
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown status %q", status))
		return
	}

	entries, err := h.d.Store.RecentEntries(r.Context(), limit, status)
	if err != nil {
		h.serverError(w, "queue status", err)
		return
	}
	counts, err := h.d.Store.CountByStatus(r.Context())
	if err != nil {
		h.serverError(w, "queue counts", err)
		return
	}
	views := make([]entryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, viewOf(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"counts":  counts,
		"entries": views,
	})
}

type summaryResponse struct {
	Days int `json:"days"`
	*storage.AnalyticsSummary
}

func (h *handlers) analyticsSummary(w http.ResponseWriter, r *http.Request) {
	days := defaultSummaryDays
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxSummaryDays {
			writeError(w, http.StatusBadRequest, fmt.Errorf("days must be 1..%d", maxSummaryDays))
			return
		}
		days = n
	}
	since := h.d.Now().Add(-time.Duration(days) * 24 * time.Hour)
	sum, err := h.d.Store.Summary(r.Context(), since)
	if err != nil {
		h.serverError(w, "analytics summary", err)
		return
	}
	writeJSON(w, http.StatusOK, summaryResponse{Days: days, AnalyticsSummary: sum})
}

func (h *handlers) session(w http.ResponseWriter, r *http.Request) (Session, bool) {
	var s Session
	if h.d.Sessions != nil {
		s = h.d.Sessions(r.URL.Query().Get("account"))
	}
	if s == nil {
		writeError(w, http.StatusNotFound, errors.New("unknown session account"))
		return nil, false
	}
	return s, true
}

func (h *handlers) sessionLogin(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	st, err := s.Login(r.Context())
	if err == nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "status": st})
		return
	}
	code := http.StatusInternalServerError
	var le *session.LoginError
	switch {
	case errors.Is(err, session.ErrNoCredentials):
		code = http.StatusServiceUnavailable
	case errors.Is(err, session.ErrLocked):
		code = http.StatusConflict
	case errors.As(err, &le):
		code = http.StatusBadGateway
	}
	writeJSON(w, code, map[string]any{"success": false, "error": err.Error(), "status": st})
}

func (h *handlers) sessionStatus(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	st, err := s.Status(r.Context())
	if err != nil {
		h.serverError(w, "session status", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *handlers) sessionLogout(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := s.Logout(r.Context()); err != nil {
		h.serverError(w, "session logout", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *handlers) serverError(w http.ResponseWriter, op string, err error) {
	h.log.Error(op+" failed", logx.Err(err))
	writeError(w, http.StatusInternalServerError, err)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	if h.d.Health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	snap := h.d.Health()
	status, code := "ok", http.StatusOK
	if snap.FirstError != "" {
		status, code = "failing", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"status": status, "error": snap.FirstError, "routines": snap.Routines})
}
