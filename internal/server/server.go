package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	appI18n "github.com/pavelanni/companion/internal/i18n"
	"github.com/pavelanni/companion/internal/model"
	"github.com/pavelanni/companion/internal/pipeline"
	"github.com/pavelanni/companion/internal/progress"
	"github.com/pavelanni/companion/internal/schema"
	"github.com/pavelanni/companion/internal/stage"
	"github.com/pavelanni/companion/internal/store"
)

// KeyVerifier checks bearer tokens.
type KeyVerifier interface {
	VerifyAPIKey(ctx context.Context, token string) (*store.APIKey, error)
}

// SessionLookup finds sessions that are no longer held in memory.
type SessionLookup interface {
	GetSession(ctx context.Context, id string) (*model.SessionSnapshot, error)
}

// Config holds server settings.
type Config struct {
	Lang string
	// SessionTTL is how long sessions stay in memory after their last use.
	SessionTTL time.Duration
}

// Server exposes the orchestrator over HTTP.
type Server struct {
	orch     *pipeline.Orchestrator
	profiles progress.Store
	keys     KeyVerifier
	lookup   SessionLookup
	config   Config

	mu       sync.Mutex
	sessions map[string]*entry
	now      func() time.Time
}

type entry struct {
	mu       sync.Mutex
	sess     *pipeline.Session
	lastUsed time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithAuth requires a valid API key on every API route.
func WithAuth(k KeyVerifier) Option {
	return func(s *Server) { s.keys = k }
}

// WithSessionLookup serves sessions evicted from memory from a journal.
func WithSessionLookup(l SessionLookup) Option {
	return func(s *Server) { s.lookup = l }
}

// New creates a Server.
func New(orch *pipeline.Orchestrator, profiles progress.Store, cfg Config, opts ...Option) *Server {
	if cfg.Lang == "" {
		cfg.Lang = "en"
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 2 * time.Hour
	}
	s := &Server{
		orch:     orch,
		profiles: profiles,
		config:   cfg,
		sessions: make(map[string]*entry),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the router with middleware.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware(s.config.Lang))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Group(func(api chi.Router) {
		if s.keys != nil {
			api.Use(s.requireAPIKey)
		}
		s.Routes(api)
	})
	return r
}

// Routes registers the API routes.
func (s *Server) Routes(r chi.Router) {
	r.Post("/sessions", s.handleCreateSession)
	r.Get("/sessions/{sessionID}", s.handleGetSession)
	r.Post("/sessions/{sessionID}/answers", s.handleSubmitAnswers)
	r.Get("/students/{studentID}/profile", s.handleGetProfile)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req model.SessionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	sess, err := s.orch.Prepare(r.Context(), req)
	if err != nil {
		if sess != nil {
			s.put(sess)
		}
		writeError(w, r, err)
		return
	}
	s.put(sess)
	s.evictIdle()
	writeJSON(w, http.StatusCreated, newSessionView(sess))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	e := s.get(id)
	// A submit holds the lock for the whole grading run; readers fall back
	// to the journal instead of waiting on it.
	if e != nil && e.mu.TryLock() {
		view := newSessionView(e.sess)
		e.mu.Unlock()
		writeJSON(w, http.StatusOK, view)
		return
	}

	if s.lookup != nil {
		snap, err := s.lookup.GetSession(r.Context(), id)
		if err != nil {
			slog.Error("failed to look up session", "session", id, "error", err)
			writeMessage(w, r, http.StatusInternalServerError, "ErrInternal", nil)
			return
		}
		if snap != nil {
			writeJSON(w, http.StatusOK, snap)
			return
		}
	}
	if e != nil {
		writeMessage(w, r, http.StatusConflict, "ErrSessionBusy", nil)
		return
	}
	writeMessage(w, r, http.StatusNotFound, "ErrSessionNotFound", nil)
}

type answersRequest struct {
	Answers model.Answers `json:"answers"`
}

func (s *Server) handleSubmitAnswers(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	e := s.get(id)
	if e == nil {
		writeMessage(w, r, http.StatusNotFound, "ErrSessionNotFound", nil)
		return
	}

	var body answersRequest
	if !decodeBody(w, r, &body) {
		return
	}

	if !e.mu.TryLock() {
		writeMessage(w, r, http.StatusConflict, "ErrSessionBusy", nil)
		return
	}
	defer e.mu.Unlock()

	ctx := r.Context()
	answers, err := s.orch.CollectAnswers(ctx, e.sess, pipeline.StaticAnswers(body.Answers))
	if err != nil {
		writeError(w, r, err)
		return
	}
	out, err := s.orch.Submit(ctx, e.sess, answers)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "studentID")
	p, found, err := s.profiles.Load(r.Context(), id)
	if err != nil {
		slog.Error("failed to load profile", "student", id, "error", err)
		writeMessage(w, r, http.StatusInternalServerError, "ErrInternal", nil)
		return
	}
	if !found {
		writeMessage(w, r, http.StatusNotFound, "ErrProfileNotFound", nil)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="companion"`)
			writeMessage(w, r, http.StatusUnauthorized, "ErrUnauthorized", nil)
			return
		}
		key, err := s.keys.VerifyAPIKey(r.Context(), strings.TrimSpace(token))
		if err != nil {
			slog.Error("failed to verify api key", "error", err)
			writeMessage(w, r, http.StatusInternalServerError, "ErrInternal", nil)
			return
		}
		if key == nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="companion"`)
			writeMessage(w, r, http.StatusUnauthorized, "ErrUnauthorized", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) put(sess *pipeline.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = &entry{sess: sess, lastUsed: s.now()}
}

func (s *Server) get(id string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[id]
	if !ok {
		return nil
	}
	e.lastUsed = s.now()
	return e
}

// evictIdle drops sessions not used within the TTL. Busy sessions are kept.
func (s *Server) evictIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-s.config.SessionTTL)
	for id, e := range s.sessions {
		if e.lastUsed.Before(cutoff) && e.mu.TryLock() {
			delete(s.sessions, id)
			e.mu.Unlock()
		}
	}
}

// questionView hides answer keys until the worksheet has been graded.
type questionView struct {
	ID         int                `json:"id"`
	Kind       model.QuestionKind `json:"q_type"`
	Text       string             `json:"question_text"`
	Options    []string           `json:"options,omitempty"`
	Difficulty model.Difficulty   `json:"difficulty"`
	SkillTag   string             `json:"skill_tag,omitempty"`
}

// sessionView shadows the fields that carry answer keys. Result is never
// set on the view.
type sessionView struct {
	*pipeline.Session
	Questions []questionView          `json:"questions,omitempty"`
	Result    *model.WorksheetResult `json:"worksheet_result,omitempty"`
}

func newSessionView(sess *pipeline.Session) any {
	if sess.Evaluation != nil {
		return sess
	}
	if sess.Questions == nil {
		return sessionView{Session: sess}
	}
	qs := make([]questionView, len(sess.Questions.Questions))
	for i, q := range sess.Questions.Questions {
		qs[i] = questionView{
			ID:         q.ID,
			Kind:       q.Kind,
			Text:       q.Text,
			Options:    q.Options,
			Difficulty: q.Difficulty,
			SkillTag:   q.SkillTag,
		}
	}
	return sessionView{Session: sess, Questions: qs}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeMessage(w, r, http.StatusBadRequest, "ErrBadRequest", map[string]any{"detail": err.Error()})
		return false
	}
	return true
}

type errorBody struct {
	Error     string         `json:"error"`
	Detail    string         `json:"detail,omitempty"`
	Stage     string         `json:"stage,omitempty"`
	State     pipeline.State `json:"state,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Issues    []schema.Issue `json:"issues,omitempty"`
}

// writeError maps pipeline, schema and stage errors to HTTP responses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	body := errorBody{Detail: err.Error()}

	var se *pipeline.SessionError
	if errors.As(err, &se) {
		body.Stage = se.Stage
		body.State = se.State
		body.SessionID = se.SessionID
	}
	var ve *schema.ValidationError
	if errors.As(err, &ve) {
		body.Issues = ve.Issues
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, pipeline.ErrWrongState):
		status = http.StatusConflict
		body.Error = appI18n.T(ctx, "ErrWrongState")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
		body.Error = appI18n.T(ctx, "ErrInternal")
	case errors.Is(err, stage.ErrUnrecoverable), se != nil && se.Stage != pipeline.StageAnswers:
		status = http.StatusBadGateway
		body.Error = appI18n.Td(ctx, "ErrStageFailed", map[string]any{"Stage": body.Stage})
	case errors.Is(err, schema.ErrInvalid):
		status = http.StatusUnprocessableEntity
		body.Error = appI18n.T(ctx, "ErrInvalidRequest")
	default:
		slog.Error("request failed", "path", r.URL.Path, "error", err)
		body.Error = appI18n.T(ctx, "ErrInternal")
	}
	writeJSON(w, status, body)
}

func writeMessage(w http.ResponseWriter, r *http.Request, status int, msgID string, extra map[string]any) {
	body := map[string]any{"error": appI18n.T(r.Context(), msgID)}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}
