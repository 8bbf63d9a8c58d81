package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appI18n "github.com/pavelanni/companion/internal/i18n"
	"github.com/pavelanni/companion/internal/llm"
	"github.com/pavelanni/companion/internal/llm/prompts"
	"github.com/pavelanni/companion/internal/pipeline"
	"github.com/pavelanni/companion/internal/progress"
	"github.com/pavelanni/companion/internal/stage"
	"github.com/pavelanni/companion/internal/store"
)

var responses = map[string]string{
	"plan": `{"total_questions":1,"mcq_count":1,"short_count":0,` +
		`"difficulty_distribution":{"easy":1,"medium":0,"hard":0},"estimated_time_minutes":2}`,
	"questions": `{"questions":[{"id":1,"q_type":"mcq","question_text":"1/2 + 1/2?",` +
		`"options":["1","2"],"correct_option":"1","difficulty":"easy","skill_tag":"adding-fractions"}]}`,
	"evaluate": `{"evaluations":[{"question_id":1,"q_type":"mcq","student_answer":"1","correct_answer":"1",` +
		`"score":1,"max_score":1,"mistake_type":"correct","feedback":"Right"}],` +
		`"summary":{"total_questions":1,"total_score":1,"max_score":1,"percentage":100}}`,
	"explain":   `{"explanations":[{"question_id":1,"short_hint":"halves","explanation":"2/2 = 1"}]}`,
	"summarize": `{"summary_text":"Great","motivational_message":"Go on"}`,
}

func fakeGenerator(evaluateCalls *atomic.Int32) llm.Generator {
	return llm.GeneratorFunc(func(ctx context.Context, prompt string) (string, error) {
		name := llm.StageFromContext(ctx)
		if name == "evaluate" && evaluateCalls != nil {
			evaluateCalls.Add(1)
		}
		if name == "report" {
			for _, a := range []string{"student", "parent", "teacher"} {
				if strings.Contains(prompt, fmt.Sprintf(`"audience": %q`, a)) {
					return fmt.Sprintf(`{"audience":%q,"headline":"h","strengths_sentence":"s",`+
						`"weaknesses_sentence":"w","next_steps_sentence":"n","bullet_points":["a","b","c"]}`, a), nil
				}
			}
		}
		if r, ok := responses[name]; ok {
			return r, nil
		}
		return "", fmt.Errorf("unexpected stage %q", name)
	})
}

type testEnv struct {
	srv    *httptest.Server
	server *Server
	db     *store.Store
	token  string
}

func newTestEnv(t *testing.T, auth bool) *testEnv {
	t.Helper()
	return newTestEnvWith(t, auth, fakeGenerator(nil))
}

func newTestEnvWith(t *testing.T, auth bool, gen llm.Generator) *testEnv {
	t.Helper()
	if err := appI18n.Init("en"); err != nil {
		t.Fatalf("init i18n: %v", err)
	}
	db, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	set, err := prompts.Default()
	require.NoError(t, err)
	inv := stage.NewInvoker(gen, stage.Config{MaxRetries: 1, InitialBackoff: time.Millisecond})
	orch := pipeline.New(inv, set, progress.NewTracker(db), pipeline.WithJournal(db))

	env := &testEnv{db: db}
	opts := []Option{WithSessionLookup(db)}
	if auth {
		env.token, err = db.CreateAPIKey(context.Background(), "test")
		require.NoError(t, err)
		opts = append(opts, WithAuth(db))
	}
	env.server = New(orch, db, Config{Lang: "en"}, opts...)
	env.srv = httptest.NewServer(env.server.Handler())
	t.Cleanup(env.srv.Close)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

var studyRequest = map[string]any{
	"student_id":   "s1",
	"grade":        "Grade 6",
	"subject":      "Math",
	"topic":        "Fractions",
	"time_minutes": 5,
	"difficulty":   "easy",
}

func TestSessionFlow(t *testing.T) {
	env := newTestEnv(t, false)

	resp, created := env.do(t, http.MethodPost, "/sessions", studyRequest)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "questions_ready", created["state"])
	id, _ := created["id"].(string)
	require.NotEmpty(t, id)

	qs, _ := created["questions"].([]any)
	require.Len(t, qs, 1)
	q, _ := qs[0].(map[string]any)
	assert.NotContains(t, q, "correct_option", "answer key must stay hidden")
	assert.Equal(t, "mcq", q["q_type"])

	resp, out := env.do(t, http.MethodPost, "/sessions/"+id+"/answers", map[string]any{"answers": map[string]string{"1": "1"}})
	require.Equal(t, http.StatusOK, resp.StatusCode, out)
	assert.Equal(t, true, out["progress_applied"])
	reports, _ := out["reports"].(map[string]any)
	assert.Len(t, reports, 3)

	resp, sess := env.do(t, http.MethodGet, "/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "reported", sess["state"])

	resp, profile := env.do(t, http.MethodGet, "/students/s1/profile", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, profile["total_sessions"])
	topics, _ := profile["topics"].(map[string]any)
	fractions, _ := topics["Fractions"].(map[string]any)
	skills, _ := fractions["skills"].(map[string]any)
	skill, _ := skills["adding-fractions"].(map[string]any)
	assert.EqualValues(t, 100, skill["accuracy"])

	// Resubmitting a finished session is a conflict.
	resp, _ = env.do(t, http.MethodPost, "/sessions/"+id+"/answers", map[string]any{"answers": map[string]string{}})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestFailedGradingKeepsAnswerKeyHidden(t *testing.T) {
	base := fakeGenerator(nil)
	env := newTestEnvWith(t, false, llm.GeneratorFunc(func(ctx context.Context, prompt string) (string, error) {
		if llm.StageFromContext(ctx) == "evaluate" {
			return "", errors.New("connection refused")
		}
		return base.Generate(ctx, prompt)
	}))
	_, created := env.do(t, http.MethodPost, "/sessions", studyRequest)
	id, _ := created["id"].(string)
	require.NotEmpty(t, id)

	resp, out := env.do(t, http.MethodPost, "/sessions/"+id+"/answers", map[string]any{"answers": map[string]string{"1": "2"}})
	require.Equal(t, http.StatusBadGateway, resp.StatusCode, out)
	assert.Equal(t, "evaluate", out["stage"])

	resp, err := http.Get(env.srv.URL + "/sessions/" + id)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	body := string(raw)
	assert.Contains(t, body, `"state":"awaiting_answers"`)
	assert.NotContains(t, body, "worksheet_result")
	assert.NotContains(t, body, "correct_option")
	assert.NotContains(t, body, `"answer"`)
}

func TestGetSessionWhileSubmitting(t *testing.T) {
	env := newTestEnv(t, false)
	_, created := env.do(t, http.MethodPost, "/sessions", studyRequest)
	id, _ := created["id"].(string)
	require.NotEmpty(t, id)

	e := env.server.get(id)
	require.NotNil(t, e)
	e.mu.Lock()
	defer e.mu.Unlock()

	// The journal answers while the in-memory session is held.
	resp, snap := env.do(t, http.MethodGet, "/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "questions_ready", snap["state"])
	assert.NotContains(t, snap, "questions")

	// Without a journal there is nothing to serve.
	s := New(nil, nil, Config{Lang: "en"})
	s.put(&pipeline.Session{ID: "held"})
	held := s.get("held")
	held.mu.Lock()
	defer held.mu.Unlock()
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	r, err := http.Get(srv.URL + "/sessions/held")
	require.NoError(t, err)
	defer r.Body.Close()
	assert.Equal(t, http.StatusConflict, r.StatusCode)
}

func TestCreateSessionValidation(t *testing.T) {
	env := newTestEnv(t, false)

	bad := map[string]any{"student_id": "s1", "grade": "6", "subject": "Math", "topic": "F", "time_minutes": 500, "difficulty": "easy"}
	resp, out := env.do(t, http.MethodPost, "/sessions", bad)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	issues, _ := out["issues"].([]any)
	require.Len(t, issues, 1)
	issue, _ := issues[0].(map[string]any)
	assert.Equal(t, "time_minutes", issue["field"])

	resp, _ = env.do(t, http.MethodPost, "/sessions", `{"student_id": "s1", "extra": true}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/sessions", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmitUnknownQuestion(t *testing.T) {
	env := newTestEnv(t, false)
	_, created := env.do(t, http.MethodPost, "/sessions", studyRequest)
	id, _ := created["id"].(string)

	resp, out := env.do(t, http.MethodPost, "/sessions/"+id+"/answers", map[string]any{"answers": map[string]string{"9": "x"}})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "answers", out["stage"])
	assert.Equal(t, "awaiting_answers", out["state"])
}

func TestNotFound(t *testing.T) {
	env := newTestEnv(t, false)

	resp, out := env.do(t, http.MethodGet, "/sessions/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Session not found.", out["error"])

	resp, _ = env.do(t, http.MethodPost, "/sessions/nope/answers", map[string]any{"answers": map[string]string{}})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/students/nobody/profile", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestJournalFallback(t *testing.T) {
	env := newTestEnv(t, false)
	_, created := env.do(t, http.MethodPost, "/sessions", studyRequest)
	id, _ := created["id"].(string)

	// A fresh server over the same database only knows the journaled snapshot.
	set, _ := prompts.Default()
	orch := pipeline.New(stage.NewInvoker(fakeGenerator(nil), stage.DefaultConfig()), set, progress.NewTracker(env.db))
	srv := httptest.NewServer(New(orch, env.db, Config{}, WithSessionLookup(env.db)).Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/sessions/" + id)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, "questions_ready", snap["state"])
	assert.Equal(t, "Fractions", snap["topic"])
}

func TestAuth(t *testing.T) {
	env := newTestEnv(t, true)

	resp, _ := env.do(t, http.MethodGet, "/students/s1/profile", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "valid key passes")

	env.token = "bogus.token"
	resp, out := env.do(t, http.MethodGet, "/students/s1/profile", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "A valid API key is required.", out["error"])

	env.token = ""
	resp, _ = env.do(t, http.MethodPost, "/sessions", studyRequest)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Health and metrics stay open.
	resp, _ = env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = env.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLocalizedErrors(t *testing.T) {
	env := newTestEnv(t, false)
	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/sessions/nope", nil)
	require.NoError(t, err)
	req.Header.Set("Accept-Language", "ru")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "Сессия не найдена.", out["error"])
}

func TestEvictIdle(t *testing.T) {
	s := New(nil, nil, Config{SessionTTL: time.Minute})
	now := time.Now()
	s.now = func() time.Time { return now }
	s.put(&pipeline.Session{ID: "old"})
	s.put(&pipeline.Session{ID: "busy"})
	busy := s.get("busy")
	busy.mu.Lock()
	defer busy.mu.Unlock()

	now = now.Add(2 * time.Minute)
	s.put(&pipeline.Session{ID: "new"})
	s.evictIdle()

	assert.Nil(t, s.get("old"))
	assert.NotNil(t, s.get("busy"))
	assert.NotNil(t, s.get("new"))
}
