package progress

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pavelanni/companion/internal/model"
)

// Store persists progress profiles.
type Store interface {
	// Load returns the stored profile; found is false for a new student.
	Load(ctx context.Context, studentID string) (profile model.ProgressProfile, found bool, err error)
	// Save writes profile and marks sessionID applied, atomically.
	Save(ctx context.Context, profile model.ProgressProfile, sessionID string) error
	SessionApplied(ctx context.Context, studentID, sessionID string) (bool, error)
}

// Update is one evaluated session to fold into a student's profile.
type Update struct {
	SessionID string
	StudentID string
	Grade     string
	Subject   string
	Topic     string
	Result    model.WorksheetResult
	Eval      model.WorksheetEvaluation
}

// Tracker serializes profile updates per student.
type Tracker struct {
	store Store
	locks keyedMutex
}

// NewTracker creates a tracker over store.
func NewTracker(store Store) *Tracker {
	return &Tracker{store: store}
}

// Profile returns the stored profile, or a fresh one when the student is new.
func (t *Tracker) Profile(ctx context.Context, studentID, grade, subject string) (model.ProgressProfile, error) {
	p, found, err := t.store.Load(ctx, studentID)
	if err != nil {
		return model.ProgressProfile{}, fmt.Errorf("load profile %s: %w", studentID, err)
	}
	if !found {
		return model.NewProgressProfile(studentID, grade, subject), nil
	}
	if p.Grade == "" {
		p.Grade = grade
	}
	if p.Subject == "" {
		p.Subject = subject
	}
	return p, nil
}

// Preview computes the profile u would produce without saving it.
func (t *Tracker) Preview(ctx context.Context, u Update) (model.ProgressProfile, []Skip, error) {
	p, err := t.Profile(ctx, u.StudentID, u.Grade, u.Subject)
	if err != nil {
		return model.ProgressProfile{}, nil, err
	}
	next, skips := Apply(p, u.Topic, u.Result, u.Eval)
	return next, skips, nil
}

// Commit applies u under the student's lock and saves it.
// A session that was already applied leaves the profile as is and reports applied=false.
func (t *Tracker) Commit(ctx context.Context, u Update) (profile model.ProgressProfile, applied bool, err error) {
	unlock := t.locks.Lock(u.StudentID)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return model.ProgressProfile{}, false, err
	}

	done, err := t.store.SessionApplied(ctx, u.StudentID, u.SessionID)
	if err != nil {
		return model.ProgressProfile{}, false, fmt.Errorf("check session %s: %w", u.SessionID, err)
	}
	if done {
		slog.Info("session already applied", "student", u.StudentID, "session", u.SessionID)
		p, err := t.Profile(ctx, u.StudentID, u.Grade, u.Subject)
		return p, false, err
	}

	p, err := t.Profile(ctx, u.StudentID, u.Grade, u.Subject)
	if err != nil {
		return model.ProgressProfile{}, false, err
	}
	next, skips := Apply(p, u.Topic, u.Result, u.Eval)
	for _, s := range skips {
		slog.Warn("aggregation skip", "student", u.StudentID, "session", u.SessionID, "question", s.QuestionID, "reason", s.Reason)
	}

	if err := t.store.Save(ctx, next, u.SessionID); err != nil {
		return model.ProgressProfile{}, false, fmt.Errorf("save profile %s: %w", u.StudentID, err)
	}
	slog.Info("progress updated",
		"student", u.StudentID,
		"session", u.SessionID,
		"topic", u.Topic,
		"total_sessions", next.TotalSessions,
		"last_percentage", next.LastPercentage,
	)
	return next, true, nil
}

// keyedMutex hands out one mutex per key and drops it when nobody holds or waits on it.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// MemoryStore keeps profiles in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]model.ProgressProfile
	applied  map[string]map[string]struct{}
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles: make(map[string]model.ProgressProfile),
		applied:  make(map[string]map[string]struct{}),
	}
}

func (m *MemoryStore) Load(_ context.Context, studentID string) (model.ProgressProfile, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[studentID]
	if !ok {
		return model.ProgressProfile{}, false, nil
	}
	return p.Clone(), true, nil
}

func (m *MemoryStore) Save(_ context.Context, profile model.ProgressProfile, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[profile.StudentID] = profile.Clone()
	if sessionID != "" {
		s, ok := m.applied[profile.StudentID]
		if !ok {
			s = make(map[string]struct{})
			m.applied[profile.StudentID] = s
		}
		s[sessionID] = struct{}{}
	}
	return nil
}

func (m *MemoryStore) SessionApplied(_ context.Context, studentID, sessionID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.applied[studentID][sessionID]
	return ok, nil
}
