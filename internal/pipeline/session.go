package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pavelanni/companion/internal/model"
)

// State is the position of a session in the study loop.
type State string

const (
	StateIdle            State = "idle"
	StatePlanned         State = "planned"
	StateQuestionsReady  State = "questions_ready"
	StateAwaitingAnswers State = "awaiting_answers"
	StateEvaluated       State = "evaluated"
	StateExplained       State = "explained"
	StateProgressUpdated State = "progress_updated"
	StateReported        State = "reported"
)

// Stage names used in errors, logs, metrics and the journal.
const (
	StagePlan      = "plan"
	StageQuestions = "questions"
	StageAnswers   = "answers"
	StageEvaluate  = "evaluate"
	StageExplain   = "explain"
	StageSummarize = "summarize"
	StageProgress  = "progress"
	StageReport    = "report"
)

// ErrWrongState is returned when an operation is called out of order.
var ErrWrongState = errors.New("session in wrong state")

// Session carries everything produced for one worksheet.
// A Session must not be used by more than one goroutine at a time.
type Session struct {
	ID           string                          `json:"id"`
	Request      model.SessionRequest            `json:"request"`
	State        State                           `json:"state"`
	Plan         *model.StudyPlan                `json:"plan,omitempty"`
	Questions    *model.QuestionSet              `json:"questions,omitempty"`
	Result       *model.WorksheetResult          `json:"worksheet_result,omitempty"`
	Evaluation   *model.WorksheetEvaluation      `json:"evaluation,omitempty"`
	Explanations *model.ExplanationSet           `json:"explanations,omitempty"`
	Profile      *model.ProgressProfile          `json:"progress_profile,omitempty"`
	Summary      *model.ProgressSummary          `json:"progress_summary,omitempty"`
	Reports      map[model.Audience]model.Report `json:"reports,omitempty"`
	ReportErrors map[model.Audience]string       `json:"report_errors,omitempty"`
	FailedStage  string                          `json:"failed_stage,omitempty"`
	LastError    string                          `json:"last_error,omitempty"`
	CreatedAt    time.Time                       `json:"created_at"`
}

// Snapshot returns the journal view of the session.
func (s *Session) Snapshot() model.SessionSnapshot {
	return model.SessionSnapshot{
		ID:          s.ID,
		StudentID:   s.Request.StudentID,
		Grade:       s.Request.Grade,
		Subject:     s.Request.Subject,
		Topic:       s.Request.Topic,
		State:       string(s.State),
		FailedStage: s.FailedStage,
		LastError:   s.LastError,
		CreatedAt:   s.CreatedAt,
	}
}

func (s *Session) expect(states ...State) error {
	for _, st := range states {
		if s.State == st {
			return nil
		}
	}
	return fmt.Errorf("%w: session %s is %s, want %v", ErrWrongState, s.ID, s.State, states)
}

// SessionError reports the stage that stopped a session and the state it was left in.
type SessionError struct {
	SessionID string
	Stage     string
	State     State
	Err       error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session %s: %s failed in state %s: %v", e.SessionID, e.Stage, e.State, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// Journal receives session transitions and validated records.
type Journal interface {
	RecordState(ctx context.Context, snap model.SessionSnapshot) error
	RecordFailure(ctx context.Context, sessionID, stage, lastErr string) error
	RecordArtifact(ctx context.Context, sessionID, kind string, payload any) error
}

type nopJournal struct{}

func (nopJournal) RecordState(context.Context, model.SessionSnapshot) error { return nil }
func (nopJournal) RecordFailure(context.Context, string, string, string) error { return nil }
func (nopJournal) RecordArtifact(context.Context, string, string, any) error { return nil }

// AnswerSource collects a student's answers to a question set.
type AnswerSource interface {
	Answers(ctx context.Context, qs model.QuestionSet) (model.Answers, error)
}

// StaticAnswers is an AnswerSource for answers that are already known.
type StaticAnswers model.Answers

func (a StaticAnswers) Answers(context.Context, model.QuestionSet) (model.Answers, error) {
	return model.Answers(a), nil
}
