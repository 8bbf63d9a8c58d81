package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/companion/internal/llm/prompts"
	"github.com/pavelanni/companion/internal/model"
	"github.com/pavelanni/companion/internal/progress"
	"github.com/pavelanni/companion/internal/schema"
	"github.com/pavelanni/companion/internal/stage"
)

var (
	sessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "companion_sessions_total",
		Help: "Sessions by the operation that finished or stopped them",
	}, []string{"operation", "result"})

	reportFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "companion_report_failures_total",
		Help: "Reports that could not be produced, by audience",
	}, []string{"audience"})
)

// Outcome is what a submitted worksheet produces.
type Outcome struct {
	SessionID       string                          `json:"session_id"`
	Evaluation      model.WorksheetEvaluation       `json:"evaluation"`
	Explanations    model.ExplanationSet            `json:"explanations"`
	Profile         model.ProgressProfile           `json:"progress_profile"`
	ProgressApplied bool                            `json:"progress_applied"`
	Summary         model.ProgressSummary           `json:"progress_summary"`
	Reports         map[model.Audience]model.Report `json:"reports"`
	ReportErrors    map[model.Audience]string       `json:"report_errors,omitempty"`
	Skips           []progress.Skip                 `json:"-"`
}

// Orchestrator drives sessions through the stages.
type Orchestrator struct {
	inv     *stage.Invoker
	prompts *prompts.Set
	tracker *progress.Tracker
	journal Journal
	now     func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithJournal records every transition and validated record in j.
func WithJournal(j Journal) Option {
	return func(o *Orchestrator) {
		if j != nil {
			o.journal = j
		}
	}
}

// New creates an orchestrator.
func New(inv *stage.Invoker, p *prompts.Set, tracker *progress.Tracker, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		inv:     inv,
		prompts: p,
		tracker: tracker,
		journal: nopJournal{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Prepare validates req, plans the worksheet and generates questions that follow the plan.
func (o *Orchestrator) Prepare(ctx context.Context, req model.SessionRequest) (*Session, error) {
	if err := schema.Struct(&req); err != nil {
		return nil, err
	}

	sess := &Session{
		ID:        uuid.NewString(),
		Request:   req,
		State:     StateIdle,
		CreatedAt: o.now(),
	}
	log := slog.With("session", sess.ID, "student", req.StudentID)
	log.Info("session started", "topic", req.Topic, "difficulty", req.Difficulty, "time_minutes", req.TimeMinutes)
	o.recordState(ctx, sess)

	prompt, err := o.prompts.Plan(req)
	if err != nil {
		return sess, o.fail(ctx, sess, StagePlan, err)
	}
	plan, err := stage.Run(ctx, o.inv, stage.Request[model.StudyPlan]{Stage: StagePlan, Prompt: prompt})
	if err != nil {
		return sess, o.fail(ctx, sess, StagePlan, err)
	}
	sess.Plan = &plan
	o.advance(ctx, sess, StatePlanned, StagePlan, plan)

	prompt, err = o.prompts.Questions(req, plan)
	if err != nil {
		return sess, o.fail(ctx, sess, StageQuestions, err)
	}
	qs, err := stage.Run(ctx, o.inv, stage.Request[model.QuestionSet]{
		Stage:  StageQuestions,
		Prompt: prompt,
		Check:  planContract(plan),
	})
	if err != nil {
		return sess, o.fail(ctx, sess, StageQuestions, err)
	}
	sess.Questions = &qs
	o.advance(ctx, sess, StateQuestionsReady, StageQuestions, qs)
	sessionsTotal.WithLabelValues("prepare", "ok").Inc()
	log.Info("worksheet ready", "questions", len(qs.Questions), "mcq", plan.MCQCount, "short", plan.ShortCount)
	return sess, nil
}

// CollectAnswers presents the questions to src and returns what it collected.
func (o *Orchestrator) CollectAnswers(ctx context.Context, sess *Session, src AnswerSource) (model.Answers, error) {
	if err := sess.expect(StateQuestionsReady, StateAwaitingAnswers); err != nil {
		return nil, err
	}
	if sess.State != StateAwaitingAnswers {
		sess.State = StateAwaitingAnswers
		o.recordState(ctx, sess)
	}
	answers, err := src.Answers(ctx, *sess.Questions)
	if err != nil {
		return nil, &SessionError{SessionID: sess.ID, Stage: StageAnswers, State: sess.State, Err: err}
	}
	return answers, nil
}

// Submit grades the answers, explains every question, updates the student's
// progress and writes the reports. The profile is saved only after both the
// explanation and the summary succeeded.
func (o *Orchestrator) Submit(ctx context.Context, sess *Session, answers model.Answers) (*Outcome, error) {
	if err := sess.expect(StateAwaitingAnswers); err != nil {
		return nil, err
	}
	req := sess.Request
	log := slog.With("session", sess.ID, "student", req.StudentID)

	result, err := buildResult(*sess.Questions, answers)
	if err != nil {
		// The student can resubmit; the session stays where it is.
		return nil, &SessionError{SessionID: sess.ID, Stage: StageAnswers, State: sess.State, Err: err}
	}
	o.artifact(ctx, sess, StageAnswers, result)

	prompt, err := o.prompts.Evaluate(req, result)
	if err != nil {
		return nil, o.fail(ctx, sess, StageEvaluate, err)
	}
	eval, err := stage.Run(ctx, o.inv, stage.Request[model.WorksheetEvaluation]{
		Stage:  StageEvaluate,
		Prompt: prompt,
		Check:  gradesWorksheet(result.Questions),
	})
	if err != nil {
		return nil, o.fail(ctx, sess, StageEvaluate, err)
	}
	sess.Result = &result
	sess.Evaluation = &eval
	o.advance(ctx, sess, StateEvaluated, StageEvaluate, eval)
	log.Info("worksheet evaluated", "score", eval.Summary.TotalScore, "max", eval.Summary.MaxScore, "percentage", eval.Summary.Percentage)

	update := progress.Update{
		SessionID: sess.ID,
		StudentID: req.StudentID,
		Grade:     req.Grade,
		Subject:   req.Subject,
		Topic:     req.Topic,
		Result:    result,
		Eval:      eval,
	}

	var (
		explanations model.ExplanationSet
		summary      model.ProgressSummary
		skips        []progress.Skip
		failedStage  string
		stageOnce    sync.Once
	)
	markFailed := func(name string, err error) error {
		stageOnce.Do(func() { failedStage = name })
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		prompt, err := o.prompts.Explain(req, result, eval)
		if err != nil {
			return markFailed(StageExplain, err)
		}
		explanations, err = stage.Run(gctx, o.inv, stage.Request[model.ExplanationSet]{
			Stage:  StageExplain,
			Prompt: prompt,
			Check:  explainsQuestions(result.Questions),
		})
		if err != nil {
			return markFailed(StageExplain, err)
		}
		return nil
	})
	g.Go(func() error {
		preview, previewSkips, err := o.tracker.Preview(gctx, update)
		if err != nil {
			return markFailed(StageProgress, err)
		}
		skips = previewSkips
		prompt, err := o.prompts.Summarize(req, preview, eval)
		if err != nil {
			return markFailed(StageSummarize, err)
		}
		summary, err = stage.Run(gctx, o.inv, stage.Request[model.ProgressSummary]{
			Stage:  StageSummarize,
			Prompt: prompt,
		})
		if err != nil {
			return markFailed(StageSummarize, err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, o.fail(ctx, sess, failedStage, err)
	}

	sess.Explanations = &explanations
	o.advance(ctx, sess, StateExplained, StageExplain, explanations)
	sess.Summary = &summary
	o.artifact(ctx, sess, StageSummarize, summary)

	profile, applied, err := o.tracker.Commit(ctx, update)
	if err != nil {
		return nil, o.fail(ctx, sess, StageProgress, err)
	}
	sess.Profile = &profile
	o.advance(ctx, sess, StateProgressUpdated, StageProgress, profile)

	reports, reportErrs := o.reports(ctx, req, profile, summary)
	sess.Reports = reports
	if len(reportErrs) > 0 {
		sess.ReportErrors = make(map[model.Audience]string, len(reportErrs))
		for a, err := range reportErrs {
			sess.ReportErrors[a] = err.Error()
			reportFailures.WithLabelValues(string(a)).Inc()
		}
	}
	if len(reports) == 0 {
		return nil, o.fail(ctx, sess, StageReport, joinReportErrors(reportErrs))
	}
	for a, r := range reports {
		o.artifact(ctx, sess, StageReport+":"+string(a), r)
	}
	sess.State = StateReported
	o.recordState(ctx, sess)
	sessionsTotal.WithLabelValues("submit", "ok").Inc()
	log.Info("session complete", "reports", len(reports), "report_failures", len(reportErrs), "progress_applied", applied)

	return &Outcome{
		SessionID:       sess.ID,
		Evaluation:      eval,
		Explanations:    explanations,
		Profile:         profile,
		ProgressApplied: applied,
		Summary:         summary,
		Reports:         reports,
		ReportErrors:    sess.ReportErrors,
		Skips:           skips,
	}, nil
}

// Run executes a whole session: prepare, collect answers from src and submit them.
func (o *Orchestrator) Run(ctx context.Context, req model.SessionRequest, src AnswerSource) (*Session, *Outcome, error) {
	sess, err := o.Prepare(ctx, req)
	if err != nil {
		return sess, nil, err
	}
	answers, err := o.CollectAnswers(ctx, sess, src)
	if err != nil {
		return sess, nil, err
	}
	out, err := o.Submit(ctx, sess, answers)
	return sess, out, err
}

// reports runs one report stage per audience concurrently. Each audience is retried
// on its own; a failure of one does not cancel the others.
func (o *Orchestrator) reports(ctx context.Context, req model.SessionRequest, profile model.ProgressProfile, summary model.ProgressSummary) (map[model.Audience]model.Report, map[model.Audience]error) {
	var (
		mu      sync.Mutex
		reports = make(map[model.Audience]model.Report, len(model.Audiences))
		errs    = make(map[model.Audience]error)
		g       errgroup.Group
	)
	for _, audience := range model.Audiences {
		g.Go(func() error {
			r, err := o.report(ctx, req, profile, summary, audience)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				slog.Warn("report failed", "student", req.StudentID, "audience", audience, "error", err)
				errs[audience] = err
				return nil
			}
			reports[audience] = r
			return nil
		})
	}
	_ = g.Wait()
	return reports, errs
}

func (o *Orchestrator) report(ctx context.Context, req model.SessionRequest, profile model.ProgressProfile, summary model.ProgressSummary, audience model.Audience) (model.Report, error) {
	prompt, err := o.prompts.Report(req, profile, summary, audience)
	if err != nil {
		return model.Report{}, err
	}
	return stage.Run(ctx, o.inv, stage.Request[model.Report]{
		Stage:  StageReport,
		Prompt: prompt,
		Check: func(r model.Report) error {
			if r.Audience != audience {
				return schema.Invalid("Report", "audience", "audience_match", fmt.Sprintf("want %s, got %s", audience, r.Audience))
			}
			return nil
		},
	})
}

func (o *Orchestrator) advance(ctx context.Context, sess *Session, to State, kind string, record any) {
	sess.State = to
	o.recordState(ctx, sess)
	o.artifact(ctx, sess, kind, record)
}

func (o *Orchestrator) recordState(ctx context.Context, sess *Session) {
	if err := o.journal.RecordState(context.WithoutCancel(ctx), sess.Snapshot()); err != nil {
		slog.Warn("journal state failed", "session", sess.ID, "state", sess.State, "error", err)
	}
}

func (o *Orchestrator) artifact(ctx context.Context, sess *Session, kind string, record any) {
	if err := o.journal.RecordArtifact(context.WithoutCancel(ctx), sess.ID, kind, record); err != nil {
		slog.Warn("journal artifact failed", "session", sess.ID, "kind", kind, "error", err)
	}
}

// fail records the failure on the session and returns it as a SessionError.
// The session keeps the last state it reached.
func (o *Orchestrator) fail(ctx context.Context, sess *Session, stageName string, err error) error {
	sess.FailedStage = stageName
	sess.LastError = err.Error()
	slog.Error("session stage failed",
		"session", sess.ID,
		"student", sess.Request.StudentID,
		"stage", stageName,
		"state", sess.State,
		"unrecoverable", errors.Is(err, stage.ErrUnrecoverable),
		"error", err,
	)
	if jerr := o.journal.RecordFailure(context.WithoutCancel(ctx), sess.ID, stageName, sess.LastError); jerr != nil {
		slog.Warn("journal failure failed", "session", sess.ID, "error", jerr)
	}
	sessionsTotal.WithLabelValues(stageName, "failed").Inc()
	return &SessionError{SessionID: sess.ID, Stage: stageName, State: sess.State, Err: err}
}

func joinReportErrors(errs map[model.Audience]error) error {
	audiences := make([]string, 0, len(errs))
	for a := range errs {
		audiences = append(audiences, string(a))
	}
	sort.Strings(audiences)
	list := make([]error, 0, len(audiences))
	for _, a := range audiences {
		list = append(list, fmt.Errorf("%s: %w", a, errs[model.Audience(a)]))
	}
	return fmt.Errorf("no report could be produced: %w", errors.Join(list...))
}
