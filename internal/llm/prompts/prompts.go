package prompts

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"

	"github.com/pavelanni/companion/internal/model"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var (
	studentAnswerRegex      = regexp.MustCompile(`(?i)</?\s*student-answer\b[^>]*>`)
	systemInstructionsRegex = regexp.MustCompile(`(?i)</?\s*system-instructions\b[^>]*>`)
)

const maxAnswerRunes = 2000

// Kind names a pipeline stage prompt.
type Kind string

const (
	KindPlan      Kind = "plan"
	KindQuestions Kind = "questions"
	KindEvaluate  Kind = "evaluate"
	KindExplain   Kind = "explain"
	KindSummarize Kind = "summarize"
	KindReport    Kind = "report"
)

var kinds = []Kind{KindPlan, KindQuestions, KindEvaluate, KindExplain, KindSummarize, KindReport}

// Data is passed to every template.
type Data struct {
	Grade    string
	Subject  string
	Topic    string
	Audience model.Audience
	// Payload is the indented JSON input for the stage.
	Payload string
}

// Set holds one parsed template per stage.
type Set struct {
	templates map[Kind]*template.Template
}

var (
	defaultOnce sync.Once
	defaultSet  *Set
	defaultErr  error
)

// Default returns the embedded template set, parsing it on first use.
func Default() (*Set, error) {
	defaultOnce.Do(func() {
		sub, err := fs.Sub(templateFS, "templates")
		if err != nil {
			defaultErr = err
			return
		}
		defaultSet, defaultErr = Load(sub)
	})
	return defaultSet, defaultErr
}

// Load parses <kind>.tmpl for every stage from fsys.
func Load(fsys fs.FS) (*Set, error) {
	s := &Set{templates: make(map[Kind]*template.Template, len(kinds))}
	for _, k := range kinds {
		name := string(k) + ".tmpl"
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read prompt file %s: %w", name, err)
		}
		tmpl, err := template.New(string(k)).Parse(string(content))
		if err != nil {
			return nil, fmt.Errorf("parse prompt template %s: %w", name, err)
		}
		s.templates[k] = tmpl
	}
	return s, nil
}

func (s *Set) render(k Kind, data Data, payload any) (string, error) {
	tmpl, ok := s.templates[k]
	if !ok {
		return "", fmt.Errorf("no template for stage %q", k)
	}
	b, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal %s payload: %w", k, err)
	}
	data.Payload = string(b)

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute %s template: %w", k, err)
	}
	return buf.String(), nil
}

// Plan builds the study plan prompt.
func (s *Set) Plan(req model.SessionRequest) (string, error) {
	return s.render(KindPlan, dataFor(req), map[string]any{
		"grade":        req.Grade,
		"subject":      req.Subject,
		"topic":        req.Topic,
		"time_minutes": req.TimeMinutes,
		"difficulty":   req.Difficulty,
	})
}

// Questions builds the question generation prompt for an accepted plan.
func (s *Set) Questions(req model.SessionRequest, plan model.StudyPlan) (string, error) {
	return s.render(KindQuestions, dataFor(req), map[string]any{
		"grade":      req.Grade,
		"subject":    req.Subject,
		"topic":      req.Topic,
		"study_plan": plan,
	})
}

// Evaluate builds the grading prompt. Student answers are sanitized first.
func (s *Set) Evaluate(req model.SessionRequest, result model.WorksheetResult) (string, error) {
	return s.render(KindEvaluate, dataFor(req), map[string]any{
		"worksheet_result": sanitizeResult(result),
	})
}

// Explain builds the hint and explanation prompt.
func (s *Set) Explain(req model.SessionRequest, result model.WorksheetResult, eval model.WorksheetEvaluation) (string, error) {
	return s.render(KindExplain, dataFor(req), map[string]any{
		"worksheet_result":     sanitizeResult(result),
		"worksheet_evaluation": eval,
	})
}

// Summarize builds the narrative progress prompt from the updated profile.
func (s *Set) Summarize(req model.SessionRequest, profile model.ProgressProfile, eval model.WorksheetEvaluation) (string, error) {
	return s.render(KindSummarize, dataFor(req), map[string]any{
		"progress_profile":     profile,
		"worksheet_evaluation": eval,
	})
}

// Report builds the report prompt for one audience.
func (s *Set) Report(req model.SessionRequest, profile model.ProgressProfile, summary model.ProgressSummary, audience model.Audience) (string, error) {
	data := dataFor(req)
	data.Audience = audience
	return s.render(KindReport, data, map[string]any{
		"audience":         audience,
		"progress_profile": profile,
		"progress_summary": summary,
	})
}

func dataFor(req model.SessionRequest) Data {
	return Data{Grade: req.Grade, Subject: req.Subject, Topic: req.Topic}
}

func sanitizeResult(result model.WorksheetResult) model.WorksheetResult {
	out := model.WorksheetResult{
		Questions: result.Questions,
		Answers:   make([]model.StudentAnswer, len(result.Answers)),
	}
	for i, a := range result.Answers {
		a.Text = sanitizeAnswer(a.Text)
		out.Answers[i] = a
	}
	return out
}

func sanitizeAnswer(answer string) string {
	answer = studentAnswerRegex.ReplaceAllString(answer, "")
	answer = systemInstructionsRegex.ReplaceAllString(answer, "")
	answer = strings.TrimSpace(answer)

	if answer == "" {
		return "[No answer provided]"
	}

	if utf8.RuneCountInString(answer) > maxAnswerRunes {
		runes := []rune(answer)
		runes = runes[:maxAnswerRunes]
		answer = string(runes) + "\n\n[Answer truncated due to length]"
	}

	return answer
}
