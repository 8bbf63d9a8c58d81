package schema

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/pavelanni/companion/internal/model"
)

const (
	// PercentageTolerance is how far a reported percentage may drift from
	// 100 * total_score / max_score, in percentage points.
	PercentageTolerance = 0.5
	// ScoreTolerance absorbs float rounding when summing per-question scores.
	ScoreTolerance = 0.01
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterStructValidation(studyPlanRules, model.StudyPlan{})
	v.RegisterStructValidation(questionRules, model.Question{})
	v.RegisterStructValidation(questionSetRules, model.QuestionSet{})
	v.RegisterStructValidation(worksheetResultRules, model.WorksheetResult{})
	v.RegisterStructValidation(questionEvaluationRules, model.QuestionEvaluation{})
	v.RegisterStructValidation(worksheetEvaluationRules, model.WorksheetEvaluation{})
	v.RegisterStructValidation(explanationSetRules, model.ExplanationSet{})
	return v
}

// Validator exposes the shared validator so request types outside the record set
// (session requests, API payloads) get the same tag names and messages.
func Validator() *validator.Validate {
	return validate
}

func studyPlanRules(sl validator.StructLevel) {
	p := sl.Current().Interface().(model.StudyPlan)
	if p.MCQCount+p.ShortCount != p.TotalQuestions {
		sl.ReportError(p.MCQCount, "mcq_count", "MCQCount", "kind_sum",
			fmt.Sprintf("%d+%d!=%d", p.MCQCount, p.ShortCount, p.TotalQuestions))
	}
	sum := 0
	for _, n := range p.DifficultyDistribution {
		sum += n
	}
	if sum != p.TotalQuestions {
		sl.ReportError(p.DifficultyDistribution, "difficulty_distribution", "DifficultyDistribution", "difficulty_sum",
			fmt.Sprintf("%d!=%d", sum, p.TotalQuestions))
	}
}

func questionRules(sl validator.StructLevel) {
	q := sl.Current().Interface().(model.Question)
	switch q.Kind {
	case model.KindMCQ:
		if len(q.Options) == 0 {
			sl.ReportError(q.Options, "options", "Options", "required_for_mcq", "")
		}
		if strings.TrimSpace(q.CorrectOption) == "" {
			sl.ReportError(q.CorrectOption, "correct_option", "CorrectOption", "required_for_mcq", "")
		}
		if q.Answer != "" {
			sl.ReportError(q.Answer, "answer", "Answer", "kind_exclusive", "mcq")
		}
	case model.KindShort:
		if strings.TrimSpace(q.Answer) == "" {
			sl.ReportError(q.Answer, "answer", "Answer", "required_for_short", "")
		}
		if len(q.Options) > 0 {
			sl.ReportError(q.Options, "options", "Options", "kind_exclusive", "short")
		}
		if q.CorrectOption != "" {
			sl.ReportError(q.CorrectOption, "correct_option", "CorrectOption", "kind_exclusive", "short")
		}
	}
}

func questionSetRules(sl validator.StructLevel) {
	qs := sl.Current().Interface().(model.QuestionSet)
	for i, q := range qs.Questions {
		if q.ID != i+1 {
			sl.ReportError(q.ID, fmt.Sprintf("questions[%d].id", i), "ID", "contiguous_ids", strconv.Itoa(i+1))
		}
	}
}

func worksheetResultRules(sl validator.StructLevel) {
	wr := sl.Current().Interface().(model.WorksheetResult)
	ids := make(map[int]bool, len(wr.Questions))
	for _, q := range wr.Questions {
		ids[q.ID] = true
	}
	seen := make(map[int]bool, len(wr.Answers))
	for i, a := range wr.Answers {
		field := fmt.Sprintf("answers[%d].question_id", i)
		if !ids[a.QuestionID] {
			sl.ReportError(a.QuestionID, field, "QuestionID", "unknown_question", strconv.Itoa(a.QuestionID))
		}
		if seen[a.QuestionID] {
			sl.ReportError(a.QuestionID, field, "QuestionID", "duplicate_answer", strconv.Itoa(a.QuestionID))
		}
		seen[a.QuestionID] = true
	}
}

func questionEvaluationRules(sl validator.StructLevel) {
	ev := sl.Current().Interface().(model.QuestionEvaluation)
	if ev.Score > ev.MaxScore {
		sl.ReportError(ev.Score, "score", "Score", "score_range", strconv.FormatFloat(ev.MaxScore, 'f', -1, 64))
	}
}

func worksheetEvaluationRules(sl validator.StructLevel) {
	we := sl.Current().Interface().(model.WorksheetEvaluation)
	var total, maxTotal float64
	seen := make(map[int]bool, len(we.Evaluations))
	for i, ev := range we.Evaluations {
		if seen[ev.QuestionID] {
			sl.ReportError(ev.QuestionID, fmt.Sprintf("evaluations[%d].question_id", i), "QuestionID",
				"duplicate_question_id", strconv.Itoa(ev.QuestionID))
		}
		seen[ev.QuestionID] = true
		total += ev.Score
		maxTotal += ev.MaxScore
	}

	s := we.Summary
	if s.TotalQuestions != len(we.Evaluations) {
		sl.ReportError(s.TotalQuestions, "summary.total_questions", "TotalQuestions", "evaluation_count",
			strconv.Itoa(len(we.Evaluations)))
	}
	if math.Abs(s.TotalScore-total) > ScoreTolerance {
		sl.ReportError(s.TotalScore, "summary.total_score", "TotalScore", "score_sum", formatFloat(total))
	}
	if math.Abs(s.MaxScore-maxTotal) > ScoreTolerance {
		sl.ReportError(s.MaxScore, "summary.max_score", "MaxScore", "max_score_sum", formatFloat(maxTotal))
	}
	if s.MaxScore > 0 {
		want := 100 * s.TotalScore / s.MaxScore
		if math.Abs(s.Percentage-want) > PercentageTolerance {
			sl.ReportError(s.Percentage, "summary.percentage", "Percentage", "percentage", formatFloat(want))
		}
	}
}

func explanationSetRules(sl validator.StructLevel) {
	es := sl.Current().Interface().(model.ExplanationSet)
	seen := make(map[int]bool, len(es.Explanations))
	for i, ex := range es.Explanations {
		if seen[ex.QuestionID] {
			sl.ReportError(ex.QuestionID, fmt.Sprintf("explanations[%d].question_id", i), "QuestionID",
				"duplicate_question_id", strconv.Itoa(ex.QuestionID))
		}
		seen[ex.QuestionID] = true
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', 2, 64)
}

// describe renders a human-readable explanation for a validator failure.
func describe(fe validator.FieldError) string {
	p := fe.Param()
	switch fe.Tag() {
	case "required":
		return "must be present and non-empty"
	case "oneof":
		return "must be one of: " + p
	case "gte":
		return "must be >= " + p
	case "gt":
		return "must be > " + p
	case "lte":
		return "must be <= " + p
	case "min":
		return "must have at least " + p + " entries"
	case "max":
		return "must have at most " + p + " entries"
	case "kind_sum":
		return "mcq_count + short_count must equal total_questions: " + p
	case "difficulty_sum":
		return "difficulty_distribution must sum to total_questions: " + p
	case "required_for_mcq":
		return "mcq questions must carry options and correct_option"
	case "required_for_short":
		return "short questions must carry answer"
	case "kind_exclusive":
		return "not allowed on " + p + " questions"
	case "contiguous_ids":
		return "question ids must be 1-based and contiguous, expected " + p
	case "unknown_question":
		return "answer refers to no question in the worksheet: " + p
	case "duplicate_answer":
		return "more than one answer for question " + p
	case "duplicate_question_id":
		return "question id repeated: " + p
	case "score_range":
		return "score must not exceed max_score " + p
	case "evaluation_count":
		return "must equal the number of evaluations, " + p
	case "score_sum":
		return "must equal the sum of per-question scores, " + p
	case "max_score_sum":
		return "must equal the sum of per-question max scores, " + p
	case "percentage":
		return "must equal 100 * total_score / max_score, " + p
	}
	if p != "" {
		return fe.Tag() + "=" + p
	}
	return ""
}
