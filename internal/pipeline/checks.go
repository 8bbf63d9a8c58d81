package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pavelanni/companion/internal/model"
	"github.com/pavelanni/companion/internal/schema"
)

// planContract checks that a generated question set matches the accepted plan exactly.
func planContract(plan model.StudyPlan) func(model.QuestionSet) error {
	return func(qs model.QuestionSet) error {
		var (
			issues []schema.Issue
			mcq    int
			short  int
			byDiff = make(map[model.Difficulty]int)
		)
		for _, q := range qs.Questions {
			switch q.Kind {
			case model.KindMCQ:
				mcq++
			case model.KindShort:
				short++
			}
			byDiff[q.Difficulty]++
		}

		if len(qs.Questions) != plan.TotalQuestions {
			issues = append(issues, schema.Issue{
				Field: "questions", Rule: "plan_total",
				Detail: fmt.Sprintf("plan has %d questions, got %d", plan.TotalQuestions, len(qs.Questions)),
			})
		}
		if mcq != plan.MCQCount {
			issues = append(issues, schema.Issue{
				Field: "questions", Rule: "plan_mcq_count",
				Detail: fmt.Sprintf("plan has %d mcq, got %d", plan.MCQCount, mcq),
			})
		}
		if short != plan.ShortCount {
			issues = append(issues, schema.Issue{
				Field: "questions", Rule: "plan_short_count",
				Detail: fmt.Sprintf("plan has %d short, got %d", plan.ShortCount, short),
			})
		}
		for _, d := range model.Difficulties {
			if want := plan.DifficultyDistribution[d]; byDiff[d] != want {
				issues = append(issues, schema.Issue{
					Field: "questions", Rule: "plan_difficulty",
					Detail: fmt.Sprintf("plan has %d %s, got %d", want, d, byDiff[d]),
				})
			}
		}

		if len(issues) > 0 {
			return &schema.ValidationError{Record: "QuestionSet", Issues: issues}
		}
		return nil
	}
}

// gradesWorksheet checks that an evaluation only grades worksheet questions, each with
// its own kind. Questions left ungraded are not an error; progress skips them.
func gradesWorksheet(questions []model.Question) func(model.WorksheetEvaluation) error {
	return func(eval model.WorksheetEvaluation) error {
		kinds := make(map[int]model.QuestionKind, len(questions))
		for _, q := range questions {
			kinds[q.ID] = q.Kind
		}
		var issues []schema.Issue
		for i, e := range eval.Evaluations {
			field := fmt.Sprintf("evaluations[%d].question_id", i)
			kind, ok := kinds[e.QuestionID]
			if !ok {
				issues = append(issues, schema.Issue{Field: field, Rule: "unknown_question", Detail: fmt.Sprintf("no question %d", e.QuestionID)})
				continue
			}
			if e.Kind != kind {
				issues = append(issues, schema.Issue{
					Field: fmt.Sprintf("evaluations[%d].q_type", i), Rule: "kind_match",
					Detail: fmt.Sprintf("question %d is %s", e.QuestionID, kind),
				})
			}
		}
		if len(issues) > 0 {
			return &schema.ValidationError{Record: "WorksheetEvaluation", Issues: issues}
		}
		return nil
	}
}

// explainsQuestions checks for exactly one explanation per worksheet question.
func explainsQuestions(questions []model.Question) func(model.ExplanationSet) error {
	return func(set model.ExplanationSet) error {
		known := make(map[int]bool, len(questions))
		for _, q := range questions {
			known[q.ID] = true
		}
		var issues []schema.Issue
		seen := make(map[int]bool, len(set.Explanations))
		for i, e := range set.Explanations {
			if !known[e.QuestionID] {
				issues = append(issues, schema.Issue{
					Field: fmt.Sprintf("explanations[%d].question_id", i), Rule: "unknown_question",
					Detail: fmt.Sprintf("no question %d", e.QuestionID),
				})
				continue
			}
			seen[e.QuestionID] = true
		}
		if missing := missingIDs(questions, seen); len(missing) > 0 {
			issues = append(issues, schema.Issue{Field: "explanations", Rule: "coverage", Detail: fmt.Sprintf("missing questions %v", missing)})
		}
		if len(set.Explanations) != len(questions) && len(issues) == 0 {
			issues = append(issues, schema.Issue{
				Field: "explanations", Rule: "count",
				Detail: fmt.Sprintf("want %d, got %d", len(questions), len(set.Explanations)),
			})
		}
		if len(issues) > 0 {
			return &schema.ValidationError{Record: "ExplanationSet", Issues: issues}
		}
		return nil
	}
}

func missingIDs(questions []model.Question, seen map[int]bool) []int {
	var missing []int
	for _, q := range questions {
		if !seen[q.ID] {
			missing = append(missing, q.ID)
		}
	}
	return missing
}

// buildResult pairs every question with its answer. Questions without an answer are blank;
// answers for unknown question ids are rejected.
func buildResult(qs model.QuestionSet, answers model.Answers) (model.WorksheetResult, error) {
	known := make(map[int]bool, len(qs.Questions))
	for _, q := range qs.Questions {
		known[q.ID] = true
	}
	var unknown []int
	for id := range answers {
		if !known[id] {
			unknown = append(unknown, id)
		}
	}
	if len(unknown) > 0 {
		sort.Ints(unknown)
		return model.WorksheetResult{}, schema.Invalid("WorksheetResult", "answers", "unknown_question",
			fmt.Sprintf("no questions with ids %v", unknown))
	}

	result := model.WorksheetResult{
		Questions: qs.Questions,
		Answers:   make([]model.StudentAnswer, 0, len(qs.Questions)),
	}
	for _, q := range qs.Questions {
		result.Answers = append(result.Answers, model.StudentAnswer{
			QuestionID: q.ID,
			Kind:       q.Kind,
			Text:       strings.TrimSpace(answers[q.ID]),
		})
	}
	if err := schema.Struct(&result); err != nil {
		return model.WorksheetResult{}, err
	}
	return result, nil
}
