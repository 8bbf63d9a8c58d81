package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	appI18n "github.com/pavelanni/companion/internal/i18n"
	"github.com/pavelanni/companion/internal/model"
	"github.com/pavelanni/companion/internal/pipeline"
)

func studyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "study",
		Short: "Run an interactive study session in the terminal",
		RunE:  runStudy,
	}
	f := cmd.Flags()
	f.StringP("student", "s", "", "Student identifier (required)")
	f.StringP("grade", "g", "", "Grade level, e.g. \"Grade 6\" (required)")
	f.String("subject", "", "Subject (required)")
	f.StringP("topic", "t", "", "Topic (required)")
	f.IntP("minutes", "m", 15, "Time available in minutes")
	f.StringP("difficulty", "d", string(model.RequestMixed), "Difficulty (easy, medium, hard, mixed)")

	_ = cmd.MarkFlagRequired("student")
	_ = cmd.MarkFlagRequired("grade")
	_ = cmd.MarkFlagRequired("subject")
	_ = cmd.MarkFlagRequired("topic")
	return cmd
}

func runStudy(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	db, err := openStore(v)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	orch, err := newOrchestrator(ctx, v, db)
	if err != nil {
		return err
	}
	ctx = appI18n.WithLocalizer(ctx, appI18n.NewLocalizer(v.GetString("lang")))

	req := model.SessionRequest{
		StudentID:   v.GetString("student"),
		Grade:       v.GetString("grade"),
		Subject:     v.GetString("subject"),
		Topic:       v.GetString("topic"),
		TimeMinutes: v.GetInt("minutes"),
		Difficulty:  model.RequestedDifficulty(v.GetString("difficulty")),
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, appI18n.Td(ctx, "PlanningWorksheet", map[string]any{"Topic": req.Topic}))

	src := &terminalAnswers{in: bufio.NewScanner(cmd.InOrStdin()), out: out}
	sess, outcome, err := orch.Run(ctx, req, src)
	if err != nil {
		var se *pipeline.SessionError
		if errors.As(err, &se) {
			fmt.Fprintln(out, appI18n.Td(ctx, "SessionFailed", map[string]any{"Stage": se.Stage, "Error": se.Err}))
		}
		return err
	}
	printOutcome(ctx, out, sess, outcome)
	return nil
}

// terminalAnswers asks each question on out and reads one line per answer.
// Input ending early leaves the remaining questions blank.
type terminalAnswers struct {
	in  *bufio.Scanner
	out io.Writer
}

func (t *terminalAnswers) Answers(ctx context.Context, qs model.QuestionSet) (model.Answers, error) {
	answers := make(model.Answers, len(qs.Questions))
	fmt.Fprintln(t.out, appI18n.Tp(ctx, "WorksheetReady", len(qs.Questions)))

	for _, q := range qs.Questions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fmt.Fprintf(t.out, "\n%s [%s: %s]\n%s\n",
			appI18n.Td(ctx, "QuestionN", map[string]any{"ID": q.ID}),
			appI18n.T(ctx, "Difficulty"),
			appI18n.Label(ctx, "difficulty", string(q.Difficulty)),
			q.Text)
		for i, opt := range q.Options {
			fmt.Fprintf(t.out, "  %d) %s\n", i+1, opt)
		}
		if q.Kind == model.KindMCQ && len(q.Options) > 0 {
			fmt.Fprintln(t.out, appI18n.T(ctx, "ChooseOption"))
		}
		fmt.Fprintf(t.out, "%s: ", appI18n.T(ctx, "YourAnswer"))

		if !t.in.Scan() {
			if err := t.in.Err(); err != nil {
				return nil, fmt.Errorf("read answer: %w", err)
			}
			break
		}
		answers[q.ID] = resolveOption(q, strings.TrimSpace(t.in.Text()))
	}
	return answers, nil
}

// resolveOption turns an option number into the option text for multiple-choice questions.
func resolveOption(q model.Question, answer string) string {
	if q.Kind != model.KindMCQ {
		return answer
	}
	n, err := strconv.Atoi(answer)
	if err != nil || n < 1 || n > len(q.Options) {
		return answer
	}
	return q.Options[n-1]
}

func printOutcome(ctx context.Context, w io.Writer, sess *pipeline.Session, out *pipeline.Outcome) {
	sum := out.Evaluation.Summary
	fmt.Fprintf(w, "\n%s\n", appI18n.Td(ctx, "ScoreLine", map[string]any{
		"Score":      formatNumber(sum.TotalScore),
		"Max":        formatNumber(sum.MaxScore),
		"Percentage": formatNumber(sum.Percentage),
	}))

	hints := make(map[int]model.QuestionExplanation, len(out.Explanations.Explanations))
	for _, e := range out.Explanations.Explanations {
		hints[e.QuestionID] = e
	}
	for _, e := range out.Evaluation.Evaluations {
		fmt.Fprintf(w, "\n%s: %s\n",
			appI18n.Td(ctx, "QuestionN", map[string]any{"ID": e.QuestionID}),
			appI18n.Label(ctx, "mistake", string(e.MistakeType)))
		if e.Feedback != "" {
			fmt.Fprintf(w, "  %s: %s\n", appI18n.T(ctx, "Feedback"), e.Feedback)
		}
		if e.MistakeType != model.MistakeCorrect && e.CorrectAnswer != "" {
			fmt.Fprintf(w, "  %s: %s\n", appI18n.T(ctx, "CorrectAnswer"), e.CorrectAnswer)
		}
		if h, ok := hints[e.QuestionID]; ok {
			fmt.Fprintf(w, "  %s: %s\n", appI18n.T(ctx, "Hint"), h.ShortHint)
			fmt.Fprintf(w, "  %s: %s\n", appI18n.T(ctx, "Explanation"), h.Explanation)
		}
	}

	fmt.Fprintf(w, "\n%s\n%s\n", appI18n.T(ctx, "ProgressSummary"), out.Summary.SummaryText)
	printList(w, appI18n.T(ctx, "Strengths"), out.Summary.Strengths)
	printList(w, appI18n.T(ctx, "Weaknesses"), out.Summary.Weaknesses)
	printList(w, appI18n.T(ctx, "NextTopics"), out.Summary.RecommendedNextTopics)
	fmt.Fprintln(w, out.Summary.MotivationalMessage)

	if tp, ok := out.Profile.Topics[sess.Request.Topic]; ok {
		fmt.Fprintln(w)
		for _, skill := range slices.Sorted(maps.Keys(tp.Skills)) {
			st := tp.Skills[skill]
			fmt.Fprintln(w, appI18n.Td(ctx, "SkillLine", map[string]any{
				"Skill":    skill,
				"Correct":  st.Correct,
				"Attempts": st.Attempts,
				"Accuracy": formatNumber(st.Accuracy()),
			}))
		}
	}
	if !out.ProgressApplied {
		fmt.Fprintln(w, appI18n.T(ctx, "ProgressAlreadyApplied"))
	}

	for _, a := range model.Audiences {
		label := appI18n.Label(ctx, "audience", string(a))
		r, ok := out.Reports[a]
		if !ok {
			fmt.Fprintf(w, "\n%s\n", appI18n.Td(ctx, "ReportFailed", map[string]any{"Audience": label}))
			continue
		}
		fmt.Fprintf(w, "\n%s\n%s\n%s %s %s\n",
			appI18n.Td(ctx, "ReportFor", map[string]any{"Audience": label}),
			r.Headline, r.StrengthsSentence, r.WeaknessesSentence, r.NextStepsSentence)
		for _, b := range r.BulletPoints {
			fmt.Fprintf(w, "  - %s\n", b)
		}
	}
}

func printList(w io.Writer, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(w, "%s:\n", title)
	for _, it := range items {
		fmt.Fprintf(w, "  - %s\n", it)
	}
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
