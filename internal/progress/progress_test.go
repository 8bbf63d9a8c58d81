package progress

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/companion/internal/model"
)

// fractionsSession is a two-question worksheet: mcq right, short wrong.
func fractionsSession() (model.WorksheetResult, model.WorksheetEvaluation) {
	result := model.WorksheetResult{
		Questions: []model.Question{
			{ID: 1, Kind: model.KindMCQ, Text: "1/2 + 1/2?", Options: []string{"1", "2"}, CorrectOption: "1", Difficulty: model.DifficultyEasy, SkillTag: "adding-fractions"},
			{ID: 2, Kind: model.KindShort, Text: "Simplify 4/8", Answer: "1/2", Difficulty: model.DifficultyMedium, SkillTag: "simplifying"},
		},
		Answers: []model.StudentAnswer{
			{QuestionID: 1, Kind: model.KindMCQ, Text: "1"},
			{QuestionID: 2, Kind: model.KindShort, Text: "2/4"},
		},
	}
	eval := model.WorksheetEvaluation{
		Evaluations: []model.QuestionEvaluation{
			{QuestionID: 1, Kind: model.KindMCQ, Score: 1, MaxScore: 1, MistakeType: model.MistakeCorrect},
			{QuestionID: 2, Kind: model.KindShort, Score: 0, MaxScore: 1, MistakeType: model.MistakeIncorrect},
		},
		Summary: model.EvaluationSummary{TotalQuestions: 2, TotalScore: 1, MaxScore: 2, Percentage: 50},
	}
	return result, eval
}

func TestApplyFractions(t *testing.T) {
	result, eval := fractionsSession()
	before := model.NewProgressProfile("s1", "Grade 6", "Math")

	after, skips := Apply(before, "Fractions", result, eval)
	assert.Empty(t, skips)

	add := after.Skill("Fractions", "adding-fractions")
	assert.Equal(t, model.SkillStat{Attempts: 1, Correct: 1}, add)
	assert.Equal(t, 100.0, add.Accuracy())

	simp := after.Skill("Fractions", "simplifying")
	assert.Equal(t, model.SkillStat{Attempts: 1, Correct: 0}, simp)
	assert.Equal(t, 0.0, simp.Accuracy())

	assert.Equal(t, 1, after.TotalSessions)
	assert.Equal(t, "Fractions", after.LastTopic)
	assert.Equal(t, 50.0, after.LastPercentage)

	assert.Equal(t, 0, before.TotalSessions, "input profile must not change")
	assert.Empty(t, before.Topics)
}

func TestApplyAccuracyIsRecomputed(t *testing.T) {
	p := model.NewProgressProfile("s1", "", "")
	p.Topics["Fractions"] = model.TopicProgress{Skills: map[string]model.SkillStat{"x": {Attempts: 10, Correct: 7}}}
	assert.Equal(t, 70.0, p.Skill("Fractions", "x").Accuracy())

	result := model.WorksheetResult{Questions: []model.Question{{ID: 1, Kind: model.KindShort, SkillTag: "x"}}}
	eval := model.WorksheetEvaluation{Evaluations: []model.QuestionEvaluation{{QuestionID: 1, Score: 0, MaxScore: 1}}}
	after, _ := Apply(p, "Fractions", result, eval)

	stat := after.Skill("Fractions", "x")
	assert.Equal(t, 11, stat.Attempts)
	assert.Equal(t, 7, stat.Correct)
	assert.Equal(t, 63.64, stat.Accuracy())
	assert.Equal(t, 10, p.Skill("Fractions", "x").Attempts)
}

func TestApplyDefaultsAndSkips(t *testing.T) {
	result := model.WorksheetResult{Questions: []model.Question{
		{ID: 1, Kind: model.KindShort},
		{ID: 2, Kind: model.KindShort, SkillTag: "y"},
	}}
	eval := model.WorksheetEvaluation{Evaluations: []model.QuestionEvaluation{{QuestionID: 1, Score: 0.995, MaxScore: 1}}}

	after, skips := Apply(model.ProgressProfile{StudentID: "s"}, "T", result, eval)
	require.Len(t, skips, 1)
	assert.Equal(t, 2, skips[0].QuestionID)
	assert.Equal(t, model.SkillStat{Attempts: 1, Correct: 1}, after.Skill("T", UnknownSkill))
	assert.Equal(t, 0, after.Skill("T", "y").Attempts)
}

func TestApplyBlankSkillTag(t *testing.T) {
	result := model.WorksheetResult{Questions: []model.Question{
		{ID: 1, Kind: model.KindShort, SkillTag: "   "},
		{ID: 2, Kind: model.KindShort, SkillTag: " ratios\t"},
	}}
	eval := model.WorksheetEvaluation{Evaluations: []model.QuestionEvaluation{
		{QuestionID: 1, Score: 1, MaxScore: 1},
		{QuestionID: 2, Score: 0, MaxScore: 1},
	}}

	after, skips := Apply(model.ProgressProfile{StudentID: "s"}, "T", result, eval)
	assert.Empty(t, skips)
	assert.Len(t, after.Topics["T"].Skills, 2)
	assert.Equal(t, model.SkillStat{Attempts: 1, Correct: 1}, after.Skill("T", UnknownSkill))
	assert.Equal(t, model.SkillStat{Attempts: 1, Correct: 0}, after.Skill("T", "ratios"))
}

func TestIsCorrect(t *testing.T) {
	tests := []struct {
		score, max float64
		want       bool
	}{
		{1, 1, true},
		{0.99, 1, true},
		{0.98, 1, false},
		{0.5, 1, false},
		{2, 2, true},
		{1.5, 2, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%v/%v", tt.score, tt.max), func(t *testing.T) {
			assert.Equal(t, tt.want, IsCorrect(model.QuestionEvaluation{Score: tt.score, MaxScore: tt.max}))
		})
	}
}

func testUpdate(sessionID string) Update {
	result, eval := fractionsSession()
	return Update{
		SessionID: sessionID,
		StudentID: "s1",
		Grade:     "Grade 6",
		Subject:   "Math",
		Topic:     "Fractions",
		Result:    result,
		Eval:      eval,
	}
}

func TestTrackerCommit(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	tr := NewTracker(store)

	preview, _, err := tr.Preview(ctx, testUpdate("sess-1"))
	require.NoError(t, err)
	_, found, _ := store.Load(ctx, "s1")
	assert.False(t, found, "preview must not save")

	got, applied, err := tr.Commit(ctx, testUpdate("sess-1"))
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, preview, got)

	stored, found, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 1, stored.TotalSessions)
	assert.Equal(t, "Grade 6", stored.Grade)
}

func TestTrackerCommitDeduplicates(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(NewMemoryStore())

	_, applied, err := tr.Commit(ctx, testUpdate("sess-1"))
	require.NoError(t, err)
	require.True(t, applied)

	again, applied, err := tr.Commit(ctx, testUpdate("sess-1"))
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, 1, again.TotalSessions)
	assert.Equal(t, 1, again.Skill("Fractions", "adding-fractions").Attempts)
}

func TestTrackerCommitCancelled(t *testing.T) {
	store := NewMemoryStore()
	tr := NewTracker(store)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, applied, err := tr.Commit(ctx, testUpdate("sess-1"))
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, applied)
	_, found, _ := store.Load(context.Background(), "s1")
	assert.False(t, found)
}

func TestTrackerConcurrentSessions(t *testing.T) {
	const n = 50
	ctx := context.Background()
	store := NewMemoryStore()
	tr := NewTracker(store)

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			u := testUpdate(fmt.Sprintf("sess-%d", i))
			if i%2 == 1 {
				u.StudentID = "s2"
			}
			_, _, err := tr.Commit(ctx, u)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	for _, id := range []string{"s1", "s2"} {
		p, found, err := store.Load(ctx, id)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, n/2, p.TotalSessions, id)
		assert.Equal(t, model.SkillStat{Attempts: n / 2, Correct: n / 2}, p.Skill("Fractions", "adding-fractions"), id)
		assert.Equal(t, n/2, p.Skill("Fractions", "simplifying").Attempts, id)
	}
	assert.Zero(t, tr.locks.size(), "locks are released once idle")
}

func TestMemoryStoreIsolation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	p := model.NewProgressProfile("s1", "", "")
	p.Topics["T"] = model.TopicProgress{Skills: map[string]model.SkillStat{"x": {Attempts: 1}}}
	require.NoError(t, store.Save(ctx, p, "a"))

	p.Topics["T"].Skills["x"] = model.SkillStat{Attempts: 99}
	got, _, _ := store.Load(ctx, "s1")
	assert.Equal(t, 1, got.Skill("T", "x").Attempts)

	ok, err := store.SessionApplied(ctx, "s1", "a")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = store.SessionApplied(ctx, "s2", "a")
	assert.False(t, ok)
}
