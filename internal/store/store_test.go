package store

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/pavelanni/companion/internal/model"
	"github.com/pavelanni/companion/internal/progress"
)

var _ progress.Store = (*Store)(nil)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("newTestStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testProfile() model.ProgressProfile {
	p := model.NewProgressProfile("s1", "Grade 6", "Math")
	p.Topics["Fractions"] = model.TopicProgress{Skills: map[string]model.SkillStat{
		"adding-fractions": {Attempts: 11, Correct: 7},
		"simplifying":      {Attempts: 1, Correct: 0},
	}}
	p.Topics["Decimals"] = model.TopicProgress{Skills: map[string]model.SkillStat{
		"rounding": {Attempts: 2, Correct: 2},
	}}
	p.TotalSessions = 3
	p.LastTopic = "Fractions"
	p.LastPercentage = 50
	return p
}

func TestProfileRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, found, err := s.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("Load empty: %v", err)
	}
	if found {
		t.Fatal("expected no profile in empty store")
	}

	want := testProfile()
	if err := s.Save(ctx, want, "sess-1"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, found, err := s.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !found {
		t.Fatal("expected profile after Save")
	}
	if got.Grade != "Grade 6" || got.Subject != "Math" {
		t.Errorf("grade/subject = %q/%q", got.Grade, got.Subject)
	}
	if got.TotalSessions != 3 || got.LastTopic != "Fractions" || got.LastPercentage != 50 {
		t.Errorf("unexpected totals: %+v", got)
	}
	if len(got.Topics) != 2 {
		t.Fatalf("expected 2 topics, got %d", len(got.Topics))
	}
	stat := got.Skill("Fractions", "adding-fractions")
	if stat.Attempts != 11 || stat.Correct != 7 {
		t.Errorf("adding-fractions = %+v", stat)
	}
	if acc := stat.Accuracy(); acc != 63.64 {
		t.Errorf("accuracy = %v, want 63.64", acc)
	}
}

func TestSaveReplacesSkills(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	p := testProfile()
	if err := s.Save(ctx, p, "sess-1"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	delete(p.Topics, "Decimals")
	p.Topics["Fractions"].Skills["simplifying"] = model.SkillStat{Attempts: 2, Correct: 1}
	p.TotalSessions = 4
	if err := s.Save(ctx, p, "sess-2"); err != nil {
		t.Fatalf("Save again: %v", err)
	}

	got, _, err := s.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := got.Topics["Decimals"]; ok {
		t.Error("stale topic survived Save")
	}
	if got.Skill("Fractions", "simplifying").Attempts != 2 {
		t.Errorf("simplifying = %+v", got.Skill("Fractions", "simplifying"))
	}
	if got.TotalSessions != 4 {
		t.Errorf("total_sessions = %d, want 4", got.TotalSessions)
	}
}

func TestSessionApplied(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	applied, err := s.SessionApplied(ctx, "s1", "sess-1")
	if err != nil {
		t.Fatalf("SessionApplied: %v", err)
	}
	if applied {
		t.Fatal("session should not be applied yet")
	}

	if err := s.Save(ctx, testProfile(), "sess-1"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	// Saving the same session twice is harmless.
	if err := s.Save(ctx, testProfile(), "sess-1"); err != nil {
		t.Fatalf("Save twice: %v", err)
	}

	applied, err = s.SessionApplied(ctx, "s1", "sess-1")
	if err != nil {
		t.Fatalf("SessionApplied: %v", err)
	}
	if !applied {
		t.Error("expected session to be applied")
	}
	applied, _ = s.SessionApplied(ctx, "s2", "sess-1")
	if applied {
		t.Error("session ids are per student")
	}
}

func TestTrackerOverSQLite(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	tr := progress.NewTracker(s)

	u := progress.Update{
		SessionID: "sess-1",
		StudentID: "s9",
		Grade:     "Grade 5",
		Subject:   "Math",
		Topic:     "Fractions",
		Result: model.WorksheetResult{Questions: []model.Question{
			{ID: 1, Kind: model.KindShort, SkillTag: "adding-fractions"},
		}},
		Eval: model.WorksheetEvaluation{
			Evaluations: []model.QuestionEvaluation{{QuestionID: 1, Score: 1, MaxScore: 1}},
			Summary:     model.EvaluationSummary{TotalQuestions: 1, TotalScore: 1, MaxScore: 1, Percentage: 100},
		},
	}
	for range 2 {
		if _, _, err := tr.Commit(ctx, u); err != nil {
			t.Fatalf("Commit: %v", err)
		}
	}

	got, _, err := s.Load(ctx, "s9")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.TotalSessions != 1 {
		t.Errorf("total_sessions = %d, want 1 after replay", got.TotalSessions)
	}
	if got.Skill("Fractions", "adding-fractions").Accuracy() != 100 {
		t.Errorf("accuracy = %v", got.Skill("Fractions", "adding-fractions").Accuracy())
	}
}

func TestJournal(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	got, err := s.GetSession(ctx, "missing")
	if err != nil {
		t.Fatalf("GetSession missing: %v", err)
	}
	if got != nil {
		t.Fatal("expected nil for unknown session")
	}

	snap := model.SessionSnapshot{ID: "sess-1", StudentID: "s1", Grade: "Grade 6", Subject: "Math", Topic: "Fractions", State: "planned"}
	if err := s.RecordState(ctx, snap); err != nil {
		t.Fatalf("RecordState: %v", err)
	}
	if err := s.RecordArtifact(ctx, "sess-1", "plan", model.StudyPlan{TotalQuestions: 2, MCQCount: 1, ShortCount: 1}); err != nil {
		t.Fatalf("RecordArtifact: %v", err)
	}
	snap.State = "awaiting_answers"
	if err := s.RecordState(ctx, snap); err != nil {
		t.Fatalf("RecordState again: %v", err)
	}
	if err := s.RecordFailure(ctx, "sess-1", "evaluate", "invalid WorksheetEvaluation"); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}

	got, err = s.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.State != "awaiting_answers" {
		t.Errorf("state = %q", got.State)
	}
	if got.FailedStage != "evaluate" || !strings.Contains(got.LastError, "WorksheetEvaluation") {
		t.Errorf("failure = %q/%q", got.FailedStage, got.LastError)
	}
	if got.Topic != "Fractions" {
		t.Errorf("topic = %q", got.Topic)
	}

	arts, err := s.Artifacts(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Artifacts: %v", err)
	}
	if len(arts) != 1 || arts[0].Kind != "plan" {
		t.Fatalf("artifacts = %+v", arts)
	}
	var plan model.StudyPlan
	if err := json.Unmarshal(arts[0].Payload, &plan); err != nil {
		t.Fatalf("unmarshal artifact: %v", err)
	}
	if plan.TotalQuestions != 2 {
		t.Errorf("plan total = %d", plan.TotalQuestions)
	}
}

func TestExportAll(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.Save(ctx, testProfile(), "sess-1"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.RecordState(ctx, model.SessionSnapshot{ID: "sess-1", StudentID: "s1", State: "reported"}); err != nil {
		t.Fatalf("RecordState: %v", err)
	}
	if err := s.RecordArtifact(ctx, "sess-1", "report:student", map[string]string{"headline": "Nice"}); err != nil {
		t.Fatalf("RecordArtifact: %v", err)
	}

	exp, err := s.ExportAll(ctx)
	if err != nil {
		t.Fatalf("ExportAll: %v", err)
	}
	if len(exp.Profiles) != 1 || exp.Profiles[0].StudentID != "s1" {
		t.Fatalf("profiles = %+v", exp.Profiles)
	}
	if len(exp.Sessions) != 1 || len(exp.Sessions[0].Artifacts) != 1 {
		t.Fatalf("sessions = %+v", exp.Sessions)
	}

	b, err := json.Marshal(exp)
	if err != nil {
		t.Fatalf("marshal export: %v", err)
	}
	if !strings.Contains(string(b), `"accuracy":63.64`) {
		t.Errorf("export should carry derived accuracy: %s", b)
	}
}

func TestAPIKeys(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	token, err := s.CreateAPIKey(ctx, "ci")
	if err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}
	id, _, ok := strings.Cut(token, ".")
	if !ok {
		t.Fatalf("token %q has no separator", token)
	}

	key, err := s.VerifyAPIKey(ctx, token)
	if err != nil {
		t.Fatalf("VerifyAPIKey: %v", err)
	}
	if key == nil || key.Name != "ci" {
		t.Fatalf("expected key ci, got %+v", key)
	}

	for _, bad := range []string{"", "nodot", id + ".wrong", "unknown.secret"} {
		key, err := s.VerifyAPIKey(ctx, bad)
		if err != nil {
			t.Fatalf("VerifyAPIKey(%q): %v", bad, err)
		}
		if key != nil {
			t.Errorf("VerifyAPIKey(%q) accepted an invalid token", bad)
		}
	}

	count, _ := s.APIKeyCount(ctx)
	if count != 1 {
		t.Errorf("APIKeyCount = %d, want 1", count)
	}

	if err := s.RevokeAPIKey(ctx, id); err != nil {
		t.Fatalf("RevokeAPIKey: %v", err)
	}
	if key, _ := s.VerifyAPIKey(ctx, token); key != nil {
		t.Error("revoked key still verifies")
	}
	if err := s.RevokeAPIKey(ctx, "nope"); err == nil {
		t.Error("expected error revoking unknown key")
	}

	keys, err := s.ListAPIKeys(ctx)
	if err != nil {
		t.Fatalf("ListAPIKeys: %v", err)
	}
	if len(keys) != 1 || keys[0].Active || keys[0].LastUsedAt == nil {
		t.Errorf("keys = %+v", keys)
	}
}
