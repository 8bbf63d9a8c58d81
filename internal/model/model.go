package model

import (
	"encoding/json"
	"maps"
	"math"
)

// Difficulty represents question difficulty level.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// Difficulties lists the closed set of question difficulties in display order.
var Difficulties = []Difficulty{DifficultyEasy, DifficultyMedium, DifficultyHard}

// Valid reports whether d is one of the known difficulties.
func (d Difficulty) Valid() bool {
	switch d {
	case DifficultyEasy, DifficultyMedium, DifficultyHard:
		return true
	}
	return false
}

// RequestedDifficulty is the difficulty a student asks for when starting a session.
// In addition to the question difficulties it allows "mixed".
type RequestedDifficulty string

const (
	RequestEasy   RequestedDifficulty = "easy"
	RequestMedium RequestedDifficulty = "medium"
	RequestHard   RequestedDifficulty = "hard"
	RequestMixed  RequestedDifficulty = "mixed"
)

// QuestionKind distinguishes multiple-choice from short-answer questions.
type QuestionKind string

const (
	KindMCQ   QuestionKind = "mcq"
	KindShort QuestionKind = "short"
)

// MistakeType labels the kind of mistake the evaluator found in an answer.
type MistakeType string

const (
	MistakeCorrect     MistakeType = "correct"
	MistakeMinor       MistakeType = "minor-error"
	MistakeIncorrect   MistakeType = "incorrect"
	MistakeCalculation MistakeType = "calculation-error"
	MistakeConceptual  MistakeType = "conceptual-error"
	MistakeGuess       MistakeType = "guess"
	MistakeBlank       MistakeType = "blank"
	MistakeOther       MistakeType = "other"
)

// Audience is the intended reader of a progress report.
type Audience string

const (
	AudienceStudent Audience = "student"
	AudienceParent  Audience = "parent"
	AudienceTeacher Audience = "teacher"
)

// Audiences lists every report audience in the order reports are produced.
var Audiences = []Audience{AudienceStudent, AudienceParent, AudienceTeacher}

// StudyPlan describes how many questions of each kind and difficulty a session gets.
type StudyPlan struct {
	TotalQuestions         int                `json:"total_questions" validate:"gte=1"`
	MCQCount               int                `json:"mcq_count" validate:"gte=0"`
	ShortCount             int                `json:"short_count" validate:"gte=0"`
	DifficultyDistribution map[Difficulty]int `json:"difficulty_distribution" validate:"required,dive,keys,oneof=easy medium hard,endkeys,gte=0"`
	EstimatedTimeMinutes   int                `json:"estimated_time_minutes" validate:"gte=0"`
}

// Question is a single worksheet question.
// MCQ questions carry Options and CorrectOption; short questions carry Answer.
type Question struct {
	ID            int          `json:"id" validate:"gte=1"`
	Kind          QuestionKind `json:"q_type" validate:"oneof=mcq short"`
	Text          string       `json:"question_text" validate:"required"`
	Options       []string     `json:"options,omitempty" validate:"omitempty,dive,required"`
	CorrectOption string       `json:"correct_option,omitempty"`
	Answer        string       `json:"answer,omitempty"`
	Difficulty    Difficulty   `json:"difficulty" validate:"oneof=easy medium hard"`
	SkillTag      string       `json:"skill_tag,omitempty"`
}

// QuestionSet is the output of the question generation stage.
type QuestionSet struct {
	Questions []Question `json:"questions" validate:"min=1,dive"`
}

// StudentAnswer is the raw answer a student gave to one question.
// An empty Text means the question was left blank.
type StudentAnswer struct {
	QuestionID int          `json:"question_id" validate:"gte=1"`
	Kind       QuestionKind `json:"q_type" validate:"oneof=mcq short"`
	Text       string       `json:"student_answer"`
}

// WorksheetResult pairs the presented questions with the collected answers.
type WorksheetResult struct {
	Questions []Question      `json:"questions" validate:"min=1,dive"`
	Answers   []StudentAnswer `json:"answers" validate:"dive"`
}

// QuestionEvaluation is the evaluator's verdict on one answer.
type QuestionEvaluation struct {
	QuestionID    int          `json:"question_id" validate:"gte=1"`
	Kind          QuestionKind `json:"q_type" validate:"oneof=mcq short"`
	StudentAnswer string       `json:"student_answer"`
	CorrectAnswer string       `json:"correct_answer"`
	Score         float64      `json:"score" validate:"gte=0"`
	MaxScore      float64      `json:"max_score" validate:"gt=0"`
	MistakeType   MistakeType  `json:"mistake_type" validate:"oneof=correct minor-error incorrect calculation-error conceptual-error guess blank other"`
	Feedback      string       `json:"feedback"`
}

// EvaluationSummary holds the overall worksheet score.
type EvaluationSummary struct {
	TotalQuestions int     `json:"total_questions" validate:"gte=1"`
	TotalScore     float64 `json:"total_score" validate:"gte=0"`
	MaxScore       float64 `json:"max_score" validate:"gt=0"`
	Percentage     float64 `json:"percentage" validate:"gte=0,lte=100"`
}

// WorksheetEvaluation is the output of the evaluation stage.
type WorksheetEvaluation struct {
	Evaluations []QuestionEvaluation `json:"evaluations" validate:"min=1,dive"`
	Summary     EvaluationSummary    `json:"summary"`
}

// QuestionExplanation is a hint plus worked explanation for one question.
type QuestionExplanation struct {
	QuestionID  int    `json:"question_id" validate:"gte=1"`
	ShortHint   string `json:"short_hint" validate:"required"`
	Explanation string `json:"explanation" validate:"required"`
}

// ExplanationSet is the output of the explanation stage.
type ExplanationSet struct {
	Explanations []QuestionExplanation `json:"explanations" validate:"min=1,dive"`
}

// ProgressSummary is the narrative produced from the updated progress profile.
type ProgressSummary struct {
	SummaryText           string   `json:"summary_text" validate:"required"`
	Strengths             []string `json:"strengths,omitempty"`
	Weaknesses            []string `json:"weaknesses,omitempty"`
	RecommendedNextTopics []string `json:"recommended_next_topics,omitempty"`
	MotivationalMessage   string   `json:"motivational_message" validate:"required"`
}

// Report is a short progress report tailored to one audience.
type Report struct {
	Audience           Audience `json:"audience" validate:"oneof=student parent teacher"`
	Headline           string   `json:"headline" validate:"required"`
	StrengthsSentence  string   `json:"strengths_sentence" validate:"required"`
	WeaknessesSentence string   `json:"weaknesses_sentence" validate:"required"`
	NextStepsSentence  string   `json:"next_steps_sentence" validate:"required"`
	BulletPoints       []string `json:"bullet_points" validate:"min=3,max=6,dive,required"`
}

// SkillStat counts attempts and fully correct answers for one skill.
// Accuracy is derived from the counters and never stored.
type SkillStat struct {
	Attempts int `json:"attempts"`
	Correct  int `json:"correct"`
}

// Accuracy returns 100 * Correct / Attempts rounded to two decimals, or 0 with no attempts.
func (s SkillStat) Accuracy() float64 {
	if s.Attempts <= 0 {
		return 0
	}
	return math.Round(float64(s.Correct)/float64(s.Attempts)*100*100) / 100
}

// MarshalJSON includes the derived accuracy.
func (s SkillStat) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Attempts int     `json:"attempts"`
		Correct  int     `json:"correct"`
		Accuracy float64 `json:"accuracy"`
	}{s.Attempts, s.Correct, s.Accuracy()})
}

// TopicProgress maps skill tags to their statistics within one topic.
type TopicProgress struct {
	Skills map[string]SkillStat `json:"skills"`
}

// ProgressProfile is the long-lived per-student statistics record.
type ProgressProfile struct {
	StudentID      string                   `json:"student_id"`
	Grade          string                   `json:"grade"`
	Subject        string                   `json:"subject"`
	Topics         map[string]TopicProgress `json:"topics"`
	TotalSessions  int                      `json:"total_sessions"`
	LastTopic      string                   `json:"last_topic"`
	LastPercentage float64                  `json:"last_percentage"`
}

// NewProgressProfile returns an empty profile for a student.
func NewProgressProfile(studentID, grade, subject string) ProgressProfile {
	return ProgressProfile{
		StudentID: studentID,
		Grade:     grade,
		Subject:   subject,
		Topics:    map[string]TopicProgress{},
	}
}

// Clone returns a deep copy so callers can derive a new profile without mutating p.
func (p ProgressProfile) Clone() ProgressProfile {
	out := p
	out.Topics = make(map[string]TopicProgress, len(p.Topics))
	for topic, tp := range p.Topics {
		out.Topics[topic] = TopicProgress{Skills: maps.Clone(tp.Skills)}
	}
	return out
}

// Skill returns the statistics for a skill, or the zero value if it was never practiced.
func (p ProgressProfile) Skill(topic, skillTag string) SkillStat {
	return p.Topics[topic].Skills[skillTag]
}
