package progress

import (
	"fmt"
	"strings"

	"github.com/pavelanni/companion/internal/model"
)

// UnknownSkill is used for questions generated without a skill tag.
const UnknownSkill = "unknown-skill"

// correctTolerance is how far below max_score a score may fall and still count as correct.
const correctTolerance = 0.01

// Skip records a question that did not contribute to the profile.
type Skip struct {
	QuestionID int
	Reason     string
}

func (s Skip) String() string {
	return fmt.Sprintf("question %d: %s", s.QuestionID, s.Reason)
}

// Apply returns profile updated with one evaluated worksheet on topic.
// profile itself is never modified.
func Apply(profile model.ProgressProfile, topic string, result model.WorksheetResult, eval model.WorksheetEvaluation) (model.ProgressProfile, []Skip) {
	out := profile.Clone()
	if out.Topics == nil {
		out.Topics = map[string]model.TopicProgress{}
	}

	byID := make(map[int]model.QuestionEvaluation, len(eval.Evaluations))
	for _, e := range eval.Evaluations {
		byID[e.QuestionID] = e
	}

	tp := out.Topics[topic]
	if tp.Skills == nil {
		tp.Skills = map[string]model.SkillStat{}
	}

	var skips []Skip
	for _, q := range result.Questions {
		e, ok := byID[q.ID]
		if !ok {
			skips = append(skips, Skip{QuestionID: q.ID, Reason: "no evaluation"})
			continue
		}
		tag := strings.TrimSpace(q.SkillTag)
		if tag == "" {
			tag = UnknownSkill
		}
		stat := tp.Skills[tag]
		stat.Attempts++
		if IsCorrect(e) {
			stat.Correct++
		}
		tp.Skills[tag] = stat
	}
	out.Topics[topic] = tp

	out.TotalSessions++
	out.LastTopic = topic
	out.LastPercentage = eval.Summary.Percentage
	return out, skips
}

// IsCorrect reports whether an evaluation counts as a fully correct answer.
func IsCorrect(e model.QuestionEvaluation) bool {
	return e.Score >= e.MaxScore-correctTolerance
}
