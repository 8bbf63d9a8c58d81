package model

// SessionRequest holds what a student picks before a worksheet is planned.
type SessionRequest struct {
	StudentID   string              `json:"student_id" validate:"required,max=128"`
	Grade       string              `json:"grade" validate:"required"`
	Subject     string              `json:"subject" validate:"required"`
	Topic       string              `json:"topic" validate:"required"`
	TimeMinutes int                 `json:"time_minutes" validate:"gte=1,lte=180"`
	Difficulty  RequestedDifficulty `json:"difficulty" validate:"oneof=easy medium hard mixed"`
}

// Answers maps question ids to raw answer text. A missing id means a blank answer.
type Answers map[int]string
