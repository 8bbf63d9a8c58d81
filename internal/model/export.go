package model

import (
	"encoding/json"
	"time"
)

// SessionSnapshot is the journaled view of one study session.
type SessionSnapshot struct {
	ID          string    `json:"id"`
	StudentID   string    `json:"student_id"`
	Grade       string    `json:"grade"`
	Subject     string    `json:"subject"`
	Topic       string    `json:"topic"`
	State       string    `json:"state"`
	FailedStage string    `json:"failed_stage,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Artifact is a validated record produced by a stage, stored as JSON.
type Artifact struct {
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// SessionExport is a session with every artifact it produced.
type SessionExport struct {
	SessionSnapshot
	Artifacts []Artifact `json:"artifacts"`
}

// Export is the document written by the export command.
type Export struct {
	ExportedAt time.Time         `json:"exported_at"`
	Profiles   []ProgressProfile `json:"profiles"`
	Sessions   []SessionExport   `json:"sessions"`
}
