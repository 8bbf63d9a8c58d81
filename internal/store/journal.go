package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pavelanni/companion/internal/model"
)

// RecordState upserts the session row with its current state.
func (s *Store) RecordState(ctx context.Context, snap model.SessionSnapshot) error {
	now := time.Now()
	created := snap.CreatedAt
	if created.IsZero() {
		created = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, student_id, grade, subject, topic, state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		snap.ID, snap.StudentID, snap.Grade, snap.Subject, snap.Topic, snap.State, created, now,
	)
	if err != nil {
		return fmt.Errorf("record session state %s: %w", snap.ID, err)
	}
	return nil
}

// RecordFailure stores the stage that stopped a session and its last error.
func (s *Store) RecordFailure(ctx context.Context, sessionID, stage, lastErr string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET failed_stage = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		stage, lastErr, time.Now(), sessionID,
	)
	if err != nil {
		return fmt.Errorf("record session failure %s: %w", sessionID, err)
	}
	return nil
}

// RecordArtifact appends a validated stage record to the session.
func (s *Store) RecordArtifact(ctx context.Context, sessionID, kind string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s artifact: %w", kind, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO session_records (session_id, kind, payload, created_at) VALUES (?, ?, ?, ?)`,
		sessionID, kind, string(b), time.Now(),
	)
	if err != nil {
		return fmt.Errorf("record %s artifact for %s: %w", kind, sessionID, err)
	}
	return nil
}

// GetSession returns the journaled session, or nil if it is unknown.
func (s *Store) GetSession(ctx context.Context, id string) (*model.SessionSnapshot, error) {
	var snap model.SessionSnapshot
	err := s.db.QueryRowContext(ctx,
		`SELECT id, student_id, grade, subject, topic, state, failed_stage, last_error, created_at, updated_at
		 FROM sessions WHERE id = ?`, id,
	).Scan(&snap.ID, &snap.StudentID, &snap.Grade, &snap.Subject, &snap.Topic, &snap.State,
		&snap.FailedStage, &snap.LastError, &snap.CreatedAt, &snap.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// ListSessions returns all journaled sessions, newest first.
func (s *Store) ListSessions(ctx context.Context) ([]model.SessionSnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, student_id, grade, subject, topic, state, failed_stage, last_error, created_at, updated_at
		 FROM sessions ORDER BY created_at DESC, id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var sessions []model.SessionSnapshot
	for rows.Next() {
		var snap model.SessionSnapshot
		if err := rows.Scan(&snap.ID, &snap.StudentID, &snap.Grade, &snap.Subject, &snap.Topic, &snap.State,
			&snap.FailedStage, &snap.LastError, &snap.CreatedAt, &snap.UpdatedAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, snap)
	}
	return sessions, rows.Err()
}

// Artifacts returns the records of a session in the order they were produced.
func (s *Store) Artifacts(ctx context.Context, sessionID string) ([]model.Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, payload, created_at FROM session_records WHERE session_id = ? ORDER BY id`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Artifact
	for rows.Next() {
		var (
			a       model.Artifact
			payload string
		)
		if err := rows.Scan(&a.Kind, &payload, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Payload = json.RawMessage(payload)
		out = append(out, a)
	}
	return out, rows.Err()
}
