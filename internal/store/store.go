package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pavelanni/companion/internal/model"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every pooled connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS profiles (
		student_id TEXT PRIMARY KEY,
		grade TEXT NOT NULL DEFAULT '',
		subject TEXT NOT NULL DEFAULT '',
		total_sessions INTEGER NOT NULL DEFAULT 0,
		last_topic TEXT NOT NULL DEFAULT '',
		last_percentage REAL NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS skill_stats (
		student_id TEXT NOT NULL,
		topic TEXT NOT NULL,
		skill_tag TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		correct INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (student_id, topic, skill_tag),
		FOREIGN KEY (student_id) REFERENCES profiles(student_id)
	);

	CREATE TABLE IF NOT EXISTS applied_sessions (
		student_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		applied_at DATETIME NOT NULL,
		PRIMARY KEY (student_id, session_id)
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL,
		grade TEXT NOT NULL DEFAULT '',
		subject TEXT NOT NULL DEFAULT '',
		topic TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		failed_stage TEXT NOT NULL DEFAULT '',
		last_error TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS session_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE TABLE IF NOT EXISTS api_keys (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		secret_hash TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		last_used_at DATETIME
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Load returns the stored profile for a student with all skill counters.
func (s *Store) Load(ctx context.Context, studentID string) (model.ProgressProfile, bool, error) {
	p := model.NewProgressProfile(studentID, "", "")
	err := s.db.QueryRowContext(ctx,
		`SELECT grade, subject, total_sessions, last_topic, last_percentage
		 FROM profiles WHERE student_id = ?`, studentID,
	).Scan(&p.Grade, &p.Subject, &p.TotalSessions, &p.LastTopic, &p.LastPercentage)
	if err == sql.ErrNoRows {
		return model.ProgressProfile{}, false, nil
	}
	if err != nil {
		return model.ProgressProfile{}, false, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT topic, skill_tag, attempts, correct FROM skill_stats WHERE student_id = ?`, studentID,
	)
	if err != nil {
		return model.ProgressProfile{}, false, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			topic, tag string
			stat       model.SkillStat
		)
		if err := rows.Scan(&topic, &tag, &stat.Attempts, &stat.Correct); err != nil {
			return model.ProgressProfile{}, false, err
		}
		tp := p.Topics[topic]
		if tp.Skills == nil {
			tp.Skills = map[string]model.SkillStat{}
		}
		tp.Skills[tag] = stat
		p.Topics[topic] = tp
	}
	return p, true, rows.Err()
}

// Save replaces the student's profile and records sessionID as applied in one transaction.
func (s *Store) Save(ctx context.Context, p model.ProgressProfile, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO profiles (student_id, grade, subject, total_sessions, last_topic, last_percentage, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(student_id) DO UPDATE SET grade = excluded.grade, subject = excluded.subject,
		 total_sessions = excluded.total_sessions, last_topic = excluded.last_topic,
		 last_percentage = excluded.last_percentage, updated_at = excluded.updated_at`,
		p.StudentID, p.Grade, p.Subject, p.TotalSessions, p.LastTopic, p.LastPercentage, now,
	)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM skill_stats WHERE student_id = ?`, p.StudentID); err != nil {
		return fmt.Errorf("clear skills: %w", err)
	}
	for topic, tp := range p.Topics {
		for tag, stat := range tp.Skills {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO skill_stats (student_id, topic, skill_tag, attempts, correct) VALUES (?, ?, ?, ?, ?)`,
				p.StudentID, topic, tag, stat.Attempts, stat.Correct,
			)
			if err != nil {
				return fmt.Errorf("insert skill %s/%s: %w", topic, tag, err)
			}
		}
	}

	if sessionID != "" {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO applied_sessions (student_id, session_id, applied_at) VALUES (?, ?, ?)`,
			p.StudentID, sessionID, now,
		)
		if err != nil {
			return fmt.Errorf("mark session applied: %w", err)
		}
	}

	return tx.Commit()
}

// SessionApplied reports whether sessionID was already folded into the student's profile.
func (s *Store) SessionApplied(ctx context.Context, studentID, sessionID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM applied_sessions WHERE student_id = ? AND session_id = ?`, studentID, sessionID,
	).Scan(&count)
	return count > 0, err
}

// ListProfiles returns every stored profile ordered by student id.
func (s *Store) ListProfiles(ctx context.Context) ([]model.ProgressProfile, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT student_id FROM profiles ORDER BY student_id`)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	profiles := make([]model.ProgressProfile, 0, len(ids))
	for _, id := range ids {
		p, _, err := s.Load(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load profile %s: %w", id, err)
		}
		profiles = append(profiles, p)
	}
	return profiles, nil
}
