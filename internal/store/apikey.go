package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// APIKey is a stored API key. The secret itself is never stored.
type APIKey struct {
	ID         string
	Name       string
	Active     bool
	CreatedAt  time.Time
	LastUsedAt *time.Time
}

// CreateAPIKey stores a new key and returns the token to hand to the client.
// The token has the form "<id>.<secret>".
func (s *Store) CreateAPIKey(ctx context.Context, name string) (string, error) {
	id, err := generateToken(8)
	if err != nil {
		return "", err
	}
	secret, err := generateToken(32)
	if err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash secret: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO api_keys (id, name, secret_hash, active, created_at) VALUES (?, ?, ?, 1, ?)`,
		id, name, string(hash), time.Now(),
	)
	if err != nil {
		slog.Error("failed to create api key", "name", name, "error", err)
		return "", err
	}
	slog.Info("created api key", "id", id, "name", name)
	return id + "." + secret, nil
}

// VerifyAPIKey returns the key for a valid active token, or nil.
func (s *Store) VerifyAPIKey(ctx context.Context, token string) (*APIKey, error) {
	id, secret, ok := strings.Cut(token, ".")
	if !ok || id == "" || secret == "" {
		return nil, nil
	}

	var (
		k    APIKey
		hash string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, secret_hash, active, created_at, last_used_at FROM api_keys WHERE id = ?`, id,
	).Scan(&k.ID, &k.Name, &hash, &k.Active, &k.CreatedAt, &k.LastUsedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !k.Active {
		return nil, nil
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		return nil, nil
	}

	if _, err := s.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = ? WHERE id = ?`, time.Now(), id); err != nil {
		slog.Warn("failed to touch api key", "id", id, "error", err)
	}
	return &k, nil
}

// RevokeAPIKey deactivates a key.
func (s *Store) RevokeAPIKey(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE api_keys SET active = 0 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("api key %s not found", id)
	}
	return nil
}

// ListAPIKeys returns all keys ordered by creation time.
func (s *Store) ListAPIKeys(ctx context.Context) ([]APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, active, created_at, last_used_at FROM api_keys ORDER BY created_at, id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []APIKey
	for rows.Next() {
		var k APIKey
		if err := rows.Scan(&k.ID, &k.Name, &k.Active, &k.CreatedAt, &k.LastUsedAt); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// APIKeyCount returns the number of active keys.
func (s *Store) APIKeyCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM api_keys WHERE active = 1`).Scan(&count)
	return count, err
}

func generateToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
