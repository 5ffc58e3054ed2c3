package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/peterje/coderunner/internal/models"
)

type SessionStore struct {
	db *sql.DB
}

func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db}
}

func (s *SessionStore) SessionStarted(ctx context.Context, sess models.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, session_key, language, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		sess.ID, sess.Key, sess.Language, sess.Status, sess.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *SessionStore) SessionEnded(ctx context.Context, id, status string, exitCode int, endedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, exit_code = ?, ended_at = ? WHERE id = ?`,
		status, exitCode, endedAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

// List returns sessions newest first, optionally filtered by key.
func (s *SessionStore) List(ctx context.Context, key string, limit int) ([]models.Session, error) {
	query := `SELECT id, session_key, language, status, exit_code, started_at, ended_at FROM sessions`
	var args []any
	if key != "" {
		query += ` WHERE session_key = ?`
		args = append(args, key)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	sessions := []models.Session{}
	for rows.Next() {
		var (
			sess     models.Session
			exitCode sql.NullInt64
			endedAt  sql.NullTime
		)
		if err := rows.Scan(&sess.ID, &sess.Key, &sess.Language, &sess.Status, &exitCode, &sess.StartedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if exitCode.Valid {
			code := int(exitCode.Int64)
			sess.ExitCode = &code
		}
		if endedAt.Valid {
			sess.EndedAt = &endedAt.Time
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// MarkStale marks running sessions whose key is not in liveKeys as stopped.
// It returns the number of rows changed.
func (s *SessionStore) MarkStale(ctx context.Context, liveKeys []string) (int64, error) {
	query := `UPDATE sessions SET status = ?, ended_at = ? WHERE status = ?`
	args := []any{models.SessionStopped, time.Now().UTC(), models.SessionRunning}
	if len(liveKeys) > 0 {
		query += ` AND session_key NOT IN (?` + strings.Repeat(", ?", len(liveKeys)-1) + `)`
		for _, k := range liveKeys {
			args = append(args, k)
		}
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("mark stale sessions: %w", err)
	}
	return result.RowsAffected()
}
