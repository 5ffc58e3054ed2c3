package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/peterje/coderunner/internal/models"
)

type RunStore struct {
	db *sql.DB
}

func NewRunStore(db *sql.DB) *RunStore {
	return &RunStore{db: db}
}

func (s *RunStore) RecordRun(ctx context.Context, run models.Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, language, outcome, duration_ms, created_at) VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.Language, run.Outcome, run.DurationMS, run.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// Recent returns up to limit runs, newest first.
func (s *RunStore) Recent(ctx context.Context, limit int) ([]models.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, language, outcome, duration_ms, created_at FROM runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []models.Run{}
	for rows.Next() {
		var r models.Run
		if err := rows.Scan(&r.ID, &r.Language, &r.Outcome, &r.DurationMS, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
