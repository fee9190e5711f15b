package postgres

import (
	"context"
	"fmt"

	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain/deadletter"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain/stage"
)

// --- Dead letters ---

func (s *Store) CreateDeadLetter(ctx context.Context, d *deadletter.DeadLetter) error {
	payload := []byte(d.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dead_letters (id, task_id, stage, payload, attempt_count, class, error, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		d.ID, d.TaskID, string(d.Stage), payload, d.AttemptCount, d.Class, d.Error, d.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create dead letter %s: %w", d.ID, domain.ErrConflict)
		}
		return fmt.Errorf("create dead letter %s: %w", d.ID, err)
	}
	return nil
}

// ListDeadLetters returns the newest dead letters first. limit <= 0 means all.
func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]deadletter.DeadLetter, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, task_id, stage, payload, attempt_count, class, error, created_at
		 FROM dead_letters ORDER BY created_at DESC, id LIMIT $1`, lim)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []deadletter.DeadLetter
	for rows.Next() {
		d, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("list dead letters: scan: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) GetDeadLetter(ctx context.Context, id string) (*deadletter.DeadLetter, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, task_id, stage, payload, attempt_count, class, error, created_at
		 FROM dead_letters WHERE id = $1`, id)
	d, err := scanDeadLetter(row)
	if err != nil {
		return nil, notFoundWrap(err, "get dead letter %s", id)
	}
	return &d, nil
}

func scanDeadLetter(row scannable) (deadletter.DeadLetter, error) {
	var (
		d       deadletter.DeadLetter
		stg     string
		payload []byte
	)
	if err := row.Scan(&d.ID, &d.TaskID, &stg, &payload, &d.AttemptCount, &d.Class, &d.Error, &d.CreatedAt); err != nil {
		return d, err
	}
	d.Stage = stage.Stage(stg)
	d.Payload = payload
	d.CreatedAt = d.CreatedAt.UTC()
	return d, nil
}
