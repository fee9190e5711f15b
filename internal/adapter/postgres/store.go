package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain/stage"
	"github.com/QuinnGao/AI-Subtitle-Learner/internal/domain/task"
)

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const taskColumns = `id, type, status, progress, message, error, stage, input_params, output_refs,
	parent_id, child_ids, lease_holder, lease_expires_at, cancel_requested,
	queued_at, started_at, completed_at, version, updated_at`

// --- Tasks ---

func (s *Store) CreateTask(ctx context.Context, t *task.Task) error {
	params, refs, err := encodeTaskJSON(t)
	if err != nil {
		return err
	}
	holder, expires := leaseColumns(t)
	_, err = s.pool.Exec(ctx,
		`INSERT INTO tasks (`+taskColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, 1, $18)`,
		t.ID, string(t.Type), string(t.Status), t.Progress, t.Message, t.Error, string(t.Stage), params, refs,
		nullIfEmpty(t.ParentID), pgTextArray(t.ChildIDs), holder, expires, t.CancelRequested,
		t.QueuedAt, t.StartedAt, t.CompletedAt, t.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create task %s: %w", t.ID, domain.ErrConflict)
		}
		return fmt.Errorf("create task %s: %w", t.ID, err)
	}
	t.Version = 1
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if err != nil {
		return nil, notFoundWrap(err, "get task %s", id)
	}
	return &t, nil
}

func (s *Store) ListChildren(ctx context.Context, parentID string) ([]task.Task, error) {
	return s.queryTasks(ctx, "list children",
		`SELECT `+taskColumns+` FROM tasks WHERE parent_id = $1 ORDER BY queued_at, id`, parentID)
}

// UpdateTask writes every mutable column under an optimistic version check.
func (s *Store) UpdateTask(ctx context.Context, t *task.Task) error {
	params, refs, err := encodeTaskJSON(t)
	if err != nil {
		return err
	}
	holder, expires := leaseColumns(t)
	var version int
	err = s.pool.QueryRow(ctx,
		`UPDATE tasks SET status = $3, progress = $4, message = $5, error = $6, stage = $7,
		        input_params = $8, output_refs = $9, child_ids = $10, lease_holder = $11,
		        lease_expires_at = $12, cancel_requested = $13, started_at = $14,
		        completed_at = $15, updated_at = $16, version = version + 1
		 WHERE id = $1 AND version = $2
		 RETURNING version`,
		t.ID, t.Version, string(t.Status), t.Progress, t.Message, t.Error, string(t.Stage),
		params, refs, pgTextArray(t.ChildIDs), holder, expires, t.CancelRequested,
		t.StartedAt, t.CompletedAt, t.UpdatedAt).Scan(&version)
	if err == nil {
		t.Version = version
		return nil
	}
	return updateError(t.ID, err, func() error {
		_, gerr := s.GetTask(ctx, t.ID)
		return gerr
	})
}

// updateError maps a failed version-checked UPDATE. Only "no row returned"
// can mean a stale version; lookup then tells a missing row from a conflict.
func updateError(id string, err error, lookup func() error) error {
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("update task %s: %w", id, err)
	}
	if lerr := lookup(); lerr != nil {
		return lerr
	}
	return fmt.Errorf("update task %s: %w", id, domain.ErrConflict)
}

func (s *Store) ListStale(ctx context.Context, now, orphanBefore time.Time) ([]task.Task, error) {
	return s.queryTasks(ctx, "list stale tasks",
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status = 'running' AND stage <> ''
		   AND ((lease_expires_at IS NOT NULL AND lease_expires_at <= $1)
		     OR (lease_holder IS NULL AND updated_at < $2))
		 ORDER BY queued_at, id`, now, orphanBefore)
}

func (s *Store) ListOverBudget(ctx context.Context, queuedBefore time.Time) ([]task.Task, error) {
	return s.queryTasks(ctx, "list over-budget tasks",
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status IN ('pending', 'running') AND queued_at < $1
		 ORDER BY queued_at, id`, queuedBefore)
}

func (s *Store) queryTasks(ctx context.Context, op, sql string, args ...any) ([]task.Task, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var tasks []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return tasks, nil
}

func encodeTaskJSON(t *task.Task) (params, refs []byte, err error) {
	params, err = json.Marshal(t.InputParams)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal input params: %w", err)
	}
	out := t.OutputRefs
	if out == nil {
		out = map[string]string{}
	}
	refs, err = json.Marshal(out)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal output refs: %w", err)
	}
	return params, refs, nil
}

func leaseColumns(t *task.Task) (holder *string, expires *time.Time) {
	if t.Lease == nil {
		return nil, nil
	}
	e := t.Lease.ExpiresAt
	return &t.Lease.HolderID, &e
}

func scanTask(row scannable) (task.Task, error) {
	var (
		t                  task.Task
		typ, status, stg   string
		params, refs       []byte
		parentID, holder   *string
		expires            *time.Time
		started, completed *time.Time
	)
	err := row.Scan(&t.ID, &typ, &status, &t.Progress, &t.Message, &t.Error, &stg, &params, &refs,
		&parentID, &t.ChildIDs, &holder, &expires, &t.CancelRequested,
		&t.QueuedAt, &started, &completed, &t.Version, &t.UpdatedAt)
	if err != nil {
		return t, err
	}
	t.Type = task.Type(typ)
	t.Status = task.Status(status)
	t.Stage = stage.Stage(stg)
	if err := json.Unmarshal(params, &t.InputParams); err != nil {
		return t, fmt.Errorf("unmarshal input params: %w", err)
	}
	if len(refs) > 0 {
		if err := json.Unmarshal(refs, &t.OutputRefs); err != nil {
			return t, fmt.Errorf("unmarshal output refs: %w", err)
		}
		if len(t.OutputRefs) == 0 {
			t.OutputRefs = nil
		}
	}
	if len(t.ChildIDs) == 0 {
		t.ChildIDs = nil
	}
	if parentID != nil {
		t.ParentID = *parentID
	}
	if holder != nil && expires != nil {
		t.Lease = &task.Lease{HolderID: *holder, ExpiresAt: expires.UTC()}
	}
	t.QueuedAt = t.QueuedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	t.StartedAt = derefTime(started)
	t.CompletedAt = derefTime(completed)
	return t, nil
}
