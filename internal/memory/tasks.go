package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jarvis-ops/jarvis/internal/errs"
)

// RecordTask inserts a new task row.
func (s *Store) RecordTask(ctx context.Context, t Task) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if t.ID == "" {
		t.ID = newID()
	}
	if t.Status == "" {
		t.Status = TaskPending
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	resultJSON, err := marshalJSON(t.Result)
	if err != nil {
		return errs.New(errs.BadArgs, component, "record_task", err)
	}
	metricsJSON, err := marshalJSON(t.PerformanceMetrics)
	if err != nil {
		return errs.New(errs.BadArgs, component, "record_task", err)
	}

	var completedNs any
	if t.CompletedAt != nil {
		completedNs = t.CompletedAt.UnixNano()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, task_type, description, status, created_at, completed_at, result, metrics)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.TaskType, t.Description, string(t.Status), t.CreatedAt.UnixNano(), completedNs, resultJSON, metricsJSON)
	if err != nil {
		return errs.New(errs.Backend, component, "record_task", err)
	}
	return nil
}

// UpdateTask applies a partial update. It rejects transitions that would
// leave a terminal status for a non-terminal one.
func (s *Store) UpdateTask(ctx context.Context, id string, upd TaskUpdate) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.New(errs.Backend, component, "update_task", err)
	}
	defer tx.Rollback()

	var currentStatus string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&currentStatus); err != nil {
		if err == sql.ErrNoRows {
			return errs.New(errs.NotFound, component, "update_task", fmt.Errorf("task %s not found", id))
		}
		return errs.New(errs.Backend, component, "update_task", err)
	}

	if TaskStatus(currentStatus).IsTerminal() && upd.Status != nil && !upd.Status.IsTerminal() {
		return errs.New(errs.Invariant, component, "update_task",
			fmt.Errorf("task %s is terminal (%s); cannot move to %s", id, currentStatus, *upd.Status))
	}

	sets := []string{}
	args := []any{}
	if upd.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*upd.Status))
	}
	if upd.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, upd.CompletedAt.UnixNano())
	}
	if upd.Result != nil {
		j, err := marshalJSON(upd.Result)
		if err != nil {
			return errs.New(errs.BadArgs, component, "update_task", err)
		}
		sets = append(sets, "result = ?")
		args = append(args, j)
	}
	if upd.Metrics != nil {
		j, err := marshalJSON(upd.Metrics)
		if err != nil {
			return errs.New(errs.BadArgs, component, "update_task", err)
		}
		sets = append(sets, "metrics = ?")
		args = append(args, j)
	}
	if len(sets) == 0 {
		return nil
	}

	query := "UPDATE tasks SET "
	for i, set := range sets {
		if i > 0 {
			query += ", "
		}
		query += set
	}
	query += " WHERE id = ?"
	args = append(args, id)

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return errs.New(errs.Backend, component, "update_task", err)
	}
	if err := tx.Commit(); err != nil {
		return errs.New(errs.Backend, component, "update_task", err)
	}
	return nil
}

func marshalJSON(v map[string]any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalJSON(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	var v map[string]any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	return v, nil
}
