package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/skillfulagents/workstation/internal/common/apperr"
)

// CreateScheduledTask inserts a new pending task.
func (s *Store) CreateScheduledTask(ctx context.Context, task *ScheduledTask) (*ScheduledTask, error) {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Status == "" {
		task.Status = TaskStatusPending
	}
	task.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_tasks (id, agent_slug, name, prompt, next_execution_at, recurrence, status, last_error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.AgentSlug, task.Name, task.Prompt, task.NextExecutionAt.UTC(),
		task.Recurrence, task.Status, task.LastError, task.CreatedAt)
	if err != nil {
		return nil, err
	}
	return task, nil
}

// GetScheduledTask returns a task by id.
func (s *Store) GetScheduledTask(ctx context.Context, id string) (*ScheduledTask, error) {
	var task ScheduledTask
	err := s.db.GetContext(ctx, &task, `SELECT * FROM scheduled_tasks WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("scheduled task", id)
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// ListScheduledTasks returns all tasks, soonest first.
func (s *Store) ListScheduledTasks(ctx context.Context) ([]*ScheduledTask, error) {
	tasks := []*ScheduledTask{}
	err := s.db.SelectContext(ctx, &tasks,
		`SELECT * FROM scheduled_tasks ORDER BY next_execution_at ASC`)
	return tasks, err
}

// ListScheduledTasksForAgent returns tasks for one agent, soonest first.
func (s *Store) ListScheduledTasksForAgent(ctx context.Context, agentSlug string) ([]*ScheduledTask, error) {
	tasks := []*ScheduledTask{}
	err := s.db.SelectContext(ctx, &tasks,
		`SELECT * FROM scheduled_tasks WHERE agent_slug = ? ORDER BY next_execution_at ASC`, agentSlug)
	return tasks, err
}

// DueScheduledTasks returns pending tasks whose execution time has passed.
func (s *Store) DueScheduledTasks(ctx context.Context, now time.Time) ([]*ScheduledTask, error) {
	tasks := []*ScheduledTask{}
	err := s.db.SelectContext(ctx, &tasks,
		`SELECT * FROM scheduled_tasks WHERE status = ? AND next_execution_at <= ? ORDER BY next_execution_at ASC`,
		TaskStatusPending, now.UTC())
	return tasks, err
}

// UpdateScheduledTaskStatus transitions a task's status and records lastError.
func (s *Store) UpdateScheduledTaskStatus(ctx context.Context, id, status, lastError string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_tasks SET status = ?, last_error = ? WHERE id = ?`, status, lastError, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.NotFound("scheduled task", id)
	}
	return nil
}

// RearmScheduledTask re-arms a recurring task: status back to pending with a
// new execution time.
func (s *Store) RearmScheduledTask(ctx context.Context, id string, next time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_tasks SET status = ?, last_error = '', next_execution_at = ? WHERE id = ?`,
		TaskStatusPending, next.UTC(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.NotFound("scheduled task", id)
	}
	return nil
}

// DeleteScheduledTask removes a task.
func (s *Store) DeleteScheduledTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.NotFound("scheduled task", id)
	}
	return nil
}
