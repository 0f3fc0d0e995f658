package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Schedule kinds (spec §4.6).
const (
	ScheduleCron     = "cron"
	ScheduleInterval = "interval"
	ScheduleOnce     = "once"
)

// Task status values.
const (
	TaskStatusActive   = "active"
	TaskStatusPaused   = "paused"
	TaskStatusCanceled = "canceled"
	TaskStatusDone     = "done"
)

// Context modes a scheduled task can run under (spec §4.6 step 2).
const (
	ContextModeGroup    = "group"
	ContextModeIsolated = "isolated"
)

// ScheduledTask is a recurring or one-shot prompt registered via IPC
// (spec §4.6).
type ScheduledTask struct {
	ID            string     `json:"id"`
	Folder        string     `json:"folder"`
	ChatID        string     `json:"chat_id"`
	Prompt        string     `json:"prompt"`
	ScheduleType  string     `json:"schedule_type"`
	ScheduleValue string     `json:"schedule_value"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	LastResult    string     `json:"last_result"`
	Status        string     `json:"status"`
	ContextMode   string     `json:"context_mode"`
	CreatedAt     time.Time  `json:"created_at"`
}

func scanTask(scanner interface{ Scan(...any) error }) (*ScheduledTask, error) {
	t := &ScheduledTask{}
	var nextRun, lastRun sql.NullTime
	err := scanner.Scan(&t.ID, &t.Folder, &t.ChatID, &t.Prompt, &t.ScheduleType, &t.ScheduleValue,
		&nextRun, &lastRun, &t.LastResult, &t.Status, &t.ContextMode, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	if nextRun.Valid {
		t.NextRunAt = &nextRun.Time
	}
	if lastRun.Valid {
		t.LastRunAt = &lastRun.Time
	}
	return t, nil
}

const taskColumns = `id, folder, chat_id, prompt, schedule_type, schedule_value, next_run_at, last_run_at, last_result, status, context_mode, created_at`

// SaveTask inserts a new task or updates an existing one's mutable fields
// (prompt, schedule, next run, status, context mode).
func (s *Store) SaveTask(t *ScheduledTask) error {
	if t.Status == "" {
		t.Status = TaskStatusActive
	}
	if t.ContextMode == "" {
		t.ContextMode = ContextModeGroup
	}
	_, err := s.db.Exec(`
		INSERT INTO scheduled_tasks (id, folder, chat_id, prompt, schedule_type, schedule_value, next_run_at, last_run_at, last_result, status, context_mode)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			prompt         = excluded.prompt,
			schedule_type  = excluded.schedule_type,
			schedule_value = excluded.schedule_value,
			next_run_at    = excluded.next_run_at,
			status         = excluded.status,
			context_mode   = excluded.context_mode`,
		t.ID, t.Folder, t.ChatID, t.Prompt, t.ScheduleType, t.ScheduleValue,
		t.NextRunAt, t.LastRunAt, t.LastResult, t.Status, t.ContextMode)
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

func (s *Store) GetTask(id string) (*ScheduledTask, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM scheduled_tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *Store) ListTasksForFolder(folder string) ([]ScheduledTask, error) {
	rows, err := s.db.Query(`SELECT `+taskColumns+` FROM scheduled_tasks WHERE folder = ? ORDER BY created_at`, folder)
	if err != nil {
		return nil, fmt.Errorf("list tasks for folder: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *Store) ListAllTasks() ([]ScheduledTask, error) {
	rows, err := s.db.Query(`SELECT ` + taskColumns + ` FROM scheduled_tasks ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list all tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// GetDueTasks returns active tasks whose next_run_at is at or before now,
// ordered by next_run_at then id so concurrent pollers process them in a
// stable order (spec §4.6 "ties broken by next_run_at then id").
func (s *Store) GetDueTasks(now time.Time) ([]ScheduledTask, error) {
	rows, err := s.db.Query(`
		SELECT `+taskColumns+` FROM scheduled_tasks
		WHERE status = ? AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC, id ASC`, TaskStatusActive, now)
	if err != nil {
		return nil, fmt.Errorf("get due tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func scanTasks(rows *sql.Rows) ([]ScheduledTask, error) {
	var out []ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// UpdateTaskRun records the outcome of one execution and advances
// next_run_at (nil means the task is done — used for "once" schedules).
func (s *Store) UpdateTaskRun(id string, ranAt time.Time, result string, nextRun *time.Time) error {
	status := TaskStatusActive
	if nextRun == nil {
		status = TaskStatusDone
	}
	_, err := s.db.Exec(`
		UPDATE scheduled_tasks SET last_run_at = ?, last_result = ?, next_run_at = ?, status = CASE WHEN status = ? THEN ? ELSE status END
		WHERE id = ?`,
		ranAt, result, nextRun, TaskStatusActive, status, id)
	if err != nil {
		return fmt.Errorf("update task run: %w", err)
	}
	return nil
}

func (s *Store) UpdateTaskStatus(id, status string) error {
	_, err := s.db.Exec(`UPDATE scheduled_tasks SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	return nil
}

// ResumeTask reactivates a paused task and sets next_run_at directly,
// without touching last_run_at/last_result (spec §4.6 "resume: status =
// active; if next_run is in the past, apply the missed-fire policy" — the
// caller computes the missed-fire-adjusted next run and passes it here).
func (s *Store) ResumeTask(id string, nextRun *time.Time) error {
	_, err := s.db.Exec(`UPDATE scheduled_tasks SET status = ?, next_run_at = ? WHERE id = ?`,
		TaskStatusActive, nextRun, id)
	if err != nil {
		return fmt.Errorf("resume task: %w", err)
	}
	return nil
}

// DeleteTask removes a task and all its run history (spec §4.6 "cancel:
// deletes the row and all its TaskRunLogs").
func (s *Store) DeleteTask(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM task_run_logs WHERE task_id = ?`, id); err != nil {
		return fmt.Errorf("delete task run logs: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM scheduled_tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return tx.Commit()
}

// TaskRunLog is one execution record of a ScheduledTask, kept for the
// history surfaced by the list_tasks IPC operation and the web dashboard.
type TaskRunLog struct {
	ID         int64     `json:"id"`
	TaskID     string    `json:"task_id"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`
	Status     string    `json:"status"`
	Output     string    `json:"output"`
}

func (s *Store) InsertTaskRunLog(l *TaskRunLog) error {
	_, err := s.db.Exec(`
		INSERT INTO task_run_logs (task_id, started_at, duration_ms, status, output)
		VALUES (?, ?, ?, ?, ?)`, l.TaskID, l.StartedAt, l.DurationMs, l.Status, l.Output)
	if err != nil {
		return fmt.Errorf("insert task run log: %w", err)
	}
	return nil
}

func (s *Store) ListRunLogsForTask(taskID string, limit int) ([]TaskRunLog, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, task_id, started_at, duration_ms, status, output
		FROM task_run_logs WHERE task_id = ? ORDER BY started_at DESC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list run logs: %w", err)
	}
	defer rows.Close()

	var out []TaskRunLog
	for rows.Next() {
		var l TaskRunLog
		if err := rows.Scan(&l.ID, &l.TaskID, &l.StartedAt, &l.DurationMs, &l.Status, &l.Output); err != nil {
			return nil, fmt.Errorf("scan run log: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
