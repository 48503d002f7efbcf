package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/warp/campfire-engine/lifecycle"
)

// =============================================================================
// TASK STORE (lifecycle.Store interface)
// =============================================================================

func (s *Store) InsertTask(ctx context.Context, t lifecycle.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertTask(ctx, s.db, t)
}

func (s *Store) GetTask(ctx context.Context, id string) (lifecycle.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getTask(ctx, s.db, id)
}

func (s *Store) CompareAndSetStatus(ctx context.Context, ch lifecycle.StatusChange) (lifecycle.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return compareAndSetStatus(ctx, s.db, ch)
}

func (s *Store) AppendHistory(ctx context.Context, e lifecycle.HistoryEntry) (lifecycle.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendHistory(ctx, s.db, e)
}

func (s *Store) TaskHistory(ctx context.Context, taskID string) ([]lifecycle.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return taskHistory(ctx, s.db, taskID)
}

func (s *Store) ListTasks(ctx context.Context, f lifecycle.TaskFilter) ([]lifecycle.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listTasks(ctx, s.db, f)
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deleteTask(ctx, s.db, id)
}

func (s *Store) ListStaleSubmitted(ctx context.Context, cutoff time.Time, limit int) ([]lifecycle.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listStaleSubmitted(ctx, s.db, cutoff, limit)
}

func (ts *txStore) InsertTask(ctx context.Context, t lifecycle.Task) error {
	return insertTask(ctx, ts.tx, t)
}

func (ts *txStore) GetTask(ctx context.Context, id string) (lifecycle.Task, error) {
	return getTask(ctx, ts.tx, id)
}

func (ts *txStore) CompareAndSetStatus(ctx context.Context, ch lifecycle.StatusChange) (lifecycle.Task, error) {
	return compareAndSetStatus(ctx, ts.tx, ch)
}

func (ts *txStore) AppendHistory(ctx context.Context, e lifecycle.HistoryEntry) (lifecycle.HistoryEntry, error) {
	return appendHistory(ctx, ts.tx, e)
}

func (ts *txStore) TaskHistory(ctx context.Context, taskID string) ([]lifecycle.HistoryEntry, error) {
	return taskHistory(ctx, ts.tx, taskID)
}

func (ts *txStore) ListTasks(ctx context.Context, f lifecycle.TaskFilter) ([]lifecycle.Task, error) {
	return listTasks(ctx, ts.tx, f)
}

func (ts *txStore) DeleteTask(ctx context.Context, id string) error {
	return deleteTask(ctx, ts.tx, id)
}

func (ts *txStore) ListStaleSubmitted(ctx context.Context, cutoff time.Time, limit int) ([]lifecycle.Task, error) {
	return listStaleSubmitted(ctx, ts.tx, cutoff, limit)
}

// =============================================================================
// QUERIES
// =============================================================================

const taskColumns = `id, title, description, status, priority, category, project_id, client_id,
	contractor_id, deadline, cost, campfire, version, created_at, updated_at`

func insertTask(ctx context.Context, q querier, t lifecycle.Task) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.ID,
		t.Title,
		t.Description,
		string(t.Status),
		string(t.Priority),
		t.Category,
		nullString(t.ProjectID),
		t.ClientID,
		nullString(t.ContractorID),
		nullTime(t.Deadline),
		t.Cost,
		boolInt(t.Campfire),
		t.Version,
		formatTime(t.CreatedAt),
		formatTime(t.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("task %s already exists: %w", t.ID, err)
		}
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

func getTask(ctx context.Context, q querier, id string) (lifecycle.Task, error) {
	tasks, err := queryTasks(ctx, q, "SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	if err != nil {
		return lifecycle.Task{}, err
	}
	if len(tasks) == 0 {
		return lifecycle.Task{}, &lifecycle.NotFoundError{Kind: "task", ID: id}
	}
	return tasks[0], nil
}

// compareAndSetStatus writes only if the row is still at the expected
// (status, version). Zero affected rows means someone else got there first.
func compareAndSetStatus(ctx context.Context, q querier, ch lifecycle.StatusChange) (lifecycle.Task, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, contractor_id = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND status = ? AND version = ?
	`,
		string(ch.To),
		nullString(ch.ContractorID),
		formatTime(ch.At),
		ch.TaskID,
		string(ch.FromStatus),
		ch.FromVersion,
	)
	if err != nil {
		return lifecycle.Task{}, fmt.Errorf("failed to update task status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return lifecycle.Task{}, err
	}
	if n == 0 {
		if _, err := getTask(ctx, q, ch.TaskID); err != nil {
			return lifecycle.Task{}, err
		}
		return lifecycle.Task{}, fmt.Errorf("task %s at %s/v%d: %w", ch.TaskID, ch.FromStatus, ch.FromVersion, lifecycle.ErrConcurrentModification)
	}
	return getTask(ctx, q, ch.TaskID)
}

func deleteTask(ctx context.Context, q querier, id string) error {
	res, err := q.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &lifecycle.NotFoundError{Kind: "task", ID: id}
	}
	return nil
}

// listTasks scopes rows to what the viewer may see:
// client -> own, contractor -> assigned (+ open campfire), admin -> all.
func listTasks(ctx context.Context, q querier, f lifecycle.TaskFilter) ([]lifecycle.Task, error) {
	var (
		where []string
		args  []any
	)
	switch f.Viewer.Role {
	case lifecycle.RoleAdmin:
	case lifecycle.RoleClient:
		where = append(where, "client_id = ?")
		args = append(args, f.Viewer.ID)
	case lifecycle.RoleContractor:
		if f.IncludeCampfire {
			where = append(where, "(contractor_id = ? OR (campfire = 1 AND status = 'submitted'))")
		} else {
			where = append(where, "contractor_id = ?")
		}
		args = append(args, f.Viewer.ID)
	default:
		return []lifecycle.Task{}, nil
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}

	query := "SELECT " + taskColumns + " FROM tasks"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return queryTasks(ctx, q, query, args...)
}

func listStaleSubmitted(ctx context.Context, q querier, cutoff time.Time, limit int) ([]lifecycle.Task, error) {
	return queryTasks(ctx, q, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status = 'submitted' AND updated_at < ?
		ORDER BY updated_at ASC
		LIMIT ?
	`, formatTime(cutoff), limit)
}

func queryTasks(ctx context.Context, q querier, query string, args ...any) ([]lifecycle.Task, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	tasks := []lifecycle.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func scanTask(rows *sql.Rows) (lifecycle.Task, error) {
	var (
		t            lifecycle.Task
		status       string
		priority     string
		projectID    sql.NullString
		contractorID sql.NullString
		deadline     sql.NullString
		campfire     int
		createdAt    string
		updatedAt    string
	)
	err := rows.Scan(
		&t.ID, &t.Title, &t.Description, &status, &priority, &t.Category, &projectID, &t.ClientID,
		&contractorID, &deadline, &t.Cost, &campfire, &t.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		return t, fmt.Errorf("failed to scan task: %w", err)
	}
	t.Status = lifecycle.Status(status)
	t.Priority = lifecycle.Priority(priority)
	t.ProjectID = projectID.String
	t.ContractorID = contractorID.String
	if deadline.Valid {
		d := parseTime(deadline.String)
		t.Deadline = &d
	}
	t.Campfire = campfire == 1
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return t, nil
}

// =============================================================================
// HISTORY
// =============================================================================

func appendHistory(ctx context.Context, q querier, e lifecycle.HistoryEntry) (lifecycle.HistoryEntry, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO task_history (task_id, actor_id, from_status, to_status, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.TaskID, e.ActorID, nullString(string(e.From)), string(e.To), e.Note, formatTime(e.CreatedAt))
	if err != nil {
		return lifecycle.HistoryEntry{}, fmt.Errorf("failed to append history: %w", err)
	}
	if e.Seq, err = res.LastInsertId(); err != nil {
		return lifecycle.HistoryEntry{}, err
	}
	return e, nil
}

func taskHistory(ctx context.Context, q querier, taskID string) ([]lifecycle.HistoryEntry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT seq, task_id, actor_id, from_status, to_status, note, created_at
		FROM task_history
		WHERE task_id = ?
		ORDER BY seq ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	entries := []lifecycle.HistoryEntry{}
	for rows.Next() {
		var (
			e         lifecycle.HistoryEntry
			from      sql.NullString
			to        string
			createdAt string
		)
		if err := rows.Scan(&e.Seq, &e.TaskID, &e.ActorID, &from, &to, &e.Note, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		e.From = lifecycle.Status(from.String)
		e.To = lifecycle.Status(to)
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
