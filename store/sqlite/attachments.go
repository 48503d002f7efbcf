package sqlite

import (
	"context"
	"fmt"
	"time"
)

// =============================================================================
// ATTACHMENT REGISTRY (lifecycle.AttachmentCounter)
// =============================================================================

// Attachment is metadata about a file stored outside the engine.
type Attachment struct {
	ID          string
	TaskID      string
	UploaderID  string
	FileName    string
	ContentType string
	SizeBytes   int64
	Deliverable bool
	CreatedAt   time.Time
}

// RecordAttachment registers attachment metadata for an existing task.
func (s *Store) RecordAttachment(ctx context.Context, a Attachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_attachments (id, task_id, uploader_id, file_name, content_type, size_bytes, deliverable, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.TaskID, a.UploaderID, a.FileName, a.ContentType, a.SizeBytes, boolInt(a.Deliverable), formatTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to record attachment: %w", err)
	}
	return nil
}

// ListAttachments returns a task's attachments, oldest first.
func (s *Store) ListAttachments(ctx context.Context, taskID string) ([]Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, uploader_id, file_name, content_type, size_bytes, deliverable, created_at
		FROM task_attachments
		WHERE task_id = ?
		ORDER BY created_at ASC, id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query attachments: %w", err)
	}
	defer rows.Close()

	out := []Attachment{}
	for rows.Next() {
		var (
			a           Attachment
			deliverable int
			createdAt   string
		)
		if err := rows.Scan(&a.ID, &a.TaskID, &a.UploaderID, &a.FileName, &a.ContentType, &a.SizeBytes, &deliverable, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan attachment: %w", err)
		}
		a.Deliverable = deliverable == 1
		a.CreatedAt = parseTime(createdAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

// CountDeliverables counts the attachments flagged as deliverables.
func (s *Store) CountDeliverables(ctx context.Context, taskID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM task_attachments WHERE task_id = ? AND deliverable = 1",
		taskID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count deliverables: %w", err)
	}
	return n, nil
}
