/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON shapes of the HTTP API. Domain types stay free of
  transport concerns; handlers convert at the boundary.

CONVENTIONS:
  - Credit amounts are JSON numbers with two decimals (credits.Amount)
  - Timestamps are RFC3339 strings in UTC
  - Optional fields use omitempty
*/
package api

import (
	"time"

	"github.com/warp/campfire-engine/credits"
	"github.com/warp/campfire-engine/lifecycle"
	"github.com/warp/campfire-engine/notify"
	"github.com/warp/campfire-engine/store/sqlite"
)

// =============================================================================
// TASK DTOs
// =============================================================================

type TaskDTO struct {
	ID           string         `json:"id"`
	Title        string         `json:"title"`
	Description  string         `json:"description,omitempty"`
	Status       string         `json:"status"`
	Priority     string         `json:"priority"`
	Category     string         `json:"category,omitempty"`
	ProjectID    string         `json:"project_id,omitempty"`
	ClientID     string         `json:"client_id"`
	ContractorID string         `json:"contractor_id,omitempty"`
	Deadline     string         `json:"deadline,omitempty"`
	Cost         credits.Amount `json:"cost"`
	Campfire     bool           `json:"campfire"`
	Version      int64          `json:"version"`
	CreatedAt    string         `json:"created_at"`
	UpdatedAt    string         `json:"updated_at"`
}

type CreateTaskRequest struct {
	ClientID    string          `json:"client_id,omitempty"` // admins only
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Priority    string          `json:"priority"`
	Category    string          `json:"category"`
	Complexity  string          `json:"complexity"`
	ProjectID   string          `json:"project_id"`
	Deadline    *time.Time      `json:"deadline,omitempty"`
	Cost        *credits.Amount `json:"cost,omitempty"`
	Campfire    bool            `json:"campfire"`
}

type TransitionRequest struct {
	Status       string `json:"status"`
	ContractorID string `json:"contractor_id,omitempty"`
	Note         string `json:"note,omitempty"`
}

type PassRequest struct {
	Note string `json:"note,omitempty"`
}

type HistoryEntryDTO struct {
	Seq       int64  `json:"seq"`
	ActorID   string `json:"actor_id"`
	From      string `json:"from_status,omitempty"`
	To        string `json:"to_status"`
	Note      string `json:"note,omitempty"`
	CreatedAt string `json:"created_at"`
}

type AttachmentRequest struct {
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
	Deliverable bool   `json:"deliverable"`
}

type AttachmentDTO struct {
	ID          string `json:"id"`
	TaskID      string `json:"task_id"`
	UploaderID  string `json:"uploader_id"`
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type,omitempty"`
	SizeBytes   int64  `json:"size_bytes"`
	Deliverable bool   `json:"deliverable"`
	CreatedAt   string `json:"created_at"`
}

// =============================================================================
// CREDIT DTOs
// =============================================================================

type PurchaseRequest struct {
	PackID string `json:"pack_id"`
}

type GrantRequest struct {
	UserID      string         `json:"user_id"`
	Amount      credits.Amount `json:"amount"`
	Description string         `json:"description,omitempty"`
}

type PacksResponse struct {
	Packs []credits.Pack `json:"packs"`
}

type ExpireHoldsRequest struct {
	OlderThan string `json:"older_than,omitempty"` // Go duration, e.g. "72h"
}

// ExpireHoldsResponse reports a sweep. Error is set when the sweep stopped
// early; Expired still counts the holds already released.
type ExpireHoldsResponse struct {
	Expired   int    `json:"expired"`
	OlderThan string `json:"older_than"`
	Error     string `json:"error,omitempty"`
}

// =============================================================================
// MISC
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type NotificationsResponse struct {
	Notifications []notify.Notification `json:"notifications"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toTaskDTO(t lifecycle.Task) TaskDTO {
	dto := TaskDTO{
		ID:           t.ID,
		Title:        t.Title,
		Description:  t.Description,
		Status:       string(t.Status),
		Priority:     string(t.Priority),
		Category:     t.Category,
		ProjectID:    t.ProjectID,
		ClientID:     t.ClientID,
		ContractorID: t.ContractorID,
		Cost:         t.Cost,
		Campfire:     t.Campfire,
		Version:      t.Version,
		CreatedAt:    t.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    t.UpdatedAt.Format(time.RFC3339),
	}
	if t.Deadline != nil {
		dto.Deadline = t.Deadline.UTC().Format(time.RFC3339)
	}
	return dto
}

func toTaskDTOs(tasks []lifecycle.Task) []TaskDTO {
	out := make([]TaskDTO, len(tasks))
	for i, t := range tasks {
		out[i] = toTaskDTO(t)
	}
	return out
}

func toHistoryDTOs(entries []lifecycle.HistoryEntry) []HistoryEntryDTO {
	out := make([]HistoryEntryDTO, len(entries))
	for i, e := range entries {
		out[i] = HistoryEntryDTO{
			Seq:       e.Seq,
			ActorID:   e.ActorID,
			From:      string(e.From),
			To:        string(e.To),
			Note:      e.Note,
			CreatedAt: e.CreatedAt.Format(time.RFC3339),
		}
	}
	return out
}

func toAttachmentDTO(a sqlite.Attachment) AttachmentDTO {
	return AttachmentDTO{
		ID:          a.ID,
		TaskID:      a.TaskID,
		UploaderID:  a.UploaderID,
		FileName:    a.FileName,
		ContentType: a.ContentType,
		SizeBytes:   a.SizeBytes,
		Deliverable: a.Deliverable,
		CreatedAt:   a.CreatedAt.Format(time.RFC3339),
	}
}
