/*
Package lifecycle governs the task state machine of the marketplace.

PURPOSE:
  Clients submit design tasks, admins assign them to contractors
  ("campers"), contractors deliver, admins review and close. This package
  decides which status changes are legal, who may make them, and applies
  them together with their credit effects.

STATE MACHINE:

    submitted ──▶ assigned ──▶ in_progress ──▶ review ──▶ approved ──▶ closed
        │  ▲         │  │           │  ▲          │
        │  └─ pass ──┘  │           │  └ revision ◀┘
        │               │           │
        └───────────────┴───────────┴──────────▶ cancelled

  closed and cancelled are terminal.

KEY TYPES IN THIS FILE (types.go):
  - Status, Priority, Role: closed enums with Parse helpers
  - Actor: who is asking (id + role), resolved by the auth layer
  - Task: the task record
  - HistoryEntry: one row of the append-only audit trail

SEE ALSO:
  - transitions.go: The transition table and the pure validator
  - controller.go: Orchestration of validation, persistence and ledger
  - store.go: Repository interface
*/
package lifecycle

import (
	"strconv"
	"time"

	"github.com/warp/campfire-engine/credits"
)

// =============================================================================
// STATUS
// =============================================================================

type Status string

const (
	StatusSubmitted  Status = "submitted"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusReview     Status = "review"
	StatusRevision   Status = "revision"
	StatusApproved   Status = "approved"
	StatusClosed     Status = "closed"
	StatusCancelled  Status = "cancelled"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusSubmitted, StatusAssigned, StatusInProgress, StatusReview,
	StatusRevision, StatusApproved, StatusClosed, StatusCancelled,
}

func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition may leave s.
func (s Status) Terminal() bool { return s == StatusClosed || s == StatusCancelled }

// RequiresContractor reports whether a task in s must have an assignee.
func (s Status) RequiresContractor() bool {
	switch s {
	case StatusAssigned, StatusInProgress, StatusReview, StatusRevision, StatusApproved, StatusClosed:
		return true
	}
	return false
}

func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", &ValidationError{Field: "status", Reason: "unknown status " + strconv.Quote(s)}
	}
	return st, nil
}

// =============================================================================
// PRIORITY
// =============================================================================

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ParsePriority parses a priority; empty input means medium.
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(s); p {
	case "":
		return PriorityMedium, nil
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return p, nil
	}
	return "", &ValidationError{Field: "priority", Reason: "unknown priority " + strconv.Quote(s)}
}

// =============================================================================
// ROLE / ACTOR
// =============================================================================

type Role string

const (
	RoleClient     Role = "client"
	RoleContractor Role = "contractor"
	RoleAdmin      Role = "admin"
)

func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleClient, RoleContractor, RoleAdmin:
		return r, nil
	}
	return "", &ValidationError{Field: "role", Reason: "unknown role " + strconv.Quote(s)}
}

// Actor is the authenticated caller of an operation.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// SystemActor performs automated admin actions such as hold expiry.
var SystemActor = Actor{ID: "system", Role: RoleAdmin}

// =============================================================================
// TASK
// =============================================================================

type Task struct {
	ID           string
	Title        string
	Description  string
	Status       Status
	Priority     Priority
	Category     string
	ProjectID    string
	ClientID     string
	ContractorID string // empty until assigned
	Deadline     *time.Time
	Cost         credits.Amount
	Campfire     bool // claimable by any contractor while submitted
	Version      int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// VisibleTo reports whether actor may read the task.
func (t *Task) VisibleTo(actor Actor) bool {
	switch actor.Role {
	case RoleAdmin:
		return true
	case RoleClient:
		return t.ClientID == actor.ID
	case RoleContractor:
		return t.ContractorID == actor.ID || (t.Campfire && t.Status == StatusSubmitted)
	}
	return false
}

// NewTask is the input to CreateTask.
type NewTask struct {
	ClientID    string
	Title       string
	Description string
	Priority    Priority
	Category    string
	Complexity  string
	ProjectID   string
	Deadline    *time.Time
	Cost        *credits.Amount // explicit cost; nil means price from the catalog
	Campfire    bool
}

// Fields carries the optional data a transition may require.
type Fields struct {
	ContractorID string
	Note         string
}

// =============================================================================
// HISTORY
// =============================================================================

// HistoryEntry is one append-only audit row. From is empty for the
// creation row.
type HistoryEntry struct {
	Seq       int64
	TaskID    string
	ActorID   string
	From      Status
	To        Status
	Note      string
	CreatedAt time.Time
}

// TaskFilter scopes ListTasks to what the viewer may see.
type TaskFilter struct {
	Viewer          Actor
	Status          Status // empty means any
	IncludeCampfire bool   // contractors: also list open campfire tasks
	Limit           int
}

