/*
store.go - Repository interfaces for tasks and their history

OPTIMISTIC CONCURRENCY:
  Every task row carries a Version. CompareAndSetStatus only writes when
  both the stored status and the stored version still match what the
  caller validated against, then bumps the version. Two racing requests on
  the same task therefore cannot both commit; the loser sees
  ErrConcurrentModification and may re-read and retry.

ONE TRANSACTION FOR TASK + LEDGER:
  Tx is a transaction-scoped view that is both a task Store and a credits
  Store. The controller builds a credits.Ledger on it, so a status change,
  its history row and its credit effect commit or roll back together.
*/
package lifecycle

import (
	"context"
	"time"

	"github.com/warp/campfire-engine/credits"
)

// StatusChange is a compare-and-set request for one task.
type StatusChange struct {
	TaskID       string
	FromStatus   Status
	FromVersion  int64
	To           Status
	ContractorID string // written as-is; empty clears the assignee
	At           time.Time
}

// Store persists tasks and their history.
type Store interface {
	InsertTask(ctx context.Context, t Task) error
	GetTask(ctx context.Context, id string) (Task, error)

	// CompareAndSetStatus applies ch if the task is still at
	// (ch.FromStatus, ch.FromVersion) and returns the updated task.
	// It returns ErrConcurrentModification otherwise.
	CompareAndSetStatus(ctx context.Context, ch StatusChange) (Task, error)

	AppendHistory(ctx context.Context, e HistoryEntry) (HistoryEntry, error)
	TaskHistory(ctx context.Context, taskID string) ([]HistoryEntry, error)

	ListTasks(ctx context.Context, f TaskFilter) ([]Task, error)

	// DeleteTask removes the task and, by cascade, its history and attachments.
	DeleteTask(ctx context.Context, id string) error

	// ListStaleSubmitted returns submitted tasks last updated before cutoff.
	ListStaleSubmitted(ctx context.Context, cutoff time.Time, limit int) ([]Task, error)
}

// Tx is the transaction-scoped view handed to InTx callbacks.
type Tx interface {
	Store
	credits.Store
}

// TxStore runs callbacks in a single store transaction.
// If fn returns an error the transaction is rolled back, otherwise committed.
type TxStore interface {
	Store
	InTx(ctx context.Context, fn func(Tx) error) error
}

// AttachmentCounter reports how many deliverables a task has. The review
// guard consults it.
type AttachmentCounter interface {
	CountDeliverables(ctx context.Context, taskID string) (int, error)
}

// Directory resolves a user's role, used to check that an assignee is a
// contractor.
type Directory interface {
	RoleOf(ctx context.Context, userID string) (Role, error)
}
