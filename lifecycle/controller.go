/*
controller.go - Orchestrates validation, persistence and credit effects

REQUEST FLOW (RequestTransition):
  1. Count deliverables if the edge is guarded (outside the transaction)
  2. BEGIN
  3. Load the task
  4. Validate against the transition table
  5. CAS the status on (status, version) and write the history row
  6. Apply the credit effect: cancelled -> Release, closed -> Finalize
  7. COMMIT, then notify asynchronously

  Any failure in 3-6 rolls the whole transaction back. A lost CAS race
  is retried once from step 2; the retry re-validates against the fresh
  row, so the slower of two identical requests is rejected by the table.

SPECIAL OPERATIONS:
  Pass   assigned -> submitted, by the assignee, clears the contractor
  Claim  submitted -> assigned, by any contractor, campfire tasks only
  Both go through the same persistence path as table edges.

PERSISTENCE GUARD:
  Writes go through apply(), which only accepts a transitionPlan built by
  one of the validating paths. A plan that skipped validation is refused
  with ErrInvariantViolation before anything is written.
*/
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/warp/campfire-engine/credits"
	"github.com/warp/campfire-engine/metrics"
	"github.com/warp/campfire-engine/notify"
)

// AdminRecipient addresses notifications meant for the admin team.
const AdminRecipient = "admin"

// List limits.
const (
	DefaultListLimit = 100
	MaxListLimit     = 500
	staleBatchSize   = 100
)

// =============================================================================
// CONTROLLER
// =============================================================================

type Controller struct {
	store       TxStore
	attachments AttachmentCounter
	directory   Directory
	notifier    notify.Sink
	catalog     *credits.Catalog
	log         *slog.Logger
	now         func() time.Time
}

type Option func(*Controller)

// WithAttachments sets the deliverable counter used by the review guard.
// Without one, no task can enter review.
func WithAttachments(a AttachmentCounter) Option { return func(c *Controller) { c.attachments = a } }

// WithDirectory enables checking that an assignee is a contractor.
func WithDirectory(d Directory) Option { return func(c *Controller) { c.directory = d } }

func WithNotifier(n notify.Sink) Option { return func(c *Controller) { c.notifier = n } }

func WithCatalog(cat *credits.Catalog) Option { return func(c *Controller) { c.catalog = cat } }

func WithLogger(l *slog.Logger) Option { return func(c *Controller) { c.log = l } }

func WithClock(now func() time.Time) Option { return func(c *Controller) { c.now = now } }

func NewController(store TxStore, opts ...Option) *Controller {
	c := &Controller{
		store:   store,
		catalog: credits.DefaultCatalog(),
		log:     slog.Default(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// =============================================================================
// CREATE
// =============================================================================

// CreateTask inserts a submitted task and holds its cost from the client's
// credits. If the hold fails nothing is persisted.
func (c *Controller) CreateTask(ctx context.Context, actor Actor, in NewTask) (Task, error) {
	task, err := c.prepareTask(actor, in)
	if err != nil {
		return Task{}, err
	}

	err = c.store.InTx(ctx, func(tx Tx) error {
		if err := tx.InsertTask(ctx, task); err != nil {
			return fmt.Errorf("failed to insert task: %w", err)
		}
		if _, err := tx.AppendHistory(ctx, HistoryEntry{
			TaskID:    task.ID,
			ActorID:   actor.ID,
			To:        StatusSubmitted,
			Note:      "task created",
			CreatedAt: task.CreatedAt,
		}); err != nil {
			return fmt.Errorf("failed to record history: %w", err)
		}
		_, err := c.ledger(tx).Hold(ctx, task.ClientID, task.Cost, task.ID, actor.ID)
		return err
	})
	if err != nil {
		if errors.Is(err, credits.ErrInsufficientCredits) {
			metrics.HoldRejections.Inc()
		}
		return Task{}, err
	}

	metrics.TasksCreated.Inc()
	metrics.RecordLedgerOperation(string(credits.TxTaskHold), task.Cost.Decimal().InexactFloat64())
	c.log.Info("task created", "task_id", task.ID, "client_id", task.ClientID, "cost", task.Cost.String(), "actor_id", actor.ID)
	c.send(ctx, notify.Notification{
		UserID:  AdminRecipient,
		Type:    notify.TypeStatusChange,
		Title:   "New task submitted",
		Message: fmt.Sprintf("%q was submitted", task.Title),
		Link:    taskLink(task.ID),
	})
	return task, nil
}

func (c *Controller) prepareTask(actor Actor, in NewTask) (Task, error) {
	clientID := strings.TrimSpace(in.ClientID)
	switch actor.Role {
	case RoleClient:
		if clientID != "" && clientID != actor.ID {
			return Task{}, &ForbiddenError{Action: "create task", Reason: "clients create tasks for themselves"}
		}
		clientID = actor.ID
	case RoleAdmin:
		if clientID == "" {
			return Task{}, &MissingFieldError{Field: "client_id"}
		}
	default:
		return Task{}, &ForbiddenError{Action: "create task", Required: []Role{RoleClient, RoleAdmin}}
	}

	title := strings.TrimSpace(in.Title)
	if title == "" {
		return Task{}, &MissingFieldError{Field: "title"}
	}
	priority, err := ParsePriority(string(in.Priority))
	if err != nil {
		return Task{}, err
	}

	var cost credits.Amount
	if in.Cost != nil {
		cost = *in.Cost
		if !cost.IsPositive() {
			return Task{}, &ValidationError{Field: "cost", Reason: "must be greater than zero"}
		}
	} else {
		cost, err = c.catalog.Price(in.Category, in.Complexity)
		if err != nil {
			return Task{}, err
		}
	}

	now := c.now()
	return Task{
		ID:          uuid.NewString(),
		Title:       title,
		Description: in.Description,
		Status:      StatusSubmitted,
		Priority:    priority,
		Category:    in.Category,
		ProjectID:   in.ProjectID,
		ClientID:    clientID,
		Deadline:    in.Deadline,
		Cost:        cost,
		Campfire:    in.Campfire,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// RequestTransition moves a task to status to on behalf of actor.
func (c *Controller) RequestTransition(ctx context.Context, taskID string, to Status, actor Actor, fields Fields) (Task, error) {
	if !to.Valid() {
		return Task{}, &ValidationError{Field: "status", Reason: "unknown status " + strconv.Quote(string(to))}
	}
	if _, err := c.store.GetTask(ctx, taskID); err != nil {
		return Task{}, err
	}

	// Lookups against collaborators happen before the transaction opens and
	// depend only on the target, never on the status read here.
	deliverables := 0
	if NeedsDeliverableCount(to) && c.attachments != nil {
		n, err := c.attachments.CountDeliverables(ctx, taskID)
		if err != nil {
			return Task{}, fmt.Errorf("failed to count deliverables: %w", err)
		}
		deliverables = n
	}
	assigneeErr := c.checkAssignee(ctx, to, fields.ContractorID)

	return c.commit(ctx, func(task Task) (transitionPlan, error) {
		edge, err := Validate(Check{Task: task, To: to, Actor: actor, Fields: fields, Deliverables: deliverables})
		if err != nil {
			return transitionPlan{}, err
		}
		if assigneeErr != nil {
			return transitionPlan{}, assigneeErr
		}
		contractorID := task.ContractorID
		if to == StatusAssigned {
			contractorID = strings.TrimSpace(fields.ContractorID)
		}
		return planFor(task, edge.To, actor, contractorID, fields.Note), nil
	}, taskID)
}

// Pass hands an assigned task back to the pool. Only the assignee may pass.
func (c *Controller) Pass(ctx context.Context, taskID string, actor Actor, note string) (Task, error) {
	if note = strings.TrimSpace(note); note == "" {
		note = "passed by contractor"
	}
	return c.commit(ctx, func(task Task) (transitionPlan, error) {
		if task.Status != StatusAssigned {
			return transitionPlan{}, &TransitionError{From: task.Status, To: StatusSubmitted}
		}
		if actor.Role != RoleContractor {
			return transitionPlan{}, &ForbiddenError{Action: "pass", Required: []Role{RoleContractor}}
		}
		if !isAssignee(task, actor) {
			return transitionPlan{}, &ForbiddenError{Action: "pass", Reason: "only the assigned contractor may do this"}
		}
		return planFor(task, StatusSubmitted, actor, "", note), nil
	}, taskID)
}

// Claim assigns an open campfire task to the calling contractor.
func (c *Controller) Claim(ctx context.Context, taskID string, actor Actor) (Task, error) {
	return c.commit(ctx, func(task Task) (transitionPlan, error) {
		if task.Status != StatusSubmitted {
			return transitionPlan{}, &TransitionError{From: task.Status, To: StatusAssigned}
		}
		if actor.Role != RoleContractor {
			return transitionPlan{}, &ForbiddenError{Action: "claim", Required: []Role{RoleContractor}}
		}
		if !task.Campfire {
			return transitionPlan{}, &ForbiddenError{Action: "claim", Reason: "task is not open for claiming"}
		}
		return planFor(task, StatusAssigned, actor, actor.ID, "claimed from campfire"), nil
	}, taskID)
}

func (c *Controller) checkAssignee(ctx context.Context, to Status, contractorID string) error {
	contractorID = strings.TrimSpace(contractorID)
	if to != StatusAssigned || contractorID == "" || c.directory == nil {
		return nil
	}
	role, err := c.directory.RoleOf(ctx, contractorID)
	if err != nil {
		if IsNotFound(err) {
			return &ValidationError{Field: "contractor_id", Reason: "unknown user " + strconv.Quote(contractorID)}
		}
		return fmt.Errorf("failed to resolve assignee: %w", err)
	}
	if role != RoleContractor {
		return &ValidationError{Field: "contractor_id", Reason: strconv.Quote(contractorID) + " is not a contractor"}
	}
	return nil
}

// decideFunc turns a freshly loaded task into a validated plan.
type decideFunc func(task Task) (transitionPlan, error)

// commit runs decide and apply in one transaction, retrying once when the
// CAS loses a race.
func (c *Controller) commit(ctx context.Context, decide decideFunc, taskID string) (Task, error) {
	var (
		updated Task
		plan    transitionPlan
		err     error
	)
	for attempt := 0; attempt < 2; attempt++ {
		err = c.store.InTx(ctx, func(tx Tx) error {
			task, err := tx.GetTask(ctx, taskID)
			if err != nil {
				return err
			}
			plan, err = decide(task)
			if err != nil {
				return err
			}
			updated, err = c.apply(ctx, tx, plan)
			return err
		})
		if !errors.Is(err, ErrConcurrentModification) {
			break
		}
		c.log.Debug("transition lost a race, retrying", "task_id", taskID, "attempt", attempt+1)
	}
	if err != nil {
		reason := rejectionReason(err)
		metrics.TaskTransitionRejections.WithLabelValues(reason).Inc()
		if reason == "internal" {
			c.log.Error("transition failed", "task_id", taskID, "error", err)
		}
		return Task{}, err
	}

	metrics.TaskTransitions.WithLabelValues(string(plan.from()), string(plan.to)).Inc()
	switch plan.effect {
	case effectRelease:
		metrics.RecordLedgerOperation(string(credits.TxTaskRelease), plan.task.Cost.Decimal().InexactFloat64())
	case effectFinalize:
		metrics.RecordLedgerOperation(string(credits.TxTaskDeduct), plan.task.Cost.Decimal().InexactFloat64())
	}
	c.log.Info("task transitioned", "task_id", taskID, "from", plan.from(), "to", plan.to, "actor_id", plan.actor.ID)
	for _, n := range notificationsFor(plan, updated) {
		c.send(ctx, n)
	}
	return updated, nil
}

// =============================================================================
// PERSISTENCE
// =============================================================================

type creditEffect int

const (
	effectNone creditEffect = iota
	effectRelease
	effectFinalize
)

// transitionPlan is a decided status change. Only planFor sets validated.
type transitionPlan struct {
	task         Task
	to           Status
	actor        Actor
	contractorID string
	note         string
	effect       creditEffect
	validated    bool
}

func (p transitionPlan) from() Status { return p.task.Status }

func planFor(task Task, to Status, actor Actor, contractorID, note string) transitionPlan {
	effect := effectNone
	switch to {
	case StatusCancelled:
		effect = effectRelease
	case StatusClosed:
		effect = effectFinalize
	}
	return transitionPlan{
		task:         task,
		to:           to,
		actor:        actor,
		contractorID: contractorID,
		note:         strings.TrimSpace(note),
		effect:       effect,
		validated:    true,
	}
}

func (c *Controller) apply(ctx context.Context, tx Tx, plan transitionPlan) (Task, error) {
	if !plan.validated {
		return Task{}, fmt.Errorf("%w: unvalidated write %s -> %s on task %s", ErrInvariantViolation, plan.from(), plan.to, plan.task.ID)
	}
	if plan.to.RequiresContractor() && plan.contractorID == "" {
		return Task{}, fmt.Errorf("%w: %s requires a contractor on task %s", ErrInvariantViolation, plan.to, plan.task.ID)
	}

	now := c.now()
	updated, err := tx.CompareAndSetStatus(ctx, StatusChange{
		TaskID:       plan.task.ID,
		FromStatus:   plan.task.Status,
		FromVersion:  plan.task.Version,
		To:           plan.to,
		ContractorID: plan.contractorID,
		At:           now,
	})
	if err != nil {
		return Task{}, err
	}
	if _, err := tx.AppendHistory(ctx, HistoryEntry{
		TaskID:    plan.task.ID,
		ActorID:   plan.actor.ID,
		From:      plan.task.Status,
		To:        plan.to,
		Note:      plan.note,
		CreatedAt: now,
	}); err != nil {
		return Task{}, fmt.Errorf("failed to record history: %w", err)
	}

	ledger := c.ledger(tx)
	switch plan.effect {
	case effectRelease:
		_, err = ledger.Release(ctx, updated.ClientID, updated.Cost, updated.ID, plan.actor.ID)
	case effectFinalize:
		_, err = ledger.Finalize(ctx, updated.ClientID, updated.Cost, updated.ID, plan.actor.ID)
	}
	if err != nil {
		return Task{}, fmt.Errorf("failed to apply credit effect: %w", err)
	}
	return updated, nil
}

func (c *Controller) ledger(tx Tx) *credits.Ledger {
	return credits.NewLedger(tx).WithClock(c.now)
}

// =============================================================================
// DELETE / READS
// =============================================================================

// DeleteTask removes a task and its history. A task that still holds
// credits has them released first.
func (c *Controller) DeleteTask(ctx context.Context, actor Actor, taskID string) error {
	if actor.Role != RoleAdmin {
		return &ForbiddenError{Action: "delete task", Required: []Role{RoleAdmin}}
	}
	var released bool
	var task Task
	err := c.store.InTx(ctx, func(tx Tx) error {
		var err error
		if task, err = tx.GetTask(ctx, taskID); err != nil {
			return err
		}
		if !task.Status.Terminal() {
			if _, err := c.ledger(tx).Release(ctx, task.ClientID, task.Cost, task.ID, actor.ID); err != nil {
				return fmt.Errorf("failed to release held credits: %w", err)
			}
			released = true
		}
		return tx.DeleteTask(ctx, taskID)
	})
	if err != nil {
		return err
	}
	if released {
		metrics.RecordLedgerOperation(string(credits.TxTaskRelease), task.Cost.Decimal().InexactFloat64())
	}
	c.log.Info("task deleted", "task_id", taskID, "status", task.Status, "released", released, "actor_id", actor.ID)
	return nil
}

// GetTask returns the task if actor may see it.
func (c *Controller) GetTask(ctx context.Context, actor Actor, taskID string) (Task, error) {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if !task.VisibleTo(actor) {
		return Task{}, &ForbiddenError{Action: "view task"}
	}
	return task, nil
}

// ListTasks returns the tasks visible to actor, newest first.
func (c *Controller) ListTasks(ctx context.Context, actor Actor, f TaskFilter) ([]Task, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, &ValidationError{Field: "status", Reason: "unknown status " + strconv.Quote(string(f.Status))}
	}
	f.Viewer = actor
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	return c.store.ListTasks(ctx, f)
}

// History returns the audit trail of a task, oldest first.
func (c *Controller) History(ctx context.Context, actor Actor, taskID string) ([]HistoryEntry, error) {
	if _, err := c.GetTask(ctx, actor, taskID); err != nil {
		return nil, err
	}
	return c.store.TaskHistory(ctx, taskID)
}

// =============================================================================
// HOLD EXPIRY
// =============================================================================

// ExpireStale cancels submitted tasks that nobody picked up within
// olderThan, releasing their holds. Tasks that moved in the meantime are
// skipped. It returns how many tasks were cancelled.
func (c *Controller) ExpireStale(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, &ValidationError{Field: "older_than", Reason: "must be greater than zero"}
	}
	cutoff := c.now().Add(-olderThan)
	stale, err := c.store.ListStaleSubmitted(ctx, cutoff, staleBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale tasks: %w", err)
	}

	expired := 0
	var errs []error
	for _, t := range stale {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		_, err := c.RequestTransition(ctx, t.ID, StatusCancelled, SystemActor, Fields{Note: "hold expired"})
		switch {
		case err == nil:
			expired++
			metrics.HoldsExpired.Inc()
		case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrNotFound), errors.Is(err, ErrConcurrentModification):
			c.log.Debug("stale task moved before expiry", "task_id", t.ID, "error", err)
		default:
			errs = append(errs, fmt.Errorf("task %s: %w", t.ID, err))
		}
	}
	if expired > 0 {
		c.log.Info("expired stale holds", "count", expired, "cutoff", cutoff)
	}
	return expired, errors.Join(errs...)
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

func (c *Controller) send(ctx context.Context, n notify.Notification) {
	if c.notifier == nil || n.UserID == "" {
		return
	}
	if err := c.notifier.Notify(ctx, n); err != nil {
		c.log.Warn("notification failed", "type", n.Type, "user_id", n.UserID, "error", err)
	}
}

func notificationsFor(plan transitionPlan, t Task) []notify.Notification {
	link := taskLink(t.ID)
	statusChange := notify.Notification{
		UserID:  t.ClientID,
		Type:    notify.TypeStatusChange,
		Title:   "Task status updated",
		Message: fmt.Sprintf("%q moved from %s to %s", t.Title, plan.from(), plan.to),
		Link:    link,
	}

	switch plan.to {
	case StatusAssigned:
		return []notify.Notification{statusChange, {
			UserID: t.ContractorID, Type: notify.TypeTaskAssigned,
			Title: "New task assigned", Message: fmt.Sprintf("You were assigned %q", t.Title), Link: link,
		}}
	case StatusSubmitted:
		return []notify.Notification{statusChange, {
			UserID: AdminRecipient, Type: notify.TypeTaskPassed,
			Title: "Task passed", Message: fmt.Sprintf("%q was passed by %s: %s", t.Title, plan.actor.ID, plan.note), Link: link,
		}}
	case StatusReview:
		return []notify.Notification{statusChange, {
			UserID: AdminRecipient, Type: notify.TypeStatusChange,
			Title: "Task ready for review", Message: fmt.Sprintf("%q is waiting for review", t.Title), Link: link,
		}}
	case StatusRevision:
		return []notify.Notification{statusChange, {
			UserID: t.ContractorID, Type: notify.TypeRevisionRequested,
			Title: "Revision requested", Message: plan.note, Link: link,
		}}
	case StatusClosed:
		return []notify.Notification{statusChange, {
			UserID: t.ContractorID, Type: notify.TypeTaskCompleted,
			Title: "Task completed", Message: fmt.Sprintf("%q was closed", t.Title), Link: link,
		}}
	case StatusCancelled:
		out := []notify.Notification{{
			UserID: t.ClientID, Type: notify.TypeTaskCancelled,
			Title: "Task cancelled", Message: fmt.Sprintf("%q was cancelled and its credits released", t.Title), Link: link,
		}}
		if t.ContractorID != "" {
			out = append(out, notify.Notification{
				UserID: t.ContractorID, Type: notify.TypeTaskCancelled,
				Title: "Task cancelled", Message: fmt.Sprintf("%q was cancelled", t.Title), Link: link,
			})
		}
		return out
	}
	return []notify.Notification{statusChange}
}

func taskLink(id string) string { return "/tasks/" + id }

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrMissingField):
		return "missing_field"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrConcurrentModification):
		return "conflict"
	case errors.Is(err, credits.ErrInsufficientCredits):
		return "insufficient_credits"
	}
	return "internal"
}
