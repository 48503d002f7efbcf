/*
handlers.go - HTTP API handlers for the task marketplace

PURPOSE:
  Exposes the lifecycle controller and the credit service via REST API.
  Handles HTTP request/response, JSON serialization, and delegates to
  domain logic. Every route below /api requires a bearer token.

ENDPOINTS:
  Tasks:
    POST   /api/tasks                   Create task (holds its cost)
    GET    /api/tasks                   List visible tasks (?status=, ?campfire=true, ?limit=)
    GET    /api/tasks/{id}              Get task
    DELETE /api/tasks/{id}              Delete task (admin)
    POST   /api/tasks/{id}/transitions  Request a status change
    POST   /api/tasks/{id}/pass         Hand an assigned task back
    POST   /api/tasks/{id}/claim        Claim an open campfire task
    GET    /api/tasks/{id}/history      Audit trail
    GET    /api/tasks/{id}/attachments  List attachment metadata
    POST   /api/tasks/{id}/attachments  Register attachment metadata

  Credits:
    GET    /api/credits/balance         Own balance (admin: ?user_id=)
    GET    /api/credits/transactions    Newest first (?limit=, admin: ?user_id=)
    POST   /api/credits/purchase        Buy a credit pack
    GET    /api/credits/packs           Pack catalog

  Admin:
    POST   /api/admin/credits/grant            Grant credits
    GET    /api/admin/credits/{user}/reconcile Replay a user's ledger
    POST   /api/admin/holds/expire             Run hold expiry now

  Notifications:
    GET    /api/notifications           Own notifications
    POST   /api/notifications/read      Mark all as read

  Scenarios:
    GET    /api/scenarios               List demo scenarios
    POST   /api/scenarios/load          Load a demo scenario (admin)

REQUEST FLOW:
  1. Resolve the actor from the request context
  2. Parse and validate input
  3. Call the controller or credit service
  4. Serialize response, or map the error (errors.go)

SEE ALSO:
  - dto.go: Request/response data structures
  - auth.go: Token authentication
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/warp/campfire-engine/credits"
	"github.com/warp/campfire-engine/lifecycle"
	"github.com/warp/campfire-engine/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store   *sqlite.Store
	Tasks   *lifecycle.Controller
	Credits *credits.Service

	// ExpireAfter is the default window for POST /api/admin/holds/expire.
	ExpireAfter time.Duration

	log *slog.Logger

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler.
func NewHandler(store *sqlite.Store, tasks *lifecycle.Controller, svc *credits.Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{Store: store, Tasks: tasks, Credits: svc, log: log}
}

// actor returns the authenticated caller. Routes are mounted behind
// Authenticate, so a missing actor is a wiring bug.
func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (lifecycle.Actor, bool) {
	actor, ok := ActorFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Not authenticated", nil)
	}
	return actor, ok
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	writeDomainError(w, r, h.log, err)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func queryLimit(r *http.Request) (int, error) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, &credits.ValidationError{Field: "limit", Reason: "must be a non-negative integer"}
	}
	return n, nil
}

// =============================================================================
// TASK HANDLERS
// =============================================================================

// CreateTask creates a task and holds its cost.
// POST /api/tasks
func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req CreateTaskRequest
	if !decode(w, r, &req) {
		return
	}

	task, err := h.Tasks.CreateTask(r.Context(), actor, lifecycle.NewTask{
		ClientID:    req.ClientID,
		Title:       req.Title,
		Description: req.Description,
		Priority:    lifecycle.Priority(req.Priority),
		Category:    req.Category,
		Complexity:  req.Complexity,
		ProjectID:   req.ProjectID,
		Deadline:    req.Deadline,
		Cost:        req.Cost,
		Campfire:    req.Campfire,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTaskDTO(task))
}

// ListTasks returns the tasks visible to the caller.
// GET /api/tasks
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	campfire, _ := strconv.ParseBool(r.URL.Query().Get("campfire"))

	tasks, err := h.Tasks.ListTasks(r.Context(), actor, lifecycle.TaskFilter{
		Status:          lifecycle.Status(r.URL.Query().Get("status")),
		IncludeCampfire: campfire,
		Limit:           limit,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskDTOs(tasks))
}

// GetTask returns one task.
// GET /api/tasks/{id}
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	task, err := h.Tasks.GetTask(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskDTO(task))
}

// DeleteTask removes a task, releasing its hold if still active.
// DELETE /api/tasks/{id}
func (h *Handler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	if err := h.Tasks.DeleteTask(r.Context(), actor, chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RequestTransition moves a task along the lifecycle.
// POST /api/tasks/{id}/transitions
func (h *Handler) RequestTransition(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req TransitionRequest
	if !decode(w, r, &req) {
		return
	}
	to, err := lifecycle.ParseStatus(req.Status)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	task, err := h.Tasks.RequestTransition(r.Context(), chi.URLParam(r, "id"), to, actor, lifecycle.Fields{
		ContractorID: req.ContractorID,
		Note:         req.Note,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskDTO(task))
}

// PassTask hands an assigned task back to the pool.
// POST /api/tasks/{id}/pass
func (h *Handler) PassTask(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req PassRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	task, err := h.Tasks.Pass(r.Context(), chi.URLParam(r, "id"), actor, req.Note)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskDTO(task))
}

// ClaimTask assigns an open campfire task to the calling contractor.
// POST /api/tasks/{id}/claim
func (h *Handler) ClaimTask(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	task, err := h.Tasks.Claim(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskDTO(task))
}

// GetTaskHistory returns the audit trail.
// GET /api/tasks/{id}/history
func (h *Handler) GetTaskHistory(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	entries, err := h.Tasks.History(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toHistoryDTOs(entries))
}

// ListAttachments returns attachment metadata of a visible task.
// GET /api/tasks/{id}/attachments
func (h *Handler) ListAttachments(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	task, err := h.Tasks.GetTask(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	attachments, err := h.Store.ListAttachments(r.Context(), task.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]AttachmentDTO, len(attachments))
	for i, a := range attachments {
		dtos[i] = toAttachmentDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// AddAttachment registers metadata for a file uploaded elsewhere. Only the
// assignee may flag a deliverable.
// POST /api/tasks/{id}/attachments
func (h *Handler) AddAttachment(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req AttachmentRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.FileName) == "" {
		h.fail(w, r, &lifecycle.MissingFieldError{Field: "file_name"})
		return
	}

	task, err := h.Tasks.GetTask(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if req.Deliverable && (actor.Role != lifecycle.RoleContractor || task.ContractorID != actor.ID) {
		h.fail(w, r, &lifecycle.ForbiddenError{Action: "upload deliverable", Reason: "only the assigned contractor may do this"})
		return
	}

	a := sqlite.Attachment{
		ID:          uuid.NewString(),
		TaskID:      task.ID,
		UploaderID:  actor.ID,
		FileName:    strings.TrimSpace(req.FileName),
		ContentType: req.ContentType,
		SizeBytes:   req.SizeBytes,
		Deliverable: req.Deliverable,
		CreatedAt:   time.Now().UTC(),
	}
	if err := h.Store.RecordAttachment(r.Context(), a); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAttachmentDTO(a))
}

// =============================================================================
// CREDIT HANDLERS
// =============================================================================

// subject resolves whose ledger a credit read targets: the caller, or for
// admins the ?user_id= parameter.
func subject(actor lifecycle.Actor, r *http.Request) (string, error) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" || userID == actor.ID {
		return actor.ID, nil
	}
	if actor.Role != lifecycle.RoleAdmin {
		return "", &lifecycle.ForbiddenError{Action: "read another user's credits", Required: []lifecycle.Role{lifecycle.RoleAdmin}}
	}
	return userID, nil
}

// GetBalance returns a credit balance.
// GET /api/credits/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	userID, err := subject(actor, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	bal, err := h.Credits.Balance(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

// GetTransactions returns ledger rows newest first.
// GET /api/credits/transactions
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	userID, err := subject(actor, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	txs, err := h.Credits.Transactions(r.Context(), userID, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

// Purchase credits the caller with a pack. There is no payment step.
// POST /api/credits/purchase
func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req PurchaseRequest
	if !decode(w, r, &req) {
		return
	}
	if req.PackID == "" {
		h.fail(w, r, &lifecycle.MissingFieldError{Field: "pack_id"})
		return
	}
	bal, err := h.Credits.Purchase(r.Context(), actor.ID, req.PackID, actor.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

// ListPacks returns the credit pack catalog.
// GET /api/credits/packs
func (h *Handler) ListPacks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, PacksResponse{Packs: h.Credits.Catalog().SortedPacks()})
}

// GrantCredits adds credits to a user on an admin's behalf.
// POST /api/admin/credits/grant
func (h *Handler) GrantCredits(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req GrantRequest
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		h.fail(w, r, &lifecycle.MissingFieldError{Field: "user_id"})
		return
	}
	bal, err := h.Credits.Grant(r.Context(), req.UserID, req.Amount, req.Description, actor.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

// ReconcileUser replays a user's ledger against their stored balance.
// GET /api/admin/credits/{user}/reconcile
func (h *Handler) ReconcileUser(w http.ResponseWriter, r *http.Request) {
	report, err := h.Credits.Reconcile(r.Context(), chi.URLParam(r, "user"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ExpireHolds cancels submitted tasks older than the window now.
// POST /api/admin/holds/expire
func (h *Handler) ExpireHolds(w http.ResponseWriter, r *http.Request) {
	var req ExpireHoldsRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	window := h.ExpireAfter
	if req.OlderThan != "" {
		d, err := time.ParseDuration(req.OlderThan)
		if err != nil {
			h.fail(w, r, &credits.ValidationError{Field: "older_than", Reason: err.Error()})
			return
		}
		window = d
	}
	if window <= 0 {
		h.fail(w, r, &credits.ValidationError{Field: "older_than", Reason: "hold expiry is not configured; pass older_than"})
		return
	}

	n, err := h.Tasks.ExpireStale(r.Context(), window)
	resp := ExpireHoldsResponse{Expired: n, OlderThan: window.String()}
	if err != nil {
		h.log.Error("hold expiry incomplete", "expired", n, "older_than", window, "error", err)
		resp.Error = "hold expiry stopped early; retry to expire the rest"
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

// ListNotifications returns the caller's notifications; admins also see
// the shared admin inbox.
// GET /api/notifications
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if limit == 0 || limit > lifecycle.MaxListLimit {
		limit = lifecycle.DefaultListLimit
	}

	recipient := actor.ID
	if actor.Role == lifecycle.RoleAdmin && r.URL.Query().Get("inbox") == "admin" {
		recipient = lifecycle.AdminRecipient
	}
	items, err := h.Store.ListNotifications(r.Context(), recipient, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, NotificationsResponse{Notifications: items})
}

// MarkNotificationsRead marks the caller's notifications as read.
// POST /api/notifications/read
func (h *Handler) MarkNotificationsRead(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	n, err := h.Store.MarkNotificationsRead(r.Context(), actor.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"marked": n})
}

// =============================================================================
// HEALTH
// =============================================================================

// Health reports whether the database answers.
// GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Database unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
