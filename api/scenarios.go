/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	data for demos. Every scenario drives the real controller and credit
	service, so the seeded ledger reconciles like production data.

AVAILABLE SCENARIOS:

	marketplace:  One client, one camper, tasks at every lifecycle stage
	low-balance:  A client whose credits are almost fully held
	campfire:     Open campfire tasks waiting to be claimed

DEMO USERS:

	client-demo, camper-demo, camper-two, admin-demo. Map tokens to these
	ids under auth.tokens to act as them. DemoDirectory resolves their
	roles even when auth.tokens leaves them out, so seeding never depends
	on the token table.

NOTE:

	Scenarios reset the database. Only use in development/demo environments.
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/warp/campfire-engine/credits"
	"github.com/warp/campfire-engine/lifecycle"
	"github.com/warp/campfire-engine/store/sqlite"
)

// Demo user ids.
const (
	DemoClientID     = "client-demo"
	DemoContractorID = "camper-demo"
	DemoContractor2  = "camper-two"
	DemoAdminID      = "admin-demo"
)

var (
	demoAdmin   = lifecycle.Actor{ID: DemoAdminID, Role: lifecycle.RoleAdmin}
	demoClient  = lifecycle.Actor{ID: DemoClientID, Role: lifecycle.RoleClient}
	demoCamper  = lifecycle.Actor{ID: DemoContractorID, Role: lifecycle.RoleContractor}
	demoCamper2 = lifecycle.Actor{ID: DemoContractor2, Role: lifecycle.RoleContractor}
)

var demoRoles = map[string]lifecycle.Role{
	DemoClientID:     lifecycle.RoleClient,
	DemoContractorID: lifecycle.RoleContractor,
	DemoContractor2:  lifecycle.RoleContractor,
	DemoAdminID:      lifecycle.RoleAdmin,
}

// DemoDirectory answers from Users first and falls back to the demo users
// for ids Users does not know.
type DemoDirectory struct {
	Users lifecycle.Directory
}

var _ lifecycle.Directory = DemoDirectory{}

func (d DemoDirectory) RoleOf(ctx context.Context, userID string) (lifecycle.Role, error) {
	if d.Users != nil {
		role, err := d.Users.RoleOf(ctx, userID)
		if err == nil || !lifecycle.IsNotFound(err) {
			return role, err
		}
	}
	if role, ok := demoRoles[userID]; ok {
		return role, nil
	}
	return "", &lifecycle.NotFoundError{Kind: "user", ID: userID}
}

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "marketplace",
		Name:        "Marketplace Basics",
		Description: "A client with tasks in submitted, assigned, in_progress, review, closed and cancelled",
	},
	{
		ID:          "low-balance",
		Name:        "Low Balance",
		Description: "Most credits are held by open tasks; the next task will not fit",
	},
	{
		ID:          "campfire",
		Name:        "Campfire",
		Description: "Open tasks any camper can claim",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the database and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if !decode(w, r, &req) {
		return
	}

	if err := h.Seed(r.Context(), req.ScenarioID); err != nil {
		if lifecycle.IsNotFound(err) {
			writeError(w, http.StatusBadRequest, "Unknown scenario", err)
			return
		}
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// Seed resets the database and loads scenario id.
func (h *Handler) Seed(ctx context.Context, id string) error {
	var load func(context.Context) error
	switch id {
	case "marketplace":
		load = h.loadMarketplaceScenario
	case "low-balance":
		load = h.loadLowBalanceScenario
	case "campfire":
		load = h.loadCampfireScenario
	default:
		return &lifecycle.NotFoundError{Kind: "scenario", ID: id}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Store.Reset(ctx); err != nil {
		return fmt.Errorf("failed to reset database: %w", err)
	}
	h.currentScenario = ""
	if err := load(ctx); err != nil {
		return err
	}
	h.currentScenario = id
	h.log.Info("scenario loaded", "scenario", id)
	return nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadMarketplaceScenario(ctx context.Context) error {
	if _, err := h.Credits.Grant(ctx, DemoClientID, credits.Credits(300), "welcome credits", DemoAdminID); err != nil {
		return err
	}

	stages := []struct {
		title    string
		category string
		path     []lifecycle.Status
	}{
		{"Spring sale banner", "banner", nil},
		{"Instagram carousel", "social-post", []lifecycle.Status{lifecycle.StatusAssigned}},
		{"Product launch deck", "presentation", []lifecycle.Status{lifecycle.StatusAssigned, lifecycle.StatusInProgress}},
		{"Coffee shop logo", "logo", []lifecycle.Status{lifecycle.StatusAssigned, lifecycle.StatusInProgress, lifecycle.StatusReview}},
		{"Newsletter header", "banner", []lifecycle.Status{
			lifecycle.StatusAssigned, lifecycle.StatusInProgress, lifecycle.StatusReview,
			lifecycle.StatusApproved, lifecycle.StatusClosed,
		}},
		{"Abandoned flyer", "social-post", []lifecycle.Status{lifecycle.StatusCancelled}},
	}

	for _, st := range stages {
		task, err := h.Tasks.CreateTask(ctx, demoClient, lifecycle.NewTask{
			Title:    st.title,
			Category: st.category,
			Priority: lifecycle.PriorityMedium,
		})
		if err != nil {
			return fmt.Errorf("create %q: %w", st.title, err)
		}
		if err := h.walk(ctx, task.ID, st.path); err != nil {
			return fmt.Errorf("advance %q: %w", st.title, err)
		}
	}
	return nil
}

func (h *Handler) loadLowBalanceScenario(ctx context.Context) error {
	if _, err := h.Credits.Grant(ctx, DemoClientID, credits.Credits(50), "trial credits", DemoAdminID); err != nil {
		return err
	}
	for _, title := range []string{"Brand kit refresh", "Pitch deck polish"} {
		category := "presentation"
		if title == "Brand kit refresh" {
			category = "brand-kit"
		}
		cost := credits.Credits(20)
		if _, err := h.Tasks.CreateTask(ctx, demoClient, lifecycle.NewTask{
			Title:    title,
			Category: category,
			Cost:     &cost,
			Priority: lifecycle.PriorityHigh,
		}); err != nil {
			return fmt.Errorf("create %q: %w", title, err)
		}
	}
	return nil
}

func (h *Handler) loadCampfireScenario(ctx context.Context) error {
	if _, err := h.Credits.Purchase(ctx, DemoClientID, "studio", DemoClientID); err != nil {
		return err
	}
	titles := []string{"Podcast cover art", "Event poster", "Twitter header", "Menu redesign"}
	for i, title := range titles {
		task, err := h.Tasks.CreateTask(ctx, demoClient, lifecycle.NewTask{
			Title:    title,
			Category: "social-post",
			Campfire: true,
			Priority: lifecycle.PriorityLow,
		})
		if err != nil {
			return fmt.Errorf("create %q: %w", title, err)
		}
		// One task already claimed so the campfire shows both states.
		if i == 0 {
			if _, err := h.Tasks.Claim(ctx, task.ID, demoCamper2); err != nil {
				return err
			}
		}
	}
	return nil
}

// walk drives a task along path using the actor each edge requires.
func (h *Handler) walk(ctx context.Context, taskID string, path []lifecycle.Status) error {
	for _, to := range path {
		actor := demoAdmin
		fields := lifecycle.Fields{}
		switch to {
		case lifecycle.StatusAssigned:
			fields.ContractorID = DemoContractorID
		case lifecycle.StatusInProgress:
			actor = demoCamper
		case lifecycle.StatusReview:
			actor = demoCamper
			if err := h.Store.RecordAttachment(ctx, sqlite.Attachment{
				ID:          uuid.NewString(),
				TaskID:      taskID,
				UploaderID:  DemoContractorID,
				FileName:    "final.png",
				ContentType: "image/png",
				SizeBytes:   204800,
				Deliverable: true,
				CreatedAt:   time.Now().UTC(),
			}); err != nil {
				return err
			}
		}
		if _, err := h.Tasks.RequestTransition(ctx, taskID, to, actor, fields); err != nil {
			return err
		}
	}
	return nil
}
