/*
handlers_test.go - End-to-end tests for the HTTP API

Tests for:
- Authentication and admin gates
- The full task lifecycle over HTTP, including the credit effects
- Error mapping (402, 403, 404, 409, 422)
- Demo scenarios and hold expiry endpoints
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/campfire-engine/config"
	"github.com/warp/campfire-engine/credits"
	"github.com/warp/campfire-engine/lifecycle"
	"github.com/warp/campfire-engine/notify"
	"github.com/warp/campfire-engine/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const (
	clientToken  = "tok-client"
	camperToken  = "tok-camper"
	camper2Token = "tok-camper-two"
	adminToken   = "tok-admin"
)

type testAPI struct {
	t      *testing.T
	store  *sqlite.Store
	router http.Handler
}

func newTestAPI(t *testing.T, metricsEnabled bool) *testAPI {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	tokens, err := NewStaticTokens([]config.TokenConfig{
		{Token: clientToken, UserID: DemoClientID, Role: "client"},
		{Token: camperToken, UserID: DemoContractorID, Role: "contractor"},
		{Token: camper2Token, UserID: DemoContractor2, Role: "contractor"},
		{Token: adminToken, UserID: DemoAdminID, Role: "admin"},
	})
	require.NoError(t, err)

	tasks := lifecycle.NewController(store,
		lifecycle.WithAttachments(store),
		lifecycle.WithDirectory(tokens),
		lifecycle.WithNotifier(store),
	)
	h := NewHandler(store, tasks, credits.NewService(store, nil, nil), nil)
	return &testAPI{
		t:      t,
		store:  store,
		router: NewRouter(h, RouterOptions{Auth: tokens, MetricsEnabled: metricsEnabled}),
	}
}

func (a *testAPI) do(method, path, token string, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body == nil {
		req.ContentLength = 0
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

// expect performs a request, checks the status and decodes the body into out.
func (a *testAPI) expect(status int, method, path, token string, body, out any) {
	a.t.Helper()
	rec := a.do(method, path, token, body)
	require.Equal(a.t, status, rec.Code, "%s %s: %s", method, path, rec.Body.String())
	if out != nil {
		require.NoError(a.t, json.Unmarshal(rec.Body.Bytes(), out))
	}
}

func (a *testAPI) transition(status int, taskID, token string, req TransitionRequest) TaskDTO {
	a.t.Helper()
	var dto TaskDTO
	var out any = &dto
	if status != http.StatusOK {
		out = nil
	}
	a.expect(status, http.MethodPost, "/api/tasks/"+taskID+"/transitions", token, req, out)
	return dto
}

func (a *testAPI) balance(token string) credits.Balance {
	a.t.Helper()
	var bal credits.Balance
	a.expect(http.StatusOK, http.MethodGet, "/api/credits/balance", token, nil, &bal)
	return bal
}

func (a *testAPI) grant(userID string, amount int64) {
	a.t.Helper()
	a.expect(http.StatusOK, http.MethodPost, "/api/admin/credits/grant", adminToken,
		GrantRequest{UserID: userID, Amount: credits.Credits(amount)}, nil)
}

func (a *testAPI) createTask(cost int64) TaskDTO {
	a.t.Helper()
	c := credits.Credits(cost)
	var dto TaskDTO
	a.expect(http.StatusCreated, http.MethodPost, "/api/tasks", clientToken,
		CreateTaskRequest{Title: "Spring banner", Category: "banner", Cost: &c}, &dto)
	return dto
}

// =============================================================================
// AUTHENTICATION
// =============================================================================

func TestAPI_RequiresBearerToken(t *testing.T) {
	api := newTestAPI(t, false)

	assert.Equal(t, http.StatusUnauthorized, api.do(http.MethodGet, "/api/tasks", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, api.do(http.MethodGet, "/api/tasks", "bogus", nil).Code)
	assert.Equal(t, http.StatusOK, api.do(http.MethodGet, "/health", "", nil).Code)
}

func TestAPI_AdminRoutesRejectOtherRoles(t *testing.T) {
	api := newTestAPI(t, false)

	for _, token := range []string{clientToken, camperToken} {
		rec := api.do(http.MethodPost, "/api/admin/credits/grant", token, GrantRequest{UserID: DemoClientID, Amount: credits.Credits(5)})
		assert.Equal(t, http.StatusForbidden, rec.Code)

		rec = api.do(http.MethodPost, "/api/scenarios/load", token, map[string]string{"scenario_id": "marketplace"})
		assert.Equal(t, http.StatusForbidden, rec.Code)
	}
}

// =============================================================================
// TASK LIFECYCLE
// =============================================================================

func TestAPI_FullLifecycle(t *testing.T) {
	api := newTestAPI(t, false)

	// GIVEN: A client with 100 credits
	api.grant(DemoClientID, 100)

	// WHEN: The client submits a task costing 30
	task := api.createTask(30)

	// THEN: 30 credits are held
	assert.Equal(t, "submitted", task.Status)
	bal := api.balance(clientToken)
	assert.Equal(t, "70.00", bal.Available.String())
	assert.Equal(t, "30.00", bal.Held.String())

	// WHEN: It is assigned, worked on and delivered
	assigned := api.transition(http.StatusOK, task.ID, adminToken, TransitionRequest{Status: "assigned", ContractorID: DemoContractorID})
	assert.Equal(t, DemoContractorID, assigned.ContractorID)
	api.transition(http.StatusOK, task.ID, camperToken, TransitionRequest{Status: "in_progress"})

	// Review is refused until a deliverable exists
	rec := api.do(http.MethodPost, "/api/tasks/"+task.ID+"/transitions", camperToken, TransitionRequest{Status: "review"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, "missing_field", errResp.Code)

	api.expect(http.StatusCreated, http.MethodPost, "/api/tasks/"+task.ID+"/attachments", camperToken,
		AttachmentRequest{FileName: "banner.png", ContentType: "image/png", SizeBytes: 2048, Deliverable: true}, nil)
	api.transition(http.StatusOK, task.ID, camperToken, TransitionRequest{Status: "review"})
	api.transition(http.StatusOK, task.ID, adminToken, TransitionRequest{Status: "approved"})
	closed := api.transition(http.StatusOK, task.ID, adminToken, TransitionRequest{Status: "closed"})

	// THEN: The task is closed and the hold consumed
	assert.Equal(t, "closed", closed.Status)
	bal = api.balance(clientToken)
	assert.Equal(t, "70.00", bal.Total.String())
	assert.Equal(t, "70.00", bal.Available.String())
	assert.Equal(t, "0.00", bal.Held.String())

	var history []HistoryEntryDTO
	api.expect(http.StatusOK, http.MethodGet, "/api/tasks/"+task.ID+"/history", clientToken, nil, &history)
	require.Len(t, history, 6)
	assert.Equal(t, "closed", history[5].To)

	var report credits.ReconciliationReport
	api.expect(http.StatusOK, http.MethodGet, "/api/admin/credits/"+DemoClientID+"/reconcile", adminToken, nil, &report)
	assert.True(t, report.OK)
}

func TestAPI_InsufficientCredits(t *testing.T) {
	api := newTestAPI(t, false)
	api.grant(DemoClientID, 10)

	c := credits.Credits(30)
	rec := api.do(http.MethodPost, "/api/tasks", clientToken, CreateTaskRequest{Title: "Logo", Cost: &c})
	require.Equal(t, http.StatusPaymentRequired, rec.Code)

	var resp struct {
		Code    string                    `json:"code"`
		Details map[string]credits.Amount `json:"details"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "insufficient_credits", resp.Code)
	assert.Equal(t, credits.Credits(10), resp.Details["available"])
	assert.Equal(t, credits.Credits(30), resp.Details["needed"])

	var tasks []TaskDTO
	api.expect(http.StatusOK, http.MethodGet, "/api/tasks", clientToken, nil, &tasks)
	assert.Empty(t, tasks)
}

func TestAPI_ErrorMapping(t *testing.T) {
	api := newTestAPI(t, false)
	api.grant(DemoClientID, 100)
	task := api.createTask(10)

	// Client may not assign
	api.transition(http.StatusForbidden, task.ID, clientToken, TransitionRequest{Status: "assigned", ContractorID: DemoContractorID})
	// No edge submitted -> closed
	api.transition(http.StatusConflict, task.ID, adminToken, TransitionRequest{Status: "closed"})
	// Unknown status
	api.transition(http.StatusBadRequest, task.ID, adminToken, TransitionRequest{Status: "done"})
	// Assign needs a contractor id
	api.transition(http.StatusUnprocessableEntity, task.ID, adminToken, TransitionRequest{Status: "assigned"})
	// Assignee must be a known contractor
	api.transition(http.StatusBadRequest, task.ID, adminToken, TransitionRequest{Status: "assigned", ContractorID: DemoClientID})
	// Unknown task
	api.transition(http.StatusNotFound, "missing", adminToken, TransitionRequest{Status: "cancelled"})
	// Malformed body
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/tasks", bytes.NewBufferString("{"))
	req.Header.Set("Authorization", "Bearer "+clientToken)
	api.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Other contractors cannot see the task
	assert.Equal(t, http.StatusForbidden, api.do(http.MethodGet, "/api/tasks/"+task.ID, camper2Token, nil).Code)
	// Clients cannot read another user's balance
	assert.Equal(t, http.StatusForbidden, api.do(http.MethodGet, "/api/credits/balance?user_id="+DemoContractorID, clientToken, nil).Code)
}

func TestAPI_CancelReleasesAndDeleteIsAdminOnly(t *testing.T) {
	api := newTestAPI(t, false)
	api.grant(DemoClientID, 50)
	task := api.createTask(20)
	other := api.createTask(20)

	api.transition(http.StatusOK, task.ID, adminToken, TransitionRequest{Status: "cancelled", Note: "client request"})
	assert.Equal(t, http.StatusForbidden, api.do(http.MethodDelete, "/api/tasks/"+other.ID, clientToken, nil).Code)
	assert.Equal(t, http.StatusNoContent, api.do(http.MethodDelete, "/api/tasks/"+other.ID, adminToken, nil).Code)

	bal := api.balance(clientToken)
	assert.Equal(t, "50.00", bal.Available.String())
	assert.Equal(t, "0.00", bal.Held.String())
}

func TestAPI_PassAndClaim(t *testing.T) {
	api := newTestAPI(t, false)
	api.grant(DemoClientID, 50)

	c := credits.Credits(10)
	var open TaskDTO
	api.expect(http.StatusCreated, http.MethodPost, "/api/tasks", clientToken,
		CreateTaskRequest{Title: "Podcast cover", Cost: &c, Campfire: true}, &open)

	// Any contractor sees the open task when asking for the campfire
	var visible []TaskDTO
	api.expect(http.StatusOK, http.MethodGet, "/api/tasks?campfire=true", camper2Token, nil, &visible)
	require.Len(t, visible, 1)

	var claimed TaskDTO
	api.expect(http.StatusOK, http.MethodPost, "/api/tasks/"+open.ID+"/claim", camperToken, nil, &claimed)
	assert.Equal(t, "assigned", claimed.Status)
	assert.Equal(t, DemoContractorID, claimed.ContractorID)

	assert.Equal(t, http.StatusConflict, api.do(http.MethodPost, "/api/tasks/"+open.ID+"/claim", camper2Token, nil).Code)
	assert.Equal(t, http.StatusForbidden, api.do(http.MethodPost, "/api/tasks/"+open.ID+"/pass", camper2Token, nil).Code)

	var passed TaskDTO
	api.expect(http.StatusOK, http.MethodPost, "/api/tasks/"+open.ID+"/pass", camperToken, PassRequest{Note: "out sick"}, &passed)
	assert.Equal(t, "submitted", passed.Status)
	assert.Empty(t, passed.ContractorID)
}

// =============================================================================
// CREDITS
// =============================================================================

func TestAPI_PurchaseAndTransactions(t *testing.T) {
	api := newTestAPI(t, false)

	var packs PacksResponse
	api.expect(http.StatusOK, http.MethodGet, "/api/credits/packs", clientToken, nil, &packs)
	require.Len(t, packs.Packs, 3)

	var bal credits.Balance
	api.expect(http.StatusOK, http.MethodPost, "/api/credits/purchase", clientToken, PurchaseRequest{PackID: "starter"}, &bal)
	assert.Equal(t, "50.00", bal.Total.String())

	assert.Equal(t, http.StatusNotFound, api.do(http.MethodPost, "/api/credits/purchase", clientToken, PurchaseRequest{PackID: "gold"}).Code)
	assert.Equal(t, http.StatusUnprocessableEntity, api.do(http.MethodPost, "/api/credits/purchase", clientToken, PurchaseRequest{}).Code)

	var txs []credits.Transaction
	api.expect(http.StatusOK, http.MethodGet, "/api/credits/transactions?limit=5", clientToken, nil, &txs)
	require.Len(t, txs, 1)
	assert.Equal(t, credits.TxPurchase, txs[0].Type)

	api.expect(http.StatusOK, http.MethodGet, "/api/credits/transactions?user_id="+DemoClientID, adminToken, nil, &txs)
	assert.Len(t, txs, 1)
	assert.Equal(t, http.StatusBadRequest, api.do(http.MethodGet, "/api/credits/transactions?limit=x", clientToken, nil).Code)
}

func TestAPI_GrantValidation(t *testing.T) {
	api := newTestAPI(t, false)

	assert.Equal(t, http.StatusUnprocessableEntity,
		api.do(http.MethodPost, "/api/admin/credits/grant", adminToken, GrantRequest{Amount: credits.Credits(5)}).Code)
	assert.Equal(t, http.StatusBadRequest,
		api.do(http.MethodPost, "/api/admin/credits/grant", adminToken, GrantRequest{UserID: DemoClientID, Amount: credits.Credits(-5)}).Code)
}

func TestAPI_HugeAmountsAreRejected(t *testing.T) {
	api := newTestAPI(t, false)
	api.grant(DemoClientID, 100)

	// Values beyond int64 hundredths must not wrap into a small amount.
	for _, raw := range []string{"184467440737095517.16", "1e19"} {
		rec := api.do(http.MethodPost, "/api/admin/credits/grant", adminToken, map[string]any{
			"user_id": DemoClientID,
			"amount":  json.RawMessage(raw),
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code, raw)

		rec = api.do(http.MethodPost, "/api/tasks", clientToken, map[string]any{
			"title": "Billboard",
			"cost":  json.RawMessage(raw),
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code, raw)
	}

	bal := api.balance(clientToken)
	assert.Equal(t, "100.00", bal.Total.String())
	assert.Equal(t, "0.00", bal.Held.String())
}

// =============================================================================
// NOTIFICATIONS / HOLD EXPIRY / SCENARIOS
// =============================================================================

func TestAPI_Notifications(t *testing.T) {
	api := newTestAPI(t, false)
	api.grant(DemoClientID, 50)
	task := api.createTask(10)
	api.transition(http.StatusOK, task.ID, adminToken, TransitionRequest{Status: "assigned", ContractorID: DemoContractorID})

	var inbox NotificationsResponse
	api.expect(http.StatusOK, http.MethodGet, "/api/notifications?inbox=admin", adminToken, nil, &inbox)
	require.NotEmpty(t, inbox.Notifications)

	api.expect(http.StatusOK, http.MethodGet, "/api/notifications", camperToken, nil, &inbox)
	require.Len(t, inbox.Notifications, 1)
	assert.Equal(t, "task_assigned", inbox.Notifications[0].Type)
	assert.False(t, inbox.Notifications[0].Read)

	var marked map[string]int64
	api.expect(http.StatusOK, http.MethodPost, "/api/notifications/read", camperToken, nil, &marked)
	assert.Equal(t, int64(1), marked["marked"])
}

func TestAPI_ExpireHolds(t *testing.T) {
	api := newTestAPI(t, false)
	api.grant(DemoClientID, 50)
	api.createTask(10)

	// No window configured and none given
	assert.Equal(t, http.StatusBadRequest, api.do(http.MethodPost, "/api/admin/holds/expire", adminToken, nil).Code)
	assert.Equal(t, http.StatusBadRequest,
		api.do(http.MethodPost, "/api/admin/holds/expire", adminToken, ExpireHoldsRequest{OlderThan: "soon"}).Code)

	var resp ExpireHoldsResponse
	api.expect(http.StatusOK, http.MethodPost, "/api/admin/holds/expire", adminToken, ExpireHoldsRequest{OlderThan: "1h"}, &resp)
	assert.Equal(t, 0, resp.Expired)
	assert.Equal(t, "1h0m0s", resp.OlderThan)
}

func TestAPI_ExpireHoldsReportsPartialSweep(t *testing.T) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	tokens, err := NewStaticTokens([]config.TokenConfig{{Token: adminToken, UserID: DemoAdminID, Role: "admin"}})
	require.NoError(t, err)

	svc := credits.NewService(store, nil, nil)
	_, err = svc.Grant(context.Background(), DemoClientID, credits.Credits(50), "", DemoAdminID)
	require.NoError(t, err)

	// GIVEN: Two tasks submitted three days ago
	past := time.Now().UTC().Add(-72 * time.Hour)
	creator := lifecycle.NewController(store, lifecycle.WithClock(func() time.Time { return past }))
	for i := 0; i < 2; i++ {
		_, err := creator.CreateTask(context.Background(), demoClient, lifecycle.NewTask{Title: "Old flyer", Cost: amountPtr(10)})
		require.NoError(t, err)
	}

	// AND: A request that is abandoned right after the first hold is released
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tasks := lifecycle.NewController(store, lifecycle.WithNotifier(notify.SinkFunc(func(context.Context, notify.Notification) error {
		cancel()
		return nil
	})))
	router := NewRouter(NewHandler(store, tasks, svc, nil), RouterOptions{Auth: tokens})

	// WHEN: The sweep runs
	body, err := json.Marshal(ExpireHoldsRequest{OlderThan: "48h"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/admin/holds/expire", bytes.NewReader(body)).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	// THEN: The failure is reported together with what was already expired
	require.Equal(t, http.StatusInternalServerError, rec.Code, rec.Body.String())
	var resp ExpireHoldsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Expired)
	assert.NotEmpty(t, resp.Error)

	bal, err := svc.Balance(context.Background(), DemoClientID)
	require.NoError(t, err)
	assert.Equal(t, "40.00", bal.Available.String())
	assert.Equal(t, "10.00", bal.Held.String())
}

func amountPtr(n int64) *credits.Amount {
	a := credits.Credits(n)
	return &a
}

func TestAPI_Scenarios(t *testing.T) {
	for _, id := range []string{"marketplace", "low-balance", "campfire"} {
		t.Run(id, func(t *testing.T) {
			api := newTestAPI(t, false)

			api.expect(http.StatusOK, http.MethodPost, "/api/scenarios/load", adminToken, map[string]string{"scenario_id": id}, nil)

			var current ScenarioDTO
			api.expect(http.StatusOK, http.MethodGet, "/api/scenarios/current", clientToken, nil, &current)
			assert.Equal(t, id, current.ID)

			var tasks []TaskDTO
			api.expect(http.StatusOK, http.MethodGet, "/api/tasks", clientToken, nil, &tasks)
			assert.NotEmpty(t, tasks)

			var report credits.ReconciliationReport
			api.expect(http.StatusOK, http.MethodGet, "/api/admin/credits/"+DemoClientID+"/reconcile", adminToken, nil, &report)
			assert.True(t, report.OK)
		})
	}
}

func TestAPI_MarketplaceScenarioCoversEveryStage(t *testing.T) {
	api := newTestAPI(t, false)
	api.expect(http.StatusOK, http.MethodPost, "/api/scenarios/load", adminToken, map[string]string{"scenario_id": "marketplace"}, nil)

	var tasks []TaskDTO
	api.expect(http.StatusOK, http.MethodGet, "/api/tasks", adminToken, nil, &tasks)
	seen := map[string]bool{}
	for _, task := range tasks {
		seen[task.Status] = true
	}
	for _, s := range []string{"submitted", "assigned", "in_progress", "review", "closed", "cancelled"} {
		assert.True(t, seen[s], "missing a task in %s", s)
	}
}

func TestAPI_UnknownScenario(t *testing.T) {
	api := newTestAPI(t, false)
	rec := api.do(http.MethodPost, "/api/scenarios/load", adminToken, map[string]string{"scenario_id": "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSeed_DemoUsersNeedNoTokens(t *testing.T) {
	ctx := context.Background()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	// GIVEN: A token table that only knows the admin
	tokens, err := NewStaticTokens([]config.TokenConfig{{Token: adminToken, UserID: DemoAdminID, Role: "admin"}})
	require.NoError(t, err)

	// WHEN: The marketplace scenario is seeded through the demo directory
	dir := DemoDirectory{Users: tokens}
	tasks := lifecycle.NewController(store, lifecycle.WithAttachments(store), lifecycle.WithDirectory(dir))
	h := NewHandler(store, tasks, credits.NewService(store, nil, nil), nil)
	require.NoError(t, h.Seed(ctx, "marketplace"))

	// THEN: The demo camper holds assigned work
	list, err := tasks.ListTasks(ctx, demoCamper, lifecycle.TaskFilter{Status: lifecycle.StatusAssigned})
	require.NoError(t, err)
	assert.NotEmpty(t, list)

	// AND: Ids outside both tables stay unknown
	_, err = dir.RoleOf(ctx, "camper-nobody")
	assert.True(t, lifecycle.IsNotFound(err))
}

func TestDemoDirectory_ConfiguredRoleWins(t *testing.T) {
	tokens, err := NewStaticTokens([]config.TokenConfig{{Token: "t", UserID: DemoContractor2, Role: "client"}})
	require.NoError(t, err)
	dir := DemoDirectory{Users: tokens}

	role, err := dir.RoleOf(context.Background(), DemoContractor2)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.RoleClient, role)

	role, err = dir.RoleOf(context.Background(), DemoContractorID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.RoleContractor, role)
}

func TestAPI_MetricsEndpoint(t *testing.T) {
	api := newTestAPI(t, true)
	api.do(http.MethodGet, "/health", "", nil)

	rec := api.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "campfire_http_request_duration_seconds")
}
