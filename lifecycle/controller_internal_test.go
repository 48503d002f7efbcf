package lifecycle

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/campfire-engine/credits"
)

// untouchableTx fails the test if apply reaches the store.
type untouchableTx struct {
	Tx
	t *testing.T
}

func (u untouchableTx) CompareAndSetStatus(context.Context, StatusChange) (Task, error) {
	u.t.Fatal("store must not be written")
	return Task{}, errors.New("unreachable")
}

func TestApply_RefusesUnvalidatedPlan(t *testing.T) {
	c := NewController(nil)
	task := Task{ID: "task-1", Status: StatusSubmitted, ClientID: "client-1", Cost: credits.Credits(5), Version: 1}

	// GIVEN: A plan that skipped the validator
	plan := transitionPlan{task: task, to: StatusClosed, actor: Actor{ID: "admin-1", Role: RoleAdmin}}

	// WHEN: Applying it
	_, err := c.apply(context.Background(), untouchableTx{t: t}, plan)

	// THEN: It is refused as an invariant violation
	require.ErrorIs(t, err, ErrInvariantViolation)
	assert.False(t, IsClientError(err))
}

func TestApply_RefusesContractorlessAssignment(t *testing.T) {
	c := NewController(nil)
	task := Task{ID: "task-1", Status: StatusSubmitted, ClientID: "client-1", Cost: credits.Credits(5), Version: 1}

	plan := planFor(task, StatusAssigned, Actor{ID: "admin-1", Role: RoleAdmin}, "", "")
	_, err := c.apply(context.Background(), untouchableTx{t: t}, plan)

	assert.ErrorIs(t, err, ErrInvariantViolation)
}

func TestPlanFor_CreditEffects(t *testing.T) {
	task := Task{ID: "task-1", Status: StatusApproved, ContractorID: "camper-1"}
	admin := Actor{ID: "admin-1", Role: RoleAdmin}

	assert.Equal(t, effectFinalize, planFor(task, StatusClosed, admin, "camper-1", "").effect)
	assert.Equal(t, effectRelease, planFor(task, StatusCancelled, admin, "camper-1", "").effect)
	assert.Equal(t, effectNone, planFor(task, StatusReview, admin, "camper-1", "").effect)
}

func TestRejectionReason(t *testing.T) {
	assert.Equal(t, "invalid_transition", rejectionReason(&TransitionError{From: StatusClosed, To: StatusReview}))
	assert.Equal(t, "insufficient_credits", rejectionReason(&credits.InsufficientCreditsError{}))
	assert.Equal(t, "validation", rejectionReason(&ValidationError{Field: "x"}))
	assert.Equal(t, "internal", rejectionReason(errors.New("disk on fire")))
}
