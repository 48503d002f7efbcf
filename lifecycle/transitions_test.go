package lifecycle_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/campfire-engine/lifecycle"
)

var (
	admin    = lifecycle.Actor{ID: "admin-1", Role: lifecycle.RoleAdmin}
	client   = lifecycle.Actor{ID: "client-1", Role: lifecycle.RoleClient}
	camper   = lifecycle.Actor{ID: "camper-1", Role: lifecycle.RoleContractor}
	stranger = lifecycle.Actor{ID: "camper-2", Role: lifecycle.RoleContractor}
)

// taskAt returns a task in status s assigned to camper where that makes sense.
func taskAt(s lifecycle.Status) lifecycle.Task {
	t := lifecycle.Task{ID: "task-1", Status: s, ClientID: client.ID, Version: 1}
	if s.RequiresContractor() {
		t.ContractorID = camper.ID
	}
	return t
}

// fullFields satisfies every field precondition in the table.
var fullFields = lifecycle.Fields{ContractorID: camper.ID, Note: "looks good"}

// =============================================================================
// TABLE SHAPE
// =============================================================================

func TestValidate_EveryPairMatchesTable(t *testing.T) {
	// An actor holding the right role and assignment, with all fields and a
	// deliverable, passes exactly the edges in the table and nothing else.
	for _, from := range lifecycle.AllStatuses {
		for _, to := range lifecycle.AllStatuses {
			edge, inTable := lifecycle.Lookup(from, to)

			actor := admin
			if inTable && !edge.Allows(lifecycle.RoleAdmin) {
				actor = camper
			}
			_, err := lifecycle.Validate(lifecycle.Check{
				Task:         taskAt(from),
				To:           to,
				Actor:        actor,
				Fields:       fullFields,
				Deliverables: 1,
			})

			if inTable {
				assert.NoError(t, err, "%s -> %s should be allowed", from, to)
			} else {
				assert.ErrorIs(t, err, lifecycle.ErrInvalidTransition, "%s -> %s should be rejected", from, to)
			}
		}
	}
}

func TestTerminalStatusesHaveNoEdges(t *testing.T) {
	for _, s := range lifecycle.AllStatuses {
		if s.Terminal() {
			assert.Empty(t, lifecycle.Edges(s), "%s must be terminal", s)
		} else {
			assert.NotEmpty(t, lifecycle.Edges(s), "%s must have an exit", s)
		}
	}
}

func TestEveryNonTerminalStatusCanBeCancelledByAdminUntilReview(t *testing.T) {
	for _, from := range []lifecycle.Status{lifecycle.StatusSubmitted, lifecycle.StatusAssigned, lifecycle.StatusInProgress} {
		edge, ok := lifecycle.Lookup(from, lifecycle.StatusCancelled)
		require.True(t, ok, from)
		assert.True(t, edge.Allows(lifecycle.RoleAdmin))
		assert.True(t, edge.HasCreditEffect())
	}
	for _, from := range []lifecycle.Status{lifecycle.StatusReview, lifecycle.StatusRevision, lifecycle.StatusApproved} {
		_, ok := lifecycle.Lookup(from, lifecycle.StatusCancelled)
		assert.False(t, ok, from)
	}
}

func TestLookup_ReturnsCopy(t *testing.T) {
	edge, ok := lifecycle.Lookup(lifecycle.StatusSubmitted, lifecycle.StatusAssigned)
	require.True(t, ok)
	edge.Roles[0] = lifecycle.RoleClient

	again, _ := lifecycle.Lookup(lifecycle.StatusSubmitted, lifecycle.StatusAssigned)
	assert.Equal(t, lifecycle.RoleAdmin, again.Roles[0])
}

// =============================================================================
// VALIDATION ORDER
// =============================================================================

func TestValidate_RoleChecks(t *testing.T) {
	tests := []struct {
		name  string
		from  lifecycle.Status
		to    lifecycle.Status
		actor lifecycle.Actor
	}{
		{"client cannot assign", lifecycle.StatusSubmitted, lifecycle.StatusAssigned, client},
		{"contractor cannot assign", lifecycle.StatusSubmitted, lifecycle.StatusAssigned, camper},
		{"admin cannot start work", lifecycle.StatusAssigned, lifecycle.StatusInProgress, admin},
		{"client cannot start work", lifecycle.StatusAssigned, lifecycle.StatusInProgress, client},
		{"contractor cannot approve", lifecycle.StatusReview, lifecycle.StatusApproved, camper},
		{"client cannot cancel", lifecycle.StatusSubmitted, lifecycle.StatusCancelled, client},
		{"contractor cannot close", lifecycle.StatusApproved, lifecycle.StatusClosed, camper},
		{"other contractor cannot start", lifecycle.StatusAssigned, lifecycle.StatusInProgress, stranger},
		{"other contractor cannot submit", lifecycle.StatusInProgress, lifecycle.StatusReview, stranger},
		{"other contractor cannot resume", lifecycle.StatusRevision, lifecycle.StatusInProgress, stranger},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := lifecycle.Validate(lifecycle.Check{
				Task: taskAt(tt.from), To: tt.to, Actor: tt.actor, Fields: fullFields, Deliverables: 1,
			})
			assert.ErrorIs(t, err, lifecycle.ErrForbidden)
			assert.True(t, lifecycle.IsClientError(err))
		})
	}
}

func TestValidate_InvalidTransitionBeatsRole(t *testing.T) {
	// GIVEN: A closed task
	// WHEN: A client asks to reopen it
	_, err := lifecycle.Validate(lifecycle.Check{Task: taskAt(lifecycle.StatusClosed), To: lifecycle.StatusSubmitted, Actor: client})

	// THEN: The missing edge is reported, not the role
	var te *lifecycle.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, lifecycle.StatusClosed, te.From)
	assert.Equal(t, lifecycle.StatusSubmitted, te.To)
}

func TestValidate_AssignRequiresContractorID(t *testing.T) {
	_, err := lifecycle.Validate(lifecycle.Check{
		Task: taskAt(lifecycle.StatusSubmitted), To: lifecycle.StatusAssigned, Actor: admin,
		Fields: lifecycle.Fields{ContractorID: "   "},
	})
	var mf *lifecycle.MissingFieldError
	require.ErrorAs(t, err, &mf)
	assert.Equal(t, "contractor_id", mf.Field)
}

func TestValidate_RevisionRequiresNote(t *testing.T) {
	_, err := lifecycle.Validate(lifecycle.Check{
		Task: taskAt(lifecycle.StatusReview), To: lifecycle.StatusRevision, Actor: admin,
	})
	var mf *lifecycle.MissingFieldError
	require.ErrorAs(t, err, &mf)
	assert.Equal(t, "note", mf.Field)
}

func TestValidate_ReviewRequiresDeliverable(t *testing.T) {
	check := lifecycle.Check{Task: taskAt(lifecycle.StatusInProgress), To: lifecycle.StatusReview, Actor: camper}

	_, err := lifecycle.Validate(check)
	var mf *lifecycle.MissingFieldError
	require.ErrorAs(t, err, &mf)
	assert.Equal(t, "deliverable", mf.Field)

	check.Deliverables = 2
	edge, err := lifecycle.Validate(check)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.GuardDeliverable, edge.Guard)
}

func TestNeedsDeliverableCount(t *testing.T) {
	assert.True(t, lifecycle.NeedsDeliverableCount(lifecycle.StatusReview))
	assert.False(t, lifecycle.NeedsDeliverableCount(lifecycle.StatusApproved))
	assert.False(t, lifecycle.NeedsDeliverableCount(lifecycle.StatusInProgress))
}

func TestParseHelpers(t *testing.T) {
	p, err := lifecycle.ParsePriority("")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.PriorityMedium, p)

	_, err = lifecycle.ParsePriority("whenever")
	assert.ErrorIs(t, err, lifecycle.ErrValidation)

	_, err = lifecycle.ParseStatus("done")
	assert.ErrorIs(t, err, lifecycle.ErrValidation)

	r, err := lifecycle.ParseRole("contractor")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.RoleContractor, r)
}

func TestParseHelpers_EscapeRejectedInput(t *testing.T) {
	// GIVEN: Input carrying quotes and a newline
	raw := "do\"ne\n"

	// WHEN: Each parser rejects it
	_, statusErr := lifecycle.ParseStatus(raw)
	_, priorityErr := lifecycle.ParsePriority(raw)
	_, roleErr := lifecycle.ParseRole(raw)

	// THEN: The message carries the value escaped, on a single line
	for _, err := range []error{statusErr, priorityErr, roleErr} {
		require.ErrorIs(t, err, lifecycle.ErrValidation)
		assert.Contains(t, err.Error(), `"do\"ne\n"`)
		assert.NotContains(t, err.Error(), "\n")
	}
}

func TestTask_VisibleTo(t *testing.T) {
	task := taskAt(lifecycle.StatusInProgress)
	assert.True(t, task.VisibleTo(admin))
	assert.True(t, task.VisibleTo(client))
	assert.True(t, task.VisibleTo(camper))
	assert.False(t, task.VisibleTo(stranger))
	assert.False(t, task.VisibleTo(lifecycle.Actor{ID: "client-2", Role: lifecycle.RoleClient}))

	open := lifecycle.Task{Status: lifecycle.StatusSubmitted, ClientID: client.ID, Campfire: true}
	assert.True(t, open.VisibleTo(stranger), "open campfire tasks are visible to every contractor")
}
