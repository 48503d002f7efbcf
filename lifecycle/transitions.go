/*
transitions.go - Declarative transition table and its validator

TABLE:
  ┌─────────────┬─────────────┬──────────────────────┬─────────────────────┐
  │ From        │ To          │ Roles                │ Precondition        │
  ├─────────────┼─────────────┼──────────────────────┼─────────────────────┤
  │ submitted   │ assigned    │ admin                │ contractor_id       │
  │ submitted   │ cancelled   │ admin                │                     │
  │ assigned    │ in_progress │ contractor, assignee │                     │
  │ assigned    │ cancelled   │ admin                │                     │
  │ in_progress │ review      │ contractor, assignee │ >= 1 deliverable    │
  │ in_progress │ cancelled   │ admin                │                     │
  │ review      │ approved    │ admin                │                     │
  │ review      │ revision    │ admin                │ note                │
  │ revision    │ in_progress │ contractor, assignee │                     │
  │ approved    │ closed      │ admin                │                     │
  └─────────────┴─────────────┴──────────────────────┴─────────────────────┘

  Pass (assigned -> submitted) and campfire Claim (submitted -> assigned by
  a contractor) are not edges of this table; see controller.go.

VALIDATION ORDER:
  a. edge exists            -> InvalidTransition
  b. role allowed           -> Forbidden
  c. contractor is assignee -> Forbidden
  d. required fields        -> MissingField
  e. deliverable guard      -> MissingField (field "deliverable")

Validate is pure: it reads a task snapshot and returns a decision.
*/
package lifecycle

import (
	"slices"
	"strings"
)

// Field names a piece of transition input.
type Field string

const (
	FieldContractorID Field = "contractor_id"
	FieldNote         Field = "note"
)

// Guard is an extra precondition evaluated against external facts.
type Guard int

const (
	GuardNone Guard = iota
	GuardDeliverable
)

// Edge is one legal status change.
type Edge struct {
	From         Status
	To           Status
	Roles        []Role
	AssigneeOnly bool
	Requires     []Field
	Guard        Guard
}

// Allows reports whether role may take this edge.
func (e Edge) Allows(role Role) bool { return slices.Contains(e.Roles, role) }

// HasCreditEffect reports whether taking the edge touches the ledger.
func (e Edge) HasCreditEffect() bool { return e.To == StatusCancelled || e.To == StatusClosed }

func (e Edge) clone() Edge {
	e.Roles = slices.Clone(e.Roles)
	e.Requires = slices.Clone(e.Requires)
	return e
}

var (
	adminOnly      = []Role{RoleAdmin}
	contractorOnly = []Role{RoleContractor}
)

// transitions is built once and only read afterwards.
var transitions = buildTable([]Edge{
	{From: StatusSubmitted, To: StatusAssigned, Roles: adminOnly, Requires: []Field{FieldContractorID}},
	{From: StatusSubmitted, To: StatusCancelled, Roles: adminOnly},
	{From: StatusAssigned, To: StatusInProgress, Roles: contractorOnly, AssigneeOnly: true},
	{From: StatusAssigned, To: StatusCancelled, Roles: adminOnly},
	{From: StatusInProgress, To: StatusReview, Roles: contractorOnly, AssigneeOnly: true, Guard: GuardDeliverable},
	{From: StatusInProgress, To: StatusCancelled, Roles: adminOnly},
	{From: StatusReview, To: StatusApproved, Roles: adminOnly},
	{From: StatusReview, To: StatusRevision, Roles: adminOnly, Requires: []Field{FieldNote}},
	{From: StatusRevision, To: StatusInProgress, Roles: contractorOnly, AssigneeOnly: true},
	{From: StatusApproved, To: StatusClosed, Roles: adminOnly},
})

func buildTable(edges []Edge) map[Status]map[Status]Edge {
	table := make(map[Status]map[Status]Edge)
	for _, e := range edges {
		if table[e.From] == nil {
			table[e.From] = make(map[Status]Edge)
		}
		table[e.From][e.To] = e
	}
	return table
}

// Lookup returns the edge from -> to, if the table has one.
func Lookup(from, to Status) (Edge, bool) {
	e, ok := transitions[from][to]
	if !ok {
		return Edge{}, false
	}
	return e.clone(), true
}

// Edges returns the outgoing edges of from, ordered by target status.
func Edges(from Status) []Edge {
	out := make([]Edge, 0, len(transitions[from]))
	for _, e := range transitions[from] {
		out = append(out, e.clone())
	}
	slices.SortFunc(out, func(a, b Edge) int { return strings.Compare(string(a.To), string(b.To)) })
	return out
}

// Check is everything the validator looks at.
type Check struct {
	Task         Task
	To           Status
	Actor        Actor
	Fields       Fields
	Deliverables int
}

// Validate decides whether c.Actor may move c.Task to c.To.
// It returns the matching edge on success.
func Validate(c Check) (Edge, error) {
	edge, ok := transitions[c.Task.Status][c.To]
	if !ok {
		return Edge{}, &TransitionError{From: c.Task.Status, To: c.To}
	}
	action := string(c.Task.Status) + " -> " + string(c.To)
	if !edge.Allows(c.Actor.Role) {
		return Edge{}, &ForbiddenError{Action: action, Required: slices.Clone(edge.Roles)}
	}
	if (edge.AssigneeOnly || c.Actor.Role == RoleContractor) && !isAssignee(c.Task, c.Actor) {
		return Edge{}, &ForbiddenError{Action: action, Reason: "only the assigned contractor may do this"}
	}
	for _, f := range edge.Requires {
		if strings.TrimSpace(c.Fields.value(f)) == "" {
			return Edge{}, &MissingFieldError{Field: string(f)}
		}
	}
	if edge.Guard == GuardDeliverable && c.Deliverables < 1 {
		return Edge{}, &MissingFieldError{Field: "deliverable", Reason: "upload at least one deliverable before requesting review"}
	}
	return edge.clone(), nil
}

func isAssignee(t Task, a Actor) bool {
	return t.ContractorID != "" && t.ContractorID == a.ID
}

func (f Fields) value(name Field) string {
	switch name {
	case FieldContractorID:
		return f.ContractorID
	case FieldNote:
		return f.Note
	}
	return ""
}

// NeedsDeliverableCount reports whether any edge into to consults the
// attachment store. It depends on the target only, so a count taken before
// the transaction is still valid if the task moves in the meantime.
func NeedsDeliverableCount(to Status) bool {
	for _, edges := range transitions {
		if e, ok := edges[to]; ok && e.Guard == GuardDeliverable {
			return true
		}
	}
	return false
}
