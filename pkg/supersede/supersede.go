// Package supersede implements the SupersedeCoordinator: given a
// decision from the Brain, enforces one of SUPERSEDE, ABSORB, QUEUE, or
// FORCE_COMPLETE against the current LogicalTurn.
package supersede

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/acme/acf/pkg/commitpoint"
	"github.com/acme/acf/pkg/turn"
)

// Action is the Brain's chosen disposition for a new message that
// arrived while a turn was already in flight.
type Action string

const (
	ActionSupersede     Action = "SUPERSEDE"
	ActionAbsorb        Action = "ABSORB"
	ActionQueue         Action = "QUEUE"
	ActionForceComplete Action = "FORCE_COMPLETE"
)

// Decision carries the Brain's chosen action and its rationale.
type Decision struct {
	Action            Action
	Reason            string
	AbsorbStrategy    string
	RestartFromPhase  *int
}

// Coordinator enforces supersede decisions against commit-point state.
type Coordinator struct {
	commitPoints *commitpoint.Tracker
}

// New creates a Coordinator backed by the given CommitPointTracker.
func New(tracker *commitpoint.Tracker) *Coordinator {
	return &Coordinator{commitPoints: tracker}
}

// CanSupersede composes turn status and irreversibility: ACCUMULATING is
// always supersedable; PROCESSING only if no irreversible side effect
// has landed; terminal turns never are.
func (c *Coordinator) CanSupersede(lt *turn.LogicalTurn) bool {
	switch lt.Status {
	case turn.StatusAccumulating:
		return true
	case turn.StatusProcessing:
		return !c.commitPoints.HasReachedCommitPoint(lt)
	default:
		return false
	}
}

// EnforceDecision applies decision to current, returning either the
// mutated current turn (ABSORB, QUEUE, FORCE_COMPLETE) or a fresh
// successor turn (SUPERSEDE).
//
// A SUPERSEDE decision against a turn that CanSupersede reports false
// for is itself forbidden; callers (the workflow) are expected to have
// already downgraded such a decision to QUEUE, per the supersede-rejected
// error taxonomy, but EnforceDecision defends the invariant anyway.
func (c *Coordinator) EnforceDecision(decision Decision, current *turn.LogicalTurn, newMessageID uuid.UUID, newMessageTS time.Time) (*turn.LogicalTurn, error) {
	switch decision.Action {
	case ActionAbsorb:
		if err := current.AbsorbMessage(newMessageID, newMessageTS); err != nil {
			return nil, fmt.Errorf("supersede: absorb failed: %w", err)
		}
		if decision.RestartFromPhase != nil {
			current.TruncatePhaseArtifacts(*decision.RestartFromPhase)
		}
		return current, nil

	case ActionSupersede:
		if !c.CanSupersede(current) {
			return nil, &turn.TurnError{Code: "supersede_rejected", Message: "cannot supersede a turn past its commit point"}
		}
		successor := turn.New(current.SessionKey, current.TurnGroupID, newMessageID, newMessageTS)
		if err := current.MarkSuperseded(successor.ID); err != nil {
			return nil, fmt.Errorf("supersede: mark predecessor superseded: %w", err)
		}
		successor.SupersededFrom = &current.ID
		return successor, nil

	case ActionQueue:
		// No mutation; the caller enqueues newMessageID with a fresh
		// turn_group_id so re-execution is permitted in the new
		// conversational context.
		return current, nil

	case ActionForceComplete:
		// No mutation; current is allowed to finish, the message is
		// dropped or redelivered per channel policy.
		return current, nil

	default:
		return nil, fmt.Errorf("supersede: unknown action %q", decision.Action)
	}
}

// BuildToolIdempotencyKey builds the tool idempotency key that gates
// re-execution across a supersede chain: {tool}:{business_key}:turn_group:{turn_group_id}.
// A SUPERSEDE chain shares turn_group_id (so tools already executed on a
// predecessor are not re-run); a QUEUE boundary gets a fresh one.
func BuildToolIdempotencyKey(toolName, businessKey string, turnGroupID uuid.UUID) string {
	return fmt.Sprintf("%s:%s:turn_group:%s", toolName, businessKey, turnGroupID)
}
