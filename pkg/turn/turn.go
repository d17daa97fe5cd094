// Package turn implements the LogicalTurn state machine: the atomic unit
// of conversational work, which may span multiple raw messages absorbed
// during accumulation.
package turn

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/acf/pkg/sessionkey"
)

// Status is the LogicalTurn lifecycle state.
type Status string

const (
	StatusAccumulating Status = "ACCUMULATING"
	StatusProcessing   Status = "PROCESSING"
	StatusComplete     Status = "COMPLETE"
	StatusSuperseded   Status = "SUPERSEDED"
)

// IsTerminal reports whether no further transition is legal.
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusSuperseded
}

// SideEffectPolicy classifies the reversibility of a tool's effect.
//
// COMPENSATABLE is this fabric's own addition over the reference
// implementation it was modeled on (which only has the other three); it
// is treated identically to REVERSIBLE for commit-point and absorb
// purposes, since a compensatable effect can still be undone.
type SideEffectPolicy string

const (
	PolicyReversible   SideEffectPolicy = "REVERSIBLE"
	PolicyIrreversible SideEffectPolicy = "IRREVERSIBLE"
	PolicyIdempotent   SideEffectPolicy = "IDEMPOTENT"
	PolicyCompensatable SideEffectPolicy = "COMPENSATABLE"
)

// blocksAbsorb reports whether this policy, once recorded, forbids
// further absorption/supersede of the turn it's attached to.
func (p SideEffectPolicy) blocksAbsorb() bool {
	return p == PolicyIrreversible
}

// SideEffect records one executed tool call against a turn.
type SideEffect struct {
	EffectType     string
	Policy         SideEffectPolicy
	ExecutedAt     time.Time
	ToolName       string
	IdempotencyKey string
	Details        map[string]any
}

// AccumulationHint is produced by the Brain at the end of a turn and
// carried forward to bias the next turn's wait computation.
type AccumulationHint struct {
	AwaitingRequiredField   bool
	ExpectsFollowup         bool
	InputCompleteConfidence float64
	ExpectedInputType       string
}

// LogicalTurn is the core record: one conversational beat.
type LogicalTurn struct {
	ID              uuid.UUID
	TurnGroupID     uuid.UUID
	SessionKey      sessionkey.Key
	Status          Status
	Messages        []uuid.UUID
	FirstAt         time.Time
	LastAt          time.Time
	CompletionReason string
	PhaseArtifacts  map[int]any
	SideEffects     []SideEffect
	SupersededBy    *uuid.UUID
	SupersededFrom  *uuid.UUID
	InterruptPoint  string

	mu sync.RWMutex
}

// New creates a fresh ACCUMULATING turn seeded with one message.
func New(key sessionkey.Key, turnGroupID uuid.UUID, firstMessage uuid.UUID, at time.Time) *LogicalTurn {
	return &LogicalTurn{
		ID:             uuid.New(),
		TurnGroupID:    turnGroupID,
		SessionKey:     key,
		Status:         StatusAccumulating,
		Messages:       []uuid.UUID{firstMessage},
		FirstAt:        at,
		LastAt:         at,
		PhaseArtifacts: make(map[int]any),
	}
}

// CanAbsorbMessage reports whether a new message may still be folded into
// this turn rather than starting a fresh one.
//
//   - COMPLETE or SUPERSEDED -> false (terminal).
//   - ACCUMULATING -> true.
//   - PROCESSING -> true iff no IRREVERSIBLE side effect has been recorded.
func (t *LogicalTurn) CanAbsorbMessage() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.canAbsorbLocked()
}

func (t *LogicalTurn) canAbsorbLocked() bool {
	switch t.Status {
	case StatusComplete, StatusSuperseded:
		return false
	case StatusAccumulating:
		return true
	case StatusProcessing:
		for _, se := range t.SideEffects {
			if se.Policy.blocksAbsorb() {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// AbsorbMessage appends a message id and advances LastAt. Returns an
// error if CanAbsorbMessage is false.
func (t *LogicalTurn) AbsorbMessage(messageID uuid.UUID, at time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.canAbsorbLocked() {
		return &TurnError{Code: "cannot_absorb", Message: "turn cannot absorb further messages"}
	}
	t.Messages = append(t.Messages, messageID)
	if at.After(t.LastAt) {
		t.LastAt = at
	}
	return nil
}

// MarkProcessing transitions ACCUMULATING -> PROCESSING, recording the
// reason accumulation stopped (timeout / no_accumulation / cannot_absorb).
func (t *LogicalTurn) MarkProcessing(reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Status != StatusAccumulating {
		return &TurnError{Code: "invalid_transition", Message: "can only move to PROCESSING from ACCUMULATING"}
	}
	t.Status = StatusProcessing
	t.CompletionReason = reason
	return nil
}

// MarkComplete transitions PROCESSING -> COMPLETE. Terminal.
func (t *LogicalTurn) MarkComplete() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Status != StatusProcessing {
		return &TurnError{Code: "invalid_transition", Message: "can only complete from PROCESSING"}
	}
	t.Status = StatusComplete
	return nil
}

// MarkSuperseded transitions this turn to SUPERSEDED in favor of
// successorID. Legal from ACCUMULATING or PROCESSING only.
func (t *LogicalTurn) MarkSuperseded(successorID uuid.UUID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Status.IsTerminal() {
		return &TurnError{Code: "invalid_transition", Message: "turn already terminal"}
	}
	t.Status = StatusSuperseded
	t.SupersededBy = &successorID
	return nil
}

// AppendSideEffect appends a side effect. Fails only if the turn is
// already terminal (invariant: record_side_effect must otherwise
// succeed and is linearized with turn persistence by the caller holding
// the SessionMutex).
func (t *LogicalTurn) AppendSideEffect(se SideEffect) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Status.IsTerminal() {
		return &TurnError{Code: "turn_terminal", Message: "cannot record side effect on terminal turn"}
	}
	t.SideEffects = append(t.SideEffects, se)
	return nil
}

// HasIrreversibleEffect reports whether any recorded side effect is
// IRREVERSIBLE.
func (t *LogicalTurn) HasIrreversibleEffect() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, se := range t.SideEffects {
		if se.Policy == PolicyIrreversible {
			return true
		}
	}
	return false
}

// TruncatePhaseArtifacts drops every phase artifact at index >= from, so
// the Brain replays from an earlier checkpoint on ABSORB with
// restart_from_phase.
func (t *LogicalTurn) TruncatePhaseArtifacts(from int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for phase := range t.PhaseArtifacts {
		if phase >= from {
			delete(t.PhaseArtifacts, phase)
		}
	}
}

// MessageCount returns len(Messages) (thread-safe snapshot read).
func (t *LogicalTurn) MessageCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.Messages)
}

// TurnError is a turn-lifecycle error, mirroring the taxonomy in the
// fabric's error handling design.
type TurnError struct {
	Code    string
	Message string
}

func (e *TurnError) Error() string { return e.Message }
