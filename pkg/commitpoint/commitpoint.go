// Package commitpoint tracks irreversible side effects on a LogicalTurn
// and answers "past the point of no return?" for the SupersedeCoordinator.
package commitpoint

import (
	"time"

	"github.com/acme/acf/pkg/turn"
)

// defaultIrreversible and defaultIdempotent mirror the reference
// implementation's built-in tool classification table. Everything not
// listed defaults to REVERSIBLE.
var defaultIrreversible = map[string]struct{}{
	"send_email":     {},
	"send_sms":       {},
	"create_order":   {},
	"process_refund": {},
	"cancel_order":   {},
}

var defaultIdempotent = map[string]struct{}{
	"get_order":        {},
	"search_products":  {},
	"validate_address": {},
}

// Tracker records side effects and classifies tool policy. A Toolbox may
// supply an override table; ACF itself only owns the default map and the
// lookup behavior.
type Tracker struct {
	overrides map[string]turn.SideEffectPolicy
}

// New creates a Tracker. overrides, if non-nil, takes precedence over the
// built-in default classification.
func New(overrides map[string]turn.SideEffectPolicy) *Tracker {
	return &Tracker{overrides: overrides}
}

// ClassifyToolPolicy resolves a tool's default policy, consulting the
// injected override table first and falling back to the built-in map.
func (t *Tracker) ClassifyToolPolicy(toolName string) turn.SideEffectPolicy {
	if t.overrides != nil {
		if p, ok := t.overrides[toolName]; ok {
			return p
		}
	}
	if _, ok := defaultIrreversible[toolName]; ok {
		return turn.PolicyIrreversible
	}
	if _, ok := defaultIdempotent[toolName]; ok {
		return turn.PolicyIdempotent
	}
	return turn.PolicyReversible
}

// HasReachedCommitPoint reports whether the turn holds any IRREVERSIBLE
// side effect, the point past which supersede is forbidden.
func (t *Tracker) HasReachedCommitPoint(lt *turn.LogicalTurn) bool {
	return lt.HasIrreversibleEffect()
}

// RecordSideEffect appends a side effect to the turn. Must be called
// only while the caller holds the turn's SessionMutex.
func (t *Tracker) RecordSideEffect(lt *turn.LogicalTurn, effectType string, policy turn.SideEffectPolicy, toolName, idempotencyKey string, details map[string]any) (turn.SideEffect, error) {
	se := turn.SideEffect{
		EffectType:     effectType,
		Policy:         policy,
		ExecutedAt:     time.Now(),
		ToolName:       toolName,
		IdempotencyKey: idempotencyKey,
		Details:        details,
	}
	if err := lt.AppendSideEffect(se); err != nil {
		return turn.SideEffect{}, err
	}
	return se, nil
}
