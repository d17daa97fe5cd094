// Package fabriccontext defines the Brain collaborator interface and
// FabricTurnContext: the non-serializable, per-turn handle the workflow
// rebuilds at the entry of Step 3 and hands to the Brain.
package fabriccontext

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/acme/acf/pkg/fabricevent"
	"github.com/acme/acf/pkg/supersede"
	"github.com/acme/acf/pkg/turn"
)

// BrainResult is what Brain.Think returns on success.
type BrainResult struct {
	ResponseSegments []string
	StagedMutations  map[string]any
	Artifacts        map[string]any
	ExpectsMoreInput bool
	Handoff          string
}

// Brain is the external, pluggable thinking unit. ACF is deliberately
// ignorant of what it decides; it is only given a context and asked for
// a result.
type Brain interface {
	Think(ctx context.Context, tc *Context) (BrainResult, error)
}

// SupersedeCapableBrain is implemented by a Brain that can decide its
// own disposition for a message that arrived mid-processing. A Brain
// that does not implement this degrades to the workflow's default
// policy (always QUEUE).
type SupersedeCapableBrain interface {
	Brain
	DecideSupersede(ctx context.Context, currentTurn *turn.LogicalTurn, newMessageID string, interruptPoint string) (supersede.Decision, error)
}

// Context is FabricTurnContext: the live handle given to the Brain for
// the duration of one Step-3 invocation. It is never persisted between
// workflow steps -- it is rebuilt from serializable state (the turn
// snapshot, the pending-message channel) at the start of every Step 3.
type Context struct {
	Turn *turn.LogicalTurn

	// pendingFlag is owned by the workflow's message-listener goroutine:
	// it is set the instant a new-message event arrives mid-Step-3, and
	// HasPendingMessages only ever reads it -- a true non-destructive
	// peek, since the workflow separately queues the message itself for
	// the supersede decision.
	pendingFlag *atomic.Bool

	router *fabricevent.Router
}

// New builds a FabricTurnContext for one Step-3 invocation. pendingFlag
// is shared with the workflow step that invokes the Brain; HasPendingMessages
// reads it without consuming anything, so many calls across the turn
// observe the same monotonic transition to true.
func New(lt *turn.LogicalTurn, pendingFlag *atomic.Bool, router *fabricevent.Router) *Context {
	return &Context{Turn: lt, pendingFlag: pendingFlag, router: router}
}

// HasPendingMessages is monotonic true within a turn: once the
// workflow's listener observes a pending message, every subsequent call
// returns true for the remainder of this Step-3 invocation.
func (c *Context) HasPendingMessages() bool {
	if c.pendingFlag == nil {
		return false
	}
	return c.pendingFlag.Load()
}

// EmitEvent routes event through the EventRouter, recording any
// tool-execution side effect against this context's turn.
func (c *Context) EmitEvent(ctx context.Context, event fabricevent.Event) {
	if c.router == nil {
		return
	}
	c.router.Route(ctx, event, c.Turn)
}

// BreakerSettings configures the circuit breaker wrapping Brain
// invocations so a persistently failing Brain doesn't pin every worker
// retrying BrainFailure.
type BreakerSettings struct {
	Name        string
	MaxRequests uint32
	Interval    time.Duration
	Timeout     time.Duration
	// ConsecutiveFailures trips the breaker after this many consecutive
	// failures in the half-open/closed state.
	ConsecutiveFailures uint32
}

func (s BreakerSettings) withDefaults() BreakerSettings {
	if s.Name == "" {
		s.Name = "brain"
	}
	if s.Interval <= 0 {
		s.Interval = 60 * time.Second
	}
	if s.Timeout <= 0 {
		s.Timeout = 30 * time.Second
	}
	if s.ConsecutiveFailures <= 0 {
		s.ConsecutiveFailures = 5
	}
	return s
}

// BreakerBrain wraps a Brain with a gobreaker circuit breaker: once
// ConsecutiveFailures trips it, further Think calls fail fast with
// gobreaker.ErrOpenState instead of invoking the Brain, until the
// breaker's Timeout elapses and a half-open probe succeeds.
type BreakerBrain struct {
	inner   Brain
	breaker *gobreaker.CircuitBreaker
}

// NewBreakerBrain wraps inner with a circuit breaker.
func NewBreakerBrain(inner Brain, settings BreakerSettings) *BreakerBrain {
	settings = settings.withDefaults()
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        settings.Name,
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.ConsecutiveFailures
		},
	})
	return &BreakerBrain{inner: inner, breaker: cb}
}

// Think invokes the wrapped Brain through the circuit breaker.
func (b *BreakerBrain) Think(ctx context.Context, tc *Context) (BrainResult, error) {
	res, err := b.breaker.Execute(func() (interface{}, error) {
		return b.inner.Think(ctx, tc)
	})
	if err != nil {
		return BrainResult{}, err
	}
	return res.(BrainResult), nil
}

// State reports the breaker's current state, for health/admin surfaces.
func (b *BreakerBrain) State() gobreaker.State {
	return b.breaker.State()
}

// DecideSupersede forwards to the wrapped Brain when it implements
// SupersedeCapableBrain, so wrapping one in NewBreakerBrain doesn't
// silently downgrade it to the default QUEUE decision. It does not run
// through the breaker: a mid-turn supersede decision must not fail fast
// just because the breaker is open for Think.
func (b *BreakerBrain) DecideSupersede(ctx context.Context, currentTurn *turn.LogicalTurn, newMessageID string, interruptPoint string) (supersede.Decision, error) {
	capable, ok := b.inner.(SupersedeCapableBrain)
	if !ok {
		return supersede.Decision{}, errNotSupersedeCapable
	}
	return capable.DecideSupersede(ctx, currentTurn, newMessageID, interruptPoint)
}

// errNotSupersedeCapable is returned by BreakerBrain.DecideSupersede when
// the wrapped Brain doesn't itself implement SupersedeCapableBrain.
// fabricworkflow.decideSupersede already treats any DecideSupersede
// error as "fall back to the default QUEUE decision," so this is enough
// to keep a plain-Brain-wrapped BreakerBrain behaving exactly as before.
var errNotSupersedeCapable = errors.New("fabriccontext: wrapped brain is not supersede-capable")
