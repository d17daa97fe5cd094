// Package fabricevent implements the EventRouter: pattern-matched fan-out
// of lifecycle events to registered listeners, and synthesis of
// SideEffect records onto the active LogicalTurn for tool-execution
// completions.
package fabricevent

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/acme/acf/pkg/commitpoint"
	"github.com/acme/acf/pkg/sessionkey"
	"github.com/acme/acf/pkg/turn"
)

// Type is one of the wire-vocabulary event tokens (turn.started,
// tool.executed, mutex.acquired, ...).
type Type string

const (
	TurnStarted      Type = "turn.started"
	TurnCompleted    Type = "turn.completed"
	TurnFailed       Type = "turn.failed"
	TurnSuperseded   Type = "turn.superseded"
	MessageAbsorbed  Type = "message.absorbed"
	SupersedeRequest Type = "supersede.requested"
	SupersedeExec    Type = "supersede.executed"
	CommitPoint      Type = "commit.point_reached"
	ToolAuthorized   Type = "tool.authorized"
	ToolExecuted     Type = "tool.executed"
	ToolFailed       Type = "tool.failed"
	SessionCreated   Type = "session.created"
	SessionResumed   Type = "session.resumed"
	SessionClosed    Type = "session.closed"
	MutexAcquired    Type = "mutex.acquired"
	MutexReleased    Type = "mutex.released"
	MutexExtended    Type = "mutex.extended"
)

// category returns the "turn" of "turn.started", used to match
// "category.*" wildcard patterns.
func (t Type) category() string {
	if i := strings.IndexByte(string(t), '.'); i >= 0 {
		return string(t)[:i]
	}
	return string(t)
}

// Event is a typed lifecycle event carrying the fields every listener
// can rely on regardless of type.
type Event struct {
	Type           Type
	LogicalTurnID  string
	SessionKey     sessionkey.Key
	Timestamp      time.Time
	Payload        map[string]any
	TenantID       string
	AgentID        string
	InterlocutorID string
}

// ToolExecutedPayload is the expected shape of Payload when Type ==
// ToolExecuted. An unrecognized or missing Policy defaults to
// IDEMPOTENT, matching the reference implementation's conservative
// default (narrower than "any tool event": only ToolExecuted
// synthesizes a SideEffect, never ToolAuthorized or ToolFailed).
type ToolExecutedPayload struct {
	ToolName       string
	EffectType     string
	Policy         string
	IdempotencyKey string
	Details        map[string]any
}

// Listener is a registered (pattern, callback) pair. The callback is
// invoked concurrently with other listeners and must not block
// indefinitely; its error is logged, never propagated.
type Listener func(ctx context.Context, event Event) error

type registration struct {
	pattern  string
	listener Listener
}

// Router is the fabric's EventRouter. Listener registration is guarded
// by a lock; dispatch itself runs outside the lock so a slow listener
// cannot stall new registrations.
type Router struct {
	mu           sync.RWMutex
	listeners    []registration
	commitPoints *commitpoint.Tracker
	logger       *slog.Logger
}

// New creates a Router. tracker may be nil if this Router will never be
// asked to synthesize side effects (route called with a nil turn).
func New(tracker *commitpoint.Tracker, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{commitPoints: tracker, logger: logger}
}

// On registers a listener under pattern: an exact type token, a
// "category.*" wildcard, or "*" for every event.
func (r *Router) On(pattern string, listener Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, registration{pattern: pattern, listener: listener})
}

// Off removes every listener registered under pattern.
func (r *Router) Off(pattern string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.listeners[:0]
	for _, reg := range r.listeners {
		if reg.pattern != pattern {
			kept = append(kept, reg)
		}
	}
	r.listeners = kept
}

func matches(pattern string, t Type) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		return pattern[:len(pattern)-2] == t.category()
	}
	return pattern == string(t)
}

// Route dispatches event to every listener whose pattern matches,
// concurrently, isolating each listener's failure (logged, not
// propagated). If activeTurn is non-nil and event.Type is
// tool.executed, a SideEffect is synthesized and recorded on the turn
// before listeners run.
func (r *Router) Route(ctx context.Context, event Event, activeTurn *turn.LogicalTurn) {
	if activeTurn != nil && event.Type == ToolExecuted {
		r.recordSideEffect(activeTurn, event)
	}

	r.mu.RLock()
	matched := make([]Listener, 0, len(r.listeners))
	for _, reg := range r.listeners {
		if matches(reg.pattern, event.Type) {
			matched = append(matched, reg.listener)
		}
	}
	r.mu.RUnlock()

	if len(matched) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, listener := range matched {
		listener := listener
		g.Go(func() error {
			if err := listener(gctx, event); err != nil {
				r.logger.Warn("fabricevent: listener failed",
					slog.String("event_type", string(event.Type)),
					slog.String("error", err.Error()),
				)
			}
			// Never propagate: errgroup.Wait must not short-circuit
			// sibling listeners on one failure.
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Router) recordSideEffect(lt *turn.LogicalTurn, event Event) {
	if r.commitPoints == nil {
		return
	}
	toolName, _ := event.Payload["tool_name"].(string)
	effectType, _ := event.Payload["effect_type"].(string)
	idemKey, _ := event.Payload["idempotency_key"].(string)
	details, _ := event.Payload["details"].(map[string]any)

	policy := turn.PolicyIdempotent
	if raw, ok := event.Payload["policy"].(string); ok {
		if p, ok := parsePolicy(raw); ok {
			policy = p
		}
	}

	if _, err := r.commitPoints.RecordSideEffect(lt, effectType, policy, toolName, idemKey, details); err != nil {
		r.logger.Warn("fabricevent: failed to record side effect",
			slog.String("tool_name", toolName),
			slog.String("error", err.Error()),
		)
	}
}

func parsePolicy(s string) (turn.SideEffectPolicy, bool) {
	switch turn.SideEffectPolicy(s) {
	case turn.PolicyReversible, turn.PolicyIrreversible, turn.PolicyIdempotent, turn.PolicyCompensatable:
		return turn.SideEffectPolicy(s), true
	default:
		return "", false
	}
}
