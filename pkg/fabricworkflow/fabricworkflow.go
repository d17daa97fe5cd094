// Package fabricworkflow implements the LogicalTurnWorkflow (C10): the
// durable four-step orchestration acquire_mutex -> accumulate -> run_brain
// -> commit_and_release, plus the on_failure hook and the mid-Step-3
// cancellation path described in spec.md §4.9.
package fabricworkflow

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/acme/acf/pkg/accumulate"
	"github.com/acme/acf/pkg/activeindex"
	"github.com/acme/acf/pkg/audit"
	"github.com/acme/acf/pkg/commitpoint"
	"github.com/acme/acf/pkg/fabriccontext"
	"github.com/acme/acf/pkg/fabricevent"
	"github.com/acme/acf/pkg/fencedlock"
	"github.com/acme/acf/pkg/sessionkey"
	"github.com/acme/acf/pkg/supersede"
	"github.com/acme/acf/pkg/turn"
)

// MessageEvent is one inbound message admitted by the Gateway, carried
// across the accumulate loop and the Step-3 pending-message channel.
type MessageEvent struct {
	ID      uuid.UUID
	Content string
	Channel string
	At      time.Time
}

// Result is what Run returns on a clean completion.
type Result struct {
	Turn             *turn.LogicalTurn
	ResponseSegments []string
	Handoff          string
	// Requeued is set when the turn completed with a message still
	// unabsorbed (cannot_absorb during Step 2, or QUEUE/FORCE_COMPLETE
	// during Step 3's cancellation path) -- the caller re-admits it
	// through the Gateway with a fresh turn_group_id.
	Requeued *MessageEvent
}

// Deps collects the workflow's collaborators. All fields are required
// except IndexTTL, which defaults to five minutes; the Brain is not a
// dependency but is passed to each Run call.
type Deps struct {
	Lock         *fencedlock.Lock
	Index        *activeindex.Index
	Router       *fabricevent.Router
	Accumulator  *accumulate.Manager
	Coordinator  *supersede.Coordinator
	CommitPoints *commitpoint.Tracker
	Sink         audit.Sink
	LockOpts     fencedlock.Options
	IndexTTL     time.Duration
}

// Workflow runs one LogicalTurnWorkflow instance per call to Run; it is
// safe to reuse across many concurrent turns since all mutable state
// lives in the call, not the struct.
type Workflow struct {
	deps Deps
}

// New builds a Workflow from its collaborators.
func New(deps Deps) *Workflow {
	if deps.IndexTTL <= 0 {
		deps.IndexTTL = 5 * time.Minute
	}
	return &Workflow{deps: deps}
}

// Run executes the full four-step orchestration for one conversation
// turn, re-entering Step 2 on a SUPERSEDE decision and re-invoking the
// Brain on an ABSORB-with-restart decision, per spec.md §4.9's
// cancellation path.
// turnID may be uuid.Nil to let the workflow generate one, or a
// caller-supplied value so Engine can recognize this turn on restart.
func (w *Workflow) Run(ctx context.Context, key sessionkey.Key, workflowID string, turnID, turnGroupID uuid.UUID, first MessageEvent, incoming <-chan MessageEvent, brain fabriccontext.Brain) (result Result, err error) {
	// Step 1 -- acquire_mutex.
	token, err := w.deps.Lock.Acquire(ctx, key.String(), w.deps.LockOpts)
	if err != nil {
		return Result{}, fmt.Errorf("fabricworkflow: %w", &turn.TurnError{Code: "lock_failed", Message: err.Error()})
	}
	if token == nil {
		return Result{}, &turn.TurnError{Code: "lock_failed", Message: "could not acquire session mutex before blocking_timeout"}
	}

	held := true
	defer func() {
		// on_failure hook: any unhandled error from here releases the
		// lock (if still held) and deregisters from the index, then
		// emits turn.failed. Step 4's own success path already does
		// this explicitly and sets held=false, so this is a no-op then.
		if err != nil {
			w.emit(ctx, fabricevent.TurnFailed, key, result.Turn, map[string]any{"error": err.Error()})
			if held {
				_ = w.deps.Lock.Release(ctx, token)
			}
			_ = w.deps.Index.Clear(ctx, key.String())
		}
	}()

	lt := turn.New(key, turnGroupID, first.ID, first.At)
	if turnID != uuid.Nil {
		lt.ID = turnID
	}
	w.emit(ctx, fabricevent.TurnStarted, key, lt, nil)

	for {
		// Step 2 -- accumulate.
		requeuedFromAccumulate, accErr := w.accumulate(ctx, lt, first, incoming)
		if accErr != nil {
			err = accErr
			return Result{}, err
		}

		// Step 3 -- run_brain.
		brainRes, requeuedFromBrain, successor, runErr := w.runBrain(ctx, key, workflowID, lt, incoming, brain)
		if runErr != nil {
			err = runErr
			return Result{}, err
		}
		if successor != nil {
			// SUPERSEDE: predecessor is already marked SUPERSEDED and
			// committed minimally by runBrain; re-enter Step 2 with the
			// successor sharing the same turn_group_id.
			lt = successor
			first = MessageEvent{ID: successor.Messages[0], At: successor.FirstAt, Channel: first.Channel}
			continue
		}

		requeued := requeuedFromBrain
		if requeued == nil {
			requeued = requeuedFromAccumulate
		}

		// Step 4 -- commit_and_release.
		if commitErr := w.commitAndRelease(ctx, key, token, lt, brainRes); commitErr != nil {
			err = commitErr
			return Result{}, err
		}
		held = false

		return Result{
			Turn:             lt,
			ResponseSegments: brainRes.ResponseSegments,
			Handoff:          brainRes.Handoff,
			Requeued:         requeued,
		}, nil
	}
}

// accumulate is Step 2: loop absorbing further messages until the
// adaptive wait elapses or an unabsorbable message arrives.
func (w *Workflow) accumulate(ctx context.Context, lt *turn.LogicalTurn, last MessageEvent, incoming <-chan MessageEvent) (*MessageEvent, error) {
	messagesInTurn := lt.MessageCount()
	waitMs := w.deps.Accumulator.SuggestWaitMs(last.Content, last.Channel, nil, nil, messagesInTurn)

	if waitMs == 0 {
		if err := lt.MarkProcessing("no_accumulation"); err != nil {
			return nil, fmt.Errorf("fabricworkflow: %w", err)
		}
		return nil, nil
	}

	for {
		timer := time.NewTimer(time.Duration(waitMs) * time.Millisecond)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()

		case <-timer.C:
			if err := lt.MarkProcessing("timeout"); err != nil {
				return nil, fmt.Errorf("fabricworkflow: %w", err)
			}
			return nil, nil

		case msg, ok := <-incoming:
			timer.Stop()
			if !ok {
				if err := lt.MarkProcessing("timeout"); err != nil {
					return nil, fmt.Errorf("fabricworkflow: %w", err)
				}
				return nil, nil
			}
			if !lt.CanAbsorbMessage() {
				if err := lt.MarkProcessing("cannot_absorb"); err != nil {
					return nil, fmt.Errorf("fabricworkflow: %w", err)
				}
				return &msg, nil
			}
			if err := lt.AbsorbMessage(msg.ID, msg.At); err != nil {
				return nil, fmt.Errorf("fabricworkflow: %w", err)
			}
			w.emit(ctx, fabricevent.MessageAbsorbed, lt.SessionKey, lt, map[string]any{"message_id": msg.ID.String()})

			messagesInTurn = lt.MessageCount()
			last = msg
			waitMs = w.deps.Accumulator.SuggestWaitMs(last.Content, last.Channel, nil, nil, messagesInTurn)
			if waitMs == 0 {
				if err := lt.MarkProcessing("no_accumulation"); err != nil {
					return nil, fmt.Errorf("fabricworkflow: %w", err)
				}
				return nil, nil
			}
		}
	}
}

// runBrain is Step 3: register the turn, build a fresh FabricTurnContext,
// invoke the Brain, and enforce any supersede decision that results from
// a message observed mid-think.
func (w *Workflow) runBrain(ctx context.Context, key sessionkey.Key, workflowID string, lt *turn.LogicalTurn, incoming <-chan MessageEvent, brain fabriccontext.Brain) (fabriccontext.BrainResult, *MessageEvent, *turn.LogicalTurn, error) {
	if err := w.deps.Index.Set(ctx, key.String(), workflowID, int(w.deps.IndexTTL.Seconds())); err != nil {
		return fabriccontext.BrainResult{}, nil, nil, fmt.Errorf("fabricworkflow: register active index: %w", err)
	}
	defer func() { _ = w.deps.Index.Clear(ctx, key.String()) }()

	var pendingFlag atomic.Bool
	pendingMsg := make(chan MessageEvent, 1)
	listenerCtx, stopListener := context.WithCancel(ctx)
	defer stopListener()

	go func() {
		for {
			select {
			case <-listenerCtx.Done():
				return
			case msg, ok := <-incoming:
				if !ok {
					return
				}
				pendingFlag.Store(true)
				select {
				case pendingMsg <- msg:
				default:
				}
			}
		}
	}()

	tc := fabriccontext.New(lt, &pendingFlag, w.deps.Router)

	res, err := brain.Think(ctx, tc)
	if err != nil {
		return fabriccontext.BrainResult{}, nil, nil, fmt.Errorf("fabricworkflow: %w", &turn.TurnError{Code: "brain_failure", Message: err.Error()})
	}

	if !pendingFlag.Load() {
		if err := finalizeTurn(lt); err != nil {
			return fabriccontext.BrainResult{}, nil, nil, fmt.Errorf("fabricworkflow: %w", err)
		}
		return res, nil, nil, nil
	}

	msg := <-pendingMsg
	// Stop this frame's listener now: the recursive ABSORB branch below
	// starts its own, and two listeners racing the same incoming channel
	// would non-deterministically steal each other's messages.
	stopListener()
	decision := w.decideSupersede(ctx, brain, lt, msg)

	successor, err := w.deps.Coordinator.EnforceDecision(decision, lt, msg.ID, msg.At)
	if err != nil {
		return fabriccontext.BrainResult{}, nil, nil, fmt.Errorf("fabricworkflow: %w", err)
	}

	switch decision.Action {
	case supersede.ActionSupersede:
		// Predecessor (lt) is now SUPERSEDED; commit it minimally, no
		// response, then let the caller re-enter Step 2 with successor.
		if commitErr := w.deps.Sink.SaveTurnRecord(ctx, turnRecordOf(lt, fabriccontext.BrainResult{})); commitErr != nil {
			return fabriccontext.BrainResult{}, nil, nil, fmt.Errorf("fabricworkflow: %w", &turn.TurnError{Code: "persistence_failure", Message: commitErr.Error()})
		}
		w.emit(ctx, fabricevent.TurnSuperseded, key, lt, map[string]any{"successor_id": successor.ID.String()})
		return fabriccontext.BrainResult{}, nil, successor, nil

	case supersede.ActionAbsorb:
		return w.runBrain(ctx, key, workflowID, successor, incoming, brain)

	default: // QUEUE, FORCE_COMPLETE: Brain's own result stands.
		if err := finalizeTurn(lt); err != nil {
			return fabriccontext.BrainResult{}, nil, nil, fmt.Errorf("fabricworkflow: %w", err)
		}
		return res, &msg, nil, nil
	}
}

func finalizeTurn(lt *turn.LogicalTurn) error {
	if lt.Status == turn.StatusProcessing {
		return lt.MarkComplete()
	}
	return nil
}

// decideSupersede asks a SupersedeCapableBrain for its decision; a Brain
// that doesn't implement the interface degrades to the workflow's
// default policy, which always QUEUEs (spec.md §4.9's fallback). A
// SUPERSEDE decision against a turn the Coordinator reports as not
// supersedable is downgraded to QUEUE.
func (w *Workflow) decideSupersede(ctx context.Context, brain fabriccontext.Brain, lt *turn.LogicalTurn, msg MessageEvent) supersede.Decision {
	if capable, ok := brain.(fabriccontext.SupersedeCapableBrain); ok {
		if d, err := capable.DecideSupersede(ctx, lt, msg.ID.String(), lt.InterruptPoint); err == nil {
			if d.Action == supersede.ActionSupersede && !w.deps.Coordinator.CanSupersede(lt) {
				return supersede.Decision{Action: supersede.ActionQueue, Reason: "supersede_rejected"}
			}
			return d
		}
	}
	return supersede.Decision{Action: supersede.ActionQueue, Reason: "default_policy_no_supersede_capable_brain"}
}

// commitAndRelease is Step 4: persist the turn record, deregister from
// the active index, release the mutex, and emit turn.completed.
// Persistence is keyed by turn.id, so a replayed Step 4 after a crash is
// a no-op upsert, never a duplicate.
func (w *Workflow) commitAndRelease(ctx context.Context, key sessionkey.Key, token *fencedlock.Token, lt *turn.LogicalTurn, res fabriccontext.BrainResult) error {
	if err := w.deps.Sink.SaveTurnRecord(ctx, turnRecordOf(lt, res)); err != nil {
		return fmt.Errorf("fabricworkflow: %w", &turn.TurnError{Code: "persistence_failure", Message: err.Error()})
	}
	if err := w.deps.Index.Clear(ctx, key.String()); err != nil {
		return fmt.Errorf("fabricworkflow: deregister active index: %w", err)
	}
	if err := w.deps.Lock.Release(ctx, token); err != nil {
		return fmt.Errorf("fabricworkflow: %w", &turn.TurnError{Code: "mutex_lost", Message: err.Error()})
	}
	w.emit(ctx, fabricevent.TurnCompleted, key, lt, nil)
	return nil
}

func turnRecordOf(lt *turn.LogicalTurn, res fabriccontext.BrainResult) audit.TurnRecord {
	messages := make([]string, len(lt.Messages))
	for i, id := range lt.Messages {
		messages[i] = id.String()
	}
	return audit.TurnRecord{
		TurnID:      lt.ID.String(),
		TurnGroupID: lt.TurnGroupID.String(),
		SessionKey:  lt.SessionKey,
		Messages:    messages,
		SideEffects: lt.SideEffects,
		Status:      lt.Status,
		Response:    res.ResponseSegments,
		StartedAt:   lt.FirstAt,
		CompletedAt: lt.LastAt,
	}
}

func (w *Workflow) emit(ctx context.Context, t fabricevent.Type, key sessionkey.Key, lt *turn.LogicalTurn, payload map[string]any) {
	if w.deps.Router == nil {
		return
	}
	event := fabricevent.Event{
		Type:       t,
		SessionKey: key,
		Timestamp:  time.Now(),
		Payload:    payload,
	}
	if lt != nil {
		event.LogicalTurnID = lt.ID.String()
	}
	w.deps.Router.Route(ctx, event, lt)
}

// Engine is the durable-step harness the reference implementation
// deferred to Hatchet (no Go SDK in the pack). It runs each turn under a
// stable id supplied by its caller and checks the audit sink before running: if a
// prior attempt already reached a terminal status, Engine returns that
// record directly instead of re-invoking the Brain, giving the same
// replay-safety Step 4's idempotent upsert gives a single step, but for
// the whole orchestration -- grounded on pkg/checkpoint.Manager's
// phase-tagged save-before-advance pattern.
type Engine struct {
	wf   *Workflow
	sink audit.Sink
}

// NewEngine wraps wf with durable-resume bookkeeping backed by sink.
func NewEngine(wf *Workflow, sink audit.Sink) *Engine {
	return &Engine{wf: wf, sink: sink}
}

// RunOrResume runs the workflow for turnID, or -- if a record for
// turnID already reached COMPLETE or SUPERSEDED before a prior crash --
// returns that record's outcome without touching the Brain again.
func (e *Engine) RunOrResume(ctx context.Context, key sessionkey.Key, workflowID string, turnID, turnGroupID uuid.UUID, first MessageEvent, incoming <-chan MessageEvent, brain fabriccontext.Brain) (Result, error) {
	if rec, err := e.sink.LoadTurnRecord(ctx, turnID.String()); err == nil && rec != nil {
		if rec.Status.IsTerminal() {
			return Result{ResponseSegments: rec.Response}, nil
		}
	}
	return e.wf.Run(ctx, key, workflowID, turnID, turnGroupID, first, incoming, brain)
}
