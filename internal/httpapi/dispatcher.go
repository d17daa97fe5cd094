// Package httpapi is the fabric's inbound channel-adapter HTTP surface:
// a chi router accepting one message per request, admitting it through
// the Gateway, and either starting a new LogicalTurnWorkflow or
// forwarding the message onto an already-running one. The workflow's
// eventual response is delivered out of band, through the EventRouter's
// turn.completed event -- not as the HTTP response body -- the same way
// a real WhatsApp/Slack webhook acknowledges receipt and replies later
// through the provider's own send-message API.
package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/acf/pkg/fabriccontext"
	"github.com/acme/acf/pkg/fabricworkflow"
	"github.com/acme/acf/pkg/gateway"
	"github.com/acme/acf/pkg/registry"
	"github.com/acme/acf/pkg/sessionkey"
)

// Dispatcher bridges the Gateway's admission decisions to running
// LogicalTurnWorkflow instances, keeping one buffered channel per
// in-flight workflow so SIGNAL_EXISTING messages can be absorbed
// without blocking the HTTP request that delivered them.
type Dispatcher struct {
	gateway *gateway.Gateway
	engine  *fabricworkflow.Engine
	brains  registry.Registry[fabriccontext.Brain]

	mu       sync.Mutex
	channels map[string]chan fabricworkflow.MessageEvent
}

// NewDispatcher builds a Dispatcher from its collaborators. brains maps
// agent id to the Brain implementation that should think for it.
func NewDispatcher(gw *gateway.Gateway, engine *fabricworkflow.Engine, brains registry.Registry[fabriccontext.Brain]) *Dispatcher {
	return &Dispatcher{
		gateway:  gw,
		engine:   engine,
		brains:   brains,
		channels: make(map[string]chan fabricworkflow.MessageEvent),
	}
}

// InboundMessage is one message admitted from a channel adapter.
type InboundMessage struct {
	TenantID       string
	AgentID        string
	InterlocutorID string
	Channel        string
	MessageID      string
	Content        string
	Tier           gateway.Tier
	At             time.Time
}

// AdmitResult is what Admit returns for the HTTP layer to render.
type AdmitResult struct {
	Action     gateway.Action
	SessionKey sessionkey.Key
	WorkflowID string
	Reason     string
}

// Admit runs the message through the Gateway and, depending on the
// resulting Action, either starts a new workflow goroutine or forwards
// the message to one already running. It never blocks on the workflow
// itself completing.
func (d *Dispatcher) Admit(ctx context.Context, msg InboundMessage) (AdmitResult, error) {
	decision, err := d.gateway.ReceiveMessage(ctx, msg.TenantID, msg.AgentID, msg.Channel, msg.InterlocutorID, msg.Tier)
	if err != nil {
		return AdmitResult{}, fmt.Errorf("httpapi: admission: %w", err)
	}

	switch decision.Action {
	case gateway.ActionTriggerNew:
		workflowID := uuid.NewString()
		brain, ok := d.brains.Get(msg.AgentID)
		if !ok {
			return AdmitResult{}, fmt.Errorf("httpapi: no brain registered for agent %q", msg.AgentID)
		}

		messageID, err := parseOrNewUUID(msg.MessageID)
		if err != nil {
			return AdmitResult{}, err
		}
		first := fabricworkflow.MessageEvent{ID: messageID, Content: msg.Content, Channel: msg.Channel, At: msg.At}

		incoming := make(chan fabricworkflow.MessageEvent, 16)
		d.register(workflowID, incoming)

		go d.run(decision.SessionKey, workflowID, first, incoming, brain)

		return AdmitResult{Action: decision.Action, SessionKey: decision.SessionKey, WorkflowID: workflowID}, nil

	case gateway.ActionSignalExisting:
		messageID, err := parseOrNewUUID(msg.MessageID)
		if err != nil {
			return AdmitResult{}, err
		}
		event := fabricworkflow.MessageEvent{ID: messageID, Content: msg.Content, Channel: msg.Channel, At: msg.At}

		if ch, ok := d.lookup(decision.WorkflowID); ok {
			select {
			case ch <- event:
			case <-ctx.Done():
				return AdmitResult{}, ctx.Err()
			default:
				slog.Warn("httpapi: incoming channel full, dropping signal", slog.String("workflow_id", decision.WorkflowID))
			}
		}
		return AdmitResult{Action: decision.Action, SessionKey: decision.SessionKey, WorkflowID: decision.WorkflowID}, nil

	case gateway.ActionReject:
		return AdmitResult{Action: decision.Action, SessionKey: decision.SessionKey, Reason: decision.Reason}, nil

	default: // ActionQueue: no running workflow to target yet.
		return AdmitResult{Action: decision.Action, SessionKey: decision.SessionKey, Reason: "queued_for_retry"}, nil
	}
}

func (d *Dispatcher) register(workflowID string, ch chan fabricworkflow.MessageEvent) {
	d.mu.Lock()
	d.channels[workflowID] = ch
	d.mu.Unlock()
}

func (d *Dispatcher) deregister(workflowID string) {
	d.mu.Lock()
	delete(d.channels, workflowID)
	d.mu.Unlock()
}

func (d *Dispatcher) lookup(workflowID string) (chan fabricworkflow.MessageEvent, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch, ok := d.channels[workflowID]
	return ch, ok
}

func (d *Dispatcher) run(key sessionkey.Key, workflowID string, first fabricworkflow.MessageEvent, incoming chan fabricworkflow.MessageEvent, brain fabriccontext.Brain) {
	defer d.deregister(workflowID)
	defer close(incoming)

	ctx := context.Background()
	turnID := uuid.New()
	turnGroupID := uuid.New()

	result, err := d.engine.RunOrResume(ctx, key, workflowID, turnID, turnGroupID, first, incoming, brain)
	if err != nil {
		slog.Error("httpapi: workflow run failed",
			slog.String("workflow_id", workflowID), slog.String("session_key", key.String()), slog.Any("error", err))
		return
	}

	if result.Requeued != nil {
		readmitted := InboundMessage{
			Channel:   result.Requeued.Channel,
			MessageID: result.Requeued.ID.String(),
			Content:   result.Requeued.Content,
			At:        result.Requeued.At,
		}
		tenantID, agentID, interlocutorID, channel, parseErr := sessionkey.Parts(key)
		if parseErr == nil {
			readmitted.TenantID = tenantID
			readmitted.AgentID = agentID
			readmitted.InterlocutorID = interlocutorID
			readmitted.Channel = channel
			if _, admitErr := d.Admit(ctx, readmitted); admitErr != nil {
				slog.Error("httpapi: re-admission of requeued message failed", slog.Any("error", admitErr))
			}
		}
	}
}

func parseOrNewUUID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.New(), nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("httpapi: invalid message id %q: %w", s, err)
	}
	return id, nil
}
