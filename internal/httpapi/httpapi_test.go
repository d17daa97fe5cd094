package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/acme/acf/pkg/accumulate"
	"github.com/acme/acf/pkg/activeindex"
	"github.com/acme/acf/pkg/audit"
	"github.com/acme/acf/pkg/commitpoint"
	"github.com/acme/acf/pkg/fabriccontext"
	"github.com/acme/acf/pkg/fabricevent"
	"github.com/acme/acf/pkg/fabricworkflow"
	"github.com/acme/acf/pkg/fencedlock"
	"github.com/acme/acf/pkg/gateway"
	"github.com/acme/acf/pkg/registry"
	"github.com/acme/acf/pkg/supersede"
)

type memSink struct{ records map[string]audit.TurnRecord }

func newMemSink() *memSink { return &memSink{records: make(map[string]audit.TurnRecord)} }

func (m *memSink) SaveTurnRecord(ctx context.Context, rec audit.TurnRecord) error {
	m.records[rec.TurnID] = rec
	return nil
}

func (m *memSink) LoadTurnRecord(ctx context.Context, turnID string) (*audit.TurnRecord, error) {
	rec, ok := m.records[turnID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *memSink) Close() error { return nil }

type stubBrain struct{ reply string }

func (b *stubBrain) Think(ctx context.Context, tc *fabriccontext.Context) (fabriccontext.BrainResult, error) {
	return fabriccontext.BrainResult{ResponseSegments: []string{b.reply}}, nil
}

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	index := activeindex.New(client)
	gw, err := gateway.New(index, nil)
	require.NoError(t, err)

	tracker := commitpoint.New(nil)
	wf := fabricworkflow.New(fabricworkflow.Deps{
		Lock:         fencedlock.New(client),
		Index:        index,
		Router:       fabricevent.New(tracker, nil),
		Accumulator:  accumulate.New(),
		Coordinator:  supersede.New(tracker),
		CommitPoints: tracker,
		Sink:         newMemSink(),
		LockOpts:     fencedlock.Options{LockTimeout: 2 * time.Second, BlockingTimeout: time.Second, RetryInterval: 10 * time.Millisecond},
	})
	engine := fabricworkflow.NewEngine(wf, newMemSink())

	brains := registry.NewBaseRegistry[fabriccontext.Brain]()
	require.NoError(t, brains.Register("support-bot", &stubBrain{reply: "hello there"}))

	return NewDispatcher(gw, engine, brains)
}

func TestAdmit_TriggerNewStartsWorkflow(t *testing.T) {
	d := newTestDispatcher(t)

	result, err := d.Admit(context.Background(), InboundMessage{
		TenantID: "acme-corp", AgentID: "support-bot", InterlocutorID: "user-1",
		Channel: "email", Content: "cancel order 42", Tier: gateway.TierFree, At: time.Now(),
	})
	require.NoError(t, err)
	require.Equal(t, gateway.ActionTriggerNew, result.Action)
	require.NotEmpty(t, result.WorkflowID)
}

func TestAdmit_UnknownAgentErrors(t *testing.T) {
	d := newTestDispatcher(t)

	_, err := d.Admit(context.Background(), InboundMessage{
		TenantID: "acme-corp", AgentID: "no-such-agent", InterlocutorID: "user-1",
		Channel: "email", Content: "hi", Tier: gateway.TierFree, At: time.Now(),
	})
	require.Error(t, err)
}

func TestHandleMessage_AcceptsValidRequest(t *testing.T) {
	d := newTestDispatcher(t)
	srv := NewServer(d)
	router := srv.Router()

	body, _ := json.Marshal(messageRequest{
		TenantID: "acme-corp", AgentID: "support-bot", InterlocutorID: "user-1",
		Channel: "email", Content: "cancel order 42",
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "accepted", resp["status"])
	require.Equal(t, "TRIGGER_NEW", resp["action"])
}

func TestHandleMessage_RejectsMissingFields(t *testing.T) {
	d := newTestDispatcher(t)
	srv := NewServer(d)
	router := srv.Router()

	body, _ := json.Marshal(messageRequest{AgentID: "support-bot"})
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth(t *testing.T) {
	d := newTestDispatcher(t)
	srv := NewServer(d)
	router := srv.Router()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}
