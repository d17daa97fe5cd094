package fabricworkflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

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

// fakeSink is an in-memory audit.Sink for tests that don't need real SQL.
type fakeSink struct {
	mu      sync.Mutex
	records map[string]audit.TurnRecord
}

func newFakeSink() *fakeSink { return &fakeSink{records: make(map[string]audit.TurnRecord)} }

func (f *fakeSink) SaveTurnRecord(ctx context.Context, rec audit.TurnRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[rec.TurnID] = rec
	return nil
}

func (f *fakeSink) LoadTurnRecord(ctx context.Context, turnID string) (*audit.TurnRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[turnID]
	if !ok {
		return nil, errors.New("not found")
	}
	return &rec, nil
}

func (f *fakeSink) Close() error { return nil }

func newTestWorkflow(t *testing.T) (*Workflow, *fakeSink) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	sink := newFakeSink()
	tracker := commitpoint.New(nil)

	wf := New(Deps{
		Lock:         fencedlock.New(client),
		Index:        activeindex.New(client),
		Router:       fabricevent.New(tracker, nil),
		Accumulator:  accumulate.New(),
		Coordinator:  supersede.New(tracker),
		CommitPoints: tracker,
		Sink:         sink,
		LockOpts:     fencedlock.Options{LockTimeout: 2 * time.Second, BlockingTimeout: time.Second, RetryInterval: 10 * time.Millisecond},
	})
	return wf, sink
}

type stubBrain struct {
	result fabriccontext.BrainResult
	err    error
}

func (b *stubBrain) Think(ctx context.Context, tc *fabriccontext.Context) (fabriccontext.BrainResult, error) {
	return b.result, b.err
}

func TestRun_NoAccumulationEmailChannelCompletesImmediately(t *testing.T) {
	wf, sink := newTestWorkflow(t)
	key := sessionkey.New("tenant-a", "agent-b", "user-1", "email")
	brain := &stubBrain{result: fabriccontext.BrainResult{ResponseSegments: []string{"hello"}}}

	incoming := make(chan MessageEvent)
	first := MessageEvent{ID: uuid.New(), Content: "cancel order 42", Channel: "email", At: time.Now()}

	res, err := wf.Run(context.Background(), key, "wf-1", uuid.Nil, uuid.New(), first, incoming, brain)
	require.NoError(t, err)
	require.Equal(t, []string{"hello"}, res.ResponseSegments)
	require.Equal(t, turn.StatusComplete, res.Turn.Status)
	require.Nil(t, res.Requeued)

	_, loadErr := sink.LoadTurnRecord(context.Background(), res.Turn.ID.String())
	require.NoError(t, loadErr)
}

func TestRun_BrainFailureReleasesLockAndDeregisters(t *testing.T) {
	wf, _ := newTestWorkflow(t)
	key := sessionkey.New("tenant-a", "agent-b", "user-1", "email")
	brain := &stubBrain{err: errors.New("boom")}

	incoming := make(chan MessageEvent)
	first := MessageEvent{ID: uuid.New(), Content: "hi", Channel: "email", At: time.Now()}

	_, err := wf.Run(context.Background(), key, "wf-2", uuid.Nil, uuid.New(), first, incoming, brain)
	require.Error(t, err)

	locked, lockErr := wf.deps.Lock.IsLocked(context.Background(), key.String())
	require.NoError(t, lockErr)
	require.False(t, locked)

	_, getErr := wf.deps.Index.Get(context.Background(), key.String())
	require.ErrorIs(t, getErr, activeindex.ErrNotFound)
}

func TestRun_WebChannelAccumulatesAndAbsorbsMessage(t *testing.T) {
	wf, _ := newTestWorkflow(t)
	key := sessionkey.New("tenant-a", "agent-b", "user-1", "webchat")
	brain := &stubBrain{result: fabriccontext.BrainResult{ResponseSegments: []string{"done"}}}

	incoming := make(chan MessageEvent, 1)
	first := MessageEvent{ID: uuid.New(), Content: "hi", Channel: "webchat", At: time.Now()}
	incoming <- MessageEvent{ID: uuid.New(), Content: "I need help with order 42.", Channel: "webchat", At: time.Now().Add(10 * time.Millisecond)}

	res, err := wf.Run(context.Background(), key, "wf-3", uuid.Nil, uuid.New(), first, incoming, brain)
	require.NoError(t, err)
	require.Equal(t, 2, res.Turn.MessageCount())
}

func TestEngine_ResumeReturnsCachedTerminalRecordWithoutInvokingBrain(t *testing.T) {
	wf, sink := newTestWorkflow(t)
	engine := NewEngine(wf, sink)
	key := sessionkey.New("tenant-a", "agent-b", "user-1", "email")
	turnID := uuid.New()

	require.NoError(t, sink.SaveTurnRecord(context.Background(), audit.TurnRecord{
		TurnID:   turnID.String(),
		Status:   turn.StatusComplete,
		Response: []string{"already done"},
	}))

	brain := &stubBrain{err: errors.New("must not be called")}
	incoming := make(chan MessageEvent)
	first := MessageEvent{ID: uuid.New(), Content: "hi", Channel: "email", At: time.Now()}

	res, err := engine.RunOrResume(context.Background(), key, "wf-4", turnID, uuid.New(), first, incoming, brain)
	require.NoError(t, err)
	require.Equal(t, []string{"already done"}, res.ResponseSegments)
}
