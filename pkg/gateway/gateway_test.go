package gateway

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/acme/acf/pkg/activeindex"
)

func newTestIndex(t *testing.T) *activeindex.Index {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return activeindex.New(client)
}

func TestReceiveMessage_ColdLookupTriggersNew(t *testing.T) {
	idx := newTestIndex(t)
	gw, err := New(idx, nil)
	require.NoError(t, err)

	d, err := gw.ReceiveMessage(context.Background(), "t1", "a1", "email", "u1", TierFree)
	require.NoError(t, err)
	require.Equal(t, ActionTriggerNew, d.Action)
}

func TestReceiveMessage_WarmLookupSignalsExisting(t *testing.T) {
	idx := newTestIndex(t)
	gw, err := New(idx, nil)
	require.NoError(t, err)

	d, err := gw.ReceiveMessage(context.Background(), "t1", "a1", "email", "u1", TierFree)
	require.NoError(t, err)
	require.Equal(t, ActionTriggerNew, d.Action)

	require.NoError(t, idx.Set(context.Background(), d.SessionKey.String(), "wf-123", 300))

	d2, err := gw.ReceiveMessage(context.Background(), "t1", "a1", "email", "u1", TierFree)
	require.NoError(t, err)
	require.Equal(t, ActionSignalExisting, d2.Action)
	require.Equal(t, "wf-123", d2.WorkflowID)
}

func TestReceiveMessage_RateLimitRejectsTheNPlusOneth(t *testing.T) {
	idx := newTestIndex(t)
	gw, err := New(idx, map[Tier]int64{TierFree: 2})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		d, err := gw.ReceiveMessage(context.Background(), "t1", "a1", "email", "u1", TierFree)
		require.NoError(t, err)
		require.NotEqual(t, ActionReject, d.Action)
	}

	d, err := gw.ReceiveMessage(context.Background(), "t1", "a1", "email", "u1", TierFree)
	require.NoError(t, err)
	require.Equal(t, ActionReject, d.Action)
	require.Equal(t, "rate_limit_exceeded", d.Reason)
}

func TestReceiveMessage_TiersAreIndependent(t *testing.T) {
	idx := newTestIndex(t)
	gw, err := New(idx, map[Tier]int64{TierFree: 1, TierEnterprise: 100})
	require.NoError(t, err)

	d, err := gw.ReceiveMessage(context.Background(), "t1", "a1", "email", "u1", TierFree)
	require.NoError(t, err)
	require.NotEqual(t, ActionReject, d.Action)

	d, err = gw.ReceiveMessage(context.Background(), "t1", "a1", "email", "u1", TierFree)
	require.NoError(t, err)
	require.Equal(t, ActionReject, d.Action)

	d, err = gw.ReceiveMessage(context.Background(), "t2", "a1", "email", "u1", TierEnterprise)
	require.NoError(t, err)
	require.NotEqual(t, ActionReject, d.Action)
}
