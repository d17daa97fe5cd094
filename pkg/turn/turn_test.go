package turn

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/acf/pkg/sessionkey"
)

func newTestTurn() *LogicalTurn {
	key := sessionkey.New("t", "a", "u", "web")
	return New(key, uuid.New(), uuid.New(), time.Now())
}

func TestCanAbsorbMessage_Accumulating(t *testing.T) {
	tn := newTestTurn()
	assert.True(t, tn.CanAbsorbMessage())
}

func TestCanAbsorbMessage_CompleteIsFalse(t *testing.T) {
	tn := newTestTurn()
	require.NoError(t, tn.MarkProcessing("timeout"))
	require.NoError(t, tn.MarkComplete())
	assert.False(t, tn.CanAbsorbMessage())
}

func TestCanAbsorbMessage_ProcessingWithoutSideEffects(t *testing.T) {
	tn := newTestTurn()
	require.NoError(t, tn.MarkProcessing("timeout"))
	assert.True(t, tn.CanAbsorbMessage())
}

func TestCanAbsorbMessage_ProcessingAfterIrreversible(t *testing.T) {
	tn := newTestTurn()
	require.NoError(t, tn.MarkProcessing("timeout"))
	require.NoError(t, tn.AppendSideEffect(SideEffect{
		EffectType: "tool_call",
		Policy:     PolicyIrreversible,
		ToolName:   "send_email",
	}))
	assert.False(t, tn.CanAbsorbMessage())
}

func TestAbsorbMessage_AppendsAndAdvancesLastAt(t *testing.T) {
	tn := newTestTurn()
	later := tn.LastAt.Add(time.Second)
	require.NoError(t, tn.AbsorbMessage(uuid.New(), later))
	assert.Equal(t, 2, tn.MessageCount())
	assert.Equal(t, later, tn.LastAt)
}

func TestAbsorbMessage_FailsWhenCannotAbsorb(t *testing.T) {
	tn := newTestTurn()
	require.NoError(t, tn.MarkProcessing("timeout"))
	require.NoError(t, tn.MarkComplete())
	err := tn.AbsorbMessage(uuid.New(), time.Now())
	assert.Error(t, err)
}

func TestMarkSuperseded_TerminalAfter(t *testing.T) {
	tn := newTestTurn()
	successor := uuid.New()
	require.NoError(t, tn.MarkSuperseded(successor))
	assert.Equal(t, StatusSuperseded, tn.Status)
	assert.Equal(t, successor, *tn.SupersededBy)
	assert.Error(t, tn.MarkSuperseded(uuid.New()))
}

func TestAppendSideEffect_FailsOnTerminalTurn(t *testing.T) {
	tn := newTestTurn()
	require.NoError(t, tn.MarkProcessing("timeout"))
	require.NoError(t, tn.MarkComplete())
	err := tn.AppendSideEffect(SideEffect{Policy: PolicyIdempotent})
	assert.Error(t, err)
}

func TestTruncatePhaseArtifacts(t *testing.T) {
	tn := newTestTurn()
	tn.PhaseArtifacts[1] = "a"
	tn.PhaseArtifacts[2] = "b"
	tn.PhaseArtifacts[3] = "c"
	tn.TruncatePhaseArtifacts(2)
	assert.Contains(t, tn.PhaseArtifacts, 1)
	assert.NotContains(t, tn.PhaseArtifacts, 2)
	assert.NotContains(t, tn.PhaseArtifacts, 3)
}
