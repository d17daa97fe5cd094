package accumulate

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/acme/acf/pkg/turn"
)

func TestSuggestWaitMs_EmailBypassesAccumulation(t *testing.T) {
	m := New()
	got := m.SuggestWaitMs("Please cancel order 42.", "email", nil, nil, 1)
	assert.Equal(t, 0, got)
}

func TestSuggestWaitMs_GreetingOnWebchat(t *testing.T) {
	m := New()
	got := m.SuggestWaitMs("hi", "webchat", nil, nil, 1)
	assert.Equal(t, 1100, got)
}

func TestSuggestWaitMs_ClampedToMax(t *testing.T) {
	m := New()
	hint := &turn.AccumulationHint{AwaitingRequiredField: true}
	cadence := &turn.CadenceStats{P50Ms: 4000, P95Ms: 4000, SampleCount: 10}
	got := m.SuggestWaitMs("order #", "whatsapp", cadence, hint, 1)
	assert.Equal(t, MaxWaitMs, got)
}

func TestSuggestWaitMs_ExplicitCompletionReducesWait(t *testing.T) {
	m := New()
	withPeriod := m.SuggestWaitMs("All good now.", "sms", nil, nil, 1)
	withoutPeriod := m.SuggestWaitMs("All good now", "sms", nil, nil, 1)
	assert.Less(t, withPeriod, withoutPeriod)
}

func TestSuggestWaitMs_MultiMessageDecay(t *testing.T) {
	m := New()
	first := m.SuggestWaitMs("my order", "whatsapp", nil, nil, 1)
	second := m.SuggestWaitMs("42", "whatsapp", nil, nil, 2)
	assert.Less(t, second, first)
}

func TestSuggestWaitMs_CadenceBlend(t *testing.T) {
	m := New()
	cadence := &turn.CadenceStats{P50Ms: 100, P95Ms: 200, SampleCount: 10}
	got := m.SuggestWaitMs("ok", "slack", cadence, nil, 1)
	assert.GreaterOrEqual(t, got, MinWaitMs)
	assert.LessOrEqual(t, got, MaxWaitMs)
}

func TestSuggestWaitMs_AlwaysWithinBounds(t *testing.T) {
	m := New()
	channels := []string{"whatsapp", "telegram", "sms", "web", "webchat", "slack", "teams", "unknown"}
	shapes := []string{"hi", "so...", "order #", "ok", "cancel order 42 please"}
	for _, ch := range channels {
		for _, msg := range shapes {
			got := m.SuggestWaitMs(msg, ch, nil, nil, 1)
			assert.GreaterOrEqual(t, got, MinWaitMs)
			assert.LessOrEqual(t, got, MaxWaitMs)
		}
	}
}
