package sessionkey

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Ordering(t *testing.T) {
	k := New("T1", "A1", "U1", "Web")
	assert.Equal(t, Key("t1:a1:u1:web"), k)
}

func TestParts_RoundTrip(t *testing.T) {
	k := New("tenant", "agent", "user", "whatsapp")
	tenant, agent, user, channel, err := Parts(k)
	require.NoError(t, err)
	assert.Equal(t, "tenant", tenant)
	assert.Equal(t, "agent", agent)
	assert.Equal(t, "user", user)
	assert.Equal(t, "whatsapp", channel)
}

func TestParts_Malformed(t *testing.T) {
	_, _, _, _, err := Parts(Key("too:few:parts"))
	assert.Error(t, err)
}
