// Package sessionkey builds the composite identifier that bounds
// single-writer enforcement across the fabric: SessionMutex, the
// ActiveTurnIndex, and tool idempotency keys all key off of it.
package sessionkey

import (
	"fmt"
	"strings"
)

// Key is the canonical session identifier: {tenant}:{agent}:{interlocutor}:{channel}.
//
// The original implementation this fabric is modeled on has two builders
// that disagree on field order (one puts channel before the interlocutor).
// This package fixes that by being the single constructor everyone uses.
type Key string

// New builds the canonical SessionKey. Every component that needs a
// SessionKey must build it through this function; there is no second
// ordering.
func New(tenantID, agentID, interlocutorID, channel string) Key {
	return Key(fmt.Sprintf("%s:%s:%s:%s",
		strings.ToLower(tenantID),
		strings.ToLower(agentID),
		strings.ToLower(interlocutorID),
		strings.ToLower(channel),
	))
}

// String returns the raw key string.
func (k Key) String() string {
	return string(k)
}

// Parts splits a Key back into its four components. Returns an error if
// the key does not have exactly four colon-separated parts.
func Parts(k Key) (tenantID, agentID, interlocutorID, channel string, err error) {
	parts := strings.Split(string(k), ":")
	if len(parts) != 4 {
		return "", "", "", "", fmt.Errorf("sessionkey: malformed key %q: want 4 parts, got %d", k, len(parts))
	}
	return parts[0], parts[1], parts[2], parts[3], nil
}
