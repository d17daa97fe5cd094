// Package activeindex implements the ActiveTurnIndex: a distributed
// SessionKey -> workflow-instance-id map with a bounded TTL, letting the
// Gateway answer "is there already an active turn for this
// conversation?" in O(1).
package activeindex

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by Get when no workflow is registered for the
// session key.
var ErrNotFound = errors.New("activeindex: no active workflow for session key")

const keyPrefix = "activeturn:"

func indexKey(sessionKey string) string {
	return keyPrefix + sessionKey
}

// Index is a Redis-backed ActiveTurnIndex.
type Index struct {
	client *redis.Client
}

// New wraps a go-redis client as an ActiveTurnIndex.
func New(client *redis.Client) *Index {
	return &Index{client: client}
}

// Get returns the workflow instance id registered for sessionKey, or
// ErrNotFound. Reads are lock-free; they may happen outside the
// SessionMutex (the Gateway calls this before any mutex is held).
func (idx *Index) Get(ctx context.Context, sessionKey string) (string, error) {
	v, err := idx.client.Get(ctx, indexKey(sessionKey)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("activeindex: get %s: %w", sessionKey, err)
	}
	return v, nil
}

// Set registers workflowID for sessionKey with the given TTL. Must be
// called from inside a workflow step that already holds the
// SessionMutex for this key.
func (idx *Index) Set(ctx context.Context, sessionKey, workflowID string, ttlSeconds int) error {
	if err := idx.client.Set(ctx, indexKey(sessionKey), workflowID, time.Duration(ttlSeconds)*time.Second).Err(); err != nil {
		return fmt.Errorf("activeindex: set %s: %w", sessionKey, err)
	}
	return nil
}

// Clear deregisters sessionKey, e.g. on workflow completion or failure.
func (idx *Index) Clear(ctx context.Context, sessionKey string) error {
	if err := idx.client.Del(ctx, indexKey(sessionKey)).Err(); err != nil {
		return fmt.Errorf("activeindex: clear %s: %w", sessionKey, err)
	}
	return nil
}
