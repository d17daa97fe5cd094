// Package fencedlock implements the fabric's SessionMutex: a
// distributed, fencing-token advisory lock keyed by SessionKey. All
// mutation of LogicalTurn state, ActiveTurnIndex entries, and
// side-effect appends for a given SessionKey must happen while the
// caller holds the returned token.
//
// A plain lock-with-TTL is not enough: a worker whose lock already
// expired could still write. Every acquisition is therefore tied to a
// monotonically increasing fencing value, and release is a compare-and
// -delete keyed on that value so a late zombie holder can never clobber
// a newer holder's release.
package fencedlock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Token is the opaque handle returned by Acquire. It must be presented
// to Release and Extend; a stale token is always a safe no-op.
type Token struct {
	Key   string
	Value string
}

// Options configures an acquisition.
type Options struct {
	// LockTimeout is the auto-expiry TTL while held. Long-running turn
	// processing must call Extend before it elapses. Default 30s.
	LockTimeout time.Duration
	// BlockingTimeout bounds how long Acquire retries before giving up.
	// Default 5s.
	BlockingTimeout time.Duration
	// RetryInterval paces the acquire-retry loop. Default 50ms.
	RetryInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.LockTimeout <= 0 {
		o.LockTimeout = 30 * time.Second
	}
	if o.BlockingTimeout <= 0 {
		o.BlockingTimeout = 5 * time.Second
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 50 * time.Millisecond
	}
	return o
}

const (
	keyPrefix   = "sesslock:"
	fencePrefix = "sessfence:"
)

func lockKey(sessionKey string) string {
	return keyPrefix + sessionKey
}

func fenceKey(sessionKey string) string {
	return fencePrefix + sessionKey
}

// releaseScript performs an atomic compare-and-delete: only the holder
// whose fencing value still matches may release the key.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// extendScript atomically extends TTL only if the caller still owns the key.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`)

// Lock is a Redis-backed distributed SessionMutex.
type Lock struct {
	client *redis.Client
}

// New wraps a go-redis client as a SessionMutex.
func New(client *redis.Client) *Lock {
	return &Lock{client: client}
}

// Acquire attempts to take the lock for sessionKey, retrying at
// RetryInterval until BlockingTimeout elapses. Returns the fencing token
// on success, or (nil, nil) on timeout -- callers map a nil token to
// LockFailed and may retry with backoff at a higher level.
func (l *Lock) Acquire(ctx context.Context, sessionKey string, opts Options) (*Token, error) {
	opts = opts.withDefaults()
	key := lockKey(sessionKey)
	seq, err := l.client.Incr(ctx, fenceKey(sessionKey)).Result()
	if err != nil {
		return nil, fmt.Errorf("fencedlock: generate fencing value: %w", err)
	}
	value := fencingValue(seq)

	deadline := time.Now().Add(opts.BlockingTimeout)
	for {
		ok, err := l.client.SetNX(ctx, key, value, opts.LockTimeout).Result()
		if err != nil {
			return nil, fmt.Errorf("fencedlock: acquire %s: %w", key, err)
		}
		if ok {
			return &Token{Key: key, Value: value}, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(opts.RetryInterval):
		}
	}
}

// Release releases the lock iff token still matches the current holder;
// a stale token is a silent no-op (L2: a stale-token release must not
// unlock a different, newer holder).
func (l *Lock) Release(ctx context.Context, token *Token) error {
	if token == nil {
		return nil
	}
	_, err := releaseScript.Run(ctx, l.client, []string{token.Key}, token.Value).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("fencedlock: release %s: %w", token.Key, err)
	}
	return nil
}

// Extend pushes the auto-expiry out by additional while still held by
// token. Returns false if the token no longer owns the lock.
func (l *Lock) Extend(ctx context.Context, token *Token, additional time.Duration) (bool, error) {
	if token == nil {
		return false, nil
	}
	res, err := extendScript.Run(ctx, l.client, []string{token.Key}, token.Value, additional.Milliseconds()).Result()
	if err != nil {
		return false, fmt.Errorf("fencedlock: extend %s: %w", token.Key, err)
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// IsLocked checks whether sessionKey is currently held by anyone.
func (l *Lock) IsLocked(ctx context.Context, sessionKey string) (bool, error) {
	n, err := l.client.Exists(ctx, lockKey(sessionKey)).Result()
	if err != nil {
		return false, fmt.Errorf("fencedlock: exists %s: %w", sessionKey, err)
	}
	return n > 0, nil
}

// ForceRelease unconditionally deletes the lock key. Administrative
// override, used only in recovery/force-release paths (cmd/acfctl),
// never by ordinary workflow code.
func (l *Lock) ForceRelease(ctx context.Context, sessionKey string) (bool, error) {
	n, err := l.client.Del(ctx, lockKey(sessionKey)).Result()
	if err != nil {
		return false, fmt.Errorf("fencedlock: force release %s: %w", sessionKey, err)
	}
	return n > 0, nil
}

// WithLock acquires the lock, runs fn, and always releases it -- a
// convenience wrapper for non-durable call sites that don't need the
// lock to persist across steps (the durable workflow uses Acquire/
// Release directly instead, since the held token must survive a step
// boundary).
func (l *Lock) WithLock(ctx context.Context, sessionKey string, opts Options, fn func(ctx context.Context) error) (bool, error) {
	token, err := l.Acquire(ctx, sessionKey, opts)
	if err != nil {
		return false, err
	}
	if token == nil {
		return false, nil
	}
	defer func() { _ = l.Release(ctx, token) }()
	return true, fn(ctx)
}

// fencingValue renders seq as a fixed-width, zero-padded decimal string
// so that two tokens for the same session also compare correctly as
// plain strings -- a downstream store can reject a write carrying a
// lexicographically smaller token without parsing it back to an
// integer. 20 digits covers the full range of a uint64 Redis counter.
func fencingValue(seq int64) string {
	return fmt.Sprintf("%020d", seq)
}
