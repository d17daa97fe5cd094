// Package gateway implements the TurnGateway: admission control for
// inbound messages. It checks a per-SessionKey rate limit, consults the
// ActiveTurnIndex, and returns one of {TRIGGER_NEW, SIGNAL_EXISTING,
// QUEUE, REJECT}.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/acme/acf/pkg/activeindex"
	"github.com/acme/acf/pkg/ratelimit"
	"github.com/acme/acf/pkg/sessionkey"
)

// Action is the gateway's admission decision.
type Action string

const (
	ActionTriggerNew     Action = "TRIGGER_NEW"
	ActionSignalExisting Action = "SIGNAL_EXISTING"
	ActionQueue          Action = "QUEUE"
	ActionReject         Action = "REJECT"
)

// Decision is the outcome of TurnGateway.ReceiveMessage.
type Decision struct {
	Action     Action
	SessionKey sessionkey.Key
	WorkflowID string // set iff Action == ActionSignalExisting
	Reason     string // set iff Action == ActionReject
}

// Tier names the request-rate tier assigned to a tenant.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// DefaultTierLimits are the default requests-per-minute ceilings per
// tier (spec.md §6).
var DefaultTierLimits = map[Tier]int64{
	TierFree:       60,
	TierPro:        600,
	TierEnterprise: 6000,
}

// Gateway is the fabric's TurnGateway (C9). Each tier gets its own
// limiter so a free tenant's admissions never borrow quota from an
// enterprise tenant's. Each limiter counts per SessionKey over a fixed
// 60s window that opens at the key's first admission and resets once it
// has elapsed; it is not a sliding window.
type Gateway struct {
	index          *activeindex.Index
	byTier         map[Tier]*ratelimit.DefaultRateLimiter
	defaultLimiter *ratelimit.DefaultRateLimiter
	sf             singleflight.Group
}

// New creates a Gateway backed by the given ActiveTurnIndex and one
// rate limiter per tier. limits defaults to DefaultTierLimits.
func New(index *activeindex.Index, limits map[Tier]int64) (*Gateway, error) {
	if limits == nil {
		limits = DefaultTierLimits
	}

	byTier := make(map[Tier]*ratelimit.DefaultRateLimiter, len(limits))
	for tier, limit := range limits {
		l, err := ratelimit.NewRateLimiter(&ratelimit.Config{
			Enabled: true,
			Limits: []ratelimit.LimitRule{
				{Type: ratelimit.LimitTypeCount, Window: ratelimit.WindowMinute, Limit: limit},
			},
		}, ratelimit.NewMemoryStore())
		if err != nil {
			return nil, fmt.Errorf("gateway: build limiter for tier %s: %w", tier, err)
		}
		byTier[tier] = l
	}

	return &Gateway{
		index:          index,
		byTier:         byTier,
		defaultLimiter: byTier[TierFree],
	}, nil
}

// ReceiveMessage is the TurnGateway's admission algorithm (spec.md §4.8):
// build the SessionKey, check the tier's fixed-window rate limit, then
// consult the ActiveTurnIndex.
func (g *Gateway) ReceiveMessage(ctx context.Context, tenantID, agentID, channel, channelUser string, tier Tier) (Decision, error) {
	key := sessionkey.New(tenantID, agentID, channelUser, channel)

	limiter := g.byTier[tier]
	if limiter == nil {
		limiter = g.defaultLimiter
	}
	result, err := limiter.CheckAndRecord(ctx, ratelimit.ScopeSession, key.String(), 0, 1)
	if err != nil {
		return Decision{}, fmt.Errorf("gateway: rate limit check: %w", err)
	}
	if !result.Allowed {
		return Decision{Action: ActionReject, SessionKey: key, Reason: "rate_limit_exceeded"}, nil
	}

	// singleflight collapses concurrent cold lookups for the same
	// SessionKey into one round trip to the distributed index.
	v, err, _ := g.sf.Do(key.String(), func() (interface{}, error) {
		return g.index.Get(ctx, key.String())
	})
	if err != nil {
		if errors.Is(err, activeindex.ErrNotFound) {
			return Decision{Action: ActionTriggerNew, SessionKey: key}, nil
		}
		return Decision{}, fmt.Errorf("gateway: active index lookup: %w", err)
	}

	workflowID, _ := v.(string)
	return Decision{Action: ActionSignalExisting, SessionKey: key, WorkflowID: workflowID}, nil
}
