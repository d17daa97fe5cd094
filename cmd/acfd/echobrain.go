package main

import (
	"context"
	"fmt"
	"time"

	"github.com/acme/acf/pkg/fabriccontext"
	"github.com/acme/acf/pkg/fabricevent"
)

// echoBrain is a bootstrap Brain: it lets `acfd` start and exercise the
// full admission-to-commit pipeline with no external agent wired in
// yet. Operators register their own fabriccontext.Brain per agent id
// in place of this one; it only exists so the daemon has something to
// call on a fresh checkout.
type echoBrain struct{}

func (echoBrain) Think(ctx context.Context, tc *fabriccontext.Context) (fabriccontext.BrainResult, error) {
	tc.EmitEvent(ctx, fabricevent.Event{
		Type:          fabricevent.ToolExecuted,
		SessionKey:    tc.Turn.SessionKey,
		LogicalTurnID: tc.Turn.ID.String(),
		Timestamp:     time.Now(),
		Payload: map[string]any{
			"tool_name":       "echo",
			"policy":          "idempotent",
			"idempotency_key": tc.Turn.ID.String(),
		},
	})
	return fabriccontext.BrainResult{
		ResponseSegments: []string{fmt.Sprintf("received %d message(s) for turn %s", tc.Turn.MessageCount(), tc.Turn.ID)},
	}, nil
}
