// Package accumulate computes the adaptive accumulation wait used by the
// fabric's workflow to decide how long to hold a turn open for further
// messages before starting to process it.
package accumulate

import (
	"math"
	"strings"

	"github.com/acme/acf/pkg/turn"
)

const (
	// MinWaitMs is the floor every suggested wait is clamped to.
	MinWaitMs = 200
	// MaxWaitMs is the ceiling every suggested wait is clamped to.
	MaxWaitMs = 3000
)

// channelDefaults are the base wait times, in milliseconds, per channel.
var channelDefaults = map[string]int{
	"whatsapp": 1200,
	"telegram": 1000,
	"sms":      800,
	"web":      600,
	"webchat":  600,
	"slack":    800,
	"teams":    800,
	"email":    0,
	"voice":    0,
	"api":      0,
}

const unknownChannelDefault = 800

var shapeAdjustment = map[turn.Shape]int{
	turn.ShapeGreetingOnly:       500,
	turn.ShapeFragment:           400,
	turn.ShapeIncompleteEntity:   600,
	turn.ShapePossiblyIncomplete: 200,
	turn.ShapeLikelyComplete:     0,
}

// Manager computes suggest_wait_ms. It holds no state: the method is a
// deterministic, side-effect-free function of its arguments.
type Manager struct{}

// New creates a Manager.
func New() *Manager { return &Manager{} }

// SuggestWaitMs implements the adaptive accumulation algorithm described
// in the fabric's turn-manager contract. It is deterministic and performs
// no I/O.
func (m *Manager) SuggestWaitMs(messageContent, channel string, cadence *turn.CadenceStats, previousHint *turn.AccumulationHint, messagesInTurn int) int {
	base := float64(channelDefault(channel))

	// Channels with a zero default bypass accumulation entirely
	// (email/voice/api); nothing else below can move them off zero.
	if base == 0 {
		return 0
	}

	shape := turn.ClassifyShape(messageContent)
	base += float64(shapeAdjustment[shape])

	if turn.HasExplicitCompletion(messageContent) {
		base -= 300
		if base < MinWaitMs {
			base = MinWaitMs
		}
	}

	if cadence != nil && cadence.Trustworthy() {
		blended := (cadence.P50Ms + cadence.P95Ms) / 2
		base = math.Round(0.6*base + 0.4*blended)
	}

	base += float64(hintAdjustment(previousHint))

	if messagesInTurn > 1 {
		base *= math.Pow(0.8, float64(messagesInTurn-1))
	}

	return clamp(int(math.Round(base)))
}

func channelDefault(channel string) int {
	if d, ok := channelDefaults[strings.ToLower(channel)]; ok {
		return d
	}
	return unknownChannelDefault
}

// hintAdjustment applies the first matching rule: awaiting_required_field
// wins over expects_followup, which wins over high input-complete
// confidence.
func hintAdjustment(hint *turn.AccumulationHint) int {
	if hint == nil {
		return 0
	}
	switch {
	case hint.AwaitingRequiredField:
		return 1000
	case hint.ExpectsFollowup:
		return 500
	case hint.InputCompleteConfidence > 0.8:
		return -200
	default:
		return 0
	}
}

func clamp(ms int) int {
	if ms < MinWaitMs {
		return MinWaitMs
	}
	if ms > MaxWaitMs {
		return MaxWaitMs
	}
	return ms
}
