package turn

// CadenceStats is a rolling per-interlocutor inter-message gap summary.
// Considered trustworthy by TurnManager only once SampleCount >= 5.
type CadenceStats struct {
	P50Ms       float64
	P95Ms       float64
	SampleCount int
}

// Trustworthy reports whether there are enough samples to blend cadence
// into the accumulation-wait computation.
func (c CadenceStats) Trustworthy() bool {
	return c.SampleCount >= 5
}
