package balance

// Recorder receives engine outcomes. observability.Metrics implements it
// with Prometheus counters.
type Recorder interface {
	// BalanceWrite records one attempt of a CAS-protected operation.
	// action is "recalculate", "ring_fence", "issue" or "cancel"; outcome
	// is "updated", "unchanged", "conflict" or "failed".
	BalanceWrite(action, outcome string, transactions int)

	// RoundingCorrection records one balance visited by the sweeper.
	RoundingCorrection(outcome string)
}

type nopRecorder struct{}

func (nopRecorder) BalanceWrite(string, string, int) {}
func (nopRecorder) RoundingCorrection(string)        {}

func recorderOrNop(r Recorder) Recorder {
	if r == nil {
		return nopRecorder{}
	}
	return r
}
