package liquidator

// Stage identifies the protocol step at which an item's processing
// ended.
type Stage uint8

const (
	StageNone Stage = iota
	StageSimulation
	StageSubmission
)

func (s Stage) String() string {
	switch s {
	case StageSimulation:
		return "simulation"
	case StageSubmission:
		return "submission"
	default:
		return "none"
	}
}

// OutcomeKind classifies the terminal result of processing one position
// or liquidation.
type OutcomeKind uint8

const (
	// OutcomeSkipped marks an item passed over for a routine reason, such
	// as a withdrawal candidate with nothing left to withdraw.
	OutcomeSkipped OutcomeKind = iota
	// OutcomeFailed marks an abnormal simulation or submission failure.
	OutcomeFailed
	OutcomeSucceeded
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeFailed:
		return "failed"
	case OutcomeSucceeded:
		return "succeeded"
	default:
		return "skipped"
	}
}

// Outcome is the per-item result produced by the orchestration step
// functions. One outcome exists per attempted item within a pass; it is
// consumed immediately by logging and metrics and never persisted.
type Outcome struct {
	Kind  OutcomeKind
	Stage Stage
	Err   error

	Liquidation *LiquidationReceipt
	Withdrawal  *WithdrawalReceipt
}

func skippedOutcome(stage Stage, err error) Outcome {
	return Outcome{Kind: OutcomeSkipped, Stage: stage, Err: err}
}

func failedOutcome(stage Stage, err error) Outcome {
	return Outcome{Kind: OutcomeFailed, Stage: stage, Err: err}
}
