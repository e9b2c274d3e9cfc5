package model

// State is the lifecycle state of a Position.
type State string

const (
	StateReceived   State = "RECEIVED"
	StateValidated  State = "VALIDATED"
	StateOpened     State = "OPENED"
	StateMonitoring State = "MONITORING"
	StateClosing    State = "CLOSING"
	StateClosed     State = "CLOSED"
	StateRejected   State = "REJECTED"
	StateExpired    State = "EXPIRED"
)

// transitions lists every legal edge of the lifecycle.
var transitions = map[State][]State{
	StateReceived:   {StateValidated, StateRejected, StateExpired},
	StateValidated:  {StateOpened, StateRejected, StateExpired},
	StateOpened:     {StateMonitoring, StateClosing},
	StateMonitoring: {StateClosing},
	StateClosing:    {StateClosed},
}

// CanTransition reports whether from → to is a legal lifecycle edge.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Active reports whether the state counts against the concurrency limit.
func (s State) Active() bool {
	return s == StateOpened || s == StateMonitoring
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateRejected || s == StateExpired
}

// Reason is the closed set of rejection and failure causes.
type Reason string

const (
	ReasonNone                Reason = ""
	ReasonExpired             Reason = "EXPIRED"
	ReasonSentimentConflict   Reason = "SENTIMENT_CONFLICT"
	ReasonCooldown            Reason = "COOLDOWN"
	ReasonMaxConcurrent       Reason = "MAX_CONCURRENT_REACHED"
	ReasonInsufficientBalance Reason = "INSUFFICIENT_BALANCE"
	ReasonExecutionFailed     Reason = "EXECUTION_FAILED"
	ReasonSettlementRetryable Reason = "SETTLEMENT_RETRYABLE"
	ReasonProtectionMissing   Reason = "PROTECTION_MISSING"
	ReasonNoOpenPosition      Reason = "NO_OPEN_POSITION"
)

// TerminalState maps a rejection reason to the terminal state it lands in.
func (r Reason) TerminalState() State {
	if r == ReasonExpired {
		return StateExpired
	}
	return StateRejected
}
