package domain

import "time"

// ExecState is a state of the paired-execution state machine.
type ExecState string

const (
	StatePlanned       ExecState = "planned"
	StateLeg1Submitted ExecState = "leg1_submitted"
	StateLeg1Working   ExecState = "leg1_working"
	StateLeg1Filled    ExecState = "leg1_filled"
	StateLeg2Submitted ExecState = "leg2_submitted"
	StateLeg2Working   ExecState = "leg2_working"
	StateCompleted     ExecState = "completed"
	StateTimedOut      ExecState = "timed_out"
	StateCancelled     ExecState = "cancelled"
	StateUnwound       ExecState = "unwound"
	StateFailed        ExecState = "failed"
)

// Terminal reports whether the state has no outgoing transitions.
func (s ExecState) Terminal() bool {
	switch s {
	case StateCompleted, StateTimedOut, StateCancelled, StateUnwound, StateFailed:
		return true
	}
	return false
}

// ExecutionRecord is the persisted view of one plan's execution, used by
// startup reconciliation.
type ExecutionRecord struct {
	PlanID        string
	PairID        string
	EventKey      string
	State         ExecState
	Plan          TradePlan
	ReservationID string
	Leg1Filled    int64
	Leg2Filled    int64
	UnwoundQty    int64
	Error         string
	UpdatedAt     time.Time
}
