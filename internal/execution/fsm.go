package execution

import (
	"fmt"
	"sync"
	"time"

	"github.com/alejandrodnm/pairarb/internal/domain"
)

// transitions is the complete table of legal state changes.
var transitions = map[domain.ExecState][]domain.ExecState{
	domain.StatePlanned: {
		domain.StateLeg1Submitted, domain.StateCancelled, domain.StateFailed,
	},
	domain.StateLeg1Submitted: {
		domain.StateLeg1Working, domain.StateLeg1Filled,
		domain.StateTimedOut, domain.StateCancelled, domain.StateFailed,
	},
	domain.StateLeg1Working: {
		domain.StateLeg1Filled, domain.StateTimedOut, domain.StateCancelled, domain.StateFailed,
	},
	domain.StateLeg1Filled: {
		domain.StateLeg2Submitted, domain.StateUnwound, domain.StateFailed,
	},
	domain.StateLeg2Submitted: {
		domain.StateLeg2Working, domain.StateCompleted, domain.StateUnwound, domain.StateFailed,
	},
	domain.StateLeg2Working: {
		domain.StateCompleted, domain.StateUnwound, domain.StateFailed,
	},
}

// CanTransition reports whether from → to is legal.
func CanTransition(from, to domain.ExecState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition is one recorded state change.
type Transition struct {
	From   domain.ExecState
	To     domain.ExecState
	Reason string
	At     time.Time
}

// Execution tracks one plan through the state machine.
type Execution struct {
	mu      sync.Mutex
	rec     domain.ExecutionRecord
	history []Transition
}

func newExecution(plan domain.TradePlan, reservationID string, now time.Time) *Execution {
	return &Execution{rec: domain.ExecutionRecord{
		PlanID:        plan.ID,
		PairID:        plan.PairID,
		EventKey:      plan.EventKey,
		State:         domain.StatePlanned,
		Plan:          plan,
		ReservationID: reservationID,
		UpdatedAt:     now,
	}}
}

// transition moves to the next state or returns ErrIllegalTransition.
func (e *Execution) transition(to domain.ExecState, reason string, now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	from := e.rec.State
	if !CanTransition(from, to) {
		return fmt.Errorf("execution %s: %s → %s: %w", e.rec.PlanID, from, to, domain.ErrIllegalTransition)
	}
	e.rec.State = to
	e.rec.UpdatedAt = now
	if to == domain.StateFailed && e.rec.Error == "" {
		e.rec.Error = reason
	}
	e.history = append(e.history, Transition{From: from, To: to, Reason: reason, At: now})
	return nil
}

// State returns the current state.
func (e *Execution) State() domain.ExecState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.State
}

// Record returns a copy of the persisted view.
func (e *Execution) Record() domain.ExecutionRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec
}

// History returns the transitions so far.
func (e *Execution) History() []Transition {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Transition(nil), e.history...)
}

func (e *Execution) update(fn func(r *domain.ExecutionRecord)) {
	e.mu.Lock()
	fn(&e.rec)
	e.mu.Unlock()
}
