package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// DecisionKind is the outcome recorded for a trade plan.
type DecisionKind string

const (
	DecisionAuthorized DecisionKind = "authorized"
	DecisionRejected   DecisionKind = "rejected"
	DecisionExecuted   DecisionKind = "executed"
	DecisionTimedOut   DecisionKind = "timed_out"
	DecisionCancelled  DecisionKind = "cancelled"
	DecisionUnwound    DecisionKind = "unwound"
	DecisionFailed     DecisionKind = "failed"
)

// Decision is a structured log entry for one trade plan. A rejected or
// unwound plan must be explainable from its entries alone.
type Decision struct {
	ID       string
	PlanID   string
	PairID   string
	Kind     DecisionKind
	Reason   string
	Limit    string // failed risk limit, if any
	State    string // execution state when recorded
	Edge     decimal.Decimal
	Leg1Fill int64
	Leg2Fill int64
	Unwound  int64
	Detail   map[string]string
	At       time.Time
}
