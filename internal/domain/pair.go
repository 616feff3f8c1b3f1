package domain

import "time"

// Override is a manual operator decision on a pair.
type Override string

const (
	OverrideNone      Override = "none"
	OverrideForce     Override = "force"
	OverrideBlacklist Override = "blacklist"
)

// ParseOverride maps a config/storage string to an Override.
func ParseOverride(s string) (Override, bool) {
	switch Override(s) {
	case OverrideNone, "":
		return OverrideNone, true
	case OverrideForce:
		return OverrideForce, true
	case OverrideBlacklist:
		return OverrideBlacklist, true
	}
	return OverrideNone, false
}

// PairKey is the composite key (venue-A market, venue-B market).
type PairKey struct {
	A MarketKey
	B MarketKey
}

func (k PairKey) String() string {
	return k.A.String() + "|" + k.B.String()
}

// CheckResult is the outcome of one spec check, retained for audit.
type CheckResult struct {
	Name   string
	Passed bool
	Detail string
	// Exact is set by the resolution-source check when both sources are
	// literally identical rather than merely equivalent.
	Exact bool
}

// OutcomeLink records which venue-B outcome carries the same economic
// exposure as a venue-A outcome. Inverted means BOutcome pays exactly when
// AOutcome does not, so the hedge for a long AOutcome is a long BOutcome.
type OutcomeLink struct {
	AOutcome string
	BOutcome string
	Inverted bool
}

// OverrideEntry is one persisted force/blacklist decision.
type OverrideEntry struct {
	Key       PairKey
	Kind      Override
	Reason    string
	CreatedAt time.Time
}

// DuplicatePair is a matcher verdict for two markets on different venues.
type DuplicatePair struct {
	Key           PairKey
	A             Market
	B             Market
	Similarity    float64
	SpecOK        bool
	Confidence    float64
	Checks        []CheckResult
	Override      Override
	OutcomeLinks  []OutcomeLink
	LastValidated time.Time
}

// ID returns the pair id used by plans, orders and the decision log.
func (p DuplicatePair) ID() string {
	return p.Key.String()
}

// Tradeable encodes the plan-creation invariant: never blacklisted, and
// either spec-checked or forced.
func (p DuplicatePair) Tradeable() bool {
	if p.Override == OverrideBlacklist {
		return false
	}
	return p.SpecOK || p.Override == OverrideForce
}

// FailedChecks returns the checks that did not pass.
func (p DuplicatePair) FailedChecks() []CheckResult {
	var out []CheckResult
	for _, c := range p.Checks {
		if !c.Passed {
			out = append(out, c)
		}
	}
	return out
}

// EventKey returns the exposure bucket for the pair.
func (p DuplicatePair) EventKey() string {
	if p.A.EventKey != "" {
		return p.A.EventKey
	}
	if p.B.EventKey != "" {
		return p.B.EventKey
	}
	return p.ID()
}

// Category returns the risk category of the pair.
func (p DuplicatePair) Category() string {
	if c := p.A.CategoryTag(); c != "" {
		return c
	}
	return p.B.CategoryTag()
}

// ResolutionTime returns the earlier of the two resolution timestamps.
func (p DuplicatePair) ResolutionTime() time.Time {
	a, b := p.A.ResolutionTime, p.B.ResolutionTime
	switch {
	case a.IsZero():
		return b
	case b.IsZero():
		return a
	case a.Before(b):
		return a
	default:
		return b
	}
}

// Market returns the side of the pair listed on venue.
func (p DuplicatePair) Market(venue VenueID) (Market, bool) {
	switch venue {
	case p.A.Venue:
		return p.A, true
	case p.B.Venue:
		return p.B, true
	}
	return Market{}, false
}
