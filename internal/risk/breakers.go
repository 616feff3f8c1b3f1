package risk

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/alejandrodnm/pairarb/internal/domain"
)

// Halted reports whether any breaker currently blocks new plans.
func (m *Manager) Halted() (bool, []domain.Breaker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var active []domain.Breaker
	for _, b := range m.breakersLocked() {
		if b.Active() {
			active = append(active, b)
		}
	}
	return len(active) > 0, active
}

// Breakers returns every tracked breaker.
func (m *Manager) Breakers() []domain.Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.breakersLocked()
}

// ReportHealth updates the venue breakers from a health event. Disconnect,
// stale-data and latency breakers clear themselves once the condition is
// gone, unless an operator hold is pending.
func (m *Manager) ReportHealth(h domain.VenueHealth) {
	m.mu.Lock()
	defer m.mu.Unlock()

	down := !h.Connected || h.Status == domain.HealthDown
	m.setCondition(domain.BreakerVenueDisconnected, h.Venue, down,
		fmt.Sprintf("venue %s %s: %s", h.Venue, h.Status, h.Reason))

	stale := h.StaleMarkets > m.limits.MaxStaleMarkets
	m.setCondition(domain.BreakerStaleData, h.Venue, stale,
		fmt.Sprintf("venue %s has %d stale markets", h.Venue, h.StaleMarkets))

	slow := m.limits.MaxFeedLatency > 0 && h.LatencyP95 > m.limits.MaxFeedLatency
	m.setCondition(domain.BreakerFeedLatency, h.Venue, slow,
		fmt.Sprintf("venue %s p95 latency %s > %s", h.Venue, h.LatencyP95, m.limits.MaxFeedLatency))
}

// ReportVenueError marks a venue unusable after an adapter failure the
// coordinator could not resolve. It clears on the next healthy report.
func (m *Manager) ReportVenueError(venue domain.VenueID, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setCondition(domain.BreakerVenueDisconnected, venue, true,
		fmt.Sprintf("venue %s error: %v", venue, err))
}

// TripUnwindFailure halts all trading after a failed flatten on venue.
// Only ClearManual lifts it.
func (m *Manager) TripUnwindFailure(venue domain.VenueID, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.trip(domain.BreakerUnwindFailure, venue, reason)
	b.Condition = false
	b.ManualHold = true
	slog.Error("unwind failure breaker tripped", "venue", venue, "reason", reason)
}

// TripOrderUnknown halts all trading while an order on venue may be live
// without the ledger knowing. The reason names its idempotency key. Only
// ClearManual lifts it.
func (m *Manager) TripOrderUnknown(venue domain.VenueID, key, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.trip(domain.BreakerOrderUnknown, venue, fmt.Sprintf("order %s: %s", key, reason))
	b.Condition = false
	b.ManualHold = true
	slog.Error("order unknown breaker tripped", "venue", venue, "key", key, "reason", reason)
}

// Hold places an operator hold on a breaker so it stays active even after
// its condition clears.
func (m *Manager) Hold(kind domain.BreakerKind, venue domain.VenueID, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.trip(kind, venue, reason)
	b.ManualHold = true
	m.m.SetBreaker(string(kind), string(venue), true)
}

// ClearManual lifts the operator hold on a breaker. It reports whether the
// breaker is now clear; a breaker whose condition still holds stays active.
// Clearing the consecutive-losses breaker also resets the loss counter.
func (m *Manager) ClearManual(kind domain.BreakerKind, venue domain.VenueID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := domain.BreakerID(kind, venue)
	b, ok := m.breakers[id]
	if !ok {
		return false, fmt.Errorf("risk.ClearManual: breaker %s: %w", id, domain.ErrNotFound)
	}
	b.ManualHold = false
	if kind == domain.BreakerConsecutiveLosses {
		m.consecutive = 0
	}
	m.evaluateLossBreakers()
	if b.Condition {
		slog.Warn("breaker hold cleared but condition persists", "breaker", id)
		return false, nil
	}
	delete(m.breakers, id)
	m.m.SetBreaker(string(kind), string(venue), false)
	slog.Info("breaker cleared", "breaker", id)
	return true, nil
}

func (m *Manager) trip(kind domain.BreakerKind, venue domain.VenueID, reason string) *domain.Breaker {
	id := domain.BreakerID(kind, venue)
	b, ok := m.breakers[id]
	if !ok {
		b = &domain.Breaker{Kind: kind, Venue: venue, TrippedAt: m.now()}
		m.breakers[id] = b
	}
	b.Reason = reason
	m.m.SetBreaker(string(kind), string(venue), true)
	return b
}

// setCondition updates a breaker's originating condition. Self-clearing
// breakers are removed when the condition is false and no hold is pending.
func (m *Manager) setCondition(kind domain.BreakerKind, venue domain.VenueID, cond bool, reason string) {
	id := domain.BreakerID(kind, venue)
	b, ok := m.breakers[id]
	if cond {
		if !ok {
			slog.Warn("breaker tripped", "breaker", id, "reason", reason)
		}
		b = m.trip(kind, venue, reason)
		b.Condition = true
		if !kind.SelfClearing() {
			b.ManualHold = true
		}
		return
	}
	if !ok {
		return
	}
	b.Condition = false
	if kind.SelfClearing() && !b.ManualHold {
		delete(m.breakers, id)
		m.m.SetBreaker(string(kind), string(venue), false)
		slog.Info("breaker self-cleared", "breaker", id)
	}
}

// evaluateLossBreakers re-checks the daily-loss and consecutive-loss
// conditions. Both need a manual clear once tripped.
func (m *Manager) evaluateLossBreakers() {
	loss := m.realized.Add(m.unrealized).Neg()
	lossHit := !m.limits.MaxDailyLoss.IsZero() && loss.GreaterThan(m.limits.MaxDailyLoss)
	m.setCondition(domain.BreakerDailyLoss, "", lossHit,
		fmt.Sprintf("loss %s exceeds %s", loss.StringFixed(2), m.limits.MaxDailyLoss.StringFixed(2)))

	streak := m.limits.MaxConsecutiveLosses > 0 && m.consecutive >= m.limits.MaxConsecutiveLosses
	m.setCondition(domain.BreakerConsecutiveLosses, "", streak,
		fmt.Sprintf("%d consecutive losing trades", m.consecutive))
}

func (m *Manager) firstActiveBreaker() *domain.Breaker {
	var ids []string
	for id, b := range m.breakers {
		if b.Active() {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	sort.Strings(ids)
	return m.breakers[ids[0]]
}

func (m *Manager) breakersLocked() []domain.Breaker {
	out := make([]domain.Breaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		return domain.BreakerID(out[i].Kind, out[i].Venue) < domain.BreakerID(out[j].Kind, out[j].Venue)
	})
	return out
}
