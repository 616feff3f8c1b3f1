package execution

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/pairarb/internal/domain"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to domain.ExecState
		ok       bool
	}{
		{domain.StatePlanned, domain.StateLeg1Submitted, true},
		{domain.StateLeg1Submitted, domain.StateLeg1Working, true},
		{domain.StateLeg1Working, domain.StateLeg1Filled, true},
		{domain.StateLeg1Working, domain.StateTimedOut, true},
		{domain.StateLeg1Filled, domain.StateLeg2Submitted, true},
		{domain.StateLeg2Working, domain.StateCompleted, true},
		{domain.StateLeg2Working, domain.StateUnwound, true},

		// Leg2 can never start before Leg1 has filled.
		{domain.StatePlanned, domain.StateLeg2Submitted, false},
		{domain.StateLeg1Working, domain.StateLeg2Submitted, false},
		// Terminal states are final.
		{domain.StateCompleted, domain.StatePlanned, false},
		{domain.StateUnwound, domain.StateLeg2Submitted, false},
		{domain.StateFailed, domain.StateCompleted, false},
		// Filled exposure cannot time out or cancel silently.
		{domain.StateLeg1Filled, domain.StateTimedOut, false},
		{domain.StateLeg1Filled, domain.StateCancelled, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, CanTransition(tt.from, tt.to))
		})
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	for from := range transitions {
		assert.False(t, from.Terminal(), "%s is terminal but has exits", from)
	}
}

func TestExecution_RejectsIllegalTransition(t *testing.T) {
	now := time.Now()
	ex := newExecution(domain.TradePlan{ID: "p1", PairID: "a|b"}, "r1", now)

	require.NoError(t, ex.transition(domain.StateLeg1Submitted, "submit", now))
	err := ex.transition(domain.StateCompleted, "skip ahead", now)
	require.ErrorIs(t, err, domain.ErrIllegalTransition)
	assert.Equal(t, domain.StateLeg1Submitted, ex.State())

	require.NoError(t, ex.transition(domain.StateFailed, "venue rejected", now))
	assert.Equal(t, "venue rejected", ex.Record().Error)
	require.Len(t, ex.History(), 2)
	assert.Equal(t, domain.StatePlanned, ex.History()[0].From)
}

func TestSettlePath(t *testing.T) {
	assert.Equal(t,
		[]domain.ExecState{domain.StateLeg1Filled},
		settlePath(domain.StateLeg1Working, domain.StateLeg1Filled))
	assert.Equal(t,
		[]domain.ExecState{domain.StateLeg1Filled, domain.StateLeg2Submitted, domain.StateCompleted},
		settlePath(domain.StateLeg1Working, domain.StateCompleted))
	assert.Equal(t,
		[]domain.ExecState{domain.StateLeg1Submitted, domain.StateCancelled},
		settlePath(domain.StatePlanned, domain.StateCancelled))
	assert.Nil(t, settlePath(domain.StateUnwound, domain.StateUnwound))

	for _, tc := range [][2]domain.ExecState{
		{domain.StatePlanned, domain.StateCompleted},
		{domain.StateLeg1Submitted, domain.StateUnwound},
		{domain.StateLeg2Working, domain.StateUnwound},
	} {
		from := tc[0]
		for _, step := range settlePath(tc[0], tc[1]) {
			require.True(t, CanTransition(from, step), "%s -> %s", from, step)
			from = step
		}
		assert.Equal(t, tc[1], from)
	}
}
