package vfscore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskStateTransitions(t *testing.T) {
	allowed := []struct{ from, to taskState }{
		{statePending, stateInFlight},
		{stateRetryPending, stateInFlight},
		{stateInFlight, stateSucceeded},
		{stateInFlight, stateFailed},
		{stateInFlight, stateRetryPending},
	}
	for _, tc := range allowed {
		got, err := transition(tc.from, tc.to)
		require.NoErrorf(t, err, "%s -> %s", tc.from, tc.to)
		assert.Equal(t, tc.to, got)
	}

	denied := []struct{ from, to taskState }{
		{statePending, stateSucceeded},
		{statePending, stateFailed},
		{statePending, stateRetryPending},
		{stateRetryPending, stateSucceeded},
		{stateSucceeded, stateInFlight},
		{stateFailed, stateInFlight},
		{stateSucceeded, stateFailed},
	}
	for _, tc := range denied {
		got, err := transition(tc.from, tc.to)
		require.Errorf(t, err, "%s -> %s should be rejected", tc.from, tc.to)
		assert.Equal(t, tc.from, got, "state unchanged on rejection")
	}
}

func TestTaskStateTerminal(t *testing.T) {
	assert.True(t, stateSucceeded.terminal())
	assert.True(t, stateFailed.terminal())
	assert.False(t, statePending.terminal())
	assert.False(t, stateInFlight.terminal())
	assert.False(t, stateRetryPending.terminal())
}
