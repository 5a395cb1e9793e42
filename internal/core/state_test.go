package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAggregateState_Precedence(t *testing.T) {
	cases := []struct {
		in   []State
		want State
	}{
		{nil, StatePending},
		{[]State{StatePending, StateDelivered}, StatePending},
		{[]State{StateProcessed, StateFailed}, StateProcessed},
		{[]State{StateSent, StateProcessed, StateDelivered}, StateProcessed},
		{[]State{StateFailed, StateFailed}, StateFailed},
		{[]State{StateDelivered, StateDelivered}, StateDelivered},
		{[]State{StateDelivered, StateFailed}, StateSent},
		{[]State{StateSent, StateDelivered}, StateSent},
		{[]State{StateSent}, StateSent},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, AggregateState(tc.in), "%v", tc.in)
	}
}

// every combination of up to four recipients
func TestAggregateState_AllCombinations(t *testing.T) {
	var walk func(prefix []State, depth int)
	walk = func(prefix []State, depth int) {
		if len(prefix) > 0 {
			got := AggregateState(prefix)
			require.Equal(t, reference(prefix), got, "%v", prefix)
		}
		if depth == 0 {
			return
		}
		for _, s := range States {
			walk(append(append([]State(nil), prefix...), s), depth-1)
		}
	}
	walk(nil, 4)
}

func reference(states []State) State {
	count := map[State]int{}
	for _, s := range states {
		count[s]++
	}
	switch {
	case count[StatePending] > 0:
		return StatePending
	case count[StateProcessed] > 0:
		return StateProcessed
	case count[StateFailed] == len(states):
		return StateFailed
	case count[StateDelivered] == len(states):
		return StateDelivered
	}
	return StateSent
}

func TestCanTransition(t *testing.T) {
	require.True(t, CanTransition(StatePending, StateProcessed))
	require.True(t, CanTransition(StatePending, StateSent))
	require.True(t, CanTransition(StateProcessed, StateDelivered))
	require.True(t, CanTransition(StateSent, StateFailed))
	require.True(t, CanTransition(StateProcessed, StateFailed))

	require.False(t, CanTransition(StateSent, StateProcessed))
	require.False(t, CanTransition(StateFailed, StateDelivered))
	require.False(t, CanTransition(StateDelivered, StateFailed))
	require.False(t, CanTransition(StateSent, StateSent))
	require.False(t, CanTransition(StateSent, StatePending))
	require.False(t, CanTransition("Bogus", StateSent))

	for _, from := range States {
		for _, to := range States {
			if from.Terminal() {
				require.False(t, CanTransition(from, to), "%s -> %s", from, to)
			}
		}
	}
}

func TestAllowedFrom(t *testing.T) {
	require.ElementsMatch(t, []string{"Pending", "Processed"}, allowedFrom(StateSent))
	require.ElementsMatch(t, []string{"Pending", "Processed", "Sent"}, allowedFrom(StateFailed))
	require.ElementsMatch(t, []string{"Pending", "Processed", "Sent"}, allowedFrom(StateDelivered))
	require.Empty(t, allowedFrom(StatePending))
}
