package core

// AggregateState derives a message state from its recipients. Precedence:
// any Pending, then any Processed, then all Failed, then all Delivered,
// otherwise Sent.
func AggregateState(recipients []State) State {
	if len(recipients) == 0 {
		return StatePending
	}

	allFailed, allDelivered := true, true
	anyProcessed := false
	for _, s := range recipients {
		switch s {
		case StatePending:
			return StatePending
		case StateProcessed:
			anyProcessed = true
		}
		if s != StateFailed {
			allFailed = false
		}
		if s != StateDelivered {
			allDelivered = false
		}
	}

	switch {
	case anyProcessed:
		return StateProcessed
	case allFailed:
		return StateFailed
	case allDelivered:
		return StateDelivered
	default:
		return StateSent
	}
}

var rank = map[State]int{
	StatePending:   0,
	StateProcessed: 1,
	StateSent:      2,
	StateDelivered: 3,
	StateFailed:    3,
}

func (s State) Valid() bool {
	_, ok := rank[s]
	return ok
}

// Terminal reports whether no further recipient transition is possible.
func (s State) Terminal() bool {
	return s == StateDelivered || s == StateFailed
}

// CanTransition is the guard applied to every recipient update: terminal
// states never move and a state never regresses, so late or reordered
// callbacks are harmless.
func CanTransition(from, to State) bool {
	if !from.Valid() || !to.Valid() || from.Terminal() || from == to {
		return false
	}
	return to == StateFailed || rank[to] > rank[from]
}

// allowedFrom lists the states a recipient may be in for a guarded move to
// next. It is the SQL form of CanTransition.
func allowedFrom(next State) []string {
	var out []string
	for _, s := range States {
		if CanTransition(s, next) {
			out = append(out, string(s))
		}
	}
	return out
}
