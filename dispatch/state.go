package dispatch

// State is the phase a parallel_for call is in.
type State int

const (
	StateResolving State = iota
	StateDispatching
	StateAwaitingCompletion
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateResolving:
		return "resolving"
	case StateDispatching:
		return "dispatching"
	case StateAwaitingCompletion:
		return "awaiting_completion"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can follow s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}
