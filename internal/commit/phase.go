package commit

import "fmt"

// Phase is the commit state machine position for the batch in flight.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseWALAppended
	PhaseStateWriting
	PhaseCommitted
	PhaseRolledBack
)

// String implements fmt.Stringer.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhaseWALAppended:
		return "WAL_APPENDED"
	case PhaseStateWriting:
		return "STATE_WRITING"
	case PhaseCommitted:
		return "COMMITTED"
	case PhaseRolledBack:
		return "ROLLED_BACK"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// transitions lists the legal moves. Terminal phases return to IDLE when
// the next batch starts.
var transitions = map[Phase][]Phase{
	PhaseIdle:         {PhaseWALAppended},
	PhaseWALAppended:  {PhaseStateWriting, PhaseRolledBack},
	PhaseStateWriting: {PhaseCommitted, PhaseRolledBack},
	PhaseCommitted:    {PhaseIdle},
	PhaseRolledBack:   {PhaseIdle},
}

func (p Phase) canMoveTo(next Phase) bool {
	for _, allowed := range transitions[p] {
		if allowed == next {
			return true
		}
	}
	return false
}
