package execution

import (
	"fmt"

	"github.com/tathienbao/maker-exec/internal/types"
)

// State is the controller's position in the sell state machine.
type State int

const (
	StateIdle State = iota
	StatePlacing
	StateResting
	StateRepricing
	StateShrinking
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StatePlacing:
		return "PLACING"
	case StateResting:
		return "RESTING"
	case StateRepricing:
		return "REPRICING"
	case StateShrinking:
		return "SHRINKING"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// Outcome is how a terminated intent ended.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeFilled
	OutcomeCancelled
	OutcomeAborted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFilled:
		return "FILLED"
	case OutcomeCancelled:
		return "CANCELLED"
	case OutcomeAborted:
		return "ABORTED"
	default:
		return "NONE"
	}
}

// transitions lists the allowed moves out of each non-terminal state.
// Any state may move to TERMINATED.
var transitions = map[State][]State{
	StateIdle:      {StatePlacing},
	StatePlacing:   {StateResting, StateShrinking, StateIdle},
	StateResting:   {StateRepricing, StateIdle},
	StateRepricing: {StatePlacing, StateIdle},
	StateShrinking: {StatePlacing},
}

func canTransition(from, to State) error {
	if from == StateTerminated {
		return fmt.Errorf("%s -> %s: %w", from, to, types.ErrIntentTerminated)
	}
	if to == StateTerminated || from == to {
		return nil
	}
	for _, s := range transitions[from] {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("invalid transition %s -> %s", from, to)
}
