package execution

import (
	"errors"
	"testing"

	"github.com/tathienbao/maker-exec/internal/types"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StateIdle, StatePlacing, true},
		{StateIdle, StateResting, false},
		{StatePlacing, StateResting, true},
		{StatePlacing, StateShrinking, true},
		{StatePlacing, StateIdle, true},
		{StatePlacing, StateRepricing, false},
		{StateResting, StateRepricing, true},
		{StateResting, StateIdle, true},
		{StateResting, StatePlacing, false},
		{StateRepricing, StatePlacing, true},
		{StateShrinking, StatePlacing, true},
		{StateShrinking, StateResting, false},
		{StateResting, StateTerminated, true},
		{StateShrinking, StateTerminated, true},
		{StateTerminated, StateIdle, false},
		{StateTerminated, StateTerminated, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			err := canTransition(tt.from, tt.to)
			if (err == nil) != tt.ok {
				t.Errorf("canTransition() error = %v, want ok=%v", err, tt.ok)
			}
			if tt.from == StateTerminated && !errors.Is(err, types.ErrIntentTerminated) {
				t.Errorf("error = %v, want ErrIntentTerminated", err)
			}
		})
	}
}

func TestStateAndOutcomeStrings(t *testing.T) {
	states := map[State]string{
		StateIdle:       "IDLE",
		StatePlacing:    "PLACING",
		StateResting:    "RESTING",
		StateRepricing:  "REPRICING",
		StateShrinking:  "SHRINKING",
		StateTerminated: "TERMINATED",
		State(99):       "UNKNOWN",
	}
	for s, want := range states {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %s, want %s", s, got, want)
		}
	}

	outcomes := map[Outcome]string{
		OutcomeNone:      "NONE",
		OutcomeFilled:    "FILLED",
		OutcomeCancelled: "CANCELLED",
		OutcomeAborted:   "ABORTED",
	}
	for o, want := range outcomes {
		if got := o.String(); got != want {
			t.Errorf("Outcome(%d).String() = %s, want %s", o, got, want)
		}
	}
}

func TestIntentError(t *testing.T) {
	err := &IntentError{
		IntentID:    "abc",
		Outcome:     OutcomeAborted,
		FilledTotal: d("20"),
		Remaining:   d("30"),
		Err:         types.ErrSizeExhausted,
	}
	if !errors.Is(err, types.ErrSizeExhausted) {
		t.Error("IntentError does not unwrap")
	}
	want := "sell intent abc ABORTED (filled 20, remaining 30): " + types.ErrSizeExhausted.Error()
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
