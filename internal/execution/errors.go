package execution

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// IntentError is returned for an intent that did not fill. It carries the
// last known fill progress.
type IntentError struct {
	IntentID    string
	Outcome     Outcome
	FilledTotal decimal.Decimal
	Remaining   decimal.Decimal
	Err         error
}

func (e *IntentError) Error() string {
	return fmt.Sprintf("sell intent %s %s (filled %s, remaining %s): %v",
		e.IntentID, e.Outcome, e.FilledTotal, e.Remaining, e.Err)
}

func (e *IntentError) Unwrap() error { return e.Err }
