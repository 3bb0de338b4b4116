package runs

import (
	"errors"
	"fmt"
)

// InvalidTransitionError reports a status change the state machine forbids.
type InvalidTransitionError struct {
	Current   RunStatus
	Requested RunStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s", e.Current, e.Requested)
}

// AsInvalidTransition unwraps err into an *InvalidTransitionError when possible.
func AsInvalidTransition(err error) (*InvalidTransitionError, bool) {
	var it *InvalidTransitionError
	if errors.As(err, &it) {
		return it, true
	}
	return nil, false
}
