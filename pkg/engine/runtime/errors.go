package runtime

import "fmt"

// IllegalStateTransitionError is returned when a requested state change is not reachable
// from the current state. The entity is left unchanged.
type IllegalStateTransitionError struct {
	Entity string
	Key    int64
	From   string
	Event  string
}

func (e *IllegalStateTransitionError) Error() string {
	return fmt.Sprintf("illegal state transition of %s %d: %s from state %s", e.Entity, e.Key, e.Event, e.From)
}
