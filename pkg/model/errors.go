package model

import (
	"errors"
	"fmt"
)

var ErrDuplicateUUID = errors.New("process model with this uuid already exists")

// ValidationError is returned for a model that does not form a valid process graph.
type ValidationError struct {
	Model string
	Node  string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Node == "" {
		return fmt.Sprintf("invalid process model %q: %s", e.Model, e.Msg)
	}
	return fmt.Sprintf("invalid process model %q: node %q: %s", e.Model, e.Node, e.Msg)
}
