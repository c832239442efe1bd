// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package engine

import (
	"fmt"
)

type EngineError struct {
	Msg string
}

func (e *EngineError) Error() string {
	return e.Msg
}

// newEngineErrorf uses fmt.Sprintf(format, a...) to format the message
func newEngineErrorf(format string, a ...interface{}) error {
	return &EngineError{
		Msg: fmt.Sprintf(format, a...),
	}
}

// MessagingError is a failed hand off of a task to the message service.
// The node instance stays undispatched and is retried by the next tickle.
type MessagingError struct {
	Task Task
	Err  error
}

func (e *MessagingError) Error() string {
	return fmt.Sprintf("failed to dispatch task %q of node instance %s: %s", e.Task.NodeID, e.Task.NodeInstance, e.Err)
}

func (e *MessagingError) Unwrap() error {
	return e.Err
}
