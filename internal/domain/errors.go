// Package domain provides shared domain-level sentinel errors.
package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates the request collides with the current state of a resource.
var ErrConflict = errors.New("conflict")

// ErrValidation indicates invalid input that should be reported as a client error.
var ErrValidation = errors.New("validation error")

// ErrAlreadyRunning indicates a project already has a pending or running run.
// It wraps ErrConflict so transport layers can map both the same way.
var ErrAlreadyRunning = fmt.Errorf("run already active: %w", ErrConflict)

// ErrCancelled marks a run that stopped because cancellation was requested.
// It is a terminal outcome, not a fault.
var ErrCancelled = errors.New("cancelled")
