package orchestrator

import (
	"errors"
	"fmt"
)

var (
	ErrNoDocument   = errors.New("no document loaded")
	ErrJobInFlight  = errors.New("a job is already running for this document")
	ErrNotReady     = errors.New("not ready")
	ErrOutsideRoots = errors.New("path is not inside an export root")
)

// FatalRunError is a load-time failure that stops a run before any page is
// grouped.
type FatalRunError struct {
	Input string
	Err   error
}

func (e *FatalRunError) Error() string {
	return fmt.Sprintf("cannot load %s: %v", e.Input, e.Err)
}

func (e *FatalRunError) Unwrap() error { return e.Err }
