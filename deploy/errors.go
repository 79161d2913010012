package deploy

import (
	"errors"
	"fmt"
)

// ErrDeploymentInProgress rejects a request whose (host, service) pair is
// already being deployed. The caller should re-trigger later; requests are
// never queued.
var ErrDeploymentInProgress = errors.New("deployment already in progress")

// ErrInvalidRequest rejects a request that fails validation before any work
// is attempted.
var ErrInvalidRequest = errors.New("invalid deployment request")

// StageError tags a failure with the state-machine stage it occurred in.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// RollbackError is the one fatal outcome: a failure after activation whose
// rollback also failed. Both errors are carried so neither is lost.
type RollbackError struct {
	Cause       error // the activation or verification failure that triggered rollback
	RollbackErr error // what went wrong restoring the previous version
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("%v; rollback also failed: %v", e.Cause, e.RollbackErr)
}

func (e *RollbackError) Unwrap() error { return e.Cause }
