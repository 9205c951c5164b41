package serviceregistry

import (
	"errors"
	"fmt"
)

// ServiceUnavailableError means no service of the requested type is
// currently able to accept jobs. The dispatcher reacts by skipping further
// jobs with the same signature for the rest of the round.
type ServiceUnavailableError struct {
	JobType string
}

func (e *ServiceUnavailableError) Error() string {
	return fmt.Sprintf("no service of type %q available", e.JobType)
}

// IsServiceUnavailable reports whether err is a ServiceUnavailableError.
func IsServiceUnavailable(err error) bool {
	var unavailable *ServiceUnavailableError
	return errors.As(err, &unavailable)
}

// UndispatchableJobError means one specific job cannot be dispatched right
// now: another registry claimed it, a worker rejected it permanently, or
// every candidate refused it.
type UndispatchableJobError struct {
	JobID  int64
	Reason string
}

func (e *UndispatchableJobError) Error() string {
	return fmt.Sprintf("job %d is undispatchable: %s", e.JobID, e.Reason)
}

// IsUndispatchableJob reports whether err is an UndispatchableJobError.
func IsUndispatchableJob(err error) bool {
	var undispatchable *UndispatchableJobError
	return errors.As(err, &undispatchable)
}
