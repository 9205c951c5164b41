package model

import "time"

// ServiceState captures the health of a service as derived from the
// outcomes of the jobs it processes.
type ServiceState int

const (
	// ServiceStateNormal is the healthy state.
	ServiceStateNormal ServiceState = iota
	// ServiceStateWarning means at least one job signature failed on the
	// service and the failure has not been attributed elsewhere.
	ServiceStateWarning
	// ServiceStateError means the service is considered broken and is
	// excluded from dispatching until it recovers or is sanitized.
	ServiceStateError
)

var serviceStateNames = map[ServiceState]string{
	ServiceStateNormal:  "NORMAL",
	ServiceStateWarning: "WARNING",
	ServiceStateError:   "ERROR",
}

func (s ServiceState) String() string {
	if name, ok := serviceStateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// ServiceRegistration records one service implementation published by a
// host. Services are identified by the (service type, host) pair and belong
// to exactly one host registration.
type ServiceRegistration struct {
	ID int64

	ServiceType string
	Host        string

	// Path is the relative URL under which the service accepts dispatch
	// requests on its host.
	Path string

	Online bool
	Active bool

	// JobProducer marks services that own the execution of jobs of their
	// type, as opposed to services that merely submit them.
	JobProducer bool

	ServiceState ServiceState
	StateChanged time.Time

	// WarningStateTrigger and ErrorStateTrigger hold the signature of the
	// job that caused the respective state transitions.
	WarningStateTrigger int64
	ErrorStateTrigger   int64
}

// SetState transitions the service into the given state, records the time
// of the change and updates the trigger signature belonging to the state.
func (s *ServiceRegistration) SetState(state ServiceState, triggerSignature int64) {
	s.ServiceState = state
	s.StateChanged = time.Now()
	switch state {
	case ServiceStateWarning:
		s.WarningStateTrigger = triggerSignature
	case ServiceStateError:
		s.ErrorStateTrigger = triggerSignature
	}
}
