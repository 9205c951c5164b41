package model

// Status describes where a job is in its lifecycle. The numeric values are
// part of the wire format exchanged with remote job producers and must not
// be reordered.
type Status int

const (
	// StatusInstantiated means the job has been created but is not yet queued.
	StatusInstantiated Status = iota
	// StatusQueued means the job is waiting to be picked up by the dispatcher.
	StatusQueued
	// StatusDispatching means the dispatcher has claimed the job and is
	// handing it to a remote service.
	StatusDispatching
	// StatusRunning means a job producer is executing the job.
	StatusRunning
	// StatusWaiting means the job is blocked on another job.
	StatusWaiting
	// StatusPaused means the job has been suspended by its owner.
	StatusPaused
	// StatusFinished means the job completed successfully.
	StatusFinished
	// StatusFailed means the job completed with an error.
	StatusFailed
	// StatusCanceled means the job was aborted before completion.
	StatusCanceled
	// StatusRestart means the job lost its processor and must be queued again.
	StatusRestart
)

var statusNames = map[Status]string{
	StatusInstantiated: "INSTANTIATED",
	StatusQueued:       "QUEUED",
	StatusDispatching:  "DISPATCHING",
	StatusRunning:      "RUNNING",
	StatusWaiting:      "WAITING",
	StatusPaused:       "PAUSED",
	StatusFinished:     "FINISHED",
	StatusFailed:       "FAILED",
	StatusCanceled:     "CANCELED",
	StatusRestart:      "RESTART",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// Terminal reports whether no further transitions are possible from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusFinished, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// StatusesInfluencingLoadBalancing lists the statuses in which a job
// contributes its load to the host of its processor service.
var StatusesInfluencingLoadBalancing = []Status{
	StatusQueued,
	StatusDispatching,
	StatusRunning,
	StatusWaiting,
}

// InfluencesLoadBalancing reports whether a job in status s counts toward
// its processor host's load.
func (s Status) InfluencesLoadBalancing() bool {
	for _, other := range StatusesInfluencingLoadBalancing {
		if s == other {
			return true
		}
	}
	return false
}

// FailureReason qualifies a FAILED status.
type FailureReason string

const (
	// FailureReasonNone is the zero reason.
	FailureReasonNone FailureReason = ""
	// FailureReasonData marks failures caused by unrecoverable input data
	// rather than by the processing service itself.
	FailureReasonData FailureReason = "DATA"
)
