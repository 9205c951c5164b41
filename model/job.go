package model

import (
	"hash/fnv"
	"time"
)

// Job is a unit of long running work owned by a job producer service.
type Job struct {
	ID        int64
	JobType   string
	Operation string
	Arguments []string
	Payload   string

	// Version is the optimistic locking counter maintained by the store.
	Version int64

	Status        Status
	FailureReason FailureReason

	// Dispatchable jobs have their execution host selected by the
	// dispatcher. Non-dispatchable jobs are pinned to the service that
	// created them.
	Dispatchable bool

	// JobLoad is the cost of the job toward a host's maximum load.
	JobLoad float32

	Creator      string
	Organization string

	ParentID *int64
	RootID   *int64

	// ProcessorService is the service executing the job, nil until one has
	// been selected. CreatorService is the service that submitted it. Both
	// are snapshots resolved by the store; rows reference services by id.
	ProcessorService *ServiceRegistration
	CreatorService   *ServiceRegistration

	DateCreated   time.Time
	DateStarted   *time.Time
	DateCompleted *time.Time

	// QueueTime and RunTime are derived durations in milliseconds.
	QueueTime int64
	RunTime   int64

	BlockingJobID *int64
	BlockedJobIDs []int64

	// URI is the externally visible address of the job resource.
	URI string
}

// ProcessingHost returns the base URL of the host executing the job, or the
// empty string if no processor has been assigned.
func (j *Job) ProcessingHost() string {
	if j.ProcessorService == nil {
		return ""
	}
	return j.ProcessorService.Host
}

// Signature identifies the computational intent of a job. Jobs with equal
// signatures are expected to succeed or fail identically, no matter which
// host executes them.
func (j *Job) Signature() int64 {
	h := fnv.New64a()
	h.Write([]byte(j.JobType))
	h.Write([]byte{0})
	h.Write([]byte(j.Operation))
	for _, arg := range j.Arguments {
		h.Write([]byte{0})
		h.Write([]byte(arg))
	}
	return int64(h.Sum64())
}

// Copy returns a deep copy of the job.
func (j *Job) Copy() *Job {
	dup := *j
	dup.Arguments = append([]string(nil), j.Arguments...)
	dup.BlockedJobIDs = append([]int64(nil), j.BlockedJobIDs...)
	if j.ParentID != nil {
		id := *j.ParentID
		dup.ParentID = &id
	}
	if j.RootID != nil {
		id := *j.RootID
		dup.RootID = &id
	}
	if j.BlockingJobID != nil {
		id := *j.BlockingJobID
		dup.BlockingJobID = &id
	}
	if j.DateStarted != nil {
		t := *j.DateStarted
		dup.DateStarted = &t
	}
	if j.DateCompleted != nil {
		t := *j.DateCompleted
		dup.DateCompleted = &t
	}
	if j.ProcessorService != nil {
		svc := *j.ProcessorService
		dup.ProcessorService = &svc
	}
	if j.CreatorService != nil {
		svc := *j.CreatorService
		dup.CreatorService = &svc
	}
	return &dup
}
