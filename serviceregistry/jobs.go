package serviceregistry

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/davids-j/opencast/model"
	"github.com/davids-j/opencast/storage"
)

// JobCreation describes a new job. Host defaults to the local host, Parent
// to the current job attached to the context, JobLoad to 1.0.
type JobCreation struct {
	Host         string
	JobType      string
	Operation    string
	Arguments    []string
	Payload      string
	Dispatchable bool
	Parent       *model.Job
	JobLoad      float32
}

// CreateJob creates a new job owned by the (JobType, Host) service.
// Dispatchable jobs start QUEUED without a processor; non-dispatchable
// jobs start INSTANTIATED pinned to the creating service.
func (r *Registry) CreateJob(ctx context.Context, req JobCreation) (*model.Job, error) {
	job, err := r.createJob(ctx, req)
	if err != nil {
		r.metrics.JobCreateFail.Inc(1)
		return nil, err
	}
	r.metrics.JobCreate.Inc(1)
	return job, nil
}

func (r *Registry) createJob(ctx context.Context, req JobCreation) (*model.Job, error) {
	host := req.Host
	if host == "" {
		host = r.hostName
	}
	if req.JobType == "" {
		return nil, errors.New("service type can't be empty")
	}
	if req.Operation == "" {
		return nil, errors.New("operation can't be empty")
	}
	jobLoad := req.JobLoad
	if jobLoad <= 0 {
		jobLoad = 1.0
	}

	creatingService, err := r.store.GetService(ctx, req.JobType, host)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, errors.Errorf(
				"no service registration exists for type %q on host %q", req.JobType, host)
		}
		return nil, errors.Wrapf(err, "looking up service %s on %s", req.JobType, host)
	}

	if hostReg, err := r.store.GetHost(ctx, creatingService.Host); err == nil {
		if hostReg.MaintenanceMode {
			log.WithField("host", creatingService.Host).
				Warn("Creating a job from a host currently in maintenance mode")
		} else if !hostReg.Active {
			log.WithField("host", creatingService.Host).
				Warn("Creating a job from a host currently inactive")
		}
	}

	job := &model.Job{
		JobType:        req.JobType,
		Operation:      req.Operation,
		Arguments:      req.Arguments,
		Payload:        req.Payload,
		Dispatchable:   req.Dispatchable,
		JobLoad:        jobLoad,
		Creator:        CurrentUser(ctx),
		Organization:   CurrentOrganization(ctx),
		CreatorService: creatingService,
		DateCreated:    time.Now(),
	}

	parent := req.Parent
	if parent == nil {
		parent = CurrentJob(ctx)
	}
	if parent != nil {
		// Bind against the persisted parent row, not the caller's copy.
		persistedParent, err := r.store.GetJob(ctx, parent.ID)
		if err != nil {
			return nil, errors.Wrapf(err, "parent job %d not found", parent.ID)
		}
		job.ParentID = &persistedParent.ID
		if persistedParent.RootID == nil {
			job.RootID = &persistedParent.ID
		} else {
			root, err := r.store.GetJob(ctx, *persistedParent.RootID)
			if err != nil {
				return nil, errors.Wrapf(err, "root job %d not found", *persistedParent.RootID)
			}
			job.RootID = &root.ID
		}
	}

	// A job that is not dispatchable must be handled by the service that
	// created it.
	if req.Dispatchable {
		job.Status = model.StatusQueued
	} else {
		job.Status = model.StatusInstantiated
		job.ProcessorService = creatingService
	}

	if err := r.store.CreateJob(ctx, job); err != nil {
		return nil, errors.Wrap(err, "persisting job")
	}
	r.setJobURI(job)
	return job, nil
}

// GetJob loads one job by id.
func (r *Registry) GetJob(ctx context.Context, id int64) (*model.Job, error) {
	job, err := r.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	r.setJobURI(job)
	return job, nil
}

// GetJobs returns jobs filtered by type and/or status; empty type and nil
// status mean "any".
func (r *Registry) GetJobs(ctx context.Context, serviceType string, status *model.Status) ([]*model.Job, error) {
	jobs, err := r.store.GetJobs(ctx, serviceType, status)
	if err != nil {
		return nil, err
	}
	for _, job := range jobs {
		r.setJobURI(job)
	}
	return jobs, nil
}

// GetChildJobs returns all descendants of a job, ordered by creation date.
func (r *Registry) GetChildJobs(ctx context.Context, id int64) ([]*model.Job, error) {
	jobs, err := r.store.GetRootJobs(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(err, "listing jobs rooted at %d", id)
	}
	if len(jobs) == 0 {
		// The job is not a root; walk the parent links instead.
		if jobs, err = r.collectDescendants(ctx, id); err != nil {
			return nil, err
		}
		sort.SliceStable(jobs, func(i, j int) bool {
			return jobs[i].DateCreated.Before(jobs[j].DateCreated)
		})
	}
	for _, job := range jobs {
		r.setJobURI(job)
	}
	return jobs, nil
}

func (r *Registry) collectDescendants(ctx context.Context, id int64) ([]*model.Job, error) {
	children, err := r.store.GetChildJobs(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(err, "listing children of job %d", id)
	}
	jobs := append([]*model.Job(nil), children...)
	for _, child := range children {
		descendants, err := r.collectDescendants(ctx, child.ID)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, descendants...)
	}
	return jobs, nil
}

// UpdateJob merges the given job state into the persisted row, applying
// the queue and run time bookkeeping. A version conflict with a concurrent
// writer surfaces as an UndispatchableJobError.
func (r *Registry) UpdateJob(ctx context.Context, job *model.Job) (*model.Job, error) {
	updated, err := r.updateJob(ctx, job, job.ProcessingHost())
	if err != nil {
		r.metrics.JobUpdateFail.Inc(1)
		return nil, err
	}
	r.metrics.JobUpdate.Inc(1)
	return updated, nil
}

func (r *Registry) updateJob(ctx context.Context, job *model.Job, processingHost string) (*model.Job, error) {
	stored, err := r.store.GetJob(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	oldStatus := stored.Status

	merged := mergeJob(stored, job)
	if processingHost != "" {
		processor, err := r.store.GetService(ctx, job.JobType, processingHost)
		if err != nil && !storage.IsNotFound(err) {
			return nil, errors.Wrapf(err, "looking up processor of job %d", job.ID)
		}
		merged.ProcessorService = processor
	}

	if err := r.store.UpdateJob(ctx, merged); err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			return nil, &UndispatchableJobError{
				JobID:  job.ID,
				Reason: "already being dispatched by another service registry",
			}
		}
		return nil, errors.Wrapf(err, "updating job %d", job.ID)
	}
	r.setJobURI(merged)

	// Workflow jobs are scheduled by the workflow service itself and are
	// kept out of the failover bookkeeping.
	if oldStatus != merged.Status && merged.JobType != TypeWorkflow {
		if err := r.updateServiceForFailover(ctx, merged); err != nil {
			log.WithField("job", merged.ID).WithError(err).
				Warn("Unable to update service state for failover")
		}
	}
	return merged, nil
}

// mergeJob folds the caller supplied job state into the stored row and
// applies the timestamp rules: dateStarted is stamped when RUNNING is
// first entered, queueTime and runTime are derived on start and
// completion.
func mergeJob(stored, job *model.Job) *model.Job {
	now := time.Now()

	merged := stored.Copy()
	merged.Operation = job.Operation
	merged.Arguments = append([]string(nil), job.Arguments...)
	merged.Payload = job.Payload
	merged.Status = job.Status
	merged.FailureReason = job.FailureReason
	merged.Dispatchable = job.Dispatchable
	merged.Version = job.Version
	merged.BlockingJobID = job.BlockingJobID
	merged.BlockedJobIDs = append([]int64(nil), job.BlockedJobIDs...)
	merged.ProcessorService = job.ProcessorService

	if merged.DateCreated.IsZero() {
		merged.DateCreated = now
	}

	switch job.Status {
	case model.StatusRunning:
		if stored.Status != model.StatusWaiting && stored.Status != model.StatusRunning {
			started := now
			merged.DateStarted = &started
			merged.QueueTime = now.Sub(merged.DateCreated).Milliseconds()
		}
	case model.StatusFailed:
		// Failed jobs may not have even started properly.
		completed := now
		merged.DateCompleted = &completed
		if merged.DateStarted != nil {
			merged.RunTime = now.Sub(*merged.DateStarted).Milliseconds()
		}
	case model.StatusFinished:
		if merged.DateStarted == nil {
			// Services that bypass dispatching and handle their own
			// lifecycle never report RUNNING; count queue time as zero.
			started := merged.DateCreated
			merged.DateStarted = &started
		}
		completed := now
		merged.DateCompleted = &completed
		merged.RunTime = now.Sub(*merged.DateStarted).Milliseconds()
	}
	return merged
}

// RemoveJob deletes a job and all of its descendants.
func (r *Registry) RemoveJob(ctx context.Context, id int64) error {
	if err := r.removeJob(ctx, id); err != nil {
		r.metrics.JobRemoveFail.Inc(1)
		return err
	}
	r.metrics.JobRemove.Inc(1)
	return nil
}

func (r *Registry) removeJob(ctx context.Context, id int64) error {
	if id < 1 {
		return storage.NewNotFound("job", id)
	}
	if _, err := r.store.GetJob(ctx, id); err != nil {
		return err
	}

	children, err := r.GetChildJobs(ctx, id)
	if err != nil {
		return err
	}

	// Deepest first, then the job itself, all in one transaction.
	ids := make([]int64, 0, len(children)+1)
	for i := len(children) - 1; i >= 0; i-- {
		ids = append(ids, children[i].ID)
	}
	ids = append(ids, id)
	if err := r.store.DeleteJobs(ctx, ids); err != nil {
		return errors.Wrapf(err, "deleting job %d", id)
	}
	log.WithField("job", id).Debug("Job deleted")
	return nil
}

// RemoveParentlessJobs deletes all top-level jobs older than the given
// lifetime in days that have reached a terminal status. Workflow instances
// and operations are never removed.
func (r *Registry) RemoveParentlessJobs(ctx context.Context, lifetime int) error {
	cutoff := time.Now().AddDate(0, 0, -lifetime)

	jobs, err := r.store.GetParentlessJobs(ctx)
	if err != nil {
		return errors.Wrap(err, "listing parentless jobs")
	}

	count := 0
	for _, job := range jobs {
		if job.DateCreated.After(cutoff) {
			continue
		}
		// Never delete workflow instances and operations.
		switch job.Operation {
		case StartOperation, StartWorkflow, Resume:
			continue
		}
		if !job.Status.Terminal() {
			continue
		}
		if err := r.removeJob(ctx, job.ID); err != nil {
			if storage.IsNotFound(err) {
				log.WithField("job", job.ID).Debug("Parentless job already gone")
				continue
			}
			return err
		}
		count++
	}

	if count > 0 {
		log.Infof("Removed %d parentless jobs", count)
	} else {
		log.Info("No parentless jobs found to remove")
	}
	return nil
}

// Count counts jobs of a type and/or status.
func (r *Registry) Count(ctx context.Context, serviceType string, status *model.Status) (int64, error) {
	return r.store.CountJobs(ctx, serviceType, status)
}

// CountByHost counts jobs of a type and status processed on one host.
func (r *Registry) CountByHost(ctx context.Context, serviceType, host string, status model.Status) (int64, error) {
	return r.store.CountJobsByHost(ctx, serviceType, host, status)
}

// CountByOperation counts jobs of a type, operation and status.
func (r *Registry) CountByOperation(ctx context.Context, serviceType, operation string, status model.Status) (int64, error) {
	return r.store.CountJobsByOperation(ctx, serviceType, operation, status)
}

// CountByHostAndOperation counts jobs of a type, host, operation and
// status. All parameters are required.
func (r *Registry) CountByHostAndOperation(ctx context.Context, serviceType, host, operation string, status model.Status) (int64, error) {
	if serviceType == "" || host == "" || operation == "" {
		return 0, errors.New("service type, host and operation must be provided")
	}
	return r.store.CountJobsFull(ctx, serviceType, host, operation, status)
}

func (r *Registry) setJobURI(job *model.Job) {
	job.URI = fmt.Sprintf("%s/services/job/%d.xml", r.jobHost, job.ID)
}
