package serviceregistry

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/davids-j/opencast/common/stringset"
	"github.com/davids-j/opencast/model"
	"github.com/davids-j/opencast/storage"
)

// dispatcher periodically drains QUEUED and RESTART jobs and hands each to
// the least loaded service able to process it.
type dispatcher struct {
	registry *Registry
}

func newDispatcher(r *Registry) *dispatcher {
	return &dispatcher{registry: r}
}

// signature identifies the (type, operation) class of a job within one
// dispatch round.
func signature(job *model.Job) string {
	return job.JobType + "@" + job.Operation
}

// byDispatchPriority orders dispatchable jobs: restarted jobs first, then
// regular jobs before workflow jobs, ties broken by creation date.
func byDispatchPriority(jobs []*model.Job) func(i, j int) bool {
	return func(i, j int) bool {
		jobA, jobB := jobs[i], jobs[j]

		// Jobs in restart mode are handled first.
		restartA := jobA.Status == model.StatusRestart
		restartB := jobB.Status == model.StatusRestart
		if restartA != restartB {
			return restartA
		}

		// Regular jobs are processed prior to workflow jobs.
		workflowA := jobA.JobType == TypeWorkflow
		workflowB := jobB.JobType == TypeWorkflow
		if workflowA != workflowB {
			return workflowB
		}

		return jobA.DateCreated.Before(jobB.DateCreated)
	}
}

// run executes one dispatch round. Transient errors are logged and never
// abort the round: the periodic task must not die.
func (d *dispatcher) run(ctx context.Context) {
	r := d.registry
	r.metrics.DispatchRounds.Inc(1)
	defer r.metrics.DispatchDuration.Start().Stop()

	jobs, err := r.store.GetJobsByStatus(ctx, model.StatusQueued, model.StatusRestart)
	if err != nil {
		log.WithError(err).Warn("Error loading dispatchable jobs")
		return
	}

	if r.settings.CollectJobStats {
		r.updateJobStatistics(ctx)
	}

	sort.SliceStable(jobs, byDispatchPriority(jobs))

	// Signatures that proved undispatchable stay skipped for the rest of
	// this round only.
	undispatchable := stringset.New()

	for _, job := range jobs {
		if undispatchable.Contains(signature(job)) {
			log.WithField("job", job.ID).WithField("type", job.JobType).
				Debug("Skipping job with known undispatchable signature for this round")
			r.metrics.DispatchSkipped.Inc(1)
			continue
		}

		organization, err := r.orgs.GetOrganization(ctx, job.Organization)
		if err != nil {
			log.WithField("organization", job.Organization).
				Debug("Skipping job of unresolvable organization")
			continue
		}
		user, err := r.users.LoadUser(ctx, job.Creator)
		if err != nil || user == nil {
			log.WithField("job", job.ID).WithField("creator", job.Creator).
				Warn("Unable to dispatch job, creator is not available")
			continue
		}
		jobCtx := WithOrganization(WithUser(ctx, user.Username), organization.ID)

		if err := d.dispatchOne(jobCtx, job, undispatchable); err != nil {
			log.WithField("job", job.ID).WithError(err).
				Error("Error dispatching job")
		}
	}
}

// dispatchOne selects the candidate services for one job and tries to hand
// it off. Undispatchable outcomes are absorbed; unexpected errors are
// returned for logging.
func (d *dispatcher) dispatchOne(ctx context.Context, job *model.Job, undispatchable *stringset.StringSet) error {
	r := d.registry

	systemLoad, err := r.HostLoads(ctx, true)
	if err != nil {
		return err
	}
	services, err := r.store.GetServices(ctx)
	if err != nil {
		return err
	}
	hosts, err := r.store.GetHosts(ctx)
	if err != nil {
		return err
	}

	var parent *model.Job
	if job.ParentID != nil {
		if parent, err = r.store.GetJob(ctx, *job.ParentID); err != nil {
			if !storage.IsNotFound(err) {
				return err
			}
			parent = nil
		}
	}

	// Roots, workflow jobs and jobs whose parent already has a running child
	// only go to hosts with capacity left; other children are placed by
	// load alone, even on hosts that are already at their maximum load.
	parentHasRunningChildren := false
	if parent != nil {
		children, err := r.GetChildJobs(ctx, parent.ID)
		if err != nil {
			return err
		}
		for _, child := range children {
			if child.Status == model.StatusRunning {
				parentHasRunningChildren = true
				break
			}
		}
	}

	var candidates []*model.ServiceRegistration
	if parent == nil || job.JobType == TypeWorkflow || parentHasRunningChildren {
		candidates = serviceRegistrationsWithCapacity(job.JobType, services, hosts, systemLoad)
	} else {
		candidates = serviceRegistrationsByLoad(job.JobType, services, hosts, systemLoad)
	}

	acceptingHost, err := d.dispatchJob(ctx, job, candidates)
	switch {
	case IsServiceUnavailable(err):
		log.WithField("type", job.JobType).WithField("operation", job.Operation).
			Debug("Jobs of this type currently cannot be dispatched")
		// Workflow jobs are never marked undispatchable so that workflow
		// operations keep being retried.
		if job.JobType != TypeWorkflow {
			undispatchable.Add(signature(job))
		}
		r.metrics.DispatchFail.Inc(1)
		return nil
	case IsUndispatchableJob(err):
		log.WithField("job", job.ID).Debug("Job currently cannot be dispatched")
		r.metrics.DispatchFail.Inc(1)
		return nil
	case err != nil:
		r.metrics.DispatchFail.Inc(1)
		return err
	}

	log.WithField("job", job.ID).WithField("host", acceptingHost).
		Debug("Job dispatched")
	systemLoad.Add(acceptingHost, job.JobLoad)
	r.metrics.DispatchSuccess.Inc(1)
	return nil
}

// dispatchJob hands the job to the first of the candidate services that
// accepts it. It returns the accepting host, a ServiceUnavailableError
// when the candidate list is empty, or an UndispatchableJobError when the
// job cannot be placed right now.
func (d *dispatcher) dispatchJob(ctx context.Context, job *model.Job, services []*model.ServiceRegistration) (string, error) {
	r := d.registry

	if len(services) == 0 {
		log.WithField("type", job.JobType).
			Debug("No service is currently available to handle jobs of this type")
		return "", &ServiceUnavailableError{JobType: job.JobType}
	}

	job.Status = model.StatusDispatching
	triedDispatching := false

	for _, registration := range services {
		job.ProcessorService = registration

		updated, err := r.updateJob(ctx, job, registration.Host)
		if err != nil {
			// The optimistic lock was lost: another registry instance is
			// already dispatching this job.
			log.WithField("job", job.ID).
				Debug("Unable to claim job, it is likely being dispatched by another registry")
			return "", &UndispatchableJobError{JobID: job.ID, Reason: "already being dispatched"}
		}
		job = updated
		triedDispatching = true

		jobXML, marshalErr := model.MarshalJobXML(job)
		if marshalErr != nil {
			log.WithField("job", job.ID).WithError(marshalErr).Warn("Job serialization error")
			job.Status = model.StatusFailed
			job.ProcessorService = nil
			if failed, err := r.updateJob(ctx, job, ""); err != nil {
				log.WithField("job", job.ID).WithError(err).Error("Unable to fail unserializable job")
			} else {
				job = failed
			}
			return "", errors.Wrapf(marshalErr, "can not serialize job %d", job.ID)
		}

		serviceURL := concatURL(registration.Host, registration.Path, "dispatch")
		form := url.Values{"job": []string{jobXML}}
		request, err := http.NewRequestWithContext(ctx, http.MethodPost, serviceURL,
			strings.NewReader(form.Encode()))
		if err != nil {
			log.WithField("url", serviceURL).WithError(err).Warn("Unable to build dispatch request")
			continue
		}
		request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		request.Header.Set(OrganizationHeader, CurrentOrganization(ctx))
		request.Header.Set(UserHeader, CurrentUser(ctx))

		log.WithField("job", job.ID).WithField("type", job.JobType).
			WithField("host", registration.Host).Debug("Trying to dispatch job")

		response, err := r.client.Do(request)
		if err != nil {
			log.WithField("job", job.ID).WithError(err).Warn("Unable to dispatch job")
			continue
		}

		status, body := drainResponse(response)
		switch status {
		case http.StatusNoContent:
			return registration.Host, nil
		case http.StatusServiceUnavailable:
			log.WithField("host", registration.Host).WithField("operation", job.Operation).
				Debug("Service is currently refusing to accept jobs")
			continue
		case http.StatusPreconditionFailed:
			job.Status = model.StatusFailed
			if failed, err := r.updateJob(ctx, job, registration.Host); err != nil {
				log.WithField("job", job.ID).WithError(err).Error("Unable to fail rejected job")
			} else {
				job = failed
			}
			log.WithField("job", job.ID).WithField("host", registration.Host).
				Debug("Service refused to accept job")
			return "", &UndispatchableJobError{JobID: job.ID, Reason: body}
		case http.StatusMethodNotAllowed:
			log.WithField("host", registration.Host).Debug("Service is not yet reachable")
			continue
		default:
			log.WithField("host", registration.Host).WithField("status", status).
				WithField("job", job.ID).Warn("Service failed accepting job")
			continue
		}
	}

	// Every candidate was tried without luck; put the job back in the
	// queue for the next round.
	if triedDispatching {
		job.Status = model.StatusQueued
		job.ProcessorService = nil
		if _, err := r.updateJob(ctx, job, ""); err != nil {
			log.WithField("job", job.ID).WithError(err).Error("Unable to put job back into queue")
		}
	}

	log.WithField("job", job.ID).Debug("No service is currently ready to accept the job")
	return "", &UndispatchableJobError{JobID: job.ID, Reason: "no service is currently ready to accept the job"}
}

func drainResponse(response *http.Response) (int, string) {
	defer response.Body.Close()
	body, err := io.ReadAll(io.LimitReader(response.Body, 16*1024))
	if err != nil {
		return response.StatusCode, ""
	}
	return response.StatusCode, string(body)
}

// updateJobStatistics refreshes the dispatch statistics gauges from the
// store. Failures only cost statistics, never the round.
func (r *Registry) updateJobStatistics(ctx context.Context) {
	times, err := r.store.GetAvgOperationTimes(ctx)
	if err != nil {
		log.WithError(err).Warn("Unable to load operation time statistics")
		return
	}
	for _, entry := range times {
		scope := r.metrics.statsScope.Tagged(map[string]string{
			"job_type":  entry.JobType,
			"operation": entry.Operation,
		})
		scope.Gauge("mean_queue_time_ms").Update(float64(entry.MeanQueueTime))
		scope.Gauge("mean_run_time_ms").Update(float64(entry.MeanRunTime))
	}

	counts, err := r.store.GetJobCountsPerHostService(ctx)
	if err != nil {
		log.WithError(err).Warn("Unable to load job count statistics")
		return
	}
	for _, entry := range counts {
		scope := r.metrics.statsScope.Tagged(map[string]string{
			"host":     entry.Host,
			"job_type": entry.JobType,
			"status":   entry.Status.String(),
		})
		scope.Gauge("jobs").Update(float64(entry.Count))
	}

	if notNormal, err := r.store.CountServicesNotNormal(ctx); err == nil {
		r.metrics.ServicesNotNormal.Update(float64(notNormal))
	}
}
