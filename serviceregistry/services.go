package serviceregistry

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/davids-j/opencast/model"
	"github.com/davids-j/opencast/storage"
)

// RegisterService announces a service implementation on a host, or brings
// a known one back online. Jobs stranded on the registration from an
// earlier run are restarted or failed first.
func (r *Registry) RegisterService(ctx context.Context, serviceType, baseURL, path string, jobProducer bool) (*model.ServiceRegistration, error) {
	if err := r.cleanRunningJobs(ctx, serviceType, baseURL); err != nil {
		return nil, err
	}
	return r.setOnlineStatus(ctx, serviceType, baseURL, path, true, &jobProducer)
}

// UnregisterService takes a service offline and restarts or fails the jobs
// it was processing.
func (r *Registry) UnregisterService(ctx context.Context, serviceType, baseURL string) error {
	log.WithField("type", serviceType).WithField("host", baseURL).
		Info("Unregistering service")
	if _, err := r.setOnlineStatus(ctx, serviceType, baseURL, "", false, nil); err != nil {
		return err
	}
	return r.cleanRunningJobs(ctx, serviceType, baseURL)
}

// setOnlineStatus flips the online flag of a service registration,
// creating the registration if needed. A nil jobProducer leaves the
// persisted flag untouched.
func (r *Registry) setOnlineStatus(ctx context.Context, serviceType, baseURL, path string, online bool, jobProducer *bool) (*model.ServiceRegistration, error) {
	if serviceType == "" || baseURL == "" {
		return nil, errors.New("serviceType and baseUrl must not be blank")
	}

	if _, err := r.store.GetHost(ctx, baseURL); err != nil {
		if storage.IsNotFound(err) {
			return nil, errors.Errorf(
				"a service registration can not be updated when host %s has no registration", baseURL)
		}
		return nil, errors.Wrapf(err, "looking up host %s", baseURL)
	}

	registration, err := r.store.GetService(ctx, serviceType, baseURL)
	if err != nil && !storage.IsNotFound(err) {
		return nil, errors.Wrapf(err, "looking up service %s on %s", serviceType, baseURL)
	}

	if registration == nil {
		if path == "" {
			// A new registration is unreachable without a path.
			return nil, errors.New("path must not be blank when registering new services")
		}
		registration = &model.ServiceRegistration{
			ServiceType: serviceType,
			Host:        baseURL,
			Path:        path,
			Online:      online,
			Active:      true,
		}
		if jobProducer != nil {
			registration.JobProducer = *jobProducer
		}
	} else {
		if path != "" {
			registration.Path = path
		}
		registration.Online = online
		if jobProducer != nil {
			registration.JobProducer = *jobProducer
		}
	}
	if err := r.store.UpsertService(ctx, registration); err != nil {
		return nil, errors.Wrapf(err, "writing service %s on %s", serviceType, baseURL)
	}
	return registration, nil
}

// cleanRunningJobs finds all jobs executing on the given service and sets
// them to RESTART or FAILED: dispatchable jobs can be picked up elsewhere,
// jobs pinned to their creator can not.
func (r *Registry) cleanRunningJobs(ctx context.Context, serviceType, baseURL string) error {
	jobs, err := r.store.GetJobsOnHost(ctx, serviceType, baseURL,
		[]model.Status{model.StatusRunning, model.StatusDispatching, model.StatusWaiting})
	if err != nil {
		return errors.Wrapf(err, "listing running jobs of service %s on %s", serviceType, baseURL)
	}

	for _, job := range jobs {
		if !job.Dispatchable {
			log.WithField("job", job.ID).Info("Marking lost job as failed")
			job.Status = model.StatusFailed
			if err := r.store.UpdateJob(ctx, job); err != nil {
				return errors.Wrapf(err, "failing lost job %d", job.ID)
			}
			continue
		}

		// Re-read; the job may have been treated by a concurrent sweep.
		job, err = r.store.GetJob(ctx, job.ID)
		if err != nil {
			return errors.Wrapf(err, "reloading job %d", job.ID)
		}
		if job.Status == model.StatusCanceled || job.Status == model.StatusRestart {
			continue
		}

		if job.RootID != nil {
			root, err := r.store.GetJob(ctx, *job.RootID)
			if err != nil && !storage.IsNotFound(err) {
				return errors.Wrapf(err, "reloading root of job %d", job.ID)
			}
			if root != nil && root.Status == model.StatusPaused {
				if err := r.cancelAllChildren(ctx, root); err != nil {
					return err
				}
				root.Status = model.StatusRestart
				root.Operation = StartOperation
				if err := r.store.UpdateJob(ctx, root); err != nil {
					return errors.Wrapf(err, "restarting paused root job %d", root.ID)
				}
				continue
			}
		}

		log.WithField("job", job.ID).Info("Marking child jobs as canceled")
		if err := r.cancelAllChildren(ctx, job); err != nil {
			return err
		}
		log.WithField("job", job.ID).Info("Rescheduling lost job")
		job.Status = model.StatusRestart
		job.ProcessorService = nil
		if err := r.store.UpdateJob(ctx, job); err != nil {
			return errors.Wrapf(err, "rescheduling lost job %d", job.ID)
		}
	}
	return nil
}

// cancelAllChildren recursively sets the descendants of a job to CANCELED.
func (r *Registry) cancelAllChildren(ctx context.Context, job *model.Job) error {
	children, err := r.store.GetChildJobs(ctx, job.ID)
	if err != nil {
		return errors.Wrapf(err, "listing children of job %d", job.ID)
	}
	for _, child := range children {
		if child.Status == model.StatusCanceled {
			continue
		}
		if err := r.cancelAllChildren(ctx, child); err != nil {
			return err
		}
		child.Status = model.StatusCanceled
		if err := r.store.UpdateJob(ctx, child); err != nil {
			return errors.Wrapf(err, "canceling child job %d", child.ID)
		}
	}
	return nil
}

// Sanitize forces a service back into the NORMAL state.
func (r *Registry) Sanitize(ctx context.Context, serviceType, host string) error {
	service, err := r.store.GetService(ctx, serviceType, host)
	if err != nil {
		return err
	}
	log.WithField("type", serviceType).WithField("host", host).
		Info("State reset to NORMAL through sanitize")
	service.SetState(model.ServiceStateNormal, 0)
	return r.store.UpdateServiceState(ctx, service)
}

// ServiceRegistrations returns all known service registrations.
func (r *Registry) ServiceRegistrations(ctx context.Context) ([]*model.ServiceRegistration, error) {
	return r.store.GetServices(ctx)
}

// OnlineServiceRegistrations returns all currently online registrations.
func (r *Registry) OnlineServiceRegistrations(ctx context.Context) ([]*model.ServiceRegistration, error) {
	return r.store.GetOnlineServices(ctx)
}

// ServiceRegistrationsByType returns all registrations of a service type.
func (r *Registry) ServiceRegistrationsByType(ctx context.Context, serviceType string) ([]*model.ServiceRegistration, error) {
	return r.store.GetServicesByType(ctx, serviceType)
}

// ServiceRegistrationsByHost returns all registrations on a host.
func (r *Registry) ServiceRegistrationsByHost(ctx context.Context, host string) ([]*model.ServiceRegistration, error) {
	return r.store.GetServicesByHost(ctx, host)
}

// ServiceRegistration returns one registration by type and host.
func (r *Registry) ServiceRegistration(ctx context.Context, serviceType, host string) (*model.ServiceRegistration, error) {
	return r.store.GetService(ctx, serviceType, host)
}
