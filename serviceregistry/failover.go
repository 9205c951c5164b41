package serviceregistry

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/davids-j/opencast/model"
)

// updateServiceForFailover folds a terminal job outcome into the health
// state of the services able to process its signature. Failures caused by
// bad input data are ignored; they say nothing about the service.
func (r *Registry) updateServiceForFailover(ctx context.Context, job *model.Job) error {
	if job.Status != model.StatusFailed && job.Status != model.StatusFinished {
		return nil
	}

	// Services in ERROR state are never chosen by the dispatcher, so the
	// current service is in NORMAL or WARNING here.
	currentService := job.ProcessorService
	if currentService == nil {
		return nil
	}
	sig := job.Signature()

	if job.Status == model.StatusFailed && job.FailureReason != model.FailureReasonData {
		related, err := r.relatedWarningErrorServices(ctx, job)
		if err != nil {
			return err
		}
		// Only other services count as related; the current processor's
		// own history is handled below.
		others := related[:0:0]
		for _, relatedService := range related {
			if relatedService.ID != currentService.ID {
				others = append(others, relatedService)
			}
		}

		if len(others) > 0 {
			// The signature already failed somewhere else: the fault
			// follows the job, not the services that saw it before.
			for _, relatedService := range others {
				switch relatedService.ServiceState {
				case model.ServiceStateWarning:
					log.WithField("type", relatedService.ServiceType).
						WithField("host", relatedService.Host).
						Info("State reset to NORMAL for related service")
					relatedService.SetState(model.ServiceStateNormal, sig)
				case model.ServiceStateError:
					log.WithField("type", relatedService.ServiceType).
						WithField("host", relatedService.Host).
						Info("State reset to WARNING for related service")
					relatedService.SetState(model.ServiceStateWarning, relatedService.WarningStateTrigger)
				}
				if err := r.store.UpdateServiceState(ctx, relatedService); err != nil {
					return errors.Wrap(err, "updating related service state")
				}
			}
			return nil
		}

		// The signature has not failed on any other service.
		if currentService.ServiceState == model.ServiceStateNormal {
			log.WithField("type", currentService.ServiceType).
				WithField("host", currentService.Host).
				Info("State set to WARNING for current service")
			currentService.SetState(model.ServiceStateWarning, sig)
			return r.store.UpdateServiceState(ctx, currentService)
		}
		if currentService.ServiceState == model.ServiceStateWarning {
			history, err := r.store.CountFailedJobsOnService(ctx, currentService.ServiceType, currentService.Host)
			if err != nil {
				return errors.Wrap(err, "loading failure history")
			}
			if history >= int64(r.settings.MaxAttempts) {
				log.WithField("type", currentService.ServiceType).
					WithField("host", currentService.Host).
					Info("State set to ERROR for current service")
				currentService.SetState(model.ServiceStateError, sig)
				return r.store.UpdateServiceState(ctx, currentService)
			}
		}
		return nil
	}

	if job.Status == model.StatusFinished {
		if currentService.ServiceState == model.ServiceStateWarning {
			log.WithField("type", currentService.ServiceType).
				WithField("host", currentService.Host).
				Info("State reset to NORMAL for current service")
			currentService.SetState(model.ServiceStateNormal, 0)
			if err := r.store.UpdateServiceState(ctx, currentService); err != nil {
				return errors.Wrap(err, "updating current service state")
			}
		}

		// The signature works here, so services still warning about it
		// are definitively broken.
		related, err := r.relatedWarningServices(ctx, job)
		if err != nil {
			return err
		}
		for _, relatedService := range related {
			log.WithField("type", relatedService.ServiceType).
				WithField("host", relatedService.Host).
				Info("State set to ERROR for related service")
			relatedService.SetState(model.ServiceStateError, sig)
			if err := r.store.UpdateServiceState(ctx, relatedService); err != nil {
				return errors.Wrap(err, "updating related service state")
			}
		}
	}
	return nil
}

// relatedWarningServices returns the services of the job's type whose
// WARNING state was triggered by the job's signature.
func (r *Registry) relatedWarningServices(ctx context.Context, job *model.Job) ([]*model.ServiceRegistration, error) {
	services, err := r.store.GetServicesWithStateByType(ctx, job.JobType, model.ServiceStateWarning)
	if err != nil {
		return nil, errors.Wrap(err, "loading warning services")
	}
	sig := job.Signature()
	var related []*model.ServiceRegistration
	for _, service := range services {
		if service.WarningStateTrigger == sig {
			related = append(related, service)
		}
	}
	return related, nil
}

// relatedWarningErrorServices returns the services of the job's type whose
// WARNING or ERROR state was triggered by the job's signature.
func (r *Registry) relatedWarningErrorServices(ctx context.Context, job *model.Job) ([]*model.ServiceRegistration, error) {
	services, err := r.store.GetServicesWithStateByType(ctx, job.JobType,
		model.ServiceStateWarning, model.ServiceStateError)
	if err != nil {
		return nil, errors.Wrap(err, "loading warning and error services")
	}
	sig := job.Signature()
	var related []*model.ServiceRegistration
	for _, service := range services {
		if service.ServiceState == model.ServiceStateWarning && service.WarningStateTrigger == sig {
			related = append(related, service)
		}
		if service.ServiceState == model.ServiceStateError && service.ErrorStateTrigger == sig {
			related = append(related, service)
		}
	}
	return related, nil
}
