package serviceregistry

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/davids-j/opencast/model"
	"github.com/davids-j/opencast/storage"
)

// RegisterHost adds a node to the cluster, or brings an already known node
// back online with updated attributes.
func (r *Registry) RegisterHost(ctx context.Context, host, address string, memory int64, cores int, maxLoad float32) error {
	existing, err := r.store.GetHost(ctx, host)
	if err != nil && !storage.IsNotFound(err) {
		return errors.Wrapf(err, "looking up host %s", host)
	}

	registration := existing
	if registration == nil {
		registration = &model.HostRegistration{
			BaseURL: host,
			Active:  true,
		}
	}
	registration.IPAddress = address
	registration.Memory = memory
	registration.Cores = cores
	registration.MaxLoad = maxLoad
	registration.Online = true

	log.WithField("host", host).WithField("max_load", maxLoad).
		Info("Registering host")
	return errors.Wrapf(r.store.UpsertHost(ctx, registration), "registering host %s", host)
}

// UnregisterHost takes a node offline and unregisters every service it
// hosts.
func (r *Registry) UnregisterHost(ctx context.Context, host string) error {
	registration, err := r.store.GetHost(ctx, host)
	if err != nil {
		if storage.IsNotFound(err) {
			return errors.Errorf("host %s is not registered, so it can not be unregistered", host)
		}
		return errors.Wrapf(err, "looking up host %s", host)
	}

	registration.Online = false
	if err := r.store.UpdateHost(ctx, registration); err != nil {
		return errors.Wrapf(err, "taking host %s offline", host)
	}

	services, err := r.store.GetServicesByHost(ctx, host)
	if err != nil {
		return errors.Wrapf(err, "listing services of host %s", host)
	}
	var result *multierror.Error
	for _, svc := range services {
		if err := r.UnregisterService(ctx, svc.ServiceType, svc.Host); err != nil {
			result = multierror.Append(result, err)
		}
	}
	log.WithField("host", host).Info("Unregistering host")
	return result.ErrorOrNil()
}

// EnableHost reactivates a disabled node and all of its services.
func (r *Registry) EnableHost(ctx context.Context, host string) error {
	return r.setHostActive(ctx, host, true)
}

// DisableHost deactivates a node and all of its services without taking
// them offline.
func (r *Registry) DisableHost(ctx context.Context, host string) error {
	return r.setHostActive(ctx, host, false)
}

func (r *Registry) setHostActive(ctx context.Context, host string, active bool) error {
	registration, err := r.store.GetHost(ctx, host)
	if err != nil {
		return err
	}

	registration.Active = active
	if err := r.store.UpdateHost(ctx, registration); err != nil {
		return errors.Wrapf(err, "updating host %s", host)
	}

	services, err := r.store.GetServicesByHost(ctx, host)
	if err != nil {
		return errors.Wrapf(err, "listing services of host %s", host)
	}
	var result *multierror.Error
	for _, svc := range services {
		svc.Active = active
		if err := r.store.UpdateService(ctx, svc); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if active {
		log.WithField("host", host).Info("Enabling host")
	} else {
		log.WithField("host", host).Info("Disabling host")
	}
	return result.ErrorOrNil()
}

// SetMaintenanceStatus puts a node into or out of maintenance mode. It
// fails with a not-found error for unregistered hosts.
func (r *Registry) SetMaintenanceStatus(ctx context.Context, host string, maintenance bool) error {
	registration, err := r.store.GetHost(ctx, host)
	if err != nil {
		return err
	}
	registration.MaintenanceMode = maintenance
	if err := r.store.UpdateHost(ctx, registration); err != nil {
		return errors.Wrapf(err, "updating maintenance mode of host %s", host)
	}
	log.WithField("host", host).WithField("maintenance", maintenance).
		Info("Host maintenance mode changed")
	return nil
}

// HostRegistrations returns all registered hosts.
func (r *Registry) HostRegistrations(ctx context.Context) ([]*model.HostRegistration, error) {
	return r.store.GetHosts(ctx)
}
