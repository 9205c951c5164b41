package serviceregistry

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/davids-j/opencast/model"
)

// HostLoads computes the current load factor of every registered host by
// summing the loads of jobs in load influencing statuses on the host's
// services. Workflow jobs are excluded; the workflow service balances its
// own load. With activeOnly set, services that are offline or whose host
// is in maintenance contribute nothing.
func (r *Registry) HostLoads(ctx context.Context, activeOnly bool) (*model.SystemLoad, error) {
	rows, err := r.store.GetHostLoadRows(ctx, model.StatusesInfluencingLoadBalancing)
	if err != nil {
		return nil, errors.Wrap(err, "aggregating host loads")
	}

	systemLoad := model.NewSystemLoad()
	for _, row := range rows {
		if row.ServiceType == TypeWorkflow {
			continue
		}
		if activeOnly && (row.Maintenance || !row.Online) {
			continue
		}
		load := row.Load
		if !row.Status.InfluencesLoadBalancing() {
			load = 0
		}
		systemLoad.Add(row.Host, load)
	}

	// Hosts without any current load still have to show up in the result.
	hosts, err := r.store.GetHosts(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "listing hosts")
	}
	for _, host := range hosts {
		if !systemLoad.ContainsHost(host.BaseURL) {
			systemLoad.Set(model.NodeLoad{Host: host.BaseURL})
		}
	}
	return systemLoad, nil
}

// MaxLoads returns the configured maximum load of every registered host.
func (r *Registry) MaxLoads(ctx context.Context) (*model.SystemLoad, error) {
	hosts, err := r.store.GetHosts(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "listing hosts")
	}
	loads := model.NewSystemLoad()
	for _, host := range hosts {
		loads.Set(model.NodeLoad{Host: host.BaseURL, LoadFactor: host.MaxLoad})
	}
	return loads, nil
}

// MaxLoadOnHost returns the configured maximum load of one host.
func (r *Registry) MaxLoadOnHost(ctx context.Context, host string) (model.NodeLoad, error) {
	maxLoad, err := r.store.GetHostMaxLoad(ctx, host)
	if err != nil {
		return model.NodeLoad{}, err
	}
	return model.NodeLoad{Host: host, LoadFactor: maxLoad}, nil
}

// ServiceRegistrationsByLoad returns the services of one type able to take
// on new jobs, ordered by ascending load of their host.
func (r *Registry) ServiceRegistrationsByLoad(ctx context.Context, serviceType string) ([]*model.ServiceRegistration, error) {
	systemLoad, err := r.HostLoads(ctx, true)
	if err != nil {
		return nil, err
	}
	services, err := r.store.GetServicesByType(ctx, serviceType)
	if err != nil {
		return nil, errors.Wrapf(err, "listing services of type %s", serviceType)
	}
	hosts, err := r.store.GetHosts(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "listing hosts")
	}
	return serviceRegistrationsByLoad(serviceType, services, hosts, systemLoad), nil
}

func hostByURL(hosts []*model.HostRegistration, baseURL string) *model.HostRegistration {
	for _, host := range hosts {
		if host.BaseURL == baseURL {
			return host
		}
	}
	return nil
}

// dispatchableService applies the filters common to both candidate lists:
// matching type, not in ERROR state, host not in maintenance, online.
func dispatchableService(jobType string, service *model.ServiceRegistration, hosts []*model.HostRegistration) bool {
	if service.ServiceType != jobType {
		return false
	}
	if service.ServiceState == model.ServiceStateError {
		log.WithField("service", service.ServiceType).WithField("host", service.Host).
			Debug("Not considering service in error state")
		return false
	}
	if host := hostByURL(hosts, service.Host); host != nil && host.MaintenanceMode {
		log.WithField("service", service.ServiceType).WithField("host", service.Host).
			Debug("Not considering service in maintenance mode")
		return false
	}
	if !service.Online {
		log.WithField("service", service.ServiceType).WithField("host", service.Host).
			Debug("Not considering service currently offline")
		return false
	}
	return true
}

func sortByHostLoad(services []*model.ServiceRegistration, systemLoad *model.SystemLoad) {
	sort.SliceStable(services, func(i, j int) bool {
		return systemLoad.Get(services[i].Host).LoadFactor < systemLoad.Get(services[j].Host).LoadFactor
	})
}

// serviceRegistrationsWithCapacity filters the services to those able to
// process jobs of the given type on a host that still has capacity left,
// ordered by ascending host load.
func serviceRegistrationsWithCapacity(
	jobType string,
	services []*model.ServiceRegistration,
	hosts []*model.HostRegistration,
	systemLoad *model.SystemLoad,
) []*model.ServiceRegistration {
	var candidates []*model.ServiceRegistration
	for _, service := range services {
		if !dispatchableService(jobType, service, hosts) {
			continue
		}

		host := hostByURL(hosts, service.Host)
		if host == nil {
			log.WithField("host", service.Host).
				Warn("Unable to determine max load for host")
		}

		hostLoad := systemLoad.Get(service.Host).LoadFactor
		if host != nil && hostLoad >= host.MaxLoad {
			log.WithField("service", service.ServiceType).WithField("host", service.Host).
				Debug("Not considering service on host without capacity")
			continue
		}

		candidates = append(candidates, service)
	}
	sortByHostLoad(candidates, systemLoad)
	return candidates
}

// serviceRegistrationsByLoad filters the services to those able to process
// jobs of the given type, ordered by ascending host load. Unlike the
// capacity variant, hosts already at their maximum load stay eligible.
func serviceRegistrationsByLoad(
	jobType string,
	services []*model.ServiceRegistration,
	hosts []*model.HostRegistration,
	systemLoad *model.SystemLoad,
) []*model.ServiceRegistration {
	var candidates []*model.ServiceRegistration
	for _, service := range services {
		if !dispatchableService(jobType, service, hosts) {
			continue
		}
		candidates = append(candidates, service)
	}
	sortByHostLoad(candidates, systemLoad)
	return candidates
}
