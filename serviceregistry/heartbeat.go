package serviceregistry

import (
	"context"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/davids-j/opencast/common/stringset"
	"github.com/davids-j/opencast/model"
)

// heartbeat periodically probes every job producer service and takes the
// unresponsive ones offline. A service is only unregistered after failing
// two consecutive probes; the watch list carries the first strike across
// rounds.
type heartbeat struct {
	registry     *Registry
	unresponsive *stringset.StringSet
}

func newHeartbeat(r *Registry) *heartbeat {
	return &heartbeat{
		registry:     r,
		unresponsive: stringset.New(),
	}
}

func serviceWatchKey(service *model.ServiceRegistration) string {
	return service.ServiceType + "@" + service.Host
}

// run executes one probe sweep over all job producer services.
func (h *heartbeat) run(ctx context.Context) {
	r := h.registry
	log.Debug("Checking for unresponsive services")

	services, err := r.store.GetServices(ctx)
	if err != nil {
		log.WithError(err).Warn("Error loading service registrations")
		return
	}
	hosts, err := r.store.GetHosts(ctx)
	if err != nil {
		log.WithError(err).Warn("Error loading host registrations")
		return
	}

	for _, service := range services {
		if !service.JobProducer {
			continue
		}
		if host := hostByURL(hosts, service.Host); host != nil && host.MaintenanceMode {
			continue
		}

		h.probe(ctx, service)
	}

	log.Debug("Finished checking for unresponsive services")
}

func (h *heartbeat) probe(ctx context.Context, service *model.ServiceRegistration) {
	r := h.registry
	r.metrics.HeartbeatProbes.Inc(1)

	serviceURL := concatURL(service.Host, service.Path, "dispatch")
	alive := false

	request, err := http.NewRequestWithContext(ctx, http.MethodHead, serviceURL, nil)
	if err != nil {
		log.WithField("url", serviceURL).WithError(err).Warn("Unable to build probe request")
		return
	}
	response, err := r.client.Do(request)
	if err != nil {
		if service.Online {
			log.WithField("service", serviceWatchKey(service)).WithError(err).
				Warn("Unable to reach service")
		}
	} else {
		response.Body.Close()
		if response.StatusCode == http.StatusOK {
			alive = true
		} else if service.Online {
			log.WithField("service", serviceWatchKey(service)).
				WithField("status", response.StatusCode).
				Warn("Service is not working as expected")
		}
	}

	key := serviceWatchKey(service)

	if alive {
		if h.unresponsive.Remove(key) {
			log.WithField("service", key).Info("Service is still online")
		} else if !service.Online {
			// The service row went offline but the producer is back.
			jobProducer := true
			if _, err := r.setOnlineStatus(ctx, service.ServiceType, service.Host, service.Path, true, &jobProducer); err != nil {
				log.WithField("service", key).WithError(err).
					Warn("Error setting online status")
				return
			}
			r.metrics.HeartbeatRestored.Inc(1)
			log.WithField("service", key).Info("Service is back online")
		}
		return
	}

	// Services already offline are not watched; they come back through
	// the restore path above.
	if !service.Online {
		return
	}

	if h.unresponsive.Remove(key) {
		// Second strike, take the service offline.
		if err := r.UnregisterService(ctx, service.ServiceType, service.Host); err != nil {
			log.WithField("service", key).WithError(err).
				Warn("Unable to unregister unreachable service")
			return
		}
		r.metrics.HeartbeatOffline.Inc(1)
		log.WithField("service", key).Warn("Marking service as offline")
	} else {
		h.unresponsive.Add(key)
		r.metrics.HeartbeatUnresponsive.Inc(1)
		log.WithField("service", key).Warn("Added service to the watch list")
	}
}
