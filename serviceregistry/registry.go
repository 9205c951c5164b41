// Package serviceregistry tracks the hosts and service implementations of
// a media processing cluster and drives the lifecycle of their jobs. Its
// dispatcher periodically hands queued jobs to the least loaded host able
// to process them, while the heartbeat takes unresponsive services offline
// and a per-service health state machine isolates misbehaving ones.
package serviceregistry

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/uber-go/tally/v4"
	"go.uber.org/atomic"

	"github.com/davids-j/opencast/common/background"
	"github.com/davids-j/opencast/model"
	"github.com/davids-j/opencast/storage"
)

const (
	// StartOperation is the id of the workflow start-operation operation.
	StartOperation = "START_OPERATION"
	// StartWorkflow is the id of the workflow start-workflow operation.
	StartWorkflow = "START_WORKFLOW"
	// Resume is the id of the workflow resume operation.
	Resume = "RESUME"

	// TypeWorkflow identifies the workflow service, which schedules its
	// own jobs and is excluded from load balancing.
	TypeWorkflow = "org.opencastproject.workflow"

	// OrganizationHeader carries the acting organization on dispatch
	// requests.
	OrganizationHeader = "X-Opencast-Organization"
	// UserHeader carries the acting user on dispatch requests.
	UserHeader = "X-Opencast-User"

	dispatchWorkName  = "job_dispatcher"
	heartbeatWorkName = "job_producer_heartbeat"
)

// Doer executes outbound HTTP requests against remote job producers.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Registry is the service registry. All public methods are safe for
// concurrent use; the persistence store is the only shared mutable state.
type Registry struct {
	store    storage.Store
	client   Doer
	users    UserDirectory
	orgs     OrganizationDirectory
	settings Settings
	metrics  Metrics

	hostName string
	jobHost  string

	dispatcher *dispatcher
	heartbeat  *heartbeat
	manager    background.Manager
}

// New creates a Registry around its collaborators. The configuration is
// resolved against defaults and bounds; Start must be called before the
// periodic tasks run.
func New(
	store storage.Store,
	client Doer,
	users UserDirectory,
	orgs OrganizationDirectory,
	cfg Config,
	scope tally.Scope,
) (*Registry, error) {
	settings := cfg.Resolve()

	r := &Registry{
		store:    store,
		client:   client,
		users:    users,
		orgs:     orgs,
		settings: settings,
		metrics:  NewMetrics(scope),
		hostName: settings.ServerURL,
		jobHost:  settings.JobsURL,
	}
	r.dispatcher = newDispatcher(r)
	r.heartbeat = newHeartbeat(r)

	manager, err := background.NewManager()
	if err != nil {
		return nil, err
	}
	if settings.DispatchInterval > 0 {
		err = manager.RegisterWorks(background.Work{
			Name:         dispatchWorkName,
			Period:       settings.DispatchInterval,
			InitialDelay: settings.DispatchInterval,
			Func: func(*atomic.Bool) {
				r.dispatcher.run(context.Background())
			},
		})
		if err != nil {
			return nil, err
		}
	}
	if settings.HeartbeatInterval > 0 {
		err = manager.RegisterWorks(background.Work{
			Name:         heartbeatWorkName,
			Period:       settings.HeartbeatInterval,
			InitialDelay: settings.HeartbeatInterval,
			Func: func(*atomic.Bool) {
				r.heartbeat.run(context.Background())
			},
		})
		if err != nil {
			return nil, err
		}
	}
	r.manager = manager
	return r, nil
}

// Hostname returns the base URL under which this node is registered.
func (r *Registry) Hostname() string {
	return r.hostName
}

// Start recovers jobs orphaned by the previous shutdown, registers the
// local host and its published services, and starts the periodic tasks.
func (r *Registry) Start(ctx context.Context) error {
	log.WithField("host", r.hostName).Info("Activating service registry")

	r.cleanUndispatchableJobs(ctx, r.hostName)

	address := resolveAddress(r.hostName)
	if err := r.RegisterHost(ctx, r.hostName, address, totalMemory(), runtime.NumCPU(), r.settings.MaxLoad); err != nil {
		return errors.Wrapf(err, "registering host %s", r.hostName)
	}

	for _, svc := range r.settings.Services {
		if !svc.Published() {
			log.WithField("type", svc.Type).
				Debug("Not registering unpublished service")
			continue
		}
		if _, err := r.RegisterService(ctx, svc.Type, r.hostName, svc.Path, svc.JobProducer); err != nil {
			log.WithField("type", svc.Type).WithField("host", r.hostName).
				WithError(err).Warn("Unable to register local service")
		}
	}

	r.manager.Start()
	return nil
}

// Stop stops the periodic tasks and unregisters the local host.
func (r *Registry) Stop(ctx context.Context) error {
	r.manager.Stop()
	if err := r.UnregisterHost(ctx, r.hostName); err != nil {
		return errors.Wrapf(err, "unregistering host %s", r.hostName)
	}
	return nil
}

// cleanUndispatchableJobs cancels all jobs pinned to the given host that
// were orphaned when the host last shut down.
func (r *Registry) cleanUndispatchableJobs(ctx context.Context, hostName string) {
	jobs, err := r.store.GetHostBoundJobs(ctx, hostName,
		[]model.Status{model.StatusInstantiated, model.StatusRunning})
	if err != nil {
		log.WithError(err).Error("Unable to clean undispatchable jobs")
		return
	}
	for _, job := range jobs {
		log.WithField("job", job.ID).
			Info("Cancelling undispatchable job orphaned on this host")
		job.Status = model.StatusCanceled
		if err := r.store.UpdateJob(ctx, job); err != nil {
			log.WithField("job", job.ID).WithError(err).
				Error("Unable to cancel orphaned job")
		}
	}
}

// resolveAddress returns the IP address of the host in the given base URL,
// falling back to the raw host on resolution failures.
func resolveAddress(baseURL string) string {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return ""
	}
	host := parsed.Hostname()
	addrs, err := net.LookupIP(host)
	if err != nil || len(addrs) == 0 {
		return host
	}
	return addrs[0].String()
}

// totalMemory reads the node memory from /proc/meminfo, in bytes. Returns
// zero on platforms without it.
func totalMemory() int64 {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0
		}
		return kb * 1024
	}
	return 0
}

// concatURL joins a host base URL with path segments.
func concatURL(parts ...string) string {
	joined := strings.TrimSuffix(parts[0], "/")
	for _, part := range parts[1:] {
		joined += "/" + strings.Trim(part, "/")
	}
	return joined
}
