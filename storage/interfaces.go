package storage

import (
	"context"
	"time"

	"github.com/davids-j/opencast/model"
)

// HostLoadRow is one row of the per-service load aggregation: the summed
// load of all jobs in one status on one service, together with the service
// flags needed to filter the aggregation.
type HostLoadRow struct {
	ServiceType string
	Host        string
	Online      bool
	Maintenance bool
	Status      model.Status
	Load        float32
}

// OperationTime is the mean queue and run time of finished jobs per
// (job type, operation).
type OperationTime struct {
	JobType       string
	Operation     string
	MeanQueueTime int64
	MeanRunTime   int64
}

// HostServiceCount is the number of jobs per (host, job type, status).
type HostServiceCount struct {
	Host    string
	JobType string
	Status  model.Status
	Count   int64
}

// ServiceStatisticsRow aggregates job counts and mean times per service and
// job status over a time window.
type ServiceStatisticsRow struct {
	ServiceID     int64
	Status        model.Status
	Count         int64
	MeanQueueTime int64
	MeanRunTime   int64
}

// JobStore is the persistence contract for jobs. Every mutating call is
// transactional; implementations roll back on any error.
type JobStore interface {
	// CreateJob persists a new job, assigning its id and initial version.
	CreateJob(ctx context.Context, job *model.Job) error

	// GetJob loads a job by id, returning NotFoundError if it is missing.
	GetJob(ctx context.Context, id int64) (*model.Job, error)

	// UpdateJob writes the job guarded by its version column. It returns
	// ErrVersionConflict when another writer got there first, and bumps
	// job.Version on success.
	UpdateJob(ctx context.Context, job *model.Job) error

	// DeleteJobs removes the given jobs in a single transaction.
	DeleteJobs(ctx context.Context, ids []int64) error

	// GetJobs returns jobs filtered by service type and/or status; nil
	// status and empty type mean "any".
	GetJobs(ctx context.Context, serviceType string, status *model.Status) ([]*model.Job, error)

	// GetJobsByStatus returns all jobs in any of the given statuses,
	// ordered by ascending creation date.
	GetJobsByStatus(ctx context.Context, statuses ...model.Status) ([]*model.Job, error)

	// GetJobsOnHost returns jobs of a type in the given statuses whose
	// processor is the (serviceType, host) service.
	GetJobsOnHost(ctx context.Context, serviceType, host string, statuses []model.Status) ([]*model.Job, error)

	// GetHostBoundJobs returns jobs in the given statuses whose processor
	// lives on the given host, regardless of service type.
	GetHostBoundJobs(ctx context.Context, host string, statuses []model.Status) ([]*model.Job, error)

	// GetChildJobs returns the direct children of a job.
	GetChildJobs(ctx context.Context, parentID int64) ([]*model.Job, error)

	// GetRootJobs returns all jobs whose root is the given job, ordered by
	// ascending creation date.
	GetRootJobs(ctx context.Context, rootID int64) ([]*model.Job, error)

	// GetParentlessJobs returns all top-level jobs.
	GetParentlessJobs(ctx context.Context) ([]*model.Job, error)

	// CountJobs counts jobs by service type and/or status; nil status and
	// empty type mean "any".
	CountJobs(ctx context.Context, serviceType string, status *model.Status) (int64, error)

	// CountJobsByHost counts jobs of a type and status processed by
	// services on the given host.
	CountJobsByHost(ctx context.Context, serviceType, host string, status model.Status) (int64, error)

	// CountJobsByOperation counts jobs of a type, operation and status.
	CountJobsByOperation(ctx context.Context, serviceType, operation string, status model.Status) (int64, error)

	// CountJobsFull counts jobs of a type, host, operation and status.
	CountJobsFull(ctx context.Context, serviceType, host, operation string, status model.Status) (int64, error)

	// CountFailedJobsOnService returns the failure history size of one
	// (serviceType, host) service.
	CountFailedJobsOnService(ctx context.Context, serviceType, host string) (int64, error)

	// GetAvgOperationTimes returns mean queue and run times of finished
	// jobs grouped by job type and operation.
	GetAvgOperationTimes(ctx context.Context) ([]OperationTime, error)

	// GetJobCountsPerHostService returns job counts grouped by host,
	// job type and status.
	GetJobCountsPerHostService(ctx context.Context) ([]HostServiceCount, error)
}

// HostStore is the persistence contract for host registrations.
type HostStore interface {
	// UpsertHost creates or replaces a host registration keyed by base URL.
	UpsertHost(ctx context.Context, host *model.HostRegistration) error

	// GetHost loads a host registration by base URL.
	GetHost(ctx context.Context, baseURL string) (*model.HostRegistration, error)

	// GetHosts returns all host registrations.
	GetHosts(ctx context.Context) ([]*model.HostRegistration, error)

	// GetHostMaxLoad returns the configured maximum load of a host.
	GetHostMaxLoad(ctx context.Context, baseURL string) (float32, error)

	// UpdateHost writes a host registration.
	UpdateHost(ctx context.Context, host *model.HostRegistration) error
}

// ServiceStore is the persistence contract for service registrations.
type ServiceStore interface {
	// UpsertService creates or replaces a service registration keyed by
	// the (serviceType, host) pair.
	UpsertService(ctx context.Context, service *model.ServiceRegistration) error

	// GetService loads a service registration by type and host.
	GetService(ctx context.Context, serviceType, host string) (*model.ServiceRegistration, error)

	// GetServices returns all service registrations.
	GetServices(ctx context.Context) ([]*model.ServiceRegistration, error)

	// GetOnlineServices returns all online service registrations.
	GetOnlineServices(ctx context.Context) ([]*model.ServiceRegistration, error)

	// GetServicesByType returns all registrations of one service type.
	GetServicesByType(ctx context.Context, serviceType string) ([]*model.ServiceRegistration, error)

	// GetServicesByHost returns all registrations on one host.
	GetServicesByHost(ctx context.Context, host string) ([]*model.ServiceRegistration, error)

	// UpdateService writes a service registration.
	UpdateService(ctx context.Context, service *model.ServiceRegistration) error

	// UpdateServiceState writes only the health state, its change time and
	// the trigger signatures of a service registration.
	UpdateServiceState(ctx context.Context, service *model.ServiceRegistration) error

	// CountServicesNotNormal counts services outside the NORMAL state.
	CountServicesNotNormal(ctx context.Context) (int64, error)

	// GetServicesWithStateByType returns registrations of one type that
	// are in any of the given health states.
	GetServicesWithStateByType(ctx context.Context, serviceType string, states ...model.ServiceState) ([]*model.ServiceRegistration, error)

	// GetHostLoadRows returns the load aggregation rows for jobs in the
	// given statuses.
	GetHostLoadRows(ctx context.Context, statuses []model.Status) ([]HostLoadRow, error)

	// GetServiceStatisticsRows aggregates job statistics per service for
	// jobs created inside [start, end].
	GetServiceStatisticsRows(ctx context.Context, start, end time.Time) ([]ServiceStatisticsRow, error)
}

// Store is the complete persistence contract of the service registry.
type Store interface {
	JobStore
	HostStore
	ServiceStore
}
