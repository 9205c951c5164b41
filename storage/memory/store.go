// Package memory provides a mutex guarded, process local implementation of
// the storage contract. It backs the unit test suites and single node demo
// deployments where no MySQL instance is available.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/davids-j/opencast/model"
	"github.com/davids-j/opencast/storage"
)

type jobRecord struct {
	job          *model.Job
	processorKey string
	creatorKey   string
}

// Store keeps all rows in maps keyed the way the relational schema keys
// them: hosts by base URL, services by (type, host), jobs by id.
type Store struct {
	sync.RWMutex

	jobs     map[int64]*jobRecord
	hosts    map[string]*model.HostRegistration
	services map[string]*model.ServiceRegistration

	nextJobID     int64
	nextHostID    int64
	nextServiceID int64
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		jobs:     make(map[int64]*jobRecord),
		hosts:    make(map[string]*model.HostRegistration),
		services: make(map[string]*model.ServiceRegistration),
	}
}

var _ storage.Store = (*Store)(nil)

func serviceKey(serviceType, host string) string {
	return serviceType + "@" + host
}

func (s *Store) resolveService(key string) *model.ServiceRegistration {
	if key == "" {
		return nil
	}
	if svc, ok := s.services[key]; ok {
		dup := *svc
		return &dup
	}
	return nil
}

func (s *Store) copyOut(rec *jobRecord) *model.Job {
	job := rec.job.Copy()
	job.ProcessorService = s.resolveService(rec.processorKey)
	job.CreatorService = s.resolveService(rec.creatorKey)
	return job
}

func (s *Store) copyIn(job *model.Job) *jobRecord {
	rec := &jobRecord{job: job.Copy()}
	if job.ProcessorService != nil {
		rec.processorKey = serviceKey(job.ProcessorService.ServiceType, job.ProcessorService.Host)
	}
	if job.CreatorService != nil {
		rec.creatorKey = serviceKey(job.CreatorService.ServiceType, job.CreatorService.Host)
	}
	rec.job.ProcessorService = nil
	rec.job.CreatorService = nil
	return rec
}

// CreateJob persists a new job, assigning its id and initial version.
func (s *Store) CreateJob(ctx context.Context, job *model.Job) error {
	s.Lock()
	defer s.Unlock()

	s.nextJobID++
	job.ID = s.nextJobID
	job.Version = 1
	s.jobs[job.ID] = s.copyIn(job)
	return nil
}

// GetJob loads a job by id.
func (s *Store) GetJob(ctx context.Context, id int64) (*model.Job, error) {
	s.RLock()
	defer s.RUnlock()

	rec, ok := s.jobs[id]
	if !ok {
		return nil, storage.NewNotFound("job", id)
	}
	return s.copyOut(rec), nil
}

// UpdateJob writes the job guarded by its version.
func (s *Store) UpdateJob(ctx context.Context, job *model.Job) error {
	s.Lock()
	defer s.Unlock()

	rec, ok := s.jobs[job.ID]
	if !ok {
		return storage.NewNotFound("job", job.ID)
	}
	if rec.job.Version != job.Version {
		return storage.ErrVersionConflict
	}
	job.Version++
	s.jobs[job.ID] = s.copyIn(job)
	return nil
}

// DeleteJobs removes the given jobs.
func (s *Store) DeleteJobs(ctx context.Context, ids []int64) error {
	s.Lock()
	defer s.Unlock()

	for _, id := range ids {
		if _, ok := s.jobs[id]; !ok {
			return storage.NewNotFound("job", id)
		}
	}
	for _, id := range ids {
		delete(s.jobs, id)
	}
	return nil
}

func sortByCreated(jobs []*model.Job) {
	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].DateCreated.Before(jobs[j].DateCreated)
	})
}

func statusIn(status model.Status, statuses []model.Status) bool {
	for _, other := range statuses {
		if status == other {
			return true
		}
	}
	return false
}

// GetJobs returns jobs filtered by service type and/or status.
func (s *Store) GetJobs(ctx context.Context, serviceType string, status *model.Status) ([]*model.Job, error) {
	s.RLock()
	defer s.RUnlock()

	var jobs []*model.Job
	for _, rec := range s.jobs {
		if serviceType != "" && rec.job.JobType != serviceType {
			continue
		}
		if status != nil && rec.job.Status != *status {
			continue
		}
		jobs = append(jobs, s.copyOut(rec))
	}
	sortByCreated(jobs)
	return jobs, nil
}

// GetJobsByStatus returns jobs in any of the given statuses ordered by
// creation date.
func (s *Store) GetJobsByStatus(ctx context.Context, statuses ...model.Status) ([]*model.Job, error) {
	s.RLock()
	defer s.RUnlock()

	var jobs []*model.Job
	for _, rec := range s.jobs {
		if statusIn(rec.job.Status, statuses) {
			jobs = append(jobs, s.copyOut(rec))
		}
	}
	sortByCreated(jobs)
	return jobs, nil
}

// GetJobsOnHost returns jobs processed by the (serviceType, host) service.
func (s *Store) GetJobsOnHost(ctx context.Context, serviceType, host string, statuses []model.Status) ([]*model.Job, error) {
	s.RLock()
	defer s.RUnlock()

	key := serviceKey(serviceType, host)
	var jobs []*model.Job
	for _, rec := range s.jobs {
		if rec.processorKey != key {
			continue
		}
		if !statusIn(rec.job.Status, statuses) {
			continue
		}
		jobs = append(jobs, s.copyOut(rec))
	}
	sortByCreated(jobs)
	return jobs, nil
}

// GetHostBoundJobs returns jobs whose processor lives on the given host.
func (s *Store) GetHostBoundJobs(ctx context.Context, host string, statuses []model.Status) ([]*model.Job, error) {
	s.RLock()
	defer s.RUnlock()

	var jobs []*model.Job
	for _, rec := range s.jobs {
		if !statusIn(rec.job.Status, statuses) {
			continue
		}
		svc := s.resolveService(rec.processorKey)
		if svc == nil || svc.Host != host {
			continue
		}
		jobs = append(jobs, s.copyOut(rec))
	}
	sortByCreated(jobs)
	return jobs, nil
}

// GetChildJobs returns the direct children of a job.
func (s *Store) GetChildJobs(ctx context.Context, parentID int64) ([]*model.Job, error) {
	s.RLock()
	defer s.RUnlock()

	var jobs []*model.Job
	for _, rec := range s.jobs {
		if rec.job.ParentID != nil && *rec.job.ParentID == parentID {
			jobs = append(jobs, s.copyOut(rec))
		}
	}
	sortByCreated(jobs)
	return jobs, nil
}

// GetRootJobs returns all jobs rooted at the given job.
func (s *Store) GetRootJobs(ctx context.Context, rootID int64) ([]*model.Job, error) {
	s.RLock()
	defer s.RUnlock()

	var jobs []*model.Job
	for _, rec := range s.jobs {
		if rec.job.RootID != nil && *rec.job.RootID == rootID && rec.job.ID != rootID {
			jobs = append(jobs, s.copyOut(rec))
		}
	}
	sortByCreated(jobs)
	return jobs, nil
}

// GetParentlessJobs returns all top-level jobs.
func (s *Store) GetParentlessJobs(ctx context.Context) ([]*model.Job, error) {
	s.RLock()
	defer s.RUnlock()

	var jobs []*model.Job
	for _, rec := range s.jobs {
		if rec.job.ParentID == nil {
			jobs = append(jobs, s.copyOut(rec))
		}
	}
	sortByCreated(jobs)
	return jobs, nil
}

// CountJobs counts jobs by service type and/or status.
func (s *Store) CountJobs(ctx context.Context, serviceType string, status *model.Status) (int64, error) {
	jobs, err := s.GetJobs(ctx, serviceType, status)
	if err != nil {
		return 0, err
	}
	return int64(len(jobs)), nil
}

// CountJobsByHost counts jobs of a type and status on one host.
func (s *Store) CountJobsByHost(ctx context.Context, serviceType, host string, status model.Status) (int64, error) {
	s.RLock()
	defer s.RUnlock()

	var count int64
	for _, rec := range s.jobs {
		if rec.job.JobType != serviceType || rec.job.Status != status {
			continue
		}
		svc := s.resolveService(rec.processorKey)
		if svc == nil || svc.Host != host {
			continue
		}
		count++
	}
	return count, nil
}

// CountJobsByOperation counts jobs of a type, operation and status.
func (s *Store) CountJobsByOperation(ctx context.Context, serviceType, operation string, status model.Status) (int64, error) {
	s.RLock()
	defer s.RUnlock()

	var count int64
	for _, rec := range s.jobs {
		if rec.job.JobType == serviceType && rec.job.Operation == operation && rec.job.Status == status {
			count++
		}
	}
	return count, nil
}

// CountJobsFull counts jobs of a type, host, operation and status.
func (s *Store) CountJobsFull(ctx context.Context, serviceType, host, operation string, status model.Status) (int64, error) {
	s.RLock()
	defer s.RUnlock()

	var count int64
	for _, rec := range s.jobs {
		if rec.job.JobType != serviceType || rec.job.Operation != operation || rec.job.Status != status {
			continue
		}
		svc := s.resolveService(rec.processorKey)
		if svc == nil || svc.Host != host {
			continue
		}
		count++
	}
	return count, nil
}

// CountFailedJobsOnService returns the failure history size of a service.
func (s *Store) CountFailedJobsOnService(ctx context.Context, serviceType, host string) (int64, error) {
	s.RLock()
	defer s.RUnlock()

	key := serviceKey(serviceType, host)
	var count int64
	for _, rec := range s.jobs {
		if rec.job.Status == model.StatusFailed && rec.processorKey == key {
			count++
		}
	}
	return count, nil
}

// GetAvgOperationTimes returns mean queue and run times of finished jobs
// grouped by job type and operation.
func (s *Store) GetAvgOperationTimes(ctx context.Context) ([]storage.OperationTime, error) {
	s.RLock()
	defer s.RUnlock()

	type accumulator struct {
		queue, run, count int64
	}
	acc := make(map[[2]string]*accumulator)
	var order [][2]string
	for _, rec := range s.jobs {
		if rec.job.Status != model.StatusFinished {
			continue
		}
		key := [2]string{rec.job.JobType, rec.job.Operation}
		a, ok := acc[key]
		if !ok {
			a = &accumulator{}
			acc[key] = a
			order = append(order, key)
		}
		a.queue += rec.job.QueueTime
		a.run += rec.job.RunTime
		a.count++
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i][0] != order[j][0] {
			return order[i][0] < order[j][0]
		}
		return order[i][1] < order[j][1]
	})
	times := make([]storage.OperationTime, 0, len(order))
	for _, key := range order {
		a := acc[key]
		times = append(times, storage.OperationTime{
			JobType:       key[0],
			Operation:     key[1],
			MeanQueueTime: a.queue / a.count,
			MeanRunTime:   a.run / a.count,
		})
	}
	return times, nil
}

// GetJobCountsPerHostService returns job counts per host, type and status.
func (s *Store) GetJobCountsPerHostService(ctx context.Context) ([]storage.HostServiceCount, error) {
	s.RLock()
	defer s.RUnlock()

	type key struct {
		host    string
		jobType string
		status  model.Status
	}
	counts := make(map[key]int64)
	for _, rec := range s.jobs {
		svc := s.resolveService(rec.processorKey)
		if svc == nil {
			continue
		}
		counts[key{svc.Host, rec.job.JobType, rec.job.Status}]++
	}
	var rows []storage.HostServiceCount
	for k, count := range counts {
		rows = append(rows, storage.HostServiceCount{
			Host:    k.host,
			JobType: k.jobType,
			Status:  k.status,
			Count:   count,
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Host != rows[j].Host {
			return rows[i].Host < rows[j].Host
		}
		if rows[i].JobType != rows[j].JobType {
			return rows[i].JobType < rows[j].JobType
		}
		return rows[i].Status < rows[j].Status
	})
	return rows, nil
}

// UpsertHost creates or replaces a host registration keyed by base URL.
func (s *Store) UpsertHost(ctx context.Context, host *model.HostRegistration) error {
	s.Lock()
	defer s.Unlock()

	if existing, ok := s.hosts[host.BaseURL]; ok {
		host.ID = existing.ID
	} else {
		s.nextHostID++
		host.ID = s.nextHostID
	}
	dup := *host
	s.hosts[host.BaseURL] = &dup
	return nil
}

// GetHost loads a host registration by base URL.
func (s *Store) GetHost(ctx context.Context, baseURL string) (*model.HostRegistration, error) {
	s.RLock()
	defer s.RUnlock()

	host, ok := s.hosts[baseURL]
	if !ok {
		return nil, storage.NewNotFound("host", baseURL)
	}
	dup := *host
	return &dup, nil
}

// GetHosts returns all host registrations.
func (s *Store) GetHosts(ctx context.Context) ([]*model.HostRegistration, error) {
	s.RLock()
	defer s.RUnlock()

	hosts := make([]*model.HostRegistration, 0, len(s.hosts))
	for _, host := range s.hosts {
		dup := *host
		hosts = append(hosts, &dup)
	}
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].ID < hosts[j].ID })
	return hosts, nil
}

// GetHostMaxLoad returns the configured maximum load of a host.
func (s *Store) GetHostMaxLoad(ctx context.Context, baseURL string) (float32, error) {
	host, err := s.GetHost(ctx, baseURL)
	if err != nil {
		return 0, err
	}
	return host.MaxLoad, nil
}

// UpdateHost writes a host registration.
func (s *Store) UpdateHost(ctx context.Context, host *model.HostRegistration) error {
	s.Lock()
	defer s.Unlock()

	if _, ok := s.hosts[host.BaseURL]; !ok {
		return storage.NewNotFound("host", host.BaseURL)
	}
	dup := *host
	s.hosts[host.BaseURL] = &dup
	return nil
}

// UpsertService creates or replaces a service registration.
func (s *Store) UpsertService(ctx context.Context, service *model.ServiceRegistration) error {
	s.Lock()
	defer s.Unlock()

	key := serviceKey(service.ServiceType, service.Host)
	if existing, ok := s.services[key]; ok {
		service.ID = existing.ID
	} else {
		s.nextServiceID++
		service.ID = s.nextServiceID
	}
	dup := *service
	s.services[key] = &dup
	return nil
}

// GetService loads a service registration by type and host.
func (s *Store) GetService(ctx context.Context, serviceType, host string) (*model.ServiceRegistration, error) {
	s.RLock()
	defer s.RUnlock()

	key := serviceKey(serviceType, host)
	svc, ok := s.services[key]
	if !ok {
		return nil, storage.NewNotFound("service", key)
	}
	dup := *svc
	return &dup, nil
}

func (s *Store) listServices(match func(*model.ServiceRegistration) bool) []*model.ServiceRegistration {
	var services []*model.ServiceRegistration
	for _, svc := range s.services {
		if match(svc) {
			dup := *svc
			services = append(services, &dup)
		}
	}
	sort.Slice(services, func(i, j int) bool { return services[i].ID < services[j].ID })
	return services
}

// GetServices returns all service registrations.
func (s *Store) GetServices(ctx context.Context) ([]*model.ServiceRegistration, error) {
	s.RLock()
	defer s.RUnlock()

	return s.listServices(func(*model.ServiceRegistration) bool { return true }), nil
}

// GetOnlineServices returns all online service registrations.
func (s *Store) GetOnlineServices(ctx context.Context) ([]*model.ServiceRegistration, error) {
	s.RLock()
	defer s.RUnlock()

	return s.listServices(func(svc *model.ServiceRegistration) bool { return svc.Online }), nil
}

// GetServicesByType returns all registrations of one service type.
func (s *Store) GetServicesByType(ctx context.Context, serviceType string) ([]*model.ServiceRegistration, error) {
	s.RLock()
	defer s.RUnlock()

	return s.listServices(func(svc *model.ServiceRegistration) bool { return svc.ServiceType == serviceType }), nil
}

// GetServicesByHost returns all registrations on one host.
func (s *Store) GetServicesByHost(ctx context.Context, host string) ([]*model.ServiceRegistration, error) {
	s.RLock()
	defer s.RUnlock()

	return s.listServices(func(svc *model.ServiceRegistration) bool { return svc.Host == host }), nil
}

// UpdateService writes a service registration.
func (s *Store) UpdateService(ctx context.Context, service *model.ServiceRegistration) error {
	s.Lock()
	defer s.Unlock()

	key := serviceKey(service.ServiceType, service.Host)
	if _, ok := s.services[key]; !ok {
		return storage.NewNotFound("service", key)
	}
	dup := *service
	s.services[key] = &dup
	return nil
}

// UpdateServiceState writes the health state fields of a service.
func (s *Store) UpdateServiceState(ctx context.Context, service *model.ServiceRegistration) error {
	s.Lock()
	defer s.Unlock()

	key := serviceKey(service.ServiceType, service.Host)
	existing, ok := s.services[key]
	if !ok {
		return storage.NewNotFound("service", key)
	}
	existing.ServiceState = service.ServiceState
	existing.StateChanged = service.StateChanged
	existing.WarningStateTrigger = service.WarningStateTrigger
	existing.ErrorStateTrigger = service.ErrorStateTrigger
	return nil
}

// CountServicesNotNormal counts services outside the NORMAL state.
func (s *Store) CountServicesNotNormal(ctx context.Context) (int64, error) {
	s.RLock()
	defer s.RUnlock()

	var count int64
	for _, svc := range s.services {
		if svc.ServiceState != model.ServiceStateNormal {
			count++
		}
	}
	return count, nil
}

// GetServicesWithStateByType returns registrations of one type in any of
// the given health states.
func (s *Store) GetServicesWithStateByType(ctx context.Context, serviceType string, states ...model.ServiceState) ([]*model.ServiceRegistration, error) {
	s.RLock()
	defer s.RUnlock()

	return s.listServices(func(svc *model.ServiceRegistration) bool {
		if svc.ServiceType != serviceType {
			return false
		}
		for _, state := range states {
			if svc.ServiceState == state {
				return true
			}
		}
		return false
	}), nil
}

// GetHostLoadRows returns the load aggregation rows for jobs in the given
// statuses.
func (s *Store) GetHostLoadRows(ctx context.Context, statuses []model.Status) ([]storage.HostLoadRow, error) {
	s.RLock()
	defer s.RUnlock()

	type key struct {
		serviceKey string
		status     model.Status
	}
	sums := make(map[key]float32)
	var order []key
	for _, rec := range s.jobs {
		if rec.processorKey == "" || !statusIn(rec.job.Status, statuses) {
			continue
		}
		k := key{rec.processorKey, rec.job.Status}
		if _, ok := sums[k]; !ok {
			order = append(order, k)
		}
		sums[k] += rec.job.JobLoad
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].serviceKey != order[j].serviceKey {
			return order[i].serviceKey < order[j].serviceKey
		}
		return order[i].status < order[j].status
	})
	rows := make([]storage.HostLoadRow, 0, len(order))
	for _, k := range order {
		svc, ok := s.services[k.serviceKey]
		if !ok {
			continue
		}
		maintenance := false
		if host, ok := s.hosts[svc.Host]; ok {
			maintenance = host.MaintenanceMode
		}
		rows = append(rows, storage.HostLoadRow{
			ServiceType: svc.ServiceType,
			Host:        svc.Host,
			Online:      svc.Online,
			Maintenance: maintenance,
			Status:      k.status,
			Load:        sums[k],
		})
	}
	return rows, nil
}

// GetServiceStatisticsRows aggregates job statistics per service for jobs
// created inside [start, end].
func (s *Store) GetServiceStatisticsRows(ctx context.Context, start, end time.Time) ([]storage.ServiceStatisticsRow, error) {
	s.RLock()
	defer s.RUnlock()

	type key struct {
		serviceID int64
		status    model.Status
	}
	type accumulator struct {
		count, queue, run int64
	}
	acc := make(map[key]*accumulator)
	for _, rec := range s.jobs {
		if rec.job.DateCreated.Before(start) || rec.job.DateCreated.After(end) {
			continue
		}
		svc := s.resolveService(rec.processorKey)
		if svc == nil {
			continue
		}
		k := key{svc.ID, rec.job.Status}
		a, ok := acc[k]
		if !ok {
			a = &accumulator{}
			acc[k] = a
		}
		a.count++
		a.queue += rec.job.QueueTime
		a.run += rec.job.RunTime
	}
	var rows []storage.ServiceStatisticsRow
	for k, a := range acc {
		rows = append(rows, storage.ServiceStatisticsRow{
			ServiceID:     k.serviceID,
			Status:        k.status,
			Count:         a.count,
			MeanQueueTime: a.queue / a.count,
			MeanRunTime:   a.run / a.count,
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].ServiceID != rows[j].ServiceID {
			return rows[i].ServiceID < rows[j].ServiceID
		}
		return rows[i].Status < rows[j].Status
	})
	return rows, nil
}
