// Package mysql implements the storage contract on MySQL via sqlx.
package mysql

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL driver for sqlx
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/davids-j/opencast/model"
	"github.com/davids-j/opencast/storage"
)

const (
	insertJobStmt = `INSERT INTO job
		(job_type, operation, arguments, payload, version, status, failure_reason, dispatchable, job_load,
		 creator, organization, parent_id, root_id, processor_service_id, creator_service_id,
		 date_created, date_started, date_completed, queue_time, run_time, blocking_job_id, blocked_job_ids)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	updateJobStmt = `UPDATE job SET
		operation = ?, arguments = ?, payload = ?, version = version + 1, status = ?, failure_reason = ?,
		dispatchable = ?, processor_service_id = ?, date_started = ?, date_completed = ?,
		queue_time = ?, run_time = ?, blocking_job_id = ?, blocked_job_ids = ?
		WHERE id = ? AND version = ?`

	getJobStmt            = `SELECT * FROM job WHERE id = ?`
	deleteJobsStmt        = `DELETE FROM job WHERE id IN (?)`
	getJobsByStatusStmt   = `SELECT * FROM job WHERE status IN (?) ORDER BY date_created ASC`
	getJobsOnHostStmt     = `SELECT j.* FROM job j JOIN service_registration s ON j.processor_service_id = s.id
		WHERE s.service_type = ? AND s.host = ? AND j.status IN (?) ORDER BY j.date_created ASC`
	getHostBoundJobsStmt  = `SELECT j.* FROM job j JOIN service_registration s ON j.processor_service_id = s.id
		WHERE s.host = ? AND j.status IN (?) ORDER BY j.date_created ASC`
	getChildJobsStmt      = `SELECT * FROM job WHERE parent_id = ? ORDER BY date_created ASC`
	getRootJobsStmt       = `SELECT * FROM job WHERE root_id = ? AND id <> ? ORDER BY date_created ASC`
	getParentlessJobsStmt = `SELECT * FROM job WHERE parent_id IS NULL ORDER BY date_created ASC`

	countJobsAllStmt       = `SELECT COUNT(*) FROM job`
	countJobsByStatusStmt  = `SELECT COUNT(*) FROM job WHERE status = ?`
	countJobsByTypeStmt    = `SELECT COUNT(*) FROM job WHERE job_type = ?`
	countJobsStmt          = `SELECT COUNT(*) FROM job WHERE job_type = ? AND status = ?`
	countJobsByHostStmt    = `SELECT COUNT(*) FROM job j JOIN service_registration s ON j.processor_service_id = s.id
		WHERE j.job_type = ? AND s.host = ? AND j.status = ?`
	countJobsByOperationStmt = `SELECT COUNT(*) FROM job WHERE job_type = ? AND operation = ? AND status = ?`
	countJobsFullStmt        = `SELECT COUNT(*) FROM job j JOIN service_registration s ON j.processor_service_id = s.id
		WHERE j.job_type = ? AND s.host = ? AND j.operation = ? AND j.status = ?`
	countFailedJobsStmt = `SELECT COUNT(*) FROM job j JOIN service_registration s ON j.processor_service_id = s.id
		WHERE s.service_type = ? AND s.host = ? AND j.status = ?`

	avgOperationTimesStmt = `SELECT job_type, operation,
		COALESCE(AVG(queue_time), 0) AS mean_queue_time, COALESCE(AVG(run_time), 0) AS mean_run_time
		FROM job WHERE status = ? GROUP BY job_type, operation`
	countsPerHostServiceStmt = `SELECT s.host, j.job_type, j.status, COUNT(*) AS count
		FROM job j JOIN service_registration s ON j.processor_service_id = s.id
		GROUP BY s.host, j.job_type, j.status`

	insertHostStmt = `INSERT INTO host_registration
		(base_url, ip_address, memory, cores, max_load, online, active, maintenance)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	updateHostStmt = `UPDATE host_registration SET
		ip_address = ?, memory = ?, cores = ?, max_load = ?, online = ?, active = ?, maintenance = ?
		WHERE base_url = ?`
	getHostStmt        = `SELECT * FROM host_registration WHERE base_url = ?`
	getHostsStmt       = `SELECT * FROM host_registration ORDER BY id ASC`
	getHostMaxLoadStmt = `SELECT max_load FROM host_registration WHERE base_url = ?`

	insertServiceStmt = `INSERT INTO service_registration
		(service_type, host, path, online, active, job_producer, service_state, state_changed,
		 warning_state_trigger, error_state_trigger)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	updateServiceStmt = `UPDATE service_registration SET
		path = ?, online = ?, active = ?, job_producer = ?, service_state = ?, state_changed = ?,
		warning_state_trigger = ?, error_state_trigger = ?
		WHERE service_type = ? AND host = ?`
	updateServiceStateStmt = `UPDATE service_registration SET
		service_state = ?, state_changed = ?, warning_state_trigger = ?, error_state_trigger = ?
		WHERE service_type = ? AND host = ?`
	getServiceStmt          = `SELECT * FROM service_registration WHERE service_type = ? AND host = ?`
	getServicesStmt         = `SELECT * FROM service_registration ORDER BY id ASC`
	getOnlineServicesStmt   = `SELECT * FROM service_registration WHERE online = 1 ORDER BY id ASC`
	getServicesByTypeStmt   = `SELECT * FROM service_registration WHERE service_type = ? ORDER BY id ASC`
	getServicesByHostStmt   = `SELECT * FROM service_registration WHERE host = ? ORDER BY id ASC`
	getServicesByIDStmt     = `SELECT * FROM service_registration WHERE id IN (?)`
	countNotNormalStmt      = `SELECT COUNT(*) FROM service_registration WHERE service_state <> ?`
	getServicesByStateStmt  = `SELECT * FROM service_registration WHERE service_type = ? AND service_state IN (?) ORDER BY id ASC`

	hostLoadRowsStmt = `SELECT s.service_type, s.host, s.online, h.maintenance, j.status,
		COALESCE(SUM(j.job_load), 0) AS total_load
		FROM job j
		JOIN service_registration s ON j.processor_service_id = s.id
		JOIN host_registration h ON s.host = h.base_url
		WHERE j.status IN (?)
		GROUP BY s.service_type, s.host, s.online, h.maintenance, j.status`

	serviceStatisticsStmt = `SELECT s.id AS service_id, j.status, COUNT(*) AS count,
		COALESCE(AVG(j.queue_time), 0) AS mean_queue_time, COALESCE(AVG(j.run_time), 0) AS mean_run_time
		FROM job j JOIN service_registration s ON j.processor_service_id = s.id
		WHERE j.date_created >= ? AND j.date_created <= ?
		GROUP BY s.id, j.status`
)

// Store implements storage.Store on a MySQL database.
type Store struct {
	db *sqlx.DB
}

// NewStore creates a Store around an open connection.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

var _ storage.Store = (*Store)(nil)

func statusValues(statuses []model.Status) []int {
	values := make([]int, 0, len(statuses))
	for _, status := range statuses {
		values = append(values, int(status))
	}
	return values
}

func (s *Store) jobArgs(job *model.Job) ([]interface{}, error) {
	arguments, err := marshalStrings(job.Arguments)
	if err != nil {
		return nil, errors.Wrapf(err, "encoding arguments of job %d", job.ID)
	}
	blocked, err := marshalIDs(job.BlockedJobIDs)
	if err != nil {
		return nil, errors.Wrapf(err, "encoding blocked job ids of job %d", job.ID)
	}
	var processorID, creatorID sql.NullInt64
	if job.ProcessorService != nil {
		processorID = sql.NullInt64{Int64: job.ProcessorService.ID, Valid: true}
	}
	if job.CreatorService != nil {
		creatorID = sql.NullInt64{Int64: job.CreatorService.ID, Valid: true}
	}
	return []interface{}{arguments, blocked, processorID, creatorID}, nil
}

// CreateJob persists a new job, assigning its id and initial version.
func (s *Store) CreateJob(ctx context.Context, job *model.Job) error {
	extra, err := s.jobArgs(job)
	if err != nil {
		return err
	}
	arguments, blocked, processorID, creatorID := extra[0], extra[1], extra[2], extra[3]

	job.Version = 1
	result, err := s.db.ExecContext(ctx, insertJobStmt,
		job.JobType, job.Operation, arguments, nullString(job.Payload), job.Version,
		int(job.Status), string(job.FailureReason), job.Dispatchable, job.JobLoad,
		nullString(job.Creator), nullString(job.Organization),
		nullInt(job.ParentID), nullInt(job.RootID), processorID, creatorID,
		job.DateCreated, nullTime(job.DateStarted), nullTime(job.DateCompleted),
		job.QueueTime, job.RunTime, nullInt(job.BlockingJobID), blocked)
	if err != nil {
		return errors.Wrap(err, "inserting job")
	}
	job.ID, err = result.LastInsertId()
	return errors.Wrap(err, "reading id of inserted job")
}

// GetJob loads a job by id.
func (s *Store) GetJob(ctx context.Context, id int64) (*model.Job, error) {
	var record jobRecord
	if err := s.db.GetContext(ctx, &record, getJobStmt, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, storage.NewNotFound("job", id)
		}
		return nil, errors.Wrapf(err, "loading job %d", id)
	}
	return s.finishJob(ctx, &record)
}

func (s *Store) finishJob(ctx context.Context, record *jobRecord) (*model.Job, error) {
	jobs, err := s.finishJobs(ctx, []jobRecord{*record})
	if err != nil {
		return nil, err
	}
	return jobs[0], nil
}

// finishJobs converts records to jobs and resolves their processor and
// creator service snapshots in one query.
func (s *Store) finishJobs(ctx context.Context, records []jobRecord) ([]*model.Job, error) {
	idSet := make(map[int64]struct{})
	for i := range records {
		if records[i].ProcessorServiceID.Valid {
			idSet[records[i].ProcessorServiceID.Int64] = struct{}{}
		}
		if records[i].CreatorServiceID.Valid {
			idSet[records[i].CreatorServiceID.Int64] = struct{}{}
		}
	}
	services := make(map[int64]*model.ServiceRegistration)
	if len(idSet) > 0 {
		ids := make([]int64, 0, len(idSet))
		for id := range idSet {
			ids = append(ids, id)
		}
		query, args, err := sqlx.In(getServicesByIDStmt, ids)
		if err != nil {
			return nil, errors.Wrap(err, "expanding service id query")
		}
		var serviceRecords []serviceRecord
		if err := s.db.SelectContext(ctx, &serviceRecords, query, args...); err != nil {
			return nil, errors.Wrap(err, "loading job services")
		}
		for i := range serviceRecords {
			services[serviceRecords[i].ID] = serviceRecords[i].toService()
		}
	}

	jobs := make([]*model.Job, 0, len(records))
	for i := range records {
		job, err := records[i].toJob()
		if err != nil {
			return nil, err
		}
		if records[i].ProcessorServiceID.Valid {
			if svc, ok := services[records[i].ProcessorServiceID.Int64]; ok {
				dup := *svc
				job.ProcessorService = &dup
			}
		}
		if records[i].CreatorServiceID.Valid {
			if svc, ok := services[records[i].CreatorServiceID.Int64]; ok {
				dup := *svc
				job.CreatorService = &dup
			}
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// UpdateJob writes the job guarded by its version column.
func (s *Store) UpdateJob(ctx context.Context, job *model.Job) error {
	extra, err := s.jobArgs(job)
	if err != nil {
		return err
	}
	arguments, blocked, processorID, _ := extra[0], extra[1], extra[2], extra[3]

	result, err := s.db.ExecContext(ctx, updateJobStmt,
		job.Operation, arguments, nullString(job.Payload), int(job.Status), string(job.FailureReason),
		job.Dispatchable, processorID, nullTime(job.DateStarted), nullTime(job.DateCompleted),
		job.QueueTime, job.RunTime, nullInt(job.BlockingJobID), blocked,
		job.ID, job.Version)
	if err != nil {
		return errors.Wrapf(err, "updating job %d", job.ID)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "reading affected rows for job %d", job.ID)
	}
	if rows == 0 {
		return storage.ErrVersionConflict
	}
	job.Version++
	return nil
}

// DeleteJobs removes the given jobs in a single transaction.
func (s *Store) DeleteJobs(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(deleteJobsStmt, ids)
	if err != nil {
		return errors.Wrap(err, "expanding job delete query")
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "opening transaction")
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		tx.Rollback()
		return errors.Wrap(err, "deleting jobs")
	}
	return errors.Wrap(tx.Commit(), "committing job deletion")
}

func (s *Store) selectJobs(ctx context.Context, query string, args ...interface{}) ([]*model.Job, error) {
	var records []jobRecord
	if err := s.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, errors.Wrap(err, "loading jobs")
	}
	return s.finishJobs(ctx, records)
}

// GetJobs returns jobs filtered by service type and/or status.
func (s *Store) GetJobs(ctx context.Context, serviceType string, status *model.Status) ([]*model.Job, error) {
	switch {
	case serviceType == "" && status == nil:
		return s.selectJobs(ctx, `SELECT * FROM job ORDER BY date_created ASC`)
	case serviceType == "":
		return s.selectJobs(ctx, `SELECT * FROM job WHERE status = ? ORDER BY date_created ASC`, int(*status))
	case status == nil:
		return s.selectJobs(ctx, `SELECT * FROM job WHERE job_type = ? ORDER BY date_created ASC`, serviceType)
	default:
		return s.selectJobs(ctx, `SELECT * FROM job WHERE job_type = ? AND status = ? ORDER BY date_created ASC`,
			serviceType, int(*status))
	}
}

// GetJobsByStatus returns jobs in any of the given statuses.
func (s *Store) GetJobsByStatus(ctx context.Context, statuses ...model.Status) ([]*model.Job, error) {
	query, args, err := sqlx.In(getJobsByStatusStmt, statusValues(statuses))
	if err != nil {
		return nil, errors.Wrap(err, "expanding status query")
	}
	return s.selectJobs(ctx, query, args...)
}

// GetJobsOnHost returns jobs processed by the (serviceType, host) service.
func (s *Store) GetJobsOnHost(ctx context.Context, serviceType, host string, statuses []model.Status) ([]*model.Job, error) {
	query, args, err := sqlx.In(getJobsOnHostStmt, serviceType, host, statusValues(statuses))
	if err != nil {
		return nil, errors.Wrap(err, "expanding host status query")
	}
	return s.selectJobs(ctx, query, args...)
}

// GetHostBoundJobs returns jobs whose processor lives on the given host.
func (s *Store) GetHostBoundJobs(ctx context.Context, host string, statuses []model.Status) ([]*model.Job, error) {
	query, args, err := sqlx.In(getHostBoundJobsStmt, host, statusValues(statuses))
	if err != nil {
		return nil, errors.Wrap(err, "expanding host query")
	}
	return s.selectJobs(ctx, query, args...)
}

// GetChildJobs returns the direct children of a job.
func (s *Store) GetChildJobs(ctx context.Context, parentID int64) ([]*model.Job, error) {
	return s.selectJobs(ctx, getChildJobsStmt, parentID)
}

// GetRootJobs returns all jobs rooted at the given job.
func (s *Store) GetRootJobs(ctx context.Context, rootID int64) ([]*model.Job, error) {
	return s.selectJobs(ctx, getRootJobsStmt, rootID, rootID)
}

// GetParentlessJobs returns all top-level jobs.
func (s *Store) GetParentlessJobs(ctx context.Context) ([]*model.Job, error) {
	return s.selectJobs(ctx, getParentlessJobsStmt)
}

func (s *Store) count(ctx context.Context, query string, args ...interface{}) (int64, error) {
	var count int64
	if err := s.db.GetContext(ctx, &count, query, args...); err != nil {
		return 0, errors.Wrap(err, "counting jobs")
	}
	return count, nil
}

// CountJobs counts jobs by service type and/or status.
func (s *Store) CountJobs(ctx context.Context, serviceType string, status *model.Status) (int64, error) {
	switch {
	case serviceType == "" && status == nil:
		return s.count(ctx, countJobsAllStmt)
	case serviceType == "":
		return s.count(ctx, countJobsByStatusStmt, int(*status))
	case status == nil:
		return s.count(ctx, countJobsByTypeStmt, serviceType)
	default:
		return s.count(ctx, countJobsStmt, serviceType, int(*status))
	}
}

// CountJobsByHost counts jobs of a type and status on one host.
func (s *Store) CountJobsByHost(ctx context.Context, serviceType, host string, status model.Status) (int64, error) {
	return s.count(ctx, countJobsByHostStmt, serviceType, host, int(status))
}

// CountJobsByOperation counts jobs of a type, operation and status.
func (s *Store) CountJobsByOperation(ctx context.Context, serviceType, operation string, status model.Status) (int64, error) {
	return s.count(ctx, countJobsByOperationStmt, serviceType, operation, int(status))
}

// CountJobsFull counts jobs of a type, host, operation and status.
func (s *Store) CountJobsFull(ctx context.Context, serviceType, host, operation string, status model.Status) (int64, error) {
	return s.count(ctx, countJobsFullStmt, serviceType, host, operation, int(status))
}

// CountFailedJobsOnService returns the failure history size of a service.
func (s *Store) CountFailedJobsOnService(ctx context.Context, serviceType, host string) (int64, error) {
	return s.count(ctx, countFailedJobsStmt, serviceType, host, int(model.StatusFailed))
}

// GetAvgOperationTimes returns mean times of finished jobs per operation.
func (s *Store) GetAvgOperationTimes(ctx context.Context) ([]storage.OperationTime, error) {
	var rows []struct {
		JobType       string  `db:"job_type"`
		Operation     string  `db:"operation"`
		MeanQueueTime float64 `db:"mean_queue_time"`
		MeanRunTime   float64 `db:"mean_run_time"`
	}
	if err := s.db.SelectContext(ctx, &rows, avgOperationTimesStmt, int(model.StatusFinished)); err != nil {
		return nil, errors.Wrap(err, "loading operation times")
	}
	times := make([]storage.OperationTime, 0, len(rows))
	for _, row := range rows {
		times = append(times, storage.OperationTime{
			JobType:       row.JobType,
			Operation:     row.Operation,
			MeanQueueTime: int64(row.MeanQueueTime),
			MeanRunTime:   int64(row.MeanRunTime),
		})
	}
	return times, nil
}

// GetJobCountsPerHostService returns job counts per host, type and status.
func (s *Store) GetJobCountsPerHostService(ctx context.Context) ([]storage.HostServiceCount, error) {
	var rows []struct {
		Host    string `db:"host"`
		JobType string `db:"job_type"`
		Status  int    `db:"status"`
		Count   int64  `db:"count"`
	}
	if err := s.db.SelectContext(ctx, &rows, countsPerHostServiceStmt); err != nil {
		return nil, errors.Wrap(err, "loading job counts")
	}
	counts := make([]storage.HostServiceCount, 0, len(rows))
	for _, row := range rows {
		counts = append(counts, storage.HostServiceCount{
			Host:    row.Host,
			JobType: row.JobType,
			Status:  model.Status(row.Status),
			Count:   row.Count,
		})
	}
	return counts, nil
}

// UpsertHost creates or replaces a host registration keyed by base URL.
func (s *Store) UpsertHost(ctx context.Context, host *model.HostRegistration) error {
	existing, err := s.GetHost(ctx, host.BaseURL)
	if err != nil {
		if !storage.IsNotFound(err) {
			return err
		}
		result, err := s.db.ExecContext(ctx, insertHostStmt,
			host.BaseURL, host.IPAddress, host.Memory, host.Cores, host.MaxLoad,
			host.Online, host.Active, host.MaintenanceMode)
		if err != nil {
			return errors.Wrapf(err, "inserting host %s", host.BaseURL)
		}
		host.ID, err = result.LastInsertId()
		return errors.Wrap(err, "reading id of inserted host")
	}
	host.ID = existing.ID
	return s.UpdateHost(ctx, host)
}

// GetHost loads a host registration by base URL.
func (s *Store) GetHost(ctx context.Context, baseURL string) (*model.HostRegistration, error) {
	var record hostRecord
	if err := s.db.GetContext(ctx, &record, getHostStmt, baseURL); err != nil {
		if err == sql.ErrNoRows {
			return nil, storage.NewNotFound("host", baseURL)
		}
		return nil, errors.Wrapf(err, "loading host %s", baseURL)
	}
	return record.toHost(), nil
}

// GetHosts returns all host registrations.
func (s *Store) GetHosts(ctx context.Context) ([]*model.HostRegistration, error) {
	var records []hostRecord
	if err := s.db.SelectContext(ctx, &records, getHostsStmt); err != nil {
		return nil, errors.Wrap(err, "loading hosts")
	}
	hosts := make([]*model.HostRegistration, 0, len(records))
	for i := range records {
		hosts = append(hosts, records[i].toHost())
	}
	return hosts, nil
}

// GetHostMaxLoad returns the configured maximum load of a host.
func (s *Store) GetHostMaxLoad(ctx context.Context, baseURL string) (float32, error) {
	var maxLoad float32
	if err := s.db.GetContext(ctx, &maxLoad, getHostMaxLoadStmt, baseURL); err != nil {
		if err == sql.ErrNoRows {
			return 0, storage.NewNotFound("host", baseURL)
		}
		return 0, errors.Wrapf(err, "loading max load of host %s", baseURL)
	}
	return maxLoad, nil
}

// UpdateHost writes a host registration.
func (s *Store) UpdateHost(ctx context.Context, host *model.HostRegistration) error {
	result, err := s.db.ExecContext(ctx, updateHostStmt,
		host.IPAddress, host.Memory, host.Cores, host.MaxLoad,
		host.Online, host.Active, host.MaintenanceMode, host.BaseURL)
	if err != nil {
		return errors.Wrapf(err, "updating host %s", host.BaseURL)
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		if _, err := s.GetHost(ctx, host.BaseURL); err != nil {
			return err
		}
	}
	return nil
}

// UpsertService creates or replaces a service registration.
func (s *Store) UpsertService(ctx context.Context, service *model.ServiceRegistration) error {
	existing, err := s.GetService(ctx, service.ServiceType, service.Host)
	if err != nil {
		if !storage.IsNotFound(err) {
			return err
		}
		result, err := s.db.ExecContext(ctx, insertServiceStmt,
			service.ServiceType, service.Host, service.Path, service.Online, service.Active,
			service.JobProducer, int(service.ServiceState), nullTime(timePtr(service.StateChanged)),
			service.WarningStateTrigger, service.ErrorStateTrigger)
		if err != nil {
			return errors.Wrapf(err, "inserting service %s on %s", service.ServiceType, service.Host)
		}
		service.ID, err = result.LastInsertId()
		return errors.Wrap(err, "reading id of inserted service")
	}
	service.ID = existing.ID
	return s.UpdateService(ctx, service)
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// GetService loads a service registration by type and host.
func (s *Store) GetService(ctx context.Context, serviceType, host string) (*model.ServiceRegistration, error) {
	var record serviceRecord
	if err := s.db.GetContext(ctx, &record, getServiceStmt, serviceType, host); err != nil {
		if err == sql.ErrNoRows {
			return nil, storage.NewNotFound("service", serviceType+"@"+host)
		}
		return nil, errors.Wrapf(err, "loading service %s on %s", serviceType, host)
	}
	return record.toService(), nil
}

func (s *Store) selectServices(ctx context.Context, query string, args ...interface{}) ([]*model.ServiceRegistration, error) {
	var records []serviceRecord
	if err := s.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, errors.Wrap(err, "loading services")
	}
	services := make([]*model.ServiceRegistration, 0, len(records))
	for i := range records {
		services = append(services, records[i].toService())
	}
	return services, nil
}

// GetServices returns all service registrations.
func (s *Store) GetServices(ctx context.Context) ([]*model.ServiceRegistration, error) {
	return s.selectServices(ctx, getServicesStmt)
}

// GetOnlineServices returns all online service registrations.
func (s *Store) GetOnlineServices(ctx context.Context) ([]*model.ServiceRegistration, error) {
	return s.selectServices(ctx, getOnlineServicesStmt)
}

// GetServicesByType returns all registrations of one service type.
func (s *Store) GetServicesByType(ctx context.Context, serviceType string) ([]*model.ServiceRegistration, error) {
	return s.selectServices(ctx, getServicesByTypeStmt, serviceType)
}

// GetServicesByHost returns all registrations on one host.
func (s *Store) GetServicesByHost(ctx context.Context, host string) ([]*model.ServiceRegistration, error) {
	return s.selectServices(ctx, getServicesByHostStmt, host)
}

// UpdateService writes a service registration.
func (s *Store) UpdateService(ctx context.Context, service *model.ServiceRegistration) error {
	result, err := s.db.ExecContext(ctx, updateServiceStmt,
		service.Path, service.Online, service.Active, service.JobProducer,
		int(service.ServiceState), nullTime(timePtr(service.StateChanged)),
		service.WarningStateTrigger, service.ErrorStateTrigger,
		service.ServiceType, service.Host)
	if err != nil {
		return errors.Wrapf(err, "updating service %s on %s", service.ServiceType, service.Host)
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		if _, err := s.GetService(ctx, service.ServiceType, service.Host); err != nil {
			return err
		}
	}
	return nil
}

// UpdateServiceState writes the health state fields of a service.
func (s *Store) UpdateServiceState(ctx context.Context, service *model.ServiceRegistration) error {
	_, err := s.db.ExecContext(ctx, updateServiceStateStmt,
		int(service.ServiceState), nullTime(timePtr(service.StateChanged)),
		service.WarningStateTrigger, service.ErrorStateTrigger,
		service.ServiceType, service.Host)
	return errors.Wrapf(err, "updating state of service %s on %s", service.ServiceType, service.Host)
}

// CountServicesNotNormal counts services outside the NORMAL state.
func (s *Store) CountServicesNotNormal(ctx context.Context) (int64, error) {
	return s.count(ctx, countNotNormalStmt, int(model.ServiceStateNormal))
}

// GetServicesWithStateByType returns registrations of one type in any of
// the given health states.
func (s *Store) GetServicesWithStateByType(ctx context.Context, serviceType string, states ...model.ServiceState) ([]*model.ServiceRegistration, error) {
	values := make([]int, 0, len(states))
	for _, state := range states {
		values = append(values, int(state))
	}
	query, args, err := sqlx.In(getServicesByStateStmt, serviceType, values)
	if err != nil {
		return nil, errors.Wrap(err, "expanding service state query")
	}
	return s.selectServices(ctx, query, args...)
}

// GetHostLoadRows returns the load aggregation rows for jobs in the given
// statuses.
func (s *Store) GetHostLoadRows(ctx context.Context, statuses []model.Status) ([]storage.HostLoadRow, error) {
	query, args, err := sqlx.In(hostLoadRowsStmt, statusValues(statuses))
	if err != nil {
		return nil, errors.Wrap(err, "expanding load query")
	}
	var rows []struct {
		ServiceType string  `db:"service_type"`
		Host        string  `db:"host"`
		Online      bool    `db:"online"`
		Maintenance bool    `db:"maintenance"`
		Status      int     `db:"status"`
		Load        float32 `db:"total_load"`
	}
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errors.Wrap(err, "loading host loads")
	}
	loads := make([]storage.HostLoadRow, 0, len(rows))
	for _, row := range rows {
		loads = append(loads, storage.HostLoadRow{
			ServiceType: row.ServiceType,
			Host:        row.Host,
			Online:      row.Online,
			Maintenance: row.Maintenance,
			Status:      model.Status(row.Status),
			Load:        row.Load,
		})
	}
	return loads, nil
}

// GetServiceStatisticsRows aggregates job statistics per service.
func (s *Store) GetServiceStatisticsRows(ctx context.Context, start, end time.Time) ([]storage.ServiceStatisticsRow, error) {
	var rows []struct {
		ServiceID     int64   `db:"service_id"`
		Status        int     `db:"status"`
		Count         int64   `db:"count"`
		MeanQueueTime float64 `db:"mean_queue_time"`
		MeanRunTime   float64 `db:"mean_run_time"`
	}
	if err := s.db.SelectContext(ctx, &rows, serviceStatisticsStmt, start, end); err != nil {
		return nil, errors.Wrap(err, "loading service statistics")
	}
	stats := make([]storage.ServiceStatisticsRow, 0, len(rows))
	for _, row := range rows {
		stats = append(stats, storage.ServiceStatisticsRow{
			ServiceID:     row.ServiceID,
			Status:        model.Status(row.Status),
			Count:         row.Count,
			MeanQueueTime: int64(row.MeanQueueTime),
			MeanRunTime:   int64(row.MeanRunTime),
		})
	}
	return stats, nil
}
