package mysql

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/davids-j/opencast/model"
)

// hostRecord mirrors the host_registration table.
type hostRecord struct {
	ID          int64   `db:"id"`
	BaseURL     string  `db:"base_url"`
	IPAddress   string  `db:"ip_address"`
	Memory      int64   `db:"memory"`
	Cores       int     `db:"cores"`
	MaxLoad     float32 `db:"max_load"`
	Online      bool    `db:"online"`
	Active      bool    `db:"active"`
	Maintenance bool    `db:"maintenance"`
}

func (r *hostRecord) toHost() *model.HostRegistration {
	return &model.HostRegistration{
		ID:              r.ID,
		BaseURL:         r.BaseURL,
		IPAddress:       r.IPAddress,
		Memory:          r.Memory,
		Cores:           r.Cores,
		MaxLoad:         r.MaxLoad,
		Online:          r.Online,
		Active:          r.Active,
		MaintenanceMode: r.Maintenance,
	}
}

// serviceRecord mirrors the service_registration table.
type serviceRecord struct {
	ID                  int64        `db:"id"`
	ServiceType         string       `db:"service_type"`
	Host                string       `db:"host"`
	Path                string       `db:"path"`
	Online              bool         `db:"online"`
	Active              bool         `db:"active"`
	JobProducer         bool         `db:"job_producer"`
	ServiceState        int          `db:"service_state"`
	StateChanged        sql.NullTime `db:"state_changed"`
	WarningStateTrigger int64        `db:"warning_state_trigger"`
	ErrorStateTrigger   int64        `db:"error_state_trigger"`
}

func (r *serviceRecord) toService() *model.ServiceRegistration {
	svc := &model.ServiceRegistration{
		ID:                  r.ID,
		ServiceType:         r.ServiceType,
		Host:                r.Host,
		Path:                r.Path,
		Online:              r.Online,
		Active:              r.Active,
		JobProducer:         r.JobProducer,
		ServiceState:        model.ServiceState(r.ServiceState),
		WarningStateTrigger: r.WarningStateTrigger,
		ErrorStateTrigger:   r.ErrorStateTrigger,
	}
	if r.StateChanged.Valid {
		svc.StateChanged = r.StateChanged.Time
	}
	return svc
}

// jobRecord mirrors the job table. Arguments and blocked job ids are stored
// as JSON text columns.
type jobRecord struct {
	ID                 int64           `db:"id"`
	JobType            string          `db:"job_type"`
	Operation          string          `db:"operation"`
	Arguments          sql.NullString  `db:"arguments"`
	Payload            sql.NullString  `db:"payload"`
	Version            int64           `db:"version"`
	Status             int             `db:"status"`
	FailureReason      string          `db:"failure_reason"`
	Dispatchable       bool            `db:"dispatchable"`
	JobLoad            float32         `db:"job_load"`
	Creator            sql.NullString  `db:"creator"`
	Organization       sql.NullString  `db:"organization"`
	ParentID           sql.NullInt64   `db:"parent_id"`
	RootID             sql.NullInt64   `db:"root_id"`
	ProcessorServiceID sql.NullInt64   `db:"processor_service_id"`
	CreatorServiceID   sql.NullInt64   `db:"creator_service_id"`
	DateCreated        time.Time       `db:"date_created"`
	DateStarted        sql.NullTime    `db:"date_started"`
	DateCompleted      sql.NullTime    `db:"date_completed"`
	QueueTime          int64           `db:"queue_time"`
	RunTime            int64           `db:"run_time"`
	BlockingJobID      sql.NullInt64   `db:"blocking_job_id"`
	BlockedJobIDs      sql.NullString  `db:"blocked_job_ids"`
}

func nullableID(id sql.NullInt64) *int64 {
	if !id.Valid {
		return nil
	}
	value := id.Int64
	return &value
}

func (r *jobRecord) toJob() (*model.Job, error) {
	job := &model.Job{
		ID:            r.ID,
		JobType:       r.JobType,
		Operation:     r.Operation,
		Payload:       r.Payload.String,
		Version:       r.Version,
		Status:        model.Status(r.Status),
		FailureReason: model.FailureReason(r.FailureReason),
		Dispatchable:  r.Dispatchable,
		JobLoad:       r.JobLoad,
		Creator:       r.Creator.String,
		Organization:  r.Organization.String,
		ParentID:      nullableID(r.ParentID),
		RootID:        nullableID(r.RootID),
		DateCreated:   r.DateCreated,
		QueueTime:     r.QueueTime,
		RunTime:       r.RunTime,
		BlockingJobID: nullableID(r.BlockingJobID),
	}
	if r.DateStarted.Valid {
		started := r.DateStarted.Time
		job.DateStarted = &started
	}
	if r.DateCompleted.Valid {
		completed := r.DateCompleted.Time
		job.DateCompleted = &completed
	}
	if r.Arguments.Valid && r.Arguments.String != "" {
		if err := json.Unmarshal([]byte(r.Arguments.String), &job.Arguments); err != nil {
			return nil, errors.Wrapf(err, "decoding arguments of job %d", r.ID)
		}
	}
	if r.BlockedJobIDs.Valid && r.BlockedJobIDs.String != "" {
		if err := json.Unmarshal([]byte(r.BlockedJobIDs.String), &job.BlockedJobIDs); err != nil {
			return nil, errors.Wrapf(err, "decoding blocked job ids of job %d", r.ID)
		}
	}
	return job, nil
}

func marshalStrings(values []string) (sql.NullString, error) {
	if len(values) == 0 {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func marshalIDs(values []int64) (sql.NullString, error) {
	if len(values) == 0 {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}

func nullInt(value *int64) sql.NullInt64 {
	if value == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *value, Valid: true}
}

func nullTime(value *time.Time) sql.NullTime {
	if value == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *value, Valid: true}
}
