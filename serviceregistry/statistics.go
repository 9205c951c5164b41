package serviceregistry

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/davids-j/opencast/model"
)

// ServiceStatistics aggregates the job history of one service.
type ServiceStatistics struct {
	Service *model.ServiceRegistration

	RunningJobs  int
	QueuedJobs   int
	FinishedJobs int

	// MeanQueueTime and MeanRunTime are in milliseconds, over finished
	// jobs.
	MeanQueueTime int64
	MeanRunTime   int64
}

// GetServiceStatistics returns performance and runtime statistics for
// every known service registration, considering only jobs created within
// the configured maximum job age.
func (r *Registry) GetServiceStatistics(ctx context.Context) ([]*ServiceStatistics, error) {
	now := time.Now()
	// The end date is padded a day forward to avoid glitches around now.
	return r.serviceStatistics(ctx, now.AddDate(0, 0, -r.settings.MaxJobAge), now.AddDate(0, 0, 1))
}

func (r *Registry) serviceStatistics(ctx context.Context, start, end time.Time) ([]*ServiceStatistics, error) {
	// Services without processing history so far show up with zero
	// counts.
	services, err := r.store.GetServices(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "listing services")
	}
	statsByService := make(map[int64]*ServiceStatistics, len(services))
	for _, service := range services {
		statsByService[service.ID] = &ServiceStatistics{Service: service}
	}

	rows, err := r.store.GetServiceStatisticsRows(ctx, start, end)
	if err != nil {
		return nil, errors.Wrap(err, "aggregating service statistics")
	}
	for _, row := range rows {
		stats, ok := statsByService[row.ServiceID]
		if !ok {
			continue
		}
		switch row.Status {
		case model.StatusRunning:
			stats.RunningJobs = int(row.Count)
		case model.StatusQueued, model.StatusDispatching:
			stats.QueuedJobs += int(row.Count)
		case model.StatusFinished:
			stats.FinishedJobs = int(row.Count)
			stats.MeanQueueTime = row.MeanQueueTime
			stats.MeanRunTime = row.MeanRunTime
		}
	}

	stats := make([]*ServiceStatistics, 0, len(statsByService))
	for _, entry := range statsByService {
		stats = append(stats, entry)
	}
	sort.Slice(stats, func(i, j int) bool {
		regI, regJ := stats[i].Service, stats[j].Service
		if regI.ServiceType != regJ.ServiceType {
			return regI.ServiceType < regJ.ServiceType
		}
		return regI.Host < regJ.Host
	})
	return stats, nil
}

// CountOfAbnormalServices counts the services outside the NORMAL state.
func (r *Registry) CountOfAbnormalServices(ctx context.Context) (int64, error) {
	return r.store.CountServicesNotNormal(ctx)
}
