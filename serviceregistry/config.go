package serviceregistry

import (
	"runtime"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// minDispatchInterval is the lowest accepted delay between dispatch
	// rounds, in milliseconds.
	minDispatchInterval = 1000

	// defaultDispatchInterval is the default delay between dispatch
	// rounds, in milliseconds.
	defaultDispatchInterval = 5000

	// defaultHeartbeatInterval is the default delay between liveness
	// probes, in seconds.
	defaultHeartbeatInterval = 60

	// defaultMaxAttempts is the number of failed jobs on a WARNING
	// service before it transitions to ERROR.
	defaultMaxAttempts = 1

	// defaultMaxJobAge bounds the jobs considered for service statistics,
	// in days.
	defaultMaxJobAge = 14

	defaultCollectJobStats = true

	// defaultBaseURL is used when no server URL has been configured.
	defaultBaseURL = "http://localhost:8080"
)

// LocalService describes a service implementation published by this node.
// It replaces runtime servlet discovery with static configuration.
type LocalService struct {
	Type        string `yaml:"type" validate:"nonzero"`
	Path        string `yaml:"path" validate:"nonzero"`
	JobProducer bool   `yaml:"jobProducer"`
	Publish     *bool  `yaml:"publish"`
}

// Published reports whether the service should be announced to the
// registry. Unset defaults to true.
func (s LocalService) Published() bool {
	return s.Publish == nil || *s.Publish
}

// Config carries the raw registry configuration properties. The numeric
// properties stay strings here so that malformed values can fall back to
// their defaults instead of failing the whole configuration load.
type Config struct {
	DispatchInterval  string         `yaml:"dispatchinterval"`
	HeartbeatInterval string         `yaml:"heartbeat.interval"`
	MaxAttempts       string         `yaml:"max.attempts"`
	CollectJobStats   string         `yaml:"jobstats.collect"`
	MaxJobAge         string         `yaml:"org.opencastproject.statistics.services.max_job_age"`
	MaxLoad           string         `yaml:"org.opencastproject.server.maxload"`
	ServerURL         string         `yaml:"org.opencastproject.server.url"`
	JobsURL           string         `yaml:"org.opencastproject.jobs.url"`
	Services          []LocalService `yaml:"services"`
}

// Settings is a Config resolved against defaults and bounds.
type Settings struct {
	// DispatchInterval is the delay between dispatch rounds; zero
	// disables dispatching on this node.
	DispatchInterval time.Duration

	// HeartbeatInterval is the delay between liveness probe sweeps; zero
	// disables the heartbeat.
	HeartbeatInterval time.Duration

	MaxAttempts     int
	CollectJobStats bool
	MaxJobAge       int
	MaxLoad         float32
	ServerURL       string
	JobsURL         string
	Services        []LocalService
}

// Resolve applies defaults and bounds to the raw configuration, logging a
// warning for every malformed or out-of-range property.
func (c Config) Resolve() Settings {
	settings := Settings{
		DispatchInterval:  defaultDispatchInterval * time.Millisecond,
		HeartbeatInterval: defaultHeartbeatInterval * time.Second,
		MaxAttempts:       defaultMaxAttempts,
		CollectJobStats:   defaultCollectJobStats,
		MaxJobAge:         defaultMaxJobAge,
		MaxLoad:           float32(runtime.NumCPU()),
		ServerURL:         defaultBaseURL,
		JobsURL:           c.JobsURL,
		Services:          c.Services,
	}

	if c.DispatchInterval != "" {
		interval, err := strconv.ParseInt(c.DispatchInterval, 10, 64)
		switch {
		case err != nil:
			log.WithField("dispatchinterval", c.DispatchInterval).
				Warn("Dispatch interval is malformed, using default")
		case interval == 0:
			log.Info("Dispatching disabled")
			settings.DispatchInterval = 0
		case interval < minDispatchInterval:
			log.WithField("dispatchinterval", interval).
				Warnf("Dispatch interval too low, adjusting to %d ms", minDispatchInterval)
			settings.DispatchInterval = minDispatchInterval * time.Millisecond
		default:
			log.Infof("Dispatch interval set to %d ms", interval)
			settings.DispatchInterval = time.Duration(interval) * time.Millisecond
		}
	}

	if c.HeartbeatInterval != "" {
		interval, err := strconv.ParseInt(c.HeartbeatInterval, 10, 64)
		switch {
		case err != nil:
			log.WithField("heartbeat.interval", c.HeartbeatInterval).
				Warn("Heartbeat interval is malformed, using default")
		case interval == 0:
			log.Info("Heartbeat disabled")
			settings.HeartbeatInterval = 0
		case interval < 0:
			log.WithField("heartbeat.interval", interval).
				Warnf("Heartbeat interval too low, adjusting to %d s", defaultHeartbeatInterval)
		default:
			log.Infof("Heartbeat interval set to %d s", interval)
			settings.HeartbeatInterval = time.Duration(interval) * time.Second
		}
	}

	if c.MaxAttempts != "" {
		attempts, err := strconv.Atoi(c.MaxAttempts)
		if err != nil {
			log.WithField("max.attempts", c.MaxAttempts).
				Warn("Max attempts before error state is malformed, using default")
		} else {
			log.Infof("Max attempts before error state set to %d", attempts)
			settings.MaxAttempts = attempts
		}
	}

	if c.CollectJobStats != "" {
		collect, err := strconv.ParseBool(c.CollectJobStats)
		if err != nil {
			log.WithField("jobstats.collect", c.CollectJobStats).
				Warn("Job statistics collection flag is malformed, using default")
		} else {
			settings.CollectJobStats = collect
		}
	}

	if c.MaxJobAge != "" {
		age, err := strconv.Atoi(c.MaxJobAge)
		if err != nil {
			log.WithField("max_job_age", c.MaxJobAge).
				Warn("Service statistics max job age is malformed, using default")
		} else {
			log.Infof("Service statistics max job age set to %d days", age)
			settings.MaxJobAge = age
		}
	}

	if c.MaxLoad != "" {
		maxLoad, err := strconv.ParseFloat(c.MaxLoad, 32)
		if err != nil {
			log.WithField("maxload", c.MaxLoad).
				Warnf("Max load is malformed, falling back to the number of cores (%d)", runtime.NumCPU())
		} else {
			log.Infof("Node maximum load set to %v", maxLoad)
			settings.MaxLoad = float32(maxLoad)
		}
	}

	if c.ServerURL != "" {
		settings.ServerURL = c.ServerURL
	}
	if settings.JobsURL == "" {
		settings.JobsURL = settings.ServerURL
	}

	return settings
}
