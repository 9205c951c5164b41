// Package metrics bootstraps the tally metric scope shared by the daemon.
package metrics

import (
	"io"
	nethttp "net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/uber-go/tally/v4"
	tallyprom "github.com/uber-go/tally/v4/prometheus"
)

// Config selects the metrics backend.
type Config struct {
	Prometheus *prometheusConfig `yaml:"prometheus"`
}

type prometheusConfig struct {
	Enable bool `yaml:"enable"`
}

// InitMetricScope initializes a root scope with its closer and an HTTP mux
// exposing the metrics and health endpoints.
func InitMetricScope(
	cfg *Config,
	rootMetricScope string,
	metricFlushInterval time.Duration) (tally.Scope, io.Closer, *nethttp.ServeMux) {
	mux := nethttp.NewServeMux()
	var reporter tally.CachedStatsReporter
	metricSeparator := "."
	if cfg != nil && cfg.Prometheus != nil && cfg.Prometheus.Enable {
		// tally panics on scope names containing "-", force "_"
		rootMetricScope = strings.Replace(rootMetricScope, "-", "_", -1)
		metricSeparator = "_"
		promReporter := tallyprom.NewReporter(tallyprom.Options{})
		reporter = promReporter
		log.Info("Setting up prometheus metrics handler at /metrics")
		mux.Handle("/metrics", promReporter.HTTPHandler())
	} else {
		log.Warn("No metrics backend configured, metrics will be discarded")
	}

	mux.HandleFunc("/health", func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		w.WriteHeader(nethttp.StatusOK)
	})

	if reporter == nil {
		return tally.NoopScope, io.NopCloser(nil), mux
	}

	metricScope, scopeCloser := tally.NewRootScope(
		tally.ScopeOptions{
			Prefix:         rootMetricScope,
			CachedReporter: reporter,
			Separator:      metricSeparator,
		},
		metricFlushInterval)
	return metricScope, scopeCloser, mux
}
