// registryd is the service registry daemon: it announces the local host
// and its services, dispatches queued jobs to the cluster and probes job
// producers for liveness.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/davids-j/opencast/common/config"
	"github.com/davids-j/opencast/common/metrics"
	"github.com/davids-j/opencast/serviceregistry"
	"github.com/davids-j/opencast/storage/mysql"
)

const (
	serviceName         = "serviceregistry"
	metricFlushInterval = 1 * time.Second
	httpClientTimeout   = 60 * time.Second
)

var (
	version string
	app     = kingpin.New(serviceName, "Service registry and job dispatcher")

	debug = app.Flag("debug", "enable debug mode (debug level logging)").
		Short('d').
		Default("false").
		Bool()

	configFiles = app.Flag("config", "YAML config files (can be provided multiple times to merge configs)").
			Short('c').
			Required().
			ExistingFiles()

	metricsPort = app.Flag("metrics-port", "port on which metrics and health are served").
			Default("5190").
			Int()
)

// Config is the aggregated daemon configuration.
type Config struct {
	Registry serviceregistry.Config `yaml:"registry"`
	Storage  mysql.Config           `yaml:"storage"`
	Metrics  metrics.Config         `yaml:"metrics"`
}

func main() {
	app.Version(version)
	app.HelpFlag.Short('h')
	kingpin.MustParse(app.Parse(os.Args[1:]))

	log.SetFormatter(&log.JSONFormatter{})
	if *debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}

	var cfg Config
	if err := config.Parse(&cfg, *configFiles...); err != nil {
		log.WithError(err).Fatal("Cannot parse service registry config")
	}

	rootScope, scopeCloser, mux := metrics.InitMetricScope(&cfg.Metrics, serviceName, metricFlushInterval)
	defer scopeCloser.Close()

	if err := cfg.Storage.Connect(); err != nil {
		log.WithError(err).Fatal("Could not connect to database")
	}
	if err := cfg.Storage.AutoMigrate(); err != nil {
		log.WithError(err).Fatal("Could not migrate database")
	}
	store := mysql.NewStore(cfg.Storage.Conn)

	directory := serviceregistry.StaticDirectory{}
	registry, err := serviceregistry.New(
		store,
		&http.Client{Timeout: httpClientTimeout},
		directory,
		directory,
		cfg.Registry,
		rootScope,
	)
	if err != nil {
		log.WithError(err).Fatal("Could not create service registry")
	}

	ctx := context.Background()
	if err := registry.Start(ctx); err != nil {
		log.WithError(err).Fatal("Could not start service registry")
	}

	go func() {
		addr := fmt.Sprintf(":%d", *metricsPort)
		log.WithField("addr", addr).Info("Serving metrics and health endpoints")
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.WithError(err).Error("Metrics listener failed")
		}
	}()

	log.WithField("host", registry.Hostname()).Info("Service registry started")

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	log.Info("Shutting down service registry")
	if err := registry.Stop(ctx); err != nil {
		log.WithError(err).Error("Error stopping service registry")
	}
}
