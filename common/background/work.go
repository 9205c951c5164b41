// Package background runs named pieces of periodic work on fixed-delay
// schedules: the delay between two executions is measured from the end of
// one run to the start of the next, so slow runs never stack.
package background

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/pkg/errors"
)

const _stopRetryInterval = 1 * time.Millisecond

var (
	errEmptyName     = errors.New("background work name cannot be empty")
	errDuplicateName = errors.New("duplicate background work name")
	errZeroPeriod    = errors.New("background work period must be positive")
)

// Work is a piece of work which needs to happen periodically.
type Work struct {
	Name         string
	Func         func(*atomic.Bool)
	Period       time.Duration
	InitialDelay time.Duration
}

// Manager allows multiple background Works to be registered and
// started/stopped together.
type Manager interface {
	// Start starts all registered background works.
	Start()
	// Stop stops all registered background works.
	Stop()
	// RegisterWorks registers background works against the Manager.
	RegisterWorks(works ...Work) error
}

type manager struct {
	runners map[string]*runner
}

// NewManager creates a new instance of Manager with registered works.
func NewManager(works ...Work) (Manager, error) {
	m := &manager{
		runners: make(map[string]*runner),
	}
	if err := m.RegisterWorks(works...); err != nil {
		return nil, err
	}
	return m, nil
}

// RegisterWorks registers background works against the Manager.
func (m *manager) RegisterWorks(works ...Work) error {
	for _, work := range works {
		if work.Name == "" {
			return errEmptyName
		}
		if work.Period <= 0 {
			return errors.Wrap(errZeroPeriod, work.Name)
		}
		if _, ok := m.runners[work.Name]; ok {
			return errors.Wrap(errDuplicateName, work.Name)
		}
		m.runners[work.Name] = &runner{
			work:     work,
			stopChan: make(chan struct{}, 1),
		}
	}
	return nil
}

// Start all registered works.
func (m *manager) Start() {
	for _, r := range m.runners {
		r.start()
	}
}

// Stop all registered works.
func (m *manager) Stop() {
	for _, r := range m.runners {
		r.stop()
	}
}

type runner struct {
	sync.Mutex

	work Work

	running  atomic.Bool
	stopChan chan struct{}
}

func (r *runner) start() {
	log.WithField("name", r.work.Name).Info("Starting background work")
	r.Lock()
	defer r.Unlock()
	if r.running.Swap(true) {
		log.WithField("name", r.work.Name).
			Info("Background work is already running, no-op")
		return
	}

	go func() {
		defer r.running.Store(false)

		delay := r.work.Period
		if r.work.InitialDelay > 0 {
			delay = r.work.InitialDelay
		}

		// The timer is re-armed only after Func returns, which yields
		// fixed-delay rather than fixed-rate scheduling.
		timer := time.NewTimer(delay)
		defer timer.Stop()
		for {
			select {
			case <-r.stopChan:
				log.WithField("name", r.work.Name).
					Info("Background work stopped")
				return
			case <-timer.C:
				r.work.Func(&r.running)
				timer.Reset(r.work.Period)
			}
		}
	}()
}

func (r *runner) stop() {
	log.WithField("name", r.work.Name).Info("Stopping background work")

	if !r.running.Load() {
		log.WithField("name", r.work.Name).
			Warn("Background work is not running, no-op")
		return
	}

	r.Lock()
	defer r.Unlock()

	r.stopChan <- struct{}{}

	for r.running.Load() {
		time.Sleep(_stopRetryInterval)
	}
}
