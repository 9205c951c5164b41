package background

import (
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/atomic"
)

type WorkManagerTestSuite struct {
	suite.Suite
}

func TestWorkManagerTestSuite(t *testing.T) {
	suite.Run(t, new(WorkManagerTestSuite))
}

func (suite *WorkManagerTestSuite) TestMultipleWorksStartStop() {
	v1 := atomic.Int64{}
	v2 := atomic.Int64{}

	manager, err := NewManager()
	suite.NoError(err)
	err = manager.RegisterWorks(
		Work{
			Name:   "update_v1",
			Period: time.Millisecond,
			Func: func(_ *atomic.Bool) {
				v1.Inc()
			},
		},
		Work{
			Name:   "update_v2",
			Period: time.Millisecond,
			Func: func(_ *atomic.Bool) {
				v2.Inc()
			},
			InitialDelay: time.Millisecond * 100,
		},
	)

	suite.NoError(err)
	time.Sleep(time.Millisecond * 30)
	suite.Zero(v1.Load())
	suite.Zero(v2.Load())

	manager.Start()
	time.Sleep(time.Millisecond * 30)
	suite.NotZero(v1.Load())
	suite.Zero(v2.Load())

	time.Sleep(time.Millisecond * 150)
	suite.NotZero(v1.Load())
	suite.NotZero(v2.Load())

	manager.Stop()
	time.Sleep(time.Millisecond * 30)
	stop1 := v1.Load()
	stop2 := v2.Load()
	time.Sleep(time.Millisecond * 30)
	suite.Equal(stop1, v1.Load())
	suite.Equal(stop2, v2.Load())
}

func (suite *WorkManagerTestSuite) TestRegisterBadWork() {
	manager, err := NewManager()
	suite.NoError(err)

	err = manager.RegisterWorks(Work{Name: "", Period: time.Second})
	suite.Error(err)

	err = manager.RegisterWorks(Work{Name: "no_period", Func: func(*atomic.Bool) {}})
	suite.Error(err)

	err = manager.RegisterWorks(Work{Name: "dup", Period: time.Second, Func: func(*atomic.Bool) {}})
	suite.NoError(err)
	err = manager.RegisterWorks(Work{Name: "dup", Period: time.Second, Func: func(*atomic.Bool) {}})
	suite.Error(err)
}

// TestFixedDelay verifies that a slow callback does not cause runs to
// stack: the gap between runs is at least the period plus the run time.
func (suite *WorkManagerTestSuite) TestFixedDelay() {
	var runs atomic.Int64

	manager, err := NewManager(Work{
		Name:   "slow",
		Period: 20 * time.Millisecond,
		Func: func(_ *atomic.Bool) {
			runs.Inc()
			time.Sleep(40 * time.Millisecond)
		},
	})
	suite.NoError(err)

	manager.Start()
	// With fixed-rate scheduling 200ms would fit ~10 runs; fixed-delay
	// spacing of period+runtime fits at most 4.
	time.Sleep(200 * time.Millisecond)
	manager.Stop()
	suite.True(runs.Load() <= 4, "runs stacked: %d", runs.Load())
	suite.True(runs.Load() >= 2)
}
