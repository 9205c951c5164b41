package serviceregistry

import (
	"github.com/uber-go/tally/v4"
)

// Metrics holds the counters tracking the internal state of the registry.
type Metrics struct {
	JobCreate     tally.Counter
	JobCreateFail tally.Counter
	JobUpdate     tally.Counter
	JobUpdateFail tally.Counter
	JobRemove     tally.Counter
	JobRemoveFail tally.Counter

	DispatchRounds   tally.Counter
	DispatchSuccess  tally.Counter
	DispatchFail     tally.Counter
	DispatchSkipped  tally.Counter
	DispatchDuration tally.Timer

	HeartbeatProbes       tally.Counter
	HeartbeatUnresponsive tally.Counter
	HeartbeatOffline      tally.Counter
	HeartbeatRestored     tally.Counter

	ServicesNotNormal tally.Gauge

	statsScope tally.Scope
}

// NewMetrics returns a Metrics struct with all metrics rooted at the given
// scope.
func NewMetrics(scope tally.Scope) Metrics {
	jobScope := scope.SubScope("job")
	jobSuccessScope := jobScope.Tagged(map[string]string{"result": "success"})
	jobFailScope := jobScope.Tagged(map[string]string{"result": "fail"})

	dispatchScope := scope.SubScope("dispatch")
	heartbeatScope := scope.SubScope("heartbeat")
	serviceScope := scope.SubScope("service")

	return Metrics{
		JobCreate:     jobSuccessScope.Counter("create"),
		JobCreateFail: jobFailScope.Counter("create"),
		JobUpdate:     jobSuccessScope.Counter("update"),
		JobUpdateFail: jobFailScope.Counter("update"),
		JobRemove:     jobSuccessScope.Counter("remove"),
		JobRemoveFail: jobFailScope.Counter("remove"),

		DispatchRounds:   dispatchScope.Counter("rounds"),
		DispatchSuccess:  dispatchScope.Counter("success"),
		DispatchFail:     dispatchScope.Counter("fail"),
		DispatchSkipped:  dispatchScope.Counter("skipped"),
		DispatchDuration: dispatchScope.Timer("round_duration"),

		HeartbeatProbes:       heartbeatScope.Counter("probes"),
		HeartbeatUnresponsive: heartbeatScope.Counter("unresponsive"),
		HeartbeatOffline:      heartbeatScope.Counter("offline"),
		HeartbeatRestored:     heartbeatScope.Counter("restored"),

		ServicesNotNormal: serviceScope.Gauge("not_normal"),

		statsScope: scope.SubScope("jobstats"),
	}
}
