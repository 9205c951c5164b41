package serviceregistry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/davids-j/opencast/model"
	"github.com/davids-j/opencast/storage/memory"
)

type FailoverTestSuite struct {
	suite.Suite

	ctx      context.Context
	registry *Registry
	store    *memory.Store
	serviceA *model.ServiceRegistration
	serviceB *model.ServiceRegistration
}

func TestFailoverTestSuite(t *testing.T) {
	suite.Run(t, new(FailoverTestSuite))
}

func (suite *FailoverTestSuite) SetupTest() {
	suite.ctx = userContext()
	suite.registry, suite.store = newTestRegistry(suite.T(), testConfig())
	suite.serviceA = registerHostAndService(suite.T(), suite.registry, testHost, 4.0, testType)
	suite.serviceB = registerHostAndService(suite.T(), suite.registry, testHostTwo, 4.0, testType)
}

// runJob creates a job with the given arguments, marks it running on the
// service, then completes it with the given terminal status.
func (suite *FailoverTestSuite) runJob(service *model.ServiceRegistration, args []string, terminal model.Status, reason model.FailureReason) *model.Job {
	job, err := suite.registry.CreateJob(suite.ctx, JobCreation{
		JobType:      testType,
		Operation:    "encode",
		Arguments:    args,
		Dispatchable: true,
	})
	suite.Require().NoError(err)

	job.Status = model.StatusRunning
	job.ProcessorService = service
	job, err = suite.registry.UpdateJob(suite.ctx, job)
	suite.Require().NoError(err)

	job.Status = terminal
	job.FailureReason = reason
	job, err = suite.registry.UpdateJob(suite.ctx, job)
	suite.Require().NoError(err)
	return job
}

func (suite *FailoverTestSuite) state(service *model.ServiceRegistration) *model.ServiceRegistration {
	fresh, err := suite.store.GetService(suite.ctx, service.ServiceType, service.Host)
	suite.Require().NoError(err)
	return fresh
}

func (suite *FailoverTestSuite) TestFirstFailureSetsWarning() {
	job := suite.runJob(suite.serviceA, []string{"track-1"}, model.StatusFailed, model.FailureReasonNone)

	stateA := suite.state(suite.serviceA)
	suite.Equal(model.ServiceStateWarning, stateA.ServiceState)
	suite.Equal(job.Signature(), stateA.WarningStateTrigger)

	suite.Equal(model.ServiceStateNormal, suite.state(suite.serviceB).ServiceState)
}

func (suite *FailoverTestSuite) TestDataFailuresAreIgnored() {
	suite.runJob(suite.serviceA, []string{"track-1"}, model.StatusFailed, model.FailureReasonData)
	suite.Equal(model.ServiceStateNormal, suite.state(suite.serviceA).ServiceState)
}

func (suite *FailoverTestSuite) TestRepeatedFailurePromotesToError() {
	job := suite.runJob(suite.serviceA, []string{"track-1"}, model.StatusFailed, model.FailureReasonNone)
	suite.Equal(model.ServiceStateWarning, suite.state(suite.serviceA).ServiceState)

	// Second failure of the same signature on the same service; the
	// failure history is now >= max attempts (1).
	suite.runJob(suite.serviceA, []string{"track-1"}, model.StatusFailed, model.FailureReasonNone)

	stateA := suite.state(suite.serviceA)
	suite.Equal(model.ServiceStateError, stateA.ServiceState)
	suite.Equal(job.Signature(), stateA.ErrorStateTrigger)
}

func (suite *FailoverTestSuite) TestFinishedResetsWarning() {
	suite.runJob(suite.serviceA, []string{"track-1"}, model.StatusFailed, model.FailureReasonNone)
	suite.Equal(model.ServiceStateWarning, suite.state(suite.serviceA).ServiceState)

	suite.runJob(suite.serviceA, []string{"track-2"}, model.StatusFinished, model.FailureReasonNone)
	suite.Equal(model.ServiceStateNormal, suite.state(suite.serviceA).ServiceState)
}

func (suite *FailoverTestSuite) TestSuccessElsewherePromotesWarningServiceToError() {
	// The signature fails on A, putting it into WARNING.
	failed := suite.runJob(suite.serviceA, []string{"track-1"}, model.StatusFailed, model.FailureReasonNone)
	suite.Equal(model.ServiceStateWarning, suite.state(suite.serviceA).ServiceState)

	// The same signature succeeds on B: A is definitively bad.
	suite.runJob(suite.serviceB, []string{"track-1"}, model.StatusFinished, model.FailureReasonNone)

	stateA := suite.state(suite.serviceA)
	suite.Equal(model.ServiceStateError, stateA.ServiceState)
	suite.Equal(failed.Signature(), stateA.ErrorStateTrigger)
}

func (suite *FailoverTestSuite) TestFailureElsewhereDemotesErrorService() {
	// A ends up in ERROR state for the signature.
	suite.runJob(suite.serviceA, []string{"track-1"}, model.StatusFailed, model.FailureReasonNone)
	suite.runJob(suite.serviceB, []string{"track-1"}, model.StatusFinished, model.FailureReasonNone)
	suite.Equal(model.ServiceStateError, suite.state(suite.serviceA).ServiceState)

	// Now the same signature fails on B too: the fault follows the job,
	// so A is demoted back to WARNING.
	suite.runJob(suite.serviceB, []string{"track-1"}, model.StatusFailed, model.FailureReasonNone)

	suite.Equal(model.ServiceStateWarning, suite.state(suite.serviceA).ServiceState)
}

func (suite *FailoverTestSuite) TestFailureElsewhereForgivesWarningService() {
	// A goes WARNING for the signature.
	suite.runJob(suite.serviceA, []string{"track-1"}, model.StatusFailed, model.FailureReasonNone)
	suite.Equal(model.ServiceStateWarning, suite.state(suite.serviceA).ServiceState)

	// The same signature now fails on B as well: it is the job that is
	// broken, A is forgiven.
	suite.runJob(suite.serviceB, []string{"track-1"}, model.StatusFailed, model.FailureReasonNone)

	suite.Equal(model.ServiceStateNormal, suite.state(suite.serviceA).ServiceState)
}

func (suite *FailoverTestSuite) TestWorkflowJobsBypassFailover() {
	workflowService := registerHostAndService(suite.T(), suite.registry, testHost, 4.0, TypeWorkflow)

	job, err := suite.registry.CreateJob(suite.ctx, JobCreation{
		JobType:      TypeWorkflow,
		Operation:    StartWorkflow,
		Dispatchable: true,
	})
	suite.Require().NoError(err)
	job.Status = model.StatusRunning
	job.ProcessorService = workflowService
	job, err = suite.registry.UpdateJob(suite.ctx, job)
	suite.Require().NoError(err)
	job.Status = model.StatusFailed
	_, err = suite.registry.UpdateJob(suite.ctx, job)
	suite.Require().NoError(err)

	suite.Equal(model.ServiceStateNormal, suite.state(workflowService).ServiceState)
}
