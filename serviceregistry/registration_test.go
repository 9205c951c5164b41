package serviceregistry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/davids-j/opencast/model"
	"github.com/davids-j/opencast/storage"
	"github.com/davids-j/opencast/storage/memory"
)

type RegistrationTestSuite struct {
	suite.Suite

	ctx      context.Context
	registry *Registry
	store    *memory.Store
}

func TestRegistrationTestSuite(t *testing.T) {
	suite.Run(t, new(RegistrationTestSuite))
}

func (suite *RegistrationTestSuite) SetupTest() {
	suite.ctx = context.Background()
	suite.registry, suite.store = newTestRegistry(suite.T(), testConfig())
}

func (suite *RegistrationTestSuite) TestRegisterHostIsIdempotent() {
	err := suite.registry.RegisterHost(suite.ctx, testHost, "10.0.0.1", 8<<30, 4, 4.0)
	suite.NoError(err)
	err = suite.registry.RegisterHost(suite.ctx, testHost, "10.0.0.2", 16<<30, 8, 8.0)
	suite.NoError(err)

	hosts, err := suite.store.GetHosts(suite.ctx)
	suite.NoError(err)
	suite.Len(hosts, 1)
	suite.Equal("10.0.0.2", hosts[0].IPAddress)
	suite.Equal(float32(8.0), hosts[0].MaxLoad)
	suite.True(hosts[0].Online)
	suite.True(hosts[0].Active)
}

func (suite *RegistrationTestSuite) TestUnregisterHostTakesServicesOffline() {
	registerHostAndService(suite.T(), suite.registry, testHost, 4.0, testType)

	suite.NoError(suite.registry.UnregisterHost(suite.ctx, testHost))

	host, err := suite.store.GetHost(suite.ctx, testHost)
	suite.NoError(err)
	suite.False(host.Online)

	service, err := suite.store.GetService(suite.ctx, testType, testHost)
	suite.NoError(err)
	suite.False(service.Online)
}

func (suite *RegistrationTestSuite) TestUnregisterUnknownHostFails() {
	suite.Error(suite.registry.UnregisterHost(suite.ctx, "http://nowhere"))
}

func (suite *RegistrationTestSuite) TestEnableDisablePropagatesToServices() {
	registerHostAndService(suite.T(), suite.registry, testHost, 4.0, testType)

	suite.NoError(suite.registry.DisableHost(suite.ctx, testHost))
	host, err := suite.store.GetHost(suite.ctx, testHost)
	suite.NoError(err)
	suite.False(host.Active)
	service, err := suite.store.GetService(suite.ctx, testType, testHost)
	suite.NoError(err)
	suite.False(service.Active)

	suite.NoError(suite.registry.EnableHost(suite.ctx, testHost))
	host, err = suite.store.GetHost(suite.ctx, testHost)
	suite.NoError(err)
	suite.True(host.Active)
	service, err = suite.store.GetService(suite.ctx, testType, testHost)
	suite.NoError(err)
	suite.True(service.Active)
}

func (suite *RegistrationTestSuite) TestMaintenanceStatus() {
	err := suite.registry.SetMaintenanceStatus(suite.ctx, testHost, true)
	suite.True(storage.IsNotFound(err))

	suite.NoError(suite.registry.RegisterHost(suite.ctx, testHost, "10.0.0.1", 0, 4, 4.0))

	suite.NoError(suite.registry.SetMaintenanceStatus(suite.ctx, testHost, true))
	// Setting the same status twice equals a single call.
	suite.NoError(suite.registry.SetMaintenanceStatus(suite.ctx, testHost, true))

	host, err := suite.store.GetHost(suite.ctx, testHost)
	suite.NoError(err)
	suite.True(host.MaintenanceMode)
}

func (suite *RegistrationTestSuite) TestRegisterServiceIsIdempotent() {
	suite.NoError(suite.registry.RegisterHost(suite.ctx, testHost, "10.0.0.1", 0, 4, 4.0))

	first, err := suite.registry.RegisterService(suite.ctx, testType, testHost, "/composer", true)
	suite.NoError(err)
	second, err := suite.registry.RegisterService(suite.ctx, testType, testHost, "/composer", true)
	suite.NoError(err)
	suite.Equal(first.ID, second.ID)

	services, err := suite.store.GetServices(suite.ctx)
	suite.NoError(err)
	suite.Len(services, 1)
	suite.True(services[0].Online)
	suite.True(services[0].JobProducer)
}

func (suite *RegistrationTestSuite) TestRegisterServiceRequiresHost() {
	_, err := suite.registry.RegisterService(suite.ctx, testType, testHost, "/composer", true)
	suite.Error(err)
}

func (suite *RegistrationTestSuite) TestRegisterServiceRequiresPathForNewRegistrations() {
	suite.NoError(suite.registry.RegisterHost(suite.ctx, testHost, "10.0.0.1", 0, 4, 4.0))
	_, err := suite.registry.RegisterService(suite.ctx, testType, testHost, "", true)
	suite.Error(err)
}

func (suite *RegistrationTestSuite) TestUnregisterServiceRestartsDispatchableJobs() {
	service := registerHostAndService(suite.T(), suite.registry, testHost, 4.0, testType)

	running := &model.Job{
		JobType:          testType,
		Operation:        "encode",
		Status:           model.StatusRunning,
		Dispatchable:     true,
		JobLoad:          1.0,
		ProcessorService: service,
	}
	suite.NoError(suite.store.CreateJob(suite.ctx, running))

	pinned := &model.Job{
		JobType:          testType,
		Operation:        "encode",
		Status:           model.StatusRunning,
		Dispatchable:     false,
		JobLoad:          1.0,
		ProcessorService: service,
	}
	suite.NoError(suite.store.CreateJob(suite.ctx, pinned))

	suite.NoError(suite.registry.UnregisterService(suite.ctx, testType, testHost))

	restarted, err := suite.store.GetJob(suite.ctx, running.ID)
	suite.NoError(err)
	suite.Equal(model.StatusRestart, restarted.Status)
	suite.Nil(restarted.ProcessorService)

	failed, err := suite.store.GetJob(suite.ctx, pinned.ID)
	suite.NoError(err)
	suite.Equal(model.StatusFailed, failed.Status)
}

func (suite *RegistrationTestSuite) TestUnregisterServiceCancelsChildren() {
	service := registerHostAndService(suite.T(), suite.registry, testHost, 4.0, testType)

	parent := &model.Job{
		JobType:          testType,
		Operation:        "encode",
		Status:           model.StatusRunning,
		Dispatchable:     true,
		ProcessorService: service,
	}
	suite.NoError(suite.store.CreateJob(suite.ctx, parent))

	child := &model.Job{
		JobType:      testType,
		Operation:    "encode",
		Status:       model.StatusQueued,
		Dispatchable: true,
		ParentID:     &parent.ID,
		RootID:       &parent.ID,
	}
	suite.NoError(suite.store.CreateJob(suite.ctx, child))

	suite.NoError(suite.registry.UnregisterService(suite.ctx, testType, testHost))

	canceled, err := suite.store.GetJob(suite.ctx, child.ID)
	suite.NoError(err)
	suite.Equal(model.StatusCanceled, canceled.Status)
}

func (suite *RegistrationTestSuite) TestPausedRootIsRestartedInstead() {
	service := registerHostAndService(suite.T(), suite.registry, testHost, 4.0, testType)

	root := &model.Job{
		JobType:      TypeWorkflow,
		Operation:    "RESUME",
		Status:       model.StatusPaused,
		Dispatchable: true,
	}
	suite.NoError(suite.store.CreateJob(suite.ctx, root))

	job := &model.Job{
		JobType:          testType,
		Operation:        "encode",
		Status:           model.StatusRunning,
		Dispatchable:     true,
		ParentID:         &root.ID,
		RootID:           &root.ID,
		ProcessorService: service,
	}
	suite.NoError(suite.store.CreateJob(suite.ctx, job))

	suite.NoError(suite.registry.UnregisterService(suite.ctx, testType, testHost))

	updatedRoot, err := suite.store.GetJob(suite.ctx, root.ID)
	suite.NoError(err)
	suite.Equal(model.StatusRestart, updatedRoot.Status)
	suite.Equal(StartOperation, updatedRoot.Operation)

	// The running job itself was canceled along with its siblings.
	updatedJob, err := suite.store.GetJob(suite.ctx, job.ID)
	suite.NoError(err)
	suite.Equal(model.StatusCanceled, updatedJob.Status)
}

func (suite *RegistrationTestSuite) TestSanitize() {
	service := registerHostAndService(suite.T(), suite.registry, testHost, 4.0, testType)

	service.SetState(model.ServiceStateError, 1234)
	suite.NoError(suite.store.UpdateServiceState(suite.ctx, service))

	suite.NoError(suite.registry.Sanitize(suite.ctx, testType, testHost))

	sanitized, err := suite.store.GetService(suite.ctx, testType, testHost)
	suite.NoError(err)
	suite.Equal(model.ServiceStateNormal, sanitized.ServiceState)

	err = suite.registry.Sanitize(suite.ctx, testType, "http://nowhere")
	suite.True(storage.IsNotFound(err))
}
