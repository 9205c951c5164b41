package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/davids-j/opencast/model"
	"github.com/davids-j/opencast/storage"
)

type MemoryStoreTestSuite struct {
	suite.Suite

	ctx   context.Context
	store *Store
}

func TestMemoryStoreTestSuite(t *testing.T) {
	suite.Run(t, new(MemoryStoreTestSuite))
}

func (suite *MemoryStoreTestSuite) SetupTest() {
	suite.ctx = context.Background()
	suite.store = New()
}

func (suite *MemoryStoreTestSuite) service(serviceType, host string) *model.ServiceRegistration {
	suite.Require().NoError(suite.store.UpsertHost(suite.ctx, &model.HostRegistration{
		BaseURL: host, Online: true, Active: true, MaxLoad: 4,
	}))
	service := &model.ServiceRegistration{
		ServiceType: serviceType, Host: host, Path: "/" + serviceType,
		Online: true, Active: true, JobProducer: true,
	}
	suite.Require().NoError(suite.store.UpsertService(suite.ctx, service))
	return service
}

func (suite *MemoryStoreTestSuite) TestJobVersioning() {
	job := &model.Job{JobType: "t", Operation: "o", Status: model.StatusQueued, DateCreated: time.Now()}
	suite.Require().NoError(suite.store.CreateJob(suite.ctx, job))
	suite.Equal(int64(1), job.Version)

	// A writer holding the current version succeeds and bumps it.
	suite.Require().NoError(suite.store.UpdateJob(suite.ctx, job))
	suite.Equal(int64(2), job.Version)

	// A writer holding a stale version loses.
	stale := job.Copy()
	stale.Version = 1
	err := suite.store.UpdateJob(suite.ctx, stale)
	suite.ErrorIs(err, storage.ErrVersionConflict)
}

func (suite *MemoryStoreTestSuite) TestNotFound() {
	_, err := suite.store.GetJob(suite.ctx, 7)
	suite.True(storage.IsNotFound(err))
	_, err = suite.store.GetHost(suite.ctx, "http://nowhere")
	suite.True(storage.IsNotFound(err))
	_, err = suite.store.GetService(suite.ctx, "t", "http://nowhere")
	suite.True(storage.IsNotFound(err))
}

func (suite *MemoryStoreTestSuite) TestDeleteJobsIsAtomic() {
	job := &model.Job{JobType: "t", Operation: "o", DateCreated: time.Now()}
	suite.Require().NoError(suite.store.CreateJob(suite.ctx, job))

	// One missing id fails the whole batch.
	err := suite.store.DeleteJobs(suite.ctx, []int64{job.ID, 999})
	suite.True(storage.IsNotFound(err))
	_, err = suite.store.GetJob(suite.ctx, job.ID)
	suite.NoError(err)

	suite.Require().NoError(suite.store.DeleteJobs(suite.ctx, []int64{job.ID}))
	_, err = suite.store.GetJob(suite.ctx, job.ID)
	suite.True(storage.IsNotFound(err))
}

func (suite *MemoryStoreTestSuite) TestProcessorSnapshotsFollowServiceState() {
	service := suite.service("t", "http://h1")

	job := &model.Job{
		JobType: "t", Operation: "o", Status: model.StatusRunning,
		DateCreated: time.Now(), ProcessorService: service,
	}
	suite.Require().NoError(suite.store.CreateJob(suite.ctx, job))

	// The snapshot returned for the job reflects later service updates.
	service.Online = false
	suite.Require().NoError(suite.store.UpdateService(suite.ctx, service))

	loaded, err := suite.store.GetJob(suite.ctx, job.ID)
	suite.Require().NoError(err)
	suite.Require().NotNil(loaded.ProcessorService)
	suite.False(loaded.ProcessorService.Online)
}

func (suite *MemoryStoreTestSuite) TestHostLoadRows() {
	serviceA := suite.service("a", "http://h1")
	serviceB := suite.service("b", "http://h1")

	jobs := []*model.Job{
		{JobType: "a", Operation: "o", Status: model.StatusRunning, JobLoad: 1, DateCreated: time.Now(), ProcessorService: serviceA},
		{JobType: "a", Operation: "o", Status: model.StatusRunning, JobLoad: 2, DateCreated: time.Now(), ProcessorService: serviceA},
		{JobType: "b", Operation: "o", Status: model.StatusQueued, JobLoad: 1, DateCreated: time.Now(), ProcessorService: serviceB},
		{JobType: "b", Operation: "o", Status: model.StatusFinished, JobLoad: 9, DateCreated: time.Now(), ProcessorService: serviceB},
	}
	for _, job := range jobs {
		suite.Require().NoError(suite.store.CreateJob(suite.ctx, job))
	}

	rows, err := suite.store.GetHostLoadRows(suite.ctx,
		[]model.Status{model.StatusQueued, model.StatusRunning})
	suite.Require().NoError(err)
	suite.Require().Len(rows, 2)

	byService := make(map[string]float32)
	for _, row := range rows {
		byService[row.ServiceType] = row.Load
	}
	suite.Equal(float32(3), byService["a"])
	suite.Equal(float32(1), byService["b"])
}

func (suite *MemoryStoreTestSuite) TestCountFailedJobsOnService() {
	service := suite.service("t", "http://h1")
	other := suite.service("t", "http://h2")

	for i := 0; i < 3; i++ {
		suite.Require().NoError(suite.store.CreateJob(suite.ctx, &model.Job{
			JobType: "t", Operation: "o", Status: model.StatusFailed,
			DateCreated: time.Now(), ProcessorService: service,
		}))
	}
	suite.Require().NoError(suite.store.CreateJob(suite.ctx, &model.Job{
		JobType: "t", Operation: "o", Status: model.StatusFailed,
		DateCreated: time.Now(), ProcessorService: other,
	}))

	count, err := suite.store.CountFailedJobsOnService(suite.ctx, "t", "http://h1")
	suite.Require().NoError(err)
	suite.Equal(int64(3), count)
}
