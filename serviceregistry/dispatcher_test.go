package serviceregistry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/uber-go/tally/v4"

	"github.com/davids-j/opencast/common/stringset"
	"github.com/davids-j/opencast/model"
	"github.com/davids-j/opencast/storage"
	"github.com/davids-j/opencast/storage/memory"
)

// worker is a fake job producer recording the dispatch requests it gets.
type worker struct {
	sync.Mutex

	status   int
	requests []*http.Request
	jobs     []*model.Job
	server   *httptest.Server
}

func newWorker(t *testing.T, status int) *worker {
	t.Helper()
	w := &worker{status: status}
	w.server = httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		w.Lock()
		defer w.Unlock()
		w.requests = append(w.requests, r)
		if r.Method == http.MethodPost {
			require.NoError(t, r.ParseForm())
			job, err := model.UnmarshalJobXML(r.PostFormValue("job"))
			require.NoError(t, err)
			w.jobs = append(w.jobs, job)
		}
		rw.WriteHeader(w.status)
	}))
	t.Cleanup(w.server.Close)
	return w
}

func (w *worker) url() string {
	return w.server.URL
}

func (w *worker) requestCount() int {
	w.Lock()
	defer w.Unlock()
	return len(w.requests)
}

func (w *worker) lastRequest() *http.Request {
	w.Lock()
	defer w.Unlock()
	if len(w.requests) == 0 {
		return nil
	}
	return w.requests[len(w.requests)-1]
}

type DispatcherTestSuite struct {
	suite.Suite

	ctx         context.Context
	registry    *Registry
	store       *memory.Store
	creatorHost string
}

func TestDispatcherTestSuite(t *testing.T) {
	suite.Run(t, new(DispatcherTestSuite))
}

func (suite *DispatcherTestSuite) SetupTest() {
	suite.ctx = userContext()
	suite.registry, suite.store = newTestRegistry(suite.T(), testConfig())
	suite.creatorHost = ""
}

// setup registers the worker's host and service; jobs queued afterwards
// are created by that service.
func (suite *DispatcherTestSuite) setup(w *worker, maxLoad float32) *model.ServiceRegistration {
	suite.creatorHost = w.url()
	return registerHostAndService(suite.T(), suite.registry, w.url(), maxLoad, testType)
}

func (suite *DispatcherTestSuite) queueJob(operation string, load float32) *model.Job {
	job, err := suite.registry.CreateJob(suite.ctx, JobCreation{
		JobType:      testType,
		Host:         suite.creatorHost,
		Operation:    operation,
		Arguments:    []string{"track-1"},
		Dispatchable: true,
		JobLoad:      load,
	})
	suite.Require().NoError(err)
	return job
}

func (suite *DispatcherTestSuite) TestHappyPath() {
	w := newWorker(suite.T(), http.StatusNoContent)
	suite.setup(w, 2.0)
	job := suite.queueJob("encode", 1.0)

	suite.registry.dispatcher.run(suite.ctx)

	suite.Equal(1, w.requestCount())
	request := w.lastRequest()
	suite.Equal("mh_default_org", request.Header.Get(OrganizationHeader))
	suite.Equal("admin", request.Header.Get(UserHeader))
	suite.Contains(request.URL.Path, "/dispatch")

	w.Lock()
	suite.Require().Len(w.jobs, 1)
	suite.Equal(job.ID, w.jobs[0].ID)
	suite.Equal(model.StatusDispatching, w.jobs[0].Status)
	w.Unlock()

	dispatched, err := suite.store.GetJob(suite.ctx, job.ID)
	suite.Require().NoError(err)
	suite.Equal(model.StatusDispatching, dispatched.Status)
	suite.Require().NotNil(dispatched.ProcessorService)
	suite.Equal(w.url(), dispatched.ProcessorService.Host)

	// The dispatched job now counts toward the host load.
	load, err := suite.registry.HostLoads(suite.ctx, true)
	suite.Require().NoError(err)
	suite.Equal(float32(1.0), load.Get(w.url()).LoadFactor)
}

func (suite *DispatcherTestSuite) TestLoadCapLeavesSecondJobQueued() {
	w := newWorker(suite.T(), http.StatusNoContent)
	suite.setup(w, 1.0)
	first := suite.queueJob("encode", 1.0)
	second := suite.queueJob("encode", 1.0)

	suite.registry.dispatcher.run(suite.ctx)

	suite.Equal(1, w.requestCount())

	dispatched, err := suite.store.GetJob(suite.ctx, first.ID)
	suite.Require().NoError(err)
	suite.Equal(model.StatusDispatching, dispatched.Status)

	queued, err := suite.store.GetJob(suite.ctx, second.ID)
	suite.Require().NoError(err)
	suite.Equal(model.StatusQueued, queued.Status)
	suite.Nil(queued.ProcessorService)
}

// conflictStore simulates a second registry instance claiming every job
// first: the initial optimistic write of each job fails.
type conflictStore struct {
	*memory.Store
	conflicts int
}

func (s *conflictStore) UpdateJob(ctx context.Context, job *model.Job) error {
	if job.Status == model.StatusDispatching && s.conflicts > 0 {
		s.conflicts--
		return storage.ErrVersionConflict
	}
	return s.Store.UpdateJob(ctx, job)
}

func (suite *DispatcherTestSuite) TestOptimisticLockLoserDoesNotPost() {
	store := &conflictStore{Store: memory.New(), conflicts: 1}
	registry, err := New(store, http.DefaultClient, StaticDirectory{}, StaticDirectory{}, testConfig(), tally.NoopScope)
	suite.Require().NoError(err)

	w := newWorker(suite.T(), http.StatusNoContent)
	registerHostAndService(suite.T(), registry, w.url(), 2.0, testType)
	job, err := registry.CreateJob(suite.ctx, JobCreation{
		JobType: testType, Host: w.url(), Operation: "encode", Dispatchable: true,
	})
	suite.Require().NoError(err)

	registry.dispatcher.run(suite.ctx)

	// The loser never talks to the worker.
	suite.Zero(w.requestCount())

	stored, err := store.GetJob(suite.ctx, job.ID)
	suite.Require().NoError(err)
	suite.Equal(model.StatusQueued, stored.Status)
}

func (suite *DispatcherTestSuite) TestRefusingServiceTriesNextCandidate() {
	refusing := newWorker(suite.T(), http.StatusServiceUnavailable)
	accepting := newWorker(suite.T(), http.StatusNoContent)

	// Both hosts are idle; the refusing service is registered first, so it
	// leads the equally loaded candidates and is tried first.
	suite.setup(refusing, 4.0)
	registerHostAndService(suite.T(), suite.registry, accepting.url(), 4.0, testType)
	job := suite.queueJob("encode", 1.0)

	suite.registry.dispatcher.run(suite.ctx)

	suite.Equal(1, refusing.requestCount())
	suite.Equal(1, accepting.requestCount())

	dispatched, err := suite.store.GetJob(suite.ctx, job.ID)
	suite.Require().NoError(err)
	suite.Equal(model.StatusDispatching, dispatched.Status)
	suite.Require().NotNil(dispatched.ProcessorService)
	suite.Equal(accepting.url(), dispatched.ProcessorService.Host)
}

func (suite *DispatcherTestSuite) TestPreconditionFailedFailsJob() {
	w := newWorker(suite.T(), http.StatusPreconditionFailed)
	suite.setup(w, 4.0)
	job := suite.queueJob("encode", 1.0)

	suite.registry.dispatcher.run(suite.ctx)

	suite.Equal(1, w.requestCount())
	failed, err := suite.store.GetJob(suite.ctx, job.ID)
	suite.Require().NoError(err)
	suite.Equal(model.StatusFailed, failed.Status)
}

func (suite *DispatcherTestSuite) TestExhaustedCandidatesRestoreQueued() {
	w := newWorker(suite.T(), http.StatusInternalServerError)
	suite.setup(w, 4.0)
	job := suite.queueJob("encode", 1.0)

	suite.registry.dispatcher.run(suite.ctx)

	suite.Equal(1, w.requestCount())
	restored, err := suite.store.GetJob(suite.ctx, job.ID)
	suite.Require().NoError(err)
	suite.Equal(model.StatusQueued, restored.Status)
	suite.Nil(restored.ProcessorService)
}

func (suite *DispatcherTestSuite) TestUnavailableSignatureSkippedWithinRound() {
	// The only service of the type goes offline: the first job of the
	// signature marks it undispatchable, the second is skipped outright.
	suite.Require().NoError(suite.registry.RegisterHost(suite.ctx, testHost, "10.0.0.1", 0, 4, 4.0))
	_, err := suite.registry.RegisterService(suite.ctx, testType, testHost, "/composer", true)
	suite.Require().NoError(err)
	job := suite.queueJob("encode", 1.0)
	suite.Require().NoError(suite.registry.UnregisterService(suite.ctx, testType, testHost))

	undispatchable := stringset.New()
	err = suite.registry.dispatcher.dispatchOne(suite.ctx, job, undispatchable)
	suite.NoError(err)
	suite.True(undispatchable.Contains(testType + "@encode"))
}

func (suite *DispatcherTestSuite) TestWorkflowSignatureIsNeverMarkedUndispatchable() {
	suite.Require().NoError(suite.registry.RegisterHost(suite.ctx, testHost, "10.0.0.1", 0, 4, 4.0))
	_, err := suite.registry.RegisterService(suite.ctx, TypeWorkflow, testHost, "/workflow", true)
	suite.Require().NoError(err)
	job, err := suite.registry.CreateJob(suite.ctx, JobCreation{
		JobType: TypeWorkflow, Operation: StartWorkflow, Dispatchable: true,
	})
	suite.Require().NoError(err)
	suite.Require().NoError(suite.registry.UnregisterService(suite.ctx, TypeWorkflow, testHost))

	undispatchable := stringset.New()
	suite.NoError(suite.registry.dispatcher.dispatchOne(suite.ctx, job, undispatchable))
	suite.Zero(undispatchable.Len())
}

func (suite *DispatcherTestSuite) TestDispatchPriorityOrdering() {
	now := time.Now()
	older := now.Add(-time.Hour)

	restartWorkflow := &model.Job{ID: 1, JobType: TypeWorkflow, Status: model.StatusRestart, DateCreated: now}
	restart := &model.Job{ID: 2, JobType: testType, Status: model.StatusRestart, DateCreated: now}
	queuedOld := &model.Job{ID: 3, JobType: testType, Status: model.StatusQueued, DateCreated: older}
	queuedNew := &model.Job{ID: 4, JobType: testType, Status: model.StatusQueued, DateCreated: now}
	workflow := &model.Job{ID: 5, JobType: TypeWorkflow, Status: model.StatusQueued, DateCreated: older}

	jobs := []*model.Job{workflow, queuedNew, restartWorkflow, queuedOld, restart}
	sort.SliceStable(jobs, byDispatchPriority(jobs))

	ids := make([]int64, 0, len(jobs))
	for _, job := range jobs {
		ids = append(ids, job.ID)
	}
	// Restarted jobs first (regular before workflow), then queued regular
	// jobs by age, workflow jobs last.
	suite.Equal([]int64{2, 1, 3, 4, 5}, ids)
}
