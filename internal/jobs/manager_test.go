package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"phantomtrack/internal/generator"
	"phantomtrack/internal/orchestrator"
	"phantomtrack/pkg/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	release chan struct{}
	err     error

	mu      sync.Mutex
	running int
	peak    int
	order   []string
}

func (f *fakeRunner) Generate(ctx context.Context, req orchestrator.Request, progress orchestrator.ProgressFunc) (*orchestrator.Result, error) {
	f.mu.Lock()
	f.running++
	f.peak = max(f.peak, f.running)
	f.order = append(f.order, req.Prompt)
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.running--
		f.mu.Unlock()
	}()

	progress(orchestrator.StageLoadingModel, 1)
	progress(orchestrator.StageGenerating, 0.5)
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, &orchestrator.Error{Kind: orchestrator.KindGeneration, Message: "Error during music generation: cancelled", Err: ctx.Err()}
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	progress(orchestrator.StagePersisting, 1)
	return &orchestrator.Result{Path: "/scratch/phantom_track_1700000000.wav", Prompt: "smooth melodic music"}, nil
}

type memoryStore struct {
	mu          sync.Mutex
	jobs        map[string]models.GenerationJob
	interrupted bool
}

func newMemoryStore() *memoryStore {
	return &memoryStore{jobs: make(map[string]models.GenerationJob)}
}

func (s *memoryStore) UpsertJob(job models.GenerationJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

func (s *memoryStore) GetJob(id string) (*models.GenerationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return &job, nil
}

func (s *memoryStore) GetRecentJobs(limit int) ([]models.GenerationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var jobs []models.GenerationJob
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *memoryStore) MarkInterruptedJobs() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interrupted = true
	return 0, nil
}

func (s *memoryStore) DeleteJobsBefore(t time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, job := range s.jobs {
		if job.Status.Terminal() && job.CreatedAt.Before(t) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) get(id string) models.GenerationJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id]
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func waitForStatus(t *testing.T, m *Manager, id string, status models.JobStatus) models.GenerationJob {
	t.Helper()
	var job *models.GenerationJob
	require.Eventually(t, func() bool {
		var err error
		job, err = m.GetJob(id)
		return err == nil && job.Status == status
	}, 2*time.Second, 5*time.Millisecond)
	return *job
}

func testRequest() orchestrator.Request {
	return orchestrator.Request{
		Tracks: []string{"a.wav", "b.wav"},
		Genre:  "Jazz",
		Params: generator.DefaultParams(),
	}
}

func TestSubmitCompletes(t *testing.T) {
	store := newMemoryStore()
	m := NewManager(&fakeRunner{}, store, 1, quietLogger())
	defer m.Close()
	assert.True(t, store.interrupted)

	job, err := m.Submit(testRequest())
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, job.Status)
	assert.Equal(t, 2, job.TrackCount)
	assert.Equal(t, 250, job.Params.TopK)

	done := waitForStatus(t, m, job.ID, models.JobCompleted)
	assert.Equal(t, 100, done.Progress)
	assert.Equal(t, "phantom_track_1700000000.wav", done.OutputFile)
	assert.Equal(t, "smooth melodic music", done.Prompt)
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.CompletedAt)

	assert.Equal(t, models.JobCompleted, store.get(job.ID).Status)
}

func TestSubmitRecordsFailureMessage(t *testing.T) {
	runner := &fakeRunner{err: &orchestrator.Error{Kind: orchestrator.KindModelLoad, Message: "Error loading model: offline"}}
	m := NewManager(runner, nil, 1, quietLogger())
	defer m.Close()

	job, err := m.Submit(testRequest())
	require.NoError(t, err)

	failed := waitForStatus(t, m, job.ID, models.JobFailed)
	assert.Equal(t, "Error loading model: offline", failed.Error)
}

func TestJobsRunOneAtATime(t *testing.T) {
	runner := &fakeRunner{release: make(chan struct{})}
	m := NewManager(runner, nil, 1, quietLogger())
	defer m.Close()

	first, err := m.Submit(testRequest())
	require.NoError(t, err)
	second, err := m.Submit(testRequest())
	require.NoError(t, err)

	waitForStatus(t, m, first.ID, models.JobRunning)
	got, err := m.GetJob(second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, got.Status)

	close(runner.release)
	waitForStatus(t, m, first.ID, models.JobCompleted)
	waitForStatus(t, m, second.ID, models.JobCompleted)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.Equal(t, 1, runner.peak)
}

func TestJobsStartInSubmissionOrder(t *testing.T) {
	runner := &fakeRunner{release: make(chan struct{})}
	m := NewManager(runner, nil, 1, quietLogger())
	defer m.Close()

	prompts := []string{"first", "second", "third", "fourth"}
	ids := make([]string, len(prompts))
	for i, prompt := range prompts {
		req := testRequest()
		req.Prompt = prompt
		job, err := m.Submit(req)
		require.NoError(t, err)
		ids[i] = job.ID
	}

	waitForStatus(t, m, ids[0], models.JobRunning)
	for _, id := range ids[1:] {
		got, err := m.GetJob(id)
		require.NoError(t, err)
		assert.Equal(t, models.JobPending, got.Status)
	}

	close(runner.release)
	for _, id := range ids {
		waitForStatus(t, m, id, models.JobCompleted)
	}

	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.Equal(t, prompts, runner.order)
}

func TestCloseFailsQueuedJobs(t *testing.T) {
	runner := &fakeRunner{release: make(chan struct{})}
	store := newMemoryStore()
	m := NewManager(runner, store, 1, quietLogger())

	first, err := m.Submit(testRequest())
	require.NoError(t, err)
	second, err := m.Submit(testRequest())
	require.NoError(t, err)
	waitForStatus(t, m, first.ID, models.JobRunning)

	m.Close()
	assert.Equal(t, models.JobFailed, store.get(first.ID).Status)
	queued := store.get(second.ID)
	assert.Equal(t, models.JobFailed, queued.Status)
	assert.Nil(t, queued.StartedAt)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.Len(t, runner.order, 1)
}

func TestInUse(t *testing.T) {
	runner := &fakeRunner{release: make(chan struct{})}
	m := NewManager(runner, nil, 1, quietLogger())
	defer m.Close()

	job, err := m.Submit(testRequest())
	require.NoError(t, err)
	assert.True(t, m.InUse("a.wav"))
	assert.True(t, m.InUse("b.wav"))
	assert.False(t, m.InUse("c.wav"))

	close(runner.release)
	waitForStatus(t, m, job.ID, models.JobCompleted)
	assert.False(t, m.InUse("a.wav"))
}

func TestSubscribeReceivesUpdatesUntilDone(t *testing.T) {
	runner := &fakeRunner{release: make(chan struct{})}
	m := NewManager(runner, nil, 1, quietLogger())
	defer m.Close()

	job, err := m.Submit(testRequest())
	require.NoError(t, err)

	ch, ok := m.Subscribe(job.ID)
	require.True(t, ok)
	close(runner.release)

	var last models.GenerationJob
	for update := range ch {
		last = update
	}
	assert.Equal(t, models.JobCompleted, last.Status)

	_, ok = m.Subscribe("missing")
	assert.False(t, ok)
}

func TestUnsubscribe(t *testing.T) {
	runner := &fakeRunner{release: make(chan struct{})}
	m := NewManager(runner, nil, 1, quietLogger())
	defer m.Close()

	job, err := m.Submit(testRequest())
	require.NoError(t, err)
	ch, ok := m.Subscribe(job.ID)
	require.True(t, ok)

	m.Unsubscribe(job.ID, ch)
	for range ch {
	}
	close(runner.release)
	waitForStatus(t, m, job.ID, models.JobCompleted)
}

func TestCloseCancelsRunningJobs(t *testing.T) {
	runner := &fakeRunner{release: make(chan struct{})}
	store := newMemoryStore()
	m := NewManager(runner, store, 1, quietLogger())

	job, err := m.Submit(testRequest())
	require.NoError(t, err)
	waitForStatus(t, m, job.ID, models.JobRunning)

	m.Close()
	assert.Equal(t, models.JobFailed, store.get(job.ID).Status)

	_, err = m.Submit(testRequest())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestGetAllJobsMergesHistory(t *testing.T) {
	store := newMemoryStore()
	old := models.GenerationJob{ID: "old", Status: models.JobCompleted, CreatedAt: time.Now().Add(-time.Hour)}
	require.NoError(t, store.UpsertJob(old))

	m := NewManager(&fakeRunner{}, store, 1, quietLogger())
	defer m.Close()

	job, err := m.Submit(testRequest())
	require.NoError(t, err)
	waitForStatus(t, m, job.ID, models.JobCompleted)

	all := m.GetAllJobs()
	require.Len(t, all, 2)
	assert.Equal(t, job.ID, all[0].ID)
	assert.Equal(t, "old", all[1].ID)

	got, err := m.GetJob("old")
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, got.Status)

	_, err = m.GetJob("missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestCleanupCompletedJobs(t *testing.T) {
	m := NewManager(&fakeRunner{}, nil, 1, quietLogger())
	defer m.Close()

	job, err := m.Submit(testRequest())
	require.NoError(t, err)
	waitForStatus(t, m, job.ID, models.JobCompleted)

	assert.Equal(t, 0, m.CleanupCompletedJobs(time.Hour))
	assert.Equal(t, 1, m.CleanupCompletedJobs(-time.Second))
	_, err = m.GetJob(job.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestStageProgress(t *testing.T) {
	assert.Equal(t, 0, stageProgress(orchestrator.StageLoadingModel, 0))
	assert.Equal(t, 60, stageProgress(orchestrator.StageGenerating, 0.5))
	assert.Equal(t, 95, stageProgress(orchestrator.StageGenerating, 2))
	assert.Equal(t, 100, stageProgress(orchestrator.StagePersisting, 1))
}
