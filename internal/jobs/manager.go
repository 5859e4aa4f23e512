package jobs

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"

	"phantomtrack/internal/generator"
	"phantomtrack/internal/orchestrator"
	"phantomtrack/pkg/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// ErrJobNotFound is returned for unknown job IDs
var ErrJobNotFound = errors.New("job not found")

// ErrClosed is returned by Submit after Close
var ErrClosed = errors.New("job manager is shut down")

// Runner executes one generation request
type Runner interface {
	Generate(ctx context.Context, req orchestrator.Request, progress orchestrator.ProgressFunc) (*orchestrator.Result, error)
}

// Store persists job state across restarts
type Store interface {
	UpsertJob(job models.GenerationJob) error
	GetJob(id string) (*models.GenerationJob, error)
	GetRecentJobs(limit int) ([]models.GenerationJob, error)
	MarkInterruptedJobs() (int64, error)
	DeleteJobsBefore(t time.Time) (int64, error)
}

// stageSpan maps each pipeline stage onto a slice of the 0-100 progress range
var stageSpan = map[orchestrator.Stage][2]int{
	orchestrator.StageLoadingModel:  {0, 10},
	orchestrator.StageBlending:      {10, 20},
	orchestrator.StagePreprocessing: {20, 25},
	orchestrator.StageGenerating:    {25, 95},
	orchestrator.StagePersisting:    {95, 100},
}

type queuedJob struct {
	id  string
	req orchestrator.Request
}

// Manager queues generation requests and runs them in the background in
// submission order
type Manager struct {
	runner       Runner
	store        Store
	sem          *semaphore.Weighted
	historyLimit int
	logger       *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	jobsMux   sync.RWMutex
	jobs      map[string]*models.GenerationJob
	listeners map[string][]chan models.GenerationJob
	queue     []queuedJob
	wake      chan struct{}
	closed    bool
}

// NewManager creates a job manager running at most maxConcurrent generations at
// once. Jobs a previous process left active in store are marked failed.
func NewManager(runner Runner, store Store, maxConcurrent int, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		runner:       runner,
		store:        store,
		sem:          semaphore.NewWeighted(int64(maxConcurrent)),
		historyLimit: 100,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
		jobs:         make(map[string]*models.GenerationJob),
		listeners:    make(map[string][]chan models.GenerationJob),
		wake:         make(chan struct{}, 1),
	}

	if store != nil {
		if _, err := store.MarkInterruptedJobs(); err != nil {
			logger.WithError(err).Warn("Failed to mark interrupted jobs")
		}
	}

	m.wg.Add(1)
	go m.dispatch()
	return m
}

// SetHistoryLimit caps how many persisted jobs GetAllJobs returns
func (m *Manager) SetHistoryLimit(n int) {
	if n > 0 {
		m.historyLimit = n
	}
}

// Submit queues a generation request and returns the pending job
func (m *Manager) Submit(req orchestrator.Request) (*models.GenerationJob, error) {
	job := &models.GenerationJob{
		ID:         uuid.New().String(),
		Prompt:     req.Prompt,
		Genre:      string(req.Genre),
		Tracks:     append([]string(nil), req.Tracks...),
		TrackCount: len(req.Tracks),
		Params:     toModelParams(req.Params),
		Status:     models.JobPending,
		CreatedAt:  time.Now(),
	}

	m.jobsMux.Lock()
	if m.closed {
		m.jobsMux.Unlock()
		return nil, ErrClosed
	}
	m.jobs[job.ID] = job
	m.queue = append(m.queue, queuedJob{id: job.ID, req: req})
	m.wg.Add(1)
	snapshot := *job
	m.jobsMux.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}

	m.persist(snapshot)

	m.logger.WithFields(logrus.Fields{
		"jobID":  job.ID,
		"tracks": job.TrackCount,
		"genre":  job.Genre,
	}).Info("Queued generation job")

	return &snapshot, nil
}

// dispatch starts queued jobs oldest first, each once a slot is free. Jobs
// still queued when the manager closes are failed as cancelled.
func (m *Manager) dispatch() {
	defer m.wg.Done()
	defer m.drainQueue()

	for {
		m.jobsMux.Lock()
		if len(m.queue) == 0 {
			m.jobsMux.Unlock()
			select {
			case <-m.wake:
				continue
			case <-m.ctx.Done():
				return
			}
		}
		next := m.queue[0]
		m.queue = m.queue[1:]
		m.jobsMux.Unlock()

		if err := m.sem.Acquire(m.ctx, 1); err != nil {
			m.cancelQueued(next.id, err)
			return
		}
		go m.process(next.id, next.req)
	}
}

func (m *Manager) drainQueue() {
	m.jobsMux.Lock()
	left := m.queue
	m.queue = nil
	m.jobsMux.Unlock()

	for _, q := range left {
		m.cancelQueued(q.id, m.ctx.Err())
	}
}

func (m *Manager) cancelQueued(jobID string, err error) {
	defer m.wg.Done()
	m.finish(jobID, nil, fmt.Errorf("job cancelled before start: %w", err))
}

// process runs a job that already holds a slot
func (m *Manager) process(jobID string, req orchestrator.Request) {
	defer m.wg.Done()
	defer m.sem.Release(1)

	now := time.Now()
	m.update(jobID, func(job *models.GenerationJob) bool {
		job.Status = models.JobRunning
		job.StartedAt = &now
		return true
	})

	res, err := m.runner.Generate(m.ctx, req, func(stage orchestrator.Stage, fraction float64) {
		progress := stageProgress(stage, fraction)
		m.update(jobID, func(job *models.GenerationJob) bool {
			if job.Stage == string(stage) && job.Progress == progress {
				return false
			}
			job.Stage = string(stage)
			job.Progress = progress
			return true
		})
	})
	m.finish(jobID, res, err)
}

func (m *Manager) finish(jobID string, res *orchestrator.Result, err error) {
	now := time.Now()
	m.update(jobID, func(job *models.GenerationJob) bool {
		job.CompletedAt = &now
		if err != nil {
			job.Status = models.JobFailed
			job.Error = orchestrator.Message(err)
			return true
		}
		job.Status = models.JobCompleted
		job.Progress = 100
		job.Prompt = res.Prompt
		job.OutputPath = res.Path
		job.OutputFile = filepath.Base(res.Path)
		return true
	})

	log := m.logger.WithField("jobID", jobID)
	if err != nil {
		log.WithFields(logrus.Fields{
			"kind":  orchestrator.KindOf(err).String(),
			"error": err.Error(),
		}).Error("Generation job failed")
		return
	}
	log.WithField("output", filepath.Base(res.Path)).Info("Generation job completed")
}

// update applies fn to the job under the lock. When fn reports a change the
// job is persisted and listeners are notified; terminal jobs close their listeners.
func (m *Manager) update(jobID string, fn func(job *models.GenerationJob) bool) {
	m.jobsMux.Lock()
	job, exists := m.jobs[jobID]
	if !exists || !fn(job) {
		m.jobsMux.Unlock()
		return
	}
	snapshot := *job
	m.notifyListeners(snapshot)
	m.jobsMux.Unlock()

	m.persist(snapshot)
}

// notifyListeners sends the job to its subscribers (must be called with lock held)
func (m *Manager) notifyListeners(job models.GenerationJob) {
	listeners := m.listeners[job.ID]
	kept := listeners[:0]
	for _, ch := range listeners {
		select {
		case ch <- job:
			kept = append(kept, ch)
		default:
			// Listener is not keeping up, drop it
			close(ch)
		}
	}

	if job.Status.Terminal() {
		for _, ch := range kept {
			close(ch)
		}
		delete(m.listeners, job.ID)
		return
	}
	m.listeners[job.ID] = kept
}

// Subscribe returns a channel that receives the job's current state followed by
// every update. The channel is closed once the job finishes or if the listener
// falls behind.
func (m *Manager) Subscribe(jobID string) (<-chan models.GenerationJob, bool) {
	m.jobsMux.Lock()
	defer m.jobsMux.Unlock()

	job, exists := m.jobs[jobID]
	if !exists {
		return nil, false
	}

	ch := make(chan models.GenerationJob, 16) // Buffered channel to prevent blocking
	ch <- *job
	if job.Status.Terminal() {
		close(ch)
		return ch, true
	}
	m.listeners[jobID] = append(m.listeners[jobID], ch)
	return ch, true
}

// Unsubscribe removes a listener added with Subscribe
func (m *Manager) Unsubscribe(jobID string, ch <-chan models.GenerationJob) {
	m.jobsMux.Lock()
	defer m.jobsMux.Unlock()

	listeners := m.listeners[jobID]
	for i, listener := range listeners {
		if listener == ch {
			close(listener)
			m.listeners[jobID] = append(listeners[:i], listeners[i+1:]...)
			break
		}
	}
	if len(m.listeners[jobID]) == 0 {
		delete(m.listeners, jobID)
	}
}

// GetJob returns a job by ID from memory or, failing that, from the store
func (m *Manager) GetJob(jobID string) (*models.GenerationJob, error) {
	m.jobsMux.RLock()
	job, exists := m.jobs[jobID]
	if exists {
		snapshot := *job
		m.jobsMux.RUnlock()
		return &snapshot, nil
	}
	m.jobsMux.RUnlock()

	if m.store == nil {
		return nil, ErrJobNotFound
	}
	stored, err := m.store.GetJob(jobID)
	if err != nil {
		return nil, ErrJobNotFound
	}
	return stored, nil
}

// GetAllJobs returns in-memory jobs merged with persisted history, newest first
func (m *Manager) GetAllJobs() []models.GenerationJob {
	m.jobsMux.RLock()
	jobs := make([]models.GenerationJob, 0, len(m.jobs))
	seen := make(map[string]bool, len(m.jobs))
	for id, job := range m.jobs {
		jobs = append(jobs, *job)
		seen[id] = true
	}
	m.jobsMux.RUnlock()

	if m.store != nil {
		stored, err := m.store.GetRecentJobs(m.historyLimit)
		if err != nil {
			m.logger.WithError(err).Warn("Failed to load job history")
		}
		for _, job := range stored {
			if !seen[job.ID] {
				jobs = append(jobs, job)
			}
		}
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	if len(jobs) > m.historyLimit {
		jobs = jobs[:m.historyLimit]
	}
	return jobs
}

// InUse reports whether a pending or running job reads the file at path
func (m *Manager) InUse(path string) bool {
	m.jobsMux.RLock()
	defer m.jobsMux.RUnlock()

	for _, job := range m.jobs {
		if !job.Status.Terminal() && slices.Contains(job.Tracks, path) {
			return true
		}
	}
	return false
}

// CleanupCompletedJobs removes finished jobs older than maxAge and returns how
// many in-memory jobs were dropped
func (m *Manager) CleanupCompletedJobs(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	m.jobsMux.Lock()
	removed := 0
	for id, job := range m.jobs {
		if job.Status.Terminal() && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(m.jobs, id)
			removed++
		}
	}
	m.jobsMux.Unlock()

	if m.store != nil {
		if n, err := m.store.DeleteJobsBefore(cutoff); err != nil {
			m.logger.WithError(err).Warn("Failed to delete old jobs")
		} else if n > 0 {
			m.logger.WithField("jobs", n).Info("Deleted old generation jobs")
		}
	}
	return removed
}

// Close cancels queued and running jobs and waits for them to stop
func (m *Manager) Close() {
	m.jobsMux.Lock()
	m.closed = true
	m.jobsMux.Unlock()

	m.cancel()
	m.wg.Wait()
}

func (m *Manager) persist(job models.GenerationJob) {
	if m.store == nil {
		return
	}
	if err := m.store.UpsertJob(job); err != nil {
		m.logger.WithError(err).WithField("jobID", job.ID).Warn("Failed to persist job")
	}
}

func stageProgress(stage orchestrator.Stage, fraction float64) int {
	span, ok := stageSpan[stage]
	if !ok {
		return 0
	}
	fraction = max(0, min(1, fraction))
	return span[0] + int(fraction*float64(span[1]-span[0]))
}

// ToRequestParams converts API parameters into generator parameters
func ToRequestParams(p models.GenerationParams) generator.Params {
	return generator.Params{
		Duration:    p.Duration,
		Temperature: p.Temperature,
		TopK:        p.TopK,
		TopP:        p.TopP,
		CFGCoef:     p.CFGCoef,
	}
}

func toModelParams(p generator.Params) models.GenerationParams {
	return models.GenerationParams{
		Duration:    p.Duration,
		Temperature: p.Temperature,
		TopK:        p.TopK,
		TopP:        p.TopP,
		CFGCoef:     p.CFGCoef,
	}
}
