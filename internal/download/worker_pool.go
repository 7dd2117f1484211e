package download

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/sonicvault/sonicvault-go/internal/store"
)

// Job is one admitted item handed to a worker.
type Job struct {
	ID     string
	Item   Item
	ctx    context.Context
	cancel context.CancelFunc
}

// Result represents the result of a job execution
type Result struct {
	JobID   string
	Success bool
	Record  *store.DownloadRecord
	Error   error
}

// JobHandler performs the transfer for a job and returns the record to store.
type JobHandler func(ctx context.Context, job *Job) (*store.DownloadRecord, error)

// WorkerPool manages a pool of worker goroutines for concurrent downloads
type WorkerPool struct {
	maxWorkers int
	jobs       chan *Job
	results    chan *Result
	activeJobs sync.Map // map[string]*Job
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	handler    JobHandler
	logger     *zap.Logger
	mu         sync.RWMutex
	started    bool
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(maxWorkers int, handler JobHandler, logger *zap.Logger) *WorkerPool {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &WorkerPool{
		maxWorkers: maxWorkers,
		// admission keeps at most maxWorkers jobs outstanding
		jobs:    make(chan *Job, maxWorkers),
		results: make(chan *Result, maxWorkers*10),
		handler: handler,
		logger:  logger,
	}
}

// Start spawns worker goroutines and begins processing jobs
func (wp *WorkerPool) Start(ctx context.Context) error {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if wp.started {
		return fmt.Errorf("worker pool already started")
	}
	if wp.handler == nil {
		return fmt.Errorf("job handler not set")
	}

	wp.ctx, wp.cancel = context.WithCancel(ctx)

	for i := 0; i < wp.maxWorkers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}

	wp.started = true
	return nil
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	wp.logger.Debug("Worker started", zap.Int("worker", id))

	for {
		select {
		case <-wp.ctx.Done():
			wp.logger.Debug("Worker stopping", zap.Int("worker", id), zap.Error(wp.ctx.Err()))
			return

		case job, ok := <-wp.jobs:
			if !ok {
				return
			}
			wp.processJob(job)
		}
	}
}

func (wp *WorkerPool) processJob(job *Job) {
	defer wp.activeJobs.Delete(job.ID)

	record, err := wp.handler(job.ctx, job)
	job.cancel()

	result := &Result{
		JobID:   job.ID,
		Success: err == nil,
		Record:  record,
		Error:   err,
	}

	select {
	case wp.results <- result:
	case <-wp.ctx.Done():
		// pool shutting down, discard result
	}
}

// Submit queues job for a worker. The job is cancellable from this point on.
func (wp *WorkerPool) Submit(job *Job) error {
	// held across the send so Stop cannot close jobs underneath us
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if !wp.started {
		return fmt.Errorf("worker pool not started")
	}

	job.ctx, job.cancel = context.WithCancel(wp.ctx)
	wp.activeJobs.Store(job.ID, job)

	select {
	case wp.jobs <- job:
		return nil
	case <-wp.ctx.Done():
		wp.activeJobs.Delete(job.ID)
		job.cancel()
		return fmt.Errorf("worker pool is shutting down")
	}
}

// Stop cancels running jobs and waits for the workers to exit.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if !wp.started {
		wp.mu.Unlock()
		return
	}
	wp.started = false
	wp.mu.Unlock()

	wp.activeJobs.Range(func(key, value interface{}) bool {
		if job, ok := value.(*Job); ok && job.cancel != nil {
			job.cancel()
		}
		return true
	})

	wp.cancel()
	close(wp.jobs)
	wp.wg.Wait()
	close(wp.results)
}

// Results returns the results channel
func (wp *WorkerPool) Results() <-chan *Result {
	return wp.results
}

// CancelJob cancels a submitted or running job by ID
func (wp *WorkerPool) CancelJob(jobID string) error {
	value, ok := wp.activeJobs.Load(jobID)
	if !ok {
		return fmt.Errorf("job not found: %s", jobID)
	}

	job, ok := value.(*Job)
	if !ok {
		return fmt.Errorf("invalid job type for ID: %s", jobID)
	}

	if job.cancel != nil {
		job.cancel()
	}
	return nil
}

// GetActiveJobCount returns the number of submitted jobs that have not finished
func (wp *WorkerPool) GetActiveJobCount() int {
	count := 0
	wp.activeJobs.Range(func(key, value interface{}) bool {
		count++
		return true
	})
	return count
}
