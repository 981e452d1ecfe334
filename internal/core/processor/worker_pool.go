package processor

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	"assetlens-go/internal/pipeline"

	log "github.com/sirupsen/logrus"
)

// ErrQueueFull is returned when the run queue cannot accept more work.
var ErrQueueFull = errors.New("run queue is full")

// ErrPoolClosed is returned when work is enqueued after Shutdown.
var ErrPoolClosed = errors.New("worker pool is shut down")

// RunJob is one queued pipeline execution.
type RunJob struct {
	runID uint
}

// WorkerPool executes pipeline runs asynchronously. Runs are independent
// units of work: many runs execute concurrently, while the stages inside one
// run stay strictly sequential in the executor.
type WorkerPool struct {
	executor    *pipeline.Executor
	jobs        chan *RunJob
	workerCount int

	activeJobs      int
	activeJobsMutex sync.Mutex
	shutdown        chan struct{}
	shutdownOnce    sync.Once
}

// NewWorkerPool creates and starts a pool sized to the available CPUs
// (75% of them, at least 2).
func NewWorkerPool(executor *pipeline.Executor) *WorkerPool {
	availableCPUs := runtime.NumCPU()
	workerCount := max(2, (availableCPUs*3)/4)

	log.Infof("Initializing pipeline worker pool with %d workers", workerCount)

	pool := &WorkerPool{
		executor:    executor,
		jobs:        make(chan *RunJob, workerCount*2),
		workerCount: workerCount,
		shutdown:    make(chan struct{}),
	}
	pool.startWorkers()
	return pool
}

func (p *WorkerPool) startWorkers() {
	for i := 0; i < p.workerCount; i++ {
		go func(workerID int) {
			log.Debugf("Worker %d started", workerID)
			for {
				select {
				case job := <-p.jobs:
					p.runJob(workerID, job)
				case <-p.shutdown:
					log.Debugf("Worker %d received shutdown signal", workerID)
					return
				}
			}
		}(i)
	}
}

// runJob executes one run. A failing run never affects the worker or any
// other queued run.
func (p *WorkerPool) runJob(workerID int, job *RunJob) {
	p.activeJobsMutex.Lock()
	p.activeJobs++
	jobCount := p.activeJobs
	p.activeJobsMutex.Unlock()

	log.Debugf("Worker %d executing run %d (active jobs: %d)", workerID, job.runID, jobCount)
	startTime := time.Now()

	if err := p.executor.Execute(job.runID); err != nil {
		log.WithError(err).Errorf("Worker %d: run %d execution error", workerID, job.runID)
	}

	p.activeJobsMutex.Lock()
	p.activeJobs--
	p.activeJobsMutex.Unlock()

	log.Infof("Worker %d finished run %d in %v", workerID, job.runID, time.Since(startTime))
}

// Enqueue schedules a run for execution without waiting for it to finish.
// The jobs channel is never closed, so enqueueing can race with Shutdown
// without panicking; a job accepted during shutdown is simply dropped.
func (p *WorkerPool) Enqueue(ctx context.Context, runID uint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-p.shutdown:
		return ErrPoolClosed
	default:
	}
	select {
	case p.jobs <- &RunJob{runID: runID}:
		return nil
	default:
		return ErrQueueFull
	}
}

// ActiveJobCount returns the number of runs currently executing.
func (p *WorkerPool) ActiveJobCount() int {
	p.activeJobsMutex.Lock()
	defer p.activeJobsMutex.Unlock()
	return p.activeJobs
}

// GetWorkerCount returns the number of workers in the pool.
func (p *WorkerPool) GetWorkerCount() int {
	return p.workerCount
}

// GetQueueCapacity returns the capacity of the job queue.
func (p *WorkerPool) GetQueueCapacity() int {
	return cap(p.jobs)
}

// Shutdown stops the pool. Safe to call more than once; queued jobs that no
// worker picked up before the signal are dropped.
func (p *WorkerPool) Shutdown() {
	p.shutdownOnce.Do(func() {
		close(p.shutdown)
	})
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
