package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Job is one dispatch run started by an AsyncRunner
type Job struct {
	BatchID uuid.UUID

	done    chan struct{}
	summary *Summary
	err     error
}

// Done is closed when the run returns
func (j *Job) Done() <-chan struct{} { return j.done }

// Result is valid once Done is closed
func (j *Job) Result() (*Summary, error) {
	<-j.done
	return j.summary, j.err
}

// Wait blocks until the run returns or ctx is done
func (j *Job) Wait(ctx context.Context) (*Summary, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-j.done:
		return j.summary, j.err
	}
}

// AsyncRunner runs dispatches in background goroutines tied to the process
// lifetime, not to the request that started them
type AsyncRunner struct {
	dispatcher *Dispatcher
	base       context.Context
	logger     *zap.Logger

	mu   sync.Mutex
	jobs map[uuid.UUID]*Job
	wg   sync.WaitGroup
}

// NewAsyncRunner runs jobs under base. Cancelling base stops in-flight runs
// between items.
func NewAsyncRunner(base context.Context, d *Dispatcher, logger *zap.Logger) *AsyncRunner {
	return &AsyncRunner{
		dispatcher: d,
		base:       base,
		logger:     logger,
		jobs:       make(map[uuid.UUID]*Job),
	}
}

// Start hands the batch to a background run. The caller's ctx is not used by
// the run. It fails with ErrBatchLocked while an earlier run of the batch is
// still going.
func (r *AsyncRunner) Start(ctx context.Context, batchID uuid.UUID, interval time.Duration) error {
	if _, ok := r.launch(batchID, interval); !ok {
		return ErrBatchLocked
	}
	return nil
}

// Launch starts a run and returns its handle. When the batch is already
// running the live job is returned instead.
func (r *AsyncRunner) Launch(batchID uuid.UUID, interval time.Duration) *Job {
	job, _ := r.launch(batchID, interval)
	return job
}

func (r *AsyncRunner) launch(batchID uuid.UUID, interval time.Duration) (*Job, bool) {
	r.mu.Lock()
	if live, ok := r.jobs[batchID]; ok {
		r.mu.Unlock()
		return live, false
	}
	job := &Job{BatchID: batchID, done: make(chan struct{})}
	r.jobs[batchID] = job
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer close(job.done)
		defer r.forget(job)

		// one job per batch in this process, so leftover claims are stale
		job.summary, job.err = r.dispatcher.run(r.base, batchID, interval, true)
		if job.err != nil {
			r.logger.Error("background dispatch failed",
				zap.String("batch_id", batchID.String()),
				zap.Error(job.err),
			)
		}
	}()

	return job, true
}

func (r *AsyncRunner) forget(job *Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.jobs[job.BatchID] == job {
		delete(r.jobs, job.BatchID)
	}
}

// Job returns the live run for the batch
func (r *AsyncRunner) Job(batchID uuid.UUID) (*Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[batchID]
	return job, ok
}

// Running reports whether a run of the batch is in flight
func (r *AsyncRunner) Running(batchID uuid.UUID) bool {
	_, ok := r.Job(batchID)
	return ok
}

// Wait blocks until every started run has returned
func (r *AsyncRunner) Wait() {
	r.wg.Wait()
}
