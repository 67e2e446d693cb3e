package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	ErrQueueClosed = errors.New("worker pool is shutting down")
	ErrQueueFull   = errors.New("worker queue is full")
)

// Job is one callable unit of work bound to a task. Run is expected to record
// its own terminal outcome; the pool only steps in when Run panics.
type Job struct {
	TaskID string
	Run    func()
}

// Pool runs submitted jobs on a fixed number of workers. Excess submissions
// queue FIFO in a buffered channel. A panic inside a job is recovered at the
// worker boundary and reported through onPanic, so one bad job can never take
// down the pool or the jobs queued behind it.
type Pool struct {
	size    int
	jobs    chan Job
	onPanic func(taskID string, cause any)

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewPool creates a pool with the given worker count and queue depth.
// onPanic may be nil.
func NewPool(size, queueDepth int, onPanic func(taskID string, cause any)) *Pool {
	if queueDepth < 0 {
		queueDepth = 0
	}
	return &Pool{
		size:    size,
		jobs:    make(chan Job, queueDepth),
		onPanic: onPanic,
	}
}

// Start launches the workers. They stop pulling new jobs once ctx is
// cancelled; a job already dispatched runs to completion, and jobs still
// queued are abandoned.
func (p *Pool) Start(ctx context.Context) {
	slog.Info("worker pool started", "workers", p.size, "queue_depth", cap(p.jobs))
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.execute(job)
		}
	}
}

func (p *Pool) execute(job Job) {
	defer func() {
		if cause := recover(); cause != nil {
			slog.Error("job panicked", "task_id", job.TaskID, "cause", fmt.Sprint(cause))
			if p.onPanic != nil {
				p.onPanic(job.TaskID, cause)
			}
		}
	}()
	job.Run()
}

// Submit enqueues a job. It never waits for execution: the job either fits in
// the queue immediately or the submission fails.
func (p *Pool) Submit(job Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrQueueClosed
	}
	select {
	case p.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting submissions. Queued jobs stay in the channel; whether
// they still run depends on the workers' context.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

// Wait blocks until every worker has returned or ctx expires.
func (p *Pool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
