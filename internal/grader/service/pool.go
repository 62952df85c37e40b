package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"hive/pkg/errors"
)

const defaultAdmitWait = 2 * time.Second

// Pool runs grading attempts on a fixed set of workers. Admission is a
// semaphore sized workers+queue, reserved before a submission record
// exists so a rejected request never leaves a pending row behind.
type Pool struct {
	slots     chan struct{}
	jobs      chan func()
	admitWait time.Duration
	metrics   *Metrics

	mu     sync.RWMutex
	closed bool

	queued  atomic.Int64
	running atomic.Int64
	workers sync.WaitGroup
}

// NewPool starts workers goroutines.
func NewPool(workers, queueSize int, admitWait time.Duration, metrics *Metrics) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if admitWait <= 0 {
		admitWait = defaultAdmitWait
	}
	capacity := workers + queueSize
	p := &Pool{
		slots:     make(chan struct{}, capacity),
		jobs:      make(chan func(), capacity),
		admitWait: admitWait,
		metrics:   metrics,
	}
	p.workers.Add(workers)
	for i := 0; i < workers; i++ {
		go p.work()
	}
	return p
}

func (p *Pool) work() {
	defer p.workers.Done()
	for job := range p.jobs {
		p.queued.Add(-1)
		p.running.Add(1)
		p.metrics.setQueueDepth(p.queued.Load())
		job()
		p.running.Add(-1)
		p.releaseSlot()
	}
}

// Acquire reserves a slot, waiting at most the admit wait.
func (p *Pool) Acquire(ctx context.Context) error {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return errors.New(errors.ServiceUnavailable).WithMessage("grading pool is shutting down")
	}

	timer := time.NewTimer(p.admitWait)
	defer timer.Stop()
	select {
	case p.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		p.metrics.incRejected()
		return errors.New(errors.GradingQueueFull).WithMessage("grading queue is full")
	}
}

// Release returns a reservation that was never submitted.
func (p *Pool) Release() {
	p.releaseSlot()
}

func (p *Pool) releaseSlot() {
	select {
	case <-p.slots:
	default:
	}
}

// Submit hands a job to the workers. The caller must hold a reservation
// from Acquire; the slot is freed when the job returns.
func (p *Pool) Submit(job func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.releaseSlot()
		return errors.New(errors.ServiceUnavailable).WithMessage("grading pool is shutting down")
	}
	p.queued.Add(1)
	p.metrics.setQueueDepth(p.queued.Load())
	p.jobs <- job
	return nil
}

// QueueDepth is the number of admitted jobs not yet picked up.
func (p *Pool) QueueDepth() int64 { return p.queued.Load() }

// Running is the number of jobs currently executing.
func (p *Pool) Running() int64 { return p.running.Load() }

// Shutdown stops admission and waits for queued and running jobs until
// ctx ends. It does not cancel running jobs.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
