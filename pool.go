package guard

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/oarkflow/guard/logger"
)

var ErrPoolStopped = errors.New("worker pool stopped")

type poolJob struct {
	task Task
	done chan error
}

// WorkerPool runs tasks on a fixed set of long-lived goroutines. Each worker
// owns one DecisionContext slot for its whole life, so a task that was not
// wrapped sees no decision, and a wrapped one leaves the slot as it found it.
type WorkerPool struct {
	workCh   chan poolJob
	doneCh   chan struct{}
	base     context.Context
	cancel   context.CancelFunc
	logger   logger.Logger
	mu       sync.RWMutex
	stopped  bool
	stopOnce sync.Once
}

func NewWorkerPool(ctx context.Context, workers, queue int, l logger.Logger) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}
	if l == nil {
		l = logger.NewNullLogger()
	}
	ctx, cancel := context.WithCancel(ctx)
	p := &WorkerPool{
		workCh: make(chan poolJob, queue),
		doneCh: make(chan struct{}),
		base:   ctx,
		cancel: cancel,
		logger: l,
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.worker(id)
		}(i)
	}
	go func() {
		wg.Wait()
		close(p.doneCh)
	}()
	return p
}

// Submit queues task and returns a channel receiving its single result.
// It blocks while the queue is full, until ctx is done.
func (p *WorkerPool) Submit(ctx context.Context, task Task) (<-chan error, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return nil, ErrPoolStopped
	}
	job := poolJob{task: task, done: make(chan error, 1)}
	select {
	case p.workCh <- job:
		return job.done, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Go wraps task with the decision currently installed in ctx and submits it.
func (p *WorkerPool) Go(ctx context.Context, task Task) (<-chan error, error) {
	return p.Submit(ctx, WrapTask(ctx, task))
}

// Stop refuses new work, drains queued tasks and waits for the workers.
func (p *WorkerPool) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		close(p.workCh)
		p.mu.Unlock()
		<-p.doneCh
		p.cancel()
	})
}

func (p *WorkerPool) worker(id int) {
	ctx, slot := WithDecisionContext(p.base)
	for job := range p.workCh {
		err := runTask(ctx, job.task)
		if d, leaked := slot.Current(); leaked {
			p.logger.Error("decision left in worker slot", "worker", id, "username", d.Username)
			slot.Clear()
		}
		job.done <- err
	}
}

// runTask converts a panic in task into an error.
func runTask(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v\n%s", r, debug.Stack())
		}
	}()
	return task(ctx)
}
