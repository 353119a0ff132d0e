package ops

import (
	"context"
	"log/slog"
	"sync"
)

// Pool runs accepted async work on a bounded set of workers. Submission
// never blocks: when the workers are saturated, tasks queue FIFO and the
// caller still returns immediately.
type Pool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func(context.Context)
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  bool
	logger  *slog.Logger
	workers int
}

// NewPool starts a pool with the given number of workers.
func NewPool(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		ctx:     ctx,
		cancel:  cancel,
		logger:  slog.Default().With("component", "worker-pool"),
		workers: workers,
	}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if p.closed && len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		task := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		func() {
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error("async task panicked", "panic", r)
				}
			}()
			task(p.ctx)
		}()
	}
}

// Submit enqueues a task. Returns false after Close.
func (p *Pool) Submit(task func(context.Context)) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.queue = append(p.queue, task)
	p.cond.Signal()
	return true
}

// Close stops accepting work and waits for in-flight tasks to finish.
// Abandoned async work runs to completion; there is no cancellation
// primitive for individual tasks.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
	p.cancel()
}
