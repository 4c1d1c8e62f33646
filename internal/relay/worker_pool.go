package relay

import (
	"context"
	"sync"
)

// workerPool runs short-lived tasks that must not block the ingress or
// broadcast loops, such as building full variable syncs for joining clients.
type workerPool struct {
	workers int
	tasks   chan func()
	ctx     context.Context
	wg      sync.WaitGroup
}

func newWorkerPool(workers, queueSize int) *workerPool {
	return &workerPool{
		workers: workers,
		tasks:   make(chan func(), queueSize),
	}
}

func (p *workerPool) start(ctx context.Context) {
	p.ctx = ctx
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

func (p *workerPool) worker() {
	defer p.wg.Done()
	for {
		select {
		case task := <-p.tasks:
			if task != nil {
				task()
			}
		case <-p.ctx.Done():
			return
		}
	}
}

// submit queues a task, running it inline when the pool is not running or
// the queue is full, so work is never lost.
func (p *workerPool) submit(task func()) {
	if p.ctx == nil {
		task()
		return
	}
	select {
	case p.tasks <- task:
	default:
		task()
	}
}

func (p *workerPool) stop() {
	p.wg.Wait()
}
