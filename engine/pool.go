package engine

import (
	"sync"

	"github.com/hashicorp/go-multierror"
)

// sendPool runs outbound sends on a bounded set of workers. Completion is
// trackable: Flush blocks until everything submitted so far has settled and
// returns the accumulated failures, so callers and tests can await
// settlement instead of sleeping.
type sendPool struct {
	tasks chan func() error

	workers sync.WaitGroup
	pending sync.WaitGroup

	mu        sync.Mutex
	failures  *multierror.Error
	closed    bool
	closeOnce sync.Once
}

func newSendPool(size int) *sendPool {
	pool := &sendPool{
		tasks: make(chan func() error, size*4),
	}
	for i := 0; i < size; i++ {
		pool.workers.Add(1)
		go pool.worker()
	}
	return pool
}

func (p *sendPool) worker() {
	defer p.workers.Done()
	for task := range p.tasks {
		if err := task(); err != nil {
			p.mu.Lock()
			p.failures = multierror.Append(p.failures, err)
			p.mu.Unlock()
		}
		p.pending.Done()
	}
}

// Submit queues one task. Tasks submitted after Close are dropped.
func (p *sendPool) Submit(task func() error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.pending.Add(1)
	p.mu.Unlock()

	p.tasks <- task
}

// Flush waits for all submitted tasks to settle and returns their combined
// failures, resetting the failure accumulator.
func (p *sendPool) Flush() error {
	p.pending.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.failures.ErrorOrNil()
	p.failures = nil
	return err
}

// Close drains outstanding tasks and stops the workers.
func (p *sendPool) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()

		p.pending.Wait()
		close(p.tasks)
		p.workers.Wait()
	})
}
