package workers

import (
	"context"
	"runtime"
	"sync"
)

// Pool executes submitted functions on a fixed set of goroutines.
type Pool struct {
	tasks chan func()
	wg    sync.WaitGroup
	once  sync.Once
	size  int
}

// NewPool starts a pool with size workers. If size is zero or negative,
// GOMAXPROCS workers are used.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = runtime.GOMAXPROCS(0)
		if size <= 0 {
			size = 1
		}
	}

	pool := &Pool{
		tasks: make(chan func(), size*2),
		size:  size,
	}
	pool.wg.Add(size)
	for i := 0; i < size; i++ {
		go pool.worker()
	}
	return pool
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for fn := range p.tasks {
		if fn != nil {
			fn()
		}
	}
}

// Size reports the number of workers.
func (p *Pool) Size() int {
	if p == nil {
		return 1
	}
	return p.size
}

// Submit queues fn for execution, blocking while the queue is full.
func (p *Pool) Submit(fn func()) {
	p.tasks <- fn
}

// Stop drains queued work and waits for the workers to exit.
func (p *Pool) Stop() {
	if p == nil {
		return
	}
	p.once.Do(func() {
		close(p.tasks)
		p.wg.Wait()
	})
}

// Run calls fn for every index in [0, n) and waits for all calls to return.
// A nil pool runs the calls inline. The error of the lowest failing index is
// returned so that results do not depend on scheduling. Run must not be called
// from a task already running on p.
func Run(ctx context.Context, p *Pool, n int, fn func(i int) error) error {
	if n <= 0 {
		return nil
	}
	errs := make([]error, n)

	if p == nil {
		for i := 0; i < n; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			errs[i] = fn(i)
		}
		return firstError(errs)
	}

	var wg sync.WaitGroup
	var ctxErr error
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			ctxErr = err
			break
		}
		i := i
		wg.Add(1)
		p.Submit(func() {
			defer wg.Done()
			errs[i] = fn(i)
		})
	}
	wg.Wait()
	if ctxErr != nil {
		return ctxErr
	}
	return firstError(errs)
}

func firstError(errs []error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
