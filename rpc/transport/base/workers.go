package base

import (
	"fmt"
	"sync"

	"github.com/ValentinKolb/rKV/rpc/transport"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Job is a unit of work executed by one worker of a WorkerPool.
type Job func(workerID int)

// WorkerPool is a fixed set of long-lived workers. Every worker runs the init
// hook once before it takes its first job, so per-worker resources (storage
// handles) can be bound to the worker id.
type WorkerPool struct {
	jobs     chan Job
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   *zap.Logger

	mu       sync.Mutex
	cleanups []func()
}

// StartWorkerPool starts n workers and waits until all of them ran init. If any
// init fails, the pool is closed and the combined error is returned.
func StartWorkerPool(n int, init transport.WorkerInitFunc, logger *zap.Logger) (*WorkerPool, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &WorkerPool{
		jobs:   make(chan Job),
		stop:   make(chan struct{}),
		logger: logger,
	}

	ready := make(chan error, n)
	for id := 0; id < n; id++ {
		p.wg.Add(1)
		go p.run(id, init, ready)
	}

	var err error
	for i := 0; i < n; i++ {
		err = multierr.Append(err, <-ready)
	}
	if err != nil {
		p.Close()
		return nil, err
	}
	logger.Debug("started workers", zap.Int("workers", n))
	return p, nil
}

func (p *WorkerPool) run(id int, init transport.WorkerInitFunc, ready chan<- error) {
	defer p.wg.Done()
	if init != nil {
		cleanup, err := init(id)
		if err != nil {
			ready <- fmt.Errorf("init worker %d: %w", id, err)
			return
		}
		if cleanup != nil {
			p.mu.Lock()
			p.cleanups = append(p.cleanups, cleanup)
			p.mu.Unlock()
		}
	}
	ready <- nil

	for {
		select {
		case job := <-p.jobs:
			job(id)
		case <-p.stop:
			return
		}
	}
}

// Submit hands job to the next free worker. It blocks while all workers are busy
// and returns false if the pool was closed.
func (p *WorkerPool) Submit(job Job) bool {
	select {
	case <-p.stop:
		return false
	default:
	}
	select {
	case p.jobs <- job:
		return true
	case <-p.stop:
		return false
	}
}

// Close stops the workers after their current job and runs the cleanups of the
// init hook.
func (p *WorkerPool) Close() {
	p.stopOnce.Do(func() {
		close(p.stop)
		p.wg.Wait()
		p.mu.Lock()
		defer p.mu.Unlock()
		for _, cleanup := range p.cleanups {
			cleanup()
		}
		p.cleanups = nil
	})
}
