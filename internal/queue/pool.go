package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Executor runs the payload of a claimed task. Implementations must be safe
// for concurrent use: the pool calls them from every worker.
type Executor interface {
	ExecuteAnalysis(ctx context.Context, task AnalysisTask) error
	ExecuteExpansion(ctx context.Context, task InstrumentExpansionTask) error
}

// DefaultWorkerCount is the pool size when no setting overrides it.
const DefaultWorkerCount = 2

// Pool runs claimed tasks with bounded concurrency. Each worker loops:
// claim the highest-priority pending task, execute, finalise.
type Pool struct {
	manager  *Manager
	executor Executor
	size     int
	log      zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a worker pool of the given size (DefaultWorkerCount when
// size is not positive).
func NewPool(manager *Manager, executor Executor, size int, log zerolog.Logger) *Pool {
	if size <= 0 {
		size = DefaultWorkerCount
	}
	return &Pool{
		manager:  manager,
		executor: executor,
		size:     size,
		log:      log.With().Str("component", "worker_pool").Logger(),
	}
}

// Start launches the workers.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.log.Info().Int("workers", p.size).Msg("Worker pool started")
}

// Stop cancels the workers and waits up to the timeout for running tasks to
// finish. Tasks still running after the timeout are left to the startup
// recovery of the next run.
func (p *Pool) Stop(timeout time.Duration) {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.log.Info().Msg("Worker pool stopped")
	case <-time.After(timeout):
		p.log.Warn().Msg("Worker pool stop timed out; tasks left for startup recovery")
	}
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	log := p.log.With().Int("worker", id).Logger()

	for {
		t := p.manager.claim()
		if t == nil {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-p.manager.wake:
				if !ok {
					return
				}
				continue
			}
		}

		log.Debug().Str("task_id", t.taskID).Msg("Task claimed")
		p.manager.finalize(t, p.run(ctx, t))

		if ctx.Err() != nil {
			return
		}
	}
}

// run executes one task, converting panics into task failures so a bad
// expert cannot take the worker down.
func (p *Pool) run(ctx context.Context, t *task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()

	switch payload := t.payload.(type) {
	case AnalysisTask:
		return p.executor.ExecuteAnalysis(ctx, payload)
	case InstrumentExpansionTask:
		return p.executor.ExecuteExpansion(ctx, payload)
	default:
		return fmt.Errorf("unknown payload type %T", payload)
	}
}
