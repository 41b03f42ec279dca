package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrStopped is reported to tasks that were queued when the pool stopped.
var ErrStopped = errors.New("worker pool stopped")

// Task represents a unit of work to be executed
type Task struct {
	ID      string
	Fn      func(context.Context) error
	Context context.Context
	// Done, if set, is called exactly once with the task outcome.
	Done func(error)
}

// WorkerPool manages a bounded pool of goroutines for executing tasks
type WorkerPool struct {
	name       string
	maxWorkers int
	queueSize  int
	taskQueue  chan Task
	logger     *zap.Logger
	wg         sync.WaitGroup
	stopOnce   sync.Once
	stopChan   chan struct{}

	// mu orders submitters against Stop; once stopped is set no new
	// submitter enters and Stop waits out the ones already inside
	mu         sync.Mutex
	stopped    bool
	submitters sync.WaitGroup

	activeWorkers  atomic.Int32
	totalTasks     atomic.Uint64
	completedTasks atomic.Uint64
	failedTasks    atomic.Uint64
	rejectedTasks  atomic.Uint64
}

// Config holds worker pool configuration
type Config struct {
	Name       string
	MaxWorkers int
	QueueSize  int
	Logger     *zap.Logger
}

// NewWorkerPool creates a worker pool and starts its workers
func NewWorkerPool(cfg Config) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	p := &WorkerPool{
		name:       cfg.Name,
		maxWorkers: cfg.MaxWorkers,
		queueSize:  cfg.QueueSize,
		taskQueue:  make(chan Task, cfg.QueueSize),
		logger:     cfg.Logger,
		stopChan:   make(chan struct{}),
	}
	for i := 0; i < p.maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.logger.Debug("Worker pool started",
		zap.String("name", p.name),
		zap.Int("max_workers", p.maxWorkers),
		zap.Int("queue_size", p.queueSize))
	return p
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopChan:
			p.drain()
			return
		case task := <-p.taskQueue:
			p.executeTask(id, task)
		}
	}
}

// drain fails whatever is still queued so that no Done callback is lost.
func (p *WorkerPool) drain() {
	for {
		select {
		case task := <-p.taskQueue:
			p.rejectedTasks.Add(1)
			finish(task, ErrStopped)
		default:
			return
		}
	}
}

func (p *WorkerPool) executeTask(workerID int, task Task) {
	p.activeWorkers.Add(1)
	defer p.activeWorkers.Add(-1)

	start := time.Now()
	err := p.safeExecute(task)
	if err != nil {
		p.failedTasks.Add(1)
		p.logger.Warn("Task failed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("task_id", task.ID),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
	} else {
		p.completedTasks.Add(1)
	}
	finish(task, err)
}

func (p *WorkerPool) safeExecute(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
			p.logger.Error("Task panic recovered",
				zap.String("pool", p.name),
				zap.String("task_id", task.ID),
				zap.Any("panic", r))
		}
	}()

	ctx := task.Context
	if ctx == nil {
		ctx = context.Background()
	}
	return task.Fn(ctx)
}

func finish(task Task, err error) {
	if task.Done != nil {
		task.Done(err)
	}
}

// enter registers a submitter, or reports false once the pool is stopped.
func (p *WorkerPool) enter() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return false
	}
	p.submitters.Add(1)
	return true
}

func (p *WorkerPool) rejectStopped() error {
	p.rejectedTasks.Add(1)
	return fmt.Errorf("worker pool '%s': %w", p.name, ErrStopped)
}

// Submit queues a task without blocking.
// Returns error if the queue is full or pool is stopped
func (p *WorkerPool) Submit(task Task) error {
	if !p.enter() {
		return p.rejectStopped()
	}
	defer p.submitters.Done()

	select {
	case p.taskQueue <- task:
		p.totalTasks.Add(1)
		return nil
	default:
		p.rejectedTasks.Add(1)
		return fmt.Errorf("worker pool '%s' queue is full", p.name)
	}
}

// SubmitWithContext blocks until the task is queued, the context is done or
// the pool stops. A task queued while the pool is stopping still gets its
// Done callback, with ErrStopped.
func (p *WorkerPool) SubmitWithContext(ctx context.Context, task Task) error {
	if task.Context == nil {
		task.Context = ctx
	}
	if !p.enter() {
		return p.rejectStopped()
	}
	defer p.submitters.Done()

	select {
	case <-p.stopChan:
		return p.rejectStopped()
	default:
	}

	select {
	case <-p.stopChan:
		return p.rejectStopped()
	case <-ctx.Done():
		p.rejectedTasks.Add(1)
		return ctx.Err()
	case p.taskQueue <- task:
		p.totalTasks.Add(1)
		return nil
	}
}

// Stop stops the workers after their current task and waits up to timeout.
// Tasks still queued once the workers exit are failed with ErrStopped.
func (p *WorkerPool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		close(p.stopChan)
		p.mu.Unlock()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			p.submitters.Wait()
			p.drain()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Debug("Worker pool stopped", zap.String("name", p.name))
		case <-time.After(timeout):
			err = fmt.Errorf("worker pool '%s' stop timeout after %v", p.name, timeout)
			p.logger.Warn("Worker pool stop timeout", zap.String("name", p.name))
		}
	})
	return err
}

// Stats returns current worker pool statistics
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Name:           p.name,
		MaxWorkers:     p.maxWorkers,
		ActiveWorkers:  int(p.activeWorkers.Load()),
		QueueSize:      p.queueSize,
		QueuedTasks:    len(p.taskQueue),
		TotalTasks:     p.totalTasks.Load(),
		CompletedTasks: p.completedTasks.Load(),
		FailedTasks:    p.failedTasks.Load(),
		RejectedTasks:  p.rejectedTasks.Load(),
	}
}

// Stats represents worker pool statistics
type Stats struct {
	Name           string `json:"name"`
	MaxWorkers     int    `json:"max_workers"`
	ActiveWorkers  int    `json:"active_workers"`
	QueueSize      int    `json:"queue_size"`
	QueuedTasks    int    `json:"queued_tasks"`
	TotalTasks     uint64 `json:"total_tasks"`
	CompletedTasks uint64 `json:"completed_tasks"`
	FailedTasks    uint64 `json:"failed_tasks"`
	RejectedTasks  uint64 `json:"rejected_tasks"`
}
