package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/wangfeng1004/Cumulus/internal/counter"
)

var (
	// ErrQueueFull is returned by Submit when the chosen worker's queue has
	// no room.
	ErrQueueFull = errors.New("worker queue full")
	// ErrStopped is returned by Submit outside Start and Stop.
	ErrStopped = errors.New("worker pool stopped")
)

// Task is one unit of work.
type Task func()

// Config sizes the pool.
type Config struct {
	Workers   int
	QueueSize int
}

// Stats are lifetime pool counters.
type Stats struct {
	Workers   int   `json:"workers"`
	Submitted int64 `json:"submitted"`
	Rejected  int64 `json:"rejected"`
	Completed int64 `json:"completed"`
	Panics    int64 `json:"panics"`
	Abandoned int64 `json:"abandoned"`
	PeakQueue int64 `json:"peak_queue"`
	Depths    []int `json:"queue_depths"`
}

// Pool runs tasks on a fixed set of goroutines, each with its own bounded
// queue. Tasks with the same non-zero key run on the same worker in submit
// order; tasks on different workers have no ordering.
type Pool struct {
	queues  []chan Task
	active  []atomic.Bool
	logger  *slog.Logger
	abandon chan struct{}
	wg      sync.WaitGroup

	mu      sync.RWMutex
	started bool
	stopped bool

	next      counter.Counter
	peak      counter.Counter
	submitted counter.Counter
	rejected  counter.Counter
	completed counter.Counter
	panics    counter.Counter
	abandoned counter.Counter
}

// NewPool creates a stopped pool.
func NewPool(cfg Config, logger *slog.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	queues := make([]chan Task, cfg.Workers)
	for i := range queues {
		queues[i] = make(chan Task, cfg.QueueSize)
	}

	return &Pool{
		queues:  queues,
		active:  make([]atomic.Bool, cfg.Workers),
		logger:  logger.With(slog.String("component", "worker")),
		abandon: make(chan struct{}),
	}
}

// Start launches the workers. Calling Start twice, or after Stop, is a no-op.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true

	for i := range p.queues {
		p.wg.Add(1)
		p.active[i].Store(true)
		go p.worker(i)
	}

	p.logger.Info("Worker pool started",
		slog.Int("workers", len(p.queues)),
		slog.Int("queue_size", cap(p.queues[0])),
	)
}

// Submit enqueues task without blocking. Key 0 spreads tasks round-robin;
// any other key pins the task to worker key%n.
func (p *Pool) Submit(task Task, key uint32) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.started || p.stopped {
		return ErrStopped
	}

	n := uint32(len(p.queues))
	idx := key % n
	if key == 0 {
		idx = uint32(p.next.PostInc()) % n
	}
	q := p.queues[idx]

	select {
	case q <- task:
		p.submitted.Inc()
		p.peak.BumpToMax(int64(len(q)))
		return nil
	default:
		p.rejected.Inc()
		return fmt.Errorf("worker %d: %w", idx, ErrQueueFull)
	}
}

func (p *Pool) worker(i int) {
	defer p.wg.Done()
	defer p.active[i].Store(false)

	q := p.queues[i]
	for {
		select {
		case <-p.abandon:
			n := len(q)
			p.abandoned.Add(int64(n))
			return
		case task, ok := <-q:
			if !ok {
				return
			}
			select {
			case <-p.abandon:
				p.abandoned.Add(int64(1 + len(q)))
				return
			default:
			}
			p.run(i, task)
		}
	}
}

func (p *Pool) run(i int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Inc()
			p.logger.Error("Worker task panicked",
				slog.Int("worker", i),
				slog.Any("panic", r),
			)
		}
		p.completed.Inc()
	}()
	task()
}

// Stop refuses new tasks and waits for queued ones to finish. If ctx ends
// first the remaining tasks are abandoned and ctx's error is returned once
// the workers have exited.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.stopped = true
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("Worker pool stopped", slog.Int64("completed", p.completed.Get()))
		return nil
	case <-ctx.Done():
		close(p.abandon)
		<-done
		p.logger.Warn("Worker pool stopped before draining",
			slog.Int64("abandoned", p.abandoned.Get()),
		)
		return ctx.Err()
	}
}

// Workers returns the number of workers.
func (p *Pool) Workers() int { return len(p.queues) }

// Running reports whether the pool accepts tasks.
func (p *Pool) Running() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.started && !p.stopped
}

// WorkerRunning reports whether worker i is alive.
func (p *Pool) WorkerRunning(i int) bool {
	if i < 0 || i >= len(p.active) {
		return false
	}
	return p.active[i].Load()
}

// QueueDepths returns the number of tasks waiting on each worker.
func (p *Pool) QueueDepths() []int {
	depths := make([]int, len(p.queues))
	for i, q := range p.queues {
		depths[i] = len(q)
	}
	return depths
}

// QueueLen is the total number of waiting tasks.
func (p *Pool) QueueLen() int {
	total := 0
	for _, q := range p.queues {
		total += len(q)
	}
	return total
}

// PeakQueue is the deepest any single queue has been.
func (p *Pool) PeakQueue() int64 { return p.peak.Get() }

// Stats returns the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:   len(p.queues),
		Submitted: p.submitted.Get(),
		Rejected:  p.rejected.Get(),
		Completed: p.completed.Get(),
		Panics:    p.panics.Get(),
		Abandoned: p.abandoned.Get(),
		PeakQueue: p.peak.Get(),
		Depths:    p.QueueDepths(),
	}
}
