package sync

import (
	"context"
	"log/slog"
	gosync "sync"
)

// Task is one unit of partition work. Run processes pages until the task
// finishes or yields its slot; it returns true when it should be requeued.
type Task interface {
	Run(ctx context.Context) (requeue bool)
}

// taskQueue is a thread-safe FIFO of tasks with a coalescing signal channel
// so workers can wait on it together with ctx.Done().
type taskQueue struct {
	mu     gosync.Mutex
	tasks  []Task
	closed bool
	signal chan struct{}
}

func newTaskQueue() *taskQueue {
	return &taskQueue{signal: make(chan struct{}, 1)}
}

func (q *taskQueue) push(t Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.tasks = append(q.tasks, t)
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

func (q *taskQueue) tryPop() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return nil, false
	}
	t := q.tasks[0]
	q.tasks[0] = nil
	q.tasks = q.tasks[1:]
	// Wake another waiter if work remains.
	if len(q.tasks) > 0 {
		select {
		case q.signal <- struct{}{}:
		default:
		}
	}
	return t, true
}

func (q *taskQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *taskQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *taskQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Pool runs tasks on a fixed number of workers. A task that yields is pushed
// to the back of the queue so other partitions get a turn.
type Pool struct {
	size   int
	queue  *taskQueue
	wg     gosync.WaitGroup
	logger *slog.Logger
	once   gosync.Once
}

// NewPool creates a pool with size workers (at least one).
func NewPool(size int, logger *slog.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{size: size, queue: newTaskQueue(), logger: logger}
}

// Start launches the workers. They exit when ctx is cancelled or Stop is called.
func (p *Pool) Start(ctx context.Context) {
	p.once.Do(func() {
		for i := 0; i < p.size; i++ {
			p.wg.Add(1)
			go p.worker(ctx, i)
		}
	})
}

// Submit queues a task. It reports false if the pool is stopped.
func (p *Pool) Submit(t Task) bool {
	return p.queue.push(t)
}

// Pending returns the number of queued tasks not yet picked up by a worker.
func (p *Pool) Pending() int {
	return p.queue.len()
}

// Stop closes the queue and waits for workers to drain it. Tasks that yield
// after Stop are not requeued.
func (p *Pool) Stop() {
	p.queue.close()
	p.wg.Wait()
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		t, ok := p.queue.tryPop()
		if !ok {
			if p.queue.isClosed() {
				// Pass the wakeup on so sibling workers also exit.
				p.queue.close()
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-p.queue.signal:
			}
			continue
		}
		if t.Run(ctx) && !p.queue.push(t) {
			p.logger.Debug("pool stopped, dropping yielded task", "worker", id)
		}
	}
}
