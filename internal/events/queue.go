package events

import "sync"

// Queue runs tasks one at a time, in push order, on a single goroutine.
// Pushing never blocks, so producers may hold their own locks while they
// enqueue; that is how the provider keeps event order equal to the order of
// its state transitions.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []func()
	closed bool
	done   chan struct{}
}

// NewQueue starts the queue's worker.
func NewQueue() *Queue {
	q := &Queue{done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// Push schedules task. It reports false once the queue is closed.
func (q *Queue) Push(task func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.tasks = append(q.tasks, task)
	q.cond.Signal()
	return true
}

// Close stops accepting tasks. Tasks already queued still run; Done is
// closed once they have.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Signal()
	q.mu.Unlock()
}

// Done is closed after Close once every queued task has run.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

// Sync blocks until every task pushed before the call has run. Calling it
// from inside a task deadlocks.
func (q *Queue) Sync() {
	flushed := make(chan struct{})
	if !q.Push(func() { close(flushed) }) {
		<-q.done
		return
	}
	<-flushed
}

func (q *Queue) run() {
	defer close(q.done)

	for {
		q.mu.Lock()
		for len(q.tasks) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.tasks) == 0 && q.closed {
			q.mu.Unlock()
			return
		}
		task := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		task()
	}
}
