package rt

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	"go.uber.org/zap"
)

// ErrClosed is returned by Submit after the executor has been closed.
var ErrClosed = errors.New("rt: executor closed")

// Interop is handed to a host task while it runs. It exposes the queue the
// task was submitted against and storage local to the worker's OS thread.
//
// Worker locals live until the worker exits; teardown hooks registered
// with SetLocal run at that point, in reverse registration order. A value
// stored by one task is visible to later tasks that land on the same
// worker, and never to tasks on other workers.
type Interop struct {
	w *worker
	q *Queue
}

// Queue returns the queue the host task was submitted against.
func (ih *Interop) Queue() *Queue {
	return ih.q
}

// Local returns the worker-local value stored under key, or nil.
func (ih *Interop) Local(key string) any {
	if e, ok := ih.w.locals[key]; ok {
		return e.value
	}
	return nil
}

// SetLocal stores a worker-local value. teardown, if non-nil, runs when
// the worker exits.
func (ih *Interop) SetLocal(key string, value any, teardown func() error) {
	if _, ok := ih.w.locals[key]; !ok {
		ih.w.localOrder = append(ih.w.localOrder, key)
	}
	ih.w.locals[key] = localEntry{value: value, teardown: teardown}
}

type localEntry struct {
	value    any
	teardown func() error
}

type task struct {
	q    *Queue
	fn   func(*Interop) error
	done chan error
}

type worker struct {
	id         int
	locals     map[string]localEntry
	localOrder []string
}

// Executor runs host tasks on a fixed pool of workers. Each worker
// goroutine is locked to its OS thread for its whole lifetime, so state a
// task leaves behind on the thread (the active driver context, worker
// locals) is still there when the next task lands on the same worker.
type Executor struct {
	log   *zap.Logger
	tasks chan task

	closeOnce sync.Once
	wg        sync.WaitGroup

	mu           sync.Mutex
	teardownErrs []error
}

// NewExecutor starts a pool of n workers. n must be at least 1.
func NewExecutor(n int, log *zap.Logger) *Executor {
	if n < 1 {
		n = 1
	}
	e := &Executor{
		log:   log,
		tasks: make(chan task),
	}
	e.wg.Add(n)
	for i := 0; i < n; i++ {
		go e.run(i)
	}
	return e
}

func (e *Executor) run(id int) {
	defer e.wg.Done()

	// The worker owns its OS thread so that thread-affine driver state
	// survives between tasks.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	w := &worker{id: id, locals: make(map[string]localEntry)}
	e.log.Debug("host task worker started", zap.Int("worker", id))

	for t := range e.tasks {
		t.done <- e.runTask(w, t)
	}

	for i := len(w.localOrder) - 1; i >= 0; i-- {
		key := w.localOrder[i]
		entry := w.locals[key]
		delete(w.locals, key)
		if entry.teardown == nil {
			continue
		}
		if err := entry.teardown(); err != nil {
			e.log.Error("worker local teardown failed",
				zap.Int("worker", id), zap.String("key", key), zap.Error(err))
			e.mu.Lock()
			e.teardownErrs = append(e.teardownErrs, err)
			e.mu.Unlock()
		}
	}
	e.log.Debug("host task worker stopped", zap.Int("worker", id))
}

func (e *Executor) runTask(w *worker, t task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("rt: host task panic: %v", r)
		}
	}()
	return t.fn(&Interop{w: w, q: t.q})
}

// Submit runs fn as a host task on a scheduler-chosen worker and waits
// for it to finish.
func (e *Executor) Submit(q *Queue, fn func(*Interop) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			// Send on closed channel.
			err = ErrClosed
		}
	}()
	done := make(chan error, 1)
	e.tasks <- task{q: q, fn: fn, done: done}
	return <-done
}

// Close stops accepting tasks and joins the workers, running their local
// teardown hooks. Teardown failures are aggregated; every hook runs
// regardless.
func (e *Executor) Close() error {
	e.closeOnce.Do(func() {
		close(e.tasks)
		e.wg.Wait()
	})
	e.mu.Lock()
	defer e.mu.Unlock()
	return errors.Join(e.teardownErrs...)
}
