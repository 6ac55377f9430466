package syncx

import (
	"context"
	"sync"

	"github.com/roostlabs/roost/pkg/task"
)

// Semaphore is a counting semaphore for tasks. Acquire suspends the current
// task cooperatively when the count is exhausted; Release resumes the
// oldest waiter on the worker it was suspended on. It must only be used
// from within tasks.
type Semaphore struct {
	mu      sync.Mutex
	count   int
	waiters []waiter
}

type waiter struct {
	t      *task.Task
	exec   task.Executor
	worker int
}

// NewSemaphore creates a semaphore with the given initial count.
func NewSemaphore(count int) *Semaphore {
	return &Semaphore{count: count}
}

// Acquire takes one unit, suspending the current task until one is
// available.
func (s *Semaphore) Acquire(ctx context.Context) {
	env := task.EnvFromContext(ctx)
	s.mu.Lock()
	if s.count > 0 {
		s.count--
		s.mu.Unlock()
		return
	}
	s.waiters = append(s.waiters, waiter{t: env.Task, exec: env.Exec, worker: env.Worker})
	s.mu.Unlock()
	env.Task.YieldToSuspended()
}

// TryAcquire takes one unit without suspending. Returns false when none is
// available.
func (s *Semaphore) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count > 0 {
		s.count--
		return true
	}
	return false
}

// Release returns one unit, resuming the oldest waiter if any.
func (s *Semaphore) Release() {
	s.mu.Lock()
	if len(s.waiters) > 0 {
		w := s.waiters[0]
		s.waiters = s.waiters[1:]
		s.mu.Unlock()
		w.exec.ScheduleTask(w.t, w.worker)
		return
	}
	s.count++
	s.mu.Unlock()
}
