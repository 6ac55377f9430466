package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/roostlabs/roost/pkg/log"
	"github.com/roostlabs/roost/pkg/metrics"
	"github.com/roostlabs/roost/pkg/task"
)

// AnyWorker schedules a work item on whichever worker picks it up first.
const AnyWorker = -1

// Hooks customises the scheduler's wake-up, idle, and stop behaviour. The
// bare scheduler uses defaults (no-op tickle, short idle sleep); the
// reactor substitutes its wake pipe and poll cycle.
type Hooks interface {
	// Tickle wakes at least one idle worker.
	Tickle()
	// Idle runs one idle cycle on the given worker. It must return
	// promptly once Tickle is called or new work arrives.
	Idle(ctx context.Context, worker int)
	// Stopping reports whether workers should exit their driver loops.
	Stopping() bool
}

type workItem struct {
	task   *task.Task
	fn     task.Thunk
	worker int
}

// Scheduler multiplexes tasks over a fixed pool of workers. Work items are
// FIFO per pin tag: unpinned items dispatch in order to any worker, items
// pinned to a worker dispatch in order on that worker.
type Scheduler struct {
	name      string
	threads   int
	useCaller bool
	hooks     Hooks
	logger    zerolog.Logger

	mu      sync.Mutex
	queue   []workItem
	running bool
	stopped bool

	autoStop atomic.Bool
	active   atomic.Int32
	idle     atomic.Int32
	wg       sync.WaitGroup

	roots   []*task.Task
	cbTasks []*task.Task
}

// Option configures scheduler construction.
type Option func(*Scheduler)

// WithHooks installs custom hooks (used by the reactor).
func WithHooks(h Hooks) Option {
	return func(s *Scheduler) { s.hooks = h }
}

// WithUseCaller lets the constructing goroutine serve as worker 0: after
// Start, Stop drains the caller's driver loop before joining the rest.
func WithUseCaller() Option {
	return func(s *Scheduler) { s.useCaller = true }
}

// New creates a scheduler with the given worker count.
func New(name string, threads int, opts ...Option) *Scheduler {
	if threads < 1 {
		threads = 1
	}
	s := &Scheduler{
		name:    name,
		threads: threads,
		logger:  log.WithComponent("scheduler").With().Str("scheduler", name).Logger(),
		roots:   make([]*task.Task, threads),
		cbTasks: make([]*task.Task, threads),
	}
	for _, o := range opts {
		o(s)
	}
	if s.hooks == nil {
		s.hooks = defaultHooks{s}
	}
	return s
}

// Name identifies the scheduler.
func (s *Scheduler) Name() string { return s.name }

// Threads returns the worker count.
func (s *Scheduler) Threads() int { return s.threads }

// Start launches the worker threads. With use-caller, worker 0 is reserved
// for the caller and is driven by Stop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopped = false
	s.mu.Unlock()

	first := 0
	if s.useCaller {
		first = 1
	}
	for i := first; i < s.threads; i++ {
		s.wg.Add(1)
		go func(idx int) {
			defer s.wg.Done()
			s.runWorker(idx)
		}(i)
	}
	s.logger.Debug().Int("threads", s.threads).Bool("use_caller", s.useCaller).Msg("Scheduler started")
}

// Stop sets auto-stop, wakes every worker once, and blocks until all
// workers join. Idempotent after completion. With use-caller it first
// drains worker 0 on the calling goroutine.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running || s.stopped {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.autoStop.Store(true)
	for i := 0; i < s.threads; i++ {
		s.hooks.Tickle()
	}
	if s.useCaller {
		s.runWorker(0)
	}
	s.wg.Wait()

	s.mu.Lock()
	s.running = false
	s.stopped = true
	s.mu.Unlock()
	s.logger.Debug().Msg("Scheduler stopped")
}

// Schedule enqueues a thunk on any worker.
func (s *Scheduler) Schedule(fn task.Thunk) {
	s.add(workItem{fn: fn, worker: AnyWorker})
}

// SchedulePinned enqueues a thunk pinned to a worker.
func (s *Scheduler) SchedulePinned(fn task.Thunk, worker int) {
	s.add(workItem{fn: fn, worker: worker})
}

// ScheduleTask enqueues a task, pinned to the given worker (AnyWorker for
// none). Part of the task.Executor contract.
func (s *Scheduler) ScheduleTask(t *task.Task, worker int) {
	s.add(workItem{task: t, worker: worker})
}

// ScheduleFunc enqueues a thunk pinned to the given worker (AnyWorker for
// none). Part of the task.Executor contract.
func (s *Scheduler) ScheduleFunc(fn task.Thunk, worker int) {
	s.add(workItem{fn: fn, worker: worker})
}

// ScheduleBatch enqueues thunks preserving their order, with a single
// wake-up.
func (s *Scheduler) ScheduleBatch(fns []task.Thunk) {
	if len(fns) == 0 {
		return
	}
	s.mu.Lock()
	needTickle := len(s.queue) == 0
	for _, fn := range fns {
		s.queue = append(s.queue, workItem{fn: fn, worker: AnyWorker})
	}
	depth := len(s.queue)
	s.mu.Unlock()
	metrics.QueueDepth.WithLabelValues(s.name).Set(float64(depth))
	if needTickle {
		s.hooks.Tickle()
	}
}

func (s *Scheduler) add(item workItem) {
	s.mu.Lock()
	needTickle := len(s.queue) == 0 || item.worker != AnyWorker
	s.queue = append(s.queue, item)
	depth := len(s.queue)
	s.mu.Unlock()
	metrics.QueueDepth.WithLabelValues(s.name).Set(float64(depth))
	if needTickle {
		s.hooks.Tickle()
	}
}

// SwitchTo moves the current task to the given worker of this scheduler.
// Returns immediately when already there.
func (s *Scheduler) SwitchTo(ctx context.Context, worker int) {
	env := task.EnvFromContext(ctx)
	if env == nil || env.Task == nil {
		s.logger.Fatal().Msg("SwitchTo outside a task")
	}
	var self task.Executor = s
	if e, ok := s.hooks.(task.Executor); ok {
		self = e
	}
	if env.Exec == self && (worker == AnyWorker || env.Worker == worker) {
		return
	}
	env.Task.SetPinNext(worker)
	s.ScheduleTask(env.Task, worker)
	env.Task.YieldToSuspended()
}

// RootTask returns the driver task of the given worker, nil before Start.
func (s *Scheduler) RootTask(worker int) *task.Task {
	if worker < 0 || worker >= s.threads {
		return nil
	}
	return s.roots[worker]
}

// HasIdleWorkers reports whether any worker is in its idle cycle.
func (s *Scheduler) HasIdleWorkers() bool { return s.idle.Load() > 0 }

// BaseStopping reports the bare stop condition: auto-stop requested, queue
// empty, and no worker mid-dispatch.
func (s *Scheduler) BaseStopping() bool {
	if !s.autoStop.Load() {
		return false
	}
	s.mu.Lock()
	empty := len(s.queue) == 0
	s.mu.Unlock()
	return empty && s.active.Load() == 0
}

// take pops the first queue item runnable on the given worker. The third
// result reports whether an item pinned elsewhere was skipped, in which
// case the caller tickles once so the pinned worker notices.
func (s *Scheduler) take(worker int) (workItem, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	skippedPinned := false
	for i, item := range s.queue {
		if item.worker != AnyWorker && item.worker != worker {
			skippedPinned = true
			continue
		}
		s.queue = append(s.queue[:i], s.queue[i+1:]...)
		metrics.QueueDepth.WithLabelValues(s.name).Set(float64(len(s.queue)))
		return item, true, skippedPinned
	}
	return workItem{}, false, skippedPinned
}

func (s *Scheduler) runWorker(idx int) {
	root := task.NewRoot()
	s.roots[idx] = root
	env := &task.Env{Task: root, Exec: s, Worker: idx}
	ctx := task.NewContext(context.Background(), env)

	for {
		item, ok, skipped := s.take(idx)
		if skipped {
			s.hooks.Tickle()
		}
		if ok {
			s.active.Add(1)
			s.dispatch(ctx, idx, item)
			s.active.Add(-1)
			continue
		}
		if s.hooks.Stopping() {
			// Cascade the wake so sibling workers parked in a long poll
			// notice the stop promptly.
			s.hooks.Tickle()
			break
		}
		s.idle.Add(1)
		metrics.IdleWorkers.WithLabelValues(s.name).Set(float64(s.idle.Load()))
		s.hooks.Idle(ctx, idx)
		s.idle.Add(-1)
		metrics.IdleWorkers.WithLabelValues(s.name).Set(float64(s.idle.Load()))
	}
}

func (s *Scheduler) dispatch(ctx context.Context, idx int, item workItem) {
	t := item.task
	if t == nil {
		// Thunks run on a per-worker callback task, reset and reused when
		// the previous thunk finished. A thunk that suspended keeps its
		// task (the resumption target now owns it), so a fresh one is made.
		t = s.cbTasks[idx]
		if t == nil {
			t = task.New(item.fn)
		} else {
			t.Reset(item.fn)
		}
		s.cbTasks[idx] = nil
	}
	if st := t.State(); st == task.StateTerminated || st == task.StateFailed {
		return
	}
	// Bind to the embedding executor (the Reactor) when the hooks are one,
	// so reactor.FromContext finds it from inside the task.
	var exec task.Executor = s
	if e, ok := s.hooks.(task.Executor); ok {
		exec = e
	}
	t.Bind(exec, idx)
	t.Resume()
	switch t.State() {
	case task.StateReady:
		s.ScheduleTask(t, t.TakePinNext())
	case task.StateSuspended:
		// Something else re-schedules it.
	case task.StateTerminated, task.StateFailed:
		if item.task == nil {
			s.cbTasks[idx] = t
		}
	}
}

// defaultHooks is the bare scheduler behaviour: tickle is a no-op and idle
// sleeps briefly, so workers poll the queue at a coarse cadence.
type defaultHooks struct{ s *Scheduler }

func (defaultHooks) Tickle() {}

func (h defaultHooks) Idle(ctx context.Context, worker int) {
	time.Sleep(time.Millisecond)
}

func (h defaultHooks) Stopping() bool { return h.s.BaseStopping() }
