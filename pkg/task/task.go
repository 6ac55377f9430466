package task

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/roostlabs/roost/pkg/config"
	"github.com/roostlabs/roost/pkg/log"
	"github.com/roostlabs/roost/pkg/metrics"
)

// State is the lifecycle state of a task.
type State int32

const (
	StateInit State = iota
	StateReady
	StateRunning
	StateSuspended
	StateTerminated
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateSuspended:
		return "suspended"
	case StateTerminated:
		return "terminated"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Thunk is the body of a task. It runs exactly once per Reset.
type Thunk func(ctx context.Context)

// Executor is the dispatcher a task is bound to while it runs. Implemented
// by the scheduler; kept here so tasks can re-enqueue themselves without a
// package cycle.
type Executor interface {
	// ScheduleTask enqueues t, pinned to the given worker (-1 for any).
	ScheduleTask(t *Task, worker int)
	// ScheduleFunc enqueues a thunk, pinned to the given worker (-1 for any).
	ScheduleFunc(fn Thunk, worker int)
	// Name identifies the executor in logs.
	Name() string
}

var nextID atomic.Uint64

// Task is a suspendable unit of cooperative execution. Each task is backed
// by its own goroutine; Resume and the Yield methods hand control back and
// forth between the task and the worker driving it, so at most one of the
// two runs at any moment.
type Task struct {
	id     uint64
	state  atomic.Int32
	fn     Thunk
	hybrid bool
	// stackBudget is advisory: goroutine stacks grow on demand, the budget
	// records what the configuration asked for at creation time.
	stackBudget int

	resumeCh   chan struct{}
	yieldCh    chan struct{}
	resumeGate chan struct{}
	started    bool

	// pinNext pins the next re-enqueue after a ready-yield; consumed by the
	// worker that observes the yield. -1 means unpinned.
	pinNext int

	env    Env
	ctx    context.Context
	logger zerolog.Logger
}

// Env is the per-resume binding of a task to its executor. The worker
// mutates it before every Resume; the task reads it between suspension
// points, so access never races.
type Env struct {
	Task   *Task
	Exec   Executor
	Worker int
}

// Option configures task creation.
type Option func(*Task)

// WithStackBudget overrides the configured stack budget for this task.
func WithStackBudget(n int) Option {
	return func(t *Task) {
		if n > 0 {
			t.stackBudget = n
		}
	}
}

// WithHybrid marks the task as running against the calling thread's root
// context rather than a worker's.
func WithHybrid() Option {
	return func(t *Task) { t.hybrid = true }
}

// New creates a task in the Init state.
func New(fn Thunk, opts ...Option) *Task {
	t := &Task{
		id:          nextID.Add(1),
		fn:          fn,
		stackBudget: config.StackSize(),
		resumeCh:    make(chan struct{}),
		yieldCh:     make(chan struct{}),
		resumeGate:  make(chan struct{}, 1),
		pinNext:     -1,
	}
	t.state.Store(int32(StateInit))
	t.env = Env{Task: t, Worker: -1}
	t.ctx = NewContext(context.Background(), &t.env)
	t.logger = log.WithComponent("task")
	for _, o := range opts {
		o(t)
	}
	metrics.TasksCreated.Inc()
	metrics.TasksLive.Inc()
	return t
}

// NewRoot creates the task object representing a worker's driver loop. It
// is born Running and is never resumed or yielded through the usual
// handshake.
func NewRoot() *Task {
	t := &Task{
		id:         nextID.Add(1),
		resumeCh:   make(chan struct{}),
		yieldCh:    make(chan struct{}),
		resumeGate: make(chan struct{}, 1),
		pinNext:    -1,
	}
	t.state.Store(int32(StateRunning))
	t.env = Env{Task: t, Worker: -1}
	t.ctx = NewContext(context.Background(), &t.env)
	t.logger = log.WithComponent("task")
	return t
}

// ID returns the task's monotonic id.
func (t *Task) ID() uint64 { return t.id }

// State returns the current lifecycle state.
func (t *Task) State() State { return State(t.state.Load()) }

// Hybrid reports whether the task runs against the calling thread's root
// context.
func (t *Task) Hybrid() bool { return t.hybrid }

// StackBudget returns the advisory stack size recorded at creation.
func (t *Task) StackBudget() int { return t.stackBudget }

// Context returns the task's context. Env values are rebound by the worker
// on every resume.
func (t *Task) Context() context.Context { return t.ctx }

// Bind attaches the task to the executor and worker about to resume it.
// Must only be called by the owner of the task while it is not running.
func (t *Task) Bind(exec Executor, worker int) {
	t.env.Exec = exec
	t.env.Worker = worker
}

// Resume transfers control to the task. It returns when the task next
// suspends or terminates. Resuming a finished task is a contract
// violation.
//
// A resume may legally overlap the tail of the task's own yield (a waiter
// re-scheduled just before it parks); the gate serialises resumers, so the
// second one waits for the handshake instead of observing a running task.
func (t *Task) Resume() {
	t.resumeGate <- struct{}{}
	switch t.State() {
	case StateTerminated, StateFailed:
		t.logger.Fatal().Uint64("task_id", t.id).Str("state", t.State().String()).Msg("Resume of a finished task")
	}
	if !t.started {
		t.started = true
		go t.main()
	} else {
		t.resumeCh <- struct{}{}
	}
	<-t.yieldCh
	<-t.resumeGate
}

func (t *Task) main() {
	t.state.Store(int32(StateRunning))
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error().Uint64("task_id", t.id).Interface("panic", r).Msg("Task failed with uncaught error")
			t.state.Store(int32(StateFailed))
			metrics.TasksFailed.Inc()
			metrics.TasksLive.Dec()
			t.yieldCh <- struct{}{}
		}
	}()
	t.fn(t.ctx)
	t.state.Store(int32(StateTerminated))
	metrics.TasksLive.Dec()
	t.yieldCh <- struct{}{}
}

// YieldToSuspended saves the task and returns control to the worker. The
// task stays off the runnable queue until something re-schedules it.
func (t *Task) YieldToSuspended() {
	t.yield(StateSuspended)
}

// YieldToReady returns control to the worker, which re-enqueues the task so
// it is picked again on a future iteration.
func (t *Task) YieldToReady() {
	t.yield(StateReady)
}

func (t *Task) yield(to State) {
	t.state.Store(int32(to))
	t.yieldCh <- struct{}{}
	<-t.resumeCh
	t.state.Store(int32(StateRunning))
}

// SetPinNext pins the task's next ready re-enqueue to a worker.
func (t *Task) SetPinNext(worker int) { t.pinNext = worker }

// TakePinNext consumes the pending pin, returning -1 if none.
func (t *Task) TakePinNext() int {
	p := t.pinNext
	t.pinNext = -1
	return p
}

// Reset reinitialises a finished (or never-started) task to run a new
// thunk on the same backing state. Legal only in Init, Terminated, or
// Failed.
func (t *Task) Reset(fn Thunk) {
	prev := t.State()
	switch prev {
	case StateInit, StateTerminated, StateFailed:
	default:
		t.logger.Fatal().Uint64("task_id", t.id).Str("state", prev.String()).Msg("Reset of an unfinished task")
	}
	t.fn = fn
	t.started = false
	t.pinNext = -1
	t.state.Store(int32(StateInit))
	if prev != StateInit {
		metrics.TasksLive.Inc()
	}
}
