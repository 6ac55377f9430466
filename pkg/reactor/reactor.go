//go:build linux

package reactor

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/roostlabs/roost/pkg/log"
	"github.com/roostlabs/roost/pkg/metrics"
	"github.com/roostlabs/roost/pkg/scheduler"
	"github.com/roostlabs/roost/pkg/task"
	"github.com/roostlabs/roost/pkg/timer"
)

// Event is a readiness direction. The values match EPOLLIN/EPOLLOUT so the
// mask translates directly to the kernel registration.
type Event uint32

const (
	EventNone  Event = 0
	EventRead  Event = unix.EPOLLIN
	EventWrite Event = unix.EPOLLOUT
)

// maxTimeoutMS caps one poll wait so workers re-check the stop condition
// at a bounded cadence.
const maxTimeoutMS = 3000

// eventSlot is the resumption target armed for one direction of one fd.
type eventSlot struct {
	exec   task.Executor
	worker int
	t      *task.Task
	fn     task.Thunk
}

func (s *eventSlot) occupied() bool { return s.t != nil || s.fn != nil }

// fdContext tracks the armed directions of one fd. The kernel registration
// always matches the union of occupied slots; both are updated under mu,
// and the kernel side is updated first on removal so a stale event can
// never fire into a cleared slot's successor.
type fdContext struct {
	mu     sync.Mutex
	fd     int
	events Event
	read   eventSlot
	write  eventSlot
}

func (fc *fdContext) slot(ev Event) *eventSlot {
	if ev == EventRead {
		return &fc.read
	}
	return &fc.write
}

// Reactor is a scheduler whose idle behaviour is one cycle of an
// edge-triggered epoll loop fused with a timer manager: instead of
// spinning, idle workers poll readiness, fire expired timers, and resume
// exactly the tasks whose events triggered.
type Reactor struct {
	*scheduler.Scheduler
	*timer.Manager

	epfd      int
	wakeRead  int
	wakeWrite int

	fdMu    sync.RWMutex
	fdctxs  []*fdContext
	pending atomic.Int64

	evBufs [][]unix.EpollEvent
	logger zerolog.Logger
}

// New creates and starts nothing: call Start (and Stop) like a scheduler.
func New(name string, threads int, useCaller bool) (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		unix.Close(epfd)
		return nil, err
	}

	r := &Reactor{
		epfd:      epfd,
		wakeRead:  p[0],
		wakeWrite: p[1],
		fdctxs:    make([]*fdContext, 64),
		logger:    log.WithComponent("reactor").With().Str("reactor", name).Logger(),
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLET, Fd: int32(r.wakeRead)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, r.wakeRead, &ev); err != nil {
		unix.Close(epfd)
		unix.Close(p[0])
		unix.Close(p[1])
		return nil, err
	}

	r.Manager = timer.NewManager()
	r.Manager.OnInsertedAtFront(r.Tickle)

	opts := []scheduler.Option{scheduler.WithHooks(r)}
	if useCaller {
		opts = append(opts, scheduler.WithUseCaller())
	}
	r.Scheduler = scheduler.New(name, threads, opts...)

	if threads < 1 {
		threads = 1
	}
	r.evBufs = make([][]unix.EpollEvent, threads)
	for i := range r.evBufs {
		r.evBufs[i] = make([]unix.EpollEvent, 256)
	}
	return r, nil
}

// FromContext returns the reactor driving the current task, or nil when
// the task is not running under a reactor.
func FromContext(ctx context.Context) *Reactor {
	if r, ok := task.ExecutorFromContext(ctx).(*Reactor); ok {
		return r
	}
	return nil
}

// Stop stops the underlying scheduler, then releases the kernel handles.
func (r *Reactor) Stop() {
	r.Scheduler.Stop()
	if r.epfd < 0 {
		return
	}
	unix.Close(r.epfd)
	unix.Close(r.wakeRead)
	unix.Close(r.wakeWrite)
	r.epfd, r.wakeRead, r.wakeWrite = -1, -1, -1
}

// Pending returns the number of armed, unfired events.
func (r *Reactor) Pending() int64 { return r.pending.Load() }

// Tickle wakes one poll wait by writing a byte into the wake pipe. The
// write is unconditional: a worker between its queue scan and the poll
// call would miss a conditional wake, and a full pipe just returns
// EAGAIN. Implements scheduler.Hooks.
func (r *Reactor) Tickle() {
	var b = [1]byte{'T'}
	unix.Write(r.wakeWrite, b[:])
}

// Stopping reports whether the reactor can shut down: no armed event, no
// pending timer, and the scheduler's own stop condition. Implements
// scheduler.Hooks.
func (r *Reactor) Stopping() bool {
	return r.pending.Load() == 0 && !r.HasTimers() && r.BaseStopping()
}

// Idle runs one poll cycle: wait for readiness or the next timer deadline,
// fire expired timers, and resume the tasks whose events triggered.
// Implements scheduler.Hooks.
func (r *Reactor) Idle(ctx context.Context, worker int) {
	timeout := r.NextTimeout()
	if timeout > maxTimeoutMS {
		timeout = maxTimeoutMS
	}

	buf := r.evBufs[worker]
	n, err := unix.EpollWait(r.epfd, buf, int(timeout))
	if err != nil {
		if err != unix.EINTR && err != unix.EBADF {
			r.logger.Error().Err(err).Msg("epoll_wait failed")
		}
		return
	}

	for _, cb := range r.CollectExpired() {
		fn := cb
		r.Schedule(func(context.Context) { fn() })
	}

	for i := 0; i < n; i++ {
		ev := buf[i]
		if int(ev.Fd) == r.wakeRead {
			r.drainWakePipe()
			continue
		}
		r.processEvent(int(ev.Fd), ev.Events)
	}
}

func (r *Reactor) drainWakePipe() {
	var b [256]byte
	for {
		n, err := unix.Read(r.wakeRead, b[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (r *Reactor) processEvent(fd int, epevents uint32) {
	fc := r.lookup(fd)
	if fc == nil {
		return
	}
	fc.mu.Lock()
	got := Event(epevents) & (EventRead | EventWrite)
	// An error or hangup is promoted to every armed direction so it can
	// never strand a waiter.
	if epevents&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		got |= fc.events
	}
	fired := got & fc.events
	if fired == EventNone {
		fc.mu.Unlock()
		return
	}
	left := fc.events &^ fired
	r.updateKernel(fc, left)

	var fires []eventSlot
	if fired&EventRead != 0 {
		fires = append(fires, fc.read)
		fc.read = eventSlot{}
	}
	if fired&EventWrite != 0 {
		fires = append(fires, fc.write)
		fc.write = eventSlot{}
	}
	fc.mu.Unlock()

	for i := range fires {
		r.fire(&fires[i])
	}
}

// updateKernel rewrites fd's kernel registration to the given direction
// set. Called with fc.mu held, before the slots are cleared.
func (r *Reactor) updateKernel(fc *fdContext, left Event) {
	op := unix.EPOLL_CTL_DEL
	if left != EventNone {
		op = unix.EPOLL_CTL_MOD
	}
	ev := unix.EpollEvent{Events: unix.EPOLLET | uint32(left), Fd: int32(fc.fd)}
	if err := unix.EpollCtl(r.epfd, op, fc.fd, &ev); err != nil {
		r.logger.Debug().Err(err).Int("fd", fc.fd).Msg("epoll_ctl update failed")
	}
	fc.events = left
}

func (r *Reactor) fire(s *eventSlot) {
	r.pending.Add(-1)
	metrics.PendingEvents.WithLabelValues(r.Name()).Set(float64(r.pending.Load()))
	if s.t != nil {
		s.exec.ScheduleTask(s.t, s.worker)
	} else if s.fn != nil {
		s.exec.ScheduleFunc(s.fn, s.worker)
	}
}

// ArmEvent registers interest in one direction of fd. The resumption
// target is fn when given, otherwise the current task. Arming a direction
// whose slot is occupied is a contract violation.
func (r *Reactor) ArmEvent(ctx context.Context, fd int, ev Event, fn task.Thunk) error {
	env := task.EnvFromContext(ctx)
	if env == nil || (fn == nil && env.Task == nil) {
		r.logger.Fatal().Int("fd", fd).Msg("ArmEvent without a current task")
	}
	fc := r.fdContext(fd)

	fc.mu.Lock()
	slot := fc.slot(ev)
	if slot.occupied() {
		fc.mu.Unlock()
		r.logger.Fatal().Int("fd", fd).Uint32("event", uint32(ev)).Msg("ArmEvent on an occupied slot")
	}
	op := unix.EPOLL_CTL_ADD
	if fc.events != EventNone {
		op = unix.EPOLL_CTL_MOD
	}
	want := fc.events | ev
	epev := unix.EpollEvent{Events: unix.EPOLLET | uint32(want), Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, op, fd, &epev); err != nil {
		fc.mu.Unlock()
		return err
	}
	fc.events = want
	slot.exec = env.Exec
	slot.worker = env.Worker
	if fn != nil {
		slot.fn = fn
	} else {
		slot.t = env.Task
	}
	r.pending.Add(1)
	metrics.PendingEvents.WithLabelValues(r.Name()).Set(float64(r.pending.Load()))
	fc.mu.Unlock()
	return nil
}

// DisarmEvent removes one direction's registration and slot without
// firing it. Returns false when the direction was not armed.
func (r *Reactor) DisarmEvent(fd int, ev Event) bool {
	fc := r.lookup(fd)
	if fc == nil {
		return false
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.events&ev == EventNone {
		return false
	}
	r.updateKernel(fc, fc.events&^ev)
	*fc.slot(ev) = eventSlot{}
	r.pending.Add(-1)
	metrics.PendingEvents.WithLabelValues(r.Name()).Set(float64(r.pending.Load()))
	return true
}

// CancelEvent removes one direction like DisarmEvent but also fires its
// slot, waking the blocked operation as if its event had arrived.
func (r *Reactor) CancelEvent(fd int, ev Event) bool {
	fc := r.lookup(fd)
	if fc == nil {
		return false
	}
	fc.mu.Lock()
	if fc.events&ev == EventNone {
		fc.mu.Unlock()
		return false
	}
	r.updateKernel(fc, fc.events&^ev)
	s := *fc.slot(ev)
	*fc.slot(ev) = eventSlot{}
	fc.mu.Unlock()

	r.fire(&s)
	return true
}

// CancelAll removes both directions of fd in one kernel call and fires
// every armed slot. After the call the fd has no armed direction.
func (r *Reactor) CancelAll(fd int) {
	fc := r.lookup(fd)
	if fc == nil {
		return
	}
	fc.mu.Lock()
	if fc.events == EventNone {
		fc.mu.Unlock()
		return
	}
	r.updateKernel(fc, EventNone)
	var fires []eventSlot
	if fc.read.occupied() {
		fires = append(fires, fc.read)
		fc.read = eventSlot{}
	}
	if fc.write.occupied() {
		fires = append(fires, fc.write)
		fc.write = eventSlot{}
	}
	fc.mu.Unlock()

	for i := range fires {
		r.fire(&fires[i])
	}
}

func (r *Reactor) fdContext(fd int) *fdContext {
	r.fdMu.RLock()
	if fd < len(r.fdctxs) {
		if fc := r.fdctxs[fd]; fc != nil {
			r.fdMu.RUnlock()
			return fc
		}
	}
	r.fdMu.RUnlock()

	r.fdMu.Lock()
	defer r.fdMu.Unlock()
	if fd >= len(r.fdctxs) {
		grown := make([]*fdContext, fd+fd/2+1)
		copy(grown, r.fdctxs)
		r.fdctxs = grown
	}
	if r.fdctxs[fd] == nil {
		r.fdctxs[fd] = &fdContext{fd: fd}
	}
	return r.fdctxs[fd]
}

func (r *Reactor) lookup(fd int) *fdContext {
	r.fdMu.RLock()
	defer r.fdMu.RUnlock()
	if fd < 0 || fd >= len(r.fdctxs) {
		return nil
	}
	return r.fdctxs[fd]
}
