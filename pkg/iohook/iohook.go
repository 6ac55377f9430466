//go:build linux

package iohook

import (
	"context"
	"time"

	"golang.org/x/sys/unix"

	"github.com/roostlabs/roost/pkg/config"
	"github.com/roostlabs/roost/pkg/fdreg"
	"github.com/roostlabs/roost/pkg/metrics"
	"github.com/roostlabs/roost/pkg/reactor"
	"github.com/roostlabs/roost/pkg/task"
	"github.com/roostlabs/roost/pkg/timer"
)

type disabledKey struct{}

// WithDisabled returns a context whose intercepted calls always delegate
// to the raw syscalls.
func WithDisabled(ctx context.Context) context.Context {
	return context.WithValue(ctx, disabledKey{}, true)
}

// Enabled reports whether interception applies on ctx: the context must
// belong to a task running under a reactor and not be explicitly disabled.
func Enabled(ctx context.Context) bool {
	if v, _ := ctx.Value(disabledKey{}).(bool); v {
		return false
	}
	env := task.EnvFromContext(ctx)
	if env == nil || env.Task == nil {
		return false
	}
	return reactor.FromContext(ctx) != nil
}

// timerInfo is the cancellation channel between a timeout timer and the
// waiter it guards. The timer's callback records the timeout in it; the
// waiter cancels the timer as soon as it resumes, so a finished wait
// receives no stale cancellation.
type timerInfo struct {
	cancelled unix.Errno
}

// hookable decides whether a call on fd goes through the cooperative path.
// Unregistered fds, non-sockets, and fds the user put into non-blocking
// mode behave exactly like the raw syscall.
func hookable(ctx context.Context, fd int) (*fdreg.FdCtx, bool) {
	if !Enabled(ctx) {
		return nil, false
	}
	fctx := fdreg.Get(fd, false)
	if fctx == nil || fctx.Closed() || !fctx.IsSocket() || fctx.UserNonblock() {
		return fctx, false
	}
	return fctx, true
}

// doIO is the shared wrapper template: retry on EINTR, delegate while the
// syscall progresses, and on EAGAIN arm the fd direction plus an optional
// condition timer that cancels the event, then suspend until one of them
// fires.
func doIO(ctx context.Context, fd int, ev reactor.Event, dir fdreg.Direction, raw func() (int, error)) (int, error) {
	fctx, ok := hookable(ctx, fd)
	if !ok {
		return raw()
	}

	r := reactor.FromContext(ctx)
	t := task.FromContext(ctx)

	for {
		n, err := raw()
		for err == unix.EINTR {
			n, err = raw()
		}
		if err != unix.EAGAIN {
			return n, err
		}

		timeoutMS := fctx.Timeout(dir)
		var tm *timer.Timer
		info := &timerInfo{}
		if timeoutMS != fdreg.Infinite {
			tm = r.AddConditionTimer(timeoutMS, func() {
				info.cancelled = unix.ETIMEDOUT
				r.CancelEvent(fd, ev)
			}, timer.WeakCond(info), false)
		}
		if err := r.ArmEvent(ctx, fd, ev, nil); err != nil {
			if tm != nil {
				tm.Cancel()
			}
			return -1, err
		}
		t.YieldToSuspended()
		if tm != nil {
			tm.Cancel()
		}
		if info.cancelled != 0 {
			return -1, info.cancelled
		}
		// Event fired: retry the syscall.
	}
}

// Read reads from fd, suspending the current task until data is available.
func Read(ctx context.Context, fd int, p []byte) (int, error) {
	n, err := doIO(ctx, fd, reactor.EventRead, fdreg.Read, func() (int, error) {
		return unix.Read(fd, p)
	})
	if n > 0 {
		metrics.BytesRead.Add(float64(n))
	}
	return n, err
}

// Readv reads into multiple buffers with one syscall.
func Readv(ctx context.Context, fd int, iovs [][]byte) (int, error) {
	n, err := doIO(ctx, fd, reactor.EventRead, fdreg.Read, func() (int, error) {
		return unix.Readv(fd, iovs)
	})
	if n > 0 {
		metrics.BytesRead.Add(float64(n))
	}
	return n, err
}

// Recv receives from a connected socket with the given flags.
func Recv(ctx context.Context, fd int, p []byte, flags int) (int, error) {
	n, _, err := Recvfrom(ctx, fd, p, flags)
	return n, err
}

// Recvmsg receives a message with ancillary data.
func Recvmsg(ctx context.Context, fd int, p, oob []byte, flags int) (int, int, unix.Sockaddr, error) {
	var oobn int
	var sa unix.Sockaddr
	n, err := doIO(ctx, fd, reactor.EventRead, fdreg.Read, func() (int, error) {
		var e error
		var nn int
		nn, oobn, _, sa, e = unix.Recvmsg(fd, p, oob, flags)
		return nn, e
	})
	if n > 0 {
		metrics.BytesRead.Add(float64(n))
	}
	return n, oobn, sa, err
}

// Recvfrom receives from fd, returning the peer address for unconnected
// sockets.
func Recvfrom(ctx context.Context, fd int, p []byte, flags int) (int, unix.Sockaddr, error) {
	var sa unix.Sockaddr
	n, err := doIO(ctx, fd, reactor.EventRead, fdreg.Read, func() (int, error) {
		var e error
		var nn int
		nn, sa, e = unix.Recvfrom(fd, p, flags)
		return nn, e
	})
	if n > 0 {
		metrics.BytesRead.Add(float64(n))
	}
	return n, sa, err
}

// Accept accepts one connection, suspending until a peer arrives. The
// accepted fd is registered with the fd registry.
func Accept(ctx context.Context, fd int) (int, unix.Sockaddr, error) {
	var sa unix.Sockaddr
	nfd, err := doIO(ctx, fd, reactor.EventRead, fdreg.Read, func() (int, error) {
		var e error
		var n int
		n, sa, e = unix.Accept(fd)
		return n, e
	})
	if err != nil {
		return -1, nil, err
	}
	fdreg.Get(nfd, true)
	return nfd, sa, nil
}

// Write writes to fd, suspending the current task while the kernel buffer
// is full.
func Write(ctx context.Context, fd int, p []byte) (int, error) {
	n, err := doIO(ctx, fd, reactor.EventWrite, fdreg.Write, func() (int, error) {
		return unix.Write(fd, p)
	})
	if n > 0 {
		metrics.BytesWritten.Add(float64(n))
	}
	return n, err
}

// Writev writes multiple buffers with one syscall.
func Writev(ctx context.Context, fd int, iovs [][]byte) (int, error) {
	n, err := doIO(ctx, fd, reactor.EventWrite, fdreg.Write, func() (int, error) {
		return unix.Writev(fd, iovs)
	})
	if n > 0 {
		metrics.BytesWritten.Add(float64(n))
	}
	return n, err
}

// Send sends on a connected socket with the given flags.
func Send(ctx context.Context, fd int, p []byte, flags int) (int, error) {
	n, err := doIO(ctx, fd, reactor.EventWrite, fdreg.Write, func() (int, error) {
		e := unix.Sendto(fd, p, flags, nil)
		if e != nil {
			return -1, e
		}
		return len(p), nil
	})
	if n > 0 {
		metrics.BytesWritten.Add(float64(n))
	}
	return n, err
}

// Sendmsg sends a message with ancillary data.
func Sendmsg(ctx context.Context, fd int, p, oob []byte, to unix.Sockaddr, flags int) (int, error) {
	n, err := doIO(ctx, fd, reactor.EventWrite, fdreg.Write, func() (int, error) {
		return unix.SendmsgN(fd, p, oob, to, flags)
	})
	if n > 0 {
		metrics.BytesWritten.Add(float64(n))
	}
	return n, err
}

// Sendto sends to an explicit peer address.
func Sendto(ctx context.Context, fd int, p []byte, flags int, to unix.Sockaddr) (int, error) {
	n, err := doIO(ctx, fd, reactor.EventWrite, fdreg.Write, func() (int, error) {
		e := unix.Sendto(fd, p, flags, to)
		if e != nil {
			return -1, e
		}
		return len(p), nil
	})
	if n > 0 {
		metrics.BytesWritten.Add(float64(n))
	}
	return n, err
}

// Connect connects fd to the peer, suspending through the in-progress
// phase. The timeout comes from the live tcp.connect.timeout setting.
func Connect(ctx context.Context, fd int, sa unix.Sockaddr) error {
	return ConnectWithTimeout(ctx, fd, sa, config.ConnectTimeoutMS())
}

// ConnectWithTimeout is Connect with an explicit timeout in milliseconds.
// A non-positive timeout waits forever.
func ConnectWithTimeout(ctx context.Context, fd int, sa unix.Sockaddr, timeoutMS int64) error {
	if _, ok := hookable(ctx, fd); !ok {
		return unix.Connect(fd, sa)
	}

	err := unix.Connect(fd, sa)
	for err == unix.EINTR {
		err = unix.Connect(fd, sa)
	}
	if err == nil {
		return nil
	}
	if err != unix.EINPROGRESS {
		return err
	}

	r := reactor.FromContext(ctx)
	t := task.FromContext(ctx)

	var tm *timer.Timer
	info := &timerInfo{}
	if timeoutMS > 0 {
		tm = r.AddConditionTimer(timeoutMS, func() {
			info.cancelled = unix.ETIMEDOUT
			r.CancelEvent(fd, reactor.EventWrite)
		}, timer.WeakCond(info), false)
	}
	if err := r.ArmEvent(ctx, fd, reactor.EventWrite, nil); err != nil {
		if tm != nil {
			tm.Cancel()
		}
		return err
	}
	t.YieldToSuspended()
	if tm != nil {
		tm.Cancel()
	}
	if info.cancelled != 0 {
		return info.cancelled
	}

	soerr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if soerr != 0 {
		return unix.Errno(soerr)
	}
	return nil
}

// Sleep suspends the current task for the duration via a one-shot timer.
// Outside a task it falls back to time.Sleep.
func Sleep(ctx context.Context, d time.Duration) {
	if !Enabled(ctx) {
		time.Sleep(d)
		return
	}
	env := task.EnvFromContext(ctx)
	r := reactor.FromContext(ctx)
	t, exec, worker := env.Task, env.Exec, env.Worker
	r.AddTimer(d.Milliseconds(), func() {
		exec.ScheduleTask(t, worker)
	}, false)
	t.YieldToSuspended()
}

// Socket creates a socket and registers it with the fd registry, which
// also forces the kernel non-blocking flag.
func Socket(domain, typ, proto int) (int, error) {
	fd, err := unix.Socket(domain, typ, proto)
	if err != nil {
		return -1, err
	}
	fdreg.Get(fd, true)
	return fd, nil
}

// Close cancels every armed event on fd, removes it from the registry,
// and closes the descriptor.
func Close(ctx context.Context, fd int) error {
	if Enabled(ctx) {
		if fctx := fdreg.Get(fd, false); fctx != nil {
			fctx.SetClosed()
			if r := reactor.FromContext(ctx); r != nil {
				r.CancelAll(fd)
			}
		}
	}
	fdreg.Remove(fd)
	return unix.Close(fd)
}

// SetNonblock records the user's O_NONBLOCK wish for a registered socket;
// the kernel flag stays forced either way. Mirrors fcntl(F_SETFL).
func SetNonblock(fd int, nonblock bool) error {
	fctx := fdreg.Get(fd, false)
	if fctx != nil && fctx.IsSocket() && !fctx.Closed() {
		fctx.SetUserNonblock(nonblock)
		// The fd stays non-blocking at the kernel level regardless.
		return unix.SetNonblock(fd, true)
	}
	return unix.SetNonblock(fd, nonblock)
}

// Nonblock reports the user's wish rather than the kernel flag for
// registered sockets. Mirrors fcntl(F_GETFL) masking.
func Nonblock(fd int) (bool, error) {
	fctx := fdreg.Get(fd, false)
	if fctx != nil && fctx.IsSocket() && !fctx.Closed() {
		return fctx.UserNonblock(), nil
	}
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return false, err
	}
	return flags&unix.O_NONBLOCK != 0, nil
}

// SetTimeout records a send or recv timeout for fd in milliseconds, the
// hooked half of setsockopt(SO_SNDTIMEO/SO_RCVTIMEO). Infinite clears it.
func SetTimeout(fd int, dir fdreg.Direction, ms int64) error {
	fctx := fdreg.Get(fd, true)
	if fctx != nil {
		fctx.SetTimeout(dir, ms)
	}
	opt := unix.SO_RCVTIMEO
	if dir == fdreg.Write {
		opt = unix.SO_SNDTIMEO
	}
	tv := unix.NsecToTimeval(int64(time.Duration(max(ms, 0)) * time.Millisecond))
	return unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, opt, &tv)
}
