//go:build linux

package fdreg

import (
	"sync"

	"golang.org/x/sys/unix"
)

// Infinite is the no-timeout sentinel for fd send/recv timeouts.
const Infinite int64 = -1

// Direction selects which timeout a call reads or writes.
type Direction int

const (
	Read Direction = iota
	Write
)

// FdCtx holds the interception metadata of one file descriptor.
type FdCtx struct {
	mu sync.Mutex

	fd          int
	initialised bool
	isSocket    bool
	sysNonblock bool
	usrNonblock bool
	closed      bool

	sendTimeout int64
	recvTimeout int64
}

func newFdCtx(fd int) *FdCtx {
	c := &FdCtx{
		fd:          fd,
		sendTimeout: Infinite,
		recvTimeout: Infinite,
	}
	c.init()
	return c
}

// init stats the fd; sockets get the kernel O_NONBLOCK flag forced so the
// interception layer always sees EAGAIN instead of blocking the worker.
func (c *FdCtx) init() {
	var st unix.Stat_t
	if err := unix.Fstat(c.fd, &st); err != nil {
		return
	}
	c.initialised = true
	c.isSocket = st.Mode&unix.S_IFMT == unix.S_IFSOCK
	if c.isSocket {
		if err := unix.SetNonblock(c.fd, true); err == nil {
			c.sysNonblock = true
		}
	}
}

// Fd returns the descriptor.
func (c *FdCtx) Fd() int { return c.fd }

// IsSocket reports whether the fd is a socket.
func (c *FdCtx) IsSocket() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isSocket
}

// SetUserNonblock records the application's own O_NONBLOCK wish.
func (c *FdCtx) SetUserNonblock(v bool) {
	c.mu.Lock()
	c.usrNonblock = v
	c.mu.Unlock()
}

// UserNonblock reports the application's own O_NONBLOCK wish, as distinct
// from the kernel flag the runtime forces.
func (c *FdCtx) UserNonblock() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usrNonblock
}

// SysNonblock reports whether the runtime forced the kernel flag.
func (c *FdCtx) SysNonblock() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sysNonblock
}

// SetClosed marks the fd closed.
func (c *FdCtx) SetClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// Closed reports whether the fd was closed through the interception layer.
func (c *FdCtx) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// SetTimeout records the send or recv timeout in milliseconds.
func (c *FdCtx) SetTimeout(dir Direction, ms int64) {
	c.mu.Lock()
	if dir == Read {
		c.recvTimeout = ms
	} else {
		c.sendTimeout = ms
	}
	c.mu.Unlock()
}

// Timeout returns the send or recv timeout, Infinite when unset.
func (c *FdCtx) Timeout(dir Direction) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if dir == Read {
		return c.recvTimeout
	}
	return c.sendTimeout
}

// Registry maps fds to their interception metadata. It is a sparse vector
// indexed by fd, grown on demand.
type Registry struct {
	mu  sync.RWMutex
	fds []*FdCtx
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{fds: make([]*FdCtx, 64)}
}

// Get returns the context of fd. With autoCreate the context is created on
// first sight; otherwise unknown fds return nil.
func (r *Registry) Get(fd int, autoCreate bool) *FdCtx {
	if fd < 0 {
		return nil
	}
	r.mu.RLock()
	if fd < len(r.fds) {
		if c := r.fds[fd]; c != nil || !autoCreate {
			r.mu.RUnlock()
			return c
		}
	} else if !autoCreate {
		r.mu.RUnlock()
		return nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if fd >= len(r.fds) {
		grown := make([]*FdCtx, fd+fd/2+1)
		copy(grown, r.fds)
		r.fds = grown
	}
	if r.fds[fd] == nil {
		r.fds[fd] = newFdCtx(fd)
	}
	return r.fds[fd]
}

// Remove forgets fd.
func (r *Registry) Remove(fd int) {
	r.mu.Lock()
	if fd >= 0 && fd < len(r.fds) {
		r.fds[fd] = nil
	}
	r.mu.Unlock()
}

var std = NewRegistry()

// Get returns the process-wide registry entry for fd.
func Get(fd int, autoCreate bool) *FdCtx { return std.Get(fd, autoCreate) }

// Remove forgets fd in the process-wide registry.
func Remove(fd int) { std.Remove(fd) }
