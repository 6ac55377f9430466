//go:build linux

package socket

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/roostlabs/roost/pkg/fdreg"
	"github.com/roostlabs/roost/pkg/iohook"
	"github.com/roostlabs/roost/pkg/log"
	"github.com/roostlabs/roost/pkg/reactor"
)

// Socket is an object-oriented wrapper over a file descriptor whose
// blocking operations go through the interception layer, so they suspend
// the current task instead of the worker thread.
type Socket struct {
	fd      int
	family  int
	sotype  int
	proto   int
	conn    bool
	r       *reactor.Reactor
	local   Address
	remote  Address
	logger  zerolog.Logger
	network string
}

func newSocket(r *reactor.Reactor, family, sotype, proto int, network string) (*Socket, error) {
	fd, err := iohook.Socket(family, sotype, proto)
	if err != nil {
		return nil, fmt.Errorf("failed to create socket: %w", err)
	}
	s := &Socket{
		fd:      fd,
		family:  family,
		sotype:  sotype,
		proto:   proto,
		r:       r,
		logger:  log.WithComponent("socket"),
		network: network,
	}
	s.initOptions()
	return s, nil
}

// NewTCP creates an IPv4 TCP socket owned by the given reactor.
func NewTCP(r *reactor.Reactor) (*Socket, error) {
	return newSocket(r, unix.AF_INET, unix.SOCK_STREAM, 0, "tcp")
}

// NewTCP6 creates an IPv6 TCP socket.
func NewTCP6(r *reactor.Reactor) (*Socket, error) {
	return newSocket(r, unix.AF_INET6, unix.SOCK_STREAM, 0, "tcp")
}

// NewUDP creates an IPv4 UDP socket.
func NewUDP(r *reactor.Reactor) (*Socket, error) {
	return newSocket(r, unix.AF_INET, unix.SOCK_DGRAM, 0, "udp")
}

// NewUDP6 creates an IPv6 UDP socket.
func NewUDP6(r *reactor.Reactor) (*Socket, error) {
	return newSocket(r, unix.AF_INET6, unix.SOCK_DGRAM, 0, "udp")
}

// NewUnix creates a Unix stream socket.
func NewUnix(r *reactor.Reactor) (*Socket, error) {
	return newSocket(r, unix.AF_UNIX, unix.SOCK_STREAM, 0, "unix")
}

// NewForAddress creates a socket matching the family of addr, TCP-style
// for stream networks and UDP-style for "udp".
func NewForAddress(r *reactor.Reactor, addr Address) (*Socket, error) {
	sotype := unix.SOCK_STREAM
	if addr.Network() == "udp" {
		sotype = unix.SOCK_DGRAM
	}
	return newSocket(r, addr.Family(), sotype, 0, addr.Network())
}

// initOptions applies the default options: SO_REUSEADDR on every socket,
// TCP_NODELAY and SO_KEEPALIVE on TCP.
func (s *Socket) initOptions() {
	_ = unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	if s.sotype == unix.SOCK_STREAM && (s.family == unix.AF_INET || s.family == unix.AF_INET6) {
		_ = unix.SetsockoptInt(s.fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		_ = unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
	}
}

// Fd returns the descriptor, -1 when invalid.
func (s *Socket) Fd() int { return s.fd }

// IsValid reports whether the socket holds a descriptor.
func (s *Socket) IsValid() bool { return s.fd >= 0 }

// Connected reports whether Connect or Accept completed.
func (s *Socket) Connected() bool { return s.conn }

// Reactor returns the owning reactor.
func (s *Socket) Reactor() *reactor.Reactor { return s.r }

// Bind binds the socket to addr. For Unix paths a stale socket file is
// removed first.
func (s *Socket) Bind(addr Address) error {
	if ua, ok := addr.Sockaddr().(*unix.SockaddrUnix); ok {
		_ = unix.Unlink(ua.Name)
	}
	if err := unix.Bind(s.fd, addr.Sockaddr()); err != nil {
		return fmt.Errorf("failed to bind %s: %w", addr, err)
	}
	s.refreshLocal()
	return nil
}

// Listen marks the socket as a listener.
func (s *Socket) Listen(backlog int) error {
	if backlog <= 0 {
		backlog = unix.SOMAXCONN
	}
	if err := unix.Listen(s.fd, backlog); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.local, err)
	}
	return nil
}

// Accept waits for one connection and returns a Socket wrapping the
// accepted fd, with addresses populated from the kernel.
func (s *Socket) Accept(ctx context.Context) (*Socket, error) {
	nfd, sa, err := iohook.Accept(ctx, s.fd)
	if err != nil {
		return nil, err
	}
	c := &Socket{
		fd:      nfd,
		family:  s.family,
		sotype:  s.sotype,
		proto:   s.proto,
		conn:    true,
		r:       s.r,
		logger:  s.logger,
		network: s.network,
		remote:  FromSockaddr(s.network, sa),
	}
	c.initOptions()
	c.refreshLocal()
	return c, nil
}

// Connect connects to addr, suspending the current task for up to
// timeoutMS milliseconds (0 uses the live tcp.connect.timeout setting).
func (s *Socket) Connect(ctx context.Context, addr Address, timeoutMS int64) error {
	var err error
	if timeoutMS > 0 {
		err = iohook.ConnectWithTimeout(ctx, s.fd, addr.Sockaddr(), timeoutMS)
	} else {
		err = iohook.Connect(ctx, s.fd, addr.Sockaddr())
	}
	if err != nil {
		return fmt.Errorf("failed to connect %s: %w", addr, err)
	}
	s.conn = true
	s.remote = addr
	s.refreshLocal()
	return nil
}

// Recv reads into p. A zero count with nil error means the peer closed.
func (s *Socket) Recv(ctx context.Context, p []byte) (int, error) {
	return iohook.Read(ctx, s.fd, p)
}

// RecvFrom reads one datagram and its sender.
func (s *Socket) RecvFrom(ctx context.Context, p []byte) (int, Address, error) {
	n, sa, err := iohook.Recvfrom(ctx, s.fd, p, 0)
	if err != nil {
		return n, Address{}, err
	}
	return n, FromSockaddr(s.network, sa), nil
}

// Send writes p, suspending while the kernel buffer is full. It may write
// fewer bytes than len(p).
func (s *Socket) Send(ctx context.Context, p []byte) (int, error) {
	return iohook.Write(ctx, s.fd, p)
}

// SendAll writes all of p, looping over short writes.
func (s *Socket) SendAll(ctx context.Context, p []byte) error {
	for len(p) > 0 {
		n, err := iohook.Write(ctx, s.fd, p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

// SendTo writes one datagram to addr.
func (s *Socket) SendTo(ctx context.Context, p []byte, addr Address) (int, error) {
	return iohook.Sendto(ctx, s.fd, p, 0, addr.Sockaddr())
}

// Writev writes the buffers with a single syscall where possible.
func (s *Socket) Writev(ctx context.Context, iovs [][]byte) (int, error) {
	return iohook.Writev(ctx, s.fd, iovs)
}

// SetRecvTimeout sets the receive timeout in ms; fdreg.Infinite clears it.
func (s *Socket) SetRecvTimeout(ms int64) error {
	return iohook.SetTimeout(s.fd, fdreg.Read, ms)
}

// SetSendTimeout sets the send timeout in ms; fdreg.Infinite clears it.
func (s *Socket) SetSendTimeout(ms int64) error {
	return iohook.SetTimeout(s.fd, fdreg.Write, ms)
}

// CancelRead wakes a task blocked reading from this socket.
func (s *Socket) CancelRead() {
	s.r.CancelEvent(s.fd, reactor.EventRead)
}

// CancelWrite wakes a task blocked writing to this socket.
func (s *Socket) CancelWrite() {
	s.r.CancelEvent(s.fd, reactor.EventWrite)
}

// CancelAccept wakes a task blocked in Accept.
func (s *Socket) CancelAccept() {
	s.r.CancelEvent(s.fd, reactor.EventRead)
}

// CancelAll wakes every task blocked on this socket.
func (s *Socket) CancelAll() {
	s.r.CancelAll(s.fd)
}

// Close cancels armed events, deregisters the fd, and closes it.
// Idempotent.
func (s *Socket) Close(ctx context.Context) error {
	if s.fd < 0 {
		return nil
	}
	fd := s.fd
	s.fd = -1
	s.conn = false
	return iohook.Close(ctx, fd)
}

// LocalAddress returns the cached local address.
func (s *Socket) LocalAddress() Address { return s.local }

// RemoteAddress returns the cached remote address.
func (s *Socket) RemoteAddress() Address { return s.remote }

func (s *Socket) refreshLocal() {
	sa, err := unix.Getsockname(s.fd)
	if err != nil {
		return
	}
	s.local = FromSockaddr(s.network, sa)
}

func (s *Socket) String() string {
	return fmt.Sprintf("socket(fd=%d local=%s remote=%s)", s.fd, s.local, s.remote)
}
