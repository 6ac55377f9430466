//go:build linux

package socket

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/roostlabs/roost/pkg/fdreg"
)

// fdConn adapts a Socket to net.Conn so crypto/tls can drive it. Reads
// and writes go through the interception layer, so a TLS handshake or
// record read suspends cooperatively; the WANT_READ/WANT_WRITE retry
// loop of a TLS stack falls out of the hooked Read/Write blocking
// semantics.
//
// net.Conn carries no context, but the interception layer needs the
// context of the task actually performing the IO: a stream's reader and
// writer are different tasks sharing one TLS session. SSLSocket rebinds
// the per-direction context before delegating into the TLS stack, which
// allows one in-flight read and one in-flight write at a time — the same
// concurrency crypto/tls itself permits.
type fdConn struct {
	s        *Socket
	readCtx  context.Context
	writeCtx context.Context
}

func (c *fdConn) Read(p []byte) (int, error) {
	n, err := c.s.Recv(c.readCtx, p)
	if err != nil {
		return n, err
	}
	if n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (c *fdConn) Write(p []byte) (int, error) {
	if err := c.s.SendAll(c.writeCtx, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *fdConn) Close() error { return c.s.Close(c.writeCtx) }

func (c *fdConn) LocalAddr() net.Addr { return c.s.LocalAddress() }

func (c *fdConn) RemoteAddr() net.Addr { return c.s.RemoteAddress() }

func (c *fdConn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.SetWriteDeadline(t)
}

func (c *fdConn) SetReadDeadline(t time.Time) error {
	return c.s.SetRecvTimeout(deadlineMS(t))
}

func (c *fdConn) SetWriteDeadline(t time.Time) error {
	return c.s.SetSendTimeout(deadlineMS(t))
}

func deadlineMS(t time.Time) int64 {
	if t.IsZero() {
		return fdreg.Infinite
	}
	ms := time.Until(t).Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return ms
}

// SSLSocket wraps a connected Socket in a TLS session. Send and Recv move
// TLS records; cancellation and timeouts still act on the underlying fd.
type SSLSocket struct {
	*Socket
	fc   *fdConn
	conn *tls.Conn
}

// NewSSLServer runs the server side of a TLS handshake over sock. The
// context is the connection task's; later reads and writes rebind their
// own.
func NewSSLServer(ctx context.Context, sock *Socket, cfg *tls.Config) (*SSLSocket, error) {
	fc := &fdConn{s: sock, readCtx: ctx, writeCtx: ctx}
	conn := tls.Server(fc, cfg)
	if err := conn.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("tls handshake failed: %w", err)
	}
	return &SSLSocket{Socket: sock, fc: fc, conn: conn}, nil
}

// NewSSLClient runs the client side of a TLS handshake over sock.
func NewSSLClient(ctx context.Context, sock *Socket, cfg *tls.Config) (*SSLSocket, error) {
	fc := &fdConn{s: sock, readCtx: ctx, writeCtx: ctx}
	conn := tls.Client(fc, cfg)
	if err := conn.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("tls handshake failed: %w", err)
	}
	return &SSLSocket{Socket: sock, fc: fc, conn: conn}, nil
}

// Recv reads plaintext from the TLS session on behalf of the calling
// task.
func (s *SSLSocket) Recv(ctx context.Context, p []byte) (int, error) {
	s.fc.readCtx = ctx
	n, err := s.conn.Read(p)
	if err == io.EOF {
		return n, nil
	}
	return n, err
}

// Send writes plaintext to the TLS session on behalf of the calling task.
func (s *SSLSocket) Send(ctx context.Context, p []byte) (int, error) {
	s.fc.writeCtx = ctx
	return s.conn.Write(p)
}

// SendAll writes all of p through the TLS session.
func (s *SSLSocket) SendAll(ctx context.Context, p []byte) error {
	s.fc.writeCtx = ctx
	_, err := s.conn.Write(p)
	return err
}

// Writev sends every buffer through the TLS session. TLS records have no
// scatter-gather path, so the buffers are written back to back.
func (s *SSLSocket) Writev(ctx context.Context, iovs [][]byte) (int, error) {
	s.fc.writeCtx = ctx
	total := 0
	for _, b := range iovs {
		if _, err := s.conn.Write(b); err != nil {
			return total, err
		}
		total += len(b)
	}
	return total, nil
}

// Close shuts the TLS session down, which also closes the socket.
func (s *SSLSocket) Close(ctx context.Context) error {
	if s.conn != nil {
		conn := s.conn
		s.conn = nil
		s.fc.writeCtx = ctx
		return conn.Close()
	}
	return s.Socket.Close(ctx)
}
