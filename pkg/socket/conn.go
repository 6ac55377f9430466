//go:build linux

package socket

import (
	"context"

	"github.com/roostlabs/roost/pkg/reactor"
)

// Conn is the stream-connection surface shared by Socket and SSLSocket.
// Connection handlers and the RPC transport are written against it, so a
// TLS-wrapped connection routes every byte through the TLS session while
// a plain connection stays on the raw fd.
type Conn interface {
	Recv(ctx context.Context, p []byte) (int, error)
	Send(ctx context.Context, p []byte) (int, error)
	SendAll(ctx context.Context, p []byte) error
	Writev(ctx context.Context, iovs [][]byte) (int, error)
	Close(ctx context.Context) error
	LocalAddress() Address
	RemoteAddress() Address
	Reactor() *reactor.Reactor
}

var (
	_ Conn = (*Socket)(nil)
	_ Conn = (*SSLSocket)(nil)
)
