//go:build linux

package rpc

import (
	"context"
	"crypto/tls"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/roostlabs/roost/pkg/events"
	"github.com/roostlabs/roost/pkg/iohook"
	"github.com/roostlabs/roost/pkg/log"
	"github.com/roostlabs/roost/pkg/metrics"
	"github.com/roostlabs/roost/pkg/reactor"
	"github.com/roostlabs/roost/pkg/socket"
)

// Reconnect backoff bounds.
const (
	reconnectBaseMS       = 500
	DefaultReconnectMaxMS = 30000
)

// ClientOptions tunes a client beyond its stream options.
type ClientOptions struct {
	Stream Options
	// ReconnectMaxMS caps the exponential reconnect backoff. Zero means
	// DefaultReconnectMaxMS.
	ReconnectMaxMS int64
	// QueueOnDisconnect lets Request block for the next connection
	// instead of failing fast with ErrNotConnected.
	QueueOnDisconnect bool
	// OnNotify consumes server-pushed notifies.
	OnNotify NotifyHandler
	// TLS, when set, wraps every connection in a client-side TLS
	// handshake (for servers configured with ssl).
	TLS *tls.Config
	// Events, when set, receives stream lifecycle events.
	Events *events.Bus
}

// Client maintains one RPC stream to a server address, transparently
// reconnecting with exponential backoff when the stream is lost. Requests
// issued while disconnected fail fast unless QueueOnDisconnect is set.
type Client struct {
	addr socket.Address
	io   *reactor.Reactor
	opts ClientOptions

	mu       sync.Mutex
	stream   *Stream
	draining bool

	logger zerolog.Logger
}

// NewClient creates a client for addr whose IO runs on the given reactor.
func NewClient(io *reactor.Reactor, addr socket.Address, opts ClientOptions) *Client {
	if opts.ReconnectMaxMS <= 0 {
		opts.ReconnectMaxMS = DefaultReconnectMaxMS
	}
	return &Client{
		addr:   addr,
		io:     io,
		opts:   opts,
		logger: log.WithComponent("rpc-client").With().Str("addr", addr.String()).Logger(),
	}
}

// Connect dials the server and starts the stream tasks. Must run inside a
// task on the client's io reactor.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.stream != nil && c.stream.State() == StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.dial(ctx)
}

func (c *Client) dial(ctx context.Context) error {
	sock, err := socket.NewForAddress(c.io, c.addr)
	if err != nil {
		return err
	}
	if err := sock.Connect(ctx, c.addr, 0); err != nil {
		sock.Close(ctx)
		return err
	}

	var conn socket.Conn = sock
	if c.opts.TLS != nil {
		ssl, err := socket.NewSSLClient(ctx, sock, c.opts.TLS)
		if err != nil {
			sock.Close(ctx)
			return err
		}
		conn = ssl
	}

	st := NewStream(conn, c.io, c.opts.Stream, nil, c.opts.OnNotify, c.onStreamClosed)
	c.mu.Lock()
	c.stream = st
	c.mu.Unlock()
	st.Start()

	c.publish(events.StreamConnected, st.ID(), nil)
	c.logger.Info().Str("stream_id", st.ID()).Msg("Connected")
	return nil
}

func (c *Client) onStreamClosed(err error) {
	c.mu.Lock()
	draining := c.draining
	c.stream = nil
	c.mu.Unlock()

	c.publish(events.StreamDisconnected, "", err)
	if draining {
		return
	}
	c.io.Schedule(c.reconnectLoop)
}

func (c *Client) reconnectLoop(ctx context.Context) {
	backoff := int64(reconnectBaseMS)
	for {
		c.mu.Lock()
		if c.draining || c.stream != nil {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		metrics.RPCReconnectsTotal.Inc()
		c.publish(events.StreamReconnecting, "", nil)
		err := c.dial(ctx)
		if err == nil {
			return
		}
		c.logger.Warn().Err(err).Int64("backoff_ms", backoff).Msg("Reconnect failed")
		iohook.Sleep(ctx, time.Duration(backoff)*time.Millisecond)
		backoff *= 2
		if backoff > c.opts.ReconnectMaxMS {
			backoff = c.opts.ReconnectMaxMS
		}
	}
}

// Request issues one call over the current stream. With
// QueueOnDisconnect it waits for the next connection, bounded by the call
// timeout; otherwise a disconnected client fails fast.
func (c *Client) Request(ctx context.Context, command uint32, body []byte, timeoutMS int64) (*Result, error) {
	st := c.currentStream()
	if st == nil {
		if !c.opts.QueueOnDisconnect {
			return nil, ErrNotConnected
		}
		deadline := time.Now().Add(time.Duration(timeoutMS) * time.Millisecond)
		for st == nil {
			if timeoutMS > 0 && time.Now().After(deadline) {
				return nil, ErrTimeout
			}
			iohook.Sleep(ctx, 50*time.Millisecond)
			st = c.currentStream()
		}
	}
	return st.Request(ctx, command, body, timeoutMS)
}

// Notify sends a fire-and-forget message over the current stream.
func (c *Client) Notify(ctx context.Context, command uint32, body []byte) error {
	st := c.currentStream()
	if st == nil {
		return ErrNotConnected
	}
	return st.Notify(ctx, command, body)
}

func (c *Client) currentStream() *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream != nil && c.stream.State() == StateConnected {
		return c.stream
	}
	return nil
}

// Close drains the client: no reconnect is attempted and the current
// stream is torn down, failing its pending calls.
func (c *Client) Close(ctx context.Context) {
	c.mu.Lock()
	c.draining = true
	st := c.stream
	c.mu.Unlock()
	if st != nil {
		st.Drain()
		st.Close(ctx)
	}
}

func (c *Client) publish(t events.EventType, streamID string, err error) {
	if c.opts.Events == nil {
		return
	}
	c.opts.Events.Publish(events.Event{
		Type:   t,
		Stream: streamID,
		Addr:   c.addr.String(),
		Err:    err,
	})
}
