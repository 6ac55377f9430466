//go:build linux

package rpc

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/roostlabs/roost/pkg/config"
	"github.com/roostlabs/roost/pkg/log"
	"github.com/roostlabs/roost/pkg/reactor"
	"github.com/roostlabs/roost/pkg/socket"
	"github.com/roostlabs/roost/pkg/tcpserver"
)

// Server hosts RPC streams over accepted connections: each connection
// task becomes the stream's reader, dispatching requests and notifies to
// the handlers registered by command code.
type Server struct {
	*tcpserver.Server

	opts Options

	mu       sync.RWMutex
	handlers map[uint32]RequestHandler
	notifies map[uint32]NotifyHandler

	logger zerolog.Logger
}

// NewServer creates an RPC server from a server configuration and its
// workers (see tcpserver.New).
func NewServer(cfg config.ServerConfig, opts Options, accept, io, process *reactor.Reactor) (*Server, error) {
	opts.normalize()
	s := &Server{
		opts:     opts,
		handlers: make(map[uint32]RequestHandler),
		notifies: make(map[uint32]NotifyHandler),
		logger:   log.WithComponent("rpc-server"),
	}
	ts, err := tcpserver.New(cfg, s, accept, io, process)
	if err != nil {
		return nil, err
	}
	s.Server = ts
	return s, nil
}

// Register installs the request handler for a command code.
func (s *Server) Register(command uint32, h RequestHandler) {
	s.mu.Lock()
	s.handlers[command] = h
	s.mu.Unlock()
}

// RegisterNotify installs the notify handler for a command code.
func (s *Server) RegisterNotify(command uint32, h NotifyHandler) {
	s.mu.Lock()
	s.notifies[command] = h
	s.mu.Unlock()
}

// HandleClient implements tcpserver.Handler: it runs the connection's
// stream until the peer disconnects or the idle timeout fires. The conn
// is the TLS session when the server is configured with ssl.
func (s *Server) HandleClient(ctx context.Context, conn socket.Conn) {
	st := NewStream(conn, reactorOf(ctx, conn), s.opts, s.dispatchRequest, s.dispatchNotify, nil)
	st.Serve(ctx)
}

func reactorOf(ctx context.Context, conn socket.Conn) *reactor.Reactor {
	if r := reactor.FromContext(ctx); r != nil {
		return r
	}
	return conn.Reactor()
}

func (s *Server) dispatchRequest(ctx context.Context, req *Message) *Message {
	s.mu.RLock()
	h := s.handlers[req.Command]
	s.mu.RUnlock()
	if h == nil {
		s.logger.Warn().Uint32("command", req.Command).Msg("No handler for command")
		return NewResponse(req, 404, "unknown command", nil)
	}
	return h(ctx, req)
}

func (s *Server) dispatchNotify(ctx context.Context, m *Message) {
	s.mu.RLock()
	h := s.notifies[m.Command]
	s.mu.RUnlock()
	if h == nil {
		s.logger.Debug().Uint32("command", m.Command).Msg("Dropping notify without handler")
		return
	}
	h(ctx, m)
}
