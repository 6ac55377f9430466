//go:build linux

package tcpserver

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/roostlabs/roost/pkg/config"
	"github.com/roostlabs/roost/pkg/log"
	"github.com/roostlabs/roost/pkg/metrics"
	"github.com/roostlabs/roost/pkg/reactor"
	"github.com/roostlabs/roost/pkg/security"
	"github.com/roostlabs/roost/pkg/socket"
)

// Handler serves one accepted connection. It runs as a dedicated task on
// the server's io worker; returning ends the connection task. The
// connection arrives as a socket.Conn so TLS-wrapped and plain
// connections are served identically.
type Handler interface {
	HandleClient(ctx context.Context, conn socket.Conn)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, conn socket.Conn)

// HandleClient implements Handler.
func (f HandlerFunc) HandleClient(ctx context.Context, conn socket.Conn) {
	f(ctx, conn)
}

// Server accepts TCP (or Unix, or TLS) connections on one or more bound
// addresses. Each listener gets an accept-loop task on the accept worker;
// each accepted connection gets a handler task on the io worker.
type Server struct {
	cfg     config.ServerConfig
	id      string
	handler Handler

	acceptWorker  *reactor.Reactor
	ioWorker      *reactor.Reactor
	processWorker *reactor.Reactor

	socks   []*socket.Socket
	running atomic.Bool
	active  atomic.Int64
	tlsCfg  *tls.Config
	logger  zerolog.Logger
}

// New creates a server from its configuration. The worker arguments place
// the accept loops, connection handlers, and any processing; io falls
// back to accept and process falls back to io when nil.
func New(cfg config.ServerConfig, handler Handler, accept, io, process *reactor.Reactor) (*Server, error) {
	if accept == nil {
		return nil, fmt.Errorf("server %q needs an accept worker", cfg.Name)
	}
	if io == nil {
		io = accept
	}
	if process == nil {
		process = io
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = config.DefaultServerTimeoutMS
	}
	id := cfg.ID
	if id == "" {
		id = uuid.New().String()
	}

	s := &Server{
		cfg:           cfg,
		id:            id,
		handler:       handler,
		acceptWorker:  accept,
		ioWorker:      io,
		processWorker: process,
		logger:        log.WithServerID(id).With().Str("server", cfg.Name).Logger(),
	}
	if cfg.SSL != 0 {
		tlsCfg, err := security.LoadServerConfig(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("server %q: %w", cfg.Name, err)
		}
		s.tlsCfg = tlsCfg
	}
	return s, nil
}

// ID returns the server's instance id.
func (s *Server) ID() string { return s.id }

// Config returns the server's configuration.
func (s *Server) Config() config.ServerConfig { return s.cfg }

// ProcessWorker returns the worker intended for request processing.
func (s *Server) ProcessWorker() *reactor.Reactor { return s.processWorker }

// Bind resolves and binds every configured address. Individual failures
// are reported and skipped; Bind fails only when no address could be
// bound. Idempotent after success.
func (s *Server) Bind() error {
	if len(s.socks) > 0 {
		return nil
	}
	if len(s.cfg.Address) == 0 {
		return fmt.Errorf("server %q has no addresses", s.cfg.Name)
	}
	for _, a := range s.cfg.Address {
		addr, err := socket.Lookup("tcp", a)
		if err != nil {
			s.logger.Error().Err(err).Str("address", a).Msg("Failed to resolve bind address")
			continue
		}
		sock, err := socket.NewForAddress(s.acceptWorker, addr)
		if err != nil {
			s.logger.Error().Err(err).Str("address", a).Msg("Failed to create listener socket")
			continue
		}
		if err := sock.Bind(addr); err != nil {
			s.logger.Error().Err(err).Str("address", a).Msg("Failed to bind")
			sock.Close(context.Background())
			continue
		}
		if err := sock.Listen(0); err != nil {
			s.logger.Error().Err(err).Str("address", a).Msg("Failed to listen")
			sock.Close(context.Background())
			continue
		}
		s.logger.Info().Str("address", sock.LocalAddress().String()).Msg("Listening")
		s.socks = append(s.socks, sock)
	}
	if len(s.socks) == 0 {
		return fmt.Errorf("server %q bound no addresses", s.cfg.Name)
	}
	return nil
}

// Listeners returns the bound listening sockets.
func (s *Server) Listeners() []*socket.Socket { return s.socks }

// Start spawns one accept-loop task per listener on the accept worker.
func (s *Server) Start() error {
	if len(s.socks) == 0 {
		if err := s.Bind(); err != nil {
			return err
		}
	}
	if !s.running.CompareAndSwap(false, true) {
		return nil
	}
	for _, sock := range s.socks {
		ls := sock
		s.acceptWorker.Schedule(func(ctx context.Context) {
			s.acceptLoop(ctx, ls)
		})
	}
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, ls *socket.Socket) {
	for s.running.Load() {
		client, err := ls.Accept(ctx)
		if err != nil {
			if s.running.Load() {
				s.logger.Error().Err(err).Msg("Accept failed")
			}
			return
		}
		metrics.ConnectionsAccepted.WithLabelValues(s.cfg.Name).Inc()
		if s.cfg.Timeout > 0 {
			_ = client.SetRecvTimeout(s.cfg.Timeout)
		}
		s.ioWorker.Schedule(func(cctx context.Context) {
			s.serveClient(cctx, client)
		})
	}
}

func (s *Server) serveClient(ctx context.Context, client *socket.Socket) {
	s.active.Add(1)
	metrics.ConnectionsActive.WithLabelValues(s.cfg.Name).Set(float64(s.active.Load()))

	// For ssl servers the handler must only ever see the TLS session, so
	// the conn handed over is the SSLSocket, never the raw fd wrapper.
	var conn socket.Conn = client
	if s.tlsCfg != nil {
		ssl, err := socket.NewSSLServer(ctx, client, s.tlsCfg)
		if err != nil {
			s.logger.Warn().Err(err).Str("remote", client.RemoteAddress().String()).Msg("TLS handshake failed")
			client.Close(ctx)
			s.active.Add(-1)
			metrics.ConnectionsActive.WithLabelValues(s.cfg.Name).Set(float64(s.active.Load()))
			return
		}
		conn = ssl
	}
	defer func() {
		conn.Close(ctx)
		s.active.Add(-1)
		metrics.ConnectionsActive.WithLabelValues(s.cfg.Name).Set(float64(s.active.Load()))
	}()

	s.handler.HandleClient(ctx, conn)
}

// Stop cancels the accept loops, closes the listeners, and waits for
// in-flight connection tasks to drain, bounded by the configured timeout.
// Idempotent.
func (s *Server) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	socks := s.socks
	s.socks = nil
	done := make(chan struct{})
	s.acceptWorker.Schedule(func(ctx context.Context) {
		for _, sock := range socks {
			sock.CancelAccept()
			sock.Close(ctx)
		}
		close(done)
	})
	<-done

	deadline := time.Now().Add(time.Duration(s.cfg.Timeout) * time.Millisecond)
	for s.active.Load() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := s.active.Load(); n > 0 {
		s.logger.Warn().Int64("connections", n).Msg("Stopped with connections still draining")
	}
	s.logger.Info().Msg("Server stopped")
}
