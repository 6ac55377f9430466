//go:build linux

package rpc

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/roostlabs/roost/pkg/log"
	"github.com/roostlabs/roost/pkg/metrics"
	"github.com/roostlabs/roost/pkg/reactor"
	"github.com/roostlabs/roost/pkg/socket"
	"github.com/roostlabs/roost/pkg/syncx"
	"github.com/roostlabs/roost/pkg/task"
	"github.com/roostlabs/roost/pkg/timer"
)

// StreamState is the lifecycle state of a stream.
type StreamState int32

const (
	StateDisconnected StreamState = iota
	StateConnecting
	StateConnected
	StateDraining
)

// RequestHandler produces the response to an inbound request. Returning
// nil suppresses the response (the peer's call will time out).
type RequestHandler func(ctx context.Context, req *Message) *Message

// NotifyHandler consumes an inbound notify.
type NotifyHandler func(ctx context.Context, m *Message)

// Options tunes a stream.
type Options struct {
	// MaxBody bounds inbound and outbound body sizes. Clamped to
	// HardMaxBody; zero means DefaultMaxBody.
	MaxBody uint32
	// QueueSize bounds the outbound queue; producers block cooperatively
	// when it is full. Zero means 256.
	QueueSize int
}

func (o *Options) normalize() {
	if o.MaxBody == 0 {
		o.MaxBody = DefaultMaxBody
	}
	if o.MaxBody > HardMaxBody {
		o.MaxBody = HardMaxBody
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
}

type pendingCall struct {
	seq      uint32
	t        *task.Task
	exec     task.Executor
	worker   int
	resp     *Message
	err      error
	timedOut bool
}

// Stream is one length-framed, correlation-tagged transport over a
// connected socket. A reader task and a writer task run on the io worker
// for as long as the stream is connected; the writer owns a bounded
// outbound queue and coalesces whatever it finds there into one writev.
type Stream struct {
	id   string
	sock socket.Conn
	io   *reactor.Reactor
	opts Options

	state atomic.Int32
	seq   atomic.Uint32

	pendingMu sync.Mutex
	pending   map[uint32]*pendingCall

	outMu    sync.Mutex
	outQ     []*Message
	notFull  *syncx.Semaphore
	notEmpty *syncx.Semaphore

	onRequest RequestHandler
	onNotify  NotifyHandler
	onClosed  func(err error)

	closed    atomic.Bool
	closeOnce sync.Once
	logger    zerolog.Logger
}

// NewStream wraps a connected socket. The io reactor hosts the reader and
// writer tasks.
func NewStream(sock socket.Conn, io *reactor.Reactor, opts Options, onRequest RequestHandler, onNotify NotifyHandler, onClosed func(error)) *Stream {
	opts.normalize()
	id := uuid.New().String()
	s := &Stream{
		id:        id,
		sock:      sock,
		io:        io,
		opts:      opts,
		pending:   make(map[uint32]*pendingCall),
		notFull:   syncx.NewSemaphore(opts.QueueSize),
		notEmpty:  syncx.NewSemaphore(0),
		onRequest: onRequest,
		onNotify:  onNotify,
		onClosed:  onClosed,
		logger:    log.WithStreamID(id),
	}
	s.state.Store(int32(StateConnected))
	return s
}

// ID returns the stream id used for log correlation.
func (s *Stream) ID() string { return s.id }

// State returns the lifecycle state.
func (s *Stream) State() StreamState { return StreamState(s.state.Load()) }

// Start schedules the reader and writer tasks on the io worker.
func (s *Stream) Start() {
	s.io.Schedule(s.writerLoop)
	s.io.Schedule(s.readerLoop)
}

// Serve schedules the writer task and runs the reader loop on the calling
// task, returning when the stream disconnects. Used by servers whose
// connection task is the natural reader.
func (s *Stream) Serve(ctx context.Context) {
	s.io.Schedule(s.writerLoop)
	s.readerLoop(ctx)
}

func (s *Stream) readerLoop(ctx context.Context) {
	for {
		m, err := readFrame(ctx, s.sock, s.opts.MaxBody)
		if err != nil {
			s.shutdown(ctx, err)
			return
		}
		switch m.Kind {
		case KindResponse:
			s.complete(m)
		case KindRequest:
			if s.onRequest == nil {
				s.enqueue(ctx, NewResponse(m, 404, "no handler", nil))
				continue
			}
			if resp := s.onRequest(ctx, m); resp != nil {
				s.enqueue(ctx, resp)
			}
		case KindNotify:
			if s.onNotify != nil {
				s.onNotify(ctx, m)
			}
		}
	}
}

func (s *Stream) writerLoop(ctx context.Context) {
	for {
		s.notEmpty.Acquire(ctx)
		if s.closed.Load() {
			return
		}

		s.outMu.Lock()
		batch := s.outQ
		s.outQ = nil
		s.outMu.Unlock()
		if len(batch) == 0 {
			continue
		}
		// One permit was consumed by Acquire; soak up the rest so the
		// semaphore keeps matching the queue.
		for i := 1; i < len(batch); i++ {
			s.notEmpty.TryAcquire()
		}

		iovs := make([][]byte, 0, len(batch)*2)
		for _, m := range batch {
			bufs, err := encodeFrame(m, s.opts.MaxBody)
			if err != nil {
				s.logger.Error().Err(err).Msg("Dropping unencodable message")
				continue
			}
			iovs = append(iovs, bufs...)
		}
		err := writevAll(ctx, s.sock, iovs)
		for range batch {
			s.notFull.Release()
		}
		if err != nil {
			s.shutdown(ctx, err)
			return
		}
	}
}

// enqueue appends m to the outbound queue, blocking cooperatively while
// the queue is full, and signals the writer.
func (s *Stream) enqueue(ctx context.Context, m *Message) error {
	if s.closed.Load() {
		return ErrDisconnected
	}
	s.notFull.Acquire(ctx)
	if s.closed.Load() {
		s.notFull.Release()
		return ErrDisconnected
	}
	s.outMu.Lock()
	s.outQ = append(s.outQ, m)
	s.outMu.Unlock()
	s.notEmpty.Release()
	return nil
}

// Request sends a request and suspends the calling task until the
// response arrives or the deadline passes. A response arriving after the
// deadline is dropped.
func (s *Stream) Request(ctx context.Context, command uint32, body []byte, timeoutMS int64) (*Result, error) {
	if s.State() != StateConnected {
		return nil, ErrNotConnected
	}
	env := task.EnvFromContext(ctx)
	if env == nil || env.Task == nil {
		s.logger.Fatal().Msg("Request outside a task")
	}

	obs := metrics.NewTimer()
	seq := s.seq.Add(1)
	pc := &pendingCall{seq: seq, t: env.Task, exec: env.Exec, worker: env.Worker}
	s.pendingMu.Lock()
	s.pending[seq] = pc
	s.pendingMu.Unlock()

	var tm *timer.Timer
	if timeoutMS > 0 {
		tm = s.io.AddConditionTimer(timeoutMS, func() {
			s.pendingMu.Lock()
			got, ok := s.pending[seq]
			if ok {
				got.timedOut = true
				delete(s.pending, seq)
			}
			s.pendingMu.Unlock()
			if ok {
				got.exec.ScheduleTask(got.t, got.worker)
			}
		}, timer.WeakCond(pc), false)
	}

	req := &Message{Kind: KindRequest, Command: command, Sequence: seq, Body: body}
	if err := s.enqueue(ctx, req); err != nil {
		if tm != nil {
			tm.Cancel()
		}
		// If the entry is already gone, a shutdown or timeout path took it
		// and scheduled a resume for us; absorb it before returning.
		if !s.forget(seq) {
			env.Task.YieldToSuspended()
		}
		return nil, err
	}

	env.Task.YieldToSuspended()
	if tm != nil {
		tm.Cancel()
	}
	if pc.timedOut {
		metrics.RPCRequestsTotal.WithLabelValues("timeout").Inc()
		return nil, ErrTimeout
	}
	if pc.err != nil {
		metrics.RPCRequestsTotal.WithLabelValues("error").Inc()
		return nil, pc.err
	}
	metrics.RPCRequestsTotal.WithLabelValues("ok").Inc()
	obs.Observe(metrics.RPCRequestDuration)
	return &Result{Status: pc.resp.Status, StatusText: pc.resp.StatusText, Body: pc.resp.Body}, nil
}

// Notify sends a fire-and-forget message. It returns once the message is
// queued, blocking only for back-pressure.
func (s *Stream) Notify(ctx context.Context, command uint32, body []byte) error {
	if s.State() != StateConnected {
		return ErrNotConnected
	}
	err := s.enqueue(ctx, &Message{Kind: KindNotify, Command: command, Body: body})
	if err == nil {
		metrics.RPCNotifiesTotal.Inc()
	}
	return err
}

// forget removes the pending entry, reporting whether it was still owned
// by the caller.
func (s *Stream) forget(seq uint32) bool {
	s.pendingMu.Lock()
	_, ok := s.pending[seq]
	delete(s.pending, seq)
	s.pendingMu.Unlock()
	return ok
}

// complete correlates a response to its pending call and resumes the
// caller on the worker it suspended on. Unmatched responses are dropped.
func (s *Stream) complete(m *Message) {
	s.pendingMu.Lock()
	pc, ok := s.pending[m.Sequence]
	if ok {
		delete(s.pending, m.Sequence)
	}
	s.pendingMu.Unlock()
	if !ok {
		s.logger.Debug().Uint32("seq", m.Sequence).Msg("Dropping late or unmatched response")
		return
	}
	pc.resp = m
	pc.exec.ScheduleTask(pc.t, pc.worker)
}

// Drain stops accepting new requests; the stream disconnects once the
// reader or writer observes the close.
func (s *Stream) Drain() {
	s.state.CompareAndSwap(int32(StateConnected), int32(StateDraining))
}

// Close tears the stream down, failing every pending call.
func (s *Stream) Close(ctx context.Context) {
	s.shutdown(ctx, ErrClosed)
}

func (s *Stream) shutdown(ctx context.Context, err error) {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.state.Store(int32(StateDisconnected))
		s.sock.Close(ctx)

		s.pendingMu.Lock()
		calls := make([]*pendingCall, 0, len(s.pending))
		for seq, pc := range s.pending {
			delete(s.pending, seq)
			calls = append(calls, pc)
		}
		s.pendingMu.Unlock()
		for _, pc := range calls {
			pc.err = ErrDisconnected
			pc.exec.ScheduleTask(pc.t, pc.worker)
		}

		// Wake the writer so it can observe the close and exit.
		s.notEmpty.Release()

		if err != nil && err != ErrClosed {
			s.logger.Debug().Err(err).Msg("Stream disconnected")
		}
		if s.onClosed != nil {
			s.onClosed(err)
		}
	})
}
