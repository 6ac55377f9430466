//go:build linux

package rpc

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roostlabs/roost/pkg/config"
	"github.com/roostlabs/roost/pkg/iohook"
	"github.com/roostlabs/roost/pkg/reactor"
	"github.com/roostlabs/roost/pkg/security"
	"github.com/roostlabs/roost/pkg/socket"
)

func newReactor(t *testing.T, threads int) *reactor.Reactor {
	t.Helper()
	r, err := reactor.New("rpc-test", threads, false)
	require.NoError(t, err)
	r.Start()
	return r
}

func startServer(t *testing.T, r *reactor.Reactor) *Server {
	t.Helper()
	srv, err := NewServer(config.ServerConfig{
		Address: []string{"127.0.0.1:0"},
		Name:    "rpc-under-test",
		Timeout: 60000,
	}, Options{}, r, r, r)
	require.NoError(t, err)

	srv.Register(7, func(ctx context.Context, req *Message) *Message {
		return NewResponse(req, 200, "ok", req.Body)
	})
	srv.Register(9, func(ctx context.Context, req *Message) *Message {
		iohook.Sleep(ctx, 300*time.Millisecond)
		return NewResponse(req, 200, "late", req.Body)
	})

	require.NoError(t, srv.Start())
	return srv
}

func serverAddr(t *testing.T, srv *Server) socket.Address {
	t.Helper()
	port := srv.Listeners()[0].LocalAddress().Port()
	addr, err := socket.Lookup("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	return addr
}

// runTask runs fn inside a task and waits for completion.
func runTask(t *testing.T, r *reactor.Reactor, fn func(ctx context.Context)) {
	t.Helper()
	done := make(chan struct{})
	r.Schedule(func(ctx context.Context) {
		defer close(done)
		fn(ctx)
	})
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("task did not finish")
	}
}

// TestRequestRoundtrip tests one echo call and the fresh-stream sequence
func TestRequestRoundtrip(t *testing.T) {
	r := newReactor(t, 2)
	srv := startServer(t, r)
	addr := serverAddr(t, srv)

	client := NewClient(r, addr, ClientOptions{})
	runTask(t, r, func(ctx context.Context) {
		check := assert.New(t)
		err := client.Connect(ctx)
		check.NoError(err)

		res, err := client.Request(ctx, 7, []byte("hello"), 500)
		check.NoError(err)
		if res != nil {
			check.Equal(uint32(200), res.Status)
			check.Equal("ok", res.StatusText)
			check.Equal([]byte("hello"), res.Body)
		}

		st := client.currentStream()
		check.NotNil(st)
		if st != nil {
			check.Equal(uint32(1), st.seq.Load())
		}
		client.Close(ctx)
	})

	srv.Stop()
	r.Stop()
}

// TestTLSRoundtrip tests an echo call over an ssl-configured server with
// a TLS client: both stream tasks must run on the TLS session, not the
// raw fd
func TestTLSRoundtrip(t *testing.T) {
	r := newReactor(t, 2)

	certPEM, keyPEM, err := security.GenerateSelfSigned("rpc-tls-test", time.Hour)
	require.NoError(t, err)
	dir := t.TempDir()
	certPath := filepath.Join(dir, "server.crt")
	keyPath := filepath.Join(dir, "server.key")
	require.NoError(t, os.WriteFile(certPath, certPEM, 0o600))
	require.NoError(t, os.WriteFile(keyPath, keyPEM, 0o600))

	srv, err := NewServer(config.ServerConfig{
		Address:  []string{"127.0.0.1:0"},
		Name:     "rpc-tls-under-test",
		Timeout:  60000,
		SSL:      1,
		CertFile: certPath,
		KeyFile:  keyPath,
	}, Options{}, r, r, r)
	require.NoError(t, err)
	srv.Register(7, func(ctx context.Context, req *Message) *Message {
		return NewResponse(req, 200, "ok", req.Body)
	})
	require.NoError(t, srv.Start())
	addr := serverAddr(t, srv)

	client := NewClient(r, addr, ClientOptions{
		TLS: &tls.Config{InsecureSkipVerify: true},
	})
	runTask(t, r, func(ctx context.Context) {
		check := assert.New(t)
		check.NoError(client.Connect(ctx))
		res, err := client.Request(ctx, 7, []byte("over tls"), 2000)
		check.NoError(err)
		if res != nil {
			check.Equal(uint32(200), res.Status)
			check.Equal([]byte("over tls"), res.Body)
		}
		client.Close(ctx)
	})

	srv.Stop()
	r.Stop()
}

// TestRequestTimeoutDropsLateResponse tests that a timed-out call fails
// at its deadline and the eventual response completes nothing else
func TestRequestTimeoutDropsLateResponse(t *testing.T) {
	r := newReactor(t, 2)
	srv := startServer(t, r)
	addr := serverAddr(t, srv)

	client := NewClient(r, addr, ClientOptions{})
	runTask(t, r, func(ctx context.Context) {
		check := assert.New(t)
		check.NoError(client.Connect(ctx))

		start := time.Now()
		_, err := client.Request(ctx, 9, []byte("slowpoke"), 100)
		elapsed := time.Since(start)
		check.ErrorIs(err, ErrTimeout)
		check.Less(elapsed, 250*time.Millisecond)

		// Wait past the delayed response, then verify a fresh call gets
		// its own answer rather than the stale one.
		iohook.Sleep(ctx, 400*time.Millisecond)
		res, err := client.Request(ctx, 7, []byte("fresh"), 500)
		check.NoError(err)
		if res != nil {
			check.Equal([]byte("fresh"), res.Body)
			check.Equal("ok", res.StatusText)
		}
		client.Close(ctx)
	})

	srv.Stop()
	r.Stop()
}

// TestNotify tests fire-and-forget delivery
func TestNotify(t *testing.T) {
	r := newReactor(t, 2)
	srv := startServer(t, r)
	got := make(chan []byte, 1)
	srv.RegisterNotify(5, func(ctx context.Context, m *Message) {
		got <- m.Body
	})
	addr := serverAddr(t, srv)

	client := NewClient(r, addr, ClientOptions{})
	runTask(t, r, func(ctx context.Context) {
		check := assert.New(t)
		check.NoError(client.Connect(ctx))
		check.NoError(client.Notify(ctx, 5, []byte("heads up")))
	})

	select {
	case body := <-got:
		assert.Equal(t, []byte("heads up"), body)
	case <-time.After(3 * time.Second):
		t.Fatal("notify never arrived")
	}

	runTask(t, r, func(ctx context.Context) { client.Close(ctx) })
	srv.Stop()
	r.Stop()
}

// TestUnknownCommand tests the 404 response for unregistered commands
func TestUnknownCommand(t *testing.T) {
	r := newReactor(t, 2)
	srv := startServer(t, r)
	addr := serverAddr(t, srv)

	client := NewClient(r, addr, ClientOptions{})
	runTask(t, r, func(ctx context.Context) {
		check := assert.New(t)
		check.NoError(client.Connect(ctx))
		res, err := client.Request(ctx, 12345, nil, 500)
		check.NoError(err)
		if res != nil {
			check.Equal(uint32(404), res.Status)
		}
		client.Close(ctx)
	})

	srv.Stop()
	r.Stop()
}

// TestRequestFailsFastWhenDisconnected tests the no-queue policy
func TestRequestFailsFastWhenDisconnected(t *testing.T) {
	r := newReactor(t, 1)
	defer r.Stop()

	addr, err := socket.Lookup("tcp", "127.0.0.1:1")
	require.NoError(t, err)
	client := NewClient(r, addr, ClientOptions{})

	runTask(t, r, func(ctx context.Context) {
		_, err := client.Request(ctx, 7, nil, 100)
		assert.ErrorIs(t, err, ErrNotConnected)
		assert.ErrorIs(t, client.Notify(ctx, 7, nil), ErrNotConnected)
	})
}

// TestStreamStates tests the lifecycle transitions visible to callers
func TestStreamStates(t *testing.T) {
	r := newReactor(t, 2)
	srv := startServer(t, r)
	addr := serverAddr(t, srv)

	client := NewClient(r, addr, ClientOptions{})
	runTask(t, r, func(ctx context.Context) {
		check := assert.New(t)
		check.NoError(client.Connect(ctx))
		st := client.currentStream()
		check.NotNil(st)
		if st != nil {
			check.Equal(StateConnected, st.State())
		}
		client.Close(ctx)
		if st != nil {
			check.Equal(StateDisconnected, st.State())
		}
	})

	srv.Stop()
	r.Stop()
}
