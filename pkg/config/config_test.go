package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParseDefaults tests that an empty document gets every default
func TestParseDefaults(t *testing.T) {
	s, err := Parse([]byte(""))
	require.NoError(t, err)
	assert.Equal(t, DefaultStackSize, s.Coroutine.StackSize)
	assert.Equal(t, int64(DefaultConnectTimeoutMS), s.TCP.Connect.Timeout)
	assert.Empty(t, s.Servers)
}

// TestParseFull tests a representative document
func TestParseFull(t *testing.T) {
	doc := `
coroutine:
  stack_size: 2097152
tcp:
  connect:
    timeout: 1500
workers:
  accept:
    thread_count: 1
  io:
    thread_count: 4
    use_caller: true
servers:
  - address: ["0.0.0.0:8061", "/tmp/roost.sock"]
    keepalive: 1
    ssl: 0
    accept_worker: accept
    io_worker: io
    name: chat-rpc
    type: rpc
    args:
      tenant: main
`
	s, err := Parse([]byte(doc))
	require.NoError(t, err)

	assert.Equal(t, 2097152, s.Coroutine.StackSize)
	assert.Equal(t, int64(1500), s.TCP.Connect.Timeout)
	assert.Equal(t, 4, s.Workers["io"].ThreadCount)
	assert.True(t, s.Workers["io"].UseCaller)

	require.Len(t, s.Servers, 1)
	srv := s.Servers[0]
	assert.Equal(t, []string{"0.0.0.0:8061", "/tmp/roost.sock"}, srv.Address)
	assert.Equal(t, "rpc", srv.Type)
	assert.Equal(t, int64(DefaultServerTimeoutMS), srv.Timeout)
	assert.Equal(t, "main", srv.Args["tenant"])

	// Parsing publishes the live tunables.
	assert.Equal(t, 2097152, StackSize())
	assert.Equal(t, int64(1500), ConnectTimeoutMS())
}

// TestParseRejectsGarbage tests the error path
func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse([]byte("servers: [not: {closed"))
	assert.Error(t, err)
}

// TestSetters tests bounds on the live tunables
func TestSetters(t *testing.T) {
	SetStackSize(4096)
	assert.Equal(t, 4096, StackSize())
	SetStackSize(-1) // ignored
	assert.Equal(t, 4096, StackSize())

	SetConnectTimeoutMS(250)
	assert.Equal(t, int64(250), ConnectTimeoutMS())
	SetConnectTimeoutMS(0) // ignored
	assert.Equal(t, int64(250), ConnectTimeoutMS())
}

// TestWatchReloads tests the fsnotify-driven live reload
func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roost.yml")
	require.NoError(t, os.WriteFile(path, []byte("coroutine:\n  stack_size: 111111\n"), 0o644))

	_, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 111111, StackSize())

	w, err := Watch(path)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte("coroutine:\n  stack_size: 222222\n"), 0o644))

	deadline := time.Now().Add(3 * time.Second)
	for StackSize() != 222222 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 222222, StackSize())
}
