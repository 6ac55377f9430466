package config

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/roostlabs/roost/pkg/log"
)

// Defaults for the live-reloadable tunables.
const (
	DefaultStackSize        = 1 << 20 // 1 MiB
	DefaultConnectTimeoutMS = 5000
	DefaultServerTimeoutMS  = 240000
)

// CoroutineConfig holds task creation tunables.
type CoroutineConfig struct {
	StackSize int `yaml:"stack_size"`
}

// ConnectConfig holds the connect wrapper tunables.
type ConnectConfig struct {
	Timeout int64 `yaml:"timeout"`
}

// TCPConfig groups TCP tunables.
type TCPConfig struct {
	Connect ConnectConfig `yaml:"connect"`
}

// WorkerConfig describes one named worker pool.
type WorkerConfig struct {
	ThreadCount int  `yaml:"thread_count"`
	UseCaller   bool `yaml:"use_caller"`
}

// ServerConfig describes one TCP server instance.
type ServerConfig struct {
	Address       []string          `yaml:"address"`
	Keepalive     int               `yaml:"keepalive"`
	Timeout       int64             `yaml:"timeout"`
	SSL           int               `yaml:"ssl"`
	CertFile      string            `yaml:"cert_file"`
	KeyFile       string            `yaml:"key_file"`
	AcceptWorker  string            `yaml:"accept_worker"`
	IOWorker      string            `yaml:"io_worker"`
	ProcessWorker string            `yaml:"process_worker"`
	ID            string            `yaml:"id"`
	Type          string            `yaml:"type"`
	Name          string            `yaml:"name"`
	Args          map[string]string `yaml:"args"`
}

// Settings is the full configuration consumed by the runtime. Workers and
// Servers are read once at startup; the coroutine and tcp sections are
// live-reloadable via Watch.
type Settings struct {
	Coroutine CoroutineConfig         `yaml:"coroutine"`
	TCP       TCPConfig               `yaml:"tcp"`
	Workers   map[string]WorkerConfig `yaml:"workers"`
	Servers   []ServerConfig          `yaml:"servers"`
}

var (
	stackSize        atomic.Int64
	connectTimeoutMS atomic.Int64
)

func init() {
	stackSize.Store(DefaultStackSize)
	connectTimeoutMS.Store(DefaultConnectTimeoutMS)
}

// StackSize returns the current task stack budget in bytes.
func StackSize() int {
	return int(stackSize.Load())
}

// ConnectTimeoutMS returns the current connect timeout in milliseconds.
func ConnectTimeoutMS() int64 {
	return connectTimeoutMS.Load()
}

// SetStackSize overrides the task stack budget. Affects future task
// creations only.
func SetStackSize(n int) {
	if n > 0 {
		stackSize.Store(int64(n))
	}
}

// SetConnectTimeoutMS overrides the connect timeout.
func SetConnectTimeoutMS(ms int64) {
	if ms > 0 {
		connectTimeoutMS.Store(ms)
	}
}

// Load reads and parses the YAML config file, applies defaults, and
// publishes the live-reloadable tunables.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML config bytes, applies defaults, and publishes the
// live-reloadable tunables.
func Parse(data []byte) (*Settings, error) {
	s := &Settings{}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	s.applyDefaults()
	SetStackSize(s.Coroutine.StackSize)
	SetConnectTimeoutMS(s.TCP.Connect.Timeout)
	return s, nil
}

func (s *Settings) applyDefaults() {
	if s.Coroutine.StackSize <= 0 {
		s.Coroutine.StackSize = DefaultStackSize
	}
	if s.TCP.Connect.Timeout <= 0 {
		s.TCP.Connect.Timeout = DefaultConnectTimeoutMS
	}
	for i := range s.Servers {
		srv := &s.Servers[i]
		if srv.Timeout <= 0 {
			srv.Timeout = DefaultServerTimeoutMS
		}
		if srv.Type == "" {
			srv.Type = "tcp"
		}
	}
	for name, wc := range s.Workers {
		if wc.ThreadCount <= 0 {
			wc.ThreadCount = 1
			s.Workers[name] = wc
		}
	}
}

// Watcher re-reads the config file on change and republishes the
// live-reloadable tunables. Workers and servers are not re-applied.
type Watcher struct {
	fw     *fsnotify.Watcher
	logger zerolog.Logger
	done   chan struct{}
}

// Watch starts watching path for changes. Close the returned watcher to
// stop.
func Watch(path string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch config: %w", err)
	}

	w := &Watcher{
		fw:     fw,
		logger: log.WithComponent("config"),
		done:   make(chan struct{}),
	}
	go w.run(path)
	return w, nil
}

func (w *Watcher) run(path string) {
	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if _, err := Load(path); err != nil {
				w.logger.Error().Err(err).Msg("Config reload failed, keeping previous values")
				continue
			}
			w.logger.Info().
				Int("stack_size", StackSize()).
				Int64("connect_timeout_ms", ConnectTimeoutMS()).
				Msg("Config reloaded")
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Config watcher error")
		case <-w.done:
			return
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fw.Close()
}
