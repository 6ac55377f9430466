//go:build linux

package workers

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/roostlabs/roost/pkg/config"
	"github.com/roostlabs/roost/pkg/log"
	"github.com/roostlabs/roost/pkg/reactor"
	"github.com/roostlabs/roost/pkg/task"
)

// Registry maps worker-pool names to reactors. It is populated once at
// startup from configuration and read-mostly afterwards; subsystems look
// up pools by name to place accept loops, connection handlers, and
// processing on specific workers.
type Registry struct {
	mu     sync.RWMutex
	pools  map[string]*reactor.Reactor
	logger zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		pools:  make(map[string]*reactor.Reactor),
		logger: log.WithComponent("workers"),
	}
}

// Init creates and starts one reactor per configured pool. Calling Init
// twice for the same name is an error.
func (g *Registry) Init(cfg map[string]config.WorkerConfig) error {
	for name, wc := range cfg {
		threads := wc.ThreadCount
		if threads < 1 {
			threads = 1
		}
		r, err := g.Add(name, threads, wc.UseCaller)
		if err != nil {
			return err
		}
		r.Start()
	}
	return nil
}

// Add creates (but does not start) a named reactor.
func (g *Registry) Add(name string, threads int, useCaller bool) (*reactor.Reactor, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.pools[name]; exists {
		return nil, fmt.Errorf("worker pool %q already defined", name)
	}
	r, err := reactor.New(name, threads, useCaller)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool %q: %w", name, err)
	}
	g.pools[name] = r
	g.logger.Info().Str("pool", name).Int("threads", threads).Bool("use_caller", useCaller).Msg("Worker pool created")
	return r, nil
}

// Get resolves a pool by name, nil when unknown.
func (g *Registry) Get(name string) *reactor.Reactor {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.pools[name]
}

// GetOr resolves a pool by name, falling back to fallback when the name
// is empty or unknown.
func (g *Registry) GetOr(name string, fallback *reactor.Reactor) *reactor.Reactor {
	if name == "" {
		return fallback
	}
	if r := g.Get(name); r != nil {
		return r
	}
	g.logger.Error().Str("pool", name).Msg("Unknown worker pool, using fallback")
	return fallback
}

// Schedule enqueues fn on the named pool, logging when the name is
// unknown.
func (g *Registry) Schedule(name string, fn task.Thunk) {
	r := g.Get(name)
	if r == nil {
		g.logger.Error().Str("pool", name).Msg("Schedule on unknown worker pool")
		return
	}
	r.Schedule(fn)
}

// StopAll stops every pool.
func (g *Registry) StopAll() {
	g.mu.Lock()
	pools := make([]*reactor.Reactor, 0, len(g.pools))
	for _, r := range g.pools {
		pools = append(pools, r)
	}
	g.pools = make(map[string]*reactor.Reactor)
	g.mu.Unlock()

	for _, r := range pools {
		r.Stop()
	}
}

var std = NewRegistry()

// Default returns the process-wide registry.
func Default() *Registry { return std }

// Init populates the process-wide registry from configuration.
func Init(cfg map[string]config.WorkerConfig) error { return std.Init(cfg) }

// Get resolves a pool in the process-wide registry.
func Get(name string) *reactor.Reactor { return std.Get(name) }

// Schedule enqueues fn on a pool of the process-wide registry.
func Schedule(name string, fn task.Thunk) { std.Schedule(name, fn) }

// StopAll stops every pool in the process-wide registry.
func StopAll() { std.StopAll() }
