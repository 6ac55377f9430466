//go:build linux

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roostlabs/roost/pkg/config"
	"github.com/roostlabs/roost/pkg/events"
	"github.com/roostlabs/roost/pkg/log"
	"github.com/roostlabs/roost/pkg/metrics"
	"github.com/roostlabs/roost/pkg/reactor"
	"github.com/roostlabs/roost/pkg/rpc"
	"github.com/roostlabs/roost/pkg/socket"
	"github.com/roostlabs/roost/pkg/tcpserver"
	"github.com/roostlabs/roost/pkg/workers"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the servers described by a YAML config",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("config", "roost.yml", "Path to the YAML configuration")
	serveCmd.Flags().String("metrics-addr", "", "Expose Prometheus metrics on this address (e.g. :9100)")
}

type stoppable interface {
	Start() error
	Stop()
}

func runServe(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	watcher, err := config.Watch(path)
	if err != nil {
		log.Warn("Config live reload unavailable: " + err.Error())
	} else {
		defer watcher.Close()
	}

	if len(cfg.Workers) == 0 {
		cfg.Workers = map[string]config.WorkerConfig{
			"default": {ThreadCount: 2},
		}
	}
	if err := workers.Init(cfg.Workers); err != nil {
		return err
	}
	defer workers.StopAll()

	bus := events.NewBus()
	evCh, cancelEvents := bus.Subscribe()
	defer cancelEvents()
	go logEvents(evCh)

	if metricsAddr != "" {
		go func() {
			http.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(metricsAddr, nil); err != nil {
				log.Error("Metrics endpoint failed", err)
			}
		}()
	}

	var servers []stoppable
	reg := workers.Default()
	fallback := anyPool(cfg.Workers)
	for _, sc := range cfg.Servers {
		accept := reg.GetOr(sc.AcceptWorker, fallback)
		io := reg.GetOr(sc.IOWorker, accept)
		process := reg.GetOr(sc.ProcessWorker, io)

		var srv stoppable
		switch sc.Type {
		case "rpc":
			rs, err := rpc.NewServer(sc, rpc.Options{}, accept, io, process)
			if err != nil {
				return err
			}
			rs.Register(1, echoHandler)
			srv = rs
		default:
			ts, err := tcpserver.New(sc, tcpserver.HandlerFunc(echoClient), accept, io, process)
			if err != nil {
				return err
			}
			srv = ts
		}
		if err := srv.Start(); err != nil {
			return err
		}
		bus.Publish(events.Event{Type: events.ServerStarted, Server: sc.Name})
		servers = append(servers, srv)
	}
	if len(servers) == 0 {
		return fmt.Errorf("no servers configured")
	}

	log.Logger.Info().Str("host", socket.Hostname()).Int("servers", len(servers)).Msg("Roost running")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	for _, srv := range servers {
		srv.Stop()
	}
	log.Info("Shutdown complete")
	return nil
}

func anyPool(cfg map[string]config.WorkerConfig) *reactor.Reactor {
	for name := range cfg {
		if p := workers.Get(name); p != nil {
			return p
		}
	}
	return nil
}

// echoClient echoes raw bytes back until the peer closes, the classic
// smoke test for the whole substrate. It works identically over plain
// and TLS connections.
func echoClient(ctx context.Context, conn socket.Conn) {
	buf := make([]byte, 4096)
	for {
		n, err := conn.Recv(ctx, buf)
		if err != nil || n == 0 {
			return
		}
		if err := conn.SendAll(ctx, buf[:n]); err != nil {
			return
		}
	}
}

// echoHandler answers command 1 with the request body.
func echoHandler(ctx context.Context, req *rpc.Message) *rpc.Message {
	return rpc.NewResponse(req, 200, "ok", req.Body)
}

func logEvents(ch <-chan events.Event) {
	for ev := range ch {
		log.Logger.Debug().
			Str("type", string(ev.Type)).
			Str("server", ev.Server).
			Str("stream", ev.Stream).
			Str("addr", ev.Addr).
			Err(ev.Err).
			Msg("Transport event")
	}
}
