package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task metrics
	TasksCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "roost_tasks_created_total",
			Help: "Total number of tasks created",
		},
	)

	TasksLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "roost_tasks_live",
			Help: "Number of tasks that have been created but not yet terminated",
		},
	)

	TasksFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "roost_tasks_failed_total",
			Help: "Total number of tasks that terminated with an uncaught error",
		},
	)

	// Scheduler metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "roost_scheduler_queue_depth",
			Help: "Pending work items per scheduler",
		},
		[]string{"scheduler"},
	)

	IdleWorkers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "roost_scheduler_idle_workers",
			Help: "Idle workers per scheduler",
		},
		[]string{"scheduler"},
	)

	// Reactor metrics
	PendingEvents = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "roost_reactor_pending_events",
			Help: "Armed but unfired fd events per reactor",
		},
		[]string{"reactor"},
	)

	TimersActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "roost_timers_active",
			Help: "Non-cancelled timers per reactor",
		},
		[]string{"reactor"},
	)

	// Server metrics
	ConnectionsAccepted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roost_connections_accepted_total",
			Help: "Total connections accepted by server name",
		},
		[]string{"server"},
	)

	ConnectionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "roost_connections_active",
			Help: "In-flight connections by server name",
		},
		[]string{"server"},
	)

	// RPC metrics
	RPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roost_rpc_requests_total",
			Help: "Total RPC requests by outcome",
		},
		[]string{"outcome"},
	)

	RPCRequestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "roost_rpc_request_duration_seconds",
			Help:    "RPC request round-trip duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	RPCNotifiesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "roost_rpc_notifies_total",
			Help: "Total RPC notify messages sent",
		},
	)

	RPCReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "roost_rpc_reconnects_total",
			Help: "Total RPC stream reconnect attempts",
		},
	)

	BytesRead = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "roost_bytes_read_total",
			Help: "Total bytes read through intercepted IO",
		},
	)

	BytesWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "roost_bytes_written_total",
			Help: "Total bytes written through intercepted IO",
		},
	)
)

func init() {
	prometheus.MustRegister(TasksCreated)
	prometheus.MustRegister(TasksLive)
	prometheus.MustRegister(TasksFailed)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(IdleWorkers)
	prometheus.MustRegister(PendingEvents)
	prometheus.MustRegister(TimersActive)
	prometheus.MustRegister(ConnectionsAccepted)
	prometheus.MustRegister(ConnectionsActive)
	prometheus.MustRegister(RPCRequestsTotal)
	prometheus.MustRegister(RPCRequestDuration)
	prometheus.MustRegister(RPCNotifiesTotal)
	prometheus.MustRegister(RPCReconnectsTotal)
	prometheus.MustRegister(BytesRead)
	prometheus.MustRegister(BytesWritten)
}

// Handler returns the HTTP handler serving the registered collectors.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures one operation from its creation. It is a plain value;
// copies share the same start instant.
type Timer struct {
	start time.Time
}

// NewTimer starts measuring.
func NewTimer() Timer {
	return Timer{start: time.Now()}
}

// Observe records the elapsed seconds into any observer (histogram or
// summary, labelled or not).
func (t Timer) Observe(o prometheus.Observer) {
	o.Observe(time.Since(t.start).Seconds())
}

// Elapsed returns the time measured so far.
func (t Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}
