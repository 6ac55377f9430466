/*
Package metrics provides Prometheus instrumentation for the Roost runtime.

Collectors are package-level and registered in init, following the
one-collector-per-observable convention: task lifecycle counters, scheduler
queue depth and idle-worker gauges, reactor pending-event and timer gauges,
server connection counters, and RPC request/notify/reconnect counters.

Expose them over HTTP with:

	http.Handle("/metrics", metrics.Handler())

The Timer helper times an operation and records it into any observer:

	t := metrics.NewTimer()
	defer t.Observe(metrics.RPCRequestDuration)
*/
package metrics
