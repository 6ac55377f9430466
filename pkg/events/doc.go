// Package events fans transport lifecycle events (stream connects,
// disconnects, protocol errors, server start/stop) out to subscribers,
// with optional per-type filtering. Delivery is non-blocking so a slow
// subscriber can never stall the reactor or a stream task that emitted
// the event; it misses what it cannot keep up with.
package events
