/*
Package rpc implements the length-framed request/response/notify
transport used for inter-service calls.

Frames are big-endian: a one-byte kind, a four-byte command code, a
four-byte sequence number (zero for notifies), response status fields,
and a length-prefixed body bounded by the configured maximum (hard cap
16 MiB). Sequence numbers are allocated monotonically per stream and
correlate responses to pending calls; a response arriving after its call
timed out is dropped.

Every connected stream runs a reader task and a writer task on the io
worker. The writer owns a bounded outbound queue guarded by cooperative
semaphores — producers block in-task when the queue is full — and sends
whatever the queue holds with a single writev. Clients reconnect with
exponential backoff; requests issued while disconnected fail fast unless
the caller opts into queueing. Protocol errors are fatal for the stream.
*/
package rpc
