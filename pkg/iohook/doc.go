/*
Package iohook wraps the blocking-shaped syscalls so they cooperate with
the runtime: a call that would block arms the fd's direction on the
current reactor, optionally arms a condition timer that cancels the event
at the fd's configured timeout, suspends the current task, and retries
the raw syscall once readiness (or the cancellation) fires.

The wrappers are transparent by construction. For an fd with no registry
entry, a non-socket, an fd the user put into non-blocking mode, or a
context without a task, every wrapper is semantically identical to the
raw syscall — that compatibility is the contract the layer exists to
provide. Timeouts surface as ETIMEDOUT, exactly as a blocking socket with
SO_RCVTIMEO would report them.
*/
package iohook
