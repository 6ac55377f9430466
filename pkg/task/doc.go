/*
Package task implements the coroutine primitive of the runtime: a
suspendable computation with a monotonic id, a lifecycle state machine
(Init, Ready, Running, Suspended, Terminated, Failed), and a thunk that
runs exactly once per Reset.

Each task is backed by a dedicated goroutine, and control transfers
through a channel handshake: Resume blocks its caller until the task next
suspends or terminates, and the Yield methods block the task until it is
resumed again. At most one of worker and task runs at any moment, which
preserves the worker-serial execution model the rest of the runtime
assumes.

Tasks are flat: creating a task inside another task implies no
parent/child relationship. The current task rides on the context
(FromContext); workers rebind the context's Env before every resume.
*/
package task
