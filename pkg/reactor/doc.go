/*
Package reactor fuses the scheduler with an edge-triggered epoll loop and
a timer manager: the reactor's poll cycle IS the scheduler's idle
behaviour, so workers that run out of tasks wait on readiness and
deadlines instead of spinning.

Arming an event registers one direction of an fd in edge-triggered mode
and records a resumption target (the current task, or a thunk) in that
direction's slot. When the kernel reports readiness the kernel
registration is trimmed to the remaining directions, the slot is cleared,
and only then is the slot's target scheduled on the worker it was armed
from — in that order, so a stale kernel event can never resume a later
occupant of the slot. Errors and hangups are promoted to every armed direction so they
cannot strand a waiter.

Cancel operations fire the slot as if its event had arrived; the woken
operation re-issues its syscall and observes the real error. The wake
pipe is registered like any other fd and lets timer insertions and new
work shorten an in-flight poll wait.

The reactor stops only when no armed event is pending, no timer is
outstanding, and the underlying scheduler has drained.
*/
package reactor
