// Package fdreg tracks per-fd interception metadata: whether the fd is a
// socket, the user's and the runtime's non-blocking flags, and the send
// and recv timeouts consulted by the hooked syscalls.
package fdreg
