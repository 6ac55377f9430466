// Package syncx provides task-aware synchronisation primitives. The
// semaphore suspends the acquiring task cooperatively instead of blocking
// its worker thread.
package syncx
