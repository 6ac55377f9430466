// Package timer maintains an ordered set of deadlines with one-shot,
// periodic, and condition timers. Expired callbacks are collected in
// deadline order and invoked by the caller outside any lock. A backward
// wall-clock jump of more than an hour expires every outstanding timer so
// long-scheduled work is not orphaned.
package timer
