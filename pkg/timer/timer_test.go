package timer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectAll(m *Manager) int {
	cbs := m.CollectExpired()
	for _, cb := range cbs {
		cb()
	}
	return len(cbs)
}

// TestNextTimeout tests the Infinite sentinel and deadline arithmetic
func TestNextTimeout(t *testing.T) {
	m := NewManager()
	assert.Equal(t, Infinite, m.NextTimeout())

	m.AddTimer(200, func() {}, false)
	d := m.NextTimeout()
	assert.Greater(t, d, int64(100))
	assert.LessOrEqual(t, d, int64(200))
}

// TestExpiryOrder tests that callbacks come back in deadline order
func TestExpiryOrder(t *testing.T) {
	m := NewManager()
	var got []int
	m.AddTimer(30, func() { got = append(got, 3) }, false)
	m.AddTimer(10, func() { got = append(got, 1) }, false)
	m.AddTimer(20, func() { got = append(got, 2) }, false)

	time.Sleep(60 * time.Millisecond)
	require.Equal(t, 3, collectAll(m))
	assert.Equal(t, []int{1, 2, 3}, got)
	assert.False(t, m.HasTimers())
}

// TestNotYetExpired tests that future timers stay queued
func TestNotYetExpired(t *testing.T) {
	m := NewManager()
	m.AddTimer(10_000, func() {}, false)
	assert.Equal(t, 0, collectAll(m))
	assert.True(t, m.HasTimers())
}

// TestPeriodicReschedule tests that a periodic timer re-arms itself
func TestPeriodicReschedule(t *testing.T) {
	m := NewManager()
	count := 0
	tm := m.AddTimer(20, func() { count++ }, true)

	for i := 0; i < 3; i++ {
		time.Sleep(30 * time.Millisecond)
		collectAll(m)
	}
	require.GreaterOrEqual(t, count, 3)
	assert.True(t, m.HasTimers())

	tm.Cancel()
	assert.False(t, m.HasTimers())
}

// TestCancel tests that a cancelled timer never fires
func TestCancel(t *testing.T) {
	m := NewManager()
	fired := false
	tm := m.AddTimer(10, func() { fired = true }, false)
	tm.Cancel()
	tm.Cancel() // idempotent

	time.Sleep(20 * time.Millisecond)
	collectAll(m)
	assert.False(t, fired)
	assert.False(t, m.HasTimers())
}

// TestConditionTimer tests that the callback only fires while the
// condition holds
func TestConditionTimer(t *testing.T) {
	tests := []struct {
		name  string
		alive bool
		want  bool
	}{
		{name: "condition alive", alive: true, want: true},
		{name: "condition dead", alive: false, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager()
			fired := false
			m.AddConditionTimer(10, func() { fired = true }, func() bool { return tt.alive }, false)

			time.Sleep(20 * time.Millisecond)
			collectAll(m)
			assert.Equal(t, tt.want, fired)
		})
	}
}

// TestReset tests re-arming a timer from now
func TestReset(t *testing.T) {
	m := NewManager()
	fired := false
	tm := m.AddTimer(20, func() { fired = true }, false)

	tm.Reset(200, true)
	time.Sleep(40 * time.Millisecond)
	collectAll(m)
	require.False(t, fired)

	tm.Reset(1, true)
	time.Sleep(20 * time.Millisecond)
	collectAll(m)
	assert.True(t, fired)
}

// TestRefresh tests pushing a periodic deadline forward
func TestRefresh(t *testing.T) {
	m := NewManager()
	count := 0
	tm := m.AddTimer(30, func() { count++ }, true)

	time.Sleep(20 * time.Millisecond)
	tm.Refresh()
	collectAll(m)
	require.Equal(t, 0, count)

	time.Sleep(40 * time.Millisecond)
	collectAll(m)
	assert.Equal(t, 1, count)
}

// TestInsertedAtFrontHook tests the new-minimum notification
func TestInsertedAtFrontHook(t *testing.T) {
	m := NewManager()
	calls := 0
	m.OnInsertedAtFront(func() { calls++ })

	m.AddTimer(1000, func() {}, false)
	require.Equal(t, 1, calls)

	m.AddTimer(2000, func() {}, false)
	require.Equal(t, 1, calls)

	m.AddTimer(100, func() {}, false)
	assert.Equal(t, 2, calls)
}
