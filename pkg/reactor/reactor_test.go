//go:build linux

package reactor_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/roostlabs/roost/pkg/reactor"
	"github.com/roostlabs/roost/pkg/task"
)

func newReactor(t *testing.T, threads int) *reactor.Reactor {
	t.Helper()
	r, err := reactor.New("test", threads, false)
	require.NoError(t, err)
	r.Start()
	return r
}

func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

// TestStopIdempotent tests that stopping a reactor twice is harmless
func TestStopIdempotent(t *testing.T) {
	r := newReactor(t, 2)
	r.Stop()
	r.Stop()
}

// TestArmEventResumesOnReadable tests that a task suspended on a read
// event resumes when the fd becomes readable and that the pending
// counter returns to its pre-arm value
func TestArmEventResumesOnReadable(t *testing.T) {
	r := newReactor(t, 1)
	rd, wr := socketPair(t)

	resumed := make(chan struct{})
	r.Schedule(func(ctx context.Context) {
		assert.NoError(t, r.ArmEvent(ctx, rd, reactor.EventRead, nil))
		task.FromContext(ctx).YieldToSuspended()
		close(resumed)
	})

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int64(1), r.Pending())

	_, err := unix.Write(wr, []byte("x"))
	require.NoError(t, err)

	select {
	case <-resumed:
	case <-time.After(3 * time.Second):
		t.Fatal("task was not resumed by readiness")
	}
	assert.Equal(t, int64(0), r.Pending())
	r.Stop()
}

// TestArmEventThunk tests arming with an explicit thunk target
func TestArmEventThunk(t *testing.T) {
	r := newReactor(t, 1)
	rd, wr := socketPair(t)

	fired := make(chan struct{})
	r.Schedule(func(ctx context.Context) {
		assert.NoError(t, r.ArmEvent(ctx, rd, reactor.EventRead, func(ctx context.Context) {
			close(fired)
		}))
	})

	time.Sleep(30 * time.Millisecond)
	_, err := unix.Write(wr, []byte("x"))
	require.NoError(t, err)

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("thunk was not fired by readiness")
	}
	r.Stop()
}

// TestCancelEventWakesWaiter tests that cancel fires the slot without
// any readiness
func TestCancelEventWakesWaiter(t *testing.T) {
	r := newReactor(t, 1)
	rd, _ := socketPair(t)

	resumed := make(chan struct{})
	r.Schedule(func(ctx context.Context) {
		assert.NoError(t, r.ArmEvent(ctx, rd, reactor.EventRead, nil))
		task.FromContext(ctx).YieldToSuspended()
		close(resumed)
	})

	time.Sleep(30 * time.Millisecond)
	require.True(t, r.CancelEvent(rd, reactor.EventRead))

	select {
	case <-resumed:
	case <-time.After(3 * time.Second):
		t.Fatal("task was not resumed by cancel")
	}
	assert.Equal(t, int64(0), r.Pending())
	r.Stop()
}

// TestCancelAll tests that cancelling all directions fires the armed read
// waiter and leaves no event pending
func TestCancelAll(t *testing.T) {
	r := newReactor(t, 2)
	rd, _ := socketPair(t)

	resumedRead := make(chan struct{})
	r.Schedule(func(ctx context.Context) {
		assert.NoError(t, r.ArmEvent(ctx, rd, reactor.EventRead, nil))
		task.FromContext(ctx).YieldToSuspended()
		close(resumedRead)
	})

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, int64(1), r.Pending())
	r.CancelAll(rd)

	select {
	case <-resumedRead:
	case <-time.After(3 * time.Second):
		t.Fatal("read waiter was not resumed")
	}
	assert.Equal(t, int64(0), r.Pending())
	r.Stop()
}

// TestDisarmEvent tests that disarm clears without firing
func TestDisarmEvent(t *testing.T) {
	r := newReactor(t, 1)
	rd, wr := socketPair(t)

	armed := make(chan struct{})
	fired := make(chan struct{})
	r.Schedule(func(ctx context.Context) {
		assert.NoError(t, r.ArmEvent(ctx, rd, reactor.EventRead, func(ctx context.Context) {
			close(fired)
		}))
		close(armed)
	})
	<-armed

	require.True(t, r.DisarmEvent(rd, reactor.EventRead))
	assert.Equal(t, int64(0), r.Pending())

	_, err := unix.Write(wr, []byte("x"))
	require.NoError(t, err)
	select {
	case <-fired:
		t.Fatal("disarmed slot fired")
	case <-time.After(100 * time.Millisecond):
	}
	r.Stop()
}

// TestTimerDrivesScheduler tests that reactor timers run their callbacks
// through the scheduler
func TestTimerDrivesScheduler(t *testing.T) {
	r := newReactor(t, 1)

	done := make(chan struct{})
	start := time.Now()
	r.AddTimer(50, func() { close(done) }, false)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timer never fired")
	}
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond)
	r.Stop()
}

// TestTimerShortensPollWait tests that a short timer inserted while the
// poller sleeps still fires promptly (the inserted-at-front wake-up)
func TestTimerShortensPollWait(t *testing.T) {
	r := newReactor(t, 1)

	// Let the worker settle into a long poll first.
	time.Sleep(20 * time.Millisecond)

	done := make(chan struct{})
	start := time.Now()
	r.AddTimer(30, func() { close(done) }, false)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timer never fired")
	}
	assert.Less(t, time.Since(start), time.Second)
	r.Stop()
}
