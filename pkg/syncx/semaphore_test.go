package syncx

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/roostlabs/roost/pkg/scheduler"
)

// TestTryAcquire tests the non-suspending path
func TestTryAcquire(t *testing.T) {
	sem := NewSemaphore(2)
	assert.True(t, sem.TryAcquire())
	assert.True(t, sem.TryAcquire())
	assert.False(t, sem.TryAcquire())

	sem.Release()
	assert.True(t, sem.TryAcquire())
}

// TestAcquireWithinCount tests that acquire under the count does not
// suspend
func TestAcquireWithinCount(t *testing.T) {
	s := scheduler.New("sem-test", 1)
	s.Start()
	defer s.Stop()

	sem := NewSemaphore(1)
	done := make(chan struct{})
	s.Schedule(func(ctx context.Context) {
		sem.Acquire(ctx)
		close(done)
	})

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("acquire within count suspended")
	}
}

// TestAcquireBlocksUntilRelease tests that an exhausted semaphore parks
// the task until Release
func TestAcquireBlocksUntilRelease(t *testing.T) {
	s := scheduler.New("sem-block", 1)
	s.Start()
	defer s.Stop()

	sem := NewSemaphore(0)
	done := make(chan struct{})
	s.Schedule(func(ctx context.Context) {
		sem.Acquire(ctx)
		close(done)
	})

	select {
	case <-done:
		t.Fatal("acquire on empty semaphore did not block")
	case <-time.After(100 * time.Millisecond):
	}

	sem.Release()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("release did not wake the waiter")
	}
}

// TestReleaseWakesInOrder tests FIFO hand-off to waiters
func TestReleaseWakesInOrder(t *testing.T) {
	s := scheduler.New("sem-order", 1)
	s.Start()
	defer s.Stop()

	sem := NewSemaphore(0)
	order := make(chan int, 3)
	for i := 0; i < 3; i++ {
		n := i
		s.Schedule(func(ctx context.Context) {
			sem.Acquire(ctx)
			order <- n
		})
	}

	time.Sleep(100 * time.Millisecond)
	for i := 0; i < 3; i++ {
		sem.Release()
	}

	var got []int
	for i := 0; i < 3; i++ {
		select {
		case n := <-order:
			got = append(got, n)
		case <-time.After(3 * time.Second):
			t.Fatal("waiter never woke")
		}
	}
	assert.Equal(t, []int{0, 1, 2}, got)
}
