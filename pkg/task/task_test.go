package task

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestTaskLifecycle tests the basic Init -> Running -> Terminated path
func TestTaskLifecycle(t *testing.T) {
	ran := false
	tk := New(func(ctx context.Context) {
		ran = true
	})
	require.Equal(t, StateInit, tk.State())

	tk.Resume()
	assert.True(t, ran)
	assert.Equal(t, StateTerminated, tk.State())
}

func TestTaskIDsAreMonotonic(t *testing.T) {
	a := New(func(ctx context.Context) {})
	b := New(func(ctx context.Context) {})
	assert.Greater(t, b.ID(), a.ID())
}

// TestYieldToSuspended tests that a suspended task resumes where it left off
func TestYieldToSuspended(t *testing.T) {
	var steps []string
	tk := New(func(ctx context.Context) {
		steps = append(steps, "first")
		FromContext(ctx).YieldToSuspended()
		steps = append(steps, "second")
	})

	tk.Resume()
	require.Equal(t, StateSuspended, tk.State())
	require.Equal(t, []string{"first"}, steps)

	tk.Resume()
	assert.Equal(t, StateTerminated, tk.State())
	assert.Equal(t, []string{"first", "second"}, steps)
}

// TestYieldToReady tests that a ready-yield leaves the task resumable
func TestYieldToReady(t *testing.T) {
	count := 0
	tk := New(func(ctx context.Context) {
		count++
		FromContext(ctx).YieldToReady()
		count++
	})

	tk.Resume()
	require.Equal(t, StateReady, tk.State())
	require.Equal(t, 1, count)

	tk.Resume()
	assert.Equal(t, StateTerminated, tk.State())
	assert.Equal(t, 2, count)
}

// TestTaskFailure tests that an uncaught panic moves the task to Failed
func TestTaskFailure(t *testing.T) {
	tk := New(func(ctx context.Context) {
		panic("boom")
	})
	tk.Resume()
	assert.Equal(t, StateFailed, tk.State())
}

// TestReset tests thunk reuse on a finished task
func TestReset(t *testing.T) {
	tests := []struct {
		name  string
		first Thunk
		want  State
	}{
		{
			name:  "after terminated",
			first: func(ctx context.Context) {},
			want:  StateTerminated,
		},
		{
			name:  "after failed",
			first: func(ctx context.Context) { panic("boom") },
			want:  StateFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tk := New(tt.first)
			tk.Resume()
			require.Equal(t, tt.want, tk.State())

			ran := false
			tk.Reset(func(ctx context.Context) { ran = true })
			require.Equal(t, StateInit, tk.State())

			tk.Resume()
			assert.True(t, ran)
			assert.Equal(t, StateTerminated, tk.State())
		})
	}
}

func TestFromContext(t *testing.T) {
	var got *Task
	tk := New(func(ctx context.Context) {
		got = FromContext(ctx)
	})
	tk.Resume()
	assert.Same(t, tk, got)

	assert.Nil(t, FromContext(context.Background()))
}

func TestPinNext(t *testing.T) {
	tk := New(func(ctx context.Context) {})
	assert.Equal(t, -1, tk.TakePinNext())
	tk.SetPinNext(3)
	assert.Equal(t, 3, tk.TakePinNext())
	assert.Equal(t, -1, tk.TakePinNext())
}

// TestCreateInsideTask tests that tasks are flat: creating and resuming a
// task from within another task works and implies no relationship
func TestCreateInsideTask(t *testing.T) {
	innerRan := false
	outer := New(func(ctx context.Context) {
		inner := New(func(ctx context.Context) { innerRan = true })
		inner.Resume()
	})
	outer.Resume()
	assert.True(t, innerRan)
	assert.Equal(t, StateTerminated, outer.State())
}
