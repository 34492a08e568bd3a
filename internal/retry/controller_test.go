package retry

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffSchedule(t *testing.T) {
	c := New(time.Second, 30*time.Second)

	want := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		time.Second,
		2 * time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, c.NextDelay(), "delay #%d", i)
	}
}

func TestResetRestartsSchedule(t *testing.T) {
	c := New(time.Second, 30*time.Second)
	c.NextDelay()
	c.NextDelay()
	c.Reset()
	assert.Equal(t, time.Second, c.NextDelay())
}

func TestScheduleRunsAfterDelay(t *testing.T) {
	c := New(time.Millisecond, 10*time.Millisecond)
	ctx := context.Background()

	var ran atomic.Bool
	done := make(chan struct{})
	c.Schedule(ctx, func(context.Context) {
		ran.Store(true)
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduled task never ran")
	}
	assert.True(t, ran.Load())
}

func TestScheduleHonorsCancellation(t *testing.T) {
	c := New(time.Hour, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := make(chan struct{}, 1)
	c.Schedule(ctx, func(context.Context) { ran <- struct{}{} })

	select {
	case <-ran:
		t.Fatal("task should not run after context cancellation")
	case <-time.After(50 * time.Millisecond):
	}
}
