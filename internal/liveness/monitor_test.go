package liveness

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMonitorEmitsPingsPeriodically(t *testing.T) {
	var pings atomic.Int32
	m := New(5*time.Millisecond, time.Hour, 5, func() { pings.Add(1) }, func() {})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	assert.Eventually(t, func() bool { return pings.Load() >= 3 }, time.Second, 5*time.Millisecond)
}

func TestMonitorPongResetsFailures(t *testing.T) {
	m := New(time.Hour, 10*time.Millisecond, 3, func() {}, func() { t.Fatal("onTimeout should not fire") })

	time.Sleep(20 * time.Millisecond)
	assert.False(t, m.checkStale())
	m.Pong()
	assert.Equal(t, int32(0), m.consecutiveFailures.Load())
}

func TestMonitorClosesAfterConsecutiveFailures(t *testing.T) {
	var timedOut atomic.Bool
	m := New(time.Hour, time.Millisecond, 3, func() {}, func() { timedOut.Store(true) })

	time.Sleep(5 * time.Millisecond)
	assert.False(t, m.checkStale())
	assert.False(t, m.checkStale())
	assert.True(t, m.checkStale())
	assert.True(t, timedOut.Load())
}
