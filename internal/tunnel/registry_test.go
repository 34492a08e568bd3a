package tunnel

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dummyUDPConn(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestCreateAssignsSequentialIDs(t *testing.T) {
	r := New(10)

	t1, err := r.Create(dummyUDPConn(t), "10.0.0.1:1")
	require.NoError(t, err)
	assert.Equal(t, FirstTunnelID, t1.ID)

	t2, err := r.Create(dummyUDPConn(t), "10.0.0.2:2")
	require.NoError(t, err)
	assert.Equal(t, byte(2), t2.ID)
}

func TestTunnelCap(t *testing.T) {
	r := New(2)

	_, err := r.Create(dummyUDPConn(t), "a")
	require.NoError(t, err)
	_, err = r.Create(dummyUDPConn(t), "b")
	require.NoError(t, err)

	_, err = r.Create(dummyUDPConn(t), "c")
	assert.ErrorIs(t, err, ErrTunnelCapExceeded)
	assert.Equal(t, 2, r.Size())
}

func TestLookupAndClose(t *testing.T) {
	r := New(10)
	tun, err := r.Create(dummyUDPConn(t), "a")
	require.NoError(t, err)

	got, ok := r.Lookup(tun.ID)
	assert.True(t, ok)
	assert.Same(t, tun, got)

	closed, ok := r.Close(tun.ID)
	assert.True(t, ok)
	assert.Same(t, tun, closed)

	_, ok = r.Lookup(tun.ID)
	assert.False(t, ok)
}

func TestReapIdleExcludesFirstTunnel(t *testing.T) {
	r := New(10)
	first, err := r.Create(dummyUDPConn(t), "first")
	require.NoError(t, err)
	second, err := r.Create(dummyUDPConn(t), "second")
	require.NoError(t, err)

	// Backdate both tunnels' activity beyond the reap threshold.
	past := time.Now().Add(-time.Hour).UnixMilli()
	first.lastActivityMillis.Store(past)
	second.lastActivityMillis.Store(past)

	reaped := r.ReapIdle(time.Minute)
	assert.ElementsMatch(t, []byte{second.ID}, reaped)

	_, ok := r.Lookup(first.ID)
	assert.True(t, ok, "first tunnel must never be reaped")
	_, ok = r.Lookup(second.ID)
	assert.False(t, ok)
}

func TestSizeAndCloseAll(t *testing.T) {
	r := New(10)
	_, err := r.Create(dummyUDPConn(t), "a")
	require.NoError(t, err)
	_, err = r.Create(dummyUDPConn(t), "b")
	require.NoError(t, err)

	assert.Equal(t, 2, r.Size())
	r.CloseAll()
	assert.Equal(t, 0, r.Size())
}
