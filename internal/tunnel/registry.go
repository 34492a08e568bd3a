// Package tunnel implements the per-WebSocket Tunnel Registry (C3): the
// bidirectional map between a single-byte tunnel id and the UDP endpoint it
// bridges to, activity tracking, and idle reaping.
package tunnel

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ErrTunnelCapExceeded is returned by Create when the registry is already at
// its configured tunnel limit.
var ErrTunnelCapExceeded = errors.New("tunnel: per-connection cap exceeded")

// DefaultMaxTunnels mirrors MAX_UDP_TUNNELS_PER_CLIENT's default.
const DefaultMaxTunnels = 10

// FirstTunnelID is the id of the tunnel opened when the connection is
// established. It is exempt from idle reaping for the life of the
// connection.
const FirstTunnelID byte = 1

// Tunnel is one entry in the registry: a connected UDP socket bound to a
// single remote endpoint, plus the bookkeeping needed for idle reaping.
type Tunnel struct {
	ID             byte
	Conn           *net.UDPConn
	RemoteEndpoint string

	lastActivityMillis atomic.Int64
}

// Touch records the current time as this tunnel's last activity.
func (t *Tunnel) Touch() {
	t.lastActivityMillis.Store(time.Now().UnixMilli())
}

// idleFor reports how long the tunnel has gone without activity, as of now.
func (t *Tunnel) idleFor(now time.Time) time.Duration {
	last := t.lastActivityMillis.Load()
	return now.Sub(time.UnixMilli(last))
}

// Registry holds the tunnels belonging to a single WebSocket connection.
// Every operation is serialized by an internal mutex; in practice only the
// connection's own I/O goroutine calls it, so contention is rare.
type Registry struct {
	mu       sync.Mutex
	tunnels  map[byte]*Tunnel
	nextID   byte
	maxCount int
}

// New creates an empty Registry allowing up to maxCount concurrent tunnels.
// A non-positive maxCount falls back to DefaultMaxTunnels.
func New(maxCount int) *Registry {
	if maxCount <= 0 {
		maxCount = DefaultMaxTunnels
	}
	return &Registry{
		tunnels:  make(map[byte]*Tunnel),
		nextID:   FirstTunnelID,
		maxCount: maxCount,
	}
}

// Create allocates the next free tunnel id for conn/remoteEndpoint and
// records it. Returns ErrTunnelCapExceeded once the registry holds maxCount
// tunnels already.
func (r *Registry) Create(conn *net.UDPConn, remoteEndpoint string) (*Tunnel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.tunnels) >= r.maxCount {
		return nil, ErrTunnelCapExceeded
	}

	id := r.allocateIDLocked()
	t := &Tunnel{ID: id, Conn: conn, RemoteEndpoint: remoteEndpoint}
	t.Touch()
	r.tunnels[id] = t
	return t, nil
}

// allocateIDLocked finds the next unused id, wrapping from 255 back to 1.
// Must be called with mu held.
func (r *Registry) allocateIDLocked() byte {
	for {
		id := r.nextID
		r.nextID++
		if r.nextID == 0 {
			r.nextID = FirstTunnelID
		}
		if _, taken := r.tunnels[id]; !taken && id != 0 {
			return id
		}
	}
}

// Lookup returns the tunnel for id, if any.
func (r *Registry) Lookup(id byte) (*Tunnel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tunnels[id]
	return t, ok
}

// Touch updates the activity timestamp for id, a no-op if id is unknown.
func (r *Registry) Touch(id byte) {
	r.mu.Lock()
	t, ok := r.tunnels[id]
	r.mu.Unlock()
	if ok {
		t.Touch()
	}
}

// Close removes and closes the tunnel for id, reporting whether one existed.
func (r *Registry) Close(id byte) (*Tunnel, bool) {
	r.mu.Lock()
	t, ok := r.tunnels[id]
	if ok {
		delete(r.tunnels, id)
	}
	r.mu.Unlock()

	if ok {
		_ = t.Conn.Close()
	}
	return t, ok
}

// ReapIdle closes every tunnel except FirstTunnelID whose inactivity exceeds
// timeout, returning the ids that were closed so the caller can notify the
// peer with CLOSE ID frames.
func (r *Registry) ReapIdle(timeout time.Duration) []byte {
	now := time.Now()

	r.mu.Lock()
	var reaped []*Tunnel
	for id, t := range r.tunnels {
		if id == FirstTunnelID {
			continue
		}
		if t.idleFor(now) > timeout {
			reaped = append(reaped, t)
			delete(r.tunnels, id)
		}
	}
	r.mu.Unlock()

	ids := make([]byte, 0, len(reaped))
	for _, t := range reaped {
		_ = t.Conn.Close()
		ids = append(ids, t.ID)
	}
	return ids
}

// Size returns the number of tunnels currently registered.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tunnels)
}

// CloseAll tears down every tunnel, e.g. when the owning connection closes.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	tunnels := r.tunnels
	r.tunnels = make(map[byte]*Tunnel)
	r.mu.Unlock()

	for _, t := range tunnels {
		_ = t.Conn.Close()
	}
}
