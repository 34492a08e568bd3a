package server

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/hyperxpro/StreamSockets/internal/accounts"
	"github.com/hyperxpro/StreamSockets/internal/config"
	"github.com/hyperxpro/StreamSockets/internal/metrics"
	"github.com/hyperxpro/StreamSockets/internal/ratelimit"
	"github.com/hyperxpro/StreamSockets/internal/tunnel"
	"github.com/hyperxpro/StreamSockets/internal/wire"
	"github.com/hyperxpro/StreamSockets/internal/wsconn"
)

const (
	serverWriteHighWaterMark = 64 << 10
	serverWriteLowWaterMark  = 32 << 10

	// downstreamRateLimit bounds how many datagrams per second a single
	// tunnel's UDP downstream will forward, guarding against one noisy
	// backend starving the shared WebSocket write path.
	downstreamRateLimit = 5000
	downstreamRateBurst = 10000
)

type inboundKind int

const (
	eventBinary inboundKind = iota
	eventText
	eventClosed
)

type inboundEvent struct {
	kind inboundKind
	data []byte
}

type downstreamDatagram struct {
	tunnelID byte
	payload  []byte
}

type idleReapTickMsg struct{}

// Conn is the per-WebSocket-connection executor implementing the Server
// Tunnel Handler (C8). A single goroutine owns the tunnel registry, the
// route-open sequence, and the idle reaper, mirroring the client engine's
// single-inbox-channel design.
type Conn struct {
	id       string
	ws       *websocket.Conn
	account  *accounts.Account
	route    string
	oldProto bool
	clientIP string

	cfg      *config.ServerConfig
	accounts *accounts.Store
	log      zerolog.Logger

	startedAt time.Time
	registry  *tunnel.Registry
	first     *tunnel.Tunnel

	wm      *wsconn.WaterMark
	writeMu sync.Mutex

	downstreamLimiter *ratelimit.PerKeyLimiter

	inbox  chan any
	ctx    context.Context
	cancel context.CancelFunc

	reaperCancel context.CancelFunc
}

func newConn(ws *websocket.Conn, account *accounts.Account, route string, oldProto bool, clientIP string, cfg *config.ServerConfig, store *accounts.Store, log zerolog.Logger) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.New().String()
	if cfg.MaxFrameSize > 0 {
		ws.SetReadLimit(int64(cfg.MaxFrameSize))
	}
	return &Conn{
		id:                id,
		ws:                ws,
		account:           account,
		route:             route,
		oldProto:          oldProto,
		clientIP:          clientIP,
		cfg:               cfg,
		accounts:          store,
		log:               log.With().Str("account", account.Name).Str("client_ip", clientIP).Str("conn_id", id).Logger(),
		startedAt:         time.Now(),
		registry:          tunnel.New(cfg.MaxUDPTunnelsPerClient),
		wm:                wsconn.NewWaterMark(serverWriteHighWaterMark, serverWriteLowWaterMark),
		downstreamLimiter: ratelimit.New(downstreamRateLimit, downstreamRateBurst),
		inbox:             make(chan any, 256),
		ctx:               ctx,
		cancel:            cancel,
	}
}

// run drives the connection until the WebSocket closes or the route cannot
// be opened. It must be called from its own goroutine.
func (c *Conn) run() {
	defer c.cleanup()

	go c.readLoop()

	if c.oldProto {
		if !c.waitForOldProtocolHandshake() {
			return
		}
	} else {
		if !c.openFirstTunnel() {
			return
		}
	}

	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.inbox:
			switch m := msg.(type) {
			case inboundEvent:
				if m.kind == eventClosed {
					return
				}
				c.handleInbound(m)
			case downstreamDatagram:
				c.handleDownstream(m)
			case idleReapTickMsg:
				c.handleIdleReapTick()
			}
		}
	}
}

func (c *Conn) cleanup() {
	c.cancel()
	c.registry.CloseAll()
	_ = c.ws.Close()
	c.accounts.Release(c.account)
}

func (c *Conn) dialTunnel(route string) (*tunnel.Tunnel, error) {
	addr, err := net.ResolveUDPAddr("udp", route)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, err
	}
	t, err := c.registry.Create(conn, route)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return t, nil
}

func (c *Conn) openFirstTunnel() bool {
	if !c.accounts.ContainsRoute(c.route) {
		c.log.Warn().Str("route", c.route).Msg("route not configured, closing connection")
		_ = c.ws.Close()
		return false
	}

	t, err := c.dialTunnel(c.route)
	if err != nil {
		c.log.Warn().Err(err).Str("route", c.route).Msg("failed to open first udp socket")
		_ = c.ws.Close()
		return false
	}
	c.first = t
	go c.runDownstream(t)

	if err := c.writeText(wire.FormatSocketID(t.ID)); err != nil {
		c.log.Warn().Err(err).Msg("failed to send socket id grant")
		return false
	}
	return true
}

func (c *Conn) waitForOldProtocolHandshake() bool {
	_ = c.ws.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, data, err := c.ws.ReadMessage()
	_ = c.ws.SetReadDeadline(time.Time{})
	if err != nil {
		return false
	}

	var req wire.ConnectRequest
	if err := json.Unmarshal(data, &req); err != nil {
		_ = c.writeJSON(wire.ConnectResponse{Success: false, Message: "malformed request"})
		return false
	}

	route := net.JoinHostPort(req.Address, strconv.Itoa(req.Port))
	t, err := c.dialTunnel(route)
	if err != nil {
		_ = c.writeJSON(wire.ConnectResponse{Success: false, Message: "failed to connect"})
		return false
	}
	c.first = t
	go c.runDownstream(t)

	return c.writeJSON(wire.ConnectResponse{Success: true, Message: "connected"}) == nil
}

func (c *Conn) handleInbound(e inboundEvent) {
	switch e.kind {
	case eventBinary:
		c.handleBinary(e.data)
	case eventText:
		c.handleText(string(e.data))
	}
}

func (c *Conn) handleBinary(data []byte) {
	if c.oldProto {
		if c.first == nil {
			return
		}
		c.first.Touch()
		if _, err := c.first.Conn.Write(data); err != nil {
			c.log.Warn().Err(err).Msg("udp write failed")
		}
		return
	}

	tunnelID, payload, err := wire.DecodeDataFrame(data)
	if err != nil || tunnelID == wire.ReservedTunnelID {
		c.log.Debug().Msg("dropping malformed or reserved-id binary frame")
		return
	}
	t, ok := c.registry.Lookup(tunnelID)
	if !ok {
		c.log.Debug().Uint8("tunnel_id", tunnelID).Msg("binary frame for unknown tunnel, dropping")
		return
	}
	t.Touch()
	if _, err := t.Conn.Write(payload); err != nil {
		c.log.Warn().Err(err).Msg("udp write failed")
	}
}

func (c *Conn) handleText(text string) {
	if c.oldProto {
		c.handleOldProtocolRouteSwitch(text)
		return
	}

	if text == wire.ControlNew {
		c.handleNew()
		return
	}
	c.log.Warn().Str("text", text).Msg("unrecognized control frame, dropping")
}

// handleOldProtocolRouteSwitch implements the old protocol's "subsequent
// text frames replace the current route" rule: the current UDP socket is
// closed and a new one opened before acknowledging.
func (c *Conn) handleOldProtocolRouteSwitch(text string) {
	var req wire.ConnectRequest
	if err := json.Unmarshal([]byte(text), &req); err != nil {
		_ = c.writeJSON(wire.ConnectResponse{Success: false, Message: "malformed request"})
		return
	}
	route := net.JoinHostPort(req.Address, strconv.Itoa(req.Port))

	if c.first != nil {
		c.registry.Close(c.first.ID)
	}
	t, err := c.dialTunnel(route)
	if err != nil {
		_ = c.writeJSON(wire.ConnectResponse{Success: false, Message: "failed to connect"})
		return
	}
	c.first = t
	go c.runDownstream(t)
	_ = c.writeJSON(wire.ConnectResponse{Success: true, Message: "connected"})
}

func (c *Conn) handleNew() {
	if c.registry.Size() >= c.cfg.MaxUDPTunnelsPerClient {
		c.log.Warn().Msg("tunnel cap reached, dropping NEW request")
		return
	}

	t, err := c.dialTunnel(c.route)
	if err != nil {
		c.log.Warn().Err(err).Msg("failed to open udp socket for new tunnel")
		return
	}
	go c.runDownstream(t)

	if err := c.writeText(wire.FormatSocketID(t.ID)); err != nil {
		c.log.Warn().Err(err).Msg("failed to send socket id grant")
		return
	}

	if c.registry.Size() == 2 && c.reaperCancel == nil {
		c.startIdleReaper()
	}
}

func (c *Conn) startIdleReaper() {
	ctx, cancel := context.WithCancel(c.ctx)
	c.reaperCancel = cancel
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				select {
				case c.inbox <- idleReapTickMsg{}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
}

func (c *Conn) handleIdleReapTick() {
	ids := c.registry.ReapIdle(c.cfg.UDPTunnelTimeout)
	for _, id := range ids {
		_ = c.writeText(wire.FormatCloseID(id))
	}
	if c.registry.Size() <= 1 && c.reaperCancel != nil {
		c.reaperCancel()
		c.reaperCancel = nil
	}
}

// runDownstream is the Server UDP Downstream (C9) for one tunnel: it reads
// datagrams off the tunnel's connected UDP socket and hands them to the
// connection's single executor for framing and write.
func (c *Conn) runDownstream(t *tunnel.Tunnel) {
	key := strconv.Itoa(int(t.ID))
	buf := make([]byte, wire.MaxUDPPayload)
	for {
		n, err := t.Conn.Read(buf)
		if err != nil {
			return
		}
		if !c.downstreamLimiter.Allow(key) {
			c.log.Debug().Uint8("tunnel_id", t.ID).Msg("downstream rate limit exceeded, dropping datagram")
			continue
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		select {
		case c.inbox <- downstreamDatagram{tunnelID: t.ID, payload: payload}:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Conn) handleDownstream(d downstreamDatagram) {
	if c.oldProto {
		c.writeBinary(d.payload)
		return
	}
	c.writeBinary(wire.EncodeDataFrame(d.tunnelID, d.payload))
}

// writeBinary drops the datagram rather than buffering it once the
// connection's queued write bytes reach the high-water mark, matching UDP's
// no-retry semantics.
func (c *Conn) writeBinary(data []byte) {
	if c.wm.AboveHigh() {
		if c.wm.ShouldWarnOnce() {
			c.log.Warn().Msg("write buffer above high water mark, dropping datagrams")
		}
		return
	}
	c.wm.Add(len(data))
	defer c.wm.Sub(len(data))

	c.writeMu.Lock()
	err := c.ws.WriteMessage(websocket.BinaryMessage, data)
	c.writeMu.Unlock()

	if err != nil {
		c.log.Warn().Err(err).Msg("websocket write failed")
		return
	}
	metrics.BytesSentTotal.WithLabelValues(c.account.Name).Add(float64(len(data)))
}

func (c *Conn) writeText(s string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, []byte(s))
}

func (c *Conn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) readLoop() {
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case c.inbox <- inboundEvent{kind: eventClosed}:
			case <-c.ctx.Done():
			}
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			metrics.BytesReceivedTotal.WithLabelValues(c.account.Name).Add(float64(len(data)))
			select {
			case c.inbox <- inboundEvent{kind: eventBinary, data: data}:
			case <-c.ctx.Done():
				return
			}
		case websocket.TextMessage:
			select {
			case c.inbox <- inboundEvent{kind: eventText, data: data}:
			case <-c.ctx.Done():
				return
			}
		}
	}
}
