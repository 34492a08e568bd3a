// Package client implements the Client Datagram Engine (C5) and Client
// WebSocket Carrier (C6): the local UDP listener, the per-sender tunnel
// mapping, and the outbound WebSocket connection that carries framed
// datagrams to the server.
package client

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/hyperxpro/StreamSockets/internal/config"
	"github.com/hyperxpro/StreamSockets/internal/liveness"
	"github.com/hyperxpro/StreamSockets/internal/retry"
	"github.com/hyperxpro/StreamSockets/internal/wire"
)

// engineState is the per-connection state machine driven by Engine.run.
type engineState int32

const (
	stateInit engineState = iota
	stateConnecting
	stateReady
	stateBackoff
)

const udpIdleCheckInterval = 10 * time.Second

// senderState tracks one local UDP sender seen on this connection: the
// tunnel id it has been granted (if any) and whether its "NEW" request has
// already been sent.
type senderState struct {
	addr     *net.UDPAddr
	tunnelID byte
	granted  bool
	newSent  bool
}

type udpPacketMsg struct {
	addr    *net.UDPAddr
	payload []byte
}

type connectResultMsg struct {
	epoch   uint64
	carrier *Carrier
	err     error
}

type carrierClosedMsg struct {
	epoch uint64
	err   error
}

type livenessTimeoutMsg struct {
	epoch uint64
}

type udpIdleTickMsg struct{}

// Engine is the Client Datagram Engine. All of its mutable state (sender
// maps, tunnel bindings, the current carrier) is owned by a single goroutine
// consuming a single inbox channel, which keeps the epoch and isConnecting
// guards trivial and avoids locks on the hot path.
type Engine struct {
	cfg    *config.ClientConfig
	log    zerolog.Logger
	events *EventEmitter

	retryCtl *retry.Controller

	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan any

	udpConn *net.UDPConn

	epoch        atomic.Uint64
	isConnecting atomic.Bool
	stateVal     atomic.Int32

	// Engine-goroutine-owned state; never touched from any other goroutine.
	carrier         *Carrier
	liveness        *liveness.Monitor
	senders         map[string]*senderState
	tunnelToSender  map[byte]*senderState
	pendingQueue    []*senderState
	pendingFrames   map[string][][]byte
	defaultSender   *senderState
	firstGranted    bool
	firstTunnelID   byte
	idleClosing     bool
	lastUDPPacketMs atomic.Int64
}

// NewEngine creates an Engine bound to cfg. Call Start to begin serving.
func NewEngine(cfg *config.ClientConfig, log zerolog.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		log:      log.With().Str("component", "client-engine").Logger(),
		events:   NewEventEmitter(),
		retryCtl: retry.New(cfg.RetryInitialDelay, cfg.RetryMaxDelay),
		inbox:    make(chan any, 256),
	}
}

// Events returns the engine's event emitter for observers (status lines, metrics).
func (e *Engine) Events() *EventEmitter { return e.events }

// ConnectionEpoch returns the current connection attempt's epoch.
func (e *Engine) ConnectionEpoch() uint64 { return e.epoch.Load() }

// IsConnecting reports whether a connect attempt is currently outstanding.
func (e *Engine) IsConnecting() bool { return e.isConnecting.Load() }

// Ready reports whether the connection is currently in the READY state.
func (e *Engine) Ready() bool { return e.state() == stateReady }

// LocalAddr returns the local UDP address the engine is listening on.
func (e *Engine) LocalAddr() net.Addr { return e.udpConn.LocalAddr() }

func (e *Engine) state() engineState       { return engineState(e.stateVal.Load()) }
func (e *Engine) setState(s engineState)   { e.stateVal.Store(int32(s)) }

// Start binds the local UDP listener and begins the connect loop.
func (e *Engine) Start(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.resetPerConnectionState()

	conn, err := listenUDPReusePort(e.ctx, e.cfg.BindAddr())
	if err != nil {
		return err
	}
	e.udpConn = conn

	go e.udpReadLoop()
	go e.udpIdleLoop()
	go e.run()

	e.beginConnect()
	return nil
}

// Close tears down the engine: the local UDP socket, the active carrier,
// and the inbox consumer goroutine (via context cancellation).
func (e *Engine) Close() {
	e.cancel()
	if e.udpConn != nil {
		_ = e.udpConn.Close()
	}
	if e.carrier != nil {
		_ = e.carrier.Close()
	}
}

func (e *Engine) resetPerConnectionState() {
	e.senders = make(map[string]*senderState)
	e.tunnelToSender = make(map[byte]*senderState)
	e.pendingQueue = nil
	e.pendingFrames = make(map[string][][]byte)
	e.defaultSender = nil
	e.firstGranted = false
	e.firstTunnelID = 0
	e.liveness = nil
}

// beginConnect starts one connect attempt if none is already outstanding,
// enforcing the single-outstanding-attempt rule via isConnecting.
func (e *Engine) beginConnect() {
	if !e.isConnecting.CompareAndSwap(false, true) {
		return
	}
	epoch := e.epoch.Add(1)
	e.setState(stateConnecting)
	e.events.Emit(Event{Type: EventConnecting})

	go func() {
		carrier, err := dialCarrier(e.ctx, e.cfg, epoch, e, e.log)
		msg := connectResultMsg{epoch: epoch, carrier: carrier, err: err}
		select {
		case e.inbox <- msg:
		case <-e.ctx.Done():
		}
	}()
}

// udpReadLoop is the sole producer of udpPacketMsg values.
func (e *Engine) udpReadLoop() {
	buf := make([]byte, wire.MaxUDPPayload)
	for {
		n, addr, err := e.udpConn.ReadFromUDP(buf)
		if err != nil {
			if e.ctx.Err() != nil {
				return
			}
			e.log.Warn().Err(err).Msg("local udp read failed")
			continue
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		select {
		case e.inbox <- udpPacketMsg{addr: addr, payload: payload}:
		case <-e.ctx.Done():
			return
		}
	}
}

func (e *Engine) udpIdleLoop() {
	ticker := time.NewTicker(udpIdleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			select {
			case e.inbox <- udpIdleTickMsg{}:
			case <-e.ctx.Done():
				return
			}
		}
	}
}

// run is the engine's single consumer goroutine; every field below the
// "engine-goroutine-owned" comment in Engine is only ever touched here.
func (e *Engine) run() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case msg := <-e.inbox:
			switch m := msg.(type) {
			case udpPacketMsg:
				e.handleUDPPacket(m)
			case connectResultMsg:
				e.handleConnectResult(m)
			case inboundFrame:
				e.handleInboundFrame(m)
			case carrierClosedMsg:
				e.handleCarrierClosed(m)
			case livenessTimeoutMsg:
				if m.epoch == e.epoch.Load() && e.carrier != nil {
					_ = e.carrier.Close()
				}
			case udpIdleTickMsg:
				e.handleUDPIdleTick()
			}
		}
	}
}

func (e *Engine) handleConnectResult(m connectResultMsg) {
	if m.epoch != e.epoch.Load() {
		if m.carrier != nil {
			_ = m.carrier.Close()
		}
		return
	}
	e.isConnecting.Store(false)

	if m.err != nil {
		e.log.Warn().Err(m.err).Msg("connect attempt failed")
		e.events.Emit(Event{Type: EventError, Detail: m.err.Error()})
		e.enterBackoff(m.err)
		return
	}

	e.carrier = m.carrier
	e.setState(stateReady)
	e.retryCtl.Reset()
	e.events.Emit(Event{Type: EventReady})
	e.startLiveness(m.carrier, m.epoch)
	e.flushPendingNew()
}

func (e *Engine) startLiveness(c *Carrier, epoch uint64) {
	m := liveness.New(e.cfg.PingInterval, e.cfg.PingTimeout, liveness.MaxPingFailures,
		func() { _ = c.writePing() },
		func() {
			select {
			case e.inbox <- livenessTimeoutMsg{epoch: epoch}:
			case <-e.ctx.Done():
			}
		},
	)
	m.Start(e.ctx)
	e.liveness = m
}

// flushPendingNew sends a deferred "NEW" request for any sender that queued
// up while the carrier was not yet READY.
func (e *Engine) flushPendingNew() {
	for _, s := range e.pendingQueue {
		if !s.newSent {
			_ = e.carrier.writeText(wire.ControlNew)
			s.newSent = true
		}
	}
}

func (e *Engine) enterBackoff(err error) {
	e.carrier = nil
	e.resetPerConnectionState()
	e.setState(stateBackoff)
	e.events.Emit(Event{Type: EventBackingOff})

	if e.cfg.ExitOnFailure {
		e.log.Fatal().Err(err).Msg("carrier failed, exiting process per EXIT_ON_FAILURE")
		return
	}
	e.retryCtl.Schedule(e.ctx, func(context.Context) { e.beginConnect() })
}

func (e *Engine) handleCarrierClosed(m carrierClosedMsg) {
	if m.epoch != e.epoch.Load() {
		return
	}

	if e.idleClosing {
		e.idleClosing = false
		e.carrier = nil
		e.resetPerConnectionState()
		e.setState(stateInit)
		e.events.Emit(Event{Type: EventClosed, Detail: "idle"})
		return
	}

	e.enterBackoff(m.err)
}

func (e *Engine) handleUDPIdleTick() {
	last := e.lastUDPPacketMs.Load()
	if last == 0 || e.carrier == nil {
		return
	}
	if time.Since(time.UnixMilli(last)) <= e.cfg.UDPTimeout {
		return
	}
	e.log.Info().Msg("local udp inactivity timeout, closing carrier")
	e.idleClosing = true
	_ = e.carrier.Close()
}

func (e *Engine) handleUDPPacket(m udpPacketMsg) {
	e.lastUDPPacketMs.Store(time.Now().UnixMilli())

	if e.state() == stateInit {
		e.beginConnect()
	}

	if e.cfg.UseOldProtocol {
		e.handleOldProtocolPacket(m)
		return
	}

	key := m.addr.String()
	s, known := e.senders[key]
	if !known {
		s = &senderState{addr: m.addr}
		e.senders[key] = s

		if e.defaultSender == nil {
			e.defaultSender = s
			if e.firstGranted {
				e.bindSender(s, e.firstTunnelID)
			}
		} else {
			e.pendingQueue = append(e.pendingQueue, s)
			if e.state() == stateReady && e.carrier != nil {
				_ = e.carrier.writeText(wire.ControlNew)
				s.newSent = true
			}
		}
	}

	e.queueOrSend(s, m.payload)
}

// handleOldProtocolPacket implements the old protocol's single-route model:
// the most recent sender becomes the active reply target. The route itself
// is fixed by ROUTE at process start, so no reconnect cycle is needed to
// "switch" between senders the way the new protocol's per-tunnel ids do.
func (e *Engine) handleOldProtocolPacket(m udpPacketMsg) {
	key := m.addr.String()
	s, known := e.senders[key]
	if !known {
		s = &senderState{addr: m.addr, granted: true}
		e.senders[key] = s
	}
	e.defaultSender = s

	if e.state() == stateReady && e.carrier != nil {
		_ = e.carrier.writeBinary(m.payload)
	}
}

func (e *Engine) bindSender(s *senderState, id byte) {
	s.tunnelID = id
	s.granted = true
	e.tunnelToSender[id] = s

	key := s.addr.String()
	for _, frame := range e.pendingFrames[key] {
		frame[0] = id
		e.writeOrDrop(frame)
	}
	delete(e.pendingFrames, key)
}

// writeOrDrop applies the same drop-above-high-water-mark rule the server's
// write path uses: once the carrier's queued write bytes reach the high
// threshold, a UDP datagram is dropped rather than buffered, since there is
// no retry semantics to preserve for a UDP payload anyway.
func (e *Engine) writeOrDrop(frame []byte) {
	if e.carrier == nil {
		return
	}
	if e.carrier.aboveHighWaterMark() {
		if e.carrier.shouldWarnOnce() {
			e.log.Warn().Msg("write buffer above high water mark, dropping datagrams")
		}
		return
	}
	if err := e.carrier.writeBinary(frame); err != nil {
		e.log.Warn().Err(err).Msg("websocket write failed")
	}
}

// queueOrSend implements the new protocol's queue-while-not-ready rule: a
// frame for a granted sender is written immediately if READY, otherwise
// appended (with the reserved placeholder id if not yet granted) to the
// per-sender pending queue.
func (e *Engine) queueOrSend(s *senderState, payload []byte) {
	id := byte(wire.ReservedTunnelID)
	if s.granted {
		id = s.tunnelID
	}
	frame := wire.EncodeDataFrame(id, payload)

	if s.granted && e.state() == stateReady {
		e.writeOrDrop(frame)
		return
	}

	key := s.addr.String()
	e.pendingFrames[key] = append(e.pendingFrames[key], frame)
}

func (e *Engine) handleInboundFrame(f inboundFrame) {
	if f.epoch != e.epoch.Load() {
		return
	}
	switch f.kind {
	case framePong:
		if e.liveness != nil {
			e.liveness.Pong()
		}
	case frameBinary:
		e.handleBinaryFrame(f.data)
	case frameText:
		e.handleTextFrame(string(f.data))
	}
}

func (e *Engine) handleBinaryFrame(data []byte) {
	if e.cfg.UseOldProtocol {
		if e.defaultSender != nil {
			e.deliverToUDP(data, e.defaultSender.addr)
		}
		return
	}

	tunnelID, payload, err := wire.DecodeDataFrame(data)
	if err != nil || tunnelID == wire.ReservedTunnelID {
		e.log.Warn().Err(err).Msg("malformed or reserved-id binary frame, dropping")
		return
	}
	s, ok := e.tunnelToSender[tunnelID]
	if !ok {
		e.log.Debug().Uint8("tunnel_id", tunnelID).Msg("binary frame for unknown tunnel, dropping")
		return
	}
	e.deliverToUDP(payload, s.addr)
}

func (e *Engine) handleTextFrame(text string) {
	if id, ok := wire.ParseSocketID(text); ok {
		e.handleSocketGrant(id)
		return
	}
	if id, ok := wire.ParseCloseID(text); ok {
		e.handleCloseID(id)
		return
	}
	e.log.Warn().Str("text", text).Msg("unrecognized control frame, dropping")
}

func (e *Engine) handleSocketGrant(id byte) {
	if !e.firstGranted {
		e.firstGranted = true
		e.firstTunnelID = id
		if e.defaultSender != nil {
			e.bindSender(e.defaultSender, id)
		}
		e.events.Emit(Event{Type: EventTunnelGrant, TunnelID: id})
		return
	}

	if len(e.pendingQueue) == 0 {
		return
	}
	s := e.pendingQueue[0]
	e.pendingQueue = e.pendingQueue[1:]
	e.bindSender(s, id)
	e.events.Emit(Event{Type: EventTunnelGrant, TunnelID: id})
}

func (e *Engine) handleCloseID(id byte) {
	s, ok := e.tunnelToSender[id]
	if !ok {
		return
	}
	delete(e.tunnelToSender, id)
	delete(e.senders, s.addr.String())
	if e.defaultSender == s {
		e.defaultSender = nil
	}
	e.events.Emit(Event{Type: EventTunnelClosed, TunnelID: id})
}

func (e *Engine) deliverToUDP(payload []byte, addr *net.UDPAddr) {
	if _, err := e.udpConn.WriteToUDP(payload, addr); err != nil {
		e.log.Warn().Err(err).Msg("local udp write failed")
	}
}

// onFrame implements carrierUpcalls: hand the frame to the single engine
// goroutine via the inbox rather than processing it on the carrier's own
// read-loop goroutine.
func (e *Engine) onFrame(f inboundFrame) {
	select {
	case e.inbox <- f:
	case <-e.ctx.Done():
	}
}

// onClose implements carrierUpcalls.
func (e *Engine) onClose(epoch uint64, err error) {
	select {
	case e.inbox <- carrierClosedMsg{epoch: epoch, err: err}:
	case <-e.ctx.Done():
	}
}

var _ carrierUpcalls = (*Engine)(nil)
