package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/hyperxpro/StreamSockets/internal/config"
	"github.com/hyperxpro/StreamSockets/internal/wire"
	"github.com/hyperxpro/StreamSockets/internal/wsconn"
)

const (
	handshakeTimeout   = 10 * time.Second
	oldProtocolTimeout = 10 * time.Second
	writeHighWaterMark = 1 << 20 // 1 MiB
	writeLowWaterMark  = 512 << 10
)

// frameKind tells the engine how to interpret an inboundFrame's data.
type frameKind int

const (
	frameBinary frameKind = iota
	frameText
	framePong
)

// inboundFrame is a demultiplexed WebSocket event, tagged with the epoch of
// the carrier that produced it so a stale carrier's events are a no-op once
// a newer connection attempt has started.
type inboundFrame struct {
	epoch uint64
	kind  frameKind
	data  []byte
}

// carrierUpcalls is the small interface the Carrier uses to hand inbound
// events back to its owner, breaking the cyclic reference between the
// engine and the carrier it drives.
type carrierUpcalls interface {
	onFrame(f inboundFrame)
	onClose(epoch uint64, err error)
}

// Carrier is the Client WebSocket Carrier (C6): one outbound WebSocket
// connection, its TLS/header setup, and the read loop that demultiplexes
// inbound frames back to the owning engine.
type Carrier struct {
	log   zerolog.Logger
	epoch uint64
	owner carrierUpcalls

	conn *websocket.Conn
	wm   *wsconn.WaterMark

	writeMu sync.Mutex
}

// dialCarrier establishes one WebSocket connection for the given epoch. For
// the old protocol it also performs the JSON connect handshake and only
// returns once the server has confirmed success.
func dialCarrier(ctx context.Context, cfg *config.ClientConfig, epoch uint64, owner carrierUpcalls, log zerolog.Logger) (*Carrier, error) {
	u, err := url.Parse(cfg.WebSocketURI)
	if err != nil {
		return nil, &CarrierError{Reason: "parse WEBSOCKET_URI", Err: err}
	}

	header := http.Header{}
	header.Set(wire.HeaderAuthType, wire.AuthTypeToken)
	header.Set(wire.HeaderAuthToken, cfg.AuthToken)
	if cfg.UseOldProtocol {
		header.Set(wire.HeaderAuthRoute, cfg.Route)
	} else {
		host, port, err := splitRoute(cfg.Route)
		if err != nil {
			return nil, &CarrierError{Reason: "parse ROUTE", Err: err}
		}
		header.Set(wire.HeaderRouteAddress, host)
		header.Set(wire.HeaderRoutePort, strconv.Itoa(port))
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		NetDialContext:   (&net.Dialer{Timeout: handshakeTimeout}).DialContext,
	}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = wsconn.NewTLSConfig(u.Hostname())
	}

	conn, resp, err := dialer.DialContext(ctx, cfg.WebSocketURI, header)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
				return nil, &AuthError{StatusCode: resp.StatusCode, Message: err.Error()}
			}
		}
		return nil, &CarrierError{Reason: "dial websocket", Err: err}
	}

	wsconn.TuneTCPConn(conn.UnderlyingConn())

	c := &Carrier{
		log:   log,
		epoch: epoch,
		owner: owner,
		conn:  conn,
		wm:    wsconn.NewWaterMark(writeHighWaterMark, writeLowWaterMark),
	}
	conn.SetPongHandler(func(string) error {
		c.owner.onFrame(inboundFrame{epoch: epoch, kind: framePong})
		return nil
	})

	if cfg.UseOldProtocol {
		if err := c.completeOldProtocolHandshake(cfg.Route); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}

	go c.readLoop()
	return c, nil
}

func (c *Carrier) completeOldProtocolHandshake(route string) error {
	host, port, err := splitRoute(route)
	if err != nil {
		return &CarrierError{Reason: "parse ROUTE", Err: err}
	}

	req, err := json.Marshal(wire.ConnectRequest{Address: host, Port: port})
	if err != nil {
		return &CarrierError{Reason: "marshal connect request", Err: err}
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, req); err != nil {
		return &CarrierError{Reason: "write connect request", Err: err}
	}

	_ = c.conn.SetReadDeadline(time.Now().Add(oldProtocolTimeout))
	defer c.conn.SetReadDeadline(time.Time{})

	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return &CarrierError{Reason: "read connect response", Err: err}
	}

	var resp wire.ConnectResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return &CarrierError{Reason: "unmarshal connect response", Err: err}
	}
	if !resp.Success {
		return &AuthError{StatusCode: http.StatusUnauthorized, Message: resp.Message}
	}
	return nil
}

func (c *Carrier) readLoop() {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			c.owner.onClose(c.epoch, &CarrierError{Reason: "read websocket", Err: err})
			return
		}
		switch messageType {
		case websocket.BinaryMessage:
			c.owner.onFrame(inboundFrame{epoch: c.epoch, kind: frameBinary, data: data})
		case websocket.TextMessage:
			c.owner.onFrame(inboundFrame{epoch: c.epoch, kind: frameText, data: data})
		}
	}
}

// writeBinary sends a binary frame, tracking it against the write
// high/low-water marks.
func (c *Carrier) writeBinary(data []byte) error {
	c.wm.Add(len(data))
	defer c.wm.Sub(len(data))

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

// writeText sends a text control frame (the "NEW" request).
func (c *Carrier) writeText(s string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, []byte(s))
}

// writePing sends a ping control frame; the server echoes it as a pong.
func (c *Carrier) writePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, []byte(wire.PingPayload), time.Now().Add(5*time.Second))
}

// aboveHighWaterMark reports whether queued write bytes warrant dropping the
// next UDP-sourced datagram rather than buffering it.
func (c *Carrier) aboveHighWaterMark() bool {
	return c.wm.AboveHigh()
}

// shouldWarnOnce reports whether the caller should log a single backpressure
// warning for the current episode; see wsconn.WaterMark.ShouldWarnOnce.
func (c *Carrier) shouldWarnOnce() bool {
	return c.wm.ShouldWarnOnce()
}

func (c *Carrier) Close() error {
	return c.conn.Close()
}

func splitRoute(route string) (host string, port int, err error) {
	h, p, err := net.SplitHostPort(route)
	if err != nil {
		return "", 0, fmt.Errorf("invalid route %q: %w", route, err)
	}
	port, err = strconv.Atoi(p)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port in route %q: %w", route, err)
	}
	return h, port, nil
}
