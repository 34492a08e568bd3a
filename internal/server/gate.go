package server

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/hyperxpro/StreamSockets/internal/accounts"
	"github.com/hyperxpro/StreamSockets/internal/config"
	"github.com/hyperxpro/StreamSockets/internal/metrics"
	"github.com/hyperxpro/StreamSockets/internal/wire"
	"github.com/hyperxpro/StreamSockets/internal/wsconn"
)

const handshakeTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	HandshakeTimeout: handshakeTimeout,
	ReadBufferSize:   32 * 1024,
	WriteBufferSize:  32 * 1024,
}

// Gate is the Server Admission Gate (C7): it parses the upgrade request,
// authenticates and leases the account via the accounts.Store, and hands an
// admitted connection off to a Conn. It implements http.Handler so it can be
// mounted directly on the configured WebSocket path.
type Gate struct {
	cfg      *config.ServerConfig
	accounts *accounts.Store
	log      zerolog.Logger
	limiter  *acceptRateLimiter
}

// NewGate creates a Gate serving upgrades against store.
func NewGate(cfg *config.ServerConfig, store *accounts.Store, log zerolog.Logger) *Gate {
	limiter := newAcceptRateLimiter(0, 0)
	g := &Gate{
		cfg:      cfg,
		accounts: store,
		log:      log.With().Str("component", "admission-gate").Logger(),
		limiter:  limiter,
	}
	go limiter.runCleanupLoop(limiter.stop)
	return g
}

// Close stops the gate's background rate-limiter sweep. It does not close
// connections already admitted; those shut down with the server's Conns.
func (g *Gate) Close() {
	g.limiter.Close()
}

func (g *Gate) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.cfg.HTTPMaxContentLength > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, g.cfg.HTTPMaxContentLength)
	}

	clientIP := g.extractClientIP(r)

	if !g.limiter.Allow(clientIP) {
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	if !strings.EqualFold(r.Header.Get(wire.HeaderAuthType), wire.AuthTypeToken) {
		http.Error(w, "Invalid authentication type", http.StatusBadRequest)
		return
	}

	token := r.Header.Get(wire.HeaderAuthToken)
	route, oldProto := g.resolveRoute(r)

	ip, err := parseClientIP(clientIP)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	account := g.accounts.Authenticate(token, route, ip)
	if account == nil {
		g.log.Debug().Str("client_ip", clientIP).Str("route", route).Msg("authentication failed")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if !g.accounts.Lease(account) {
		http.Error(w, "Failed to lease account", http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.accounts.Release(account)
		return
	}

	g.limiter.Trust(clientIP)
	wsconn.TuneTCPConn(conn.UnderlyingConn())

	metrics.TotalConnections.WithLabelValues(account.Name).Inc()
	metrics.ActiveConnections.WithLabelValues(account.Name).Inc()
	metrics.ConnectionStatus.WithLabelValues(account.Name).Set(1)

	c := newConn(conn, account, route, oldProto, clientIP, g.cfg, g.accounts, g.log)
	startedAt := c.startedAt

	go func() {
		c.run()
		g.limiter.Untrust(clientIP)
		metrics.ActiveConnections.WithLabelValues(account.Name).Dec()
		metrics.ConnectionStatus.WithLabelValues(account.Name).Set(0)
		metrics.ConnectionDuration.WithLabelValues(account.Name).Observe(time.Since(startedAt).Seconds())
	}()
}

// resolveRoute implements the protocol-detection rule: both route headers
// present means the new protocol, otherwise fall back to the old
// single-header route.
func (g *Gate) resolveRoute(r *http.Request) (route string, oldProtocol bool) {
	address := r.Header.Get(wire.HeaderRouteAddress)
	port := r.Header.Get(wire.HeaderRoutePort)
	if address != "" && port != "" {
		return net.JoinHostPort(address, port), false
	}
	return r.Header.Get(wire.HeaderAuthRoute), true
}

func (g *Gate) extractClientIP(r *http.Request) string {
	if g.cfg.ClientIPHeader != "" {
		if v := r.Header.Get(g.cfg.ClientIPHeader); v != "" {
			return firstForwardedIP(v)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func firstForwardedIP(v string) string {
	if i := strings.IndexByte(v, ','); i >= 0 {
		v = v[:i]
	}
	return strings.TrimSpace(v)
}

func parseClientIP(s string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, err
	}
	return addr, nil
}
