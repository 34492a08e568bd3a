// Package wsconn provides the TCP-level tuning and TLS configuration shared
// by the client carrier and the server's upgrade path, plus write
// high/low-water-mark bookkeeping for a *websocket.Conn (gorilla/websocket
// has no built-in backpressure signal).
package wsconn

import (
	"crypto/tls"
	"net"
	"time"
)

// TuneTCPConn applies low-latency, high-throughput settings to the raw TCP
// connection underneath a WebSocket.
func TuneTCPConn(conn net.Conn) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tc.SetNoDelay(true)
	_ = tc.SetKeepAlive(true)
	_ = tc.SetKeepAlivePeriod(30 * time.Second)
}

// NewTLSConfig builds the tls.Config used when dialing a wss:// carrier:
// TLS 1.2/1.3 only, endpoint identification via ServerName, grounded on the
// teacher's CertManager.TLSConfig (internal/tls/manager.go).
func NewTLSConfig(serverName string) *tls.Config {
	return &tls.Config{
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
		MaxVersion: tls.VersionTLS13,
	}
}
