// Package e2e exercises the client and server packages together over real
// loopback sockets: an in-order echo round trip, an unauthorized token, and
// reuse=false lease exclusion across two connections.
package e2e

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperxpro/StreamSockets/internal/accounts"
	"github.com/hyperxpro/StreamSockets/internal/client"
	"github.com/hyperxpro/StreamSockets/internal/config"
	"github.com/hyperxpro/StreamSockets/internal/server"
)

// startEchoUDP starts a UDP server that writes back whatever it receives,
// standing in for the backend application being tunneled to.
func startEchoUDP(t *testing.T) string {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	go func() {
		buf := make([]byte, 2048)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			payload := make([]byte, n)
			copy(payload, buf[:n])
			_, _ = conn.WriteToUDP(payload, addr)
		}
	}()
	return conn.LocalAddr().String()
}

func writeAccountsYAML(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "accounts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func startTestServer(t *testing.T, accountsYAML string) (*httptest.Server, *config.ServerConfig, *accounts.Store) {
	t.Helper()
	log := zerolog.Nop()

	path := writeAccountsYAML(t, accountsYAML)
	store, err := accounts.Load(path, log)
	require.NoError(t, err)
	t.Cleanup(store.Stop)

	cfg := &config.ServerConfig{
		WSPath:                 "/tunnel",
		MaxUDPTunnelsPerClient: 10,
		UDPTunnelTimeout:       5 * time.Minute,
	}

	gate := server.NewGate(cfg, store, log)
	mux := http.NewServeMux()
	mux.Handle(cfg.WSPath, gate)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return ts, cfg, store
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func newTestClientConfig(wsURI, token, route string) *config.ClientConfig {
	return &config.ClientConfig{
		BindAddress:       "127.0.0.1",
		BindPort:          0,
		WebSocketURI:      wsURI,
		AuthToken:         token,
		Route:             route,
		UseOldProtocol:    false,
		PingInterval:      2 * time.Second,
		PingTimeout:       5 * time.Second,
		RetryInitialDelay: 200 * time.Millisecond,
		RetryMaxDelay:     time.Second,
		UDPTimeout:        time.Minute,
	}
}

func TestRoundTripEchoInOrder(t *testing.T) {
	echoAddr := startEchoUDP(t)
	ts, _, _ := startTestServer(t, fmt.Sprintf(`
accounts:
  - name: user1
    token: 'tok-1'
    reuse: true
    routes: ['%s']
    allowedIps: ['0.0.0.0/0']
`, echoAddr))

	cfg := newTestClientConfig(wsURL(ts, "/tunnel"), "tok-1", echoAddr)
	eng := client.NewEngine(cfg, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, eng.Start(ctx))
	defer eng.Close()

	require.Eventually(t, eng.Ready, 2*time.Second, 10*time.Millisecond, "engine never reached READY")

	sender, err := net.DialUDP("udp", nil, eng.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer sender.Close()

	buf := make([]byte, 2048)
	for i := 0; i < 20; i++ {
		payload := fmt.Sprintf("Hello-%d", i)
		_, err := sender.Write([]byte(payload))
		require.NoError(t, err)

		require.NoError(t, sender.SetReadDeadline(time.Now().Add(2*time.Second)))
		n, err := sender.Read(buf)
		require.NoError(t, err)
		assert.Equal(t, payload, string(buf[:n]))
	}
}

func TestUnauthorizedTokenBacksOff(t *testing.T) {
	echoAddr := startEchoUDP(t)
	ts, _, _ := startTestServer(t, fmt.Sprintf(`
accounts:
  - name: user1
    token: 'correct-token'
    reuse: true
    routes: ['%s']
    allowedIps: ['0.0.0.0/0']
`, echoAddr))

	cfg := newTestClientConfig(wsURL(ts, "/tunnel"), "wrong-token", echoAddr)
	eng := client.NewEngine(cfg, zerolog.Nop())

	events := make(chan client.Event, 16)
	eng.Events().Subscribe(func(e client.Event) { events <- e })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, eng.Start(ctx))
	defer eng.Close()

	var sawBackoff bool
	deadline := time.After(2 * time.Second)
	for !sawBackoff {
		select {
		case e := <-events:
			if e.Type == client.EventBackingOff {
				sawBackoff = true
			}
		case <-deadline:
			t.Fatal("client never backed off after unauthorized token")
		}
	}
	assert.False(t, eng.Ready())
}

func TestReuseFalseSecondConnectionRejected(t *testing.T) {
	echoAddr := startEchoUDP(t)
	ts, _, _ := startTestServer(t, fmt.Sprintf(`
accounts:
  - name: user1
    token: 'shared-token'
    reuse: false
    routes: ['%s']
    allowedIps: ['0.0.0.0/0']
`, echoAddr))

	cfg1 := newTestClientConfig(wsURL(ts, "/tunnel"), "shared-token", echoAddr)
	eng1 := client.NewEngine(cfg1, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, eng1.Start(ctx))
	defer eng1.Close()
	require.Eventually(t, eng1.Ready, 2*time.Second, 10*time.Millisecond, "first client never reached READY")

	cfg2 := newTestClientConfig(wsURL(ts, "/tunnel"), "shared-token", echoAddr)
	eng2 := client.NewEngine(cfg2, zerolog.Nop())

	events := make(chan client.Event, 16)
	eng2.Events().Subscribe(func(e client.Event) { events <- e })
	require.NoError(t, eng2.Start(ctx))
	defer eng2.Close()

	var sawBackoff bool
	deadline := time.After(2 * time.Second)
	for !sawBackoff {
		select {
		case e := <-events:
			if e.Type == client.EventBackingOff {
				sawBackoff = true
			}
		case <-deadline:
			t.Fatal("second client with reuse=false was not rejected")
		}
	}
	assert.True(t, eng1.Ready(), "first client's lease should remain valid")
}
