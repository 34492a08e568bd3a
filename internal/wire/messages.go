// Package wire implements the StreamSockets WebSocket wire protocol: header
// names, binary frame layout, and the text/JSON control messages for both
// the new (tunnel-multiplexing) and old (single-route) protocol generations.
package wire

// HTTP upgrade request headers.
const (
	HeaderAuthType     = "X-Auth-Type"
	HeaderAuthToken    = "X-Auth-Token"
	HeaderRouteAddress = "X-Route-Address"
	HeaderRoutePort    = "X-Route-Port"
	HeaderAuthRoute    = "X-Auth-Route"

	AuthTypeToken = "Token"
)

// ReservedTunnelID is never assigned to a real tunnel; the client uses it as
// a placeholder in queued frames before the server grants an id.
const ReservedTunnelID = 0

// MaxTunnelID is the largest tunnel id the single-byte wire format can carry.
const MaxTunnelID = 255

// New-protocol text control frames.
const (
	ControlNew = "NEW"

	controlSocketIDPrefix = "SOCKET ID: "
	controlCloseIDPrefix  = "CLOSE ID: "
)

// PingPayload is the opaque payload carried on WebSocket ping control frames.
const PingPayload = "PING"

// ConnectRequest is the old-protocol client→server JSON handshake: the
// single route this connection should bridge to.
type ConnectRequest struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
}

// ConnectResponse is the old-protocol server→client JSON handshake reply.
type ConnectResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}
