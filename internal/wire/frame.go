package wire

import (
	"fmt"
	"strconv"
	"strings"
)

// MaxUDPPayload is the largest UDP payload this protocol forwards
// (the theoretical max UDP datagram size minus IP/UDP headers).
const MaxUDPPayload = 65507

// EncodeDataFrame builds a new-protocol binary WebSocket frame: the tunnel
// id in byte 0 followed by the raw UDP payload.
func EncodeDataFrame(tunnelID byte, payload []byte) []byte {
	frame := make([]byte, 1+len(payload))
	frame[0] = tunnelID
	copy(frame[1:], payload)
	return frame
}

// DecodeDataFrame splits a new-protocol binary frame into its tunnel id and
// payload. Returns an error if the frame is empty.
func DecodeDataFrame(frame []byte) (tunnelID byte, payload []byte, err error) {
	if len(frame) < 1 {
		return 0, nil, fmt.Errorf("wire: empty binary frame")
	}
	return frame[0], frame[1:], nil
}

// FormatSocketID renders the server→client tunnel grant control frame.
func FormatSocketID(id byte) string {
	return controlSocketIDPrefix + strconv.Itoa(int(id))
}

// FormatCloseID renders the server→client tunnel eviction control frame.
func FormatCloseID(id byte) string {
	return controlCloseIDPrefix + strconv.Itoa(int(id))
}

// ParseSocketID extracts the granted tunnel id from a "SOCKET ID: n" control
// frame. ok is false if text does not match that shape.
func ParseSocketID(text string) (id byte, ok bool) {
	return parsePrefixedID(text, controlSocketIDPrefix)
}

// ParseCloseID extracts the evicted tunnel id from a "CLOSE ID: n" control
// frame. ok is false if text does not match that shape.
func ParseCloseID(text string) (id byte, ok bool) {
	return parsePrefixedID(text, controlCloseIDPrefix)
}

func parsePrefixedID(text, prefix string) (byte, bool) {
	if !strings.HasPrefix(text, prefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(text[len(prefix):]))
	if err != nil || n < 1 || n > MaxTunnelID {
		return 0, false
	}
	return byte(n), true
}
