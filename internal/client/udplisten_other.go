//go:build !linux

package client

import (
	"context"
	"net"
)

// listenUDPReusePort binds a plain UDP socket (SO_REUSEPORT not available on this platform).
func listenUDPReusePort(_ context.Context, addr string) (*net.UDPConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	return net.ListenUDP("udp", udpAddr)
}
