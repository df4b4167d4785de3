//go:build !linux && !darwin

package ipc

import "net"

// GetPeerCredentials is not available on this platform.
func GetPeerCredentials(net.Conn) (*PeerCredentials, error) {
	return nil, ErrPeerCredUnsupported
}
