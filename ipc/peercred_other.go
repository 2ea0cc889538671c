//go:build !linux

package ipc

import (
	"errors"
	"net"
)

// peerUID is unsupported here, so state-changing commands are refused.
func peerUID(net.Conn) (uint32, error) {
	return 0, errors.New("peer credentials not supported on this platform")
}
