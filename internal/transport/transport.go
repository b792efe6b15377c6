// Package transport provides the shared datagram channel peers talk over:
// a UDP multicast socket for real networks and an in-memory hub for tests.
package transport

import (
	"context"
	"errors"
	"net"
)

var ErrClosed = errors.New("transport: socket closed")

// Datagram is one received packet and the address it came from.
type Datagram struct {
	Data []byte
	From *net.UDPAddr
}

// Socket is an unreliable, connectionless channel joined to one group.
// Broadcast reaches every member of the group, the sender included.
type Socket interface {
	Broadcast(ctx context.Context, data []byte) error
	SendTo(ctx context.Context, data []byte, addr *net.UDPAddr) error
	Receive(ctx context.Context) (Datagram, error)
	LocalAddr() *net.UDPAddr
	Close() error
}
