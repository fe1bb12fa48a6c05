// Package transport provides the datagram sockets the relay engine reads
// from and writes to: a multicast receiver, a unicast sender/receiver and an
// in-memory variant for tests.
package transport

import (
	"errors"
	"time"
)

const (
	// MaxDatagram is the largest datagram a read can return.
	MaxDatagram = 65536

	// DefaultPollTimeout bounds every ReadPacket call so the caller can
	// observe its stop flag.
	DefaultPollTimeout = 100 * time.Millisecond

	// DefaultRecvBuffer and DefaultSendBuffer are the minimum kernel buffer
	// sizes requested on open. Smaller grants are accepted silently.
	DefaultRecvBuffer = 20 * 1024 * 1024
	DefaultSendBuffer = 5 * 1024 * 1024

	// MaxTTL keeps multicast traffic alive across routed networks.
	MaxTTL = 255
)

// ErrNotOpen is returned by reads and sends on a transport that has not been
// opened or has already been closed.
var ErrNotOpen = errors.New("transport: not open")

// Transport is a datagram socket that can be opened, read with a bounded
// wait, written to an arbitrary host:port and closed.
type Transport interface {
	// Open binds the socket. The error message is meant for humans.
	Open() error

	// ReadPacket copies the next datagram into buf and returns its length.
	// It returns 0 and a nil error when the poll timeout elapses first.
	ReadPacket(buf []byte) (int, error)

	// Send writes buf as one datagram to host:port, resolving host on
	// every call.
	Send(buf []byte, host string, port int) error

	// Close releases the socket. Closing twice is harmless.
	Close() error
}
