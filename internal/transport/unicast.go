package transport

import (
	"fmt"
	"net"
	"time"

	"github.com/mojo333/udp-repeater/internal/logger"
)

// UnicastConfig describes a plain datagram socket.
type UnicastConfig struct {
	// Port to bind; 0 picks an ephemeral port.
	Port int

	RecvBuffer  int
	SendBuffer  int
	PollTimeout time.Duration
	Logger      *logger.Logger
}

// Unicast is a plain IPv4 datagram socket used as the relay output.
type Unicast struct {
	*socket
	cfg UnicastConfig
}

// NewUnicast returns an unopened unicast transport.
func NewUnicast(cfg UnicastConfig) *Unicast {
	if cfg.RecvBuffer <= 0 {
		cfg.RecvBuffer = DefaultRecvBuffer
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultSendBuffer
	}
	return &Unicast{
		socket: newSocket(cfg.PollTimeout, cfg.Logger),
		cfg:    cfg,
	}
}

// Open implements Transport.
func (u *Unicast) Open() error {
	if u.cfg.Port < 0 || u.cfg.Port > 65535 {
		return fmt.Errorf("unicast open: UDP port %d out of range", u.cfg.Port)
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: u.cfg.Port})
	if err != nil {
		return fmt.Errorf("unicast open: bind port %d: %w", u.cfg.Port, err)
	}
	growBuffers(conn, u.cfg.RecvBuffer, u.cfg.SendBuffer, u.log)
	u.setConn(conn)
	return nil
}
