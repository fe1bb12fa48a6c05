package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/mojo333/udp-repeater/internal/logger"
)

// socket holds the read/send/close behaviour shared by the multicast and
// unicast variants. Only Open differs between them.
type socket struct {
	mu      sync.Mutex
	conn    *net.UDPConn
	rcvbuf  []byte
	timeout time.Duration
	log     *logger.Logger
}

func newSocket(timeout time.Duration, log *logger.Logger) *socket {
	if timeout <= 0 {
		timeout = DefaultPollTimeout
	}
	if log == nil {
		log = logger.Discard()
	}
	return &socket{
		rcvbuf:  make([]byte, MaxDatagram),
		timeout: timeout,
		log:     log,
	}
}

func (s *socket) setConn(conn *net.UDPConn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

func (s *socket) current() *net.UDPConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// LocalAddr returns the bound address, or nil before Open.
func (s *socket) LocalAddr() *net.UDPAddr {
	conn := s.current()
	if conn == nil {
		return nil
	}
	return conn.LocalAddr().(*net.UDPAddr)
}

// ReadPacket implements Transport. It must only be called from one
// goroutine at a time.
func (s *socket) ReadPacket(buf []byte) (int, error) {
	conn := s.current()
	if conn == nil {
		return 0, ErrNotOpen
	}

	// Restore the full length before every read. Reading into the slice
	// left over from the previous datagram would cap every later read at
	// that datagram's size.
	s.rcvbuf = s.rcvbuf[:cap(s.rcvbuf)]

	if err := conn.SetReadDeadline(time.Now().Add(s.timeout)); err != nil {
		return 0, err
	}
	n, _, err := conn.ReadFromUDP(s.rcvbuf)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return 0, nil
		}
		return 0, err
	}
	s.rcvbuf = s.rcvbuf[:n]
	return copy(buf, s.rcvbuf), nil
}

// Send implements Transport.
func (s *socket) Send(buf []byte, host string, port int) error {
	conn := s.current()
	if conn == nil {
		return ErrNotOpen
	}
	addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("resolve %s:%d: %w", host, port, err)
	}
	if _, err := conn.WriteToUDP(buf, addr); err != nil {
		return err
	}
	return nil
}

// Close implements Transport.
func (s *socket) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
