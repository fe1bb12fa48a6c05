package transport

import (
	"net"
	"sync"
	"time"
)

// Datagram is one payload handed to Memory.Send.
type Datagram struct {
	Payload []byte
	Host    string
	Port    int
}

// Memory is an in-process transport for tests. Datagrams injected with
// Inject are returned by ReadPacket; datagrams passed to Send are delivered
// on Sent.
type Memory struct {
	timeout time.Duration
	inbox   chan []byte
	sent    chan Datagram

	mu      sync.Mutex
	open    bool
	opens   int
	openErr error
	sendErr error
}

// NewMemory returns an unopened in-memory transport whose reads time out
// after timeout (DefaultPollTimeout if zero).
func NewMemory(timeout time.Duration) *Memory {
	if timeout <= 0 {
		timeout = DefaultPollTimeout
	}
	return &Memory{
		timeout: timeout,
		inbox:   make(chan []byte, 4096),
		sent:    make(chan Datagram, 8192),
	}
}

// FailOpen makes the next Open calls return err.
func (m *Memory) FailOpen(err error) {
	m.mu.Lock()
	m.openErr = err
	m.mu.Unlock()
}

// FailSends makes every Send return err until called again with nil.
func (m *Memory) FailSends(err error) {
	m.mu.Lock()
	m.sendErr = err
	m.mu.Unlock()
}

// Opens returns how many times Open succeeded.
func (m *Memory) Opens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens
}

// IsOpen reports whether the transport is open.
func (m *Memory) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

// Inject queues a datagram for ReadPacket. The payload is copied.
func (m *Memory) Inject(p []byte) {
	m.inbox <- append([]byte(nil), p...)
}

// Sent delivers every datagram passed to a successful Send.
func (m *Memory) Sent() <-chan Datagram {
	return m.sent
}

func (m *Memory) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openErr != nil {
		return m.openErr
	}
	m.open = true
	m.opens++
	return nil
}

func (m *Memory) ReadPacket(buf []byte) (int, error) {
	if !m.IsOpen() {
		return 0, net.ErrClosed
	}
	timer := time.NewTimer(m.timeout)
	defer timer.Stop()
	select {
	case p := <-m.inbox:
		return copy(buf, p), nil
	case <-timer.C:
		return 0, nil
	}
}

func (m *Memory) Send(buf []byte, host string, port int) error {
	m.mu.Lock()
	open, sendErr := m.open, m.sendErr
	m.mu.Unlock()
	if !open {
		return ErrNotOpen
	}
	if sendErr != nil {
		return sendErr
	}
	m.sent <- Datagram{Payload: append([]byte(nil), buf...), Host: host, Port: port}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.open = false
	m.mu.Unlock()
	return nil
}
