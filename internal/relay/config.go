package relay

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

const (
	// SequenceLen is the width of the decimal sequence trailer.
	SequenceLen = 10

	// MaxPayload is the largest UDP payload an IPv4 datagram can carry.
	MaxPayload = 65507

	// MaxRate is the highest generation rate whose send period is still at
	// least one microsecond.
	MaxRate = 1_000_000
)

// ErrNotIdle is returned by Configure while a run is active.
var ErrNotIdle = errors.New("relay: engine is not idle")

// ConfigError reports a parameter rejected before a run starts.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// OpenError reports a socket that could not be bound or joined. The run did
// not start.
type OpenError struct {
	// Side is "input" or "output".
	Side string
	Addr string
	Err  error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("opening %s %s: %v", e.Side, e.Addr, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

// Config is everything one run needs. It is copied when a run starts, so
// later Configure calls never affect a run in progress.
type Config struct {
	InputAddress string
	InputPort    int

	// Interfaces restricts the multicast join to these interface names or
	// IPv4 addresses. Empty joins on every multicast-capable interface.
	Interfaces []string

	OutputAddress string
	OutputPort    int

	AddSequenceCounter bool
	CaptureOnly        bool

	// TotalPackets ends the run once that many packets were delivered.
	// Zero means unlimited.
	TotalPackets int

	// Generation defaults. StartGenerating takes its own values.
	PayloadLength int
	Rate          int
}

// Validate checks addresses, ports and ranges. Generation parameters are
// only range-checked here; StartGenerating applies the full rules.
func (c Config) Validate() error {
	if ip := net.ParseIP(c.InputAddress); ip == nil || ip.To4() == nil {
		return &ConfigError{"input address", fmt.Sprintf("%q is not an IPv4 address", c.InputAddress)}
	}
	if err := checkPort("input port", c.InputPort); err != nil {
		return err
	}
	for _, iface := range c.Interfaces {
		if strings.TrimSpace(iface) == "" {
			return &ConfigError{"interfaces", "empty interface name"}
		}
	}
	if c.OutputAddress == "" || strings.ContainsAny(c.OutputAddress, " \t\r\n") {
		return &ConfigError{"output address", fmt.Sprintf("%q is not a host name or address", c.OutputAddress)}
	}
	if err := checkPort("output port", c.OutputPort); err != nil {
		return err
	}
	if c.TotalPackets < 0 {
		return &ConfigError{"total packets", "must not be negative"}
	}
	if c.PayloadLength < 0 || c.PayloadLength > MaxPayload {
		return &ConfigError{"payload length", fmt.Sprintf("%d outside 0..%d", c.PayloadLength, MaxPayload)}
	}
	if c.Rate < 0 || c.Rate > MaxRate {
		return &ConfigError{"rate", fmt.Sprintf("%d outside 0..%d", c.Rate, MaxRate)}
	}
	return nil
}

func checkPort(field string, port int) error {
	if port < 1 || port > 65535 {
		return &ConfigError{field, fmt.Sprintf("%d outside 1..65535", port)}
	}
	return nil
}

func validateGenerate(payloadLen, rate, totalPackets int, tagging bool) error {
	if payloadLen < 1 || payloadLen > MaxPayload {
		return &ConfigError{"payload length", fmt.Sprintf("%d outside 1..%d", payloadLen, MaxPayload)}
	}
	if tagging && payloadLen < SequenceLen {
		return &ConfigError{"payload length", fmt.Sprintf("%d is shorter than the %d-byte sequence counter", payloadLen, SequenceLen)}
	}
	if rate <= 0 || rate > MaxRate {
		return &ConfigError{"rate", fmt.Sprintf("%d outside 1..%d", rate, MaxRate)}
	}
	if totalPackets < 0 {
		return &ConfigError{"total packets", "must not be negative"}
	}
	return nil
}

// Mode is what the last run did.
type Mode int32

const (
	ModeRelay Mode = iota
	ModeGenerate
)

func (m Mode) String() string {
	switch m {
	case ModeRelay:
		return "relay"
	case ModeGenerate:
		return "generate"
	default:
		return fmt.Sprintf("mode(%d)", int32(m))
	}
}

func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// RunState is the engine lifecycle: Idle, then Running once a run starts,
// Stopping while it winds down, and Idle again once its sockets are closed.
type RunState int32

const (
	StateIdle RunState = iota
	StateRunning
	StateStopping
)

func (s RunState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

func (s RunState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }
