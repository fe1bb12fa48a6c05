package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/mojo333/udp-repeater/internal/logger"
	"github.com/mojo333/udp-repeater/internal/netifaces"

	"golang.org/x/net/ipv4"
)

// MulticastConfig describes the group a Multicast transport listens to.
type MulticastConfig struct {
	Group string
	Port  int

	// Interfaces restricts the group join to these interface names or
	// IPv4 addresses. Empty means every up, multicast-capable interface.
	Interfaces []string

	RecvBuffer  int
	SendBuffer  int
	PollTimeout time.Duration
	Logger      *logger.Logger
}

var errNoInterface = errors.New("no usable interface")

// IsMulticastGroup reports whether addr is an IPv4 address in 224.0.0.0/4.
// Anything else, IPv6 groups included, is received as unicast.
func IsMulticastGroup(addr string) bool {
	ip := net.ParseIP(addr).To4()
	return ip != nil && ip.IsMulticast()
}

// Multicast receives datagrams sent to a multicast group. It binds the
// wildcard address, so unicast datagrams to the same port are received too.
type Multicast struct {
	*socket
	cfg    MulticastConfig
	joined []string
}

// NewMulticast returns an unopened multicast transport.
func NewMulticast(cfg MulticastConfig) *Multicast {
	if cfg.RecvBuffer <= 0 {
		cfg.RecvBuffer = DefaultRecvBuffer
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultSendBuffer
	}
	return &Multicast{
		socket: newSocket(cfg.PollTimeout, cfg.Logger),
		cfg:    cfg,
	}
}

// Joined returns the names of the interfaces the group was joined on.
func (m *Multicast) Joined() []string {
	return append([]string(nil), m.joined...)
}

// Open implements Transport.
func (m *Multicast) Open() error {
	group := net.ParseIP(m.cfg.Group).To4()
	if group == nil {
		return fmt.Errorf("multicast open: %q is not an IPv4 address", m.cfg.Group)
	}
	if m.cfg.Port < 0 || m.cfg.Port > 65535 {
		return fmt.Errorf("multicast open: UDP port %d out of range", m.cfg.Port)
	}

	listenConfig := net.ListenConfig{Control: reuseAddr}
	pc, err := listenConfig.ListenPacket(context.Background(), "udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(m.cfg.Port)))
	if err != nil {
		return fmt.Errorf("multicast open: listen on port %d: %w", m.cfg.Port, err)
	}
	conn := pc.(*net.UDPConn)

	growBuffers(conn, m.cfg.RecvBuffer, m.cfg.SendBuffer, m.log)

	packetConn := ipv4.NewPacketConn(conn)
	if err := packetConn.SetMulticastTTL(MaxTTL); err != nil {
		m.log.Info("SetMulticastTTL(%d) failed: %s", MaxTTL, err)
	}

	if IsMulticastGroup(m.cfg.Group) {
		if err := m.join(packetConn, group); err != nil {
			conn.Close()
			return err
		}
	} else {
		m.log.Info("%s is not a multicast address, receiving unicast on port %d", group, m.cfg.Port)
	}

	m.setConn(conn)
	return nil
}

// join adds the group membership on every candidate interface. A failure on
// one interface is logged; failing on all of them is an error.
func (m *Multicast) join(packetConn *ipv4.PacketConn, group net.IP) error {
	candidates, err := m.candidates()
	if err != nil {
		return fmt.Errorf("multicast open: %w", err)
	}

	m.joined = m.joined[:0]
	var lastErr error
	for _, info := range candidates {
		iface := info.Interface
		if err := packetConn.JoinGroup(&iface, &net.UDPAddr{IP: group}); err != nil {
			lastErr = err
			m.log.Info("Cannot join %s on %s: %s", group, iface.Name, err)
			continue
		}
		m.joined = append(m.joined, iface.Name)
		m.log.Info("Joined %s on %s", group, iface.Name)
	}

	if len(m.joined) == 0 && len(m.cfg.Interfaces) == 0 {
		// let the kernel pick the interface
		err := packetConn.JoinGroup(nil, &net.UDPAddr{IP: group})
		if err == nil {
			m.joined = append(m.joined, "default")
			return nil
		}
		lastErr = err
	}
	if len(m.joined) == 0 {
		if lastErr == nil {
			lastErr = errNoInterface
		}
		return fmt.Errorf("multicast open: cannot join group %s on any interface: %w", group, lastErr)
	}
	return nil
}

func (m *Multicast) candidates() ([]netifaces.InterfaceInfo, error) {
	if len(m.cfg.Interfaces) == 0 {
		return netifaces.MulticastCapable()
	}
	var result []netifaces.InterfaceInfo
	for _, name := range m.cfg.Interfaces {
		info, err := netifaces.Resolve(name)
		if err != nil {
			m.log.Warning("Skipping interface %s: %s", name, err)
			continue
		}
		result = append(result, *info)
	}
	return result, nil
}
