// Package netifaces enumerates the IPv4 interfaces a multicast group can be
// joined on.
package netifaces

import (
	"fmt"
	"net"
)

// InterfaceInfo holds the network information for a single interface.
type InterfaceInfo struct {
	Interface net.Interface
	IP        net.IP
	Netmask   net.IPMask
}

// Name returns the OS interface name.
func (i InterfaceInfo) Name() string { return i.Interface.Name }

// Up reports whether the interface is administratively up.
func (i InterfaceInfo) Up() bool { return i.Interface.Flags&net.FlagUp != 0 }

// Multicast reports whether the interface supports multicast.
func (i InterfaceInfo) Multicast() bool { return i.Interface.Flags&net.FlagMulticast != 0 }

// Interfaces returns one entry per interface that carries an IPv4 address.
// An interface with several IPv4 addresses is reported once, with the first.
func Interfaces() ([]InterfaceInfo, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("listing interfaces: %w", err)
	}

	var result []InterfaceInfo
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil {
				continue
			}
			result = append(result, InterfaceInfo{
				Interface: iface,
				IP:        ip4,
				Netmask:   ipnet.Mask,
			})
			break
		}
	}

	return result, nil
}

// MulticastCapable returns the interfaces that are up and multicast capable.
func MulticastCapable() ([]InterfaceInfo, error) {
	all, err := Interfaces()
	if err != nil {
		return nil, err
	}
	var result []InterfaceInfo
	for _, info := range all {
		if info.Up() && info.Multicast() {
			result = append(result, info)
		}
	}
	return result, nil
}

// Resolve looks up an interface by OS name (e.g. "eth0") or, failing that,
// by one of its IPv4 addresses.
func Resolve(nameOrIP string) (*InterfaceInfo, error) {
	all, err := Interfaces()
	if err != nil {
		return nil, err
	}
	for _, info := range all {
		if info.Name() == nameOrIP {
			return &info, nil
		}
	}
	if ip := net.ParseIP(nameOrIP); ip != nil {
		for _, info := range all {
			if info.IP.Equal(ip) {
				return &info, nil
			}
		}
		return nil, fmt.Errorf("interface with IP %s not found", nameOrIP)
	}
	return nil, fmt.Errorf("interface %s not found", nameOrIP)
}
