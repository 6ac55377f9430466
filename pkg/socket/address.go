//go:build linux

package socket

import (
	"fmt"
	"net"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// Address is a resolved socket address: IPv4, IPv6, or Unix domain. It
// implements net.Addr.
type Address struct {
	network string
	sa      unix.Sockaddr
	str     string
}

// Network returns "tcp", "udp", or "unix".
func (a Address) Network() string { return a.network }

// String returns host:port or the socket path.
func (a Address) String() string { return a.str }

// Sockaddr returns the kernel representation.
func (a Address) Sockaddr() unix.Sockaddr { return a.sa }

// Family returns the address family (AF_INET, AF_INET6, AF_UNIX), or
// AF_UNSPEC for the zero Address.
func (a Address) Family() int {
	switch a.sa.(type) {
	case *unix.SockaddrInet4:
		return unix.AF_INET
	case *unix.SockaddrInet6:
		return unix.AF_INET6
	case *unix.SockaddrUnix:
		return unix.AF_UNIX
	}
	return unix.AF_UNSPEC
}

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool { return a.sa == nil }

// Lookup resolves a bind string: "host:port" for TCP/UDP (network "tcp"
// or "udp"), or an absolute "/path" for Unix sockets regardless of
// network.
func Lookup(network, addr string) (Address, error) {
	if strings.HasPrefix(addr, "/") {
		return Address{
			network: "unix",
			sa:      &unix.SockaddrUnix{Name: addr},
			str:     addr,
		}, nil
	}
	switch network {
	case "udp":
		ua, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			return Address{}, fmt.Errorf("failed to resolve %q: %w", addr, err)
		}
		return fromIPPort(network, ua.IP, ua.Port)
	default:
		ta, err := net.ResolveTCPAddr("tcp", addr)
		if err != nil {
			return Address{}, fmt.Errorf("failed to resolve %q: %w", addr, err)
		}
		return fromIPPort("tcp", ta.IP, ta.Port)
	}
}

func fromIPPort(network string, ip net.IP, port int) (Address, error) {
	if ip == nil {
		ip = net.IPv4zero
	}
	if ip4 := ip.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], ip4)
		return Address{network: network, sa: sa, str: fmt.Sprintf("%s:%d", ip4, port)}, nil
	}
	ip6 := ip.To16()
	if ip6 == nil {
		return Address{}, fmt.Errorf("unsupported address %v", ip)
	}
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], ip6)
	return Address{network: network, sa: sa, str: fmt.Sprintf("[%s]:%d", ip, port)}, nil
}

// FromSockaddr converts a kernel address back into an Address.
func FromSockaddr(network string, sa unix.Sockaddr) Address {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		ip := net.IP(v.Addr[:])
		return Address{network: network, sa: v, str: fmt.Sprintf("%s:%d", ip, v.Port)}
	case *unix.SockaddrInet6:
		ip := net.IP(v.Addr[:])
		return Address{network: network, sa: v, str: fmt.Sprintf("[%s]:%d", ip, v.Port)}
	case *unix.SockaddrUnix:
		return Address{network: "unix", sa: v, str: v.Name}
	}
	return Address{}
}

// Port returns the port for IP addresses, 0 otherwise.
func (a Address) Port() int {
	switch v := a.sa.(type) {
	case *unix.SockaddrInet4:
		return v.Port
	case *unix.SockaddrInet6:
		return v.Port
	}
	return 0
}

// SubnetMask returns the netmask of a prefix length in the address's
// family, e.g. 255.255.255.0 for /24 on an IPv4 address.
func (a Address) SubnetMask(prefixLen int) (Address, error) {
	bits, err := a.maskBits(prefixLen)
	if err != nil {
		return Address{}, err
	}
	mask := net.CIDRMask(prefixLen, bits)
	return a.withHostBytes(func(i int, _ byte) byte { return mask[i] })
}

// NetworkAddress returns the address with its host bits cleared, keeping
// the port.
func (a Address) NetworkAddress(prefixLen int) (Address, error) {
	bits, err := a.maskBits(prefixLen)
	if err != nil {
		return Address{}, err
	}
	mask := net.CIDRMask(prefixLen, bits)
	return a.withHostBytes(func(i int, b byte) byte { return b & mask[i] })
}

// BroadcastAddress returns the address with its host bits set, keeping
// the port.
func (a Address) BroadcastAddress(prefixLen int) (Address, error) {
	bits, err := a.maskBits(prefixLen)
	if err != nil {
		return Address{}, err
	}
	mask := net.CIDRMask(prefixLen, bits)
	return a.withHostBytes(func(i int, b byte) byte { return b | ^mask[i] })
}

func (a Address) maskBits(prefixLen int) (int, error) {
	var bits int
	switch a.sa.(type) {
	case *unix.SockaddrInet4:
		bits = 32
	case *unix.SockaddrInet6:
		bits = 128
	default:
		return 0, fmt.Errorf("subnet arithmetic needs an IP address, have %q", a.network)
	}
	if prefixLen < 0 || prefixLen > bits {
		return 0, fmt.Errorf("prefix length %d out of range for %d-bit address", prefixLen, bits)
	}
	return bits, nil
}

func (a Address) withHostBytes(f func(i int, b byte) byte) (Address, error) {
	switch v := a.sa.(type) {
	case *unix.SockaddrInet4:
		out := &unix.SockaddrInet4{Port: v.Port}
		for i, b := range v.Addr {
			out.Addr[i] = f(i, b)
		}
		return FromSockaddr(a.network, out), nil
	case *unix.SockaddrInet6:
		out := &unix.SockaddrInet6{Port: v.Port, ZoneId: v.ZoneId}
		for i, b := range v.Addr {
			out.Addr[i] = f(i, b)
		}
		return FromSockaddr(a.network, out), nil
	}
	return Address{}, fmt.Errorf("subnet arithmetic needs an IP address, have %q", a.network)
}

// InterfaceAddresses returns the unicast addresses of every up interface,
// keyed by interface name.
func InterfaceAddresses() (map[string][]net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to list interfaces: %w", err)
	}
	out := make(map[string][]net.IP, len(ifaces))
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipn, ok := a.(*net.IPNet); ok {
				out[iface.Name] = append(out[iface.Name], ipn.IP)
			}
		}
	}
	return out, nil
}

// Hostname returns the local hostname, "unknown" when unavailable.
func Hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
