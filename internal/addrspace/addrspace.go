// Package addrspace classifies a peer IP address into a coarse unicast
// address space (public, private, link-local, loopback), for logging only.
//
// Adapted from the address-space classification in the reference rendezvous
// library's addrs.go, trimmed to the classification used for log fields; the
// NAT-traversal address-probing machinery that library built on top of it
// does not apply to a relay that never dials its own peers speculatively.
package addrspace

import "net/netip"

// Space is a coarse unicast address space.
type Space int

const (
	Invalid Space = iota
	Public4
	Public6
	Private4
	Private6
	Link4
	Link6
	Loopback4
	Loopback6
)

func (s Space) String() string {
	switch s {
	case Public4:
		return "public4"
	case Public6:
		return "public6"
	case Private4:
		return "private4"
	case Private6:
		return "private6"
	case Link4:
		return "link4"
	case Link6:
		return "link6"
	case Loopback4:
		return "loopback4"
	case Loopback6:
		return "loopback6"
	}
	return "invalid"
}

// Classify returns the address space of addr, for diagnostic logging.
func Classify(addr netip.Addr) Space {
	if !addr.IsValid() || addr.IsUnspecified() || addr.IsMulticast() {
		return Invalid
	}
	if addr.IsLoopback() {
		if addr.Is4() {
			return Loopback4
		}
		return Loopback6
	}
	if addr.IsLinkLocalUnicast() {
		if addr.Is4() {
			return Link4
		}
		return Link6
	}
	if addr.IsPrivate() {
		if addr.Is4() {
			return Private4
		}
		return Private6
	}
	if addr.IsGlobalUnicast() {
		if addr.Is4() {
			return Public4
		}
		return Public6
	}
	return Invalid
}

// FromHostPort returns the address space of the host in an ip:port (or bare
// ip) string, or Invalid if it cannot be parsed.
func FromHostPort(hostPort string) Space {
	ap, err := netip.ParseAddrPort(hostPort)
	if err != nil {
		addr, err2 := netip.ParseAddr(hostPort)
		if err2 != nil {
			return Invalid
		}
		return Classify(addr)
	}
	return Classify(ap.Addr())
}
