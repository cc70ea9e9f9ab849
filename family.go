package dnspin

import (
	"fmt"
	"net/netip"
)

// Family selects an IP address family.
// Each family maps to one DNS record type: A for IPv4, AAAA for IPv6.
type Family uint8

const (
	IPv4 Family = iota
	IPv6
)

func (f Family) String() string {
	switch f {
	case IPv4:
		return "ipv4"
	case IPv6:
		return "ipv6"
	}
	return fmt.Sprintf("family(%d)", uint8(f))
}

// RecordType returns the DNS record type managed for the family.
func (f Family) RecordType() string {
	if f == IPv6 {
		return "AAAA"
	}
	return "A"
}

// Matches reports whether addr belongs to the family.
// IPv4-mapped IPv6 addresses count as IPv4.
func (f Family) Matches(addr netip.Addr) bool {
	if f == IPv6 {
		return addr.Is6() && !addr.Is4In6()
	}
	return addr.Is4() || addr.Is4In6()
}

func familyOf(addr netip.Addr) Family {
	if addr.Is4() || addr.Is4In6() {
		return IPv4
	}
	return IPv6
}

// canonical returns the record content form of addr:
// dotted quad for IPv4 (unmapping any IPv4-in-IPv6 form),
// RFC 5952 compressed lowercase for IPv6.
// Comparing canonical forms is what makes "2001:DB8:0:0:0:0:0:1" and
// "2001:db8::1" the same record value.
func canonical(addr netip.Addr) string {
	return addr.Unmap().String()
}
