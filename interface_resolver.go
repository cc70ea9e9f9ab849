package dnspin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
)

// InterfaceResolver constructs a resolver that reads addresses from local
// network interfaces instead of asking an external service.
// If no interface names are given then all interfaces are considered.
// Loopback and link-local addresses are skipped and the first remaining
// address of the requested family wins.
//
// Behind NAT the interface address is not the public one;
// prefer the echo resolver unless this machine holds a public address
// directly.
func InterfaceResolver(iface ...string) Resolver {
	return &interfaceResolver{ifaces: iface}
}

type interfaceResolver struct {
	ifaces []string
}

func (r *interfaceResolver) Resolve(_ context.Context, family Family) (netip.Addr, error) {
	addrs, err := r.addrs()
	if err != nil {
		return netip.Addr{}, &ResolveError{Family: family, Err: err}
	}
	for _, addr := range addrs {
		if family.Matches(addr) {
			return addr.Unmap(), nil
		}
	}
	return netip.Addr{}, &ResolveError{Family: family, Err: fmt.Errorf("no usable %s address on local interfaces", family)}
}

func (r *interfaceResolver) addrs() ([]netip.Addr, error) {
	var raw []net.Addr
	if len(r.ifaces) == 0 {
		all, err := net.InterfaceAddrs()
		if err != nil {
			return nil, fmt.Errorf("listing interface addresses: %w", err)
		}
		raw = all
	}
	for _, name := range r.ifaces {
		iface, err := net.InterfaceByName(name)
		if err != nil {
			return nil, fmt.Errorf("looking up interface %s: %w", name, err)
		}
		a, err := iface.Addrs()
		if err != nil {
			return nil, fmt.Errorf("listing addresses for interface %s: %w", name, err)
		}
		raw = append(raw, a...)
	}

	// addr strings look like ip+net:192.168.86.253/24
	// or ip+net:fe80::2cc9:801b:3551:9a43/64
	var addrs []netip.Addr
	var parseErrors []error
	for _, addr := range raw {
		prefix, err := netip.ParsePrefix(addr.String())
		if err != nil {
			parseErrors = append(parseErrors, fmt.Errorf("parsing local address %s: %w", addr, err))
			continue
		}
		ip := prefix.Addr()
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			continue
		}
		addrs = append(addrs, ip)
	}
	if len(addrs) == 0 && len(parseErrors) > 0 {
		return nil, errors.Join(parseErrors...)
	}
	return addrs, nil
}
