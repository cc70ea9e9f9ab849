package dnspin

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/miekg/dns"
)

// dnsExchanger abstracts dns.Client.ExchangeContext for testability.
type dnsExchanger interface {
	ExchangeContext(ctx context.Context, m *dns.Msg, addr string) (*dns.Msg, time.Duration, error)
}

// Checker queries a recursive resolver directly to see which addresses the
// world currently gets for a hostname. The provider API answers reads from
// its own database immediately, so asking a resolver is the only honest
// view of propagation.
type Checker struct {
	server    string // "host:port"
	exchanger dnsExchanger
}

// NewChecker builds a Checker that asks server ("host:port").
// An empty server picks the first nameserver from /etc/resolv.conf,
// falling back to 1.1.1.1:53.
func NewChecker(server string) *Checker {
	if server == "" {
		cfg, _ := dns.ClientConfigFromFile("/etc/resolv.conf")
		if cfg != nil && len(cfg.Servers) > 0 {
			server = net.JoinHostPort(cfg.Servers[0], cfg.Port)
		} else {
			server = "1.1.1.1:53"
		}
	}
	return &Checker{
		server:    server,
		exchanger: &dns.Client{Timeout: 5 * time.Second},
	}
}

// Lookup returns the addresses the resolver currently serves for host in
// the given family. An empty result with a nil error means the name has no
// records of that type yet, which includes NXDOMAIN for brand-new names.
func (c *Checker) Lookup(ctx context.Context, host string, family Family) ([]netip.Addr, error) {
	qtype := dns.TypeA
	if family == IPv6 {
		qtype = dns.TypeAAAA
	}
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), qtype)

	r, _, err := c.exchanger.ExchangeContext(ctx, m, c.server)
	if err != nil {
		return nil, fmt.Errorf("querying %s for %s: %w", c.server, host, err)
	}
	if r.Rcode == dns.RcodeNameError {
		return nil, nil
	}
	if r.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("querying %s for %s: rcode %s", c.server, host, dns.RcodeToString[r.Rcode])
	}

	var addrs []netip.Addr
	for _, ans := range r.Answer {
		switch rr := ans.(type) {
		case *dns.A:
			if a, ok := netip.AddrFromSlice(rr.A); ok {
				addrs = append(addrs, a.Unmap())
			}
		case *dns.AAAA:
			if a, ok := netip.AddrFromSlice(rr.AAAA); ok {
				addrs = append(addrs, a.Unmap())
			}
		}
	}
	return addrs, nil
}

// Serves reports whether the resolver already answers with addr for host.
func (c *Checker) Serves(ctx context.Context, host string, addr netip.Addr) (bool, error) {
	addrs, err := c.Lookup(ctx, host, familyOf(addr))
	if err != nil {
		return false, err
	}
	for _, a := range addrs {
		if a == addr.Unmap() {
			return true, nil
		}
	}
	return false, nil
}
