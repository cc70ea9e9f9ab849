package dnspin

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"
)

// Resolver discovers the machine's current public IP address for one
// address family.
type Resolver interface {
	Resolve(ctx context.Context, family Family) (netip.Addr, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(context.Context, Family) (netip.Addr, error)

func (f ResolverFunc) Resolve(ctx context.Context, family Family) (netip.Addr, error) {
	return f(ctx, family)
}

// Static constructs a resolver that always answers with the given
// addresses, picking the one matching the requested family.
// Useful for pinning a fixed address and for tests.
func Static(addrs ...netip.Addr) Resolver {
	return ResolverFunc(func(_ context.Context, family Family) (netip.Addr, error) {
		for _, a := range addrs {
			if family.Matches(a) {
				return a.Unmap(), nil
			}
		}
		return netip.Addr{}, &ResolveError{Family: family, Err: fmt.Errorf("no static %s address configured", family)}
	})
}

// Default echo service endpoints, one per family.
// Connecting to a family-specific hostname guarantees the service sees a
// source address of that family.
const (
	DefaultEchoIPv4 = "https://v4.ident.me"
	DefaultEchoIPv6 = "https://v6.ident.me"
)

// EchoResolver asks an external echo service which address it sees our
// connection coming from. This is the only reliable way to learn a public
// address from behind NAT.
//
// Each endpoint must speak HTTP and answer 200 with an IP address as the
// first line of the response body. Every Resolve makes exactly one request;
// retry decisions belong to the caller.
//
// The zero value is not usable. Construct with NewEchoResolver.
type EchoResolver struct {
	httpClient *http.Client
	endpoints  map[Family]*url.URL
}

// NewEchoResolver constructs an EchoResolver from one endpoint URL per
// family. Empty strings select the defaults.
func NewEchoResolver(ipv4URL, ipv6URL string) (*EchoResolver, error) {
	if ipv4URL == "" {
		ipv4URL = DefaultEchoIPv4
	}
	if ipv6URL == "" {
		ipv6URL = DefaultEchoIPv6
	}
	endpoints := make(map[Family]*url.URL, 2)
	for family, raw := range map[Family]string{IPv4: ipv4URL, IPv6: ipv6URL} {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing %s echo service URL: %w", family, err)
		}
		endpoints[family] = u
	}
	return &EchoResolver{endpoints: endpoints}, nil
}

// Resolve implements Resolver with a single GET to the family's endpoint.
// An answer of the wrong family is an error:
// it usually means the endpoint is not family-specific and the request went
// out over the other protocol.
func (er *EchoResolver) Resolve(ctx context.Context, family Family) (netip.Addr, error) {
	u := er.endpoints[family]
	if u == nil {
		return netip.Addr{}, &ResolveError{Family: family, Err: errors.New("no echo service configured")}
	}
	addr, err := er.lookup(ctx, family, u)
	if err != nil {
		return netip.Addr{}, &ResolveError{Family: family, Err: err}
	}
	return addr, nil
}

func (er *EchoResolver) lookup(ctx context.Context, family Family, u *url.URL) (netip.Addr, error) {
	// 15 seconds is an eternity for a request this small,
	// but it ensures every lookup completes even when the caller supplied
	// context.Background and a client with no timeout.
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-cache")

	httpclient := er.httpClient
	if httpclient == nil {
		httpclient = http.DefaultClient
	}

	resp, err := httpclient.Do(req)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("echo request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return netip.Addr{}, fmt.Errorf("echo service returned %s", resp.Status)
	}

	line, _ := bufio.NewReader(resp.Body).ReadString('\n')
	addr, err := netip.ParseAddr(strings.TrimSpace(line))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("parsing address from response body: %w", err)
	}
	if !family.Matches(addr) {
		return netip.Addr{}, fmt.Errorf("echo service answered with %s address %s", familyOf(addr), addr)
	}
	return addr.Unmap(), nil
}
