package dnspin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/rs/xid"
	"github.com/sourcegraph/conc/pool"
)

// DefaultTTL is the TTL for records this package creates.
// Cloudflare reads 1 as "automatic".
const DefaultTTL = 1

// Client reconciles the DNS records for one hostname.
// Construct with New. A Client is intended for repeated Run calls from a
// single goroutine; RunEvery does exactly that.
type Client struct {
	resolver   Resolver
	provider   Provider
	httpClient *http.Client
	log        logr.Logger

	hostname string
	zoneID   string
	families []Family
	ttl      int
	proxied  bool
	dryRun   bool
	retry    retryPolicy

	ready atomic.Bool
}

// New builds a Client managing hostname.
// A provider option such as [UsingCloudflare] is required.
// Without a resolver option the echo resolver with its default endpoints is
// used, and without [WithFamilies] both families are managed.
func New(hostname string, options ...Option) (*Client, error) {
	if hostname == "" {
		return nil, fmt.Errorf("dnspin.New: hostname cannot be empty")
	}
	if !strings.Contains(hostname, ".") {
		return nil, fmt.Errorf("dnspin.New: hostname %q must contain at least one dot", hostname)
	}
	c := &Client{
		hostname: hostname,
		families: []Family{IPv4, IPv6},
		ttl:      DefaultTTL,
		retry:    defaultRetryPolicy(),
		log:      logr.Discard(),
	}
	for i, opt := range options {
		if err := opt(c); err != nil {
			return nil, fmt.Errorf("dnspin.New: option %d returned an error: %w", i, err)
		}
	}
	if c.provider == nil {
		return nil, fmt.Errorf("dnspin.New: no DNS provider was registered and there is no default - use dnspin.UsingCloudflare or similar")
	}
	if c.resolver == nil {
		r, err := NewEchoResolver("", "")
		if err != nil {
			return nil, fmt.Errorf("dnspin.New: %w", err)
		}
		c.resolver = r
	}

	// Applied last so the option order relative to the provider and
	// resolver options does not matter.
	propagateHTTPClient(c)
	return c, nil
}

// Option configures a Client passed to New.
type Option func(*Client) error

// UsingCloudflare registers Cloudflare as the DNS provider,
// authenticated with the given API token.
func UsingCloudflare(token string) Option {
	return func(c *Client) (err error) {
		if c.provider, err = NewCloudflare(token); err != nil {
			return fmt.Errorf("creating cloudflare provider: %w", err)
		}
		return nil
	}
}

// UsingProvider registers a custom DNS provider implementation.
func UsingProvider(p Provider) Option {
	return func(c *Client) error {
		if p == nil {
			return errors.New("provider cannot be nil")
		}
		c.provider = p
		return nil
	}
}

// UsingResolver replaces the default public address resolver.
func UsingResolver(r Resolver) Option {
	return func(c *Client) error {
		if r == nil {
			return errors.New("resolver cannot be nil")
		}
		c.resolver = r
		return nil
	}
}

// UsingEchoServices selects the echo endpoints used to discover the public
// address, one per family. Empty strings keep the defaults.
func UsingEchoServices(ipv4URL, ipv6URL string) Option {
	return func(c *Client) error {
		r, err := NewEchoResolver(ipv4URL, ipv6URL)
		if err != nil {
			return err
		}
		c.resolver = r
		return nil
	}
}

// UsingHTTPClient replaces the HTTP client used for echo lookups and
// provider API calls.
func UsingHTTPClient(httpclient *http.Client) Option {
	return func(c *Client) error {
		if httpclient == nil {
			httpclient = http.DefaultClient
		}
		c.httpClient = httpclient
		return nil
	}
}

// WithZone pins the provider zone ID.
// Without it the client asks the provider to discover the zone on first
// use, which needs a credential allowed to list zones.
func WithZone(zoneID string) Option {
	return func(c *Client) error {
		c.zoneID = zoneID
		return nil
	}
}

// WithFamilies restricts the run to the given address families.
// Outcomes are reported in the order given here. Duplicates collapse.
func WithFamilies(families ...Family) Option {
	return func(c *Client) error {
		if len(families) == 0 {
			return errors.New("at least one address family is required")
		}
		var fams []Family
		seen := map[Family]bool{}
		for _, f := range families {
			if f != IPv4 && f != IPv6 {
				return fmt.Errorf("unknown address family %d", uint8(f))
			}
			if seen[f] {
				continue
			}
			seen[f] = true
			fams = append(fams, f)
		}
		c.families = fams
		return nil
	}
}

// WithTTL sets the TTL in seconds for records the client creates.
// Records that already exist keep their TTL.
func WithTTL(seconds int) Option {
	return func(c *Client) error {
		if seconds < 1 {
			return fmt.Errorf("ttl %d is not valid, the minimum is 1", seconds)
		}
		c.ttl = seconds
		return nil
	}
}

// WithProxied creates records behind the provider's proxy.
// Records that already exist keep their proxy setting.
func WithProxied(proxied bool) Option {
	return func(c *Client) error {
		c.proxied = proxied
		return nil
	}
}

// WithDryRun makes Run report what it would change without writing
// anything. Reads still happen.
func WithDryRun(dry bool) Option {
	return func(c *Client) error {
		c.dryRun = dry
		return nil
	}
}

// WithRetry bounds the retry loop around provider calls.
// attempts is the total number of tries (1 disables retrying),
// base the first backoff delay and max a cap on any single delay.
// Only rate limits and transient failures are ever retried.
func WithRetry(attempts int, base, max time.Duration) Option {
	return func(c *Client) error {
		if attempts < 1 {
			return errors.New("retry attempts must be at least 1")
		}
		c.retry.attempts = attempts
		c.retry.base = base
		c.retry.max = max
		return nil
	}
}

// WithLogger directs the client's progress logging.
// The default discards everything. The credential never appears in log
// output at any verbosity.
func WithLogger(log logr.Logger) Option {
	return func(c *Client) error {
		c.log = log
		return nil
	}
}

func propagateHTTPClient(c *Client) {
	if c.httpClient == nil {
		return
	}
	type setHTTPClient interface {
		SetHTTPClient(*http.Client)
	}
	switch r := c.resolver.(type) {
	case *EchoResolver:
		r.httpClient = c.httpClient
	case setHTTPClient:
		r.SetHTTPClient(c.httpClient)
	}
	if p, ok := c.provider.(setHTTPClient); ok {
		p.SetHTTPClient(c.httpClient)
	}
}

// Run performs one reconciliation pass and returns one Outcome per
// configured family, ordered as configured.
// Families are independent: each resolves and reconciles on its own,
// a failure in one never blocks the other,
// and the returned error joins the per-family failures.
func (c *Client) Run(ctx context.Context) ([]Outcome, error) {
	log := c.log.WithValues("run", xid.New().String(), "host", c.hostname)

	if err := c.ensureZone(ctx, log); err != nil {
		c.ready.Store(false)
		runsTotal.WithLabelValues("error").Inc()
		log.Error(err, "reconciliation pass aborted")
		return nil, err
	}

	outcomes := make([]Outcome, len(c.families))
	p := pool.New()
	for i, family := range c.families {
		p.Go(func() {
			outcomes[i] = c.runFamily(ctx, log, family)
		})
	}
	p.Wait()

	var errs []error
	for _, out := range outcomes {
		if out.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", out.Family, out.Err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		c.ready.Store(false)
		runsTotal.WithLabelValues("error").Inc()
		return outcomes, err
	}
	c.ready.Store(true)
	runsTotal.WithLabelValues("success").Inc()
	lastSuccess.SetToCurrentTime()
	return outcomes, nil
}

// Ready reports whether the most recent pass succeeded for every family.
// Readiness probes in daemon mode use this.
func (c *Client) Ready() bool { return c.ready.Load() }

func (c *Client) runFamily(ctx context.Context, log logr.Logger, family Family) Outcome {
	log = log.WithValues("family", family.String())

	addr, err := c.resolver.Resolve(ctx, family)
	if err != nil {
		out := Outcome{Family: family, Err: err}
		c.observe(log, out)
		return out
	}
	if !addr.IsValid() || !family.Matches(addr) {
		out := Outcome{Family: family, Err: &ResolveError{
			Family: family,
			Err:    fmt.Errorf("resolver answered with unusable address %q", addr),
		}}
		c.observe(log, out)
		return out
	}
	log.V(1).Info("resolved public address", "address", canonical(addr))

	out := c.reconcile(ctx, log, family, addr)
	c.observe(log, out)
	return out
}

func (c *Client) observe(log logr.Logger, out Outcome) {
	if out.Err != nil {
		failuresTotal.WithLabelValues(out.Family.String(), errorKindLabel(out.Err)).Inc()
		log.Error(out.Err, "reconciliation failed")
		return
	}
	actionsTotal.WithLabelValues(out.Family.String(), out.Action.String()).Inc()
	kv := []any{"action", out.Action.String(), "content", out.Content}
	if out.Previous != "" && out.Previous != out.Content {
		kv = append(kv, "previous", out.Previous)
	}
	if c.dryRun {
		kv = append(kv, "dry_run", true)
	}
	if out.Action == NoChange {
		log.Info("record already current", kv...)
		return
	}
	log.Info("record reconciled", kv...)
}

// ensureZone fills in the zone ID on first use when none was configured.
func (c *Client) ensureZone(ctx context.Context, log logr.Logger) error {
	if c.zoneID != "" {
		return nil
	}
	zf, ok := c.provider.(ZoneFinder)
	if !ok {
		return errors.New("no zone ID configured and the provider cannot discover zones - use dnspin.WithZone")
	}
	var zid string
	err := c.retry.do(ctx, log, "zones", func() (err error) {
		zid, err = zf.ZoneIDForHost(ctx, c.hostname)
		return err
	})
	if err != nil {
		return fmt.Errorf("discovering zone for %s: %w", c.hostname, err)
	}
	log.V(1).Info("discovered zone", "zone", zid)
	c.zoneID = zid
	return nil
}
