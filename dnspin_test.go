package dnspin_test

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"testing"

	"github.com/go-logr/logr/funcr"

	"github.com/dnspin/dnspin"
)

const testHost = "home.example.com"

var (
	v4Addr = netip.MustParseAddr("203.0.113.9")
	v6Addr = netip.MustParseAddr("2001:db8::2")
)

// fakeProvider is an in-memory Provider that counts calls per operation
// and can be scripted to fail.
type fakeProvider struct {
	mu      sync.Mutex
	records []dnspin.Record
	nextID  int
	counts  map[string]int
	queued  map[string][]error
}

func newFakeProvider(existing ...dnspin.Record) *fakeProvider {
	f := &fakeProvider{
		counts: map[string]int{},
		queued: map[string][]error{},
	}
	for _, r := range existing {
		f.nextID++
		if r.ID == "" {
			r.ID = fmt.Sprintf("rec-%d", f.nextID)
		}
		f.records = append(f.records, r)
	}
	return f
}

// failNext queues errors for the next calls to op, one per call.
func (f *fakeProvider) failNext(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued[op] = append(f.queued[op], errs...)
}

func (f *fakeProvider) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[op]
}

func (f *fakeProvider) get(recordType string) []dnspin.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []dnspin.Record
	for _, r := range f.records {
		if r.Type == recordType {
			out = append(out, r)
		}
	}
	return out
}

// pop counts a call and dequeues a scripted error. Callers hold f.mu.
func (f *fakeProvider) pop(op string) error {
	f.counts[op]++
	q := f.queued[op]
	if len(q) == 0 {
		return nil
	}
	err := q[0]
	f.queued[op] = q[1:]
	return err
}

func (f *fakeProvider) Records(_ context.Context, _, name, recordType string) ([]dnspin.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.pop("list"); err != nil {
		return nil, err
	}
	var out []dnspin.Record
	for _, r := range f.records {
		if r.Name == name && r.Type == recordType {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeProvider) CreateRecord(_ context.Context, _ string, r dnspin.Record) (dnspin.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.pop("create"); err != nil {
		return dnspin.Record{}, err
	}
	f.nextID++
	r.ID = fmt.Sprintf("rec-%d", f.nextID)
	f.records = append(f.records, r)
	return r, nil
}

func (f *fakeProvider) UpdateRecord(_ context.Context, _, id string, r dnspin.Record) (dnspin.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.pop("update"); err != nil {
		return dnspin.Record{}, err
	}
	for i := range f.records {
		if f.records[i].ID == id {
			r.ID = id
			f.records[i] = r
			return r, nil
		}
	}
	return dnspin.Record{}, &dnspin.ProviderError{Kind: dnspin.KindNotFound, Op: "update", Err: fmt.Errorf("no record %s", id)}
}

// fakeZoneProvider adds zone discovery on top of fakeProvider.
type fakeZoneProvider struct {
	*fakeProvider
	zoneID  string
	zoneErr error
	lookups int
}

func (f *fakeZoneProvider) ZoneIDForHost(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if f.zoneErr != nil {
		return "", f.zoneErr
	}
	return f.zoneID, nil
}

func (f *fakeZoneProvider) lookupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookups
}

// newTestClient builds a client with fast defaults for tests.
// Options passed in override the defaults.
func newTestClient(t *testing.T, p dnspin.Provider, opts ...dnspin.Option) *dnspin.Client {
	t.Helper()
	base := []dnspin.Option{
		dnspin.UsingProvider(p),
		dnspin.WithZone("zone-1"),
		dnspin.UsingResolver(dnspin.Static(v4Addr, v6Addr)),
		dnspin.WithRetry(3, 0, 0),
	}
	c, err := dnspin.New(testHost, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New failed: %s", err)
	}
	return c
}

func TestRunCreatesMissingRecords(t *testing.T) {
	p := newFakeProvider()
	c := newTestClient(t, p)

	outcomes, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %s", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("Expected 2 outcomes; got %d", len(outcomes))
	}
	for _, out := range outcomes {
		if out.Action != dnspin.Created {
			t.Errorf("Expected %s to report %s; got %s", out.Family, dnspin.Created, out.Action)
		}
		if out.Previous != "" {
			t.Errorf("Expected no previous content for %s; got %q", out.Family, out.Previous)
		}
	}

	a := p.get("A")
	if len(a) != 1 {
		t.Fatalf("Expected 1 A record; got %d", len(a))
	}
	if expected, got := "203.0.113.9", a[0].Content; expected != got {
		t.Errorf("Expected A content %q; got %q", expected, got)
	}
	if a[0].TTL != 1 {
		t.Errorf("Expected automatic TTL 1 on a new record; got %d", a[0].TTL)
	}
	if a[0].Proxied {
		t.Error("Expected new records to be created unproxied")
	}

	aaaa := p.get("AAAA")
	if len(aaaa) != 1 {
		t.Fatalf("Expected 1 AAAA record; got %d", len(aaaa))
	}
	if expected, got := "2001:db8::2", aaaa[0].Content; expected != got {
		t.Errorf("Expected AAAA content %q; got %q", expected, got)
	}
}

func TestRunUpdatesRecordInPlace(t *testing.T) {
	p := newFakeProvider(dnspin.Record{Name: testHost, Type: "A", Content: "203.0.113.5", TTL: 300, Proxied: true})
	c := newTestClient(t, p, dnspin.WithFamilies(dnspin.IPv4))

	outcomes, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %s", err)
	}
	if expected, got := dnspin.Updated, outcomes[0].Action; expected != got {
		t.Errorf("Expected action %s; got %s", expected, got)
	}
	if expected, got := "203.0.113.5", outcomes[0].Previous; expected != got {
		t.Errorf("Expected previous content %q; got %q", expected, got)
	}
	if expected, got := "203.0.113.9", outcomes[0].Content; expected != got {
		t.Errorf("Expected content %q; got %q", expected, got)
	}

	rec := p.get("A")[0]
	if rec.ID != "rec-1" {
		t.Errorf("Expected the existing record to be rewritten, not replaced; got ID %q", rec.ID)
	}
	if rec.Content != "203.0.113.9" {
		t.Errorf("Expected stored content %q; got %q", "203.0.113.9", rec.Content)
	}
	if rec.TTL != 300 {
		t.Errorf("Expected the update to preserve TTL 300; got %d", rec.TTL)
	}
	if !rec.Proxied {
		t.Error("Expected the update to preserve the proxied setting")
	}
	if p.callCount("create") != 0 {
		t.Errorf("Expected no creates; got %d", p.callCount("create"))
	}
}

func TestRunLeavesCurrentRecordAlone(t *testing.T) {
	p := newFakeProvider(dnspin.Record{Name: testHost, Type: "A", Content: "203.0.113.9"})
	c := newTestClient(t, p, dnspin.WithFamilies(dnspin.IPv4))

	outcomes, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %s", err)
	}
	if expected, got := dnspin.NoChange, outcomes[0].Action; expected != got {
		t.Errorf("Expected action %s; got %s", expected, got)
	}
	if n := p.callCount("create") + p.callCount("update"); n != 0 {
		t.Errorf("Expected no writes; got %d", n)
	}
}

func TestNoChangeRunStillLogsEachFamily(t *testing.T) {
	p := newFakeProvider(
		dnspin.Record{Name: testHost, Type: "A", Content: "203.0.113.9"},
		dnspin.Record{Name: testHost, Type: "AAAA", Content: "2001:db8::2"},
	)

	// funcr at its default verbosity sees what an operator sees.
	var mu sync.Mutex
	var lines []string
	log := funcr.New(func(_, args string) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, args)
	}, funcr.Options{})

	c := newTestClient(t, p, dnspin.WithLogger(log))
	if _, err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %s", err)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, family := range []string{"ipv4", "ipv6"} {
		found := false
		for _, line := range lines {
			if strings.Contains(line, `"family"="`+family+`"`) && strings.Contains(line, "record already current") {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("Expected a log line for %s even when nothing changed; got %q", family, lines)
		}
	}
}

func TestEquivalentSpellingIsNoChange(t *testing.T) {
	// The stored record spells the same address differently;
	// comparison happens on parsed addresses, not raw strings.
	p := newFakeProvider(dnspin.Record{Name: testHost, Type: "AAAA", Content: "2001:DB8:0:0:0:0:0:2"})
	c := newTestClient(t, p, dnspin.WithFamilies(dnspin.IPv6))

	outcomes, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %s", err)
	}
	if expected, got := dnspin.NoChange, outcomes[0].Action; expected != got {
		t.Errorf("Expected action %s; got %s", expected, got)
	}
	if p.callCount("update") != 0 {
		t.Errorf("Expected no update; got %d", p.callCount("update"))
	}
	if got := p.get("AAAA")[0].Content; got != "2001:DB8:0:0:0:0:0:2" {
		t.Errorf("Expected the stored spelling to remain untouched; got %q", got)
	}
}

func TestAmbiguousRecordsRefuseWrites(t *testing.T) {
	p := newFakeProvider(
		dnspin.Record{Name: testHost, Type: "A", Content: "203.0.113.1"},
		dnspin.Record{Name: testHost, Type: "A", Content: "203.0.113.2"},
	)
	c := newTestClient(t, p, dnspin.WithFamilies(dnspin.IPv4))

	outcomes, err := c.Run(context.Background())
	if err == nil {
		t.Fatal("Expected an error; got err == nil")
	}
	if !errors.Is(err, dnspin.ErrAmbiguousRecords) {
		t.Errorf("Expected ErrAmbiguousRecords; got %q", err)
	}
	if !outcomes[0].Failed() {
		t.Error("Expected the outcome to report failure")
	}
	if n := p.callCount("create") + p.callCount("update"); n != 0 {
		t.Errorf("Expected no writes with an ambiguous record set; got %d", n)
	}
}

func TestFamiliesRunIndependently(t *testing.T) {
	// Two A records poison IPv4, but IPv6 must still be reconciled.
	p := newFakeProvider(
		dnspin.Record{Name: testHost, Type: "A", Content: "203.0.113.1"},
		dnspin.Record{Name: testHost, Type: "A", Content: "203.0.113.2"},
	)
	c := newTestClient(t, p)

	outcomes, err := c.Run(context.Background())
	if err == nil {
		t.Fatal("Expected an error; got err == nil")
	}
	if !strings.Contains(err.Error(), "ipv4") {
		t.Errorf("Expected the error to name the failed family; got %q", err)
	}
	if !outcomes[0].Failed() {
		t.Error("Expected the IPv4 outcome to fail")
	}
	if outcomes[1].Failed() {
		t.Fatalf("Expected the IPv6 outcome to succeed; got %q", outcomes[1].Err)
	}
	if expected, got := dnspin.Created, outcomes[1].Action; expected != got {
		t.Errorf("Expected IPv6 action %s; got %s", expected, got)
	}
	if len(p.get("AAAA")) != 1 {
		t.Error("Expected the AAAA record to be created despite the IPv4 failure")
	}
}

func TestOutcomeOrderFollowsFamilies(t *testing.T) {
	c := newTestClient(t, newFakeProvider(), dnspin.WithFamilies(dnspin.IPv6, dnspin.IPv4))

	outcomes, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %s", err)
	}
	if outcomes[0].Family != dnspin.IPv6 || outcomes[1].Family != dnspin.IPv4 {
		t.Errorf("Expected outcomes in the configured order; got %s, %s", outcomes[0].Family, outcomes[1].Family)
	}
}

func TestDuplicateFamiliesCollapse(t *testing.T) {
	c := newTestClient(t, newFakeProvider(), dnspin.WithFamilies(dnspin.IPv4, dnspin.IPv4))

	outcomes, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %s", err)
	}
	if len(outcomes) != 1 {
		t.Errorf("Expected 1 outcome; got %d", len(outcomes))
	}
}

func TestResolveFailureLeavesProviderUntouched(t *testing.T) {
	boom := errors.New("echo service down")
	r := dnspin.ResolverFunc(func(context.Context, dnspin.Family) (netip.Addr, error) {
		return netip.Addr{}, boom
	})
	p := newFakeProvider()
	c := newTestClient(t, p, dnspin.WithFamilies(dnspin.IPv4), dnspin.UsingResolver(r))

	_, err := c.Run(context.Background())
	if err == nil {
		t.Fatal("Expected an error; got err == nil")
	}
	if !errors.Is(err, boom) {
		t.Errorf("Expected the resolver error to surface; got %q", err)
	}
	if p.callCount("list") != 0 {
		t.Errorf("Expected the provider to stay untouched; got %d list calls", p.callCount("list"))
	}
}

func TestWrongFamilyAnswerFails(t *testing.T) {
	r := dnspin.ResolverFunc(func(context.Context, dnspin.Family) (netip.Addr, error) {
		return v6Addr, nil
	})
	p := newFakeProvider()
	c := newTestClient(t, p, dnspin.WithFamilies(dnspin.IPv4), dnspin.UsingResolver(r))

	_, err := c.Run(context.Background())
	if err == nil {
		t.Fatal("Expected an error; got err == nil")
	}
	if !strings.Contains(err.Error(), "unusable address") {
		t.Errorf("Expected an unusable address error; got %q", err)
	}
	if p.callCount("list") != 0 {
		t.Errorf("Expected no provider calls; got %d", p.callCount("list"))
	}
}

func TestTransientFailuresAreRetried(t *testing.T) {
	p := newFakeProvider()
	p.failNext("list",
		&dnspin.ProviderError{Kind: dnspin.KindTransient, Op: "list", Err: errors.New("connection reset")},
		&dnspin.ProviderError{Kind: dnspin.KindRateLimited, Op: "list", Err: errors.New("slow down")},
	)
	c := newTestClient(t, p, dnspin.WithFamilies(dnspin.IPv4))

	outcomes, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Expected the retried run to succeed; got %q", err)
	}
	if expected, got := 3, p.callCount("list"); expected != got {
		t.Errorf("Expected %d list calls; got %d", expected, got)
	}
	if expected, got := dnspin.Created, outcomes[0].Action; expected != got {
		t.Errorf("Expected action %s; got %s", expected, got)
	}
}

func TestAuthFailuresAreNotRetried(t *testing.T) {
	p := newFakeProvider()
	p.failNext("list", &dnspin.ProviderError{Kind: dnspin.KindUnauthorized, Op: "list", Err: errors.New("invalid token")})
	c := newTestClient(t, p, dnspin.WithFamilies(dnspin.IPv4))

	_, err := c.Run(context.Background())
	if err == nil {
		t.Fatal("Expected an error; got err == nil")
	}
	if expected, got := 1, p.callCount("list"); expected != got {
		t.Errorf("Expected %d list call; got %d", expected, got)
	}
}

func TestRetryGivesUpAfterConfiguredAttempts(t *testing.T) {
	transient := &dnspin.ProviderError{Kind: dnspin.KindTransient, Op: "create", Err: errors.New("bad gateway")}
	p := newFakeProvider()
	p.failNext("create", transient, transient, transient)
	c := newTestClient(t, p, dnspin.WithFamilies(dnspin.IPv4), dnspin.WithRetry(2, 0, 0))

	_, err := c.Run(context.Background())
	if err == nil {
		t.Fatal("Expected an error; got err == nil")
	}
	if expected, got := 2, p.callCount("create"); expected != got {
		t.Errorf("Expected %d create calls; got %d", expected, got)
	}
}

func TestDryRunWritesNothing(t *testing.T) {
	p := newFakeProvider(dnspin.Record{Name: testHost, Type: "A", Content: "203.0.113.5"})
	c := newTestClient(t, p, dnspin.WithDryRun(true))

	outcomes, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %s", err)
	}
	if expected, got := dnspin.Updated, outcomes[0].Action; expected != got {
		t.Errorf("Expected IPv4 to report %s; got %s", expected, got)
	}
	if expected, got := dnspin.Created, outcomes[1].Action; expected != got {
		t.Errorf("Expected IPv6 to report %s; got %s", expected, got)
	}
	if n := p.callCount("create") + p.callCount("update"); n != 0 {
		t.Errorf("Expected a dry run to write nothing; got %d writes", n)
	}
	if got := p.get("A")[0].Content; got != "203.0.113.5" {
		t.Errorf("Expected the stored record to remain %q; got %q", "203.0.113.5", got)
	}
}

func TestMalformedRecordContentFails(t *testing.T) {
	p := newFakeProvider(dnspin.Record{Name: testHost, Type: "A", Content: "certainly-not-an-ip"})
	c := newTestClient(t, p, dnspin.WithFamilies(dnspin.IPv4))

	_, err := c.Run(context.Background())
	if err == nil {
		t.Fatal("Expected an error; got err == nil")
	}
	var perr *dnspin.ProviderError
	if !errors.As(err, &perr) || perr.Kind != dnspin.KindMalformed {
		t.Errorf("Expected a malformed provider error; got %q", err)
	}
	if p.callCount("update") != 0 {
		t.Errorf("Expected no update; got %d", p.callCount("update"))
	}
}

func TestWrongFamilyRecordContentFails(t *testing.T) {
	// An AAAA record holding an IPv4 address is anomalous provider data,
	// not a stale value to repair.
	p := newFakeProvider(dnspin.Record{Name: testHost, Type: "AAAA", Content: "203.0.113.5"})
	c := newTestClient(t, p, dnspin.WithFamilies(dnspin.IPv6))

	_, err := c.Run(context.Background())
	if err == nil {
		t.Fatal("Expected an error; got err == nil")
	}
	var perr *dnspin.ProviderError
	if !errors.As(err, &perr) || perr.Kind != dnspin.KindMalformed {
		t.Errorf("Expected a malformed provider error; got %q", err)
	}
	if n := p.callCount("create") + p.callCount("update"); n != 0 {
		t.Errorf("Expected no writes; got %d", n)
	}
}

func TestZoneDiscoveryRunsOnceAndCaches(t *testing.T) {
	p := &fakeZoneProvider{fakeProvider: newFakeProvider(), zoneID: "zone-99"}
	c, err := dnspin.New(testHost,
		dnspin.UsingProvider(p),
		dnspin.UsingResolver(dnspin.Static(v4Addr)),
		dnspin.WithFamilies(dnspin.IPv4),
		dnspin.WithRetry(3, 0, 0),
	)
	if err != nil {
		t.Fatalf("New failed: %s", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := c.Run(context.Background()); err != nil {
			t.Fatalf("Run %d failed: %s", i+1, err)
		}
	}
	if expected, got := 1, p.lookupCount(); expected != got {
		t.Errorf("Expected %d zone lookup; got %d", expected, got)
	}
}

func TestZoneDiscoveryFailureAbortsRun(t *testing.T) {
	p := &fakeZoneProvider{
		fakeProvider: newFakeProvider(),
		zoneErr:      &dnspin.ProviderError{Kind: dnspin.KindUnauthorized, Op: "zones", Err: errors.New("forbidden")},
	}
	c, err := dnspin.New(testHost,
		dnspin.UsingProvider(p),
		dnspin.UsingResolver(dnspin.Static(v4Addr)),
		dnspin.WithFamilies(dnspin.IPv4),
		dnspin.WithRetry(3, 0, 0),
	)
	if err != nil {
		t.Fatalf("New failed: %s", err)
	}

	outcomes, err := c.Run(context.Background())
	if err == nil {
		t.Fatal("Expected an error; got err == nil")
	}
	if outcomes != nil {
		t.Errorf("Expected no outcomes from an aborted run; got %+v", outcomes)
	}
	if p.callCount("list") != 0 {
		t.Errorf("Expected no record operations; got %d list calls", p.callCount("list"))
	}
}

func TestNoZoneAndNoDiscoveryFails(t *testing.T) {
	// plain fakeProvider cannot discover zones
	c, err := dnspin.New(testHost,
		dnspin.UsingProvider(newFakeProvider()),
		dnspin.UsingResolver(dnspin.Static(v4Addr)),
		dnspin.WithFamilies(dnspin.IPv4),
	)
	if err != nil {
		t.Fatalf("New failed: %s", err)
	}
	if _, err := c.Run(context.Background()); err == nil {
		t.Fatal("Expected an error without a zone ID; got err == nil")
	}
}

func TestReadyTracksLastRun(t *testing.T) {
	p := newFakeProvider()
	p.failNext("list", &dnspin.ProviderError{Kind: dnspin.KindUnauthorized, Op: "list", Err: errors.New("invalid token")})
	c := newTestClient(t, p, dnspin.WithFamilies(dnspin.IPv4))

	if c.Ready() {
		t.Error("Expected a fresh client to report not ready")
	}
	if _, err := c.Run(context.Background()); err == nil {
		t.Fatal("Expected the first run to fail")
	}
	if c.Ready() {
		t.Error("Expected not ready after a failed run")
	}
	if _, err := c.Run(context.Background()); err != nil {
		t.Fatalf("Expected the second run to succeed; got %q", err)
	}
	if !c.Ready() {
		t.Error("Expected ready after a successful run")
	}
}

func TestNewRejectsBadConfiguration(t *testing.T) {
	tests := []struct {
		name     string
		hostname string
		opts     []dnspin.Option
	}{
		{"empty hostname", "", nil},
		{"hostname without a dot", "localhost", nil},
		{"no provider", testHost, nil},
		{"nil provider", testHost, []dnspin.Option{dnspin.UsingProvider(nil)}},
		{"nil resolver", testHost, []dnspin.Option{dnspin.UsingProvider(newFakeProvider()), dnspin.UsingResolver(nil)}},
		{"zero ttl", testHost, []dnspin.Option{dnspin.UsingProvider(newFakeProvider()), dnspin.WithTTL(0)}},
		{"no families", testHost, []dnspin.Option{dnspin.UsingProvider(newFakeProvider()), dnspin.WithFamilies()}},
		{"zero retry attempts", testHost, []dnspin.Option{dnspin.UsingProvider(newFakeProvider()), dnspin.WithRetry(0, 0, 0)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := dnspin.New(tt.hostname, tt.opts...); err == nil {
				t.Error("Expected an error; got err == nil")
			}
		})
	}
}
