package dnspin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cloudflare/cloudflare-go"
	"github.com/hashicorp/go-cleanhttp"
)

// Cloudflare implements Provider on top of the Cloudflare v4 API.
//
// The SDK's implicit retry policy is disabled at construction so every rate
// limit and server error surfaces immediately as a classified
// *ProviderError. Retry scheduling belongs to the client, where it is
// bounded and observable.
type Cloudflare struct {
	api     *cloudflare.API
	comment string // attached to records this package creates
}

// NewCloudflare constructs a Cloudflare provider from an API token.
// The token needs DNS:Edit for the managed zone,
// plus Zone:Read if the client discovers the zone ID itself.
func NewCloudflare(token string) (*Cloudflare, error) {
	if token == "" {
		return nil, errors.New("cloudflare: API token cannot be empty")
	}
	// The overall timeout keeps a stalled API exchange from wedging a
	// cron-driven run; callers with different needs can swap the client
	// with dnspin.UsingHTTPClient.
	hc := cleanhttp.DefaultPooledClient()
	hc.Timeout = 30 * time.Second
	hc.Transport = rateLimitTripper{next: hc.Transport}
	api, err := cloudflare.NewWithAPIToken(token,
		cloudflare.HTTPClient(hc),
		cloudflare.UsingRetryPolicy(0, 0, 0),
	)
	if err != nil {
		return nil, fmt.Errorf("cloudflare: creating api client: %w", err)
	}
	return &Cloudflare{api: api, comment: "managed by dnspin"}, nil
}

// SetHTTPClient routes the adapter's API calls through hc. The client is
// used with its transport wrapped so 429 detection stays in place.
func (p *Cloudflare) SetHTTPClient(hc *http.Client) {
	if hc == nil {
		hc = http.DefaultClient
	}
	wrapped := *hc
	wrapped.Transport = rateLimitTripper{next: hc.Transport}
	cloudflare.HTTPClient(&wrapped)(p.api)
}

// errTooManyRequests marks an API exchange that came back HTTP 429.
var errTooManyRequests = errors.New("cloudflare: too many requests (HTTP 429)")

// rateLimitTripper turns 429 responses into errTooManyRequests at the
// transport. The SDK's request loop consumes the 429 status and returns a
// bare unclassifiable error, so by the time classify sees it the status
// code is gone.
type rateLimitTripper struct {
	next http.RoundTripper
}

func (t rateLimitTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	next := t.next
	if next == nil {
		next = http.DefaultTransport
	}
	resp, err := next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		resp.Body.Close()
		return nil, errTooManyRequests
	}
	return resp, nil
}

// Records implements Provider.
func (p *Cloudflare) Records(ctx context.Context, zone, name, recordType string) ([]Record, error) {
	records, _, err := p.api.ListDNSRecords(ctx, cloudflare.ZoneIdentifier(zone), cloudflare.ListDNSRecordsParams{
		Type: recordType,
		Name: name,
	})
	if err != nil {
		return nil, classify("list", err)
	}
	out := make([]Record, 0, len(records))
	for _, r := range records {
		out = append(out, fromAPI(r))
	}
	return out, nil
}

// CreateRecord implements Provider.
func (p *Cloudflare) CreateRecord(ctx context.Context, zone string, r Record) (Record, error) {
	proxied := r.Proxied
	created, err := p.api.CreateDNSRecord(ctx, cloudflare.ZoneIdentifier(zone), cloudflare.CreateDNSRecordParams{
		Type:    r.Type,
		Name:    r.Name,
		Content: r.Content,
		TTL:     r.TTL,
		Proxied: &proxied,
		Comment: p.comment,
	})
	if err != nil {
		return Record{}, classify("create", err)
	}
	return fromAPI(created), nil
}

// UpdateRecord implements Provider.
// Fields of r other than Content should carry the existing record's values;
// the update rewrites the record as a whole.
func (p *Cloudflare) UpdateRecord(ctx context.Context, zone, id string, r Record) (Record, error) {
	proxied := r.Proxied
	updated, err := p.api.UpdateDNSRecord(ctx, cloudflare.ZoneIdentifier(zone), cloudflare.UpdateDNSRecordParams{
		ID:      id,
		Type:    r.Type,
		Name:    r.Name,
		Content: r.Content,
		TTL:     r.TTL,
		Proxied: &proxied,
	})
	if err != nil {
		return Record{}, classify("update", err)
	}
	return fromAPI(updated), nil
}

// ZoneIDForHost implements ZoneFinder by picking the longest zone name that
// host sits inside. "a.b.example.com" prefers zone "b.example.com" over
// "example.com" when both exist on the account.
func (p *Cloudflare) ZoneIDForHost(ctx context.Context, host string) (string, error) {
	zones, err := p.api.ListZones(ctx)
	if err != nil {
		return "", classify("zones", err)
	}
	var zid string
	best := 0
	for _, z := range zones {
		if host != z.Name && !strings.HasSuffix(host, "."+z.Name) {
			continue
		}
		if len(z.Name) > best {
			best, zid = len(z.Name), z.ID
		}
	}
	if best == 0 {
		return "", &ProviderError{Kind: KindNotFound, Op: "zones", Err: fmt.Errorf("no zone on this account matches %q", host)}
	}
	return zid, nil
}

// VerifyToken implements TokenVerifier.
func (p *Cloudflare) VerifyToken(ctx context.Context) error {
	result, err := p.api.VerifyAPIToken(ctx)
	if err != nil {
		return classify("verify", err)
	}
	if result.Status != "active" {
		return &ProviderError{Kind: KindUnauthorized, Op: "verify", Err: fmt.Errorf("token status is %q, expected \"active\"", result.Status)}
	}
	return nil
}

func fromAPI(r cloudflare.DNSRecord) Record {
	rec := Record{
		ID:      r.ID,
		Name:    r.Name,
		Type:    r.Type,
		Content: r.Content,
		TTL:     r.TTL,
	}
	if r.Proxied != nil {
		rec.Proxied = *r.Proxied
	}
	return rec
}

// classify maps SDK errors onto the ErrorKind taxonomy.
// Status classes the SDK reports as typed errors are matched by type.
// 429 is tagged by rateLimitTripper instead because the SDK's request
// loop never lets it reach the typed-error path; 5xx loop errors are
// bare too and land on the transient default.
func classify(op string, err error) error {
	kind := KindTransient
	var (
		authentication *cloudflare.AuthenticationError
		authorization  *cloudflare.AuthorizationError
		notFound       *cloudflare.NotFoundError
		rateLimit      *cloudflare.RatelimitError
		service        *cloudflare.ServiceError
		request        *cloudflare.RequestError
		syntax         *json.SyntaxError
		unmarshal      *json.UnmarshalTypeError
	)
	switch {
	case errors.Is(err, errTooManyRequests), errors.As(err, &rateLimit):
		kind = KindRateLimited
	case errors.As(err, &authentication), errors.As(err, &authorization):
		kind = KindUnauthorized
	case errors.As(err, &notFound):
		kind = KindNotFound
	case errors.As(err, &service):
		kind = KindTransient
	case errors.As(err, &request):
		kind = KindMalformed
	case errors.As(err, &syntax), errors.As(err, &unmarshal):
		// The HTTP exchange worked but the body was not the JSON we
		// expected.
		kind = KindMalformed
	}
	return &ProviderError{Kind: kind, Op: op, Err: err}
}
