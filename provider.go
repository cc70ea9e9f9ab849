package dnspin

import "context"

// Record is one DNS record as a provider stores it.
//
// Content holds the record value in string form;
// for the A and AAAA records this package manages, an IP address.
type Record struct {
	ID      string
	Name    string
	Type    string
	Content string
	TTL     int
	Proxied bool
}

// Provider is the set of record operations a DNS provider must expose.
//
// Records returns every record in zone matching both name and recordType
// exactly. CreateRecord and UpdateRecord return the record as stored.
// Implementations classify failures by returning *[ProviderError] so the
// client can tell a retriable outage from a rejected credential.
type Provider interface {
	Records(ctx context.Context, zone, name, recordType string) ([]Record, error)
	CreateRecord(ctx context.Context, zone string, r Record) (Record, error)
	UpdateRecord(ctx context.Context, zone, id string, r Record) (Record, error)
}

// ZoneFinder is implemented by providers that can discover which zone a
// hostname belongs to. The client consults it when no zone ID was
// configured.
type ZoneFinder interface {
	ZoneIDForHost(ctx context.Context, host string) (string, error)
}

// TokenVerifier is implemented by providers that can check their credential
// without touching any records.
type TokenVerifier interface {
	VerifyToken(ctx context.Context) error
}
