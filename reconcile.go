package dnspin

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/go-logr/logr"
)

// Action describes what a reconciliation pass did to the managed record.
type Action uint8

const (
	// NoChange means the record already held the current address.
	NoChange Action = iota
	// Updated means an existing record was rewritten in place.
	Updated
	// Created means no record existed and one was created.
	Created
)

func (a Action) String() string {
	switch a {
	case NoChange:
		return "no_change"
	case Updated:
		return "updated"
	case Created:
		return "created"
	}
	return fmt.Sprintf("action(%d)", uint8(a))
}

// Outcome reports the result of reconciling one address family.
// When Err is non-nil the family failed and Action is meaningless.
type Outcome struct {
	Family   Family
	Action   Action
	Previous string // record content before the pass; empty when none existed
	Content  string // address confirmed or written, in canonical form
	Err      error
}

// Failed reports whether the family's pass failed.
func (o Outcome) Failed() bool { return o.Err != nil }

// reconcile drives one family toward its desired state:
// exactly one record of the family's type holding addr.
// Zero existing records means create and one means compare and maybe rewrite.
// More than one is ambiguous and nothing is touched.
func (c *Client) reconcile(ctx context.Context, log logr.Logger, family Family, addr netip.Addr) Outcome {
	out := Outcome{Family: family, Content: canonical(addr)}
	rtype := family.RecordType()

	var records []Record
	err := c.retry.do(ctx, log, "list", func() (err error) {
		records, err = c.provider.Records(ctx, c.zoneID, c.hostname, rtype)
		return err
	})
	if err != nil {
		out.Err = fmt.Errorf("listing %s records: %w", rtype, err)
		return out
	}

	if len(records) > 1 {
		out.Err = fmt.Errorf("found %d %s records for %s: %w", len(records), rtype, c.hostname, ErrAmbiguousRecords)
		return out
	}

	if len(records) == 0 {
		if c.dryRun {
			out.Action = Created
			return out
		}
		desired := Record{
			Name:    c.hostname,
			Type:    rtype,
			Content: out.Content,
			TTL:     c.ttl,
			Proxied: c.proxied,
		}
		err := c.retry.do(ctx, log, "create", func() error {
			_, err := c.provider.CreateRecord(ctx, c.zoneID, desired)
			return err
		})
		if err != nil {
			out.Err = fmt.Errorf("creating %s record: %w", rtype, err)
			return out
		}
		out.Action = Created
		return out
	}

	current := records[0]
	out.Previous = current.Content
	prev, err := netip.ParseAddr(current.Content)
	if err != nil {
		out.Err = &ProviderError{
			Kind: KindMalformed,
			Op:   "list",
			Err:  fmt.Errorf("record %s content %q is not an IP address: %w", current.ID, current.Content, err),
		}
		return out
	}
	if !family.Matches(prev) {
		out.Err = &ProviderError{
			Kind: KindMalformed,
			Op:   "list",
			Err:  fmt.Errorf("record %s content %q is not an %s address", current.ID, current.Content, family),
		}
		return out
	}

	// Equality is decided on parsed addresses, never on raw strings,
	// so every spelling of the same IPv6 address counts as current.
	if prev.Unmap() == addr.Unmap() {
		out.Action = NoChange
		return out
	}

	if c.dryRun {
		out.Action = Updated
		return out
	}
	desired := current
	desired.Content = out.Content
	err = c.retry.do(ctx, log, "update", func() error {
		_, err := c.provider.UpdateRecord(ctx, c.zoneID, current.ID, desired)
		return err
	})
	if err != nil {
		out.Err = fmt.Errorf("updating %s record: %w", rtype, err)
		return out
	}
	out.Action = Updated
	return out
}
