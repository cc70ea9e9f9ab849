package dnspin

import (
	"errors"
	"fmt"
)

// ErrAmbiguousRecords is wrapped into an [Outcome] error when the provider
// holds more than one record of the managed type for the hostname.
// The client refuses to guess which record is the managed one;
// delete the extras and run again.
var ErrAmbiguousRecords = errors.New("multiple records exist where at most one was expected")

// ErrorKind classifies provider failures so callers and the retry loop can
// react without string matching.
type ErrorKind uint8

const (
	// KindTransient covers connection failures, timeouts, and provider 5xx
	// responses. Retrying may succeed.
	KindTransient ErrorKind = iota
	// KindUnauthorized means the credential was rejected or lacks permission.
	KindUnauthorized
	// KindNotFound means the zone or record does not exist.
	KindNotFound
	// KindRateLimited means the provider asked us to slow down.
	KindRateLimited
	// KindMalformed means the provider rejected the request as invalid,
	// or sent back a response this package could not understand.
	KindMalformed
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindUnauthorized:
		return "unauthorized"
	case KindNotFound:
		return "not_found"
	case KindRateLimited:
		return "rate_limited"
	case KindMalformed:
		return "malformed"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ProviderError wraps a failed provider operation with its classification.
type ProviderError struct {
	Kind ErrorKind
	Op   string // "list", "create", "update", "zones", "verify"
	Err  error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s (%s): %s", e.Op, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retriable reports whether repeating the operation could plausibly succeed.
func (e *ProviderError) Retriable() bool {
	return e.Kind == KindTransient || e.Kind == KindRateLimited
}

// ResolveError wraps a failed public address lookup for one family.
type ResolveError struct {
	Family Family
	Err    error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolving %s address: %s", e.Family, e.Err)
}

func (e *ResolveError) Unwrap() error { return e.Err }

func retriable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retriable()
	}
	return false
}

// errorKindLabel is the metrics label for a failed outcome.
func errorKindLabel(err error) string {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind.String()
	}
	var re *ResolveError
	if errors.As(err, &re) {
		return "resolve"
	}
	if errors.Is(err, ErrAmbiguousRecords) {
		return "ambiguous"
	}
	return "other"
}
