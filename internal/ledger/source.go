package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

var (
	// ErrSourceUnavailable wraps transport and RPC failures of a RecordSource.
	ErrSourceUnavailable = errors.New("ledger: source unavailable")
	// ErrMalformedIdentifier rejects addresses and signatures before any network call.
	ErrMalformedIdentifier = errors.New("ledger: malformed identifier")
)

const (
	addressLen   = 32
	signatureLen = 64
)

// ListOptions bounds one ListRecent page. Before is exclusive.
type ListOptions struct {
	Limit  int
	Before Identifier
}

// RecordSource is the paginated, newest-first ledger data source.
type RecordSource interface {
	// ListRecent returns up to opts.Limit entries older than opts.Before,
	// newest first. An empty page is not an error.
	ListRecent(ctx context.Context, address string, opts ListOptions) ([]RawEntry, error)

	// GetRecord returns (nil, nil) when the record is not indexed yet.
	GetRecord(ctx context.Context, id Identifier) (*ParsedRecord, error)
}

// Unavailable marks err as a source failure.
func Unavailable(err error) error {
	if err == nil || errors.Is(err, ErrSourceUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
}

// ValidateAddress checks that address is a base58 encoded 32-byte account key.
func ValidateAddress(address string) error {
	return validateBase58(address, addressLen, "address")
}

// ValidateIdentifier checks that id is a base58 encoded 64-byte signature.
func ValidateIdentifier(id Identifier) error {
	return validateBase58(string(id), signatureLen, "signature")
}

func validateBase58(value string, size int, what string) error {
	if value == "" {
		return fmt.Errorf("%w: empty %s", ErrMalformedIdentifier, what)
	}
	raw, err := base58.Decode(value)
	if err != nil {
		return fmt.Errorf("%w: %s %q is not base58", ErrMalformedIdentifier, what, value)
	}
	if len(raw) != size {
		return fmt.Errorf("%w: %s %q decodes to %d bytes, want %d", ErrMalformedIdentifier, what, value, len(raw), size)
	}
	return nil
}
