// Package faults defines the error taxonomy shared across the pipeline.
package faults

import "errors"

var (
	// ErrAuth indicates rejected mailbox credentials. Fatal to the
	// account until the configuration changes.
	ErrAuth = errors.New("authentication failed")

	// ErrConnectivity indicates a network or TLS level failure.
	// Transient; the scheduler backs off and retries.
	ErrConnectivity = errors.New("connectivity failure")

	// ErrNotFound indicates a message vanished between listing and
	// fetching. Benign; the message is skipped.
	ErrNotFound = errors.New("message not found")

	// ErrOversize indicates an attachment above the configured size cap.
	ErrOversize = errors.New("attachment too large")

	// ErrUnparsable indicates a corrupt or encrypted document.
	ErrUnparsable = errors.New("unparsable document")

	// ErrUnsupportedFormat indicates a document with no extractable text,
	// e.g. an image-only scan.
	ErrUnsupportedFormat = errors.New("unsupported document format")
)

// Kind maps an error to a stable name for the diagnostics surface.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, ErrConnectivity):
		return "connectivity"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrOversize):
		return "oversize"
	case errors.Is(err, ErrUnparsable):
		return "unparsable"
	case errors.Is(err, ErrUnsupportedFormat):
		return "unsupported_format"
	default:
		return "other"
	}
}

// Quarantinable reports whether err is a per-attachment or per-message
// failure that should be recorded in the ledger as quarantined rather
// than retried on the next cycle.
func Quarantinable(err error) bool {
	return errors.Is(err, ErrOversize) ||
		errors.Is(err, ErrUnparsable) ||
		errors.Is(err, ErrUnsupportedFormat)
}
