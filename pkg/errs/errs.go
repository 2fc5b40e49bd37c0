// Package errs centralizes the error kinds the engine surfaces to its
// callers. Every component wraps one of these sentinels with fmt.Errorf's
// %w rather than inventing new error types, so callers can always recover
// the kind with errors.Is and Classify.
package errs

import "errors"

var (
	// ErrNotFound means no instance matches the lookup.
	ErrNotFound = errors.New("instance not found")

	// ErrAlreadyExists means a hostname collision under the same owner + kind.
	ErrAlreadyExists = errors.New("instance already exists")

	// ErrResourceUnavailable covers allocator exhaustion, timeouts, sub-step
	// failures, malformed metadata on a tolerant read, a missing image with
	// no fallback, checksum mismatch, or an unmet precondition such as
	// deleting a running instance.
	ErrResourceUnavailable = errors.New("resource unavailable")

	// ErrImageNotFound means a catalogue miss.
	ErrImageNotFound = errors.New("image not found")

	// ErrMalformedMetadata means the description field failed to decode on
	// a directly targeted instance (as opposed to a tolerant bulk read).
	ErrMalformedMetadata = errors.New("malformed instance metadata")

	// ErrNoSchedulable means node selection yielded no candidate.
	ErrNoSchedulable = errors.New("no schedulable node")

	// ErrDomainInvalid means a vhost add was rejected by the domain validator.
	ErrDomainInvalid = errors.New("domain invalid")
)

// Kind is the coarse error classification the admin API maps to an HTTP
// status code (see §7 of the engine specification).
type Kind string

const (
	KindNotFound            Kind = "not_found"
	KindAlreadyExists       Kind = "already_exists"
	KindResourceUnavailable Kind = "resource_unavailable"
	KindImageNotFound       Kind = "image_not_found"
	KindMalformedMetadata   Kind = "malformed_metadata"
	KindNoSchedulable       Kind = "no_schedulable"
	KindDomainInvalid       Kind = "domain_invalid"
	KindUnknown             Kind = "unknown"
)

// Classify maps a wrapped error back to its Kind, walking the chain with
// errors.Is so deeply wrapped sentinels still classify correctly.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case isErr(err, ErrNotFound):
		return KindNotFound
	case isErr(err, ErrAlreadyExists):
		return KindAlreadyExists
	case isErr(err, ErrResourceUnavailable):
		return KindResourceUnavailable
	case isErr(err, ErrImageNotFound):
		return KindImageNotFound
	case isErr(err, ErrMalformedMetadata):
		return KindMalformedMetadata
	case isErr(err, ErrNoSchedulable):
		return KindNoSchedulable
	case isErr(err, ErrDomainInvalid):
		return KindDomainInvalid
	default:
		return KindUnknown
	}
}

func isErr(err, target error) bool {
	return errors.Is(err, target)
}
