package chain

import (
	"errors"
	"fmt"
)

var (
	// ErrIntegrity matches every *IntegrityError.
	ErrIntegrity = errors.New("chain: integrity fault")

	// ErrReservedID is returned for events that use the root's audit id.
	ErrReservedID = errors.New("chain: audit id is reserved for the root")

	// ErrMissingID is returned for events without an audit id.
	ErrMissingID = errors.New("chain: event has no audit id")

	// ErrCorruptHead is returned at cold start when the durable head exists
	// but cannot be decoded. Seeding from the root instead would fork the
	// chain, so initialization stops.
	ErrCorruptHead = errors.New("chain: durable head is unreadable")
)

// IntegrityError reports a chained event that is missing from the audit
// log. That is data loss, not a hash mismatch, and is never folded into a
// plain "invalid" result.
type IntegrityError struct {
	AuditID string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("chain: integrity fault: audit event %q is linked but missing from the audit log", e.AuditID)
}

func (e *IntegrityError) Is(target error) bool {
	return target == ErrIntegrity
}
