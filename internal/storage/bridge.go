// Package storage persists serialized chain records and the durable head
// snapshot. Contents are opaque bytes; the chain package owns the format.
package storage

import (
	"context"
	"errors"
)

// ErrElementExists is returned when a verification element is written
// twice. The record store is append-only.
var ErrElementExists = errors.New("storage: verification element already exists")

// Bridge is the durable store behind the hash chain.
type Bridge interface {
	// PutVerificationElement stores the record for auditID.
	PutVerificationElement(ctx context.Context, auditID string, content []byte) error

	// GetVerificationElement returns the record stored for auditID.
	GetVerificationElement(ctx context.Context, auditID string) ([]byte, bool, error)

	// GetHeadVerificationElement returns the last persisted head snapshot.
	GetHeadVerificationElement(ctx context.Context) ([]byte, bool, error)

	// UpdateHeadVerificationElement replaces the head snapshot if seq is
	// greater than the seq of the stored one; otherwise it is a no-op.
	UpdateHeadVerificationElement(ctx context.Context, seq uint64, content []byte) error
}
