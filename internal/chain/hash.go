// Package chain implements the tamper-evident audit hash chain.
//
// Every audit event becomes a Record linked to its predecessor:
//
//	link = SHA-256(parent.link || SHA-256(canonical(event)))
//
// The chain starts at a root record derived from a configured seed and
// grows at a single head shared by every node through a cell.Cell. Editing
// any chained event changes a hash that can be recomputed from the stored
// records, so the edit is detectable.
package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ctrlai/auditchain/internal/audit"
)

// HashSize is the size of a Hash in bytes.
const HashSize = sha256.Size

const hashPrefix = "sha256:"

// Hash is an immutable SHA-256 digest. Equality is byte-exact, so Hash
// values compare with ==.
type Hash [HashSize]byte

// Digest hashes the canonical content of an audit event.
func Digest(e audit.Event) Hash {
	return DigestBytes(e.Canonical())
}

// DigestBytes hashes raw bytes.
func DigestBytes(b []byte) Hash {
	return Hash(sha256.Sum256(b))
}

// Combine hashes the concatenation left || right. The order matters:
// Combine(a, b) != Combine(b, a) whenever a != b.
func Combine(left, right Hash) Hash {
	var buf [2 * HashSize]byte
	copy(buf[:HashSize], left[:])
	copy(buf[HashSize:], right[:])
	return Hash(sha256.Sum256(buf[:]))
}

// String returns the prefixed hex form "sha256:<hex>".
func (h Hash) String() string {
	return hashPrefix + hex.EncodeToString(h[:])
}

// IsZero reports whether h is the all-zero value.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash parses the "sha256:<hex>" form produced by String.
func ParseHash(s string) (Hash, error) {
	var h Hash
	raw, ok := strings.CutPrefix(s, hashPrefix)
	if !ok {
		return h, fmt.Errorf("hash %q: missing %q prefix", s, hashPrefix)
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return h, fmt.Errorf("hash %q: %w", s, err)
	}
	if len(b) != HashSize {
		return h, fmt.Errorf("hash %q: want %d bytes, got %d", s, HashSize, len(b))
	}
	copy(h[:], b)
	return h, nil
}
