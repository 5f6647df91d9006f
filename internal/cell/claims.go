package cell

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrNotHeld is returned by Release when the caller's token no longer
// holds the claim.
var ErrNotHeld = errors.New("cell: claim not held")

// released marks a claim that was given back. It can be claimed again.
var released = []byte("-")

// Claims hands out exclusive named claims. Each claim is a cell in the
// same Store as the values it guards, so a claim is as linearizable as the
// head itself: of any number of processes claiming one key, exactly one
// wins until the winner releases it.
//
// Claims never expire. A key claimed by a process that died before
// releasing it stays claimed until an operator calls Reset.
type Claims struct {
	store  Store
	prefix string
}

// NewClaims returns Claims whose cells are named prefix+key in store.
func NewClaims(store Store, prefix string) *Claims {
	return &Claims{store: store, prefix: prefix}
}

// Claim takes key for the caller. ok is false when someone else holds it.
// The returned token identifies this claim to Release.
func (c *Claims) Claim(ctx context.Context, key string) (token string, ok bool, err error) {
	name := c.prefix + key
	token = uuid.NewString()
	for _, old := range [][]byte{nil, released} {
		swapped, err := c.store.CompareAndSwap(ctx, name, old, []byte(token))
		if err != nil {
			return "", false, fmt.Errorf("claiming %s: %w", name, err)
		}
		if swapped {
			return token, true, nil
		}
	}
	return "", false, nil
}

// Release gives key back, provided token still holds it.
func (c *Claims) Release(ctx context.Context, key, token string) error {
	name := c.prefix + key
	swapped, err := c.store.CompareAndSwap(ctx, name, []byte(token), released)
	if err != nil {
		return fmt.Errorf("releasing %s: %w", name, err)
	}
	if !swapped {
		return fmt.Errorf("releasing %s: %w", name, ErrNotHeld)
	}
	return nil
}

// Held reports whether key is currently claimed.
func (c *Claims) Held(ctx context.Context, key string) (bool, error) {
	cur, ok, err := c.store.Load(ctx, c.prefix+key)
	if err != nil {
		return false, fmt.Errorf("reading claim %s: %w", c.prefix+key, err)
	}
	return ok && !bytes.Equal(cur, released), nil
}

// Reset releases key whoever holds it. It reports whether a claim was
// dropped. Only use it once the holder is known to be gone.
func (c *Claims) Reset(ctx context.Context, key string) (bool, error) {
	name := c.prefix + key
	cur, ok, err := c.store.Load(ctx, name)
	if err != nil {
		return false, fmt.Errorf("reading claim %s: %w", name, err)
	}
	if !ok || bytes.Equal(cur, released) {
		return false, nil
	}
	swapped, err := c.store.CompareAndSwap(ctx, name, cur, released)
	if err != nil {
		return false, fmt.Errorf("resetting claim %s: %w", name, err)
	}
	return swapped, nil
}
