// Package cell provides a cluster-shared, single-value atomic reference.
//
// A Cell holds one value that any number of processes may read, seed with
// compare-and-set, or advance with read-modify-write. Linearizability comes
// from the backing Store's compare-and-swap; this package adds typing and
// an explicit optimistic retry loop on top.
package cell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// ErrUnset is returned by AlterAndGet when the cell holds no value.
var ErrUnset = errors.New("cell: value not set")

// Cell is a typed atomic reference shared by every node.
type Cell[T any] interface {
	// Get returns the current value; ok is false when the cell is unset.
	Get(ctx context.Context) (value T, ok bool, err error)

	// CompareAndSet stores next only if the current value equals
	// *expected. A nil expected means "only if unset".
	CompareAndSet(ctx context.Context, expected *T, next T) (bool, error)

	// AlterAndGet atomically replaces the current value v with fn(v) and
	// returns the stored result. Competing updates are applied in some
	// total order; none is lost. fn may run more than once and must be
	// free of side effects.
	AlterAndGet(ctx context.Context, fn func(T) T) (T, error)
}

// Store is the byte-level backend of a Cell. CompareAndSwap must be
// linearizable across every process sharing the store.
type Store interface {
	// Load returns the encoded value of the named cell.
	Load(ctx context.Context, name string) (value []byte, ok bool, err error)

	// CompareAndSwap sets the named cell to next if its encoded value is
	// byte-equal to old. A nil old means "only if unset".
	CompareAndSwap(ctx context.Context, name string, old, next []byte) (bool, error)
}

// Codec converts values to the byte form held by a Store. Marshal must be
// deterministic: equal values must encode to equal bytes.
type Codec[T any] struct {
	Marshal   func(T) ([]byte, error)
	Unmarshal func([]byte) (T, error)
}

type options struct {
	minBackoff time.Duration
	maxBackoff time.Duration
	onConflict func(name string, attempt int)
}

// Option configures a Ref.
type Option func(*options)

// WithBackoff bounds the randomized pause between conflicting attempts.
// A zero min disables pausing.
func WithBackoff(min, max time.Duration) Option {
	return func(o *options) {
		o.minBackoff = min
		o.maxBackoff = max
	}
}

// WithConflictHook registers fn to run after every lost compare-and-swap
// inside AlterAndGet. attempt counts from 1.
func WithConflictHook(fn func(name string, attempt int)) Option {
	return func(o *options) {
		o.onConflict = fn
	}
}

// Ref is a Cell backed by a Store.
type Ref[T any] struct {
	name  string
	store Store
	codec Codec[T]
	opts  options
}

var _ Cell[struct{}] = (*Ref[struct{}])(nil)

// New returns a Ref for the named cell in store.
func New[T any](store Store, name string, codec Codec[T], opts ...Option) *Ref[T] {
	o := options{
		minBackoff: time.Millisecond,
		maxBackoff: 50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxBackoff < o.minBackoff {
		o.maxBackoff = o.minBackoff
	}
	return &Ref[T]{name: name, store: store, codec: codec, opts: o}
}

// Name returns the cell's name in its store.
func (r *Ref[T]) Name() string {
	return r.name
}

func (r *Ref[T]) Get(ctx context.Context) (T, bool, error) {
	var zero T
	raw, ok, err := r.store.Load(ctx, r.name)
	if err != nil || !ok {
		return zero, false, err
	}
	v, err := r.codec.Unmarshal(raw)
	if err != nil {
		return zero, false, fmt.Errorf("cell %s: %w", r.name, err)
	}
	return v, true, nil
}

func (r *Ref[T]) CompareAndSet(ctx context.Context, expected *T, next T) (bool, error) {
	var old []byte
	if expected != nil {
		b, err := r.codec.Marshal(*expected)
		if err != nil {
			return false, fmt.Errorf("cell %s: %w", r.name, err)
		}
		old = b
	}
	nb, err := r.codec.Marshal(next)
	if err != nil {
		return false, fmt.Errorf("cell %s: %w", r.name, err)
	}
	return r.store.CompareAndSwap(ctx, r.name, old, nb)
}

// AlterAndGet runs the optimistic loop: load, apply fn, compare-and-swap
// against the exact bytes that were loaded, and on conflict pause and
// start over. It gives up only on a backend error or when ctx ends.
func (r *Ref[T]) AlterAndGet(ctx context.Context, fn func(T) T) (T, error) {
	var zero T
	for attempt := 1; ; attempt++ {
		raw, ok, err := r.store.Load(ctx, r.name)
		if err != nil {
			return zero, fmt.Errorf("cell %s: load: %w", r.name, err)
		}
		if !ok {
			return zero, fmt.Errorf("cell %s: %w", r.name, ErrUnset)
		}
		cur, err := r.codec.Unmarshal(raw)
		if err != nil {
			return zero, fmt.Errorf("cell %s: %w", r.name, err)
		}

		next := fn(cur)
		nb, err := r.codec.Marshal(next)
		if err != nil {
			return zero, fmt.Errorf("cell %s: %w", r.name, err)
		}

		swapped, err := r.store.CompareAndSwap(ctx, r.name, raw, nb)
		if err != nil {
			return zero, fmt.Errorf("cell %s: compare-and-swap: %w", r.name, err)
		}
		if swapped {
			return next, nil
		}

		if r.opts.onConflict != nil {
			r.opts.onConflict(r.name, attempt)
		}
		if err := r.pause(ctx, attempt); err != nil {
			return zero, fmt.Errorf("cell %s: %w", r.name, err)
		}
	}
}

// pause sleeps a jittered, exponentially growing interval.
func (r *Ref[T]) pause(ctx context.Context, attempt int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.opts.minBackoff <= 0 {
		return nil
	}
	d := r.opts.minBackoff << min(attempt-1, 16)
	if d <= 0 || d > r.opts.maxBackoff {
		d = r.opts.maxBackoff
	}
	d = d/2 + rand.N(d/2+1)

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// equalValue compares encoded values, treating nil as "unset".
func equalValue(cur []byte, curSet bool, old []byte) bool {
	if old == nil {
		return !curSet
	}
	return curSet && bytes.Equal(cur, old)
}
