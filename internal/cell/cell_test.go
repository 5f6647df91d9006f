package cell

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ctrlai/auditchain/internal/db"
)

var intCodec = Codec[int]{
	Marshal: func(v int) ([]byte, error) { return json.Marshal(v) },
	Unmarshal: func(b []byte) (int, error) {
		var v int
		err := json.Unmarshal(b, &v)
		return v, err
	},
}

func openSQLStore(t *testing.T, path string) *SQLStore {
	t.Helper()
	d, err := db.Open(context.Background(), db.Config{Driver: db.SQLite, DSN: path})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return NewSQLStore(d)
}

// stores returns each backend under test, fresh per call.
func stores(t *testing.T) map[string]Store {
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": openSQLStore(t, filepath.Join(t.TempDir(), "cells.db")),
	}
}

func TestCompareAndSet_Semantics(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ref := New(store, "counter", intCodec)

			if _, ok, err := ref.Get(ctx); err != nil || ok {
				t.Fatalf("fresh cell: ok=%v err=%v", ok, err)
			}

			ok, err := ref.CompareAndSet(ctx, nil, 1)
			if err != nil || !ok {
				t.Fatalf("seeding unset cell: ok=%v err=%v", ok, err)
			}

			// A second seed must lose: the cell is no longer unset.
			if ok, _ := ref.CompareAndSet(ctx, nil, 99); ok {
				t.Error("CompareAndSet(nil) succeeded on a set cell")
			}

			wrong := 5
			if ok, _ := ref.CompareAndSet(ctx, &wrong, 99); ok {
				t.Error("CompareAndSet with stale expected value succeeded")
			}

			one := 1
			if ok, err := ref.CompareAndSet(ctx, &one, 2); err != nil || !ok {
				t.Fatalf("CompareAndSet with current value: ok=%v err=%v", ok, err)
			}

			v, ok, err := ref.Get(ctx)
			if err != nil || !ok || v != 2 {
				t.Errorf("Get = %d, %v, %v; want 2, true, nil", v, ok, err)
			}
		})
	}
}

func TestAlterAndGet_Unset(t *testing.T) {
	ref := New(NewMemoryStore(), "c", intCodec)
	_, err := ref.AlterAndGet(context.Background(), func(v int) int { return v + 1 })
	if !errors.Is(err, ErrUnset) {
		t.Fatalf("expected ErrUnset, got %v", err)
	}
}

func TestAlterAndGet_NoLostUpdates(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var conflicts atomic.Int64
			ref := New(store, "counter", intCodec,
				WithBackoff(0, 0),
				WithConflictHook(func(string, int) { conflicts.Add(1) }),
			)
			if _, err := ref.CompareAndSet(ctx, nil, 0); err != nil {
				t.Fatal(err)
			}

			const workers, perWorker = 8, 25
			results := make(chan int, workers*perWorker)
			var wg sync.WaitGroup
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for j := 0; j < perWorker; j++ {
						v, err := ref.AlterAndGet(ctx, func(v int) int { return v + 1 })
						if err != nil {
							t.Errorf("AlterAndGet: %v", err)
							return
						}
						results <- v
					}
				}()
			}
			wg.Wait()
			close(results)

			// Every update must return a distinct value: a total order.
			seen := make(map[int]bool)
			for v := range results {
				if seen[v] {
					t.Fatalf("value %d returned twice", v)
				}
				seen[v] = true
			}

			v, _, _ := ref.Get(ctx)
			if v != workers*perWorker {
				t.Errorf("final value = %d, want %d (conflicts observed: %d)", v, workers*perWorker, conflicts.Load())
			}
		})
	}
}

func TestAlterAndGet_SharedSQLiteFile(t *testing.T) {
	// Two handles on one file behave like two processes on one host.
	path := filepath.Join(t.TempDir(), "shared.db")
	a := New(openSQLStore(t, path), "head", intCodec, WithBackoff(time.Millisecond, 5*time.Millisecond))
	b := New(openSQLStore(t, path), "head", intCodec, WithBackoff(time.Millisecond, 5*time.Millisecond))
	ctx := context.Background()

	if ok, err := a.CompareAndSet(ctx, nil, 0); err != nil || !ok {
		t.Fatalf("seed: ok=%v err=%v", ok, err)
	}
	if ok, _ := b.CompareAndSet(ctx, nil, 0); ok {
		t.Fatal("second handle re-seeded an already set cell")
	}

	var wg sync.WaitGroup
	for _, ref := range []*Ref[int]{a, b} {
		wg.Add(1)
		go func(ref *Ref[int]) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				if _, err := ref.AlterAndGet(ctx, func(v int) int { return v + 1 }); err != nil {
					t.Errorf("AlterAndGet: %v", err)
					return
				}
			}
		}(ref)
	}
	wg.Wait()

	v, _, err := b.Get(ctx)
	if err != nil || v != 40 {
		t.Errorf("final value = %d (err %v), want 40", v, err)
	}
}

// contendedStore always loses the swap, as if another node won every race.
type contendedStore struct {
	*MemoryStore
}

func (contendedStore) CompareAndSwap(context.Context, string, []byte, []byte) (bool, error) {
	return false, nil
}

func TestAlterAndGet_RetriesUntilContextEnds(t *testing.T) {
	mem := NewMemoryStore()
	ctx := context.Background()
	if _, err := New(mem, "c", intCodec).CompareAndSet(ctx, nil, 0); err != nil {
		t.Fatal(err)
	}

	var attempts atomic.Int64
	ref := New(contendedStore{mem}, "c", intCodec,
		WithBackoff(time.Millisecond, 2*time.Millisecond),
		WithConflictHook(func(_ string, attempt int) { attempts.Store(int64(attempt)) }),
	)

	ctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err := ref.AlterAndGet(ctx, func(v int) int { return v + 1 })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if attempts.Load() < 2 {
		t.Errorf("expected repeated attempts, got %d", attempts.Load())
	}
}
