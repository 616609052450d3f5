package storage

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/dgraph-io/badger/v3"
)

func newTestEngine(t *testing.T) *BadgerEngine {
	t.Helper()

	cfg := DefaultKVConfig(t.TempDir())
	cfg.Badger.GCInterval = "1h"
	cfg.Badger.SyncWrites = false

	engine, err := NewBadgerEngine(cfg, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { engine.Close() })
	return engine
}

func TestBadgerEngine_BasicOperations(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	t.Run("Set and Get", func(t *testing.T) {
		if err := engine.Set(ctx, []byte("k"), []byte("v")); err != nil {
			t.Fatal(err)
		}
		got, err := engine.Get(ctx, []byte("k"))
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != "v" {
			t.Errorf("expected v, got %s", got)
		}
	})

	t.Run("Get non-existent key", func(t *testing.T) {
		_, err := engine.Get(ctx, []byte("missing"))
		if !errors.Is(err, ErrKeyNotFound) {
			t.Errorf("expected ErrKeyNotFound, got %v", err)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if err := engine.Set(ctx, []byte("d"), []byte("x")); err != nil {
			t.Fatal(err)
		}
		if err := engine.Delete(ctx, []byte("d")); err != nil {
			t.Fatal(err)
		}
		if _, err := engine.Get(ctx, []byte("d")); !errors.Is(err, ErrKeyNotFound) {
			t.Errorf("expected ErrKeyNotFound after delete, got %v", err)
		}
	})
}

func TestBadgerEngine_Iterate(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	for _, seq := range []uint64{3, 1, 2, 10} {
		if err := engine.Set(ctx, EventKey(seq), []byte{byte(seq)}); err != nil {
			t.Fatal(err)
		}
	}
	if err := engine.Set(ctx, KeySequence, EncodeUint64(10)); err != nil {
		t.Fatal(err)
	}

	collect := func(reverse bool) []uint64 {
		var got []uint64
		err := engine.View(ctx, func(txn KVTxn) error {
			return txn.Iterate(PrefixEvent, reverse, func(key, _ []byte) (bool, error) {
				seq, ok := EventSequence(key)
				if !ok {
					t.Fatalf("bad key %q", key)
				}
				got = append(got, seq)
				return true, nil
			})
		})
		if err != nil {
			t.Fatal(err)
		}
		return got
	}

	if got := collect(false); !equalSeqs(got, []uint64{1, 2, 3, 10}) {
		t.Errorf("forward = %v", got)
	}
	if got := collect(true); !equalSeqs(got, []uint64{10, 3, 2, 1}) {
		t.Errorf("reverse = %v", got)
	}

	var scanned int
	if err := engine.Scan(ctx, PrefixEvent, func(_, _ []byte) bool {
		scanned++
		return scanned < 2
	}); err != nil {
		t.Fatal(err)
	}
	if scanned != 2 {
		t.Errorf("Scan stopped after %d keys, want 2", scanned)
	}
}

func TestBadgerEngine_UpdateAtomic(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := engine.Update(ctx, func(txn KVTxn) error {
		if err := txn.Set([]byte("a"), []byte("1")); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Update() error = %v, want boom", err)
	}
	if _, err := engine.Get(ctx, []byte("a")); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("failed transaction left a write behind: %v", err)
	}
}

func TestBadgerEngine_ConcurrentCounter(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	const workers = 8
	var (
		wg        sync.WaitGroup
		committed atomic.Uint64
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := engine.Update(ctx, func(txn KVTxn) error {
				raw, err := txn.Get(KeySequence)
				if err != nil && !errors.Is(err, ErrKeyNotFound) {
					return err
				}
				return txn.Set(KeySequence, EncodeUint64(DecodeUint64(raw)+1))
			})
			switch {
			case err == nil:
				committed.Add(1)
			case !errors.Is(err, badger.ErrConflict):
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	raw, err := engine.Get(ctx, KeySequence)
	if err != nil {
		t.Fatal(err)
	}
	if got := DecodeUint64(raw); got != committed.Load() {
		t.Errorf("counter = %d, want %d committed increments", got, committed.Load())
	}
}

func TestBadgerEngine_InMemory(t *testing.T) {
	cfg := KVConfig{InMemory: true, Badger: DefaultBadgerConfig()}
	engine, err := NewBadgerEngine(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if err := engine.Set(ctx, []byte("k"), []byte("v")); err != nil {
		t.Fatal(err)
	}
	if n, err := engine.GC(ctx); err != nil || n != 0 {
		t.Errorf("GC() = %d, %v; want 0, nil in memory", n, err)
	}
	if err := engine.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := engine.Get(ctx, []byte("k")); !errors.Is(err, ErrClosed) {
		t.Errorf("Get after Close = %v, want ErrClosed", err)
	}
	if err := engine.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}
}

func TestKeys(t *testing.T) {
	if !bytes.HasPrefix(SnapshotKey("INBOX/a", "snap-1"), SnapshotPrefix("INBOX/a")) {
		t.Error("snapshot key must start with its partition prefix")
	}
	if bytes.Equal(SnapshotPrefix("INBOX"), SnapshotPrefix("Archive")) {
		t.Error("different partitions must not share a prefix")
	}
	if bytes.Compare(EventKey(255), EventKey(256)) >= 0 {
		t.Error("event keys must sort by sequence")
	}
	if len(PartitionHash("x")) != 16 {
		t.Errorf("PartitionHash width = %d", len(PartitionHash("x")))
	}
}

func equalSeqs(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
