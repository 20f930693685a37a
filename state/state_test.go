package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
)

func TestValidateKey(t *testing.T) {
	tests := []struct {
		key     string
		wantErr bool
	}{
		{"escrow.config", false},
		{"escrow.task.abc123", false},
		{"", true},
		{"has space", true},
		{".leading", true},
		{"trailing.", true},
		{"wild.*", true},
	}
	for _, tt := range tests {
		err := ValidateKey(tt.key)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateKey(%q) error = %v, wantErr %v", tt.key, err, tt.wantErr)
		}
	}
}

func TestValidateOps(t *testing.T) {
	tests := []struct {
		name    string
		ops     []Op
		wantErr error
	}{
		{"empty", nil, ErrEmptyCommit},
		{"bad key", []Op{Put("", nil, 0)}, ErrInvalidKey},
		{"delete without revision", []Op{Delete("a", 0)}, ErrInvalidOp},
		{"duplicate key", []Op{Put("a", nil, 0), Put("a", nil, 0)}, ErrInvalidOp},
		{"unknown kind", []Op{{Kind: OpKind(9), Key: "a"}}, ErrInvalidOp},
		{"ok", []Op{Put("a", nil, 0), Delete("b", 3)}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateOps(tt.ops)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern, key string
		want         bool
	}{
		{"*", "anything", true},
		{"escrow.task.*", "escrow.task.ab", true},
		{"escrow.task.*", "escrow.account.ab", false},
		{"escrow.config", "escrow.config", true},
		{"escrow.config", "escrow.configx", false},
	}
	for _, tt := range tests {
		if got := MatchPattern(tt.pattern, tt.key); got != tt.want {
			t.Errorf("MatchPattern(%q, %q) = %v, want %v", tt.pattern, tt.key, got, tt.want)
		}
	}
}

func TestConflictError(t *testing.T) {
	err := fmt.Errorf("commit: %w", &ConflictError{Key: "k", Want: 1, Have: 2})
	if !errors.Is(err, ErrConflict) {
		t.Error("ConflictError should match ErrConflict")
	}
	var ce *ConflictError
	if !errors.As(err, &ce) || ce.Key != "k" {
		t.Errorf("errors.As failed: %v", ce)
	}
}

func TestOpKindString(t *testing.T) {
	if OpPut.String() != "put" || OpDelete.String() != "delete" || OpKind(7).String() != "unknown" {
		t.Error("unexpected OpKind strings")
	}
}

// runStoreConformance exercises the StateStore contract against a backend.
func runStoreConformance(t *testing.T, newStore func(t *testing.T) StateStore) {
	ctx := context.Background()

	t.Run("GetNotFound", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("CreateThenGet", func(t *testing.T) {
		s := newStore(t)
		if err := s.Commit(ctx, Put("a.key", []byte("v1"), 0)); err != nil {
			t.Fatalf("Commit failed: %v", err)
		}
		kv, err := s.Get(ctx, "a.key")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(kv.Value) != "v1" {
			t.Errorf("value = %q", kv.Value)
		}
		if kv.Revision == 0 {
			t.Error("expected non-zero revision")
		}
	})

	t.Run("CreateRejectsExisting", func(t *testing.T) {
		s := newStore(t)
		if err := s.Commit(ctx, Put("a.key", []byte("v1"), 0)); err != nil {
			t.Fatal(err)
		}
		err := s.Commit(ctx, Put("a.key", []byte("v2"), 0))
		if !errors.Is(err, ErrConflict) {
			t.Fatalf("expected ErrConflict, got %v", err)
		}
		kv, _ := s.Get(ctx, "a.key")
		if string(kv.Value) != "v1" {
			t.Errorf("value changed to %q", kv.Value)
		}
	})

	t.Run("UpdateWithRevision", func(t *testing.T) {
		s := newStore(t)
		_ = s.Commit(ctx, Put("a.key", []byte("v1"), 0))
		kv, _ := s.Get(ctx, "a.key")

		if err := s.Commit(ctx, Put("a.key", []byte("v2"), kv.Revision)); err != nil {
			t.Fatalf("update failed: %v", err)
		}
		// stale revision
		if err := s.Commit(ctx, Put("a.key", []byte("v3"), kv.Revision)); !errors.Is(err, ErrConflict) {
			t.Fatalf("expected ErrConflict on stale revision, got %v", err)
		}
		got, _ := s.Get(ctx, "a.key")
		if string(got.Value) != "v2" {
			t.Errorf("value = %q, want v2", got.Value)
		}
		if got.Revision <= kv.Revision {
			t.Errorf("revision did not advance: %d -> %d", kv.Revision, got.Revision)
		}
	})

	t.Run("DeleteWithRevision", func(t *testing.T) {
		s := newStore(t)
		_ = s.Commit(ctx, Put("a.key", []byte("v1"), 0))
		kv, _ := s.Get(ctx, "a.key")

		if err := s.Commit(ctx, Delete("a.key", kv.Revision+100)); !errors.Is(err, ErrConflict) {
			t.Fatalf("expected ErrConflict, got %v", err)
		}
		if err := s.Commit(ctx, Delete("a.key", kv.Revision)); err != nil {
			t.Fatalf("delete failed: %v", err)
		}
		if _, err := s.Get(ctx, "a.key"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
		// key can be recreated
		if err := s.Commit(ctx, Put("a.key", []byte("again"), 0)); err != nil {
			t.Errorf("recreate failed: %v", err)
		}
	})

	t.Run("MultiKeyAllOrNothing", func(t *testing.T) {
		s := newStore(t)
		_ = s.Commit(ctx, Put("m.a", []byte("a1"), 0))
		_ = s.Commit(ctx, Put("m.b", []byte("b1"), 0))
		a, _ := s.Get(ctx, "m.a")
		b, _ := s.Get(ctx, "m.b")

		// second op is stale: nothing may change
		err := s.Commit(ctx,
			Put("m.a", []byte("a2"), a.Revision),
			Put("m.b", []byte("b2"), b.Revision+1),
			Put("m.c", []byte("c1"), 0),
		)
		if !errors.Is(err, ErrConflict) {
			t.Fatalf("expected ErrConflict, got %v", err)
		}
		got, _ := s.Get(ctx, "m.a")
		if string(got.Value) != "a1" {
			t.Errorf("m.a = %q, partial commit applied", got.Value)
		}
		if _, err := s.Get(ctx, "m.c"); !errors.Is(err, ErrNotFound) {
			t.Error("m.c must not exist after failed commit")
		}

		err = s.Commit(ctx,
			Put("m.a", []byte("a2"), a.Revision),
			Delete("m.b", b.Revision),
			Put("m.c", []byte("c1"), 0),
		)
		if err != nil {
			t.Fatalf("commit failed: %v", err)
		}
		got, _ = s.Get(ctx, "m.a")
		if string(got.Value) != "a2" {
			t.Errorf("m.a = %q", got.Value)
		}
		if _, err := s.Get(ctx, "m.b"); !errors.Is(err, ErrNotFound) {
			t.Error("m.b should be deleted")
		}
	})

	t.Run("Keys", func(t *testing.T) {
		s := newStore(t)
		for _, k := range []string{"escrow.task.a", "escrow.task.b", "escrow.account.x"} {
			if err := s.Commit(ctx, Put(k, []byte("v"), 0)); err != nil {
				t.Fatal(err)
			}
		}
		keys, err := s.Keys(ctx, "escrow.task.*")
		if err != nil {
			t.Fatalf("Keys failed: %v", err)
		}
		if len(keys) != 2 {
			t.Errorf("expected 2 keys, got %v", keys)
		}
		all, _ := s.Keys(ctx, "*")
		if len(all) != 3 {
			t.Errorf("expected 3 keys, got %v", all)
		}
	})

	t.Run("ConcurrentCreateExactlyOnce", func(t *testing.T) {
		s := newStore(t)
		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if err := s.Commit(ctx, Put("race.key", []byte(fmt.Sprint(i)), 0)); err == nil {
					wins.Add(1)
				} else if !errors.Is(err, ErrConflict) {
					t.Errorf("unexpected error: %v", err)
				}
			}(i)
		}
		wg.Wait()
		if wins.Load() != 1 {
			t.Errorf("expected exactly one winner, got %d", wins.Load())
		}
	})

	t.Run("ConcurrentIncrement", func(t *testing.T) {
		s := newStore(t)
		_ = s.Commit(ctx, Put("counter", []byte("0"), 0))

		const workers = 8
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					kv, err := s.Get(ctx, "counter")
					if err != nil {
						t.Errorf("Get: %v", err)
						return
					}
					var n int
					fmt.Sscan(string(kv.Value), &n)
					err = s.Commit(ctx, Put("counter", []byte(fmt.Sprint(n+1)), kv.Revision))
					if err == nil {
						return
					}
					if !errors.Is(err, ErrConflict) {
						t.Errorf("Commit: %v", err)
						return
					}
				}
			}()
		}
		wg.Wait()

		kv, _ := s.Get(ctx, "counter")
		if string(kv.Value) != fmt.Sprint(workers) {
			t.Errorf("counter = %s, want %d", kv.Value, workers)
		}
	})

	t.Run("ValueIsolation", func(t *testing.T) {
		s := newStore(t)
		val := []byte("orig")
		_ = s.Commit(ctx, Put("iso", val, 0))
		val[0] = 'X'
		kv, _ := s.Get(ctx, "iso")
		if string(kv.Value) != "orig" {
			t.Errorf("store aliased caller buffer: %q", kv.Value)
		}
		kv.Value[0] = 'Y'
		again, _ := s.Get(ctx, "iso")
		if string(again.Value) != "orig" {
			t.Errorf("store aliased returned buffer: %q", again.Value)
		}
	})

	t.Run("ClosedStore", func(t *testing.T) {
		s := newStore(t)
		if err := s.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
		if _, err := s.Get(ctx, "a"); !errors.Is(err, ErrClosed) {
			t.Errorf("Get after close: %v", err)
		}
		if err := s.Commit(ctx, Put("a", nil, 0)); !errors.Is(err, ErrClosed) {
			t.Errorf("Commit after close: %v", err)
		}
		if err := s.Close(); err != nil {
			t.Errorf("second Close should be a no-op: %v", err)
		}
	})
}
