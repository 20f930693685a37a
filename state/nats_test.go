//go:build integration

package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
)

// runJetStream starts an in-process JetStream server and returns a client
// connection to it.
func runJetStream(t *testing.T) *nats.Conn {
	t.Helper()
	opts := natsserver.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	srv := natsserver.RunServer(&opts)
	t.Cleanup(srv.Shutdown)

	conn, err := nats.Connect(srv.ClientURL(), nats.Timeout(2*time.Second))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(conn.Close)
	return conn
}

var bucketSeq atomic.Int64

func newTestNATSStore(t *testing.T) *NATSStore {
	t.Helper()
	store, err := NewNATSStore(NATSStoreConfig{
		Conn:   runJetStream(t),
		Bucket: fmt.Sprintf("escrow-test-%d", bucketSeq.Add(1)),
	})
	if err != nil {
		t.Fatalf("NewNATSStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNATSStore(t *testing.T) {
	runStoreConformance(t, func(t *testing.T) StateStore { return newTestNATSStore(t) })
}

// leaveLock writes a commit lock record the way a committer that stopped
// after its commit point would leave it.
func leaveLock(t *testing.T, s *NATSStore, st lockState) {
	t.Helper()
	raw, err := json.Marshal(st)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.kv.Put(context.Background(), commitLockKey, raw); err != nil {
		t.Fatalf("write lock record: %v", err)
	}
}

func storedValue(t *testing.T, s *NATSStore, key string) (string, bool) {
	t.Helper()
	kv, err := s.get(context.Background(), key)
	if errors.Is(err, ErrNotFound) {
		return "", false
	}
	if err != nil {
		t.Fatalf("get %s: %v", key, err)
	}
	return string(kv.Value), true
}

func TestNATSStore_PendingCommitIsVisibleAndFinished(t *testing.T) {
	ctx := context.Background()
	s := newTestNATSStore(t)

	if err := s.Commit(ctx, Put("escrow.account.a", []byte("1000"), 0)); err != nil {
		t.Fatal(err)
	}
	if err := s.Commit(ctx, Put("escrow.tombstone.t1", []byte("old"), 0)); err != nil {
		t.Fatal(err)
	}
	acct, _ := s.Get(ctx, "escrow.account.a")
	tomb, _ := s.Get(ctx, "escrow.tombstone.t1")

	// A committer passed its commit point and then died.
	leaveLock(t, s, lockState{Ops: []Op{
		Put("escrow.task.t1", []byte("open"), 0),
		Put("escrow.account.a", []byte("0"), acct.Revision),
		Delete("escrow.tombstone.t1", tomb.Revision),
	}})

	got, err := s.Get(ctx, "escrow.account.a")
	if err != nil || string(got.Value) != "0" {
		t.Fatalf("pending balance not visible: %v %v", got, err)
	}
	if _, err := s.Get(ctx, "escrow.tombstone.t1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("pending delete not visible: %v", err)
	}
	keys, err := s.Keys(ctx, "escrow.*")
	if err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(keys) != "[escrow.account.a escrow.task.t1]" {
		t.Errorf("keys = %v", keys)
	}

	// A commit built on the pending view conflicts once the writes land.
	err = s.Commit(ctx, Put("escrow.account.a", []byte("5"), got.Revision))
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	if v, _ := storedValue(t, s, "escrow.account.a"); v != "0" {
		t.Errorf("stored balance = %q, want 0", v)
	}
	if v, ok := storedValue(t, s, "escrow.task.t1"); !ok || v != "open" {
		t.Errorf("stored task = %q %v", v, ok)
	}
	if _, ok := storedValue(t, s, "escrow.tombstone.t1"); ok {
		t.Error("tombstone still stored")
	}
	if ops, _, _ := s.pending(ctx); len(ops) != 0 {
		t.Errorf("lock record still holds %d ops", len(ops))
	}
}

func TestNATSStore_FinishingTwiceIsHarmless(t *testing.T) {
	ctx := context.Background()
	s := newTestNATSStore(t)

	if err := s.Commit(ctx, Put("escrow.account.a", []byte("1"), 0)); err != nil {
		t.Fatal(err)
	}
	before, _ := s.Get(ctx, "escrow.account.a")
	ops := []Op{Put("escrow.account.a", []byte("2"), before.Revision), Put("escrow.task.x", []byte("new"), 0)}
	if err := s.Commit(ctx, ops...); err != nil {
		t.Fatal(err)
	}

	// The same operations left pending again, as when a holder stalls past
	// its lease after already writing them.
	leaveLock(t, s, lockState{Ops: ops})
	if err := s.Commit(ctx, Put("escrow.config", []byte("cfg"), 0)); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if v, _ := storedValue(t, s, "escrow.account.a"); v != "2" {
		t.Errorf("balance = %q", v)
	}
	if v, _ := storedValue(t, s, "escrow.task.x"); v != "new" {
		t.Errorf("task = %q", v)
	}
}

func TestNATSStore_WaitsForLiveLock(t *testing.T) {
	s := newTestNATSStore(t)
	leaveLock(t, s, lockState{Deadline: time.Now().Add(time.Hour).UnixNano()})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := s.Commit(ctx, Put("escrow.config", []byte("cfg"), 0)); err == nil {
		t.Fatal("Commit succeeded while another committer held the lock")
	}
	if _, ok := storedValue(t, s, "escrow.config"); ok {
		t.Fatal("write landed without the lock")
	}

	// An expired lease is taken over.
	leaveLock(t, s, lockState{Deadline: time.Now().Add(-time.Second).UnixNano()})
	if err := s.Commit(context.Background(), Put("escrow.config", []byte("cfg"), 0)); err != nil {
		t.Errorf("Commit after expiry: %v", err)
	}
}

// Single-key deposits race multi-key transfers. Every successful operation
// must be reflected exactly once in the final balances.
func TestNATSStore_SingleKeyWritesRaceMultiKeyCommits(t *testing.T) {
	ctx := context.Background()
	s := newTestNATSStore(t)

	const start = 1000
	for _, k := range []string{"escrow.account.a", "escrow.account.b"} {
		if err := s.Commit(ctx, Put(k, []byte(strconv.Itoa(start)), 0)); err != nil {
			t.Fatal(err)
		}
	}

	read := func(key string) (int, uint64) {
		kv, err := s.Get(ctx, key)
		if err != nil {
			t.Errorf("Get %s: %v", key, err)
			return 0, 0
		}
		n, _ := strconv.Atoi(string(kv.Value))
		return n, kv.Revision
	}

	var deposits, transfers atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				a, rev := read("escrow.account.a")
				if s.Commit(ctx, Put("escrow.account.a", []byte(strconv.Itoa(a+1)), rev)) == nil {
					deposits.Add(1)
				}
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				a, ra := read("escrow.account.a")
				b, rb := read("escrow.account.b")
				err := s.Commit(ctx,
					Put("escrow.account.a", []byte(strconv.Itoa(a-1)), ra),
					Put("escrow.account.b", []byte(strconv.Itoa(b+1)), rb),
				)
				if err == nil {
					transfers.Add(1)
				} else if !errors.Is(err, ErrConflict) {
					t.Errorf("transfer: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	a, _ := read("escrow.account.a")
	b, _ := read("escrow.account.b")
	d, tr := int(deposits.Load()), int(transfers.Load())
	if a != start+d-tr || b != start+tr {
		t.Errorf("a=%d b=%d after %d deposits and %d transfers", a, b, d, tr)
	}
	if d == 0 || tr == 0 {
		t.Errorf("expected both kinds of writes to succeed: %d deposits, %d transfers", d, tr)
	}
}
