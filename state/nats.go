package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSStore implements StateStore using NATS JetStream KV.
//
// Every commit runs under a bucket-wide commit lock record and becomes
// visible at one compare-and-set on that record; see Commit. Every writer of
// the bucket must go through Commit.
type NATSStore struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	kv     jetstream.KeyValue
	config NATSStoreConfig
	closed atomic.Bool
}

// NATSStoreConfig holds NATS KV store configuration.
type NATSStoreConfig struct {
	// Conn is the NATS connection to use.
	Conn *nats.Conn

	// Bucket is the KV bucket name.
	Bucket string

	// History is the number of revisions to keep per key.
	// Default: 1
	History int

	// MaxValueSize is the maximum value size in bytes.
	// Default: 64KB
	MaxValueSize int32

	// OpTimeout bounds each KV round trip.
	// Default: 5s
	OpTimeout time.Duration

	// LockTTL is how long a commit lock may be held before another
	// committer takes it over. A holder stops writing once less than
	// OpTimeout of its lease remains.
	// Default: 10s
	LockTTL time.Duration
}

// DefaultNATSStoreConfig returns configuration with sensible defaults.
func DefaultNATSStoreConfig() NATSStoreConfig {
	return NATSStoreConfig{
		Bucket:       "escrow",
		History:      1,
		MaxValueSize: 64 * 1024,
		OpTimeout:    5 * time.Second,
		LockTTL:      10 * time.Second,
	}
}

const commitLockKey = "_commit.lock"

// NewNATSStore creates a new NATS JetStream KV store.
func NewNATSStore(cfg NATSStoreConfig) (*NATSStore, error) {
	if cfg.Conn == nil {
		return nil, fmt.Errorf("nats connection required")
	}
	defaults := DefaultNATSStoreConfig()
	if cfg.Bucket == "" {
		cfg.Bucket = defaults.Bucket
	}
	if cfg.History <= 0 {
		cfg.History = defaults.History
	}
	if cfg.MaxValueSize <= 0 {
		cfg.MaxValueSize = defaults.MaxValueSize
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = defaults.OpTimeout
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaults.LockTTL
	}
	if cfg.LockTTL < 2*cfg.OpTimeout {
		return nil, fmt.Errorf("lock ttl %v must be at least twice the op timeout %v", cfg.LockTTL, cfg.OpTimeout)
	}

	js, err := jetstream.New(cfg.Conn)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:       cfg.Bucket,
		History:      uint8(cfg.History),
		MaxValueSize: cfg.MaxValueSize,
	})
	if err != nil {
		return nil, fmt.Errorf("create kv bucket: %w", err)
	}

	return &NATSStore{
		conn:   cfg.Conn,
		js:     js,
		kv:     kv,
		config: cfg,
	}, nil
}

// Get retrieves a record by key, including writes of a commit that has
// passed its commit point. A pending write reports the lock record's
// revision, which no committed key holds, so a commit built on it conflicts
// and retries once the write has landed.
func (s *NATSStore) Get(ctx context.Context, key string) (*KeyValue, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.OpTimeout)
	defer cancel()

	ops, lock, err := s.pending(ctx)
	if err != nil {
		return nil, err
	}
	for _, op := range ops {
		if op.Key != key {
			continue
		}
		if op.Kind == OpDelete {
			return nil, ErrNotFound
		}
		return &KeyValue{
			Key:      key,
			Value:    copyBytes(op.Value),
			Revision: lock.Revision(),
			Created:  lock.Created(),
			Modified: lock.Created(),
		}, nil
	}
	return s.get(ctx, key)
}

// get reads the key as stored, ignoring pending operations.
func (s *NATSStore) get(ctx context.Context, key string) (*KeyValue, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.OpTimeout)
	defer cancel()

	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("kv get: %w", err)
	}

	return &KeyValue{
		Key:      entry.Key(),
		Value:    entry.Value(),
		Revision: entry.Revision(),
		Created:  entry.Created(),
		Modified: entry.Created(), // NATS KV stamps each revision, not the first write
	}, nil
}

// Keys returns all keys matching a pattern.
func (s *NATSStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	ctx, cancel := context.WithTimeout(ctx, 2*s.config.OpTimeout)
	defer cancel()

	// Pending operations are read first: by the time the listing runs they
	// are either still pending or already written.
	ops, _, err := s.pending(ctx)
	if err != nil {
		return nil, err
	}

	lister, err := s.kv.ListKeys(ctx)
	if err != nil && !errors.Is(err, jetstream.ErrNoKeysFound) {
		return nil, fmt.Errorf("kv list keys: %w", err)
	}
	present := make(map[string]bool)
	if lister != nil {
		defer lister.Stop()
		for key := range lister.Keys() {
			if key != commitLockKey && MatchPattern(pattern, key) {
				present[key] = true
			}
		}
	}

	for _, op := range ops {
		if MatchPattern(pattern, op.Key) {
			present[op.Key] = op.Kind == OpPut
		}
	}

	keys := make([]string, 0, len(present))
	for key, ok := range present {
		if ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Commit applies the operations as one unit.
//
// The commit lock record doubles as a redo log. Holding the lock, the
// committer checks every revision and then writes the operations into the
// lock record with compare-and-set on the lock's own revision. That write is
// the commit point. The keys are updated afterwards; until they are, Get and
// Keys answer from the pending operations, and the next lock holder
// finishes the job if this one stops part way.
func (s *NATSStore) Commit(ctx context.Context, ops ...Op) error {
	if err := ValidateOps(ops); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	l, err := s.acquireCommitLock(ctx)
	if err != nil {
		return err
	}
	defer l.release()

	if len(l.state.Ops) > 0 {
		if err := l.settle(ctx); err != nil {
			return fmt.Errorf("%w: %v", ErrPendingCommit, err)
		}
	}

	for _, op := range ops {
		var have uint64
		kv, err := s.get(ctx, op.Key)
		switch {
		case err == nil:
			have = kv.Revision
		case errors.Is(err, ErrNotFound):
		default:
			return err
		}
		if have != op.Revision {
			return &ConflictError{Key: op.Key, Want: op.Revision, Have: have}
		}
	}

	if l.expiring() {
		return &ConflictError{Key: commitLockKey}
	}
	if err := l.write(ctx, lockState{Deadline: l.state.Deadline, Ops: ops}); err != nil {
		return err
	}

	// Committed. A failure from here on leaves the operations pending in
	// the lock record for the next committer.
	_ = l.settle(ctx)
	return nil
}

// ErrPendingCommit reports that an earlier commit could not be finished, so
// no new commit was attempted.
var ErrPendingCommit = errors.New("pending commit unfinished")

func (s *NATSStore) apply(ctx context.Context, op Op) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.OpTimeout)
	defer cancel()

	var err error
	switch {
	case op.Kind == OpDelete:
		err = s.kv.Delete(ctx, op.Key, jetstream.LastRevision(op.Revision))
	case op.Revision == 0:
		_, err = s.kv.Create(ctx, op.Key, op.Value)
	default:
		_, err = s.kv.Update(ctx, op.Key, op.Value, op.Revision)
	}
	if err != nil {
		return s.casError(op, err)
	}
	return nil
}

func (s *NATSStore) casError(op Op, err error) error {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return &ConflictError{Key: op.Key, Want: op.Revision}
	}
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence {
		return &ConflictError{Key: op.Key, Want: op.Revision}
	}
	return fmt.Errorf("kv %s %s: %w", op.Kind, op.Key, err)
}

// lockState is the value of the commit lock record. Ops is non-empty once a
// commit has passed its commit point and until its keys are all written.
type lockState struct {
	Deadline int64 `json:"deadline"` // unix nanos
	Ops      []Op  `json:"ops,omitempty"`
}

func decodeLockState(raw []byte) (lockState, error) {
	var st lockState
	if err := json.Unmarshal(raw, &st); err != nil {
		return st, fmt.Errorf("commit lock record: %w", err)
	}
	return st, nil
}

// commitLock is a held commit lock.
type commitLock struct {
	s     *NATSStore
	rev   uint64
	state lockState
}

// write replaces the lock record, failing with a conflict when the lock was
// taken over.
func (l *commitLock) write(ctx context.Context, st lockState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, l.s.config.OpTimeout)
	defer cancel()

	rev, err := l.s.kv.Update(ctx, commitLockKey, raw, l.rev)
	if err != nil {
		return l.s.casError(Op{Kind: OpPut, Key: commitLockKey, Revision: l.rev}, err)
	}
	l.rev = rev
	l.state = st
	return nil
}

// expiring reports whether the lease may lapse before one more round trip.
func (l *commitLock) expiring() bool {
	return time.Now().Add(l.s.config.OpTimeout).UnixNano() >= l.state.Deadline
}

// settle writes the pending operations to their keys and clears them from
// the lock record. Each write is conditioned on the revision the commit was
// checked against; a conflict means the write already landed, since every
// writer finishes pending operations before writing anything else.
func (l *commitLock) settle(ctx context.Context) error {
	for _, op := range l.state.Ops {
		if l.expiring() {
			return errLeaseExpiring
		}
		if err := l.s.apply(ctx, op); err != nil && !errors.Is(err, ErrConflict) {
			return err
		}
	}
	return l.write(ctx, lockState{Deadline: l.state.Deadline})
}

// release frees the lock. Unfinished operations stay in the record with an
// expired deadline so the next committer takes over at once.
func (l *commitLock) release() {
	ctx, cancel := context.WithTimeout(context.Background(), l.s.config.OpTimeout)
	defer cancel()

	if len(l.state.Ops) > 0 {
		_ = l.write(ctx, lockState{Ops: l.state.Ops})
		return
	}
	// A failed delete leaves a lock that expires after LockTTL.
	_ = l.s.kv.Delete(ctx, commitLockKey, jetstream.LastRevision(l.rev))
}

var (
	errLockBusy      = errors.New("commit lock busy")
	errLeaseExpiring = errors.New("commit lock lease expiring")
)

// acquireCommitLock takes the bucket-wide commit lock, waiting while another
// committer holds it.
func (s *NATSStore) acquireCommitLock(ctx context.Context) (*commitLock, error) {
	for {
		l, err := s.tryLock(ctx)
		if err == nil {
			return l, nil
		}
		if !errors.Is(err, errLockBusy) {
			return nil, fmt.Errorf("commit lock: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// tryLock makes one attempt at the commit lock. An expired lock is taken
// over together with any operations its holder left pending.
func (s *NATSStore) tryLock(ctx context.Context) (*commitLock, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.OpTimeout)
	defer cancel()

	fresh := lockState{Deadline: time.Now().Add(s.config.LockTTL).UnixNano()}
	raw, err := json.Marshal(fresh)
	if err != nil {
		return nil, err
	}

	rev, err := s.kv.Create(ctx, commitLockKey, raw)
	if err == nil {
		return &commitLock{s: s, rev: rev, state: fresh}, nil
	}
	if !errors.Is(err, jetstream.ErrKeyExists) {
		return nil, err
	}

	entry, err := s.kv.Get(ctx, commitLockKey)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, errLockBusy // released between Create and Get
		}
		return nil, err
	}
	held, err := decodeLockState(entry.Value())
	if err != nil {
		return nil, err
	}
	if time.Now().UnixNano() < held.Deadline {
		return nil, errLockBusy
	}

	taken := lockState{Deadline: fresh.Deadline, Ops: held.Ops}
	if raw, err = json.Marshal(taken); err != nil {
		return nil, err
	}
	rev, err = s.kv.Update(ctx, commitLockKey, raw, entry.Revision())
	if err != nil {
		if errors.Is(s.casError(Op{Key: commitLockKey}, err), ErrConflict) {
			return nil, errLockBusy
		}
		return nil, err
	}
	return &commitLock{s: s, rev: rev, state: taken}, nil
}

// pending returns the operations past their commit point but not yet
// written, with the lock record entry that holds them.
func (s *NATSStore) pending(ctx context.Context) ([]Op, jetstream.KeyValueEntry, error) {
	entry, err := s.kv.Get(ctx, commitLockKey)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("kv get: %w", err)
	}
	st, err := decodeLockState(entry.Value())
	if err != nil {
		return nil, nil, err
	}
	return st.Ops, entry, nil
}

// Close marks the store closed. The NATS connection is owned by the caller.
func (s *NATSStore) Close() error {
	s.closed.Swap(true)
	return nil
}
