package state

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"
)

// BoltStore implements StateStore on a bbolt database file.
// Each Commit runs inside a single bbolt write transaction, so a commit is
// atomic across keys and durable across process crashes.
type BoltStore struct {
	db     *bbolt.DB
	bucket []byte
	closed atomic.Bool
}

// BoltStoreConfig holds bbolt store configuration.
type BoltStoreConfig struct {
	// Path is the database file path.
	Path string

	// Bucket is the bbolt bucket holding all records.
	// Default: "escrow"
	Bucket string

	// OpenTimeout bounds waiting for the file lock held by another process.
	// Default: 1s
	OpenTimeout time.Duration
}

// DefaultBoltStoreConfig returns configuration with sensible defaults.
func DefaultBoltStoreConfig() BoltStoreConfig {
	return BoltStoreConfig{
		Path:        "escrow.db",
		Bucket:      "escrow",
		OpenTimeout: time.Second,
	}
}

// record header: revision, created unix nanos, modified unix nanos.
const boltHeaderLen = 24

// NewBoltStore opens (or creates) a bbolt-backed store.
func NewBoltStore(cfg BoltStoreConfig) (*BoltStore, error) {
	defaults := DefaultBoltStoreConfig()
	if cfg.Path == "" {
		cfg.Path = defaults.Path
	}
	if cfg.Bucket == "" {
		cfg.Bucket = defaults.Bucket
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = defaults.OpenTimeout
	}

	db, err := bbolt.Open(cfg.Path, 0o600, &bbolt.Options{Timeout: cfg.OpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", cfg.Path, err)
	}

	bucket := []byte(cfg.Bucket)
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}

	return &BoltStore{db: db, bucket: bucket}, nil
}

func encodeBoltRecord(rev uint64, created, modified time.Time, value []byte) []byte {
	buf := make([]byte, boltHeaderLen+len(value))
	binary.BigEndian.PutUint64(buf[0:8], rev)
	binary.BigEndian.PutUint64(buf[8:16], uint64(created.UnixNano()))
	binary.BigEndian.PutUint64(buf[16:24], uint64(modified.UnixNano()))
	copy(buf[boltHeaderLen:], value)
	return buf
}

func decodeBoltRecord(key string, raw []byte) (*KeyValue, error) {
	if len(raw) < boltHeaderLen {
		return nil, fmt.Errorf("corrupt record %s: %d bytes", key, len(raw))
	}
	return &KeyValue{
		Key:      key,
		Revision: binary.BigEndian.Uint64(raw[0:8]),
		Created:  time.Unix(0, int64(binary.BigEndian.Uint64(raw[8:16]))),
		Modified: time.Unix(0, int64(binary.BigEndian.Uint64(raw[16:24]))),
		Value:    copyBytes(raw[boltHeaderLen:]),
	}, nil
}

// Get retrieves a record by key.
func (s *BoltStore) Get(ctx context.Context, key string) (*KeyValue, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	var kv *KeyValue
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(s.bucket).Get([]byte(key))
		if raw == nil {
			return ErrNotFound
		}
		var err error
		kv, err = decodeBoltRecord(key, raw)
		return err
	})
	if err != nil {
		return nil, err
	}
	return kv, nil
}

// Keys returns all keys matching a pattern, in byte order.
func (s *BoltStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	prefix := []byte(strings.TrimSuffix(pattern, "*"))
	if pattern == "*" {
		prefix = nil
	}

	var keys []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(s.bucket).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			if MatchPattern(pattern, string(k)) {
				keys = append(keys, string(k))
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bolt keys: %w", err)
	}
	return keys, nil
}

// Commit applies all operations in one bbolt write transaction.
func (s *BoltStore) Commit(ctx context.Context, ops ...Op) error {
	if err := ValidateOps(ops); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)

		existing := make(map[string]*KeyValue, len(ops))
		for _, op := range ops {
			var have uint64
			if raw := b.Get([]byte(op.Key)); raw != nil {
				kv, err := decodeBoltRecord(op.Key, raw)
				if err != nil {
					return err
				}
				have = kv.Revision
				existing[op.Key] = kv
			}
			if have != op.Revision {
				return &ConflictError{Key: op.Key, Want: op.Revision, Have: have}
			}
		}

		rev, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("bolt sequence: %w", err)
		}
		now := time.Now()
		for _, op := range ops {
			switch op.Kind {
			case OpPut:
				created := now
				if kv, ok := existing[op.Key]; ok {
					created = kv.Created
				}
				if err := b.Put([]byte(op.Key), encodeBoltRecord(rev, created, now, op.Value)); err != nil {
					return fmt.Errorf("bolt put %s: %w", op.Key, err)
				}
			case OpDelete:
				if err := b.Delete([]byte(op.Key)); err != nil {
					return fmt.Errorf("bolt delete %s: %w", op.Key, err)
				}
			}
		}
		return nil
	})
}

// Close closes the database file.
func (s *BoltStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
