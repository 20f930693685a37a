package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Common errors.
var (
	ErrNotFound    = errors.New("key not found")
	ErrClosed      = errors.New("store closed")
	ErrInvalidKey  = errors.New("invalid key")
	ErrConflict    = errors.New("revision conflict")
	ErrInvalidOp   = errors.New("invalid operation")
	ErrEmptyCommit = errors.New("empty commit")
)

// OpKind is the type of a conditional write.
type OpKind int

const (
	// OpPut creates or replaces a key.
	OpPut OpKind = iota
	// OpDelete removes a key.
	OpDelete
)

// String returns the operation name.
func (o OpKind) String() string {
	switch o {
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// KeyValue represents a stored record with metadata.
type KeyValue struct {
	// Key is the record key.
	Key string

	// Value is the record payload.
	Value []byte

	// Revision is a monotonic version number, never zero for a stored record.
	Revision uint64

	// Created is when the key was first created.
	Created time.Time

	// Modified is when the key was last written.
	Modified time.Time
}

// Op is one conditional write within a Commit.
type Op struct {
	Kind  OpKind
	Key   string
	Value []byte

	// Revision is the revision the key must hold when the commit applies.
	// For OpPut, zero means the key must not exist.
	Revision uint64
}

// Put returns an operation that writes value to key, provided the key is
// currently at revision (zero: absent).
func Put(key string, value []byte, revision uint64) Op {
	return Op{Kind: OpPut, Key: key, Value: value, Revision: revision}
}

// Delete returns an operation that removes key, provided the key is
// currently at revision.
func Delete(key string, revision uint64) Op {
	return Op{Kind: OpDelete, Key: key, Revision: revision}
}

// ConflictError reports which key failed its revision check.
type ConflictError struct {
	Key  string
	Want uint64
	Have uint64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("revision conflict on %s: want %d, have %d", e.Key, e.Want, e.Have)
}

// Is makes errors.Is(err, ErrConflict) match.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// StateStore is a keyed record store with conditional multi-key commits.
type StateStore interface {
	// Get retrieves a record by key.
	// Returns ErrNotFound if the key does not exist.
	Get(ctx context.Context, key string) (*KeyValue, error)

	// Keys returns all keys matching a pattern.
	// Pattern supports * wildcard at the end (e.g., "escrow.task.*").
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Commit applies all operations atomically, or none of them.
	// Returns an error matching ErrConflict if any revision check fails.
	Commit(ctx context.Context, ops ...Op) error

	// Close shuts down the store and releases resources.
	Close() error
}

// ValidateKey checks if a key is valid.
func ValidateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	if strings.ContainsAny(key, " *>") {
		return ErrInvalidKey
	}
	if strings.HasPrefix(key, ".") || strings.HasSuffix(key, ".") {
		return ErrInvalidKey
	}
	if len(key) > 1024 {
		return ErrInvalidKey
	}
	return nil
}

// ValidateOps checks a commit's operations: valid keys, known kinds, a
// revision for every delete, and at most one operation per key.
func ValidateOps(ops []Op) error {
	if len(ops) == 0 {
		return ErrEmptyCommit
	}
	seen := make(map[string]struct{}, len(ops))
	for _, op := range ops {
		if err := ValidateKey(op.Key); err != nil {
			return fmt.Errorf("%w: %q", err, op.Key)
		}
		switch op.Kind {
		case OpPut:
		case OpDelete:
			if op.Revision == 0 {
				return fmt.Errorf("%w: delete of %s needs a revision", ErrInvalidOp, op.Key)
			}
		default:
			return fmt.Errorf("%w: kind %d", ErrInvalidOp, op.Kind)
		}
		if _, dup := seen[op.Key]; dup {
			return fmt.Errorf("%w: %s written twice", ErrInvalidOp, op.Key)
		}
		seen[op.Key] = struct{}{}
	}
	return nil
}

// MatchPattern checks if a key matches a pattern.
// Supports * wildcard at the end (e.g., "escrow.task.*" matches "escrow.task.ab").
func MatchPattern(pattern, key string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(key, prefix)
	}
	return pattern == key
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
