package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	apperrors "github.com/vinayprograms/taskescrow/errors"
	"github.com/vinayprograms/taskescrow/state"
)

// txn collects the revisions of everything read during one attempt and the
// writes conditioned on them. Nothing reaches the store until commit.
type txn struct {
	ctx   context.Context
	store state.StateStore
	revs  map[string]uint64 // 0 records that the key was absent
	ops   []state.Op
	index map[string]int
}

func newTxn(ctx context.Context, store state.StateStore) *txn {
	return &txn{
		ctx:   ctx,
		store: store,
		revs:  make(map[string]uint64),
		index: make(map[string]int),
	}
}

// load decodes key into v and reports whether it existed.
func (tx *txn) load(key string, v interface{}) (bool, error) {
	kv, err := tx.store.Get(tx.ctx, key)
	if errors.Is(err, state.ErrNotFound) {
		tx.revs[key] = 0
		return false, nil
	}
	if err != nil {
		return false, storageError(err, "read "+key)
	}
	if err := json.Unmarshal(kv.Value, v); err != nil {
		return false, apperrors.WrapWithCode(err, apperrors.ErrCodeCorruption,
			fmt.Sprintf("decode %s", key))
	}
	tx.revs[key] = kv.Revision
	return true, nil
}

// put stages a write of v conditioned on the revision seen by load.
func (tx *txn) put(key string, v interface{}) error {
	rev, ok := tx.revs[key]
	if !ok {
		return apperrors.New(apperrors.ErrCodeInternal, "write to unread key "+key)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return apperrors.WrapWithCode(err, apperrors.ErrCodeInternal, "encode "+key)
	}
	tx.stage(key, state.Put(key, data, rev))
	return nil
}

// del stages removal of a key that load found.
func (tx *txn) del(key string) error {
	rev := tx.revs[key]
	if rev == 0 {
		return apperrors.New(apperrors.ErrCodeInternal, "delete of absent key "+key)
	}
	tx.stage(key, state.Delete(key, rev))
	return nil
}

func (tx *txn) stage(key string, op state.Op) {
	if i, ok := tx.index[key]; ok {
		tx.ops[i] = op
		return
	}
	tx.index[key] = len(tx.ops)
	tx.ops = append(tx.ops, op)
}

func storageError(err error, message string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return apperrors.Wrap(err, message)
	}
	return apperrors.WrapWithCode(err, apperrors.ErrCodeStorage, message)
}
