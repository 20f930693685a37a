package escrow

import (
	"crypto/sha256"
	"encoding/hex"
)

// Store layout.
const (
	ConfigKey          = "escrow.config"
	TaskKeyPrefix      = "escrow.task."
	AccountKeyPrefix   = "escrow.account."
	TombstoneKeyPrefix = "escrow.tombstone."
)

// TaskKey derives the record key for a task identifier. Hashing keeps the
// key valid for any identifier bytes, including dots and spaces.
func TaskKey(taskID string) string {
	sum := sha256.Sum256([]byte(taskID))
	return TaskKeyPrefix + hex.EncodeToString(sum[:])
}

// AccountKey derives the ledger key for an identity.
func AccountKey(id Identity) string {
	return AccountKeyPrefix + id.String()
}

// TombstoneKey derives the key remembering a cancelled task.
func TombstoneKey(taskID string) string {
	return TombstoneKeyPrefix + TaskKey(taskID)[len(TaskKeyPrefix):]
}
