package escrow

import (
	"fmt"

	apperrors "github.com/vinayprograms/taskescrow/errors"
)

// MaxTaskIDLen is the longest task identifier, in bytes.
const MaxTaskIDLen = 64

// Status is a task's lifecycle stage.
type Status uint8

const (
	StatusOpen Status = iota
	StatusClaimed
	StatusCompleted
	StatusCancelled
)

var statusNames = [...]string{
	StatusOpen:      "open",
	StatusClaimed:   "claimed",
	StatusCompleted: "completed",
	StatusCancelled: "cancelled",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// ParseStatus converts a status name.
func ParseStatus(name string) (Status, error) {
	for i, n := range statusNames {
		if n == name {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("unknown task status %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	if int(s) >= len(statusNames) {
		return nil, fmt.Errorf("invalid task status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// CanTransition reports whether the lifecycle allows from -> to.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusOpen:
		return to == StatusClaimed || to == StatusCancelled
	case StatusClaimed:
		return to == StatusCompleted || to == StatusCancelled
	}
	return false
}

// Config is the singleton program configuration.
type Config struct {
	Authority Identity `json:"authority"`
	FeeBps    uint16   `json:"fee_bps"` // reserved, never applied
	TaskCount uint64   `json:"task_count"`
}

// Task is the escrow record for one task identifier.
type Task struct {
	TaskID              string        `json:"task_id"`
	Agent               Identity      `json:"agent"`
	Human               *Identity     `json:"human,omitempty"` // nil until claimed
	EscrowAmount        uint64        `json:"escrow_amount"`
	Status              Status        `json:"status"`
	CheckpointCount     uint8         `json:"checkpoint_count"`
	CheckpointsVerified uint8         `json:"checkpoints_verified"`
	VerifiedBitmap      CheckpointSet `json:"verified_bitmap"`
	VerificationHash    Digest        `json:"verification_hash"`
	CreatedAt           int64         `json:"created_at"`
	CompletedAt         int64         `json:"completed_at"`
}

// Claimed reports whether a human has claimed the task.
func (t *Task) Claimed() bool {
	return t.Human != nil
}

// Remaining returns how many checkpoints are still unverified.
func (t *Task) Remaining() int {
	return int(t.CheckpointCount) - int(t.CheckpointsVerified)
}

// Clone returns a deep copy.
func (t *Task) Clone() *Task {
	c := *t
	if t.Human != nil {
		h := *t.Human
		c.Human = &h
	}
	return &c
}

// markVerified records checkpoint i, enforcing bounds, uniqueness and the
// width of the verified counter.
func (t *Task) markVerified(i int) error {
	if i < 0 || i >= int(t.CheckpointCount) {
		return apperrors.New(apperrors.ErrCodeCheckpointOutOfBounds,
			fmt.Sprintf("checkpoint %d outside [0,%d)", i, t.CheckpointCount),
			apperrors.WithTaskID(t.TaskID))
	}
	if t.VerifiedBitmap.Has(i) {
		return apperrors.New(apperrors.ErrCodeCheckpointAlreadyVerified,
			fmt.Sprintf("checkpoint %d already verified", i),
			apperrors.WithTaskID(t.TaskID))
	}
	if t.CheckpointsVerified == ^uint8(0) {
		return apperrors.New(apperrors.ErrCodeOverflow, "verified checkpoint counter overflow",
			apperrors.WithTaskID(t.TaskID))
	}
	t.VerifiedBitmap = t.VerifiedBitmap.With(i)
	t.CheckpointsVerified++
	return nil
}

// Validate checks the record invariants. A stored record that fails is
// reported as corruption.
func (t *Task) Validate() error {
	fail := func(format string, args ...interface{}) error {
		return apperrors.New(apperrors.ErrCodeCorruption, fmt.Sprintf(format, args...),
			apperrors.WithTaskID(t.TaskID))
	}
	switch {
	case len(t.TaskID) > MaxTaskIDLen:
		return fail("task id is %d bytes", len(t.TaskID))
	case int(t.Status) >= len(statusNames):
		return fail("unknown status %d", uint8(t.Status))
	case t.CheckpointCount == 0 || t.CheckpointCount > MaxCheckpoints:
		return fail("checkpoint count %d", t.CheckpointCount)
	case t.CheckpointsVerified > t.CheckpointCount:
		return fail("verified %d exceeds count %d", t.CheckpointsVerified, t.CheckpointCount)
	case int(t.CheckpointsVerified) != t.VerifiedBitmap.Count():
		return fail("verified %d disagrees with bitmap %016b", t.CheckpointsVerified, uint16(t.VerifiedBitmap))
	case !t.VerifiedBitmap.Within(int(t.CheckpointCount)):
		return fail("bitmap %016b exceeds count %d", uint16(t.VerifiedBitmap), t.CheckpointCount)
	case (t.Human == nil) != (t.Status == StatusOpen):
		return fail("claimant presence disagrees with status %s", t.Status)
	case t.Status == StatusCompleted && t.EscrowAmount != 0:
		return fail("completed task still holds %d", t.EscrowAmount)
	case t.Status != StatusCompleted && t.EscrowAmount == 0:
		return fail("%s task holds no escrow", t.Status)
	}
	return nil
}

// Tombstone remembers a cancelled task after its record is destroyed, so
// later operations on the identifier report the terminal status.
type Tombstone struct {
	TaskID      string   `json:"task_id"`
	Agent       Identity `json:"agent"`
	CancelledBy Identity `json:"cancelled_by"`
	Refund      uint64   `json:"refund"`
	CancelledAt int64    `json:"cancelled_at"`
}
