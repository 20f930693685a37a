package escrow

import (
	"math/bits"
)

// MaxCheckpoints is the largest number of checkpoints a task may declare.
const MaxCheckpoints = 10

// CheckpointSet is a fixed-width set of verified checkpoint indices.
// Bit i is set when checkpoint i has been verified.
type CheckpointSet uint16

// Has reports whether index i is in the set.
func (s CheckpointSet) Has(i int) bool {
	if i < 0 || i >= 16 {
		return false
	}
	return s&(1<<uint(i)) != 0
}

// With returns the set with index i added.
func (s CheckpointSet) With(i int) CheckpointSet {
	return s | 1<<uint(i)
}

// Count returns the number of indices in the set.
func (s CheckpointSet) Count() int {
	return bits.OnesCount16(uint16(s))
}

// Within reports whether every index in the set is below n.
func (s CheckpointSet) Within(n int) bool {
	if n >= 16 {
		return true
	}
	return uint16(s)>>uint(n) == 0
}

// Indices returns the set members in ascending order.
func (s CheckpointSet) Indices() []int {
	out := make([]int, 0, s.Count())
	for i := 0; i < 16; i++ {
		if s.Has(i) {
			out = append(out, i)
		}
	}
	return out
}
