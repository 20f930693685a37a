// Package errors provides the structured error taxonomy for taskescrow.
//
// Every failure surfaced by an escrow operation carries a stable code that
// clients can switch on, and a category that groups codes by their nature:
//
//   - Validation: malformed or out-of-range input (TASK_ID_TOO_LONG, ZERO_ESCROW, ...)
//   - State: wrong lifecycle stage or duplicate action (INVALID_TASK_STATUS, ALREADY_CLAIMED, ...)
//   - Authorization: caller identity does not hold the required role
//   - Arithmetic: checked counter or balance arithmetic would wrap
//   - Custody: value movement cannot be funded
//   - Transient: storage contention; the caller may resubmit
//   - Internal: storage failures and corrupted records
//
// # Usage
//
// Create an error:
//
//	err := errors.New(errors.ErrCodeAlreadyClaimed, "task already claimed", errors.WithTaskID(id))
//
// Check a code anywhere in a wrapped chain:
//
//	if errors.Is(err, errors.ErrCodeIncompleteCheckpoints) {
//	    // wait for more checkpoint verifications
//	}
//
// or with the standard library, using a FromCode value as the sentinel:
//
//	if stderrors.Is(err, errors.FromCode(errors.ErrCodeTaskNotFound)) { ... }
//
// # JSON Serialization
//
// Errors marshal to JSON so they can travel as JSON-RPC error data:
//
//	data, _ := json.Marshal(err)
//	var decoded errors.Error
//	json.Unmarshal(data, &decoded)
package errors
