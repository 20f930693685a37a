package errors

// ErrorCategory groups error codes by their nature.
type ErrorCategory string

// Error categories.
const (
	// CategoryValidation indicates input with a bad shape or range.
	CategoryValidation ErrorCategory = "validation"

	// CategoryState indicates an operation attempted at the wrong lifecycle
	// stage, or an action that was already performed.
	CategoryState ErrorCategory = "state"

	// CategoryAuthorization indicates the caller lacks the required role.
	CategoryAuthorization ErrorCategory = "authorization"

	// CategoryArithmetic indicates a checked counter or amount would wrap.
	CategoryArithmetic ErrorCategory = "arithmetic"

	// CategoryCustody indicates a value transfer that cannot be funded.
	CategoryCustody ErrorCategory = "custody"

	// CategoryTransient indicates contention or unavailability where a
	// resubmission may succeed.
	CategoryTransient ErrorCategory = "transient"

	// CategoryInternal indicates storage failures, corrupted records or bugs.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on resubmission.
func (c ErrorCategory) IsRetryable() bool {
	return c == CategoryTransient
}

// ErrorCode identifies a specific failure kind. Codes are stable and form
// part of the wire contract.
type ErrorCode string

// Error codes.
const (
	// Validation
	ErrCodeTaskIDTooLong         ErrorCode = "TASK_ID_TOO_LONG"
	ErrCodeZeroEscrow            ErrorCode = "ZERO_ESCROW"
	ErrCodeCheckpointOutOfBounds ErrorCode = "CHECKPOINT_OUT_OF_BOUNDS"
	ErrCodeInvalidInput          ErrorCode = "INVALID_INPUT"

	// State
	ErrCodeInvalidTaskStatus         ErrorCode = "INVALID_TASK_STATUS"
	ErrCodeAlreadyClaimed            ErrorCode = "ALREADY_CLAIMED"
	ErrCodeNotClaimed                ErrorCode = "NOT_CLAIMED"
	ErrCodeCheckpointAlreadyVerified ErrorCode = "CHECKPOINT_ALREADY_VERIFIED"
	ErrCodeIncompleteCheckpoints     ErrorCode = "INCOMPLETE_CHECKPOINTS"
	ErrCodeAlreadyInitialized        ErrorCode = "ALREADY_INITIALIZED"
	ErrCodeNotInitialized            ErrorCode = "NOT_INITIALIZED"
	ErrCodeTaskExists                ErrorCode = "TASK_EXISTS"
	ErrCodeTaskNotFound              ErrorCode = "TASK_NOT_FOUND"

	// Authorization
	ErrCodeUnauthorizedAuthority ErrorCode = "UNAUTHORIZED_AUTHORITY"
	ErrCodeUnauthorizedAgent     ErrorCode = "UNAUTHORIZED_AGENT"

	// Arithmetic
	ErrCodeOverflow ErrorCode = "OVERFLOW"

	// Custody
	ErrCodeInsufficientFunds ErrorCode = "INSUFFICIENT_FUNDS"

	// Transient
	ErrCodeConflict    ErrorCode = "CONFLICT" // optimistic commit lost too many times
	ErrCodeCanceled    ErrorCode = "CANCELED" // context canceled or deadline exceeded
	ErrCodeRateLimited ErrorCode = "RATE_LIMITED"

	// Internal
	ErrCodeStorage    ErrorCode = "STORAGE"
	ErrCodeCorruption ErrorCode = "CORRUPTION"
	ErrCodeInternal   ErrorCode = "INTERNAL"
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the category a code belongs to.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeTaskIDTooLong, ErrCodeZeroEscrow, ErrCodeCheckpointOutOfBounds, ErrCodeInvalidInput:
		return CategoryValidation
	case ErrCodeInvalidTaskStatus, ErrCodeAlreadyClaimed, ErrCodeNotClaimed,
		ErrCodeCheckpointAlreadyVerified, ErrCodeIncompleteCheckpoints,
		ErrCodeAlreadyInitialized, ErrCodeNotInitialized, ErrCodeTaskExists, ErrCodeTaskNotFound:
		return CategoryState
	case ErrCodeUnauthorizedAuthority, ErrCodeUnauthorizedAgent:
		return CategoryAuthorization
	case ErrCodeOverflow:
		return CategoryArithmetic
	case ErrCodeInsufficientFunds:
		return CategoryCustody
	case ErrCodeConflict, ErrCodeCanceled, ErrCodeRateLimited:
		return CategoryTransient
	default:
		return CategoryInternal
	}
}

// DefaultRetryable returns whether this error code is typically retryable.
func (c ErrorCode) DefaultRetryable() bool {
	return c.DefaultCategory().IsRetryable()
}

var codeDescriptions = map[ErrorCode]string{
	ErrCodeTaskIDTooLong:             "task id exceeds maximum length",
	ErrCodeZeroEscrow:                "escrow amount must be greater than zero",
	ErrCodeCheckpointOutOfBounds:     "checkpoint index out of bounds",
	ErrCodeInvalidInput:              "invalid input provided",
	ErrCodeInvalidTaskStatus:         "task is not in the expected status for this operation",
	ErrCodeAlreadyClaimed:            "task has already been claimed",
	ErrCodeNotClaimed:                "task has not been claimed by this recipient",
	ErrCodeCheckpointAlreadyVerified: "checkpoint already verified",
	ErrCodeIncompleteCheckpoints:     "not all required checkpoints have been verified",
	ErrCodeAlreadyInitialized:        "configuration already initialized",
	ErrCodeNotInitialized:            "configuration not initialized",
	ErrCodeTaskExists:                "task already exists",
	ErrCodeTaskNotFound:              "task not found",
	ErrCodeUnauthorizedAuthority:     "only the authority can perform this action",
	ErrCodeUnauthorizedAgent:         "only the agent can perform this action",
	ErrCodeOverflow:                  "arithmetic overflow",
	ErrCodeInsufficientFunds:         "insufficient funds",
	ErrCodeConflict:                  "concurrent modification, resubmit",
	ErrCodeCanceled:                  "operation canceled",
	ErrCodeRateLimited:               "caller exceeded its request rate",
	ErrCodeStorage:                   "storage failure",
	ErrCodeCorruption:                "stored record is corrupted",
	ErrCodeInternal:                  "internal error",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
