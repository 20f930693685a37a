package errors

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Error is a coded escrow failure. The category and retryability follow from
// the code. A zero Error is not valid; use New or FromCode.
type Error struct {
	code     ErrorCode
	message  string
	taskID   string
	metadata map[string]string
	cause    error
}

var (
	_ error            = (*Error)(nil)
	_ json.Marshaler   = (*Error)(nil)
	_ json.Unmarshaler = (*Error)(nil)
)

// Option configures an Error.
type Option func(*Error)

// WithTaskID records the task the failure concerns.
func WithTaskID(id string) Option {
	return func(e *Error) { e.taskID = id }
}

// WithMetadata attaches a key-value detail, e.g. the offending index.
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// New creates an Error.
func New(code ErrorCode, message string, opts ...Option) *Error {
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// FromCode creates an Error whose message is the code's description.
func FromCode(code ErrorCode, opts ...Option) *Error {
	return New(code, code.Description(), opts...)
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Code returns the stable discriminator.
func (e *Error) Code() ErrorCode { return e.code }

// Category returns the group the code belongs to.
func (e *Error) Category() ErrorCategory { return e.code.DefaultCategory() }

// Retryable reports whether resubmitting the same request may succeed.
func (e *Error) Retryable() bool { return e.Category().IsRetryable() }

// TaskID returns the related task id, or "".
func (e *Error) TaskID() string { return e.taskID }

// Field returns one metadata value, or "".
func (e *Error) Field(key string) string { return e.metadata[key] }

// Metadata returns a copy of all metadata.
func (e *Error) Metadata() map[string]string {
	md := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		md[k] = v
	}
	return md
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches any *Error with the same code, so FromCode values work as
// sentinels with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.code == e.code
}

type errorJSON struct {
	Code      ErrorCode         `json:"code"`
	Category  ErrorCategory     `json:"category"`
	Message   string            `json:"message"`
	Retryable bool              `json:"retryable"`
	TaskID    string            `json:"task_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Cause     string            `json:"cause,omitempty"`
}

// MarshalJSON renders the error as JSON-RPC error data.
func (e *Error) MarshalJSON() ([]byte, error) {
	j := errorJSON{
		Code:      e.code,
		Category:  e.Category(),
		Message:   e.message,
		Retryable: e.Retryable(),
		TaskID:    e.taskID,
		Metadata:  e.metadata,
	}
	if e.cause != nil {
		j.Cause = e.cause.Error()
	}
	return json.Marshal(j)
}

// UnmarshalJSON restores an error decoded from MarshalJSON output. The
// category is recomputed from the code; a cause survives as text only.
func (e *Error) UnmarshalJSON(data []byte) error {
	var j errorJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	*e = Error{code: j.Code, message: j.Message, taskID: j.TaskID, metadata: j.Metadata}
	if j.Cause != "" {
		e.cause = errors.New(j.Cause)
	}
	return nil
}
