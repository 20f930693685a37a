package errors

import (
	"context"
	"errors"
)

// Wrap adds context to err. An *Error in the chain keeps its code, task id
// and metadata; context cancellation becomes CANCELED; anything else becomes
// INTERNAL. Wrap(nil, ...) is nil.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	code := ErrCodeInternal
	var inner *Error
	switch {
	case errors.As(err, &inner):
		code = inner.code
		opts = append([]Option{WithTaskID(inner.taskID), withMetadata(inner.metadata)}, opts...)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = ErrCodeCanceled
	}
	return WrapWithCode(err, code, message, opts...)
}

// WrapWithCode wraps err under an explicit code. WrapWithCode(nil, ...) is nil.
func WrapWithCode(err error, code ErrorCode, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	e := New(code, message, opts...)
	e.cause = err
	return e
}

func withMetadata(md map[string]string) Option {
	return func(e *Error) {
		for k, v := range md {
			WithMetadata(k, v)(e)
		}
	}
}

func find(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// Is reports whether the outermost *Error in err's chain has code.
func Is(err error, code ErrorCode) bool {
	e := find(err)
	return e != nil && e.code == code
}

// Code returns the code of the outermost *Error in err's chain, or "".
func Code(err error) ErrorCode {
	if e := find(err); e != nil {
		return e.code
	}
	return ""
}

// Category returns the category of the outermost *Error in err's chain, or "".
func Category(err error) ErrorCategory {
	if e := find(err); e != nil {
		return e.Category()
	}
	return ""
}

// IsRetryable reports whether err carries a retryable *Error.
func IsRetryable(err error) bool {
	e := find(err)
	return e != nil && e.Retryable()
}
