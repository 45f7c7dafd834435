package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the domain layer.
var (
	// ErrProviderNotMapped means a provider type has no registered
	// implementation. This is a programmer error, not a user error.
	ErrProviderNotMapped = fmt.Errorf("provider type not mapped")
	// ErrModelNotSelected means no model is chosen for the conversation.
	ErrModelNotSelected = fmt.Errorf("no model selected")
	// ErrProviderError wraps transport failures, non-2xx responses, and
	// unparsable bodies.
	ErrProviderError = fmt.Errorf("provider error")
	// ErrEmptyResult means the provider responded but produced no usable
	// content.
	ErrEmptyResult = fmt.Errorf("provider returned empty result")

	ErrConversationNotFound = fmt.Errorf("conversation not found")
	ErrDuplicate            = fmt.Errorf("duplicate")
	ErrInvalidInput         = fmt.Errorf("invalid input")

	// Provider error refinements, used by the HTTP status mapping and the
	// circuit breaker.
	ErrAuthInvalid     = fmt.Errorf("authentication failed")
	ErrRateLimit       = fmt.Errorf("rate limit exceeded")
	ErrContextOverflow = fmt.Errorf("context window exceeded")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Controller.Send")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimit)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown              ErrorCode = "UNKNOWN"
	CodeProviderNotMapped    ErrorCode = "PROVIDER_NOT_MAPPED"
	CodeModelNotSelected     ErrorCode = "MODEL_NOT_SELECTED"
	CodeProviderError        ErrorCode = "PROVIDER_ERROR"
	CodeEmptyResult          ErrorCode = "EMPTY_RESULT"
	CodeConversationNotFound ErrorCode = "CONVERSATION_NOT_FOUND"
	CodeDuplicate            ErrorCode = "DUPLICATE"
	CodeInvalidInput         ErrorCode = "INVALID_INPUT"
	CodeAuthInvalid          ErrorCode = "AUTH_INVALID"
	CodeRateLimit            ErrorCode = "RATE_LIMIT"
	CodeContextOverflow      ErrorCode = "CONTEXT_OVERFLOW"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrProviderNotMapped:    CodeProviderNotMapped,
	ErrModelNotSelected:     CodeModelNotSelected,
	ErrProviderError:        CodeProviderError,
	ErrEmptyResult:          CodeEmptyResult,
	ErrConversationNotFound: CodeConversationNotFound,
	ErrDuplicate:            CodeDuplicate,
	ErrInvalidInput:         CodeInvalidInput,
	ErrAuthInvalid:          CodeAuthInvalid,
	ErrRateLimit:            CodeRateLimit,
	ErrContextOverflow:      CodeContextOverflow,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and walks the chain with errors.Is.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	if code, ok := errorCodeMap[err]; ok {
		return code
	}
	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
