package registry

import (
	"errors"
	"fmt"
)

// Load error codes
const (
	// Image errors
	ErrCodeTruncated        = "TRUNCATED"
	ErrCodeBadMagic         = "BAD_MAGIC"
	ErrCodeBadSections      = "BAD_SECTIONS"
	ErrCodeMisaligned       = "MISALIGNED"
	ErrCodeDecompressFailed = "DECOMPRESS_FAILED"

	// Linking errors
	ErrCodeUnresolvedSymbol     = "UNRESOLVED_SYMBOL"
	ErrCodeReferenceOutOfRange  = "REFERENCE_OUT_OF_RANGE"
	ErrCodeOpcodePatchDenied    = "OPCODE_PATCH_DENIED"
	ErrCodeAddressSpaceExceeded = "ADDRESS_SPACE_EXCEEDED"

	// Source errors
	ErrCodeReadFailed  = "READ_FAILED"
	ErrCodeCircuitOpen = "CIRCUIT_OPEN"
)

// LoadError is a coded module load failure.
type LoadError struct {
	Code    string                 // Error code for programmatic handling
	Message string                 // Human-readable message
	Context map[string]interface{} // Additional context
	Cause   error                  // Underlying error
}

// Error implements the error interface
func (e *LoadError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *LoadError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *LoadError) WithContext(key string, value interface{}) *LoadError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewLoadError creates a new load error
func NewLoadError(code, message string) *LoadError {
	return &LoadError{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// WrapLoadError wraps an existing error with a load error code
func WrapLoadError(code, message string, cause error) *LoadError {
	return &LoadError{
		Code:    code,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// ErrorCode returns the load error code carried by err, or "".
func ErrorCode(err error) string {
	var le *LoadError
	if errors.As(err, &le) {
		return le.Code
	}
	return ""
}

// Common error constructors

func ErrUnresolvedSymbol(name string) *LoadError {
	return NewLoadError(ErrCodeUnresolvedSymbol, "external reference has no export").
		WithContext("symbol", name)
}

func ErrReferenceOutOfRange(name string, index uint32, count int) *LoadError {
	return NewLoadError(ErrCodeReferenceOutOfRange, "external reference names a missing instruction").
		WithContext("symbol", name).
		WithContext("index", index).
		WithContext("instructions", count)
}

func ErrOpcodePatchDenied(name string, index uint32) *LoadError {
	return NewLoadError(ErrCodeOpcodePatchDenied, "opcode patching is disabled").
		WithContext("symbol", name).
		WithContext("index", index)
}
