// Package errors provides the structured error taxonomy used by exthmr and the
// error record sent to a running extension when a build fails.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorType represents different categories of errors.
type ErrorType string

const (
	ErrorTypeCompile        ErrorType = "compile"
	ErrorTypeIO             ErrorType = "io"
	ErrorTypeProtocol       ErrorType = "protocol"
	ErrorTypeReconciliation ErrorType = "reconciliation"
	ErrorTypeConfig         ErrorType = "config"
	ErrorTypeValidation     ErrorType = "validation"
	ErrorTypeInternal       ErrorType = "internal"
)

// HmrError is a structured error type with context.
type HmrError struct {
	Type        ErrorType
	Code        string
	Message     string
	Cause       error
	Context     map[string]interface{}
	Entry       string
	FilePath    string
	Line        int
	Column      int
	Recoverable bool
}

// Error implements the error interface.
func (e *HmrError) Error() string {
	var parts []string

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("[%s]", e.Code))
	}

	if e.Entry != "" {
		parts = append(parts, "entry:"+e.Entry)
	}

	if e.FilePath != "" {
		location := e.FilePath
		if e.Line > 0 {
			location += fmt.Sprintf(":%d", e.Line)
			if e.Column > 0 {
				location += fmt.Sprintf(":%d", e.Column)
			}
		}
		parts = append(parts, location)
	}

	parts = append(parts, e.Message)

	result := strings.Join(parts, " ")

	if e.Cause != nil {
		result += fmt.Sprintf(": %v", e.Cause)
	}

	return result
}

// Unwrap returns the underlying cause error.
func (e *HmrError) Unwrap() error {
	return e.Cause
}

// Is implements error comparison.
func (e *HmrError) Is(target error) bool {
	var t *HmrError
	if errors.As(target, &t) {
		return e.Type == t.Type && e.Code == t.Code
	}

	return false
}

// WithContext adds context information to the error.
func (e *HmrError) WithContext(key string, value interface{}) *HmrError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value

	return e
}

// WithLocation adds file location information.
func (e *HmrError) WithLocation(filePath string, line, column int) *HmrError {
	e.FilePath = filePath
	e.Line = line
	e.Column = column

	return e
}

// WithEntry adds build entry context.
func (e *HmrError) WithEntry(entry string) *HmrError {
	e.Entry = entry

	return e
}

// Common error codes.
const (
	ErrCodeCompileFailed     = "ERR_COMPILE_FAILED"
	ErrCodeEntryNotFound     = "ERR_ENTRY_NOT_FOUND"
	ErrCodeWriteFailed       = "ERR_WRITE_FAILED"
	ErrCodeReadFailed        = "ERR_READ_FAILED"
	ErrCodeMalformedMessage  = "ERR_MALFORMED_MESSAGE"
	ErrCodeUnknownMessage    = "ERR_UNKNOWN_MESSAGE"
	ErrCodeManifestRead      = "ERR_MANIFEST_READ"
	ErrCodeManifestParse     = "ERR_MANIFEST_PARSE"
	ErrCodePackageRead       = "ERR_PACKAGE_READ"
	ErrCodeConfigInvalid     = "ERR_CONFIG_INVALID"
	ErrCodeValidationFailed  = "ERR_VALIDATION_FAILED"
	ErrCodeUnauthorized      = "ERR_UNAUTHORIZED"
	ErrCodeInternalError     = "ERR_INTERNAL"
	ErrCodeBadMatchPattern   = "ERR_BAD_MATCH_PATTERN"
)

// NewCompileError creates a compile error wrapping the compile service failure.
func NewCompileError(entry string, cause error) *HmrError {
	return &HmrError{
		Type:        ErrorTypeCompile,
		Code:        ErrCodeCompileFailed,
		Message:     "compile failed",
		Cause:       cause,
		Entry:       entry,
		Recoverable: true,
	}
}

// NewIOError creates an I/O error.
func NewIOError(code, message string, cause error) *HmrError {
	return &HmrError{
		Type:        ErrorTypeIO,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: true,
	}
}

// NewProtocolError creates an error for a malformed reload channel message.
func NewProtocolError(code, message string, cause error) *HmrError {
	return &HmrError{
		Type:        ErrorTypeProtocol,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: true,
	}
}

// NewReconciliationError creates a manifest read/parse error.
func NewReconciliationError(code, message string, cause error) *HmrError {
	return &HmrError{
		Type:        ErrorTypeReconciliation,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: true,
	}
}

// NewConfigError creates a configuration error.
func NewConfigError(code, message string) *HmrError {
	return &HmrError{
		Type:        ErrorTypeConfig,
		Code:        code,
		Message:     message,
		Recoverable: false,
	}
}

// NewValidationError creates a validation error.
func NewValidationError(code, message string) *HmrError {
	return &HmrError{
		Type:        ErrorTypeValidation,
		Code:        code,
		Message:     message,
		Recoverable: true,
	}
}

// NewInternalError creates an internal error.
func NewInternalError(code, message string, cause error) *HmrError {
	return &HmrError{
		Type:        ErrorTypeInternal,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: false,
	}
}

// IsRecoverable checks if an error is recoverable.
func IsRecoverable(err error) bool {
	var he *HmrError
	if errors.As(err, &he) {
		return he.Recoverable
	}

	return false
}

func isType(err error, t ErrorType) bool {
	var he *HmrError
	if errors.As(err, &he) {
		return he.Type == t
	}

	return false
}

// IsCompileError checks if an error came from the compile service.
func IsCompileError(err error) bool {
	var ce *CompileError
	return isType(err, ErrorTypeCompile) || errors.As(err, &ce)
}

// IsIOError checks if an error is an I/O failure.
func IsIOError(err error) bool { return isType(err, ErrorTypeIO) }

// IsProtocolError checks if an error is a reload channel protocol failure.
func IsProtocolError(err error) bool { return isType(err, ErrorTypeProtocol) }

// IsReconciliationError checks if an error is a manifest read/parse failure.
func IsReconciliationError(err error) bool { return isType(err, ErrorTypeReconciliation) }

// IsConfigError checks if an error is a configuration failure.
func IsConfigError(err error) bool { return isType(err, ErrorTypeConfig) }

// ValidationErrorCollection collects field-level validation failures.
type ValidationErrorCollection struct {
	Errors []string
}

// Error implements the error interface.
func (vec *ValidationErrorCollection) Error() string {
	if len(vec.Errors) == 0 {
		return "no validation errors"
	}
	if len(vec.Errors) == 1 {
		return vec.Errors[0]
	}

	return fmt.Sprintf("validation failed with %d errors: %s", len(vec.Errors), strings.Join(vec.Errors, "; "))
}

// AddField adds a field validation error to the collection.
func (vec *ValidationErrorCollection) AddField(field string, value interface{}, message string) {
	vec.Errors = append(vec.Errors, fmt.Sprintf("validation error in field '%s' (%v): %s", field, value, message))
}

// HasErrors returns true if there are any validation errors.
func (vec *ValidationErrorCollection) HasErrors() bool {
	return len(vec.Errors) > 0
}

// ToHmrError converts the validation collection to an HmrError.
func (vec *ValidationErrorCollection) ToHmrError() *HmrError {
	if !vec.HasErrors() {
		return nil
	}

	return NewConfigError(ErrCodeConfigInvalid, strings.Join(vec.Errors, "; "))
}
