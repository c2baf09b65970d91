package errors

import (
	"errors"
	"fmt"
)

// Wrap wraps an error with additional context, creating an HmrError if the input is not already one
func Wrap(err error, errType ErrorType, code, message string) *HmrError {
	if err == nil {
		return nil
	}

	// Keep location and entry context of an existing HmrError
	var he *HmrError
	if errors.As(err, &he) {
		return &HmrError{
			Type:        errType,
			Code:        code,
			Message:     message,
			Cause:       he,
			Context:     he.Context,
			Entry:       he.Entry,
			FilePath:    he.FilePath,
			Line:        he.Line,
			Column:      he.Column,
			Recoverable: he.Recoverable,
		}
	}

	return &HmrError{
		Type:        errType,
		Code:        code,
		Message:     message,
		Cause:       err,
		Recoverable: errType != ErrorTypeInternal && errType != ErrorTypeConfig,
	}
}

// WrapIO wraps an error as an I/O error for the given path.
func WrapIO(err error, code, path string) *HmrError {
	he := Wrap(err, ErrorTypeIO, code, "i/o failure")
	if he != nil {
		he.FilePath = path
	}
	return he
}

// WrapConfig wraps an error as a configuration error
func WrapConfig(err error, code, message string) *HmrError {
	he := Wrap(err, ErrorTypeConfig, code, message)
	if he != nil {
		he.Recoverable = false
	}
	return he
}

// FormatError formats an error for user display
func FormatError(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// GetErrorContext extracts context information from an HmrError
func GetErrorContext(err error) map[string]interface{} {
	var he *HmrError
	if errors.As(err, &he) {
		context := make(map[string]interface{})
		for k, v := range he.Context {
			context[k] = v
		}
		if he.Entry != "" {
			context["entry"] = he.Entry
		}
		if he.FilePath != "" {
			context["file"] = he.FilePath
			if he.Line > 0 {
				context["line"] = he.Line
			}
		}
		context["type"] = string(he.Type)
		context["code"] = he.Code
		context["recoverable"] = he.Recoverable
		return context
	}

	return map[string]interface{}{
		"message": err.Error(),
		"type":    "unknown",
	}
}

// ExtractCause returns the innermost cause of a chain of HmrErrors.
func ExtractCause(err error) error {
	for err != nil {
		var he *HmrError
		if !errors.As(err, &he) {
			return err
		}
		if he.Cause == nil {
			return he
		}
		err = he.Cause
	}
	return nil
}

// CombineErrors combines multiple errors into a single error with context
func CombineErrors(errs ...error) error {
	var nonNil []error
	for _, err := range errs {
		if err != nil {
			nonNil = append(nonNil, err)
		}
	}
	switch len(nonNil) {
	case 0:
		return nil
	case 1:
		return nonNil[0]
	}

	messages := make([]string, 0, len(nonNil))
	for _, err := range nonNil {
		messages = append(messages, err.Error())
	}

	return &HmrError{
		Type:    ErrorTypeInternal,
		Code:    "ERR_MULTIPLE_ERRORS",
		Message: fmt.Sprintf("multiple errors occurred: %d errors", len(nonNil)),
		Cause:   errors.Join(nonNil...),
		Context: map[string]interface{}{
			"error_count": len(nonNil),
			"errors":      messages,
		},
	}
}
