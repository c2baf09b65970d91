package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHmrErrorError(t *testing.T) {
	err := NewCompileError("content", fmt.Errorf("unexpected token")).
		WithLocation("src/content/index.ts", 12, 4)

	msg := err.Error()
	assert.Contains(t, msg, "[ERR_COMPILE_FAILED]")
	assert.Contains(t, msg, "entry:content")
	assert.Contains(t, msg, "src/content/index.ts:12:4")
	assert.Contains(t, msg, "unexpected token")
}

func TestHmrErrorIsAndUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := NewIOError(ErrCodeWriteFailed, "write output", cause)

	assert.ErrorIs(t, err, cause)
	assert.True(t, errors.Is(err, &HmrError{Type: ErrorTypeIO, Code: ErrCodeWriteFailed}))
	assert.False(t, errors.Is(err, &HmrError{Type: ErrorTypeIO, Code: ErrCodeReadFailed}))
}

func TestTypePredicates(t *testing.T) {
	wrapped := fmt.Errorf("lane: %w", NewProtocolError(ErrCodeMalformedMessage, "bad json", nil))

	assert.True(t, IsProtocolError(wrapped))
	assert.False(t, IsIOError(wrapped))
	assert.True(t, IsRecoverable(wrapped))

	assert.True(t, IsCompileError(&CompileError{Message: "x"}))
	assert.True(t, IsCompileError(NewCompileError("bg", nil)))
	assert.True(t, IsReconciliationError(NewReconciliationError(ErrCodeManifestParse, "bad manifest", nil)))
	assert.True(t, IsConfigError(NewConfigError(ErrCodeConfigInvalid, "port")))
	assert.False(t, IsRecoverable(NewInternalError(ErrCodeInternalError, "boom", nil)))
	assert.False(t, IsRecoverable(errors.New("plain")))
}

func TestWithContext(t *testing.T) {
	err := NewValidationError(ErrCodeValidationFailed, "bad").WithContext("field", "server.port")

	ctx := GetErrorContext(err)
	assert.Equal(t, "server.port", ctx["field"])
	assert.Equal(t, "validation", ctx["type"])
	assert.Equal(t, ErrCodeValidationFailed, ctx["code"])
}

func TestWrapKeepsLocation(t *testing.T) {
	inner := NewCompileError("content", nil).WithLocation("a.ts", 3, 1)
	outer := Wrap(inner, ErrorTypeInternal, ErrCodeInternalError, "rebuild")

	require.NotNil(t, outer)
	assert.Equal(t, "a.ts", outer.FilePath)
	assert.Equal(t, "content", outer.Entry)
	assert.Same(t, inner, ExtractCause(outer))
	assert.Nil(t, Wrap(nil, ErrorTypeIO, ErrCodeReadFailed, "x"))
}

func TestWrapIO(t *testing.T) {
	err := WrapIO(errors.New("permission denied"), ErrCodeWriteFailed, "/tmp/dist/a.js")

	assert.True(t, IsIOError(err))
	assert.Equal(t, "/tmp/dist/a.js", err.FilePath)
}

func TestCombineErrors(t *testing.T) {
	assert.Nil(t, CombineErrors(nil, nil))

	single := errors.New("one")
	assert.Same(t, single, CombineErrors(nil, single))

	a, b := errors.New("a"), errors.New("b")
	combined := CombineErrors(a, b)
	assert.ErrorIs(t, combined, a)
	assert.ErrorIs(t, combined, b)
	assert.Contains(t, combined.Error(), "2 errors")
}

func TestValidationErrorCollection(t *testing.T) {
	var vec ValidationErrorCollection
	assert.False(t, vec.HasErrors())
	assert.Nil(t, vec.ToHmrError())

	vec.AddField("server.port", 0, "must be between 1 and 65535")
	vec.AddField("build.out_dir", "", "must not be empty")

	he := vec.ToHmrError()
	require.NotNil(t, he)
	assert.True(t, IsConfigError(he))
	assert.Contains(t, vec.Error(), "2 errors")
}
