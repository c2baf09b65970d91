package errors

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripANSI(t *testing.T) {
	assert.Equal(t, "error: bad", StripANSI("\x1b[31merror\x1b[39m: \x1b[1mbad\x1b[22m"))
	assert.Equal(t, "plain", StripANSI("plain"))
}

func TestCleanStack(t *testing.T) {
	stack := "Error: boom\n" +
		"    at render (/home/u/ext/src/content/index.ts:4:9)\n" +
		"    at Module._compile (node:internal/modules/cjs/loader:1105:14)\n" +
		"    at next (/home/u/ext/node_modules/esbuild/lib/main.js:10:2)\n" +
		"    at processTicksAndRejections (internal/process/task_queues.js:95:5)\n" +
		"    at main (/home/u/ext/src/main.ts:1:1)"

	cleaned := CleanStack(stack)
	assert.Equal(t,
		"    at render (/home/u/ext/src/content/index.ts:4:9)\n    at main (/home/u/ext/src/main.ts:1:1)",
		cleaned)
}

func TestPrepareCompileError(t *testing.T) {
	err := NewCompileError("content", &CompileError{
		Message: "\x1b[31mExpected \";\" but found \"}\"\x1b[0m",
		Stack:   "Error\n    at parse (/src/a.ts:1:1)\n    at x (node:internal/foo:1:1)",
		ID:      "/src/a.ts",
		Frame:   "1 | const a = }\n  |           ^",
		Loc:     &Location{File: "/src/a.ts", Line: 1, Column: 10},
	})

	record := Prepare(err)
	require.NotNil(t, record)
	assert.Equal(t, `Expected ";" but found "}"`, record.Message)
	assert.Equal(t, "    at parse (/src/a.ts:1:1)", record.Stack)
	assert.Equal(t, "/src/a.ts", record.ID)
	assert.Equal(t, PluginName, record.Plugin)
	require.NotNil(t, record.Loc)
	assert.Equal(t, 10, record.Loc.Column)
	assert.Contains(t, record.Frame, "^")
}

func TestPrepareTruncatesModulePath(t *testing.T) {
	record := Prepare(errors.New("Could not resolve \"./missing\" from src/a/\nextra detail"))
	assert.Equal(t, "Could not resolve \"./missing\" from src/a", record.Message)
	assert.Empty(t, record.Stack)
}

func TestPrepareHmrErrorLocation(t *testing.T) {
	err := NewIOError(ErrCodeReadFailed, "read entry", errors.New("missing")).
		WithLocation("/src/bg.ts", 0, 0)

	record := Prepare(err)
	require.NotNil(t, record.Loc)
	assert.Equal(t, "/src/bg.ts", record.Loc.File)
	assert.Equal(t, "/src/bg.ts", record.ID)
}

func TestPrepareNil(t *testing.T) {
	assert.Nil(t, Prepare(nil))
}

func TestPrepareNeverEmptyMessage(t *testing.T) {
	record := Prepare(&CompileError{})
	assert.NotEmpty(t, record.Message)
}

func TestErrorRecordJSON(t *testing.T) {
	record := &ErrorRecord{
		Message: "boom",
		Stack:   "",
		Frame:   "",
		Plugin:  PluginName,
		Loc:     &Location{File: "a.ts", Line: 2, Column: 3},
	}
	data, err := json.Marshal(record)
	require.NoError(t, err)

	assert.JSONEq(t,
		`{"message":"boom","stack":"","frame":"","plugin":"exthmr","loc":{"file":"a.ts","line":2,"column":3}}`,
		string(data))
}
