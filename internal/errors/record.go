package errors

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// PluginName identifies this tool in error records shown by the extension.
const PluginName = "exthmr"

// Location points at a position in a source file.
type Location struct {
	File   string `json:"file"`
	Line   int    `json:"line"`
	Column int    `json:"column"`
}

// CompileError is the failure returned by a compile service.
type CompileError struct {
	Message string
	Stack   string
	// ID is the module the failure was reported for, if known.
	ID    string
	Frame string
	Loc   *Location
}

// Error implements the error interface.
func (e *CompileError) Error() string {
	if e.Loc != nil && e.Loc.File != "" {
		return fmt.Sprintf("%s:%d:%d: %s", e.Loc.File, e.Loc.Line, e.Loc.Column, e.Message)
	}
	return e.Message
}

// ErrorRecord is the structured, JSON-encodable description of a failed build.
// It is persisted as the session error state and sent to every client.
type ErrorRecord struct {
	Message string    `json:"message"`
	Stack   string    `json:"stack"`
	ID      string    `json:"id,omitempty"`
	Frame   string    `json:"frame"`
	Plugin  string    `json:"plugin"`
	Loc     *Location `json:"loc,omitempty"`
}

var ansiPattern = regexp.MustCompile(`[\x1b\x9b][\[\]()#;?]*(?:(?:(?:[a-zA-Z\d]*(?:;[a-zA-Z\d]*)*)?\x07)|(?:(?:\d{1,4}(?:;\d{0,4})*)?[\dA-PR-TZcf-ntqry=><~]))`)

// StripANSI removes terminal control sequences.
func StripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

// internalFrameMarkers identify stack frames that belong to tooling rather than
// user code.
var internalFrameMarkers = []string{
	"node:internal",
	"(internal/",
	"/node_modules/",
	"\\node_modules\\",
}

// CleanStack keeps only "at ..." frames and drops framework-internal ones.
func CleanStack(stack string) string {
	lines := strings.Split(stack, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		if !strings.HasPrefix(strings.TrimSpace(line), "at ") {
			continue
		}
		internal := false
		for _, marker := range internalFrameMarkers {
			if strings.Contains(line, marker) {
				internal = true
				break
			}
		}
		if !internal {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

// Prepare converts any error into an ErrorRecord. Compile service failures keep
// their location and code frame; the message is cut at the first "/\n" the way
// bundler messages embed a trailing module path.
func Prepare(err error) *ErrorRecord {
	if err == nil {
		return nil
	}

	record := &ErrorRecord{Plugin: PluginName}

	var ce *CompileError
	if errors.As(err, &ce) {
		record.Message = ce.Message
		record.Stack = StripANSI(CleanStack(ce.Stack))
		record.ID = ce.ID
		record.Frame = StripANSI(ce.Frame)
		if ce.Loc != nil {
			loc := *ce.Loc
			record.Loc = &loc
		}
	} else {
		record.Message = err.Error()
		var he *HmrError
		if errors.As(err, &he) && he.FilePath != "" {
			record.ID = he.FilePath
			record.Loc = &Location{File: he.FilePath, Line: he.Line, Column: he.Column}
		}
	}

	message := StripANSI(record.Message)
	if i := strings.Index(message, "/\n"); i >= 0 {
		message = message[:i]
	}
	record.Message = message
	if record.Message == "" {
		record.Message = "unknown build error"
	}

	return record
}
