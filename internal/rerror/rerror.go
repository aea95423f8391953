// Package rerror defines the two diagnostic categories the compiler
// and VM raise, formatted exactly as the CLI's stderr contract
// requires. The compiler collects CompileErrors from a single pass
// into a *multierror.Error the way golox accumulates parser
// diagnostics, so a source file with several independent mistakes
// reports all of them instead of only the first.
package rerror

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// CompileError is one scan/parse-time diagnostic.
type CompileError struct {
	Line    int
	Where   string // "at end", "at 'LEX'", or "" when the location is implicit
	Message string
}

func (e *CompileError) Error() string {
	if e.Where == "" {
		return fmt.Sprintf("[line %d] Error: %s", e.Line, e.Message)
	}
	return fmt.Sprintf("[line %d] Error %s: %s", e.Line, e.Where, e.Message)
}

// RuntimeError is a single VM-time failure.
type RuntimeError struct {
	Line    int
	Message string
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("%s\n[line %d] in script", e.Message, e.Line)
}

// Errors aggregates CompileErrors produced across one compile pass.
type Errors struct {
	merr *multierror.Error
}

func (e *Errors) Append(err *CompileError) {
	e.merr = multierror.Append(e.merr, err)
}

func (e *Errors) HasErrors() bool {
	return e.merr != nil && len(e.merr.Errors) > 0
}

// All returns every collected CompileError in the order they were
// appended.
func (e *Errors) All() []*CompileError {
	if e.merr == nil {
		return nil
	}
	out := make([]*CompileError, 0, len(e.merr.Errors))
	for _, err := range e.merr.Errors {
		if ce, ok := err.(*CompileError); ok {
			out = append(out, ce)
		}
	}
	return out
}
