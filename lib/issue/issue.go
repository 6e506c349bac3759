// Package issue attaches the failing stage and operator hints to errors so the
// CLI can print a single diagnostic per failure.
package issue

import (
	"errors"
	"fmt"
	"strings"
)

// Stage names the part of the engine where a failure happened.
type Stage string

const (
	StageBuild     Stage = "build"
	StageImport    Stage = "import"
	StageAssemble  Stage = "assemble"
	StageNamespace Stage = "namespace"
	StageExec      Stage = "exec"
	StageWait      Stage = "wait"
	StageRegistry  Stage = "registry"
)

// Error is a failure tagged with its stage.
//
// Build one with Wrap and the With* helpers:
//
//	return issue.Wrap(issue.StageNamespace, err).
//		WithResource(id).
//		WithSuggestion("run jocker as root (CAP_SYS_ADMIN is required)")
type Error struct {
	// Stage is where the failure happened.
	Stage Stage

	// Resource identifies the image, container or path involved (optional).
	Resource string

	// Suggestions are hints for fixing the problem (optional).
	Suggestions []string

	// Cause is the underlying error.
	Cause error
}

// Wrap tags err with stage. A nil err yields nil.
func Wrap(stage Stage, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Stage: stage, Cause: err}
}

// WithResource sets the resource and returns e.
func (e *Error) WithResource(resource string) *Error {
	e.Resource = resource
	return e
}

// WithSuggestion appends a hint and returns e.
func (e *Error) WithSuggestion(s string) *Error {
	e.Suggestions = append(e.Suggestions, s)
	return e
}

// Error renders "<stage> failed: <resource>: <cause>".
func (e *Error) Error() string {
	var msg strings.Builder
	msg.WriteString(string(e.Stage))
	msg.WriteString(" failed")
	if e.Resource != "" {
		msg.WriteString(": ")
		msg.WriteString(e.Resource)
	}
	if e.Cause != nil {
		msg.WriteString(": ")
		msg.WriteString(e.Cause.Error())
	}
	return msg.String()
}

// Unwrap returns the cause for errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Format renders the diagnostic followed by suggestions. Verbose output
// also lists the error chain.
func (e *Error) Format(verbose bool) string {
	var msg strings.Builder
	msg.WriteString(e.Error())

	for _, s := range e.Suggestions {
		msg.WriteString("\n  hint: ")
		msg.WriteString(s)
	}

	if verbose && e.Cause != nil {
		msg.WriteString("\n  chain:")
		depth := 1
		for err := e.Cause; err != nil; err = errors.Unwrap(err) {
			fmt.Fprintf(&msg, "\n    %d. %s", depth, err.Error())
			depth++
		}
	}
	return msg.String()
}

// StageOf returns the stage of the outermost Error in err's chain.
func StageOf(err error) (Stage, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Stage, true
	}
	return "", false
}

// Format renders err as a diagnostic. Errors without a stage print as-is.
func Format(err error, verbose bool) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Format(verbose)
	}
	return err.Error()
}
