package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/onkernel/jocker/lib/containers"
	"github.com/onkernel/jocker/lib/images"
	"github.com/onkernel/jocker/lib/isolation"
	"github.com/onkernel/jocker/lib/layers"
	"github.com/onkernel/jocker/lib/rootfs"
	"github.com/onkernel/jocker/lib/supervisor"
)

// Exit codes surfaced to the invoking shell
const (
	exitOK              = 0
	exitInput           = 1   // Bad reference, name or argument
	exitEngine          = 125 // jocker itself failed
	exitCannotExecute   = 126
	exitCommandNotFound = 127
	exitInterrupted     = 130 // 128 + SIGINT
)

// ExitError signals a non-zero exit code without forcing os.Exit in RunE handlers.
type ExitError struct {
	Code int
	Err  error
}

// Error returns the error message for ExitError.
func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

// Unwrap returns the underlying error, if any.
func (e *ExitError) Unwrap() error {
	return e.Err
}

// inputErrors are caller mistakes
var inputErrors = []error{
	images.ErrNotFound,
	images.ErrInvalidName,
	images.ErrAmbiguous,
	images.ErrUnknownFormat,
	images.ErrImportFailed,
	containers.ErrNotFound,
	containers.ErrAmbiguous,
	containers.ErrRunning,
	containers.ErrNotRunning,
	containers.ErrInvalidName,
	containers.ErrNameInUse,
	layers.ErrSourceNotFound,
	layers.ErrUnsupportedAlgorithm,
	rootfs.ErrUnknownStrategy,
	supervisor.ErrNoCommand,
	errUsage,
}

// errUsage marks malformed command lines
var errUsage = errors.New("usage")

// exitCode maps an error to the status reported to the shell
func exitCode(err error) int {
	var exitErr *ExitError
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &exitErr):
		return exitErr.Code
	case errors.Is(err, isolation.ErrCommandNotFound):
		return exitCommandNotFound
	case errors.Is(err, isolation.ErrExecFailed):
		return exitCannotExecute
	case errors.Is(err, supervisor.ErrInterrupted), errors.Is(err, context.Canceled):
		return exitInterrupted
	}
	for _, target := range inputErrors {
		if errors.Is(err, target) {
			return exitInput
		}
	}
	return exitEngine
}
