//go:build !linux

package isolation

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
)

type isolator struct{}

// NewIsolator returns an isolator that always fails: namespaces are Linux only.
func NewIsolator(*slog.Logger) Isolator {
	return isolator{}
}

func (isolator) Start(context.Context, Spec) (Process, error) {
	return nil, fmt.Errorf("%w: containers are not supported on %s", ErrNamespaceSetupFailed, runtime.GOOS)
}

// Init exits: there is no container init outside Linux.
func Init() {
	fmt.Fprintf(os.Stderr, "jocker init: unsupported on %s\n", runtime.GOOS)
	os.Exit(setupFailedExitCode)
}
