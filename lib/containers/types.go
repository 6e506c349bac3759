package containers

import (
	"fmt"
	"slices"
	"time"

	"github.com/onkernel/jocker/lib/rootfs"
	"github.com/opencontainers/go-digest"
)

// State is the lifecycle state of a container
type State string

const (
	StateCreated State = "created" // Namespaces being allocated, command not yet executing
	StateRunning State = "running" // Command executing
	StateExited  State = "exited"  // Command exited; ExitCode holds its status
	StateKilled  State = "killed"  // Terminated by a signal, or its supervisor lost track of it
)

// transitions lists the allowed successor states
var transitions = map[State][]State{
	StateCreated: {StateRunning},
	StateRunning: {StateExited, StateKilled},
}

// CanTransition reports whether s may move to next.
func (s State) CanTransition(next State) bool {
	return slices.Contains(transitions[s], next)
}

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == StateExited || s == StateKilled
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateCreated, StateRunning, StateExited, StateKilled:
		return true
	}
	return false
}

// Container is a persisted container record
type Container struct {
	ID      string          `json:"id"`
	Name    string          `json:"name,omitempty"`
	Image   string          `json:"image"`    // Image tag at run time
	ImageID string          `json:"image_id"` // Image ID at run time
	Layers  []digest.Digest `json:"layers"`   // Layers the root was assembled from
	RootFS  *rootfs.RootFS  `json:"rootfs"`   // Set once assembled; nil while created
	Command []string        `json:"command"`

	Pid           int `json:"pid,omitempty"`  // Host PID of the container's init process
	SupervisorPid int `json:"supervisor_pid"` // PID of the jocker process waiting on it

	State    State  `json:"state"`
	ExitCode *int   `json:"exit_code,omitempty"`
	Signal   string `json:"signal,omitempty"`
	Reason   string `json:"reason,omitempty"` // Why a container was marked killed without a signal

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Status renders the state for listings, e.g. "Exited(0)" or "Killed(SIGKILL)".
func (c *Container) Status() string {
	switch c.State {
	case StateCreated:
		return "Created"
	case StateRunning:
		return "Running"
	case StateExited:
		if c.ExitCode != nil {
			return fmt.Sprintf("Exited(%d)", *c.ExitCode)
		}
		return "Exited"
	case StateKilled:
		if c.Signal != "" {
			return fmt.Sprintf("Killed(%s)", c.Signal)
		}
		return "Killed"
	default:
		return string(c.State)
	}
}

// DisplayName returns the name, or the short ID for unnamed containers.
func (c *Container) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	if len(c.ID) > 12 {
		return c.ID[:12]
	}
	return c.ID
}

// StateUpdate describes a state transition
type StateUpdate struct {
	State    State
	Pid      int    // Running
	ExitCode int    // Exited
	Signal   string // Killed by a signal
	Reason   string // Killed without an observed signal

	// RootFS is the assembled root, recorded when the container starts running
	RootFS *rootfs.RootFS
}

// Running returns the update that marks a container running as pid in root.
func Running(pid int, root *rootfs.RootFS) StateUpdate {
	return StateUpdate{State: StateRunning, Pid: pid, RootFS: root}
}

// Exited returns the update that records a normal exit.
func Exited(code int) StateUpdate {
	return StateUpdate{State: StateExited, ExitCode: code}
}

// Killed returns the update that records termination by signal.
func Killed(signal, reason string) StateUpdate {
	return StateUpdate{State: StateKilled, Signal: signal, Reason: reason}
}
