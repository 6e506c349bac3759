// Package isolation starts a command inside fresh kernel namespaces with its
// root switched to an assembled container filesystem.
package isolation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"syscall"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// InitCommand is the hidden argument that turns a re-executed jocker binary
// into a container init. main must call Init before any other work when it
// sees it.
const InitCommand = "jocker-container-init"

// setupFailedExitCode is the status the init exits with after reporting a
// setup failure.
const setupFailedExitCode = 242

// DefaultPath is the PATH given to containers whose environment has none.
const DefaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

var (
	// ErrNamespaceSetupFailed is returned when namespaces cannot be created,
	// usually for lack of CAP_SYS_ADMIN or kernel support.
	ErrNamespaceSetupFailed = errors.New("namespace setup failed")

	// ErrRootSwitchFailed is returned when mounting or pivoting into the root fails.
	ErrRootSwitchFailed = errors.New("root switch failed")

	// ErrCommandNotFound is returned when argv[0] does not resolve inside the root.
	ErrCommandNotFound = errors.New("command not found")

	// ErrExecFailed is returned when the command exists but cannot be executed.
	ErrExecFailed = errors.New("exec failed")

	// ErrWaitFailed is returned when the container's termination cannot be observed.
	ErrWaitFailed = errors.New("wait failed")
)

// Root is the filesystem a container pivots into.
type Root struct {
	// Path is the directory that becomes "/".
	Path string `json:"path"`
	// Lower, Upper and Work are set when Path is an overlay mountpoint.
	// Lower lists layer directories topmost first.
	Lower []string `json:"lower,omitempty"`
	Upper string   `json:"upper,omitempty"`
	Work  string   `json:"work,omitempty"`
}

// Overlay reports whether the root must be mounted as an overlay.
func (r Root) Overlay() bool {
	return len(r.Lower) > 0
}

// Spec describes the process to start.
type Spec struct {
	ID       string   `json:"id"`
	Hostname string   `json:"hostname"`
	Root     Root     `json:"root"`
	Args     []string `json:"args"`
	Env      []string `json:"env"`
	Cwd      string   `json:"cwd"`

	Namespaces []specs.LinuxNamespace `json:"namespaces"`
	Mounts     []specs.Mount          `json:"mounts"`
	Devices    []specs.LinuxDevice    `json:"devices"`

	// TTY allocates a pseudo-terminal as the container's controlling terminal.
	TTY bool `json:"tty"`

	Stdin  io.Reader `json:"-"`
	Stdout io.Writer `json:"-"`
	Stderr io.Writer `json:"-"`
}

// ExitStatus is how a container process terminated.
type ExitStatus struct {
	Code   int
	Signal syscall.Signal // Non-zero when killed by a signal
}

// Signaled reports whether the process was terminated by a signal.
func (s ExitStatus) Signaled() bool {
	return s.Signal != 0
}

// Process is a started container process. The command has been exec'd by
// the time Start returns one.
type Process interface {
	// Pid is the host PID of the container's init.
	Pid() int

	// Signal delivers sig to the container's process group.
	Signal(sig os.Signal) error

	// Wait blocks until the process terminates.
	Wait() (ExitStatus, error)
}

// Isolator starts processes in isolated namespaces.
type Isolator interface {
	Start(ctx context.Context, spec Spec) (Process, error)
}

// NetworkNamespaces returns the namespace set for a container. Without a
// network namespace the container shares the host network stack.
func NetworkNamespaces(isolateNetwork bool) []specs.LinuxNamespace {
	ns := []specs.LinuxNamespace{
		{Type: specs.PIDNamespace},
		{Type: specs.MountNamespace},
		{Type: specs.UTSNamespace},
		{Type: specs.IPCNamespace},
	}
	if isolateNetwork {
		ns = append(ns, specs.LinuxNamespace{Type: specs.NetworkNamespace})
	}
	return ns
}

// DefaultMounts is the pseudo-filesystem table mounted into every container.
func DefaultMounts() []specs.Mount {
	return []specs.Mount{
		{Destination: "/proc", Type: "proc", Source: "proc", Options: []string{"nosuid", "noexec", "nodev"}},
		{Destination: "/dev", Type: "tmpfs", Source: "tmpfs", Options: []string{"nosuid", "strictatime", "mode=755", "size=65536k"}},
		{Destination: "/dev/pts", Type: "devpts", Source: "devpts", Options: []string{"nosuid", "noexec", "newinstance", "ptmxmode=0666", "mode=0620"}},
		{Destination: "/dev/shm", Type: "tmpfs", Source: "shm", Options: []string{"nosuid", "noexec", "nodev", "mode=1777", "size=65536k"}},
		{Destination: "/dev/mqueue", Type: "mqueue", Source: "mqueue", Options: []string{"nosuid", "noexec", "nodev"}},
		{Destination: "/sys", Type: "sysfs", Source: "sysfs", Options: []string{"nosuid", "noexec", "nodev", "ro"}},
		{Destination: "/tmp", Type: "tmpfs", Source: "tmpfs", Options: []string{"nosuid", "nodev", "mode=1777"}},
	}
}

// DefaultDevices is the set of device nodes created in every container's /dev.
func DefaultDevices() []specs.LinuxDevice {
	mode := os.FileMode(0666)
	var root uint32
	dev := func(name string, major, minor int64) specs.LinuxDevice {
		return specs.LinuxDevice{
			Path:     "/dev/" + name,
			Type:     "c",
			Major:    major,
			Minor:    minor,
			FileMode: &mode,
			UID:      &root,
			GID:      &root,
		}
	}
	return []specs.LinuxDevice{
		dev("null", 1, 3),
		dev("zero", 1, 5),
		dev("full", 1, 7),
		dev("random", 1, 8),
		dev("urandom", 1, 9),
		dev("tty", 5, 0),
	}
}

// devSymlinks are created in /dev after the device nodes.
var devSymlinks = [][2]string{
	{"/proc/self/fd", "/dev/fd"},
	{"/proc/self/fd/0", "/dev/stdin"},
	{"/proc/self/fd/1", "/dev/stdout"},
	{"/proc/self/fd/2", "/dev/stderr"},
	{"pts/ptmx", "/dev/ptmx"},
}

// withDefaults fills unset fields of spec.
func withDefaults(spec Spec) (Spec, error) {
	if len(spec.Args) == 0 || spec.Args[0] == "" {
		return spec, fmt.Errorf("%w: no command given", ErrCommandNotFound)
	}
	if spec.Root.Path == "" {
		return spec, fmt.Errorf("%w: no root filesystem", ErrRootSwitchFailed)
	}
	if spec.Hostname == "" {
		spec.Hostname = spec.ID
	}
	if spec.Cwd == "" {
		spec.Cwd = "/"
	}
	if spec.Namespaces == nil {
		spec.Namespaces = NetworkNamespaces(false)
	}
	if spec.Mounts == nil {
		spec.Mounts = DefaultMounts()
	}
	if spec.Devices == nil {
		spec.Devices = DefaultDevices()
	}

	env := slices.Clone(spec.Env)
	if !hasEnv(env, "PATH") {
		env = append(env, "PATH="+DefaultPath)
	}
	if !hasEnv(env, "HOSTNAME") {
		env = append(env, "HOSTNAME="+spec.Hostname)
	}
	if spec.TTY && !hasEnv(env, "TERM") {
		env = append(env, "TERM=xterm")
	}
	spec.Env = env
	return spec, nil
}

func hasEnv(env []string, key string) bool {
	return slices.ContainsFunc(env, func(kv string) bool {
		return strings.HasPrefix(kv, key+"=")
	})
}

// HasNamespace reports whether spec requests a namespace of type t.
func (s Spec) HasNamespace(t specs.LinuxNamespaceType) bool {
	return slices.ContainsFunc(s.Namespaces, func(ns specs.LinuxNamespace) bool {
		return ns.Type == t
	})
}

// Failure kinds reported by the init over the sync pipe
const (
	kindNamespace = "namespace"
	kindRoot      = "root"
	kindNotFound  = "not_found"
	kindExec      = "exec"
)

// initFailure is what the init writes to the sync pipe before exiting
type initFailure struct {
	Stage   string `json:"stage"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (f initFailure) err() error {
	sentinel := ErrExecFailed
	switch f.Kind {
	case kindNamespace:
		sentinel = ErrNamespaceSetupFailed
	case kindRoot:
		sentinel = ErrRootSwitchFailed
	case kindNotFound:
		sentinel = ErrCommandNotFound
	}
	return fmt.Errorf("%w: %s: %s", sentinel, f.Stage, f.Message)
}
