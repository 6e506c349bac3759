package isolation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
	"github.com/onkernel/jocker/lib/logger"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"
)

// selfExe is re-executed as the container init
const selfExe = "/proc/self/exe"

var namespaceFlags = map[specs.LinuxNamespaceType]uintptr{
	specs.PIDNamespace:     unix.CLONE_NEWPID,
	specs.MountNamespace:   unix.CLONE_NEWNS,
	specs.UTSNamespace:     unix.CLONE_NEWUTS,
	specs.IPCNamespace:     unix.CLONE_NEWIPC,
	specs.NetworkNamespace: unix.CLONE_NEWNET,
	specs.CgroupNamespace:  unix.CLONE_NEWCGROUP,
}

// cloneFlags maps a namespace set to clone(2) flags. Joining existing
// namespaces and user namespaces are not supported.
func cloneFlags(namespaces []specs.LinuxNamespace) (uintptr, error) {
	var flags uintptr
	for _, ns := range namespaces {
		if ns.Path != "" {
			return 0, fmt.Errorf("%w: joining %s namespace %s is not supported", ErrNamespaceSetupFailed, ns.Type, ns.Path)
		}
		flag, ok := namespaceFlags[ns.Type]
		if !ok {
			return 0, fmt.Errorf("%w: unsupported namespace type %q", ErrNamespaceSetupFailed, ns.Type)
		}
		flags |= flag
	}
	if flags&unix.CLONE_NEWNS == 0 {
		return 0, fmt.Errorf("%w: a mount namespace is required to switch root", ErrNamespaceSetupFailed)
	}
	return flags, nil
}

type isolator struct {
	logger *slog.Logger
}

// NewIsolator returns the namespace isolator. Starting containers requires
// CAP_SYS_ADMIN.
func NewIsolator(log *slog.Logger) Isolator {
	return &isolator{logger: logger.NewSubsystemLogger(log, "isolation")}
}

func (i *isolator) Start(ctx context.Context, spec Spec) (Process, error) {
	spec, err := withDefaults(spec)
	if err != nil {
		return nil, err
	}
	flags, err := cloneFlags(spec.Namespaces)
	if err != nil {
		return nil, err
	}

	// 1. Pipes: config travels on fd 3, setup failures come back on fd 4
	configR, configW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create config pipe: %w", err)
	}
	defer configW.Close()
	syncR, syncW, err := os.Pipe()
	if err != nil {
		configR.Close()
		return nil, fmt.Errorf("create sync pipe: %w", err)
	}
	defer syncR.Close()

	cmd := exec.Command(selfExe, InitCommand)
	cmd.Env = []string{}
	cmd.ExtraFiles = []*os.File{configR, syncW}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: flags,
		Pdeathsig:  syscall.SIGKILL,
	}

	// 2. Clone into the new namespaces
	p := &process{cmd: cmd, done: make(chan struct{})}
	if spec.TTY {
		err = p.startTTY(spec)
	} else {
		cmd.Stdin, cmd.Stdout, cmd.Stderr = spec.Stdin, spec.Stdout, spec.Stderr
		cmd.SysProcAttr.Setpgid = true
		err = cmd.Start()
	}
	configR.Close()
	syncW.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNamespaceSetupFailed, err)
	}

	log := i.logger.With("id", spec.ID, "pid", cmd.Process.Pid)
	log.DebugContext(ctx, "cloned container init")

	stop := context.AfterFunc(ctx, func() {
		_ = cmd.Process.Kill()
	})
	defer stop()

	// 3. Send the config over fd 3
	if err := json.NewEncoder(configW).Encode(spec); err != nil {
		p.abort()
		return nil, fmt.Errorf("%w: send config: %w", ErrNamespaceSetupFailed, err)
	}
	configW.Close()

	// 4. EOF on the sync pipe without a report means exec succeeded
	report, err := io.ReadAll(syncR)
	if err != nil {
		p.abort()
		return nil, fmt.Errorf("%w: read init status: %w", ErrNamespaceSetupFailed, err)
	}
	if len(report) > 0 {
		p.abort()
		var failure initFailure
		if err := json.Unmarshal(report, &failure); err != nil {
			return nil, fmt.Errorf("%w: malformed init report: %q", ErrNamespaceSetupFailed, report)
		}
		log.DebugContext(ctx, "container init failed", "stage", failure.Stage, "error", failure.Message)
		return nil, failure.err()
	}
	if ctx.Err() != nil {
		p.abort()
		return nil, ctx.Err()
	}

	log.DebugContext(ctx, "container command started", "args", spec.Args)
	return p, nil
}

type process struct {
	cmd  *exec.Cmd
	ptmx *os.File
	// done is closed once terminal output has been drained
	done chan struct{}
}

func (p *process) Pid() int {
	return p.cmd.Process.Pid
}

func (p *process) Signal(sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return p.cmd.Process.Signal(sig)
	}
	// The init leads its own process group
	err := unix.Kill(-p.cmd.Process.Pid, s)
	if errors.Is(err, unix.ESRCH) {
		return os.ErrProcessDone
	}
	return err
}

func (p *process) Wait() (ExitStatus, error) {
	err := p.cmd.Wait()
	if p.ptmx != nil {
		<-p.done
		p.ptmx.Close()
	}

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return ExitStatus{}, fmt.Errorf("%w: %w", ErrWaitFailed, err)
	}

	ws, ok := p.cmd.ProcessState.Sys().(syscall.WaitStatus)
	if !ok {
		return ExitStatus{}, fmt.Errorf("%w: unexpected wait status %T", ErrWaitFailed, p.cmd.ProcessState.Sys())
	}
	switch {
	case ws.Signaled():
		return ExitStatus{Code: 128 + int(ws.Signal()), Signal: ws.Signal()}, nil
	case ws.Exited():
		return ExitStatus{Code: ws.ExitStatus()}, nil
	default:
		return ExitStatus{}, fmt.Errorf("%w: process neither exited nor was signalled (%v)", ErrWaitFailed, ws)
	}
}

// abort kills and reaps an init that never reached exec
func (p *process) abort() {
	_ = p.cmd.Process.Kill()
	_ = p.cmd.Wait()
	if p.ptmx != nil {
		p.ptmx.Close()
	}
}

// startTTY starts the init with a new session whose controlling terminal is
// a fresh pseudo-terminal, and relays it to the caller's stdio.
func (p *process) startTTY(spec Spec) error {
	var size *pty.Winsize
	if in, ok := spec.Stdin.(*os.File); ok {
		size, _ = pty.GetsizeFull(in)
	}

	ptmx, err := pty.StartWithAttrs(p.cmd, size, p.cmd.SysProcAttr)
	if err != nil {
		return err
	}
	p.ptmx = ptmx

	if in, ok := spec.Stdin.(*os.File); ok {
		go relayResize(in, ptmx, p.done)
	}
	if spec.Stdin != nil {
		go func() { _, _ = io.Copy(ptmx, spec.Stdin) }()
	}
	out := spec.Stdout
	if out == nil {
		out = io.Discard
	}
	go func() {
		defer close(p.done)
		// Reads fail with EIO once the last slave descriptor closes
		_, _ = io.Copy(out, ptmx)
	}()
	return nil
}
