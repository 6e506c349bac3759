// Package supervisor runs containers: it assembles the root, starts the
// isolated process, forwards signals and records every state transition.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/onkernel/jocker/lib/containers"
	"github.com/onkernel/jocker/lib/ids"
	"github.com/onkernel/jocker/lib/images"
	"github.com/onkernel/jocker/lib/isolation"
	"github.com/onkernel/jocker/lib/issue"
	"github.com/onkernel/jocker/lib/logger"
	"github.com/onkernel/jocker/lib/rootfs"
	"golang.org/x/sys/unix"
)

// DefaultStopTimeout is how long a container gets to exit after a forwarded
// terminating signal before it is killed.
const DefaultStopTimeout = 10 * time.Second

// forwardedSignals are relayed to the container's process group
var forwardedSignals = []os.Signal{
	syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT,
	syscall.SIGUSR1, syscall.SIGUSR2,
}

func signalName(sig os.Signal) string {
	if s, ok := sig.(syscall.Signal); ok {
		if name := unix.SignalName(s); name != "" {
			return name
		}
	}
	return sig.String()
}

// terminating reports whether sig asks the container to stop
func terminating(sig os.Signal) bool {
	switch sig {
	case syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT:
		return true
	}
	return false
}

// RunRequest describes a container to run in the foreground
type RunRequest struct {
	Image string
	Name  string
	// Command overrides the image's Entrypoint and Cmd when set.
	Command []string
	// Env is appended to the image environment, replacing duplicate keys.
	Env []string
	TTY bool

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// IsolateNetwork gives the container its own loopback-only network namespace.
	IsolateNetwork bool
	// Remove reclaims the record and root once the container exits.
	Remove bool
}

// Result is the outcome of a run that reached its command
type Result struct {
	Container *containers.Container
	// ExitCode is the command's status, or 128+signal when killed.
	ExitCode int
}

// Config holds supervisor settings
type Config struct {
	StopTimeout time.Duration
}

// Supervisor runs containers in the foreground
type Supervisor struct {
	images     images.Manager
	assembler  rootfs.Assembler
	containers containers.Manager
	isolator   isolation.Isolator
	metrics    *Metrics
	config     Config
	logger     *slog.Logger

	// notify subscribes to the signals forwarded to containers
	notify func() (<-chan os.Signal, func())
	now    func() time.Time
}

// New creates a supervisor. metrics may be nil.
func New(
	imageManager images.Manager,
	assembler rootfs.Assembler,
	containerManager containers.Manager,
	isolator isolation.Isolator,
	metrics *Metrics,
	cfg Config,
	log *slog.Logger,
) *Supervisor {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	return &Supervisor{
		images:     imageManager,
		assembler:  assembler,
		containers: containerManager,
		isolator:   isolator,
		metrics:    metrics,
		config:     cfg,
		logger:     logger.NewSubsystemLogger(log, "supervisor"),
		notify:     notifySignals,
		now:        time.Now,
	}
}

func notifySignals() (<-chan os.Signal, func()) {
	ch := make(chan os.Signal, len(forwardedSignals))
	signal.Notify(ch, forwardedSignals...)
	return ch, func() { signal.Stop(ch) }
}

// Run resolves the image, assembles a private root, starts the command in
// fresh namespaces and blocks until it terminates. Failures before the
// command runs, including interrupts, leave no record and no root behind.
func (s *Supervisor) Run(ctx context.Context, req RunRequest) (*Result, error) {
	// 1. Resolve image and command
	img, err := s.images.GetImage(ctx, req.Image)
	if err != nil {
		return nil, err
	}
	argv := req.Command
	if len(argv) == 0 {
		argv = img.Command()
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: image %s has no default command", ErrNoCommand, img.Tag)
	}

	id, err := ids.New()
	if err != nil {
		return nil, err
	}
	log := s.logger.With("id", id, "image", img.Tag)

	// Terminating signals abort setup from here on; once the command runs
	// they are forwarded to it instead
	signals, stopSignals := s.notify()
	defer stopSignals()
	setupCtx, finishSetup := interruptible(ctx, signals)
	defer finishSetup()

	// 2. Record it as created before its root or any namespace exists
	c := &containers.Container{
		ID:            id,
		Name:          req.Name,
		Image:         img.Tag,
		ImageID:       img.ID,
		Layers:        img.Layers,
		Command:       argv,
		SupervisorPid: os.Getpid(),
	}
	if err := s.containers.CreateContainer(ctx, c); err != nil {
		return nil, err
	}

	// 3. Private root
	root, err := s.assembler.Assemble(setupCtx, img.Layers, id)
	if err != nil {
		if cause := context.Cause(setupCtx); cause != nil {
			err = cause
		}
		return nil, s.rollback(ctx, log, id, issue.Wrap(issue.StageAssemble, err).WithResource(img.Tag))
	}
	if err := finishSetup(); err != nil {
		return nil, s.rollback(ctx, log, id, issue.Wrap(issue.StageAssemble, err).WithResource(img.Tag))
	}

	// 4. Clone, switch root, exec
	proc, err := s.isolator.Start(ctx, isolation.Spec{
		ID:         id,
		Root:       isolationRoot(root),
		Args:       argv,
		Env:        mergeEnv(img.Config.Env, req.Env),
		Cwd:        img.Config.WorkingDir,
		Namespaces: isolation.NetworkNamespaces(req.IsolateNetwork),
		TTY:        req.TTY,
		Stdin:      req.Stdin,
		Stdout:     req.Stdout,
		Stderr:     req.Stderr,
	})
	if err != nil {
		return nil, s.rollback(ctx, log, id, startError(err, argv))
	}
	started := s.now()
	log = log.With("pid", proc.Pid())

	// 5. Running
	if _, err := s.containers.UpdateState(ctx, id, containers.Running(proc.Pid(), root)); err != nil {
		_ = proc.Signal(syscall.SIGKILL)
		_, _ = proc.Wait()
		return nil, s.rollback(ctx, log, id, issue.Wrap(issue.StageRegistry, err))
	}
	log.DebugContext(ctx, "container running", "args", argv)

	// 6. Wait, forwarding signals
	status, waitErr := s.wait(ctx, log, proc, signals)

	cleanupCtx := context.WithoutCancel(ctx)
	update := containers.Exited(status.Code)
	switch {
	case waitErr != nil:
		update = containers.Killed("", "wait failed: "+waitErr.Error())
	case status.Signaled():
		update = containers.Killed(unix.SignalName(status.Signal), "")
	}
	final, err := s.containers.UpdateState(cleanupCtx, id, update)
	if err != nil {
		return nil, issue.Wrap(issue.StageRegistry, err).WithResource(id)
	}
	s.metrics.RecordRun(cleanupCtx, string(final.State), s.now().Sub(started))
	log.InfoContext(ctx, "container finished", "status", final.Status())

	if waitErr != nil {
		return nil, issue.Wrap(issue.StageWait, waitErr).WithResource(id)
	}

	// 7. Retained until removal unless asked otherwise
	if req.Remove {
		if err := s.containers.DeleteContainer(cleanupCtx, id); err != nil {
			log.WarnContext(ctx, "failed to remove container", "error", err)
		}
	}

	return &Result{Container: final, ExitCode: status.Code}, nil
}

// interruptible returns a context cancelled by the first terminating signal
// on signals. finish stops reading signals, so the caller can take over the
// channel, and reports the interruption if one happened.
func interruptible(ctx context.Context, signals <-chan os.Signal) (context.Context, func() error) {
	ctx, cancel := context.WithCancelCause(ctx)
	quit := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case sig := <-signals:
				if terminating(sig) {
					cancel(fmt.Errorf("%w by %s", ErrInterrupted, signalName(sig)))
					return
				}
			case <-quit:
				return
			}
		}
	}()

	var (
		once sync.Once
		err  error
	)
	return ctx, func() error {
		once.Do(func() {
			close(quit)
			<-done
			err = context.Cause(ctx)
			cancel(nil)
		})
		return err
	}
}

// wait blocks until proc terminates. Forwarded terminating signals and
// context cancellation escalate to SIGKILL after the stop timeout.
func (s *Supervisor) wait(ctx context.Context, log *slog.Logger, proc isolation.Process, signals <-chan os.Signal) (isolation.ExitStatus, error) {
	type waitResult struct {
		status isolation.ExitStatus
		err    error
	}
	done := make(chan waitResult, 1)
	go func() {
		status, err := proc.Wait()
		done <- waitResult{status, err}
	}()

	var (
		deadline <-chan time.Time
		ctxDone  = ctx.Done()
	)
	stop := func(sig os.Signal) {
		if err := proc.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
			log.WarnContext(ctx, "failed to signal container", "signal", sig, "error", err)
		}
		if deadline == nil && terminating(sig) {
			deadline = time.After(s.config.StopTimeout)
		}
	}

	for {
		select {
		case r := <-done:
			return r.status, r.err
		case sig := <-signals:
			log.DebugContext(ctx, "forwarding signal", "signal", sig)
			stop(sig)
		case <-ctxDone:
			ctxDone = nil
			// A forwarded signal may already be stopping it
			if deadline == nil {
				stop(syscall.SIGTERM)
			}
		case <-deadline:
			log.WarnContext(ctx, "container did not stop in time, killing", "timeout", s.config.StopTimeout)
			if err := proc.Signal(syscall.SIGKILL); err != nil && !errors.Is(err, os.ErrProcessDone) {
				log.WarnContext(ctx, "failed to kill container", "error", err)
			}
			deadline = nil
		}
	}
}

// rollback removes every trace of a run that never reached its command
func (s *Supervisor) rollback(ctx context.Context, log *slog.Logger, id string, cause error) error {
	stage, _ := issue.StageOf(cause)
	s.metrics.RecordFailure(ctx, string(stage))
	if err := s.containers.PurgeContainer(context.WithoutCancel(ctx), id); err != nil {
		log.ErrorContext(ctx, "rollback failed", "error", err)
	}
	return cause
}

// startError tags an isolation failure with its stage
func startError(err error, argv []string) error {
	switch {
	case errors.Is(err, isolation.ErrNamespaceSetupFailed):
		return issue.Wrap(issue.StageNamespace, err).
			WithSuggestion("jocker needs root privileges (CAP_SYS_ADMIN) and a kernel with PID, mount, UTS and IPC namespaces")
	case errors.Is(err, isolation.ErrRootSwitchFailed):
		return issue.Wrap(issue.StageNamespace, err)
	case errors.Is(err, isolation.ErrCommandNotFound):
		return issue.Wrap(issue.StageExec, err).
			WithSuggestion(fmt.Sprintf("check that %s exists in the image and is on its PATH", argv[0]))
	case errors.Is(err, isolation.ErrExecFailed):
		return issue.Wrap(issue.StageExec, err)
	default:
		return issue.Wrap(issue.StageNamespace, err)
	}
}

func isolationRoot(root *rootfs.RootFS) isolation.Root {
	r := isolation.Root{Path: root.Path}
	if root.Strategy == rootfs.StrategyOverlay {
		r.Lower = root.Lower
		r.Upper = root.Upper
		r.Work = root.Work
	}
	return r
}

// mergeEnv appends overrides to base, replacing entries with the same key
func mergeEnv(base, overrides []string) []string {
	env := slices.Clone(base)
	for _, kv := range overrides {
		key, _, _ := strings.Cut(kv, "=")
		i := slices.IndexFunc(env, func(e string) bool {
			k, _, _ := strings.Cut(e, "=")
			return k == key
		})
		if i >= 0 {
			env[i] = kv
		} else {
			env = append(env, kv)
		}
	}
	return env
}
