// Package containers persists container records across jocker invocations.
package containers

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"regexp"
	"syscall"
	"time"

	"github.com/onkernel/jocker/lib/logger"
	"github.com/onkernel/jocker/lib/paths"
	"github.com/onkernel/jocker/lib/rootfs"
	"github.com/onkernel/jocker/lib/statefile"
	"golang.org/x/sys/unix"
)

var validName = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// Manager is the container registry
type Manager interface {
	// CreateContainer records a new container in the created state.
	CreateContainer(ctx context.Context, c *Container) error

	// UpdateState applies a lifecycle transition and returns the updated record.
	UpdateState(ctx context.Context, id string, update StateUpdate) (*Container, error)

	// GetContainer resolves a full ID, name or unique ID prefix.
	GetContainer(ctx context.Context, ref string) (*Container, error)

	// ListContainers enumerates records ordered by creation time. Each range
	// over the sequence re-reads the registry.
	ListContainers(ctx context.Context) iter.Seq2[*Container, error]

	// DeleteContainer removes a finished container's record and its root.
	DeleteContainer(ctx context.Context, ref string) error

	// PurgeContainer removes a record and its root regardless of state.
	// It is the rollback path for runs that never reached their command.
	PurgeContainer(ctx context.Context, id string) error

	// SignalContainer delivers sig to a running container's init process.
	SignalContainer(ctx context.Context, ref string, sig syscall.Signal) error
}

type manager struct {
	paths     *paths.Paths
	registry  *statefile.File[registry]
	assembler rootfs.Assembler
	logger    *slog.Logger
	now       func() time.Time
	alive     func(pid int) bool
	kill      func(pid int, sig syscall.Signal) error
}

// NewManager creates a container registry stored in the data directory.
func NewManager(p *paths.Paths, assembler rootfs.Assembler, log *slog.Logger) Manager {
	return &manager{
		paths:     p,
		registry:  newRegistryFile(p.ContainerRegistry()),
		assembler: assembler,
		logger:    logger.NewSubsystemLogger(log, "containers"),
		now:       time.Now,
		alive:     processAlive,
		kill:      unix.Kill,
	}
}

func (m *manager) CreateContainer(ctx context.Context, c *Container) error {
	if c.ID == "" {
		return fmt.Errorf("%w: empty id", ErrNotFound)
	}
	if c.Name != "" && !validName.MatchString(c.Name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, c.Name)
	}
	if c.State == "" {
		c.State = StateCreated
	}
	if c.State != StateCreated {
		return fmt.Errorf("%w: new containers start %s, not %s", ErrInvalidTransition, StateCreated, c.State)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = m.now().UTC()
	}

	err := m.registry.Update(func(doc *registry) error {
		if doc.Containers == nil {
			doc.Containers = make(map[string]*Container)
		}
		if _, exists := doc.Containers[c.ID]; exists {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, c.ID)
		}
		if doc.nameInUse(c.Name) {
			return fmt.Errorf("%w: %s", ErrNameInUse, c.Name)
		}
		doc.Containers[c.ID] = c
		return nil
	})
	if err != nil {
		return err
	}

	m.logger.DebugContext(ctx, "recorded container", "id", c.ID, "image", c.Image)
	return nil
}

func (m *manager) UpdateState(ctx context.Context, id string, update StateUpdate) (*Container, error) {
	if !update.State.Valid() {
		return nil, fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, update.State)
	}

	var updated Container
	err := m.registry.Update(func(doc *registry) error {
		c, ok := doc.Containers[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if !c.State.CanTransition(update.State) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.State, update.State)
		}

		now := m.now().UTC()
		switch update.State {
		case StateRunning:
			c.Pid = update.Pid
			c.StartedAt = &now
			if update.RootFS != nil {
				c.RootFS = update.RootFS
			}
		case StateExited:
			code := update.ExitCode
			c.ExitCode = &code
			c.FinishedAt = &now
		case StateKilled:
			c.Signal = update.Signal
			c.Reason = update.Reason
			c.FinishedAt = &now
		}
		c.State = update.State
		updated = *c
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.DebugContext(ctx, "container state changed", "id", id, "status", updated.Status())
	return &updated, nil
}

func (m *manager) GetContainer(ctx context.Context, ref string) (*Container, error) {
	if err := m.reconcile(ctx); err != nil {
		return nil, fmt.Errorf("reconcile containers: %w", err)
	}
	doc, err := m.registry.Load()
	if err != nil {
		return nil, fmt.Errorf("load container registry: %w", err)
	}
	c, err := doc.lookup(ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", err, ref)
	}
	return c, nil
}

func (m *manager) ListContainers(ctx context.Context) iter.Seq2[*Container, error] {
	return func(yield func(*Container, error) bool) {
		if err := m.reconcile(ctx); err != nil {
			yield(nil, fmt.Errorf("reconcile containers: %w", err))
			return
		}
		doc, err := m.registry.Load()
		if err != nil {
			yield(nil, fmt.Errorf("load container registry: %w", err))
			return
		}
		for _, c := range doc.sorted() {
			if ctx.Err() != nil {
				yield(nil, ctx.Err())
				return
			}
			if !yield(c, nil) {
				return
			}
		}
	}
}

func (m *manager) DeleteContainer(ctx context.Context, ref string) error {
	// 1. Resolve and check the container has finished
	c, err := m.GetContainer(ctx, ref)
	if err != nil {
		return err
	}
	if !c.State.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrRunning, c.DisplayName(), c.State)
	}

	// 2. Reclaim the private root first so a failure leaves the record to retry with
	if err := m.assembler.Teardown(ctx, m.rootOf(c)); err != nil {
		return fmt.Errorf("teardown root: %w", err)
	}

	// 3. Drop the record
	err = m.registry.Update(func(doc *registry) error {
		if _, ok := doc.Containers[c.ID]; !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, c.ID)
		}
		delete(doc.Containers, c.ID)
		return nil
	})
	if err != nil {
		return err
	}

	m.logger.InfoContext(ctx, "removed container", "id", c.ID)
	return nil
}

func (m *manager) PurgeContainer(ctx context.Context, id string) error {
	var purged *Container
	err := m.registry.Update(func(doc *registry) error {
		c, ok := doc.Containers[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		delete(doc.Containers, id)
		purged = c
		return nil
	})
	if err != nil {
		return err
	}

	if err := m.assembler.Teardown(ctx, m.rootOf(purged)); err != nil {
		return fmt.Errorf("teardown root: %w", err)
	}
	m.logger.DebugContext(ctx, "purged container", "id", id)
	return nil
}

func (m *manager) SignalContainer(ctx context.Context, ref string, sig syscall.Signal) error {
	c, err := m.GetContainer(ctx, ref)
	if err != nil {
		return err
	}
	if c.State != StateRunning || c.Pid <= 0 {
		return fmt.Errorf("%w: %s is %s", ErrNotRunning, c.DisplayName(), c.State)
	}

	if err := m.kill(c.Pid, sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return fmt.Errorf("%w: %s has already exited", ErrNotRunning, c.DisplayName())
		}
		return fmt.Errorf("signal container: %w", err)
	}

	m.logger.InfoContext(ctx, "signalled container", "id", c.ID, "signal", unix.SignalName(sig))
	return nil
}

// rootOf returns the root to reclaim for c. Records still in the created
// state may own a partially assembled directory without a RootFS yet.
func (m *manager) rootOf(c *Container) *rootfs.RootFS {
	if c.RootFS != nil {
		return c.RootFS
	}
	return &rootfs.RootFS{Dir: m.paths.ContainerDir(c.ID)}
}
