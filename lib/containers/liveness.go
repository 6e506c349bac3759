package containers

import (
	"context"
	"os"

	"github.com/onkernel/jocker/lib/ids"
	"github.com/onkernel/jocker/lib/rootfs"
	"golang.org/x/sys/unix"
)

// processAlive reports whether pid names a live process
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}

// stale reports whether a non-terminal record has lost its supervisor.
// The supervisor holds the only wait handle on the container process,
// and the container dies with it (parent-death signal), so a dead
// supervisor means the record can never be completed by anyone else.
func (m *manager) stale(c *Container) bool {
	if c.State.Terminal() {
		return false
	}
	if c.SupervisorPid == os.Getpid() {
		return false
	}
	return !m.alive(c.SupervisorPid)
}

// reconcile settles records whose supervisor is gone: running records
// become killed, created records are rolled back entirely. It also reclaims
// per-container directories that have no record. Records are written before
// their directory is claimed, so under the registry lock an unrecorded
// directory can only belong to a run that died.
func (m *manager) reconcile(ctx context.Context) error {
	doc, err := m.registry.Load()
	if err != nil {
		return err
	}

	found := len(m.orphanDirs(&doc)) > 0
	for _, c := range doc.Containers {
		if m.stale(c) {
			found = true
			break
		}
	}
	if !found {
		return nil
	}

	var (
		rolledBack []*Container
		orphans    []string
	)
	err = m.registry.Update(func(doc *registry) error {
		now := m.now().UTC()
		for id, c := range doc.Containers {
			if !m.stale(c) {
				continue
			}
			switch c.State {
			case StateRunning:
				c.State = StateKilled
				c.Reason = "supervisor exited"
				c.FinishedAt = &now
				m.logger.WarnContext(ctx, "marking orphaned container killed", "id", id, "supervisor_pid", c.SupervisorPid)
			case StateCreated:
				delete(doc.Containers, id)
				rolledBack = append(rolledBack, c)
				m.logger.WarnContext(ctx, "rolling back abandoned container", "id", id, "supervisor_pid", c.SupervisorPid)
			}
		}
		orphans = m.orphanDirs(doc)
		return nil
	})
	if err != nil {
		return err
	}

	for _, c := range rolledBack {
		if err := m.assembler.Teardown(ctx, m.rootOf(c)); err != nil {
			m.logger.WarnContext(ctx, "failed to remove abandoned root", "id", c.ID, "error", err)
		}
	}
	for _, dir := range orphans {
		if err := m.assembler.Teardown(ctx, &rootfs.RootFS{Dir: dir}); err != nil {
			m.logger.WarnContext(ctx, "failed to remove unrecorded root", "dir", dir, "error", err)
			continue
		}
		m.logger.WarnContext(ctx, "removed unrecorded root", "dir", dir)
	}
	return nil
}

// orphanDirs lists per-container directories without a record
func (m *manager) orphanDirs(doc *registry) []string {
	entries, err := os.ReadDir(m.paths.ContainersDir())
	if err != nil {
		return nil
	}
	var dirs []string
	for _, entry := range entries {
		if !entry.IsDir() || !ids.Valid(entry.Name()) {
			continue
		}
		if _, ok := doc.Containers[entry.Name()]; ok {
			continue
		}
		dirs = append(dirs, m.paths.ContainerDir(entry.Name()))
	}
	return dirs
}
