package fsutil

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nrednav/cuid2"
	"github.com/onkernel/jocker/lib/logger"
	"golang.org/x/sys/unix"
)

// ScratchPath returns a fresh path under parent for temporary work owned by
// the calling process. The owner's PID is part of the name so PruneScratch
// can tell abandoned entries from live ones.
func ScratchPath(parent, prefix string) string {
	return filepath.Join(parent, fmt.Sprintf("%s%d-%s", prefix, os.Getpid(), cuid2.Generate()))
}

// PruneScratch removes entries under parent whose owning process is gone,
// such as those left by an invocation that was killed mid-copy.
func PruneScratch(ctx context.Context, parent string) error {
	entries, err := os.ReadDir(parent)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	log := logger.FromContext(ctx)
	var errs []error
	for _, entry := range entries {
		pid, ok := scratchOwner(entry.Name())
		if !ok || pid == os.Getpid() || processAlive(pid) {
			continue
		}
		path := filepath.Join(parent, entry.Name())
		if err := RemoveAll(path); err != nil {
			errs = append(errs, err)
			continue
		}
		log.DebugContext(ctx, "removed abandoned scratch entry", "path", path, "pid", pid)
	}
	return errors.Join(errs...)
}

// scratchOwner parses the PID out of a ScratchPath name
func scratchOwner(name string) (int, bool) {
	i := strings.LastIndexByte(name, '-')
	if i <= 0 {
		return 0, false
	}
	head := name[:i]
	start := len(head)
	for start > 0 && head[start-1] >= '0' && head[start-1] <= '9' {
		start--
	}
	pid, err := strconv.Atoi(head[start:])
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}
