package rootfs

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"syscall"

	"github.com/onkernel/jocker/lib/fsutil"
	"golang.org/x/sys/unix"
)

var opaqueXattrs = []string{"trusted.overlay.opaque", "user.overlay.opaque"}

func (a *assembler) Snapshot(ctx context.Context, root *RootFS, dst string) error {
	if root == nil {
		return fmt.Errorf("%w: no root", ErrIO)
	}
	if _, err := os.Stat(root.Dir); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}

	switch root.Strategy {
	case StrategyOverlay:
		// Lower dirs are recorded topmost first
		for _, lower := range slices.Backward(root.Lower) {
			if err := fsutil.Overlay(ctx, lower, dst); err != nil {
				return fmt.Errorf("%w: copy lower %s: %v", ErrIO, lower, err)
			}
		}
		if err := applyUpper(ctx, root.Upper, dst); err != nil {
			return fmt.Errorf("%w: apply upper: %v", ErrIO, err)
		}
	default:
		if err := fsutil.CopyTree(ctx, root.Path, dst); err != nil {
			return fmt.Errorf("%w: copy root: %v", ErrIO, err)
		}
	}
	return nil
}

// applyUpper merges an overlayfs upper directory onto dst: whiteouts
// (0/0 character devices) delete the path below, opaque directories hide
// everything below them, and the rest is copied on top.
func applyUpper(ctx context.Context, upper, dst string) error {
	var removals []string

	err := filepath.WalkDir(upper, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(upper, path)
		if err != nil || rel == "." {
			return err
		}

		switch {
		case d.Type()&fs.ModeCharDevice != 0:
			info, err := d.Info()
			if err != nil {
				return err
			}
			if st, ok := info.Sys().(*syscall.Stat_t); ok && st.Rdev == 0 {
				removals = append(removals, rel)
			}
		case d.IsDir() && isOpaque(path):
			removals = append(removals, rel)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, rel := range removals {
		if err := fsutil.RemoveAll(filepath.Join(dst, rel)); err != nil {
			return err
		}
	}

	// Whiteout devices are skipped by the copy
	return fsutil.Overlay(ctx, upper, dst)
}

func isOpaque(path string) bool {
	buf := make([]byte, 1)
	for _, attr := range opaqueXattrs {
		n, err := unix.Lgetxattr(path, attr, buf)
		if err == nil && n == 1 && buf[0] == 'y' {
			return true
		}
	}
	return false
}
