// Package fsutil copies directory trees the way layers and container roots need them.
package fsutil

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Supported reports whether a tree entry of this type is stored in layers.
// Devices, fifos and sockets are skipped by hashing and copying alike.
func Supported(mode fs.FileMode) bool {
	t := mode.Type()
	return t == 0 || t == fs.ModeDir || t == fs.ModeSymlink
}

// UnixMode returns the permission and special bits of mode in chmod(2) form.
func UnixMode(mode fs.FileMode) uint32 {
	m := uint32(mode.Perm())
	if mode&fs.ModeSetuid != 0 {
		m |= unix.S_ISUID
	}
	if mode&fs.ModeSetgid != 0 {
		m |= unix.S_ISGID
	}
	if mode&fs.ModeSticky != 0 {
		m |= unix.S_ISVTX
	}
	return m
}

// ChmodMode converts mode into the os.FileMode expected by os.Chmod,
// keeping setuid, setgid and sticky bits.
func ChmodMode(mode fs.FileMode) fs.FileMode {
	return mode.Perm() | mode&(fs.ModeSetuid|fs.ModeSetgid|fs.ModeSticky)
}

type dirAttrs struct {
	path  string
	mode  fs.FileMode
	mtime time.Time
}

// CopyTree replicates src into dst, which must not exist or be an empty directory.
// Regular files, directories and symlinks are copied with their modes and
// modification times; ownership is preserved when running as root.
// Hard links are copied as independent files.
func CopyTree(ctx context.Context, src, dst string) error {
	return Overlay(ctx, src, dst)
}

// Overlay copies src on top of dst, replacing files that already exist and
// merging directories. It is how layers are stacked base-to-top.
func Overlay(ctx context.Context, src, dst string) error {
	// Walk the directory a symlinked src points at, never the link itself
	resolved, err := filepath.EvalSymlinks(src)
	if err != nil {
		return err
	}
	src = resolved

	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s: not a directory", src)
	}

	chown := os.Geteuid() == 0
	var dirs []dirAttrs

	err = filepath.WalkDir(src, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}
		if !Supported(info.Mode()) {
			return nil
		}

		// Ownership is applied before modes: chown clears setuid bits
		switch {
		case info.IsDir():
			if err := ensureDir(target); err != nil {
				return err
			}
			if chown {
				if err := lchownLike(target, info); err != nil {
					return err
				}
			}
			dirs = append(dirs, dirAttrs{path: target, mode: info.Mode(), mtime: info.ModTime()})
		case info.Mode()&fs.ModeSymlink != 0:
			if err := copySymlink(path, target); err != nil {
				return err
			}
			if chown {
				if err := lchownLike(target, info); err != nil {
					return err
				}
			}
			ts := []unix.Timespec{unix.NsecToTimespec(info.ModTime().UnixNano()), unix.NsecToTimespec(info.ModTime().UnixNano())}
			if err := unix.UtimesNanoAt(unix.AT_FDCWD, target, ts, unix.AT_SYMLINK_NOFOLLOW); err != nil && err != unix.EOPNOTSUPP {
				return fmt.Errorf("set symlink times %s: %w", rel, err)
			}
		default:
			if err := copyFile(path, target, info, chown); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Directory modes and times are applied deepest-first so read-only
	// directories do not block their own population.
	for _, dir := range slices.Backward(dirs) {
		if err := os.Chmod(dir.path, ChmodMode(dir.mode)); err != nil {
			return fmt.Errorf("chmod %s: %w", dir.path, err)
		}
		if err := os.Chtimes(dir.path, dir.mtime, dir.mtime); err != nil {
			return fmt.Errorf("set times %s: %w", dir.path, err)
		}
	}
	return nil
}

func ensureDir(target string) error {
	fi, err := os.Lstat(target)
	switch {
	case err == nil && fi.IsDir():
		// Writable while children are copied; the final mode is applied later
		return os.Chmod(target, 0700)
	case err == nil:
		if err := os.Remove(target); err != nil {
			return err
		}
	case !os.IsNotExist(err):
		return err
	}
	return os.Mkdir(target, 0700)
}

func removeExisting(target string) error {
	fi, err := os.Lstat(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if fi.IsDir() {
		return os.RemoveAll(target)
	}
	return os.Remove(target)
}

func copySymlink(path, target string) error {
	link, err := os.Readlink(path)
	if err != nil {
		return err
	}
	if err := removeExisting(target); err != nil {
		return err
	}
	return os.Symlink(link, target)
}

func lchownLike(target string, info fs.FileInfo) error {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return nil
	}
	if err := os.Lchown(target, int(st.Uid), int(st.Gid)); err != nil {
		return fmt.Errorf("chown %s: %w", target, err)
	}
	return nil
}

func copyFile(path, target string, info fs.FileInfo, chown bool) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := removeExisting(target); err != nil {
		return err
	}
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	if chown {
		if err := lchownLike(target, info); err != nil {
			return err
		}
	}
	if err := os.Chmod(target, ChmodMode(info.Mode())); err != nil {
		return err
	}
	return os.Chtimes(target, info.ModTime(), info.ModTime())
}

// DirSize returns the total size of regular files under path.
func DirSize(path string) (int64, error) {
	var size int64
	err := filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			size += info.Size()
		}
		return nil
	})
	return size, err
}

// RemoveAll removes path like os.RemoveAll, first making directories
// writable when read-only entries block removal.
func RemoveAll(path string) error {
	err := os.RemoveAll(path)
	if err == nil || !os.IsPermission(err) {
		return err
	}
	_ = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err == nil && d.IsDir() {
			_ = os.Chmod(p, 0700)
		}
		return nil
	})
	return os.RemoveAll(path)
}
