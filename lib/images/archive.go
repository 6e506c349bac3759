package images

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/onkernel/jocker/lib/fsutil"
)

var (
	// ErrArchiveTooLarge is returned when extracted content exceeds the size limit
	ErrArchiveTooLarge = errors.New("archive content exceeds size limit")
	// ErrInvalidArchivePath is returned when a tar entry has a malicious path
	ErrInvalidArchivePath = errors.New("invalid archive path")
)

// openArchive opens a tar archive, transparently decompressing gzip.
func openArchive(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return decompress(f)
}

type readCloser struct {
	io.Reader
	closers []io.Closer
}

func (r *readCloser) Close() error {
	var errs []error
	for _, c := range r.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// decompress wraps rc in a gzip reader when it starts with the gzip magic.
func decompress(rc io.ReadCloser) (io.ReadCloser, error) {
	br := bufio.NewReader(rc)
	magic, err := br.Peek(2)
	if err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		gzr, err := gzip.NewReader(br)
		if err != nil {
			rc.Close()
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		return &readCloser{Reader: gzr, closers: []io.Closer{gzr, rc}}, nil
	}
	return &readCloser{Reader: br, closers: []io.Closer{rc}}, nil
}

// ExtractTar extracts a tar stream into destDir as a root filesystem,
// aborting if the extracted content exceeds maxBytes. Returns the total
// extracted bytes on success.
//
// Safety measures against adversarial archives:
// - Tracks cumulative extracted size, aborts immediately if limit exceeded
// - Rejects absolute and parent-relative entry names
// - Resolves every parent directory with securejoin, so symlinks planted by
// earlier entries (absolute or relative) can never redirect writes outside destDir
// - Uses io.LimitReader as secondary protection when copying files
//
// Symlink targets are stored verbatim: they are resolved against the
// container root at run time, not against the host.
func ExtractTar(r io.Reader, destDir string, maxBytes int64) (int64, error) {
	// Create destination directory
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return 0, fmt.Errorf("create dest dir: %w", err)
	}

	tr := tar.NewReader(r)
	chown := os.Geteuid() == 0

	type dirMeta struct {
		path  string
		mode  fs.FileMode
		mtime time.Time
	}
	var dirs []dirMeta

	var extractedBytes int64

	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return extractedBytes, fmt.Errorf("read tar header: %w", err)
		}

		// Validate and sanitize path
		name, err := sanitizeName(header.Name)
		if err != nil {
			return extractedBytes, err
		}
		if name == "." {
			if header.Typeflag == tar.TypeDir {
				dirs = append(dirs, dirMeta{path: destDir, mode: header.FileInfo().Mode(), mtime: header.ModTime})
			}
			continue
		}

		targetPath, err := resolveTarget(destDir, name)
		if err != nil {
			return extractedBytes, err
		}

		// Check if adding this entry would exceed the limit
		if extractedBytes+header.Size > maxBytes {
			return extractedBytes, fmt.Errorf("%w: would exceed %d bytes", ErrArchiveTooLarge, maxBytes)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if fi, err := os.Lstat(targetPath); err == nil && !fi.IsDir() {
				if err := os.Remove(targetPath); err != nil {
					return extractedBytes, fmt.Errorf("replace %s: %w", header.Name, err)
				}
			}
			if err := os.MkdirAll(targetPath, 0755); err != nil {
				return extractedBytes, fmt.Errorf("create dir %s: %w", header.Name, err)
			}
			dirs = append(dirs, dirMeta{path: targetPath, mode: header.FileInfo().Mode(), mtime: header.ModTime})

		case tar.TypeReg:
			if err := removeNonDir(targetPath); err != nil {
				return extractedBytes, fmt.Errorf("replace %s: %w", header.Name, err)
			}

			// Create file
			f, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600)
			if err != nil {
				return extractedBytes, fmt.Errorf("create file %s: %w", header.Name, err)
			}

			// Copy with limit as secondary protection
			remaining := maxBytes - extractedBytes
			limitedReader := io.LimitReader(tr, remaining+1) // +1 to detect overflow

			n, err := io.Copy(f, limitedReader)
			f.Close()

			if err != nil {
				return extractedBytes, fmt.Errorf("write file %s: %w", header.Name, err)
			}

			extractedBytes += n

			// Check if we hit the limit
			if extractedBytes > maxBytes {
				return extractedBytes, fmt.Errorf("%w: exceeded %d bytes", ErrArchiveTooLarge, maxBytes)
			}

			if chown {
				if err := os.Lchown(targetPath, header.Uid, header.Gid); err != nil {
					return extractedBytes, fmt.Errorf("chown %s: %w", header.Name, err)
				}
			}
			if err := os.Chmod(targetPath, fsutil.ChmodMode(header.FileInfo().Mode())); err != nil {
				return extractedBytes, fmt.Errorf("chmod %s: %w", header.Name, err)
			}
			if err := os.Chtimes(targetPath, header.ModTime, header.ModTime); err != nil {
				return extractedBytes, fmt.Errorf("set times %s: %w", header.Name, err)
			}

		case tar.TypeSymlink:
			if err := removeNonDir(targetPath); err != nil {
				return extractedBytes, fmt.Errorf("replace %s: %w", header.Name, err)
			}
			if err := os.Symlink(header.Linkname, targetPath); err != nil {
				return extractedBytes, fmt.Errorf("create symlink %s: %w", header.Name, err)
			}
			if chown {
				if err := os.Lchown(targetPath, header.Uid, header.Gid); err != nil {
					return extractedBytes, fmt.Errorf("chown %s: %w", header.Name, err)
				}
			}

		case tar.TypeLink:
			// Hard links - the target is resolved inside destDir
			linkName, err := sanitizeName(header.Linkname)
			if err != nil {
				return extractedBytes, err
			}
			linkTarget, err := securejoin.SecureJoin(destDir, linkName)
			if err != nil {
				return extractedBytes, fmt.Errorf("%w: hardlink %s: %v", ErrInvalidArchivePath, header.Name, err)
			}
			if err := removeNonDir(targetPath); err != nil {
				return extractedBytes, fmt.Errorf("replace %s: %w", header.Name, err)
			}
			if err := os.Link(linkTarget, targetPath); err != nil {
				return extractedBytes, fmt.Errorf("create hardlink %s: %w", header.Name, err)
			}

		default:
			// Skip other types (devices, fifos, etc.)
			continue
		}
	}

	for _, dir := range slices.Backward(dirs) {
		if err := os.Chmod(dir.path, fsutil.ChmodMode(dir.mode)); err != nil {
			return extractedBytes, fmt.Errorf("chmod %s: %w", dir.path, err)
		}
		if err := os.Chtimes(dir.path, dir.mtime, dir.mtime); err != nil {
			return extractedBytes, fmt.Errorf("set times %s: %w", dir.path, err)
		}
	}

	return extractedBytes, nil
}

// sanitizeName validates an entry name and returns it cleaned, slash separated
func sanitizeName(name string) (string, error) {
	// Reject absolute paths
	if strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("%w: absolute path %s", ErrInvalidArchivePath, name)
	}

	// Reject paths with ..
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: path traversal in %s", ErrInvalidArchivePath, name)
		}
	}

	return path.Clean(name), nil
}

// resolveTarget returns the host path for a cleaned entry name. The parent
// directory is resolved with symlinks confined to destDir and created if
// missing; the final component is never followed.
func resolveTarget(destDir, name string) (string, error) {
	parent, err := securejoin.SecureJoin(destDir, path.Dir(name))
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrInvalidArchivePath, name, err)
	}
	if err := os.MkdirAll(parent, 0755); err != nil {
		return "", fmt.Errorf("create parent dir for %s: %w", name, err)
	}
	return filepath.Join(parent, path.Base(name)), nil
}

func removeNonDir(target string) error {
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
