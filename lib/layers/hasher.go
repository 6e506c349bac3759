package layers

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/onkernel/jocker/lib/fsutil"
	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"
)

// TreeHasher computes the content address of a directory tree.
type TreeHasher interface {
	HashTree(ctx context.Context, root string) (digest.Digest, error)
}

// ParseAlgorithm maps a configured algorithm name to a digest algorithm.
func ParseAlgorithm(name string) (digest.Algorithm, error) {
	switch alg := digest.Algorithm(name); alg {
	case digest.SHA256, digest.SHA384, digest.SHA512:
		if !alg.Available() {
			return "", fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, name)
		}
		return alg, nil
	case "":
		return digest.Canonical, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, name)
	}
}

// manifestHasher hashes a canonical manifest of the tree: one line per
// entry in lexical walk order, recording path, mode, file content digest
// and symlink target. Ownership and timestamps are not addressed.
type manifestHasher struct {
	algorithm digest.Algorithm
	workers   int
}

// NewTreeHasher returns the default TreeHasher for alg.
func NewTreeHasher(alg digest.Algorithm) TreeHasher {
	return &manifestHasher{
		algorithm: alg,
		workers:   runtime.NumCPU(),
	}
}

type manifestEntry struct {
	kind    byte
	rel     string
	mode    uint32
	target  string
	content digest.Digest
}

func (h *manifestHasher) HashTree(ctx context.Context, root string) (digest.Digest, error) {
	// A symlinked root addresses the tree it points at
	resolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", err
	}
	root = resolved

	var entries []*manifestEntry

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.workers)

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := gctx.Err(); err != nil {
			return err
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if !fsutil.Supported(info.Mode()) {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		entry := &manifestEntry{rel: filepath.ToSlash(rel), mode: fsutil.UnixMode(info.Mode())}
		entries = append(entries, entry)

		switch {
		case info.IsDir():
			entry.kind = 'd'
		case info.Mode()&fs.ModeSymlink != 0:
			entry.kind = 'l'
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			entry.target = target
		default:
			entry.kind = 'f'
			g.Go(func() error {
				d, err := h.hashFile(path)
				if err != nil {
					return err
				}
				entry.content = d
				return nil
			})
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return "", err
	}
	if walkErr != nil {
		return "", walkErr
	}

	digester := h.algorithm.Digester()
	w := digester.Hash()
	for _, e := range entries {
		switch e.kind {
		case 'd':
			fmt.Fprintf(w, "d %04o %q\n", e.mode, e.rel)
		case 'l':
			fmt.Fprintf(w, "l %q %q\n", e.rel, e.target)
		case 'f':
			fmt.Fprintf(w, "f %04o %q %s\n", e.mode, e.rel, e.content)
		}
	}
	return digester.Digest(), nil
}

func (h *manifestHasher) hashFile(path string) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	digester := h.algorithm.Digester()
	if _, err := io.Copy(digester.Hash(), f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return digester.Digest(), nil
}
