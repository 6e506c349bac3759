// Package layers stores immutable, content-addressed filesystem trees.
package layers

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/onkernel/jocker/lib/fsutil"
	"github.com/onkernel/jocker/lib/logger"
	"github.com/onkernel/jocker/lib/paths"
	"github.com/opencontainers/go-digest"
)

// Store is the layer store.
type Store interface {
	// Write copies sourceDir into the store and returns its identifier.
	// Writing content that is already stored returns the existing identifier
	// without copying.
	Write(ctx context.Context, sourceDir string) (digest.Digest, error)

	// Path returns the on-disk root of a stored layer.
	Path(id digest.Digest) (string, error)

	// Exists reports whether id is stored.
	Exists(id digest.Digest) bool
}

// Config holds layer store settings.
type Config struct {
	// Algorithm selects the content address algorithm. Defaults to sha256.
	Algorithm digest.Algorithm
	// Hasher overrides the tree hasher built from Algorithm.
	Hasher TreeHasher
}

type store struct {
	paths     *paths.Paths
	algorithm digest.Algorithm
	hasher    TreeHasher
	logger    *slog.Logger
}

// NewStore creates a layer store rooted in the data directory.
func NewStore(p *paths.Paths, cfg Config, log *slog.Logger) (Store, error) {
	alg := cfg.Algorithm
	if alg == "" {
		alg = digest.Canonical
	}
	if !alg.Available() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, alg)
	}
	hasher := cfg.Hasher
	if hasher == nil {
		hasher = NewTreeHasher(alg)
	}
	return &store{
		paths:     p,
		algorithm: alg,
		hasher:    hasher,
		logger:    logger.NewSubsystemLogger(log, "layers"),
	}, nil
}

func (s *store) Write(ctx context.Context, sourceDir string) (digest.Digest, error) {
	log := s.logger

	// 1. Validate source. A symlinked source stores the tree it points at.
	resolved, err := filepath.EvalSymlinks(sourceDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrSourceNotFound, sourceDir)
		}
		return "", fmt.Errorf("%w: resolve source: %v", ErrIO, err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("%w: stat source: %v", ErrIO, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", ErrSourceNotFound, sourceDir)
	}

	// 2. Address the content
	id, err := s.hasher.HashTree(ctx, resolved)
	if err != nil {
		return "", fmt.Errorf("%w: hash source: %w", ErrIO, err)
	}
	if s.Exists(id) {
		log.DebugContext(ctx, "layer already stored", "layer", id)
		return id, nil
	}

	// 3. Copy into a private staging directory
	if err := os.MkdirAll(s.paths.LayerStagingDir(), 0700); err != nil {
		return "", fmt.Errorf("%w: create staging dir: %v", ErrIO, err)
	}
	if err := fsutil.PruneScratch(ctx, s.paths.LayerStagingDir()); err != nil {
		log.WarnContext(ctx, "failed to prune abandoned staging entries", "error", err)
	}
	staging := fsutil.ScratchPath(s.paths.LayerStagingDir(), "")
	defer fsutil.RemoveAll(staging)

	if err := fsutil.CopyTree(ctx, resolved, staging); err != nil {
		return "", fmt.Errorf("%w: copy source: %w", ErrIO, err)
	}

	// 4. The staged copy must still match the address computed from the source
	staged, err := s.hasher.HashTree(ctx, staging)
	if err != nil {
		return "", fmt.Errorf("%w: hash staged copy: %w", ErrIO, err)
	}
	if staged != id {
		return "", fmt.Errorf("%w: source changed while copying (%s != %s)", ErrIO, staged, id)
	}

	// 5. Publish atomically
	final := s.paths.LayerDir(id)
	if err := os.MkdirAll(filepath.Dir(final), 0755); err != nil {
		return "", fmt.Errorf("%w: create layer dir: %v", ErrIO, err)
	}
	if err := os.Rename(staging, final); err != nil {
		// A concurrent writer published the same content first
		if s.Exists(id) {
			log.DebugContext(ctx, "layer published concurrently", "layer", id)
			return id, nil
		}
		return "", fmt.Errorf("%w: publish layer: %v", ErrIO, err)
	}

	log.InfoContext(ctx, "stored layer", "layer", id, "source", sourceDir)
	return id, nil
}

func (s *store) Path(id digest.Digest) (string, error) {
	if err := id.Validate(); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrLayerNotFound, id, err)
	}
	dir := s.paths.LayerDir(id)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrLayerNotFound, id)
	}
	return dir, nil
}

func (s *store) Exists(id digest.Digest) bool {
	_, err := s.Path(id)
	return err == nil
}
