// Package rootfs turns an image's layer list into a private, writable root
// filesystem for one container.
package rootfs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/onkernel/jocker/lib/fsutil"
	"github.com/onkernel/jocker/lib/layers"
	"github.com/onkernel/jocker/lib/logger"
	"github.com/onkernel/jocker/lib/paths"
	"github.com/opencontainers/go-digest"
)

// ErrIO wraps failures while building or removing a root.
var ErrIO = errors.New("rootfs i/o error")

// ErrUnknownStrategy is returned for strategies other than copy and overlay.
var ErrUnknownStrategy = errors.New("unknown rootfs strategy")

// Strategy selects how layers become a container root.
type Strategy string

const (
	// StrategyCopy copies every layer, base to top, into the container directory.
	StrategyCopy Strategy = "copy"
	// StrategyOverlay stacks the layers read-only under a private upper
	// directory. The overlay is mounted inside the container's mount namespace.
	StrategyOverlay Strategy = "overlay"
)

// ParseStrategy validates a configured strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "", StrategyCopy:
		return StrategyCopy, nil
	case StrategyOverlay:
		return StrategyOverlay, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
	}
}

// RootFS describes an assembled container root.
type RootFS struct {
	Strategy Strategy `json:"strategy"`
	// Dir is the per-container directory; removing it reclaims everything.
	Dir string `json:"dir"`
	// Path is the directory the container pivots into.
	Path string `json:"path"`
	// Lower lists overlay lower directories, topmost first.
	Lower []string `json:"lower,omitempty"`
	Upper string   `json:"upper,omitempty"`
	Work  string   `json:"work,omitempty"`
}

// Assembler builds and reclaims container roots.
type Assembler interface {
	// Assemble builds the root for containerID from layers (base to top).
	Assemble(ctx context.Context, layerIDs []digest.Digest, containerID string) (*RootFS, error)

	// Teardown removes a container root. Removing an absent root is not an error.
	Teardown(ctx context.Context, root *RootFS) error

	// Snapshot materializes the container's current filesystem view into dst.
	Snapshot(ctx context.Context, root *RootFS, dst string) error
}

type assembler struct {
	paths    *paths.Paths
	layers   layers.Store
	strategy Strategy
	logger   *slog.Logger
}

// NewAssembler creates an assembler that uses strategy for new roots.
func NewAssembler(p *paths.Paths, layerStore layers.Store, strategy Strategy, log *slog.Logger) Assembler {
	if strategy == "" {
		strategy = StrategyCopy
	}
	return &assembler{
		paths:    p,
		layers:   layerStore,
		strategy: strategy,
		logger:   logger.NewSubsystemLogger(log, "rootfs"),
	}
}

func (a *assembler) Assemble(ctx context.Context, layerIDs []digest.Digest, containerID string) (*RootFS, error) {
	// 1. Resolve every layer before touching disk
	layerDirs := make([]string, 0, len(layerIDs))
	for _, id := range layerIDs {
		dir, err := a.layers.Path(id)
		if err != nil {
			return nil, err
		}
		layerDirs = append(layerDirs, dir)
	}
	if len(layerDirs) == 0 {
		return nil, fmt.Errorf("%w: no layers", layers.ErrLayerNotFound)
	}

	root := &RootFS{
		Strategy: a.strategy,
		Dir:      a.paths.ContainerDir(containerID),
		Path:     a.paths.ContainerRootfs(containerID),
	}

	// 2. Claim the per-container directory; the fresh ID makes it exclusive
	if err := os.MkdirAll(a.paths.ContainersDir(), 0711); err != nil {
		return nil, fmt.Errorf("%w: create containers dir: %v", ErrIO, err)
	}
	if err := os.Mkdir(root.Dir, 0700); err != nil {
		return nil, fmt.Errorf("%w: claim container dir: %v", ErrIO, err)
	}

	// 3. Populate, removing the directory on any failure
	var err error
	switch a.strategy {
	case StrategyOverlay:
		err = a.prepareOverlay(root, containerID, layerDirs)
	default:
		err = a.copyLayers(ctx, root, layerDirs)
	}
	if err != nil {
		if rmErr := fsutil.RemoveAll(root.Dir); rmErr != nil {
			a.logger.WarnContext(ctx, "failed to remove partial root", "container", containerID, "error", rmErr)
		}
		return nil, err
	}

	a.logger.DebugContext(ctx, "assembled root", "container", containerID, "strategy", a.strategy, "layers", len(layerDirs))
	return root, nil
}

func (a *assembler) copyLayers(ctx context.Context, root *RootFS, layerDirs []string) error {
	for _, dir := range layerDirs {
		if err := fsutil.Overlay(ctx, dir, root.Path); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("%w: copy layer: %v", ErrIO, err)
		}
	}
	return nil
}

func (a *assembler) prepareOverlay(root *RootFS, containerID string, layerDirs []string) error {
	root.Upper = a.paths.ContainerUpper(containerID)
	root.Work = a.paths.ContainerWork(containerID)
	root.Lower = slices.Clone(layerDirs)
	slices.Reverse(root.Lower)

	for _, dir := range []string{root.Path, root.Upper, root.Work} {
		if err := os.Mkdir(dir, 0755); err != nil {
			return fmt.Errorf("%w: create %s: %v", ErrIO, dir, err)
		}
	}
	return nil
}

func (a *assembler) Teardown(ctx context.Context, root *RootFS) error {
	if root == nil || root.Dir == "" {
		return nil
	}
	if filepath.Dir(filepath.Clean(root.Dir)) != filepath.Clean(a.paths.ContainersDir()) {
		return fmt.Errorf("%w: refusing to remove %s outside %s", ErrIO, root.Dir, a.paths.ContainersDir())
	}
	if err := fsutil.RemoveAll(root.Dir); err != nil {
		return fmt.Errorf("%w: remove %s: %v", ErrIO, root.Dir, err)
	}
	a.logger.DebugContext(ctx, "removed root", "dir", root.Dir)
	return nil
}
