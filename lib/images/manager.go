package images

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/onkernel/jocker/lib/fsutil"
	"github.com/onkernel/jocker/lib/ids"
	"github.com/onkernel/jocker/lib/layers"
	"github.com/onkernel/jocker/lib/logger"
	"github.com/onkernel/jocker/lib/paths"
	"github.com/onkernel/jocker/lib/statefile"
	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// Manager handles image lifecycle operations
type Manager interface {
	// BuildImage stores SourceDir as a layer and tags it. Re-using a tag
	// replaces its mapping; the previous layers stay in the store.
	BuildImage(ctx context.Context, req BuildRequest) (*Image, error)

	// ImportImage extracts a rootfs tarball or `docker save` archive and
	// builds an image from it.
	ImportImage(ctx context.Context, req ImportRequest) (*Image, error)

	// GetImage resolves a tag, image ID or unique ID prefix.
	GetImage(ctx context.Context, ref string) (*Image, error)

	// ListImages enumerates images ordered by creation time. Each range
	// over the sequence re-reads the registry.
	ListImages(ctx context.Context) iter.Seq2[*Image, error]

	// DeleteImage removes a tag mapping. Layer storage is not touched.
	DeleteImage(ctx context.Context, ref string) error
}

// Config holds image manager settings
type Config struct {
	// MaxImportBytes bounds the extracted size of an imported archive.
	MaxImportBytes int64
}

// DefaultMaxImportBytes is used when Config.MaxImportBytes is zero.
const DefaultMaxImportBytes = 8 << 30

type manager struct {
	paths    *paths.Paths
	layers   layers.Store
	registry *statefile.File[registry]
	config   Config
	logger   *slog.Logger
	now      func() time.Time
}

// NewManager creates a new image manager over a layer store
func NewManager(p *paths.Paths, layerStore layers.Store, cfg Config, log *slog.Logger) Manager {
	if cfg.MaxImportBytes <= 0 {
		cfg.MaxImportBytes = DefaultMaxImportBytes
	}
	return &manager{
		paths:    p,
		layers:   layerStore,
		registry: newRegistryFile(p.ImageRegistry()),
		config:   cfg,
		logger:   logger.NewSubsystemLogger(log, "images"),
		now:      time.Now,
	}
}

func (m *manager) BuildImage(ctx context.Context, req BuildRequest) (*Image, error) {
	// 1. Validate tag before doing any copying
	tag, err := ParseTag(req.Tag)
	if err != nil {
		return nil, err
	}

	// 2. Store the tree as a layer
	layerID, err := m.layers.Write(ctx, req.SourceDir)
	if err != nil {
		return nil, fmt.Errorf("write layer: %w", err)
	}

	// 3. Tag it
	source, _ := filepath.Abs(req.SourceDir)
	return m.tag(ctx, tag, []digest.Digest{layerID}, req.Config, source)
}

// tag records tag -> layers. Every layer must be present at tag time.
func (m *manager) tag(ctx context.Context, tag Tag, layerIDs []digest.Digest, config v1.ImageConfig, source string) (*Image, error) {
	if len(layerIDs) == 0 {
		return nil, ErrEmptyImage
	}

	id, err := ids.New()
	if err != nil {
		return nil, err
	}

	var size int64
	for _, layerID := range layerIDs {
		dir, err := m.layers.Path(layerID)
		if err != nil {
			return nil, err
		}
		n, err := fsutil.DirSize(dir)
		if err != nil {
			return nil, fmt.Errorf("size layer %s: %w", layerID, err)
		}
		size += n
	}

	img := &Image{
		ID:        id,
		Tag:       tag.String(),
		Layers:    layerIDs,
		SizeBytes: size,
		Config:    config,
		Source:    source,
		CreatedAt: m.now().UTC(),
	}

	var replaced *Image
	err = m.registry.Update(func(doc *registry) error {
		// Layers are re-checked under the registry lock
		for _, layerID := range layerIDs {
			if !m.layers.Exists(layerID) {
				return fmt.Errorf("%w: %s", layers.ErrLayerNotFound, layerID)
			}
		}
		if doc.Images == nil {
			doc.Images = make(map[string]*Image)
		}
		replaced = doc.Images[img.Tag]
		doc.Images[img.Tag] = img
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update image registry: %w", err)
	}

	log := m.logger.With("tag", img.Tag, "id", img.ID)
	if replaced != nil {
		log = log.With("replaced", replaced.ID)
	}
	log.InfoContext(ctx, "tagged image", "layers", len(img.Layers))

	return img, nil
}

func (m *manager) ImportImage(ctx context.Context, req ImportRequest) (*Image, error) {
	// 1. Validate tag and archive
	tag, err := ParseTag(req.Tag)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(req.Path); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrImportFailed, err)
	}

	// 2. Extract into scratch space on the data filesystem
	if err := os.MkdirAll(m.paths.TmpDir(), 0700); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	if err := fsutil.PruneScratch(ctx, m.paths.TmpDir()); err != nil {
		m.logger.WarnContext(ctx, "failed to prune abandoned scratch space", "error", err)
	}
	scratch := fsutil.ScratchPath(m.paths.TmpDir(), "import-")
	defer fsutil.RemoveAll(scratch) // cleanup scratch dir

	config, err := m.extractArchive(ctx, req.Path, scratch)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrImportFailed, err)
	}

	// 3. Store and tag
	layerID, err := m.layers.Write(ctx, scratch)
	if err != nil {
		return nil, fmt.Errorf("write layer: %w", err)
	}

	source, _ := filepath.Abs(req.Path)
	return m.tag(ctx, tag, []digest.Digest{layerID}, mergeConfig(config, req.Config), source)
}

func (m *manager) GetImage(ctx context.Context, ref string) (*Image, error) {
	doc, err := m.registry.Load()
	if err != nil {
		return nil, fmt.Errorf("load image registry: %w", err)
	}
	img, err := doc.lookup(ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", err, ref)
	}
	return img, nil
}

func (m *manager) ListImages(ctx context.Context) iter.Seq2[*Image, error] {
	return func(yield func(*Image, error) bool) {
		doc, err := m.registry.Load()
		if err != nil {
			yield(nil, fmt.Errorf("load image registry: %w", err))
			return
		}
		for _, img := range doc.sorted() {
			if ctx.Err() != nil {
				yield(nil, ctx.Err())
				return
			}
			if !yield(img, nil) {
				return
			}
		}
	}
}

func (m *manager) DeleteImage(ctx context.Context, ref string) error {
	var removed *Image
	err := m.registry.Update(func(doc *registry) error {
		img, err := doc.lookup(ref)
		if err != nil {
			return fmt.Errorf("%w: %s", err, ref)
		}
		delete(doc.Images, img.Tag)
		removed = img
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrAmbiguous) {
			return err
		}
		return fmt.Errorf("update image registry: %w", err)
	}

	m.logger.InfoContext(ctx, "removed image", "tag", removed.Tag, "id", removed.ID)
	return nil
}

// mergeConfig overlays the non-empty fields of override onto base
func mergeConfig(base, override v1.ImageConfig) v1.ImageConfig {
	if len(override.Entrypoint) > 0 {
		base.Entrypoint = override.Entrypoint
	}
	if len(override.Cmd) > 0 {
		base.Cmd = override.Cmd
	}
	if len(override.Env) > 0 {
		base.Env = override.Env
	}
	if override.WorkingDir != "" {
		base.WorkingDir = override.WorkingDir
	}
	if override.User != "" {
		base.User = override.User
	}
	return base
}
