package images

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"path"

	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// archiveFormat identifies what kind of tarball is being imported
type archiveFormat int

const (
	formatRootfs archiveFormat = iota // a plain root filesystem tree
	formatDocker                      // `docker save` output (manifest.json + layer tarballs)
)

// detectFormat scans entry names for a top-level manifest.json
func detectFormat(archivePath string) (archiveFormat, error) {
	rc, err := openArchive(archivePath)
	if err != nil {
		return formatRootfs, err
	}
	defer rc.Close()

	tr := tar.NewReader(rc)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return formatRootfs, nil
		}
		if err != nil {
			return formatRootfs, fmt.Errorf("%w: %v", ErrUnknownFormat, err)
		}
		if path.Clean(header.Name) == "manifest.json" {
			return formatDocker, nil
		}
	}
}

// extractArchive unpacks archivePath into destDir and returns the run
// defaults carried by the archive, if any
func (m *manager) extractArchive(ctx context.Context, archivePath, destDir string) (v1.ImageConfig, error) {
	log := m.logger.With("archive", archivePath)

	format, err := detectFormat(archivePath)
	if err != nil {
		return v1.ImageConfig{}, err
	}

	switch format {
	case formatDocker:
		log.DebugContext(ctx, "importing docker archive")
		return extractDockerArchive(archivePath, destDir, m.config.MaxImportBytes)
	default:
		log.DebugContext(ctx, "importing rootfs tarball")
		rc, err := openArchive(archivePath)
		if err != nil {
			return v1.ImageConfig{}, err
		}
		defer rc.Close()
		if _, err := ExtractTar(rc, destDir, m.config.MaxImportBytes); err != nil {
			return v1.ImageConfig{}, err
		}
		return v1.ImageConfig{}, nil
	}
}

// extractDockerArchive flattens the image's layers (applying whiteouts)
// into destDir
func extractDockerArchive(archivePath, destDir string, maxBytes int64) (v1.ImageConfig, error) {
	opener := func() (io.ReadCloser, error) {
		return openArchive(archivePath)
	}

	img, err := tarball.Image(opener, nil)
	if err != nil {
		return v1.ImageConfig{}, fmt.Errorf("read docker archive: %w", err)
	}

	cfgFile, err := img.ConfigFile()
	if err != nil {
		return v1.ImageConfig{}, fmt.Errorf("read image config: %w", err)
	}

	rc := mutate.Extract(img)
	defer rc.Close()

	if _, err := ExtractTar(rc, destDir, maxBytes); err != nil {
		return v1.ImageConfig{}, err
	}

	return v1.ImageConfig{
		User:       cfgFile.Config.User,
		Env:        cfgFile.Config.Env,
		Entrypoint: cfgFile.Config.Entrypoint,
		Cmd:        cfgFile.Config.Cmd,
		WorkingDir: cfgFile.Config.WorkingDir,
		Labels:     cfgFile.Config.Labels,
		StopSignal: cfgFile.Config.StopSignal,
	}, nil
}
