// Package paths provides centralized path construction for jocker data directory.
//
// Directory Structure:
//
//	{dataDir}/
//	  images.json               image registry
//	  images.json.lock
//	  containers.json           container registry
//	  containers.json.lock
//	  layers/
//	    .staging/{cuid}/        in-flight layer copies
//	    {algorithm}/{encoded}/  published layer trees
//	  containers/
//	    {id}/
//	      rootfs/               container root (copy) or overlay mountpoint
//	      upper/                overlay upper dir
//	      work/                 overlay work dir
//	  tmp/                      import scratch space
package paths

import (
	"path/filepath"

	"github.com/opencontainers/go-digest"
)

// Paths provides typed path construction for the jocker data directory.
type Paths struct {
	dataDir string
}

// New creates a new Paths instance for the given data directory.
func New(dataDir string) *Paths {
	return &Paths{dataDir: dataDir}
}

// Layer path methods

// LayersDir returns the root of the layer store.
func (p *Paths) LayersDir() string {
	return filepath.Join(p.dataDir, "layers")
}

// LayerStagingDir returns the directory holding in-flight layer copies.
func (p *Paths) LayerStagingDir() string {
	return filepath.Join(p.LayersDir(), ".staging")
}

// LayerDir returns the published tree for a layer.
func (p *Paths) LayerDir(id digest.Digest) string {
	return filepath.Join(p.LayersDir(), string(id.Algorithm()), id.Encoded())
}

// Registry path methods

// ImageRegistry returns the path to the image registry file.
func (p *Paths) ImageRegistry() string {
	return filepath.Join(p.dataDir, "images.json")
}

// ContainerRegistry returns the path to the container registry file.
func (p *Paths) ContainerRegistry() string {
	return filepath.Join(p.dataDir, "containers.json")
}

// Container path methods

// ContainersDir returns the root of all per-container directories.
func (p *Paths) ContainersDir() string {
	return filepath.Join(p.dataDir, "containers")
}

// ContainerDir returns the per-container directory.
func (p *Paths) ContainerDir(id string) string {
	return filepath.Join(p.ContainersDir(), id)
}

// ContainerRootfs returns the root filesystem path for a container.
func (p *Paths) ContainerRootfs(id string) string {
	return filepath.Join(p.ContainerDir(id), "rootfs")
}

// ContainerUpper returns the overlay upper directory for a container.
func (p *Paths) ContainerUpper(id string) string {
	return filepath.Join(p.ContainerDir(id), "upper")
}

// ContainerWork returns the overlay work directory for a container.
func (p *Paths) ContainerWork(id string) string {
	return filepath.Join(p.ContainerDir(id), "work")
}

// TmpDir returns scratch space on the same filesystem as the data directory.
func (p *Paths) TmpDir() string {
	return filepath.Join(p.dataDir, "tmp")
}
