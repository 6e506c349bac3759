package images

import (
	"time"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// Image is a tag naming an ordered list of layers plus run defaults
type Image struct {
	ID        string          `json:"id"`
	Tag       string          `json:"tag"`              // Familiar form (e.g., demo:latest)
	Layers    []digest.Digest `json:"layers"`           // Base to top
	SizeBytes int64           `json:"size_bytes"`       // Sum of layer file sizes
	Config    v1.ImageConfig  `json:"config"`           // Entrypoint, Cmd, Env, WorkingDir
	Source    string          `json:"source,omitempty"` // Directory or archive the image came from
	CreatedAt time.Time       `json:"created_at"`
}

// Command returns the default argv: Entrypoint followed by Cmd.
func (img *Image) Command() []string {
	argv := make([]string, 0, len(img.Config.Entrypoint)+len(img.Config.Cmd))
	argv = append(argv, img.Config.Entrypoint...)
	return append(argv, img.Config.Cmd...)
}

// BuildRequest describes an image built from a directory tree
type BuildRequest struct {
	Tag       string
	SourceDir string
	Config    v1.ImageConfig
}

// ImportRequest describes an image imported from a tar archive
type ImportRequest struct {
	Tag  string
	Path string
	// Config overrides the run defaults carried by the archive, field by field.
	Config v1.ImageConfig
}
