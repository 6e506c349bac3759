package images

import (
	"cmp"
	"slices"
	"strings"

	"github.com/onkernel/jocker/lib/statefile"
	"github.com/samber/lo"
)

// registry is the on-disk image registry document
type registry struct {
	Images map[string]*Image `json:"images"` // tag -> image
}

func newRegistryFile(path string) *statefile.File[registry] {
	return statefile.New[registry](path)
}

// sorted returns images ordered by creation time, then tag
func (r *registry) sorted() []*Image {
	out := lo.Values(r.Images)
	slices.SortFunc(out, func(a, b *Image) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Tag, b.Tag)
	})
	return out
}

// lookup finds an image by tag, then by ID or unique ID prefix
func (r *registry) lookup(ref string) (*Image, error) {
	if tag, err := ParseTag(ref); err == nil {
		if img, ok := r.Images[tag.String()]; ok {
			return img, nil
		}
	}

	if img, ok := lo.Find(lo.Values(r.Images), func(img *Image) bool { return img.ID == ref }); ok {
		return img, nil
	}
	var matches []*Image
	if len(ref) >= 4 {
		matches = lo.Filter(lo.Values(r.Images), func(img *Image, _ int) bool {
			return strings.HasPrefix(img.ID, ref)
		})
	}

	switch len(matches) {
	case 0:
		return nil, ErrNotFound
	case 1:
		return matches[0], nil
	default:
		return nil, ErrAmbiguous
	}
}
