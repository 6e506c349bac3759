package containers

import (
	"cmp"
	"slices"
	"strings"

	"github.com/onkernel/jocker/lib/statefile"
	"github.com/samber/lo"
)

// registry is the on-disk container registry document
type registry struct {
	Containers map[string]*Container `json:"containers"` // id -> record
}

func newRegistryFile(path string) *statefile.File[registry] {
	return statefile.New[registry](path)
}

// sorted returns records ordered by creation time, then ID
func (r *registry) sorted() []*Container {
	out := lo.Values(r.Containers)
	slices.SortFunc(out, func(a, b *Container) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// lookup resolves a full ID, a name, or a unique ID prefix
func (r *registry) lookup(ref string) (*Container, error) {
	if ref == "" {
		return nil, ErrNotFound
	}
	if c, ok := r.Containers[ref]; ok {
		return c, nil
	}
	if c, ok := lo.Find(lo.Values(r.Containers), func(c *Container) bool { return c.Name == ref }); ok {
		return c, nil
	}

	matches := lo.Filter(lo.Values(r.Containers), func(c *Container, _ int) bool {
		return strings.HasPrefix(c.ID, ref)
	})
	switch len(matches) {
	case 0:
		return nil, ErrNotFound
	case 1:
		return matches[0], nil
	default:
		return nil, ErrAmbiguous
	}
}

func (r *registry) nameInUse(name string) bool {
	if name == "" {
		return false
	}
	return lo.SomeBy(lo.Values(r.Containers), func(c *Container) bool { return c.Name == name })
}
