package images

import (
	"fmt"

	"github.com/distribution/reference"
)

// Tag is a validated and normalized image tag.
// Tags are stored in familiar form: "demo" -> "demo:latest",
// "docker.io/library/alpine" -> "alpine:latest".
type Tag struct {
	named reference.NamedTagged
}

// ParseTag validates and normalizes a user-provided image tag.
// Examples:
//   - "demo" -> "demo:latest"
//   - "demo:v2" -> "demo:v2"
//   - "ghcr.io/org/app:1.0" -> "ghcr.io/org/app:1.0"
//
// Digest references are rejected: a tag names a mutable mapping.
func ParseTag(s string) (Tag, error) {
	named, err := reference.ParseNormalizedNamed(s)
	if err != nil {
		return Tag{}, fmt.Errorf("%w: %q: %v", ErrInvalidName, s, err)
	}

	if _, ok := named.(reference.Digested); ok {
		return Tag{}, fmt.Errorf("%w: %q: digest references cannot name an image", ErrInvalidName, s)
	}

	// Ensure tag (add :latest if missing)
	tagged, ok := reference.TagNameOnly(named).(reference.NamedTagged)
	if !ok {
		return Tag{}, fmt.Errorf("%w: %q", ErrInvalidName, s)
	}
	return Tag{named: tagged}, nil
}

// String returns the familiar tag (e.g., "demo:latest").
func (t Tag) String() string {
	if t.named == nil {
		return ""
	}
	return reference.FamiliarString(t.named)
}
