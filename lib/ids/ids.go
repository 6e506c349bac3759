// Package ids generates identifiers for images and containers.
package ids

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// ErrEntropyUnavailable is returned when the random source cannot supply bytes.
var ErrEntropyUnavailable = errors.New("entropy unavailable")

// ShortLen is the length of the display form of an identifier.
const ShortLen = 12

// generator produces random (version 4) UUIDs from an entropy source
type generator struct {
	entropy io.Reader
}

// newGenerator returns a generator reading from r. A nil reader selects crypto/rand.
func newGenerator(r io.Reader) *generator {
	if r == nil {
		r = rand.Reader
	}
	return &generator{entropy: r}
}

// New returns a fresh identifier in canonical 8-4-4-4-12 form.
func (g *generator) New() (string, error) {
	id, err := uuid.NewRandomFromReader(g.entropy)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEntropyUnavailable, err)
	}
	return id.String(), nil
}

var defaultGenerator = newGenerator(nil)

// New returns a fresh identifier using crypto/rand.
func New() (string, error) {
	return defaultGenerator.New()
}

// Short returns the display prefix of an identifier.
func Short(id string) string {
	if len(id) <= ShortLen {
		return id
	}
	return id[:ShortLen]
}

// Valid reports whether s is a canonical identifier.
func Valid(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}
