package ids

import (
	"bytes"
	"errors"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var canonical = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

func TestNew(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		id, err := New()
		require.NoError(t, err)
		require.Regexp(t, canonical, id)
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("device exhausted") }

func TestNew_EntropyUnavailable(t *testing.T) {
	g := newGenerator(failingReader{})
	id, err := g.New()
	require.ErrorIs(t, err, ErrEntropyUnavailable)
	assert.Empty(t, id)
}

func TestNew_ShortEntropy(t *testing.T) {
	g := newGenerator(bytes.NewReader([]byte{1, 2, 3}))
	_, err := g.New()
	require.ErrorIs(t, err, ErrEntropyUnavailable)
}

func TestShortAndValid(t *testing.T) {
	id, err := New()
	require.NoError(t, err)

	assert.Len(t, Short(id), ShortLen)
	assert.Equal(t, id[:ShortLen], Short(id))
	assert.Equal(t, "abc", Short("abc"))

	assert.True(t, Valid(id))
	assert.False(t, Valid("demo"))
	assert.False(t, Valid(Short(id)))
}
