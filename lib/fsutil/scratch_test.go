package fsutil

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScratchOwner(t *testing.T) {
	tests := []struct {
		name string
		pid  int
		ok   bool
	}{
		{"1234-abc", 1234, true},
		{"import-1234-abc", 1234, true},
		{"commit-77-x", 77, true},
		{"abc", 0, false},
		{"import-abc", 0, false},
		{"0-abc", 0, false},
		{"-abc", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pid, ok := scratchOwner(tt.name)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.pid, pid)
		})
	}
}

func TestScratchPath(t *testing.T) {
	parent := t.TempDir()
	a := ScratchPath(parent, "import-")
	b := ScratchPath(parent, "import-")
	assert.NotEqual(t, a, b)
	assert.Equal(t, parent, filepath.Dir(a))
	assert.True(t, strings.HasPrefix(filepath.Base(a), fmt.Sprintf("import-%d-", os.Getpid())))

	pid, ok := scratchOwner(filepath.Base(a))
	require.True(t, ok)
	assert.Equal(t, os.Getpid(), pid)
}

func TestPruneScratch(t *testing.T) {
	parent := t.TempDir()
	abandoned := filepath.Join(parent, fmt.Sprintf("import-%d-gone", math.MaxInt32))
	writeFile(t, abandoned, "etc/hostname", "x", 0644)
	mine := ScratchPath(parent, "commit-")
	require.NoError(t, os.Mkdir(mine, 0700))
	foreign := filepath.Join(parent, "not-scratch")
	require.NoError(t, os.Mkdir(foreign, 0700))

	require.NoError(t, PruneScratch(context.Background(), parent))

	_, err := os.Stat(abandoned)
	assert.True(t, os.IsNotExist(err))
	assert.DirExists(t, mine)
	assert.DirExists(t, foreign)

	// A missing parent has nothing to prune
	require.NoError(t, PruneScratch(context.Background(), filepath.Join(parent, "missing")))
}
