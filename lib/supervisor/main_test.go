package supervisor

import (
	"debug/elf"
	"os"
	"runtime"
	"testing"

	"github.com/onkernel/jocker/lib/isolation"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	// Containers started with the real isolator re-execute this binary
	if len(os.Args) > 1 && os.Args[1] == isolation.InitCommand {
		isolation.Init()
	}
	os.Exit(m.Run())
}

// requireIsolation skips unless the test can create namespaces with a
// statically linked test binary.
func requireIsolation(t *testing.T) {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("containers are Linux only")
	}
	if os.Geteuid() != 0 {
		t.Skip("starting containers requires root")
	}
	exe, err := os.Executable()
	require.NoError(t, err)

	f, err := elf.Open(exe)
	require.NoError(t, err)
	defer f.Close()
	for _, prog := range f.Progs {
		if prog.Type == elf.PT_INTERP {
			t.Skip("test binary is dynamically linked; build with CGO_ENABLED=0")
		}
	}
}
