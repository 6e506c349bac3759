package isolation

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/u-root/u-root/pkg/mount"
	"golang.org/x/sys/unix"
)

const (
	configFd = 3
	syncFd   = 4
)

// stageError is a setup failure carrying the kind reported to the parent
type stageError struct {
	stage string
	kind  string
	err   error
}

func (e *stageError) Error() string { return e.stage + ": " + e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

func fail(kind, stage string, err error) error {
	return &stageError{stage: stage, kind: kind, err: err}
}

// Init runs the container init in the re-executed child. It only returns
// control to the caller's process by exec'ing the container command; any
// setup failure is reported to the parent and the process exits.
func Init() {
	var syncPipe *os.File
	if _, err := unix.FcntlInt(uintptr(syncFd), unix.F_GETFD, 0); err == nil {
		syncPipe = os.NewFile(syncFd, "sync")
	}
	err := runInit(syncPipe)

	failure := initFailure{Stage: "init", Kind: kindNamespace, Message: err.Error()}
	var se *stageError
	if errors.As(err, &se) {
		failure = initFailure{Stage: se.stage, Kind: se.kind, Message: se.err.Error()}
	}
	if syncPipe != nil {
		_ = json.NewEncoder(syncPipe).Encode(failure)
	} else {
		fmt.Fprintln(os.Stderr, "jocker init:", err)
	}
	os.Exit(setupFailedExitCode)
}

func runInit(syncPipe *os.File) error {
	if syncPipe == nil {
		return fail(kindNamespace, "init", errors.New("not started by jocker"))
	}
	// The sync pipe must close on a successful exec
	unix.CloseOnExec(syncFd)

	var spec Spec
	config := os.NewFile(configFd, "config")
	err := json.NewDecoder(config).Decode(&spec)
	config.Close()
	if err != nil {
		return fail(kindNamespace, "read config", err)
	}

	// 1. Keep every mount below private to this namespace
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fail(kindRoot, "make / private", err)
	}

	// 2. Root, pseudo-filesystems and devices
	if err := mountRoot(spec.Root); err != nil {
		return fail(kindRoot, "mount root", err)
	}
	if err := mountAll(spec.Root.Path, spec); err != nil {
		return fail(kindRoot, "mount filesystems", err)
	}
	if err := createDevices(spec.Root.Path, spec); err != nil {
		return fail(kindRoot, "create devices", err)
	}

	// 3. Hostname
	if spec.Hostname != "" {
		if err := unix.Sethostname([]byte(spec.Hostname)); err != nil {
			return fail(kindNamespace, "set hostname", err)
		}
	}

	// 4. Switch root, detaching the old one
	if err := pivotRoot(spec.Root.Path); err != nil {
		return fail(kindRoot, "pivot root", err)
	}

	// 5. Loopback only networking
	if spec.HasNamespace(specs.NetworkNamespace) {
		if err := setupLoopback(); err != nil {
			return fail(kindNamespace, "configure loopback", err)
		}
	}

	// 6. Working directory, created like other engines do when absent
	if err := os.MkdirAll(spec.Cwd, 0755); err != nil {
		return fail(kindExec, "working directory", err)
	}
	if err := unix.Chdir(spec.Cwd); err != nil {
		return fail(kindExec, "working directory", err)
	}

	// 7. Exec
	return execCommand(spec.Args, spec.Env)
}

func mountRoot(root Root) error {
	if root.Overlay() {
		data := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s",
			strings.Join(root.Lower, ":"), root.Upper, root.Work)
		_, err := mount.Mount("overlay", root.Path, "overlay", data, 0)
		return err
	}
	// pivot_root needs the new root to be a mount point
	_, err := mount.Mount(root.Path, root.Path, "", "", unix.MS_BIND|unix.MS_REC)
	return err
}

func mountAll(rootPath string, spec Spec) error {
	for _, m := range spec.Mounts {
		target, err := securejoin.SecureJoin(rootPath, m.Destination)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", m.Destination, err)
		}
		if err := os.MkdirAll(target, 0755); err != nil {
			return fmt.Errorf("create %s: %w", m.Destination, err)
		}

		flags, data := parseMountOptions(m.Options)
		if _, err := mount.Mount(m.Source, target, m.Type, data, flags); err != nil {
			return fmt.Errorf("mount %s on %s: %w", m.Type, m.Destination, err)
		}
	}
	return nil
}

func createDevices(rootPath string, spec Spec) error {
	for _, d := range spec.Devices {
		target, err := securejoin.SecureJoin(rootPath, d.Path)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", d.Path, err)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		_ = os.Remove(target)

		mode := uint32(0666)
		if d.FileMode != nil {
			mode = uint32(d.FileMode.Perm())
		}
		devType := uint32(unix.S_IFCHR)
		if d.Type == "b" {
			devType = unix.S_IFBLK
		}
		dev := unix.Mkdev(uint32(d.Major), uint32(d.Minor))
		if err := unix.Mknod(target, devType|mode, int(dev)); err != nil {
			return fmt.Errorf("mknod %s: %w", d.Path, err)
		}
		// mknod is subject to the umask
		if err := unix.Chmod(target, mode); err != nil {
			return fmt.Errorf("chmod %s: %w", d.Path, err)
		}
		if d.UID != nil && d.GID != nil {
			if err := unix.Chown(target, int(*d.UID), int(*d.GID)); err != nil {
				return fmt.Errorf("chown %s: %w", d.Path, err)
			}
		}
	}

	for _, link := range devSymlinks {
		target, err := securejoin.SecureJoin(rootPath, link[1])
		if err != nil {
			return err
		}
		_ = os.Remove(target)
		if err := os.Symlink(link[0], target); err != nil {
			return fmt.Errorf("symlink %s: %w", link[1], err)
		}
	}
	return nil
}

// pivotRoot switches to rootPath with pivot_root(".", "."), stacking the old
// root on top of the new one and lazily detaching it.
func pivotRoot(rootPath string) error {
	oldRoot, err := unix.Open("/", unix.O_DIRECTORY|unix.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer unix.Close(oldRoot)

	if err := unix.Chdir(rootPath); err != nil {
		return fmt.Errorf("chdir %s: %w", rootPath, err)
	}
	if err := unix.PivotRoot(".", "."); err != nil {
		return fmt.Errorf("pivot_root: %w", err)
	}
	if err := unix.Fchdir(oldRoot); err != nil {
		return fmt.Errorf("fchdir old root: %w", err)
	}
	// Unmount events must not propagate back to the host
	if err := unix.Mount("", ".", "", unix.MS_SLAVE|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("make old root slave: %w", err)
	}
	if err := mount.Unmount(".", false, true); err != nil {
		return fmt.Errorf("detach old root: %w", err)
	}
	return unix.Chdir("/")
}

// execCommand replaces the init with the container command
func execCommand(args, env []string) error {
	os.Clearenv()
	for _, kv := range env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			_ = os.Setenv(k, v)
		}
	}

	path, err := exec.LookPath(args[0])
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return fail(kindNotFound, "exec", fmt.Errorf("%s: executable file not found", args[0]))
		}
		return fail(kindExec, "exec", err)
	}

	err = unix.Exec(path, args, env)
	if errors.Is(err, unix.ENOENT) {
		// A missing interpreter or loader
		return fail(kindNotFound, "exec", fmt.Errorf("%s: %w", path, err))
	}
	return fail(kindExec, "exec", fmt.Errorf("%s: %w", path, err))
}
