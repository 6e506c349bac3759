package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/onkernel/jocker/lib/containers"
	"github.com/onkernel/jocker/lib/images"
	"github.com/onkernel/jocker/lib/isolation"
	"github.com/onkernel/jocker/lib/issue"
	"github.com/onkernel/jocker/lib/layers"
	"github.com/onkernel/jocker/lib/paths"
	"github.com/onkernel/jocker/lib/rootfs"
	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// fakeProcess exits when told to, or when killed
type fakeProcess struct {
	pid  int
	exit chan isolation.ExitStatus

	mu       sync.Mutex
	signals  []os.Signal
	waitErr  error
	exitOnce sync.Once
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, exit: make(chan isolation.ExitStatus, 1)}
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Signal(sig os.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()
	// Like a PID namespace init without handlers, only SIGKILL is fatal
	if sig == syscall.SIGKILL {
		p.finish(isolation.ExitStatus{Code: 137, Signal: syscall.SIGKILL})
	}
	return nil
}

func (p *fakeProcess) Wait() (isolation.ExitStatus, error) {
	status := <-p.exit
	return status, p.waitErr
}

func (p *fakeProcess) finish(status isolation.ExitStatus) {
	p.exitOnce.Do(func() { p.exit <- status })
}

func (p *fakeProcess) received() []os.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]os.Signal(nil), p.signals...)
}

// fakeIsolator records specs and hands out scripted processes
type fakeIsolator struct {
	mu      sync.Mutex
	specs   []isolation.Spec
	onStart func(spec isolation.Spec) (*fakeProcess, error)
}

func (f *fakeIsolator) Start(ctx context.Context, spec isolation.Spec) (isolation.Process, error) {
	f.mu.Lock()
	f.specs = append(f.specs, spec)
	f.mu.Unlock()
	p, err := f.onStart(spec)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// exitWith returns a start hook whose process exits immediately with status
func exitWith(status isolation.ExitStatus) func(isolation.Spec) (*fakeProcess, error) {
	return func(isolation.Spec) (*fakeProcess, error) {
		p := newFakeProcess(4242)
		p.finish(status)
		return p, nil
	}
}

type testEnv struct {
	paths      *paths.Paths
	images     images.Manager
	containers containers.Manager
	isolator   *fakeIsolator
	reader     *sdkmetric.ManualReader
	sup        *Supervisor
	signals    chan os.Signal
	layerDir   string
}

func setup(t *testing.T) *testEnv {
	t.Helper()
	p := paths.New(t.TempDir())
	store, err := layers.NewStore(p, layers.Config{}, nil)
	require.NoError(t, err)
	imageManager := images.NewManager(p, store, images.Config{}, nil)
	assembler := rootfs.NewAssembler(p, store, rootfs.StrategyCopy, nil)
	containerManager := containers.NewManager(p, assembler, nil)

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := NewMetrics(provider.Meter("jocker-test"))
	require.NoError(t, err)

	iso := &fakeIsolator{onStart: exitWith(isolation.ExitStatus{})}
	sup := New(imageManager, assembler, containerManager, iso, metrics, Config{StopTimeout: 20 * time.Millisecond}, nil)

	signals := make(chan os.Signal, 4)
	sup.notify = func() (<-chan os.Signal, func()) { return signals, func() {} }

	fixture := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(fixture, "etc"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(fixture, "etc", "hostname"), []byte("fixture"), 0644))
	img, err := imageManager.BuildImage(context.Background(), images.BuildRequest{
		Tag:       "demo",
		SourceDir: fixture,
		Config: v1.ImageConfig{
			Cmd:        []string{"/bin/sh"},
			Env:        []string{"PATH=/bin", "MODE=image"},
			WorkingDir: "/srv",
		},
	})
	require.NoError(t, err)
	layerDir, err := store.Path(img.Layers[0])
	require.NoError(t, err)

	return &testEnv{
		paths:      p,
		images:     imageManager,
		containers: containerManager,
		isolator:   iso,
		reader:     reader,
		sup:        sup,
		signals:    signals,
		layerDir:   layerDir,
	}
}

func (e *testEnv) list(t *testing.T) []*containers.Container {
	t.Helper()
	var out []*containers.Container
	for c, err := range e.containers.ListContainers(context.Background()) {
		require.NoError(t, err)
		out = append(out, c)
	}
	return out
}

// running reports whether any container is marked running
func (e *testEnv) running() bool {
	for c, err := range e.containers.ListContainers(context.Background()) {
		if err == nil && c.State == containers.StateRunning {
			return true
		}
	}
	return false
}

func (e *testEnv) containerDirs(t *testing.T) []os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(e.paths.ContainersDir())
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	return entries
}

func TestRun_ExitsZero(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	env.isolator.onStart = func(spec isolation.Spec) (*fakeProcess, error) {
		// The record exists before any namespace is created
		c, err := env.containers.GetContainer(ctx, spec.ID)
		require.NoError(t, err)
		assert.Equal(t, containers.StateCreated, c.State)

		p := newFakeProcess(4242)
		p.finish(isolation.ExitStatus{Code: 0})
		return p, nil
	}

	res, err := env.sup.Run(ctx, RunRequest{Image: "demo", Command: []string{"/bin/true"}, Env: []string{"MODE=run"}})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "Exited(0)", res.Container.Status())
	assert.Equal(t, 4242, res.Container.Pid)

	require.Len(t, env.isolator.specs, 1)
	spec := env.isolator.specs[0]
	assert.Equal(t, res.Container.ID, spec.ID)
	assert.Equal(t, []string{"/bin/true"}, spec.Args)
	assert.Equal(t, []string{"PATH=/bin", "MODE=run"}, spec.Env)
	assert.Equal(t, "/srv", spec.Cwd)
	assert.Equal(t, res.Container.RootFS.Path, spec.Root.Path)
	assert.False(t, spec.Root.Overlay())
	assert.Equal(t, isolation.NetworkNamespaces(false), spec.Namespaces)

	// Listed as exited, root retained until removal
	list := env.list(t)
	require.Len(t, list, 1)
	assert.Equal(t, "Exited(0)", list[0].Status())
	_, err = os.Stat(filepath.Join(res.Container.RootFS.Path, "etc", "hostname"))
	require.NoError(t, err)

	// Removal reclaims the root but never the layer or the tag
	require.NoError(t, env.containers.DeleteContainer(ctx, res.Container.ID))
	assert.Empty(t, env.list(t))
	assert.Empty(t, env.containerDirs(t))
	data, err := os.ReadFile(filepath.Join(env.layerDir, "etc", "hostname"))
	require.NoError(t, err)
	assert.Equal(t, "fixture", string(data))
	_, err = env.images.GetImage(ctx, "demo")
	require.NoError(t, err)
}

func TestRun_DefaultCommand(t *testing.T) {
	env := setup(t)

	_, err := env.sup.Run(context.Background(), RunRequest{Image: "demo", Name: "web", IsolateNetwork: true})
	require.NoError(t, err)

	require.Len(t, env.isolator.specs, 1)
	assert.Equal(t, []string{"/bin/sh"}, env.isolator.specs[0].Args)
	assert.Equal(t, isolation.NetworkNamespaces(true), env.isolator.specs[0].Namespaces)

	c, err := env.containers.GetContainer(context.Background(), "web")
	require.NoError(t, err)
	assert.Equal(t, []string{"/bin/sh"}, c.Command)
}

func TestRun_NoCommand(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	_, err := env.images.BuildImage(ctx, images.BuildRequest{Tag: "bare", SourceDir: env.layerDir})
	require.NoError(t, err)

	_, err = env.sup.Run(ctx, RunRequest{Image: "bare"})
	require.ErrorIs(t, err, ErrNoCommand)
	assert.Empty(t, env.list(t))
	assert.Empty(t, env.containerDirs(t))
}

func TestRun_ImageNotFound(t *testing.T) {
	env := setup(t)
	_, err := env.sup.Run(context.Background(), RunRequest{Image: "missing", Command: []string{"/bin/true"}})
	require.ErrorIs(t, err, images.ErrNotFound)
	assert.Empty(t, env.isolator.specs)
	assert.Empty(t, env.containerDirs(t))
}

func TestRun_RollbackOnStartFailure(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		stage issue.Stage
	}{
		{"command not found", isolation.ErrCommandNotFound, issue.StageExec},
		{"exec failed", isolation.ErrExecFailed, issue.StageExec},
		{"namespace", isolation.ErrNamespaceSetupFailed, issue.StageNamespace},
		{"root switch", isolation.ErrRootSwitchFailed, issue.StageNamespace},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setup(t)
			env.isolator.onStart = func(isolation.Spec) (*fakeProcess, error) {
				return nil, fmt.Errorf("%w: exec: /bin/nope", tt.err)
			}

			_, err := env.sup.Run(context.Background(), RunRequest{Image: "demo", Command: []string{"/bin/nope"}})
			require.ErrorIs(t, err, tt.err)
			stage, ok := issue.StageOf(err)
			require.True(t, ok)
			assert.Equal(t, tt.stage, stage)

			// No residual record and no leftover root
			assert.Empty(t, env.list(t))
			assert.Empty(t, env.containerDirs(t))
		})
	}
}

func TestRun_IsolatedStartFailureLeavesNothing(t *testing.T) {
	requireIsolation(t)

	tests := []struct {
		name    string
		command string
		err     error
	}{
		{"command not found", "/bin/does-not-exist", isolation.ErrCommandNotFound},
		{"not executable", "/etc/hostname", isolation.ErrExecFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setup(t)
			env.sup.isolator = isolation.NewIsolator(nil)

			_, err := env.sup.Run(context.Background(), RunRequest{Image: "demo", Command: []string{tt.command}})
			require.ErrorIs(t, err, tt.err)
			stage, ok := issue.StageOf(err)
			require.True(t, ok)
			assert.Equal(t, issue.StageExec, stage)

			assert.Empty(t, env.list(t))
			assert.Empty(t, env.containerDirs(t))
		})
	}
}

// gatedAssembler holds Assemble until its context is done
type gatedAssembler struct {
	rootfs.Assembler
	entered chan struct{}
}

func (a *gatedAssembler) Assemble(ctx context.Context, layerIDs []digest.Digest, containerID string) (*rootfs.RootFS, error) {
	close(a.entered)
	<-ctx.Done()
	return a.Assembler.Assemble(ctx, layerIDs, containerID)
}

func TestRun_InterruptedDuringAssembly(t *testing.T) {
	env := setup(t)
	gate := &gatedAssembler{Assembler: env.sup.assembler, entered: make(chan struct{})}
	env.sup.assembler = gate

	go func() {
		<-gate.entered
		// The record already exists while the root is being built
		assert.Len(t, env.list(t), 1)
		env.signals <- syscall.SIGINT
	}()

	_, err := env.sup.Run(context.Background(), RunRequest{Image: "demo"})
	require.ErrorIs(t, err, ErrInterrupted)
	assert.Contains(t, err.Error(), "SIGINT")
	stage, _ := issue.StageOf(err)
	assert.Equal(t, issue.StageAssemble, stage)

	assert.Empty(t, env.isolator.specs)
	assert.Empty(t, env.list(t))
	assert.Empty(t, env.containerDirs(t))
}

func TestRun_CancelledDuringAssembly(t *testing.T) {
	env := setup(t)
	gate := &gatedAssembler{Assembler: env.sup.assembler, entered: make(chan struct{})}
	env.sup.assembler = gate

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-gate.entered
		cancel()
	}()

	_, err := env.sup.Run(ctx, RunRequest{Image: "demo"})
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, env.isolator.specs)
	assert.Empty(t, env.list(t))
	assert.Empty(t, env.containerDirs(t))
}

func TestRun_NonTerminatingSignalDuringSetup(t *testing.T) {
	env := setup(t)
	env.signals <- syscall.SIGUSR1

	res, err := env.sup.Run(context.Background(), RunRequest{Image: "demo"})
	require.NoError(t, err)
	assert.Equal(t, "Exited(0)", res.Container.Status())
}

func TestRun_NamespaceFailureNamesCapability(t *testing.T) {
	env := setup(t)
	env.isolator.onStart = func(isolation.Spec) (*fakeProcess, error) {
		return nil, fmt.Errorf("%w: operation not permitted", isolation.ErrNamespaceSetupFailed)
	}

	_, err := env.sup.Run(context.Background(), RunRequest{Image: "demo", Command: []string{"/bin/true"}})
	require.Error(t, err)
	assert.Contains(t, issue.Format(err, false), "CAP_SYS_ADMIN")
}

func TestRun_NonZeroExit(t *testing.T) {
	env := setup(t)
	env.isolator.onStart = exitWith(isolation.ExitStatus{Code: 3})

	res, err := env.sup.Run(context.Background(), RunRequest{Image: "demo"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "Exited(3)", res.Container.Status())
}

func TestRun_KilledBySignal(t *testing.T) {
	env := setup(t)
	env.isolator.onStart = exitWith(isolation.ExitStatus{Code: 137, Signal: syscall.SIGKILL})

	res, err := env.sup.Run(context.Background(), RunRequest{Image: "demo"})
	require.NoError(t, err)
	assert.Equal(t, 137, res.ExitCode)
	assert.Equal(t, containers.StateKilled, res.Container.State)
	assert.Equal(t, "Killed(SIGKILL)", res.Container.Status())
}

func TestRun_WaitFailureMarksKilled(t *testing.T) {
	env := setup(t)
	env.isolator.onStart = func(isolation.Spec) (*fakeProcess, error) {
		p := newFakeProcess(4242)
		p.waitErr = fmt.Errorf("%w: no child processes", isolation.ErrWaitFailed)
		p.finish(isolation.ExitStatus{})
		return p, nil
	}

	_, err := env.sup.Run(context.Background(), RunRequest{Image: "demo"})
	require.ErrorIs(t, err, isolation.ErrWaitFailed)
	stage, _ := issue.StageOf(err)
	assert.Equal(t, issue.StageWait, stage)

	list := env.list(t)
	require.Len(t, list, 1)
	assert.Equal(t, containers.StateKilled, list[0].State)
	assert.Contains(t, list[0].Reason, "wait failed")
}

func TestRun_Remove(t *testing.T) {
	env := setup(t)

	res, err := env.sup.Run(context.Background(), RunRequest{Image: "demo", Remove: true})
	require.NoError(t, err)
	assert.Equal(t, "Exited(0)", res.Container.Status())
	assert.Empty(t, env.list(t))
	assert.Empty(t, env.containerDirs(t))
}

func TestRun_ForwardsSignalsAndEscalates(t *testing.T) {
	env := setup(t)
	procs := make(chan *fakeProcess, 1)
	env.isolator.onStart = func(isolation.Spec) (*fakeProcess, error) {
		p := newFakeProcess(4242)
		procs <- p
		return p, nil
	}

	go func() {
		p := <-procs
		// Signal only once the container is marked running
		assert.Eventually(t, env.running, 5*time.Second, 5*time.Millisecond)
		env.signals <- syscall.SIGUSR1
		env.signals <- syscall.SIGTERM
		procs <- p
	}()

	res, err := env.sup.Run(context.Background(), RunRequest{Image: "demo"})
	require.NoError(t, err)
	assert.Equal(t, "Killed(SIGKILL)", res.Container.Status())

	p := <-procs
	assert.Equal(t, []os.Signal{syscall.SIGUSR1, syscall.SIGTERM, syscall.SIGKILL}, p.received())
}

func TestRun_ContextCancelStopsContainer(t *testing.T) {
	env := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var proc *fakeProcess
	env.isolator.onStart = func(isolation.Spec) (*fakeProcess, error) {
		proc = newFakeProcess(4242)
		go func() {
			assert.Eventually(t, env.running, 5*time.Second, 5*time.Millisecond)
			cancel()
		}()
		return proc, nil
	}

	res, err := env.sup.Run(ctx, RunRequest{Image: "demo"})
	require.NoError(t, err)
	assert.Equal(t, containers.StateKilled, res.Container.State)
	assert.Equal(t, []os.Signal{syscall.SIGTERM, syscall.SIGKILL}, proc.received())

	// The final state was recorded despite the cancelled context
	list := env.list(t)
	require.Len(t, list, 1)
	assert.Equal(t, containers.StateKilled, list[0].State)
}

func TestRun_ConcurrentContainersAreIsolated(t *testing.T) {
	env := setup(t)
	env.isolator.onStart = func(spec isolation.Spec) (*fakeProcess, error) {
		// Each container writes into its own root
		err := os.WriteFile(filepath.Join(spec.Root.Path, "written-by-"+spec.ID), []byte(spec.ID), 0644)
		if err != nil {
			return nil, err
		}
		p := newFakeProcess(4242)
		p.finish(isolation.ExitStatus{})
		return p, nil
	}

	var wg sync.WaitGroup
	results := make([]*Result, 2)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := env.sup.Run(context.Background(), RunRequest{Image: "demo"})
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	wg.Wait()
	require.NotNil(t, results[0])
	require.NotNil(t, results[1])

	a, b := results[0].Container, results[1].Container
	require.NotEqual(t, a.RootFS.Path, b.RootFS.Path)
	_, err := os.Stat(filepath.Join(a.RootFS.Path, "written-by-"+b.ID))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(b.RootFS.Path, "written-by-"+a.ID))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(env.layerDir, "written-by-"+a.ID))
	assert.True(t, os.IsNotExist(err))
}

func TestRun_Metrics(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	_, err := env.sup.Run(ctx, RunRequest{Image: "demo"})
	require.NoError(t, err)

	env.isolator.onStart = func(isolation.Spec) (*fakeProcess, error) {
		return nil, isolation.ErrCommandNotFound
	}
	_, err = env.sup.Run(ctx, RunRequest{Image: "demo"})
	require.Error(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, env.reader.Collect(ctx, &rm))

	counts := map[string]int64{}
	var sawDuration bool
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch m.Name {
			case "jocker_container_runs_total":
				sum, ok := m.Data.(metricdata.Sum[int64])
				require.True(t, ok)
				for _, dp := range sum.DataPoints {
					result, _ := dp.Attributes.Value("result")
					counts[result.AsString()] += dp.Value
				}
			case "jocker_container_run_duration_seconds":
				sawDuration = true
			}
		}
	}
	assert.Equal(t, map[string]int64{"exited": 1, "failed": 1}, counts)
	assert.True(t, sawDuration)
}

func TestMergeEnv(t *testing.T) {
	assert.Equal(t,
		[]string{"PATH=/usr/bin", "A=2", "B=3"},
		mergeEnv([]string{"PATH=/usr/bin", "A=1"}, []string{"A=2", "B=3"}))
	assert.Empty(t, mergeEnv(nil, nil))
}
