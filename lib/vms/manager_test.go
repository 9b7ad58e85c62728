package vms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/procurator/worker/lib/hypervisor"
	"github.com/procurator/worker/lib/hypervisor/mock"
	"github.com/procurator/worker/lib/network"
	"github.com/procurator/worker/lib/runtime"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBridge = "br-test"

// memLinks keeps TAP devices in memory.
type memLinks struct {
	mu      sync.Mutex
	devices map[string]bool
}

func (l *memLinks) CheckBridge(name string) error { return nil }

func (l *memLinks) AddTAP(name, bridge string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.devices[name] = true
	return nil
}

func (l *memLinks) DeleteTAP(name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.devices, name)
	return nil
}

func (l *memLinks) Stats(name string) (uint64, uint64, error) {
	return 0, 0, errors.New("no counters")
}

func (l *memLinks) List(prefix string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return lo.Filter(lo.Keys(l.devices), func(n string, _ int) bool {
		return strings.HasPrefix(n, prefix)
	}), nil
}

func (l *memLinks) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.devices)
}

type testEnv struct {
	mgr        *Manager
	backend    *mock.Backend
	net        *network.Manager
	links      *memLinks
	controller *runtime.Controller
	dataDir    string
	storePath  string
}

type envOption func(*Config)

func withAutoRestart(c *Config) { c.AutoRestart = true }

func withSubnet(subnet string) envOption {
	return func(c *Config) { c.VMSubnetBase = subnet }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	cfg := Config{
		MetricsPollInterval: time.Hour,
		VMArtifactsDir:      t.TempDir(),
		NetworkBridge:       testBridge,
		VMSubnetBase:        "10.100.0.0/24",
		StopTimeout:         time.Second,
		Restart: RestartPolicy{
			MaxAttempts:         5,
			InitialInterval:     time.Millisecond,
			MaxInterval:         time.Millisecond,
			Multiplier:          2,
			RandomizationFactor: 0.1,
			ResetAfter:          time.Hour,
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return newTestEnvWithConfig(t, cfg, mock.New(mock.Config{}))
}

func newTestEnvWithConfig(t *testing.T, cfg Config, backend *mock.Backend) *testEnv {
	t.Helper()

	links := &memLinks{devices: map[string]bool{}}
	netManager, err := network.NewManager(network.Config{Bridge: cfg.NetworkBridge, Subnet: cfg.VMSubnetBase}, links, nil)
	require.NoError(t, err)
	controller := runtime.NewController()

	mgr, err := NewManager(context.Background(), cfg, backend, netManager, controller, nil, nil)
	require.NoError(t, err)

	return &testEnv{
		mgr:        mgr,
		backend:    backend,
		net:        netManager,
		links:      links,
		controller: controller,
		dataDir:    cfg.VMArtifactsDir,
		storePath:  writeStorePath(t),
	}
}

// writeStorePath creates a Nix-store-like directory with a VM spec and boot artifacts.
func writeStorePath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range []string{"bzImage", "initrd", "nixos.img"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644))
	}
	spec := map[string]any{
		"toplevel":              dir,
		"kernelPath":            filepath.Join(dir, "bzImage"),
		"initrdPath":            filepath.Join(dir, "initrd"),
		"diskImagePath":         filepath.Join(dir, "nixos.img"),
		"cmdline":               "console=ttyS0",
		"cpu":                   1,
		"memoryMb":              256,
		"networkAllowedDomains": []string{},
	}
	data, err := json.Marshal(spec)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, hypervisor.SpecFileName), data, 0644))
	return dir
}

func (e *testEnv) create(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, e.mgr.CreateVM(context.Background(), id, "hash-"+id, e.storePath))
}

func TestCreateVM(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "build-1")

	vm, err := env.mgr.GetVM("build-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, vm.Status)
	assert.Equal(t, "hash-build-1", vm.ImageHash)
	assert.Equal(t, env.storePath, vm.NixStorePath)
	assert.Equal(t, "10.100.0.2", vm.IP)
	assert.NotEmpty(t, vm.HandleID)
	assert.NotEmpty(t, vm.TAPDevice)
	assert.Equal(t, 1, env.links.count())

	assert.Equal(t, int64(1), env.backend.Calls.Create.Load())
	assert.Equal(t, int64(1), env.backend.Calls.Start.Load())
	assert.Equal(t, []string{"build-1"}, lo.Map(env.controller.Running(), func(r runtime.Runtime, _ int) string { return r.ID() }))

	// Metadata persisted in the VM directory
	meta, err := loadMetadata(filepath.Join(env.dataDir, "vms", "build-1", "metadata.json"))
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, meta.Status)
	assert.Equal(t, vm.HandleID, meta.Handle.ID)
}

func TestListVMs_CreateRemoveSequence(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ids := []string{"d", "a", "c", "b", "e"}
	for _, id := range ids {
		env.create(t, id)
	}
	require.NoError(t, env.mgr.RemoveVM(ctx, "c"))
	require.NoError(t, env.mgr.RemoveVM(ctx, "e"))
	env.create(t, "f")
	require.NoError(t, env.mgr.RemoveVM(ctx, "a"))

	assert.Equal(t, []ID{"b", "d", "f"}, env.mgr.ListVMs())
	assert.Equal(t, 3, env.net.InUse())
}

func TestCreateVM_DuplicateID(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "vm")

	before, err := env.mgr.GetVM("vm")
	require.NoError(t, err)

	err = env.mgr.CreateVM(context.Background(), "vm", "other-hash", env.storePath)
	assert.ErrorIs(t, err, ErrDuplicateID)

	after, err := env.mgr.GetVM("vm")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, int64(1), env.backend.Calls.Create.Load())
	assert.Equal(t, 1, env.net.InUse())
}

func TestCreateVM_InvalidID(t *testing.T) {
	env := newTestEnv(t)
	for _, id := range []string{"", ".", "..", "a/b", "../escape"} {
		err := env.mgr.CreateVM(context.Background(), id, "h", env.storePath)
		assert.ErrorIs(t, err, ErrInvalidID, "id %q", id)
	}
	assert.Empty(t, env.mgr.ListVMs())
}

func TestCreateVM_ImageNotFound(t *testing.T) {
	env := newTestEnv(t)

	err := env.mgr.CreateVM(context.Background(), "vm", "h", "/nix/store/does-not-exist")
	assert.ErrorIs(t, err, ErrImageNotFound)
	assert.Empty(t, env.mgr.ListVMs())
	assert.Equal(t, 0, env.net.InUse())
}

func TestCreateVM_MissingBootArtifact(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, os.Remove(filepath.Join(env.storePath, "bzImage")))

	err := env.mgr.CreateVM(context.Background(), "vm", "h", env.storePath)
	assert.ErrorIs(t, err, ErrImageNotFound)

	status, err := env.mgr.GetVMStatus("vm")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, status)
	assert.Equal(t, 0, env.net.InUse())
}

func TestCreateVM_BackendFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.backend.SetError(mock.OpStart, errors.New("kvm unavailable"))

	err := env.mgr.CreateVM(ctx, "vm", "h", env.storePath)
	assert.ErrorIs(t, err, ErrBackend)
	assert.ErrorContains(t, err, "kvm unavailable")

	vm, err := env.mgr.GetVM("vm")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, vm.Status)
	assert.Contains(t, vm.LastError, "kvm unavailable")
	assert.Empty(t, vm.IP, "address released")
	assert.Equal(t, 0, env.net.InUse())
	assert.Equal(t, 0, env.links.count(), "tap removed")
	assert.Equal(t, 0, env.backend.Live(), "created process torn down")
	assert.Empty(t, env.controller.Running())

	// The failed record blocks the id until removed
	assert.ErrorIs(t, env.mgr.CreateVM(ctx, "vm", "h", env.storePath), ErrDuplicateID)

	env.backend.SetError(mock.OpStart, nil)
	require.NoError(t, env.mgr.RemoveVM(ctx, "vm"))
	require.NoError(t, env.mgr.CreateVM(ctx, "vm", "h", env.storePath))
}

func TestCreateVM_NetworkExhausted(t *testing.T) {
	// A /29 leaves five guest addresses
	env := newTestEnv(t, withSubnet("10.100.0.0/29"))
	ctx := context.Background()
	usable := env.net.Usable()
	require.Equal(t, 5, usable)

	for i := 0; i < usable; i++ {
		env.create(t, fmt.Sprintf("vm-%d", i))
	}
	err := env.mgr.CreateVM(ctx, "overflow", "h", env.storePath)
	assert.ErrorIs(t, err, ErrNetworkExhausted)
	_, err = env.mgr.GetVMStatus("overflow")
	assert.ErrorIs(t, err, ErrNotFound)

	freed, err := env.mgr.GetVM("vm-2")
	require.NoError(t, err)
	require.NoError(t, env.mgr.RemoveVM(ctx, "vm-2"))

	env.create(t, "overflow")
	vm, err := env.mgr.GetVM("overflow")
	require.NoError(t, err)
	assert.Equal(t, freed.IP, vm.IP)
}

func TestRemoveVM(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.create(t, "vm")

	vm, err := env.mgr.GetVM("vm")
	require.NoError(t, err)

	require.NoError(t, env.mgr.RemoveVM(ctx, "vm"))

	_, err = env.mgr.GetVMStatus("vm")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, env.net.InUse())
	assert.Equal(t, 0, env.links.count())
	_, destroyed, err := env.backend.State(vm.HandleID)
	require.NoError(t, err)
	assert.True(t, destroyed)
	assert.NoDirExists(t, filepath.Join(env.dataDir, "vms", "vm"))
	assert.Empty(t, env.controller.Running())
	assert.Len(t, env.controller.Stopped(), 1)
}

func TestRemoveVM_NotFound(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "keep")

	err := env.mgr.RemoveVM(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, []ID{"keep"}, env.mgr.ListVMs())
	assert.Equal(t, int64(0), env.backend.Calls.Destroy.Load())
}

func TestRemoveVM_BackendFailureLeavesRecord(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.create(t, "vm")
	before, err := env.mgr.GetVM("vm")
	require.NoError(t, err)

	env.backend.SetError(mock.OpDestroy, errors.New("qmp timeout"))
	err = env.mgr.RemoveVM(ctx, "vm")
	assert.ErrorIs(t, err, ErrBackend)

	after, err := env.mgr.GetVM("vm")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, 1, env.net.InUse())

	env.backend.SetError(mock.OpDestroy, nil)
	require.NoError(t, env.mgr.RemoveVM(ctx, "vm"))
	assert.Empty(t, env.mgr.ListVMs())
}

func TestGetVMMetrics(t *testing.T) {
	env := newTestEnv(t)
	want := hypervisor.Metrics{
		CPUPercent:     12.5,
		MemoryBytes:    256 << 20,
		Uptime:         42 * time.Second,
		NetRxBytes:     1000,
		NetTxBytes:     2000,
		DiskReadBytes:  3000,
		DiskWriteBytes: 4000,
	}
	env.backend.SetMetrics(want)
	env.create(t, "vm")

	_, err := env.mgr.GetVMMetrics("vm")
	assert.ErrorIs(t, err, ErrNoDataYet)

	env.mgr.PollOnce(context.Background())

	got, err := env.mgr.GetVMMetrics("vm")
	require.NoError(t, err)
	assert.False(t, got.LastPollAt.IsZero())
	got.LastPollAt = time.Time{}
	assert.Equal(t, metricsFromSample(want, time.Time{}), got)

	_, err = env.mgr.GetVMMetrics("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPoll_FailedPollClearsMetrics(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.create(t, "vm")

	env.mgr.PollOnce(ctx)
	_, err := env.mgr.GetVMMetrics("vm")
	require.NoError(t, err)

	env.backend.SetError(mock.OpMetrics, errors.New("sampler gone"))
	env.mgr.PollOnce(ctx)
	_, err = env.mgr.GetVMMetrics("vm")
	assert.ErrorIs(t, err, ErrNoDataYet)

	status, err := env.mgr.GetVMStatus("vm")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, status, "one failed poll is not fatal")
}

func TestPoll_ConsecutiveFailuresPromoteToFailed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.create(t, "vm")
	env.backend.SetError(mock.OpStatus, errors.New("socket closed"))

	for i := 0; i < DefaultMaxPollFailures-1; i++ {
		env.mgr.PollOnce(ctx)
		status, err := env.mgr.GetVMStatus("vm")
		require.NoError(t, err)
		require.Equal(t, StatusRunning, status)
	}

	env.mgr.PollOnce(ctx)
	vm, err := env.mgr.GetVM("vm")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, vm.Status)
	assert.Contains(t, vm.LastError, "consecutive poll failures")
	assert.Equal(t, 0, env.net.InUse(), "no restart coming, address released")
	assert.Empty(t, env.controller.Running())
}

func TestPoll_CrashWithoutAutoRestart(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.create(t, "vm")

	vm, err := env.mgr.GetVM("vm")
	require.NoError(t, err)
	require.NoError(t, env.backend.SetState(vm.HandleID, hypervisor.StateFailed))

	env.mgr.PollOnce(ctx)

	status, err := env.mgr.GetVMStatus("vm")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, status)
	assert.Equal(t, int64(1), env.backend.Calls.Create.Load(), "no restart")

	env.mgr.PollOnce(ctx)
	assert.Equal(t, int64(1), env.backend.Calls.Create.Load())
}

func TestPoll_CleanExit(t *testing.T) {
	env := newTestEnv(t, withAutoRestart)
	ctx := context.Background()
	env.create(t, "vm")

	vm, err := env.mgr.GetVM("vm")
	require.NoError(t, err)
	require.NoError(t, env.backend.SetState(vm.HandleID, hypervisor.StateStopped))

	env.mgr.PollOnce(ctx)
	env.mgr.PollOnce(ctx)

	exited, err := env.mgr.GetVM("vm")
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, exited.Status)
	assert.Empty(t, exited.LastError)
	assert.Empty(t, exited.HandleID, "handle released")
	assert.Equal(t, 0, exited.RestartCount)
	assert.Equal(t, int64(1), env.backend.Calls.Create.Load(), "clean exits are not restarted")
	assert.Equal(t, int64(1), env.backend.Calls.Destroy.Load())

	_, destroyed, err := env.backend.State(vm.HandleID)
	require.NoError(t, err)
	assert.True(t, destroyed)

	assert.Empty(t, env.controller.Running())
	assert.Equal(t, []string{"vm"}, lo.Map(env.controller.Stopped(), func(r runtime.Runtime, _ int) string { return r.ID() }))
	assert.Equal(t, 1, env.net.InUse(), "address held until removal")

	_, err = env.mgr.GetVMMetrics("vm")
	assert.ErrorIs(t, err, ErrNoDataYet)

	require.NoError(t, env.mgr.RemoveVM(ctx, "vm"))
	assert.Equal(t, 0, env.net.InUse())
	assert.Empty(t, env.mgr.ListVMs())
}

func TestPoll_PausedIsLive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.create(t, "vm")
	vm, err := env.mgr.GetVM("vm")
	require.NoError(t, err)

	require.NoError(t, env.backend.SetState(vm.HandleID, hypervisor.StatePaused))
	env.mgr.PollOnce(ctx)
	status, err := env.mgr.GetVMStatus("vm")
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, status)

	require.NoError(t, env.backend.SetState(vm.HandleID, hypervisor.StateRunning))
	env.mgr.PollOnce(ctx)
	status, err = env.mgr.GetVMStatus("vm")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, status)
}

func TestAutoRestart(t *testing.T) {
	env := newTestEnv(t, withAutoRestart)
	ctx := context.Background()
	env.create(t, "vm")

	before, err := env.mgr.GetVM("vm")
	require.NoError(t, err)

	env.backend.SetFailAfterCreate(true)
	env.mgr.PollOnce(ctx)
	env.backend.SetFailAfterCreate(false)

	after, err := env.mgr.GetVM("vm")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, after.Status)
	assert.Equal(t, before.ID, after.ID)
	assert.Equal(t, before.ImageHash, after.ImageHash)
	assert.Equal(t, before.IP, after.IP, "address kept across restart")
	assert.NotEqual(t, before.HandleID, after.HandleID, "fresh backend handle")
	assert.Equal(t, 1, after.RestartCount)
	assert.False(t, after.LastRestart.IsZero())

	assert.Equal(t, int64(2), env.backend.Calls.Create.Load())
	_, destroyed, err := env.backend.State(before.HandleID)
	require.NoError(t, err)
	assert.True(t, destroyed, "old handle released")

	running := lo.Map(env.controller.Running(), func(r runtime.Runtime, _ int) string { return r.ID() })
	assert.Equal(t, []string{"vm"}, running)
	assert.Empty(t, env.controller.Stopped(), "restarted runtime left the stopped set")

	// A second crash and restart still leaves exactly one runtime
	env.backend.SetFailAfterCreate(true)
	env.mgr.PollOnce(ctx)
	env.backend.SetFailAfterCreate(false)
	time.Sleep(5 * time.Millisecond)
	env.mgr.PollOnce(ctx)

	status, err := env.mgr.GetVMStatus("vm")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, status)
	assert.Len(t, env.controller.Running(), 1)
	assert.Empty(t, env.controller.Stopped())
}

func TestAutoRestart_LimitReached(t *testing.T) {
	env := newTestEnv(t, withAutoRestart, func(c *Config) { c.Restart.MaxAttempts = 2 })
	ctx := context.Background()
	env.create(t, "vm")

	env.backend.SetFailAfterCreate(true)
	for i := 0; i < 5; i++ {
		env.mgr.PollOnce(ctx)
		time.Sleep(5 * time.Millisecond) // outlast the backoff interval
	}

	vm, err := env.mgr.GetVM("vm")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, vm.Status)
	assert.Equal(t, 2, vm.RestartCount)
	assert.Equal(t, int64(3), env.backend.Calls.Create.Load(), "initial create plus two restarts")
	assert.Equal(t, 0, env.net.InUse(), "address released once restarts are exhausted")
}

func TestAutoRestart_Backoff(t *testing.T) {
	env := newTestEnv(t, withAutoRestart, func(c *Config) {
		c.Restart.InitialInterval = time.Hour
		c.Restart.MaxInterval = time.Hour
	})
	ctx := context.Background()
	env.create(t, "vm")

	env.backend.SetFailAfterCreate(true)
	env.mgr.PollOnce(ctx) // fails, restarts immediately
	env.mgr.PollOnce(ctx) // fails again, next attempt an hour away
	env.mgr.PollOnce(ctx)

	vm, err := env.mgr.GetVM("vm")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, vm.Status)
	assert.Equal(t, 1, vm.RestartCount)
	assert.Equal(t, int64(2), env.backend.Calls.Create.Load())
	assert.Equal(t, 1, env.net.InUse(), "address held for the pending restart")
}

func TestAutoRestart_FailedRestartRetries(t *testing.T) {
	env := newTestEnv(t, withAutoRestart)
	ctx := context.Background()
	env.create(t, "vm")
	vm, err := env.mgr.GetVM("vm")
	require.NoError(t, err)

	require.NoError(t, env.backend.SetState(vm.HandleID, hypervisor.StateFailed))
	env.backend.SetError(mock.OpCreate, errors.New("out of memory"))
	env.mgr.PollOnce(ctx)

	vm, err = env.mgr.GetVM("vm")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, vm.Status)
	assert.Contains(t, vm.LastError, "out of memory")

	env.backend.SetError(mock.OpCreate, nil)
	time.Sleep(5 * time.Millisecond)
	env.mgr.PollOnce(ctx)

	vm, err = env.mgr.GetVM("vm")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, vm.Status)
	assert.Equal(t, 2, vm.RestartCount)
}

func TestPoll_DoesNotBlockOtherVMs(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once

	backend := mock.New(mock.Config{
		BeforeOp: func(ctx context.Context, op mock.Op, vmID string) {
			if vmID == "slow" && op == mock.OpStatus {
				once.Do(func() { close(entered) })
				<-release
			}
		},
	})
	cfg := Config{
		MetricsPollInterval: time.Hour,
		VMArtifactsDir:      t.TempDir(),
		NetworkBridge:       testBridge,
		VMSubnetBase:        "10.100.0.0/24",
	}
	env := newTestEnvWithConfig(t, cfg, backend)
	ctx := context.Background()
	env.create(t, "slow")
	env.create(t, "other")

	pollDone := make(chan struct{})
	go func() {
		env.mgr.PollOnce(ctx)
		close(pollDone)
	}()
	<-entered

	// The slow poll holds only its own VM
	require.NoError(t, env.mgr.RemoveVM(ctx, "other"))
	env.create(t, "fresh")
	status, err := env.mgr.GetVMStatus("slow")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, status)

	close(release)
	<-pollDone
	assert.Equal(t, []ID{"fresh", "slow"}, env.mgr.ListVMs())
}

func TestMetricsPolling_StartStop(t *testing.T) {
	cfg := Config{
		MetricsPollInterval: 10 * time.Millisecond,
		VMArtifactsDir:      t.TempDir(),
		NetworkBridge:       testBridge,
		VMSubnetBase:        "10.100.0.0/24",
	}
	env := newTestEnvWithConfig(t, cfg, mock.New(mock.Config{}))
	env.create(t, "vm")

	h := env.mgr.StartMetricsPolling(context.Background())
	assert.Same(t, h, env.mgr.StartMetricsPolling(context.Background()), "one poller at a time")

	assert.Eventually(t, func() bool {
		_, err := env.mgr.GetVMMetrics("vm")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	h.Stop()
	h.Stop()
	select {
	case <-h.Done():
	default:
		t.Fatal("poller still running after Stop")
	}

	calls := env.backend.Calls.Metrics.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, env.backend.Calls.Metrics.Load(), "no polls after Stop")
}

func TestShutdown(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.create(t, "a")
	env.create(t, "b")
	env.mgr.StartMetricsPolling(ctx)

	require.NoError(t, env.mgr.Shutdown(ctx))

	assert.Empty(t, env.mgr.ListVMs())
	assert.Equal(t, int64(2), env.backend.Calls.Stop.Load())
	assert.Equal(t, 0, env.net.InUse())
	assert.Empty(t, env.controller.Running())
}

func TestNewManager_Validation(t *testing.T) {
	links := &memLinks{devices: map[string]bool{}}
	netManager, err := network.NewManager(network.Config{Bridge: testBridge, Subnet: "10.100.0.0/24"}, links, nil)
	require.NoError(t, err)

	valid := Config{
		MetricsPollInterval: time.Second,
		VMArtifactsDir:      t.TempDir(),
		NetworkBridge:       testBridge,
		VMSubnetBase:        "10.100.0.0/24",
	}

	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"missing poll interval", func(c *Config) { c.MetricsPollInterval = 0 }},
		{"missing artifacts dir", func(c *Config) { c.VMArtifactsDir = "" }},
		{"artifacts dir does not exist", func(c *Config) { c.VMArtifactsDir = filepath.Join(c.VMArtifactsDir, "nope") }},
		{"missing bridge", func(c *Config) { c.NetworkBridge = "" }},
		{"bridge mismatch", func(c *Config) { c.NetworkBridge = "br-other" }},
		{"missing subnet", func(c *Config) { c.VMSubnetBase = "" }},
		{"ipv6 subnet", func(c *Config) { c.VMSubnetBase = "fd00::/64" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.modify(&cfg)
			_, err := NewManager(context.Background(), cfg, mock.New(mock.Config{}), netManager, runtime.NewController(), nil, nil)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}

	_, err = NewManager(context.Background(), valid, mock.New(mock.Config{}), netManager, runtime.NewController(), nil, nil)
	assert.NoError(t, err)
}

func TestNewManager_RecoversStaleVMs(t *testing.T) {
	dataDir := t.TempDir()
	staleDir := filepath.Join(dataDir, "vms", "stale")
	require.NoError(t, os.MkdirAll(staleDir, 0755))
	stale := metadata{
		ID:     "stale",
		Status: StatusRunning,
		Handle: hypervisor.Handle{ID: "h-old", VMID: "stale"},
	}
	data, err := json.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(staleDir, "metadata.json"), data, 0644))

	garbageDir := filepath.Join(dataDir, "vms", "garbage")
	require.NoError(t, os.MkdirAll(garbageDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(garbageDir, "metadata.json"), []byte("{"), 0644))

	backend := mock.New(mock.Config{})
	env := newTestEnvWithConfig(t, Config{
		MetricsPollInterval: time.Second,
		VMArtifactsDir:      dataDir,
		NetworkBridge:       testBridge,
		VMSubnetBase:        "10.100.0.0/24",
	}, backend)

	reaped := backend.Reaped()
	require.Len(t, reaped, 1)
	assert.Equal(t, "h-old", reaped[0].ID)
	assert.NoDirExists(t, staleDir)
	assert.NoDirExists(t, garbageDir)
	assert.Empty(t, env.mgr.ListVMs())
}

func TestValidateID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"build-42", true},
		{"job.1", true},
		{"", false},
		{".", false},
		{"..", false},
		{"a/b", false},
		{`a\b`, false},
		{"nul\x00byte", false},
	}
	for _, tt := range tests {
		err := validateID(tt.id)
		if tt.valid {
			assert.NoError(t, err, tt.id)
		} else {
			assert.ErrorIs(t, err, ErrInvalidID, tt.id)
		}
	}
}
