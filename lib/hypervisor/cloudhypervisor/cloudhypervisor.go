// Package cloudhypervisor implements hypervisor.Backend for Cloud
// Hypervisor. Each VM gets its own cloud-hypervisor process driven through
// the REST API on a unix socket in the VM's artifact directory.
package cloudhypervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nrednav/cuid2"
	"github.com/procurator/worker/lib/hypervisor"
	"github.com/procurator/worker/lib/logger"
	"gvisor.dev/gvisor/pkg/cleanup"
)

// socketName is the API socket filename inside the VM directory.
const socketName = "ch.sock"

func init() {
	hypervisor.Register(hypervisor.TypeCloudHypervisor, func(ctx context.Context, opts hypervisor.Options) (hypervisor.Backend, error) {
		return New(opts)
	})
}

type instance struct {
	handle hypervisor.Handle
	proc   *hypervisor.Process
	client *Client
}

// Backend drives cloud-hypervisor processes.
type Backend struct {
	binary  string
	metrics *Metrics
	sampler *hypervisor.UsageSampler

	mu  sync.Mutex
	vms map[string]*instance
}

// Verify Backend implements the interface
var (
	_ hypervisor.Backend = (*Backend)(nil)
	_ hypervisor.Reaper  = (*Backend)(nil)
)

// New creates a Cloud Hypervisor backend.
func New(opts hypervisor.Options) (*Backend, error) {
	binary := opts.CloudHypervisorBinary
	if binary == "" {
		found, err := findBinary()
		if err != nil {
			return nil, err
		}
		binary = found
	} else if _, err := os.Stat(binary); err != nil {
		return nil, fmt.Errorf("cloud-hypervisor binary: %w", err)
	}

	metrics, err := NewMetrics(opts.Meter)
	if err != nil {
		return nil, fmt.Errorf("create metrics: %w", err)
	}

	sampler, err := hypervisor.NewUsageSampler()
	if err != nil {
		return nil, err
	}

	return &Backend{
		binary:  binary,
		metrics: metrics,
		sampler: sampler,
		vms:     make(map[string]*instance),
	}, nil
}

func (b *Backend) lookup(h hypervisor.Handle) (*instance, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	inst, ok := b.vms[h.ID]
	return inst, ok
}

// Create spawns the VMM and registers the VM configuration with it.
func (b *Backend) Create(ctx context.Context, id string, cfg hypervisor.VMConfig) (hypervisor.Handle, error) {
	log := logger.FromContext(ctx)

	if err := cfg.CheckArtifacts(); err != nil {
		return hypervisor.Handle{}, err
	}
	if cfg.Dir == "" {
		return hypervisor.Handle{}, fmt.Errorf("%w: vm directory not set", hypervisor.ErrInvalidSpec)
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return hypervisor.Handle{}, fmt.Errorf("create vm directory: %w", err)
	}

	socketPath := filepath.Join(cfg.Dir, socketName)
	if hypervisor.IsSocketInUse(socketPath) {
		return hypervisor.Handle{}, fmt.Errorf("socket already in use, VMM may be running at %s", socketPath)
	}
	// Ignore error - if we can't remove it, CH will fail with clearer error
	os.Remove(socketPath)

	vmmLog := cfg.VMMLogPath
	if vmmLog == "" {
		vmmLog = filepath.Join(cfg.Dir, "logs", "vmm.log")
	}

	proc, err := hypervisor.StartProcess(ctx, b.binary, []string{"--api-socket", socketPath}, vmmLog)
	if err != nil {
		return hypervisor.Handle{}, err
	}

	cu := cleanup.Make(func() {
		if err := proc.Kill(); err != nil {
			log.WarnContext(ctx, "failed to kill vmm after create error", "vm_id", id, "error", err)
		}
		os.Remove(socketPath)
	})
	defer cu.Clean()

	if err := hypervisor.WaitForSocket(ctx, proc, socketPath, vmmLog, hypervisor.SocketWaitTimeout); err != nil {
		return hypervisor.Handle{}, err
	}

	client := NewClient(socketPath, b.metrics)
	if err := client.CreateVM(ctx, ToVMConfig(cfg)); err != nil {
		return hypervisor.Handle{}, fmt.Errorf("create vm: %w", err)
	}

	h := hypervisor.Handle{
		ID:         cuid2.Generate(),
		VMID:       id,
		PID:        proc.PID(),
		SocketPath: socketPath,
		CreatedAt:  time.Now(),
	}

	b.mu.Lock()
	b.vms[h.ID] = &instance{handle: h, proc: proc, client: client}
	b.mu.Unlock()

	cu.Release()
	log.DebugContext(ctx, "cloud-hypervisor process created", "vm_id", id, "pid", h.PID, "handle", h.ID)
	return h, nil
}

// Start boots the created VM.
func (b *Backend) Start(ctx context.Context, h hypervisor.Handle) error {
	inst, ok := b.lookup(h)
	if !ok {
		return fmt.Errorf("%w: %s", hypervisor.ErrUnknownHandle, h.ID)
	}
	if err := inst.client.BootVM(ctx); err != nil {
		return fmt.Errorf("boot vm: %w", err)
	}
	return nil
}

// Stop presses the ACPI power button, then shuts the VMM down once the guest
// has stopped. The VMM is killed if either step exceeds timeout.
func (b *Backend) Stop(ctx context.Context, h hypervisor.Handle, timeout time.Duration) error {
	log := logger.FromContext(ctx)

	inst, ok := b.lookup(h)
	if !ok {
		return nil
	}
	if exited, _ := inst.proc.Exited(); exited {
		b.release(inst)
		return nil
	}

	if err := inst.client.PowerButton(ctx); err != nil {
		log.WarnContext(ctx, "power button failed, destroying", "vm_id", h.VMID, "error", err)
		return b.Destroy(ctx, h)
	}

	if !b.waitGuestShutdown(ctx, inst, timeout) {
		log.WarnContext(ctx, "vm did not shut down in time, destroying", "vm_id", h.VMID, "timeout", timeout)
		return b.Destroy(ctx, h)
	}

	if err := inst.client.ShutdownVMM(ctx); err != nil {
		log.DebugContext(ctx, "vmm shutdown request failed", "vm_id", h.VMID, "error", err)
	}
	if inst.proc.Wait(ctx, timeout) {
		b.release(inst)
		return nil
	}
	return b.Destroy(ctx, h)
}

// waitGuestShutdown polls vm.info until the guest reports Shutdown or the
// VMM exits.
func (b *Backend) waitGuestShutdown(ctx context.Context, inst *instance, timeout time.Duration) bool {
	const pollInterval = 100 * time.Millisecond
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if exited, _ := inst.proc.Exited(); exited {
			return true
		}
		info, err := inst.client.Info(ctx)
		if err == nil && info.State == Shutdown {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-inst.proc.Done():
			return true
		case <-time.After(pollInterval):
		}
	}
	return false
}

// Reap kills the hypervisor process a previous worker run left behind.
func (b *Backend) Reap(ctx context.Context, h hypervisor.Handle) error {
	hypervisor.KillStale(ctx, h.PID)
	if h.SocketPath != "" {
		os.Remove(h.SocketPath)
	}
	return nil
}

// Destroy kills the VMM process and removes its socket.
func (b *Backend) Destroy(ctx context.Context, h hypervisor.Handle) error {
	inst, ok := b.lookup(h)
	if !ok {
		return nil
	}
	if err := inst.proc.Kill(); err != nil {
		return err
	}
	b.release(inst)
	return nil
}

func (b *Backend) release(inst *instance) {
	os.Remove(inst.handle.SocketPath)
	b.sampler.Forget(inst.handle.PID)

	b.mu.Lock()
	delete(b.vms, inst.handle.ID)
	b.mu.Unlock()
}

// Status reports the exit state if the VMM is gone, otherwise vm.info.
func (b *Backend) Status(ctx context.Context, h hypervisor.Handle) (hypervisor.State, error) {
	inst, ok := b.lookup(h)
	if !ok {
		return "", fmt.Errorf("%w: %s", hypervisor.ErrUnknownHandle, h.ID)
	}
	if state, exited := inst.proc.ExitState(); exited {
		return state, nil
	}

	info, err := inst.client.Info(ctx)
	if err != nil {
		if state, exited := inst.proc.ExitState(); exited {
			return state, nil
		}
		return "", fmt.Errorf("get vm info: %w", err)
	}
	state, ok := mapState(info.State)
	if !ok {
		return "", fmt.Errorf("unknown vm state: %s", info.State)
	}
	return state, nil
}

// Metrics combines /proc usage of the VMM process with the VM's device counters.
func (b *Backend) Metrics(ctx context.Context, h hypervisor.Handle) (hypervisor.Metrics, error) {
	inst, ok := b.lookup(h)
	if !ok {
		return hypervisor.Metrics{}, fmt.Errorf("%w: %s", hypervisor.ErrUnknownHandle, h.ID)
	}
	if exited, _ := inst.proc.Exited(); exited {
		return hypervisor.Metrics{}, errors.New("cloud-hypervisor process has exited")
	}

	m, err := b.sampler.Sample(inst.handle.PID, inst.proc.StartedAt())
	if err != nil {
		return hypervisor.Metrics{}, err
	}

	counters, err := inst.client.Counters(ctx)
	if err != nil {
		logger.FromContext(ctx).DebugContext(ctx, "vm counters unavailable", "vm_id", h.VMID, "error", err)
		return m, nil
	}
	// Process-level block I/O is replaced by the guest's device view.
	m.DiskReadBytes, m.DiskWriteBytes = 0, 0
	ioCounters(counters, &m)
	return m, nil
}
