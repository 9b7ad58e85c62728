// Package qemu implements hypervisor.Backend for QEMU. Each VM is a
// qemu-system-* process configured on its command line and controlled over
// a QMP unix socket in the VM's artifact directory.
package qemu

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

// socketName is the QMP socket filename inside the VM directory.
const socketName = "qemu.sock"

func init() {
	hypervisor.Register(hypervisor.TypeQEMU, func(ctx context.Context, opts hypervisor.Options) (hypervisor.Backend, error) {
		return New(opts)
	})
}

type instance struct {
	handle hypervisor.Handle
	proc   *hypervisor.Process
}

// Backend drives QEMU processes.
type Backend struct {
	binary  string
	pool    *clientPool
	sampler *hypervisor.UsageSampler

	mu  sync.Mutex
	vms map[string]*instance
}

// Verify Backend implements the interface
var (
	_ hypervisor.Backend = (*Backend)(nil)
	_ hypervisor.Reaper  = (*Backend)(nil)
)

// New creates a QEMU backend. It fails if no QEMU binary can be found.
func New(opts hypervisor.Options) (*Backend, error) {
	binary := opts.QEMUBinary
	if binary == "" {
		found, err := findBinary()
		if err != nil {
			return nil, err
		}
		binary = found
	} else if _, err := os.Stat(binary); err != nil {
		return nil, fmt.Errorf("qemu binary: %w", err)
	}

	sampler, err := hypervisor.NewUsageSampler()
	if err != nil {
		return nil, err
	}

	return &Backend{
		binary:  binary,
		pool:    newClientPool(NewClient),
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

// Create spawns a paused QEMU process for the VM and waits for QMP.
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
		return hypervisor.Handle{}, fmt.Errorf("socket already in use, QEMU may be running at %s", socketPath)
	}
	os.Remove(socketPath)

	vmmLog := cfg.VMMLogPath
	if vmmLog == "" {
		vmmLog = filepath.Join(cfg.Dir, "logs", "vmm.log")
	}

	args := []string{
		"-name", id,
		"-chardev", fmt.Sprintf("socket,id=qmp,path=%s,server=on,wait=off", socketPath),
		"-mon", "chardev=qmp,mode=control",
	}
	args = append(args, BuildArgs(cfg)...)

	proc, err := hypervisor.StartProcess(ctx, b.binary, args, vmmLog)
	if err != nil {
		return hypervisor.Handle{}, err
	}

	// Kill the process if subsequent steps fail
	cu := cleanup.Make(func() {
		b.pool.remove(socketPath)
		if err := proc.Kill(); err != nil {
			log.WarnContext(ctx, "failed to kill qemu after create error", "vm_id", id, "error", err)
		}
		os.Remove(socketPath)
	})
	defer cu.Clean()

	if err := hypervisor.WaitForSocket(ctx, proc, socketPath, vmmLog, hypervisor.SocketWaitTimeout); err != nil {
		return hypervisor.Handle{}, err
	}
	if _, err := b.pool.get(socketPath); err != nil {
		return hypervisor.Handle{}, fmt.Errorf("connect qmp: %w", err)
	}

	h := hypervisor.Handle{
		ID:         cuid2.Generate(),
		VMID:       id,
		PID:        proc.PID(),
		SocketPath: socketPath,
		CreatedAt:  time.Now(),
	}

	b.mu.Lock()
	b.vms[h.ID] = &instance{handle: h, proc: proc}
	b.mu.Unlock()

	cu.Release()
	log.DebugContext(ctx, "qemu process created", "vm_id", id, "pid", h.PID, "handle", h.ID)
	return h, nil
}

// Start resumes the paused guest.
func (b *Backend) Start(ctx context.Context, h hypervisor.Handle) error {
	inst, ok := b.lookup(h)
	if !ok {
		return fmt.Errorf("%w: %s", hypervisor.ErrUnknownHandle, h.ID)
	}
	client, err := b.pool.get(inst.handle.SocketPath)
	if err != nil {
		return fmt.Errorf("connect qmp: %w", err)
	}
	if err := client.Continue(); err != nil {
		b.pool.remove(inst.handle.SocketPath)
		return fmt.Errorf("cont: %w", err)
	}
	return nil
}

// Stop sends an ACPI powerdown and waits for QEMU to exit, escalating to
// Destroy after timeout.
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

	client, err := b.pool.get(inst.handle.SocketPath)
	if err == nil {
		err = client.SystemPowerdown()
	}
	if err != nil {
		b.pool.remove(inst.handle.SocketPath)
		log.WarnContext(ctx, "graceful shutdown request failed, destroying", "vm_id", h.VMID, "error", err)
		return b.Destroy(ctx, h)
	}

	if inst.proc.Wait(ctx, timeout) {
		b.release(inst)
		return nil
	}

	log.WarnContext(ctx, "vm did not shut down in time, destroying", "vm_id", h.VMID, "timeout", timeout)
	return b.Destroy(ctx, h)
}

// Reap kills the hypervisor process a previous worker run left behind.
func (b *Backend) Reap(ctx context.Context, h hypervisor.Handle) error {
	hypervisor.KillStale(ctx, h.PID)
	if h.SocketPath != "" {
		os.Remove(h.SocketPath)
	}
	return nil
}

// Destroy kills the QEMU process and removes its socket.
func (b *Backend) Destroy(ctx context.Context, h hypervisor.Handle) error {
	inst, ok := b.lookup(h)
	if !ok {
		return nil
	}
	b.pool.remove(inst.handle.SocketPath)
	if err := inst.proc.Kill(); err != nil {
		return err
	}
	b.release(inst)
	return nil
}

// release forgets an exited instance.
func (b *Backend) release(inst *instance) {
	b.pool.remove(inst.handle.SocketPath)
	os.Remove(inst.handle.SocketPath)
	b.sampler.Forget(inst.handle.PID)

	b.mu.Lock()
	delete(b.vms, inst.handle.ID)
	b.mu.Unlock()
}

// Status reports the exit state if QEMU is gone, otherwise the QMP run state.
func (b *Backend) Status(ctx context.Context, h hypervisor.Handle) (hypervisor.State, error) {
	inst, ok := b.lookup(h)
	if !ok {
		return "", fmt.Errorf("%w: %s", hypervisor.ErrUnknownHandle, h.ID)
	}
	if state, exited := inst.proc.ExitState(); exited {
		return state, nil
	}

	client, err := b.pool.get(inst.handle.SocketPath)
	if err != nil {
		if state, exited := inst.proc.ExitState(); exited {
			return state, nil
		}
		return "", fmt.Errorf("connect qmp: %w", err)
	}
	status, err := client.Status()
	if err != nil {
		b.pool.remove(inst.handle.SocketPath)
		if state, exited := inst.proc.ExitState(); exited {
			return state, nil
		}
		return "", fmt.Errorf("query status: %w", err)
	}
	return mapStatus(status), nil
}

// Metrics samples the QEMU process from /proc.
func (b *Backend) Metrics(ctx context.Context, h hypervisor.Handle) (hypervisor.Metrics, error) {
	inst, ok := b.lookup(h)
	if !ok {
		return hypervisor.Metrics{}, fmt.Errorf("%w: %s", hypervisor.ErrUnknownHandle, h.ID)
	}
	if exited, _ := inst.proc.Exited(); exited {
		return hypervisor.Metrics{}, errors.New("qemu process has exited")
	}
	return b.sampler.Sample(inst.handle.PID, inst.proc.StartedAt())
}
